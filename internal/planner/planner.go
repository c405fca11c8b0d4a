// Package planner implements the Block Planner: it partitions a device's
// configured points by register category, sorts by address and greedily
// merges adjacent points into the fewest block reads that respect the gap
// and size limits a Modbus/TCP device tolerates.
package planner

import (
	"fmt"
	"sort"

	"github.com/edgeflow/scada-acquisition/internal/domain"
)

const (
	maxRegisterGap = 5
	maxBitGap      = 3
	maxBlockSize   = 125
)

// Plan groups points into block Points ready for polling. Points sharing a
// device key but different register categories are planned independently;
// within a category, adjacent points within the gap limit are merged into
// one read, bounded by maxBlockSize.
func Plan(points []domain.Point) []domain.Point {
	groups := partition(points)

	var blocks []domain.Point
	for _, g := range groups {
		blocks = append(blocks, planGroup(g)...)
	}
	return blocks
}

type groupKey struct {
	host     string
	port     int
	unitID   uint8
	category domain.RegisterCategory
}

func partition(points []domain.Point) map[groupKey][]domain.Point {
	groups := make(map[groupKey][]domain.Point)
	for _, p := range points {
		if !p.Enabled {
			continue
		}
		key := groupKey{host: p.Host, port: p.Port, unitID: p.UnitID, category: p.DataType.Category()}
		groups[key] = append(groups[key], p)
	}
	return groups
}

func planGroup(points []domain.Point) []domain.Point {
	sorted := make([]domain.Point, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Address < sorted[j].Address })

	category := sorted[0].DataType.Category()
	maxGap := maxRegisterGap
	if category.IsBit() {
		maxGap = maxBitGap
	}

	var blocks []domain.Point
	i := 0
	for i < len(sorted) {
		j := i
		blockEnd := sorted[i].Address + uint16(sorted[i].DataType.Width())
		members := []domain.OriginalPointMeta{originalMeta(sorted[i])}

		for j+1 < len(sorted) {
			next := sorted[j+1]
			gap := int(next.Address) - int(blockEnd)
			candidateSize := int(next.Address) + next.DataType.Width() - int(sorted[i].Address)
			if gap > maxGap || candidateSize > maxBlockSize {
				break
			}
			j++
			newEnd := next.Address + uint16(next.DataType.Width())
			if newEnd > blockEnd {
				blockEnd = newEnd
			}
			members = append(members, originalMeta(next))
		}

		blocks = append(blocks, buildBlockPoint(sorted[i], blockEnd, category, members))
		i = j + 1
	}
	return blocks
}

func originalMeta(p domain.Point) domain.OriginalPointMeta {
	return domain.OriginalPointMeta{
		OriginalAddress:     p.Address,
		OriginalName:        p.Name,
		OriginalDataType:    p.DataType,
		OriginalMeasurement: p.Measurement,
		OriginalTags:        p.Tags,
	}
}

func buildBlockPoint(first domain.Point, blockEnd uint16, category domain.RegisterCategory, members []domain.OriginalPointMeta) domain.Point {
	size := blockEnd - first.Address
	block := first
	block.Address = first.Address
	if len(members) == 1 {
		block.Block = nil
		return block
	}
	block.Name = blockName(first)
	block.DataType = blockDataType(category)
	block.Block = &domain.BlockMeta{
		BlockStart:       first.Address,
		BlockSize:        size,
		RegisterCategory: category,
		Points:           members,
	}
	return block
}

// blockName keys a synthetic block point by device, category and start
// address so two blocks in the same partition never collide in per-name
// poll bookkeeping.
func blockName(first domain.Point) string {
	return fmt.Sprintf("%s:%s:block@%d", first.DeviceKey(), first.DataType.Category(), first.Address)
}

func blockDataType(category domain.RegisterCategory) domain.DataType {
	switch category {
	case domain.CategoryHolding:
		return domain.Reg16
	case domain.CategoryInput:
		return domain.InputReg16
	case domain.CategoryCoil:
		return domain.Coil
	case domain.CategoryDiscrete:
		return domain.DiscreteInput
	default:
		return domain.Reg16
	}
}
