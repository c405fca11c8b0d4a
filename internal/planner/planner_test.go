package planner_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeflow/scada-acquisition/internal/domain"
	"github.com/edgeflow/scada-acquisition/internal/planner"
)

func regPoint(name string, addr uint16, dt domain.DataType) domain.Point {
	return domain.Point{
		Name: name, Host: "10.0.0.1", Port: 502, UnitID: 1,
		Address: addr, DataType: dt, PollIntervalMs: 1000, Enabled: true,
	}
}

func TestPlan_MergesAdjacentPoints(t *testing.T) {
	points := []domain.Point{
		regPoint("p1", 0, domain.Reg16),
		regPoint("p2", 1, domain.Reg16),
		regPoint("p3", 2, domain.Reg16),
	}
	blocks := planner.Plan(points)
	require.Len(t, blocks, 1)
	require.NotNil(t, blocks[0].Block)
	assert.Equal(t, uint16(0), blocks[0].Block.BlockStart)
	assert.Equal(t, uint16(3), blocks[0].Block.BlockSize)
	assert.Len(t, blocks[0].Block.Points, 3)
}

func TestPlan_SplitsOnGapExceeded(t *testing.T) {
	points := []domain.Point{
		regPoint("p1", 0, domain.Reg16),
		regPoint("p2", 10, domain.Reg16), // gap of 9 > maxRegisterGap (5)
	}
	blocks := planner.Plan(points)
	require.Len(t, blocks, 2)
}

func TestPlan_SeparatesByRegisterCategory(t *testing.T) {
	points := []domain.Point{
		regPoint("holding", 0, domain.Reg16),
		regPoint("input", 0, domain.InputReg16),
	}
	blocks := planner.Plan(points)
	assert.Len(t, blocks, 2)
}

func TestPlan_SeparatesByDevice(t *testing.T) {
	p1 := regPoint("p1", 0, domain.Reg16)
	p2 := regPoint("p2", 1, domain.Reg16)
	p2.Host = "10.0.0.2"
	blocks := planner.Plan([]domain.Point{p1, p2})
	assert.Len(t, blocks, 2)
}

func TestPlan_SkipsDisabledPoints(t *testing.T) {
	p1 := regPoint("p1", 0, domain.Reg16)
	p2 := regPoint("p2", 1, domain.Reg16)
	p2.Enabled = false
	blocks := planner.Plan([]domain.Point{p1, p2})
	require.Len(t, blocks, 1)
	assert.Nil(t, blocks[0].Block)
}

func TestPlan_RespectsMaxBlockSize(t *testing.T) {
	var points []domain.Point
	for i := uint16(0); i < 130; i++ {
		points = append(points, regPoint("p", i, domain.Reg16))
	}
	blocks := planner.Plan(points)
	require.GreaterOrEqual(t, len(blocks), 2)
	for _, b := range blocks {
		if b.Block != nil {
			assert.LessOrEqual(t, b.Block.BlockSize, uint16(125))
		}
	}
}
