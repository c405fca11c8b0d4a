// Package router implements the Response Router: it takes a decoded block
// ReadResult together with the Point that produced it and splits the raw
// register payload back into per-original-point Samples, preserving
// addressing order and tagging each sample with its read mode.
package router

import (
	"fmt"
	"strconv"

	"github.com/edgeflow/scada-acquisition/internal/domain"
	"github.com/edgeflow/scada-acquisition/internal/modbus"
)

// Route turns a single read into one or more Samples. For a plain
// (unblocked) point it decodes a single value; for a block point it walks
// BlockMeta.Points in address order and decodes each one from its offset
// into the block's raw payload. A failed block read produces no samples
// at all — the worker's failure counter and classified-error event are
// the record of it; a failed single-point read yields one invalid sample
// carrying the error.
func Route(point domain.Point, result domain.ReadResult, nowMs int64) ([]domain.Sample, error) {
	if !result.Success {
		if point.Block != nil {
			return nil, nil
		}
		return []domain.Sample{{
			PointName:   point.Name,
			TimestampMs: nowMs,
			Valid:       false,
			Err:         result.Err,
		}}, nil
	}

	if point.Block == nil {
		return routeSingle(point, result, nowMs)
	}
	return routeBlock(point, result, nowMs)
}

func routeSingle(point domain.Point, result domain.ReadResult, nowMs int64) ([]domain.Sample, error) {
	var flags domain.ResultFlags
	v, err := modbus.DecodeValue(point.DataType, result.Raw, 0, &flags)
	if err != nil {
		return nil, fmt.Errorf("router: decode %s: %w", point.Name, err)
	}
	return []domain.Sample{{
		PointName:   point.Name,
		Value:       v,
		TimestampMs: nowMs,
		Measurement: point.Measurement,
		Tags:        tagsForSample(point.Tags, point.Address, point.DataType),
		Valid:       true,
	}}, nil
}

func routeBlock(point domain.Point, result domain.ReadResult, nowMs int64) ([]domain.Sample, error) {
	meta := point.Block
	samples := make([]domain.Sample, 0, len(meta.Points))

	for _, orig := range meta.Points {
		offset := int(orig.OriginalAddress) - int(meta.BlockStart)
		if offset < 0 || offset+orig.OriginalDataType.Width() > len(result.Raw) {
			samples = append(samples, domain.Sample{
				PointName:   orig.OriginalName,
				TimestampMs: nowMs,
				Valid:       false,
				Err:         fmt.Errorf("router: offset %d out of range for block %s", offset, point.Name),
			})
			continue
		}

		var flags domain.ResultFlags
		v, err := modbus.DecodeValue(orig.OriginalDataType, result.Raw, offset, &flags)
		if err != nil {
			samples = append(samples, domain.Sample{
				PointName:   orig.OriginalName,
				TimestampMs: nowMs,
				Valid:       false,
				Err:         err,
			})
			continue
		}

		samples = append(samples, domain.Sample{
			PointName:   orig.OriginalName,
			Value:       v,
			TimestampMs: nowMs,
			Measurement: orig.OriginalMeasurement,
			Tags:        tagsForSample(orig.OriginalTags, orig.OriginalAddress, orig.OriginalDataType),
			Valid:       true,
		})
	}
	return samples, nil
}

// tagsForSample enriches base with the read_mode, address, and data_type
// tags every sample must carry, regardless of whether it came from a
// single-point read or a block read.
func tagsForSample(base map[string]string, address uint16, dt domain.DataType) map[string]string {
	out := make(map[string]string, len(base)+3)
	for k, v := range base {
		out[k] = v
	}
	out["read_mode"] = string(domain.ReadModeFor(dt))
	out["address"] = strconv.Itoa(int(address))
	out["data_type"] = dt.String()
	return out
}
