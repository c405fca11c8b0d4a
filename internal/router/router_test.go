package router_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeflow/scada-acquisition/internal/domain"
	"github.com/edgeflow/scada-acquisition/internal/router"
)

func TestRoute_SinglePoint(t *testing.T) {
	point := domain.Point{Name: "temp1", Address: 42, DataType: domain.Reg16, Measurement: "temperature"}
	result := domain.ReadResult{Success: true, Raw: []uint16{42}}

	samples, err := router.Route(point, result, 1000)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.True(t, samples[0].Valid)
	assert.Equal(t, uint16(42), samples[0].Value.U16())
	assert.Equal(t, "single_register", samples[0].Tags["read_mode"])
	assert.Equal(t, "42", samples[0].Tags["address"])
	assert.Equal(t, "reg16", samples[0].Tags["data_type"])
}

func TestRoute_BlockSplitsInOrder(t *testing.T) {
	point := domain.Point{
		Name: "block1",
		Block: &domain.BlockMeta{
			BlockStart:       100,
			BlockSize:        3,
			RegisterCategory: domain.CategoryHolding,
			Points: []domain.OriginalPointMeta{
				{OriginalAddress: 100, OriginalName: "a", OriginalDataType: domain.Reg16},
				{OriginalAddress: 101, OriginalName: "b", OriginalDataType: domain.Reg16},
				{OriginalAddress: 102, OriginalName: "c", OriginalDataType: domain.Reg16},
			},
		},
	}
	result := domain.ReadResult{Success: true, Raw: []uint16{10, 20, 30}}

	samples, err := router.Route(point, result, 1000)
	require.NoError(t, err)
	require.Len(t, samples, 3)
	assert.Equal(t, "a", samples[0].PointName)
	assert.Equal(t, uint16(10), samples[0].Value.U16())
	assert.Equal(t, "100", samples[0].Tags["address"])
	assert.Equal(t, "reg16", samples[0].Tags["data_type"])
	assert.Equal(t, "c", samples[2].PointName)
	assert.Equal(t, uint16(30), samples[2].Value.U16())
	assert.Equal(t, "102", samples[2].Tags["address"])
}

func TestRoute_FailedReadProducesInvalidSample(t *testing.T) {
	point := domain.Point{Name: "p1"}
	result := domain.ReadResult{Success: false, Err: assert.AnError}

	samples, err := router.Route(point, result, 1000)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.False(t, samples[0].Valid)
	assert.Equal(t, assert.AnError, samples[0].Err)
}

func TestRoute_FailedBlockProducesNoSamples(t *testing.T) {
	point := domain.Point{
		Name: "block1",
		Block: &domain.BlockMeta{
			BlockStart: 100,
			BlockSize:  3,
			Points: []domain.OriginalPointMeta{
				{OriginalAddress: 100, OriginalName: "a", OriginalDataType: domain.Reg16},
				{OriginalAddress: 101, OriginalName: "b", OriginalDataType: domain.Reg16},
			},
		},
	}
	result := domain.ReadResult{Success: false, Err: assert.AnError}

	samples, err := router.Route(point, result, 1000)
	require.NoError(t, err)
	assert.Empty(t, samples)
}

func TestRoute_BlockWithWideValues(t *testing.T) {
	point := domain.Point{
		Name: "block1",
		Block: &domain.BlockMeta{
			BlockStart: 0,
			Points: []domain.OriginalPointMeta{
				{OriginalAddress: 0, OriginalName: "f32", OriginalDataType: domain.Float32},
				{OriginalAddress: 2, OriginalName: "u16", OriginalDataType: domain.Reg16},
			},
		},
	}
	// 0x42C80000 is the IEEE-754 float32 bit pattern for 100.0.
	result := domain.ReadResult{Success: true, Raw: []uint16{0x42C8, 0x0000, 7}}

	samples, err := router.Route(point, result, 1000)
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.InDelta(t, 100.0, samples[0].Value.F32(), 0.001)
	assert.Equal(t, uint16(7), samples[1].Value.U16())
}
