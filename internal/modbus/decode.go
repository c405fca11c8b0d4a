package modbus

import (
	"math"

	"github.com/edgeflow/scada-acquisition/internal/domain"
)

// DecodeValue turns the raw registers (or 0/1 bit words, for bit categories)
// belonging to a single point at offset within a block's raw payload into a
// typed domain.Value, per dt's wire width. flags accumulates NaN/Inf/
// denormal classification for float types across a whole block read.
func DecodeValue(dt domain.DataType, raw []uint16, offset int, flags *domain.ResultFlags) (domain.Value, error) {
	switch dt {
	case domain.Reg16, domain.InputReg16:
		return domain.NewU16(raw[offset]), nil
	case domain.Coil, domain.DiscreteInput, domain.Bool:
		return domain.NewBool(raw[offset] != 0), nil
	case domain.Int32:
		v := int32(uint32(raw[offset])<<16 | uint32(raw[offset+1]))
		return domain.NewI32(v), nil
	case domain.Int64:
		v := int64(uint64(raw[offset])<<48 | uint64(raw[offset+1])<<32 | uint64(raw[offset+2])<<16 | uint64(raw[offset+3]))
		return domain.NewI64(v), nil
	case domain.Float32:
		bits := uint32(raw[offset])<<16 | uint32(raw[offset+1])
		f := math.Float32frombits(bits)
		classifyFloat32(f, flags)
		return domain.NewF32(f), nil
	case domain.Double64:
		bits := uint64(raw[offset])<<48 | uint64(raw[offset+1])<<32 | uint64(raw[offset+2])<<16 | uint64(raw[offset+3])
		f := math.Float64frombits(bits)
		classifyFloat64(f, flags)
		return domain.NewF64(f), nil
	default:
		return domain.NewU16(raw[offset]), nil
	}
}

func classifyFloat32(f float32, flags *domain.ResultFlags) {
	if flags == nil {
		return
	}
	switch {
	case math.IsNaN(float64(f)):
		flags.HasNaN = true
	case math.IsInf(float64(f), 0):
		flags.HasInf = true
	case f != 0 && math.Abs(float64(f)) < math.SmallestNonzeroFloat32*(1<<23):
		flags.HasDenormal = true
	}
}

func classifyFloat64(f float64, flags *domain.ResultFlags) {
	if flags == nil {
		return
	}
	switch {
	case math.IsNaN(f):
		flags.HasNaN = true
	case math.IsInf(f, 0):
		flags.HasInf = true
	case f != 0 && math.Abs(f) < math.SmallestNonzeroFloat64*(1<<52):
		flags.HasDenormal = true
	}
}

// EncodeWriteRegisters converts a slice of domain.Value into the raw
// register words a write request carries, per dt's wire width.
func EncodeWriteRegisters(dt domain.DataType, values []domain.Value) []uint16 {
	out := make([]uint16, 0, len(values)*dt.Width())
	for _, v := range values {
		switch dt {
		case domain.Reg16, domain.InputReg16:
			out = append(out, v.U16())
		case domain.Int32:
			u := uint32(v.I32())
			out = append(out, uint16(u>>16), uint16(u))
		case domain.Int64:
			u := uint64(v.I64())
			out = append(out, uint16(u>>48), uint16(u>>32), uint16(u>>16), uint16(u))
		case domain.Float32:
			bits := math.Float32bits(v.F32())
			out = append(out, uint16(bits>>16), uint16(bits))
		case domain.Double64:
			bits := math.Float64bits(v.F64())
			out = append(out, uint16(bits>>48), uint16(bits>>32), uint16(bits>>16), uint16(bits))
		default:
			out = append(out, v.U16())
		}
	}
	return out
}

// EncodeWriteBits converts booleans into the bit slice a coil write request
// carries; present mainly for symmetry with EncodeWriteRegisters.
func EncodeWriteBits(values []bool) []bool {
	out := make([]bool, len(values))
	copy(out, values)
	return out
}
