// Package modbus implements Modbus/TCP frame encoding and decoding: the
// MBAP header, per-function-code PDU layouts, exception responses and
// register<->Value conversions. It has no knowledge of sockets, workers or
// scheduling — those live in internal/connection and internal/worker.
package modbus

import (
	"encoding/binary"
	"fmt"

	"github.com/edgeflow/scada-acquisition/internal/domain"
)

// Function codes this core issues or decodes.
const (
	FuncReadCoils            byte = 0x01
	FuncReadDiscreteInputs   byte = 0x02
	FuncReadHoldingRegisters byte = 0x03
	FuncReadInputRegisters   byte = 0x04
	FuncWriteSingleCoil      byte = 0x05
	FuncWriteSingleRegister  byte = 0x06
	FuncWriteMultipleCoils   byte = 0x0F
	FuncWriteMultipleRegs    byte = 0x10

	exceptionFlag byte = 0x80
)

// MBAPHeader is the 7-byte Modbus Application Protocol header that
// precedes every TCP PDU.
type MBAPHeader struct {
	TransactionID uint16
	ProtocolID    uint16 // always 0 for Modbus
	Length        uint16 // unit ID + PDU byte count
	UnitID        uint8
}

const mbapSize = 7

// ExceptionError is returned when a device responds with the exception bit
// set on the function code.
type ExceptionError struct {
	Function      byte
	ExceptionCode byte
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("modbus: exception 0x%02x on function 0x%02x", e.ExceptionCode, e.Function&^exceptionFlag)
}

func functionForKind(kind domain.RequestKind) byte {
	switch kind {
	case domain.ReadHolding:
		return FuncReadHoldingRegisters
	case domain.ReadInput:
		return FuncReadInputRegisters
	case domain.ReadCoils:
		return FuncReadCoils
	case domain.ReadDiscrete:
		return FuncReadDiscreteInputs
	case domain.WriteHolding:
		return FuncWriteMultipleRegs
	case domain.WriteCoils:
		return FuncWriteMultipleCoils
	default:
		return 0
	}
}

// EncodeRequest builds a complete MBAP+PDU frame for req, tagged with
// transactionID. It is the only entry point the connection layer uses to
// turn a domain.Request into wire bytes.
func EncodeRequest(transactionID uint16, req domain.Request) ([]byte, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	fn := functionForKind(req.Kind)
	if fn == 0 {
		return nil, fmt.Errorf("modbus: unsupported request kind %s", req.Kind)
	}

	var pdu []byte
	switch req.Kind {
	case domain.ReadHolding, domain.ReadInput, domain.ReadCoils, domain.ReadDiscrete:
		pdu = encodeReadPDU(fn, req.StartAddress, req.Count)
	case domain.WriteHolding:
		pdu = encodeWriteMultipleRegistersPDU(req.StartAddress, req.WritePayload)
	case domain.WriteCoils:
		pdu = encodeWriteMultipleCoilsPDU(req.StartAddress, req.WriteBits)
	default:
		return nil, fmt.Errorf("modbus: unsupported request kind %s", req.Kind)
	}

	header := MBAPHeader{
		TransactionID: transactionID,
		ProtocolID:    0,
		Length:        uint16(1 + len(pdu)),
		UnitID:        req.UnitID,
	}
	return append(encodeHeader(header), pdu...), nil
}

func encodeHeader(h MBAPHeader) []byte {
	buf := make([]byte, mbapSize)
	binary.BigEndian.PutUint16(buf[0:2], h.TransactionID)
	binary.BigEndian.PutUint16(buf[2:4], h.ProtocolID)
	binary.BigEndian.PutUint16(buf[4:6], h.Length)
	buf[6] = h.UnitID
	return buf
}

// DecodeHeader parses the fixed 7-byte MBAP header that precedes every
// response. Callers read exactly mbapSize bytes before calling this.
func DecodeHeader(buf []byte) (MBAPHeader, error) {
	if len(buf) < mbapSize {
		return MBAPHeader{}, fmt.Errorf("modbus: short header, got %d bytes", len(buf))
	}
	h := MBAPHeader{
		TransactionID: binary.BigEndian.Uint16(buf[0:2]),
		ProtocolID:    binary.BigEndian.Uint16(buf[2:4]),
		Length:        binary.BigEndian.Uint16(buf[4:6]),
		UnitID:        buf[6],
	}
	if h.ProtocolID != 0 {
		return h, fmt.Errorf("modbus: unexpected protocol id %d", h.ProtocolID)
	}
	return h, nil
}

func encodeReadPDU(fn byte, start, count uint16) []byte {
	pdu := make([]byte, 5)
	pdu[0] = fn
	binary.BigEndian.PutUint16(pdu[1:3], start)
	binary.BigEndian.PutUint16(pdu[3:5], count)
	return pdu
}

func encodeWriteMultipleRegistersPDU(start uint16, values []uint16) []byte {
	byteCount := len(values) * 2
	pdu := make([]byte, 6+byteCount)
	pdu[0] = FuncWriteMultipleRegs
	binary.BigEndian.PutUint16(pdu[1:3], start)
	binary.BigEndian.PutUint16(pdu[3:5], uint16(len(values)))
	pdu[5] = byte(byteCount)
	for i, v := range values {
		binary.BigEndian.PutUint16(pdu[6+i*2:8+i*2], v)
	}
	return pdu
}

func encodeWriteMultipleCoilsPDU(start uint16, bits []bool) []byte {
	byteCount := (len(bits) + 7) / 8
	pdu := make([]byte, 6+byteCount)
	pdu[0] = FuncWriteMultipleCoils
	binary.BigEndian.PutUint16(pdu[1:3], start)
	binary.BigEndian.PutUint16(pdu[3:5], uint16(len(bits)))
	pdu[5] = byte(byteCount)
	for i, b := range bits {
		if b {
			pdu[6+i/8] |= 1 << uint(i%8)
		}
	}
	return pdu
}

// DecodeResponsePDU interprets a response PDU (everything after the MBAP
// header) for the given request, producing the raw register/bit payload
// it carried. Write-response PDUs (echoed address/count) are validated but
// produce no payload.
func DecodeResponsePDU(req domain.Request, pdu []byte) (raw []uint16, err error) {
	if len(pdu) == 0 {
		return nil, fmt.Errorf("modbus: empty response PDU")
	}
	fn := pdu[0]
	if fn&exceptionFlag != 0 {
		if len(pdu) < 2 {
			return nil, fmt.Errorf("modbus: truncated exception response")
		}
		return nil, &ExceptionError{Function: fn, ExceptionCode: pdu[1]}
	}

	switch req.Kind {
	case domain.ReadHolding, domain.ReadInput:
		return decodeReadRegistersResponse(pdu, int(req.Count))
	case domain.ReadCoils, domain.ReadDiscrete:
		return decodeReadBitsResponse(pdu, int(req.Count))
	case domain.WriteHolding, domain.WriteCoils:
		if len(pdu) < 5 {
			return nil, fmt.Errorf("modbus: truncated write response")
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("modbus: cannot decode response for kind %s", req.Kind)
	}
}

func decodeReadRegistersResponse(pdu []byte, wantCount int) ([]uint16, error) {
	if len(pdu) < 2 {
		return nil, fmt.Errorf("modbus: truncated register response")
	}
	byteCount := int(pdu[1])
	if len(pdu) < 2+byteCount {
		return nil, fmt.Errorf("modbus: register response byte count %d exceeds payload", byteCount)
	}
	if byteCount != wantCount*2 {
		return nil, fmt.Errorf("modbus: register response byte count %d does not match requested count %d", byteCount, wantCount)
	}
	regs := make([]uint16, wantCount)
	for i := 0; i < wantCount; i++ {
		regs[i] = binary.BigEndian.Uint16(pdu[2+i*2 : 4+i*2])
	}
	return regs, nil
}

func decodeReadBitsResponse(pdu []byte, wantCount int) ([]uint16, error) {
	if len(pdu) < 2 {
		return nil, fmt.Errorf("modbus: truncated bit response")
	}
	byteCount := int(pdu[1])
	if len(pdu) < 2+byteCount {
		return nil, fmt.Errorf("modbus: bit response byte count %d exceeds payload", byteCount)
	}
	bits := make([]uint16, wantCount)
	for i := 0; i < wantCount; i++ {
		byteIdx := i / 8
		bitIdx := uint(i % 8)
		if byteIdx >= byteCount {
			return nil, fmt.Errorf("modbus: bit response short by index %d", i)
		}
		if pdu[2+byteIdx]&(1<<bitIdx) != 0 {
			bits[i] = 1
		}
	}
	return bits, nil
}

// ResponseByteLength returns the number of PDU bytes that follow the
// function byte. Fixed-size write-response PDUs are 4 bytes after the
// function code; for read responses it is the byte-count field at pdu[1]
// itself plus the byteCountField data bytes.
func ResponseByteLength(functionByte byte, byteCountField byte) int {
	switch functionByte &^ exceptionFlag {
	case FuncReadCoils, FuncReadDiscreteInputs, FuncReadHoldingRegisters, FuncReadInputRegisters:
		return 1 + int(byteCountField)
	case FuncWriteSingleCoil, FuncWriteSingleRegister, FuncWriteMultipleCoils, FuncWriteMultipleRegs:
		return 4
	default:
		return 0
	}
}
