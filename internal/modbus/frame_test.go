package modbus_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeflow/scada-acquisition/internal/domain"
	"github.com/edgeflow/scada-acquisition/internal/modbus"
)

func TestEncodeRequest_ReadHoldingRegisters(t *testing.T) {
	req := domain.Request{
		Kind:         domain.ReadHolding,
		StartAddress: 100,
		Count:        4,
		UnitID:       1,
	}
	frame, err := modbus.EncodeRequest(7, req)
	require.NoError(t, err)
	require.Len(t, frame, 12)

	header, err := modbus.DecodeHeader(frame[:7])
	require.NoError(t, err)
	assert.Equal(t, uint16(7), header.TransactionID)
	assert.Equal(t, uint8(1), header.UnitID)
	assert.Equal(t, modbus.FuncReadHoldingRegisters, frame[7])
}

func TestEncodeRequest_RejectsOversizeCount(t *testing.T) {
	req := domain.Request{Kind: domain.ReadHolding, StartAddress: 0, Count: 126, UnitID: 1}
	_, err := modbus.EncodeRequest(1, req)
	assert.Error(t, err)
}

func TestDecodeResponsePDU_RoundTripsRegisters(t *testing.T) {
	req := domain.Request{Kind: domain.ReadHolding, StartAddress: 0, Count: 3, UnitID: 1}
	pdu := []byte{modbus.FuncReadHoldingRegisters, 6, 0x00, 0x01, 0x00, 0x02, 0x00, 0x03}

	raw, err := modbus.DecodeResponsePDU(req, pdu)
	require.NoError(t, err)
	assert.Equal(t, []uint16{1, 2, 3}, raw)
}

func TestDecodeResponsePDU_Exception(t *testing.T) {
	req := domain.Request{Kind: domain.ReadHolding, StartAddress: 0, Count: 1, UnitID: 1}
	pdu := []byte{modbus.FuncReadHoldingRegisters | 0x80, 0x02}

	_, err := modbus.DecodeResponsePDU(req, pdu)
	require.Error(t, err)
	var exc *modbus.ExceptionError
	require.ErrorAs(t, err, &exc)
	assert.Equal(t, byte(0x02), exc.ExceptionCode)
}

func TestDecodeResponsePDU_BitsUnpacked(t *testing.T) {
	req := domain.Request{Kind: domain.ReadCoils, StartAddress: 0, Count: 10, UnitID: 1}
	// 10 bits across 2 bytes: 0b00000101 (bits 0,2 set), 0b00000010 (bit 9 set -> bit 1 of second byte)
	pdu := []byte{modbus.FuncReadCoils, 2, 0b00000101, 0b00000010}

	raw, err := modbus.DecodeResponsePDU(req, pdu)
	require.NoError(t, err)
	want := []uint16{1, 0, 1, 0, 0, 0, 0, 0, 0, 1}
	assert.Equal(t, want, raw)
}

func TestEncodeWriteMultipleRegisters(t *testing.T) {
	req := domain.Request{
		Kind:         domain.WriteHolding,
		StartAddress: 10,
		Count:        2,
		UnitID:       1,
		WritePayload: []uint16{0xBEEF, 0x0042},
	}
	frame, err := modbus.EncodeRequest(1, req)
	require.NoError(t, err)

	pdu := frame[7:]
	assert.Equal(t, modbus.FuncWriteMultipleRegs, pdu[0])
	assert.Equal(t, byte(4), pdu[5])
}
