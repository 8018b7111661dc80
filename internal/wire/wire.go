// Package wire implements the bit-exact, little-endian, packed wire
// records exchanged between sender and receiver.
package wire

import (
	"encoding/binary"
	"fmt"
)

// Opcode identifies the record kind. A reader must validate this before
// interpreting the rest of a datagram; unknown opcodes are dropped by the
// caller.
type Opcode uint8

const (
	HandshakeReq  Opcode = 5
	HandshakeResp Opcode = 6
	DataPacket    Opcode = 7
	Ack           Opcode = 8
)

const fileNameSize = 64

// HandshakeReqSize is the packed size of a HandshakeReq record: opcode(1) +
// connection_id(4) + file_name(64) + file_size(8) + OTI_Common(8) +
// OTI_Scheme(4).
const HandshakeReqSize = 1 + 4 + fileNameSize + 8 + 8 + 4

// HandshakeRespSize is opcode(1) + connection_id(4).
const HandshakeRespSize = 1 + 4

// AckSize is opcode(1) + bitmap(4*8) + repair_interval(4).
const AckSize = 1 + 4*8 + 4

// DataPacketHeaderSize is opcode(1) + symbol_id(4); the full on-wire size of
// a DataPacket is DataPacketHeaderSize+symbol_size.
const DataPacketHeaderSize = 1 + 4

// MaxESI is the number of distinct encoding symbol identifiers the 24 low
// bits of a symbol_id can carry; the largest esi is MaxESI-1.
const MaxESI = 1 << 24

// MaxSBN is the number of distinct source block numbers the 8 high bits of
// a symbol_id can carry; the largest sbn is MaxSBN-1 (spec.md caps
// num_blocks at 256, so this is never exceeded in practice).
const MaxSBN = 1 << 8

// EncodeSymbolID packs (sbn, esi) into the wire's 32-bit symbol_id: the high
// 8 bits carry sbn, the low 24 bits carry esi.
func EncodeSymbolID(sbn uint8, esi uint32) uint32 {
	return uint32(sbn)<<24 | (esi & (MaxESI - 1))
}

// DecodeSymbolID splits a wire symbol_id back into (sbn, esi).
func DecodeSymbolID(id uint32) (sbn uint8, esi uint32) {
	return uint8(id >> 24), id & (MaxESI - 1)
}

// HandshakeReqMsg is the sender's connection-opening record.
type HandshakeReqMsg struct {
	ConnectionID uint32
	FileName     string
	FileSize     uint64
	OTICommon    uint64
	OTIScheme    uint32
}

// Marshal packs m into a HandshakeReqSize-byte buffer.
func (m HandshakeReqMsg) Marshal() []byte {
	buf := make([]byte, HandshakeReqSize)
	buf[0] = byte(HandshakeReq)
	binary.LittleEndian.PutUint32(buf[1:5], m.ConnectionID)
	name := []byte(m.FileName)
	if len(name) > fileNameSize-1 {
		name = name[:fileNameSize-1]
	}
	copy(buf[5:5+fileNameSize], name)
	off := 5 + fileNameSize
	binary.LittleEndian.PutUint64(buf[off:off+8], m.FileSize)
	binary.LittleEndian.PutUint64(buf[off+8:off+16], m.OTICommon)
	binary.LittleEndian.PutUint32(buf[off+16:off+20], m.OTIScheme)
	return buf
}

// UnmarshalHandshakeReq validates the opcode and decodes a HandshakeReq.
func UnmarshalHandshakeReq(buf []byte) (HandshakeReqMsg, error) {
	var m HandshakeReqMsg
	if len(buf) < HandshakeReqSize {
		return m, fmt.Errorf("wire: short HandshakeReq: %d bytes", len(buf))
	}
	if Opcode(buf[0]) != HandshakeReq {
		return m, fmt.Errorf("wire: unexpected opcode %d for HandshakeReq", buf[0])
	}
	m.ConnectionID = binary.LittleEndian.Uint32(buf[1:5])
	nameBuf := buf[5 : 5+fileNameSize]
	n := 0
	for n < len(nameBuf) && nameBuf[n] != 0 {
		n++
	}
	m.FileName = string(nameBuf[:n])
	off := 5 + fileNameSize
	m.FileSize = binary.LittleEndian.Uint64(buf[off : off+8])
	m.OTICommon = binary.LittleEndian.Uint64(buf[off+8 : off+16])
	m.OTIScheme = binary.LittleEndian.Uint32(buf[off+16 : off+20])
	return m, nil
}

// HandshakeRespMsg echoes the connection id back to the sender.
type HandshakeRespMsg struct {
	ConnectionID uint32
}

func (m HandshakeRespMsg) Marshal() []byte {
	buf := make([]byte, HandshakeRespSize)
	buf[0] = byte(HandshakeResp)
	binary.LittleEndian.PutUint32(buf[1:5], m.ConnectionID)
	return buf
}

func UnmarshalHandshakeResp(buf []byte) (HandshakeRespMsg, error) {
	var m HandshakeRespMsg
	if len(buf) < HandshakeRespSize {
		return m, fmt.Errorf("wire: short HandshakeResp: %d bytes", len(buf))
	}
	if Opcode(buf[0]) != HandshakeResp {
		return m, fmt.Errorf("wire: unexpected opcode %d for HandshakeResp", buf[0])
	}
	m.ConnectionID = binary.LittleEndian.Uint32(buf[1:5])
	return m, nil
}

// AckMsg carries the receiver's aggregated ACK bitmap plus its current
// repair-interval hint.
type AckMsg struct {
	Bitmap         [4]uint64
	RepairInterval uint32
}

func (m AckMsg) Marshal() []byte {
	buf := make([]byte, AckSize)
	buf[0] = byte(Ack)
	for i, w := range m.Bitmap {
		binary.LittleEndian.PutUint64(buf[1+i*8:9+i*8], w)
	}
	binary.LittleEndian.PutUint32(buf[33:37], m.RepairInterval)
	return buf
}

func UnmarshalAck(buf []byte) (AckMsg, error) {
	var m AckMsg
	if len(buf) < AckSize {
		return m, fmt.Errorf("wire: short Ack: %d bytes", len(buf))
	}
	if Opcode(buf[0]) != Ack {
		return m, fmt.Errorf("wire: unexpected opcode %d for Ack", buf[0])
	}
	for i := range m.Bitmap {
		m.Bitmap[i] = binary.LittleEndian.Uint64(buf[1+i*8 : 9+i*8])
	}
	m.RepairInterval = binary.LittleEndian.Uint32(buf[33:37])
	return m, nil
}

// DataPacketMsg is a decoded DataPacket record. Payload aliases into the
// caller-supplied datagram buffer; callers that retain a DataPacketMsg past
// the lifetime of that buffer must copy Payload themselves.
type DataPacketMsg struct {
	SymbolID uint32
	Payload  []byte
}

// MarshalDataPacket writes opcode+symbol_id into dst[:DataPacketHeaderSize]
// and the symbol payload into dst[DataPacketHeaderSize:], returning the
// number of bytes written. dst must be at least DataPacketHeaderSize+len(payload).
func MarshalDataPacket(dst []byte, symbolID uint32, payload []byte) int {
	dst[0] = byte(DataPacket)
	binary.LittleEndian.PutUint32(dst[1:5], symbolID)
	n := copy(dst[DataPacketHeaderSize:], payload)
	return DataPacketHeaderSize + n
}

// UnmarshalDataPacket validates the opcode and splits header from payload.
// The returned Payload aliases buf.
func UnmarshalDataPacket(buf []byte) (DataPacketMsg, error) {
	var m DataPacketMsg
	if len(buf) < DataPacketHeaderSize {
		return m, fmt.Errorf("wire: short DataPacket: %d bytes", len(buf))
	}
	if Opcode(buf[0]) != DataPacket {
		return m, fmt.Errorf("wire: unexpected opcode %d for DataPacket", buf[0])
	}
	m.SymbolID = binary.LittleEndian.Uint32(buf[1:5])
	m.Payload = buf[DataPacketHeaderSize:]
	return m, nil
}

// PeekOpcode validates and returns the opcode of an arbitrary datagram
// without otherwise interpreting it.
func PeekOpcode(buf []byte) (Opcode, error) {
	if len(buf) < 1 {
		return 0, fmt.Errorf("wire: empty datagram")
	}
	op := Opcode(buf[0])
	switch op {
	case HandshakeReq, HandshakeResp, DataPacket, Ack:
		return op, nil
	default:
		return op, fmt.Errorf("wire: unknown opcode %d", op)
	}
}
