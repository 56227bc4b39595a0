package efx

import (
	"encoding/binary"
	"fmt"
)

// Counter telemetry stream wire format. The firmware packetiser batches
// counter updates into fixed-layout packets: a 16-byte header followed
// by a run of 16-byte records.
//
// Header, big endian:
//
//	offset 0  version        (1 byte)
//	offset 1  identifier     (1 byte)
//	offset 2  header offset  (2 bytes)
//	offset 4  payload offset (2 bytes)
//	offset 6  record count   (2 bytes)
//	offset 8  reserved       (8 bytes)
//
// Record, big endian:
//
//	offset 0  counter index    (4 bytes)
//	offset 4  packet count lo  (4 bytes)
//	offset 8  packet count hi  (2 bytes)
//	offset 10 byte count lo    (4 bytes)
//	offset 14 byte count hi    (2 bytes)
const (
	CounterPacketHeaderSize = 16
	CounterRecordSize       = 16

	CounterPacketVersion      = 2
	CounterPacketIdentifierAR = 0 // action rule counters

	// CounterPacketHeaderOffsetDefault is the only header offset the
	// packetiser emits: the header sits at the start of the buffer.
	CounterPacketHeaderOffsetDefault = CounterPacketHeaderSize

	// CounterStreamPacketSize is the buffer size given to the stream.
	CounterStreamPacketSize = 1024
)

type CounterPacketHeader struct {
	Version       uint8
	Identifier    uint8
	HeaderOffset  uint16
	PayloadOffset uint16
	RecordCount   uint16
}

// CounterUpdate is one decoded telemetry record.
type CounterUpdate struct {
	Index   uint32
	Packets uint64
	Bytes   uint64
}

// ParseCounterPacketHeader reads the packet header. It only checks the
// buffer length; semantic validation is up to the caller so that each
// defect can be accounted separately.
func ParseCounterPacketHeader(b []byte) (CounterPacketHeader, error) {
	if len(b) < CounterPacketHeaderSize {
		return CounterPacketHeader{}, fmt.Errorf("efx: counter packet too short (%d bytes)", len(b))
	}
	return CounterPacketHeader{
		Version:       b[0],
		Identifier:    b[1],
		HeaderOffset:  binary.BigEndian.Uint16(b[2:4]),
		PayloadOffset: binary.BigEndian.Uint16(b[4:6]),
		RecordCount:   binary.BigEndian.Uint16(b[6:8]),
	}, nil
}

// ParseCounterRecord decodes one record. The caller guarantees b holds
// at least CounterRecordSize bytes.
func ParseCounterRecord(b []byte) CounterUpdate {
	pktLo := binary.BigEndian.Uint32(b[4:8])
	pktHi := binary.BigEndian.Uint16(b[8:10])
	byteLo := binary.BigEndian.Uint32(b[10:14])
	byteHi := binary.BigEndian.Uint16(b[14:16])
	return CounterUpdate{
		Index:   binary.BigEndian.Uint32(b[0:4]),
		Packets: uint64(pktLo) | uint64(pktHi)<<32,
		Bytes:   uint64(byteLo) | uint64(byteHi)<<32,
	}
}

// EncodeCounterPacket builds a canonical telemetry packet from the
// given updates. Device simulations and tests use this; production
// packets come from the firmware.
func EncodeCounterPacket(updates []CounterUpdate) []byte {
	b := make([]byte, CounterPacketHeaderSize+len(updates)*CounterRecordSize)
	b[0] = CounterPacketVersion
	b[1] = CounterPacketIdentifierAR
	binary.BigEndian.PutUint16(b[2:4], CounterPacketHeaderOffsetDefault)
	binary.BigEndian.PutUint16(b[4:6], CounterPacketHeaderSize)
	binary.BigEndian.PutUint16(b[6:8], uint16(len(updates)))
	for i, u := range updates {
		r := b[CounterPacketHeaderSize+i*CounterRecordSize:]
		binary.BigEndian.PutUint32(r[0:4], u.Index)
		binary.BigEndian.PutUint32(r[4:8], uint32(u.Packets))
		binary.BigEndian.PutUint16(r[8:10], uint16(u.Packets>>32))
		binary.BigEndian.PutUint32(r[10:14], uint32(u.Bytes))
		binary.BigEndian.PutUint16(r[14:16], uint16(u.Bytes>>32))
	}
	return b
}
