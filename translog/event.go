package translog

import "encoding/binary"

// EventType distinguishes the three kinds of change a transaction can log
// (spec §4.8/§6): FAT block pre-images, directory-cluster pre-images, and
// the block-virtualization double-buffer.
type EventType uint32

const (
	FATBlockChanged EventType = iota
	DirectoryClusterChanged
	BlockVirtualizationChanged
)

// DefaultTempName and DefaultFinalName are the two transaction-file names
// spec §4.8 names explicitly: the in-progress log, and the one whose
// existence at open means a transaction needs replaying.
const (
	DefaultTempName  = "_trans_temp"
	DefaultFinalName = "_trans"
)

// eventHeader is the fixed-size record preceding every event's payload,
// grounded on original_source/SplitFAT/include/SplitFAT/Transaction.h's
// TransactionEvent (event type + a union of index fields, collapsed here
// to a single uint32 since every variant is a single index, plus a CRC of
// the payload that follows).
type eventHeader struct {
	EventType EventType
	Index     uint32
	CRC       uint32
}

const eventHeaderSize = 12

func encodeEventHeaderInto(buf []byte, h eventHeader) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.EventType))
	binary.LittleEndian.PutUint32(buf[4:8], h.Index)
	binary.LittleEndian.PutUint32(buf[8:12], h.CRC)
}

func decodeEventHeader(buf []byte) eventHeader {
	return eventHeader{
		EventType: EventType(binary.LittleEndian.Uint32(buf[0:4])),
		Index:     binary.LittleEndian.Uint32(buf[4:8]),
		CRC:       binary.LittleEndian.Uint32(buf[8:12]),
	}
}
