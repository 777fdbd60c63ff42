package layout

import (
	"bytes"
	"encoding/binary"

	"github.com/dargueta/splitfat/errors"
)

// ControlData is the VolumeControlData stored immediately after the
// VolumeDescriptor (spec §3): counters that change as the volume grows.
type ControlData struct {
	CountAllocatedFATBlocks  uint32
	CountAllocatedDataBlocks uint32
	CountTotalDataClusters   uint32
}

const ControlDataEncodedSize = 4 * 3

func (cd *ControlData) Encode() []byte {
	buf := make([]byte, ControlDataEncodedSize)
	binary.LittleEndian.PutUint32(buf[0:4], cd.CountAllocatedFATBlocks)
	binary.LittleEndian.PutUint32(buf[4:8], cd.CountAllocatedDataBlocks)
	binary.LittleEndian.PutUint32(buf[8:12], cd.CountTotalDataClusters)
	return buf
}

func (cd *ControlData) Decode(buf []byte) errors.Error {
	if len(buf) < ControlDataEncodedSize {
		return errors.ErrCorruption.WithMessage("volume control data buffer too short")
	}
	reader := bytes.NewReader(buf)
	for _, target := range []*uint32{
		&cd.CountAllocatedFATBlocks,
		&cd.CountAllocatedDataBlocks,
		&cd.CountTotalDataClusters,
	} {
		if err := binary.Read(reader, binary.LittleEndian, target); err != nil {
			return errors.ErrIO.WrapError(err)
		}
	}
	return nil
}

// BlockControlHeader is the optional 16-byte header preceding each FAT
// block's cell array. Per spec §4.4/§9 (open question), its read/write path
// is reserved but disabled: SplitFAT always writes it zeroed and never
// parses it, matching SPLIT_FAT__BLOCK_CONTROL_DATA_READING_WRITING_ENABLED
// == 0 in the original.
type BlockControlHeader struct {
	CRC        uint32
	BlockIndex uint32
	_reserved  [8]byte
}

const BlockControlHeaderSize = 16

func (h *BlockControlHeader) Encode() []byte {
	buf := make([]byte, BlockControlHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.CRC)
	binary.LittleEndian.PutUint32(buf[4:8], h.BlockIndex)
	return buf
}
