// Package virtualization implements the block-virtualization indirection
// (spec §4.7, C7): a double-buffered, CRC-protected table mapping virtual
// file-data block indices to physical ones, plus a scratch physical block
// that absorbs in-progress writes so a crash mid-commit leaves the
// previously-visible physical block untouched.
//
// Grounded on original_source/SplitFAT/include/SplitFAT/BlockVirtualization.h;
// translated from the C union-based double-buffer into two plain Go structs
// selected by an active-index field, in the style of the teacher's
// blockcache.go loaded/dirty-bitmap bookkeeping (two parallel, independently
// mutable copies of state, one authoritative at a time).
package virtualization

import (
	"encoding/binary"

	"github.com/dargueta/splitfat/crc"
	"github.com/dargueta/splitfat/errors"
)

const (
	// MagicHeader is the 16-bit verification code every valid descriptor
	// header must carry.
	MagicHeader uint16 = 0x5FA7
	// MaxIDCount is the modulus the descriptor ID counter wraps around.
	MaxIDCount = 8
	// MaxAllowedBlocks bounds the blockIndices array; with 256 MiB blocks
	// this supports volumes up to 16 GiB.
	MaxAllowedBlocks = 64
)

// Header is the fixed-size preamble of a Descriptor.
type Header struct {
	VerificationCode   uint16
	ID                 uint8
	HeaderSize         uint8
	VirtualBlocksCount uint8
	ScratchBlockIndex  uint8
	DataCRC            uint32
	HeaderCRC          uint32
}

const headerEncodedSize = 2 + 1 + 1 + 1 + 1 + 4 + 4

// Descriptor is one of the two double-buffered virtual-to-physical maps
// stored in the VolumeDescriptor's reserved region.
type Descriptor struct {
	Header       Header
	BlockIndices [MaxAllowedBlocks]uint8
}

// InitialCreate resets the descriptor to a fresh 1:1 mapping: virtual block
// i maps to physical block i, and the block immediately after the last
// virtual block is the scratch block.
func (d *Descriptor) InitialCreate(virtualBlocksCount, scratchBlockIndex uint8) {
	*d = Descriptor{}
	d.Header.VerificationCode = MagicHeader
	d.Header.HeaderSize = headerEncodedSize
	d.Header.VirtualBlocksCount = virtualBlocksCount
	d.Header.ScratchBlockIndex = scratchBlockIndex
	for i := uint8(0); i < virtualBlocksCount; i++ {
		d.BlockIndices[i] = i
	}
	d.updateCRC()
}

// encodeBody returns the byte encoding of everything CRC'd by DataCRC: the
// virtual block count's worth of mapping entries.
func (d *Descriptor) encodeBody() []byte {
	return d.BlockIndices[:d.Header.VirtualBlocksCount]
}

// encodeHeaderForCRC returns the header bytes covered by HeaderCRC, i.e.
// everything except HeaderCRC itself.
func (d *Descriptor) encodeHeaderForCRC() []byte {
	buf := make([]byte, headerEncodedSize-4)
	binary.LittleEndian.PutUint16(buf[0:2], d.Header.VerificationCode)
	buf[2] = d.Header.ID
	buf[3] = d.Header.HeaderSize
	buf[4] = d.Header.VirtualBlocksCount
	buf[5] = d.Header.ScratchBlockIndex
	binary.LittleEndian.PutUint32(buf[6:10], d.Header.DataCRC)
	return buf
}

func (d *Descriptor) updateCRC() {
	d.Header.DataCRC = crc.Update32(0, d.encodeBody())
	d.Header.HeaderCRC = crc.Update32(0, d.encodeHeaderForCRC())
}

// Verify checks the magic number and both CRCs.
func (d *Descriptor) Verify() bool {
	if d.Header.VerificationCode != MagicHeader {
		return false
	}
	if crc.Update32(0, d.encodeHeaderForCRC()) != d.Header.HeaderCRC {
		return false
	}
	if crc.Update32(0, d.encodeBody()) != d.Header.DataCRC {
		return false
	}
	return true
}

// Encode serializes the descriptor to a fixed-size buffer.
func (d *Descriptor) Encode() []byte {
	buf := make([]byte, headerEncodedSize+MaxAllowedBlocks)
	binary.LittleEndian.PutUint16(buf[0:2], d.Header.VerificationCode)
	buf[2] = d.Header.ID
	buf[3] = d.Header.HeaderSize
	buf[4] = d.Header.VirtualBlocksCount
	buf[5] = d.Header.ScratchBlockIndex
	binary.LittleEndian.PutUint32(buf[6:10], d.Header.DataCRC)
	binary.LittleEndian.PutUint32(buf[10:14], d.Header.HeaderCRC)
	copy(buf[headerEncodedSize:], d.BlockIndices[:])
	return buf
}

// Decode populates the descriptor from its fixed-size encoding.
func (d *Descriptor) Decode(buf []byte) {
	*d = Descriptor{}
	d.Header.VerificationCode = binary.LittleEndian.Uint16(buf[0:2])
	d.Header.ID = buf[2]
	d.Header.HeaderSize = buf[3]
	d.Header.VirtualBlocksCount = buf[4]
	d.Header.ScratchBlockIndex = buf[5]
	d.Header.DataCRC = binary.LittleEndian.Uint32(buf[6:10])
	d.Header.HeaderCRC = binary.LittleEndian.Uint32(buf[10:14])
	copy(d.BlockIndices[:], buf[headerEncodedSize:headerEncodedSize+MaxAllowedBlocks])
}

// EncodedSize is the fixed size of a single Descriptor's on-disk encoding.
const EncodedSize = headerEncodedSize + MaxAllowedBlocks

// PersistFunc writes one of the two descriptor slots to its home in the
// reserved region of the VolumeDescriptor and flushes.
type PersistFunc func(slot int, d *Descriptor) errors.Error

// Table owns the two double-buffered descriptors and the logic for
// figuring out which one is active and for swapping the scratch block in
// at commit time (spec §4.7, invariant 7/8).
type Table struct {
	descriptors [2]Descriptor
	activeIndex int
	persist     PersistFunc
}

// New creates a Table over two already-decoded descriptors (as read from
// the VolumeDescriptor's reserved region) and a function used to persist an
// updated slot.
func New(d0, d1 Descriptor, persist PersistFunc) (*Table, errors.Error) {
	t := &Table{descriptors: [2]Descriptor{d0, d1}, persist: persist}
	active, ok := t.resolveActive()
	if !ok {
		return nil, errors.ErrCorruption.WithMessage(
			"no block virtualization descriptor verifies")
	}
	t.activeIndex = active
	return t, nil
}

// resolveActive implements spec invariant 7: when both descriptors verify,
// descriptor 1 is active if its id == descriptor 0's id+1 mod MaxIDCount,
// and descriptor 0 otherwise; when only one verifies, that one is active.
func (t *Table) resolveActive() (int, bool) {
	v0 := t.descriptors[0].Verify()
	v1 := t.descriptors[1].Verify()
	switch {
	case v0 && v1:
		if t.descriptors[1].Header.ID == (t.descriptors[0].Header.ID+1)%MaxIDCount {
			return 1, true
		}
		return 0, true
	case v0:
		return 0, true
	case v1:
		return 1, true
	default:
		return 0, false
	}
}

// ActiveDescriptor returns a copy of the currently-active descriptor.
func (t *Table) ActiveDescriptor() Descriptor {
	return t.descriptors[t.activeIndex]
}

// ActiveIndex returns which of the two slots is active.
func (t *Table) ActiveIndex() int {
	return t.activeIndex
}

// CreateInitial builds both descriptors from scratch for a brand-new
// volume: descriptor 0 gets id 0 and descriptor 1 is a successor copy with
// id 1, so descriptor 1 is active, matching the "only one descriptor has
// id = other+1" invariant immediately.
func CreateInitial(virtualBlocksCount, scratchBlockIndex uint8, persist PersistFunc) (*Table, errors.Error) {
	var d0, d1 Descriptor
	d0.InitialCreate(virtualBlocksCount, scratchBlockIndex)
	d1 = d0
	d1.Header.ID = 1
	d1.updateCRC()

	t := &Table{descriptors: [2]Descriptor{d0, d1}, activeIndex: 1, persist: persist}
	if err := persist(0, &d0); err != nil {
		return nil, err
	}
	if err := persist(1, &d1); err != nil {
		return nil, err
	}
	return t, nil
}

// ScratchBlockIndex returns the physical block index currently absorbing
// writes; it is never returned by PhysicalForRead (spec invariant 8).
func (t *Table) ScratchBlockIndex() uint8 {
	return t.descriptors[t.activeIndex].Header.ScratchBlockIndex
}

// PhysicalForRead translates a virtual block index to its current physical
// block index via the active descriptor.
func (t *Table) PhysicalForRead(virtualBlock uint8) (uint8, errors.Error) {
	d := &t.descriptors[t.activeIndex]
	if virtualBlock >= d.Header.VirtualBlocksCount {
		return 0, errors.ErrInvalidArgument.WithMessage("virtual block index out of range")
	}
	return d.BlockIndices[virtualBlock], nil
}

// PhysicalForWrite returns the scratch block: all writes to file-data
// blocks land here while a transaction is open (spec §4.7).
func (t *Table) PhysicalForWrite() uint8 {
	return t.ScratchBlockIndex()
}

// SwapScratch prepares the inactive descriptor as a copy of the active one
// with id incremented, swaps its mapping for virtualBlock with the scratch
// index, recomputes CRCs, persists that slot, and flips the active index.
// If persisting fails, the inactive descriptor is left untouched from the
// caller's perspective (the active one and its file are never written).
func (t *Table) SwapScratch(virtualBlock uint8) errors.Error {
	activeIdx := t.activeIndex
	inactiveIdx := 1 - activeIdx

	next := t.descriptors[activeIdx]
	next.Header.ID = (next.Header.ID + 1) % MaxIDCount
	if virtualBlock >= next.Header.VirtualBlocksCount {
		return errors.ErrInvalidArgument.WithMessage("virtual block index out of range")
	}

	oldPhysical := next.BlockIndices[virtualBlock]
	newScratch := oldPhysical
	next.BlockIndices[virtualBlock] = next.Header.ScratchBlockIndex
	next.Header.ScratchBlockIndex = newScratch
	next.updateCRC()

	if err := t.persist(inactiveIdx, &next); err != nil {
		return err
	}

	t.descriptors[inactiveIdx] = next
	t.activeIndex = inactiveIdx
	return nil
}

// IsScratchBlock reports whether physicalBlock is the scratch block and so
// must never be returned by PhysicalForRead (invariant 8).
func (t *Table) IsScratchBlock(physicalBlock uint8) bool {
	return physicalBlock == t.ScratchBlockIndex()
}

// Descriptors returns copies of both double-buffered slots in storage
// order (not active/inactive order), for callers that need to persist or
// log the whole double-buffer state, such as the transaction log's
// BLOCK_VIRTUALIZATION_TABLE_CHANGED event (spec §4.8).
func (t *Table) Descriptors() (Descriptor, Descriptor) {
	return t.descriptors[0], t.descriptors[1]
}

// Restore replaces both descriptor slots wholesale, e.g. from a
// transaction-log pre-image during crash recovery, and re-resolves which
// one is active under invariant 7.
func (t *Table) Restore(d0, d1 Descriptor) errors.Error {
	restored := Table{descriptors: [2]Descriptor{d0, d1}}
	active, ok := restored.resolveActive()
	if !ok {
		return errors.ErrCorruption.WithMessage(
			"restored block virtualization descriptors do not verify")
	}
	t.descriptors = [2]Descriptor{d0, d1}
	t.activeIndex = active
	return nil
}
