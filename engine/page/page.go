// Package page implements the fixed-size slotted page: the unit of
// durable storage every other engine component reads and writes through
// PageManager, grounded on the teacher's storage/store/pages.Page file/slot
// header idiom but laid out per the slotted design in spec §3/§6.
package page

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/txdb-project/txdb/engine/basic"
	"github.com/txdb-project/txdb/txerr"
)

// Size is the fixed on-disk page size (spec §6): 16 KiB.
const Size = 16 * 1024

const (
	headerSize = 32
	slotSize   = 6

	offPageNo    = 0
	offFileID    = 4
	offPageType  = 8
	offLSN       = 9
	offSlotCount = 17
	offFreeOff   = 19
	offFreeEnd   = 21
	offChecksum  = 23
	// bytes [27:32) reserved/padding
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// slot flags
const (
	slotDeleted uint8 = 1 << 0
)

// Page is one 16 KiB slotted block: a 32-byte header, a slot directory
// growing forward from byte 32, and records growing backward from the end
// of the buffer, per spec §3/§6.
type Page struct {
	buf [Size]byte
}

// New allocates a zeroed page stamped with id and typ; free_space_offset
// and free_space_end start at the header boundary and the buffer end
// respectively (an empty slot directory, an empty record area).
func New(id basic.PageID, typ basic.PageType) *Page {
	p := &Page{}
	p.setPageNo(id.PageNo)
	p.setFileID(id.FileID)
	p.buf[offPageType] = byte(typ)
	p.setLSN(basic.InvalidLSN)
	p.setSlotCount(0)
	p.setFreeOffset(headerSize)
	p.setFreeEnd(Size)
	return p
}

// FromRaw wraps raw (which must be exactly Size bytes) as a Page without
// copying semantics beyond the fixed array assignment, verifying nothing —
// callers that need integrity should call VerifyChecksum.
func FromRaw(raw []byte) (*Page, error) {
	if len(raw) != Size {
		return nil, txerr.New(txerr.KindCorrupted, "page: raw buffer is %d bytes, want %d", len(raw), Size)
	}
	p := &Page{}
	copy(p.buf[:], raw)
	return p, nil
}

// Bytes returns the page's raw backing buffer.
func (p *Page) Bytes() []byte { return p.buf[:] }

func (p *Page) ID() basic.PageID {
	return basic.PageID{FileID: p.fileID(), PageNo: p.pageNo()}
}

func (p *Page) Type() basic.PageType { return basic.PageType(p.buf[offPageType]) }

func (p *Page) LSN() basic.LSN { return basic.LSN(binary.BigEndian.Uint64(p.buf[offLSN:])) }

func (p *Page) SetLSN(lsn basic.LSN) { p.setLSN(lsn) }

func (p *Page) SlotCount() uint16 { return binary.BigEndian.Uint16(p.buf[offSlotCount:]) }

func (p *Page) freeOffset() uint16 { return binary.BigEndian.Uint16(p.buf[offFreeOff:]) }
func (p *Page) freeEnd() uint16    { return binary.BigEndian.Uint16(p.buf[offFreeEnd:]) }

func (p *Page) pageNo() uint32 { return binary.BigEndian.Uint32(p.buf[offPageNo:]) }
func (p *Page) fileID() uint32 { return binary.BigEndian.Uint32(p.buf[offFileID:]) }

func (p *Page) setPageNo(v uint32)      { binary.BigEndian.PutUint32(p.buf[offPageNo:], v) }
func (p *Page) setFileID(v uint32)      { binary.BigEndian.PutUint32(p.buf[offFileID:], v) }
func (p *Page) setLSN(v basic.LSN)      { binary.BigEndian.PutUint64(p.buf[offLSN:], uint64(v)) }
func (p *Page) setSlotCount(v uint16)   { binary.BigEndian.PutUint16(p.buf[offSlotCount:], v) }
func (p *Page) setFreeOffset(v uint16)  { binary.BigEndian.PutUint16(p.buf[offFreeOff:], v) }
func (p *Page) setFreeEnd(v uint16)     { binary.BigEndian.PutUint16(p.buf[offFreeEnd:], v) }
func (p *Page) setChecksum(v uint32)    { binary.BigEndian.PutUint32(p.buf[offChecksum:], v) }
func (p *Page) checksum() uint32        { return binary.BigEndian.Uint32(p.buf[offChecksum:]) }

// slot directory entry access: slot i lives at headerSize + i*slotSize.
func slotAt(i uint16) int { return headerSize + int(i)*slotSize }

func (p *Page) readSlot(i uint16) (offset, length uint16, flags uint8) {
	base := slotAt(i)
	offset = binary.BigEndian.Uint16(p.buf[base:])
	length = binary.BigEndian.Uint16(p.buf[base+2:])
	flags = p.buf[base+4]
	return
}

func (p *Page) writeSlot(i uint16, offset, length uint16, flags uint8) {
	base := slotAt(i)
	binary.BigEndian.PutUint16(p.buf[base:], offset)
	binary.BigEndian.PutUint16(p.buf[base+2:], length)
	p.buf[base+4] = flags
	p.buf[base+5] = 0
}

// CanFit reports whether a new record of length bytes fits without
// growing past the record area's low-water mark, accounting for a new
// slot directory entry (spec §4.1.a).
func (p *Page) CanFit(length int) bool {
	need := slotSize + length
	return int(p.freeEnd())-int(p.freeOffset()) >= need
}

// Insert appends length(record) bytes into the record area and allocates a
// new slot for it, returning the slot number, or -1 when there is no room
// (spec §4.1).
func (p *Page) Insert(record []byte) int {
	if !p.CanFit(len(record)) {
		return -1
	}
	newEnd := p.freeEnd() - uint16(len(record))
	copy(p.buf[newEnd:p.freeEnd()], record)

	slotNo := p.SlotCount()
	p.writeSlot(slotNo, newEnd, uint16(len(record)), 0)
	p.setSlotCount(slotNo + 1)
	p.setFreeOffset(p.freeOffset() + slotSize)
	p.setFreeEnd(newEnd)
	return int(slotNo)
}

// Get returns the current bytes at slotNo, or (nil, false) when the slot
// does not exist or has been deleted (spec §4.1).
func (p *Page) Get(slotNo int) ([]byte, bool) {
	if slotNo < 0 || uint16(slotNo) >= p.SlotCount() {
		return nil, false
	}
	offset, length, flags := p.readSlot(uint16(slotNo))
	if flags&slotDeleted != 0 {
		return nil, false
	}
	out := make([]byte, length)
	copy(out, p.buf[offset:offset+length])
	return out, true
}

// Update rewrites the record at slotNo. When the new value is no longer
// than the old one it is updated in place; otherwise a fresh region is
// allocated and the old region becomes garbage reclaimed by Compact
// (spec §4.1.b).
func (p *Page) Update(slotNo int, record []byte) bool {
	if slotNo < 0 || uint16(slotNo) >= p.SlotCount() {
		return false
	}
	offset, length, flags := p.readSlot(uint16(slotNo))
	if flags&slotDeleted != 0 {
		return false
	}
	if len(record) <= int(length) {
		copy(p.buf[offset:offset+uint16(len(record))], record)
		p.writeSlot(uint16(slotNo), offset, uint16(len(record)), flags)
		return true
	}
	if !p.CanFit(len(record)) {
		return false
	}
	newEnd := p.freeEnd() - uint16(len(record))
	copy(p.buf[newEnd:p.freeEnd()], record)
	p.writeSlot(uint16(slotNo), newEnd, uint16(len(record)), flags)
	p.setFreeEnd(newEnd)
	return true
}

// Delete flips the slot's deleted flag. Slot count is never reduced so
// that RowIds referencing later slots stay stable (spec §4.1.c).
func (p *Page) Delete(slotNo int) bool {
	if slotNo < 0 || uint16(slotNo) >= p.SlotCount() {
		return false
	}
	offset, length, flags := p.readSlot(uint16(slotNo))
	if flags&slotDeleted != 0 {
		return false
	}
	p.writeSlot(uint16(slotNo), offset, length, flags|slotDeleted)
	return true
}

// SlotRecord is one (slot_no, bytes) pair yielded by Enumerate.
type SlotRecord struct {
	SlotNo int
	Bytes  []byte
}

// Enumerate returns every live (non-deleted) record in slot order.
func (p *Page) Enumerate() []SlotRecord {
	out := make([]SlotRecord, 0, p.SlotCount())
	for i := uint16(0); i < p.SlotCount(); i++ {
		if b, ok := p.Get(int(i)); ok {
			out = append(out, SlotRecord{SlotNo: int(i), Bytes: b})
		}
	}
	return out
}

// Compact rewrites live records contiguously from the end of the buffer,
// reclaiming space left by deletes and by Update's allocate-elsewhere
// path, while preserving slot numbering (spec §4.1.d).
func (p *Page) Compact() {
	type live struct {
		slot   uint16
		bytes  []byte
		length uint16
	}
	slots := make([]live, 0, p.SlotCount())
	for i := uint16(0); i < p.SlotCount(); i++ {
		offset, length, flags := p.readSlot(i)
		if flags&slotDeleted != 0 {
			continue
		}
		b := make([]byte, length)
		copy(b, p.buf[offset:offset+length])
		slots = append(slots, live{slot: i, bytes: b, length: length})
	}

	cursor := uint16(Size)
	for _, s := range slots {
		cursor -= s.length
		copy(p.buf[cursor:cursor+s.length], s.bytes)
		_, _, flags := p.readSlot(s.slot)
		p.writeSlot(s.slot, cursor, s.length, flags)
	}
	p.setFreeEnd(cursor)
}

// UpdateChecksum recomputes and stores the page's CRC32C checksum, computed
// over the whole page with the checksum field zeroed (spec §6).
func (p *Page) UpdateChecksum() {
	p.setChecksum(0)
	sum := crc32.Checksum(p.buf[:], crcTable)
	p.setChecksum(sum)
}

// VerifyChecksum reports whether the stored checksum matches the page's
// current content.
func (p *Page) VerifyChecksum() bool {
	stored := p.checksum()
	p.setChecksum(0)
	sum := crc32.Checksum(p.buf[:], crcTable)
	p.setChecksum(stored)
	return stored == sum
}
