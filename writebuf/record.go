package writebuf

import (
	"encoding/binary"
	"fmt"
)

// RecordHeaderSize is the fixed, on-arena (and on-disk, per spec.md §6)
// size of a RecordHeader: page_id(8) + flags(4) + page_size(4).
const RecordHeaderSize = 16

// Flag is a bitset over the record kinds spec.md §3 defines. TOMBSTONE
// may be ORed onto either NORMAL_PAGE or DELETED_PAGES to suppress the
// record during iteration without rewriting it.
type Flag uint32

const (
	FlagEmpty        Flag = 0
	FlagNormalPage   Flag = 1 << 0
	FlagDeletedPages Flag = 1 << 1
	FlagTombstone    Flag = 1 << 2
)

// RecordHeader mirrors the on-disk layout verbatim (spec.md §6).
type RecordHeader struct {
	PageID   uint64
	Flags    Flag
	PageSize uint32
}

func writeHeader(arena []byte, offset uint32, h RecordHeader) {
	binary.LittleEndian.PutUint64(arena[offset:], h.PageID)
	binary.LittleEndian.PutUint32(arena[offset+8:], uint32(h.Flags))
	binary.LittleEndian.PutUint32(arena[offset+12:], h.PageSize)
}

func readHeader(arena []byte, offset uint32) RecordHeader {
	return RecordHeader{
		PageID:   binary.LittleEndian.Uint64(arena[offset:]),
		Flags:    Flag(binary.LittleEndian.Uint32(arena[offset+8:])),
		PageSize: binary.LittleEndian.Uint32(arena[offset+12:]),
	}
}

// allFlags is the bitwise union of every flag the format recognizes; any
// bit outside this set in a loaded header indicates corruption.
const allFlags = FlagNormalPage | FlagDeletedPages | FlagTombstone

// Valid reports whether h carries only recognized flag bits and is not
// the zero-value (empty) header. Used by a loader validating records
// read back from the on-disk layer.
func (h RecordHeader) Valid() bool {
	return h.Flags != FlagEmpty && h.Flags & ^allFlags == 0
}

// DecodeHeader decodes a RecordHeader from the first RecordHeaderSize
// bytes of b. b must have length >= RecordHeaderSize.
func DecodeHeader(b []byte) RecordHeader {
	return readHeader(b, 0)
}

func orFlags(arena []byte, headerOffset uint32, mask Flag) {
	cur := binary.LittleEndian.Uint32(arena[headerOffset+8:])
	binary.LittleEndian.PutUint32(arena[headerOffset+8:], cur|uint32(mask))
}

// recordSize is the record_size table from spec.md §8 (S4):
// header(16) + page_size rounded up to the machine word.
func recordSize(pageSize uint32) uint32 {
	return RecordHeaderSize + roundUpWord(pageSize)
}

// PageAddr composes a page address: file_id in the high 32 bits, the
// word-aligned payload byte offset in the low 32 bits.
func PageAddr(fileID uint32, payloadOffset uint32) uint64 {
	return uint64(fileID)<<32 | uint64(payloadOffset)
}

// DecodePageAddr is the inverse of PageAddr.
func DecodePageAddr(addr uint64) (fileID uint32, payloadOffset uint32) {
	return uint32(addr >> 32), uint32(addr)
}

// PageBuf is an exclusive, mutable view of a NORMAL_PAGE record's
// payload bytes, returned by AllocPage and Batch.
//
// Per spec.md §4.2's safety contract, a PageBuf must be dropped (simply
// go out of scope) or have Tombstone called before the writer slot that
// produced it is released; the core cannot generally detect aliasing
// beyond that, and relies on the surrounding tree to enforce it via
// scoped handles.
type PageBuf struct {
	wb           *WriteBuffer
	headerOffset uint32
	addr         uint64
	Bytes        []byte
}

// Addr returns the page address identifying this record's payload.
func (p *PageBuf) Addr() uint64 { return p.addr }

// Tombstone ORs the TOMBSTONE flag onto this record, suppressing it
// during a later Iter pass without rewriting the record.
func (p *PageBuf) Tombstone() {
	orFlags(p.wb.arena, p.headerOffset, FlagTombstone)
}

// DeletedPagesHandle is returned by SaveDeletedPages and Batch; it
// exposes only Tombstone since the deleted-ids body is written once by
// the allocator and never mutated afterward.
type DeletedPagesHandle struct {
	wb           *WriteBuffer
	headerOffset uint32
}

// Tombstone ORs the TOMBSTONE flag onto this deletion record.
func (d *DeletedPagesHandle) Tombstone() {
	orFlags(d.wb.arena, d.headerOffset, FlagTombstone)
}

// AllocPage installs a NORMAL_PAGE header followed by an uninitialized
// payload region of pageSize bytes, optionally acquiring a writer slot
// in the same allocation CAS.
func (wb *WriteBuffer) AllocPage(pageID uint64, pageSize uint32, acquireWriter bool) (*PageBuf, error) {
	headerOffset, err := wb.allocSize(recordSize(pageSize), acquireWriter)
	if err != nil {
		return nil, err
	}

	writeHeader(wb.arena, headerOffset, RecordHeader{PageID: pageID, Flags: FlagNormalPage, PageSize: pageSize})

	payloadStart := headerOffset + RecordHeaderSize

	return &PageBuf{
		wb:           wb,
		headerOffset: headerOffset,
		addr:         PageAddr(wb.fileID, payloadStart),
		Bytes:        wb.arena[payloadStart : payloadStart+pageSize : payloadStart+pageSize],
	}, nil
}

// SaveDeletedPages installs a DELETED_PAGES header followed by the ids
// array, optionally acquiring a writer slot in the same allocation CAS.
func (wb *WriteBuffer) SaveDeletedPages(ids []uint64, acquireWriter bool) (*DeletedPagesHandle, error) {
	body, err := checkedIDsBodySize(len(ids))
	if err != nil {
		return nil, err
	}

	headerOffset, err := wb.allocSize(recordSize(body), acquireWriter)
	if err != nil {
		return nil, err
	}

	writeHeader(wb.arena, headerOffset, RecordHeader{PageID: 0, Flags: FlagDeletedPages, PageSize: body})

	payloadStart := headerOffset + RecordHeaderSize
	for i, id := range ids {
		binary.LittleEndian.PutUint64(wb.arena[payloadStart+uint32(i)*8:], id)
	}

	return &DeletedPagesHandle{wb: wb, headerOffset: headerOffset}, nil
}

func checkedIDsBodySize(n int) (uint32, error) {
	const maxIDs = (1 << 32) / 8

	if n < 0 || n >= maxIDs {
		return 0, fmt.Errorf("writebuf: %d deleted ids overflows a record body: %w", n, ErrInvalidInput)
	}

	return uint32(n) * 8, nil //nolint:gosec // bounded above
}

// NewPageSpec describes one new page within a Batch call.
type NewPageSpec struct {
	PageID   uint64
	PageSize uint32
}

// BatchResult holds the handles produced by a single Batch call. Every
// PageBuf's Bytes window is disjoint from every other handle's by
// construction: offsets advance monotonically before any handle is
// built, so at most one mutable handle exists per byte range (spec.md
// §9's aliasing open question).
type BatchResult struct {
	Pages   []*PageBuf
	Deleted *DeletedPagesHandle // nil if deletedPages was empty
}

// Batch installs many records — new pages and an optional deletion
// record — behind one writer slot and one contiguous allocation.
func (wb *WriteBuffer) Batch(newPages []NewPageSpec, deletedPages []uint64) (*BatchResult, error) {
	total := uint32(0)
	for _, p := range newPages {
		total += recordSize(p.PageSize)
	}

	var deletedBody uint32

	if len(deletedPages) > 0 {
		var err error

		deletedBody, err = checkedIDsBodySize(len(deletedPages))
		if err != nil {
			return nil, err
		}

		total += recordSize(deletedBody)
	}

	base, err := wb.allocSize(total, true)
	if err != nil {
		return nil, err
	}

	offset := base
	pages := make([]*PageBuf, 0, len(newPages))

	for _, p := range newPages {
		writeHeader(wb.arena, offset, RecordHeader{PageID: p.PageID, Flags: FlagNormalPage, PageSize: p.PageSize})

		payloadStart := offset + RecordHeaderSize
		pages = append(pages, &PageBuf{
			wb:           wb,
			headerOffset: offset,
			addr:         PageAddr(wb.fileID, payloadStart),
			Bytes:        wb.arena[payloadStart : payloadStart+p.PageSize : payloadStart+p.PageSize],
		})

		offset += recordSize(p.PageSize)
	}

	var deleted *DeletedPagesHandle

	if len(deletedPages) > 0 {
		writeHeader(wb.arena, offset, RecordHeader{PageID: 0, Flags: FlagDeletedPages, PageSize: deletedBody})

		payloadStart := offset + RecordHeaderSize
		for i, id := range deletedPages {
			binary.LittleEndian.PutUint64(wb.arena[payloadStart+uint32(i)*8:], id)
		}

		deleted = &DeletedPagesHandle{wb: wb, headerOffset: offset}
	}

	return &BatchResult{Pages: pages, Deleted: deleted}, nil
}

// Page decodes addr and returns the payload slice of the record it
// names, provided that record is (still) flagged NORMAL_PAGE.
//
// Panics on any mismatch: address from the wrong buffer, misaligned
// offset, offset preceding a header, or a non-page record — an address
// from the wrong buffer is a logic bug in the layer above, per
// spec.md §4.2.
func (wb *WriteBuffer) Page(addr uint64) []byte {
	fileID, payloadOffset := DecodePageAddr(addr)
	if fileID != wb.fileID {
		panic(fmt.Sprintf("writebuf: address file_id %d does not match buffer file_id %d", fileID, wb.fileID))
	}

	if payloadOffset%wordSize != 0 {
		panic(fmt.Sprintf("writebuf: address offset %d is not word-aligned", payloadOffset))
	}

	if payloadOffset < RecordHeaderSize {
		panic(fmt.Sprintf("writebuf: address offset %d precedes a record header", payloadOffset))
	}

	headerOffset := payloadOffset - RecordHeaderSize
	h := readHeader(wb.arena, headerOffset)

	if h.Flags&FlagNormalPage == 0 {
		panic(fmt.Sprintf("writebuf: record at offset %d is not a NORMAL_PAGE record (flags=%d)", headerOffset, h.Flags))
	}

	return wb.arena[payloadOffset : payloadOffset+h.PageSize]
}
