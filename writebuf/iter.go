package writebuf

// Record is one materialized entry yielded by Iter: its address, decoded
// header, and body bytes (payload for NORMAL_PAGE, the packed id array
// for DELETED_PAGES).
type Record struct {
	Addr   uint64
	Header RecordHeader
	Body   []byte
}

// Seq is the pull-free iterator shape used across this module: a
// function that calls yield once per element, stopping early if yield
// returns false. Mirrors the teacher's slot-cache iteration idiom
// without taking a dependency on the standard library iterator package.
type Seq func(yield func(Record) bool)

// Iter walks every non-empty, non-tombstoned record in the buffer in
// allocation order. Panics if the buffer is not yet flushable: iterating
// a buffer still open for writes would observe a torn tail.
func (wb *WriteBuffer) Iter() Seq {
	if !wb.IsFlushable() {
		panic("writebuf: Iter called on a buffer that is not flushable")
	}

	allocated := wb.Allocated()

	return func(yield func(Record) bool) {
		offset := uint32(0)

		for offset < allocated {
			h := readHeader(wb.arena, offset)

			var bodyLen uint32

			switch {
			case h.Flags&FlagNormalPage != 0:
				bodyLen = h.PageSize
			case h.Flags&FlagDeletedPages != 0:
				bodyLen = h.PageSize
			default:
				// FlagEmpty: padding left by a caller that allocated space
				// but never installed a record. Nothing more to find past
				// here in a correctly-sealed buffer, but keep scanning
				// defensively rather than assume.
				bodyLen = 0
			}

			if h.Flags != FlagEmpty && h.Flags&FlagTombstone == 0 {
				payloadStart := offset + RecordHeaderSize
				rec := Record{
					Addr:   PageAddr(wb.fileID, payloadStart),
					Header: h,
					Body:   wb.arena[payloadStart : payloadStart+bodyLen],
				}

				if !yield(rec) {
					return
				}
			}

			offset += recordSize(bodyLen)
		}
	}
}
