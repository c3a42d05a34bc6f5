// Package zipcd reads the central directory of a ZIP archive without
// depending on archive/zip. It returns the central directory bytes exactly
// as stored, so their hash reflects the entry order the archive tool wrote.
package zipcd

import (
	"fmt"
	"io"
)

const pageSize = 8 * 1024

// RandomAccessBuffer is a ring-buffered page cache over an io.ReaderAt,
// supporting unsigned 8/16/32/64-bit little-endian reads at any valid
// offset. It is owned by a single thread for the duration of a central
// directory scan (spec §5) — no internal locking.
type RandomAccessBuffer struct {
	r    io.ReaderAt
	size int64

	pages map[int64][]byte // pageStart -> page bytes, bounded by maxPages
	order []int64          // insertion order for simple FIFO eviction
}

const maxPages = 64 // bounds memory to maxPages * pageSize (512 KiB)

// NewRandomAccessBuffer wraps r, which has the given total size in bytes.
func NewRandomAccessBuffer(r io.ReaderAt, size int64) *RandomAccessBuffer {
	return &RandomAccessBuffer{
		r:     r,
		size:  size,
		pages: make(map[int64][]byte),
	}
}

// Size returns the total stream length.
func (b *RandomAccessBuffer) Size() int64 { return b.size }

func (b *RandomAccessBuffer) pageFor(off int64) ([]byte, int64, error) {
	start := (off / pageSize) * pageSize
	if page, ok := b.pages[start]; ok {
		return page, start, nil
	}

	length := pageSize
	if start+int64(length) > b.size {
		length = int(b.size - start)
	}
	if length <= 0 {
		return nil, 0, fmt.Errorf("zipcd: offset %d out of range (size %d)", off, b.size)
	}

	buf := make([]byte, length)
	if _, err := b.r.ReadAt(buf, start); err != nil && err != io.EOF {
		return nil, 0, fmt.Errorf("zipcd: read page at %d: %w", start, err)
	}

	if len(b.order) >= maxPages {
		oldest := b.order[0]
		b.order = b.order[1:]
		delete(b.pages, oldest)
	}
	b.pages[start] = buf
	b.order = append(b.order, start)

	return buf, start, nil
}

// bytesAt returns n bytes starting at off, crossing page boundaries as
// needed. Returns an error if the range exceeds the stream size.
func (b *RandomAccessBuffer) bytesAt(off int64, n int) ([]byte, error) {
	if off < 0 || off+int64(n) > b.size {
		return nil, fmt.Errorf("zipcd: range [%d,%d) out of bounds (size %d)", off, off+int64(n), b.size)
	}

	out := make([]byte, 0, n)
	for len(out) < n {
		cur := off + int64(len(out))
		page, start, err := b.pageFor(cur)
		if err != nil {
			return nil, err
		}
		rel := int(cur - start)
		avail := len(page) - rel
		if avail <= 0 {
			return nil, fmt.Errorf("zipcd: short page at %d", cur)
		}
		take := n - len(out)
		if take > avail {
			take = avail
		}
		out = append(out, page[rel:rel+take]...)
	}
	return out, nil
}

// U8 reads an unsigned 8-bit value at off.
func (b *RandomAccessBuffer) U8(off int64) (uint8, error) {
	buf, err := b.bytesAt(off, 1)
	if err != nil {
		return 0, err
	}
	return buf[0], nil
}

// U16 reads an unsigned 16-bit little-endian value at off.
func (b *RandomAccessBuffer) U16(off int64) (uint16, error) {
	buf, err := b.bytesAt(off, 2)
	if err != nil {
		return 0, err
	}
	return uint16(buf[0]) | uint16(buf[1])<<8, nil
}

// U32 reads an unsigned 32-bit little-endian value at off.
func (b *RandomAccessBuffer) U32(off int64) (uint32, error) {
	buf, err := b.bytesAt(off, 4)
	if err != nil {
		return 0, err
	}
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24, nil
}

// U64 reads an unsigned 64-bit little-endian value at off.
func (b *RandomAccessBuffer) U64(off int64) (uint64, error) {
	buf, err := b.bytesAt(off, 8)
	if err != nil {
		return 0, err
	}
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	return v, nil
}

// Bytes returns a copy of n bytes at off.
func (b *RandomAccessBuffer) Bytes(off int64, n int) ([]byte, error) {
	return b.bytesAt(off, n)
}
