package zipcd

import (
	"fmt"
	"io"
)

const (
	endSig    = 0x06054b50 // "PK\x05\x06" end of central directory record
	cenSig    = 0x02014b50 // "PK\x01\x02" central directory file header
	z64LocSig = 0x07064b50 // "PK\x06\x07" zip64 end-of-cd locator
	z64EndSig = 0x06064b50 // "PK\x06\x06" zip64 end-of-cd record

	endHdrLen    = 22 // EOCD record size excluding the variable-length comment
	z64LocHdrLen = 20
	maxComment   = 65535
	sentinel32   = 0xFFFFFFFF
)

// CentralDirectory is the result of locating a ZIP's central directory: the
// raw bytes from cenpos through the end of the EOCD record (inclusive of any
// trailing comment), suitable for hashing as-is.
type CentralDirectory struct {
	// Bytes is the byte range [cenpos, endpos+ENDHDR+commentLen).
	Bytes []byte
	// CenPos is the absolute offset of the first central directory entry.
	CenPos int64
	// EndPos is the absolute offset of the EOCD record itself.
	EndPos int64
	// EntryCount is the total number of entries reported by the EOCD (or the
	// ZIP64 end record when present).
	EntryCount int
}

// Read locates and returns the central directory of a ZIP archive accessed
// through buf. It scans backward from EOF for the EOCD signature, validates
// the optional ZIP64 locator, and returns the exact byte range so the caller
// can hash it without any archive/zip entry reordering getting in the way.
func Read(buf *RandomAccessBuffer) (*CentralDirectory, error) {
	endpos, commentLen, err := findEOCD(buf)
	if err != nil {
		return nil, err
	}

	if endpos+endHdrLen+int64(commentLen) != buf.Size() {
		return nil, fmt.Errorf("zipcd: EOCD record does not reach end of stream")
	}

	diskEntries, err := buf.U16(endpos + 10)
	if err != nil {
		return nil, err
	}
	cdSize32, err := buf.U32(endpos + 12)
	if err != nil {
		return nil, err
	}
	cdOffset32, err := buf.U32(endpos + 16)
	if err != nil {
		return nil, err
	}

	cenpos := int64(cdOffset32)
	entryCount := int(diskEntries)

	// ZIP64: the 32-bit sizes are taken as authoritative unless they equal
	// the sentinel value, in which case the ZIP64 end-of-cd record (located
	// via the locator immediately preceding the EOCD record) is consulted.
	if cdOffset32 == sentinel32 || cdSize32 == sentinel32 || diskEntries == 0xFFFF {
		locPos := endpos - z64LocHdrLen
		if locPos < 0 {
			return nil, fmt.Errorf("zipcd: zip64 sentinel present but no room for locator")
		}
		locSig, err := buf.U32(locPos)
		if err != nil {
			return nil, err
		}
		if locSig != z64LocSig {
			return nil, fmt.Errorf("zipcd: zip64 sentinel present but locator signature missing")
		}
		z64EndOffset, err := buf.U64(locPos + 8)
		if err != nil {
			return nil, err
		}

		z64Sig, err := buf.U32(int64(z64EndOffset))
		if err != nil {
			return nil, err
		}
		if z64Sig != z64EndSig {
			return nil, fmt.Errorf("zipcd: zip64 end-of-cd record signature mismatch")
		}

		totalEntries, err := buf.U64(int64(z64EndOffset) + 32)
		if err != nil {
			return nil, err
		}
		cdOffset64, err := buf.U64(int64(z64EndOffset) + 48)
		if err != nil {
			return nil, err
		}

		cenpos = int64(cdOffset64)
		entryCount = int(totalEntries)
	}

	if cenpos < 0 || cenpos > endpos {
		return nil, fmt.Errorf("zipcd: central directory offset %d invalid (endpos %d)", cenpos, endpos)
	}

	sig, err := buf.U32(cenpos)
	if err != nil {
		return nil, err
	}
	if sig != cenSig {
		return nil, fmt.Errorf("zipcd: CENSIG not found at computed central directory offset %d", cenpos)
	}

	total := endpos + endHdrLen + int64(commentLen)
	raw, err := buf.Bytes(cenpos, int(total-cenpos))
	if err != nil {
		return nil, err
	}

	return &CentralDirectory{
		Bytes:      raw,
		CenPos:     cenpos,
		EndPos:     endpos,
		EntryCount: entryCount,
	}, nil
}

// findEOCD scans backward from EOF looking for the EOCD signature. The
// comment field can be up to 65535 bytes, so the search window is bounded to
// endHdrLen+maxComment bytes from the end of the stream.
func findEOCD(buf *RandomAccessBuffer) (pos int64, commentLen uint16, err error) {
	size := buf.Size()
	windowStart := size - endHdrLen - maxComment
	if windowStart < 0 {
		windowStart = 0
	}

	for p := size - endHdrLen; p >= windowStart; p-- {
		sig, err := buf.U32(p)
		if err != nil {
			return 0, 0, err
		}
		if sig != endSig {
			continue
		}
		cl, err := buf.U16(p + 20)
		if err != nil {
			return 0, 0, err
		}
		if p+endHdrLen+int64(cl) == size {
			return p, cl, nil
		}
		// Signature bytes can coincidentally appear inside a comment;
		// keep scanning further back for a consistent match.
	}

	return 0, 0, fmt.Errorf("zipcd: %w", io.ErrUnexpectedEOF)
}
