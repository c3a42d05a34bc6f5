package zipcd

import (
	"bytes"
	"compress/flate"
	"fmt"
	"io"
)

const (
	cenHdrLen = 46
	locSig    = 0x04034b50
	locHdrLen = 30

	methodStored  = 0
	methodDeflate = 8
)

// Entry describes one file within the archive, as recorded in the central
// directory. It intentionally omits fields the jar analyzer never needs
// (internal/external attributes, disk number) to keep the hashed surface
// minimal and stable.
type Entry struct {
	Name              string
	Method            uint16
	CRC32             uint32
	CompressedSize    uint32
	UncompressedSize  uint32
	LocalHeaderOffset uint32
}

// Entries parses every file entry out of a CentralDirectory's raw bytes, in
// on-disk order. The order is whatever the archive tool wrote — callers that
// need a deterministic order (e.g. for hashing) must sort explicitly.
func Entries(cd *CentralDirectory) ([]Entry, error) {
	b := cd.Bytes
	entries := make([]Entry, 0, cd.EntryCount)

	off := 0
	for i := 0; i < cd.EntryCount; i++ {
		if off+cenHdrLen > len(b) {
			return nil, fmt.Errorf("zipcd: truncated central directory at entry %d", i)
		}
		if u32le(b[off:]) != cenSig {
			return nil, fmt.Errorf("zipcd: CENSIG mismatch at entry %d", i)
		}

		method := u16le(b[off+10:])
		crc := u32le(b[off+16:])
		compSize := u32le(b[off+20:])
		uncompSize := u32le(b[off+24:])
		nameLen := int(u16le(b[off+28:]))
		extraLen := int(u16le(b[off+30:]))
		commentLen := int(u16le(b[off+32:]))
		localOffset := u32le(b[off+42:])

		nameStart := off + cenHdrLen
		if nameStart+nameLen > len(b) {
			return nil, fmt.Errorf("zipcd: truncated file name at entry %d", i)
		}
		name := string(b[nameStart : nameStart+nameLen])

		entries = append(entries, Entry{
			Name:              name,
			Method:            method,
			CRC32:             crc,
			CompressedSize:    compSize,
			UncompressedSize:  uncompSize,
			LocalHeaderOffset: localOffset,
		})

		off = nameStart + nameLen + extraLen + commentLen
	}

	return entries, nil
}

// ReadEntryData reads and decompresses the file data for e from buf, which
// must be the RandomAccessBuffer wrapping the same archive the entry was
// parsed from. Only stored and deflate compression are supported — both
// cover the overwhelming majority of jar entries.
func ReadEntryData(buf *RandomAccessBuffer, e Entry) ([]byte, error) {
	sig, err := buf.U32(int64(e.LocalHeaderOffset))
	if err != nil {
		return nil, err
	}
	if sig != locSig {
		return nil, fmt.Errorf("zipcd: local header signature mismatch for %q", e.Name)
	}

	nameLen, err := buf.U16(int64(e.LocalHeaderOffset) + 26)
	if err != nil {
		return nil, err
	}
	extraLen, err := buf.U16(int64(e.LocalHeaderOffset) + 28)
	if err != nil {
		return nil, err
	}

	dataOffset := int64(e.LocalHeaderOffset) + locHdrLen + int64(nameLen) + int64(extraLen)

	compressed, err := buf.Bytes(dataOffset, int(e.CompressedSize))
	if err != nil {
		return nil, fmt.Errorf("zipcd: reading entry data for %q: %w", e.Name, err)
	}

	switch e.Method {
	case methodStored:
		return compressed, nil
	case methodDeflate:
		fr := flate.NewReader(bytes.NewReader(compressed))
		defer fr.Close()
		out, err := io.ReadAll(fr)
		if err != nil {
			return nil, fmt.Errorf("zipcd: inflating entry %q: %w", e.Name, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("zipcd: unsupported compression method %d for %q", e.Method, e.Name)
	}
}

func u16le(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}

func u32le(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
