// Package classfile computes a shading-tolerant structural hash of a single
// .class file (spec §4.5.2): two class files that differ only by renaming
// classes/packages, reordering the constant pool, or using wide instruction
// variants produce identical ShadedHash output.
package classfile

import (
	"encoding/binary"
	"fmt"
	"strings"
)

type tag byte

const (
	tagUTF8               tag = 1
	tagInteger            tag = 3
	tagFloat              tag = 4
	tagLong               tag = 5
	tagDouble             tag = 6
	tagClass              tag = 7
	tagString             tag = 8
	tagFieldref           tag = 9
	tagMethodref          tag = 10
	tagInterfaceMethodref tag = 11
	tagNameAndType        tag = 12
	tagMethodHandle       tag = 15
	tagMethodType         tag = 16
	tagDynamic            tag = 17
	tagInvokeDynamic      tag = 18
	tagModule             tag = 19
	tagPackage            tag = 20
)

// cpEntry holds the raw fields of one constant pool slot. Which fields are
// meaningful depends on Tag.
type cpEntry struct {
	t tag

	utf8 string // tagUTF8
	u4   uint32 // tagInteger/tagFloat (raw bits)
	u8   uint64 // tagLong/tagDouble (raw bits)

	idx1 uint16 // tagClass/tagString/tagMethodType/tagModule/tagPackage: name/descriptor/string index
	idx2 uint16 // tagFieldref/Methodref/InterfaceMethodref: name_and_type_index; tagNameAndType: descriptor_index; tagDynamic/InvokeDynamic: name_and_type_index
	refKind byte // tagMethodHandle
}

// ConstantPool is the parsed constant_pool of a class file, indexed 1..count-1
// (index 0 is unused, matching the JVM spec's reserved slot).
type ConstantPool struct {
	entries []cpEntry // entries[i] corresponds to constant pool index i; entries[0] is unused

	content map[uint16]string // memoized structural content per index
}

// parseConstantPool reads constant_pool_count and the constant pool itself
// starting at off. Returns the pool and the offset immediately following it.
func parseConstantPool(b []byte, off int) (*ConstantPool, int, error) {
	if off+2 > len(b) {
		return nil, 0, fmt.Errorf("classfile: truncated constant_pool_count")
	}
	count := int(binary.BigEndian.Uint16(b[off:]))
	off += 2

	cp := &ConstantPool{
		entries: make([]cpEntry, count),
		content: make(map[uint16]string),
	}

	for i := 1; i < count; i++ {
		if off >= len(b) {
			return nil, 0, fmt.Errorf("classfile: truncated constant pool at index %d", i)
		}
		t := tag(b[off])
		off++

		switch t {
		case tagUTF8:
			if off+2 > len(b) {
				return nil, 0, fmt.Errorf("classfile: truncated Utf8 length at index %d", i)
			}
			l := int(binary.BigEndian.Uint16(b[off:]))
			off += 2
			if off+l > len(b) {
				return nil, 0, fmt.Errorf("classfile: truncated Utf8 bytes at index %d", i)
			}
			cp.entries[i] = cpEntry{t: t, utf8: string(b[off : off+l])}
			off += l

		case tagInteger, tagFloat:
			if off+4 > len(b) {
				return nil, 0, fmt.Errorf("classfile: truncated 4-byte constant at index %d", i)
			}
			cp.entries[i] = cpEntry{t: t, u4: binary.BigEndian.Uint32(b[off:])}
			off += 4

		case tagLong, tagDouble:
			if off+8 > len(b) {
				return nil, 0, fmt.Errorf("classfile: truncated 8-byte constant at index %d", i)
			}
			cp.entries[i] = cpEntry{t: t, u8: binary.BigEndian.Uint64(b[off:])}
			off += 8
			// 8-byte constants occupy two constant pool slots; the next
			// index is unusable per the class file spec.
			i++

		case tagClass, tagString, tagMethodType, tagModule, tagPackage:
			if off+2 > len(b) {
				return nil, 0, fmt.Errorf("classfile: truncated single-index constant at index %d", i)
			}
			cp.entries[i] = cpEntry{t: t, idx1: binary.BigEndian.Uint16(b[off:])}
			off += 2

		case tagFieldref, tagMethodref, tagInterfaceMethodref, tagNameAndType, tagDynamic, tagInvokeDynamic:
			if off+4 > len(b) {
				return nil, 0, fmt.Errorf("classfile: truncated double-index constant at index %d", i)
			}
			cp.entries[i] = cpEntry{
				t:    t,
				idx1: binary.BigEndian.Uint16(b[off:]),
				idx2: binary.BigEndian.Uint16(b[off+2:]),
			}
			off += 4

		case tagMethodHandle:
			if off+3 > len(b) {
				return nil, 0, fmt.Errorf("classfile: truncated MethodHandle at index %d", i)
			}
			cp.entries[i] = cpEntry{t: t, refKind: b[off], idx1: binary.BigEndian.Uint16(b[off+1:])}
			off += 3

		default:
			return nil, 0, fmt.Errorf("classfile: unknown constant pool tag %d at index %d", t, i)
		}
	}

	return cp, off, nil
}

// utf8 resolves a Utf8 constant by index.
func (cp *ConstantPool) utf8(idx uint16) (string, error) {
	if int(idx) >= len(cp.entries) || cp.entries[idx].t != tagUTF8 {
		return "", fmt.Errorf("classfile: index %d is not a Utf8 constant", idx)
	}
	return cp.entries[idx].utf8, nil
}

// ClassShortName resolves a Class constant to its short name: the text
// after the last '/' in its binary name, which is invariant under the
// package-prefix renaming that shading performs.
func (cp *ConstantPool) ClassShortName(idx uint16) (string, error) {
	if int(idx) >= len(cp.entries) || cp.entries[idx].t != tagClass {
		return "", fmt.Errorf("classfile: index %d is not a Class constant", idx)
	}
	name, err := cp.utf8(cp.entries[idx].idx1)
	if err != nil {
		return "", err
	}
	return shortName(name), nil
}

func shortName(binaryName string) string {
	if i := strings.LastIndexByte(binaryName, '/'); i >= 0 {
		return binaryName[i+1:]
	}
	return binaryName
}

// StructuralContent returns a marker-prefixed, recursively-built string
// describing the structural role of constant pool index idx — never its
// raw identity. Equal structural content for two differently-shaded class
// files at the same usage site is what makes ShadedHash shading-tolerant.
// Results are memoized since the same index may be referenced many times
// across a method's bytecode.
func (cp *ConstantPool) StructuralContent(idx uint16) (string, error) {
	if idx == 0 {
		return "", fmt.Errorf("classfile: constant pool index 0 is reserved")
	}
	if c, ok := cp.content[idx]; ok {
		return c, nil
	}
	if int(idx) >= len(cp.entries) {
		return "", fmt.Errorf("classfile: constant pool index %d out of range", idx)
	}

	e := cp.entries[idx]
	var out string

	switch e.t {
	case tagUTF8:
		out = "U:" + e.utf8
	case tagInteger:
		out = fmt.Sprintf("I:%d", e.u4)
	case tagFloat:
		out = fmt.Sprintf("F:%d", e.u4)
	case tagLong:
		out = fmt.Sprintf("J:%d", e.u8)
	case tagDouble:
		out = fmt.Sprintf("D:%d", e.u8)
	case tagClass:
		name, err := cp.ClassShortName(idx)
		if err != nil {
			return "", err
		}
		out = "C:" + name
	case tagString:
		s, err := cp.utf8(e.idx1)
		if err != nil {
			return "", err
		}
		out = "S:" + s
	case tagNameAndType:
		name, err := cp.utf8(e.idx1)
		if err != nil {
			return "", err
		}
		desc, err := cp.utf8(e.idx2)
		if err != nil {
			return "", err
		}
		out = "N:" + name + ":" + desc
	case tagFieldref, tagMethodref, tagInterfaceMethodref:
		classPart, err := cp.StructuralContent(e.idx1)
		if err != nil {
			return "", err
		}
		natPart, err := cp.StructuralContent(e.idx2)
		if err != nil {
			return "", err
		}
		marker := map[tag]string{tagFieldref: "FR:", tagMethodref: "MR:", tagInterfaceMethodref: "IMR:"}[e.t]
		out = marker + classPart + "." + natPart
	case tagMethodHandle:
		ref, err := cp.StructuralContent(e.idx1)
		if err != nil {
			return "", err
		}
		out = fmt.Sprintf("MH:%d:%s", e.refKind, ref)
	case tagMethodType:
		desc, err := cp.utf8(e.idx1)
		if err != nil {
			return "", err
		}
		out = "MT:" + desc
	case tagDynamic, tagInvokeDynamic:
		nat, err := cp.StructuralContent(e.idx2)
		if err != nil {
			return "", err
		}
		marker := "DYN:"
		if e.t == tagInvokeDynamic {
			marker = "IDYN:"
		}
		// The bootstrap method attribute index (idx1) identifies a position
		// in the BootstrapMethods class attribute, which this engine does
		// not parse (class attributes are not hashed, per spec). Only the
		// invocation's name-and-type is structurally relevant here.
		out = marker + nat
	case tagModule, tagPackage:
		name, err := cp.utf8(e.idx1)
		if err != nil {
			return "", err
		}
		marker := "MOD:"
		if e.t == tagPackage {
			marker = "PKG:"
		}
		out = marker + name
	default:
		return "", fmt.Errorf("classfile: cannot compute structural content for tag %d", e.t)
	}

	cp.content[idx] = out
	return out, nil
}

// Name resolves a Utf8 constant to its plain text (any other tag is an
// error) — used for
// field and method names, which are hashed verbatim (not structurally
// normalized) because shading never renames members, only classes/packages.
func (cp *ConstantPool) Name(idx uint16) (string, error) {
	return cp.utf8(idx)
}
