package classfile

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
)

const magic = 0xCAFEBABE

const (
	attrCode = "Code"
)

type field struct {
	name        string
	accessFlags uint16
}

type method struct {
	name        string
	accessFlags uint16
	code        []byte // raw Code attribute bytecode, nil if abstract/native
	cp          *ConstantPool
}

// ClassFile is the subset of a parsed .class file relevant to ShadedHash.
// Attributes at the class level are intentionally not retained — spec
// §4.5.2 excludes them from hashing.
type ClassFile struct {
	minorVersion, majorVersion uint16
	accessFlags                uint16
	thisClassShortName         string
	superClassShortName        string
	interfaces                 []string
	fields                     []field
	methods                    []method
}

// Parse reads a .class file's structural content needed for shaded hashing.
// It rejects files whose magic number is not 0xCAFEBABE.
func Parse(data []byte) (*ClassFile, error) {
	if len(data) < 10 {
		return nil, fmt.Errorf("classfile: too short to contain a class file header")
	}
	if binary.BigEndian.Uint32(data) != magic {
		return nil, fmt.Errorf("classfile: bad magic number")
	}

	minor := binary.BigEndian.Uint16(data[4:])
	major := binary.BigEndian.Uint16(data[6:])

	cp, off, err := parseConstantPool(data, 8)
	if err != nil {
		return nil, err
	}

	if off+8 > len(data) {
		return nil, fmt.Errorf("classfile: truncated after constant pool")
	}
	accessFlags := binary.BigEndian.Uint16(data[off:])
	thisClassIdx := binary.BigEndian.Uint16(data[off+2:])
	superClassIdx := binary.BigEndian.Uint16(data[off+4:])
	off += 6

	thisName, err := cp.ClassShortName(thisClassIdx)
	if err != nil {
		return nil, fmt.Errorf("classfile: resolving this_class: %w", err)
	}

	var superName string
	if superClassIdx != 0 {
		superName, err = cp.ClassShortName(superClassIdx)
		if err != nil {
			return nil, fmt.Errorf("classfile: resolving super_class: %w", err)
		}
	}

	if off+2 > len(data) {
		return nil, fmt.Errorf("classfile: truncated interfaces_count")
	}
	interfaceCount := int(binary.BigEndian.Uint16(data[off:]))
	off += 2

	interfaces := make([]string, 0, interfaceCount)
	for k := 0; k < interfaceCount; k++ {
		if off+2 > len(data) {
			return nil, fmt.Errorf("classfile: truncated interfaces")
		}
		idx := binary.BigEndian.Uint16(data[off:])
		off += 2
		name, err := cp.ClassShortName(idx)
		if err != nil {
			return nil, fmt.Errorf("classfile: resolving interface: %w", err)
		}
		interfaces = append(interfaces, name)
	}
	sort.Strings(interfaces)

	fields, off, err := parseMembers(data, off, cp, false)
	if err != nil {
		return nil, fmt.Errorf("classfile: parsing fields: %w", err)
	}

	methods, _, err := parseMembers(data, off, cp, true)
	if err != nil {
		return nil, fmt.Errorf("classfile: parsing methods: %w", err)
	}

	return &ClassFile{
		minorVersion:         minor,
		majorVersion:         major,
		accessFlags:          accessFlags,
		thisClassShortName:   thisName,
		superClassShortName:  superName,
		interfaces:           interfaces,
		fields:               fields.([]field),
		methods:              methods.([]method),
	}, nil
}

// parseMembers parses either the fields or the methods table, returning the
// offset past the table. isMethod selects which table is being parsed since
// only methods carry a Code attribute worth extracting.
func parseMembers(data []byte, off int, cp *ConstantPool, isMethod bool) (any, int, error) {
	if off+2 > len(data) {
		return nil, 0, fmt.Errorf("truncated count")
	}
	count := int(binary.BigEndian.Uint16(data[off:]))
	off += 2

	fields := make([]field, 0, count)
	methods := make([]method, 0, count)

	for k := 0; k < count; k++ {
		if off+8 > len(data) {
			return nil, 0, fmt.Errorf("truncated member header at index %d", k)
		}
		accessFlags := binary.BigEndian.Uint16(data[off:])
		nameIdx := binary.BigEndian.Uint16(data[off+2:])
		off += 6 // access_flags, name_index, descriptor_index
		attrCount := int(binary.BigEndian.Uint16(data[off:]))
		off += 2

		name, err := cp.Name(nameIdx)
		if err != nil {
			return nil, 0, fmt.Errorf("resolving member name at index %d: %w", k, err)
		}

		var code []byte
		for a := 0; a < attrCount; a++ {
			if off+6 > len(data) {
				return nil, 0, fmt.Errorf("truncated attribute header at member %d", k)
			}
			attrNameIdx := binary.BigEndian.Uint16(data[off:])
			attrLen := binary.BigEndian.Uint32(data[off+2:])
			off += 6

			if off+int(attrLen) > len(data) {
				return nil, 0, fmt.Errorf("truncated attribute body at member %d", k)
			}

			if isMethod {
				attrName, err := cp.Name(attrNameIdx)
				if err == nil && attrName == attrCode {
					c, err := extractCode(data[off : off+int(attrLen)])
					if err != nil {
						return nil, 0, fmt.Errorf("parsing Code attribute at member %d: %w", k, err)
					}
					code = c
				}
			}

			off += int(attrLen)
		}

		if isMethod {
			methods = append(methods, method{name: name, accessFlags: accessFlags, code: code, cp: cp})
		} else {
			fields = append(fields, field{name: name, accessFlags: accessFlags})
		}
	}

	if isMethod {
		return methods, off, nil
	}
	return fields, off, nil
}

// extractCode pulls the raw bytecode out of a Code attribute body. max_locals
// is skipped entirely (shaders may rewrite it); max_stack is not currently
// surfaced separately since the instruction stream itself is what's hashed,
// but is consumed here to stay positioned correctly.
func extractCode(body []byte) ([]byte, error) {
	if len(body) < 8 {
		return nil, fmt.Errorf("truncated Code attribute")
	}
	// max_stack(2), max_locals(2) [dropped], code_length(4)
	codeLen := binary.BigEndian.Uint32(body[4:])
	start := 8
	if start+int(codeLen) > len(body) {
		return nil, fmt.Errorf("truncated Code attribute body")
	}
	return body[start : start+int(codeLen)], nil
}

// ShadedHash computes the deterministic, shading-tolerant hash described in
// spec §4.5.2: minor/major, access_flags, this/super short names, sorted
// interface short names, sorted (name, access_flags) field tuples, and the
// hash of the sorted set of per-method hashes.
func (c *ClassFile) ShadedHash() ([32]byte, error) {
	h := sha256.New()

	write16 := func(v uint16) { var b [2]byte; binary.BigEndian.PutUint16(b[:], v); h.Write(b[:]) }
	writeStr := func(s string) { write16(uint16(len(s))); h.Write([]byte(s)) }

	write16(c.minorVersion)
	write16(c.majorVersion)
	write16(c.accessFlags)
	writeStr(c.thisClassShortName)
	writeStr(c.superClassShortName)

	write16(uint16(len(c.interfaces)))
	for _, iface := range c.interfaces {
		writeStr(iface)
	}

	fieldTuples := make([]string, len(c.fields))
	for i, f := range c.fields {
		fieldTuples[i] = fmt.Sprintf("%s||%d", f.name, f.accessFlags)
	}
	sort.Strings(fieldTuples)
	write16(uint16(len(fieldTuples)))
	for _, t := range fieldTuples {
		writeStr(t)
	}

	methodHashes := make([]string, 0, len(c.methods))
	for _, m := range c.methods {
		mh, err := methodHash(m)
		if err != nil {
			return [32]byte{}, fmt.Errorf("classfile: hashing method %q: %w", m.name, err)
		}
		methodHashes = append(methodHashes, mh)
	}
	sort.Strings(methodHashes)
	write16(uint16(len(methodHashes)))
	for _, mh := range methodHashes {
		h.Write([]byte(mh))
	}

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}

// methodHash computes SHA-256 over (access_flags, name, normalized code),
// returned as a lowercase hex digest for inclusion in the sorted method set.
func methodHash(m method) (string, error) {
	mapper := NewConstantPoolMapper(m.cp)

	normalized, err := normalizeCode(m.code, mapper)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], m.accessFlags)
	h.Write(b[:])
	h.Write([]byte(m.name))
	h.Write(normalized)

	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
