package classfile

import (
	"encoding/binary"
	"testing"
)

// --- minimal hand-assembled .class file fixtures -----------------------
//
// Each fixture declares its constant pool as a flat list of already-encoded
// entries (tag byte plus payload) so tests can freely vary ordering,
// renaming, and content without fighting a general-purpose writer.

func utf8Entry(s string) []byte {
	b := []byte{byte(tagUTF8)}
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(s)))
	b = append(b, l[:]...)
	return append(b, s...)
}

func classEntry(utf8Idx uint16) []byte {
	b := []byte{byte(tagClass)}
	var idx [2]byte
	binary.BigEndian.PutUint16(idx[:], utf8Idx)
	return append(b, idx[:]...)
}

func stringEntry(utf8Idx uint16) []byte {
	b := []byte{byte(tagString)}
	var idx [2]byte
	binary.BigEndian.PutUint16(idx[:], utf8Idx)
	return append(b, idx[:]...)
}

func put16(v uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return b[:]
}

func put32(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b[:]
}

// buildClassFile assembles a complete .class file with a single method
// carrying the given Code attribute body. Class-level attributes are
// omitted entirely since Parse never reads past the methods table.
func buildClassFile(entries [][]byte, thisClassIdx, superClassIdx, methodNameIdx, descIdx, codeAttrNameIdx uint16, code []byte) []byte {
	var b []byte
	b = append(b, put32(magic)...)
	b = append(b, 0, 0) // minor
	b = append(b, 0, 52) // major
	b = append(b, put16(uint16(len(entries)+1))...)
	for _, e := range entries {
		b = append(b, e...)
	}
	b = append(b, 0x00, 0x21) // access_flags
	b = append(b, put16(thisClassIdx)...)
	b = append(b, put16(superClassIdx)...)
	b = append(b, 0, 0) // interfaces_count
	b = append(b, 0, 0) // fields_count
	b = append(b, 0, 1) // methods_count
	b = append(b, 0x00, 0x01)
	b = append(b, put16(methodNameIdx)...)
	b = append(b, put16(descIdx)...)
	b = append(b, 0, 1) // method attributes_count

	attrBody := make([]byte, 0, 8+len(code)+4)
	attrBody = append(attrBody, 0, 0) // max_stack
	attrBody = append(attrBody, 0, 0) // max_locals
	attrBody = append(attrBody, put32(uint32(len(code)))...)
	attrBody = append(attrBody, code...)
	attrBody = append(attrBody, 0, 0) // exception_table_length
	attrBody = append(attrBody, 0, 0) // attributes_count

	b = append(b, put16(codeAttrNameIdx)...)
	b = append(b, put32(uint32(len(attrBody)))...)
	b = append(b, attrBody...)
	return b
}

func TestShadedHashIgnoresPackageRenaming(t *testing.T) {
	// Entries: 1=this-utf8, 2=this-class, 3=super-utf8, 4=super-class,
	// 5=method-name, 6=descriptor, 7="Code", 8="hello", 9=string(8).
	base := func(thisName string) []byte {
		entries := [][]byte{
			utf8Entry(thisName),
			classEntry(1),
			utf8Entry("java/lang/Object"),
			classEntry(3),
			utf8Entry("doStuff"),
			utf8Entry("()V"),
			utf8Entry("Code"),
			utf8Entry("hello"),
			stringEntry(8),
		}
		code := []byte{opLDC, 0x09}
		return buildClassFile(entries, 2, 4, 5, 6, 7, code)
	}

	cfA, err := Parse(base("com/foo/Example"))
	if err != nil {
		t.Fatalf("Parse (unshaded): %v", err)
	}
	cfB, err := Parse(base("x/y/Example"))
	if err != nil {
		t.Fatalf("Parse (shaded): %v", err)
	}

	hashA, err := cfA.ShadedHash()
	if err != nil {
		t.Fatalf("ShadedHash A: %v", err)
	}
	hashB, err := cfB.ShadedHash()
	if err != nil {
		t.Fatalf("ShadedHash B: %v", err)
	}
	if hashA != hashB {
		t.Fatalf("ShadedHash differs across a pure package rename: %x vs %x", hashA, hashB)
	}
}

func TestShadedHashIgnoresConstantPoolReordering(t *testing.T) {
	entriesOriginal := [][]byte{
		utf8Entry("com/foo/Example"),
		classEntry(1),
		utf8Entry("java/lang/Object"),
		classEntry(3),
		utf8Entry("doStuff"),
		utf8Entry("()V"),
		utf8Entry("Code"),
		utf8Entry("hello"),
		stringEntry(8),
	}
	codeOriginal := []byte{opLDC, 0x09}
	original := buildClassFile(entriesOriginal, 2, 4, 5, 6, 7, codeOriginal)

	// Same structural content, entirely different pool layout: an unused
	// filler entry up front, the ldc target moved earlier, and the rest
	// shifted to follow.
	entriesReordered := [][]byte{
		utf8Entry("unused filler"),
		utf8Entry("hello"),
		stringEntry(2),
		utf8Entry("com/foo/Example"),
		classEntry(4),
		utf8Entry("java/lang/Object"),
		classEntry(6),
		utf8Entry("doStuff"),
		utf8Entry("()V"),
		utf8Entry("Code"),
	}
	codeReordered := []byte{opLDC, 0x03}
	reordered := buildClassFile(entriesReordered, 5, 7, 8, 9, 10, codeReordered)

	cfA, err := Parse(original)
	if err != nil {
		t.Fatalf("Parse (original order): %v", err)
	}
	cfB, err := Parse(reordered)
	if err != nil {
		t.Fatalf("Parse (reordered pool): %v", err)
	}

	hashA, err := cfA.ShadedHash()
	if err != nil {
		t.Fatalf("ShadedHash A: %v", err)
	}
	hashB, err := cfB.ShadedHash()
	if err != nil {
		t.Fatalf("ShadedHash B: %v", err)
	}
	if hashA != hashB {
		t.Fatalf("ShadedHash differs across constant pool reordering: %x vs %x", hashA, hashB)
	}
}

func TestShadedHashDiffersOnMethodBodyChange(t *testing.T) {
	entries := [][]byte{
		utf8Entry("com/foo/Example"),
		classEntry(1),
		utf8Entry("java/lang/Object"),
		classEntry(3),
		utf8Entry("doStuff"),
		utf8Entry("()V"),
		utf8Entry("Code"),
		utf8Entry("hello"),
		stringEntry(8),
		utf8Entry("world"),
		stringEntry(10),
	}

	withHello := buildClassFile(entries, 2, 4, 5, 6, 7, []byte{opLDC, 0x09})
	withWorld := buildClassFile(entries, 2, 4, 5, 6, 7, []byte{opLDC, 0x0B})

	cfA, err := Parse(withHello)
	if err != nil {
		t.Fatalf("Parse (hello): %v", err)
	}
	cfB, err := Parse(withWorld)
	if err != nil {
		t.Fatalf("Parse (world): %v", err)
	}

	hashA, err := cfA.ShadedHash()
	if err != nil {
		t.Fatalf("ShadedHash A: %v", err)
	}
	hashB, err := cfB.ShadedHash()
	if err != nil {
		t.Fatalf("ShadedHash B: %v", err)
	}
	if hashA == hashB {
		t.Fatalf("ShadedHash identical despite different ldc targets: %x", hashA)
	}
}

func emptyMapper() *ConstantPoolMapper {
	return NewConstantPoolMapper(&ConstantPool{
		entries: make([]cpEntry, 1),
		content: make(map[uint16]string),
	})
}

func TestNormalizeCodeFoldsWidePrefixToRegularOpcode(t *testing.T) {
	narrow := []byte{0x15, 0x0A} // iload #10
	normNarrow, err := normalizeCode(narrow, emptyMapper())
	if err != nil {
		t.Fatalf("normalizeCode(narrow): %v", err)
	}
	want := []byte{0x15, 0x0A}
	if string(normNarrow) != string(want) {
		t.Fatalf("normalized narrow iload = % x, want % x", normNarrow, want)
	}

	wide := []byte{opWIDE, 0x15, 0x00, 0x0A} // wide iload #10
	normWide, err := normalizeCode(wide, emptyMapper())
	if err != nil {
		t.Fatalf("normalizeCode(wide): %v", err)
	}
	if len(normWide) == 0 || normWide[0] == opWIDE {
		t.Fatalf("normalized wide form still carries the wide prefix: % x", normWide)
	}
	if normWide[0] != 0x15 {
		t.Fatalf("normalized wide iload opcode = 0x%02x, want 0x15", normWide[0])
	}
}

func TestNormalizeCodeFoldsGotoWToGoto(t *testing.T) {
	gotoW := []byte{opGOTOW, 0x00, 0x00, 0x00, 0x05}
	norm, err := normalizeCode(gotoW, emptyMapper())
	if err != nil {
		t.Fatalf("normalizeCode(goto_w): %v", err)
	}
	if len(norm) != 1 || norm[0] != opGOTO {
		t.Fatalf("normalized goto_w = % x, want single opGOTO byte", norm)
	}
}

func TestNormalizeCodeFoldsLdcWToLdcWithSameMappedIndex(t *testing.T) {
	cp := &ConstantPool{
		entries: make([]cpEntry, 3),
		content: make(map[uint16]string),
	}
	cp.entries[1] = cpEntry{t: tagUTF8, utf8: "x"}
	cp.entries[2] = cpEntry{t: tagString, idx1: 1}

	ldc := []byte{opLDC, 0x02}
	normLDC, err := normalizeCode(ldc, NewConstantPoolMapper(cp))
	if err != nil {
		t.Fatalf("normalizeCode(ldc): %v", err)
	}

	ldcW := []byte{opLDCW, 0x00, 0x02}
	normLDCW, err := normalizeCode(ldcW, NewConstantPoolMapper(cp))
	if err != nil {
		t.Fatalf("normalizeCode(ldc_w): %v", err)
	}

	if string(normLDC) != string(normLDCW) {
		t.Fatalf("ldc and ldc_w referencing the same constant normalized differently: % x vs % x", normLDC, normLDCW)
	}
	if normLDCW[0] != opLDC {
		t.Fatalf("normalized ldc_w opcode = 0x%02x, want opLDC", normLDCW[0])
	}
}
