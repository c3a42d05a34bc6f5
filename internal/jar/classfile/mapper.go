package classfile

// ConstantPoolMapper assigns each constant-pool index referenced by an
// instruction stream a sequential number in order of first appearance,
// after deduplicating entries by structural content (spec §4.5.2). Two
// different raw indices that happen to carry the same structural content
// map to the same sequential number, and the same raw index always maps to
// the same number — so permuting the constant pool never changes the
// normalized bytecode stream.
type ConstantPoolMapper struct {
	cp *ConstantPool

	next       int
	byContent  map[string]int
	byRawIndex map[uint16]int
}

// NewConstantPoolMapper creates a mapper bound to a single method's
// normalization pass. Mappers are not shared across methods: each method
// gets a fresh sequence starting at 0, since the mapped index is a stand-in
// for "the Nth distinct constant referenced so far in this method", not a
// class-wide identity.
func NewConstantPoolMapper(cp *ConstantPool) *ConstantPoolMapper {
	return &ConstantPoolMapper{
		cp:         cp,
		byContent:  make(map[string]int),
		byRawIndex: make(map[uint16]int),
	}
}

// Map returns the sequential mapped index for rawIndex, assigning a new one
// on first appearance of its structural content.
func (m *ConstantPoolMapper) Map(rawIndex uint16) (int, error) {
	if mapped, ok := m.byRawIndex[rawIndex]; ok {
		return mapped, nil
	}

	content, err := m.cp.StructuralContent(rawIndex)
	if err != nil {
		return 0, err
	}

	if mapped, ok := m.byContent[content]; ok {
		m.byRawIndex[rawIndex] = mapped
		return mapped, nil
	}

	mapped := m.next
	m.next++
	m.byContent[content] = mapped
	m.byRawIndex[rawIndex] = mapped
	return mapped, nil
}
