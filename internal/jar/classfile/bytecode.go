package classfile

import (
	"encoding/binary"
	"fmt"
)

// Opcodes referenced explicitly by the normalizer (JVM spec values).
const (
	opLDC      = 0x12
	opLDCW     = 0x13
	opLDC2W    = 0x14
	opIINC     = 0x84
	opGOTO     = 0xA7
	opJSR      = 0xA8
	opRET      = 0xA9
	opTABLESWITCH  = 0xAA
	opLOOKUPSWITCH = 0xAB
	opGETSTATIC    = 0xB2
	opPUTSTATIC    = 0xB3
	opGETFIELD     = 0xB4
	opPUTFIELD     = 0xB5
	opINVOKEVIRTUAL   = 0xB6
	opINVOKESPECIAL   = 0xB7
	opINVOKESTATIC    = 0xB8
	opINVOKEINTERFACE = 0xB9
	opINVOKEDYNAMIC   = 0xBA
	opNEW        = 0xBB
	opNEWARRAY   = 0xBC
	opANEWARRAY  = 0xBD
	opCHECKCAST  = 0xC0
	opINSTANCEOF = 0xC1
	opWIDE       = 0xC4
	opMULTIANEWARRAY = 0xC5
	opIFNULL    = 0xC6
	opIFNONNULL = 0xC7
	opGOTOW = 0xC8
	opJSRW  = 0xC9
)

// operandKind classifies how an opcode's operand bytes must be read, and
// whether/how they contribute to the normalized hash stream.
type operandKind int

const (
	opNone       operandKind = iota // no operand
	opRaw1                          // 1 raw byte, kept as-is (local var index, atype, ...)
	opRaw2                          // 2 raw bytes, kept as-is (sipush)
	opJump2                         // 2-byte jump offset, dropped entirely
	opJump4                         // 4-byte jump offset, dropped, opcode folds to its narrow form
	opCPIndex1                      // 1-byte cp index, mapped (ldc)
	opCPIndex2                      // 2-byte cp index, mapped
	opCPIndex2Fold                  // 2-byte cp index, mapped, opcode folds to its narrow form (ldc_w)
	opSpecial                       // one of iinc/invokeinterface/invokedynamic/multianewarray/tableswitch/lookupswitch/wide
)

type opInfo struct {
	kind operandKind
	fold byte // for opJump4/opCPIndex2Fold: the opcode to emit in the normalized stream
}

var opcodeTable = buildOpcodeTable()

func buildOpcodeTable() map[byte]opInfo {
	t := make(map[byte]opInfo, 210)

	// Zero-operand instructions: constants, array load/store, arithmetic,
	// conversions, comparisons, stack ops, returns, monitors, misc.
	zero := []byte{
		0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a,
		0x0b, 0x0c, 0x0d, 0x0e, 0x0f,
		0x1a, 0x1b, 0x1c, 0x1d, 0x1e, 0x1f, 0x20, 0x21, 0x22, 0x23, 0x24,
		0x25, 0x26, 0x27, 0x28, 0x29, 0x2a, 0x2b, 0x2c, 0x2d, 0x2e, 0x2f,
		0x30, 0x31, 0x32, 0x33, 0x34, 0x35,
		0x3b, 0x3c, 0x3d, 0x3e, 0x3f, 0x40, 0x41, 0x42, 0x43, 0x44, 0x45,
		0x46, 0x47, 0x48, 0x49, 0x4a, 0x4b, 0x4c, 0x4d, 0x4e, 0x4f, 0x50,
		0x51, 0x52, 0x53, 0x54, 0x55, 0x56, 0x57, 0x58, 0x59, 0x5a, 0x5b,
		0x5c, 0x5d, 0x5e, 0x5f, 0x60, 0x61, 0x62, 0x63, 0x64, 0x65, 0x66,
		0x67, 0x68, 0x69, 0x6a, 0x6b, 0x6c, 0x6d, 0x6e, 0x6f, 0x70, 0x71,
		0x72, 0x73, 0x74, 0x75, 0x76, 0x77, 0x78, 0x79, 0x7a, 0x7b, 0x7c,
		0x7d, 0x7e, 0x7f, 0x80, 0x81, 0x82, 0x83,
		0x85, 0x86, 0x87, 0x88, 0x89, 0x8a, 0x8b, 0x8c, 0x8d, 0x8e, 0x8f,
		0x90, 0x91, 0x92, 0x93, 0x94, 0x95, 0x96, 0x97, 0x98,
		0xac, 0xad, 0xae, 0xaf, 0xb0, 0xb1,
		0xbe, 0xbf, 0xc2, 0xc3,
		0xca, 0xfe, 0xff,
	}
	for _, op := range zero {
		t[op] = opInfo{kind: opNone}
	}

	// Local-variable-index operands (1 raw byte).
	for _, op := range []byte{0x15, 0x16, 0x17, 0x18, 0x19, 0x36, 0x37, 0x38, 0x39, 0x3a, opRET, 0xbc} {
		t[op] = opInfo{kind: opRaw1}
	}
	t[0x10] = opInfo{kind: opRaw1} // bipush
	t[0x11] = opInfo{kind: opRaw2} // sipush

	t[opLDC] = opInfo{kind: opCPIndex1}
	t[opLDCW] = opInfo{kind: opCPIndex2Fold, fold: opLDC}
	t[opLDC2W] = opInfo{kind: opCPIndex2}

	t[opIINC] = opInfo{kind: opSpecial}

	// Jump instructions: 2-byte offset, dropped.
	for _, op := range []byte{
		0x99, 0x9a, 0x9b, 0x9c, 0x9d, 0x9e,
		0x9f, 0xa0, 0xa1, 0xa2, 0xa3, 0xa4, 0xa5, 0xa6,
		opGOTO, opJSR, opIFNULL, opIFNONNULL,
	} {
		t[op] = opInfo{kind: opJump2}
	}
	t[opGOTOW] = opInfo{kind: opJump4, fold: opGOTO}
	t[opJSRW] = opInfo{kind: opJump4, fold: opJSR}

	t[opTABLESWITCH] = opInfo{kind: opSpecial}
	t[opLOOKUPSWITCH] = opInfo{kind: opSpecial}

	for _, op := range []byte{opGETSTATIC, opPUTSTATIC, opGETFIELD, opPUTFIELD,
		opINVOKEVIRTUAL, opINVOKESPECIAL, opINVOKESTATIC,
		opNEW, opANEWARRAY, opCHECKCAST, opINSTANCEOF} {
		t[op] = opInfo{kind: opCPIndex2}
	}

	t[opINVOKEINTERFACE] = opInfo{kind: opSpecial}
	t[opINVOKEDYNAMIC] = opInfo{kind: opSpecial}
	t[opMULTIANEWARRAY] = opInfo{kind: opSpecial}
	t[opWIDE] = opInfo{kind: opSpecial}

	return t
}

// normalizeCode rewrites the raw bytecode of a single method's Code
// attribute into a canonical byte stream: wide instruction variants folded
// to their regular opcode, jump offsets and switch tables dropped, and
// constant-pool references rewritten through mapper so shading (which
// changes raw indices and class names but not structural roles) cannot
// perturb the result.
func normalizeCode(code []byte, mapper *ConstantPoolMapper) ([]byte, error) {
	var out []byte
	i := 0

	emitCPIndex := func(raw uint16) error {
		mapped, err := mapper.Map(raw)
		if err != nil {
			return err
		}
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], uint32(mapped))
		out = append(out, buf[:]...)
		return nil
	}

	for i < len(code) {
		op := code[i]
		start := i
		i++

		info, ok := opcodeTable[op]
		if !ok {
			return nil, fmt.Errorf("classfile: unrecognized opcode 0x%02x at offset %d", op, start)
		}

		switch info.kind {
		case opNone:
			out = append(out, op)

		case opRaw1:
			if i+1 > len(code) {
				return nil, fmt.Errorf("classfile: truncated operand for opcode 0x%02x", op)
			}
			out = append(out, op, code[i])
			i++

		case opRaw2:
			if i+2 > len(code) {
				return nil, fmt.Errorf("classfile: truncated operand for opcode 0x%02x", op)
			}
			out = append(out, op, code[i], code[i+1])
			i += 2

		case opJump2:
			if i+2 > len(code) {
				return nil, fmt.Errorf("classfile: truncated jump operand for opcode 0x%02x", op)
			}
			out = append(out, op)
			i += 2

		case opJump4:
			if i+4 > len(code) {
				return nil, fmt.Errorf("classfile: truncated jump operand for opcode 0x%02x", op)
			}
			out = append(out, info.fold)
			i += 4

		case opCPIndex1:
			if i+1 > len(code) {
				return nil, fmt.Errorf("classfile: truncated cp index for opcode 0x%02x", op)
			}
			out = append(out, op)
			if err := emitCPIndex(uint16(code[i])); err != nil {
				return nil, err
			}
			i++

		case opCPIndex2:
			if i+2 > len(code) {
				return nil, fmt.Errorf("classfile: truncated cp index for opcode 0x%02x", op)
			}
			out = append(out, op)
			if err := emitCPIndex(binary.BigEndian.Uint16(code[i:])); err != nil {
				return nil, err
			}
			i += 2

		case opCPIndex2Fold:
			if i+2 > len(code) {
				return nil, fmt.Errorf("classfile: truncated cp index for opcode 0x%02x", op)
			}
			out = append(out, info.fold)
			if err := emitCPIndex(binary.BigEndian.Uint16(code[i:])); err != nil {
				return nil, err
			}
			i += 2

		case opSpecial:
			n, err := normalizeSpecial(op, code, i, &out, emitCPIndex)
			if err != nil {
				return nil, err
			}
			i = n

		default:
			return nil, fmt.Errorf("classfile: unhandled operand kind for opcode 0x%02x", op)
		}
	}

	return out, nil
}

// normalizeSpecial handles the instructions whose operand layout cannot be
// expressed by a fixed operandKind: iinc, the switch instructions,
// invokeinterface, invokedynamic, multianewarray, and the wide prefix. i is
// the offset immediately after the opcode byte; it returns the offset after
// the full instruction.
func normalizeSpecial(op byte, code []byte, i int, out *[]byte, emitCPIndex func(uint16) error) (int, error) {
	switch op {
	case opIINC:
		if i+2 > len(code) {
			return 0, fmt.Errorf("classfile: truncated iinc")
		}
		index := uint16(code[i])
		cnst := int16(int8(code[i+1]))
		*out = append(*out, op)
		appendU16(out, index)
		appendU16(out, uint16(cnst))
		return i + 2, nil

	case opINVOKEINTERFACE:
		if i+4 > len(code) {
			return 0, fmt.Errorf("classfile: truncated invokeinterface")
		}
		raw := binary.BigEndian.Uint16(code[i:])
		count := code[i+2]
		// code[i+3] is a reserved zero byte, dropped.
		*out = append(*out, op)
		if err := emitCPIndex(raw); err != nil {
			return 0, err
		}
		*out = append(*out, count)
		return i + 4, nil

	case opINVOKEDYNAMIC:
		if i+4 > len(code) {
			return 0, fmt.Errorf("classfile: truncated invokedynamic")
		}
		raw := binary.BigEndian.Uint16(code[i:])
		// code[i+2:i+4] are reserved zero bytes, dropped.
		*out = append(*out, op)
		if err := emitCPIndex(raw); err != nil {
			return 0, err
		}
		return i + 4, nil

	case opMULTIANEWARRAY:
		if i+3 > len(code) {
			return 0, fmt.Errorf("classfile: truncated multianewarray")
		}
		raw := binary.BigEndian.Uint16(code[i:])
		dims := code[i+2]
		*out = append(*out, op)
		if err := emitCPIndex(raw); err != nil {
			return 0, err
		}
		*out = append(*out, dims)
		return i + 3, nil

	case opTABLESWITCH:
		return normalizeTableSwitch(code, i, out)

	case opLOOKUPSWITCH:
		return normalizeLookupSwitch(code, i, out)

	case opWIDE:
		return normalizeWide(code, i, out, emitCPIndex)

	default:
		return 0, fmt.Errorf("classfile: opSpecial for unexpected opcode 0x%02x", op)
	}
}

// instrStart is the offset of the opcode byte that begins the instruction;
// tableswitch/lookupswitch padding is measured from it.
func normalizeTableSwitch(code []byte, i int, out *[]byte) (int, error) {
	instrStart := i - 1
	pad := (4 - (i % 4)) % 4
	p := instrStart + 1 + pad
	if p+12 > len(code) {
		return 0, fmt.Errorf("classfile: truncated tableswitch")
	}
	// default_offset at p is dropped.
	low := int32(binary.BigEndian.Uint32(code[p+4:]))
	high := int32(binary.BigEndian.Uint32(code[p+8:]))

	*out = append(*out, opTABLESWITCH)
	appendU32(out, uint32(low))
	appendU32(out, uint32(high))

	n := int64(high) - int64(low) + 1
	if n < 0 {
		return 0, fmt.Errorf("classfile: invalid tableswitch range [%d,%d]", low, high)
	}
	end := p + 12 + int(n)*4
	if end > len(code) {
		return 0, fmt.Errorf("classfile: truncated tableswitch jump table")
	}
	return end, nil
}

func normalizeLookupSwitch(code []byte, i int, out *[]byte) (int, error) {
	instrStart := i - 1
	pad := (4 - (i % 4)) % 4
	p := instrStart + 1 + pad
	if p+8 > len(code) {
		return 0, fmt.Errorf("classfile: truncated lookupswitch")
	}
	// default_offset at p is dropped.
	npairs := int32(binary.BigEndian.Uint32(code[p+4:]))
	if npairs < 0 {
		return 0, fmt.Errorf("classfile: invalid lookupswitch npairs %d", npairs)
	}

	*out = append(*out, opLOOKUPSWITCH)
	appendU32(out, uint32(npairs))

	end := p + 8 + int(npairs)*8
	if end > len(code) {
		return 0, fmt.Errorf("classfile: truncated lookupswitch pairs")
	}
	return end, nil
}

func normalizeWide(code []byte, i int, out *[]byte, emitCPIndex func(uint16) error) (int, error) {
	if i >= len(code) {
		return 0, fmt.Errorf("classfile: truncated wide prefix")
	}
	sub := code[i]
	i++

	if sub == opIINC {
		if i+4 > len(code) {
			return 0, fmt.Errorf("classfile: truncated wide iinc")
		}
		index := binary.BigEndian.Uint16(code[i:])
		cnst := int16(binary.BigEndian.Uint16(code[i+2:]))
		*out = append(*out, opIINC)
		appendU16(out, index)
		appendU16(out, uint16(cnst))
		return i + 4, nil
	}

	// iload/lload/fload/dload/aload/istore/lstore/fstore/dstore/astore/ret:
	// same 2-byte local-variable index, folded to the narrow opcode value
	// since the wide encoding carries no extra semantic information. An
	// index that fits in one byte is emitted as one byte, exactly as the
	// narrow form emits it.
	if i+2 > len(code) {
		return 0, fmt.Errorf("classfile: truncated wide operand for sub-opcode 0x%02x", sub)
	}
	index := binary.BigEndian.Uint16(code[i:])
	*out = append(*out, sub)
	if index <= 0xFF {
		*out = append(*out, byte(index))
	} else {
		appendU16(out, index)
	}
	return i + 2, nil
}

func appendU16(out *[]byte, v uint16) {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	*out = append(*out, buf[:]...)
}

func appendU32(out *[]byte, v uint32) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	*out = append(*out, buf[:]...)
}
