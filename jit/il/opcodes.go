package il

import "fmt"

// Opcode is an IL opcode. Values are the ECMA-335 encodings: one byte, or
// 0xFE followed by a second byte for the two-byte forms. rc.inc and rc.dec
// occupy unused two-byte slots.
type Opcode uint16

const (
	Nop     Opcode = 0x00
	Ldnull  Opcode = 0x14
	LdcI4   Opcode = 0x20
	LdcI8   Opcode = 0x21
	Dup     Opcode = 0x25
	Pop     Opcode = 0x26
	Call    Opcode = 0x28
	Ret     Opcode = 0x2A
	Br      Opcode = 0x38
	Brfalse Opcode = 0x39
	Brtrue  Opcode = 0x3A
	Ldsfld  Opcode = 0x7E
	Ceq     Opcode = 0xFE01
	Ldloc   Opcode = 0xFE0C
	Stloc   Opcode = 0xFE0E
	RcInc   Opcode = 0xFE20
	RcDec   Opcode = 0xFE21
)

// OperandKind describes the inline operand following an opcode.
type OperandKind uint8

const (
	OperandNone   OperandKind = iota
	OperandInt32              // ldc.i4
	OperandInt64              // ldc.i8
	OperandToken              // call: helper token
	OperandBranch             // br*: int32 delta from the next instruction
	OperandLocal              // ldloc, stloc: uint16 local index
	OperandField              // ldsfld: uint32 object table index
)

// Size returns the encoded operand size in bytes.
func (k OperandKind) Size() int {
	switch k {
	case OperandInt32, OperandToken, OperandBranch, OperandField:
		return 4
	case OperandInt64:
		return 8
	case OperandLocal:
		return 2
	}
	return 0
}

type opInfo struct {
	name    string
	operand OperandKind
}

var opTable = map[Opcode]opInfo{
	Nop:     {"nop", OperandNone},
	Ldnull:  {"ldnull", OperandNone},
	LdcI4:   {"ldc.i4", OperandInt32},
	LdcI8:   {"ldc.i8", OperandInt64},
	Dup:     {"dup", OperandNone},
	Pop:     {"pop", OperandNone},
	Call:    {"call", OperandToken},
	Ret:     {"ret", OperandNone},
	Br:      {"br", OperandBranch},
	Brfalse: {"brfalse", OperandBranch},
	Brtrue:  {"brtrue", OperandBranch},
	Ldsfld:  {"ldsfld", OperandField},
	Ceq:     {"ceq", OperandNone},
	Ldloc:   {"ldloc", OperandLocal},
	Stloc:   {"stloc", OperandLocal},
	RcInc:   {"rc.inc", OperandNone},
	RcDec:   {"rc.dec", OperandNone},
}

// String returns the CIL mnemonic.
func (op Opcode) String() string {
	if info, ok := opTable[op]; ok {
		return info.name
	}
	return fmt.Sprintf("unknown(0x%04X)", uint16(op))
}

// Valid reports whether op is a defined opcode.
func (op Opcode) Valid() bool {
	_, ok := opTable[op]
	return ok
}

// Operand returns the kind of inline operand op takes.
func (op Opcode) Operand() OperandKind { return opTable[op].operand }

// IsBranch reports whether op transfers control to a label.
func (op Opcode) IsBranch() bool { return op.Operand() == OperandBranch }

// Size returns the encoded size of op and its operand.
func (op Opcode) Size() int {
	n := 1
	if op > 0xFF {
		n = 2
	}
	return n + op.Operand().Size()
}
