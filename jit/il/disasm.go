package il

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// ---------------------------------------------------------------------------
// Thin encoding
// ---------------------------------------------------------------------------

// Encode returns the CIL byte encoding of the method body. Branch operands
// are deltas from the end of the branch instruction.
func (m *Method) Encode() []byte {
	out := make([]byte, 0, m.Size)
	for _, in := range m.Instrs {
		if in.Op > 0xFF {
			out = append(out, 0xFE, byte(in.Op))
		} else {
			out = append(out, byte(in.Op))
		}
		switch in.Op.Operand() {
		case OperandInt32, OperandToken, OperandField:
			out = binary.LittleEndian.AppendUint32(out, uint32(in.Operand))
		case OperandBranch:
			delta := m.Instrs[in.Operand].Offset - (in.Offset + in.Op.Size())
			out = binary.LittleEndian.AppendUint32(out, uint32(int32(delta)))
		case OperandInt64:
			out = binary.LittleEndian.AppendUint64(out, uint64(in.Operand))
		case OperandLocal:
			out = binary.LittleEndian.AppendUint16(out, uint16(in.Operand))
		}
	}
	return out
}

// RawInstr is an instruction decoded from a byte encoding.
type RawInstr struct {
	Offset  int
	Op      Opcode
	Operand int64 // Branch operands hold the absolute target offset
}

// DecodeRaw decodes a CIL method body.
func DecodeRaw(raw []byte) ([]RawInstr, error) {
	var out []RawInstr
	for pc := 0; pc < len(raw); {
		start := pc
		op := Opcode(raw[pc])
		pc++
		if op == 0xFE {
			if pc >= len(raw) {
				return out, fmt.Errorf("il: truncated two-byte opcode at IL_%04x", start)
			}
			op = 0xFE00 | Opcode(raw[pc])
			pc++
		}
		if !op.Valid() {
			return out, fmt.Errorf("il: invalid opcode 0x%X at IL_%04x", uint16(op), start)
		}
		kind := op.Operand()
		if pc+kind.Size() > len(raw) {
			return out, fmt.Errorf("il: truncated operand of %s at IL_%04x", op, start)
		}
		var operand int64
		switch kind {
		case OperandInt32:
			operand = int64(int32(binary.LittleEndian.Uint32(raw[pc:])))
		case OperandToken, OperandField:
			operand = int64(binary.LittleEndian.Uint32(raw[pc:]))
		case OperandBranch:
			delta := int32(binary.LittleEndian.Uint32(raw[pc:]))
			operand = int64(pc+4) + int64(delta)
		case OperandInt64:
			operand = int64(binary.LittleEndian.Uint64(raw[pc:]))
		case OperandLocal:
			operand = int64(binary.LittleEndian.Uint16(raw[pc:]))
		}
		pc += kind.Size()
		out = append(out, RawInstr{Offset: start, Op: op, Operand: operand})
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Rendering
// ---------------------------------------------------------------------------

// renderLine formats one instruction. Branch operands are destination IL
// offsets.
func renderLine(offset int, op Opcode, operand int64) string {
	var arg string
	switch op.Operand() {
	case OperandNone:
		return fmt.Sprintf("IL_%04x: %s", offset, op)
	case OperandToken:
		arg = Token(operand).String()
	case OperandBranch:
		arg = fmt.Sprintf("IL_%04x", operand)
	default:
		arg = fmt.Sprintf("%d", operand)
	}
	return fmt.Sprintf("IL_%04x: %-8s %s", offset, op, arg)
}

// Disassemble writes the fat listing of the method. With showOffsets each
// bytecode instruction is announced by a "; <offset> <OPNAME>" line before
// the IL implementing it.
func (m *Method) Disassemble(w io.Writer, showOffsets bool) error {
	var sb strings.Builder
	last := -1
	for _, in := range m.Instrs {
		if showOffsets && in.Source >= 0 && in.Source != last {
			name := fmt.Sprintf("%d", in.Source)
			if m.Code != nil {
				name = m.Code.DisassembleInstruction(in.Source)
			}
			fmt.Fprintf(&sb, "; %d %s\n", in.Source, name)
			last = in.Source
		}
		operand := in.Operand
		if in.Op.IsBranch() {
			operand = int64(m.Instrs[in.Operand].Offset)
		}
		sb.WriteString(renderLine(in.Offset, in.Op, operand))
		sb.WriteString("\n")
	}
	_, err := io.WriteString(w, sb.String())
	return err
}

// PrintIL writes the listing of a raw CIL body, resolving call tokens
// through the global registry. Its output matches Method.Disassemble
// without offsets.
func PrintIL(w io.Writer, raw []byte) error {
	instrs, err := DecodeRaw(raw)
	var sb strings.Builder
	for _, in := range instrs {
		sb.WriteString(renderLine(in.Offset, in.Op, in.Operand))
		sb.WriteString("\n")
	}
	if _, werr := io.WriteString(w, sb.String()); werr != nil {
		return werr
	}
	return err
}
