package native

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// Disassemble writes the listing of c. With showOffsets each IL
// instruction is announced before the machine code implementing it.
func (c *Code) Disassemble(w io.Writer, showOffsets bool) error {
	starts := make(map[int][]int)
	if showOffsets {
		for i, off := range c.Offsets {
			starts[off] = append(starts[off], i)
		}
	}
	var sb strings.Builder
	code := c.Bytes
	for offset := 0; offset < len(code); {
		for _, i := range starts[offset] {
			in := c.Method.Instrs[i]
			fmt.Fprintf(&sb, "; IL_%04x %s\n", in.Offset, in.Op)
		}
		inst, err := x86asm.Decode(code[offset:], 64)
		if err != nil {
			fmt.Fprintf(&sb, "0x%04x: db 0x%02x\n", offset, code[offset])
			offset++
			continue
		}
		hexBytes := make([]string, inst.Len)
		for i := range hexBytes {
			hexBytes[i] = fmt.Sprintf("%02x", code[offset+i])
		}
		text := x86asm.IntelSyntax(inst, uint64(offset), nil)
		if tok, ok := c.calls[offset]; ok {
			text += " ; " + tok.String()
		}
		fmt.Fprintf(&sb, "0x%04x: %-16s %s\n", offset, strings.Join(hexBytes, " "), text)
		offset += inst.Len
	}
	_, err := io.WriteString(w, sb.String())
	return err
}

// Symbols maps the helper addresses called by c to their token names.
func (c *Code) Symbols() map[uintptr]string {
	out := make(map[uintptr]string, len(c.calls))
	for _, tok := range c.calls {
		out[tok.Address()] = tok.String()
	}
	return out
}
