package bytecode

import (
	"fmt"
	"strings"
)

// Disassemble returns a human-readable bytecode listing for the code object
// and every code object nested in its constants.
func (c *Code) Disassemble() string {
	var sb strings.Builder
	c.Walk(func(k *Code) {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		k.disassembleOne(&sb)
	})
	return sb.String()
}

func (c *Code) disassembleOne(sb *strings.Builder) {
	// Header
	fmt.Fprintf(sb, "; === %s (%s:%d) ===\n", c.Name, c.Filename, c.FirstLine)
	fmt.Fprintf(sb, "; Kestrel Bytecode v%d\n", BytecodeVersion)
	fmt.Fprintf(sb, "; Flags: 0x%04X", uint16(c.Flags))
	if c.Flags&FlagVarArgs != 0 {
		sb.WriteString(" [VARARGS]")
	}
	if c.Flags&FlagVarKeywords != 0 {
		sb.WriteString(" [VARKEYWORDS]")
	}
	if c.Flags&FlagNested != 0 {
		sb.WriteString(" [NESTED]")
	}
	if c.Flags&FlagGenerator != 0 {
		sb.WriteString(" [GENERATOR]")
	}
	if c.Flags&FlagNoFree != 0 {
		sb.WriteString(" [NOFREE]")
	}
	sb.WriteString("\n")
	fmt.Fprintf(sb, "; Arguments: %d (kwonly %d)  Stack: %d\n", c.ArgCount, c.KwOnlyArgCount, c.StackSize)

	if len(c.VarNames) > 0 {
		fmt.Fprintf(sb, "; Locals (%d): %s\n", len(c.VarNames), strings.Join(c.VarNames, ", "))
	}
	if len(c.CellVars) > 0 {
		fmt.Fprintf(sb, "; Cells: %s\n", strings.Join(c.CellVars, ", "))
	}
	if len(c.FreeVars) > 0 {
		fmt.Fprintf(sb, "; Free: %s\n", strings.Join(c.FreeVars, ", "))
	}

	if len(c.Consts) > 0 {
		sb.WriteString("; Constants:\n")
		for i, k := range c.Consts {
			display := k.String()
			// Truncate long constants for readability
			if len(display) > 40 {
				display = display[:37] + "..."
			}
			fmt.Fprintf(sb, ";   [%3d] %s\n", i, display)
		}
	}

	sb.WriteString("; Code:\n")
	for _, line := range c.DisassembleToLines() {
		sb.WriteString(line)
		sb.WriteString("\n")
	}
}

// DisassembleToLines returns one line per instruction in the form
//
//	LINE  >> OFFSET OPNAME ARG (argrepr)
//
// where the line number appears only on the first instruction of a source
// line and ">>" marks jump targets.
func (c *Code) DisassembleToLines() []string {
	instrs, err := decodeInstrs(c)
	if err != nil {
		return []string{"; " + err.Error()}
	}
	targets := make(map[int]bool)
	for _, in := range instrs {
		if in.Op.IsJump() {
			targets[in.Target()] = true
		}
	}
	lines := make([]string, 0, len(instrs))
	for _, in := range instrs {
		lineCol := ""
		if in.LineStart {
			lineCol = fmt.Sprintf("%d", in.Line)
		}
		mark := "  "
		if targets[in.Offset] {
			mark = ">>"
		}
		text := in.Op.String()
		if in.Op.HasArg() {
			text = fmt.Sprintf("%-24s %d", text, in.Arg)
			if r := c.argRepr(in); r != "" {
				text += " (" + r + ")"
			}
		}
		lines = append(lines, strings.TrimRight(fmt.Sprintf("%4s %s %6d %s", lineCol, mark, in.Offset, text), " "))
	}
	return lines
}

// DisassembleInstruction renders the instruction starting at offset.
func (c *Code) DisassembleInstruction(offset int) string {
	instrs, err := decodeInstrs(c)
	if err != nil {
		return "<" + err.Error() + ">"
	}
	for _, in := range instrs {
		if in.Offset == offset {
			if !in.Op.HasArg() {
				return in.Op.String()
			}
			if r := c.argRepr(in); r != "" {
				return fmt.Sprintf("%s %d (%s)", in.Op, in.Arg, r)
			}
			return fmt.Sprintf("%s %d", in.Op, in.Arg)
		}
	}
	return "<no instruction>"
}

func (c *Code) argRepr(in Instr) string {
	info := GetOpcodeInfo(in.Op)
	switch {
	case info.Flags&FlagConst != 0:
		if in.Arg < len(c.Consts) {
			return c.Consts[in.Arg].String()
		}
	case info.Flags&FlagName != 0:
		if in.Arg < len(c.Names) {
			return c.Names[in.Arg]
		}
	case info.Flags&FlagLocal != 0:
		if in.Arg < len(c.VarNames) {
			return c.VarNames[in.Arg]
		}
	case info.Flags&FlagFree != 0:
		return c.CellName(in.Arg)
	case info.Flags&FlagCompare != 0:
		if in.Arg < len(CompareOps) {
			return CompareOps[in.Arg]
		}
	case in.Op.IsRelativeJump():
		return fmt.Sprintf("to %d", in.Target())
	case in.Op == IsOp:
		if in.Arg == 1 {
			return "is not"
		}
		return "is"
	case in.Op == ContainsOp:
		if in.Arg == 1 {
			return "not in"
		}
		return "in"
	}
	return ""
}

// InstructionCount returns the number of decoded instructions, not counting
// EXTENDED_ARG prefixes.
func (c *Code) InstructionCount() int {
	instrs, err := decodeInstrs(c)
	if err != nil {
		return 0
	}
	return len(instrs)
}
