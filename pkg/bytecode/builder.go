package bytecode

import (
	"fmt"
)

// Label names an instruction position that jumps can target before it is
// known.
type Label int

type pendingInstr struct {
	op    Opcode
	arg   int
	label Label // -1 when arg is final
	line  int
}

// Builder assembles wordcode. Jump arguments are resolved in Finish, which
// inserts EXTENDED_ARG prefixes wherever an argument outgrows a byte.
type Builder struct {
	code     *Code
	instrs   []pendingInstr
	labels   []int
	consts   map[string]int
	names    map[string]int
	line     int
	finished bool
}

// NewBuilder starts a code object.
func NewBuilder(name, filename string, firstLine int) *Builder {
	return &Builder{
		code: &Code{
			Name:      name,
			Filename:  filename,
			FirstLine: firstLine,
		},
		consts: make(map[string]int),
		names:  make(map[string]int),
		line:   firstLine,
	}
}

// Code returns the code object under construction so callers can fill in
// argument counts, flags and variable tables.
func (b *Builder) Code() *Code { return b.code }

// SetLine sets the source line attributed to subsequent instructions.
func (b *Builder) SetLine(line int) {
	if line > 0 {
		b.line = line
	}
}

// Line returns the current source line.
func (b *Builder) Line() int { return b.line }

// NewLabel allocates an unbound label.
func (b *Builder) NewLabel() Label {
	b.labels = append(b.labels, -1)
	return Label(len(b.labels) - 1)
}

// Bind attaches l to the next emitted instruction.
func (b *Builder) Bind(l Label) {
	b.labels[l] = len(b.instrs)
}

// Emit appends an instruction with a final argument and returns its index.
func (b *Builder) Emit(op Opcode, arg int) int {
	b.instrs = append(b.instrs, pendingInstr{op: op, arg: arg, label: -1, line: b.line})
	return len(b.instrs) - 1
}

// EmitJump appends a jump to l.
func (b *Builder) EmitJump(op Opcode, l Label) int {
	b.instrs = append(b.instrs, pendingInstr{op: op, label: l, line: b.line})
	return len(b.instrs) - 1
}

// Len returns the number of instructions emitted so far.
func (b *Builder) Len() int { return len(b.instrs) }

// LastOp returns the most recently emitted opcode, or Nop when empty.
func (b *Builder) LastOp() Opcode {
	if len(b.instrs) == 0 {
		return Nop
	}
	return b.instrs[len(b.instrs)-1].op
}

// AddConst adds a constant to the pool and returns its index.
// If the constant already exists, returns the existing index.
func (b *Builder) AddConst(k Constant) int {
	key := k.key()
	if i, ok := b.consts[key]; ok {
		return i
	}
	i := len(b.code.Consts)
	b.code.Consts = append(b.code.Consts, k)
	b.consts[key] = i
	return i
}

// EmitConst emits LOAD_CONST for k.
func (b *Builder) EmitConst(k Constant) int {
	return b.Emit(LoadConst, b.AddConst(k))
}

// AddName interns a global or attribute name.
func (b *Builder) AddName(name string) int {
	if i, ok := b.names[name]; ok {
		return i
	}
	i := len(b.code.Names)
	b.code.Names = append(b.code.Names, name)
	b.names[name] = i
	return i
}

func extWords(arg int) int {
	switch {
	case arg > 0xFFFFFF:
		return 3
	case arg > 0xFFFF:
		return 2
	case arg > 0xFF:
		return 1
	}
	return 0
}

// Finish resolves labels, encodes the instructions and computes the line
// table and stack size.
func (b *Builder) Finish() (*Code, error) {
	if b.finished {
		return b.code, nil
	}
	for i, at := range b.labels {
		if at < 0 {
			for _, in := range b.instrs {
				if in.label == Label(i) {
					return nil, fmt.Errorf("bytecode: %s: jump to unbound label %d", b.code.Name, i)
				}
			}
		}
	}

	n := len(b.instrs)
	words := make([]int, n)
	args := make([]int, n)
	offsets := make([]int, n+1)
	for i, in := range b.instrs {
		args[i] = in.arg
		words[i] = 1 + extWords(in.arg)
	}
	for {
		off := 0
		for i := range b.instrs {
			offsets[i] = off
			off += 2 * words[i]
		}
		offsets[n] = off

		changed := false
		for i, in := range b.instrs {
			if in.label < 0 {
				continue
			}
			target := offsets[b.labels[in.label]]
			arg := target
			if in.op.IsRelativeJump() {
				arg = target - (offsets[i] + 2*words[i])
				if arg < 0 {
					return nil, fmt.Errorf("bytecode: %s: %s cannot jump backwards", b.code.Name, in.op)
				}
			}
			args[i] = arg
			if w := 1 + extWords(arg); w > words[i] {
				words[i] = w
				changed = true
			}
		}
		if !changed {
			break
		}
	}

	code := make([]byte, 0, offsets[n])
	var lines []LineEntry
	prevLine := -1
	for i, in := range b.instrs {
		if in.line != prevLine {
			lines = append(lines, LineEntry{Offset: offsets[i], Line: in.line})
			prevLine = in.line
		}
		arg := args[i]
		if arg < 0 {
			return nil, fmt.Errorf("bytecode: %s: negative argument %d for %s", b.code.Name, arg, in.op)
		}
		for k := words[i] - 1; k > 0; k-- {
			code = append(code, byte(ExtendedArg), byte(arg>>(8*k)))
		}
		code = append(code, byte(in.op), byte(arg))
	}
	b.code.Instructions = code
	b.code.LineTable = lines
	if b.code.NumCells() == 0 {
		b.code.Flags |= FlagNoFree
	}

	d, err := Decode(b.code)
	if err != nil {
		return nil, err
	}
	b.code.StackSize = d.MaxDepth
	b.finished = true
	return b.code, nil
}
