package il

import (
	"fmt"

	"github.com/chazu/kestrel/object"
	"github.com/chazu/kestrel/pkg/bytecode"
)

// ---------------------------------------------------------------------------
// Method: a generated IL body
// ---------------------------------------------------------------------------

// Instr is one IL instruction.
type Instr struct {
	Op Opcode

	// Operand is the immediate, local index, token or object table index.
	// For branches it is the index of the target instruction.
	Operand int64

	Offset int // IL byte offset
	Source int // Bytecode offset this instruction implements, -1 for prologue code
	Clause int // Handler clause receiving failures raised here, -1 for none

	// Live is the number of operand slots owning a reference while a helper
	// at this instruction runs. Failures release slots above the clause
	// level up to Live.
	Live int
}

// Clause is an exception handler of a method. A failure inside a covered
// instruction releases the operand slots down to Level, leaves handler
// bodies until ExceptDepth remain, stores the exception in slot Level and
// continues at Handler.
type Clause struct {
	Handler     int // Instruction index
	Level       int
	ExceptDepth int
}

// Method is an immutable generated method. Locals below NumFrameLocals
// alias the frame's fast locals; the next NumSlots locals hold the operand
// stack of the bytecode and the rest are scratch temporaries.
type Method struct {
	Name    string
	Code    *bytecode.Code
	Instrs  []Instr
	Clauses []Clause
	Objects []object.Object // ldsfld table, borrowed

	NumFrameLocals int
	NumSlots       int
	NumTemps       int
	MaxStack       int
	Size           int // Encoded body size in bytes

	Tracing   bool
	Profiling bool

	// RaiseHook, when non-zero, is called with each exception raised in
	// the method before handler dispatch. It borrows the exception.
	RaiseHook Token
}

// Tokens returns the helper tokens the method references, in first-use
// order. This is the method's token table.
func (m *Method) Tokens() []Token {
	seen := make(map[Token]bool)
	var out []Token
	add := func(t Token) {
		if t != 0 && !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	for _, in := range m.Instrs {
		if in.Op == Call {
			add(Token(in.Operand))
		}
	}
	add(m.RaiseHook)
	return out
}

// Uses reports whether the method calls the helper named name.
func (m *Method) Uses(name string) bool {
	for _, t := range m.Tokens() {
		if t.String() == name {
			return true
		}
	}
	return false
}

// SlotLocal returns the local index holding operand slot d.
func (m *Method) SlotLocal(d int) int { return m.NumFrameLocals + d }

// ---------------------------------------------------------------------------
// Builder
// ---------------------------------------------------------------------------

// Label marks a branch destination.
type Label int

// Builder assembles a Method. Emit calls append instructions tagged with the
// current source offset, clause and live count.
type Builder struct {
	m       *Method
	labels  []int // Instruction index, -1 while unbound
	source  int
	clause  int
	live    int
	objects map[object.Object]int

	clauseLabels map[int]Label
}

// NewBuilder starts a method for code with nslots operand slots.
func NewBuilder(name string, code *bytecode.Code, nslots int) *Builder {
	m := &Method{Name: name, Code: code, NumSlots: nslots}
	if code != nil {
		m.NumFrameLocals = code.NumLocals()
	}
	return &Builder{m: m, source: -1, clause: -1, objects: map[object.Object]int{}, clauseLabels: map[int]Label{}}
}

// Method returns the method under construction.
func (b *Builder) Method() *Method { return b.m }

// SetSource tags subsequent instructions with a bytecode offset.
func (b *Builder) SetSource(offset int) { b.source = offset }

// SetClause tags subsequent instructions with a handler clause.
func (b *Builder) SetClause(c int) { b.clause = c }

// Clause returns the current clause tag.
func (b *Builder) Clause() int { return b.clause }

// SetLive records how many operand slots own references from here on.
func (b *Builder) SetLive(n int) { b.live = n }

// AddClause registers a handler clause and returns its index.
func (b *Builder) AddClause(c Clause) int {
	b.m.Clauses = append(b.m.Clauses, c)
	return len(b.m.Clauses) - 1
}

// SetClauseHandler makes clause c continue at l once l is bound.
func (b *Builder) SetClauseHandler(c int, l Label) { b.clauseLabels[c] = l }

// AddObject adds o to the method's object table, reusing an existing entry.
func (b *Builder) AddObject(o object.Object) int {
	if i, ok := b.objects[o]; ok {
		return i
	}
	b.m.Objects = append(b.m.Objects, o)
	b.objects[o] = len(b.m.Objects) - 1
	return len(b.m.Objects) - 1
}

// Slot returns the local index of operand slot d.
func (b *Builder) Slot(d int) int { return b.m.SlotLocal(d) }

// NewTemp allocates a scratch local.
func (b *Builder) NewTemp() int {
	n := b.m.NumFrameLocals + b.m.NumSlots + b.m.NumTemps
	b.m.NumTemps++
	return n
}

// NewLabel returns an unbound label.
func (b *Builder) NewLabel() Label {
	b.labels = append(b.labels, -1)
	return Label(len(b.labels) - 1)
}

// Mark binds l to the next emitted instruction.
func (b *Builder) Mark(l Label) { b.labels[l] = len(b.m.Instrs) }

func (b *Builder) emit(op Opcode, operand int64) {
	b.m.Instrs = append(b.m.Instrs, Instr{
		Op:      op,
		Operand: operand,
		Source:  b.source,
		Clause:  b.clause,
		Live:    b.live,
	})
}

// Emit appends an instruction without an operand.
func (b *Builder) Emit(op Opcode) { b.emit(op, 0) }

// EmitI4 appends ldc.i4 v.
func (b *Builder) EmitI4(v int32) { b.emit(LdcI4, int64(v)) }

// EmitI8 appends ldc.i8 v.
func (b *Builder) EmitI8(v int64) { b.emit(LdcI8, v) }

// EmitLoad appends ldloc n.
func (b *Builder) EmitLoad(n int) { b.emit(Ldloc, int64(n)) }

// EmitStore appends stloc n.
func (b *Builder) EmitStore(n int) { b.emit(Stloc, int64(n)) }

// EmitField appends ldsfld for object table entry i.
func (b *Builder) EmitField(i int) { b.emit(Ldsfld, int64(i)) }

// EmitCall appends a helper call.
func (b *Builder) EmitCall(tok Token) { b.emit(Call, int64(tok)) }

// EmitBranch appends a branch to l.
func (b *Builder) EmitBranch(op Opcode, l Label) { b.emit(op, int64(l)) }

// Finish resolves labels, lays out byte offsets and verifies the
// evaluation stack.
func (b *Builder) Finish() (*Method, error) {
	m := b.m
	for i := range m.Instrs {
		in := &m.Instrs[i]
		if !in.Op.IsBranch() {
			continue
		}
		target := b.labels[in.Operand]
		if target < 0 {
			return nil, fmt.Errorf("il: %s: branch at %d to unbound label %d", m.Name, i, in.Operand)
		}
		if target >= len(m.Instrs) {
			return nil, fmt.Errorf("il: %s: branch at %d past the end of the method", m.Name, i)
		}
		in.Operand = int64(target)
	}
	for c, l := range b.clauseLabels {
		m.Clauses[c].Handler = b.labels[l]
	}
	for _, c := range m.Clauses {
		if c.Handler < 0 || c.Handler >= len(m.Instrs) {
			return nil, fmt.Errorf("il: %s: handler clause outside the method", m.Name)
		}
	}
	off := 0
	for i := range m.Instrs {
		m.Instrs[i].Offset = off
		off += m.Instrs[i].Op.Size()
	}
	m.Size = off
	if err := verify(m); err != nil {
		return nil, err
	}
	return m, nil
}

// ---------------------------------------------------------------------------
// Stack verification
// ---------------------------------------------------------------------------

// verify checks that every instruction is reached with one evaluation
// stack depth, that no instruction underflows and that ret leaves the
// stack empty. It records MaxStack.
func verify(m *Method) error {
	depth := make([]int, len(m.Instrs))
	for i := range depth {
		depth[i] = -1
	}
	var work []int
	reach := func(i, d int) error {
		if i >= len(m.Instrs) {
			return fmt.Errorf("il: %s: control falls off the end of the method", m.Name)
		}
		if depth[i] < 0 {
			depth[i] = d
			work = append(work, i)
			return nil
		}
		if depth[i] != d {
			return fmt.Errorf("il: %s: IL_%04x reached with stack depth %d and %d", m.Name, m.Instrs[i].Offset, depth[i], d)
		}
		return nil
	}
	if len(m.Instrs) == 0 {
		return fmt.Errorf("il: %s: empty method", m.Name)
	}
	if err := reach(0, 0); err != nil {
		return err
	}
	for _, c := range m.Clauses {
		if err := reach(c.Handler, 0); err != nil {
			return err
		}
	}
	for len(work) > 0 {
		i := work[len(work)-1]
		work = work[:len(work)-1]
		in := m.Instrs[i]
		d := depth[i]
		pop, push, err := effect(m, i)
		if err != nil {
			return err
		}
		if d < pop {
			return fmt.Errorf("il: %s: stack underflow at IL_%04x %s", m.Name, in.Offset, in.Op)
		}
		d += push - pop
		if d > m.MaxStack {
			m.MaxStack = d
		}
		switch {
		case in.Op == Ret:
			if d != 0 {
				return fmt.Errorf("il: %s: ret at IL_%04x leaves %d values", m.Name, in.Offset, d)
			}
		case in.Op == Br:
			if err := reach(int(in.Operand), d); err != nil {
				return err
			}
		case in.Op.IsBranch():
			if err := reach(int(in.Operand), d); err != nil {
				return err
			}
			if err := reach(i+1, d); err != nil {
				return err
			}
		case in.Op == Call && noReturn(in):
		default:
			if err := reach(i+1, d); err != nil {
				return err
			}
		}
	}
	return nil
}

func noReturn(in Instr) bool {
	h, ok := Lookup(Token(in.Operand))
	return ok && h.NoReturn
}

// effect returns how many values instruction i pops and pushes.
func effect(m *Method, i int) (pop, push int, err error) {
	in := m.Instrs[i]
	switch in.Op {
	case Nop:
		return 0, 0, nil
	case Ldnull, LdcI4, LdcI8, Ldloc, Ldsfld:
		return 0, 1, nil
	case Dup:
		return 1, 2, nil
	case Pop, Stloc, RcInc, Brtrue, Brfalse, Ret:
		return 1, 0, nil
	case Br:
		return 0, 0, nil
	case Ceq:
		return 2, 1, nil
	case RcDec:
		return 1, 1, nil
	case Call:
		h, ok := Lookup(Token(in.Operand))
		if !ok {
			return 0, 0, fmt.Errorf("il: %s: call to unregistered token 0x%08X", m.Name, uint32(in.Operand))
		}
		pop = h.Args
		if h.Variadic {
			if i == 0 || m.Instrs[i-1].Op != LdcI4 {
				return 0, 0, fmt.Errorf("il: %s: variadic %s at IL_%04x without a count", m.Name, h.Name, in.Offset)
			}
			pop = 1 + int(m.Instrs[i-1].Operand)
		}
		if h.Returns {
			push = 1
		}
		return pop, push, nil
	}
	return 0, 0, fmt.Errorf("il: %s: invalid opcode %s", m.Name, in.Op)
}
