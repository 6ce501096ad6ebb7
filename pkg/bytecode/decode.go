package bytecode

import (
	"fmt"
	"sort"
)

// Instr is one decoded instruction with its EXTENDED_ARG prefixes folded
// into Arg.
type Instr struct {
	Offset     int // Byte offset of the first word, prefixes included
	Op         Opcode
	Arg        int
	Line       int
	LineStart  bool
	JumpTarget bool
	Size       int // Bytes, prefixes included
}

// Next returns the offset of the following instruction.
func (in Instr) Next() int { return in.Offset + in.Size }

// Target returns the jump destination of a jump instruction.
func (in Instr) Target() int {
	if in.Op.IsRelativeJump() {
		return in.Next() + in.Arg
	}
	return in.Arg
}

// BlockKind distinguishes entries of the static block stack.
type BlockKind uint8

const (
	// BlockFinally is pushed by SETUP_FINALLY and popped by POP_BLOCK.
	BlockFinally BlockKind = iota + 1

	// BlockExceptHandler is live while a handler body runs and is popped
	// by POP_EXCEPT.
	BlockExceptHandler
)

// HandlerEntry is one entry of the static block stack.
type HandlerEntry struct {
	Kind   BlockKind
	Target int // Handler offset for BlockFinally
	Level  int // Operand stack depth to unwind to
}

// Block is a basic block: a maximal run of instructions entered only at
// its first instruction.
type Block struct {
	Index   int
	First   int   // Index of the first instruction
	Last    int   // Index of the last instruction
	Succs   []int // Normal successors (fall-through and jump edges)
	Handler int   // Block receiving exceptions raised here, or -1
	Loop    bool  // Target of a backward jump
}

// StackEffectError reports an instruction reached with two different stack
// depths or block stacks.
type StackEffectError struct {
	Code   string
	Offset int
	Want   int
	Got    int
}

func (e *StackEffectError) Error() string {
	return fmt.Sprintf("bytecode: %s: inconsistent stack depth at offset %d: %d vs %d", e.Code, e.Offset, e.Want, e.Got)
}

// Decoded is the front-end view of a code object used by the interpreter's
// tooling and the JIT: instructions, control-flow graph, stack depths and
// exception handler ranges.
type Decoded struct {
	Code     *Code
	Instrs   []Instr
	Blocks   []*Block
	Depth    []int            // Stack depth before each instruction, -1 if unreachable
	Handlers [][]HandlerEntry // Static block stack before each instruction
	MaxDepth int
	Yields   []int // Instruction indices of YIELD_VALUE

	byOffset map[int]int
	blockOf  []int
}

// Decode decodes c and runs the stack depth analysis.
func Decode(c *Code) (*Decoded, error) {
	instrs, err := decodeInstrs(c)
	if err != nil {
		return nil, err
	}
	d := &Decoded{
		Code:     c,
		Instrs:   instrs,
		byOffset: make(map[int]int, len(instrs)),
	}
	for i, in := range instrs {
		d.byOffset[in.Offset] = i
	}
	for _, in := range instrs {
		if in.Op.IsJump() {
			t, ok := d.byOffset[in.Target()]
			if !ok {
				return nil, fmt.Errorf("bytecode: %s: %s at %d jumps to %d, not an instruction", c.Name, in.Op, in.Offset, in.Target())
			}
			d.Instrs[t].JumpTarget = true
		}
		if in.Op == YieldValue {
			d.Yields = append(d.Yields, d.byOffset[in.Offset])
		}
	}
	if err := d.analyzeStack(); err != nil {
		return nil, err
	}
	d.buildBlocks()
	return d, nil
}

func decodeInstrs(c *Code) ([]Instr, error) {
	code := c.Instructions
	if len(code)%2 != 0 {
		return nil, fmt.Errorf("bytecode: %s: odd instruction length %d", c.Name, len(code))
	}
	var out []Instr
	start, ext := 0, 0
	for off := 0; off < len(code); off += 2 {
		op := Opcode(code[off])
		arg := ext<<8 | int(code[off+1])
		if !op.Valid() {
			return nil, fmt.Errorf("bytecode: %s: unknown opcode %d at offset %d", c.Name, byte(op), off)
		}
		if op == ExtendedArg {
			ext = arg
			continue
		}
		if !op.HasArg() {
			arg = 0
		}
		out = append(out, Instr{
			Offset:    start,
			Op:        op,
			Arg:       arg,
			Line:      c.Line(start),
			LineStart: c.IsLineStart(start),
			Size:      off + 2 - start,
		})
		start, ext = off+2, 0
	}
	if start != len(code) {
		return nil, fmt.Errorf("bytecode: %s: dangling EXTENDED_ARG", c.Name)
	}
	return out, nil
}

type flowState struct {
	depth    int
	handlers []HandlerEntry
}

func (d *Decoded) analyzeStack() error {
	n := len(d.Instrs)
	d.Depth = make([]int, n)
	d.Handlers = make([][]HandlerEntry, n)
	for i := range d.Depth {
		d.Depth[i] = -1
	}
	if n == 0 {
		return nil
	}
	var work []int
	visit := func(i int, st flowState) error {
		if i >= n {
			return fmt.Errorf("bytecode: %s: execution falls off the end of the code", d.Code.Name)
		}
		if d.Depth[i] >= 0 {
			if d.Depth[i] != st.depth || len(d.Handlers[i]) != len(st.handlers) {
				return &StackEffectError{Code: d.Code.Name, Offset: d.Instrs[i].Offset, Want: d.Depth[i], Got: st.depth}
			}
			return nil
		}
		d.Depth[i] = st.depth
		d.Handlers[i] = st.handlers
		if st.depth > d.MaxDepth {
			d.MaxDepth = st.depth
		}
		work = append(work, i)
		return nil
	}
	if err := visit(0, flowState{}); err != nil {
		return err
	}
	for len(work) > 0 {
		i := work[len(work)-1]
		work = work[:len(work)-1]
		in := d.Instrs[i]
		st := flowState{depth: d.Depth[i], handlers: d.Handlers[i]}

		if hasNonJumpPath(in.Op) {
			eff, err := StackEffect(in.Op, in.Arg, false)
			if err != nil {
				return err
			}
			next := flowState{depth: st.depth + eff, handlers: st.handlers}
			if next.depth < 0 {
				return fmt.Errorf("bytecode: %s: stack underflow at offset %d (%s)", d.Code.Name, in.Offset, in.Op)
			}
			switch in.Op {
			case SetupFinally:
				next.handlers = pushHandler(st.handlers, HandlerEntry{Kind: BlockFinally, Target: in.Target(), Level: st.depth})
			case PopBlock:
				if len(st.handlers) == 0 || st.handlers[len(st.handlers)-1].Kind != BlockFinally {
					return fmt.Errorf("bytecode: %s: POP_BLOCK without SETUP_FINALLY at offset %d", d.Code.Name, in.Offset)
				}
				next.handlers = st.handlers[:len(st.handlers)-1]
			case PopExcept:
				if len(st.handlers) == 0 || st.handlers[len(st.handlers)-1].Kind != BlockExceptHandler {
					return fmt.Errorf("bytecode: %s: POP_EXCEPT outside a handler at offset %d", d.Code.Name, in.Offset)
				}
				next.handlers = st.handlers[:len(st.handlers)-1]
			}
			if next.depth > d.MaxDepth {
				d.MaxDepth = next.depth
			}
			if err := visit(i+1, next); err != nil {
				return err
			}
		}
		if in.Op.IsJump() {
			eff, err := StackEffect(in.Op, in.Arg, true)
			if err != nil {
				return err
			}
			next := flowState{depth: st.depth + eff, handlers: st.handlers}
			if in.Op == SetupFinally {
				next.handlers = pushHandler(st.handlers, HandlerEntry{Kind: BlockExceptHandler, Level: st.depth})
			}
			if err := visit(d.byOffset[in.Target()], next); err != nil {
				return err
			}
		}
	}
	return nil
}

func hasNonJumpPath(op Opcode) bool {
	if op.IsTerminal() {
		return false
	}
	return !op.IsJump() || op.IsConditional()
}

func pushHandler(stack []HandlerEntry, e HandlerEntry) []HandlerEntry {
	out := make([]HandlerEntry, len(stack)+1)
	copy(out, stack)
	out[len(stack)] = e
	return out
}

func (d *Decoded) buildBlocks() {
	n := len(d.Instrs)
	if n == 0 {
		return
	}
	leader := make([]bool, n)
	leader[0] = true
	for i, in := range d.Instrs {
		if in.JumpTarget {
			leader[i] = true
		}
		if (in.Op.IsJump() || in.Op.IsTerminal() || in.Op == SetupFinally || in.Op == PopBlock || in.Op == PopExcept) && i+1 < n {
			leader[i+1] = true
		}
	}
	d.blockOf = make([]int, n)
	for i := 0; i < n; i++ {
		if leader[i] {
			d.Blocks = append(d.Blocks, &Block{Index: len(d.Blocks), First: i, Handler: -1})
		}
		b := d.Blocks[len(d.Blocks)-1]
		b.Last = i
		d.blockOf[i] = b.Index
	}
	for _, b := range d.Blocks {
		last := d.Instrs[b.Last]
		if hasNonJumpPath(last.Op) && b.Last+1 < n {
			b.Succs = append(b.Succs, d.blockOf[b.Last+1])
		}
		if last.Op.IsJump() {
			t := d.blockOf[d.byOffset[last.Target()]]
			b.Succs = appendUnique(b.Succs, t)
			if last.Target() <= last.Offset {
				d.Blocks[t].Loop = true
			}
		}
		if hs := d.Handlers[b.First]; len(hs) > 0 {
			for k := len(hs) - 1; k >= 0; k-- {
				if hs[k].Kind == BlockFinally {
					b.Handler = d.blockOf[d.byOffset[hs[k].Target]]
					break
				}
			}
		}
	}
}

func appendUnique(s []int, v int) []int {
	for _, x := range s {
		if x == v {
			return s
		}
	}
	return append(s, v)
}

// Index returns the instruction index at offset.
func (d *Decoded) Index(offset int) (int, bool) {
	i, ok := d.byOffset[offset]
	return i, ok
}

// BlockOf returns the basic block containing instruction i.
func (d *Decoded) BlockOf(i int) *Block {
	return d.Blocks[d.blockOf[i]]
}

// Reachable reports whether instruction i can execute.
func (d *Decoded) Reachable(i int) bool { return d.Depth[i] >= 0 }

// Handler returns the innermost SETUP_FINALLY entry active before
// instruction i.
func (d *Decoded) Handler(i int) (HandlerEntry, bool) {
	hs := d.Handlers[i]
	for k := len(hs) - 1; k >= 0; k-- {
		if hs[k].Kind == BlockFinally {
			return hs[k], true
		}
	}
	return HandlerEntry{}, false
}

// ExceptDepth returns how many handler bodies enclose instruction i.
func (d *Decoded) ExceptDepth(i int) int {
	n := 0
	for _, h := range d.Handlers[i] {
		if h.Kind == BlockExceptHandler {
			n++
		}
	}
	return n
}

// BackwardJumps returns the indices of jumps whose target precedes them.
func (d *Decoded) BackwardJumps() []int {
	var out []int
	for i, in := range d.Instrs {
		if in.Op.IsJump() && in.Target() <= in.Offset {
			out = append(out, i)
		}
	}
	return out
}

// LineStarts returns the offsets that begin a source line, ascending.
func (d *Decoded) LineStarts() []int {
	var out []int
	for _, in := range d.Instrs {
		if in.LineStart {
			out = append(out, in.Offset)
		}
	}
	sort.Ints(out)
	return out
}
