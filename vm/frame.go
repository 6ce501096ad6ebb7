package vm

import (
	"math/big"
	"sync"

	"github.com/chazu/kestrel/object"
	"github.com/chazu/kestrel/pkg/bytecode"
)

// ---------------------------------------------------------------------------
// Frame: execution state of one code object invocation
// ---------------------------------------------------------------------------

// Block is an entry of a frame's runtime block stack.
type Block struct {
	Kind    bytecode.BlockKind
	Handler int // Handler offset of a BlockFinally entry
	Level   int // Operand stack depth to unwind to
}

// Frame holds the locals, cells and operand stack of one invocation. The
// frame owns a reference to every object in Locals, Cells and Stack[:SP].
type Frame struct {
	Code     *bytecode.Code
	Func     *object.Function // nil for module code
	Globals  *object.Dict
	Builtins *object.Dict
	Consts   []object.Object // borrowed from the code's constant pool

	Locals []object.Object
	Cells  []*object.Cell

	Stack []object.Object
	SP    int

	IP     int // Offset of the next instruction
	LastIP int // Offset of the instruction being executed, -1 before the first
	Line   int

	Back *Frame

	blocks   []Block
	excStack []*object.Exception
	gen      *Generator
	started  bool
	yielded  bool
	resume   any // Set by generated code that suspended the frame
}

// NewFrame returns a frame for code. It acquires globals and fn, which may
// be nil for module code.
func (th *Thread) NewFrame(code *bytecode.Code, globals *object.Dict, fn *object.Function) *Frame {
	f := &Frame{
		Code:     code,
		Func:     fn,
		Globals:  globals,
		Builtins: th.interp.Builtins,
		Consts:   Consts(code),
		Locals:   make([]object.Object, code.NumLocals()),
		Cells:    make([]*object.Cell, code.NumCells()),
		Stack:    make([]object.Object, code.StackSize+1),
		LastIP:   -1,
		Line:     code.FirstLine,
	}
	object.Acquire(globals)
	if fn != nil {
		object.Acquire(fn)
	}
	return f
}

// Push pushes a reference the frame takes ownership of.
func (f *Frame) Push(o object.Object) {
	f.Stack[f.SP] = o
	f.SP++
}

// Pop removes the top of stack and hands its reference to the caller.
func (f *Frame) Pop() object.Object {
	f.SP--
	o := f.Stack[f.SP]
	f.Stack[f.SP] = nil
	return o
}

// Top returns a borrowed reference to the top of stack.
func (f *Frame) Top() object.Object { return f.Stack[f.SP-1] }

// Peek returns a borrowed reference to stack[-n].
func (f *Frame) Peek(n int) object.Object { return f.Stack[f.SP-n] }

// SetTop replaces the top of stack, stealing o and releasing the old value.
func (f *Frame) SetTop(o object.Object) {
	old := f.Stack[f.SP-1]
	f.Stack[f.SP-1] = o
	object.Release(old)
}

// popTo releases stack values down to level.
func (f *Frame) popTo(level int) {
	for f.SP > level {
		object.Release(f.Pop())
	}
}

// Name returns the name of the executing code.
func (f *Frame) Name() string { return f.Code.Name }

// Generator returns the generator running the frame, or nil.
func (f *Frame) Generator() *Generator { return f.gen }

// Started reports whether the frame has begun executing. A started
// generator frame resumes where it last yielded.
func (f *Frame) Started() bool { return f.started }

// Suspended reports whether the frame is leaving at a yield.
func (f *Frame) Suspended() bool { return f.yielded }

// Suspend marks the frame as leaving at a yield on behalf of generated
// code. The operand stack must already hold the values live across the
// yield; state is returned by ResumeState when the generator resumes.
func (f *Frame) Suspend(state any) {
	f.started = true
	f.yielded = true
	f.resume = state
}

// ResumeState returns the state passed to Suspend, or nil when the frame
// was suspended by the interpreter or never suspended.
func (f *Frame) ResumeState() any { return f.resume }

// ClearResumeState drops the state passed to Suspend.
func (f *Frame) ClearResumeState() { f.resume = nil }

// Release drops every reference the frame owns. The frame must not be
// evaluated again.
func (f *Frame) Release() {
	f.popTo(0)
	for i, o := range f.Locals {
		if o != nil {
			object.Release(o)
			f.Locals[i] = nil
		}
	}
	for i, c := range f.Cells {
		if c != nil {
			object.Release(c)
			f.Cells[i] = nil
		}
	}
	for _, exc := range f.excStack {
		if exc != nil {
			object.Release(exc)
		}
	}
	f.excStack = nil
	f.blocks = nil
	f.resume = nil
	if f.Globals != nil {
		object.Release(f.Globals)
		f.Globals = nil
	}
	if f.Func != nil {
		object.Release(f.Func)
		f.Func = nil
	}
}

// LineNumber returns the source line of the instruction being executed.
func (f *Frame) LineNumber() int {
	if f.LastIP < 0 {
		return f.Code.FirstLine
	}
	return f.Code.Line(f.LastIP)
}

// ---------------------------------------------------------------------------
// Constant pools
// ---------------------------------------------------------------------------

var constPools sync.Map // *bytecode.Code -> []object.Object

// Consts returns the materialized constant pool of code. The objects are
// immortal and shared by every frame of the code.
func Consts(code *bytecode.Code) []object.Object {
	if v, ok := constPools.Load(code); ok {
		return v.([]object.Object)
	}
	pool := make([]object.Object, len(code.Consts))
	for i, k := range code.Consts {
		pool[i] = object.Immortalize(constant(k))
	}
	v, _ := constPools.LoadOrStore(code, pool)
	return v.([]object.Object)
}

// constant converts a pool entry into a new object.
func constant(k bytecode.Constant) object.Object {
	switch k.Kind {
	case bytecode.ConstNone:
		return object.NewNone()
	case bytecode.ConstBool:
		return object.NewBool(k.Bool)
	case bytecode.ConstInt:
		return object.NewInt(k.Int)
	case bytecode.ConstBigInt:
		v, ok := new(big.Int).SetString(k.Big, 10)
		if !ok {
			v = new(big.Int)
		}
		return object.NewBigInt(v)
	case bytecode.ConstFloat:
		return object.NewFloat(k.Float)
	case bytecode.ConstStr:
		return object.NewStr(k.Str)
	case bytecode.ConstTuple:
		items := make([]object.Object, len(k.Tuple))
		for i, item := range k.Tuple {
			items[i] = constant(item)
		}
		return object.NewTuple(items)
	case bytecode.ConstCode:
		return object.NewCodeObject(k.Code)
	}
	return object.NewNone()
}
