package object

import (
	"github.com/chazu/kestrel/pkg/bytecode"
)

// List is a mutable sequence.
type List struct {
	Header
	Items []Object
}

func (*List) Type() *Type { return ListType }

// NewList returns a list that steals the references in items.
func NewList(items []Object) *List {
	l := &List{Items: items}
	Track(l)
	return l
}

func (l *List) ReleaseChildren() {
	items := l.Items
	l.Items = nil
	ReleaseAll(items)
}

// Append adds a reference to o at the end of the list.
func (l *List) Append(o Object) {
	l.Items = append(l.Items, Acquire(o))
}

// Tuple is an immutable sequence.
type Tuple struct {
	Header
	Items []Object
}

func (*Tuple) Type() *Type { return TupleType }

// NewTuple returns a tuple that steals the references in items.
func NewTuple(items []Object) *Tuple {
	t := &Tuple{Items: items}
	Track(t)
	return t
}

// NewTupleOf returns a tuple holding new references to items.
func NewTupleOf(items ...Object) *Tuple {
	owned := make([]Object, len(items))
	for i, o := range items {
		owned[i] = Acquire(o)
	}
	return NewTuple(owned)
}

func (t *Tuple) ReleaseChildren() {
	items := t.Items
	t.Items = nil
	ReleaseAll(items)
}

// Slice is the value built by BUILD_SLICE.
type Slice struct {
	Header
	Start, Stop, Step Object
}

func (*Slice) Type() *Type { return SliceType }

// NewSlice steals start, stop and step. Nil components are stored as None.
func NewSlice(start, stop, step Object) *Slice {
	if start == nil {
		start = NewNone()
	}
	if stop == nil {
		stop = NewNone()
	}
	if step == nil {
		step = NewNone()
	}
	s := &Slice{Start: start, Stop: stop, Step: step}
	Track(s)
	return s
}

func (s *Slice) ReleaseChildren() {
	Release(s.Start)
	Release(s.Stop)
	Release(s.Step)
}

// Range is an arithmetic progression.
type Range struct {
	Header
	Start, Stop, Step int64
}

func (*Range) Type() *Type { return RangeType }

// NewRange returns a range. Step must not be zero.
func NewRange(start, stop, step int64) *Range {
	r := &Range{Start: start, Stop: stop, Step: step}
	Track(r)
	return r
}

// Len returns the number of elements in the range.
func (r *Range) Len() int64 {
	if r.Step > 0 && r.Start < r.Stop {
		return (r.Stop - r.Start + r.Step - 1) / r.Step
	}
	if r.Step < 0 && r.Start > r.Stop {
		return (r.Start - r.Stop - r.Step - 1) / -r.Step
	}
	return 0
}

// Cell holds a variable shared between a function and its closures.
type Cell struct {
	Header
	Ref Object
}

func (*Cell) Type() *Type { return CellType }

// NewCell returns a cell that steals ref, which may be nil.
func NewCell(ref Object) *Cell {
	c := &Cell{Ref: ref}
	Track(c)
	return c
}

func (c *Cell) ReleaseChildren() {
	Release(c.Ref)
	c.Ref = nil
}

// Set replaces the cell contents, stealing ref.
func (c *Cell) Set(ref Object) {
	old := c.Ref
	c.Ref = ref
	Release(old)
}

// CodeObject wraps a code object so it can live in a constant pool.
type CodeObject struct {
	Header
	Code *bytecode.Code
}

func (*CodeObject) Type() *Type { return CodeType }

// NewCodeObject returns a code object.
func NewCodeObject(c *bytecode.Code) *CodeObject {
	co := &CodeObject{Code: c}
	Track(co)
	return co
}

// Function is a user-defined function.
type Function struct {
	Header
	Code       *bytecode.Code
	Globals    *Dict
	Name       string
	Qualname   string
	Defaults   *Tuple
	KwDefaults *Dict
	Closure    *Tuple
}

func (*Function) Type() *Type { return FunctionType }

// NewFunction returns a function named by its code with the given
// qualified name. It acquires globals; defaults, kwDefaults and closure are
// stolen and may be nil.
func NewFunction(code *bytecode.Code, globals *Dict, qualname string, defaults *Tuple, kwDefaults *Dict, closure *Tuple) *Function {
	Acquire(globals)
	f := &Function{
		Code:       code,
		Globals:    globals,
		Name:       code.Name,
		Qualname:   qualname,
		Defaults:   defaults,
		KwDefaults: kwDefaults,
		Closure:    closure,
	}
	Track(f)
	return f
}

func (f *Function) ReleaseChildren() {
	Release(f.Globals)
	if f.Defaults != nil {
		Release(f.Defaults)
	}
	if f.KwDefaults != nil {
		Release(f.KwDefaults)
	}
	if f.Closure != nil {
		Release(f.Closure)
	}
}

// BuiltinFunc implements a builtin. Arguments are borrowed and the result is
// a new reference.
type BuiltinFunc func(args []Object) (Object, error)

// Builtin is a function implemented in Go.
type Builtin struct {
	Header
	Name string
	Fn   BuiltinFunc
}

func (*Builtin) Type() *Type { return BuiltinType }

// NewBuiltin returns an immortal builtin function.
func NewBuiltin(name string, fn BuiltinFunc) *Builtin {
	b := &Builtin{Name: name, Fn: fn}
	Immortalize(b)
	return b
}

// MethodFunc implements a method on a builtin type. self and args are
// borrowed.
type MethodFunc func(self Object, args []Object) (Object, error)

// BoundMethod pairs a receiver with a method implementation.
type BoundMethod struct {
	Header
	Self Object
	Name string
	Fn   MethodFunc
}

func (*BoundMethod) Type() *Type { return MethodType }

// NewBoundMethod acquires self.
func NewBoundMethod(self Object, name string, fn MethodFunc) *BoundMethod {
	m := &BoundMethod{Self: Acquire(self), Name: name, Fn: fn}
	Track(m)
	return m
}

func (m *BoundMethod) ReleaseChildren() {
	Release(m.Self)
}
