package object

import (
	"fmt"
	"sync/atomic"
)

// Object is any value manipulated by the interpreter or by generated code.
//
// Every object carries an explicit reference count. Ownership follows one
// rule: a function that returns an Object hands a new reference to its
// caller, and a function that receives an Object borrows it unless its
// documentation says it steals it.
type Object interface {
	Type() *Type
	header() *Header
}

// Header is embedded in every object and holds its reference count.
type Header struct {
	refs     atomic.Int64
	immortal bool
	dead     atomic.Bool
}

func (h *Header) header() *Header { return h }

// ChildReleaser is implemented by objects that own references to other
// objects. ReleaseChildren runs once, when the object's count reaches zero.
type ChildReleaser interface {
	ReleaseChildren()
}

var (
	allocated   atomic.Int64
	deallocated atomic.Int64
)

// Track initializes a freshly built object with a single reference owned by
// the caller. Types defined outside this package must call it from their
// constructors.
func Track(o Object) {
	h := o.header()
	h.refs.Store(1)
	allocated.Add(1)
}

// Immortalize marks o as never deallocated. Its count is still maintained.
func Immortalize(o Object) Object {
	h := o.header()
	h.immortal = true
	if h.refs.Load() == 0 {
		h.refs.Store(1)
	}
	return o
}

// IsImmortal reports whether o is never deallocated.
func IsImmortal(o Object) bool {
	return o != nil && o.header().immortal
}

// Acquire adds a reference to o and returns it. A nil o is ignored.
func Acquire(o Object) Object {
	if o != nil {
		o.header().refs.Add(1)
	}
	return o
}

// Release drops a reference to o, deallocating it when the count reaches
// zero. A nil o is ignored.
func Release(o Object) {
	if o == nil {
		return
	}
	if DecRef(o) == 0 {
		Dealloc(o)
	}
}

// DecRef drops a reference without deallocating and returns the remaining
// count. Callers that see zero must call Dealloc.
func DecRef(o Object) int64 {
	h := o.header()
	n := h.refs.Add(-1)
	if n < 0 && !h.immortal {
		panic(fmt.Sprintf("object: negative reference count on %s object", o.Type().Name))
	}
	return n
}

// Dealloc releases the references owned by o. Immortal objects are left
// intact.
func Dealloc(o Object) {
	h := o.header()
	if h.immortal {
		return
	}
	if !h.dead.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("object: double free of %s object", o.Type().Name))
	}
	deallocated.Add(1)
	if r, ok := o.(ChildReleaser); ok {
		r.ReleaseChildren()
	}
}

// RefCount returns the current reference count of o.
func RefCount(o Object) int64 {
	if o == nil {
		return 0
	}
	return o.header().refs.Load()
}

// IsDead reports whether o has been deallocated.
func IsDead(o Object) bool {
	return o != nil && o.header().dead.Load()
}

// Stats is a snapshot of allocation counters.
type Stats struct {
	Allocated   int64
	Deallocated int64
}

// Live returns the number of tracked objects that are still alive.
func (s Stats) Live() int64 {
	return s.Allocated - s.Deallocated
}

// ReadStats returns the process-wide allocation counters.
func ReadStats() Stats {
	return Stats{
		Allocated:   allocated.Load(),
		Deallocated: deallocated.Load(),
	}
}

// ReleaseAll releases every object in objs.
func ReleaseAll(objs []Object) {
	for _, o := range objs {
		Release(o)
	}
}

// TypeName returns the type name of o, or "NoneType" for a nil object.
func TypeName(o Object) string {
	if o == nil {
		return "NoneType"
	}
	return o.Type().Name
}
