package vm

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/tliron/commonlog"

	"github.com/chazu/kestrel/object"
	"github.com/chazu/kestrel/pkg/bytecode"
)

var log = commonlog.GetLogger("kestrel.vm")

// DefaultRecursionLimit is the frame depth at which calls raise
// RecursionError.
const DefaultRecursionLimit = 1000

// ErrInvalidRecursionLimit is returned by SetRecursionLimit for values below 1.
var ErrInvalidRecursionLimit = errors.New("vm: recursion limit must be at least 1")

// EvalFrameFunc evaluates a frame to completion and returns a new reference
// to its result. A JIT installs one with SetEvalFrame to intercept every
// function entry; it may delegate to Thread.EvalFrameDefault.
type EvalFrameFunc func(th *Thread, f *Frame) (object.Object, error)

// ---------------------------------------------------------------------------
// Interpreter: shared state of one host runtime
// ---------------------------------------------------------------------------

// Interpreter holds the state shared by all threads: builtins, the
// eval-frame hook, the recursion limit and the pending-call queue.
type Interpreter struct {
	Builtins *object.Dict
	Stdout   io.Writer

	hook           atomic.Pointer[EvalFrameFunc]
	recursionLimit atomic.Int64

	pendingMu   sync.Mutex
	pending     []PendingCall
	hasPending  atomic.Bool
	maxPending  int
	pendingRuns atomic.Int64

	main *Thread
}

// Option configures an Interpreter.
type Option func(*Interpreter)

// WithStdout directs print output to w.
func WithStdout(w io.Writer) Option {
	return func(in *Interpreter) { in.Stdout = w }
}

// WithRecursionLimit sets the initial recursion limit.
func WithRecursionLimit(n int) Option {
	return func(in *Interpreter) {
		if n > 0 {
			in.recursionLimit.Store(int64(n))
		}
	}
}

// WithMaxPendingCalls bounds the pending-call queue.
func WithMaxPendingCalls(n int) Option {
	return func(in *Interpreter) {
		if n > 0 {
			in.maxPending = n
		}
	}
}

// New creates an interpreter with the standard builtins.
func New(opts ...Option) *Interpreter {
	in := &Interpreter{
		Stdout:     os.Stdout,
		maxPending: DefaultMaxPendingCalls,
	}
	in.recursionLimit.Store(DefaultRecursionLimit)
	for _, opt := range opts {
		opt(in)
	}
	in.Builtins = in.newBuiltins()
	in.main = &Thread{interp: in, main: true}
	return in
}

// Main returns the main thread, the only one that runs pending calls.
func (in *Interpreter) Main() *Thread { return in.main }

// NewThread returns a thread for use by another goroutine.
func (in *Interpreter) NewThread() *Thread {
	return &Thread{interp: in}
}

// SetEvalFrame installs fn as the eval-frame hook and returns the hook it
// replaced. A nil fn restores generic evaluation.
func (in *Interpreter) SetEvalFrame(fn EvalFrameFunc) EvalFrameFunc {
	var old *EvalFrameFunc
	if fn == nil {
		old = in.hook.Swap(nil)
		log.Debugf("eval-frame hook removed")
	} else {
		old = in.hook.Swap(&fn)
		log.Debugf("eval-frame hook installed")
	}
	if old == nil {
		return nil
	}
	return *old
}

// EvalFrame returns the installed eval-frame hook, or nil.
func (in *Interpreter) EvalFrame() EvalFrameFunc {
	if p := in.hook.Load(); p != nil {
		return *p
	}
	return nil
}

// RecursionLimit returns the current recursion limit.
func (in *Interpreter) RecursionLimit() int {
	return int(in.recursionLimit.Load())
}

// SetRecursionLimit changes the recursion limit.
func (in *Interpreter) SetRecursionLimit(n int) error {
	if n < 1 {
		return ErrInvalidRecursionLimit
	}
	in.recursionLimit.Store(int64(n))
	log.Debugf("recursion limit set to %d", n)
	return nil
}

// NewGlobals returns a module namespace with __name__ set.
func (in *Interpreter) NewGlobals(name string) *object.Dict {
	g := object.NewDict()
	s := object.NewStr(name)
	g.SetString("__name__", s)
	object.Release(s)
	return g
}

// Exec runs module code in globals on the main thread.
func (in *Interpreter) Exec(code *bytecode.Code, globals *object.Dict) (object.Object, error) {
	return in.main.Exec(code, globals)
}

// Call calls fn with positional arguments on the main thread.
func (in *Interpreter) Call(fn object.Object, args ...object.Object) (object.Object, error) {
	return in.main.Call(fn, args, nil)
}

// Lookup returns a borrowed reference to the global name in globals,
// falling back to the builtins.
func (in *Interpreter) Lookup(globals *object.Dict, name string) object.Object {
	if v := globals.LookupString(name); v != nil {
		return v
	}
	return in.Builtins.LookupString(name)
}

// Function returns the function bound to name in globals.
func (in *Interpreter) Function(globals *object.Dict, name string) (*object.Function, error) {
	v := globals.LookupString(name)
	if v == nil {
		return nil, fmt.Errorf("vm: no global named %q", name)
	}
	fn, ok := v.(*object.Function)
	if !ok {
		return nil, fmt.Errorf("vm: %q is a %s, not a function", name, v.Type().Name)
	}
	return fn, nil
}
