package vm

import (
	"github.com/chazu/kestrel/object"
	"github.com/chazu/kestrel/pkg/bytecode"
)

// TraceEvent identifies why a trace or profile function was called.
type TraceEvent int

const (
	TraceCall TraceEvent = iota
	TraceLine
	TraceReturn
	TraceException
)

var traceEventNames = [...]string{"call", "line", "return", "exception"}

func (e TraceEvent) String() string {
	if int(e) < len(traceEventNames) {
		return traceEventNames[e]
	}
	return "unknown"
}

// TraceFunc observes frame execution. arg is the return value for
// TraceReturn, the exception for TraceException and nil otherwise; it is
// borrowed. An error aborts the frame.
type TraceFunc func(f *Frame, event TraceEvent, arg object.Object) error

// ---------------------------------------------------------------------------
// Thread: per-goroutine execution state
// ---------------------------------------------------------------------------

// Thread is the execution state of one goroutine: its frame chain, call
// depth, the exception being handled and its hooks. A Thread must not be
// used by two goroutines at once.
type Thread struct {
	interp *Interpreter
	main   bool

	depth   int
	frame   *Frame
	handled *object.Exception

	trace          TraceFunc
	profile        TraceFunc
	inHook         bool
	runningPending bool
}

// Interpreter returns the interpreter th belongs to.
func (th *Thread) Interpreter() *Interpreter { return th.interp }

// IsMain reports whether th is the main thread.
func (th *Thread) IsMain() bool { return th.main }

// Depth returns the number of frames being evaluated.
func (th *Thread) Depth() int { return th.depth }

// Frame returns the innermost executing frame, or nil.
func (th *Thread) Frame() *Frame { return th.frame }

// Handled returns a borrowed reference to the exception being handled.
func (th *Thread) Handled() *object.Exception { return th.handled }

// SetTrace installs a line-level trace function; nil removes it.
func (th *Thread) SetTrace(fn TraceFunc) { th.trace = fn }

// SetProfile installs a call-level profile function; nil removes it.
func (th *Thread) SetProfile(fn TraceFunc) { th.profile = fn }

// Tracing reports whether a trace function is installed.
func (th *Thread) Tracing() bool { return th.trace != nil }

// Profiling reports whether a profile function is installed.
func (th *Thread) Profiling() bool { return th.profile != nil }

// EvalFrame evaluates f through the installed hook, or generically when
// none is installed. It enforces the recursion limit, delivers pending
// calls on entry and maintains the frame chain.
func (th *Thread) EvalFrame(f *Frame) (object.Object, error) {
	if th.depth >= th.interp.RecursionLimit() {
		return nil, object.Errorf(object.RecursionErrorType, "maximum recursion depth exceeded")
	}
	th.depth++
	f.Back = th.frame
	th.frame = f
	defer func() {
		th.frame = f.Back
		th.depth--
	}()
	if err := th.MakePendingCalls(); err != nil {
		return nil, err
	}
	if hook := th.interp.EvalFrame(); hook != nil {
		return hook(th, f)
	}
	return th.EvalFrameDefault(f)
}

// Exec runs module code in globals.
func (th *Thread) Exec(code *bytecode.Code, globals *object.Dict) (object.Object, error) {
	f := th.NewFrame(code, globals, nil)
	defer f.Release()
	return th.EvalFrame(f)
}

// ---------------------------------------------------------------------------
// Exception state
// ---------------------------------------------------------------------------

// EnterHandler makes exc the handled exception for the duration of a
// handler body in f, saving the previous one. exc is borrowed.
func (th *Thread) EnterHandler(f *Frame, exc *object.Exception) {
	f.excStack = append(f.excStack, th.handled)
	th.handled = object.Acquire(exc).(*object.Exception)
}

// PopExcept leaves the innermost handler body of f, restoring the
// previously handled exception.
func (th *Thread) PopExcept(f *Frame) {
	n := len(f.excStack)
	if n == 0 {
		return
	}
	cur := th.handled
	th.handled = f.excStack[n-1]
	f.excStack = f.excStack[:n-1]
	if cur != nil {
		object.Release(cur)
	}
}

// UnwindHandlers leaves handler bodies of f until depth remain.
func (th *Thread) UnwindHandlers(f *Frame, depth int) {
	for len(f.excStack) > depth {
		th.PopExcept(f)
	}
}

// HandlerDepth returns how many handler bodies of f are active.
func (f *Frame) HandlerDepth() int { return len(f.excStack) }

// Reraise returns the handled exception as a new error, or a
// RuntimeError when nothing is being handled.
func (th *Thread) Reraise() error {
	if th.handled == nil {
		return object.Errorf(object.RuntimeErrorType, "No active exception to reraise")
	}
	return object.Acquire(th.handled).(*object.Exception)
}

// ---------------------------------------------------------------------------
// Hooks
// ---------------------------------------------------------------------------

// CallTrace reports event to the trace function.
func (th *Thread) CallTrace(f *Frame, event TraceEvent, arg object.Object) error {
	if th.trace == nil || th.inHook {
		return nil
	}
	th.inHook = true
	defer func() { th.inHook = false }()
	return th.trace(f, event, arg)
}

// CallProfile reports event to the profile function.
func (th *Thread) CallProfile(f *Frame, event TraceEvent, arg object.Object) error {
	if th.profile == nil || th.inHook {
		return nil
	}
	th.inHook = true
	defer func() { th.inHook = false }()
	return th.profile(f, event, arg)
}
