package vm

import (
	"bytes"
	"fmt"
	"io"
	"runtime"
	"sync/atomic"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/chazu/kestrel/object"
)

// ---------------------------------------------------------------------------
// Eval-frame hook
// ---------------------------------------------------------------------------

func TestEvalFrameHook(t *testing.T) {
	in := New(WithStdout(io.Discard))
	var frames []string
	hook := func(th *Thread, f *Frame) (object.Object, error) {
		frames = append(frames, f.Name())
		return th.EvalFrameDefault(f)
	}
	if old := in.SetEvalFrame(hook); old != nil {
		t.Fatal("fresh interpreter already has a hook")
	}
	if in.EvalFrame() == nil {
		t.Fatal("EvalFrame() = nil after SetEvalFrame")
	}

	globals := in.NewGlobals("__main__")
	defer object.Release(globals)
	r, err := in.Exec(compile(t, "def f(x):\n    return x\nf(1)\nf(2)\n"), globals)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	object.Release(r)
	if got := fmt.Sprint(frames); got != "[<module> f f]" {
		t.Errorf("hooked frames = %s", got)
	}

	if old := in.SetEvalFrame(nil); old == nil {
		t.Error("SetEvalFrame(nil) should return the installed hook")
	}
	if in.EvalFrame() != nil {
		t.Error("hook still installed after SetEvalFrame(nil)")
	}
}

func TestEvalFrameHookSeesGeneratorResumes(t *testing.T) {
	in := New(WithStdout(io.Discard))
	var frames []string
	in.SetEvalFrame(func(th *Thread, f *Frame) (object.Object, error) {
		name := f.Name()
		if f.Generator() != nil && f.Started() {
			name += " resumed"
		}
		frames = append(frames, name)
		return th.EvalFrameDefault(f)
	})
	globals := in.NewGlobals("__main__")
	defer object.Release(globals)
	r, err := in.Exec(compile(t, "def gen():\n    yield 1\n    yield 2\nprint(list(gen()))\n"), globals)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	object.Release(r)
	if got := fmt.Sprint(frames); got != "[<module> gen gen resumed gen resumed]" {
		t.Errorf("hooked frames = %s", got)
	}
}

func TestFrameSuspend(t *testing.T) {
	in := New(WithStdout(io.Discard))
	globals := in.NewGlobals("__main__")
	defer object.Release(globals)
	f := in.Main().NewFrame(compile(t, "x = 1\n"), globals, nil)
	defer f.Release()
	if f.Started() || f.Suspended() || f.ResumeState() != nil {
		t.Fatal("fresh frame is started or suspended")
	}
	f.Suspend(3)
	if !f.Started() || !f.Suspended() || f.ResumeState() != 3 {
		t.Errorf("after Suspend: started=%t suspended=%t state=%v", f.Started(), f.Suspended(), f.ResumeState())
	}
	f.ClearResumeState()
	if f.ResumeState() != nil {
		t.Error("ClearResumeState kept the state")
	}
}

// ---------------------------------------------------------------------------
// Trace and profile hooks
// ---------------------------------------------------------------------------

func TestTraceEvents(t *testing.T) {
	in := New(WithStdout(io.Discard))
	th := in.Main()
	var events []string
	th.SetTrace(func(f *Frame, event TraceEvent, arg object.Object) error {
		if f.Name() != "f" {
			return nil
		}
		switch event {
		case TraceLine:
			events = append(events, fmt.Sprintf("line %d", f.Line))
		case TraceReturn:
			events = append(events, "return "+object.Repr(arg))
		default:
			events = append(events, event.String())
		}
		return nil
	})
	var profiled []string
	th.SetProfile(func(f *Frame, event TraceEvent, arg object.Object) error {
		profiled = append(profiled, event.String()+" "+f.Name())
		return nil
	})

	globals := in.NewGlobals("__main__")
	defer object.Release(globals)
	r, err := in.Exec(compile(t, "def f(x):\n    y = x + 1\n    return y\nf(1)\n"), globals)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	object.Release(r)

	if got := fmt.Sprint(events); got != "[call line 2 line 3 return 2]" {
		t.Errorf("trace events = %s", got)
	}
	if got := fmt.Sprint(profiled); got != "[call <module> call f return f return <module>]" {
		t.Errorf("profile events = %s", got)
	}
	if !th.Tracing() || !th.Profiling() {
		t.Error("hooks should be reported as installed")
	}
	th.SetTrace(nil)
	th.SetProfile(nil)
	if th.Tracing() || th.Profiling() {
		t.Error("hooks should be removed")
	}
}

func TestTraceErrorAbortsFrame(t *testing.T) {
	in := New(WithStdout(io.Discard))
	in.Main().SetTrace(func(f *Frame, event TraceEvent, arg object.Object) error {
		if event == TraceLine && f.Name() == "f" {
			return object.Errorf(object.RuntimeErrorType, "stopped by tracer")
		}
		return nil
	})
	globals := in.NewGlobals("__main__")
	defer object.Release(globals)
	_, err := in.Exec(compile(t, "def f():\n    return 1\ntry:\n    f()\nexcept RuntimeError as e:\n    print(e)\n"), globals)
	if err != nil {
		t.Fatalf("tracer error should be catchable: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Pending calls
// ---------------------------------------------------------------------------

func TestPendingCallsFromWorkers(t *testing.T) {
	in := New(WithStdout(io.Discard))
	var ran atomic.Int64

	var g errgroup.Group
	for w := 0; w < 4; w++ {
		g.Go(func() error {
			for k := 0; k < 5; k++ {
				for !in.AddPendingCall(func() error {
					ran.Add(1)
					return nil
				}) {
					runtime.Gosched()
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if !in.HasPendingCalls() {
		t.Fatal("HasPendingCalls() = false after submissions")
	}

	// Worker threads never deliver.
	if err := in.NewThread().MakePendingCalls(); err != nil || ran.Load() != 0 {
		t.Fatalf("worker thread delivered pending calls: %v, ran %d", err, ran.Load())
	}

	globals := in.NewGlobals("__main__")
	defer object.Release(globals)
	r, err := in.Exec(compile(t, "i = 0\nwhile i < 100:\n    i += 1\n"), globals)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	object.Release(r)
	if ran.Load() != 20 || in.PendingCallsRun() != 20 {
		t.Errorf("ran %d pending calls (counter %d), want 20", ran.Load(), in.PendingCallsRun())
	}
	if in.HasPendingCalls() {
		t.Error("queue should be drained")
	}
}

func TestPendingCallQueueBound(t *testing.T) {
	in := New(WithMaxPendingCalls(2))
	ok := func() error { return nil }
	if !in.AddPendingCall(ok) || !in.AddPendingCall(ok) {
		t.Fatal("queue rejected calls below its bound")
	}
	if in.AddPendingCall(ok) {
		t.Error("queue accepted a call beyond its bound")
	}
}

func TestPendingCallErrorRaisesInLoop(t *testing.T) {
	var out bytes.Buffer
	in := New(WithStdout(&out))
	globals := in.NewGlobals("__main__")
	defer object.Release(globals)
	globals.SetString("schedule", NewNative("schedule", func(th *Thread, args []object.Object) (object.Object, error) {
		th.Interpreter().AddPendingCall(func() error {
			return object.Errorf(object.ValueErrorType, "from callback")
		})
		return object.NewNone(), nil
	}))
	src := "schedule()\ntry:\n    i = 0\n    while i < 10:\n        i += 1\n    print('finished')\nexcept ValueError as e:\n    print('pending', e, i)\n"
	r, err := in.Exec(compile(t, src), globals)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	object.Release(r)
	if got := out.String(); got != "pending from callback 1\n" {
		t.Errorf("output = %q", got)
	}
}

// ---------------------------------------------------------------------------
// Reference counting
// ---------------------------------------------------------------------------

func TestEvalReferenceNeutral(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"containers", "def f(a, b):\n    c = [a, b]\n    d = {'k': c}\n    return d['k'][0] + b\n"},
		{"caught exception", "def f(a, b):\n    try:\n        return [a][b]\n    except IndexError as e:\n        return -1\n"},
		{"generator", "def f(a, b):\n    def gen():\n        yield a\n        yield b\n    return list(gen())\n"},
		{"closure", "def f(a, b):\n    def add():\n        return a + b\n    return add()\n"},
		{"slices", "def f(a, b):\n    s = [a, b, a, b]\n    return s[::-1] + s[1:3] + s[:-1]\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := New(WithStdout(io.Discard))
			globals := in.NewGlobals("__main__")
			defer object.Release(globals)
			r, err := in.Exec(compile(t, tt.src), globals)
			if err != nil {
				t.Fatalf("Exec: %v", err)
			}
			object.Release(r)
			fn, err := in.Function(globals, "f")
			if err != nil {
				t.Fatal(err)
			}

			call := func() {
				a, b := object.NewInt(5000), object.NewInt(7)
				v, err := in.Call(fn, a, b)
				if err != nil {
					t.Fatalf("f: %v", err)
				}
				object.Release(v)
				object.Release(a)
				object.Release(b)
			}
			call() // materialize constant pools
			before := object.ReadStats().Live()
			for i := 0; i < 10; i++ {
				call()
			}
			if after := object.ReadStats().Live(); after != before {
				t.Errorf("live objects %d -> %d", before, after)
			}
		})
	}
}
