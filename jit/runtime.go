// Package jit is a type-specializing compiler for the bytecode interpreter
// in package vm. A Runtime installs itself as the interpreter's eval-frame
// hook, compiles each code object to an IL method on first call (or after a
// threshold) and re-specializes it as the call site profile settles.
package jit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/tliron/commonlog"

	"github.com/chazu/kestrel/jit/il"
	"github.com/chazu/kestrel/jit/native"
	"github.com/chazu/kestrel/object"
	"github.com/chazu/kestrel/pkg/bytecode"
	"github.com/chazu/kestrel/vm"
)

var log = commonlog.GetLogger("kestrel.jit")

// DefaultMaxMethodSize bounds the IL instructions of one generated method.
const DefaultMaxMethodSize = 1 << 16

// Config holds the initial settings of a Runtime.
type Config struct {
	Level     int   // Optimization level, 0 to MaxOptimizationLevel
	Threshold int64 // Calls run generically before compilation

	PGC       bool
	Debug     bool // Log the IL of every compiled method
	Tracing   bool // Emit trace hooks
	Profiling bool // Emit profile hooks
	Graphs    bool // Record control-flow graphs

	Policy        Policy // Nil means DefaultPolicy
	MaxMethodSize int    // Zero means DefaultMaxMethodSize; negative disables the limit

	Store ProfileStore // Optional profile persistence

	RequireBackend bool   // Fail construction when no backend library is found
	BackendPath    string // Skip discovery and use this library
	Env            Env    // Environment for discovery; nil reads the process environment
}

// DefaultConfig returns the settings used by the CLI.
func DefaultConfig() Config {
	return Config{
		Level:         1,
		PGC:           true,
		Policy:        DefaultPolicy(),
		MaxMethodSize: DefaultMaxMethodSize,
	}
}

// Status is a snapshot of the runtime switches.
type Status struct {
	Enabled   bool
	Level     int
	Threshold int64
	PGC       bool
	Debug     bool
	Tracing   bool
	Profiling bool
	Graphs    bool
	Backend   string // Located backend library, empty when none
}

// Info describes the JIT state of one code object.
type Info struct {
	State    State
	Compiled bool
	Failed   bool
	RunCount int64
	PGC      int // Profile generation
	Result   CompileResult
	Level    int // Level the current method was compiled at, -1 when none
	Compiles int64
	Failure  error
}

// Stats counts runtime events.
type Stats struct {
	Records    int
	Compiled   int64
	Failed     int64
	Recompiled int64
	Fallbacks  int64 // Invocations run by the generic interpreter
}

// Runtime is the bridge between an interpreter and the compiler. All
// methods are safe for concurrent use.
type Runtime struct {
	interp  *vm.Interpreter
	store   ProfileStore
	backend string

	mu     sync.Mutex
	depth  int
	saved  vm.EvalFrameFunc
	closed bool

	level     atomic.Int32
	threshold atomic.Int64
	pgc       atomic.Bool
	debug     atomic.Bool
	tracing   atomic.Bool
	profiling atomic.Bool
	graphs    atomic.Bool
	policy    atomic.Pointer[Policy]
	maxSize   int

	// generation advances whenever a switch affecting code generation
	// changes; methods compiled under an older generation are stale.
	generation atomic.Uint64

	records sync.Map // *bytecode.Code -> *Record

	compiled   atomic.Int64
	failed     atomic.Int64
	recompiled atomic.Int64
	fallbacks  atomic.Int64
}

// New creates a runtime for interp. The hook is not installed until Enable.
func New(interp *vm.Interpreter, cfg Config) (*Runtime, error) {
	if cfg.Level < 0 || cfg.Level > MaxOptimizationLevel {
		return nil, ErrInvalidOptimizationLevel
	}
	if cfg.Threshold < 0 {
		return nil, ErrInvalidThreshold
	}
	r := &Runtime{interp: interp, store: cfg.Store, maxSize: cfg.MaxMethodSize}
	if r.maxSize == 0 {
		r.maxSize = DefaultMaxMethodSize
	}

	r.backend = cfg.BackendPath
	if r.backend == "" {
		path, err := LocateBackend(cfg.Env)
		switch {
		case err == nil:
			r.backend = path
		case cfg.RequireBackend:
			return nil, err
		default:
			log.Debugf("no backend library: %s", err)
		}
	}

	r.level.Store(int32(cfg.Level))
	r.threshold.Store(cfg.Threshold)
	r.pgc.Store(cfg.PGC)
	r.debug.Store(cfg.Debug)
	r.tracing.Store(cfg.Tracing)
	r.profiling.Store(cfg.Profiling)
	r.graphs.Store(cfg.Graphs)
	p := cfg.Policy
	if p == nil {
		p = DefaultPolicy()
	}
	p = p.Clone()
	r.policy.Store(&p)
	return r, nil
}

// Interpreter returns the interpreter the runtime serves.
func (r *Runtime) Interpreter() *vm.Interpreter { return r.interp }

// ---------------------------------------------------------------------------
// Hook lifecycle
// ---------------------------------------------------------------------------

// Enable installs the eval-frame hook. Calls nest: the hook is installed by
// the first Enable and stays until the matching Disable. It reports whether
// the hook was installed by this call.
func (r *Runtime) Enable() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.depth++
	if r.depth > 1 {
		return false
	}
	r.saved = r.interp.SetEvalFrame(r.evalFrame)
	log.Infof("enabled at level %d", r.level.Load())
	return true
}

// Disable undoes one Enable. The hook that was installed before the first
// Enable is restored when the count reaches zero. Disable without a
// matching Enable does nothing. It reports whether the hook was removed.
func (r *Runtime) Disable() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disableLocked()
}

func (r *Runtime) disableLocked() bool {
	if r.depth == 0 {
		return false
	}
	r.depth--
	if r.depth > 0 {
		return false
	}
	r.interp.SetEvalFrame(r.saved)
	r.saved = nil
	log.Infof("disabled")
	return true
}

// Enabled reports whether the hook is installed.
func (r *Runtime) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.depth > 0
}

// ---------------------------------------------------------------------------
// Switches
// ---------------------------------------------------------------------------

func (r *Runtime) toggle(b *atomic.Bool, on bool, codegen bool) {
	if b.Swap(on) != on && codegen {
		r.generation.Add(1)
	}
}

// Every switch but debug output makes existing methods stale.

func (r *Runtime) EnablePGC()        { r.toggle(&r.pgc, true, true) }
func (r *Runtime) DisablePGC()       { r.toggle(&r.pgc, false, true) }
func (r *Runtime) EnableDebug()      { r.toggle(&r.debug, true, false) }
func (r *Runtime) DisableDebug()     { r.toggle(&r.debug, false, false) }
func (r *Runtime) EnableTracing()    { r.toggle(&r.tracing, true, true) }
func (r *Runtime) DisableTracing()   { r.toggle(&r.tracing, false, true) }
func (r *Runtime) EnableProfiling()  { r.toggle(&r.profiling, true, true) }
func (r *Runtime) DisableProfiling() { r.toggle(&r.profiling, false, true) }
func (r *Runtime) EnableGraphs()     { r.toggle(&r.graphs, true, true) }
func (r *Runtime) DisableGraphs()    { r.toggle(&r.graphs, false, true) }

// SetOptimizationLevel changes the level used by later compilations.
// Methods compiled at another level are recompiled on their next call.
func (r *Runtime) SetOptimizationLevel(n int) error {
	if n < 0 || n > MaxOptimizationLevel {
		return fmt.Errorf("jit: level %d: %w", n, ErrInvalidOptimizationLevel)
	}
	if int(r.level.Swap(int32(n))) != n {
		r.generation.Add(1)
	}
	return nil
}

// OptimizationLevel returns the current level.
func (r *Runtime) OptimizationLevel() int { return int(r.level.Load()) }

// SetThreshold sets how many calls run generically before a code object
// is compiled.
func (r *Runtime) SetThreshold(n int64) error {
	if n < 0 {
		return fmt.Errorf("jit: threshold %d: %w", n, ErrInvalidThreshold)
	}
	r.threshold.Store(n)
	return nil
}

// Threshold returns the compilation threshold.
func (r *Runtime) Threshold() int64 { return r.threshold.Load() }

// SetPolicy replaces the optimization table.
func (r *Runtime) SetPolicy(p Policy) {
	p = p.Clone()
	r.policy.Store(&p)
	r.generation.Add(1)
}

// Policy returns a copy of the optimization table.
func (r *Runtime) Policy() Policy { return r.policy.Load().Clone() }

// Status returns a snapshot of the switches.
func (r *Runtime) Status() Status {
	return Status{
		Enabled:   r.Enabled(),
		Level:     r.OptimizationLevel(),
		Threshold: r.Threshold(),
		PGC:       r.pgc.Load(),
		Debug:     r.debug.Load(),
		Tracing:   r.tracing.Load(),
		Profiling: r.profiling.Load(),
		Graphs:    r.graphs.Load(),
		Backend:   r.backend,
	}
}

// Stats returns the event counters.
func (r *Runtime) Stats() Stats {
	s := Stats{
		Compiled:   r.compiled.Load(),
		Failed:     r.failed.Load(),
		Recompiled: r.recompiled.Load(),
		Fallbacks:  r.fallbacks.Load(),
	}
	r.records.Range(func(_, _ any) bool {
		s.Records++
		return true
	})
	return s
}

func (r *Runtime) settings() settings {
	return settings{
		level:     r.OptimizationLevel(),
		pgc:       r.pgc.Load(),
		tracing:   r.tracing.Load(),
		profiling: r.profiling.Load(),
		graphs:    r.graphs.Load(),
		policy:    *r.policy.Load(),
		maxSize:   r.maxSize,
		gen:       r.generation.Load(),
	}
}

// ---------------------------------------------------------------------------
// Evaluation
// ---------------------------------------------------------------------------

func (r *Runtime) evalFrame(th *vm.Thread, f *vm.Frame) (object.Object, error) {
	if f.Generator() != nil && f.Started() {
		// A generator resumes in the tier it suspended in. Resumes are not
		// counted as runs.
		if s, ok := f.ResumeState().(*suspension); ok {
			return s.method.Invoke(th, f, r.record(f.Code))
		}
		return th.EvalFrameDefault(f)
	}
	rec := r.record(f.Code)
	n := rec.runCount.Add(1)

	// Hooks set on the thread after compilation need the generic path
	// unless the method was built with them.
	if (th.Tracing() && !r.tracing.Load()) || (th.Profiling() && !r.profiling.Load()) || n <= r.threshold.Load() {
		r.fallbacks.Add(1)
		return th.EvalFrameDefault(f)
	}
	c := r.ensure(rec)
	if c == nil {
		r.fallbacks.Add(1)
		return th.EvalFrameDefault(f)
	}
	return c.method.Invoke(th, f, rec)
}

// record returns the record of code, creating it and warming its profile
// from the store on first use.
func (r *Runtime) record(code *bytecode.Code) *Record {
	if v, ok := r.records.Load(code); ok {
		return v.(*Record)
	}
	v, loaded := r.records.LoadOrStore(code, newRecord(code))
	rec := v.(*Record)
	if !loaded && r.store != nil {
		snap, ok, err := r.store.LoadProfile(context.Background(), profileKey(code))
		switch {
		case err != nil:
			log.Warningf("%s: loading profile: %s", code.Name, err)
		case ok:
			rec.profile.Restore(snap)
			log.Debugf("%s: restored %d call sites", code.Name, len(snap.Sites))
		}
	}
	return rec
}

func profileKey(code *bytecode.Code) ProfileKey {
	return ProfileKey{Fingerprint: code.Fingerprint(), Name: code.Name}
}

// ensure returns a current method for rec, compiling it when needed. It
// returns nil when the code must run generically.
func (r *Runtime) ensure(rec *Record) *compiled {
	s := r.settings()
	for {
		switch State(rec.state.Load()) {
		case StateFailed:
			return nil
		case StateCompiling:
			// Another goroutine is compiling; keep using what exists.
			return rec.method.Load()
		case StateCompiled:
			c := rec.method.Load()
			if c != nil && !c.stale(rec, s.gen) {
				return c
			}
			if !rec.state.CompareAndSwap(int32(StateCompiled), int32(StateCompiling)) {
				continue
			}
			r.recompiled.Add(1)
			return r.build(rec, s)
		case StateNotCompiled:
			if !rec.state.CompareAndSwap(int32(StateNotCompiled), int32(StateCompiling)) {
				continue
			}
			return r.build(rec, s)
		}
	}
}

// build compiles rec, which the caller has moved to StateCompiling.
func (r *Runtime) build(rec *Record, s settings) *compiled {
	rec.compiles.Add(1)
	c, err := compile(rec, s)
	if err != nil {
		var ce *CompileError
		if !errors.As(err, &ce) {
			ce = &CompileError{Code: rec.Code.Name, Result: ResultInternal, Offset: -1, Err: err}
		}
		rec.failure.Store(ce)
		rec.result.Store(int32(ce.Result))
		rec.method.Store(nil)
		rec.state.Store(int32(StateFailed))
		r.failed.Add(1)
		log.Infof("%s", ce)
		return nil
	}
	rec.failure.Store(nil)
	rec.result.Store(int32(ResultSuccess))
	rec.method.Store(c)
	rec.state.Store(int32(StateCompiled))
	r.compiled.Add(1)
	log.Debugf("compiled %s at level %d: %d IL instructions, %d bytes", rec.Code.Name, s.level, len(c.method.Instrs), c.method.Size)
	if r.debug.Load() {
		var buf bytes.Buffer
		if err := c.method.Disassemble(&buf, true); err == nil {
			log.Debugf("%s IL:\n%s", rec.Code.Name, buf.String())
		}
	}
	return c
}

// ---------------------------------------------------------------------------
// Introspection
// ---------------------------------------------------------------------------

// codeOf resolves a function or code object.
func codeOf(target any) (*bytecode.Code, error) {
	switch t := target.(type) {
	case *object.Function:
		return t.Code, nil
	case *object.CodeObject:
		return t.Code, nil
	case *bytecode.Code:
		return t, nil
	}
	return nil, ErrNotCode
}

func (r *Runtime) lookup(target any) (*Record, error) {
	code, err := codeOf(target)
	if err != nil {
		return nil, err
	}
	v, ok := r.records.Load(code)
	if !ok {
		return nil, nil
	}
	return v.(*Record), nil
}

func (r *Runtime) current(target any) (*compiled, error) {
	rec, err := r.lookup(target)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrNotCompiled
	}
	c := rec.method.Load()
	if c == nil {
		return nil, ErrNotCompiled
	}
	return c, nil
}

// Compile compiles target now, regardless of the threshold, and returns
// the *CompileError of a failure.
func (r *Runtime) Compile(target any) error {
	code, err := codeOf(target)
	if err != nil {
		return err
	}
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}
	rec := r.record(code)
	if rec.State() == StateFailed {
		rec.state.Store(int32(StateNotCompiled))
	}
	if r.ensure(rec) == nil {
		if f := rec.Failure(); f != nil {
			return f
		}
		return ErrNotCompiled
	}
	return nil
}

// Record returns the record of target, or nil when it has not been seen.
func (r *Runtime) Record(target any) (*Record, error) {
	return r.lookup(target)
}

// Info returns the JIT state of target. Code never seen reports zero
// values.
func (r *Runtime) Info(target any) (Info, error) {
	rec, err := r.lookup(target)
	if err != nil {
		return Info{}, err
	}
	info := Info{Level: -1}
	if rec == nil {
		return info, nil
	}
	info.State = rec.State()
	info.Compiled = info.State == StateCompiled
	info.Failed = info.State == StateFailed
	info.RunCount = rec.RunCount()
	info.PGC = rec.Generation()
	info.Result = rec.Result()
	info.Compiles = rec.Compiles()
	if c := rec.method.Load(); c != nil {
		info.Level = c.level
	}
	if f := rec.Failure(); f != nil {
		info.Failure = f
	}
	return info, nil
}

// Method returns the generated method of target.
func (r *Runtime) Method(target any) (*il.Method, error) {
	c, err := r.current(target)
	if err != nil {
		return nil, err
	}
	return c.method, nil
}

// Offsets returns the offset map of target's method. Native offsets are
// filled in when the host has a native backend.
func (r *Runtime) Offsets(target any) ([]Offset, error) {
	c, err := r.current(target)
	if err != nil {
		return nil, err
	}
	var nat []int
	if native.HostSupported() {
		if code, err := c.lower(); err == nil {
			nat = code.Offsets
		}
	}
	return offsets(c.method, nat), nil
}

// Graph returns the control-flow graph recorded for target.
func (r *Runtime) Graph(target any) (*Graph, error) {
	c, err := r.current(target)
	if err != nil {
		return nil, err
	}
	if c.graph == nil {
		return nil, ErrNoGraph
	}
	return c.graph, nil
}

// Dis writes the IL of target's method.
func (r *Runtime) Dis(w io.Writer, target any, showOffsets bool) error {
	c, err := r.current(target)
	if err != nil {
		return err
	}
	return c.method.Disassemble(w, showOffsets)
}

// DisNative writes the machine code of target's method. It returns an
// error wrapping native.ErrUnsupported on hosts without a backend.
func (r *Runtime) DisNative(w io.Writer, target any, showOffsets bool) error {
	c, err := r.current(target)
	if err != nil {
		return err
	}
	code, err := c.lower()
	if err != nil {
		return err
	}
	return code.Disassemble(w, showOffsets)
}

// Symbols maps helper addresses used by target's method to token names.
func (r *Runtime) Symbols(target any) (map[uintptr]string, error) {
	c, err := r.current(target)
	if err != nil {
		return nil, err
	}
	out := make(map[uintptr]string)
	for _, tok := range c.method.Tokens() {
		out[tok.Address()] = tok.String()
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Persistence and teardown
// ---------------------------------------------------------------------------

// Flush saves every non-empty profile to the store.
func (r *Runtime) Flush(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	var errs []error
	r.records.Range(func(_, v any) bool {
		rec := v.(*Record)
		snap := rec.profile.Snapshot()
		if snap.Empty() {
			return true
		}
		if err := r.store.SaveProfile(ctx, profileKey(rec.Code), snap); err != nil {
			errs = append(errs, fmt.Errorf("jit: saving %s: %w", rec.Code.Name, err))
		}
		return true
	})
	return errors.Join(errs...)
}

// Forget drops the record of target after saving its profile.
func (r *Runtime) Forget(target any) error {
	code, err := codeOf(target)
	if err != nil {
		return err
	}
	v, ok := r.records.LoadAndDelete(code)
	if !ok || r.store == nil {
		return nil
	}
	rec := v.(*Record)
	if snap := rec.profile.Snapshot(); !snap.Empty() {
		return r.store.SaveProfile(context.Background(), profileKey(code), snap)
	}
	return nil
}

// ForgetAll forgets code and every code object nested in its constants.
func (r *Runtime) ForgetAll(code *bytecode.Code) error {
	var errs []error
	code.Walk(func(c *bytecode.Code) {
		if err := r.Forget(c); err != nil {
			errs = append(errs, err)
		}
	})
	return errors.Join(errs...)
}

// Close removes the hook regardless of nesting and flushes profiles.
// Later calls to Enable do nothing.
func (r *Runtime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	for r.depth > 0 {
		r.disableLocked()
	}
	r.closed = true
	r.mu.Unlock()
	return r.Flush(context.Background())
}
