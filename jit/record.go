package jit

import (
	"sync"
	"sync/atomic"

	"github.com/chazu/kestrel/jit/il"
	"github.com/chazu/kestrel/jit/native"
	"github.com/chazu/kestrel/pkg/bytecode"
)

// State is the compilation state of a code object.
type State int32

const (
	StateNotCompiled State = iota
	StateCompiling
	StateCompiled
	StateFailed
)

var stateNames = [...]string{"not-compiled", "compiling", "compiled", "failed"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Record is the JIT's bookkeeping for one code object: its state, call
// count, call site profile and current generated method. Every field is
// safe for concurrent use.
type Record struct {
	Code *bytecode.Code

	state    atomic.Int32
	runCount atomic.Int64
	compiles atomic.Int64
	result   atomic.Int32
	method   atomic.Pointer[compiled]
	failure  atomic.Pointer[CompileError]

	profile *Profile
}

func newRecord(code *bytecode.Code) *Record {
	return &Record{Code: code, profile: NewProfile()}
}

// State returns the compilation state.
func (r *Record) State() State { return State(r.state.Load()) }

// RunCount returns the number of invocations seen by the hook.
func (r *Record) RunCount() int64 { return r.runCount.Load() }

// Compiles returns the number of compilation attempts.
func (r *Record) Compiles() int64 { return r.compiles.Load() }

// Result returns the outcome of the last compilation attempt.
func (r *Record) Result() CompileResult { return CompileResult(r.result.Load()) }

// Failure returns the error of a failed compilation, or nil.
func (r *Record) Failure() *CompileError { return r.failure.Load() }

// Profile returns the call site profile.
func (r *Record) Profile() *Profile { return r.profile }

// Generation returns the code-level PGC generation: the largest generation
// of its call sites.
func (r *Record) Generation() int { return r.profile.Generation() }

// Method returns the current generated method, or nil.
func (r *Record) Method() *il.Method {
	if c := r.method.Load(); c != nil {
		return c.method
	}
	return nil
}

func (r *Record) observe(offset int, sig Signature) {
	if r.profile.Observe(offset, sig) {
		log.Debugf("%s: offset %d observed %s", r.Code.Name, offset, sig)
	}
}

// ---------------------------------------------------------------------------
// compiled: a generated method and what it was specialized for
// ---------------------------------------------------------------------------

type compiled struct {
	method   *il.Method
	level    int
	pgc      bool
	settings uint64 // Runtime settings generation
	version  uint64 // Profile version the specialization used
	graph    *Graph

	lowerOnce sync.Once
	lowered   *native.Code
	lowerErr  error
}

// stale reports whether the method no longer matches the runtime settings
// or its profile.
func (c *compiled) stale(rec *Record, settings uint64) bool {
	if c.settings != settings {
		return true
	}
	return c.pgc && c.version != rec.profile.Version()
}

// lower lowers the method for the host on first use.
func (c *compiled) lower() (*native.Code, error) {
	c.lowerOnce.Do(func() {
		c.lowered, c.lowerErr = native.Lower(c.method, native.Host())
	})
	return c.lowered, c.lowerErr
}
