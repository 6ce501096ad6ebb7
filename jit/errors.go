package jit

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidOptimizationLevel is returned for levels outside 0..2.
	ErrInvalidOptimizationLevel = errors.New("jit: optimization level must be 0, 1 or 2")

	// ErrInvalidThreshold is returned for negative compilation thresholds.
	ErrInvalidThreshold = errors.New("jit: threshold must not be negative")

	// ErrNotCode is returned when a target is neither a function nor a
	// code object.
	ErrNotCode = errors.New("jit: not a function or code object")

	// ErrNotCompiled is returned by the introspection calls for code
	// that has no generated method.
	ErrNotCompiled = errors.New("jit: code has not been compiled")

	// ErrNoGraph is returned by Graph when graphs were disabled at
	// compile time.
	ErrNoGraph = errors.New("jit: no graph recorded for this code")

	// ErrClosed is returned by operations on a closed runtime.
	ErrClosed = errors.New("jit: runtime is closed")
)

// CompileResult is the outcome of a compilation attempt.
type CompileResult int

const (
	ResultNone CompileResult = iota
	ResultSuccess
	ResultGenerator // No longer produced; generator code compiles with resume points
	ResultUnsupportedOpcode
	ResultInvalidBytecode
	ResultTooLarge
	ResultInternal
)

var resultNames = [...]string{
	ResultNone:              "none",
	ResultSuccess:           "success",
	ResultGenerator:         "generator",
	ResultUnsupportedOpcode: "unsupported-opcode",
	ResultInvalidBytecode:   "invalid-bytecode",
	ResultTooLarge:          "too-large",
	ResultInternal:          "internal-error",
}

func (r CompileResult) String() string {
	if r >= 0 && int(r) < len(resultNames) {
		return resultNames[r]
	}
	return fmt.Sprintf("result(%d)", int(r))
}

// CompileError reports why a code object could not be compiled. The code
// object is marked failed and runs generically.
type CompileError struct {
	Code   string
	Result CompileResult
	Offset int // Bytecode offset of the offending instruction, -1 if none
	Err    error
}

func (e *CompileError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "jit: cannot compile %s: %s", e.Code, e.Result)
	if e.Offset >= 0 {
		fmt.Fprintf(&sb, " at offset %d", e.Offset)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *CompileError) Unwrap() error { return e.Err }

// ConfigurationError reports that a required backend library could not be
// found.
type ConfigurationError struct {
	Library  string
	Searched []string
}

func (e *ConfigurationError) Error() string {
	if len(e.Searched) == 0 {
		return fmt.Sprintf("jit: %s not found: no search paths configured", e.Library)
	}
	return fmt.Sprintf("jit: %s not found; searched %s", e.Library, strings.Join(e.Searched, ", "))
}
