// Package vm implements the Kestrel host interpreter.
//
// This package contains:
//   - Frames, threads and the generic bytecode evaluation loop
//   - Argument binding and the call protocol
//   - Generators that keep their frame across yields
//   - Builtin functions
//   - Pending calls, trace and profile hooks
//   - The eval-frame hook through which a JIT intercepts function entry
package vm
