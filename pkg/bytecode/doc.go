// Package bytecode defines the instruction set executed by the Kestrel
// interpreter and specialized by the JIT.
//
// The format is wordcode: every instruction is two bytes, an opcode and an
// argument. Arguments wider than a byte are formed by EXTENDED_ARG prefixes,
// each contributing the next 8 high bits. Opcode values follow the CPython
// 3.9 numbering so listings read familiarly, although the semantics are
// Kestrel's own (see the exception model below).
//
// # Architecture Overview
//
//   - Opcodes: the instruction table with stack effects and argument kinds
//     (constant, name, local, cell, comparison, jump).
//
//   - Code: an immutable compiled function body holding instructions,
//     constants, name tables and a line table. Code objects can be
//     serialized using the "KSBC" format (Kestrel ByteCode) and are
//     fingerprinted with xxh3 so persisted profiles can be matched to them.
//
//   - Builder: assembles instructions with symbolic labels, resolves jump
//     arguments and EXTENDED_ARG widths, and computes the stack size.
//
//   - Decode: the front-end used by the JIT. It folds prefixes, marks jump
//     targets, splits basic blocks, runs a worklist stack-depth analysis
//     over normal and exception edges, and records the static block stack
//     in effect before every instruction.
//
// # Jumps
//
// Jump arguments are byte offsets. Relative jumps (FOR_ITER, JUMP_FORWARD,
// SETUP_FINALLY) are measured from the end of the jumping instruction and
// only go forward; absolute jumps name the first byte of the target,
// including any EXTENDED_ARG prefixes it carries.
//
// # Exception Model
//
// SETUP_FINALLY pushes a handler block recording the handler offset and the
// current stack depth. When an exception is raised inside the block, the
// stack is unwound to that depth, the exception is pushed, and an
// except-handler block is entered which saves the previously handled
// exception. POP_EXCEPT leaves the handler and restores it. RERAISE pops the
// exception at TOS and raises it again.
//
//	SETUP_FINALLY  handler
//	<body>
//	POP_BLOCK
//	JUMP_FORWARD   end
//	handler:  DUP_TOP
//	          LOAD_GLOBAL ValueError
//	          JUMP_IF_NOT_EXC_MATCH next
//	          POP_TOP
//	          <handler body>
//	          POP_EXCEPT
//	          JUMP_FORWARD end
//	next:     RERAISE
//	end:
package bytecode
