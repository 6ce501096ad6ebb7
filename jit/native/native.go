// Package native lowers IL methods to amd64 machine code and renders it.
//
// The lowering is call-threaded: every helper call becomes a System V call
// through the helper's address with the execution context in RDI and the
// evaluation stack pointer in RSI. Frame state lives in callee-saved
// registers:
//
//	R12  execution context
//	RBX  evaluation stack pointer (grows upward, 8-byte slots)
//	R13  locals base
//	R14  object table base
//
// The generated code is a faithful listing of what the IL executor does;
// it is produced for inspection and size accounting.
package native

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/chazu/kestrel/jit/il"
)

// ErrUnsupported is returned when the target has no native backend.
var ErrUnsupported = errors.New("native: target not supported")

// Target names an operating system and architecture pair.
type Target struct {
	OS   string
	Arch string
}

// Host returns the target the process runs on.
func Host() Target { return Target{OS: runtime.GOOS, Arch: runtime.GOARCH} }

func (t Target) String() string { return t.OS + "/" + t.Arch }

// Supported reports whether code can be lowered for t.
func (t Target) Supported() bool {
	return t.Arch == "amd64" && t.OS != "windows"
}

// HostSupported reports whether the running platform has a native backend.
func HostSupported() bool { return hostSupported }

// Code is a lowered method.
type Code struct {
	Target  Target
	Method  *il.Method
	Bytes   []byte
	Offsets []int // Native offset of each IL instruction

	calls map[int]il.Token // Native offset of a helper call -> token
}

// Lower emits native code for m.
func Lower(m *il.Method, t Target) (*Code, error) {
	if !t.Supported() {
		return nil, fmt.Errorf("native: %s: %w", t, ErrUnsupported)
	}
	w := newWriter()
	c := &Code{Target: t, Method: m, Offsets: make([]int, len(m.Instrs)), calls: map[int]il.Token{}}

	w.prologue()
	var fixups []fixup
	var excJumps []int
	for i, in := range m.Instrs {
		c.Offsets[i] = w.pos()
		switch in.Op {
		case il.Nop:
			w.emitByte(0x90)
		case il.Ldnull:
			w.emitXorReg(RegRAX)
			w.pushRAX()
		case il.LdcI4:
			w.emitMovRegImm32(RegRAX, int32(in.Operand))
			w.pushRAX()
		case il.LdcI8:
			w.emitMovRegImm64(RegRAX, uint64(in.Operand))
			w.pushRAX()
		case il.Ldsfld:
			w.emitMovRegMem(RegRAX, RegR14, int32(8*in.Operand))
			w.pushRAX()
		case il.Dup:
			w.emitMovRegMem(RegRAX, RegRBX, -8)
			w.pushRAX()
		case il.Pop:
			w.emitSubRegImm8(RegRBX, 8)
		case il.Ldloc:
			w.emitMovRegMem(RegRAX, RegR13, int32(8*in.Operand))
			w.pushRAX()
		case il.Stloc:
			w.popReg(RegRAX)
			w.emitMovMemReg(RegR13, int32(8*in.Operand), RegRAX)
		case il.Ceq:
			w.popReg(RegRCX)
			w.emitMovRegMem(RegRAX, RegRBX, -8)
			w.emitCmpRegReg(RegRAX, RegRCX)
			w.emitBytes(0x0F, 0x94, 0xC0) // sete al
			w.emitBytes(0x0F, 0xB6, 0xC0) // movzx eax, al
			w.emitMovMemReg(RegRBX, -8, RegRAX)
		case il.RcInc:
			w.popReg(RegRAX)
			w.emitBytes(0xF0, 0x48, 0xFF, 0x00) // lock inc qword [rax]
		case il.RcDec:
			w.emitMovRegMem(RegRAX, RegRBX, -8)
			w.emitMovRegImm32(RegRCX, -1)
			w.emitBytes(0xF0, 0x48, 0x0F, 0xC1, 0x08) // lock xadd [rax], rcx
			w.emitBytes(0x48, 0xFF, 0xC9)             // dec rcx
			w.emitMovMemReg(RegRBX, -8, RegRCX)
		case il.Br:
			fixups = append(fixups, fixup{at: w.jmp(), target: int(in.Operand)})
		case il.Brtrue, il.Brfalse:
			w.popReg(RegRAX)
			w.emitTestRegReg(RegRAX)
			cc := byte(0x85) // jnz
			if in.Op == il.Brfalse {
				cc = 0x84 // jz
			}
			fixups = append(fixups, fixup{at: w.jcc(cc), target: int(in.Operand)})
		case il.Call:
			tok := il.Token(in.Operand)
			w.emitMovRegReg(RegRDI, RegR12)
			w.emitMovRegReg(RegRSI, RegRBX)
			w.emitMovRegImm64(RegRAX, uint64(tok.Address()))
			c.calls[w.pos()] = tok
			w.emitBytes(0xFF, 0xD0) // call rax
			w.emitMovRegReg(RegRBX, RegRAX)
			w.emitTestRegReg(RegRDX)
			excJumps = append(excJumps, w.jcc(0x85))
		case il.Ret:
			w.popReg(RegRAX)
			w.epilogue()
		default:
			return nil, fmt.Errorf("native: cannot lower %s", in.Op)
		}
	}

	// Helper failures leave through a shared stub returning nil.
	stub := w.pos()
	w.emitXorReg(RegRAX)
	w.epilogue()

	for _, f := range fixups {
		w.patchRel32(f.at, c.Offsets[f.target])
	}
	for _, at := range excJumps {
		w.patchRel32(at, stub)
	}
	c.Bytes = w.buf
	return c, nil
}

type fixup struct {
	at     int // Offset of the rel32 field
	target int // IL instruction index
}
