package native

import "encoding/binary"

// Reg is an amd64 general purpose register number.
type Reg uint8

const (
	RegRAX Reg = 0
	RegRCX Reg = 1
	RegRDX Reg = 2
	RegRBX Reg = 3
	RegRSP Reg = 4
	RegRBP Reg = 5
	RegRSI Reg = 6
	RegRDI Reg = 7
	RegR8  Reg = 8
	RegR9  Reg = 9
	RegR10 Reg = 10
	RegR11 Reg = 11
	RegR12 Reg = 12
	RegR13 Reg = 13
	RegR14 Reg = 14
	RegR15 Reg = 15
)

// saved lists the callee-saved registers the prologue pushes, in order.
var saved = []Reg{RegRBX, RegR12, RegR13, RegR14}

type writer struct {
	buf []byte
}

func newWriter() *writer { return &writer{buf: make([]byte, 0, 256)} }

func (w *writer) pos() int { return len(w.buf) }

func (w *writer) emitByte(b byte) { w.buf = append(w.buf, b) }

func (w *writer) emitBytes(bs ...byte) { w.buf = append(w.buf, bs...) }

func (w *writer) emitU32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }

func (w *writer) emitU64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }

func rex(r, b Reg) byte {
	p := byte(0x48)
	if r >= 8 {
		p |= 0x04 // REX.R
	}
	if b >= 8 {
		p |= 0x01 // REX.B
	}
	return p
}

// emitPush emits PUSH r.
func (w *writer) emitPush(r Reg) {
	if r >= 8 {
		w.emitByte(0x41)
	}
	w.emitByte(0x50 | byte(r&7))
}

// emitPop emits POP r.
func (w *writer) emitPop(r Reg) {
	if r >= 8 {
		w.emitByte(0x41)
	}
	w.emitByte(0x58 | byte(r&7))
}

// emitMovRegReg emits MOV dst, src.
func (w *writer) emitMovRegReg(dst, src Reg) {
	w.emitBytes(rex(src, dst), 0x89, 0xC0|byte(src&7)<<3|byte(dst&7))
}

// emitMovRegImm64 emits MOV dst, imm64.
func (w *writer) emitMovRegImm64(dst Reg, imm uint64) {
	w.emitBytes(rex(0, dst), 0xB8|byte(dst&7))
	w.emitU64(imm)
}

// emitMovRegImm32 emits MOV dst, simm32 sign-extended to 64 bits.
func (w *writer) emitMovRegImm32(dst Reg, imm int32) {
	w.emitBytes(rex(0, dst), 0xC7, 0xC0|byte(dst&7))
	w.emitU32(uint32(imm))
}

// emitXorReg emits XOR r32, r32, zeroing r.
func (w *writer) emitXorReg(r Reg) {
	if r >= 8 {
		w.emitByte(0x45)
	}
	w.emitBytes(0x31, 0xC0|byte(r&7)<<3|byte(r&7))
}

// emitRegMemOp emits <opcode> reg, [base + disp] with a ModRM operand.
// opcode 0x8B loads reg, 0x89 stores it.
func (w *writer) emitRegMemOp(opcode byte, reg, base Reg, disp int32) {
	baseEnc := byte(base & 7)
	regEnc := byte(reg & 7)
	w.emitBytes(rex(reg, base), opcode)
	switch {
	case disp == 0 && baseEnc != 5: // RBP and R13 always take a displacement
		w.emitByte(regEnc<<3 | baseEnc)
		if baseEnc == 4 {
			w.emitByte(0x24)
		}
	case disp >= -128 && disp <= 127:
		w.emitByte(0x40 | regEnc<<3 | baseEnc)
		if baseEnc == 4 {
			w.emitByte(0x24)
		}
		w.emitByte(byte(int8(disp)))
	default:
		w.emitByte(0x80 | regEnc<<3 | baseEnc)
		if baseEnc == 4 {
			w.emitByte(0x24)
		}
		w.emitU32(uint32(disp))
	}
}

func (w *writer) emitMovRegMem(dst, base Reg, disp int32) { w.emitRegMemOp(0x8B, dst, base, disp) }

func (w *writer) emitMovMemReg(base Reg, disp int32, src Reg) { w.emitRegMemOp(0x89, src, base, disp) }

// emitCmpRegReg emits CMP a, b.
func (w *writer) emitCmpRegReg(a, b Reg) {
	w.emitBytes(rex(b, a), 0x39, 0xC0|byte(b&7)<<3|byte(a&7))
}

// emitTestRegReg emits TEST r, r.
func (w *writer) emitTestRegReg(r Reg) {
	w.emitBytes(rex(r, r), 0x85, 0xC0|byte(r&7)<<3|byte(r&7))
}

// emitAddRegImm8 emits ADD r, imm8.
func (w *writer) emitAddRegImm8(r Reg, imm int8) {
	w.emitBytes(rex(0, r), 0x83, 0xC0|byte(r&7), byte(imm))
}

// emitSubRegImm8 emits SUB r, imm8.
func (w *writer) emitSubRegImm8(r Reg, imm int8) {
	w.emitBytes(rex(0, r), 0x83, 0xE8|byte(r&7), byte(imm))
}

// pushRAX stores RAX in the next evaluation stack slot.
func (w *writer) pushRAX() {
	w.emitMovMemReg(RegRBX, 0, RegRAX)
	w.emitAddRegImm8(RegRBX, 8)
}

// popReg loads the top evaluation stack slot into r.
func (w *writer) popReg(r Reg) {
	w.emitSubRegImm8(RegRBX, 8)
	w.emitMovRegMem(r, RegRBX, 0)
}

// jmp emits JMP rel32 and returns the offset of the displacement.
func (w *writer) jmp() int {
	w.emitByte(0xE9)
	at := w.pos()
	w.emitU32(0)
	return at
}

// jcc emits a two-byte conditional jump with a rel32 displacement.
func (w *writer) jcc(cc byte) int {
	w.emitBytes(0x0F, cc)
	at := w.pos()
	w.emitU32(0)
	return at
}

func (w *writer) patchRel32(at, target int) {
	binary.LittleEndian.PutUint32(w.buf[at:], uint32(int32(target-(at+4))))
}

// prologue saves the callee-saved registers and moves the System V
// arguments (context, stack, locals, objects) into place.
func (w *writer) prologue() {
	w.emitPush(RegRBP)
	w.emitMovRegReg(RegRBP, RegRSP)
	for _, r := range saved {
		w.emitPush(r)
	}
	w.emitMovRegReg(RegR12, RegRDI)
	w.emitMovRegReg(RegRBX, RegRSI)
	w.emitMovRegReg(RegR13, RegRDX)
	w.emitMovRegReg(RegR14, RegRCX)
}

func (w *writer) epilogue() {
	for i := len(saved) - 1; i >= 0; i-- {
		w.emitPop(saved[i])
	}
	w.emitPop(RegRBP)
	w.emitByte(0xC3)
}
