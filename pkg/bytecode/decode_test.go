package bytecode

import (
	"errors"
	"testing"
)

// tryExcept builds
//
//	try:
//	    a
//	except:
//	    pass
//	return None
func tryExcept(t *testing.T) *Code {
	t.Helper()
	b := NewBuilder("guarded", "test.py", 1)
	b.Code().ArgCount = 1
	b.Code().VarNames = []string{"a"}
	handler, end := b.NewLabel(), b.NewLabel()
	b.EmitJump(SetupFinally, handler) // 0
	b.Emit(LoadFast, 0)               // 2
	b.Emit(PopTop, 0)                 // 4
	b.Emit(PopBlock, 0)               // 6
	b.EmitJump(JumpForward, end)      // 8
	b.Bind(handler)
	b.Emit(PopTop, 0)            // 10
	b.Emit(PopExcept, 0)         // 12
	b.EmitJump(JumpForward, end) // 14
	b.Bind(end)
	b.EmitConst(NoneConst()) // 16
	b.Emit(ReturnValue, 0)   // 18
	c, err := b.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	return c
}

func mustDecode(t *testing.T, c *Code) *Decoded {
	t.Helper()
	d, err := Decode(c)
	if err != nil {
		t.Fatalf("Decode(%s): %v", c.Name, err)
	}
	return d
}

func index(t *testing.T, d *Decoded, offset int) int {
	t.Helper()
	i, ok := d.Index(offset)
	if !ok {
		t.Fatalf("no instruction at offset %d", offset)
	}
	return i
}

// ---------------------------------------------------------------------------
// Instructions and depths
// ---------------------------------------------------------------------------

func TestDecodeFoldsExtendedArg(t *testing.T) {
	c := &Code{
		Name:         "wide",
		Instructions: []byte{byte(ExtendedArg), 1, byte(ExtendedArg), 2, byte(LoadConst), 3, byte(ReturnValue), 0},
	}
	d := mustDecode(t, c)
	if len(d.Instrs) != 2 {
		t.Fatalf("got %d instructions, want 2", len(d.Instrs))
	}
	in := d.Instrs[0]
	if in.Op != LoadConst || in.Arg != 0x010203 || in.Offset != 0 || in.Size != 6 {
		t.Errorf("folded instruction = %+v", in)
	}
	if d.Instrs[1].Offset != 6 {
		t.Errorf("RETURN_VALUE offset = %d, want 6", d.Instrs[1].Offset)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		code []byte
	}{
		{"odd length", []byte{byte(LoadConst), 0, byte(ReturnValue)}},
		{"unknown opcode", []byte{0xEE, 0}},
		{"dangling prefix", []byte{byte(LoadConst), 0, byte(ReturnValue), 0, byte(ExtendedArg), 1}},
		{"jump into prefix", []byte{byte(JumpAbsolute), 4, byte(ExtendedArg), 1, byte(LoadConst), 0, byte(ReturnValue), 0}},
		{"falls off end", []byte{byte(LoadConst), 0, byte(PopTop), 0}},
		{"underflow", []byte{byte(PopTop), 0, byte(LoadConst), 0, byte(ReturnValue), 0}},
		{"pop block without setup", []byte{byte(PopBlock), 0, byte(LoadConst), 0, byte(ReturnValue), 0}},
		{"pop except outside handler", []byte{byte(PopExcept), 0, byte(LoadConst), 0, byte(ReturnValue), 0}},
	}
	for _, tt := range tests {
		if _, err := Decode(&Code{Name: tt.name, Instructions: tt.code}); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}

func TestDecodeStackDepths(t *testing.T) {
	d := mustDecode(t, countLoop(t))
	want := map[int]int{0: 0, 2: 1, 4: 1, 6: 2, 8: 1, 10: 0, 12: 1}
	for off, depth := range want {
		if got := d.Depth[index(t, d, off)]; got != depth {
			t.Errorf("depth at %d = %d, want %d", off, got, depth)
		}
	}
	if d.MaxDepth != 2 {
		t.Errorf("MaxDepth = %d, want 2", d.MaxDepth)
	}
}

func TestDecodeInconsistentDepth(t *testing.T) {
	c := &Code{
		Name: "bad",
		Instructions: []byte{
			byte(LoadFast), 0, // 0
			byte(PopJumpIfFalse), 8, // 2: reaches 8 with depth 0
			byte(LoadConst), 0, // 4
			byte(JumpAbsolute), 8, // 6: reaches 8 with depth 1
			byte(LoadConst), 0, // 8
			byte(ReturnValue), 0, // 10
		},
		VarNames: []string{"x"},
	}
	_, err := Decode(c)
	var se *StackEffectError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want StackEffectError", err)
	}
	if se.Offset != 8 || se.Want != 0 || se.Got != 1 {
		t.Errorf("StackEffectError = %+v", se)
	}
}

// ---------------------------------------------------------------------------
// Control flow
// ---------------------------------------------------------------------------

func TestDecodeJumpTargets(t *testing.T) {
	d := mustDecode(t, countLoop(t))
	for _, off := range []int{4, 10} {
		if !d.Instrs[index(t, d, off)].JumpTarget {
			t.Errorf("offset %d should be a jump target", off)
		}
	}
	if d.Instrs[index(t, d, 6)].JumpTarget {
		t.Error("offset 6 should not be a jump target")
	}
	back := d.BackwardJumps()
	if len(back) != 1 || d.Instrs[back[0]].Offset != 8 {
		t.Errorf("BackwardJumps = %v, want the JUMP_ABSOLUTE at 8", back)
	}
}

func TestDecodeBlocks(t *testing.T) {
	d := mustDecode(t, countLoop(t))
	if len(d.Blocks) != 4 {
		t.Fatalf("got %d blocks, want 4", len(d.Blocks))
	}
	header := d.BlockOf(index(t, d, 4))
	if !header.Loop {
		t.Error("FOR_ITER block should be a loop header")
	}
	if len(header.Succs) != 2 {
		t.Errorf("loop header successors = %v, want body and exit", header.Succs)
	}
	body := d.BlockOf(index(t, d, 6))
	if len(body.Succs) != 1 || body.Succs[0] != header.Index {
		t.Errorf("loop body successors = %v, want [%d]", body.Succs, header.Index)
	}
	exit := d.BlockOf(index(t, d, 12))
	if len(exit.Succs) != 0 {
		t.Errorf("return block successors = %v, want none", exit.Succs)
	}
}

func TestDecodeExceptionHandlers(t *testing.T) {
	d := mustDecode(t, tryExcept(t))

	h, ok := d.Handler(index(t, d, 2))
	if !ok || h.Target != 10 || h.Level != 0 {
		t.Errorf("handler at 2 = %+v, %v; want target 10 level 0", h, ok)
	}
	if _, ok := d.Handler(index(t, d, 8)); ok {
		t.Error("no handler should be active after POP_BLOCK")
	}
	if got := d.Depth[index(t, d, 10)]; got != 1 {
		t.Errorf("handler entry depth = %d, want 1 (the exception)", got)
	}
	if got := d.ExceptDepth(index(t, d, 12)); got != 1 {
		t.Errorf("ExceptDepth inside handler = %d, want 1", got)
	}
	if got := d.ExceptDepth(index(t, d, 16)); got != 0 {
		t.Errorf("ExceptDepth after handler = %d, want 0", got)
	}

	body := d.BlockOf(index(t, d, 2))
	handler := d.BlockOf(index(t, d, 10))
	if body.Handler != handler.Index {
		t.Errorf("body block handler = %d, want %d", body.Handler, handler.Index)
	}
	if d.BlockOf(0).Handler != -1 {
		t.Error("SETUP_FINALLY block itself is not protected")
	}
}

func TestDecodeYieldsAndLines(t *testing.T) {
	b := NewBuilder("gen", "test.py", 1)
	b.Code().Flags |= FlagGenerator
	b.EmitConst(IntConst(1))
	b.Emit(YieldValue, 0)
	b.Emit(PopTop, 0)
	b.SetLine(2)
	b.EmitConst(NoneConst())
	b.Emit(ReturnValue, 0)
	c, err := b.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	d := mustDecode(t, c)
	if len(d.Yields) != 1 || d.Instrs[d.Yields[0]].Offset != 2 {
		t.Errorf("Yields = %v, want the instruction at offset 2", d.Yields)
	}
	starts := d.LineStarts()
	if len(starts) != 2 || starts[0] != 0 || starts[1] != 6 {
		t.Errorf("LineStarts = %v, want [0 6]", starts)
	}
}
