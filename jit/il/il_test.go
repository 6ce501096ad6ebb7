package il

import (
	"bytes"
	"strings"
	"testing"

	"github.com/chazu/kestrel/compiler"
	"github.com/chazu/kestrel/object"
	"github.com/chazu/kestrel/pkg/bytecode"
	"github.com/chazu/kestrel/vm"
)

// Helpers private to these tests. The JIT registers the real METHOD_*
// set; these only exercise the executor.
var (
	testAdd = Register(Helper{Name: "TEST_ADD", Args: 2, Returns: true, Fn: func(c *Context, args []Value) (Value, error) {
		r, err := object.Binary(object.OpAdd, args[0].Obj, args[1].Obj)
		object.Release(args[0].Obj)
		object.Release(args[1].Obj)
		return ObjValue(r), err
	}})
	testFail = Register(Helper{Name: "TEST_FAIL", NoReturn: true, Fn: func(c *Context, args []Value) (Value, error) {
		return Value{}, object.Errorf(object.ValueErrorType, "failed at %d", c.Offset())
	}})
	testDealloc = Register(Helper{Name: "TEST_DEALLOC", Args: 1, Fn: func(c *Context, args []Value) (Value, error) {
		object.Dealloc(args[0].Obj)
		return Value{}, nil
	}})
	testTuple = Register(Helper{Name: "TEST_TUPLE", Variadic: true, Returns: true, Fn: func(c *Context, args []Value) (Value, error) {
		items := make([]object.Object, len(args))
		for i, a := range args {
			items[i] = a.Obj
		}
		return ObjValue(object.NewTuple(items)), nil
	}})
)

func testCode(t *testing.T) *bytecode.Code {
	t.Helper()
	code, err := compiler.Compile("def f(x):\n    return x + 2\n", "il.py")
	if err != nil {
		t.Fatal(err)
	}
	return code.Find("f")
}

func newFrame(t *testing.T, code *bytecode.Code) (*vm.Thread, *vm.Frame) {
	t.Helper()
	in := vm.New()
	globals := in.NewGlobals("__main__")
	th := in.Main()
	f := th.NewFrame(code, globals, nil)
	object.Release(globals)
	t.Cleanup(f.Release)
	return th, f
}

// ---------------------------------------------------------------------------
// Builder and verification
// ---------------------------------------------------------------------------

func TestFinishResolvesBranches(t *testing.T) {
	b := NewBuilder("branches", nil, 0)
	done := b.NewLabel()
	b.EmitI4(1)
	b.EmitBranch(Brtrue, done)
	b.Emit(Nop)
	b.Mark(done)
	b.Emit(Ldnull)
	b.Emit(Ret)
	m, err := b.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if m.Instrs[1].Operand != 3 {
		t.Errorf("brtrue target = %d, want instruction 3", m.Instrs[1].Operand)
	}
	// ldc.i4 (5) + brtrue (5) + nop (1)
	if m.Instrs[3].Offset != 11 {
		t.Errorf("label offset = %d, want 11", m.Instrs[3].Offset)
	}
	if m.MaxStack != 1 {
		t.Errorf("MaxStack = %d, want 1", m.MaxStack)
	}
}

func TestFinishRejectsBadStacks(t *testing.T) {
	tests := []struct {
		name  string
		build func(b *Builder)
		want  string
	}{
		{"underflow", func(b *Builder) {
			b.Emit(Pop)
			b.Emit(Ret)
		}, "underflow"},
		{"ret leaves values", func(b *Builder) {
			b.Emit(Ldnull)
			b.Emit(Ldnull)
			b.Emit(Ret)
		}, "leaves 1 values"},
		{"falls off the end", func(b *Builder) {
			b.Emit(Nop)
		}, "falls off"},
		{"inconsistent merge", func(b *Builder) {
			l := b.NewLabel()
			b.EmitI4(0)
			b.EmitBranch(Brtrue, l)
			b.Emit(Ldnull)
			b.Mark(l)
			b.Emit(Ldnull)
			b.Emit(Ret)
		}, "reached with stack depth"},
		{"unbound label", func(b *Builder) {
			b.EmitBranch(Br, b.NewLabel())
		}, "unbound label"},
		{"variadic without count", func(b *Builder) {
			b.Emit(Ldnull)
			b.EmitCall(testTuple)
			b.Emit(Ret)
		}, "without a count"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBuilder(tt.name, nil, 0)
			tt.build(b)
			_, err := b.Finish()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Finish() error = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestNoReturnHelperIsTerminal(t *testing.T) {
	b := NewBuilder("fail", nil, 0)
	b.EmitCall(testFail)
	if _, err := b.Finish(); err != nil {
		t.Errorf("a trailing no-return call should verify: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

func buildAdd(t *testing.T, code *bytecode.Code) *Method {
	t.Helper()
	b := NewBuilder("f", code, 2)
	two := b.AddObject(object.NewInt(2))
	b.SetSource(0)
	b.EmitLoad(0)
	b.Emit(Dup)
	b.Emit(RcInc)
	b.EmitStore(b.Slot(0))
	b.SetSource(2)
	b.EmitField(two)
	b.Emit(Dup)
	b.Emit(RcInc)
	b.EmitStore(b.Slot(1))
	b.SetSource(4)
	b.SetLive(0)
	b.EmitLoad(b.Slot(0))
	b.EmitLoad(b.Slot(1))
	b.EmitCall(testAdd)
	b.EmitStore(b.Slot(0))
	b.SetSource(6)
	b.EmitLoad(b.Slot(0))
	b.Emit(Ret)
	m, err := b.Finish()
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestThinAndFatListingsAgree(t *testing.T) {
	m := buildAdd(t, testCode(t))
	var fat, thin bytes.Buffer
	if err := m.Disassemble(&fat, false); err != nil {
		t.Fatal(err)
	}
	raw := m.Encode()
	if len(raw) != m.Size {
		t.Errorf("encoded %d bytes, layout says %d", len(raw), m.Size)
	}
	if err := PrintIL(&thin, raw); err != nil {
		t.Fatal(err)
	}
	if fat.String() != thin.String() {
		t.Errorf("listings differ\nfat:\n%s\nthin:\n%s", fat.String(), thin.String())
	}
	if !strings.Contains(fat.String(), "call     TEST_ADD") {
		t.Errorf("listing does not name the helper:\n%s", fat.String())
	}
	if !strings.HasPrefix(fat.String(), "IL_0000: ldloc    0\n") {
		t.Errorf("unexpected first line:\n%s", fat.String())
	}
}

func TestFatListingShowsOffsets(t *testing.T) {
	m := buildAdd(t, testCode(t))
	var out bytes.Buffer
	if err := m.Disassemble(&out, true); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"; 0 LOAD_FAST 0 (x)", "; 4 BINARY_ADD", "; 6 RETURN_VALUE"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("listing lacks %q:\n%s", want, out.String())
		}
	}
}

func TestPrintILRejectsGarbage(t *testing.T) {
	var out bytes.Buffer
	if err := PrintIL(&out, []byte{0x20, 0x01}); err == nil {
		t.Error("truncated ldc.i4 should fail")
	}
	if err := PrintIL(&out, []byte{0xFE, 0x7F}); err == nil {
		t.Error("unknown two-byte opcode should fail")
	}
}

func TestTokens(t *testing.T) {
	if tok, ok := TokenByName("TEST_ADD"); !ok || tok != testAdd {
		t.Fatalf("TokenByName(TEST_ADD) = %v, %v", tok, ok)
	}
	if testAdd.Address() == 0 {
		t.Error("registered helper has no address")
	}
	if got := Token(0x0AFFFFFF).String(); got != "0x0AFFFFFF" {
		t.Errorf("unknown token renders as %q", got)
	}
	m := buildAdd(t, testCode(t))
	if !m.Uses("TEST_ADD") || m.Uses("TEST_FAIL") {
		t.Errorf("Tokens() = %v", m.Tokens())
	}
}

// ---------------------------------------------------------------------------
// Execution
// ---------------------------------------------------------------------------

func TestInvoke(t *testing.T) {
	code := testCode(t)
	m := buildAdd(t, code)
	th, f := newFrame(t, code)
	f.Locals[0] = object.NewInt(40)

	r, err := m.Invoke(th, f, nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	defer object.Release(r)
	if object.Repr(r) != "42" {
		t.Errorf("result = %s, want 42", object.Repr(r))
	}
}

func TestInvokeVariadic(t *testing.T) {
	b := NewBuilder("tuple", nil, 0)
	one := b.AddObject(object.NewInt(1))
	b.EmitField(one)
	b.Emit(Dup)
	b.Emit(RcInc)
	b.EmitField(one)
	b.Emit(Dup)
	b.Emit(RcInc)
	b.EmitI4(2)
	b.EmitCall(testTuple)
	b.Emit(Ret)
	m, err := b.Finish()
	if err != nil {
		t.Fatal(err)
	}
	th, f := newFrame(t, testCode(t))
	r, err := m.Invoke(th, f, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer object.Release(r)
	if got := object.Repr(r); got != "(1, 1)" {
		t.Errorf("result = %s", got)
	}
}

func TestInvokeHandlerClause(t *testing.T) {
	code := testCode(t)
	b := NewBuilder("f", code, 2)
	b.SetSource(4)
	b.SetClause(b.AddClause(Clause{Handler: 1, Level: 0}))
	b.EmitCall(testFail)
	b.SetClause(-1)
	b.EmitLoad(b.Slot(0))
	b.Emit(Ret)
	m, err := b.Finish()
	if err != nil {
		t.Fatal(err)
	}

	th, f := newFrame(t, code)
	r, err := m.Invoke(th, f, nil)
	if err != nil {
		t.Fatalf("handled failure escaped: %v", err)
	}
	defer object.Release(r)
	exc, ok := r.(*object.Exception)
	if !ok || !exc.Matches(object.ValueErrorType) {
		t.Fatalf("handler saw %s", object.Repr(r))
	}
	if exc.Message() != "failed at 4" {
		t.Errorf("message = %q", exc.Message())
	}
	if n := len(exc.Traceback); n != 1 || exc.Traceback[0].Function != "f" || exc.Traceback[0].Line != 2 {
		t.Errorf("traceback = %+v", exc.Traceback)
	}
	if th.Handled() != nil || f.HandlerDepth() != 0 {
		t.Error("ret should leave every handler body")
	}
}

func TestInvokeReleasesLiveSlots(t *testing.T) {
	code := testCode(t)
	b := NewBuilder("f", code, 1)
	held := b.AddObject(object.NewTuple(nil))
	b.SetSource(0)
	b.EmitField(held)
	b.Emit(Dup)
	b.Emit(RcInc)
	b.EmitStore(b.Slot(0))
	b.SetLive(1)
	b.EmitCall(testFail)
	m, err := b.Finish()
	if err != nil {
		t.Fatal(err)
	}

	th, f := newFrame(t, code)
	tuple := m.Objects[held]
	before := object.RefCount(tuple)
	if _, err := m.Invoke(th, f, nil); err == nil {
		t.Fatal("failure should leave the method")
	}
	if after := object.RefCount(tuple); after != before {
		t.Errorf("refcount %d -> %d: live slot leaked", before, after)
	}
	object.Release(tuple)
}

func TestInlineDecref(t *testing.T) {
	b := NewBuilder("decref", nil, 0)
	alive, done := b.NewLabel(), b.NewLabel()
	b.EmitI4(0)
	b.EmitCall(testTuple)
	b.Emit(Dup)
	b.Emit(RcDec)
	b.EmitBranch(Brtrue, alive)
	b.EmitCall(testDealloc)
	b.EmitBranch(Br, done)
	b.Mark(alive)
	b.Emit(Pop)
	b.Mark(done)
	b.Emit(Ldnull)
	b.Emit(Ret)
	m, err := b.Finish()
	if err != nil {
		t.Fatal(err)
	}

	th, f := newFrame(t, testCode(t))
	before := object.ReadStats().Live()
	if _, err := m.Invoke(th, f, nil); err != nil {
		t.Fatal(err)
	}
	if after := object.ReadStats().Live(); after != before {
		t.Errorf("live objects %d -> %d: inline decref did not free the tuple", before, after)
	}
}
