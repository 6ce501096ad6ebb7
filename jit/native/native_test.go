package native

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/chazu/kestrel/jit/il"
)

var testHelper = il.Register(il.Helper{Name: "NATIVE_TEST_HELPER", Args: 1, Returns: true, Fn: func(c *il.Context, args []il.Value) (il.Value, error) {
	return args[0], nil
}})

func testMethod(t *testing.T) *il.Method {
	t.Helper()
	b := il.NewBuilder("native", nil, 1)
	skip := b.NewLabel()
	b.EmitI4(7)
	b.EmitCall(testHelper)
	b.Emit(il.Dup)
	b.Emit(il.RcDec)
	b.EmitBranch(il.Brfalse, skip)
	b.Emit(il.Ldnull)
	b.Emit(il.Pop)
	b.Mark(skip)
	b.EmitStore(b.Slot(0))
	b.EmitLoad(b.Slot(0))
	b.Emit(il.Ldnull)
	b.Emit(il.Ceq)
	b.Emit(il.Ret)
	m, err := b.Finish()
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestLower(t *testing.T) {
	m := testMethod(t)
	c, err := Lower(m, Target{OS: "linux", Arch: "amd64"})
	if err != nil {
		t.Fatalf("Lower: %v", err)
	}
	if len(c.Offsets) != len(m.Instrs) {
		t.Fatalf("%d offsets for %d instructions", len(c.Offsets), len(m.Instrs))
	}
	for i := 1; i < len(c.Offsets); i++ {
		if c.Offsets[i] <= c.Offsets[i-1] {
			t.Errorf("native offsets not increasing at %d: %v", i, c.Offsets)
		}
	}
	if c.Bytes[0] != 0x55 {
		t.Errorf("code starts with 0x%02x, want push rbp", c.Bytes[0])
	}
	if want := testHelper.Address(); c.Symbols()[want] != "NATIVE_TEST_HELPER" {
		t.Errorf("Symbols() = %v", c.Symbols())
	}
}

func TestDisassemble(t *testing.T) {
	c, err := Lower(testMethod(t), Target{OS: "linux", Arch: "amd64"})
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	if err := c.Disassemble(&out, true); err != nil {
		t.Fatal(err)
	}
	listing := out.String()
	if strings.Contains(listing, " db 0x") {
		t.Errorf("listing contains undecodable bytes:\n%s", listing)
	}
	lower := strings.ToLower(listing)
	for _, want := range []string{"push rbp", "call rax ; native_test_helper", "lock", "ret", "; il_0000 ldc.i4"} {
		if !strings.Contains(lower, want) {
			t.Errorf("listing lacks %q:\n%s", want, listing)
		}
	}

	out.Reset()
	if err := c.Disassemble(&out, false); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out.String(), "; IL_") {
		t.Error("offset annotations without showOffsets")
	}
}

func TestLowerUnsupported(t *testing.T) {
	m := testMethod(t)
	for _, target := range []Target{{"windows", "amd64"}, {"linux", "arm64"}, {"darwin", "arm64"}} {
		if _, err := Lower(m, target); !errors.Is(err, ErrUnsupported) {
			t.Errorf("Lower(%s) error = %v, want ErrUnsupported", target, err)
		}
	}
	if HostSupported() != Host().Supported() {
		t.Errorf("HostSupported() = %v disagrees with Host() %s", HostSupported(), Host())
	}
}
