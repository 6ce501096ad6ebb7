package vm

import (
	"bytes"
	"testing"

	"github.com/chazu/kestrel/object"
)

// ---------------------------------------------------------------------------
// Argument binding errors
// ---------------------------------------------------------------------------

func TestCallBindingErrors(t *testing.T) {
	const defs = "def f(a, b):\n    pass\ndef g(a, b=1):\n    pass\ndef h(a, *, k):\n    pass\ndef many(a, b, c):\n    pass\n"
	tests := []struct {
		call string
		want string
	}{
		{"f(1)", "TypeError: f() missing 1 required positional argument: 'b'"},
		{"f()", "TypeError: f() missing 2 required positional arguments: 'a' and 'b'"},
		{"many()", "TypeError: many() missing 3 required positional arguments: 'a', 'b', and 'c'"},
		{"f(1, 2, 3)", "TypeError: f() takes 2 positional arguments but 3 were given"},
		{"g(1, 2, 3)", "TypeError: g() takes from 1 to 2 positional arguments but 3 were given"},
		{"f(1, c=2)", "TypeError: f() got an unexpected keyword argument 'c'"},
		{"f(1, a=2)", "TypeError: f() got multiple values for argument 'a'"},
		{"h(1)", "TypeError: h() missing 1 required keyword-only argument: 'k'"},
		{"h(1, 2, k=3)", "TypeError: h() takes 1 positional argument but 2 positional arguments (and 1 keyword-only argument) were given"},
		{"len(1, 2)", "TypeError: len() takes exactly 1 argument (2 given)"},
		{"len(x=1)", "TypeError: len() takes no keyword arguments"},
		{"1()", "TypeError: 'int' object is not callable"},
		{"f(*1)", "TypeError: 'int' object is not iterable"},
		{"f(**[1])", "TypeError: 'list' object is not a mapping"},
		{"f(**{'a': 1}, **{'a': 2})", "TypeError: got multiple values for keyword argument 'a'"},
	}
	for _, tt := range tests {
		exc := runErr(t, defs+tt.call+"\n")
		if got := exc.Error(); got != tt.want {
			t.Errorf("%s raised %q, want %q", tt.call, got, tt.want)
		}
		object.Release(exc)
	}
}

// ---------------------------------------------------------------------------
// Calls from Go
// ---------------------------------------------------------------------------

func TestInterpreterCall(t *testing.T) {
	in := New(WithStdout(&bytes.Buffer{}))
	globals := in.NewGlobals("__main__")
	defer object.Release(globals)
	r, err := in.Exec(compile(t, "def mul(a, b):\n    return a * b\nvalue = 3\n"), globals)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	object.Release(r)

	fn, err := in.Function(globals, "mul")
	if err != nil {
		t.Fatalf("Function: %v", err)
	}
	if fn.Qualname != "mul" {
		t.Errorf("Qualname = %q, want mul", fn.Qualname)
	}
	a, b := object.NewInt(6), object.NewInt(7)
	defer object.Release(a)
	defer object.Release(b)
	got, err := in.Call(fn, a, b)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	defer object.Release(got)
	if n, _ := got.(*object.Int).Int64(); n != 42 {
		t.Errorf("mul(6, 7) = %s, want 42", object.Repr(got))
	}

	if _, err := in.Function(globals, "value"); err == nil {
		t.Error("Function(value) should fail for a non-function")
	}
	if _, err := in.Function(globals, "missing"); err == nil {
		t.Error("Function(missing) should fail")
	}
	if v := in.Lookup(globals, "len"); v == nil {
		t.Error("Lookup(len) should fall back to builtins")
	}
}

func TestNativeSeesThread(t *testing.T) {
	in := New(WithStdout(&bytes.Buffer{}))
	globals := in.NewGlobals("__main__")
	defer object.Release(globals)

	var depth int
	globals.SetString("probe", NewNative("probe", func(th *Thread, args []object.Object) (object.Object, error) {
		depth = th.Depth()
		return object.NewNone(), nil
	}))
	r, err := in.Exec(compile(t, "def f():\n    probe()\nf()\n"), globals)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	object.Release(r)
	if depth != 2 {
		t.Errorf("depth inside f = %d, want 2", depth)
	}
}
