package vm

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/chazu/kestrel/compiler"
	"github.com/chazu/kestrel/object"
	"github.com/chazu/kestrel/pkg/bytecode"
)

func compile(t *testing.T, src string) *bytecode.Code {
	t.Helper()
	code, err := compiler.Compile(src, "test.py")
	if err != nil {
		t.Fatalf("Compile: %v\n%s", err, src)
	}
	return code
}

// run executes src as a module and returns what it printed.
func run(t *testing.T, src string) string {
	t.Helper()
	var out bytes.Buffer
	in := New(WithStdout(&out))
	globals := in.NewGlobals("__main__")
	defer object.Release(globals)
	r, err := in.Exec(compile(t, src), globals)
	if err != nil {
		t.Fatalf("Exec: %v\n%s", err, src)
	}
	object.Release(r)
	return out.String()
}

// runErr executes src and returns the uncaught exception.
func runErr(t *testing.T, src string) *object.Exception {
	t.Helper()
	in := New(WithStdout(&bytes.Buffer{}))
	globals := in.NewGlobals("__main__")
	defer object.Release(globals)
	r, err := in.Exec(compile(t, src), globals)
	if err == nil {
		object.Release(r)
		t.Fatalf("Exec succeeded, want an exception\n%s", src)
	}
	var exc *object.Exception
	if !errors.As(err, &exc) {
		t.Fatalf("Exec error %T is not an exception", err)
	}
	return exc
}

// ---------------------------------------------------------------------------
// Expressions and statements
// ---------------------------------------------------------------------------

func TestEvalPrograms(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"arithmetic", "print(1 + 2 * 3)\n", "7\n"},
		{"floor and modulo", "print(7 // 2, 7 % 3, -7 // 2)\n", "3 1 -4\n"},
		{"true division", "print(1 / 2)\n", "0.5\n"},
		{"big ints", "print(2 ** 100)\n", "1267650600228229401496703205376\n"},
		{"strings", "print('ab' + 'cd', 'x' * 3)\n", "abcd xxx\n"},
		{"subscripts", "x = [1, 2, 3]\nprint(x[1], x[-1], x[:2])\n", "2 3 [1, 2]\n"},
		{"dicts", "d = {'a': 1}\nd['b'] = 2\nprint(d, len(d))\n", "{'a': 1, 'b': 2} 2\n"},
		{"swap", "a, b = 1, 2\na, b = b, a\nprint(a, b)\n", "2 1\n"},
		{"while", "i = 0\ns = 0\nwhile i < 5:\n    s += i\n    i += 1\nprint(s)\n", "10\n"},
		{"for else", "for i in range(3):\n    pass\nelse:\n    print('done', i)\n", "done 2\n"},
		{"break skips else", "for i in range(10):\n    if i == 4:\n        break\nelse:\n    print('no')\nprint(i)\n", "4\n"},
		{"comprehension", "print([x * x for x in range(4)])\n", "[0, 1, 4, 9]\n"},
		{"conditional expression", "print('yes' if 1 < 2 else 'no')\n", "yes\n"},
		{"chained compare", "print(1 < 2 < 3, 3 in [1, 2, 3], None is None)\n", "True True True\n"},
		{"boolean operators", "print(0 or 5, 1 and 0, not 1)\n", "5 0 False\n"},
		{"builtins", "print(sorted([3, 1, 2]), min(4, 2), max([1, 5]), sum(range(5)))\n", "[1, 2, 3] 2 5 10\n"},
		{"unpack list", "a, b = [3, 4]\nprint(a + b)\n", "7\n"},
		{"delete from dict", "d = {'a': 1, 'b': 2}\ndel d['a']\nprint(d)\n", "{'b': 2}\n"},
		{"enumerate zip", "print(list(enumerate('ab')), list(zip([1, 2], [3, 4])))\n", "[(0, 'a'), (1, 'b')] [(1, 3), (2, 4)]\n"},
		{"map filter", "print(list(map(lambda x: x + 1, [1, 2])), list(filter(None, [0, 1, 2])))\n", "[2, 3] [1, 2]\n"},
		{"any all", "print(any([0, 1]), all([1, 0]), all([]))\n", "True False True\n"},
		{"isinstance", "print(isinstance(True, int), isinstance(1.0, (int, str)))\n", "True False\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := run(t, tt.src); got != tt.want {
				t.Errorf("output = %q, want %q", got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Functions and closures
// ---------------------------------------------------------------------------

func TestEvalFunctions(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{
			"defaults and collectors",
			"def f(a, b=2, *args, c=3, **kw):\n    return (a, b, args, c, kw)\nprint(f(1))\nprint(f(1, 5, 6, c=7, d=8))\n",
			"(1, 2, (), 3, {})\n(1, 5, (6,), 7, {'d': 8})\n",
		},
		{
			"nonlocal counter",
			"def counter():\n    n = 0\n    def inc():\n        nonlocal n\n        n += 1\n        return n\n    return inc\nc = counter()\nc()\nprint(c(), c())\n",
			"2 3\n",
		},
		{
			"captured parameter",
			"def adder(k):\n    def add(x):\n        return x + k\n    return add\nprint(adder(10)(5))\n",
			"15\n",
		},
		{
			"recursion",
			"def fib(n):\n    if n < 2:\n        return n\n    return fib(n - 1) + fib(n - 2)\nprint(fib(15))\n",
			"610\n",
		},
		{
			"star call",
			"def f(a, b):\n    return a - b\nargs = [5, 3]\nprint(f(*args), f(**{'b': 1, 'a': 4}))\n",
			"2 3\n",
		},
		{
			"keyword call",
			"def f(a, b):\n    return a - b\nprint(f(b=1, a=3))\n",
			"2\n",
		},
		{
			"global statement",
			"n = 0\ndef bump():\n    global n\n    n += 1\nbump()\nbump()\nprint(n)\n",
			"2\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := run(t, tt.src); got != tt.want {
				t.Errorf("output = %q, want %q", got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Exceptions
// ---------------------------------------------------------------------------

func TestEvalExceptionHandling(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{
			"caught",
			"try:\n    1 / 0\nexcept ZeroDivisionError as e:\n    print('caught', e)\n",
			"caught division by zero\n",
		},
		{
			"finally on return",
			"def f():\n    try:\n        return 1\n    finally:\n        print('cleanup')\nprint(f())\n",
			"cleanup\n1\n",
		},
		{
			"bare raise",
			"try:\n    try:\n        raise ValueError('inner')\n    except ValueError:\n        raise\nexcept Exception as e:\n    print(repr(e))\n",
			"ValueError('inner')\n",
		},
		{
			"unmatched handler propagates",
			"try:\n    try:\n        [][1]\n    except KeyError:\n        print('wrong')\nexcept IndexError as e:\n    print('index', e)\n",
			"index list index out of range\n",
		},
		{
			"handler tuple",
			"try:\n    {}['k']\nexcept (IndexError, KeyError) as e:\n    print('key', e)\n",
			"key 'k'\n",
		},
		{
			"else clause",
			"try:\n    x = 1\nexcept Exception:\n    print('no')\nelse:\n    print('else', x)\n",
			"else 1\n",
		},
		{
			"finally after handled exception",
			"try:\n    try:\n        raise KeyError('a')\n    finally:\n        print('finally')\nexcept KeyError:\n    print('outer')\n",
			"finally\nouter\n",
		},
		{
			"recursion limit",
			"def down(n):\n    return down(n + 1)\ntry:\n    down(0)\nexcept RecursionError as e:\n    print('deep', e)\n",
			"deep maximum recursion depth exceeded\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := run(t, tt.src); got != tt.want {
				t.Errorf("output = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEvalUncaughtExceptions(t *testing.T) {
	tests := []struct {
		src  string
		want string
	}{
		{"x = undefined_name\n", "NameError: name 'undefined_name' is not defined"},
		{"def f():\n    print(x)\n    x = 1\nf()\n", "UnboundLocalError: local variable 'x' referenced before assignment"},
		{"assert 1 == 2, 'nope'\n", "AssertionError: nope"},
		{"a, b = [1, 2, 3]\n", "ValueError: too many values to unpack (expected 2)"},
		{"a, b, c = (1, 2)\n", "ValueError: not enough values to unpack (expected 3, got 2)"},
		{"raise 5\n", "TypeError: exceptions must derive from BaseException"},
		{"raise\n", "RuntimeError: No active exception to reraise"},
		{"1 + 'a'\n", "TypeError: unsupported operand type(s) for +: 'int' and 'str'"},
	}
	for _, tt := range tests {
		exc := runErr(t, tt.src)
		if got := exc.Error(); got != tt.want {
			t.Errorf("%q raised %q, want %q", tt.src, got, tt.want)
		}
		object.Release(exc)
	}
}

func TestEvalTraceback(t *testing.T) {
	exc := runErr(t, "def inner():\n    return 1 / 0\ndef outer():\n    return inner()\nouter()\n")
	defer object.Release(exc)
	want := []object.TraceEntry{
		{Function: "inner", Filename: "test.py", Line: 2},
		{Function: "outer", Filename: "test.py", Line: 4},
		{Function: "<module>", Filename: "test.py", Line: 5},
	}
	if len(exc.Traceback) != len(want) {
		t.Fatalf("traceback = %v, want %v", exc.Traceback, want)
	}
	for i, te := range want {
		if exc.Traceback[i] != te {
			t.Errorf("traceback[%d] = %v, want %v", i, exc.Traceback[i], te)
		}
	}
	if !strings.HasSuffix(exc.FormatTraceback(), "ZeroDivisionError: division by zero") {
		t.Errorf("FormatTraceback() =\n%s", exc.FormatTraceback())
	}
}

func TestEvalRaiseFrom(t *testing.T) {
	exc := runErr(t, "try:\n    1 / 0\nexcept ZeroDivisionError as e:\n    raise ValueError('wrapped') from e\n")
	defer object.Release(exc)
	if !exc.Matches(object.ValueErrorType) {
		t.Fatalf("raised %v, want ValueError", exc)
	}
	if exc.Cause == nil || !exc.Cause.Matches(object.ZeroDivisionErrorType) {
		t.Errorf("cause = %v, want ZeroDivisionError", exc.Cause)
	}
}

// ---------------------------------------------------------------------------
// Recursion limit
// ---------------------------------------------------------------------------

func TestRecursionLimit(t *testing.T) {
	in := New(WithRecursionLimit(50))
	if in.RecursionLimit() != 50 {
		t.Fatalf("RecursionLimit() = %d, want 50", in.RecursionLimit())
	}
	if err := in.SetRecursionLimit(0); !errors.Is(err, ErrInvalidRecursionLimit) {
		t.Errorf("SetRecursionLimit(0) = %v, want ErrInvalidRecursionLimit", err)
	}

	globals := in.NewGlobals("__main__")
	defer object.Release(globals)
	src := "def depth(n):\n    try:\n        return depth(n + 1)\n    except RecursionError:\n        return n\nresult = depth(1)\n"
	r, err := in.Exec(compile(t, src), globals)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	object.Release(r)

	// The module frame holds one level, so the deepest call is depth(49).
	got := globals.LookupString("result")
	if n, _ := got.(*object.Int).Int64(); n != 49 {
		t.Errorf("deepest frame = %d, want 49", n)
	}
	if in.Main().Depth() != 0 {
		t.Errorf("Depth() after Exec = %d, want 0", in.Main().Depth())
	}
}
