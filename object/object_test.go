package object

import (
	"math"
	"math/big"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// Reference counting
// ---------------------------------------------------------------------------

func TestTrackAndRelease(t *testing.T) {
	before := ReadStats()
	l := NewList([]Object{NewStr("a"), NewInt(1000)})
	item := l.Items[0]
	if RefCount(l) != 1 {
		t.Fatalf("RefCount(list) = %d, want 1", RefCount(l))
	}
	Acquire(item)
	Release(l)
	if !IsDead(l) {
		t.Error("list should be dead after its last release")
	}
	if IsDead(item) {
		t.Error("item still referenced should survive")
	}
	Release(item)
	if got := ReadStats().Live() - before.Live(); got != 0 {
		t.Errorf("live objects leaked: %d", got)
	}
}

func TestImmortalSurvivesRelease(t *testing.T) {
	n := NewInt(7)
	for i := 0; i < 10; i++ {
		Release(n)
	}
	if IsDead(n) {
		t.Error("small int must be immortal")
	}
	if !IsImmortal(None) {
		t.Error("None must be immortal")
	}
}

func TestDoubleFreePanics(t *testing.T) {
	s := NewStr("x")
	Release(s)
	defer func() {
		if recover() == nil {
			t.Error("expected panic on negative refcount")
		}
	}()
	Release(s)
}

// ---------------------------------------------------------------------------
// Arithmetic
// ---------------------------------------------------------------------------

func TestIntBinary(t *testing.T) {
	tests := []struct {
		op   BinaryOp
		a, b int64
		want string
	}{
		{OpAdd, 2, 3, "5"},
		{OpSub, 2, 3, "-1"},
		{OpMul, 6, 7, "42"},
		{OpFloorDiv, -7, 2, "-4"},
		{OpMod, -7, 2, "1"},
		{OpMod, 7, -2, "-1"},
		{OpTrueDiv, 1, 2, "0.5"},
		{OpPow, 2, 10, "1024"},
		{OpPow, 2, -1, "0.5"},
		{OpLShift, 1, 70, "1180591620717411303424"},
		{OpRShift, -8, 1, "-4"},
		{OpAdd, math.MaxInt64, 1, "9223372036854775808"},
		{OpMul, math.MaxInt64, 2, "18446744073709551614"},
		{OpAnd, 12, 10, "8"},
		{OpOr, 12, 10, "14"},
		{OpXor, 12, 10, "6"},
	}
	for _, tt := range tests {
		a, b := NewInt(tt.a), NewInt(tt.b)
		r, err := Binary(tt.op, a, b)
		if err != nil {
			t.Errorf("%d %s %d: %v", tt.a, tt.op.Symbol(), tt.b, err)
			continue
		}
		if got := Repr(r); got != tt.want {
			t.Errorf("%d %s %d = %s, want %s", tt.a, tt.op.Symbol(), tt.b, got, tt.want)
		}
		Release(r)
		Release(a)
		Release(b)
	}
}

func TestBigIntNormalizes(t *testing.T) {
	a := NewBigInt(new(big.Int).Lsh(big.NewInt(1), 64))
	b := NewBigInt(new(big.Int).Lsh(big.NewInt(1), 64))
	r, err := Binary(OpSub, a, b)
	if err != nil {
		t.Fatal(err)
	}
	if ShapeOf(r) != ShapeSmallInt {
		t.Errorf("ShapeOf(2**64 - 2**64) = %s, want small-int", ShapeOf(r))
	}
	if ShapeOf(a) != ShapeBigInt {
		t.Errorf("ShapeOf(2**64) = %s, want big-int", ShapeOf(a))
	}
}

func TestDivisionByZero(t *testing.T) {
	tests := []struct {
		a, b Object
		op   BinaryOp
		msg  string
	}{
		{NewInt(1), NewInt(0), OpTrueDiv, "ZeroDivisionError: division by zero"},
		{NewInt(1), NewInt(0), OpFloorDiv, "ZeroDivisionError: integer division or modulo by zero"},
		{NewFloat(1), NewInt(0), OpTrueDiv, "ZeroDivisionError: float division by zero"},
		{NewFloat(1), NewFloat(0), OpMod, "ZeroDivisionError: float modulo by zero"},
	}
	for _, tt := range tests {
		_, err := Binary(tt.op, tt.a, tt.b)
		if err == nil || err.Error() != tt.msg {
			t.Errorf("%s %s %s: err = %v, want %q", Repr(tt.a), tt.op.Symbol(), Repr(tt.b), err, tt.msg)
		}
		if exc := AsException(err); !exc.Matches(ArithmeticErrorType) {
			t.Errorf("%v should be an ArithmeticError", err)
		}
	}
}

func TestFloatFloorDivSigns(t *testing.T) {
	r, err := Binary(OpFloorDiv, NewFloat(-7), NewFloat(2))
	if err != nil {
		t.Fatal(err)
	}
	if got := Repr(r); got != "-4.0" {
		t.Errorf("-7.0 // 2.0 = %s, want -4.0", got)
	}
	r, err = Binary(OpMod, NewFloat(-7), NewFloat(2))
	if err != nil {
		t.Fatal(err)
	}
	if got := Repr(r); got != "1.0" {
		t.Errorf("-7.0 %% 2.0 = %s, want 1.0", got)
	}
}

func TestConcatTypeError(t *testing.T) {
	_, err := Binary(OpAdd, NewStr("a"), NewInt(1))
	want := `TypeError: can only concatenate str (not "int") to str`
	if err == nil || err.Error() != want {
		t.Errorf("err = %v, want %q", err, want)
	}
	_, err = Binary(OpSub, NewStr("a"), NewInt(1))
	want = "TypeError: unsupported operand type(s) for -: 'str' and 'int'"
	if err == nil || err.Error() != want {
		t.Errorf("err = %v, want %q", err, want)
	}
}

func TestInPlaceListExtends(t *testing.T) {
	l := NewList([]Object{NewInt(1)})
	other := NewTupleOf(NewInt(2), NewInt(3))
	r, err := InPlace(OpAdd, l, other)
	if err != nil {
		t.Fatal(err)
	}
	if r != Object(l) {
		t.Error("list += should return the same list")
	}
	if got := Repr(l); got != "[1, 2, 3]" {
		t.Errorf("list = %s", got)
	}
}

// ---------------------------------------------------------------------------
// Comparison and hashing
// ---------------------------------------------------------------------------

func TestCompare(t *testing.T) {
	tests := []struct {
		a, b Object
		op   CompareOp
		want bool
	}{
		{NewInt(1), NewFloat(1.0), CmpEq, true},
		{True, NewInt(1), CmpEq, true},
		{NewFloat(math.NaN()), NewFloat(math.NaN()), CmpEq, false},
		{NewFloat(math.NaN()), NewInt(1), CmpLt, false},
		{NewStr("a"), NewStr("b"), CmpLt, true},
		{NewTupleOf(NewInt(1), NewInt(2)), NewTupleOf(NewInt(1), NewInt(3)), CmpLt, true},
		{NewList(nil), NewList([]Object{NewInt(0)}), CmpLe, true},
		{NewFloat(9007199254740993), NewBigInt(big.NewInt(9007199254740993)), CmpLt, true},
		{None, None, CmpEq, true},
		{NewStr("1"), NewInt(1), CmpNe, true},
	}
	for _, tt := range tests {
		got, err := CompareBool(tt.a, tt.b, tt.op)
		if err != nil {
			t.Errorf("%s %s %s: %v", Repr(tt.a), tt.op.Symbol(), Repr(tt.b), err)
			continue
		}
		if got != tt.want {
			t.Errorf("%s %s %s = %v, want %v", Repr(tt.a), tt.op.Symbol(), Repr(tt.b), got, tt.want)
		}
	}
}

func TestCompareUnorderable(t *testing.T) {
	_, err := CompareBool(NewInt(1), NewStr("a"), CmpLt)
	want := "TypeError: '<' not supported between instances of 'int' and 'str'"
	if err == nil || err.Error() != want {
		t.Errorf("err = %v, want %q", err, want)
	}
}

func TestHashConsistency(t *testing.T) {
	h1, _ := Hash(NewInt(3))
	h2, _ := Hash(NewFloat(3.0))
	if h1 != h2 {
		t.Error("hash(3) != hash(3.0)")
	}
	h3, _ := Hash(True)
	h4, _ := Hash(NewInt(1))
	if h3 != h4 {
		t.Error("hash(True) != hash(1)")
	}
	if _, err := Hash(NewList(nil)); err == nil || !strings.Contains(err.Error(), "unhashable type: 'list'") {
		t.Errorf("hash(list) err = %v", err)
	}
}

// ---------------------------------------------------------------------------
// Dict
// ---------------------------------------------------------------------------

func TestDictOrderAndDelete(t *testing.T) {
	d := NewDict()
	for i, k := range []string{"b", "a", "c"} {
		v := NewInt(int64(i))
		d.SetString(k, v)
		Release(v)
	}
	key := NewStr("a")
	found, err := d.DelItem(key)
	if err != nil || !found {
		t.Fatalf("DelItem = %v, %v", found, err)
	}
	if got := Repr(d); got != "{'b': 0, 'c': 2}" {
		t.Errorf("dict = %s", got)
	}
	one := NewInt(1)
	if err := d.SetItem(NewFloat(1.0), one); err != nil {
		t.Fatal(err)
	}
	v, err := d.Lookup(one)
	if err != nil || v != Object(one) {
		t.Errorf("d[1] after d[1.0] = 1: got %v, %v", v, err)
	}
}

func TestDictKeyError(t *testing.T) {
	d := NewDict()
	_, err := GetItem(d, NewStr("missing"))
	if err == nil || err.Error() != "KeyError: 'missing'" {
		t.Errorf("err = %v", err)
	}
}

// ---------------------------------------------------------------------------
// Sequences
// ---------------------------------------------------------------------------

func ints(vals ...int64) []Object {
	out := make([]Object, len(vals))
	for i, v := range vals {
		out[i] = NewInt(v)
	}
	return out
}

func TestSliceSequence(t *testing.T) {
	tests := []struct {
		start, stop, step int64
		want              string
	}{
		{SliceNone, SliceNone, 1, "[0, 1, 2, 3, 4]"},
		{1, 3, 1, "[1, 2]"},
		{SliceNone, SliceNone, -1, "[4, 3, 2, 1, 0]"},
		{SliceNone, SliceNone, 2, "[0, 2, 4]"},
		{-2, SliceNone, 1, "[3, 4]"},
		{10, 20, 1, "[]"},
		{3, 0, -1, "[3, 2, 1]"},
	}
	l := NewList(ints(0, 1, 2, 3, 4))
	for _, tt := range tests {
		r, ok, err := SliceSequence(l, tt.start, tt.stop, tt.step)
		if err != nil || !ok {
			t.Errorf("slice(%d,%d,%d): %v", tt.start, tt.stop, tt.step, err)
			continue
		}
		if got := Repr(r); got != tt.want {
			t.Errorf("slice(%d,%d,%d) = %s, want %s", tt.start, tt.stop, tt.step, got, tt.want)
		}
		Release(r)
	}
	if _, _, err := SliceSequence(l, 0, 1, 0); err == nil {
		t.Error("zero step should fail")
	}
}

func TestGetItemIndexErrors(t *testing.T) {
	l := NewList(ints(1, 2))
	if _, err := GetIndex(l, 2); err == nil || err.Error() != "IndexError: list index out of range" {
		t.Errorf("err = %v", err)
	}
	v, err := GetIndex(l, -1)
	if err != nil || Repr(v) != "2" {
		t.Errorf("l[-1] = %v, %v", v, err)
	}
	if err := SetItem(NewTupleOf(), NewInt(0), None); err == nil || !strings.Contains(err.Error(), "does not support item assignment") {
		t.Errorf("tuple assignment err = %v", err)
	}
}

func TestIterators(t *testing.T) {
	sources := []struct {
		o    Object
		want string
	}{
		{NewList(ints(1, 2)), "[1, 2]"},
		{NewTupleOf(NewStr("x")), "['x']"},
		{NewStr("ab"), "['a', 'b']"},
		{NewRange(5, 0, -2), "[5, 3, 1]"},
	}
	for _, s := range sources {
		l, err := ListType.New([]Object{s.o})
		if err != nil {
			t.Fatal(err)
		}
		if got := Repr(l); got != s.want {
			t.Errorf("list(%s) = %s, want %s", Repr(s.o), got, s.want)
		}
	}
}

func TestDictIteratorChangedSize(t *testing.T) {
	d := NewDict()
	d.SetString("a", None)
	it, err := GetIter(d)
	if err != nil {
		t.Fatal(err)
	}
	d.SetString("b", None)
	if _, err := Next(it); err == nil || !strings.Contains(err.Error(), "changed size") {
		t.Errorf("err = %v", err)
	}
}

// ---------------------------------------------------------------------------
// Repr and formatting
// ---------------------------------------------------------------------------

func TestFormatFloat(t *testing.T) {
	tests := []struct {
		f    float64
		want string
	}{
		{1, "1.0"},
		{0.1, "0.1"},
		{1e16, "1e+16"},
		{1.5e-5, "1.5e-05"},
		{123456789.125, "123456789.125"},
		{math.Inf(-1), "-inf"},
		{math.Copysign(0, -1), "-0.0"},
	}
	for _, tt := range tests {
		if got := FormatFloat(tt.f); got != tt.want {
			t.Errorf("FormatFloat(%v) = %q, want %q", tt.f, got, tt.want)
		}
	}
}

func TestReprContainers(t *testing.T) {
	tests := []struct {
		o    Object
		want string
	}{
		{NewTupleOf(NewInt(1)), "(1,)"},
		{NewTuple(nil), "()"},
		{NewStr("it's"), `"it's"`},
		{NewStr("a\nb"), `'a\nb'`},
		{NewRange(0, 3, 1), "range(0, 3)"},
		{IntType, "<class 'int'>"},
	}
	for _, tt := range tests {
		if got := Repr(tt.o); got != tt.want {
			t.Errorf("Repr = %s, want %s", got, tt.want)
		}
	}
}

func TestStrOf(t *testing.T) {
	tests := []struct {
		o    Object
		want string
	}{
		{NewStr("a\nb"), "a\nb"},
		{NewInt(-3), "-3"},
		{None, "None"},
		{NewTupleOf(NewStr("x")), "('x',)"},
	}
	for _, tt := range tests {
		if got := StrOf(tt.o); got != tt.want {
			t.Errorf("StrOf(%s) = %q, want %q", Repr(tt.o), got, tt.want)
		}
		if s, ok := tt.o.(*Str); ok && StrOf(s) != s.V {
			t.Errorf("StrOf(%s) differs from the string's value", Repr(s))
		}
	}
}

func TestFormatPercent(t *testing.T) {
	args := NewTupleOf(NewStr("x"), NewInt(42), NewFloat(1.5))
	r, err := Binary(OpMod, NewStr("%s=%d (%.2f) 100%%"), args)
	if err != nil {
		t.Fatal(err)
	}
	if got := StrOf(r); got != "x=42 (1.50) 100%" {
		t.Errorf("got %q", got)
	}
	if _, err := Binary(OpMod, NewStr("%s"), NewTupleOf()); err == nil {
		t.Error("expected not enough arguments error")
	}
}

// ---------------------------------------------------------------------------
// Constructors and methods
// ---------------------------------------------------------------------------

func TestParseInt(t *testing.T) {
	tests := []struct {
		s    string
		base int
		want string
		ok   bool
	}{
		{" 42 ", 10, "42", true},
		{"-0x1f", 0, "-31", true},
		{"1_000", 10, "1000", true},
		{"ff", 16, "255", true},
		{"12a", 10, "", false},
		{"", 10, "", false},
	}
	for _, tt := range tests {
		n, err := ParseInt(tt.s, tt.base)
		if (err == nil) != tt.ok {
			t.Errorf("ParseInt(%q, %d) err = %v", tt.s, tt.base, err)
			continue
		}
		if err == nil && Repr(n) != tt.want {
			t.Errorf("ParseInt(%q, %d) = %s, want %s", tt.s, tt.base, Repr(n), tt.want)
		}
	}
}

func TestFloatToInt(t *testing.T) {
	n, err := FloatToInt(-3.9)
	if err != nil || Repr(n) != "-3" {
		t.Errorf("int(-3.9) = %v, %v", n, err)
	}
	if _, err := FloatToInt(math.NaN()); err == nil {
		t.Error("int(nan) should fail")
	}
}

func callMethod(t *testing.T, self Object, name string, args ...Object) Object {
	t.Helper()
	m, err := GetAttr(self, name)
	if err != nil {
		t.Fatal(err)
	}
	defer Release(m)
	bm := m.(*BoundMethod)
	r, err := bm.Fn(bm.Self, args)
	if err != nil {
		t.Fatalf("%s(): %v", name, err)
	}
	return r
}

func TestListMethods(t *testing.T) {
	l := NewList(ints(3, 1, 2))
	callMethod(t, l, "append", NewInt(0))
	callMethod(t, l, "sort")
	if got := Repr(l); got != "[0, 1, 2, 3]" {
		t.Errorf("sorted = %s", got)
	}
	popped := callMethod(t, l, "pop", NewInt(0))
	if Repr(popped) != "0" {
		t.Errorf("pop(0) = %s", Repr(popped))
	}
	callMethod(t, l, "insert", NewInt(-100), NewInt(9))
	if got := Repr(l); got != "[9, 1, 2, 3]" {
		t.Errorf("after insert = %s", got)
	}
	if got := Repr(callMethod(t, l, "index", NewInt(2))); got != "2" {
		t.Errorf("index(2) = %s", got)
	}
}

func TestDictAndStrMethods(t *testing.T) {
	d := NewDict()
	d.SetString("k", NewInt(1))
	if got := Repr(callMethod(t, d, "get", NewStr("x"), NewInt(5))); got != "5" {
		t.Errorf("get default = %s", got)
	}
	if got := Repr(callMethod(t, d, "items")); got != "[('k', 1)]" {
		t.Errorf("items = %s", got)
	}
	s := NewStr(" a,b ")
	parts := callMethod(t, callMethod(t, s, "strip"), "split", NewStr(","))
	if got := Repr(parts); got != "['a', 'b']" {
		t.Errorf("split = %s", got)
	}
	if got := StrOf(callMethod(t, NewStr("-"), "join", parts)); got != "a-b" {
		t.Errorf("join = %s", got)
	}
}

func TestGetAttrMissing(t *testing.T) {
	_, err := GetAttr(NewInt(1), "nope")
	want := "AttributeError: 'int' object has no attribute 'nope'"
	if err == nil || err.Error() != want {
		t.Errorf("err = %v, want %q", err, want)
	}
}

func TestShapeNames(t *testing.T) {
	tests := []struct {
		o    Object
		want string
	}{
		{NewInt(1), "small-int"},
		{NewFloat(1), "float"},
		{NewStr(""), "string"},
		{NewList(nil), "list"},
		{NewTuple(nil), "tuple"},
		{NewDict(), "dict"},
		{None, "none"},
		{True, "bool"},
	}
	for _, tt := range tests {
		if got := ShapeOf(tt.o).String(); got != tt.want {
			t.Errorf("ShapeOf(%s) = %s, want %s", Repr(tt.o), got, tt.want)
		}
	}
}

func TestExceptionTraceback(t *testing.T) {
	e := Errorf(ValueErrorType, "bad %d", 3)
	e.AddTraceback("inner", "t.py", 4)
	e.AddTraceback("outer", "t.py", 9)
	tb := e.FormatTraceback()
	if !strings.HasSuffix(tb, "ValueError: bad 3") {
		t.Errorf("traceback = %q", tb)
	}
	if strings.Index(tb, "outer") > strings.Index(tb, "inner") {
		t.Error("outermost frame should be printed first")
	}
}
