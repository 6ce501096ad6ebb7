package object

import (
	"math"
	"math/big"
	"strconv"
	"strings"
)

func init() {
	IntType.New = newIntFromArgs
	FloatType.New = newFloatFromArgs
	StrType.New = func(args []Object) (Object, error) {
		if err := checkArgs("str", args, 0, 1); err != nil {
			return nil, err
		}
		if len(args) == 0 {
			return NewStr(""), nil
		}
		return NewStr(StrOf(args[0])), nil
	}
	BoolType.New = func(args []Object) (Object, error) {
		if err := checkArgs("bool", args, 0, 1); err != nil {
			return nil, err
		}
		if len(args) == 0 {
			return NewBool(false), nil
		}
		t, err := IsTrue(args[0])
		if err != nil {
			return nil, err
		}
		return NewBool(t), nil
	}
	ListType.New = func(args []Object) (Object, error) {
		if err := checkArgs("list", args, 0, 1); err != nil {
			return nil, err
		}
		l := NewList(nil)
		if len(args) == 1 {
			if err := ListExtend(l, args[0]); err != nil {
				Release(l)
				return nil, err
			}
		}
		return l, nil
	}
	TupleType.New = func(args []Object) (Object, error) {
		if err := checkArgs("tuple", args, 0, 1); err != nil {
			return nil, err
		}
		if len(args) == 0 {
			return NewTuple(nil), nil
		}
		if t, ok := args[0].(*Tuple); ok {
			return Acquire(t), nil
		}
		return SequenceToTuple(args[0])
	}
	DictType.New = newDictFromArgs
	RangeType.New = newRangeFromArgs
	TypeType.New = func(args []Object) (Object, error) {
		if err := checkArgs("type", args, 1, 1); err != nil {
			return nil, err
		}
		return Acquire(args[0].Type()), nil
	}
	SliceType.New = func(args []Object) (Object, error) {
		if err := checkArgs("slice", args, 1, 3); err != nil {
			return nil, err
		}
		if len(args) == 1 {
			return NewSlice(nil, Acquire(args[0]), nil), nil
		}
		var step Object
		if len(args) == 3 {
			step = Acquire(args[2])
		}
		return NewSlice(Acquire(args[0]), Acquire(args[1]), step), nil
	}
}

// SequenceToTuple builds a tuple from any iterable.
func SequenceToTuple(o Object) (*Tuple, error) {
	l := NewList(nil)
	defer Release(l)
	if err := ListExtend(l, o); err != nil {
		return nil, err
	}
	items := l.Items
	l.Items = nil
	return NewTuple(items), nil
}

func newIntFromArgs(args []Object) (Object, error) {
	if err := checkArgs("int", args, 0, 2); err != nil {
		return nil, err
	}
	if len(args) == 0 {
		return NewInt(0), nil
	}
	if len(args) == 2 {
		s, ok := args[0].(*Str)
		if !ok {
			return nil, Errorf(TypeErrorType, "int() can't convert non-string with explicit base")
		}
		b, ok := asInt(args[1])
		base, small := int64(0), false
		if ok {
			base, small = b.Int64()
		}
		if !small || base != 0 && (base < 2 || base > 36) {
			return nil, Errorf(ValueErrorType, "int() base must be >= 2 and <= 36, or 0")
		}
		return ParseInt(s.V, int(base))
	}
	switch v := args[0].(type) {
	case *Int:
		return Acquire(v), nil
	case *Bool:
		i, _ := asInt(v)
		return Acquire(i), nil
	case *Float:
		return FloatToInt(v.V)
	case *Str:
		return ParseInt(v.V, 10)
	}
	return nil, Errorf(TypeErrorType, "int() argument must be a string, a bytes-like object or a number, not '%s'", args[0].Type().Name)
}

// FloatToInt truncates f toward zero.
func FloatToInt(f float64) (*Int, error) {
	if math.IsNaN(f) {
		return nil, Errorf(ValueErrorType, "cannot convert float NaN to integer")
	}
	if math.IsInf(f, 0) {
		return nil, Errorf(OverflowErrorType, "cannot convert float infinity to integer")
	}
	t := math.Trunc(f)
	if t >= math.MinInt64 && t < math.MaxInt64 {
		return NewInt(int64(t)), nil
	}
	b, _ := new(big.Float).SetFloat64(t).Int(nil)
	return NewBigInt(b), nil
}

// ParseInt parses an integer literal the way int() does. Base 0 honours
// the 0x, 0o and 0b prefixes.
func ParseInt(s string, base int) (*Int, error) {
	text := strings.TrimSpace(s)
	digits := strings.ReplaceAll(text, "_", "")
	neg := false
	if strings.HasPrefix(digits, "-") || strings.HasPrefix(digits, "+") {
		neg = digits[0] == '-'
		digits = digits[1:]
	}
	lower := strings.ToLower(digits)
	prefixed := func(p string, b int) bool {
		if (base == 0 || base == b) && strings.HasPrefix(lower, p) {
			digits = digits[2:]
			base = b
			return true
		}
		return false
	}
	if !prefixed("0x", 16) && !prefixed("0o", 8) && !prefixed("0b", 2) && base == 0 {
		base = 10
	}
	z, ok := new(big.Int).SetString(digits, base)
	if !ok || digits == "" || strings.HasPrefix(text, "_") || strings.Contains(text, "__") {
		return nil, Errorf(ValueErrorType, "invalid literal for int() with base %d: %s", base, quoteStr(s))
	}
	if neg {
		z.Neg(z)
	}
	return NewBigInt(z), nil
}

func newFloatFromArgs(args []Object) (Object, error) {
	if err := checkArgs("float", args, 0, 1); err != nil {
		return nil, err
	}
	if len(args) == 0 {
		return NewFloat(0), nil
	}
	if s, ok := args[0].(*Str); ok {
		f, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(s.V), "_", ""), 64)
		if err != nil && !strings.Contains(err.Error(), "range") {
			return nil, Errorf(ValueErrorType, "could not convert string to float: %s", quoteStr(s.V))
		}
		return NewFloat(f), nil
	}
	if f, ok := args[0].(*Float); ok {
		return Acquire(f), nil
	}
	f, ok, err := asFloat(args[0])
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, Errorf(TypeErrorType, "float() argument must be a string or a number, not '%s'", args[0].Type().Name)
	}
	return NewFloat(f), nil
}

func newDictFromArgs(args []Object) (Object, error) {
	if err := checkArgs("dict", args, 0, 1); err != nil {
		return nil, err
	}
	d := NewDict()
	if len(args) == 0 {
		return d, nil
	}
	if _, ok := args[0].(*Dict); ok {
		if err := DictMerge(d, args[0], false); err != nil {
			Release(d)
			return nil, err
		}
		return d, nil
	}
	it, err := GetIter(args[0])
	if err != nil {
		Release(d)
		return nil, err
	}
	defer Release(it)
	for i := 0; ; i++ {
		pair, err := Next(it)
		if err != nil {
			Release(d)
			return nil, err
		}
		if pair == nil {
			return d, nil
		}
		items := seqItems(pair)
		if len(items) != 2 {
			Release(pair)
			Release(d)
			return nil, Errorf(ValueErrorType, "dictionary update sequence element #%d has wrong length", i)
		}
		err = d.SetItem(items[0], items[1])
		Release(pair)
		if err != nil {
			Release(d)
			return nil, err
		}
	}
}

func newRangeFromArgs(args []Object) (Object, error) {
	if err := checkArgs("range", args, 1, 3); err != nil {
		return nil, err
	}
	vals := make([]int64, len(args))
	for i, a := range args {
		n, ok := asInt(a)
		if !ok {
			return nil, Errorf(TypeErrorType, "'%s' object cannot be interpreted as an integer", a.Type().Name)
		}
		v, small := n.Int64()
		if !small {
			return nil, Errorf(OverflowErrorType, "Python int too large to convert to C ssize_t")
		}
		vals[i] = v
	}
	start, stop, step := int64(0), int64(0), int64(1)
	switch len(vals) {
	case 1:
		stop = vals[0]
	case 2:
		start, stop = vals[0], vals[1]
	case 3:
		start, stop, step = vals[0], vals[1], vals[2]
	}
	if step == 0 {
		return nil, Errorf(ValueErrorType, "range() arg 3 must not be zero")
	}
	return NewRange(start, stop, step), nil
}
