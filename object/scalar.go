package object

import (
	"math"
	"math/big"
)

// NoneObject is the type of the None singleton.
type NoneObject struct{ Header }

func (*NoneObject) Type() *Type { return NoneTypeType }

// None is the singleton None value.
var None = Immortalize(&NoneObject{}).(*NoneObject)

// NewNone returns a new reference to None.
func NewNone() Object { return Acquire(None) }

// Bool is a boolean. Only True and False exist.
type Bool struct {
	Header
	V bool
}

func (*Bool) Type() *Type { return BoolType }

var (
	True  = Immortalize(&Bool{V: true}).(*Bool)
	False = Immortalize(&Bool{V: false}).(*Bool)
)

// NewBool returns a new reference to True or False.
func NewBool(v bool) Object {
	if v {
		return Acquire(True)
	}
	return Acquire(False)
}

// Int is an integer of arbitrary precision. Values that fit a machine word
// are stored inline; others use big.
type Int struct {
	Header
	v int64
	b *big.Int
}

func (*Int) Type() *Type { return IntType }

const (
	smallIntMin = -5
	smallIntMax = 256
)

var smallInts [smallIntMax - smallIntMin + 1]*Int

func init() {
	for i := range smallInts {
		n := &Int{v: int64(i + smallIntMin)}
		Immortalize(n)
		smallInts[i] = n
	}
}

// NewInt returns an integer. Values in [-5, 256] are shared.
func NewInt(v int64) *Int {
	if v >= smallIntMin && v <= smallIntMax {
		return Acquire(smallInts[v-smallIntMin]).(*Int)
	}
	n := &Int{v: v}
	Track(n)
	return n
}

// NewBigInt returns an integer for b, normalizing to the inline form when
// the value fits a machine word. b must not be modified afterwards.
func NewBigInt(b *big.Int) *Int {
	if b.IsInt64() {
		return NewInt(b.Int64())
	}
	n := &Int{b: b}
	Track(n)
	return n
}

// IsSmall reports whether the value fits a machine word.
func (i *Int) IsSmall() bool { return i.b == nil }

// Int64 returns the value and whether it fits a machine word.
func (i *Int) Int64() (int64, bool) {
	if i.b != nil {
		return 0, false
	}
	return i.v, true
}

// Big returns the value as a new big.Int.
func (i *Int) Big() *big.Int {
	if i.b != nil {
		return new(big.Int).Set(i.b)
	}
	return big.NewInt(i.v)
}

// Sign returns -1, 0 or +1.
func (i *Int) Sign() int {
	if i.b != nil {
		return i.b.Sign()
	}
	switch {
	case i.v < 0:
		return -1
	case i.v > 0:
		return 1
	}
	return 0
}

// Float64 converts the value to the nearest float, returning false on
// overflow.
func (i *Int) Float64() (float64, bool) {
	if i.b == nil {
		return float64(i.v), true
	}
	f, _ := new(big.Float).SetInt(i.b).Float64()
	if math.IsInf(f, 0) {
		return f, false
	}
	return f, true
}

// Float is a double precision float.
type Float struct {
	Header
	V float64
}

func (*Float) Type() *Type { return FloatType }

// NewFloat returns a float.
func NewFloat(v float64) *Float {
	f := &Float{V: v}
	Track(f)
	return f
}

// Str is an immutable string.
type Str struct {
	Header
	V string
}

func (*Str) Type() *Type { return StrType }

// NewStr returns a string.
func NewStr(v string) *Str {
	s := &Str{V: v}
	Track(s)
	return s
}

func (s *Str) runes() []rune { return []rune(s.V) }
