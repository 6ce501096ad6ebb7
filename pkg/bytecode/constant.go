package bytecode

import (
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
)

// ConstKind tags the value held by a Constant.
type ConstKind uint8

const (
	ConstNone ConstKind = iota
	ConstBool
	ConstInt
	ConstBigInt
	ConstFloat
	ConstStr
	ConstTuple
	ConstCode
)

// Constant is an entry of a code object's constant pool. The pool is kept
// free of runtime objects so code can be serialized and shared; the
// interpreter materializes each constant once per code object.
type Constant struct {
	Kind  ConstKind
	Bool  bool
	Int   int64
	Big   string // decimal digits of a ConstBigInt
	Float float64
	Str   string
	Tuple []Constant
	Code  *Code
}

// NoneConst returns the None constant.
func NoneConst() Constant { return Constant{Kind: ConstNone} }

// BoolConst returns a boolean constant.
func BoolConst(v bool) Constant { return Constant{Kind: ConstBool, Bool: v} }

// IntConst returns a machine-word integer constant.
func IntConst(v int64) Constant { return Constant{Kind: ConstInt, Int: v} }

// BigIntConst returns an integer constant, using the machine-word form when
// the value fits.
func BigIntConst(v *big.Int) Constant {
	if v.IsInt64() {
		return IntConst(v.Int64())
	}
	return Constant{Kind: ConstBigInt, Big: v.String()}
}

// FloatConst returns a float constant.
func FloatConst(v float64) Constant { return Constant{Kind: ConstFloat, Float: v} }

// StrConst returns a string constant.
func StrConst(v string) Constant { return Constant{Kind: ConstStr, Str: v} }

// TupleConst returns a tuple of constants.
func TupleConst(items ...Constant) Constant { return Constant{Kind: ConstTuple, Tuple: items} }

// CodeConst wraps a nested code object.
func CodeConst(c *Code) Constant { return Constant{Kind: ConstCode, Code: c} }

// BigValue returns the value of a ConstBigInt or ConstInt.
func (c Constant) BigValue() *big.Int {
	if c.Kind == ConstInt {
		return big.NewInt(c.Int)
	}
	v, _ := new(big.Int).SetString(c.Big, 10)
	return v
}

// key identifies a constant for deduplication. 1, 1.0 and True stay
// distinct, and so do 0.0 and -0.0.
func (c Constant) key() string {
	switch c.Kind {
	case ConstNone:
		return "N"
	case ConstBool:
		return "B" + strconv.FormatBool(c.Bool)
	case ConstInt:
		return "I" + strconv.FormatInt(c.Int, 10)
	case ConstBigInt:
		return "L" + c.Big
	case ConstFloat:
		return "F" + strconv.FormatUint(math.Float64bits(c.Float), 16)
	case ConstStr:
		return "S" + strconv.Quote(c.Str)
	case ConstTuple:
		parts := make([]string, len(c.Tuple))
		for i, t := range c.Tuple {
			parts[i] = t.key()
		}
		return "T(" + strings.Join(parts, ",") + ")"
	case ConstCode:
		return fmt.Sprintf("C%p", c.Code)
	}
	return "?"
}

// String renders the constant the way source code would spell it.
func (c Constant) String() string {
	switch c.Kind {
	case ConstNone:
		return "None"
	case ConstBool:
		if c.Bool {
			return "True"
		}
		return "False"
	case ConstInt:
		return strconv.FormatInt(c.Int, 10)
	case ConstBigInt:
		return c.Big
	case ConstFloat:
		return formatFloatConst(c.Float)
	case ConstStr:
		return quote(c.Str)
	case ConstTuple:
		parts := make([]string, len(c.Tuple))
		for i, t := range c.Tuple {
			parts[i] = t.String()
		}
		if len(parts) == 1 {
			return "(" + parts[0] + ",)"
		}
		return "(" + strings.Join(parts, ", ") + ")"
	case ConstCode:
		return fmt.Sprintf("<code object %s, file %q, line %d>", c.Code.Name, c.Code.Filename, c.Code.FirstLine)
	}
	return "?"
}

func formatFloatConst(f float64) string {
	switch {
	case math.IsNaN(f):
		return "nan"
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".en") {
		s += ".0"
	}
	return s
}

func quote(s string) string {
	q := strconv.Quote(s)
	if !strings.Contains(s, "'") {
		q = "'" + strings.ReplaceAll(q[1:len(q)-1], `\"`, `"`) + "'"
	}
	return q
}
