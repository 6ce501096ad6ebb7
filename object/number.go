package object

import (
	"math"
	"math/big"
	"math/bits"
)

// BinaryOp identifies a binary arithmetic or bitwise operator.
type BinaryOp int

const (
	OpAdd BinaryOp = iota
	OpSub
	OpMul
	OpTrueDiv
	OpFloorDiv
	OpMod
	OpPow
	OpLShift
	OpRShift
	OpAnd
	OpOr
	OpXor
)

var binaryOpSymbols = [...]string{"+", "-", "*", "/", "//", "%", "**", "<<", ">>", "&", "|", "^"}

// Symbol returns the operator as written in source.
func (op BinaryOp) Symbol() string {
	if int(op) < len(binaryOpSymbols) {
		return binaryOpSymbols[op]
	}
	return "?"
}

// asInt returns the integer view of ints and bools.
func asInt(o Object) (*Int, bool) {
	switch v := o.(type) {
	case *Int:
		return v, true
	case *Bool:
		if v.V {
			return smallInts[1-smallIntMin], true
		}
		return smallInts[-smallIntMin], true
	}
	return nil, false
}

// asFloat returns the float view of ints, bools and floats.
func asFloat(o Object) (float64, bool, error) {
	switch v := o.(type) {
	case *Float:
		return v.V, true, nil
	case *Int, *Bool:
		i, _ := asInt(v)
		f, ok := i.Float64()
		if !ok {
			return 0, true, Errorf(OverflowErrorType, "int too large to convert to float")
		}
		return f, true, nil
	}
	return 0, false, nil
}

func isNumber(o Object) bool {
	switch o.(type) {
	case *Int, *Bool, *Float:
		return true
	}
	return false
}

// IntBinary applies op to two integers.
func IntBinary(op BinaryOp, a, b *Int) (Object, error) {
	if a.b == nil && b.b == nil {
		if r, ok, err := smallIntBinary(op, a.v, b.v); ok || err != nil {
			return r, err
		}
	}
	return bigIntBinary(op, a, b)
}

// smallIntBinary handles the machine-word cases. It reports false when the
// result needs arbitrary precision.
func smallIntBinary(op BinaryOp, x, y int64) (Object, bool, error) {
	switch op {
	case OpAdd:
		s := x + y
		if (x^s)&(y^s) < 0 {
			return nil, false, nil
		}
		return NewInt(s), true, nil
	case OpSub:
		s := x - y
		if (x^y)&(x^s) < 0 {
			return nil, false, nil
		}
		return NewInt(s), true, nil
	case OpMul:
		hi, lo := bits.Mul64(uint64(absInt64(x)), uint64(absInt64(y)))
		if hi != 0 || lo > math.MaxInt64 || x == math.MinInt64 || y == math.MinInt64 {
			return nil, false, nil
		}
		p := int64(lo)
		if (x < 0) != (y < 0) {
			p = -p
		}
		return NewInt(p), true, nil
	case OpTrueDiv:
		if y == 0 {
			return nil, true, Errorf(ZeroDivisionErrorType, "division by zero")
		}
		const exact = 1 << 53
		if x > -exact && x < exact && y > -exact && y < exact {
			return NewFloat(float64(x) / float64(y)), true, nil
		}
		return nil, false, nil
	case OpFloorDiv:
		if y == 0 {
			return nil, true, Errorf(ZeroDivisionErrorType, "integer division or modulo by zero")
		}
		if x == math.MinInt64 && y == -1 {
			return nil, false, nil
		}
		q := x / y
		if x%y != 0 && (x < 0) != (y < 0) {
			q--
		}
		return NewInt(q), true, nil
	case OpMod:
		if y == 0 {
			return nil, true, Errorf(ZeroDivisionErrorType, "integer division or modulo by zero")
		}
		if y == -1 {
			return NewInt(0), true, nil
		}
		r := x % y
		if r != 0 && (r < 0) != (y < 0) {
			r += y
		}
		return NewInt(r), true, nil
	case OpPow:
		if y < 0 {
			return floatPow(float64(x), float64(y))
		}
		return nil, false, nil
	case OpLShift:
		if y < 0 {
			return nil, true, Errorf(ValueErrorType, "negative shift count")
		}
		if x == 0 {
			return NewInt(0), true, nil
		}
		if y < 63 {
			r := x << uint(y)
			if r>>uint(y) == x {
				return NewInt(r), true, nil
			}
		}
		return nil, false, nil
	case OpRShift:
		if y < 0 {
			return nil, true, Errorf(ValueErrorType, "negative shift count")
		}
		if y >= 64 {
			if x < 0 {
				return NewInt(-1), true, nil
			}
			return NewInt(0), true, nil
		}
		return NewInt(x >> uint(y)), true, nil
	case OpAnd:
		return NewInt(x & y), true, nil
	case OpOr:
		return NewInt(x | y), true, nil
	case OpXor:
		return NewInt(x ^ y), true, nil
	}
	return nil, false, nil
}

func absInt64(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}

func bigIntBinary(op BinaryOp, a, b *Int) (Object, error) {
	x, y := a.Big(), b.Big()
	z := new(big.Int)
	switch op {
	case OpAdd:
		z.Add(x, y)
	case OpSub:
		z.Sub(x, y)
	case OpMul:
		z.Mul(x, y)
	case OpTrueDiv:
		if y.Sign() == 0 {
			return nil, Errorf(ZeroDivisionErrorType, "division by zero")
		}
		f, _ := new(big.Rat).SetFrac(x, y).Float64()
		if math.IsInf(f, 0) {
			return nil, Errorf(OverflowErrorType, "integer division result too large for a float")
		}
		return NewFloat(f), nil
	case OpFloorDiv, OpMod:
		if y.Sign() == 0 {
			return nil, Errorf(ZeroDivisionErrorType, "integer division or modulo by zero")
		}
		q, r := new(big.Int).QuoRem(x, y, new(big.Int))
		if r.Sign() != 0 && (r.Sign() < 0) != (y.Sign() < 0) {
			q.Sub(q, big.NewInt(1))
			r.Add(r, y)
		}
		if op == OpFloorDiv {
			return NewBigInt(q), nil
		}
		return NewBigInt(r), nil
	case OpPow:
		if y.Sign() < 0 {
			fx, _ := a.Float64()
			fy, _ := b.Float64()
			r, _, err := floatPow(fx, fy)
			return r, err
		}
		if !y.IsInt64() || y.Int64() > 1<<24 {
			return nil, Errorf(OverflowErrorType, "exponent too large")
		}
		z.Exp(x, y, nil)
	case OpLShift:
		if y.Sign() < 0 {
			return nil, Errorf(ValueErrorType, "negative shift count")
		}
		if !y.IsInt64() || y.Int64() > 1<<24 {
			return nil, Errorf(OverflowErrorType, "too many digits in integer")
		}
		z.Lsh(x, uint(y.Int64()))
	case OpRShift:
		if y.Sign() < 0 {
			return nil, Errorf(ValueErrorType, "negative shift count")
		}
		if !y.IsInt64() {
			if x.Sign() < 0 {
				return NewInt(-1), nil
			}
			return NewInt(0), nil
		}
		z.Rsh(x, uint(y.Int64()))
	case OpAnd:
		z.And(x, y)
	case OpOr:
		z.Or(x, y)
	case OpXor:
		z.Xor(x, y)
	default:
		return nil, Errorf(SystemErrorType, "bad integer operator %d", op)
	}
	return NewBigInt(z), nil
}

// FloatBinary applies op to two floats.
func FloatBinary(op BinaryOp, x, y float64) (Object, error) {
	switch op {
	case OpAdd:
		return NewFloat(x + y), nil
	case OpSub:
		return NewFloat(x - y), nil
	case OpMul:
		return NewFloat(x * y), nil
	case OpTrueDiv:
		if y == 0 {
			return nil, Errorf(ZeroDivisionErrorType, "float division by zero")
		}
		return NewFloat(x / y), nil
	case OpFloorDiv:
		if y == 0 {
			return nil, Errorf(ZeroDivisionErrorType, "float floor division by zero")
		}
		d, _ := floatDivMod(x, y)
		return NewFloat(d), nil
	case OpMod:
		if y == 0 {
			return nil, Errorf(ZeroDivisionErrorType, "float modulo by zero")
		}
		_, m := floatDivMod(x, y)
		return NewFloat(m), nil
	case OpPow:
		r, _, err := floatPow(x, y)
		return r, err
	}
	return nil, nil
}

// floatDivMod follows the sign conventions of floor division: the modulus
// takes the sign of the divisor.
func floatDivMod(x, y float64) (float64, float64) {
	mod := math.Mod(x, y)
	div := (x - mod) / y
	if mod != 0 {
		if (y < 0) != (mod < 0) {
			mod += y
			div -= 1.0
		}
	} else {
		mod = math.Copysign(0, y)
	}
	var floordiv float64
	if div != 0 {
		floordiv = math.Floor(div)
		if div-floordiv > 0.5 {
			floordiv += 1.0
		}
	} else {
		floordiv = math.Copysign(0, x/y)
	}
	return floordiv, mod
}

func floatPow(x, y float64) (Object, bool, error) {
	if x == 0 && y < 0 {
		return nil, true, Errorf(ZeroDivisionErrorType, "0.0 cannot be raised to a negative power")
	}
	if x < 0 && y != math.Trunc(y) {
		return nil, true, Errorf(ValueErrorType, "math domain error")
	}
	return NewFloat(math.Pow(x, y)), true, nil
}

// Negate returns -o.
func Negate(o Object) (Object, error) {
	if i, ok := asInt(o); ok {
		if i.b == nil && i.v != math.MinInt64 {
			return NewInt(-i.v), nil
		}
		return NewBigInt(new(big.Int).Neg(i.Big())), nil
	}
	if f, ok := o.(*Float); ok {
		return NewFloat(-f.V), nil
	}
	return nil, Errorf(TypeErrorType, "bad operand type for unary -: '%s'", o.Type().Name)
}

// Positive returns +o.
func Positive(o Object) (Object, error) {
	if i, ok := asInt(o); ok {
		return Acquire(i), nil
	}
	if f, ok := o.(*Float); ok {
		return Acquire(f), nil
	}
	return nil, Errorf(TypeErrorType, "bad operand type for unary +: '%s'", o.Type().Name)
}

// Invert returns ~o.
func Invert(o Object) (Object, error) {
	if i, ok := asInt(o); ok {
		if i.b == nil {
			return NewInt(^i.v), nil
		}
		return NewBigInt(new(big.Int).Not(i.b)), nil
	}
	return nil, Errorf(TypeErrorType, "bad operand type for unary ~: '%s'", o.Type().Name)
}
