package object

import (
	"math"
	"math/big"
)

// CompareOp identifies a rich comparison.
type CompareOp int

const (
	CmpLt CompareOp = iota
	CmpLe
	CmpEq
	CmpNe
	CmpGt
	CmpGe
)

var compareSymbols = [...]string{"<", "<=", "==", "!=", ">", ">="}

// Symbol returns the operator as written in source.
func (op CompareOp) Symbol() string {
	if op >= 0 && int(op) < len(compareSymbols) {
		return compareSymbols[op]
	}
	return "?"
}

// Compare evaluates a rich comparison and returns a bool object.
func Compare(a, b Object, op CompareOp) (Object, error) {
	r, err := CompareBool(a, b, op)
	if err != nil {
		return nil, err
	}
	return NewBool(r), nil
}

// CompareBool evaluates a rich comparison.
func CompareBool(a, b Object, op CompareOp) (bool, error) {
	switch op {
	case CmpEq:
		return Equal(a, b)
	case CmpNe:
		eq, err := Equal(a, b)
		return !eq, err
	}
	c, ok, err := order(a, b)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, Errorf(TypeErrorType, "'%s' not supported between instances of '%s' and '%s'", op.Symbol(), a.Type().Name, b.Type().Name)
	}
	if c == unordered {
		return false, nil
	}
	switch op {
	case CmpLt:
		return c < 0, nil
	case CmpLe:
		return c <= 0, nil
	case CmpGt:
		return c > 0, nil
	case CmpGe:
		return c >= 0, nil
	}
	return false, nil
}

const unordered = 2

// order returns -1, 0, +1 or unordered (NaN) and whether the operands are
// orderable at all.
func order(a, b Object) (int, bool, error) {
	if x, ok := asInt(a); ok {
		if y, ok := asInt(b); ok {
			return compareInts(x, y), true, nil
		}
		if y, ok := b.(*Float); ok {
			return -compareFloatInt(y.V, x), true, nil
		}
	}
	if x, ok := a.(*Float); ok {
		if y, ok := asInt(b); ok {
			return compareFloatInt(x.V, y), true, nil
		}
		if y, ok := b.(*Float); ok {
			return compareFloats(x.V, y.V), true, nil
		}
	}
	switch x := a.(type) {
	case *Str:
		if y, ok := b.(*Str); ok {
			switch {
			case x.V < y.V:
				return -1, true, nil
			case x.V > y.V:
				return 1, true, nil
			}
			return 0, true, nil
		}
	case *List:
		if y, ok := b.(*List); ok {
			return orderItems(x.Items, y.Items)
		}
	case *Tuple:
		if y, ok := b.(*Tuple); ok {
			return orderItems(x.Items, y.Items)
		}
	}
	return 0, false, nil
}

func orderItems(x, y []Object) (int, bool, error) {
	for i := 0; i < len(x) && i < len(y); i++ {
		eq, err := Equal(x[i], y[i])
		if err != nil {
			return 0, false, err
		}
		if !eq {
			return order(x[i], y[i])
		}
	}
	switch {
	case len(x) < len(y):
		return -1, true, nil
	case len(x) > len(y):
		return 1, true, nil
	}
	return 0, true, nil
}

func compareInts(x, y *Int) int {
	if x.b == nil && y.b == nil {
		switch {
		case x.v < y.v:
			return -1
		case x.v > y.v:
			return 1
		}
		return 0
	}
	return x.Big().Cmp(y.Big())
}

func compareFloats(x, y float64) int {
	switch {
	case math.IsNaN(x) || math.IsNaN(y):
		return unordered
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

// compareFloatInt compares exactly, without rounding the integer.
func compareFloatInt(f float64, i *Int) int {
	if math.IsNaN(f) {
		return unordered
	}
	if math.IsInf(f, 1) {
		return 1
	}
	if math.IsInf(f, -1) {
		return -1
	}
	if v, ok := i.Int64(); ok && v > -(1<<53) && v < 1<<53 {
		return compareFloats(f, float64(v))
	}
	bf := new(big.Float).SetFloat64(f)
	return bf.Cmp(new(big.Float).SetInt(i.Big()))
}

// Equal reports whether a == b.
func Equal(a, b Object) (bool, error) {
	if a == b {
		if f, ok := a.(*Float); ok && math.IsNaN(f.V) {
			return false, nil
		}
		return true, nil
	}
	if isNumber(a) && isNumber(b) {
		c, _, err := order(a, b)
		return c == 0, err
	}
	switch x := a.(type) {
	case *Str:
		y, ok := b.(*Str)
		return ok && x.V == y.V, nil
	case *NoneObject:
		_, ok := b.(*NoneObject)
		return ok, nil
	case *List:
		if y, ok := b.(*List); ok {
			return equalItems(x.Items, y.Items)
		}
		return false, nil
	case *Tuple:
		if y, ok := b.(*Tuple); ok {
			return equalItems(x.Items, y.Items)
		}
		return false, nil
	case *Dict:
		if y, ok := b.(*Dict); ok {
			return equalDicts(x, y)
		}
		return false, nil
	case *Range:
		if y, ok := b.(*Range); ok {
			return equalRanges(x, y), nil
		}
		return false, nil
	case *Type:
		return a == b, nil
	}
	return false, nil
}

func equalItems(x, y []Object) (bool, error) {
	if len(x) != len(y) {
		return false, nil
	}
	for i := range x {
		eq, err := Equal(x[i], y[i])
		if err != nil || !eq {
			return false, err
		}
	}
	return true, nil
}

func equalDicts(x, y *Dict) (bool, error) {
	if x.Len() != y.Len() {
		return false, nil
	}
	result := true
	var ferr error
	x.Range(func(k, v Object) bool {
		other, err := y.Lookup(k)
		if err != nil {
			ferr = err
			return false
		}
		if other == nil {
			result = false
			return false
		}
		eq, err := Equal(v, other)
		if err != nil {
			ferr = err
			return false
		}
		if !eq {
			result = false
			return false
		}
		return true
	})
	return result && ferr == nil, ferr
}

func equalRanges(x, y *Range) bool {
	lx, ly := x.Len(), y.Len()
	if lx != ly {
		return false
	}
	if lx == 0 {
		return true
	}
	if x.Start != y.Start {
		return false
	}
	return lx == 1 || x.Step == y.Step
}
