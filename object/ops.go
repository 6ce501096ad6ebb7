package object

import (
	"strings"
)

// Binary applies op to a and b. Both are borrowed; the result is a new
// reference.
func Binary(op BinaryOp, a, b Object) (Object, error) {
	if ab, ok := a.(*Bool); ok {
		if bb, ok := b.(*Bool); ok {
			switch op {
			case OpAnd:
				return NewBool(ab.V && bb.V), nil
			case OpOr:
				return NewBool(ab.V || bb.V), nil
			case OpXor:
				return NewBool(ab.V != bb.V), nil
			}
		}
	}
	if x, ok := asInt(a); ok {
		if y, ok := asInt(b); ok {
			return IntBinary(op, x, y)
		}
	}
	if isNumber(a) && isNumber(b) && op <= OpPow {
		x, _, err := asFloat(a)
		if err != nil {
			return nil, err
		}
		y, _, err := asFloat(b)
		if err != nil {
			return nil, err
		}
		return FloatBinary(op, x, y)
	}
	switch op {
	case OpAdd:
		return concat(a, b)
	case OpMul:
		if r, ok, err := repeat(a, b); ok {
			return r, err
		}
		if r, ok, err := repeat(b, a); ok {
			return r, err
		}
	case OpMod:
		if s, ok := a.(*Str); ok {
			return formatPercent(s.V, b)
		}
	}
	return nil, unsupported(op, a, b)
}

func unsupported(op BinaryOp, a, b Object) error {
	if op == OpPow {
		return Errorf(TypeErrorType, "unsupported operand type(s) for ** or pow(): '%s' and '%s'", a.Type().Name, b.Type().Name)
	}
	return Errorf(TypeErrorType, "unsupported operand type(s) for %s: '%s' and '%s'", op.Symbol(), a.Type().Name, b.Type().Name)
}

func concat(a, b Object) (Object, error) {
	switch x := a.(type) {
	case *Str:
		if y, ok := b.(*Str); ok {
			return NewStr(x.V + y.V), nil
		}
		return nil, Errorf(TypeErrorType, "can only concatenate str (not \"%s\") to str", b.Type().Name)
	case *List:
		if y, ok := b.(*List); ok {
			return NewList(acquireConcat(x.Items, y.Items)), nil
		}
		return nil, Errorf(TypeErrorType, "can only concatenate list (not \"%s\") to list", b.Type().Name)
	case *Tuple:
		if y, ok := b.(*Tuple); ok {
			return NewTuple(acquireConcat(x.Items, y.Items)), nil
		}
		return nil, Errorf(TypeErrorType, "can only concatenate tuple (not \"%s\") to tuple", b.Type().Name)
	}
	return nil, unsupported(OpAdd, a, b)
}

func acquireConcat(x, y []Object) []Object {
	out := make([]Object, 0, len(x)+len(y))
	for _, o := range x {
		out = append(out, Acquire(o))
	}
	for _, o := range y {
		out = append(out, Acquire(o))
	}
	return out
}

func repeat(seq, count Object) (Object, bool, error) {
	n, ok := asInt(count)
	if !ok {
		return nil, false, nil
	}
	times, small := n.Int64()
	if !small {
		return nil, true, Errorf(OverflowErrorType, "cannot fit 'int' into an index-sized integer")
	}
	if times < 0 {
		times = 0
	}
	switch s := seq.(type) {
	case *Str:
		return NewStr(strings.Repeat(s.V, int(times))), true, nil
	case *List:
		return NewList(repeatItems(s.Items, times)), true, nil
	case *Tuple:
		return NewTuple(repeatItems(s.Items, times)), true, nil
	}
	return nil, false, nil
}

func repeatItems(items []Object, times int64) []Object {
	out := make([]Object, 0, len(items)*int(times))
	for i := int64(0); i < times; i++ {
		for _, o := range items {
			out = append(out, Acquire(o))
		}
	}
	return out
}

// InPlace applies an augmented assignment operator. Lists extend in place
// for += and the result is a new reference to a.
func InPlace(op BinaryOp, a, b Object) (Object, error) {
	if l, ok := a.(*List); ok && op == OpAdd {
		if err := ListExtend(l, b); err != nil {
			return nil, err
		}
		return Acquire(l), nil
	}
	return Binary(op, a, b)
}

// ListExtend appends every item of iterable to l.
func ListExtend(l *List, iterable Object) error {
	switch v := iterable.(type) {
	case *List:
		items := append([]Object(nil), v.Items...)
		for _, o := range items {
			l.Append(o)
		}
		return nil
	case *Tuple:
		for _, o := range v.Items {
			l.Append(o)
		}
		return nil
	}
	it, err := GetIter(iterable)
	if err != nil {
		return err
	}
	defer Release(it)
	for {
		item, err := Next(it)
		if err != nil {
			return err
		}
		if item == nil {
			return nil
		}
		l.Items = append(l.Items, item)
	}
}

// Not returns the boolean negation of o.
func Not(o Object) (Object, error) {
	t, err := IsTrue(o)
	if err != nil {
		return nil, err
	}
	return NewBool(!t), nil
}

// IsTrue reports the truth value of o.
func IsTrue(o Object) (bool, error) {
	switch v := o.(type) {
	case *NoneObject:
		return false, nil
	case *Bool:
		return v.V, nil
	case *Int:
		return v.Sign() != 0, nil
	case *Float:
		return v.V != 0, nil
	case *Str:
		return v.V != "", nil
	case *List:
		return len(v.Items) > 0, nil
	case *Tuple:
		return len(v.Items) > 0, nil
	case *Dict:
		return v.Len() > 0, nil
	case *Range:
		return v.Len() > 0, nil
	}
	return true, nil
}

// Len returns len(o).
func Len(o Object) (int, error) {
	switch v := o.(type) {
	case *Str:
		return len([]rune(v.V)), nil
	case *List:
		return len(v.Items), nil
	case *Tuple:
		return len(v.Items), nil
	case *Dict:
		return v.Len(), nil
	case *Range:
		return int(v.Len()), nil
	}
	return 0, Errorf(TypeErrorType, "object of type '%s' has no len()", o.Type().Name)
}

// Contains reports whether item is in container.
func Contains(container, item Object) (bool, error) {
	switch c := container.(type) {
	case *List:
		return containsItem(c.Items, item)
	case *Tuple:
		return containsItem(c.Items, item)
	case *Dict:
		v, err := c.Lookup(item)
		return v != nil, err
	case *Str:
		s, ok := item.(*Str)
		if !ok {
			return false, Errorf(TypeErrorType, "'in <string>' requires string as left operand, not %s", item.Type().Name)
		}
		return strings.Contains(c.V, s.V), nil
	case *Range:
		i, ok := asInt(item)
		if !ok {
			return false, nil
		}
		v, small := i.Int64()
		if !small {
			return false, nil
		}
		if c.Step > 0 && (v < c.Start || v >= c.Stop) || c.Step < 0 && (v > c.Start || v <= c.Stop) {
			return false, nil
		}
		return (v-c.Start)%c.Step == 0, nil
	}
	it, err := GetIter(container)
	if err != nil {
		return false, Errorf(TypeErrorType, "argument of type '%s' is not iterable", container.Type().Name)
	}
	defer Release(it)
	for {
		o, err := Next(it)
		if err != nil || o == nil {
			return false, err
		}
		eq, err := Equal(o, item)
		Release(o)
		if err != nil || eq {
			return eq, err
		}
	}
}

func containsItem(items []Object, item Object) (bool, error) {
	for _, o := range items {
		eq, err := Equal(o, item)
		if err != nil || eq {
			return eq, err
		}
	}
	return false, nil
}
