package vm

import (
	"fmt"
	"math"
	"strings"

	"github.com/chazu/kestrel/object"
)

// newBuiltins builds the builtins namespace shared by every frame.
func (in *Interpreter) newBuiltins() *object.Dict {
	b := object.NewDict()
	set := func(name string, o object.Object) {
		b.SetString(name, o)
	}

	for _, t := range []*object.Type{
		object.IntType, object.FloatType, object.StrType, object.BoolType,
		object.ListType, object.TupleType, object.DictType, object.RangeType,
		object.TypeType, object.SliceType, object.ObjectType,
	} {
		set(t.Name, t)
	}
	for _, t := range object.ExceptionTypes {
		set(t.Name, t)
	}

	set("print", NewNative("print", in.builtinPrint))
	for name, fn := range map[string]object.BuiltinFunc{
		"len":        builtinLen,
		"abs":        builtinAbs,
		"isinstance": builtinIsInstance,
		"repr":       builtinRepr,
		"hash":       builtinHash,
		"iter":       builtinIter,
		"next":       builtinNext,
		"sum":        builtinSum,
		"min":        func(args []object.Object) (object.Object, error) { return minMax("min", args, object.CmpLt) },
		"max":        func(args []object.Object) (object.Object, error) { return minMax("max", args, object.CmpGt) },
		"sorted":     builtinSorted,
		"any":        func(args []object.Object) (object.Object, error) { return anyAll("any", args, true) },
		"all":        func(args []object.Object) (object.Object, error) { return anyAll("all", args, false) },
		"enumerate":  builtinEnumerate,
		"zip":        builtinZip,
		"callable":   builtinCallable,
	} {
		set(name, object.NewBuiltin(name, fn))
	}
	set("map", NewNative("map", builtinMap))
	set("filter", NewNative("filter", builtinFilter))
	object.Immortalize(b)
	return b
}

func arity(name string, args []object.Object, min, max int) error {
	n := len(args)
	switch {
	case min == max && n != min:
		return object.Errorf(object.TypeErrorType, "%s() takes exactly %d argument%s (%d given)", name, min, pluralS(min), n)
	case n < min:
		return object.Errorf(object.TypeErrorType, "%s expected at least %d argument%s, got %d", name, min, pluralS(min), n)
	case max >= 0 && n > max:
		return object.Errorf(object.TypeErrorType, "%s expected at most %d argument%s, got %d", name, max, pluralS(max), n)
	}
	return nil
}

func (in *Interpreter) builtinPrint(th *Thread, args []object.Object) (object.Object, error) {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = object.StrOf(a)
	}
	if _, err := fmt.Fprintln(in.Stdout, strings.Join(parts, " ")); err != nil {
		return nil, object.Errorf(object.RuntimeErrorType, "print: %v", err)
	}
	return object.NewNone(), nil
}

func builtinLen(args []object.Object) (object.Object, error) {
	if err := arity("len", args, 1, 1); err != nil {
		return nil, err
	}
	n, err := object.Len(args[0])
	if err != nil {
		return nil, err
	}
	return object.NewInt(int64(n)), nil
}

func builtinAbs(args []object.Object) (object.Object, error) {
	if err := arity("abs", args, 1, 1); err != nil {
		return nil, err
	}
	switch v := args[0].(type) {
	case *object.Int:
		if v.Sign() < 0 {
			return object.Negate(v)
		}
		return object.Acquire(v), nil
	case *object.Bool:
		if v.V {
			return object.NewInt(1), nil
		}
		return object.NewInt(0), nil
	case *object.Float:
		return object.NewFloat(math.Abs(v.V)), nil
	}
	return nil, object.Errorf(object.TypeErrorType, "bad operand type for abs(): '%s'", object.TypeName(args[0]))
}

func builtinIsInstance(args []object.Object) (object.Object, error) {
	if err := arity("isinstance", args, 2, 2); err != nil {
		return nil, err
	}
	ok, err := isInstance(args[0], args[1])
	if err != nil {
		return nil, err
	}
	return object.NewBool(ok), nil
}

func isInstance(o, cls object.Object) (bool, error) {
	switch c := cls.(type) {
	case *object.Type:
		return o.Type().IsSubtype(c), nil
	case *object.Tuple:
		for _, item := range c.Items {
			ok, err := isInstance(o, item)
			if err != nil || ok {
				return ok, err
			}
		}
		return false, nil
	}
	return false, object.Errorf(object.TypeErrorType, "isinstance() arg 2 must be a type or tuple of types")
}

func builtinRepr(args []object.Object) (object.Object, error) {
	if err := arity("repr", args, 1, 1); err != nil {
		return nil, err
	}
	return object.NewStr(object.Repr(args[0])), nil
}

func builtinHash(args []object.Object) (object.Object, error) {
	if err := arity("hash", args, 1, 1); err != nil {
		return nil, err
	}
	h, err := object.Hash(args[0])
	if err != nil {
		return nil, err
	}
	return object.NewInt(int64(h)), nil
}

func builtinCallable(args []object.Object) (object.Object, error) {
	if err := arity("callable", args, 1, 1); err != nil {
		return nil, err
	}
	switch args[0].(type) {
	case *object.Function, *object.Builtin, *Native, *object.BoundMethod, *object.Type:
		return object.NewBool(true), nil
	}
	return object.NewBool(false), nil
}

func builtinIter(args []object.Object) (object.Object, error) {
	if err := arity("iter", args, 1, 1); err != nil {
		return nil, err
	}
	return object.GetIter(args[0])
}

func builtinNext(args []object.Object) (object.Object, error) {
	if err := arity("next", args, 1, 2); err != nil {
		return nil, err
	}
	v, err := object.Next(args[0])
	if err != nil {
		return nil, err
	}
	if v != nil {
		return v, nil
	}
	if len(args) == 2 {
		return object.Acquire(args[1]), nil
	}
	return nil, object.NewException(object.StopIterationType, object.NewTuple(nil))
}

// forEach calls fn with a borrowed reference to each item of iterable.
func forEach(iterable object.Object, fn func(object.Object) (bool, error)) error {
	it, err := object.GetIter(iterable)
	if err != nil {
		return err
	}
	defer object.Release(it)
	for {
		v, err := object.Next(it)
		if err != nil {
			return err
		}
		if v == nil {
			return nil
		}
		more, err := fn(v)
		object.Release(v)
		if err != nil || !more {
			return err
		}
	}
}

func builtinSum(args []object.Object) (object.Object, error) {
	if err := arity("sum", args, 1, 2); err != nil {
		return nil, err
	}
	var acc object.Object
	if len(args) == 2 {
		if _, ok := args[1].(*object.Str); ok {
			return nil, object.Errorf(object.TypeErrorType, "sum() can't sum strings [use ''.join(seq) instead]")
		}
		acc = object.Acquire(args[1])
	} else {
		acc = object.NewInt(0)
	}
	err := forEach(args[0], func(v object.Object) (bool, error) {
		r, err := object.Binary(object.OpAdd, acc, v)
		if err != nil {
			return false, err
		}
		object.Release(acc)
		acc = r
		return true, nil
	})
	if err != nil {
		object.Release(acc)
		return nil, err
	}
	return acc, nil
}

func minMax(name string, args []object.Object, op object.CompareOp) (object.Object, error) {
	if len(args) == 0 {
		return nil, object.Errorf(object.TypeErrorType, "%s expected at least 1 argument, got 0", name)
	}
	var best object.Object
	better := func(v object.Object) (bool, error) {
		if best == nil {
			best = object.Acquire(v)
			return true, nil
		}
		ok, err := object.CompareBool(v, best, op)
		if err != nil {
			return false, err
		}
		if ok {
			object.Release(best)
			best = object.Acquire(v)
		}
		return true, nil
	}
	var err error
	if len(args) == 1 {
		err = forEach(args[0], better)
	} else {
		for _, a := range args {
			if _, err = better(a); err != nil {
				break
			}
		}
	}
	if err != nil {
		if best != nil {
			object.Release(best)
		}
		return nil, err
	}
	if best == nil {
		return nil, object.Errorf(object.ValueErrorType, "%s() arg is an empty sequence", name)
	}
	return best, nil
}

func builtinSorted(args []object.Object) (object.Object, error) {
	if err := arity("sorted", args, 1, 1); err != nil {
		return nil, err
	}
	l := object.NewList(nil)
	if err := object.ListExtend(l, args[0]); err != nil {
		object.Release(l)
		return nil, err
	}
	if err := object.SortItems(l.Items); err != nil {
		object.Release(l)
		return nil, err
	}
	return l, nil
}

func anyAll(name string, args []object.Object, want bool) (object.Object, error) {
	if err := arity(name, args, 1, 1); err != nil {
		return nil, err
	}
	found := false
	err := forEach(args[0], func(v object.Object) (bool, error) {
		t, err := object.IsTrue(v)
		if err != nil {
			return false, err
		}
		if t == want {
			found = true
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return object.NewBool(found == want), nil
}

func builtinEnumerate(args []object.Object) (object.Object, error) {
	if err := arity("enumerate", args, 1, 2); err != nil {
		return nil, err
	}
	var n int64
	if len(args) == 2 {
		start, ok := args[1].(*object.Int)
		v, small := int64(0), false
		if ok {
			v, small = start.Int64()
		}
		if !small {
			return nil, object.Errorf(object.TypeErrorType, "'%s' object cannot be interpreted as an integer", object.TypeName(args[1]))
		}
		n = v
	}
	it, err := object.GetIter(args[0])
	if err != nil {
		return nil, err
	}
	next := func() (object.Object, error) {
		v, err := object.Next(it)
		if err != nil || v == nil {
			return nil, err
		}
		pair := object.NewTuple([]object.Object{object.NewInt(n), v})
		n++
		return pair, nil
	}
	return object.NewSeqIterator(next, it), nil
}

func builtinZip(args []object.Object) (object.Object, error) {
	its := make([]object.Object, 0, len(args))
	for _, a := range args {
		it, err := object.GetIter(a)
		if err != nil {
			object.ReleaseAll(its)
			return nil, object.Errorf(object.TypeErrorType, "zip argument #%d must support iteration", len(its)+1)
		}
		its = append(its, it)
	}
	done := len(its) == 0
	next := func() (object.Object, error) {
		if done {
			return nil, nil
		}
		items := make([]object.Object, 0, len(its))
		for _, it := range its {
			v, err := object.Next(it)
			if err != nil || v == nil {
				object.ReleaseAll(items)
				done = true
				return nil, err
			}
			items = append(items, v)
		}
		return object.NewTuple(items), nil
	}
	return object.NewSeqIterator(next, its...), nil
}

func builtinMap(th *Thread, args []object.Object) (object.Object, error) {
	if len(args) < 2 {
		return nil, object.Errorf(object.TypeErrorType, "map() must have at least two arguments.")
	}
	fn := object.Acquire(args[0])
	owned := []object.Object{fn}
	its := make([]object.Object, 0, len(args)-1)
	for _, a := range args[1:] {
		it, err := object.GetIter(a)
		if err != nil {
			object.ReleaseAll(owned)
			object.ReleaseAll(its)
			return nil, err
		}
		its = append(its, it)
	}
	owned = append(owned, its...)
	next := func() (object.Object, error) {
		items := make([]object.Object, 0, len(its))
		defer func() { object.ReleaseAll(items) }()
		for _, it := range its {
			v, err := object.Next(it)
			if err != nil || v == nil {
				return nil, err
			}
			items = append(items, v)
		}
		return th.Call(fn, items, nil)
	}
	return object.NewSeqIterator(next, owned...), nil
}

func builtinFilter(th *Thread, args []object.Object) (object.Object, error) {
	if len(args) != 2 {
		return nil, object.Errorf(object.TypeErrorType, "filter expected 2 arguments, got %d", len(args))
	}
	pred := object.Acquire(args[0])
	it, err := object.GetIter(args[1])
	if err != nil {
		object.Release(pred)
		return nil, err
	}
	_, identity := pred.(*object.NoneObject)
	next := func() (object.Object, error) {
		for {
			v, err := object.Next(it)
			if err != nil || v == nil {
				return nil, err
			}
			test := v
			if !identity {
				if test, err = th.Call(pred, []object.Object{v}, nil); err != nil {
					object.Release(v)
					return nil, err
				}
			}
			keep, err := object.IsTrue(test)
			if test != v {
				object.Release(test)
			}
			if err != nil {
				object.Release(v)
				return nil, err
			}
			if keep {
				return v, nil
			}
			object.Release(v)
		}
	}
	return object.NewSeqIterator(next, pred, it), nil
}
