package jit

import (
	"github.com/chazu/kestrel/jit/il"
	"github.com/chazu/kestrel/object"
	"github.com/chazu/kestrel/pkg/bytecode"
	"github.com/chazu/kestrel/vm"
)

// ---------------------------------------------------------------------------
// Helper tokens
// ---------------------------------------------------------------------------
//
// Every helper steals its object arguments and releases them on both the
// success and the failure path, unless its registration says it borrows.
// Helpers that return objects return new references. The operations are
// the ones the generic evaluation loop performs so results, errors and
// reference counts agree with it.

func result(o object.Object, err error) (il.Value, error) {
	if err != nil {
		return il.Value{}, err
	}
	return il.ObjValue(o), nil
}

func flag(b bool) il.Value {
	if b {
		return il.IntValue(1)
	}
	return il.IntValue(0)
}

func releaseArgs(args []il.Value) {
	for _, a := range args {
		if a.Obj != nil {
			object.Release(a.Obj)
		}
	}
}

func objects(args []il.Value) []object.Object {
	out := make([]object.Object, len(args))
	for i, a := range args {
		out[i] = a.Obj
	}
	return out
}

// valueHelper registers a helper returning a value with a fixed argument count.
func valueHelper(name string, args int, f il.HelperFunc) il.Token {
	return il.Register(il.Helper{Name: name, Args: args, Returns: true, Fn: f})
}

// voidHelper registers a helper without a result.
func voidHelper(name string, args int, f il.HelperFunc) il.Token {
	return il.Register(il.Helper{Name: name, Args: args, Fn: f})
}

// ---------------------------------------------------------------------------
// Reference counts and locals
// ---------------------------------------------------------------------------

var (
	tokDealloc = voidHelper("METHOD_DEALLOC_OBJECT", 1, func(c *il.Context, args []il.Value) (il.Value, error) {
		object.Dealloc(args[0].Obj)
		return il.Value{}, nil
	})

	tokDecref = voidHelper("METHOD_DECREF_TOKEN", 1, func(c *il.Context, args []il.Value) (il.Value, error) {
		object.Release(args[0].Obj)
		return il.Value{}, nil
	})

	tokUnboundLocal = il.Register(il.Helper{Name: "METHOD_UNBOUND_LOCAL", Args: 1, NoReturn: true, Fn: func(c *il.Context, args []il.Value) (il.Value, error) {
		return il.Value{}, vm.UnboundLocalError(c.Frame.Code.VarNames[args[0].Int])
	}})

	tokBoolFromInt = valueHelper("METHOD_BOOL_FROM_INT", 1, func(c *il.Context, args []il.Value) (il.Value, error) {
		return il.ObjValue(object.NewBool(args[0].Int != 0)), nil
	})
)

// ---------------------------------------------------------------------------
// Unary and binary operators
// ---------------------------------------------------------------------------

func unaryHelper(name string, op bytecode.Opcode) il.Token {
	return valueHelper(name, 1, func(c *il.Context, args []il.Value) (il.Value, error) {
		r, err := vm.Unary(op, args[0].Obj)
		object.Release(args[0].Obj)
		return result(r, err)
	})
}

var unaryTokens = map[bytecode.Opcode]il.Token{
	bytecode.UnaryPositive: unaryHelper("METHOD_UNARY_POSITIVE", bytecode.UnaryPositive),
	bytecode.UnaryNegative: unaryHelper("METHOD_UNARY_NEGATIVE", bytecode.UnaryNegative),
	bytecode.UnaryNot:      unaryHelper("METHOD_UNARY_NOT", bytecode.UnaryNot),
	bytecode.UnaryInvert:   unaryHelper("METHOD_UNARY_INVERT", bytecode.UnaryInvert),
}

var binaryNames = [...]string{
	object.OpAdd:      "ADD",
	object.OpSub:      "SUBTRACT",
	object.OpMul:      "MULTIPLY",
	object.OpTrueDiv:  "TRUE_DIVIDE",
	object.OpFloorDiv: "FLOOR_DIVIDE",
	object.OpMod:      "MODULO",
	object.OpPow:      "POWER",
	object.OpLShift:   "LSHIFT",
	object.OpRShift:   "RSHIFT",
	object.OpAnd:      "AND",
	object.OpOr:       "OR",
	object.OpXor:      "XOR",
}

// binaryHelpers holds the tokens of one operator.
type binaryHelpers struct {
	generic, inplace      il.Token
	intOp, intInplace     il.Token
	floatOp, floatInplace il.Token
}

func genericBinary(op object.BinaryOp, inplace bool) func(a, b object.Object) (object.Object, error) {
	if inplace {
		return func(a, b object.Object) (object.Object, error) { return object.InPlace(op, a, b) }
	}
	return func(a, b object.Object) (object.Object, error) { return object.Binary(op, a, b) }
}

func binaryHelper(name string, op object.BinaryOp, inplace bool) il.Token {
	apply := genericBinary(op, inplace)
	return valueHelper(name, 2, func(c *il.Context, args []il.Value) (il.Value, error) {
		r, err := apply(args[0].Obj, args[1].Obj)
		releaseArgs(args)
		return result(r, err)
	})
}

// intBinaryHelper goes straight to integer arithmetic when both operands
// are ints; big results come back from IntBinary unchanged.
func intBinaryHelper(name string, op object.BinaryOp, inplace bool) il.Token {
	fallback := genericBinary(op, inplace)
	return valueHelper(name, 2, func(c *il.Context, args []il.Value) (il.Value, error) {
		var r object.Object
		var err error
		x, xok := args[0].Obj.(*object.Int)
		y, yok := args[1].Obj.(*object.Int)
		if xok && yok {
			r, err = object.IntBinary(op, x, y)
		} else {
			r, err = fallback(args[0].Obj, args[1].Obj)
		}
		releaseArgs(args)
		return result(r, err)
	})
}

func floatBinaryHelper(name string, op object.BinaryOp, inplace bool) il.Token {
	fallback := genericBinary(op, inplace)
	return valueHelper(name, 2, func(c *il.Context, args []il.Value) (il.Value, error) {
		var r object.Object
		var err error
		x, xok := args[0].Obj.(*object.Float)
		y, yok := args[1].Obj.(*object.Float)
		if xok && yok {
			r, err = object.FloatBinary(op, x.V, y.V)
		} else {
			r, err = fallback(args[0].Obj, args[1].Obj)
		}
		releaseArgs(args)
		return result(r, err)
	})
}

var binaryTokens = registerBinary()

func registerBinary() map[object.BinaryOp]binaryHelpers {
	out := make(map[object.BinaryOp]binaryHelpers, len(binaryNames))
	for i, name := range binaryNames {
		op := object.BinaryOp(i)
		h := binaryHelpers{
			generic:    binaryHelper("METHOD_"+name+"_TOKEN", op, false),
			inplace:    binaryHelper("METHOD_INPLACE_"+name+"_TOKEN", op, true),
			intOp:      intBinaryHelper("METHOD_"+name+"_INT", op, false),
			intInplace: intBinaryHelper("METHOD_INPLACE_"+name+"_INT", op, true),
		}
		if op <= object.OpPow {
			h.floatOp = floatBinaryHelper("METHOD_"+name+"_FLOAT", op, false)
			h.floatInplace = floatBinaryHelper("METHOD_INPLACE_"+name+"_FLOAT", op, true)
		}
		out[op] = h
	}
	return out
}

// ---------------------------------------------------------------------------
// Comparisons, identity and truth
// ---------------------------------------------------------------------------

var compareNames = [...]string{
	object.CmpLt: "LESS_THAN",
	object.CmpLe: "LESS_THAN_EQUALS",
	object.CmpEq: "EQUALS",
	object.CmpNe: "NOT_EQUALS",
	object.CmpGt: "GREATER_THAN",
	object.CmpGe: "GREATER_THAN_EQUALS",
}

func compareSmall(x, y int64, op object.CompareOp) bool {
	switch op {
	case object.CmpLt:
		return x < y
	case object.CmpLe:
		return x <= y
	case object.CmpEq:
		return x == y
	case object.CmpNe:
		return x != y
	case object.CmpGt:
		return x > y
	}
	return x >= y
}

// smallInts returns the machine-word values of two small ints.
func smallInts(a, b object.Object) (int64, int64, bool) {
	x, ok := a.(*object.Int)
	if !ok {
		return 0, 0, false
	}
	y, ok := b.(*object.Int)
	if !ok {
		return 0, 0, false
	}
	xv, xs := x.Int64()
	yv, ys := y.Int64()
	return xv, yv, xs && ys
}

func compareInt(a, b object.Object, op object.CompareOp) (bool, error) {
	if x, y, ok := smallInts(a, b); ok {
		return compareSmall(x, y, op), nil
	}
	return object.CompareBool(a, b, op)
}

type compareHelpers struct {
	intOp, intBranch il.Token
}

var (
	tokRichCompare = valueHelper("METHOD_RICHCMP_TOKEN", 3, func(c *il.Context, args []il.Value) (il.Value, error) {
		r, err := object.Compare(args[0].Obj, args[1].Obj, object.CompareOp(args[2].Int))
		releaseArgs(args[:2])
		return result(r, err)
	})

	tokRichCompareBranch = valueHelper("METHOD_RICHCMP_BRANCH_TOKEN", 3, func(c *il.Context, args []il.Value) (il.Value, error) {
		r, err := object.CompareBool(args[0].Obj, args[1].Obj, object.CompareOp(args[2].Int))
		releaseArgs(args[:2])
		if err != nil {
			return il.Value{}, err
		}
		return flag(r), nil
	})

	compareTokens = registerCompare()
)

func registerCompare() map[object.CompareOp]compareHelpers {
	out := make(map[object.CompareOp]compareHelpers, len(compareNames))
	for i, name := range compareNames {
		op := object.CompareOp(i)
		out[op] = compareHelpers{
			intOp: valueHelper("METHOD_"+name+"_INT_TOKEN", 2, func(c *il.Context, args []il.Value) (il.Value, error) {
				r, err := compareInt(args[0].Obj, args[1].Obj, op)
				releaseArgs(args)
				if err != nil {
					return il.Value{}, err
				}
				return il.ObjValue(object.NewBool(r)), nil
			}),
			intBranch: valueHelper("METHOD_"+name+"_INT_BRANCH", 2, func(c *il.Context, args []il.Value) (il.Value, error) {
				r, err := compareInt(args[0].Obj, args[1].Obj, op)
				releaseArgs(args)
				if err != nil {
					return il.Value{}, err
				}
				return flag(r), nil
			}),
		}
	}
	return out
}

var (
	tokIs = valueHelper("METHOD_IS_TOKEN", 3, func(c *il.Context, args []il.Value) (il.Value, error) {
		r := vm.CompareIs(args[0].Obj, args[1].Obj, args[2].Int != 0)
		releaseArgs(args[:2])
		return il.ObjValue(object.NewBool(r)), nil
	})

	tokContains = valueHelper("METHOD_CONTAINS_TOKEN", 3, func(c *il.Context, args []il.Value) (il.Value, error) {
		r, err := vm.ContainsOp(args[0].Obj, args[1].Obj, args[2].Int != 0)
		releaseArgs(args[:2])
		if err != nil {
			return il.Value{}, err
		}
		return il.ObjValue(object.NewBool(r)), nil
	})

	tokIsTrue = valueHelper("METHOD_ISTRUE", 1, func(c *il.Context, args []il.Value) (il.Value, error) {
		t, err := object.IsTrue(args[0].Obj)
		object.Release(args[0].Obj)
		if err != nil {
			return il.Value{}, err
		}
		return flag(t), nil
	})

	// Borrows its argument.
	tokIsTrueBorrow = valueHelper("METHOD_ISTRUE_BORROW", 1, func(c *il.Context, args []il.Value) (il.Value, error) {
		t, err := object.IsTrue(args[0].Obj)
		if err != nil {
			return il.Value{}, err
		}
		return flag(t), nil
	})
)

// ---------------------------------------------------------------------------
// Exceptions
// ---------------------------------------------------------------------------

var (
	tokExcMatches = valueHelper("METHOD_EXC_MATCHES", 2, func(c *il.Context, args []il.Value) (il.Value, error) {
		m, err := vm.ExceptionMatches(args[0].Obj, args[1].Obj)
		releaseArgs(args)
		if err != nil {
			return il.Value{}, err
		}
		return flag(m), nil
	})

	tokPopExcept = voidHelper("METHOD_POP_EXCEPT", 0, func(c *il.Context, args []il.Value) (il.Value, error) {
		c.Thread.PopExcept(c.Frame)
		return il.Value{}, nil
	})

	// The cause may be null.
	tokRaise = il.Register(il.Helper{Name: "METHOD_RAISE", Args: 2, NoReturn: true, Fn: func(c *il.Context, args []il.Value) (il.Value, error) {
		return il.Value{}, vm.MakeException(args[0].Obj, args[1].Obj)
	}})

	tokReraise = il.Register(il.Helper{Name: "METHOD_RERAISE", Args: 1, NoReturn: true, NoTraceback: true, Fn: func(c *il.Context, args []il.Value) (il.Value, error) {
		exc, ok := args[0].Obj.(*object.Exception)
		if !ok {
			object.Release(args[0].Obj)
			return il.Value{}, object.Errorf(object.SystemErrorType, "RERAISE expects an exception, got %s", object.TypeName(args[0].Obj))
		}
		return il.Value{}, exc
	}})

	tokReraiseHandled = il.Register(il.Helper{Name: "METHOD_RERAISE_HANDLED", NoReturn: true, NoTraceback: true, Fn: func(c *il.Context, args []il.Value) (il.Value, error) {
		return il.Value{}, c.Thread.Reraise()
	}})
)

// ---------------------------------------------------------------------------
// Subscripts and slices
// ---------------------------------------------------------------------------

// smallKey returns the machine-word value of an int key. Bools are not
// treated as ints here.
func smallKey(key object.Object) (int64, bool) {
	if k, ok := key.(*object.Int); ok {
		return k.Int64()
	}
	return 0, false
}

func subscrHelper(name string, get func(container, key object.Object) (object.Object, error)) il.Token {
	return valueHelper(name, 2, func(c *il.Context, args []il.Value) (il.Value, error) {
		r, err := get(args[0].Obj, args[1].Obj)
		releaseArgs(args)
		return result(r, err)
	})
}

// indexedHelper takes the container, the key and the key's value as a
// native integer.
func indexedHelper(name string, get func(container, key object.Object, idx int64) (object.Object, error)) il.Token {
	return valueHelper(name, 3, func(c *il.Context, args []il.Value) (il.Value, error) {
		r, err := get(args[0].Obj, args[1].Obj, args[2].Int)
		releaseArgs(args[:2])
		return result(r, err)
	})
}

var (
	tokSubscrObj = subscrHelper("METHOD_SUBSCR_OBJ", object.GetItem)

	tokSubscrList = subscrHelper("METHOD_SUBSCR_LIST", func(container, key object.Object) (object.Object, error) {
		if _, ok := container.(*object.List); ok {
			if i, ok := smallKey(key); ok {
				return object.GetIndex(container, i)
			}
		}
		return object.GetItem(container, key)
	})

	tokSubscrTuple = subscrHelper("METHOD_SUBSCR_TUPLE", func(container, key object.Object) (object.Object, error) {
		if _, ok := container.(*object.Tuple); ok {
			if i, ok := smallKey(key); ok {
				return object.GetIndex(container, i)
			}
		}
		return object.GetItem(container, key)
	})

	tokSubscrDict = subscrHelper("METHOD_SUBSCR_DICT", func(container, key object.Object) (object.Object, error) {
		d, ok := container.(*object.Dict)
		if !ok {
			return object.GetItem(container, key)
		}
		v, err := d.Lookup(key)
		if err != nil {
			return nil, err
		}
		if v == nil {
			return nil, object.NewException(object.KeyErrorType, object.NewTupleOf(key))
		}
		return object.Acquire(v), nil
	})

	tokSubscrListIndex = indexedHelper("METHOD_SUBSCR_LIST_I", func(container, key object.Object, idx int64) (object.Object, error) {
		if _, ok := container.(*object.List); ok {
			return object.GetIndex(container, idx)
		}
		return object.GetItem(container, key)
	})

	tokSubscrTupleIndex = indexedHelper("METHOD_SUBSCR_TUPLE_I", func(container, key object.Object, idx int64) (object.Object, error) {
		if _, ok := container.(*object.Tuple); ok {
			return object.GetIndex(container, idx)
		}
		return object.GetItem(container, key)
	})

	tokSubscrObjIndex = indexedHelper("METHOD_SUBSCR_OBJ_I", func(container, key object.Object, idx int64) (object.Object, error) {
		switch container.(type) {
		case *object.List, *object.Tuple:
			return object.GetIndex(container, idx)
		}
		return object.GetItem(container, key)
	})

	tokSubscrDictHash = indexedHelper("METHOD_SUBSCR_DICT_HASH", func(container, key object.Object, h int64) (object.Object, error) {
		d, ok := container.(*object.Dict)
		if !ok {
			return object.GetItem(container, key)
		}
		v, err := d.LookupHash(key, uint64(h))
		if err != nil {
			return nil, err
		}
		if v == nil {
			return nil, object.NewException(object.KeyErrorType, object.NewTupleOf(key))
		}
		return object.Acquire(v), nil
	})
)

// Store helpers take the value, the container and the key in stack order.

func storeHelper(name string, set func(value, container, key object.Object) error) il.Token {
	return voidHelper(name, 3, func(c *il.Context, args []il.Value) (il.Value, error) {
		err := set(args[0].Obj, args[1].Obj, args[2].Obj)
		releaseArgs(args)
		return il.Value{}, err
	})
}

func storeIndexedHelper(name string, set func(value, container, key object.Object, idx int64) error) il.Token {
	return voidHelper(name, 4, func(c *il.Context, args []il.Value) (il.Value, error) {
		err := set(args[0].Obj, args[1].Obj, args[2].Obj, args[3].Int)
		releaseArgs(args[:3])
		return il.Value{}, err
	})
}

func storeListIndex(l *object.List, idx int64, value object.Object) error {
	if idx < 0 {
		idx += int64(len(l.Items))
	}
	if idx < 0 || idx >= int64(len(l.Items)) {
		return object.Errorf(object.IndexErrorType, "list assignment index out of range")
	}
	old := l.Items[idx]
	l.Items[idx] = object.Acquire(value)
	object.Release(old)
	return nil
}

var (
	tokStoreSubscrObj = storeHelper("METHOD_STORE_SUBSCR_OBJ", func(value, container, key object.Object) error {
		return object.SetItem(container, key, value)
	})

	tokStoreSubscrList = storeHelper("METHOD_STORE_SUBSCR_LIST", func(value, container, key object.Object) error {
		if l, ok := container.(*object.List); ok {
			if i, ok := smallKey(key); ok {
				return storeListIndex(l, i, value)
			}
		}
		return object.SetItem(container, key, value)
	})

	tokStoreSubscrDict = storeHelper("METHOD_STORE_SUBSCR_DICT", func(value, container, key object.Object) error {
		if d, ok := container.(*object.Dict); ok {
			return d.SetItem(key, value)
		}
		return object.SetItem(container, key, value)
	})

	tokStoreSubscrListIndex = storeIndexedHelper("METHOD_STORE_SUBSCR_LIST_I", func(value, container, key object.Object, idx int64) error {
		if l, ok := container.(*object.List); ok {
			return storeListIndex(l, idx, value)
		}
		return object.SetItem(container, key, value)
	})

	tokStoreSubscrObjIndex = storeIndexedHelper("METHOD_STORE_SUBSCR_OBJ_I", func(value, container, key object.Object, idx int64) error {
		if l, ok := container.(*object.List); ok {
			return storeListIndex(l, idx, value)
		}
		return object.SetItem(container, key, value)
	})

	tokStoreSubscrDictHash = storeIndexedHelper("METHOD_STORE_SUBSCR_DICT_HASH", func(value, container, key object.Object, h int64) error {
		if d, ok := container.(*object.Dict); ok {
			return d.SetItemHash(key, value, uint64(h))
		}
		return object.SetItem(container, key, value)
	})

	tokDeleteSubscr = voidHelper("METHOD_DELETESUBSCR", 2, func(c *il.Context, args []il.Value) (il.Value, error) {
		err := object.DelItem(args[0].Obj, args[1].Obj)
		releaseArgs(args)
		return il.Value{}, err
	})
)

// sliceBound converts a literal slice bound back to an object for the
// generic path.
func sliceBound(v int64) object.Object {
	if v == object.SliceNone {
		return object.NewNone()
	}
	return object.NewInt(v)
}

// sliceLiteral slices a sequence with bounds known at compile time and
// falls back to a slice object for other containers.
func sliceLiteral(container object.Object, start, stop, step int64) (object.Object, error) {
	seqStep := step
	if seqStep == object.SliceNone {
		seqStep = 1
	}
	r, ok, err := object.SliceSequence(container, start, stop, seqStep)
	if ok || err != nil {
		return r, err
	}
	var stepObj object.Object
	if step != object.SliceNone {
		stepObj = object.NewInt(step)
	}
	s := object.NewSlice(sliceBound(start), sliceBound(stop), stepObj)
	defer object.Release(s)
	return object.GetItem(container, s)
}

var (
	tokSubscrListSlice = valueHelper("METHOD_SUBSCR_LIST_SLICE", 3, func(c *il.Context, args []il.Value) (il.Value, error) {
		r, err := sliceLiteral(args[0].Obj, args[1].Int, args[2].Int, object.SliceNone)
		object.Release(args[0].Obj)
		return result(r, err)
	})

	tokSubscrListSliceStepped = valueHelper("METHOD_SUBSCR_LIST_SLICE_STEPPED", 4, func(c *il.Context, args []il.Value) (il.Value, error) {
		r, err := sliceLiteral(args[0].Obj, args[1].Int, args[2].Int, args[3].Int)
		object.Release(args[0].Obj)
		return result(r, err)
	})

	tokSubscrListSliceReversed = valueHelper("METHOD_SUBSCR_LIST_SLICE_REVERSED", 1, func(c *il.Context, args []il.Value) (il.Value, error) {
		r, err := sliceLiteral(args[0].Obj, object.SliceNone, object.SliceNone, -1)
		object.Release(args[0].Obj)
		return result(r, err)
	})

	// The step may be null.
	tokBuildSlice = valueHelper("METHOD_BUILD_SLICE", 3, func(c *il.Context, args []il.Value) (il.Value, error) {
		return il.ObjValue(object.NewSlice(args[0].Obj, args[1].Obj, args[2].Obj)), nil
	})
)

// ---------------------------------------------------------------------------
// Profiling probe
// ---------------------------------------------------------------------------

// tokProbe borrows its operands and records their shapes at the executing
// bytecode offset.
var tokProbe = il.Register(il.Helper{Name: "METHOD_PGC_PROBE", Variadic: true, Fn: func(c *il.Context, args []il.Value) (il.Value, error) {
	rec, ok := c.Owner.(*Record)
	if !ok || rec.profile == nil {
		return il.Value{}, nil
	}
	var sig Signature
	for _, a := range args {
		sig = sig.With(object.ShapeOf(a.Obj))
	}
	rec.observe(c.Offset(), sig)
	return il.Value{}, nil
}})

// ---------------------------------------------------------------------------
// Iteration and unpacking
// ---------------------------------------------------------------------------

var (
	tokGetIter = valueHelper("METHOD_GETITER_TOKEN", 1, func(c *il.Context, args []il.Value) (il.Value, error) {
		it, err := object.GetIter(args[0].Obj)
		object.Release(args[0].Obj)
		return result(it, err)
	})

	tokGetIterList = valueHelper("METHOD_GETITER_LIST", 1, func(c *il.Context, args []il.Value) (il.Value, error) {
		it, err := object.GetIter(args[0].Obj)
		object.Release(args[0].Obj)
		return result(it, err)
	})

	// Borrows the iterator; null when exhausted.
	tokIterNext = valueHelper("METHOD_ITERNEXT_TOKEN", 1, func(c *il.Context, args []il.Value) (il.Value, error) {
		return result(object.Next(args[0].Obj))
	})

	tokIterNextList = valueHelper("METHOD_ITERNEXT_LIST", 1, func(c *il.Context, args []il.Value) (il.Value, error) {
		if it, ok := args[0].Obj.(*object.ListIterator); ok {
			return result(it.Next())
		}
		return result(object.Next(args[0].Obj))
	})

	tokUnpack = valueHelper("METHOD_UNPACK_SEQUENCE_TOKEN", 2, func(c *il.Context, args []il.Value) (il.Value, error) {
		items, err := vm.UnpackSequence(args[0].Obj, int(args[1].Int))
		object.Release(args[0].Obj)
		if err != nil {
			return il.Value{}, err
		}
		return il.ObjValue(object.NewTuple(items)), nil
	})

	tokUnpackList = valueHelper("METHOD_UNPACK_SEQUENCE_LIST", 2, func(c *il.Context, args []il.Value) (il.Value, error) {
		if l, ok := args[0].Obj.(*object.List); ok && len(l.Items) == int(args[1].Int) {
			return args[0], nil
		}
		return unpackFallback(args)
	})

	tokUnpackTuple = valueHelper("METHOD_UNPACK_SEQUENCE_TUPLE", 2, func(c *il.Context, args []il.Value) (il.Value, error) {
		if t, ok := args[0].Obj.(*object.Tuple); ok && len(t.Items) == int(args[1].Int) {
			return args[0], nil
		}
		return unpackFallback(args)
	})

	// Borrows the list or tuple produced by an unpack helper.
	tokUnpackItem = valueHelper("METHOD_UNPACK_ITEM", 2, func(c *il.Context, args []il.Value) (il.Value, error) {
		var items []object.Object
		switch s := args[0].Obj.(type) {
		case *object.List:
			items = s.Items
		case *object.Tuple:
			items = s.Items
		}
		return il.ObjValue(object.Acquire(items[args[1].Int])), nil
	})
)

func unpackFallback(args []il.Value) (il.Value, error) {
	items, err := vm.UnpackSequence(args[0].Obj, int(args[1].Int))
	object.Release(args[0].Obj)
	if err != nil {
		return il.Value{}, err
	}
	return il.ObjValue(object.NewTuple(items)), nil
}

// ---------------------------------------------------------------------------
// Calls, functions and builders
// ---------------------------------------------------------------------------

var (
	tokCall = il.Register(il.Helper{Name: "METHOD_CALL_TOKEN", Variadic: true, Returns: true, Fn: func(c *il.Context, args []il.Value) (il.Value, error) {
		objs := objects(args)
		r, err := c.Thread.Call(objs[0], objs[1:], nil)
		releaseArgs(args)
		return result(r, err)
	}})

	// The keyword names tuple comes last.
	tokCallKw = il.Register(il.Helper{Name: "METHOD_CALL_KW_TOKEN", Variadic: true, Returns: true, Fn: func(c *il.Context, args []il.Value) (il.Value, error) {
		objs := objects(args)
		n := len(objs) - 1
		r, err := c.Thread.Call(objs[0], objs[1:n], vm.KeywordNames(objs[n]))
		releaseArgs(args)
		return result(r, err)
	}})

	// kwargs may be null.
	tokCallEx = valueHelper("METHOD_CALL_FUNCTION_EX", 3, func(c *il.Context, args []il.Value) (il.Value, error) {
		r, err := c.Thread.CallEx(args[0].Obj, args[1].Obj, args[2].Obj)
		releaseArgs(args)
		return result(r, err)
	})

	// Arguments: defaults, kwdefaults, annotations, closure, code, qualname.
	// Absent operands are null.
	tokMakeFunction = valueHelper("METHOD_MAKE_FUNCTION", 6, func(c *il.Context, args []il.Value) (il.Value, error) {
		defaults, _ := args[0].Obj.(*object.Tuple)
		kwDefaults, _ := args[1].Obj.(*object.Dict)
		closure, _ := args[3].Obj.(*object.Tuple)
		if args[2].Obj != nil {
			object.Release(args[2].Obj)
		}
		r, err := vm.MakeFunction(args[4].Obj, args[5].Obj, c.Frame.Globals, defaults, kwDefaults, closure)
		object.Release(args[5].Obj)
		object.Release(args[4].Obj)
		if err != nil {
			return il.Value{}, err
		}
		return il.ObjValue(r), nil
	})

	tokBuildTuple = il.Register(il.Helper{Name: "METHOD_BUILD_TUPLE", Variadic: true, Returns: true, Fn: func(c *il.Context, args []il.Value) (il.Value, error) {
		return il.ObjValue(object.NewTuple(objects(args))), nil
	}})

	tokBuildList = il.Register(il.Helper{Name: "METHOD_BUILD_LIST", Variadic: true, Returns: true, Fn: func(c *il.Context, args []il.Value) (il.Value, error) {
		return il.ObjValue(object.NewList(objects(args))), nil
	}})

	tokBuildMap = il.Register(il.Helper{Name: "METHOD_BUILD_MAP", Variadic: true, Returns: true, Fn: func(c *il.Context, args []il.Value) (il.Value, error) {
		d, err := vm.BuildDict(objects(args))
		releaseArgs(args)
		if err != nil {
			return il.Value{}, err
		}
		return il.ObjValue(d), nil
	}})

	tokListToTuple = valueHelper("METHOD_LIST_TO_TUPLE", 1, func(c *il.Context, args []il.Value) (il.Value, error) {
		t, err := vm.ListToTuple(args[0].Obj)
		object.Release(args[0].Obj)
		return result(t, err)
	})
)

// The container helpers borrow their target, which stays on the operand
// stack below the loop or literal being built.

func targetList(o object.Object) (*object.List, error) {
	l, ok := o.(*object.List)
	if !ok {
		return nil, object.Errorf(object.SystemErrorType, "expected a list, got %s", object.TypeName(o))
	}
	return l, nil
}

func targetDict(o object.Object) (*object.Dict, error) {
	d, ok := o.(*object.Dict)
	if !ok {
		return nil, object.Errorf(object.SystemErrorType, "expected a dict, got %s", object.TypeName(o))
	}
	return d, nil
}

func dictMergeHelper(name string, strict bool) il.Token {
	return voidHelper(name, 2, func(c *il.Context, args []il.Value) (il.Value, error) {
		d, err := targetDict(args[0].Obj)
		if err == nil {
			err = object.DictMerge(d, args[1].Obj, strict)
		}
		object.Release(args[1].Obj)
		return il.Value{}, err
	})
}

var (
	tokListAppend = voidHelper("METHOD_LIST_APPEND", 2, func(c *il.Context, args []il.Value) (il.Value, error) {
		l, err := targetList(args[0].Obj)
		if err != nil {
			object.Release(args[1].Obj)
			return il.Value{}, err
		}
		l.Items = append(l.Items, args[1].Obj)
		return il.Value{}, nil
	})

	tokListExtend = voidHelper("METHOD_LIST_EXTEND", 2, func(c *il.Context, args []il.Value) (il.Value, error) {
		l, err := targetList(args[0].Obj)
		if err == nil {
			err = object.ListExtend(l, args[1].Obj)
		}
		object.Release(args[1].Obj)
		return il.Value{}, err
	})

	tokDictMerge  = dictMergeHelper("METHOD_DICT_MERGE", true)
	tokDictUpdate = dictMergeHelper("METHOD_DICT_UPDATE", false)
)

// ---------------------------------------------------------------------------
// Names, attributes and cells
// ---------------------------------------------------------------------------

var (
	tokLoadGlobal = valueHelper("METHOD_LOADGLOBAL_TOKEN", 1, func(c *il.Context, args []il.Value) (il.Value, error) {
		f := c.Frame
		return result(vm.LoadGlobal(f.Globals, f.Builtins, f.Code.Names[args[0].Int]))
	})

	// Borrows the interned name and probes both namespaces with its
	// precomputed hash.
	tokLoadGlobalHash = valueHelper("METHOD_LOADGLOBAL_HASH", 2, func(c *il.Context, args []il.Value) (il.Value, error) {
		f := c.Frame
		key, h := args[0].Obj, uint64(args[1].Int)
		for _, ns := range [...]*object.Dict{f.Globals, f.Builtins} {
			v, err := ns.LookupHash(key, h)
			if err != nil {
				return il.Value{}, err
			}
			if v != nil {
				return il.ObjValue(object.Acquire(v)), nil
			}
		}
		return il.Value{}, vm.NameError(key.(*object.Str).V)
	})

	tokStoreGlobal = voidHelper("METHOD_STOREGLOBAL", 2, func(c *il.Context, args []il.Value) (il.Value, error) {
		c.Frame.Globals.SetString(c.Frame.Code.Names[args[1].Int], args[0].Obj)
		object.Release(args[0].Obj)
		return il.Value{}, nil
	})

	tokDeleteGlobal = voidHelper("METHOD_DELETEGLOBAL", 1, func(c *il.Context, args []il.Value) (il.Value, error) {
		return il.Value{}, vm.DeleteGlobal(c.Frame.Globals, c.Frame.Code.Names[args[0].Int])
	})

	tokLoadAttr = valueHelper("METHOD_LOADATTR", 2, func(c *il.Context, args []il.Value) (il.Value, error) {
		v, err := object.GetAttr(args[0].Obj, c.Frame.Code.Names[args[1].Int])
		object.Release(args[0].Obj)
		return result(v, err)
	})

	tokLoadDeref = valueHelper("METHOD_LOAD_DEREF", 1, func(c *il.Context, args []il.Value) (il.Value, error) {
		i := int(args[0].Int)
		v := c.Frame.Cells[i].Ref
		if v == nil {
			return il.Value{}, vm.UnboundDerefError(c.Frame.Code, i)
		}
		return il.ObjValue(object.Acquire(v)), nil
	})

	tokStoreDeref = voidHelper("METHOD_STORE_DEREF", 2, func(c *il.Context, args []il.Value) (il.Value, error) {
		c.Frame.Cells[args[1].Int].Set(args[0].Obj)
		return il.Value{}, nil
	})

	tokLoadClosure = valueHelper("METHOD_LOAD_CLOSURE", 1, func(c *il.Context, args []il.Value) (il.Value, error) {
		return il.ObjValue(object.Acquire(c.Frame.Cells[args[0].Int])), nil
	})

	tokPendingCalls = voidHelper("METHOD_PENDING_CALLS", 0, func(c *il.Context, args []il.Value) (il.Value, error) {
		return il.Value{}, c.Thread.MakePendingCalls()
	})
)

// ---------------------------------------------------------------------------
// Trace and profile hooks
// ---------------------------------------------------------------------------

var (
	tokProfileEntry = il.Register(il.Helper{Name: "METHOD_PROFILE_FRAME_ENTRY", NoTraceback: true, Fn: func(c *il.Context, args []il.Value) (il.Value, error) {
		return il.Value{}, c.Thread.CallProfile(c.Frame, vm.TraceCall, nil)
	}})

	tokTraceEntry = il.Register(il.Helper{Name: "METHOD_TRACE_FRAME_ENTRY", NoTraceback: true, Fn: func(c *il.Context, args []il.Value) (il.Value, error) {
		return il.Value{}, c.Thread.CallTrace(c.Frame, vm.TraceCall, nil)
	}})

	tokTraceLine = voidHelper("METHOD_TRACE_LINE", 1, func(c *il.Context, args []il.Value) (il.Value, error) {
		f := c.Frame
		off := int(args[0].Int)
		f.LastIP = off
		f.Line = f.Code.Line(off)
		return il.Value{}, c.Thread.CallTrace(f, vm.TraceLine, nil)
	})

	// The exit hooks borrow the return value. Handlers are left before the
	// hooks observe the frame.
	tokTraceExit = il.Register(il.Helper{Name: "METHOD_TRACE_FRAME_EXIT", Args: 1, NoTraceback: true, Exit: true, Fn: func(c *il.Context, args []il.Value) (il.Value, error) {
		c.Thread.UnwindHandlers(c.Frame, 0)
		return il.Value{}, c.Thread.CallTrace(c.Frame, vm.TraceReturn, args[0].Obj)
	}})

	tokProfileExit = il.Register(il.Helper{Name: "METHOD_PROFILE_FRAME_EXIT", Args: 1, NoTraceback: true, Exit: true, Fn: func(c *il.Context, args []il.Value) (il.Value, error) {
		c.Thread.UnwindHandlers(c.Frame, 0)
		return il.Value{}, c.Thread.CallProfile(c.Frame, vm.TraceReturn, args[0].Obj)
	}})

	// Raise hook: borrows the exception being raised.
	tokTraceException = voidHelper("METHOD_TRACE_EXCEPTION", 1, func(c *il.Context, args []il.Value) (il.Value, error) {
		return il.Value{}, c.Thread.CallTrace(c.Frame, vm.TraceException, args[0].Obj)
	})
)

// ---------------------------------------------------------------------------
// Generators
// ---------------------------------------------------------------------------

// suspension is the resume state a compiled generator leaves on its frame.
// The frame resumes in the method that suspended it, even after the code
// has been recompiled.
type suspension struct {
	method *il.Method
	point  int64
}

var (
	// Arguments: the resume point, then the values live below the yielded
	// one, which move onto the frame's operand stack.
	tokYield = il.Register(il.Helper{Name: "METHOD_YIELD_VALUE", Variadic: true, Fn: func(c *il.Context, args []il.Value) (il.Value, error) {
		f := c.Frame
		f.LastIP = c.Offset()
		f.SP = 0
		for _, a := range args[1:] {
			f.Push(a.Obj)
		}
		f.Suspend(&suspension{method: c.Method, point: args[0].Int})
		return il.Value{}, nil
	}})

	// Returns the resume point of a suspended frame, 0 on a fresh start.
	tokResumePoint = valueHelper("METHOD_GENERATOR_RESUME_POINT", 0, func(c *il.Context, args []il.Value) (il.Value, error) {
		s, ok := c.Frame.ResumeState().(*suspension)
		if !ok {
			return il.IntValue(0), nil
		}
		c.Frame.ClearResumeState()
		return il.IntValue(s.point), nil
	})

	// Pops a value saved by METHOD_YIELD_VALUE.
	tokResumeSlot = valueHelper("METHOD_GENERATOR_RESUME_SLOT", 0, func(c *il.Context, args []il.Value) (il.Value, error) {
		return il.ObjValue(c.Frame.Pop()), nil
	})

	// The yield hooks borrow the yielded value and keep the frame's handlers.
	tokTraceYield = il.Register(il.Helper{Name: "METHOD_TRACE_FRAME_YIELD", Args: 1, NoTraceback: true, Exit: true, Fn: func(c *il.Context, args []il.Value) (il.Value, error) {
		return il.Value{}, c.Thread.CallTrace(c.Frame, vm.TraceReturn, args[0].Obj)
	}})

	tokProfileYield = il.Register(il.Helper{Name: "METHOD_PROFILE_FRAME_YIELD", Args: 1, NoTraceback: true, Exit: true, Fn: func(c *il.Context, args []il.Value) (il.Value, error) {
		return il.Value{}, c.Thread.CallProfile(c.Frame, vm.TraceReturn, args[0].Obj)
	}})
)
