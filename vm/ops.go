package vm

import (
	"github.com/chazu/kestrel/object"
	"github.com/chazu/kestrel/pkg/bytecode"
)

// Operations shared by the generic evaluation loop and JIT helpers. Both
// paths go through these so results, errors and reference counts agree.

var binaryOps = map[bytecode.Opcode]object.BinaryOp{
	bytecode.BinaryAdd:         object.OpAdd,
	bytecode.BinarySubtract:    object.OpSub,
	bytecode.BinaryMultiply:    object.OpMul,
	bytecode.BinaryTrueDivide:  object.OpTrueDiv,
	bytecode.BinaryFloorDivide: object.OpFloorDiv,
	bytecode.BinaryModulo:      object.OpMod,
	bytecode.BinaryPower:       object.OpPow,
	bytecode.BinaryLShift:      object.OpLShift,
	bytecode.BinaryRShift:      object.OpRShift,
	bytecode.BinaryAnd:         object.OpAnd,
	bytecode.BinaryOr:          object.OpOr,
	bytecode.BinaryXor:         object.OpXor,
}

var inplaceOps = map[bytecode.Opcode]object.BinaryOp{
	bytecode.InplaceAdd:      object.OpAdd,
	bytecode.InplaceSubtract: object.OpSub,
	bytecode.InplaceMultiply: object.OpMul,
	bytecode.InplaceTrueDiv:  object.OpTrueDiv,
	bytecode.InplaceFloorDiv: object.OpFloorDiv,
	bytecode.InplaceModulo:   object.OpMod,
	bytecode.InplacePower:    object.OpPow,
	bytecode.InplaceLShift:   object.OpLShift,
	bytecode.InplaceRShift:   object.OpRShift,
	bytecode.InplaceAnd:      object.OpAnd,
	bytecode.InplaceOr:       object.OpOr,
	bytecode.InplaceXor:      object.OpXor,
}

// BinaryOpOf maps a binary or in-place opcode to its operator.
func BinaryOpOf(op bytecode.Opcode) (binop object.BinaryOp, inplace, ok bool) {
	if b, ok := binaryOps[op]; ok {
		return b, false, true
	}
	if b, ok := inplaceOps[op]; ok {
		return b, true, true
	}
	return 0, false, false
}

// LoadGlobal returns a new reference to the global name, looked up in
// globals and then builtins.
func LoadGlobal(globals, builtins *object.Dict, name string) (object.Object, error) {
	if v := globals.LookupString(name); v != nil {
		return object.Acquire(v), nil
	}
	if v := builtins.LookupString(name); v != nil {
		return object.Acquire(v), nil
	}
	return nil, NameError(name)
}

// DeleteGlobal removes name from globals.
func DeleteGlobal(globals *object.Dict, name string) error {
	key := object.NewStr(name)
	defer object.Release(key)
	found, err := globals.DelItem(key)
	if err != nil {
		return err
	}
	if !found {
		return NameError(name)
	}
	return nil
}

// NameError reports an undefined global.
func NameError(name string) error {
	return object.Errorf(object.NameErrorType, "name '%s' is not defined", name)
}

// UnboundLocalError reports a read of an unassigned local.
func UnboundLocalError(name string) error {
	return object.Errorf(object.UnboundLocalErrorType, "local variable '%s' referenced before assignment", name)
}

// UnboundDerefError reports a read of an empty cell.
func UnboundDerefError(code *bytecode.Code, idx int) error {
	if idx < len(code.CellVars) {
		return UnboundLocalError(code.CellName(idx))
	}
	return object.Errorf(object.NameErrorType, "free variable '%s' referenced before assignment in enclosing scope", code.CellName(idx))
}

// UnpackSequence returns new references to the n items of seq.
func UnpackSequence(seq object.Object, n int) ([]object.Object, error) {
	var items []object.Object
	switch s := seq.(type) {
	case *object.Tuple:
		items = s.Items
	case *object.List:
		items = s.Items
	}
	if isSequence(seq) {
		if len(items) < n {
			return nil, object.Errorf(object.ValueErrorType, "not enough values to unpack (expected %d, got %d)", n, len(items))
		}
		if len(items) > n {
			return nil, object.Errorf(object.ValueErrorType, "too many values to unpack (expected %d)", n)
		}
		out := make([]object.Object, n)
		for i, o := range items {
			out[i] = object.Acquire(o)
		}
		return out, nil
	}
	it, err := object.GetIter(seq)
	if err != nil {
		return nil, object.Errorf(object.TypeErrorType, "cannot unpack non-iterable %s object", seq.Type().Name)
	}
	defer object.Release(it)
	out := make([]object.Object, 0, n)
	for {
		v, err := object.Next(it)
		if err != nil {
			object.ReleaseAll(out)
			return nil, err
		}
		if v == nil {
			break
		}
		if len(out) == n {
			object.Release(v)
			object.ReleaseAll(out)
			return nil, object.Errorf(object.ValueErrorType, "too many values to unpack (expected %d)", n)
		}
		out = append(out, v)
	}
	if len(out) < n {
		got := len(out)
		object.ReleaseAll(out)
		return nil, object.Errorf(object.ValueErrorType, "not enough values to unpack (expected %d, got %d)", n, got)
	}
	return out, nil
}

func isSequence(o object.Object) bool {
	switch o.(type) {
	case *object.Tuple, *object.List:
		return true
	}
	return false
}

// MakeException builds the exception raised by "raise v from cause",
// stealing v and cause. cause may be nil.
func MakeException(v, cause object.Object) error {
	exc, err := instantiate(v)
	if err != nil {
		if cause != nil {
			object.Release(cause)
		}
		return err
	}
	if cause != nil {
		if _, isNone := cause.(*object.NoneObject); isNone {
			object.Release(cause)
		} else {
			c, err := instantiate(cause)
			if err != nil {
				object.Release(exc)
				return object.Errorf(object.TypeErrorType, "exception causes must derive from BaseException")
			}
			if exc.Cause != nil {
				object.Release(exc.Cause)
			}
			exc.Cause = c
		}
	}
	return exc
}

// instantiate steals v and returns it as an exception instance.
func instantiate(v object.Object) (*object.Exception, error) {
	switch e := v.(type) {
	case *object.Exception:
		return e, nil
	case *object.Type:
		if e.IsSubtype(object.BaseExceptionType) && e.New != nil {
			o, err := e.New(nil)
			object.Release(v)
			if err != nil {
				return nil, err
			}
			if exc, ok := o.(*object.Exception); ok {
				return exc, nil
			}
			object.Release(o)
		} else {
			object.Release(v)
		}
	default:
		object.Release(v)
	}
	return nil, object.Errorf(object.TypeErrorType, "exceptions must derive from BaseException")
}

// ExceptionMatches implements the except clause test: exc against a class
// or tuple of classes.
func ExceptionMatches(exc, cls object.Object) (bool, error) {
	if t, ok := cls.(*object.Tuple); ok {
		for _, item := range t.Items {
			m, err := ExceptionMatches(exc, item)
			if err != nil || m {
				return m, err
			}
		}
		return false, nil
	}
	t, ok := cls.(*object.Type)
	if !ok || !t.IsSubtype(object.BaseExceptionType) {
		return false, object.Errorf(object.TypeErrorType, "catching classes that do not inherit from BaseException is not allowed")
	}
	return exc.Type().IsSubtype(t), nil
}

// MakeFunction builds a function from a code object constant, stealing
// defaults, kwDefaults and closure.
func MakeFunction(code object.Object, qualname object.Object, globals *object.Dict, defaults *object.Tuple, kwDefaults *object.Dict, closure *object.Tuple) (*object.Function, error) {
	co, ok := code.(*object.CodeObject)
	if !ok {
		return nil, object.Errorf(object.SystemErrorType, "MAKE_FUNCTION expects a code object, got %s", object.TypeName(code))
	}
	name := co.Code.Name
	if q, ok := qualname.(*object.Str); ok {
		name = q.V
	}
	return object.NewFunction(co.Code, globals, name, defaults, kwDefaults, closure), nil
}

// BuildDict builds a dict from alternating keys and values, borrowing them.
func BuildDict(kv []object.Object) (*object.Dict, error) {
	d := object.NewDict()
	for i := 0; i+1 < len(kv); i += 2 {
		if err := d.SetItem(kv[i], kv[i+1]); err != nil {
			object.Release(d)
			return nil, err
		}
	}
	return d, nil
}

// ListToTuple returns a tuple holding new references to the list's items.
func ListToTuple(o object.Object) (object.Object, error) {
	l, ok := o.(*object.List)
	if !ok {
		return nil, object.Errorf(object.SystemErrorType, "LIST_TO_TUPLE expects a list, got %s", object.TypeName(o))
	}
	return object.NewTupleOf(l.Items...), nil
}

// CompareIs implements IS_OP.
func CompareIs(a, b object.Object, negate bool) bool {
	return (a == b) != negate
}

// ContainsOp implements CONTAINS_OP: item in container.
func ContainsOp(item, container object.Object, negate bool) (bool, error) {
	in, err := object.Contains(container, item)
	if err != nil {
		return false, err
	}
	return in != negate, nil
}
