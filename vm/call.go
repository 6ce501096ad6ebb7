package vm

import (
	"fmt"
	"strings"

	"github.com/chazu/kestrel/object"
	"github.com/chazu/kestrel/pkg/bytecode"
)

// NativeType is the type of functions implemented in Go that need the
// calling thread.
var NativeType = object.Immortalize(&object.Type{Name: "builtin_function_or_method", Base: object.ObjectType}).(*object.Type)

// NativeFunc implements a Native. Arguments are borrowed and the result is
// a new reference.
type NativeFunc func(th *Thread, args []object.Object) (object.Object, error)

// Native is a builtin that can call back into the interpreter.
type Native struct {
	object.Header
	Name string
	Fn   NativeFunc
}

func (*Native) Type() *object.Type { return NativeType }

// NewNative returns an immortal native function.
func NewNative(name string, fn NativeFunc) *Native {
	n := &Native{Name: name, Fn: fn}
	object.Immortalize(n)
	return n
}

// ---------------------------------------------------------------------------
// Call protocol
// ---------------------------------------------------------------------------

// Call calls callable. The last len(kwnames) entries of args are keyword
// arguments named by kwnames. Arguments are borrowed; the result is a new
// reference.
func (th *Thread) Call(callable object.Object, args []object.Object, kwnames []string) (object.Object, error) {
	switch fn := callable.(type) {
	case *object.Function:
		return th.CallFunction(fn, args, kwnames)
	case *object.Builtin:
		if len(kwnames) > 0 {
			return nil, noKeywords(fn.Name)
		}
		return fn.Fn(args)
	case *Native:
		if len(kwnames) > 0 {
			return nil, noKeywords(fn.Name)
		}
		return fn.Fn(th, args)
	case *object.BoundMethod:
		if len(kwnames) > 0 {
			return nil, noKeywords(fn.Name)
		}
		return fn.Fn(fn.Self, args)
	case *object.Type:
		if len(kwnames) > 0 {
			return nil, noKeywords(fn.Name)
		}
		if fn.New == nil {
			return nil, object.Errorf(object.TypeErrorType, "cannot create '%s' instances", fn.Name)
		}
		return fn.New(args)
	}
	return nil, object.Errorf(object.TypeErrorType, "'%s' object is not callable", object.TypeName(callable))
}

func noKeywords(name string) error {
	return object.Errorf(object.TypeErrorType, "%s() takes no keyword arguments", name)
}

// CallEx implements CALL_FUNCTION_EX: callable(*args, **kwargs). kwargs
// may be nil. All operands are borrowed.
func (th *Thread) CallEx(callable, args, kwargs object.Object) (object.Object, error) {
	var pos []object.Object
	switch t := args.(type) {
	case *object.Tuple:
		pos = t.Items
	default:
		tup, err := object.SequenceToTuple(args)
		if err != nil {
			return nil, object.Errorf(object.TypeErrorType, "%s argument after * must be an iterable, not %s", callableName(callable), object.TypeName(args))
		}
		defer object.Release(tup)
		pos = tup.Items
	}
	if kwargs == nil {
		return th.Call(callable, pos, nil)
	}
	kw, ok := kwargs.(*object.Dict)
	if !ok {
		return nil, object.Errorf(object.TypeErrorType, "%s argument after ** must be a mapping, not %s", callableName(callable), object.TypeName(kwargs))
	}
	all := make([]object.Object, 0, len(pos)+kw.Len())
	all = append(all, pos...)
	names := make([]string, 0, kw.Len())
	var kerr error
	kw.Range(func(k, v object.Object) bool {
		s, ok := k.(*object.Str)
		if !ok {
			kerr = object.Errorf(object.TypeErrorType, "keywords must be strings")
			return false
		}
		names = append(names, s.V)
		all = append(all, v)
		return true
	})
	if kerr != nil {
		return nil, kerr
	}
	return th.Call(callable, all, names)
}

func callableName(o object.Object) string {
	switch fn := o.(type) {
	case *object.Function:
		return fn.Qualname + "()"
	case *object.Builtin:
		return fn.Name + "()"
	case *Native:
		return fn.Name + "()"
	}
	return "function"
}

// CallFunction binds the arguments of fn into a new frame and evaluates it,
// or returns a generator for generator functions.
func (th *Thread) CallFunction(fn *object.Function, args []object.Object, kwnames []string) (object.Object, error) {
	f, err := th.BindFrame(fn, args, kwnames)
	if err != nil {
		return nil, err
	}
	if fn.Code.IsGenerator() {
		return newGenerator(th, f), nil
	}
	defer f.Release()
	return th.EvalFrame(f)
}

// BindFrame creates the frame for a call to fn, binding positional and
// keyword arguments, defaults, *args, **kwargs, cells and free variables.
func (th *Thread) BindFrame(fn *object.Function, args []object.Object, kwnames []string) (*Frame, error) {
	code := fn.Code
	f := th.NewFrame(code, fn.Globals, fn)
	if err := bindArgs(f, fn, args, kwnames); err != nil {
		f.Release()
		return nil, err
	}
	for i, name := range code.CellVars {
		var ref object.Object
		if slot := paramSlot(code, name); slot >= 0 {
			ref = f.Locals[slot]
			f.Locals[slot] = nil
		}
		f.Cells[i] = object.NewCell(ref)
	}
	if n := len(code.FreeVars); n > 0 {
		if fn.Closure == nil || len(fn.Closure.Items) != n {
			f.Release()
			return nil, object.Errorf(object.SystemErrorType, "%s() requires a closure of %d cells", code.Name, n)
		}
		for i, c := range fn.Closure.Items {
			f.Cells[len(code.CellVars)+i] = object.Acquire(c).(*object.Cell)
		}
	}
	return f, nil
}

func paramSlot(code *bytecode.Code, name string) int {
	for i := 0; i < code.TotalArgs(); i++ {
		if code.VarNames[i] == name {
			return i
		}
	}
	return -1
}

func bindArgs(f *Frame, fn *object.Function, args []object.Object, kwnames []string) error {
	code := fn.Code
	name := code.Name
	argc := code.ArgCount
	kwonly := code.KwOnlyArgCount
	npos := len(args) - len(kwnames)
	locals := f.Locals

	slot := argc + kwonly
	var varargs *object.Tuple
	if code.Flags&bytecode.FlagVarArgs != 0 {
		slot++
	}
	var varkw *object.Dict
	if code.Flags&bytecode.FlagVarKeywords != 0 {
		varkw = object.NewDict()
		locals[slot] = varkw
	}

	n := npos
	if n > argc {
		n = argc
	}
	for i := 0; i < n; i++ {
		locals[i] = object.Acquire(args[i])
	}
	if code.Flags&bytecode.FlagVarArgs != 0 {
		extra := []object.Object{}
		if npos > argc {
			extra = args[argc:npos]
		}
		varargs = object.NewTupleOf(extra...)
		locals[argc+kwonly] = varargs
	} else if npos > argc {
		return tooManyPositional(fn, npos, kwnames)
	}

	for k, kw := range kwnames {
		value := args[npos+k]
		idx := -1
		for i := 0; i < argc+kwonly; i++ {
			if code.VarNames[i] == kw {
				idx = i
				break
			}
		}
		if idx < 0 {
			if varkw == nil {
				return object.Errorf(object.TypeErrorType, "%s() got an unexpected keyword argument '%s'", name, kw)
			}
			key := object.NewStr(kw)
			err := varkw.SetItem(key, value)
			object.Release(key)
			if err != nil {
				return err
			}
			continue
		}
		if locals[idx] != nil {
			return object.Errorf(object.TypeErrorType, "%s() got multiple values for argument '%s'", name, kw)
		}
		locals[idx] = object.Acquire(value)
	}

	var defaults []object.Object
	if fn.Defaults != nil {
		defaults = fn.Defaults.Items
	}
	firstDefault := argc - len(defaults)
	var missing []string
	for i := 0; i < argc; i++ {
		if locals[i] != nil {
			continue
		}
		if i >= firstDefault {
			locals[i] = object.Acquire(defaults[i-firstDefault])
			continue
		}
		missing = append(missing, code.VarNames[i])
	}
	if len(missing) > 0 {
		return missingArgs(name, "positional", missing)
	}
	missing = nil
	for i := argc; i < argc+kwonly; i++ {
		if locals[i] != nil {
			continue
		}
		if fn.KwDefaults != nil {
			if v := fn.KwDefaults.LookupString(code.VarNames[i]); v != nil {
				locals[i] = object.Acquire(v)
				continue
			}
		}
		missing = append(missing, code.VarNames[i])
	}
	if len(missing) > 0 {
		return missingArgs(name, "keyword-only", missing)
	}
	return nil
}

func tooManyPositional(fn *object.Function, given int, kwnames []string) error {
	code := fn.Code
	argc := code.ArgCount
	ndefaults := 0
	if fn.Defaults != nil {
		ndefaults = len(fn.Defaults.Items)
	}
	var takes string
	switch {
	case ndefaults > 0:
		takes = fmt.Sprintf("from %d to %d positional arguments", argc-ndefaults, argc)
	default:
		takes = fmt.Sprintf("%d positional argument%s", argc, pluralS(argc))
	}
	kwGiven := 0
	for _, kw := range kwnames {
		for i := argc; i < argc+code.KwOnlyArgCount; i++ {
			if code.VarNames[i] == kw {
				kwGiven++
			}
		}
	}
	if kwGiven > 0 {
		return object.Errorf(object.TypeErrorType, "%s() takes %s but %d positional argument%s (and %d keyword-only argument%s) were given",
			code.Name, takes, given, pluralS(given), kwGiven, pluralS(kwGiven))
	}
	verb := "were"
	if given == 1 {
		verb = "was"
	}
	return object.Errorf(object.TypeErrorType, "%s() takes %s but %d %s given", code.Name, takes, given, verb)
}

func pluralS(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

// missingArgs formats the TypeError for unbound parameters, listing them
// as 'a', 'a' and 'b', or 'a', 'b', and 'c'.
func missingArgs(fn, kind string, names []string) error {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = "'" + n + "'"
	}
	var list string
	switch len(quoted) {
	case 1:
		list = quoted[0]
	case 2:
		list = quoted[0] + " and " + quoted[1]
	default:
		list = strings.Join(quoted[:len(quoted)-1], ", ") + ", and " + quoted[len(quoted)-1]
	}
	return object.Errorf(object.TypeErrorType, "%s() missing %d required %s argument%s: %s", fn, len(names), kind, pluralS(len(names)), list)
}
