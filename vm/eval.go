package vm

import (
	"github.com/chazu/kestrel/object"
	"github.com/chazu/kestrel/pkg/bytecode"
)

// ---------------------------------------------------------------------------
// Generic evaluation loop
// ---------------------------------------------------------------------------

// EvalFrameDefault interprets f instruction by instruction. It resumes a
// suspended generator frame where it yielded.
func (th *Thread) EvalFrameDefault(f *Frame) (object.Object, error) {
	code := f.Code
	instrs := code.Instructions

	if f.started {
		// Resuming after YIELD_VALUE: the yield expression evaluates to None.
		f.Push(object.NewNone())
	}
	f.started = true
	if err := th.CallProfile(f, TraceCall, nil); err != nil {
		return th.leave(f, nil, err)
	}
	if err := th.CallTrace(f, TraceCall, nil); err != nil {
		return th.leave(f, nil, err)
	}

	var err error
	reraise := false
	for {
		if err != nil {
			exc := object.AsException(err)
			err = nil
			if !reraise {
				exc.AddTraceback(code.Name, code.Filename, f.LineNumber())
				if terr := th.CallTrace(f, TraceException, exc); terr != nil {
					object.Release(exc)
					exc = object.AsException(terr)
				}
			}
			reraise = false
			if !th.unwind(f, exc) {
				return th.leave(f, nil, exc)
			}
			continue
		}

		pos := f.IP
		op := bytecode.Opcode(instrs[pos])
		arg := int(instrs[pos+1])
		f.IP += 2
		for op == bytecode.ExtendedArg {
			op = bytecode.Opcode(instrs[f.IP])
			arg = arg<<8 | int(instrs[f.IP+1])
			f.IP += 2
		}
		f.LastIP = pos
		if th.trace != nil && code.IsLineStart(pos) {
			f.Line = code.Line(pos)
			if err = th.CallTrace(f, TraceLine, nil); err != nil {
				continue
			}
		}

		switch op {
		case bytecode.Nop:

		case bytecode.PopTop:
			object.Release(f.Pop())

		case bytecode.RotTwo:
			s := f.Stack
			s[f.SP-1], s[f.SP-2] = s[f.SP-2], s[f.SP-1]

		case bytecode.RotThree:
			s := f.Stack
			top := s[f.SP-1]
			s[f.SP-1] = s[f.SP-2]
			s[f.SP-2] = s[f.SP-3]
			s[f.SP-3] = top

		case bytecode.RotFour:
			s := f.Stack
			top := s[f.SP-1]
			s[f.SP-1] = s[f.SP-2]
			s[f.SP-2] = s[f.SP-3]
			s[f.SP-3] = s[f.SP-4]
			s[f.SP-4] = top

		case bytecode.DupTop:
			f.Push(object.Acquire(f.Top()))

		case bytecode.DupTopTwo:
			a, b := f.Peek(2), f.Peek(1)
			f.Push(object.Acquire(a))
			f.Push(object.Acquire(b))

		case bytecode.UnaryPositive, bytecode.UnaryNegative, bytecode.UnaryNot, bytecode.UnaryInvert:
			var r object.Object
			if r, err = Unary(op, f.Top()); err == nil {
				f.SetTop(r)
			}

		case bytecode.BinarySubscr:
			key := f.Pop()
			var r object.Object
			r, err = object.GetItem(f.Top(), key)
			object.Release(key)
			if err == nil {
				f.SetTop(r)
			}

		case bytecode.StoreSubscr:
			key := f.Pop()
			container := f.Pop()
			value := f.Pop()
			err = object.SetItem(container, key, value)
			object.Release(key)
			object.Release(container)
			object.Release(value)

		case bytecode.DeleteSubscr:
			key := f.Pop()
			container := f.Pop()
			err = object.DelItem(container, key)
			object.Release(key)
			object.Release(container)

		case bytecode.GetIter:
			var it object.Object
			if it, err = object.GetIter(f.Top()); err == nil {
				f.SetTop(it)
			}

		case bytecode.ListToTuple:
			var t object.Object
			if t, err = ListToTuple(f.Top()); err == nil {
				f.SetTop(t)
			}

		case bytecode.Reraise:
			v := f.Pop()
			exc, ok := v.(*object.Exception)
			if !ok {
				object.Release(v)
				err = object.Errorf(object.SystemErrorType, "RERAISE expects an exception, got %s", object.TypeName(v))
				break
			}
			err = exc
			reraise = true

		case bytecode.LoadAssertionError:
			f.Push(object.Acquire(object.AssertionErrorType))

		case bytecode.ReturnValue:
			v := f.Pop()
			th.UnwindHandlers(f, 0)
			f.blocks = f.blocks[:0]
			return th.leave(f, v, nil)

		case bytecode.YieldValue:
			v := f.Pop()
			f.yielded = true
			return th.leave(f, v, nil)

		case bytecode.PopBlock:
			f.blocks = f.blocks[:len(f.blocks)-1]

		case bytecode.PopExcept:
			n := len(f.blocks)
			if n == 0 || f.blocks[n-1].Kind != bytecode.BlockExceptHandler {
				err = object.Errorf(object.SystemErrorType, "popped block is not an except handler")
				break
			}
			f.blocks = f.blocks[:n-1]
			th.PopExcept(f)

		case bytecode.SetupFinally:
			f.blocks = append(f.blocks, Block{Kind: bytecode.BlockFinally, Handler: f.IP + arg, Level: f.SP})

		case bytecode.UnpackSequence:
			seq := f.Pop()
			var items []object.Object
			items, err = UnpackSequence(seq, arg)
			object.Release(seq)
			if err == nil {
				for i := len(items) - 1; i >= 0; i-- {
					f.Push(items[i])
				}
			}

		case bytecode.ForIter:
			var v object.Object
			v, err = object.Next(f.Top())
			if err != nil {
				break
			}
			if v == nil {
				object.Release(f.Pop())
				f.IP += arg
			} else {
				f.Push(v)
			}

		case bytecode.StoreGlobal:
			v := f.Pop()
			f.Globals.SetString(code.Names[arg], v)
			object.Release(v)

		case bytecode.DeleteGlobal:
			err = DeleteGlobal(f.Globals, code.Names[arg])

		case bytecode.LoadGlobal:
			var v object.Object
			if v, err = LoadGlobal(f.Globals, f.Builtins, code.Names[arg]); err == nil {
				f.Push(v)
			}

		case bytecode.LoadConst:
			f.Push(object.Acquire(f.Consts[arg]))

		case bytecode.BuildTuple:
			items := make([]object.Object, arg)
			copy(items, f.Stack[f.SP-arg:f.SP])
			f.clear(arg)
			f.Push(object.NewTuple(items))

		case bytecode.BuildList:
			items := make([]object.Object, arg)
			copy(items, f.Stack[f.SP-arg:f.SP])
			f.clear(arg)
			f.Push(object.NewList(items))

		case bytecode.BuildMap:
			var d *object.Dict
			d, err = BuildDict(f.Stack[f.SP-2*arg : f.SP])
			f.popTo(f.SP - 2*arg)
			if err == nil {
				f.Push(d)
			}

		case bytecode.BuildSlice:
			var step object.Object
			if arg == 3 {
				step = f.Pop()
			}
			stop := f.Pop()
			start := f.Pop()
			f.Push(object.NewSlice(start, stop, step))

		case bytecode.LoadAttr:
			var v object.Object
			if v, err = object.GetAttr(f.Top(), code.Names[arg]); err == nil {
				f.SetTop(v)
			}

		case bytecode.CompareOp:
			b := f.Pop()
			var r object.Object
			r, err = object.Compare(f.Top(), b, object.CompareOp(arg))
			object.Release(b)
			if err == nil {
				f.SetTop(r)
			}

		case bytecode.IsOp:
			b := f.Pop()
			a := f.Pop()
			r := CompareIs(a, b, arg == 1)
			object.Release(a)
			object.Release(b)
			f.Push(object.NewBool(r))

		case bytecode.ContainsOp:
			container := f.Pop()
			item := f.Pop()
			var r bool
			r, err = ContainsOp(item, container, arg == 1)
			object.Release(container)
			object.Release(item)
			if err == nil {
				f.Push(object.NewBool(r))
			}

		case bytecode.JumpForward:
			f.IP += arg

		case bytecode.JumpAbsolute:
			f.IP = arg
			if arg <= pos {
				err = th.MakePendingCalls()
			}

		case bytecode.PopJumpIfFalse, bytecode.PopJumpIfTrue:
			v := f.Pop()
			var t bool
			t, err = object.IsTrue(v)
			object.Release(v)
			if err == nil && t == (op == bytecode.PopJumpIfTrue) {
				f.IP = arg
			}

		case bytecode.JumpIfFalseOrPop, bytecode.JumpIfTrueOrPop:
			var t bool
			if t, err = object.IsTrue(f.Top()); err != nil {
				break
			}
			if t == (op == bytecode.JumpIfTrueOrPop) {
				f.IP = arg
			} else {
				object.Release(f.Pop())
			}

		case bytecode.JumpIfNotExcMatch:
			cls := f.Pop()
			exc := f.Pop()
			var m bool
			m, err = ExceptionMatches(exc, cls)
			object.Release(cls)
			object.Release(exc)
			if err == nil && !m {
				f.IP = arg
			}

		case bytecode.LoadFast:
			v := f.Locals[arg]
			if v == nil {
				err = UnboundLocalError(code.VarNames[arg])
				break
			}
			f.Push(object.Acquire(v))

		case bytecode.StoreFast:
			old := f.Locals[arg]
			f.Locals[arg] = f.Pop()
			object.Release(old)

		case bytecode.DeleteFast:
			old := f.Locals[arg]
			if old == nil {
				err = UnboundLocalError(code.VarNames[arg])
				break
			}
			f.Locals[arg] = nil
			object.Release(old)

		case bytecode.LoadClosure:
			f.Push(object.Acquire(f.Cells[arg]))

		case bytecode.LoadDeref:
			v := f.Cells[arg].Ref
			if v == nil {
				err = UnboundDerefError(code, arg)
				break
			}
			f.Push(object.Acquire(v))

		case bytecode.StoreDeref:
			f.Cells[arg].Set(f.Pop())

		case bytecode.RaiseVarargs:
			switch arg {
			case 0:
				err = th.Reraise()
				reraise = true
			case 1:
				err = MakeException(f.Pop(), nil)
			case 2:
				cause := f.Pop()
				err = MakeException(f.Pop(), cause)
			}

		case bytecode.CallFunction:
			base := f.SP - arg - 1
			var r object.Object
			r, err = th.Call(f.Stack[base], f.Stack[base+1:f.SP], nil)
			f.popTo(base)
			if err == nil {
				f.Push(r)
			}

		case bytecode.CallFunctionKw:
			names := f.Pop()
			base := f.SP - arg - 1
			var r object.Object
			r, err = th.Call(f.Stack[base], f.Stack[base+1:f.SP], KeywordNames(names))
			object.Release(names)
			f.popTo(base)
			if err == nil {
				f.Push(r)
			}

		case bytecode.CallFunctionEx:
			var kwargs object.Object
			if arg&1 != 0 {
				kwargs = f.Pop()
			}
			args := f.Pop()
			fn := f.Pop()
			var r object.Object
			r, err = th.CallEx(fn, args, kwargs)
			object.Release(fn)
			object.Release(args)
			if kwargs != nil {
				object.Release(kwargs)
			}
			if err == nil {
				f.Push(r)
			}

		case bytecode.MakeFunction:
			qualname := f.Pop()
			codeObj := f.Pop()
			var closure, defaults *object.Tuple
			var kwDefaults *object.Dict
			if arg&bytecode.MakeFunctionClosure != 0 {
				closure, _ = f.Pop().(*object.Tuple)
			}
			if arg&bytecode.MakeFunctionAnnotation != 0 {
				object.Release(f.Pop())
			}
			if arg&bytecode.MakeFunctionKwDefaults != 0 {
				kwDefaults, _ = f.Pop().(*object.Dict)
			}
			if arg&bytecode.MakeFunctionDefaults != 0 {
				defaults, _ = f.Pop().(*object.Tuple)
			}
			var fn *object.Function
			fn, err = MakeFunction(codeObj, qualname, f.Globals, defaults, kwDefaults, closure)
			object.Release(qualname)
			object.Release(codeObj)
			if err == nil {
				f.Push(fn)
			}

		case bytecode.ListAppend:
			v := f.Pop()
			l := f.Peek(arg).(*object.List)
			l.Items = append(l.Items, v)

		case bytecode.ListExtend:
			v := f.Pop()
			err = object.ListExtend(f.Peek(arg).(*object.List), v)
			object.Release(v)

		case bytecode.DictMerge, bytecode.DictUpdate:
			v := f.Pop()
			err = object.DictMerge(f.Peek(arg).(*object.Dict), v, op == bytecode.DictMerge)
			object.Release(v)

		default:
			if binop, inplace, ok := BinaryOpOf(op); ok {
				b := f.Pop()
				var r object.Object
				if inplace {
					r, err = object.InPlace(binop, f.Top(), b)
				} else {
					r, err = object.Binary(binop, f.Top(), b)
				}
				object.Release(b)
				if err == nil {
					f.SetTop(r)
				}
				break
			}
			err = object.Errorf(object.SystemErrorType, "unknown opcode %d at offset %d", byte(op), pos)
		}
	}
}

// unwind transfers control to the innermost handler of f for exc, taking
// ownership of exc. It reports false when f has no handler left.
func (th *Thread) unwind(f *Frame, exc *object.Exception) bool {
	for len(f.blocks) > 0 {
		b := f.blocks[len(f.blocks)-1]
		f.blocks = f.blocks[:len(f.blocks)-1]
		f.popTo(b.Level)
		if b.Kind == bytecode.BlockExceptHandler {
			th.PopExcept(f)
			continue
		}
		f.blocks = append(f.blocks, Block{Kind: bytecode.BlockExceptHandler, Level: b.Level})
		th.EnterHandler(f, exc)
		f.Push(exc)
		f.IP = b.Handler
		return true
	}
	return false
}

// leave reports the frame exit to the hooks and returns its result.
func (th *Thread) leave(f *Frame, v object.Object, err error) (object.Object, error) {
	if err != nil {
		th.UnwindHandlers(f, 0)
	}
	arg := v
	if arg == nil {
		arg = object.None
	}
	if terr := th.CallTrace(f, TraceReturn, arg); terr != nil && err == nil {
		object.Release(v)
		return nil, terr
	}
	if perr := th.CallProfile(f, TraceReturn, arg); perr != nil && err == nil {
		object.Release(v)
		return nil, perr
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

// clear drops n stack slots whose references were moved elsewhere.
func (f *Frame) clear(n int) {
	for i := 0; i < n; i++ {
		f.SP--
		f.Stack[f.SP] = nil
	}
}

// Unary applies a UNARY_* opcode to v, borrowing it.
func Unary(op bytecode.Opcode, v object.Object) (object.Object, error) {
	switch op {
	case bytecode.UnaryPositive:
		return object.Positive(v)
	case bytecode.UnaryNegative:
		return object.Negate(v)
	case bytecode.UnaryNot:
		return object.Not(v)
	}
	return object.Invert(v)
}

// KeywordNames extracts the names tuple of CALL_FUNCTION_KW.
func KeywordNames(names object.Object) []string {
	t, ok := names.(*object.Tuple)
	if !ok {
		return nil
	}
	out := make([]string, len(t.Items))
	for i, n := range t.Items {
		if s, ok := n.(*object.Str); ok {
			out[i] = s.V
		}
	}
	return out
}
