package il

import (
	"github.com/chazu/kestrel/object"
	"github.com/chazu/kestrel/vm"
)

// Context is handed to helpers while a method executes.
type Context struct {
	Thread *vm.Thread
	Frame  *vm.Frame
	Method *Method
	Owner  any // The JIT record the method belongs to

	pc int
}

// Offset returns the bytecode offset implemented by the executing
// instruction.
func (c *Context) Offset() int { return c.Method.Instrs[c.pc].Source }

// Invoke executes m on frame f. The frame's fast locals are read and
// written in place; the result is a new reference.
func (m *Method) Invoke(th *vm.Thread, f *vm.Frame, owner any) (object.Object, error) {
	c := &Context{Thread: th, Frame: f, Method: m, Owner: owner}
	base := m.NumFrameLocals
	locals := make([]Value, m.NumSlots+m.NumTemps)
	stack := make([]Value, 0, m.MaxStack)
	pop := func() Value {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v
	}

	pc := 0
	for {
		in := &m.Instrs[pc]
		c.pc = pc
		pc++
		switch in.Op {
		case Nop:

		case Ldnull:
			stack = append(stack, Value{})

		case LdcI4, LdcI8:
			stack = append(stack, IntValue(in.Operand))

		case Ldsfld:
			stack = append(stack, ObjValue(m.Objects[in.Operand]))

		case Dup:
			stack = append(stack, stack[len(stack)-1])

		case Pop:
			stack = stack[:len(stack)-1]

		case Ldloc:
			if n := int(in.Operand); n < base {
				stack = append(stack, ObjValue(f.Locals[n]))
			} else {
				stack = append(stack, locals[n-base])
			}

		case Stloc:
			v := pop()
			if n := int(in.Operand); n < base {
				f.Locals[n] = v.Obj
			} else {
				locals[n-base] = v
			}

		case Ceq:
			b, a := pop(), pop()
			var eq int64
			if a.Obj == b.Obj && a.Int == b.Int {
				eq = 1
			}
			stack = append(stack, IntValue(eq))

		case RcInc:
			object.Acquire(pop().Obj)

		case RcDec:
			stack = append(stack, IntValue(object.DecRef(pop().Obj)))

		case Br:
			pc = int(in.Operand)

		case Brtrue, Brfalse:
			if pop().True() == (in.Op == Brtrue) {
				pc = int(in.Operand)
			}

		case Ret:
			v := pop()
			if !f.Suspended() {
				th.UnwindHandlers(f, 0)
			}
			return v.Obj, nil

		case Call:
			h, ok := Lookup(Token(in.Operand))
			if !ok {
				return nil, object.Errorf(object.SystemErrorType, "il: %s: unknown helper token 0x%08X", m.Name, uint32(in.Operand))
			}
			n := h.Args
			if h.Variadic {
				n = int(pop().Int)
			}
			args := make([]Value, n)
			copy(args, stack[len(stack)-n:])
			stack = stack[:len(stack)-n]

			v, err := h.Fn(c, args)
			if err == nil && h.NoReturn {
				err = object.Errorf(object.SystemErrorType, "il: %s returned normally", h.Name)
			}
			if err != nil {
				for _, s := range stack {
					object.Release(s.Obj)
				}
				stack = stack[:0]
				next, ok, exc := m.raise(c, in, h, err, locals)
				if !ok {
					return nil, exc
				}
				pc = next
				continue
			}
			if h.Returns {
				stack = append(stack, v)
			}

		default:
			return nil, object.Errorf(object.SystemErrorType, "il: %s: invalid opcode %s at IL_%04x", m.Name, in.Op, in.Offset)
		}
	}
}

// raise dispatches a helper failure at in. It reports the handler to
// continue at, or false with the exception leaving the method.
func (m *Method) raise(c *Context, in *Instr, h *Helper, err error, locals []Value) (int, bool, error) {
	th, f := c.Thread, c.Frame
	exc := object.AsException(err)
	if in.Source >= 0 {
		f.LastIP = in.Source
	}
	if !h.NoTraceback {
		exc.AddTraceback(m.Code.Name, m.Code.Filename, f.LineNumber())
		if hook, ok := Lookup(m.RaiseHook); ok && m.RaiseHook != 0 {
			if _, terr := hook.Fn(c, []Value{ObjValue(exc)}); terr != nil {
				object.Release(exc)
				exc = object.AsException(terr)
			}
		}
	}

	level, depth, target := 0, 0, -1
	if in.Clause >= 0 {
		cl := m.Clauses[in.Clause]
		level, depth, target = cl.Level, cl.ExceptDepth, cl.Handler
	}
	for d := level; d < in.Live; d++ {
		object.Release(locals[d].Obj)
		locals[d] = Value{}
	}
	th.UnwindHandlers(f, depth)
	if target < 0 {
		if h.Exit {
			return 0, false, exc
		}
		if m.Tracing {
			_ = th.CallTrace(f, vm.TraceReturn, object.None)
		}
		if m.Profiling {
			_ = th.CallProfile(f, vm.TraceReturn, object.None)
		}
		return 0, false, exc
	}
	th.EnterHandler(f, exc)
	locals[level] = ObjValue(exc)
	return target, true, nil
}
