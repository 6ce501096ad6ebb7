package object

import (
	"fmt"
	"strings"
)

// Exception types.
var (
	BaseExceptionType       = newExcType("BaseException", nil)
	ExceptionType           = newExcType("Exception", BaseExceptionType)
	StopIterationType       = newExcType("StopIteration", ExceptionType)
	ArithmeticErrorType     = newExcType("ArithmeticError", ExceptionType)
	ZeroDivisionErrorType   = newExcType("ZeroDivisionError", ArithmeticErrorType)
	OverflowErrorType       = newExcType("OverflowError", ArithmeticErrorType)
	LookupErrorType         = newExcType("LookupError", ExceptionType)
	IndexErrorType          = newExcType("IndexError", LookupErrorType)
	KeyErrorType            = newExcType("KeyError", LookupErrorType)
	TypeErrorType           = newExcType("TypeError", ExceptionType)
	ValueErrorType          = newExcType("ValueError", ExceptionType)
	NameErrorType           = newExcType("NameError", ExceptionType)
	UnboundLocalErrorType   = newExcType("UnboundLocalError", NameErrorType)
	AttributeErrorType      = newExcType("AttributeError", ExceptionType)
	AssertionErrorType      = newExcType("AssertionError", ExceptionType)
	RuntimeErrorType        = newExcType("RuntimeError", ExceptionType)
	RecursionErrorType      = newExcType("RecursionError", RuntimeErrorType)
	NotImplementedErrorType = newExcType("NotImplementedError", RuntimeErrorType)
	SystemErrorType         = newExcType("SystemError", ExceptionType)
)

// ExceptionTypes lists the builtin exception types in definition order.
var ExceptionTypes = []*Type{
	BaseExceptionType, ExceptionType, StopIterationType, ArithmeticErrorType,
	ZeroDivisionErrorType, OverflowErrorType, LookupErrorType, IndexErrorType,
	KeyErrorType, TypeErrorType, ValueErrorType, NameErrorType,
	UnboundLocalErrorType, AttributeErrorType, AssertionErrorType,
	RuntimeErrorType, RecursionErrorType, NotImplementedErrorType, SystemErrorType,
}

func newExcType(name string, base *Type) *Type {
	if base == nil {
		base = ObjectType
	}
	t := newType(name, base)
	t.New = func(args []Object) (Object, error) {
		return NewException(t, NewTupleOf(args...)), nil
	}
	return t
}

// TraceEntry is one frame of an exception traceback.
type TraceEntry struct {
	Function string
	Filename string
	Line     int
}

// Exception is a raised exception value. It implements error so runtime
// failures travel through ordinary Go error returns with their identity
// intact.
type Exception struct {
	Header
	typ       *Type
	Args      *Tuple
	Cause     *Exception // set by raise ... from
	Traceback []TraceEntry
}

func (e *Exception) Type() *Type { return e.typ }

// NewException steals args.
func NewException(t *Type, args *Tuple) *Exception {
	e := &Exception{typ: t, Args: args}
	Track(e)
	return e
}

// Errorf builds an exception of type t whose single argument is the
// formatted message.
func Errorf(t *Type, format string, args ...any) *Exception {
	msg := NewStr(fmt.Sprintf(format, args...))
	return NewException(t, NewTuple([]Object{msg}))
}

func (e *Exception) ReleaseChildren() {
	Release(e.Args)
	if e.Cause != nil {
		Release(e.Cause)
	}
}

// Message returns str(e).
func (e *Exception) Message() string {
	switch len(e.Args.Items) {
	case 0:
		return ""
	case 1:
		if e.typ == KeyErrorType {
			return Repr(e.Args.Items[0])
		}
		return StrOf(e.Args.Items[0])
	}
	return Repr(e.Args)
}

func (e *Exception) Error() string {
	msg := e.Message()
	if msg == "" {
		return e.typ.Name
	}
	return e.typ.Name + ": " + msg
}

// Matches reports whether e is an instance of t.
func (e *Exception) Matches(t *Type) bool {
	return e.typ.IsSubtype(t)
}

// AddTraceback appends a traceback entry.
func (e *Exception) AddTraceback(fn, filename string, line int) {
	e.Traceback = append(e.Traceback, TraceEntry{Function: fn, Filename: filename, Line: line})
}

// FormatTraceback renders the traceback with the innermost frame last.
func (e *Exception) FormatTraceback() string {
	var sb strings.Builder
	sb.WriteString("Traceback (most recent call last):\n")
	for i := len(e.Traceback) - 1; i >= 0; i-- {
		te := e.Traceback[i]
		fmt.Fprintf(&sb, "  File %q, line %d, in %s\n", te.Filename, te.Line, te.Function)
	}
	sb.WriteString(e.Error())
	return sb.String()
}

// AsException converts err into an exception. Exceptions pass through
// unchanged; any other error becomes a SystemError.
func AsException(err error) *Exception {
	if exc, ok := err.(*Exception); ok {
		return exc
	}
	return Errorf(SystemErrorType, "%v", err)
}
