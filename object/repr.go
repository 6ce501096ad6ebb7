package object

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// Repr returns repr(o).
func Repr(o Object) string {
	var sb strings.Builder
	writeRepr(&sb, o, 0)
	return sb.String()
}

// StrOf returns str(o).
func StrOf(o Object) string {
	if s, ok := o.(*Str); ok {
		return s.V
	}
	if e, ok := o.(*Exception); ok {
		return e.Message()
	}
	return Repr(o)
}

const maxReprDepth = 64

func writeRepr(sb *strings.Builder, o Object, depth int) {
	if depth > maxReprDepth {
		sb.WriteString("...")
		return
	}
	switch v := o.(type) {
	case nil:
		sb.WriteString("<NULL>")
	case *NoneObject:
		sb.WriteString("None")
	case *Bool:
		if v.V {
			sb.WriteString("True")
		} else {
			sb.WriteString("False")
		}
	case *Int:
		if v.b != nil {
			sb.WriteString(v.b.String())
		} else {
			sb.WriteString(strconv.FormatInt(v.v, 10))
		}
	case *Float:
		sb.WriteString(FormatFloat(v.V))
	case *Str:
		sb.WriteString(quoteStr(v.V))
	case *List:
		sb.WriteByte('[')
		writeItems(sb, v.Items, depth)
		sb.WriteByte(']')
	case *Tuple:
		sb.WriteByte('(')
		writeItems(sb, v.Items, depth)
		if len(v.Items) == 1 {
			sb.WriteByte(',')
		}
		sb.WriteByte(')')
	case *Dict:
		sb.WriteByte('{')
		first := true
		v.Range(func(k, val Object) bool {
			if !first {
				sb.WriteString(", ")
			}
			first = false
			writeRepr(sb, k, depth+1)
			sb.WriteString(": ")
			writeRepr(sb, val, depth+1)
			return true
		})
		sb.WriteByte('}')
	case *Slice:
		sb.WriteString("slice(")
		writeItems(sb, []Object{v.Start, v.Stop, v.Step}, depth)
		sb.WriteByte(')')
	case *Range:
		if v.Step == 1 {
			fmt.Fprintf(sb, "range(%d, %d)", v.Start, v.Stop)
		} else {
			fmt.Fprintf(sb, "range(%d, %d, %d)", v.Start, v.Stop, v.Step)
		}
	case *Type:
		fmt.Fprintf(sb, "<class '%s'>", v.Name)
	case *Function:
		fmt.Fprintf(sb, "<function %s>", v.Qualname)
	case *Builtin:
		fmt.Fprintf(sb, "<built-in function %s>", v.Name)
	case *BoundMethod:
		fmt.Fprintf(sb, "<built-in method %s of %s object>", v.Name, v.Self.Type().Name)
	case *CodeObject:
		fmt.Fprintf(sb, "<code object %s, file %q, line %d>", v.Code.Name, v.Code.Filename, v.Code.FirstLine)
	case *Cell:
		if v.Ref == nil {
			sb.WriteString("<cell: empty>")
		} else {
			fmt.Fprintf(sb, "<cell: %s object>", v.Ref.Type().Name)
		}
	case *Exception:
		sb.WriteString(v.typ.Name)
		if len(v.Args.Items) == 1 {
			sb.WriteByte('(')
			writeRepr(sb, v.Args.Items[0], depth+1)
			sb.WriteByte(')')
		} else {
			writeRepr(sb, v.Args, depth+1)
		}
	default:
		fmt.Fprintf(sb, "<%s object>", o.Type().Name)
	}
}

func writeItems(sb *strings.Builder, items []Object, depth int) {
	for i, item := range items {
		if i > 0 {
			sb.WriteString(", ")
		}
		writeRepr(sb, item, depth+1)
	}
}

// quoteStr quotes s with single quotes unless it contains one and no
// double quote.
func quoteStr(s string) string {
	q := byte('\'')
	if strings.IndexByte(s, '\'') >= 0 && strings.IndexByte(s, '"') < 0 {
		q = '"'
	}
	var sb strings.Builder
	sb.WriteByte(q)
	for _, r := range s {
		switch {
		case r == rune(q) || r == '\\':
			sb.WriteByte('\\')
			sb.WriteRune(r)
		case r == '\n':
			sb.WriteString(`\n`)
		case r == '\r':
			sb.WriteString(`\r`)
		case r == '\t':
			sb.WriteString(`\t`)
		case r < 0x20 || r == 0x7f:
			fmt.Fprintf(&sb, `\x%02x`, r)
		default:
			sb.WriteRune(r)
		}
	}
	sb.WriteByte(q)
	return sb.String()
}

// FormatFloat renders f using the shortest representation that round
// trips, switching to exponent notation outside [1e-4, 1e16).
func FormatFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return "nan"
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	}
	abs := math.Abs(f)
	if abs != 0 && (abs < 1e-4 || abs >= 1e16) {
		s := strconv.FormatFloat(f, 'e', -1, 64)
		mant, exp, _ := strings.Cut(s, "e")
		sign := exp[0]
		digits := strings.TrimLeft(exp[1:], "0")
		if len(digits) < 2 {
			digits = strings.Repeat("0", 2-len(digits)) + digits
		}
		return mant + "e" + string(sign) + digits
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return s
}

// formatPercent implements str % args for the %s, %r, %d, %i, %f, %x and
// %% conversions.
func formatPercent(format string, args Object) (Object, error) {
	var items []Object
	if t, ok := args.(*Tuple); ok {
		items = t.Items
	} else {
		items = []Object{args}
	}
	var sb strings.Builder
	next := 0
	for i := 0; i < len(format); i++ {
		c := format[i]
		if c != '%' {
			sb.WriteByte(c)
			continue
		}
		i++
		j := i
		for j < len(format) && strings.IndexByte("-+ 0#.123456789", format[j]) >= 0 {
			j++
		}
		if j >= len(format) {
			return nil, Errorf(ValueErrorType, "incomplete format")
		}
		flags := format[i:j]
		verb := format[j]
		i = j
		if verb == '%' {
			sb.WriteByte('%')
			continue
		}
		if next >= len(items) {
			return nil, Errorf(TypeErrorType, "not enough arguments for format string")
		}
		arg := items[next]
		next++
		switch verb {
		case 's':
			fmt.Fprintf(&sb, "%"+flags+"s", StrOf(arg))
		case 'r':
			fmt.Fprintf(&sb, "%"+flags+"s", Repr(arg))
		case 'd', 'i':
			n, ok := asInt(arg)
			if !ok {
				if f, isFloat := arg.(*Float); isFloat {
					fmt.Fprintf(&sb, "%"+flags+"d", int64(f.V))
					continue
				}
				return nil, Errorf(TypeErrorType, "%%%c format: a number is required, not %s", verb, arg.Type().Name)
			}
			fmt.Fprintf(&sb, "%"+flags+"d", n.Big())
		case 'x', 'X', 'o':
			n, ok := asInt(arg)
			if !ok {
				return nil, Errorf(TypeErrorType, "%%%c format: an integer is required, not %s", verb, arg.Type().Name)
			}
			fmt.Fprintf(&sb, "%"+flags+string(verb), n.Big())
		case 'f', 'F', 'e', 'E', 'g', 'G':
			f, ok, err := asFloat(arg)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, Errorf(TypeErrorType, "must be real number, not %s", arg.Type().Name)
			}
			if !strings.Contains(flags, ".") && (verb == 'f' || verb == 'F' || verb == 'e' || verb == 'E') {
				flags += ".6"
			}
			fmt.Fprintf(&sb, "%"+flags+string(verb), f)
		default:
			return nil, Errorf(ValueErrorType, "unsupported format character '%c' (0x%x) at index %d", verb, verb, j)
		}
	}
	if next < len(items) {
		return nil, Errorf(TypeErrorType, "not all arguments converted during string formatting")
	}
	return NewStr(sb.String()), nil
}

// identityHash hashes objects that compare by identity.
func identityHash(o Object) uint64 {
	p := uint64(reflect.ValueOf(o).Pointer())
	return (p >> 4) | (p << 60)
}
