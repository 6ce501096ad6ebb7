package object

import (
	"slices"
	"strings"
)

type methodTable map[string]MethodFunc

var typeMethods = map[*Type]methodTable{}

func init() {
	typeMethods[ListType] = methodTable{
		"append":  listAppend,
		"extend":  listExtend,
		"pop":     listPop,
		"insert":  listInsert,
		"index":   seqIndex,
		"count":   seqCount,
		"reverse": listReverse,
		"sort":    listSort,
		"copy":    listCopy,
		"clear":   listClear,
	}
	typeMethods[TupleType] = methodTable{
		"index": seqIndex,
		"count": seqCount,
	}
	typeMethods[DictType] = methodTable{
		"get":        dictGet,
		"keys":       dictKeys,
		"values":     dictValues,
		"items":      dictItems,
		"pop":        dictPop,
		"setdefault": dictSetDefault,
		"update":     dictUpdate,
		"copy":       dictCopy,
		"clear":      dictClear,
	}
	typeMethods[StrType] = methodTable{
		"upper":      strUpper,
		"lower":      strLower,
		"strip":      strStrip,
		"split":      strSplit,
		"join":       strJoin,
		"startswith": strStartsWith,
		"endswith":   strEndsWith,
		"replace":    strReplace,
		"find":       strFind,
	}
}

// GetAttr returns o.name.
func GetAttr(o Object, name string) (Object, error) {
	if m, ok := typeMethods[o.Type()][name]; ok {
		return NewBoundMethod(o, name, m), nil
	}
	switch v := o.(type) {
	case *Function:
		switch name {
		case "__name__":
			return NewStr(v.Name), nil
		case "__qualname__":
			return NewStr(v.Qualname), nil
		case "__defaults__":
			if v.Defaults == nil {
				return NewNone(), nil
			}
			return Acquire(v.Defaults), nil
		}
	case *Type:
		if name == "__name__" {
			return NewStr(v.Name), nil
		}
	case *Exception:
		if name == "args" {
			return Acquire(v.Args), nil
		}
	case *Slice:
		switch name {
		case "start":
			return Acquire(v.Start), nil
		case "stop":
			return Acquire(v.Stop), nil
		case "step":
			return Acquire(v.Step), nil
		}
	case *Range:
		switch name {
		case "start":
			return NewInt(v.Start), nil
		case "stop":
			return NewInt(v.Stop), nil
		case "step":
			return NewInt(v.Step), nil
		}
	case *Int:
		switch name {
		case "real", "numerator":
			return Acquire(v), nil
		case "imag":
			return NewInt(0), nil
		}
	case *Float:
		switch name {
		case "real":
			return Acquire(v), nil
		case "imag":
			return NewFloat(0), nil
		}
	}
	return nil, Errorf(AttributeErrorType, "'%s' object has no attribute '%s'", o.Type().Name, name)
}

func checkArgs(name string, args []Object, min, max int) error {
	if len(args) < min || len(args) > max {
		if min == max {
			return Errorf(TypeErrorType, "%s() takes exactly %d argument(s) (%d given)", name, min, len(args))
		}
		return Errorf(TypeErrorType, "%s() takes from %d to %d arguments (%d given)", name, min, max, len(args))
	}
	return nil
}

func listAppend(self Object, args []Object) (Object, error) {
	if err := checkArgs("append", args, 1, 1); err != nil {
		return nil, err
	}
	self.(*List).Append(args[0])
	return NewNone(), nil
}

func listExtend(self Object, args []Object) (Object, error) {
	if err := checkArgs("extend", args, 1, 1); err != nil {
		return nil, err
	}
	if err := ListExtend(self.(*List), args[0]); err != nil {
		return nil, err
	}
	return NewNone(), nil
}

func listPop(self Object, args []Object) (Object, error) {
	if err := checkArgs("pop", args, 0, 1); err != nil {
		return nil, err
	}
	l := self.(*List)
	if len(l.Items) == 0 {
		return nil, Errorf(IndexErrorType, "pop from empty list")
	}
	i := len(l.Items) - 1
	if len(args) == 1 {
		var err error
		if i, err = normalizeIndex(args[0], len(l.Items), "pop", "index"); err != nil {
			return nil, err
		}
	}
	o := l.Items[i]
	l.Items = slices.Delete(l.Items, i, i+1)
	return o, nil
}

func listInsert(self Object, args []Object) (Object, error) {
	if err := checkArgs("insert", args, 2, 2); err != nil {
		return nil, err
	}
	l := self.(*List)
	n, ok := asInt(args[0])
	if !ok {
		return nil, Errorf(TypeErrorType, "'%s' object cannot be interpreted as an integer", args[0].Type().Name)
	}
	i, _ := n.Int64()
	size := int64(len(l.Items))
	if i < 0 {
		i += size
		if i < 0 {
			i = 0
		}
	}
	if i > size {
		i = size
	}
	l.Items = slices.Insert(l.Items, int(i), Acquire(args[1]))
	return NewNone(), nil
}

func seqItems(self Object) []Object {
	switch v := self.(type) {
	case *List:
		return v.Items
	case *Tuple:
		return v.Items
	}
	return nil
}

func seqIndex(self Object, args []Object) (Object, error) {
	if err := checkArgs("index", args, 1, 1); err != nil {
		return nil, err
	}
	for i, o := range seqItems(self) {
		eq, err := Equal(o, args[0])
		if err != nil {
			return nil, err
		}
		if eq {
			return NewInt(int64(i)), nil
		}
	}
	return nil, Errorf(ValueErrorType, "%s is not in %s", Repr(args[0]), self.Type().Name)
}

func seqCount(self Object, args []Object) (Object, error) {
	if err := checkArgs("count", args, 1, 1); err != nil {
		return nil, err
	}
	n := 0
	for _, o := range seqItems(self) {
		eq, err := Equal(o, args[0])
		if err != nil {
			return nil, err
		}
		if eq {
			n++
		}
	}
	return NewInt(int64(n)), nil
}

func listReverse(self Object, args []Object) (Object, error) {
	if err := checkArgs("reverse", args, 0, 0); err != nil {
		return nil, err
	}
	slices.Reverse(self.(*List).Items)
	return NewNone(), nil
}

func listSort(self Object, args []Object) (Object, error) {
	if err := checkArgs("sort", args, 0, 0); err != nil {
		return nil, err
	}
	if err := SortItems(self.(*List).Items); err != nil {
		return nil, err
	}
	return NewNone(), nil
}

// SortItems sorts items in ascending order using <. The sort is stable.
func SortItems(items []Object) error {
	var ferr error
	slices.SortStableFunc(items, func(a, b Object) int {
		if ferr != nil {
			return 0
		}
		lt, err := CompareBool(a, b, CmpLt)
		if err != nil {
			ferr = err
			return 0
		}
		if lt {
			return -1
		}
		gt, err := CompareBool(b, a, CmpLt)
		if err != nil {
			ferr = err
			return 0
		}
		if gt {
			return 1
		}
		return 0
	})
	return ferr
}

func listCopy(self Object, args []Object) (Object, error) {
	if err := checkArgs("copy", args, 0, 0); err != nil {
		return nil, err
	}
	return NewList(acquireConcat(self.(*List).Items, nil)), nil
}

func listClear(self Object, args []Object) (Object, error) {
	if err := checkArgs("clear", args, 0, 0); err != nil {
		return nil, err
	}
	l := self.(*List)
	items := l.Items
	l.Items = nil
	ReleaseAll(items)
	return NewNone(), nil
}

func dictGet(self Object, args []Object) (Object, error) {
	if err := checkArgs("get", args, 1, 2); err != nil {
		return nil, err
	}
	v, err := self.(*Dict).Lookup(args[0])
	if err != nil {
		return nil, err
	}
	if v != nil {
		return Acquire(v), nil
	}
	if len(args) == 2 {
		return Acquire(args[1]), nil
	}
	return NewNone(), nil
}

func dictKeys(self Object, args []Object) (Object, error) {
	if err := checkArgs("keys", args, 0, 0); err != nil {
		return nil, err
	}
	return NewList(acquireConcat(self.(*Dict).Keys(), nil)), nil
}

func dictValues(self Object, args []Object) (Object, error) {
	if err := checkArgs("values", args, 0, 0); err != nil {
		return nil, err
	}
	d := self.(*Dict)
	out := make([]Object, 0, d.Len())
	d.Range(func(_, v Object) bool {
		out = append(out, Acquire(v))
		return true
	})
	return NewList(out), nil
}

func dictItems(self Object, args []Object) (Object, error) {
	if err := checkArgs("items", args, 0, 0); err != nil {
		return nil, err
	}
	d := self.(*Dict)
	out := make([]Object, 0, d.Len())
	d.Range(func(k, v Object) bool {
		out = append(out, NewTupleOf(k, v))
		return true
	})
	return NewList(out), nil
}

func dictPop(self Object, args []Object) (Object, error) {
	if err := checkArgs("pop", args, 1, 2); err != nil {
		return nil, err
	}
	d := self.(*Dict)
	v, err := d.Lookup(args[0])
	if err != nil {
		return nil, err
	}
	if v == nil {
		if len(args) == 2 {
			return Acquire(args[1]), nil
		}
		return nil, NewException(KeyErrorType, NewTupleOf(args[0]))
	}
	Acquire(v)
	if _, err := d.DelItem(args[0]); err != nil {
		Release(v)
		return nil, err
	}
	return v, nil
}

func dictSetDefault(self Object, args []Object) (Object, error) {
	if err := checkArgs("setdefault", args, 1, 2); err != nil {
		return nil, err
	}
	d := self.(*Dict)
	v, err := d.Lookup(args[0])
	if err != nil {
		return nil, err
	}
	if v != nil {
		return Acquire(v), nil
	}
	var def Object = None
	if len(args) == 2 {
		def = args[1]
	}
	if err := d.SetItem(args[0], def); err != nil {
		return nil, err
	}
	return Acquire(def), nil
}

func dictUpdate(self Object, args []Object) (Object, error) {
	if err := checkArgs("update", args, 1, 1); err != nil {
		return nil, err
	}
	if err := DictMerge(self.(*Dict), args[0], false); err != nil {
		return nil, err
	}
	return NewNone(), nil
}

// DictMerge copies the entries of other into d. When strict is set a
// duplicate key raises TypeError, as keyword argument unpacking requires.
func DictMerge(d *Dict, other Object, strict bool) error {
	src, ok := other.(*Dict)
	if !ok {
		return Errorf(TypeErrorType, "'%s' object is not a mapping", other.Type().Name)
	}
	var ferr error
	src.Range(func(k, v Object) bool {
		if strict {
			existing, err := d.Lookup(k)
			if err != nil {
				ferr = err
				return false
			}
			if existing != nil {
				ferr = Errorf(TypeErrorType, "got multiple values for keyword argument %s", Repr(k))
				return false
			}
		}
		ferr = d.SetItem(k, v)
		return ferr == nil
	})
	return ferr
}

func dictCopy(self Object, args []Object) (Object, error) {
	if err := checkArgs("copy", args, 0, 0); err != nil {
		return nil, err
	}
	out := NewDict()
	if err := DictMerge(out, self, false); err != nil {
		Release(out)
		return nil, err
	}
	return out, nil
}

func dictClear(self Object, args []Object) (Object, error) {
	if err := checkArgs("clear", args, 0, 0); err != nil {
		return nil, err
	}
	self.(*Dict).Clear()
	return NewNone(), nil
}

func strArg(name string, o Object) (string, error) {
	s, ok := o.(*Str)
	if !ok {
		return "", Errorf(TypeErrorType, "%s() argument must be str, not %s", name, o.Type().Name)
	}
	return s.V, nil
}

func strUpper(self Object, args []Object) (Object, error) {
	if err := checkArgs("upper", args, 0, 0); err != nil {
		return nil, err
	}
	return NewStr(strings.ToUpper(self.(*Str).V)), nil
}

func strLower(self Object, args []Object) (Object, error) {
	if err := checkArgs("lower", args, 0, 0); err != nil {
		return nil, err
	}
	return NewStr(strings.ToLower(self.(*Str).V)), nil
}

func strStrip(self Object, args []Object) (Object, error) {
	if err := checkArgs("strip", args, 0, 1); err != nil {
		return nil, err
	}
	s := self.(*Str).V
	if len(args) == 1 {
		if _, ok := args[0].(*NoneObject); !ok {
			cut, err := strArg("strip", args[0])
			if err != nil {
				return nil, err
			}
			return NewStr(strings.Trim(s, cut)), nil
		}
	}
	return NewStr(strings.TrimSpace(s)), nil
}

func strSplit(self Object, args []Object) (Object, error) {
	if err := checkArgs("split", args, 0, 1); err != nil {
		return nil, err
	}
	s := self.(*Str).V
	var parts []string
	if len(args) == 0 {
		parts = strings.Fields(s)
	} else {
		sep, err := strArg("split", args[0])
		if err != nil {
			return nil, err
		}
		if sep == "" {
			return nil, Errorf(ValueErrorType, "empty separator")
		}
		parts = strings.Split(s, sep)
	}
	out := make([]Object, len(parts))
	for i, p := range parts {
		out[i] = NewStr(p)
	}
	return NewList(out), nil
}

func strJoin(self Object, args []Object) (Object, error) {
	if err := checkArgs("join", args, 1, 1); err != nil {
		return nil, err
	}
	it, err := GetIter(args[0])
	if err != nil {
		return nil, err
	}
	defer Release(it)
	var parts []string
	for {
		o, err := Next(it)
		if err != nil {
			return nil, err
		}
		if o == nil {
			break
		}
		s, ok := o.(*Str)
		if !ok {
			name := o.Type().Name
			Release(o)
			return nil, Errorf(TypeErrorType, "sequence item %d: expected str instance, %s found", len(parts), name)
		}
		parts = append(parts, s.V)
		Release(o)
	}
	return NewStr(strings.Join(parts, self.(*Str).V)), nil
}

func strStartsWith(self Object, args []Object) (Object, error) {
	if err := checkArgs("startswith", args, 1, 1); err != nil {
		return nil, err
	}
	p, err := strArg("startswith", args[0])
	if err != nil {
		return nil, err
	}
	return NewBool(strings.HasPrefix(self.(*Str).V, p)), nil
}

func strEndsWith(self Object, args []Object) (Object, error) {
	if err := checkArgs("endswith", args, 1, 1); err != nil {
		return nil, err
	}
	p, err := strArg("endswith", args[0])
	if err != nil {
		return nil, err
	}
	return NewBool(strings.HasSuffix(self.(*Str).V, p)), nil
}

func strReplace(self Object, args []Object) (Object, error) {
	if err := checkArgs("replace", args, 2, 2); err != nil {
		return nil, err
	}
	old, err := strArg("replace", args[0])
	if err != nil {
		return nil, err
	}
	repl, err := strArg("replace", args[1])
	if err != nil {
		return nil, err
	}
	return NewStr(strings.ReplaceAll(self.(*Str).V, old, repl)), nil
}

func strFind(self Object, args []Object) (Object, error) {
	if err := checkArgs("find", args, 1, 1); err != nil {
		return nil, err
	}
	sub, err := strArg("find", args[0])
	if err != nil {
		return nil, err
	}
	s := self.(*Str).V
	i := strings.Index(s, sub)
	if i < 0 {
		return NewInt(-1), nil
	}
	return NewInt(int64(len([]rune(s[:i])))), nil
}
