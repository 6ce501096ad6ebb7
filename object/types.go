package object

// Type describes the type of an object. Types are themselves immortal
// objects so they can be bound to names and compared with isinstance.
type Type struct {
	Header
	Name string
	Base *Type

	// New constructs an instance when the type is called. Arguments are
	// borrowed.
	New func(args []Object) (Object, error)
}

// Type returns the metatype.
func (t *Type) Type() *Type { return TypeType }

// IsSubtype reports whether t is base or derives from it.
func (t *Type) IsSubtype(base *Type) bool {
	for cur := t; cur != nil; cur = cur.Base {
		if cur == base {
			return true
		}
	}
	return false
}

func newType(name string, base *Type) *Type {
	t := &Type{Name: name, Base: base}
	Immortalize(t)
	return t
}

// Builtin types.
var (
	TypeType     = &Type{Name: "type"}
	ObjectType   = newType("object", nil)
	NoneTypeType = newType("NoneType", ObjectType)
	IntType      = newType("int", ObjectType)
	BoolType     = newType("bool", IntType)
	FloatType    = newType("float", ObjectType)
	StrType      = newType("str", ObjectType)
	ListType     = newType("list", ObjectType)
	TupleType    = newType("tuple", ObjectType)
	DictType     = newType("dict", ObjectType)
	SliceType    = newType("slice", ObjectType)
	RangeType    = newType("range", ObjectType)
	CellType     = newType("cell", ObjectType)
	CodeType     = newType("code", ObjectType)
	FunctionType = newType("function", ObjectType)
	BuiltinType  = newType("builtin_function_or_method", ObjectType)
	MethodType   = newType("method", ObjectType)

	ListIteratorType  = newType("list_iterator", ObjectType)
	TupleIteratorType = newType("tuple_iterator", ObjectType)
	StrIteratorType   = newType("str_iterator", ObjectType)
	DictIteratorType  = newType("dict_keyiterator", ObjectType)
	RangeIteratorType = newType("range_iterator", ObjectType)
	SeqIteratorType   = newType("iterator", ObjectType)
)

func init() {
	Immortalize(TypeType)
	TypeType.Base = ObjectType
}
