package object

// Shape is the coarse runtime classification the profiler records and the
// specializer keys on.
type Shape uint8

const (
	ShapeUnknown Shape = iota
	ShapeNone
	ShapeBool
	ShapeSmallInt
	ShapeBigInt
	ShapeFloat
	ShapeString
	ShapeList
	ShapeTuple
	ShapeDict
	ShapeRange
	ShapeCallable
)

var shapeNames = [...]string{
	ShapeUnknown:  "unknown",
	ShapeNone:     "none",
	ShapeBool:     "bool",
	ShapeSmallInt: "small-int",
	ShapeBigInt:   "big-int",
	ShapeFloat:    "float",
	ShapeString:   "string",
	ShapeList:     "list",
	ShapeTuple:    "tuple",
	ShapeDict:     "dict",
	ShapeRange:    "range",
	ShapeCallable: "callable",
}

func (s Shape) String() string {
	if int(s) < len(shapeNames) {
		return shapeNames[s]
	}
	return "unknown"
}

// IsInt reports whether values of the shape are integers.
func (s Shape) IsInt() bool { return s == ShapeSmallInt || s == ShapeBigInt }

// IsNumber reports whether values of the shape take part in arithmetic.
func (s Shape) IsNumber() bool { return s.IsInt() || s == ShapeFloat || s == ShapeBool }

// ShapeOf classifies o.
func ShapeOf(o Object) Shape {
	switch v := o.(type) {
	case nil:
		return ShapeUnknown
	case *NoneObject:
		return ShapeNone
	case *Bool:
		return ShapeBool
	case *Int:
		if v.b == nil {
			return ShapeSmallInt
		}
		return ShapeBigInt
	case *Float:
		return ShapeFloat
	case *Str:
		return ShapeString
	case *List:
		return ShapeList
	case *Tuple:
		return ShapeTuple
	case *Dict:
		return ShapeDict
	case *Range:
		return ShapeRange
	case *Function, *Builtin, *BoundMethod, *Type:
		return ShapeCallable
	}
	return ShapeUnknown
}
