package bytecode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// BytecodeVersion is the current bytecode format version.
// Increment when making incompatible changes to the format.
const BytecodeVersion uint16 = 1

// Magic bytes for bytecode files: "KSBC" (Kestrel ByteCode)
var BytecodeMagic = []byte{'K', 'S', 'B', 'C'}

// ErrTruncated is returned when serialized bytecode ends early.
var ErrTruncated = errors.New("bytecode: unexpected end of data")

// Serialize encodes the code object, including nested code objects, to bytes
// for storage/transport.
// Format:
//
//	[magic:4] [version:2]
//	code := [name] [filename] [first_line:4] [argcount:2] [kwonly:2]
//	        [flags:2] [stacksize:2]
//	        [code_len:4] [code:...]
//	        [const_count:2] [constants:...]
//	        [names] [varnames] [cellvars] [freevars]
//	        [line_count:2] ([offset:4] [line:4])...
//	string := [len:4] [bytes:...]
//	strings := [count:2] string...
func (c *Code) Serialize() ([]byte, error) {
	buf := make([]byte, 0, 64+len(c.Instructions)+len(c.Consts)*16)
	buf = append(buf, BytecodeMagic...)
	buf = binary.BigEndian.AppendUint16(buf, BytecodeVersion)
	return appendCode(buf, c, 0)
}

const maxNesting = 64

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

func appendStrings(buf []byte, ss []string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(ss)))
	for _, s := range ss {
		buf = appendString(buf, s)
	}
	return buf
}

func appendCode(buf []byte, c *Code, depth int) ([]byte, error) {
	if depth > maxNesting {
		return nil, fmt.Errorf("bytecode: code objects nested deeper than %d", maxNesting)
	}
	if len(c.Consts) > math.MaxUint16 || len(c.Names) > math.MaxUint16 || len(c.VarNames) > math.MaxUint16 {
		return nil, fmt.Errorf("bytecode: %s has too many constants or names", c.Name)
	}
	buf = appendString(buf, c.Name)
	buf = appendString(buf, c.Filename)
	buf = binary.BigEndian.AppendUint32(buf, uint32(c.FirstLine))
	buf = binary.BigEndian.AppendUint16(buf, uint16(c.ArgCount))
	buf = binary.BigEndian.AppendUint16(buf, uint16(c.KwOnlyArgCount))
	buf = binary.BigEndian.AppendUint16(buf, uint16(c.Flags))
	buf = binary.BigEndian.AppendUint16(buf, uint16(c.StackSize))

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(c.Instructions)))
	buf = append(buf, c.Instructions...)

	buf = binary.BigEndian.AppendUint16(buf, uint16(len(c.Consts)))
	var err error
	for _, k := range c.Consts {
		if buf, err = appendConst(buf, k, depth); err != nil {
			return nil, err
		}
	}

	buf = appendStrings(buf, c.Names)
	buf = appendStrings(buf, c.VarNames)
	buf = appendStrings(buf, c.CellVars)
	buf = appendStrings(buf, c.FreeVars)

	buf = binary.BigEndian.AppendUint16(buf, uint16(len(c.LineTable)))
	for _, e := range c.LineTable {
		buf = binary.BigEndian.AppendUint32(buf, uint32(e.Offset))
		buf = binary.BigEndian.AppendUint32(buf, uint32(e.Line))
	}
	return buf, nil
}

func appendConst(buf []byte, k Constant, depth int) ([]byte, error) {
	buf = append(buf, byte(k.Kind))
	switch k.Kind {
	case ConstNone:
	case ConstBool:
		if k.Bool {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	case ConstInt:
		buf = binary.BigEndian.AppendUint64(buf, uint64(k.Int))
	case ConstBigInt:
		buf = appendString(buf, k.Big)
	case ConstFloat:
		buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(k.Float))
	case ConstStr:
		buf = appendString(buf, k.Str)
	case ConstTuple:
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(k.Tuple)))
		var err error
		for _, t := range k.Tuple {
			if buf, err = appendConst(buf, t, depth); err != nil {
				return nil, err
			}
		}
	case ConstCode:
		return appendCode(buf, k.Code, depth+1)
	default:
		return nil, fmt.Errorf("bytecode: unknown constant kind %d", k.Kind)
	}
	return buf, nil
}

// reader tracks a position in serialized data. The first failure sticks.
type reader struct {
	data []byte
	pos  int
	err  error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.pos+n > len(r.data) {
		r.err = fmt.Errorf("%w at pos %d", ErrTruncated, r.pos)
		return nil
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *reader) u8() byte {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u16() int {
	if b := r.take(2); b != nil {
		return int(binary.BigEndian.Uint16(b))
	}
	return 0
}

func (r *reader) u32() int {
	if b := r.take(4); b != nil {
		return int(binary.BigEndian.Uint32(b))
	}
	return 0
}

func (r *reader) u64() uint64 {
	if b := r.take(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

func (r *reader) str() string {
	return string(r.take(r.u32()))
}

func (r *reader) strs() []string {
	n := r.u16()
	if n == 0 || r.err != nil {
		return nil
	}
	out := make([]string, n)
	for i := range out {
		out[i] = r.str()
	}
	return out
}

// Deserialize decodes a code object from bytes.
func Deserialize(data []byte) (*Code, error) {
	if len(data) < 6 {
		return nil, fmt.Errorf("bytecode too short: need at least 6 bytes, got %d", len(data))
	}
	if string(data[0:4]) != string(BytecodeMagic) {
		return nil, fmt.Errorf("invalid bytecode magic: expected %q, got %q", BytecodeMagic, data[0:4])
	}
	version := binary.BigEndian.Uint16(data[4:6])
	if version > BytecodeVersion {
		return nil, fmt.Errorf("bytecode version %d is newer than supported version %d", version, BytecodeVersion)
	}
	r := &reader{data: data, pos: 6}
	c := readCode(r, 0)
	if r.err != nil {
		return nil, r.err
	}
	if r.pos != len(data) {
		return nil, fmt.Errorf("bytecode: %d trailing bytes", len(data)-r.pos)
	}
	return c, nil
}

func readCode(r *reader, depth int) *Code {
	if depth > maxNesting {
		r.err = fmt.Errorf("bytecode: code objects nested deeper than %d", maxNesting)
		return nil
	}
	c := &Code{
		Name:           r.str(),
		Filename:       r.str(),
		FirstLine:      r.u32(),
		ArgCount:       r.u16(),
		KwOnlyArgCount: r.u16(),
		Flags:          CodeFlags(r.u16()),
		StackSize:      r.u16(),
	}
	code := r.take(r.u32())
	c.Instructions = append([]byte(nil), code...)

	n := r.u16()
	for i := 0; i < n && r.err == nil; i++ {
		c.Consts = append(c.Consts, readConst(r, depth))
	}
	c.Names = r.strs()
	c.VarNames = r.strs()
	c.CellVars = r.strs()
	c.FreeVars = r.strs()

	n = r.u16()
	for i := 0; i < n && r.err == nil; i++ {
		c.LineTable = append(c.LineTable, LineEntry{Offset: r.u32(), Line: r.u32()})
	}
	return c
}

func readConst(r *reader, depth int) Constant {
	kind := ConstKind(r.u8())
	switch kind {
	case ConstNone:
		return NoneConst()
	case ConstBool:
		return BoolConst(r.u8() != 0)
	case ConstInt:
		return IntConst(int64(r.u64()))
	case ConstBigInt:
		return Constant{Kind: ConstBigInt, Big: r.str()}
	case ConstFloat:
		return FloatConst(math.Float64frombits(r.u64()))
	case ConstStr:
		return StrConst(r.str())
	case ConstTuple:
		n := r.u16()
		items := make([]Constant, 0, n)
		for i := 0; i < n && r.err == nil; i++ {
			items = append(items, readConst(r, depth))
		}
		return TupleConst(items...)
	case ConstCode:
		return CodeConst(readCode(r, depth+1))
	}
	if r.err == nil {
		r.err = fmt.Errorf("bytecode: unknown constant kind %d at pos %d", kind, r.pos-1)
	}
	return Constant{}
}
