package bytecode

import (
	"sort"

	"github.com/zeebo/xxh3"
)

// CodeFlags describe properties of a code object.
type CodeFlags uint16

const (
	// FlagVarArgs indicates the function collects extra positional arguments.
	FlagVarArgs CodeFlags = 1 << 2

	// FlagVarKeywords indicates the function collects extra keyword arguments.
	FlagVarKeywords CodeFlags = 1 << 3

	// FlagNested indicates the function is defined inside another function.
	FlagNested CodeFlags = 1 << 4

	// FlagGenerator indicates calling the function returns a generator.
	FlagGenerator CodeFlags = 1 << 5

	// FlagNoFree indicates the function has neither cell nor free variables.
	FlagNoFree CodeFlags = 1 << 6
)

// LineEntry marks the first instruction of a source line.
type LineEntry struct {
	Offset int // Byte offset of the instruction
	Line   int // Source line number (1-based)
}

// Code is a compiled function body: wordcode instructions plus the tables
// the instructions index into. Code values are immutable once built and are
// shared by every function object created from them.
type Code struct {
	Name      string
	Filename  string
	FirstLine int

	ArgCount       int // Positional parameters, including those with defaults
	KwOnlyArgCount int // Keyword-only parameters
	Flags          CodeFlags
	StackSize      int // Maximum operand stack depth

	Instructions []byte // Two bytes per instruction: opcode, argument

	Consts   []Constant
	Names    []string // Global and attribute names
	VarNames []string // Locals; parameters come first
	CellVars []string // Locals captured by nested functions
	FreeVars []string // Variables captured from enclosing functions

	LineTable []LineEntry // Sorted by offset
}

// NumLocals returns the number of fast local slots.
func (c *Code) NumLocals() int { return len(c.VarNames) }

// NumCells returns the number of cell slots, cells first then free variables.
func (c *Code) NumCells() int { return len(c.CellVars) + len(c.FreeVars) }

// CellName returns the name of cell slot i.
func (c *Code) CellName(i int) string {
	if i < len(c.CellVars) {
		return c.CellVars[i]
	}
	if j := i - len(c.CellVars); j < len(c.FreeVars) {
		return c.FreeVars[j]
	}
	return ""
}

// IsGenerator reports whether the code is a generator body.
func (c *Code) IsGenerator() bool { return c.Flags&FlagGenerator != 0 }

// TotalArgs returns the number of parameter slots including *args and
// **kwargs collectors.
func (c *Code) TotalArgs() int {
	n := c.ArgCount + c.KwOnlyArgCount
	if c.Flags&FlagVarArgs != 0 {
		n++
	}
	if c.Flags&FlagVarKeywords != 0 {
		n++
	}
	return n
}

// Line returns the source line of the instruction at offset, or 0 when the
// code has no line information.
func (c *Code) Line(offset int) int {
	i := sort.Search(len(c.LineTable), func(i int) bool {
		return c.LineTable[i].Offset > offset
	})
	if i == 0 {
		return c.FirstLine
	}
	return c.LineTable[i-1].Line
}

// IsLineStart reports whether the instruction at offset begins a line.
func (c *Code) IsLineStart(offset int) bool {
	i := sort.Search(len(c.LineTable), func(i int) bool {
		return c.LineTable[i].Offset >= offset
	})
	return i < len(c.LineTable) && c.LineTable[i].Offset == offset
}

// Fingerprint hashes the serialized code so profiles can be matched to
// code objects across processes.
func (c *Code) Fingerprint() uint64 {
	data, err := c.Serialize()
	if err != nil {
		return 0
	}
	return xxh3.Hash(data)
}

// Walk calls fn for c and every code object nested in its constants, outer
// code first.
func (c *Code) Walk(fn func(*Code)) {
	fn(c)
	var visit func(consts []Constant)
	visit = func(consts []Constant) {
		for _, k := range consts {
			switch k.Kind {
			case ConstCode:
				k.Code.Walk(fn)
			case ConstTuple:
				visit(k.Tuple)
			}
		}
	}
	visit(c.Consts)
}

// Find returns the first nested code object with the given name.
func (c *Code) Find(name string) *Code {
	var found *Code
	c.Walk(func(k *Code) {
		if found == nil && k.Name == name {
			found = k
		}
	})
	return found
}
