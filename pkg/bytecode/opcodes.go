package bytecode

import "fmt"

// Opcode is the first byte of a two-byte instruction word. The second byte
// is the argument; arguments wider than a byte are built from EXTENDED_ARG
// prefixes. Values below HaveArgument ignore their argument byte.
type Opcode byte

// HaveArgument is the first opcode that uses its argument.
const HaveArgument Opcode = 90

const (
	// ========================================================================
	// Stack manipulation (0x01-0x09)
	// ========================================================================

	PopTop    Opcode = 1 // Pop TOS
	RotTwo    Opcode = 2 // Swap the two top items
	RotThree  Opcode = 3 // Lift second and third up one, move TOS down to third
	DupTop    Opcode = 4 // Duplicate TOS
	DupTopTwo Opcode = 5 // Duplicate the two top items, keeping order
	RotFour   Opcode = 6 // Lift second to fourth up one, move TOS down to fourth
	Nop       Opcode = 9 // No operation

	// ========================================================================
	// Unary operators (0x0A-0x0F)
	// ========================================================================

	UnaryPositive Opcode = 10
	UnaryNegative Opcode = 11
	UnaryNot      Opcode = 12
	UnaryInvert   Opcode = 15

	// ========================================================================
	// Binary and in-place operators (0x13-0x4F)
	// ========================================================================

	BinaryPower       Opcode = 19
	BinaryMultiply    Opcode = 20
	BinaryModulo      Opcode = 22
	BinaryAdd         Opcode = 23
	BinarySubtract    Opcode = 24
	BinarySubscr      Opcode = 25 // TOS1[TOS]
	BinaryFloorDivide Opcode = 26
	BinaryTrueDivide  Opcode = 27
	InplaceFloorDiv   Opcode = 28
	InplaceTrueDiv    Opcode = 29

	Reraise Opcode = 48 // Re-raise the exception at TOS

	InplaceAdd      Opcode = 55
	InplaceSubtract Opcode = 56
	InplaceMultiply Opcode = 57
	InplaceModulo   Opcode = 59
	StoreSubscr     Opcode = 60 // TOS1[TOS] = TOS2
	DeleteSubscr    Opcode = 61 // del TOS1[TOS]
	BinaryLShift    Opcode = 62
	BinaryRShift    Opcode = 63
	BinaryAnd       Opcode = 64
	BinaryXor       Opcode = 65
	BinaryOr        Opcode = 66
	InplacePower    Opcode = 67
	GetIter         Opcode = 68 // TOS = iter(TOS)

	LoadAssertionError Opcode = 74 // Push AssertionError

	InplaceLShift Opcode = 75
	InplaceRShift Opcode = 76
	InplaceAnd    Opcode = 77
	InplaceXor    Opcode = 78
	InplaceOr     Opcode = 79

	// ========================================================================
	// Frame and block control (0x52-0x59)
	// ========================================================================

	ListToTuple Opcode = 82 // Convert the list at TOS to a tuple
	ReturnValue Opcode = 83 // Return TOS to the caller
	YieldValue  Opcode = 86 // Suspend a generator, yielding TOS
	PopBlock    Opcode = 87 // Pop the innermost SETUP_FINALLY block
	PopExcept   Opcode = 89 // Leave an exception handler

	// ========================================================================
	// Opcodes with arguments (>= 0x5A)
	// ========================================================================

	UnpackSequence    Opcode = 92  // Unpack TOS into arg items, first item on top
	ForIter           Opcode = 93  // Push next(TOS) or pop TOS and jump forward by arg
	StoreGlobal       Opcode = 97  // globals[names[arg]] = TOS
	DeleteGlobal      Opcode = 98  // del globals[names[arg]]
	LoadConst         Opcode = 100 // Push consts[arg]
	BuildTuple        Opcode = 102 // Pop arg items, push a tuple
	BuildList         Opcode = 103 // Pop arg items, push a list
	BuildMap          Opcode = 105 // Pop arg key/value pairs, push a dict
	LoadAttr          Opcode = 106 // TOS = getattr(TOS, names[arg])
	CompareOp         Opcode = 107 // Rich comparison selected by arg
	JumpForward       Opcode = 110 // Jump forward by arg bytes
	JumpIfFalseOrPop  Opcode = 111
	JumpIfTrueOrPop   Opcode = 112
	JumpAbsolute      Opcode = 113
	PopJumpIfFalse    Opcode = 114
	PopJumpIfTrue     Opcode = 115
	LoadGlobal        Opcode = 116 // Push globals[names[arg]] or builtins[names[arg]]
	IsOp              Opcode = 117 // TOS1 is TOS, negated when arg is 1
	ContainsOp        Opcode = 118 // TOS1 in TOS, negated when arg is 1
	JumpIfNotExcMatch Opcode = 121 // Pop two; jump unless TOS1 matches the class TOS
	SetupFinally      Opcode = 122 // Push a handler block targeting forward by arg
	LoadFast          Opcode = 124
	StoreFast         Opcode = 125
	DeleteFast        Opcode = 126
	RaiseVarargs      Opcode = 130 // raise with arg operands (0: re-raise)
	CallFunction      Opcode = 131 // Call with arg positional arguments
	MakeFunction      Opcode = 132 // Build a function; arg selects extra operands
	BuildSlice        Opcode = 133 // Pop 2 or 3 items, push a slice
	LoadClosure       Opcode = 135 // Push the cell for cell/free variable arg
	LoadDeref         Opcode = 136 // Push the contents of cell arg
	StoreDeref        Opcode = 137 // Store TOS into cell arg
	CallFunctionKw    Opcode = 141 // Call with arg arguments; TOS holds keyword names
	CallFunctionEx    Opcode = 142 // Call with an args tuple and optional kwargs dict
	ExtendedArg       Opcode = 144 // Prefix: shift arg left by 8 into the next instruction
	ListAppend        Opcode = 145 // Append TOS to the list at stack[-arg]
	ListExtend        Opcode = 162 // Extend the list at stack[-arg] by TOS
	DictMerge         Opcode = 164 // Merge TOS into the dict at stack[-arg], rejecting duplicates
	DictUpdate        Opcode = 165 // Update the dict at stack[-arg] from TOS
)

// MakeFunction argument flags.
const (
	MakeFunctionDefaults   = 0x01
	MakeFunctionKwDefaults = 0x02
	MakeFunctionAnnotation = 0x04
	MakeFunctionClosure    = 0x08
)

// OpFlags classify opcodes for the decoder and disassembler.
type OpFlags uint16

const (
	FlagJumpRel  OpFlags = 1 << iota // Argument is a forward byte delta from the next instruction
	FlagJumpAbs                      // Argument is an absolute byte offset
	FlagCond                         // Jump is conditional, execution may fall through
	FlagTerminal                     // Control never falls through
	FlagConst                        // Argument indexes Consts
	FlagName                         // Argument indexes Names
	FlagLocal                        // Argument indexes VarNames
	FlagFree                         // Argument indexes CellVars then FreeVars
	FlagCompare                      // Argument is a comparison operator
)

// OpcodeInfo provides metadata about each opcode for debugging and validation.
type OpcodeInfo struct {
	Name      string  // Human-readable name
	StackPop  int     // How many values popped from stack (-1 = depends on arg)
	StackPush int     // How many values pushed to stack
	Flags     OpFlags // Classification
}

// opcodeInfoTable maps opcodes to their metadata.
var opcodeInfoTable = map[Opcode]OpcodeInfo{
	// Stack manipulation
	PopTop:    {"POP_TOP", 1, 0, 0},
	RotTwo:    {"ROT_TWO", 2, 2, 0},
	RotThree:  {"ROT_THREE", 3, 3, 0},
	RotFour:   {"ROT_FOUR", 4, 4, 0},
	DupTop:    {"DUP_TOP", 1, 2, 0},
	DupTopTwo: {"DUP_TOP_TWO", 2, 4, 0},
	Nop:       {"NOP", 0, 0, 0},

	// Unary
	UnaryPositive: {"UNARY_POSITIVE", 1, 1, 0},
	UnaryNegative: {"UNARY_NEGATIVE", 1, 1, 0},
	UnaryNot:      {"UNARY_NOT", 1, 1, 0},
	UnaryInvert:   {"UNARY_INVERT", 1, 1, 0},

	// Binary
	BinaryPower:       {"BINARY_POWER", 2, 1, 0},
	BinaryMultiply:    {"BINARY_MULTIPLY", 2, 1, 0},
	BinaryModulo:      {"BINARY_MODULO", 2, 1, 0},
	BinaryAdd:         {"BINARY_ADD", 2, 1, 0},
	BinarySubtract:    {"BINARY_SUBTRACT", 2, 1, 0},
	BinarySubscr:      {"BINARY_SUBSCR", 2, 1, 0},
	BinaryFloorDivide: {"BINARY_FLOOR_DIVIDE", 2, 1, 0},
	BinaryTrueDivide:  {"BINARY_TRUE_DIVIDE", 2, 1, 0},
	BinaryLShift:      {"BINARY_LSHIFT", 2, 1, 0},
	BinaryRShift:      {"BINARY_RSHIFT", 2, 1, 0},
	BinaryAnd:         {"BINARY_AND", 2, 1, 0},
	BinaryXor:         {"BINARY_XOR", 2, 1, 0},
	BinaryOr:          {"BINARY_OR", 2, 1, 0},

	// In-place
	InplaceFloorDiv: {"INPLACE_FLOOR_DIVIDE", 2, 1, 0},
	InplaceTrueDiv:  {"INPLACE_TRUE_DIVIDE", 2, 1, 0},
	InplaceAdd:      {"INPLACE_ADD", 2, 1, 0},
	InplaceSubtract: {"INPLACE_SUBTRACT", 2, 1, 0},
	InplaceMultiply: {"INPLACE_MULTIPLY", 2, 1, 0},
	InplaceModulo:   {"INPLACE_MODULO", 2, 1, 0},
	InplacePower:    {"INPLACE_POWER", 2, 1, 0},
	InplaceLShift:   {"INPLACE_LSHIFT", 2, 1, 0},
	InplaceRShift:   {"INPLACE_RSHIFT", 2, 1, 0},
	InplaceAnd:      {"INPLACE_AND", 2, 1, 0},
	InplaceXor:      {"INPLACE_XOR", 2, 1, 0},
	InplaceOr:       {"INPLACE_OR", 2, 1, 0},

	// Containers
	StoreSubscr:  {"STORE_SUBSCR", 3, 0, 0},
	DeleteSubscr: {"DELETE_SUBSCR", 2, 0, 0},
	GetIter:      {"GET_ITER", 1, 1, 0},
	ListToTuple:  {"LIST_TO_TUPLE", 1, 1, 0},

	// Frame and blocks
	Reraise:            {"RERAISE", 1, 0, FlagTerminal},
	LoadAssertionError: {"LOAD_ASSERTION_ERROR", 0, 1, 0},
	ReturnValue:        {"RETURN_VALUE", 1, 0, FlagTerminal},
	YieldValue:         {"YIELD_VALUE", 1, 1, 0},
	PopBlock:           {"POP_BLOCK", 0, 0, 0},
	PopExcept:          {"POP_EXCEPT", 0, 0, 0},

	// With arguments
	UnpackSequence:    {"UNPACK_SEQUENCE", 1, -1, 0},
	ForIter:           {"FOR_ITER", 1, 2, FlagJumpRel | FlagCond},
	StoreGlobal:       {"STORE_GLOBAL", 1, 0, FlagName},
	DeleteGlobal:      {"DELETE_GLOBAL", 0, 0, FlagName},
	LoadConst:         {"LOAD_CONST", 0, 1, FlagConst},
	BuildTuple:        {"BUILD_TUPLE", -1, 1, 0},
	BuildList:         {"BUILD_LIST", -1, 1, 0},
	BuildMap:          {"BUILD_MAP", -1, 1, 0},
	LoadAttr:          {"LOAD_ATTR", 1, 1, FlagName},
	CompareOp:         {"COMPARE_OP", 2, 1, FlagCompare},
	JumpForward:       {"JUMP_FORWARD", 0, 0, FlagJumpRel | FlagTerminal},
	JumpIfFalseOrPop:  {"JUMP_IF_FALSE_OR_POP", 1, 0, FlagJumpAbs | FlagCond},
	JumpIfTrueOrPop:   {"JUMP_IF_TRUE_OR_POP", 1, 0, FlagJumpAbs | FlagCond},
	JumpAbsolute:      {"JUMP_ABSOLUTE", 0, 0, FlagJumpAbs | FlagTerminal},
	PopJumpIfFalse:    {"POP_JUMP_IF_FALSE", 1, 0, FlagJumpAbs | FlagCond},
	PopJumpIfTrue:     {"POP_JUMP_IF_TRUE", 1, 0, FlagJumpAbs | FlagCond},
	LoadGlobal:        {"LOAD_GLOBAL", 0, 1, FlagName},
	IsOp:              {"IS_OP", 2, 1, 0},
	ContainsOp:        {"CONTAINS_OP", 2, 1, 0},
	JumpIfNotExcMatch: {"JUMP_IF_NOT_EXC_MATCH", 2, 0, FlagJumpAbs | FlagCond},
	SetupFinally:      {"SETUP_FINALLY", 0, 0, FlagJumpRel | FlagCond},
	LoadFast:          {"LOAD_FAST", 0, 1, FlagLocal},
	StoreFast:         {"STORE_FAST", 1, 0, FlagLocal},
	DeleteFast:        {"DELETE_FAST", 0, 0, FlagLocal},
	RaiseVarargs:      {"RAISE_VARARGS", -1, 0, FlagTerminal},
	CallFunction:      {"CALL_FUNCTION", -1, 1, 0},
	MakeFunction:      {"MAKE_FUNCTION", -1, 1, 0},
	BuildSlice:        {"BUILD_SLICE", -1, 1, 0},
	LoadClosure:       {"LOAD_CLOSURE", 0, 1, FlagFree},
	LoadDeref:         {"LOAD_DEREF", 0, 1, FlagFree},
	StoreDeref:        {"STORE_DEREF", 1, 0, FlagFree},
	CallFunctionKw:    {"CALL_FUNCTION_KW", -1, 1, 0},
	CallFunctionEx:    {"CALL_FUNCTION_EX", -1, 1, 0},
	ExtendedArg:       {"EXTENDED_ARG", 0, 0, 0},
	ListAppend:        {"LIST_APPEND", 1, 0, 0},
	ListExtend:        {"LIST_EXTEND", 1, 0, 0},
	DictMerge:         {"DICT_MERGE", 1, 0, 0},
	DictUpdate:        {"DICT_UPDATE", 1, 0, 0},
}

// GetOpcodeInfo returns metadata for an opcode.
// Returns a zero OpcodeInfo with name "UNKNOWN" if the opcode is not recognized.
func GetOpcodeInfo(op Opcode) OpcodeInfo {
	if info, ok := opcodeInfoTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN(0x%02X)", byte(op))}
}

// String returns the human-readable name of an opcode.
func (op Opcode) String() string {
	return GetOpcodeInfo(op).Name
}

// Valid reports whether op is a defined opcode.
func (op Opcode) Valid() bool {
	_, ok := opcodeInfoTable[op]
	return ok
}

// HasArg reports whether the opcode uses its argument byte.
func (op Opcode) HasArg() bool {
	return op >= HaveArgument
}

// IsJump returns true if this opcode transfers control to its argument.
func (op Opcode) IsJump() bool {
	return GetOpcodeInfo(op).Flags&(FlagJumpRel|FlagJumpAbs) != 0
}

// IsRelativeJump returns true if the argument is a delta from the next
// instruction.
func (op Opcode) IsRelativeJump() bool {
	return GetOpcodeInfo(op).Flags&FlagJumpRel != 0
}

// IsConditional returns true if execution may fall through the jump.
func (op Opcode) IsConditional() bool {
	return GetOpcodeInfo(op).Flags&FlagCond != 0
}

// IsTerminal returns true if control never reaches the next instruction.
func (op Opcode) IsTerminal() bool {
	return GetOpcodeInfo(op).Flags&FlagTerminal != 0
}

// AllOpcodes returns a slice of all defined opcodes.
// Useful for testing that all opcodes have metadata.
func AllOpcodes() []Opcode {
	opcodes := make([]Opcode, 0, len(opcodeInfoTable))
	for op := range opcodeInfoTable {
		opcodes = append(opcodes, op)
	}
	return opcodes
}

// OpcodeCount returns the number of defined opcodes.
func OpcodeCount() int {
	return len(opcodeInfoTable)
}

// Comparison operators selected by the COMPARE_OP argument.
var CompareOps = [...]string{"<", "<=", "==", "!=", ">", ">="}
