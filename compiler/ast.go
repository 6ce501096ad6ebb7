package compiler

import "math/big"

// ---------------------------------------------------------------------------
// AST: Abstract Syntax Tree for the Python subset
// ---------------------------------------------------------------------------

// Position represents a source location.
type Position struct {
	Offset int // byte offset
	Line   int // 1-based line number
	Column int // 1-based column number
}

// Node is the interface implemented by all AST nodes.
type Node interface {
	Pos() Position
}

// at records where a node starts.
type at struct {
	P Position
}

func (a at) Pos() Position { return a.P }

// ---------------------------------------------------------------------------
// Expression nodes
// ---------------------------------------------------------------------------

// Expr is the interface for expression nodes.
type Expr interface {
	Node
	expr() // marker method
}

// Name is a variable reference.
type Name struct {
	at
	ID string
}

// IntLit is an integer literal of any size.
type IntLit struct {
	at
	Value *big.Int
}

// FloatLit is a floating-point literal.
type FloatLit struct {
	at
	Value float64
}

// StrLit is a string literal; adjacent literals are already joined.
type StrLit struct {
	at
	Value string
}

// NoneLit is None.
type NoneLit struct{ at }

// BoolLit is True or False.
type BoolLit struct {
	at
	Value bool
}

// TupleExpr is a tuple display or an unparenthesized comma list.
type TupleExpr struct {
	at
	Elts []Expr
}

// ListExpr is a list display.
type ListExpr struct {
	at
	Elts []Expr
}

// DictExpr is a dict display. A nil key marks a **mapping entry.
type DictExpr struct {
	at
	Keys   []Expr
	Values []Expr
}

// BinOp is a binary arithmetic or bitwise operation.
type BinOp struct {
	at
	Op    string
	Left  Expr
	Right Expr
}

// UnaryOp is -x, +x, ~x or not x.
type UnaryOp struct {
	at
	Op string
	X  Expr
}

// BoolOp is a chain of and/or.
type BoolOp struct {
	at
	Op     string
	Values []Expr
}

// Compare is a possibly chained comparison such as a < b <= c.
type Compare struct {
	at
	Left        Expr
	Ops         []string // "<", "in", "not in", "is", "is not", ...
	Comparators []Expr
}

// Keyword is a keyword argument. An empty Name marks **mapping.
type Keyword struct {
	Name  string
	Value Expr
}

// Call is a function call. Starred positional arguments appear in Args as
// *Starred.
type Call struct {
	at
	Func     Expr
	Args     []Expr
	Keywords []Keyword
}

// Attribute is x.name.
type Attribute struct {
	at
	X    Expr
	Name string
}

// Subscript is x[index].
type Subscript struct {
	at
	X     Expr
	Index Expr
}

// SliceExpr is lower:upper:step inside a subscript. Missing parts are nil.
type SliceExpr struct {
	at
	Lower Expr
	Upper Expr
	Step  Expr
}

// IfExp is body if test else orelse.
type IfExp struct {
	at
	Test   Expr
	Body   Expr
	OrElse Expr
}

// Lambda is an anonymous function.
type Lambda struct {
	at
	Args *Arguments
	Body Expr
}

// Comprehension is one for clause of a comprehension.
type Comprehension struct {
	Target Expr
	Iter   Expr
	Ifs    []Expr
}

// ListComp is [elt for ...].
type ListComp struct {
	at
	Elt        Expr
	Generators []Comprehension
}

// GeneratorExp is (elt for ...).
type GeneratorExp struct {
	at
	Elt        Expr
	Generators []Comprehension
}

// Yield is a yield expression. Value may be nil.
type Yield struct {
	at
	Value Expr
}

// Starred is *x in a call or assignment target.
type Starred struct {
	at
	X Expr
}

func (*Name) expr()         {}
func (*IntLit) expr()       {}
func (*FloatLit) expr()     {}
func (*StrLit) expr()       {}
func (*NoneLit) expr()      {}
func (*BoolLit) expr()      {}
func (*TupleExpr) expr()    {}
func (*ListExpr) expr()     {}
func (*DictExpr) expr()     {}
func (*BinOp) expr()        {}
func (*UnaryOp) expr()      {}
func (*BoolOp) expr()       {}
func (*Compare) expr()      {}
func (*Call) expr()         {}
func (*Attribute) expr()    {}
func (*Subscript) expr()    {}
func (*SliceExpr) expr()    {}
func (*IfExp) expr()        {}
func (*Lambda) expr()       {}
func (*ListComp) expr()     {}
func (*GeneratorExp) expr() {}
func (*Yield) expr()        {}
func (*Starred) expr()      {}

// ---------------------------------------------------------------------------
// Statement nodes
// ---------------------------------------------------------------------------

// Stmt is the interface for statement nodes.
type Stmt interface {
	Node
	stmt() // marker method
}

// ExprStmt is an expression evaluated for its side effects.
type ExprStmt struct {
	at
	X Expr
}

// Assign is t1 = t2 = value.
type Assign struct {
	at
	Targets []Expr
	Value   Expr
}

// AugAssign is target op= value.
type AugAssign struct {
	at
	Target Expr
	Op     string // "+", "-", ...
	Value  Expr
}

// Param is one parameter with an optional default.
type Param struct {
	Name    string
	Default Expr
}

// Arguments describes a parameter list.
type Arguments struct {
	Args   []Param
	VarArg string
	KwOnly []Param
	KwArg  string
}

// FunctionDef is a def statement.
type FunctionDef struct {
	at
	Name string
	Args *Arguments
	Body []Stmt
}

// Return is a return statement. Value may be nil.
type Return struct {
	at
	Value Expr
}

// If is if/elif/else; elif chains nest in OrElse.
type If struct {
	at
	Test   Expr
	Body   []Stmt
	OrElse []Stmt
}

// While is a while loop with an optional else clause.
type While struct {
	at
	Test   Expr
	Body   []Stmt
	OrElse []Stmt
}

// For is a for loop with an optional else clause.
type For struct {
	at
	Target Expr
	Iter   Expr
	Body   []Stmt
	OrElse []Stmt
}

// Break is break.
type Break struct{ at }

// Continue is continue.
type Continue struct{ at }

// Pass is pass.
type Pass struct{ at }

// ExceptHandler is one except clause. Type is nil for a bare except.
type ExceptHandler struct {
	at
	Type Expr
	Name string
	Body []Stmt
}

// Try is try/except/else/finally.
type Try struct {
	at
	Body      []Stmt
	Handlers  []*ExceptHandler
	OrElse    []Stmt
	Finalbody []Stmt
}

// Raise is raise [exc [from cause]].
type Raise struct {
	at
	Exc   Expr
	Cause Expr
}

// Global is a global declaration.
type Global struct {
	at
	Names []string
}

// Nonlocal is a nonlocal declaration.
type Nonlocal struct {
	at
	Names []string
}

// Delete is del targets.
type Delete struct {
	at
	Targets []Expr
}

// Assert is assert test[, msg].
type Assert struct {
	at
	Test Expr
	Msg  Expr
}

func (*ExprStmt) stmt()    {}
func (*Assign) stmt()      {}
func (*AugAssign) stmt()   {}
func (*FunctionDef) stmt() {}
func (*Return) stmt()      {}
func (*If) stmt()          {}
func (*While) stmt()       {}
func (*For) stmt()         {}
func (*Break) stmt()       {}
func (*Continue) stmt()    {}
func (*Pass) stmt()        {}
func (*Try) stmt()         {}
func (*Raise) stmt()       {}
func (*Global) stmt()      {}
func (*Nonlocal) stmt()    {}
func (*Delete) stmt()      {}
func (*Assert) stmt()      {}

// Module is a parsed source file.
type Module struct {
	Body []Stmt
}

// FuncNames returns the names of top-level functions in definition order.
func (m *Module) FuncNames() []string {
	var names []string
	for _, s := range m.Body {
		if fd, ok := s.(*FunctionDef); ok {
			names = append(names, fd.Name)
		}
	}
	return names
}
