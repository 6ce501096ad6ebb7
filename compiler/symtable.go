package compiler

import (
	"fmt"
	"sort"
)

// ---------------------------------------------------------------------------
// Symbol table: scope analysis for locals, globals, cells and free variables
// ---------------------------------------------------------------------------

// SymbolScope says where a name lives at runtime.
type SymbolScope int

const (
	ScopeGlobalImplicit SymbolScope = iota // module or builtin lookup
	ScopeGlobalExplicit                    // declared global
	ScopeLocal                             // fast local slot
	ScopeCell                              // local captured by an inner function
	ScopeFree                              // captured from an enclosing function
)

func (s SymbolScope) String() string {
	switch s {
	case ScopeGlobalImplicit:
		return "global_implicit"
	case ScopeGlobalExplicit:
		return "global_explicit"
	case ScopeLocal:
		return "local"
	case ScopeCell:
		return "cell"
	case ScopeFree:
		return "free"
	}
	return "unknown"
}

// Scope is the symbol information of a module or function body.
type Scope struct {
	Name      string
	Function  bool
	Generator bool
	Parent    *Scope
	Children  []*Scope

	node      Node
	params    []string
	bound     map[string]bool
	used      map[string]bool
	uses      map[string]Position // first load of each name
	globals   map[string]bool
	nonlocals map[string]bool
	order     []string // locals in order of first binding
	symbols   map[string]SymbolScope

	VarNames []string
	CellVars []string
	FreeVars []string
}

func newScope(name string, function bool, parent *Scope, node Node) *Scope {
	s := &Scope{
		Name:      name,
		Function:  function,
		Parent:    parent,
		node:      node,
		bound:     make(map[string]bool),
		used:      make(map[string]bool),
		uses:      make(map[string]Position),
		globals:   make(map[string]bool),
		nonlocals: make(map[string]bool),
		symbols:   make(map[string]SymbolScope),
	}
	if parent != nil {
		parent.Children = append(parent.Children, s)
	}
	return s
}

// Lookup returns the runtime location of name in this scope.
func (s *Scope) Lookup(name string) SymbolScope {
	if sym, ok := s.symbols[name]; ok {
		return sym
	}
	return ScopeGlobalImplicit
}

// DerefIndex returns the cell slot for a cell or free variable.
func (s *Scope) DerefIndex(name string) int {
	for i, n := range s.CellVars {
		if n == name {
			return i
		}
	}
	for i, n := range s.FreeVars {
		if n == name {
			return len(s.CellVars) + i
		}
	}
	return -1
}

// LocalIndex returns the fast slot of a local.
func (s *Scope) LocalIndex(name string) int {
	for i, n := range s.VarNames {
		if n == name {
			return i
		}
	}
	return -1
}

func (s *Scope) bind(name string) {
	if !s.bound[name] {
		s.bound[name] = true
		s.order = append(s.order, name)
	}
}

// Uses returns the names loaded in this scope with their first position.
func (s *Scope) Uses() map[string]Position { return s.uses }

// Binds reports whether name is assigned in this scope.
func (s *Scope) Binds(name string) bool { return s.bound[name] }

// SymbolTable maps function-like nodes to their scopes.
type SymbolTable struct {
	Module *Scope
	scopes map[Node]*Scope
}

// ScopeOf returns the scope created for a FunctionDef, Lambda or
// GeneratorExp node.
func (t *SymbolTable) ScopeOf(n Node) *Scope { return t.scopes[n] }

type symbolBuilder struct {
	table    *SymbolTable
	cur      *Scope
	inComp   int
	filename string
}

// BuildSymbolTable analyzes the scopes of a parsed module.
func BuildSymbolTable(mod *Module, filename string) (table *SymbolTable, err error) {
	defer func() {
		if r := recover(); r != nil {
			se, ok := r.(*SyntaxError)
			if !ok {
				panic(r)
			}
			table, err = nil, se
		}
	}()
	t := &SymbolTable{scopes: make(map[Node]*Scope)}
	t.Module = newScope("<module>", false, nil, nil)
	sb := &symbolBuilder{table: t, cur: t.Module, filename: filename}
	sb.stmts(mod.Body)
	sb.resolve(t.Module)
	return t, nil
}

func (sb *symbolBuilder) errorf(n Node, format string, args ...any) {
	panic(&SyntaxError{Filename: sb.filename, Pos: n.Pos(), Msg: fmt.Sprintf(format, args...)})
}

func (sb *symbolBuilder) stmts(body []Stmt) {
	for _, s := range body {
		sb.stmt(s)
	}
}

func (sb *symbolBuilder) stmt(s Stmt) {
	switch s := s.(type) {
	case *ExprStmt:
		sb.expr(s.X)
	case *Assign:
		sb.expr(s.Value)
		for _, t := range s.Targets {
			sb.target(t)
		}
	case *AugAssign:
		sb.expr(s.Value)
		if n, ok := s.Target.(*Name); ok {
			sb.use(n)
		}
		sb.target(s.Target)
	case *FunctionDef:
		sb.function(s, s.Name, s.Args, func() { sb.stmts(s.Body) })
		sb.declare(s.Name)
	case *Return:
		if !sb.cur.Function {
			sb.errorf(s, "'return' outside function")
		}
		if s.Value != nil {
			sb.expr(s.Value)
		}
	case *If:
		sb.expr(s.Test)
		sb.stmts(s.Body)
		sb.stmts(s.OrElse)
	case *While:
		sb.expr(s.Test)
		sb.stmts(s.Body)
		sb.stmts(s.OrElse)
	case *For:
		sb.expr(s.Iter)
		sb.target(s.Target)
		sb.stmts(s.Body)
		sb.stmts(s.OrElse)
	case *Try:
		sb.stmts(s.Body)
		for _, h := range s.Handlers {
			if h.Type != nil {
				sb.expr(h.Type)
			}
			if h.Name != "" {
				sb.declare(h.Name)
			}
			sb.stmts(h.Body)
		}
		sb.stmts(s.OrElse)
		sb.stmts(s.Finalbody)
	case *Raise:
		if s.Exc != nil {
			sb.expr(s.Exc)
		}
		if s.Cause != nil {
			sb.expr(s.Cause)
		}
	case *Global:
		for _, name := range s.Names {
			if contains(sb.cur.params, name) {
				sb.errorf(s, "name '%s' is parameter and global", name)
			}
			if sb.cur.bound[name] || sb.cur.used[name] {
				sb.errorf(s, "name '%s' is used prior to global declaration", name)
			}
			if sb.cur.nonlocals[name] {
				sb.errorf(s, "name '%s' is nonlocal and global", name)
			}
			sb.cur.globals[name] = true
		}
	case *Nonlocal:
		if !sb.cur.Function {
			sb.errorf(s, "nonlocal declaration not allowed at module level")
		}
		for _, name := range s.Names {
			if contains(sb.cur.params, name) {
				sb.errorf(s, "name '%s' is parameter and nonlocal", name)
			}
			if sb.cur.bound[name] || sb.cur.used[name] {
				sb.errorf(s, "name '%s' is used prior to nonlocal declaration", name)
			}
			if sb.cur.globals[name] {
				sb.errorf(s, "name '%s' is nonlocal and global", name)
			}
			sb.cur.nonlocals[name] = true
		}
	case *Delete:
		for _, t := range s.Targets {
			sb.target(t)
		}
	case *Assert:
		sb.expr(s.Test)
		if s.Msg != nil {
			sb.expr(s.Msg)
		}
	}
}

// declare records a binding of name in the current scope.
func (sb *symbolBuilder) declare(name string) {
	sb.cur.bind(name)
}

func (sb *symbolBuilder) use(n *Name) {
	if !sb.cur.used[n.ID] {
		sb.cur.used[n.ID] = true
		sb.cur.uses[n.ID] = n.Pos()
	}
}

func (sb *symbolBuilder) target(e Expr) {
	switch t := e.(type) {
	case *Name:
		sb.declare(t.ID)
	case *TupleExpr:
		for _, el := range t.Elts {
			sb.target(el)
		}
	case *ListExpr:
		for _, el := range t.Elts {
			sb.target(el)
		}
	case *Subscript:
		sb.expr(t.X)
		sb.expr(t.Index)
	case *Attribute:
		sb.expr(t.X)
	case *Starred:
		sb.target(t.X)
	}
}

func (sb *symbolBuilder) expr(e Expr) {
	switch e := e.(type) {
	case *Name:
		sb.use(e)
	case *TupleExpr:
		sb.exprs(e.Elts)
	case *ListExpr:
		sb.exprs(e.Elts)
	case *DictExpr:
		for i, k := range e.Keys {
			if k != nil {
				sb.expr(k)
			}
			sb.expr(e.Values[i])
		}
	case *BinOp:
		sb.expr(e.Left)
		sb.expr(e.Right)
	case *UnaryOp:
		sb.expr(e.X)
	case *BoolOp:
		sb.exprs(e.Values)
	case *Compare:
		sb.expr(e.Left)
		sb.exprs(e.Comparators)
	case *Call:
		sb.expr(e.Func)
		sb.exprs(e.Args)
		for _, kw := range e.Keywords {
			sb.expr(kw.Value)
		}
	case *Attribute:
		sb.expr(e.X)
	case *Subscript:
		sb.expr(e.X)
		sb.expr(e.Index)
	case *SliceExpr:
		for _, part := range []Expr{e.Lower, e.Upper, e.Step} {
			if part != nil {
				sb.expr(part)
			}
		}
	case *IfExp:
		sb.expr(e.Test)
		sb.expr(e.Body)
		sb.expr(e.OrElse)
	case *Lambda:
		sb.function(e, "<lambda>", e.Args, func() { sb.expr(e.Body) })
	case *ListComp:
		// List comprehensions run inline in the enclosing scope.
		sb.inComp++
		for _, g := range e.Generators {
			sb.expr(g.Iter)
			sb.target(g.Target)
			sb.exprs(g.Ifs)
		}
		sb.expr(e.Elt)
		sb.inComp--
	case *GeneratorExp:
		sb.expr(e.Generators[0].Iter)
		parent := sb.cur
		sb.cur = newScope("<genexpr>", true, parent, e)
		sb.table.scopes[e] = sb.cur
		sb.cur.Generator = true
		sb.cur.params = []string{".0"}
		sb.cur.bind(".0")
		saved := sb.inComp
		sb.inComp = 1
		for i, g := range e.Generators {
			if i > 0 {
				sb.expr(g.Iter)
			}
			sb.target(g.Target)
			sb.exprs(g.Ifs)
		}
		sb.expr(e.Elt)
		sb.inComp = saved
		sb.cur = parent
	case *Yield:
		if !sb.cur.Function {
			sb.errorf(e, "'yield' outside function")
		}
		if sb.inComp > 0 {
			sb.errorf(e, "'yield' inside comprehension")
		}
		sb.cur.Generator = true
		if e.Value != nil {
			sb.expr(e.Value)
		}
	case *Starred:
		sb.expr(e.X)
	}
}

func (sb *symbolBuilder) exprs(es []Expr) {
	for _, e := range es {
		sb.expr(e)
	}
}

// function analyzes a def or lambda: defaults in the enclosing scope, the
// body in a new one.
func (sb *symbolBuilder) function(n Node, name string, args *Arguments, body func()) {
	for _, p := range args.Args {
		if p.Default != nil {
			sb.expr(p.Default)
		}
	}
	for _, p := range args.KwOnly {
		if p.Default != nil {
			sb.expr(p.Default)
		}
	}
	parent := sb.cur
	sb.cur = newScope(name, true, parent, n)
	sb.table.scopes[n] = sb.cur
	for _, p := range args.Args {
		sb.cur.params = append(sb.cur.params, p.Name)
	}
	for _, p := range args.KwOnly {
		sb.cur.params = append(sb.cur.params, p.Name)
	}
	if args.VarArg != "" {
		sb.cur.params = append(sb.cur.params, args.VarArg)
	}
	if args.KwArg != "" {
		sb.cur.params = append(sb.cur.params, args.KwArg)
	}
	for _, p := range sb.cur.params {
		sb.cur.bind(p)
	}
	saved := sb.inComp
	sb.inComp = 0
	body()
	sb.inComp = saved
	sb.cur = parent
}

// ---------------------------------------------------------------------------
// Resolution
// ---------------------------------------------------------------------------

// resolve classifies every name, parents before children so captures found
// in inner scopes can promote the defining local to a cell.
func (sb *symbolBuilder) resolve(s *Scope) {
	if s.Function {
		names := map[string]bool{}
		for n := range s.used {
			names[n] = true
		}
		for n := range s.bound {
			names[n] = true
		}
		for n := range s.nonlocals {
			names[n] = true
		}
		for n := range s.globals {
			names[n] = true
		}
		for _, name := range sortedKeys(names) {
			if _, done := s.symbols[name]; done {
				continue
			}
			switch {
			case s.globals[name]:
				s.symbols[name] = ScopeGlobalExplicit
			case s.nonlocals[name]:
				def := definingScope(s, name)
				if def == nil {
					sb.errorf(s.node, "no binding for nonlocal '%s' found", name)
				}
				capture(s, def, name)
			case s.bound[name]:
				s.symbols[name] = ScopeLocal
			default:
				if def := definingScope(s, name); def != nil {
					capture(s, def, name)
				} else {
					s.symbols[name] = ScopeGlobalImplicit
				}
			}
		}
	} else {
		for n := range s.globals {
			s.symbols[n] = ScopeGlobalExplicit
		}
	}
	for _, c := range s.Children {
		sb.resolve(c)
	}
	if s.Function {
		s.finish()
	}
}

// definingScope finds the nearest enclosing function that binds name.
func definingScope(s *Scope, name string) *Scope {
	for p := s.Parent; p != nil && p.Function; p = p.Parent {
		if p.globals[name] {
			return nil
		}
		if p.nonlocals[name] {
			continue
		}
		if p.bound[name] {
			return p
		}
	}
	return nil
}

// capture makes name free in s and every scope between s and def, and a
// cell in def.
func capture(s, def *Scope, name string) {
	for q := s; q != def; q = q.Parent {
		q.symbols[name] = ScopeFree
	}
	def.symbols[name] = ScopeCell
}

// finish lays out the variable tables. Parameters keep their slots even
// when captured; the frame copies them into their cells on entry.
func (s *Scope) finish() {
	s.VarNames = append([]string(nil), s.params...)
	for _, name := range s.order {
		if contains(s.params, name) {
			continue
		}
		if s.symbols[name] == ScopeLocal {
			s.VarNames = append(s.VarNames, name)
		}
	}
	s.CellVars, s.FreeVars = nil, nil
	for name, sym := range s.symbols {
		switch sym {
		case ScopeCell:
			s.CellVars = append(s.CellVars, name)
		case ScopeFree:
			s.FreeVars = append(s.FreeVars, name)
		}
	}
	sort.Strings(s.CellVars)
	sort.Strings(s.FreeVars)
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
