package compiler

import (
	"fmt"
	"math/big"

	"github.com/chazu/kestrel/pkg/bytecode"
)

// ---------------------------------------------------------------------------
// Code generation: AST to wordcode
// ---------------------------------------------------------------------------

type fblockKind int

const (
	fbWhile fblockKind = iota
	fbFor
	fbTryExcept
	fbFinallyTry
	fbFinallyEnd
	fbHandler
	fbPopValue
)

// fblock is an entry of the static block stack that return, break and
// continue must unwind.
type fblock struct {
	kind  fblockKind
	start bytecode.Label // continue target
	exit  bytecode.Label // break target
	final []Stmt         // finally body for fbFinallyTry
}

// unit is the code object being generated.
type unit struct {
	b         *bytecode.Builder
	scope     *Scope
	qualname  string
	fblocks   []fblock
	lastBound int
	parent    *unit
}

type codegen struct {
	filename string
	table    *SymbolTable
	u        *unit
}

func (c *codegen) errorf(n Node, format string, args ...any) {
	panic(&SyntaxError{Filename: c.filename, Pos: n.Pos(), Msg: fmt.Sprintf(format, args...)})
}

func (c *codegen) emit(op bytecode.Opcode, arg int) { c.u.b.Emit(op, arg) }

func (c *codegen) emitJump(op bytecode.Opcode, l bytecode.Label) { c.u.b.EmitJump(op, l) }

func (c *codegen) newLabel() bytecode.Label { return c.u.b.NewLabel() }

func (c *codegen) bind(l bytecode.Label) {
	c.u.b.Bind(l)
	c.u.lastBound = c.u.b.Len()
}

func (c *codegen) loadConst(k bytecode.Constant) { c.u.b.EmitConst(k) }

// finishUnit terminates the body with an implicit return None when control
// can reach the end.
func (c *codegen) finishUnit() (*bytecode.Code, error) {
	b := c.u.b
	if b.LastOp() != bytecode.ReturnValue || c.u.lastBound == b.Len() {
		c.loadConst(bytecode.NoneConst())
		c.emit(bytecode.ReturnValue, 0)
	}
	return b.Finish()
}

// ---------------------------------------------------------------------------
// Modules and functions
// ---------------------------------------------------------------------------

func (c *codegen) module(mod *Module) (*bytecode.Code, error) {
	firstLine := 1
	if len(mod.Body) > 0 {
		firstLine = mod.Body[0].Pos().Line
	}
	c.u = &unit{
		b:         bytecode.NewBuilder("<module>", c.filename, firstLine),
		scope:     c.table.Module,
		lastBound: -1,
	}
	c.stmts(mod.Body)
	return c.finishUnit()
}

// function compiles a nested code object and emits MAKE_FUNCTION for it.
func (c *codegen) function(n Node, name string, args *Arguments, body func()) {
	flags := 0
	var defaults int
	for _, p := range args.Args {
		if p.Default != nil {
			c.expr(p.Default)
			defaults++
		}
	}
	if defaults > 0 {
		c.emit(bytecode.BuildTuple, defaults)
		flags |= bytecode.MakeFunctionDefaults
	}
	var kwDefaults int
	for _, p := range args.KwOnly {
		if p.Default != nil {
			c.loadConst(bytecode.StrConst(p.Name))
			c.expr(p.Default)
			kwDefaults++
		}
	}
	if kwDefaults > 0 {
		c.emit(bytecode.BuildMap, kwDefaults)
		flags |= bytecode.MakeFunctionKwDefaults
	}

	scope := c.table.ScopeOf(n)
	qualname := name
	if c.u.scope.Function {
		qualname = c.u.qualname + ".<locals>." + name
	}
	code := c.nested(n, scope, name, qualname, func(cc *bytecode.Code) {
		cc.ArgCount = len(args.Args)
		cc.KwOnlyArgCount = len(args.KwOnly)
		if args.VarArg != "" {
			cc.Flags |= bytecode.FlagVarArgs
		}
		if args.KwArg != "" {
			cc.Flags |= bytecode.FlagVarKeywords
		}
	}, body)
	c.makeClosure(code, qualname, flags)
}

// nested generates the code object for scope.
func (c *codegen) nested(n Node, scope *Scope, name, qualname string, setup func(*bytecode.Code), body func()) *bytecode.Code {
	b := bytecode.NewBuilder(name, c.filename, n.Pos().Line)
	cc := b.Code()
	setup(cc)
	if c.u.scope.Function {
		cc.Flags |= bytecode.FlagNested
	}
	if scope.Generator {
		cc.Flags |= bytecode.FlagGenerator
	}
	cc.VarNames = scope.VarNames
	cc.CellVars = scope.CellVars
	cc.FreeVars = scope.FreeVars

	outer := c.u
	c.u = &unit{b: b, scope: scope, qualname: qualname, lastBound: -1, parent: outer}
	body()
	code, err := c.finishUnit()
	c.u = outer
	if err != nil {
		c.errorf(n, "%v", err)
	}
	return code
}

func (c *codegen) makeClosure(code *bytecode.Code, qualname string, flags int) {
	if len(code.FreeVars) > 0 {
		for _, name := range code.FreeVars {
			idx := c.u.scope.DerefIndex(name)
			if idx < 0 {
				panic(fmt.Sprintf("compiler: free variable %s of %s is not visible in %s", name, code.Name, c.u.scope.Name))
			}
			c.emit(bytecode.LoadClosure, idx)
		}
		c.emit(bytecode.BuildTuple, len(code.FreeVars))
		flags |= bytecode.MakeFunctionClosure
	}
	c.loadConst(bytecode.CodeConst(code))
	c.loadConst(bytecode.StrConst(qualname))
	c.emit(bytecode.MakeFunction, flags)
}

// ---------------------------------------------------------------------------
// Names
// ---------------------------------------------------------------------------

type nameCtx int

const (
	ctxLoad nameCtx = iota
	ctxStore
	ctxDel
)

func (c *codegen) nameOp(n Node, name string, ctx nameCtx) {
	scope := c.u.scope
	sym := ScopeGlobalImplicit
	if scope.Function {
		sym = scope.Lookup(name)
	}
	switch sym {
	case ScopeLocal:
		idx := scope.LocalIndex(name)
		c.emit([...]bytecode.Opcode{bytecode.LoadFast, bytecode.StoreFast, bytecode.DeleteFast}[ctx], idx)
	case ScopeCell, ScopeFree:
		if ctx == ctxDel {
			c.errorf(n, "cannot delete variable '%s' referenced in nested scope", name)
		}
		idx := scope.DerefIndex(name)
		c.emit([...]bytecode.Opcode{bytecode.LoadDeref, bytecode.StoreDeref}[ctx], idx)
	default:
		idx := c.u.b.AddName(name)
		c.emit([...]bytecode.Opcode{bytecode.LoadGlobal, bytecode.StoreGlobal, bytecode.DeleteGlobal}[ctx], idx)
	}
}

// ---------------------------------------------------------------------------
// Statements
// ---------------------------------------------------------------------------

func (c *codegen) stmts(body []Stmt) {
	for _, s := range body {
		c.stmt(s)
	}
}

func (c *codegen) stmt(s Stmt) {
	c.u.b.SetLine(s.Pos().Line)
	switch s := s.(type) {
	case *ExprStmt:
		if isConstant(s.X) {
			return
		}
		c.expr(s.X)
		c.emit(bytecode.PopTop, 0)
	case *Assign:
		c.expr(s.Value)
		for i, t := range s.Targets {
			if i < len(s.Targets)-1 {
				c.emit(bytecode.DupTop, 0)
			}
			c.store(t)
		}
	case *AugAssign:
		c.augAssign(s)
	case *FunctionDef:
		c.function(s, s.Name, s.Args, func() { c.stmts(s.Body) })
		c.nameOp(s, s.Name, ctxStore)
	case *Return:
		if s.Value != nil {
			c.expr(s.Value)
		} else {
			c.loadConst(bytecode.NoneConst())
		}
		for i := len(c.u.fblocks) - 1; i >= 0; i-- {
			c.unwind(i, true)
		}
		c.emit(bytecode.ReturnValue, 0)
	case *If:
		c.ifStmt(s)
	case *While:
		c.whileStmt(s)
	case *For:
		c.forStmt(s)
	case *Break:
		loop := c.innermostLoop(s, "'break' outside loop")
		for i := len(c.u.fblocks) - 1; i >= loop; i-- {
			c.unwind(i, false)
		}
		c.emitJump(bytecode.JumpAbsolute, c.u.fblocks[loop].exit)
	case *Continue:
		loop := c.innermostLoop(s, "'continue' not properly in loop")
		for i := len(c.u.fblocks) - 1; i > loop; i-- {
			c.unwind(i, false)
		}
		c.emitJump(bytecode.JumpAbsolute, c.u.fblocks[loop].start)
	case *Pass, *Global, *Nonlocal:
	case *Try:
		if len(s.Finalbody) > 0 {
			c.tryFinally(s)
		} else {
			c.tryExcept(s)
		}
	case *Raise:
		n := 0
		if s.Exc != nil {
			c.expr(s.Exc)
			n++
			if s.Cause != nil {
				c.expr(s.Cause)
				n++
			}
		}
		c.emit(bytecode.RaiseVarargs, n)
	case *Delete:
		for _, t := range s.Targets {
			c.delete(t)
		}
	case *Assert:
		end := c.newLabel()
		c.jumpIf(s.Test, true, end)
		c.emit(bytecode.LoadAssertionError, 0)
		if s.Msg != nil {
			c.expr(s.Msg)
			c.emit(bytecode.CallFunction, 1)
		}
		c.emit(bytecode.RaiseVarargs, 1)
		c.bind(end)
	default:
		c.errorf(s, "unsupported statement %T", s)
	}
}

func (c *codegen) innermostLoop(n Node, msg string) int {
	for i := len(c.u.fblocks) - 1; i >= 0; i-- {
		switch c.u.fblocks[i].kind {
		case fbWhile, fbFor:
			return i
		}
	}
	c.errorf(n, "%s", msg)
	return -1
}

// unwind emits the exit code of fblock i. With preserve set the value on
// top of the stack survives.
func (c *codegen) unwind(i int, preserve bool) {
	fb := c.u.fblocks[i]
	popBelow := func() {
		if preserve {
			c.emit(bytecode.RotTwo, 0)
		}
		c.emit(bytecode.PopTop, 0)
	}
	switch fb.kind {
	case fbWhile:
	case fbFor, fbPopValue:
		popBelow()
	case fbTryExcept:
		c.emit(bytecode.PopBlock, 0)
	case fbFinallyTry:
		c.emit(bytecode.PopBlock, 0)
		saved := c.u.fblocks
		c.u.fblocks = append([]fblock(nil), saved[:i]...)
		if preserve {
			c.u.fblocks = append(c.u.fblocks, fblock{kind: fbPopValue})
		}
		c.stmts(fb.final)
		c.u.fblocks = saved
	case fbFinallyEnd:
		popBelow()
		c.emit(bytecode.PopExcept, 0)
	case fbHandler:
		c.emit(bytecode.PopExcept, 0)
	}
}

func (c *codegen) pushBlock(fb fblock) { c.u.fblocks = append(c.u.fblocks, fb) }

func (c *codegen) popBlock() { c.u.fblocks = c.u.fblocks[:len(c.u.fblocks)-1] }

func (c *codegen) ifStmt(s *If) {
	end := c.newLabel()
	orElse := end
	if len(s.OrElse) > 0 {
		orElse = c.newLabel()
	}
	c.jumpIf(s.Test, false, orElse)
	c.stmts(s.Body)
	if len(s.OrElse) > 0 {
		c.emitJump(bytecode.JumpForward, end)
		c.bind(orElse)
		c.stmts(s.OrElse)
	}
	c.bind(end)
}

func (c *codegen) whileStmt(s *While) {
	top, orElse, end := c.newLabel(), c.newLabel(), c.newLabel()
	c.bind(top)
	if !isTrueConstant(s.Test) {
		c.jumpIf(s.Test, false, orElse)
	}
	c.pushBlock(fblock{kind: fbWhile, start: top, exit: end})
	c.stmts(s.Body)
	c.popBlock()
	c.emitJump(bytecode.JumpAbsolute, top)
	c.bind(orElse)
	c.stmts(s.OrElse)
	c.bind(end)
}

func (c *codegen) forStmt(s *For) {
	top, cleanup, end := c.newLabel(), c.newLabel(), c.newLabel()
	c.expr(s.Iter)
	c.emit(bytecode.GetIter, 0)
	c.bind(top)
	c.emitJump(bytecode.ForIter, cleanup)
	c.store(s.Target)
	c.pushBlock(fblock{kind: fbFor, start: top, exit: end})
	c.stmts(s.Body)
	c.popBlock()
	c.emitJump(bytecode.JumpAbsolute, top)
	c.bind(cleanup)
	c.stmts(s.OrElse)
	c.bind(end)
}

func (c *codegen) tryExcept(s *Try) {
	handlers, orElse, end := c.newLabel(), c.newLabel(), c.newLabel()
	c.emitJump(bytecode.SetupFinally, handlers)
	c.pushBlock(fblock{kind: fbTryExcept})
	c.stmts(s.Body)
	c.popBlock()
	c.emit(bytecode.PopBlock, 0)
	c.emitJump(bytecode.JumpForward, orElse)

	c.bind(handlers)
	for _, h := range s.Handlers {
		c.u.b.SetLine(h.Pos().Line)
		next := c.newLabel()
		if h.Type != nil {
			c.emit(bytecode.DupTop, 0)
			c.expr(h.Type)
			c.emitJump(bytecode.JumpIfNotExcMatch, next)
		}
		if h.Name != "" {
			c.nameOp(h, h.Name, ctxStore)
		} else {
			c.emit(bytecode.PopTop, 0)
		}
		c.pushBlock(fblock{kind: fbHandler})
		c.stmts(h.Body)
		c.popBlock()
		if h.Name != "" {
			// The bound exception does not outlive its handler.
			c.loadConst(bytecode.NoneConst())
			c.nameOp(h, h.Name, ctxStore)
			if sym := c.u.scope.Lookup(h.Name); !c.u.scope.Function || (sym != ScopeCell && sym != ScopeFree) {
				c.nameOp(h, h.Name, ctxDel)
			}
		}
		c.emit(bytecode.PopExcept, 0)
		c.emitJump(bytecode.JumpForward, end)
		c.bind(next)
	}
	c.emit(bytecode.Reraise, 0)

	c.bind(orElse)
	c.stmts(s.OrElse)
	c.bind(end)
}

func (c *codegen) tryFinally(s *Try) {
	handler, exit := c.newLabel(), c.newLabel()
	c.emitJump(bytecode.SetupFinally, handler)
	c.pushBlock(fblock{kind: fbFinallyTry, final: s.Finalbody})
	if len(s.Handlers) > 0 {
		c.tryExcept(s)
	} else {
		c.stmts(s.Body)
	}
	c.popBlock()
	c.emit(bytecode.PopBlock, 0)
	c.stmts(s.Finalbody)
	c.emitJump(bytecode.JumpForward, exit)

	c.bind(handler)
	c.pushBlock(fblock{kind: fbFinallyEnd})
	c.stmts(s.Finalbody)
	c.popBlock()
	c.emit(bytecode.Reraise, 0)
	c.bind(exit)
}

// ---------------------------------------------------------------------------
// Assignment targets
// ---------------------------------------------------------------------------

func (c *codegen) store(t Expr) {
	switch t := t.(type) {
	case *Name:
		c.nameOp(t, t.ID, ctxStore)
	case *Subscript:
		c.expr(t.X)
		c.expr(t.Index)
		c.emit(bytecode.StoreSubscr, 0)
	case *TupleExpr:
		c.unpack(t.Elts)
	case *ListExpr:
		c.unpack(t.Elts)
	case *Attribute:
		c.errorf(t, "attribute assignment is not supported")
	default:
		c.errorf(t, "cannot assign to expression")
	}
}

func (c *codegen) unpack(elts []Expr) {
	c.emit(bytecode.UnpackSequence, len(elts))
	for _, el := range elts {
		c.store(el)
	}
}

func (c *codegen) delete(t Expr) {
	switch t := t.(type) {
	case *Name:
		c.nameOp(t, t.ID, ctxDel)
	case *Subscript:
		c.expr(t.X)
		c.expr(t.Index)
		c.emit(bytecode.DeleteSubscr, 0)
	case *TupleExpr:
		for _, el := range t.Elts {
			c.delete(el)
		}
	default:
		c.errorf(t, "cannot delete expression")
	}
}

var inplaceOps = map[string]bytecode.Opcode{
	"+":  bytecode.InplaceAdd,
	"-":  bytecode.InplaceSubtract,
	"*":  bytecode.InplaceMultiply,
	"/":  bytecode.InplaceTrueDiv,
	"//": bytecode.InplaceFloorDiv,
	"%":  bytecode.InplaceModulo,
	"**": bytecode.InplacePower,
	"<<": bytecode.InplaceLShift,
	">>": bytecode.InplaceRShift,
	"&":  bytecode.InplaceAnd,
	"|":  bytecode.InplaceOr,
	"^":  bytecode.InplaceXor,
}

func (c *codegen) augAssign(s *AugAssign) {
	op, ok := inplaceOps[s.Op]
	if !ok {
		c.errorf(s, "unsupported augmented assignment %s=", s.Op)
	}
	switch t := s.Target.(type) {
	case *Name:
		c.nameOp(t, t.ID, ctxLoad)
		c.expr(s.Value)
		c.emit(op, 0)
		c.nameOp(t, t.ID, ctxStore)
	case *Subscript:
		c.expr(t.X)
		c.expr(t.Index)
		c.emit(bytecode.DupTopTwo, 0)
		c.emit(bytecode.BinarySubscr, 0)
		c.expr(s.Value)
		c.emit(op, 0)
		c.emit(bytecode.RotThree, 0)
		c.emit(bytecode.StoreSubscr, 0)
	default:
		c.errorf(s, "attribute assignment is not supported")
	}
}

// ---------------------------------------------------------------------------
// Expressions
// ---------------------------------------------------------------------------

var binaryOps = map[string]bytecode.Opcode{
	"+":  bytecode.BinaryAdd,
	"-":  bytecode.BinarySubtract,
	"*":  bytecode.BinaryMultiply,
	"/":  bytecode.BinaryTrueDivide,
	"//": bytecode.BinaryFloorDivide,
	"%":  bytecode.BinaryModulo,
	"**": bytecode.BinaryPower,
	"<<": bytecode.BinaryLShift,
	">>": bytecode.BinaryRShift,
	"&":  bytecode.BinaryAnd,
	"|":  bytecode.BinaryOr,
	"^":  bytecode.BinaryXor,
}

var unaryOps = map[string]bytecode.Opcode{
	"-":   bytecode.UnaryNegative,
	"+":   bytecode.UnaryPositive,
	"~":   bytecode.UnaryInvert,
	"not": bytecode.UnaryNot,
}

func (c *codegen) expr(e Expr) {
	if k, ok := constantOf(e); ok {
		c.loadConst(k)
		return
	}
	switch e := e.(type) {
	case *Name:
		c.nameOp(e, e.ID, ctxLoad)
	case *TupleExpr:
		if hasStarred(e.Elts) {
			c.starredList(e.Elts)
			c.emit(bytecode.ListToTuple, 0)
			return
		}
		c.exprs(e.Elts)
		c.emit(bytecode.BuildTuple, len(e.Elts))
	case *ListExpr:
		if hasStarred(e.Elts) {
			c.starredList(e.Elts)
			return
		}
		c.exprs(e.Elts)
		c.emit(bytecode.BuildList, len(e.Elts))
	case *DictExpr:
		c.dict(e)
	case *BinOp:
		op, ok := binaryOps[e.Op]
		if !ok {
			c.errorf(e, "unsupported operator %s", e.Op)
		}
		c.expr(e.Left)
		c.expr(e.Right)
		c.emit(op, 0)
	case *UnaryOp:
		c.expr(e.X)
		c.emit(unaryOps[e.Op], 0)
	case *BoolOp:
		end := c.newLabel()
		op := bytecode.JumpIfFalseOrPop
		if e.Op == "or" {
			op = bytecode.JumpIfTrueOrPop
		}
		for i, v := range e.Values {
			c.expr(v)
			if i < len(e.Values)-1 {
				c.emitJump(op, end)
			}
		}
		c.bind(end)
	case *Compare:
		c.compare(e)
	case *Call:
		c.call(e)
	case *Attribute:
		c.expr(e.X)
		c.emit(bytecode.LoadAttr, c.u.b.AddName(e.Name))
	case *Subscript:
		c.expr(e.X)
		c.expr(e.Index)
		c.emit(bytecode.BinarySubscr, 0)
	case *SliceExpr:
		c.slice(e)
	case *IfExp:
		orElse, end := c.newLabel(), c.newLabel()
		c.jumpIf(e.Test, false, orElse)
		c.expr(e.Body)
		c.emitJump(bytecode.JumpForward, end)
		c.bind(orElse)
		c.expr(e.OrElse)
		c.bind(end)
	case *Lambda:
		c.function(e, "<lambda>", e.Args, func() {
			c.u.b.SetLine(e.Body.Pos().Line)
			c.expr(e.Body)
			c.emit(bytecode.ReturnValue, 0)
		})
	case *ListComp:
		c.emit(bytecode.BuildList, 0)
		c.comprehension(e.Generators, 0, false, func() {
			c.expr(e.Elt)
			c.emit(bytecode.ListAppend, len(e.Generators)+1)
		})
	case *GeneratorExp:
		c.genexp(e)
	case *Yield:
		if e.Value != nil {
			c.expr(e.Value)
		} else {
			c.loadConst(bytecode.NoneConst())
		}
		c.emit(bytecode.YieldValue, 0)
	case *Starred:
		c.errorf(e, "can't use starred expression here")
	default:
		c.errorf(e, "unsupported expression %T", e)
	}
}

func (c *codegen) exprs(es []Expr) {
	for _, e := range es {
		c.expr(e)
	}
}

func hasStarred(es []Expr) bool {
	for _, e := range es {
		if _, ok := e.(*Starred); ok {
			return true
		}
	}
	return false
}

// starredList builds a list from items that may include *iterables.
func (c *codegen) starredList(elts []Expr) {
	c.emit(bytecode.BuildList, 0)
	for _, el := range elts {
		if s, ok := el.(*Starred); ok {
			c.expr(s.X)
			c.emit(bytecode.ListExtend, 1)
		} else {
			c.expr(el)
			c.emit(bytecode.ListAppend, 1)
		}
	}
}

func (c *codegen) dict(e *DictExpr) {
	unpacking := false
	for _, k := range e.Keys {
		if k == nil {
			unpacking = true
		}
	}
	if !unpacking {
		for i, k := range e.Keys {
			c.expr(k)
			c.expr(e.Values[i])
		}
		c.emit(bytecode.BuildMap, len(e.Keys))
		return
	}
	c.emit(bytecode.BuildMap, 0)
	for i := 0; i < len(e.Keys); {
		if e.Keys[i] == nil {
			c.expr(e.Values[i])
			c.emit(bytecode.DictUpdate, 1)
			i++
			continue
		}
		n := 0
		for ; i < len(e.Keys) && e.Keys[i] != nil; i++ {
			c.expr(e.Keys[i])
			c.expr(e.Values[i])
			n++
		}
		c.emit(bytecode.BuildMap, n)
		c.emit(bytecode.DictUpdate, 1)
	}
}

var compareOps = map[string]int{"<": 0, "<=": 1, "==": 2, "!=": 3, ">": 4, ">=": 5}

func (c *codegen) compareOp(op string) {
	switch op {
	case "in":
		c.emit(bytecode.ContainsOp, 0)
	case "not in":
		c.emit(bytecode.ContainsOp, 1)
	case "is":
		c.emit(bytecode.IsOp, 0)
	case "is not":
		c.emit(bytecode.IsOp, 1)
	default:
		c.emit(bytecode.CompareOp, compareOps[op])
	}
}

func (c *codegen) compare(e *Compare) {
	c.expr(e.Left)
	if len(e.Ops) == 1 {
		c.expr(e.Comparators[0])
		c.compareOp(e.Ops[0])
		return
	}
	cleanup, end := c.newLabel(), c.newLabel()
	last := len(e.Ops) - 1
	for i := 0; i < last; i++ {
		c.expr(e.Comparators[i])
		c.emit(bytecode.DupTop, 0)
		c.emit(bytecode.RotThree, 0)
		c.compareOp(e.Ops[i])
		c.emitJump(bytecode.JumpIfFalseOrPop, cleanup)
	}
	c.expr(e.Comparators[last])
	c.compareOp(e.Ops[last])
	c.emitJump(bytecode.JumpForward, end)
	c.bind(cleanup)
	c.emit(bytecode.RotTwo, 0)
	c.emit(bytecode.PopTop, 0)
	c.bind(end)
}

// jumpIf evaluates test and jumps to target when its truth equals cond.
func (c *codegen) jumpIf(test Expr, cond bool, target bytecode.Label) {
	if u, ok := test.(*UnaryOp); ok && u.Op == "not" {
		c.jumpIf(u.X, !cond, target)
		return
	}
	c.expr(test)
	if cond {
		c.emitJump(bytecode.PopJumpIfTrue, target)
	} else {
		c.emitJump(bytecode.PopJumpIfFalse, target)
	}
}

func (c *codegen) call(e *Call) {
	c.expr(e.Func)
	starKw := false
	for _, kw := range e.Keywords {
		if kw.Name == "" {
			starKw = true
		}
	}
	if hasStarred(e.Args) || starKw {
		c.starredList(e.Args)
		c.emit(bytecode.ListToTuple, 0)
		flags := 0
		if len(e.Keywords) > 0 {
			c.emit(bytecode.BuildMap, 0)
			for _, kw := range e.Keywords {
				if kw.Name != "" {
					c.loadConst(bytecode.StrConst(kw.Name))
					c.expr(kw.Value)
					c.emit(bytecode.BuildMap, 1)
				} else {
					c.expr(kw.Value)
				}
				c.emit(bytecode.DictMerge, 1)
			}
			flags = 1
		}
		c.emit(bytecode.CallFunctionEx, flags)
		return
	}
	c.exprs(e.Args)
	if len(e.Keywords) == 0 {
		c.emit(bytecode.CallFunction, len(e.Args))
		return
	}
	names := make([]bytecode.Constant, len(e.Keywords))
	for i, kw := range e.Keywords {
		c.expr(kw.Value)
		names[i] = bytecode.StrConst(kw.Name)
	}
	c.loadConst(bytecode.TupleConst(names...))
	c.emit(bytecode.CallFunctionKw, len(e.Args)+len(e.Keywords))
}

func (c *codegen) slice(s *SliceExpr) {
	n := 2
	for _, part := range []Expr{s.Lower, s.Upper} {
		if part == nil {
			c.loadConst(bytecode.NoneConst())
		} else {
			c.expr(part)
		}
	}
	if s.Step != nil {
		c.expr(s.Step)
		n = 3
	}
	c.emit(bytecode.BuildSlice, n)
}

// comprehension emits nested loops over gens[i:] around the element code.
// With fromArg set the outermost iterator is the code's first argument.
func (c *codegen) comprehension(gens []Comprehension, i int, fromArg bool, elt func()) {
	g := gens[i]
	top, end := c.newLabel(), c.newLabel()
	if i == 0 && fromArg {
		c.emit(bytecode.LoadFast, 0)
	} else {
		c.expr(g.Iter)
		c.emit(bytecode.GetIter, 0)
	}
	c.bind(top)
	c.emitJump(bytecode.ForIter, end)
	c.store(g.Target)
	for _, cond := range g.Ifs {
		c.jumpIf(cond, false, top)
	}
	if i+1 < len(gens) {
		c.comprehension(gens, i+1, fromArg, elt)
	} else {
		elt()
	}
	c.emitJump(bytecode.JumpAbsolute, top)
	c.bind(end)
}

func (c *codegen) genexp(e *GeneratorExp) {
	scope := c.table.ScopeOf(e)
	qualname := "<genexpr>"
	if c.u.scope.Function {
		qualname = c.u.qualname + ".<locals>.<genexpr>"
	}
	code := c.nested(e, scope, "<genexpr>", qualname, func(cc *bytecode.Code) {
		cc.ArgCount = 1
	}, func() {
		c.comprehension(e.Generators, 0, true, func() {
			c.expr(e.Elt)
			c.emit(bytecode.YieldValue, 0)
			c.emit(bytecode.PopTop, 0)
		})
	})
	c.makeClosure(code, qualname, 0)
	c.expr(e.Generators[0].Iter)
	c.emit(bytecode.GetIter, 0)
	c.emit(bytecode.CallFunction, 1)
}

// ---------------------------------------------------------------------------
// Constants
// ---------------------------------------------------------------------------

// constantOf returns the constant value of a literal. Only literals, tuples
// of literals and negated numbers fold; operators are left to run time.
func constantOf(e Expr) (bytecode.Constant, bool) {
	switch e := e.(type) {
	case *IntLit:
		return bytecode.BigIntConst(e.Value), true
	case *FloatLit:
		return bytecode.FloatConst(e.Value), true
	case *StrLit:
		return bytecode.StrConst(e.Value), true
	case *NoneLit:
		return bytecode.NoneConst(), true
	case *BoolLit:
		return bytecode.BoolConst(e.Value), true
	case *UnaryOp:
		if e.Op != "-" {
			break
		}
		switch x := e.X.(type) {
		case *IntLit:
			return bytecode.BigIntConst(new(big.Int).Neg(x.Value)), true
		case *FloatLit:
			return bytecode.FloatConst(-x.Value), true
		}
	case *TupleExpr:
		if len(e.Elts) == 0 {
			return bytecode.TupleConst(), true
		}
		items := make([]bytecode.Constant, len(e.Elts))
		for i, el := range e.Elts {
			k, ok := constantOf(el)
			if !ok {
				return bytecode.Constant{}, false
			}
			items[i] = k
		}
		return bytecode.TupleConst(items...), true
	}
	return bytecode.Constant{}, false
}

func isConstant(e Expr) bool {
	_, ok := constantOf(e)
	return ok
}

func isTrueConstant(e Expr) bool {
	k, ok := constantOf(e)
	if !ok {
		return false
	}
	switch k.Kind {
	case bytecode.ConstBool:
		return k.Bool
	case bytecode.ConstInt:
		return k.Int != 0
	case bytecode.ConstBigInt:
		return true
	}
	return false
}
