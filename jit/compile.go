package jit

import (
	"fmt"
	"sync"

	"github.com/chazu/kestrel/jit/il"
	"github.com/chazu/kestrel/object"
	"github.com/chazu/kestrel/pkg/bytecode"
	"github.com/chazu/kestrel/vm"
)

// settings is the snapshot of runtime switches a compilation runs under.
type settings struct {
	level     int
	pgc       bool
	tracing   bool
	profiling bool
	graphs    bool
	policy    Policy
	maxSize   int
	gen       uint64
}

func (s settings) enabled(o Optimization) bool { return s.policy.Enabled(o, s.level) }

// compile generates a method for rec's code. Failures are *CompileError.
func compile(rec *Record, s settings) (c *compiled, err error) {
	code := rec.Code
	dec, err := bytecode.Decode(code)
	if err != nil {
		return nil, &CompileError{Code: code.Name, Result: ResultInvalidBytecode, Offset: -1, Err: err}
	}

	var (
		mono    map[int]Signature
		version uint64
	)
	if s.pgc {
		mono, version = rec.profile.monomorphic()
	}

	defer func() {
		if p := recover(); p != nil {
			c, err = nil, &CompileError{Code: code.Name, Result: ResultInternal, Offset: -1, Err: fmt.Errorf("%v", p)}
		}
	}()

	g := newCodegen(code, dec, s, mono)
	m, err := g.generate()
	if err != nil {
		return nil, err
	}
	if s.maxSize > 0 && len(m.Instrs) > s.maxSize {
		return nil, &CompileError{Code: code.Name, Result: ResultTooLarge, Offset: -1,
			Err: fmt.Errorf("%d instructions exceed the limit of %d", len(m.Instrs), s.maxSize)}
	}
	c = &compiled{method: m, level: s.level, pgc: s.pgc, settings: s.gen, version: version}
	if s.graphs {
		c.graph = buildGraph(dec)
	}
	return c, nil
}

// ---------------------------------------------------------------------------
// Abstract interpretation state
// ---------------------------------------------------------------------------

// absValue is what the generator knows about an operand slot or a local.
// Knowledge is dropped at every block boundary.
type absValue struct {
	shape object.Shape
	konst int // Constant pool index, -1 when not a constant
	bound bool
}

var unknown = absValue{konst: -1}

type clauseKey struct {
	target, level, depth int
}

type codegen struct {
	s      settings
	code   *bytecode.Code
	dec    *bytecode.Decoded
	b      *il.Builder
	consts []object.Object
	mono   map[int]Signature

	labels   []il.Label
	clauses  map[clauseKey]int
	listIter map[int]bool // FOR_ITER indices iterating a list iterator
	temps    [4]int

	// Resume points by YIELD_VALUE index, numbered from 1, and the labels
	// their resume stubs start at.
	points  map[int]int
	resumes []il.Label

	stack  []absValue
	locals []absValue
}

const (
	tempOld    = iota // Previous value of a local being replaced
	tempUnpack        // Sequence being unpacked
	tempFlag          // Integer result of an inlined identity test
	tempResume        // Resume point of a generator frame
)

func newCodegen(code *bytecode.Code, dec *bytecode.Decoded, s settings, mono map[int]Signature) *codegen {
	nslots := dec.MaxDepth
	if nslots < 1 {
		nslots = 1
	}
	g := &codegen{
		s:        s,
		code:     code,
		dec:      dec,
		b:        il.NewBuilder(code.Name, code, nslots),
		consts:   vm.Consts(code),
		mono:     mono,
		labels:   make([]il.Label, len(dec.Instrs)),
		clauses:  make(map[clauseKey]int),
		listIter: make(map[int]bool),
		temps:    [4]int{-1, -1, -1, -1},
		points:   make(map[int]int),
		locals:   make([]absValue, code.NumLocals()),
	}
	for i := range g.labels {
		g.labels[i] = g.b.NewLabel()
	}
	return g
}

func (g *codegen) generate() (*il.Method, error) {
	b := g.b
	m := b.Method()
	m.Tracing, m.Profiling = g.s.tracing, g.s.profiling
	if g.s.tracing {
		m.RaiseHook = tokTraceException
	}

	b.SetSource(-1)
	b.SetClause(-1)
	b.SetLive(0)
	if g.s.profiling {
		b.EmitCall(tokProfileEntry)
	}
	if g.s.tracing {
		b.EmitCall(tokTraceEntry)
	}
	g.emitResumeDispatch()

	for i := 0; i < len(g.dec.Instrs); i++ {
		in := g.dec.Instrs[i]
		b.Mark(g.labels[i])
		if !g.dec.Reachable(i) {
			continue
		}
		d := g.dec.Depth[i]
		if g.dec.BlockOf(i).First == i {
			g.enterBlock(d)
		}
		g.sync(d)
		b.SetSource(in.Offset)
		b.SetClause(g.clauseFor(i))
		b.SetLive(d)
		if g.s.tracing && in.LineStart {
			b.EmitI4(int32(in.Offset))
			b.EmitCall(tokTraceLine)
		}
		fused, err := g.emit(i, in, d)
		if err != nil {
			return nil, err
		}
		if fused {
			i++
			b.Mark(g.labels[i])
		}
	}
	g.emitResumeStubs()

	m, err := b.Finish()
	if err != nil {
		return nil, &CompileError{Code: g.code.Name, Result: ResultInternal, Offset: -1, Err: err}
	}
	return m, nil
}

func (g *codegen) enterBlock(d int) {
	g.stack = g.stack[:0]
	for k := 0; k < d; k++ {
		g.stack = append(g.stack, unknown)
	}
	for k := range g.locals {
		g.locals[k] = unknown
	}
}

// sync pads or trims the abstract stack to the analyzed depth.
func (g *codegen) sync(d int) {
	for len(g.stack) < d {
		g.stack = append(g.stack, unknown)
	}
	g.stack = g.stack[:d]
}

func (g *codegen) push(v absValue) { g.stack = append(g.stack, v) }

func (g *codegen) pop() absValue {
	v := g.stack[len(g.stack)-1]
	g.stack = g.stack[:len(g.stack)-1]
	return v
}

func (g *codegen) drop(n int) { g.stack = g.stack[:len(g.stack)-n] }

func (g *codegen) top(n int) absValue { return g.stack[len(g.stack)-n] }

// clauseFor returns the exception clause protecting instruction i, or -1.
func (g *codegen) clauseFor(i int) int {
	h, ok := g.dec.Handler(i)
	if !ok {
		return -1
	}
	depth := 0
	hs := g.dec.Handlers[i]
	for _, e := range hs {
		if e == h {
			break
		}
		if e.Kind == bytecode.BlockExceptHandler {
			depth++
		}
	}
	key := clauseKey{target: h.Target, level: h.Level, depth: depth}
	if idx, ok := g.clauses[key]; ok {
		return idx
	}
	t, ok := g.dec.Index(h.Target)
	if !ok {
		panic(fmt.Sprintf("handler target %d is not an instruction", h.Target))
	}
	idx := g.b.AddClause(il.Clause{Level: h.Level, ExceptDepth: depth})
	g.b.SetClauseHandler(idx, g.labels[t])
	g.clauses[key] = idx
	return idx
}

func (g *codegen) temp(k int) int {
	if g.temps[k] < 0 {
		g.temps[k] = g.b.NewTemp()
	}
	return g.temps[k]
}

// ---------------------------------------------------------------------------
// Emission primitives
// ---------------------------------------------------------------------------

func (g *codegen) load(d int)  { g.b.EmitLoad(g.b.Slot(d)) }
func (g *codegen) store(d int) { g.b.EmitStore(g.b.Slot(d)) }

func (g *codegen) loadRange(from, to int) {
	for k := from; k < to; k++ {
		g.load(k)
	}
}

// increfTo stores a new reference to the top of the evaluation stack in
// slot d.
func (g *codegen) increfTo(d int) {
	g.b.Emit(il.Dup)
	g.b.Emit(il.RcInc)
	g.store(d)
}

// decref releases the reference on top of the evaluation stack.
func (g *codegen) decref() {
	b := g.b
	if !g.s.enabled(OptInlineDecref) {
		b.EmitCall(tokDecref)
		return
	}
	alive, done := b.NewLabel(), b.NewLabel()
	b.Emit(il.Dup)
	b.Emit(il.RcDec)
	b.EmitBranch(il.Brtrue, alive)
	b.EmitCall(tokDealloc)
	b.EmitBranch(il.Br, done)
	b.Mark(alive)
	b.Emit(il.Pop)
	b.Mark(done)
}

func (g *codegen) decrefSlot(d int) {
	g.load(d)
	g.decref()
}

// probe records the shapes of the n operands below depth d.
func (g *codegen) probe(n, d int) {
	if !g.s.pgc {
		return
	}
	g.loadRange(d-n, d)
	g.b.EmitI4(int32(n))
	g.b.EmitCall(tokProbe)
}

// shapes returns the shapes of the n operands on top of the abstract stack,
// filling unknown ones from a monomorphic profile site at offset.
func (g *codegen) shapes(offset, n int) []object.Shape {
	out := make([]object.Shape, n)
	for k := range out {
		out[k] = g.stack[len(g.stack)-n+k].shape
	}
	if sig, ok := g.mono[offset]; ok && sig.Len() == n {
		for k := range out {
			if out[k] == object.ShapeUnknown {
				out[k] = sig.At(k)
			}
		}
	}
	return out
}

func (g *codegen) constValue(k int) absValue {
	return absValue{shape: object.ShapeOf(g.consts[k]), konst: k}
}

// fusible reports whether instruction i+1 can be folded into i.
func (g *codegen) fusible(i int, ops ...bytecode.Opcode) bool {
	if i+1 >= len(g.dec.Instrs) {
		return false
	}
	next := g.dec.Instrs[i+1]
	if next.JumpTarget || next.LineStart || g.dec.BlockOf(i+1).First == i+1 {
		return false
	}
	for _, op := range ops {
		if next.Op == op {
			return true
		}
	}
	return false
}

func (g *codegen) jumpLabel(in bytecode.Instr) il.Label {
	t, ok := g.dec.Index(in.Target())
	if !ok {
		panic(fmt.Sprintf("jump at %d to %d is not an instruction", in.Offset, in.Target()))
	}
	return g.labels[t]
}

// ---------------------------------------------------------------------------
// Per-instruction lowering
// ---------------------------------------------------------------------------

// emit lowers instruction i at stack depth d. It reports whether the
// following instruction was fused into it.
func (g *codegen) emit(i int, in bytecode.Instr, d int) (bool, error) {
	b := g.b
	switch op := in.Op; op {
	case bytecode.Nop, bytecode.SetupFinally, bytecode.PopBlock:

	case bytecode.PopTop:
		b.SetLive(d - 1)
		g.decrefSlot(d - 1)
		g.pop()

	case bytecode.RotTwo:
		g.rotate([]int{1, 0}, d)
	case bytecode.RotThree:
		g.rotate([]int{2, 0, 1}, d)
	case bytecode.RotFour:
		g.rotate([]int{3, 0, 1, 2}, d)

	case bytecode.DupTop:
		g.load(d - 1)
		g.increfTo(d)
		g.push(g.top(1))

	case bytecode.DupTopTwo:
		g.load(d - 2)
		g.increfTo(d)
		g.load(d - 1)
		g.increfTo(d + 1)
		x, y := g.top(2), g.top(1)
		g.push(x)
		g.push(y)

	case bytecode.UnaryPositive, bytecode.UnaryNegative, bytecode.UnaryNot, bytecode.UnaryInvert:
		b.SetLive(d - 1)
		g.load(d - 1)
		b.EmitCall(unaryTokens[op])
		g.store(d - 1)
		g.pop()
		if op == bytecode.UnaryNot {
			g.push(absValue{shape: object.ShapeBool, konst: -1})
		} else {
			g.push(unknown)
		}

	case bytecode.BinarySubscr:
		g.emitSubscr(in, d)

	case bytecode.StoreSubscr:
		g.emitStoreSubscr(in, d)

	case bytecode.DeleteSubscr:
		b.SetLive(d - 2)
		g.loadRange(d-2, d)
		b.EmitCall(tokDeleteSubscr)
		g.drop(2)

	case bytecode.GetIter:
		g.probe(1, d)
		tok := tokGetIter
		if g.shapes(in.Offset, 1)[0] == object.ShapeList && g.s.enabled(OptListIter) {
			tok = tokGetIterList
			if i+1 < len(g.dec.Instrs) && g.dec.Instrs[i+1].Op == bytecode.ForIter {
				g.listIter[i+1] = true
			}
		}
		b.SetLive(d - 1)
		g.load(d - 1)
		b.EmitCall(tok)
		g.store(d - 1)
		g.pop()
		g.push(unknown)

	case bytecode.ForIter:
		tok := tokIterNext
		if g.listIter[i] {
			tok = tokIterNextList
		}
		got := b.NewLabel()
		g.load(d - 1)
		b.EmitCall(tok)
		b.Emit(il.Dup)
		b.EmitBranch(il.Brtrue, got)
		b.Emit(il.Pop)
		b.SetLive(d - 1)
		g.decrefSlot(d - 1)
		b.EmitBranch(il.Br, g.jumpLabel(in))
		b.SetLive(d)
		b.Mark(got)
		g.store(d)
		g.push(unknown)

	case bytecode.Reraise:
		b.SetLive(d - 1)
		g.load(d - 1)
		b.EmitCall(tokReraise)
		g.pop()

	case bytecode.LoadAssertionError:
		b.EmitField(b.AddObject(object.AssertionErrorType))
		g.increfTo(d)
		g.push(unknown)

	case bytecode.ListToTuple:
		b.SetLive(d - 1)
		g.load(d - 1)
		b.EmitCall(tokListToTuple)
		g.store(d - 1)
		g.pop()
		g.push(absValue{shape: object.ShapeTuple, konst: -1})

	case bytecode.YieldValue:
		g.emitYield(i, d)

	case bytecode.ReturnValue:
		g.emitReturn(d)

	case bytecode.PopExcept:
		b.EmitCall(tokPopExcept)

	case bytecode.UnpackSequence:
		g.emitUnpack(in, d)

	case bytecode.StoreGlobal:
		b.SetLive(d - 1)
		g.load(d - 1)
		b.EmitI4(int32(in.Arg))
		b.EmitCall(tokStoreGlobal)
		g.pop()

	case bytecode.DeleteGlobal:
		b.EmitI4(int32(in.Arg))
		b.EmitCall(tokDeleteGlobal)

	case bytecode.LoadConst:
		b.EmitField(b.AddObject(g.consts[in.Arg]))
		g.increfTo(d)
		g.push(g.constValue(in.Arg))

	case bytecode.BuildTuple, bytecode.BuildList:
		n := in.Arg
		tok, shape := tokBuildTuple, object.ShapeTuple
		if op == bytecode.BuildList {
			tok, shape = tokBuildList, object.ShapeList
		}
		b.SetLive(d - n)
		g.loadRange(d-n, d)
		b.EmitI4(int32(n))
		b.EmitCall(tok)
		g.store(d - n)
		g.drop(n)
		g.push(absValue{shape: shape, konst: -1})

	case bytecode.BuildMap:
		n := 2 * in.Arg
		b.SetLive(d - n)
		g.loadRange(d-n, d)
		b.EmitI4(int32(n))
		b.EmitCall(tokBuildMap)
		g.store(d - n)
		g.drop(n)
		g.push(absValue{shape: object.ShapeDict, konst: -1})

	case bytecode.LoadAttr:
		g.probe(1, d)
		b.SetLive(d - 1)
		g.load(d - 1)
		b.EmitI4(int32(in.Arg))
		b.EmitCall(tokLoadAttr)
		g.store(d - 1)
		g.pop()
		g.push(unknown)

	case bytecode.CompareOp:
		return g.emitCompare(i, in, d), nil

	case bytecode.IsOp:
		g.emitIs(in, d)

	case bytecode.ContainsOp:
		b.SetLive(d - 2)
		g.loadRange(d-2, d)
		b.EmitI4(int32(in.Arg))
		b.EmitCall(tokContains)
		g.store(d - 2)
		g.drop(2)
		g.push(absValue{shape: object.ShapeBool, konst: -1})

	case bytecode.JumpForward:
		b.EmitBranch(il.Br, g.jumpLabel(in))

	case bytecode.JumpAbsolute:
		if in.Target() <= in.Offset {
			b.EmitCall(tokPendingCalls)
		}
		b.EmitBranch(il.Br, g.jumpLabel(in))

	case bytecode.PopJumpIfFalse, bytecode.PopJumpIfTrue:
		b.SetLive(d - 1)
		g.load(d - 1)
		b.EmitCall(tokIsTrue)
		br := il.Brfalse
		if op == bytecode.PopJumpIfTrue {
			br = il.Brtrue
		}
		b.EmitBranch(br, g.jumpLabel(in))
		g.pop()

	case bytecode.JumpIfFalseOrPop, bytecode.JumpIfTrueOrPop:
		g.load(d - 1)
		b.EmitCall(tokIsTrueBorrow)
		br := il.Brfalse
		if op == bytecode.JumpIfTrueOrPop {
			br = il.Brtrue
		}
		b.EmitBranch(br, g.jumpLabel(in))
		b.SetLive(d - 1)
		g.decrefSlot(d - 1)
		g.pop()

	case bytecode.JumpIfNotExcMatch:
		b.SetLive(d - 2)
		g.loadRange(d-2, d)
		b.EmitCall(tokExcMatches)
		b.EmitBranch(il.Brfalse, g.jumpLabel(in))
		g.drop(2)

	case bytecode.LoadGlobal:
		if g.s.enabled(OptHashedNames) {
			key := internName(g.code.Names[in.Arg])
			h, err := object.Hash(key)
			if err != nil {
				return false, &CompileError{Code: g.code.Name, Result: ResultInternal, Offset: in.Offset, Err: err}
			}
			b.EmitField(b.AddObject(key))
			b.EmitI8(int64(h))
			b.EmitCall(tokLoadGlobalHash)
		} else {
			b.EmitI4(int32(in.Arg))
			b.EmitCall(tokLoadGlobal)
		}
		g.store(d)
		g.push(unknown)

	case bytecode.LoadFast:
		g.loadLocal(in.Arg)
		g.increfTo(d)
		v := g.locals[in.Arg]
		v.bound = false
		g.push(v)

	case bytecode.StoreFast:
		g.emitStoreFast(in.Arg, d)

	case bytecode.DeleteFast:
		g.loadLocal(in.Arg)
		b.Emit(il.Ldnull)
		b.EmitStore(in.Arg)
		g.decref()
		g.locals[in.Arg] = unknown

	case bytecode.RaiseVarargs:
		switch in.Arg {
		case 0:
			b.EmitCall(tokReraiseHandled)
		case 1:
			b.SetLive(d - 1)
			g.load(d - 1)
			b.Emit(il.Ldnull)
			b.EmitCall(tokRaise)
		case 2:
			b.SetLive(d - 2)
			g.loadRange(d-2, d)
			b.EmitCall(tokRaise)
		default:
			return false, &CompileError{Code: g.code.Name, Result: ResultInvalidBytecode, Offset: in.Offset,
				Err: fmt.Errorf("RAISE_VARARGS with %d operands", in.Arg)}
		}
		g.drop(in.Arg)

	case bytecode.CallFunction:
		g.emitCall(tokCall, in.Arg+1, d)

	case bytecode.CallFunctionKw:
		g.emitCall(tokCallKw, in.Arg+2, d)

	case bytecode.CallFunctionEx:
		n := 2
		if in.Arg&1 != 0 {
			n = 3
		}
		base := d - n
		b.SetLive(base)
		g.loadRange(base, d)
		if n == 2 {
			b.Emit(il.Ldnull)
		}
		b.EmitCall(tokCallEx)
		g.store(base)
		g.drop(n)
		g.push(unknown)

	case bytecode.MakeFunction:
		g.emitMakeFunction(in.Arg, d)

	case bytecode.BuildSlice:
		return g.emitBuildSlice(i, in, d), nil

	case bytecode.LoadClosure, bytecode.LoadDeref:
		tok := tokLoadClosure
		if op == bytecode.LoadDeref {
			tok = tokLoadDeref
		}
		b.EmitI4(int32(in.Arg))
		b.EmitCall(tok)
		g.store(d)
		g.push(unknown)

	case bytecode.StoreDeref:
		b.SetLive(d - 1)
		g.load(d - 1)
		b.EmitI4(int32(in.Arg))
		b.EmitCall(tokStoreDeref)
		g.pop()

	case bytecode.ListAppend, bytecode.ListExtend, bytecode.DictMerge, bytecode.DictUpdate:
		tok := map[bytecode.Opcode]il.Token{
			bytecode.ListAppend: tokListAppend,
			bytecode.ListExtend: tokListExtend,
			bytecode.DictMerge:  tokDictMerge,
			bytecode.DictUpdate: tokDictUpdate,
		}[op]
		b.SetLive(d - 1)
		g.load(d - 1 - in.Arg)
		g.load(d - 1)
		b.EmitCall(tok)
		g.pop()

	default:
		if binop, inplace, ok := vm.BinaryOpOf(op); ok {
			g.emitBinary(in, binop, inplace, d)
			return false, nil
		}
		return false, &CompileError{Code: g.code.Name, Result: ResultUnsupportedOpcode, Offset: in.Offset,
			Err: fmt.Errorf("opcode %s", op)}
	}
	return false, nil
}

// rotate permutes the top len(src) slots: new slot k takes old slot src[k],
// counted from the bottom of the rotated window.
func (g *codegen) rotate(src []int, d int) {
	n := len(src)
	base := d - n
	for _, s := range src {
		g.load(base + s)
	}
	for k := n - 1; k >= 0; k-- {
		g.store(base + k)
	}
	old := append([]absValue(nil), g.stack[len(g.stack)-n:]...)
	for k, s := range src {
		g.stack[len(g.stack)-n+k] = old[s]
	}
}

// loadLocal pushes local i, raising UnboundLocalError when it is unset.
func (g *codegen) loadLocal(i int) {
	b := g.b
	b.EmitLoad(i)
	if g.locals[i].bound {
		return
	}
	ok := b.NewLabel()
	b.Emit(il.Dup)
	b.EmitBranch(il.Brtrue, ok)
	b.Emit(il.Pop)
	b.EmitI4(int32(i))
	b.EmitCall(tokUnboundLocal)
	b.Mark(ok)
	g.locals[i].bound = true
}

func (g *codegen) emitStoreFast(i, d int) {
	b := g.b
	b.SetLive(d - 1)
	wasBound := g.locals[i].bound
	t := g.temp(tempOld)
	b.EmitLoad(i)
	b.EmitStore(t)
	g.load(d - 1)
	b.EmitStore(i)
	skip := b.NewLabel()
	if !wasBound {
		b.EmitLoad(t)
		b.EmitBranch(il.Brfalse, skip)
	}
	b.EmitLoad(t)
	g.decref()
	b.Mark(skip)
	v := g.pop()
	v.bound = true
	g.locals[i] = v
}

func (g *codegen) emitReturn(d int) {
	b := g.b
	b.SetLive(d - 1)
	for k := 0; k < d-1; k++ {
		g.decrefSlot(k)
	}
	if d > 1 {
		g.load(d - 1)
		g.store(0)
	}
	b.SetClause(-1)
	b.SetLive(1)
	if g.s.tracing {
		g.load(0)
		b.EmitCall(tokTraceExit)
	}
	if g.s.profiling {
		g.load(0)
		b.EmitCall(tokProfileExit)
	}
	g.load(0)
	b.Emit(il.Ret)
	g.sync(0)
}

// ---------------------------------------------------------------------------
// Generators
// ---------------------------------------------------------------------------

// emitResumeDispatch branches a resumed generator frame to the stub of the
// yield it suspended at. Fresh frames fall through to the first instruction.
func (g *codegen) emitResumeDispatch() {
	for _, i := range g.dec.Yields {
		if g.dec.Reachable(i) {
			g.points[i] = len(g.resumes) + 1
			g.resumes = append(g.resumes, g.b.NewLabel())
		}
	}
	if len(g.resumes) == 0 {
		return
	}
	b := g.b
	t := g.temp(tempResume)
	b.EmitCall(tokResumePoint)
	b.EmitStore(t)
	for k, l := range g.resumes {
		b.EmitLoad(t)
		b.EmitI4(int32(k + 1))
		b.Emit(il.Ceq)
		b.EmitBranch(il.Brtrue, l)
	}
}

// emitYield suspends the frame at instruction i. The values below the
// yielded one are saved on the frame's operand stack; the yielded value
// leaves the method like a return value.
func (g *codegen) emitYield(i, d int) {
	b := g.b
	b.SetLive(d)
	b.EmitI4(int32(g.points[i]))
	g.loadRange(0, d-1)
	b.EmitI4(int32(d))
	b.EmitCall(tokYield)
	if d > 1 {
		g.load(d - 1)
		g.store(0)
	}
	b.SetClause(-1)
	b.SetLive(1)
	if g.s.tracing {
		g.load(0)
		b.EmitCall(tokTraceYield)
	}
	if g.s.profiling {
		g.load(0)
		b.EmitCall(tokProfileYield)
	}
	g.load(0)
	b.Emit(il.Ret)
	// The instruction after the yield is reached from its resume stub.
	g.enterBlock(d)
}

// emitResumeStubs emits, for every resume point, the code that restores
// the saved operand stack, pushes the value of the yield expression and
// continues after the yield.
func (g *codegen) emitResumeStubs() {
	b := g.b
	for _, i := range g.dec.Yields {
		point, ok := g.points[i]
		if !ok {
			continue
		}
		if i+1 >= len(g.labels) {
			panic(fmt.Sprintf("yield at %d ends the code", g.dec.Instrs[i].Offset))
		}
		d := g.dec.Depth[i]
		b.Mark(g.resumes[point-1])
		b.SetSource(g.dec.Instrs[i].Offset)
		b.SetClause(-1)
		b.SetLive(0)
		for k := d - 2; k >= 0; k-- {
			b.EmitCall(tokResumeSlot)
			g.store(k)
		}
		b.SetLive(d - 1)
		b.EmitField(b.AddObject(object.None))
		g.increfTo(d - 1)
		b.EmitBranch(il.Br, g.labels[i+1])
	}
}

func (g *codegen) emitCall(tok il.Token, n, d int) {
	base := d - n
	g.b.SetLive(base)
	g.loadRange(base, d)
	g.b.EmitI4(int32(n))
	g.b.EmitCall(tok)
	g.store(base)
	g.drop(n)
	g.push(unknown)
}

func (g *codegen) emitMakeFunction(flags, d int) {
	b := g.b
	bits := []int{
		bytecode.MakeFunctionDefaults,
		bytecode.MakeFunctionKwDefaults,
		bytecode.MakeFunctionAnnotation,
		bytecode.MakeFunctionClosure,
	}
	extra := 0
	for _, bit := range bits {
		if flags&bit != 0 {
			extra++
		}
	}
	base := d - 2 - extra
	b.SetLive(base)
	next := base
	for _, bit := range bits {
		if flags&bit != 0 {
			g.load(next)
			next++
		} else {
			b.Emit(il.Ldnull)
		}
	}
	g.load(d - 2)
	g.load(d - 1)
	b.EmitCall(tokMakeFunction)
	g.store(base)
	g.drop(2 + extra)
	g.push(absValue{shape: object.ShapeCallable, konst: -1})
}

// ---------------------------------------------------------------------------
// Specialized operations
// ---------------------------------------------------------------------------

func (g *codegen) emitBinary(in bytecode.Instr, op object.BinaryOp, inplace bool, d int) {
	b := g.b
	g.probe(2, d)
	sh := g.shapes(in.Offset, 2)
	h := binaryTokens[op]
	tok := h.generic
	if inplace {
		tok = h.inplace
	}
	result := unknown
	switch {
	case sh[0] == object.ShapeSmallInt && sh[1] == object.ShapeSmallInt && g.s.enabled(OptIntArithmetic):
		tok = h.intOp
		if inplace {
			tok = h.intInplace
		}
		if op == object.OpTrueDiv {
			result.shape = object.ShapeFloat
		}
	case sh[0] == object.ShapeFloat && sh[1] == object.ShapeFloat && h.floatOp != 0 && g.s.enabled(OptFloatArithmetic):
		tok = h.floatOp
		if inplace {
			tok = h.floatInplace
		}
		result.shape = object.ShapeFloat
	}
	b.SetLive(d - 2)
	g.loadRange(d-2, d)
	b.EmitCall(tok)
	g.store(d - 2)
	g.drop(2)
	g.push(result)
}

func (g *codegen) emitCompare(i int, in bytecode.Instr, d int) bool {
	b := g.b
	cmp := object.CompareOp(in.Arg)
	g.probe(2, d)
	sh := g.shapes(in.Offset, 2)
	ints := sh[0] == object.ShapeSmallInt && sh[1] == object.ShapeSmallInt && g.s.enabled(OptIntCompare)
	h, ok := compareTokens[cmp]
	if !ok {
		ints = false
	}

	b.SetLive(d - 2)
	g.loadRange(d-2, d)
	if g.s.enabled(OptBranchFusion) && g.fusible(i, bytecode.PopJumpIfFalse, bytecode.PopJumpIfTrue) {
		next := g.dec.Instrs[i+1]
		if ints {
			b.EmitCall(h.intBranch)
		} else {
			b.EmitI4(int32(cmp))
			b.EmitCall(tokRichCompareBranch)
		}
		br := il.Brfalse
		if next.Op == bytecode.PopJumpIfTrue {
			br = il.Brtrue
		}
		b.EmitBranch(br, g.jumpLabel(next))
		g.drop(2)
		return true
	}
	if ints {
		b.EmitCall(h.intOp)
	} else {
		b.EmitI4(int32(cmp))
		b.EmitCall(tokRichCompare)
	}
	g.store(d - 2)
	g.drop(2)
	g.push(unknown)
	return false
}

func (g *codegen) emitIs(in bytecode.Instr, d int) {
	b := g.b
	b.SetLive(d - 2)
	if !g.s.enabled(OptInlineIs) {
		g.loadRange(d-2, d)
		b.EmitI4(int32(in.Arg))
		b.EmitCall(tokIs)
	} else {
		t := g.temp(tempFlag)
		g.loadRange(d-2, d)
		b.Emit(il.Ceq)
		if in.Arg == 1 {
			b.EmitI4(0)
			b.Emit(il.Ceq)
		}
		b.EmitStore(t)
		g.decrefSlot(d - 2)
		g.decrefSlot(d - 1)
		b.EmitLoad(t)
		b.EmitCall(tokBoolFromInt)
	}
	g.store(d - 2)
	g.drop(2)
	g.push(absValue{shape: object.ShapeBool, konst: -1})
}

// smallIntConst returns the value of a small integer constant operand.
func (g *codegen) smallIntConst(v absValue) (int64, bool) {
	if v.konst < 0 {
		return 0, false
	}
	k := g.code.Consts[v.konst]
	if k.Kind != bytecode.ConstInt || v.shape != object.ShapeSmallInt {
		return 0, false
	}
	return k.Int, true
}

func (g *codegen) strConst(v absValue) (uint64, bool) {
	if v.konst < 0 || g.code.Consts[v.konst].Kind != bytecode.ConstStr {
		return 0, false
	}
	h, err := object.Hash(g.consts[v.konst])
	return h, err == nil
}

func (g *codegen) emitSubscr(in bytecode.Instr, d int) {
	b := g.b
	g.probe(2, d)
	sh := g.shapes(in.Offset, 2)
	key := g.top(1)

	tok := tokSubscrObj
	var imm int64
	hasImm := false
	if g.s.enabled(OptSubscr) {
		if idx, ok := g.smallIntConst(key); ok {
			hasImm, imm = true, idx
			switch sh[0] {
			case object.ShapeList:
				tok = tokSubscrListIndex
			case object.ShapeTuple:
				tok = tokSubscrTupleIndex
			default:
				tok = tokSubscrObjIndex
			}
		} else if h, ok := g.strConst(key); ok {
			hasImm, imm = true, int64(h)
			tok = tokSubscrDictHash
		} else {
			switch sh[0] {
			case object.ShapeList:
				tok = tokSubscrList
			case object.ShapeTuple:
				tok = tokSubscrTuple
			case object.ShapeDict:
				tok = tokSubscrDict
			}
		}
	}
	b.SetLive(d - 2)
	g.loadRange(d-2, d)
	if hasImm {
		b.EmitI8(imm)
	}
	b.EmitCall(tok)
	g.store(d - 2)
	g.drop(2)
	g.push(unknown)
}

func (g *codegen) emitStoreSubscr(in bytecode.Instr, d int) {
	b := g.b
	g.probe(2, d)
	sh := g.shapes(in.Offset, 2)
	key := g.top(1)

	tok := tokStoreSubscrObj
	var imm int64
	hasImm := false
	if g.s.enabled(OptStoreSubscr) {
		if idx, ok := g.smallIntConst(key); ok {
			hasImm, imm = true, idx
			tok = tokStoreSubscrObjIndex
			if sh[0] == object.ShapeList {
				tok = tokStoreSubscrListIndex
			}
		} else if h, ok := g.strConst(key); ok {
			hasImm, imm = true, int64(h)
			tok = tokStoreSubscrDictHash
		} else {
			switch sh[0] {
			case object.ShapeList:
				tok = tokStoreSubscrList
			case object.ShapeDict:
				tok = tokStoreSubscrDict
			}
		}
	}
	b.SetLive(d - 3)
	g.loadRange(d-3, d)
	if hasImm {
		b.EmitI8(imm)
	}
	b.EmitCall(tok)
	g.drop(3)
}

// sliceBoundOf returns the literal value of a slice bound operand.
func (g *codegen) sliceBoundOf(v absValue) (int64, bool) {
	if v.konst < 0 {
		return 0, false
	}
	switch k := g.code.Consts[v.konst]; k.Kind {
	case bytecode.ConstNone:
		return object.SliceNone, true
	case bytecode.ConstInt:
		if v.shape == object.ShapeSmallInt && k.Int != object.SliceNone {
			return k.Int, true
		}
	}
	return 0, false
}

// emitBuildSlice folds BUILD_SLICE into a following BINARY_SUBSCR when
// every bound is a literal.
func (g *codegen) emitBuildSlice(i int, in bytecode.Instr, d int) bool {
	b := g.b
	argc := in.Arg
	if g.s.enabled(OptSlice) && g.fusible(i, bytecode.BinarySubscr) {
		bounds := []int64{object.SliceNone, object.SliceNone, object.SliceNone}
		literal := true
		for k := 0; k < argc; k++ {
			v, ok := g.sliceBoundOf(g.top(argc - k))
			if !ok {
				literal = false
				break
			}
			bounds[k] = v
		}
		if literal {
			b.SetLive(d - argc)
			for k := d - argc; k < d; k++ {
				g.decrefSlot(k)
			}
			base := d - argc - 1
			b.SetLive(base)
			g.load(base)
			start, stop, step := bounds[0], bounds[1], bounds[2]
			switch {
			case step == -1 && start == object.SliceNone && stop == object.SliceNone:
				b.EmitCall(tokSubscrListSliceReversed)
			case step == object.SliceNone || step == 1:
				b.EmitI8(start)
				b.EmitI8(stop)
				b.EmitCall(tokSubscrListSlice)
			default:
				b.EmitI8(start)
				b.EmitI8(stop)
				b.EmitI8(step)
				b.EmitCall(tokSubscrListSliceStepped)
			}
			g.store(base)
			g.drop(argc)
			container := g.pop()
			g.push(absValue{shape: container.shape, konst: -1})
			return true
		}
	}
	b.SetLive(d - argc)
	g.loadRange(d-argc, d)
	if argc == 2 {
		b.Emit(il.Ldnull)
	}
	b.EmitCall(tokBuildSlice)
	g.store(d - argc)
	g.drop(argc)
	g.push(unknown)
	return false
}

func (g *codegen) emitUnpack(in bytecode.Instr, d int) {
	b := g.b
	n := in.Arg
	g.probe(1, d)
	tok := tokUnpack
	if g.s.enabled(OptUnpack) {
		switch g.shapes(in.Offset, 1)[0] {
		case object.ShapeList:
			tok = tokUnpackList
		case object.ShapeTuple:
			tok = tokUnpackTuple
		}
	}
	b.SetLive(d - 1)
	g.load(d - 1)
	b.EmitI4(int32(n))
	b.EmitCall(tok)
	t := g.temp(tempUnpack)
	b.EmitStore(t)
	for k := n - 1; k >= 0; k-- {
		b.EmitLoad(t)
		b.EmitI4(int32(k))
		b.EmitCall(tokUnpackItem)
		g.store(d - 1 + n - 1 - k)
	}
	b.EmitLoad(t)
	g.decref()
	g.pop()
	for k := 0; k < n; k++ {
		g.push(unknown)
	}
}

// ---------------------------------------------------------------------------
// Interned global names
// ---------------------------------------------------------------------------

var interned sync.Map // string -> *object.Str

// internName returns the shared immortal string for a global name.
func internName(name string) object.Object {
	if v, ok := interned.Load(name); ok {
		return v.(object.Object)
	}
	v, _ := interned.LoadOrStore(name, object.Immortalize(object.NewStr(name)))
	return v.(object.Object)
}
