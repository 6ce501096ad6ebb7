package compiler

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Parser: Recursive descent parser for Python-subset syntax
// ---------------------------------------------------------------------------

// SyntaxError reports malformed or unsupported source.
type SyntaxError struct {
	Filename string
	Pos      Position
	Msg      string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("%s:%d:%d: SyntaxError: %s", e.Filename, e.Pos.Line, e.Pos.Column, e.Msg)
}

// bailout unwinds the parser after the first error.
type bailout struct{}

// Parser parses source code into an AST.
type Parser struct {
	tokens   []Token
	pos      int
	filename string
	err      *SyntaxError
}

// NewParser creates a new parser for the given input.
func NewParser(input, filename string) *Parser {
	return &Parser{
		tokens:   Tokenize(input),
		filename: filename,
	}
}

func (p *Parser) cur() Token { return p.tokens[p.pos] }

func (p *Parser) peekTok() Token {
	if p.pos+1 < len(p.tokens) {
		return p.tokens[p.pos+1]
	}
	return p.tokens[len(p.tokens)-1]
}

func (p *Parser) next() Token {
	tok := p.tokens[p.pos]
	if tok.Type == TokenError {
		p.errorAt(tok.Pos, "%s", tok.Literal)
	}
	if p.pos < len(p.tokens)-1 {
		p.pos++
	}
	return tok
}

func (p *Parser) curIs(t TokenType) bool { return p.cur().Type == t }

func (p *Parser) isOp(lit string) bool {
	tok := p.cur()
	return (tok.Type == TokenOp || tok.Type == TokenAugAssign) && tok.Literal == lit
}

func (p *Parser) isKw(lit string) bool { return p.cur().Is(TokenKeyword, lit) }

// expect consumes a token of type t or reports an error.
func (p *Parser) expect(t TokenType) Token {
	if !p.curIs(t) {
		p.unexpected("expected %s", t)
	}
	return p.next()
}

func (p *Parser) expectKw(lit string) {
	if !p.isKw(lit) {
		p.unexpected("expected '%s'", lit)
	}
	p.next()
}

func (p *Parser) unexpected(format string, args ...any) {
	tok := p.cur()
	if tok.Type == TokenError {
		p.errorAt(tok.Pos, "%s", tok.Literal)
	}
	msg := fmt.Sprintf(format, args...)
	switch tok.Type {
	case TokenEOF:
		msg += ", got end of input"
	case TokenNewline:
		msg += ", got end of line"
	case TokenIndent:
		msg = "unexpected indent"
	case TokenDedent:
		msg += ", got dedent"
	default:
		msg += fmt.Sprintf(", got %q", tok.Literal)
	}
	p.errorAt(tok.Pos, "%s", msg)
}

// errorAt records a parse error and unwinds.
func (p *Parser) errorAt(pos Position, format string, args ...any) {
	p.err = &SyntaxError{Filename: p.filename, Pos: pos, Msg: fmt.Sprintf(format, args...)}
	panic(bailout{})
}

// ---------------------------------------------------------------------------
// Top-level parsing
// ---------------------------------------------------------------------------

// ParseModule parses a whole source file.
func (p *Parser) ParseModule() (mod *Module, err error) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(bailout); !ok {
				panic(r)
			}
			mod, err = nil, p.err
		}
	}()
	mod = &Module{}
	for !p.curIs(TokenEOF) {
		if p.curIs(TokenNewline) {
			p.next()
			continue
		}
		mod.Body = append(mod.Body, p.parseStatement()...)
	}
	return mod, nil
}

// ParseExpression parses a single expression, such as an LSP hover target.
func (p *Parser) ParseExpression() (expr Expr, err error) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(bailout); !ok {
				panic(r)
			}
			expr, err = nil, p.err
		}
	}()
	expr = p.parseTestList()
	for p.curIs(TokenNewline) {
		p.next()
	}
	if !p.curIs(TokenEOF) {
		p.unexpected("expected end of expression")
	}
	return expr, nil
}

func (p *Parser) parseStatement() []Stmt {
	tok := p.cur()
	if tok.Type == TokenIndent {
		p.unexpected("unexpected indent")
	}
	if tok.Type == TokenKeyword {
		switch tok.Literal {
		case "if":
			return []Stmt{p.parseIf()}
		case "while":
			return []Stmt{p.parseWhile()}
		case "for":
			return []Stmt{p.parseFor()}
		case "try":
			return []Stmt{p.parseTry()}
		case "def":
			return []Stmt{p.parseDef()}
		case "class", "with", "async", "import", "from", "await":
			p.errorAt(tok.Pos, "'%s' statements are not supported", tok.Literal)
		}
	}
	if p.isOp("@") {
		p.errorAt(tok.Pos, "decorators are not supported")
	}
	return p.parseSimpleStatements()
}

// parseSimpleStatements parses small statements separated by semicolons up
// to the end of the line.
func (p *Parser) parseSimpleStatements() []Stmt {
	var stmts []Stmt
	for {
		stmts = append(stmts, p.parseSmallStatement())
		if !p.curIs(TokenSemi) {
			break
		}
		p.next()
		if p.curIs(TokenNewline) || p.curIs(TokenEOF) {
			break
		}
	}
	if p.curIs(TokenEOF) {
		return stmts
	}
	p.expect(TokenNewline)
	return stmts
}

func (p *Parser) parseSmallStatement() Stmt {
	tok := p.cur()
	if tok.Type == TokenKeyword {
		switch tok.Literal {
		case "pass":
			p.next()
			return &Pass{at{tok.Pos}}
		case "break":
			p.next()
			return &Break{at{tok.Pos}}
		case "continue":
			p.next()
			return &Continue{at{tok.Pos}}
		case "return":
			p.next()
			ret := &Return{at: at{tok.Pos}}
			if !p.atStatementEnd() {
				ret.Value = p.parseTestListStar()
			}
			return ret
		case "raise":
			p.next()
			r := &Raise{at: at{tok.Pos}}
			if !p.atStatementEnd() {
				r.Exc = p.parseTest()
				if p.isKw("from") {
					p.next()
					r.Cause = p.parseTest()
				}
			}
			return r
		case "global", "nonlocal":
			p.next()
			names := []string{p.expect(TokenIdentifier).Literal}
			for p.curIs(TokenComma) {
				p.next()
				names = append(names, p.expect(TokenIdentifier).Literal)
			}
			if tok.Literal == "global" {
				return &Global{at{tok.Pos}, names}
			}
			return &Nonlocal{at{tok.Pos}, names}
		case "del":
			p.next()
			targets := p.parseExprListItems()
			for _, t := range targets {
				p.checkDeleteTarget(t)
			}
			return &Delete{at{tok.Pos}, targets}
		case "assert":
			p.next()
			a := &Assert{at: at{tok.Pos}, Test: p.parseTest()}
			if p.curIs(TokenComma) {
				p.next()
				a.Msg = p.parseTest()
			}
			return a
		}
	}
	return p.parseExprStatement()
}

func (p *Parser) atStatementEnd() bool {
	return p.curIs(TokenNewline) || p.curIs(TokenSemi) || p.curIs(TokenEOF)
}

func (p *Parser) parseExprStatement() Stmt {
	pos := p.cur().Pos
	first := p.parseYieldOrTestListStar()

	if p.curIs(TokenAugAssign) {
		op := strings.TrimSuffix(p.next().Literal, "=")
		switch first.(type) {
		case *Name, *Subscript, *Attribute:
		default:
			p.errorAt(pos, "illegal expression for augmented assignment")
		}
		return &AugAssign{at: at{pos}, Target: first, Op: op, Value: p.parseYieldOrTestList()}
	}

	if p.curIs(TokenColon) {
		// Annotated assignment: the annotation is parsed and dropped.
		if _, ok := first.(*Name); !ok {
			p.errorAt(pos, "only simple names may be annotated")
		}
		p.next()
		p.parseTest()
		if !p.curIs(TokenAssign) {
			return &Pass{at{pos}}
		}
		p.next()
		return &Assign{at: at{pos}, Targets: []Expr{first}, Value: p.parseYieldOrTestList()}
	}

	if !p.curIs(TokenAssign) {
		return &ExprStmt{at{pos}, first}
	}
	var targets []Expr
	value := first
	for p.curIs(TokenAssign) {
		p.next()
		p.checkAssignTarget(value)
		targets = append(targets, value)
		value = p.parseYieldOrTestListStar()
	}
	return &Assign{at: at{pos}, Targets: targets, Value: value}
}

func (p *Parser) checkAssignTarget(e Expr) {
	switch t := e.(type) {
	case *Name, *Subscript, *Attribute:
	case *TupleExpr:
		for _, el := range t.Elts {
			p.checkAssignTarget(el)
		}
	case *ListExpr:
		for _, el := range t.Elts {
			p.checkAssignTarget(el)
		}
	case *Starred:
		p.errorAt(e.Pos(), "starred assignment target is not supported")
	default:
		p.errorAt(e.Pos(), "cannot assign to expression")
	}
}

func (p *Parser) checkDeleteTarget(e Expr) {
	switch t := e.(type) {
	case *Name, *Subscript:
	case *TupleExpr:
		for _, el := range t.Elts {
			p.checkDeleteTarget(el)
		}
	default:
		p.errorAt(e.Pos(), "cannot delete expression")
	}
}

// ---------------------------------------------------------------------------
// Compound statements
// ---------------------------------------------------------------------------

// parseSuite parses the block after a colon.
func (p *Parser) parseSuite() []Stmt {
	p.expect(TokenColon)
	if !p.curIs(TokenNewline) {
		return p.parseSimpleStatements()
	}
	p.next()
	if !p.curIs(TokenIndent) {
		p.unexpected("expected an indented block")
	}
	p.next()
	var body []Stmt
	for !p.curIs(TokenDedent) && !p.curIs(TokenEOF) {
		if p.curIs(TokenNewline) {
			p.next()
			continue
		}
		body = append(body, p.parseStatement()...)
	}
	if p.curIs(TokenDedent) {
		p.next()
	}
	return body
}

func (p *Parser) parseIf() Stmt {
	pos := p.next().Pos // if / elif
	s := &If{at: at{pos}, Test: p.parseNamedTest()}
	s.Body = p.parseSuite()
	switch {
	case p.isKw("elif"):
		s.OrElse = []Stmt{p.parseIf()}
	case p.isKw("else"):
		p.next()
		s.OrElse = p.parseSuite()
	}
	return s
}

func (p *Parser) parseWhile() Stmt {
	pos := p.next().Pos
	s := &While{at: at{pos}, Test: p.parseNamedTest()}
	s.Body = p.parseSuite()
	if p.isKw("else") {
		p.next()
		s.OrElse = p.parseSuite()
	}
	return s
}

func (p *Parser) parseFor() Stmt {
	pos := p.next().Pos
	s := &For{at: at{pos}}
	s.Target = p.parseExprList()
	p.checkAssignTarget(s.Target)
	p.expectKw("in")
	s.Iter = p.parseTestList()
	s.Body = p.parseSuite()
	if p.isKw("else") {
		p.next()
		s.OrElse = p.parseSuite()
	}
	return s
}

func (p *Parser) parseTry() Stmt {
	pos := p.next().Pos
	s := &Try{at: at{pos}}
	s.Body = p.parseSuite()
	for p.isKw("except") {
		h := &ExceptHandler{at: at{p.next().Pos}}
		if !p.curIs(TokenColon) {
			h.Type = p.parseTest()
			if p.isKw("as") {
				p.next()
				h.Name = p.expect(TokenIdentifier).Literal
			}
		}
		h.Body = p.parseSuite()
		if h.Type == nil && p.isKw("except") {
			p.errorAt(h.Pos(), "default 'except:' must be last")
		}
		s.Handlers = append(s.Handlers, h)
	}
	if p.isKw("else") {
		if len(s.Handlers) == 0 {
			p.unexpected("expected 'except' or 'finally' block")
		}
		p.next()
		s.OrElse = p.parseSuite()
	}
	if p.isKw("finally") {
		p.next()
		s.Finalbody = p.parseSuite()
	}
	if len(s.Handlers) == 0 && s.Finalbody == nil {
		p.unexpected("expected 'except' or 'finally' block")
	}
	return s
}

func (p *Parser) parseDef() Stmt {
	pos := p.next().Pos
	name := p.expect(TokenIdentifier).Literal
	p.expect(TokenLParen)
	args := p.parseParams(TokenRParen)
	p.expect(TokenRParen)
	if p.curIs(TokenArrow) {
		p.next()
		p.parseTest()
	}
	return &FunctionDef{at: at{pos}, Name: name, Args: args, Body: p.parseSuite()}
}

// parseParams parses a parameter list up to (not including) end.
func (p *Parser) parseParams(end TokenType) *Arguments {
	args := &Arguments{}
	seen := map[string]bool{}
	kwOnly := false
	sawDefault := false
	add := func(pos Position, name string) {
		if seen[name] {
			p.errorAt(pos, "duplicate argument '%s' in function definition", name)
		}
		seen[name] = true
	}
	for !p.curIs(end) {
		tok := p.cur()
		switch {
		case p.isOp("**"):
			p.next()
			name := p.expect(TokenIdentifier)
			add(name.Pos, name.Literal)
			args.KwArg = name.Literal
			if p.curIs(TokenComma) {
				p.next()
			}
			if !p.curIs(end) {
				p.unexpected("arguments cannot follow **%s", name.Literal)
			}
			return args
		case p.isOp("*"):
			p.next()
			if kwOnly {
				p.errorAt(tok.Pos, "* argument may appear only once")
			}
			kwOnly = true
			if p.curIs(TokenIdentifier) {
				name := p.next()
				add(name.Pos, name.Literal)
				args.VarArg = name.Literal
			}
		case p.isOp("/"):
			p.errorAt(tok.Pos, "positional-only parameters are not supported")
		default:
			name := p.expect(TokenIdentifier)
			add(name.Pos, name.Literal)
			if end == TokenRParen && p.curIs(TokenColon) {
				p.next()
				p.parseTest()
			}
			param := Param{Name: name.Literal}
			if p.curIs(TokenAssign) {
				p.next()
				param.Default = p.parseTest()
			}
			if kwOnly {
				args.KwOnly = append(args.KwOnly, param)
			} else {
				if param.Default != nil {
					sawDefault = true
				} else if sawDefault {
					p.errorAt(name.Pos, "non-default argument follows default argument")
				}
				args.Args = append(args.Args, param)
			}
		}
		if !p.curIs(TokenComma) {
			break
		}
		p.next()
	}
	if kwOnly && args.VarArg == "" && len(args.KwOnly) == 0 {
		p.unexpected("named arguments must follow bare *")
	}
	return args
}

// ---------------------------------------------------------------------------
// Expressions
// ---------------------------------------------------------------------------

// parseNamedTest rejects the walrus operator, which is not supported.
func (p *Parser) parseNamedTest() Expr {
	e := p.parseTest()
	if p.curIs(TokenColon) && p.peekTok().Type == TokenAssign {
		p.errorAt(p.cur().Pos, "assignment expressions are not supported")
	}
	return e
}

func (p *Parser) parseYieldOrTestList() Expr {
	if p.isKw("yield") {
		return p.parseYield()
	}
	return p.parseTestList()
}

func (p *Parser) parseYieldOrTestListStar() Expr {
	if p.isKw("yield") {
		return p.parseYield()
	}
	return p.parseTestListStar()
}

func (p *Parser) parseYield() Expr {
	pos := p.next().Pos
	if p.isKw("from") {
		p.errorAt(p.cur().Pos, "'yield from' is not supported")
	}
	y := &Yield{at: at{pos}}
	if !p.atStatementEnd() && !p.curIs(TokenRParen) && !p.curIs(TokenAssign) {
		y.Value = p.parseTestList()
	}
	return y
}

// parseTestList parses test (',' test)* [','], producing a tuple when a
// comma is present.
func (p *Parser) parseTestList() Expr {
	return p.parseCommaList(p.parseTest)
}

// parseTestListStar also accepts *expr items.
func (p *Parser) parseTestListStar() Expr {
	return p.parseCommaList(p.parseTestOrStar)
}

// parseExprList parses assignment targets for for-loops, stopping at 'in'.
func (p *Parser) parseExprList() Expr {
	return p.parseCommaList(p.parseStarOrBitOr)
}

func (p *Parser) parseExprListItems() []Expr {
	e := p.parseExprList()
	if t, ok := e.(*TupleExpr); ok {
		return t.Elts
	}
	return []Expr{e}
}

func (p *Parser) parseCommaList(item func() Expr) Expr {
	pos := p.cur().Pos
	first := item()
	if !p.curIs(TokenComma) {
		return first
	}
	elts := []Expr{first}
	for p.curIs(TokenComma) {
		p.next()
		if !p.startsExpr() {
			break
		}
		elts = append(elts, item())
	}
	return &TupleExpr{at{pos}, elts}
}

// startsExpr reports whether the current token can begin an expression.
func (p *Parser) startsExpr() bool {
	tok := p.cur()
	switch tok.Type {
	case TokenIdentifier, TokenInteger, TokenFloat, TokenString, TokenLParen, TokenLBracket, TokenLBrace:
		return true
	case TokenOp:
		switch tok.Literal {
		case "-", "+", "~", "*":
			return true
		}
	case TokenKeyword:
		switch tok.Literal {
		case "None", "True", "False", "not", "lambda":
			return true
		}
	}
	return false
}

func (p *Parser) parseTestOrStar() Expr {
	if p.isOp("*") {
		pos := p.next().Pos
		return &Starred{at{pos}, p.parseBitOr()}
	}
	return p.parseTest()
}

func (p *Parser) parseStarOrBitOr() Expr {
	if p.isOp("*") {
		pos := p.next().Pos
		return &Starred{at{pos}, p.parseBitOr()}
	}
	return p.parseBitOr()
}

// parseTest parses a conditional expression or lambda.
func (p *Parser) parseTest() Expr {
	if p.isKw("lambda") {
		return p.parseLambda()
	}
	pos := p.cur().Pos
	body := p.parseOrTest()
	if !p.isKw("if") {
		return body
	}
	p.next()
	test := p.parseOrTest()
	p.expectKw("else")
	return &IfExp{at: at{pos}, Test: test, Body: body, OrElse: p.parseTest()}
}

func (p *Parser) parseLambda() Expr {
	pos := p.next().Pos
	args := p.parseParams(TokenColon)
	p.expect(TokenColon)
	return &Lambda{at: at{pos}, Args: args, Body: p.parseTest()}
}

func (p *Parser) parseOrTest() Expr {
	return p.parseBoolOp("or", p.parseAndTest)
}

func (p *Parser) parseAndTest() Expr {
	return p.parseBoolOp("and", p.parseNotTest)
}

func (p *Parser) parseBoolOp(op string, operand func() Expr) Expr {
	pos := p.cur().Pos
	first := operand()
	if !p.isKw(op) {
		return first
	}
	values := []Expr{first}
	for p.isKw(op) {
		p.next()
		values = append(values, operand())
	}
	return &BoolOp{at: at{pos}, Op: op, Values: values}
}

func (p *Parser) parseNotTest() Expr {
	if p.isKw("not") {
		pos := p.next().Pos
		return &UnaryOp{at: at{pos}, Op: "not", X: p.parseNotTest()}
	}
	return p.parseComparison()
}

func (p *Parser) compareOp() (string, bool) {
	tok := p.cur()
	switch {
	case tok.Type == TokenOp:
		switch tok.Literal {
		case "<", ">", "==", ">=", "<=", "!=":
			p.next()
			return tok.Literal, true
		}
	case tok.Is(TokenKeyword, "in"):
		p.next()
		return "in", true
	case tok.Is(TokenKeyword, "not") && p.peekTok().Is(TokenKeyword, "in"):
		p.next()
		p.next()
		return "not in", true
	case tok.Is(TokenKeyword, "is"):
		p.next()
		if p.isKw("not") {
			p.next()
			return "is not", true
		}
		return "is", true
	}
	return "", false
}

func (p *Parser) parseComparison() Expr {
	pos := p.cur().Pos
	left := p.parseBitOr()
	op, ok := p.compareOp()
	if !ok {
		return left
	}
	c := &Compare{at: at{pos}, Left: left}
	for ok {
		c.Ops = append(c.Ops, op)
		c.Comparators = append(c.Comparators, p.parseBitOr())
		op, ok = p.compareOp()
	}
	return c
}

// binaryLevels lists binary operators from loosest to tightest binding.
var binaryLevels = [][]string{
	{"|"},
	{"^"},
	{"&"},
	{"<<", ">>"},
	{"+", "-"},
	{"*", "/", "//", "%", "@"},
}

func (p *Parser) parseBitOr() Expr { return p.parseBinary(0) }

func (p *Parser) parseBinary(level int) Expr {
	if level == len(binaryLevels) {
		return p.parseFactor()
	}
	pos := p.cur().Pos
	left := p.parseBinary(level + 1)
	for {
		tok := p.cur()
		if tok.Type != TokenOp || !contains(binaryLevels[level], tok.Literal) {
			return left
		}
		if tok.Literal == "@" {
			p.errorAt(tok.Pos, "matrix multiplication is not supported")
		}
		p.next()
		left = &BinOp{at: at{pos}, Op: tok.Literal, Left: left, Right: p.parseBinary(level + 1)}
	}
}

func contains(ops []string, op string) bool {
	for _, o := range ops {
		if o == op {
			return true
		}
	}
	return false
}

func (p *Parser) parseFactor() Expr {
	tok := p.cur()
	if tok.Type == TokenOp && (tok.Literal == "-" || tok.Literal == "+" || tok.Literal == "~") {
		p.next()
		return &UnaryOp{at: at{tok.Pos}, Op: tok.Literal, X: p.parseFactor()}
	}
	return p.parsePower()
}

func (p *Parser) parsePower() Expr {
	pos := p.cur().Pos
	base := p.parseAtomExpr()
	if p.isOp("**") {
		p.next()
		return &BinOp{at: at{pos}, Op: "**", Left: base, Right: p.parseFactor()}
	}
	return base
}

func (p *Parser) parseAtomExpr() Expr {
	e := p.parseAtom()
	for {
		tok := p.cur()
		switch tok.Type {
		case TokenLParen:
			p.next()
			e = p.parseCall(tok.Pos, e)
		case TokenLBracket:
			p.next()
			e = &Subscript{at: at{tok.Pos}, X: e, Index: p.parseSubscriptList()}
			p.expect(TokenRBracket)
		case TokenDot:
			p.next()
			e = &Attribute{at: at{tok.Pos}, X: e, Name: p.expect(TokenIdentifier).Literal}
		default:
			return e
		}
	}
}

func (p *Parser) parseCall(pos Position, fn Expr) Expr {
	call := &Call{at: at{pos}, Func: fn}
	sawKeyword := false
	for !p.curIs(TokenRParen) {
		tok := p.cur()
		switch {
		case p.isOp("**"):
			p.next()
			call.Keywords = append(call.Keywords, Keyword{Value: p.parseTest()})
			sawKeyword = true
		case p.isOp("*"):
			p.next()
			call.Args = append(call.Args, &Starred{at{tok.Pos}, p.parseTest()})
		case tok.Type == TokenIdentifier && p.peekTok().Type == TokenAssign:
			p.next()
			p.next()
			for _, kw := range call.Keywords {
				if kw.Name == tok.Literal {
					p.errorAt(tok.Pos, "keyword argument repeated: %s", tok.Literal)
				}
			}
			call.Keywords = append(call.Keywords, Keyword{Name: tok.Literal, Value: p.parseTest()})
			sawKeyword = true
		default:
			if sawKeyword {
				p.errorAt(tok.Pos, "positional argument follows keyword argument")
			}
			arg := p.parseTest()
			if p.isKw("for") {
				arg = &GeneratorExp{at: at{tok.Pos}, Elt: arg, Generators: p.parseCompFor()}
				if len(call.Args) > 0 || !p.curIs(TokenRParen) {
					p.errorAt(tok.Pos, "generator expression must be parenthesized")
				}
			}
			call.Args = append(call.Args, arg)
		}
		if !p.curIs(TokenComma) {
			break
		}
		p.next()
	}
	p.expect(TokenRParen)
	return call
}

func (p *Parser) parseSubscriptList() Expr {
	pos := p.cur().Pos
	first := p.parseSubscript()
	if !p.curIs(TokenComma) {
		return first
	}
	elts := []Expr{first}
	for p.curIs(TokenComma) {
		p.next()
		if p.curIs(TokenRBracket) {
			break
		}
		elts = append(elts, p.parseSubscript())
	}
	return &TupleExpr{at{pos}, elts}
}

func (p *Parser) parseSubscript() Expr {
	pos := p.cur().Pos
	var lower Expr
	if !p.curIs(TokenColon) {
		lower = p.parseTest()
		if !p.curIs(TokenColon) {
			return lower
		}
	}
	s := &SliceExpr{at: at{pos}, Lower: lower}
	p.next()
	if !p.curIs(TokenColon) && !p.curIs(TokenRBracket) && !p.curIs(TokenComma) {
		s.Upper = p.parseTest()
	}
	if p.curIs(TokenColon) {
		p.next()
		if !p.curIs(TokenRBracket) && !p.curIs(TokenComma) {
			s.Step = p.parseTest()
		}
	}
	return s
}

func (p *Parser) parseCompFor() []Comprehension {
	var gens []Comprehension
	for p.isKw("for") {
		p.next()
		c := Comprehension{Target: p.parseExprList()}
		p.checkAssignTarget(c.Target)
		p.expectKw("in")
		c.Iter = p.parseOrTest()
		for p.isKw("if") {
			p.next()
			c.Ifs = append(c.Ifs, p.parseOrTest())
		}
		gens = append(gens, c)
	}
	return gens
}

func (p *Parser) parseAtom() Expr {
	tok := p.cur()
	switch tok.Type {
	case TokenLParen:
		p.next()
		return p.parseParen(tok.Pos)
	case TokenLBracket:
		p.next()
		return p.parseListDisplay(tok.Pos)
	case TokenLBrace:
		p.next()
		return p.parseDictDisplay(tok.Pos)
	case TokenIdentifier:
		p.next()
		return &Name{at{tok.Pos}, tok.Literal}
	case TokenInteger:
		p.next()
		v, ok := parseIntLiteral(tok.Literal)
		if !ok {
			p.errorAt(tok.Pos, "invalid integer literal %q", tok.Literal)
		}
		return &IntLit{at{tok.Pos}, v}
	case TokenFloat:
		p.next()
		f, err := strconv.ParseFloat(strings.ReplaceAll(tok.Literal, "_", ""), 64)
		if err != nil && !strings.Contains(err.Error(), "range") {
			p.errorAt(tok.Pos, "invalid float literal %q", tok.Literal)
		}
		return &FloatLit{at{tok.Pos}, f}
	case TokenString:
		var sb strings.Builder
		for p.curIs(TokenString) {
			sb.WriteString(p.next().Literal)
		}
		return &StrLit{at{tok.Pos}, sb.String()}
	case TokenKeyword:
		switch tok.Literal {
		case "None":
			p.next()
			return &NoneLit{at{tok.Pos}}
		case "True", "False":
			p.next()
			return &BoolLit{at{tok.Pos}, tok.Literal == "True"}
		case "yield":
			p.errorAt(tok.Pos, "yield expression must be parenthesized")
		}
	}
	p.unexpected("invalid syntax")
	return nil
}

// parseIntLiteral converts Python integer syntax, rejecting leading zeros
// on decimal literals.
func parseIntLiteral(lit string) (*big.Int, bool) {
	lit = strings.ReplaceAll(lit, "_", "")
	base := 10
	if len(lit) > 1 && lit[0] == '0' {
		switch lit[1] {
		case 'x', 'X':
			base = 16
		case 'o', 'O':
			base = 8
		case 'b', 'B':
			base = 2
		default:
			if strings.Trim(lit, "0") != "" {
				return nil, false
			}
		}
		if base != 10 {
			lit = lit[2:]
		}
	}
	return new(big.Int).SetString(lit, base)
}

func (p *Parser) parseParen(pos Position) Expr {
	if p.curIs(TokenRParen) {
		p.next()
		return &TupleExpr{at{pos}, nil}
	}
	if p.isKw("yield") {
		y := p.parseYield()
		p.expect(TokenRParen)
		return y
	}
	first := p.parseTestOrStar()
	if p.isKw("for") {
		g := &GeneratorExp{at: at{pos}, Elt: first, Generators: p.parseCompFor()}
		p.expect(TokenRParen)
		return g
	}
	if !p.curIs(TokenComma) {
		p.expect(TokenRParen)
		if _, ok := first.(*Starred); ok {
			p.errorAt(first.Pos(), "cannot use starred expression here")
		}
		return first
	}
	elts := []Expr{first}
	for p.curIs(TokenComma) {
		p.next()
		if p.curIs(TokenRParen) {
			break
		}
		elts = append(elts, p.parseTestOrStar())
	}
	p.expect(TokenRParen)
	return &TupleExpr{at{pos}, elts}
}

func (p *Parser) parseListDisplay(pos Position) Expr {
	if p.curIs(TokenRBracket) {
		p.next()
		return &ListExpr{at{pos}, nil}
	}
	first := p.parseTestOrStar()
	if p.isKw("for") {
		lc := &ListComp{at: at{pos}, Elt: first, Generators: p.parseCompFor()}
		p.expect(TokenRBracket)
		return lc
	}
	elts := []Expr{first}
	for p.curIs(TokenComma) {
		p.next()
		if p.curIs(TokenRBracket) {
			break
		}
		elts = append(elts, p.parseTestOrStar())
	}
	p.expect(TokenRBracket)
	return &ListExpr{at{pos}, elts}
}

func (p *Parser) parseDictDisplay(pos Position) Expr {
	d := &DictExpr{at: at{pos}}
	for !p.curIs(TokenRBrace) {
		if p.isOp("**") {
			p.next()
			d.Keys = append(d.Keys, nil)
			d.Values = append(d.Values, p.parseBitOr())
		} else {
			key := p.parseTest()
			if !p.curIs(TokenColon) {
				p.errorAt(key.Pos(), "set displays are not supported")
			}
			p.next()
			d.Keys = append(d.Keys, key)
			d.Values = append(d.Values, p.parseTest())
			if p.isKw("for") {
				p.errorAt(key.Pos(), "dict comprehensions are not supported")
			}
		}
		if !p.curIs(TokenComma) {
			break
		}
		p.next()
	}
	p.expect(TokenRBrace)
	return d
}

// Parse parses source into a module.
func Parse(source, filename string) (*Module, error) {
	return NewParser(source, filename).ParseModule()
}
