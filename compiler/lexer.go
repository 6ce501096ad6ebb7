package compiler

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ---------------------------------------------------------------------------
// Lexer: Tokenizer for Python-subset syntax
// ---------------------------------------------------------------------------

// Lexer tokenizes source code. Indentation is reported as INDENT and
// DEDENT tokens; line breaks inside brackets are ignored.
type Lexer struct {
	input     string
	pos       int // current position in input
	line      int // current line (1-based)
	lineStart int // offset of current line start

	indents     []int
	parenDepth  int
	atLineStart bool
	pending     []Token
	last        TokenType
	done        bool
}

// NewLexer creates a new lexer for the given input.
func NewLexer(input string) *Lexer {
	return &Lexer{
		input:       input,
		line:        1,
		indents:     []int{0},
		atLineStart: true,
		last:        TokenNewline,
	}
}

// Tokenize returns every token of input up to and including EOF.
func Tokenize(input string) []Token {
	l := NewLexer(input)
	var out []Token
	for {
		tok := l.NextToken()
		out = append(out, tok)
		if tok.Type == TokenEOF || tok.Type == TokenError {
			return out
		}
	}
}

func (l *Lexer) peek(n int) byte {
	if l.pos+n < len(l.input) {
		return l.input[l.pos+n]
	}
	return 0
}

func (l *Lexer) advance() rune {
	r, size := utf8.DecodeRuneInString(l.input[l.pos:])
	l.pos += size
	if r == '\n' {
		l.line++
		l.lineStart = l.pos
	}
	return r
}

func (l *Lexer) position() Position {
	return Position{
		Offset: l.pos,
		Line:   l.line,
		Column: l.pos - l.lineStart + 1,
	}
}

func (l *Lexer) emit(tok Token) Token {
	l.last = tok.Type
	return tok
}

func (l *Lexer) errorf(pos Position, format string, args ...any) Token {
	l.done = true
	return l.emit(Token{Type: TokenError, Literal: fmt.Sprintf(format, args...), Pos: pos})
}

// NextToken returns the next token.
func (l *Lexer) NextToken() Token {
	if len(l.pending) > 0 {
		tok := l.pending[0]
		l.pending = l.pending[1:]
		return l.emit(tok)
	}
	if l.done {
		return Token{Type: TokenEOF, Pos: l.position()}
	}
	if l.atLineStart && l.parenDepth == 0 {
		if tok, ok := l.readIndentation(); ok {
			return tok
		}
	}
	l.skipWhitespace()

	pos := l.position()
	if l.pos >= len(l.input) {
		return l.finish(pos)
	}

	ch := l.input[l.pos]
	switch {
	case ch == '\n':
		l.advance()
		if l.parenDepth > 0 {
			return l.NextToken()
		}
		l.atLineStart = true
		return l.emit(Token{Type: TokenNewline, Literal: "\n", Pos: pos})

	case ch == '(' || ch == '[' || ch == '{':
		l.advance()
		l.parenDepth++
		typ := map[byte]TokenType{'(': TokenLParen, '[': TokenLBracket, '{': TokenLBrace}[ch]
		return l.emit(Token{Type: typ, Literal: string(ch), Pos: pos})

	case ch == ')' || ch == ']' || ch == '}':
		l.advance()
		if l.parenDepth > 0 {
			l.parenDepth--
		}
		typ := map[byte]TokenType{')': TokenRParen, ']': TokenRBracket, '}': TokenRBrace}[ch]
		return l.emit(Token{Type: typ, Literal: string(ch), Pos: pos})

	case ch == ',':
		l.advance()
		return l.emit(Token{Type: TokenComma, Literal: ",", Pos: pos})

	case ch == ':':
		l.advance()
		return l.emit(Token{Type: TokenColon, Literal: ":", Pos: pos})

	case ch == ';':
		l.advance()
		return l.emit(Token{Type: TokenSemi, Literal: ";", Pos: pos})

	case ch == '.' && !isDigit(l.peek(1)):
		l.advance()
		return l.emit(Token{Type: TokenDot, Literal: ".", Pos: pos})

	case ch == '\'' || ch == '"':
		return l.readString(pos, false)

	case (ch == 'r' || ch == 'R') && (l.peek(1) == '\'' || l.peek(1) == '"'):
		l.advance()
		return l.readString(pos, true)

	case isDigit(ch) || ch == '.':
		return l.readNumber(pos)

	case ch == '=' && l.peek(1) != '=':
		l.advance()
		return l.emit(Token{Type: TokenAssign, Literal: "=", Pos: pos})
	}

	r, _ := utf8.DecodeRuneInString(l.input[l.pos:])
	if isIdentStart(r) {
		return l.readIdentifier(pos)
	}
	for _, op := range operators {
		if strings.HasPrefix(l.input[l.pos:], op) {
			l.pos += len(op)
			switch {
			case op == "->":
				return l.emit(Token{Type: TokenArrow, Literal: op, Pos: pos})
			case strings.HasSuffix(op, "=") && op != "<=" && op != ">=" && op != "==" && op != "!=":
				return l.emit(Token{Type: TokenAugAssign, Literal: op, Pos: pos})
			}
			return l.emit(Token{Type: TokenOp, Literal: op, Pos: pos})
		}
	}
	return l.errorf(pos, "unexpected character %q", r)
}

// finish emits the trailing NEWLINE and DEDENT tokens at end of input.
func (l *Lexer) finish(pos Position) Token {
	l.done = true
	if l.last != TokenNewline && l.last != TokenDedent && l.last != TokenIndent {
		l.pending = append(l.pending, Token{Type: TokenNewline, Pos: pos})
	}
	for len(l.indents) > 1 {
		l.indents = l.indents[:len(l.indents)-1]
		l.pending = append(l.pending, Token{Type: TokenDedent, Pos: pos})
	}
	l.pending = append(l.pending, Token{Type: TokenEOF, Pos: pos})
	return l.NextToken()
}

// readIndentation measures the indentation of a new logical line, skipping
// blank and comment-only lines. It reports false when the indentation is
// unchanged.
func (l *Lexer) readIndentation() (Token, bool) {
	for {
		width := 0
	scan:
		for ; l.pos < len(l.input); l.pos++ {
			switch l.input[l.pos] {
			case ' ':
				width++
			case '\t':
				width = (width/8 + 1) * 8
			case '\f':
				width = 0
			default:
				break scan
			}
		}
		if l.pos >= len(l.input) {
			l.atLineStart = false
			return Token{}, false
		}
		switch l.input[l.pos] {
		case '#':
			for l.pos < len(l.input) && l.input[l.pos] != '\n' {
				l.pos++
			}
			fallthrough
		case '\n', '\r':
			if l.pos < len(l.input) && l.input[l.pos] == '\r' {
				l.pos++
			}
			if l.pos < len(l.input) {
				l.advance()
			}
			continue
		}

		l.atLineStart = false
		pos := l.position()
		top := l.indents[len(l.indents)-1]
		switch {
		case width > top:
			l.indents = append(l.indents, width)
			return l.emit(Token{Type: TokenIndent, Pos: pos}), true
		case width < top:
			for width < l.indents[len(l.indents)-1] {
				l.indents = l.indents[:len(l.indents)-1]
				l.pending = append(l.pending, Token{Type: TokenDedent, Pos: pos})
			}
			if width != l.indents[len(l.indents)-1] {
				return l.errorf(pos, "unindent does not match any outer indentation level"), true
			}
			return l.NextToken(), true
		}
		return Token{}, false
	}
}

// skipWhitespace skips spaces, comments and explicit line joins.
func (l *Lexer) skipWhitespace() {
	for l.pos < len(l.input) {
		switch ch := l.input[l.pos]; {
		case ch == ' ' || ch == '\t' || ch == '\r' || ch == '\f':
			l.pos++
		case ch == '\\' && l.peek(1) == '\n':
			l.pos++
			l.advance()
		case ch == '\\' && l.peek(1) == '\r' && l.peek(2) == '\n':
			l.pos += 2
			l.advance()
		case ch == '#':
			for l.pos < len(l.input) && l.input[l.pos] != '\n' {
				l.pos++
			}
		default:
			return
		}
	}
}

func (l *Lexer) readIdentifier(pos Position) Token {
	start := l.pos
	for l.pos < len(l.input) {
		r, size := utf8.DecodeRuneInString(l.input[l.pos:])
		if !isIdentPart(r) {
			break
		}
		l.pos += size
	}
	word := l.input[start:l.pos]
	if IsKeyword(word) {
		return l.emit(Token{Type: TokenKeyword, Literal: word, Pos: pos})
	}
	return l.emit(Token{Type: TokenIdentifier, Literal: word, Pos: pos})
}

// readNumber reads an integer or float literal. The literal text is kept
// verbatim; the parser converts it.
func (l *Lexer) readNumber(pos Position) Token {
	start := l.pos
	if l.input[l.pos] == '0' && strings.ContainsRune("xXoObB", rune(l.peek(1))) {
		l.pos += 2
		for l.pos < len(l.input) && (isHexDigit(l.input[l.pos]) || l.input[l.pos] == '_') {
			l.pos++
		}
		return l.emit(Token{Type: TokenInteger, Literal: l.input[start:l.pos], Pos: pos})
	}

	isFloat := false
	l.digits()
	if l.pos < len(l.input) && l.input[l.pos] == '.' {
		isFloat = true
		l.pos++
		l.digits()
	}
	if l.pos < len(l.input) && (l.input[l.pos] == 'e' || l.input[l.pos] == 'E') {
		next := l.peek(1)
		if isDigit(next) || ((next == '+' || next == '-') && isDigit(l.peek(2))) {
			isFloat = true
			l.pos += 2
			l.digits()
		}
	}
	if l.pos < len(l.input) && (l.input[l.pos] == 'j' || l.input[l.pos] == 'J') {
		return l.errorf(pos, "complex literals are not supported")
	}
	lit := l.input[start:l.pos]
	if isFloat {
		return l.emit(Token{Type: TokenFloat, Literal: lit, Pos: pos})
	}
	return l.emit(Token{Type: TokenInteger, Literal: lit, Pos: pos})
}

func (l *Lexer) digits() {
	for l.pos < len(l.input) && (isDigit(l.input[l.pos]) || l.input[l.pos] == '_') {
		l.pos++
	}
}

// readString reads a single- or triple-quoted string literal and decodes
// its escapes unless raw is set.
func (l *Lexer) readString(pos Position, raw bool) Token {
	quote := l.input[l.pos]
	triple := l.peek(1) == quote && l.peek(2) == quote
	if triple {
		l.pos += 3
	} else {
		l.pos++
	}

	var sb strings.Builder
	for {
		if l.pos >= len(l.input) {
			if triple {
				return l.errorf(pos, "unterminated triple-quoted string literal")
			}
			return l.errorf(pos, "unterminated string literal")
		}
		ch := l.input[l.pos]
		if ch == quote {
			if !triple {
				l.pos++
				break
			}
			if l.peek(1) == quote && l.peek(2) == quote {
				l.pos += 3
				break
			}
		}
		if ch == '\n' && !triple {
			return l.errorf(pos, "unterminated string literal")
		}
		if ch == '\\' && l.pos+1 < len(l.input) {
			if raw {
				sb.WriteByte('\\')
				l.pos++
				sb.WriteRune(l.advance())
				continue
			}
			if err := l.readEscape(&sb); err != "" {
				return l.errorf(pos, "%s", err)
			}
			continue
		}
		sb.WriteRune(l.advance())
	}
	return l.emit(Token{Type: TokenString, Literal: sb.String(), Pos: pos})
}

func (l *Lexer) readEscape(sb *strings.Builder) string {
	l.pos++ // backslash
	ch := l.input[l.pos]
	simple := map[byte]string{
		'n': "\n", 't': "\t", 'r': "\r", '\\': "\\", '\'': "'", '"': "\"",
		'a': "\a", 'b': "\b", 'f': "\f", 'v': "\v", '0': "\x00", '\n': "",
	}
	if s, ok := simple[ch]; ok {
		l.advance()
		sb.WriteString(s)
		return ""
	}
	width := map[byte]int{'x': 2, 'u': 4, 'U': 8}[ch]
	if width == 0 {
		sb.WriteByte('\\')
		return ""
	}
	if l.pos+1+width > len(l.input) {
		return fmt.Sprintf("truncated \\%cXX escape", ch)
	}
	v, err := strconv.ParseUint(l.input[l.pos+1:l.pos+1+width], 16, 32)
	if err != nil {
		return fmt.Sprintf("truncated \\%cXX escape", ch)
	}
	l.pos += 1 + width
	sb.WriteRune(rune(v))
	return ""
}

func isDigit(ch byte) bool { return ch >= '0' && ch <= '9' }

func isHexDigit(ch byte) bool {
	return isDigit(ch) || (ch >= 'a' && ch <= 'f') || (ch >= 'A' && ch <= 'F')
}

func isIdentStart(r rune) bool { return r == '_' || unicode.IsLetter(r) }

func isIdentPart(r rune) bool { return isIdentStart(r) || unicode.IsDigit(r) }
