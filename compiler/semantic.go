package compiler

import (
	"fmt"
	"sort"
)

// ---------------------------------------------------------------------------
// Semantic Analyzer: Post-parse checks that produce warnings
// ---------------------------------------------------------------------------

// Severity grades a diagnostic.
type Severity int

const (
	SeverityError Severity = iota + 1
	SeverityWarning
)

// Diagnostic is a positioned message about the source.
type Diagnostic struct {
	Pos      Position
	Severity Severity
	Msg      string
}

func (d Diagnostic) String() string {
	prefix := ""
	if d.Severity == SeverityWarning {
		prefix = "warning: "
	}
	return fmt.Sprintf("%sline %d, column %d: %s", prefix, d.Pos.Line, d.Pos.Column, d.Msg)
}

// SemanticAnalyzer finds likely mistakes the compiler accepts: names that
// are never defined and statements that can never run.
type SemanticAnalyzer struct {
	diags []Diagnostic

	// Known globals that are always defined
	knownGlobals map[string]bool
}

// NewSemanticAnalyzer creates an analyzer that treats known as defined.
func NewSemanticAnalyzer(known ...string) *SemanticAnalyzer {
	s := &SemanticAnalyzer{knownGlobals: make(map[string]bool)}
	for _, name := range known {
		s.knownGlobals[name] = true
	}
	return s
}

// AddKnownGlobal adds a global to the known globals set.
func (s *SemanticAnalyzer) AddKnownGlobal(name string) {
	s.knownGlobals[name] = true
}

// Diagnostics returns accumulated diagnostics sorted by position.
func (s *SemanticAnalyzer) Diagnostics() []Diagnostic {
	sort.SliceStable(s.diags, func(i, j int) bool {
		return s.diags[i].Pos.Offset < s.diags[j].Pos.Offset
	})
	return s.diags
}

func (s *SemanticAnalyzer) warnAt(pos Position, format string, args ...any) {
	s.diags = append(s.diags, Diagnostic{Pos: pos, Severity: SeverityWarning, Msg: fmt.Sprintf(format, args...)})
}

// AnalyzeModule checks a parsed module against its symbol table.
func (s *SemanticAnalyzer) AnalyzeModule(mod *Module, table *SymbolTable) {
	s.checkScope(table.Module, table.Module)
	s.checkUnreachable(mod.Body)
}

func (s *SemanticAnalyzer) checkScope(scope, module *Scope) {
	for name, pos := range scope.Uses() {
		switch {
		case s.knownGlobals[name] || module.Binds(name):
		case scope.Function && scope.Lookup(name) != ScopeGlobalImplicit:
		case !scope.Function && scope.Binds(name):
		default:
			s.warnAt(pos, "name '%s' may be undefined", name)
		}
	}
	for _, child := range scope.Children {
		s.checkScope(child, module)
	}
}

// checkUnreachable warns once per block about code after a jump.
func (s *SemanticAnalyzer) checkUnreachable(stmts []Stmt) {
	for i, stmt := range stmts {
		switch st := stmt.(type) {
		case *Return, *Raise, *Break, *Continue:
			if i < len(stmts)-1 {
				s.warnAt(stmts[i+1].Pos(), "unreachable code after %s", keywordOf(st))
			}
		case *FunctionDef:
			s.checkUnreachable(st.Body)
		case *If:
			s.checkUnreachable(st.Body)
			s.checkUnreachable(st.OrElse)
		case *While:
			s.checkUnreachable(st.Body)
			s.checkUnreachable(st.OrElse)
		case *For:
			s.checkUnreachable(st.Body)
			s.checkUnreachable(st.OrElse)
		case *Try:
			s.checkUnreachable(st.Body)
			for _, h := range st.Handlers {
				s.checkUnreachable(h.Body)
			}
			s.checkUnreachable(st.OrElse)
			s.checkUnreachable(st.Finalbody)
		}
		switch stmt.(type) {
		case *Return, *Raise, *Break, *Continue:
			return
		}
	}
}

func keywordOf(s Stmt) string {
	switch s.(type) {
	case *Return:
		return "return"
	case *Raise:
		return "raise"
	case *Break:
		return "break"
	}
	return "continue"
}

// ---------------------------------------------------------------------------
// Integration with Compile function
// ---------------------------------------------------------------------------

// Analyze parses source and returns its syntax error, if any, or its
// warnings. builtins lists names the runtime always defines.
func Analyze(source, filename string, builtins []string) []Diagnostic {
	mod, err := Parse(source, filename)
	if err != nil {
		return []Diagnostic{errorDiagnostic(err)}
	}
	table, err := BuildSymbolTable(mod, filename)
	if err != nil {
		return []Diagnostic{errorDiagnostic(err)}
	}
	analyzer := NewSemanticAnalyzer(builtins...)
	analyzer.AnalyzeModule(mod, table)
	return analyzer.Diagnostics()
}

func errorDiagnostic(err error) Diagnostic {
	if se, ok := err.(*SyntaxError); ok {
		return Diagnostic{Pos: se.Pos, Severity: SeverityError, Msg: se.Msg}
	}
	return Diagnostic{Pos: Position{Line: 1, Column: 1}, Severity: SeverityError, Msg: err.Error()}
}
