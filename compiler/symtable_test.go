package compiler

import (
	"strings"
	"testing"
)

func buildTable(t *testing.T, src string) (*Module, *SymbolTable) {
	t.Helper()
	mod := mustParse(t, src)
	table, err := BuildSymbolTable(mod, "test.py")
	if err != nil {
		t.Fatalf("BuildSymbolTable: %v", err)
	}
	return mod, table
}

func TestSymbolScopes(t *testing.T) {
	src := `def outer(a):
    b = 1
    global g
    def middle():
        def inner():
            return a + b + g + len
        return inner
    return middle
`
	mod, table := buildTable(t, src)
	outer := table.ScopeOf(mod.Body[0])
	if outer == nil || !outer.Function {
		t.Fatal("outer scope missing")
	}
	middle := outer.Children[0]
	inner := middle.Children[0]

	tests := []struct {
		scope *Scope
		name  string
		want  SymbolScope
	}{
		{outer, "a", ScopeCell},
		{outer, "b", ScopeCell},
		{outer, "g", ScopeGlobalExplicit},
		{outer, "middle", ScopeLocal},
		{middle, "a", ScopeFree},
		{middle, "b", ScopeFree},
		{middle, "inner", ScopeLocal},
		{inner, "a", ScopeFree},
		{inner, "b", ScopeFree},
		{inner, "len", ScopeGlobalImplicit},
		// An enclosing global declaration does not make the name free.
		{inner, "g", ScopeGlobalImplicit},
	}
	for _, tt := range tests {
		if got := tt.scope.Lookup(tt.name); got != tt.want {
			t.Errorf("%s: %s = %v, want %v", tt.scope.Name, tt.name, got, tt.want)
		}
	}

	if got := strings.Join(outer.VarNames, ","); got != "a,middle" {
		t.Errorf("outer VarNames = %q", got)
	}
	if got := strings.Join(outer.CellVars, ","); got != "a,b" {
		t.Errorf("outer CellVars = %q", got)
	}
	if got := strings.Join(middle.FreeVars, ","); got != "a,b" {
		t.Errorf("middle FreeVars = %q", got)
	}
	if outer.DerefIndex("b") != 1 || inner.DerefIndex("a") != 0 {
		t.Errorf("deref indexes: outer b=%d inner a=%d", outer.DerefIndex("b"), inner.DerefIndex("a"))
	}
}

func TestSymbolCellsBeforeFrees(t *testing.T) {
	src := `def f(x):
    def g():
        y = x
        def h():
            return x + y
        return h
    return g
`
	mod, table := buildTable(t, src)
	g := table.ScopeOf(mod.Body[0]).Children[0]
	if strings.Join(g.CellVars, ",") != "y" || strings.Join(g.FreeVars, ",") != "x" {
		t.Fatalf("g cells=%v frees=%v", g.CellVars, g.FreeVars)
	}
	if g.DerefIndex("y") != 0 || g.DerefIndex("x") != 1 {
		t.Errorf("g deref: y=%d x=%d", g.DerefIndex("y"), g.DerefIndex("x"))
	}
}

func TestSymbolGeneratorDetection(t *testing.T) {
	mod, table := buildTable(t, "def a():\n    yield 1\ndef b():\n    return (x for x in y)\n")
	if !table.ScopeOf(mod.Body[0]).Generator {
		t.Error("a should be a generator")
	}
	b := table.ScopeOf(mod.Body[1])
	if b.Generator {
		t.Error("b only builds a generator expression")
	}
	if !b.Children[0].Generator || b.Children[0].Name != "<genexpr>" {
		t.Errorf("genexpr scope = %+v", b.Children[0])
	}
}

func TestSymbolComprehensionVariableLeaks(t *testing.T) {
	mod, table := buildTable(t, "def f(xs):\n    return [x for x in xs]\n")
	f := table.ScopeOf(mod.Body[0])
	if f.Lookup("x") != ScopeLocal {
		t.Errorf("list comprehension variable should be local to f, got %v", f.Lookup("x"))
	}
}
