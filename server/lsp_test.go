package server

import (
	"bytes"
	"reflect"
	"strings"
	"testing"

	protocol "github.com/tliron/glsp/protocol_3_16"

	"github.com/chazu/kestrel/compiler"
	"github.com/chazu/kestrel/jit"
	"github.com/chazu/kestrel/vm"
)

func testJITConfig() jit.Config {
	cfg := jit.DefaultConfig()
	cfg.Env = func(string) (string, bool) { return "", false }
	return cfg
}

func newTestEnv(t *testing.T) *Env {
	t.Helper()
	env := &Env{Stdout: &bytes.Buffer{}}
	env.Interp = vm.New(vm.WithStdout(env.Stdout))
	rt, err := jit.New(env.Interp, testJITConfig())
	if err != nil {
		t.Fatal(err)
	}
	env.JIT = rt
	t.Cleanup(func() { rt.Close() })
	return env
}

const lspDoc = `def add(a, b):
    return a + b

def gen(n):
    yield n

total = add(1, 2)
`

// ---------------------------------------------------------------------------
// LSP text extraction helpers
// ---------------------------------------------------------------------------

func TestExtractPrefix_SimpleWord(t *testing.T) {
	text := "x = len"
	pos := protocol.Position{Line: 0, Character: 7}
	prefix := extractPrefix(text, pos)
	if prefix != "len" {
		t.Errorf("extractPrefix = %q, want %q", prefix, "len")
	}
}

func TestExtractPrefix_MultiLine(t *testing.T) {
	text := "first line\nsecond line\nsor"
	pos := protocol.Position{Line: 2, Character: 3}
	prefix := extractPrefix(text, pos)
	if prefix != "sor" {
		t.Errorf("extractPrefix = %q, want %q", prefix, "sor")
	}
}

func TestExtractPrefix_AfterDot(t *testing.T) {
	text := "xs.app"
	pos := protocol.Position{Line: 0, Character: 6}
	prefix := extractPrefix(text, pos)
	if prefix != "app" {
		t.Errorf("extractPrefix = %q, want %q", prefix, "app")
	}
}

func TestExtractPrefix_CursorAtBeginning(t *testing.T) {
	text := "hello"
	pos := protocol.Position{Line: 0, Character: 0}
	prefix := extractPrefix(text, pos)
	if prefix != "" {
		t.Errorf("extractPrefix at position 0 = %q, want empty string", prefix)
	}
}

func TestExtractPrefix_LineBeyondDocument(t *testing.T) {
	text := "single line"
	pos := protocol.Position{Line: 5, Character: 0}
	prefix := extractPrefix(text, pos)
	if prefix != "" {
		t.Errorf("extractPrefix beyond document = %q, want empty string", prefix)
	}
}

func TestExtractPrefix_CursorPastEnd(t *testing.T) {
	text := "abc"
	pos := protocol.Position{Line: 0, Character: 40}
	prefix := extractPrefix(text, pos)
	if prefix != "abc" {
		t.Errorf("extractPrefix = %q, want %q", prefix, "abc")
	}
}

func TestExtractWord_SimpleWord(t *testing.T) {
	text := "total = add(1, 2)"
	pos := protocol.Position{Line: 0, Character: 9}
	word := extractWord(text, pos)
	if word != "add" {
		t.Errorf("extractWord = %q, want %q", word, "add")
	}
}

func TestExtractWord_AtSpace(t *testing.T) {
	text := "a = b"
	pos := protocol.Position{Line: 0, Character: 2}
	word := extractWord(text, pos)
	if word != "" {
		t.Errorf("extractWord at space = %q, want empty string", word)
	}
}

func TestExtractWord_WithUnderscore(t *testing.T) {
	text := "my_func(x)"
	pos := protocol.Position{Line: 0, Character: 3}
	word := extractWord(text, pos)
	if word != "my_func" {
		t.Errorf("extractWord = %q, want %q", word, "my_func")
	}
}

func TestExtractWord_LineBeyondDocument(t *testing.T) {
	text := "single line"
	pos := protocol.Position{Line: 3, Character: 0}
	word := extractWord(text, pos)
	if word != "" {
		t.Errorf("extractWord beyond document = %q, want empty string", word)
	}
}

func TestBoolPtr(t *testing.T) {
	if p := boolPtr(true); p == nil || !*p {
		t.Error("boolPtr(true) did not return pointer to true")
	}
	if p := boolPtr(false); p == nil || *p {
		t.Error("boolPtr(false) did not return pointer to false")
	}
}

// ---------------------------------------------------------------------------
// Worker-backed features
// ---------------------------------------------------------------------------

func TestLSP_Complete(t *testing.T) {
	env := newTestEnv(t)
	items := complete(env, lspDoc, "ad")
	var labels []string
	for _, it := range items {
		labels = append(labels, it.Label)
	}
	if len(labels) != 1 || labels[0] != "add" {
		t.Errorf("complete(ad) = %v, want [add]", labels)
	}

	items = complete(env, lspDoc, "so")
	found := false
	for _, it := range items {
		if it.Label == "sorted" && *it.Detail == "builtin" {
			found = true
		}
	}
	if !found {
		t.Error("complete(so) did not offer the sorted builtin")
	}
}

func TestLSP_CompleteBrokenDocument(t *testing.T) {
	env := newTestEnv(t)
	items := complete(env, "def broken(:\n", "le")
	if len(items) == 0 || items[0].Label != "len" {
		t.Errorf("complete on a broken document = %+v, want builtins", items)
	}
}

func TestLSP_HoverCompiledFunction(t *testing.T) {
	env := newTestEnv(t)
	h := hover(env, "doc.py", lspDoc, "add")
	if h == nil {
		t.Fatal("hover(add) = nil")
	}
	text := h.Contents.(protocol.MarkupContent).Value
	for _, want := range []string{"**def add**(a, b) at line 1", "IL instructions at level 1"} {
		if !strings.Contains(text, want) {
			t.Errorf("hover text missing %q:\n%s", want, text)
		}
	}
}

func TestLSP_HoverGenerator(t *testing.T) {
	env := newTestEnv(t)
	h := hover(env, "doc.py", lspDoc, "gen")
	if h == nil {
		t.Fatal("hover(gen) = nil")
	}
	text := h.Contents.(protocol.MarkupContent).Value
	if !strings.Contains(text, "IL instructions at level 1") || strings.Contains(text, "JIT:") {
		t.Errorf("hover text = %q, want a compiled generator", text)
	}
}

func TestLSP_HoverBuiltinAndUnknown(t *testing.T) {
	env := newTestEnv(t)
	if h := hover(env, "doc.py", lspDoc, "len"); h == nil {
		t.Error("hover(len) = nil, want builtin")
	}
	if h := hover(env, "doc.py", lspDoc, "nothing_here"); h != nil {
		t.Errorf("hover(unknown) = %+v, want nil", h)
	}
}

func TestLSP_DiagnoseSyntaxError(t *testing.T) {
	env := newTestEnv(t)
	diags := diagnose(env.JIT, "doc.py", "x = 1\ndef f(:\n")
	if len(diags) != 1 {
		t.Fatalf("diagnostics = %+v, want one", diags)
	}
	d := diags[0]
	if *d.Severity != protocol.DiagnosticSeverityError || d.Range.Start.Line != 1 {
		t.Errorf("diagnostic = %+v, want an error on line 1", d)
	}
}

func TestLSP_DiagnoseCompilable(t *testing.T) {
	env := newTestEnv(t)
	if diags := diagnose(env.JIT, "doc.py", lspDoc); len(diags) != 0 {
		t.Errorf("diagnostics = %+v, want none", diags)
	}
}

func TestLSP_DiagnoseUncompilable(t *testing.T) {
	cfg := testJITConfig()
	cfg.MaxMethodSize = 1
	rt, err := jit.New(vm.New(vm.WithStdout(&bytes.Buffer{})), cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer rt.Close()
	diags := diagnose(rt, "doc.py", lspDoc)
	if len(diags) != 2 {
		t.Fatalf("diagnostics = %+v, want one for add and one for gen", diags)
	}
	tests := []struct {
		line uint32
		msg  string
	}{
		{0, "add runs in the interpreter: too-large"},
		{3, "gen runs in the interpreter: too-large"},
	}
	for i, tt := range tests {
		d := diags[i]
		if *d.Severity != protocol.DiagnosticSeverityInformation || uint32(d.Range.Start.Line) != tt.line {
			t.Errorf("diagnostic %d = %+v", i, d)
		}
		if !strings.Contains(d.Message, tt.msg) {
			t.Errorf("message %d = %q, want %q", i, d.Message, tt.msg)
		}
	}
}

func TestLSP_NameReferences(t *testing.T) {
	code := compiler.MustCompile(lspDoc, "doc.py")
	if got := nameReferences(code, "add"); !reflect.DeepEqual(got, []int{1, 7}) {
		t.Errorf("references(add) = %v, want [1 7]", got)
	}
	if got := nameReferences(code, "a"); !reflect.DeepEqual(got, []int{2}) {
		t.Errorf("references(a) = %v, want [2]", got)
	}
	if got := nameReferences(code, "missing"); len(got) != 0 {
		t.Errorf("references(missing) = %v", got)
	}
}

func TestLSP_Initialize(t *testing.T) {
	s, err := NewLSP(Options{JIT: testJITConfig()})
	if err != nil {
		t.Fatal(err)
	}
	defer s.worker.Stop()

	r, err := s.initialize(nil, &protocol.InitializeParams{})
	if err != nil {
		t.Fatal(err)
	}
	res, ok := r.(protocol.InitializeResult)
	if !ok {
		t.Fatalf("initialize returned %T", r)
	}
	if res.ServerInfo == nil || res.ServerInfo.Name != lspName {
		t.Errorf("server info = %+v", res.ServerInfo)
	}
	caps := res.Capabilities
	if caps.HoverProvider != true || caps.DefinitionProvider != true || caps.CompletionProvider == nil {
		t.Errorf("capabilities = %+v", caps)
	}
}

func TestLSP_DocumentStore(t *testing.T) {
	s, err := NewLSP(Options{JIT: testJITConfig()})
	if err != nil {
		t.Fatal(err)
	}
	defer s.worker.Stop()

	uri := protocol.DocumentUri("file:///doc.py")
	s.mu.Lock()
	s.docs[string(uri)] = lspDoc
	s.mu.Unlock()

	text, ok := s.document(uri)
	if !ok || text != lspDoc {
		t.Error("document not stored")
	}
	if _, ok := s.document("file:///other.py"); ok {
		t.Error("unknown document found")
	}
}
