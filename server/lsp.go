package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"
	glspserver "github.com/tliron/glsp/server"

	"github.com/chazu/kestrel/compiler"
	"github.com/chazu/kestrel/jit"
	"github.com/chazu/kestrel/object"
	"github.com/chazu/kestrel/pkg/bytecode"
	"github.com/chazu/kestrel/vm"

	_ "github.com/tliron/commonlog/simple"
)

const lspName = "kestrel-lsp"

// LspServer shows what the JIT makes of the functions in open documents.
// Documents are compiled but never executed; each function is handed to
// the JIT directly.
type LspServer struct {
	worker *Worker

	mu   sync.Mutex
	docs map[string]string // URI → full document content

	handler protocol.Handler
	server  *glspserver.Server
	version string
}

// NewLSP creates an LSP server with its own interpreter and runtime.
func NewLSP(opts Options) (*LspServer, error) {
	env := &Env{Stdout: &bytes.Buffer{}}
	env.Interp = vm.New(append(append([]vm.Option(nil), opts.VM...), vm.WithStdout(env.Stdout))...)
	rt, err := jit.New(env.Interp, opts.JIT)
	if err != nil {
		return nil, err
	}
	env.JIT = rt

	s := &LspServer{
		worker:  NewWorker(env),
		docs:    make(map[string]string),
		version: "0.1.0",
	}

	s.handler = protocol.Handler{
		Initialize:  s.initialize,
		Initialized: s.initialized,
		Shutdown:    s.shutdown,
		SetTrace:    s.setTrace,

		TextDocumentDidOpen:   s.textDocumentDidOpen,
		TextDocumentDidChange: s.textDocumentDidChange,
		TextDocumentDidClose:  s.textDocumentDidClose,

		TextDocumentCompletion: s.textDocumentCompletion,
		TextDocumentHover:      s.textDocumentHover,
		TextDocumentDefinition: s.textDocumentDefinition,
		TextDocumentReferences: s.textDocumentReferences,
	}

	s.server = glspserver.NewServer(&s.handler, lspName, false)

	return s, nil
}

// Run starts the LSP server on stdio. Blocks until the client disconnects.
func (s *LspServer) Run() error {
	return s.server.RunStdio()
}

// --- LSP lifecycle handlers ---

func (s *LspServer) initialize(ctx *glsp.Context, params *protocol.InitializeParams) (any, error) {
	log.Info("Kestrel LSP initializing")

	capabilities := s.handler.CreateServerCapabilities()

	syncKind := protocol.TextDocumentSyncKindFull
	capabilities.TextDocumentSync = &protocol.TextDocumentSyncOptions{
		OpenClose: boolPtr(true),
		Change:    &syncKind,
	}

	capabilities.CompletionProvider = &protocol.CompletionOptions{
		TriggerCharacters: []string{"."},
	}

	capabilities.HoverProvider = true
	capabilities.DefinitionProvider = true
	capabilities.ReferencesProvider = true

	return protocol.InitializeResult{
		Capabilities: capabilities,
		ServerInfo: &protocol.InitializeResultServerInfo{
			Name:    lspName,
			Version: &s.version,
		},
	}, nil
}

func (s *LspServer) initialized(ctx *glsp.Context, params *protocol.InitializedParams) error {
	return nil
}

func (s *LspServer) shutdown(ctx *glsp.Context) error {
	s.worker.Stop()
	return nil
}

func (s *LspServer) setTrace(ctx *glsp.Context, params *protocol.SetTraceParams) error {
	return nil
}

// --- Document synchronization ---

func (s *LspServer) textDocumentDidOpen(ctx *glsp.Context, params *protocol.DidOpenTextDocumentParams) error {
	uri := params.TextDocument.URI
	text := params.TextDocument.Text

	s.mu.Lock()
	s.docs[string(uri)] = text
	s.mu.Unlock()

	s.publishDiagnostics(ctx, uri, text)
	return nil
}

func (s *LspServer) textDocumentDidChange(ctx *glsp.Context, params *protocol.DidChangeTextDocumentParams) error {
	uri := params.TextDocument.URI

	// With Full sync, the last change event contains the full text
	if len(params.ContentChanges) > 0 {
		last := params.ContentChanges[len(params.ContentChanges)-1]
		if whole, ok := last.(protocol.TextDocumentContentChangeEventWhole); ok {
			s.mu.Lock()
			s.docs[string(uri)] = whole.Text
			s.mu.Unlock()

			s.publishDiagnostics(ctx, uri, whole.Text)
		}
	}
	return nil
}

func (s *LspServer) textDocumentDidClose(ctx *glsp.Context, params *protocol.DidCloseTextDocumentParams) error {
	uri := params.TextDocument.URI

	s.mu.Lock()
	delete(s.docs, string(uri))
	s.mu.Unlock()

	// Clear diagnostics for the closed document
	go ctx.Notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: []protocol.Diagnostic{},
	})
	return nil
}

// --- Language features ---

func (s *LspServer) document(uri protocol.DocumentUri) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	text, ok := s.docs[string(uri)]
	return text, ok
}

func (s *LspServer) textDocumentCompletion(ctx *glsp.Context, params *protocol.CompletionParams) (any, error) {
	text, ok := s.document(params.TextDocument.URI)
	if !ok {
		return nil, nil
	}
	prefix := extractPrefix(text, params.Position)
	if prefix == "" {
		return nil, nil
	}
	return s.worker.Do(context.Background(), func(env *Env) (any, error) {
		return complete(env, text, prefix), nil
	})
}

func (s *LspServer) textDocumentHover(ctx *glsp.Context, params *protocol.HoverParams) (*protocol.Hover, error) {
	uri := params.TextDocument.URI
	text, ok := s.document(uri)
	if !ok {
		return nil, nil
	}
	word := extractWord(text, params.Position)
	if word == "" {
		return nil, nil
	}
	result, err := s.worker.Do(context.Background(), func(env *Env) (any, error) {
		return hover(env, string(uri), text, word), nil
	})
	if err != nil || result == nil {
		return nil, nil
	}
	h, _ := result.(*protocol.Hover)
	return h, nil
}

func (s *LspServer) textDocumentDefinition(ctx *glsp.Context, params *protocol.DefinitionParams) (any, error) {
	uri := params.TextDocument.URI
	text, ok := s.document(uri)
	if !ok {
		return nil, nil
	}
	word := extractWord(text, params.Position)
	if word == "" {
		return nil, nil
	}
	code, err := compiler.Compile(text, string(uri))
	if err != nil {
		return nil, nil
	}
	var locations []protocol.Location
	code.Walk(func(c *bytecode.Code) {
		if c != code && c.Name == word {
			locations = append(locations, lineLocation(uri, c.FirstLine))
		}
	})
	return locations, nil
}

func (s *LspServer) textDocumentReferences(ctx *glsp.Context, params *protocol.ReferenceParams) ([]protocol.Location, error) {
	uri := params.TextDocument.URI
	text, ok := s.document(uri)
	if !ok {
		return nil, nil
	}
	word := extractWord(text, params.Position)
	if word == "" {
		return nil, nil
	}
	code, err := compiler.Compile(text, string(uri))
	if err != nil {
		return nil, nil
	}
	var locations []protocol.Location
	for _, line := range nameReferences(code, word) {
		locations = append(locations, lineLocation(uri, line))
	}
	return locations, nil
}

// nameReferences returns the sorted lines of instructions that load or
// store name as a global, attribute, local or cell.
func nameReferences(code *bytecode.Code, name string) []int {
	seen := make(map[int]bool)
	code.Walk(func(c *bytecode.Code) {
		dec, err := bytecode.Decode(c)
		if err != nil {
			return
		}
		for _, in := range dec.Instrs {
			flags := bytecode.GetOpcodeInfo(in.Op).Flags
			var got string
			switch {
			case flags&bytecode.FlagName != 0 && in.Arg < len(c.Names):
				got = c.Names[in.Arg]
			case flags&bytecode.FlagLocal != 0 && in.Arg < len(c.VarNames):
				got = c.VarNames[in.Arg]
			case flags&bytecode.FlagFree != 0:
				got = c.CellName(in.Arg)
			}
			if got == name {
				seen[c.Line(in.Offset)] = true
			}
		}
	})
	lines := make([]int, 0, len(seen))
	for l := range seen {
		lines = append(lines, l)
	}
	sort.Ints(lines)
	return lines
}

func lineLocation(uri protocol.DocumentUri, line int) protocol.Location {
	pos := protocol.Position{Line: protocol.UInteger(max(line-1, 0)), Character: 0}
	return protocol.Location{URI: uri, Range: protocol.Range{Start: pos, End: pos}}
}

// --- Worker-backed logic ---

func complete(env *Env, text, prefix string) []protocol.CompletionItem {
	var items []protocol.CompletionItem
	seen := make(map[string]bool)
	add := func(name, detail string, kind protocol.CompletionItemKind) {
		if seen[name] || !strings.HasPrefix(name, prefix) {
			return
		}
		seen[name] = true
		nameCopy, detailCopy, kindCopy := name, detail, kind
		items = append(items, protocol.CompletionItem{
			Label:      name,
			Kind:       &kindCopy,
			Detail:     &detailCopy,
			InsertText: &nameCopy,
		})
	}

	// Functions and names of the document, when it compiles.
	if code, err := compiler.Compile(text, "<completion>"); err == nil {
		code.Walk(func(c *bytecode.Code) {
			if c != code && !strings.HasPrefix(c.Name, "<") {
				add(c.Name, "function", protocol.CompletionItemKindFunction)
			}
		})
		for _, n := range code.Names {
			add(n, "global", protocol.CompletionItemKindVariable)
		}
	}

	var builtins []string
	env.Interp.Builtins.Range(func(k, _ object.Object) bool {
		if s, ok := k.(*object.Str); ok {
			builtins = append(builtins, s.V)
		}
		return true
	})
	sort.Strings(builtins)
	for _, name := range builtins {
		add(name, "builtin", protocol.CompletionItemKindFunction)
	}

	const maxItems = 100
	if len(items) > maxItems {
		items = items[:maxItems]
	}
	return items
}

// hover compiles every function named word and describes what the JIT
// produced for it.
func hover(env *Env, filename, text, word string) *protocol.Hover {
	code, err := compiler.Compile(text, filename)
	if err != nil {
		return nil
	}
	defer env.JIT.ForgetAll(code)
	var targets []*bytecode.Code
	code.Walk(func(c *bytecode.Code) {
		if c != code && c.Name == word {
			targets = append(targets, c)
		}
	})
	if len(targets) == 0 {
		if env.Interp.Builtins.LookupString(word) != nil {
			return markdown(fmt.Sprintf("**%s**\n\nbuiltin", word))
		}
		return nil
	}

	var b strings.Builder
	for i, c := range targets {
		if i > 0 {
			b.WriteString("\n---\n\n")
		}
		describe(&b, env.JIT, c)
	}
	return markdown(b.String())
}

func describe(b *strings.Builder, rt *jit.Runtime, c *bytecode.Code) {
	fmt.Fprintf(b, "**def %s**(%s) at line %d\n\n", c.Name, strings.Join(c.VarNames[:min(c.TotalArgs(), len(c.VarNames))], ", "), c.FirstLine)
	fmt.Fprintf(b, "%d bytecode instructions\n\n", c.InstructionCount())

	err := rt.Compile(c)
	var ce *jit.CompileError
	switch {
	case errors.As(err, &ce):
		fmt.Fprintf(b, "JIT: %s", ce.Result)
		if ce.Err != nil {
			fmt.Fprintf(b, " (%s)", ce.Err)
		}
		b.WriteString("\n")
		return
	case err != nil:
		fmt.Fprintf(b, "JIT: %s\n", err)
		return
	}

	m, err := rt.Method(c)
	if err != nil {
		fmt.Fprintf(b, "JIT: %s\n", err)
		return
	}
	fmt.Fprintf(b, "JIT: %d IL instructions at level %d\n", len(m.Instrs), rt.OptimizationLevel())
	names := make(map[string]bool)
	for _, tok := range m.Tokens() {
		names[tok.String()] = true
	}
	if len(names) > 0 {
		sorted := make([]string, 0, len(names))
		for n := range names {
			sorted = append(sorted, n)
		}
		sort.Strings(sorted)
		fmt.Fprintf(b, "\nHelpers: `%s`\n", strings.Join(sorted, "`, `"))
	}
}

func markdown(s string) *protocol.Hover {
	return &protocol.Hover{
		Contents: protocol.MarkupContent{
			Kind:  protocol.MarkupKindMarkdown,
			Value: s,
		},
	}
}

// --- Diagnostics ---

// diagnose reports syntax errors, and functions the JIT leaves to the
// interpreter.
func diagnose(rt *jit.Runtime, filename, text string) []protocol.Diagnostic {
	source := lspName
	code, err := compiler.Compile(text, filename)
	if err != nil {
		severity := protocol.DiagnosticSeverityError
		pos := protocol.Position{}
		msg := err.Error()
		var se *compiler.SyntaxError
		if errors.As(err, &se) {
			pos.Line = protocol.UInteger(max(se.Pos.Line-1, 0))
			pos.Character = protocol.UInteger(max(se.Pos.Column-1, 0))
			msg = se.Msg
		}
		return []protocol.Diagnostic{{
			Range:    protocol.Range{Start: pos, End: pos},
			Severity: &severity,
			Source:   &source,
			Message:  msg,
		}}
	}

	defer rt.ForgetAll(code)
	var diagnostics []protocol.Diagnostic
	code.Walk(func(c *bytecode.Code) {
		if c == code {
			return
		}
		var ce *jit.CompileError
		if err := rt.Compile(c); !errors.As(err, &ce) {
			return
		}
		severity := protocol.DiagnosticSeverityInformation
		pos := protocol.Position{Line: protocol.UInteger(max(c.FirstLine-1, 0))}
		diagnostics = append(diagnostics, protocol.Diagnostic{
			Range:    protocol.Range{Start: pos, End: pos},
			Severity: &severity,
			Source:   &source,
			Message:  fmt.Sprintf("%s runs in the interpreter: %s", c.Name, ce.Result),
		})
	})
	return diagnostics
}

func (s *LspServer) publishDiagnostics(ctx *glsp.Context, uri protocol.DocumentUri, text string) {
	result, err := s.worker.Do(context.Background(), func(env *Env) (any, error) {
		return diagnose(env.JIT, string(uri), text), nil
	})
	if err != nil {
		return
	}
	diagnostics, _ := result.([]protocol.Diagnostic)
	if diagnostics == nil {
		diagnostics = []protocol.Diagnostic{}
	}

	go ctx.Notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: diagnostics,
	})
}

// --- Text extraction helpers ---

func isIdent(ch rune) bool {
	return unicode.IsLetter(ch) || unicode.IsDigit(ch) || ch == '_'
}

// extractPrefix returns the identifier fragment before the cursor for
// completion.
func extractPrefix(text string, pos protocol.Position) string {
	lines := strings.Split(text, "\n")
	if int(pos.Line) >= len(lines) {
		return ""
	}
	line := lines[pos.Line]
	col := min(int(pos.Character), len(line))

	start := col
	for start > 0 && isIdent(rune(line[start-1])) {
		start--
	}
	return line[start:col]
}

// extractWord returns the full identifier under the cursor.
func extractWord(text string, pos protocol.Position) string {
	lines := strings.Split(text, "\n")
	if int(pos.Line) >= len(lines) {
		return ""
	}
	line := lines[pos.Line]
	col := min(int(pos.Character), len(line))

	start := col
	for start > 0 && isIdent(rune(line[start-1])) {
		start--
	}
	end := col
	for end < len(line) && isIdent(rune(line[end])) {
		end++
	}
	return line[start:end]
}

func boolPtr(b bool) *bool {
	return &b
}
