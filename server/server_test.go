package server

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"connectrpc.com/connect"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/chazu/kestrel/store"
)

// ---------------------------------------------------------------------------
// Shared test infrastructure
// ---------------------------------------------------------------------------

type testServer struct {
	srv *Server
	ts  *httptest.Server
}

func newTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	if opts.JIT.Env == nil {
		opts.JIT = testJITConfig()
	}
	srv, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return &testServer{srv: srv, ts: ts}
}

func (s *testServer) connect() *Client {
	return NewConnectClient(s.ts.Client(), s.ts.URL)
}

func (s *testServer) grpc(t *testing.T) *Client {
	t.Helper()
	c, err := Dial(strings.TrimPrefix(s.ts.URL, "http://"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

const addProgram = `def add(a, b):
    return a + b

print(add(1, 2))
print(add(3, 4))
`

// ---------------------------------------------------------------------------
// Round trips
// ---------------------------------------------------------------------------

func TestServiceRoundTrip(t *testing.T) {
	ts := newTestServer(t, Options{Enable: true})
	clients := []struct {
		name   string
		client *Client
	}{
		{"connect", ts.connect()},
		{"grpc", ts.grpc(t)},
	}
	for _, tt := range clients {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			c := tt.client

			id, err := c.CreateSession(ctx, "roundtrip")
			if err != nil {
				t.Fatal(err)
			}
			defer c.DestroySession(ctx, id)

			run, err := c.Run(ctx, id, addProgram, "add.py")
			if err != nil {
				t.Fatal(err)
			}
			if run["success"] != true || run["output"] != "3\n7\n" {
				t.Fatalf("Run = %v", run)
			}

			info, err := c.Info(ctx, id, "add")
			if err != nil {
				t.Fatal(err)
			}
			if info["compiled"] != true || info["result"] != "success" || info["run_count"] != 2.0 {
				t.Errorf("Info = %v", info)
			}

			text, err := c.Dis(ctx, id, "add", true)
			if err != nil {
				t.Fatal(err)
			}
			if !strings.Contains(text, "IL_0000") {
				t.Errorf("Dis = %q", text)
			}

			st, err := c.Status(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if st["enabled"] != true || st["level"] != 1.0 {
				t.Errorf("Status = %v", st)
			}
		})
	}
}

func TestRunReportsErrors(t *testing.T) {
	ts := newTestServer(t, Options{Enable: true})
	ctx := context.Background()
	c := ts.connect()
	id, err := c.CreateSession(ctx, "")
	if err != nil {
		t.Fatal(err)
	}

	run, err := c.Run(ctx, id, "def f(:\n", "bad.py")
	if err != nil {
		t.Fatal(err)
	}
	if run["success"] != false || !strings.Contains(run["error"].(string), "SyntaxError") {
		t.Errorf("syntax error Run = %v", run)
	}

	run, err = c.Run(ctx, id, "print('before')\nraise ValueError('boom')\n", "raise.py")
	if err != nil {
		t.Fatal(err)
	}
	if run["success"] != false || run["output"] != "before\n" {
		t.Errorf("exception Run = %v", run)
	}
	if tb, _ := run["traceback"].(string); !strings.Contains(tb, "Traceback (most recent call last)") {
		t.Errorf("traceback = %q", tb)
	}
}

func TestSessionsKeepGlobals(t *testing.T) {
	ts := newTestServer(t, Options{Enable: true})
	ctx := context.Background()
	c := ts.connect()
	id, err := c.CreateSession(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Run(ctx, id, "x = 41\n", "a.py"); err != nil {
		t.Fatal(err)
	}
	run, err := c.Run(ctx, id, "print(x + 1)\n", "b.py")
	if err != nil {
		t.Fatal(err)
	}
	if run["output"] != "42\n" {
		t.Errorf("second Run = %v", run)
	}

	if err := c.DestroySession(ctx, id); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Run(ctx, id, "print(x)\n", "c.py"); connect.CodeOf(err) != connect.CodeNotFound {
		t.Errorf("Run after destroy: %v", err)
	}
	if ts.srv.Sessions().Len() != 0 {
		t.Errorf("%d sessions left", ts.srv.Sessions().Len())
	}
}

func TestDestroySessionForgetsRecords(t *testing.T) {
	ts := newTestServer(t, Options{Enable: true})
	ctx := context.Background()
	c := ts.connect()
	for i := 0; i < 20; i++ {
		id, err := c.CreateSession(ctx, "")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := c.Run(ctx, id, addProgram, "add.py"); err != nil {
			t.Fatal(err)
		}
		if n := ts.srv.Runtime().Stats().Records; n != 2 {
			t.Errorf("cycle %d: %d records while the session runs, want 2", i, n)
		}
		if err := c.DestroySession(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	if n := ts.srv.Runtime().Stats().Records; n != 0 {
		t.Errorf("%d records after destroying every session, want 0", n)
	}
}

func TestRerunReplacesRecords(t *testing.T) {
	ts := newTestServer(t, Options{Enable: true})
	ctx := context.Background()
	c := ts.connect()
	id, err := c.CreateSession(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		run, err := c.Run(ctx, id, addProgram, "add.py")
		if err != nil {
			t.Fatal(err)
		}
		if run["output"] != "3\n7\n" {
			t.Errorf("run %d output = %v", i, run["output"])
		}
	}
	if n := ts.srv.Runtime().Stats().Records; n != 2 {
		t.Errorf("%d records after re-running one module, want 2", n)
	}
}

func TestErrorCodes(t *testing.T) {
	ts := newTestServer(t, Options{Enable: true})
	ctx := context.Background()
	c := ts.connect()
	id, err := c.CreateSession(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Run(ctx, id, "n = 1\ndef f():\n    return 1\ndef g():\n    return 2\nf()\n", "codes.py"); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		procedure string
		fields    map[string]any
		want      connect.Code
	}{
		{"unknown session", InfoProcedure, map[string]any{"session": "nope", "function": "f"}, connect.CodeNotFound},
		{"missing function", InfoProcedure, map[string]any{"session": id}, connect.CodeInvalidArgument},
		{"unknown function", InfoProcedure, map[string]any{"session": id, "function": "h"}, connect.CodeNotFound},
		{"not a function", InfoProcedure, map[string]any{"session": id, "function": "n"}, connect.CodeInvalidArgument},
		{"not compiled", DisProcedure, map[string]any{"session": id, "function": "g"}, connect.CodeFailedPrecondition},
		{"no graph", GraphProcedure, map[string]any{"session": id, "function": "f"}, connect.CodeFailedPrecondition},
		{"bad level", ConfigureProcedure, map[string]any{"level": 7}, connect.CodeInvalidArgument},
		{"bad toggle", ConfigureProcedure, map[string]any{"pgc": "yes"}, connect.CodeInvalidArgument},
		{"bad optimization", ConfigureProcedure, map[string]any{"optimizations": map[string]any{"warp": 1}}, connect.CodeInvalidArgument},
		{"missing source", RunProcedure, map[string]any{"session": id}, connect.CodeInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Call(ctx, tt.procedure, tt.fields)
			if got := connect.CodeOf(err); got != tt.want {
				t.Errorf("code = %v (%v), want %v", got, err, tt.want)
			}
		})
	}
}

func TestGRPCErrorCodes(t *testing.T) {
	ts := newTestServer(t, Options{})
	_, err := ts.grpc(t).Info(context.Background(), "nope", "f")
	if status.Code(err) != codes.NotFound {
		t.Errorf("Info(unknown session) = %v, want NotFound", err)
	}
}

// ---------------------------------------------------------------------------
// Configuration and introspection
// ---------------------------------------------------------------------------

func TestConfigure(t *testing.T) {
	ts := newTestServer(t, Options{})
	ctx := context.Background()
	c := ts.connect()

	st, err := c.Configure(ctx, map[string]any{"enabled": true, "level": 2, "graphs": true, "pgc": false})
	if err != nil {
		t.Fatal(err)
	}
	if st["enabled"] != true || st["level"] != 2.0 || st["graphs"] != true || st["pgc"] != false {
		t.Errorf("Configure = %v", st)
	}
	// Enabling twice does not nest.
	if _, err := c.Configure(ctx, map[string]any{"enabled": true}); err != nil {
		t.Fatal(err)
	}
	st, err = c.Configure(ctx, map[string]any{"enabled": false})
	if err != nil {
		t.Fatal(err)
	}
	if st["enabled"] != false || ts.srv.Runtime().Enabled() {
		t.Errorf("still enabled after one disable: %v", st)
	}
}

func TestGraphsAndOffsets(t *testing.T) {
	ts := newTestServer(t, Options{Enable: true})
	ts.srv.Runtime().EnableGraphs()
	ctx := context.Background()
	c := ts.connect()
	id, err := c.CreateSession(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	src := "def f(xs):\n    t = 0\n    for x in xs:\n        t += x\n    return t\nf([1, 2])\n"
	if _, err := c.Run(ctx, id, src, "loop.py"); err != nil {
		t.Fatal(err)
	}

	g, err := c.Call(ctx, GraphProcedure, map[string]any{"session": id, "function": "f"})
	if err != nil {
		t.Fatal(err)
	}
	if dot, _ := g["dot"].(string); !strings.HasPrefix(dot, `digraph "f"`) || g["blocks"].(float64) < 3 {
		t.Errorf("Graph = %v", g)
	}

	offs, err := c.Call(ctx, OffsetsProcedure, map[string]any{"session": id, "function": "f"})
	if err != nil {
		t.Fatal(err)
	}
	list, _ := offs["offsets"].([]any)
	if len(list) == 0 {
		t.Fatalf("Offsets = %v", offs)
	}
	if first := list[0].(map[string]any); first["il"] != 0.0 {
		t.Errorf("first offset = %v", first)
	}
	found := false
	for _, o := range list {
		if m := o.(map[string]any); m["bytecode"] == 0.0 && m["kind"] == "instruction" {
			found = true
		}
	}
	if !found {
		t.Errorf("no entry for the first instruction: %v", list)
	}
}

func TestCompileNestedFunction(t *testing.T) {
	ts := newTestServer(t, Options{})
	ctx := context.Background()
	c := ts.connect()
	id, err := c.CreateSession(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	src := "def outer():\n    def inner(x):\n        return x * 2\n    return inner\n"
	if _, err := c.Run(ctx, id, src, "nested.py"); err != nil {
		t.Fatal(err)
	}
	info, err := c.Call(ctx, CompileProcedure, map[string]any{"session": id, "function": "inner"})
	if err != nil {
		t.Fatal(err)
	}
	if info["compiled"] != true || info["compiles"] != 1.0 {
		t.Errorf("Compile(inner) = %v", info)
	}
}

// ---------------------------------------------------------------------------
// Concurrency and shutdown
// ---------------------------------------------------------------------------

func TestConcurrentSessions(t *testing.T) {
	ts := newTestServer(t, Options{Enable: true})
	c := ts.connect()
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			id, err := c.CreateSession(ctx, fmt.Sprintf("s%d", i))
			if err != nil {
				return err
			}
			src := fmt.Sprintf("def f(n):\n    return n * %d\nv = 0\nfor k in range(20):\n    v = f(k)\nprint(v)\n", i)
			run, err := c.Run(ctx, id, src, "worker.py")
			if err != nil {
				return err
			}
			if want := fmt.Sprintf("%d\n", 19*i); run["output"] != want {
				return fmt.Errorf("session %d printed %q, want %q", i, run["output"], want)
			}
			return c.DestroySession(ctx, id)
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	st, err := c.Call(context.Background(), ListSessionsProcedure, nil)
	if err != nil {
		t.Fatal(err)
	}
	if list, _ := st["sessions"].([]any); len(list) != 0 {
		t.Errorf("sessions left: %v", list)
	}
}

func TestShutdownFlushesProfiles(t *testing.T) {
	profiles := store.NewMemory()
	cfg := testJITConfig()
	cfg.Store = profiles
	srv, err := New(Options{JIT: cfg, Enable: true})
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx := context.Background()
	c := NewConnectClient(ts.Client(), ts.URL)
	id, err := c.CreateSession(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Run(ctx, id, "def f(x):\n    return x[0]\nf([1])\n", "p.py"); err != nil {
		t.Fatal(err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if profiles.Len() != 1 {
		t.Errorf("%d profiles flushed, want 1", profiles.Len())
	}
	if _, err := srv.worker.Do(ctx, func(*Env) (any, error) { return nil, nil }); err == nil {
		t.Error("worker accepted work after shutdown")
	}
}

func TestWorkerRecoversPanics(t *testing.T) {
	w := NewWorker(newTestEnv(t))
	defer w.Stop()
	_, err := w.Do(context.Background(), func(*Env) (any, error) { panic("boom") })
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("Do = %v, want the panic", err)
	}
	v, err := w.Do(context.Background(), func(*Env) (any, error) { return 7, nil })
	if err != nil || v != 7 {
		t.Errorf("Do after panic = %v, %v", v, err)
	}
}
