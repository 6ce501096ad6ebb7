package main

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chazu/kestrel/server"
)

const program = `def dot(xs, ys):
    t = 0
    for i in range(len(xs)):
        t += xs[i] * ys[i]
    return t

def work():
    return dot([1, 2, 3], [4, 5, 6])

print(work())
`

// project writes prog.py and an optional kestrel.toml to a temp dir.
func project(t *testing.T, toml string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "prog.py"), []byte(program), 0644); err != nil {
		t.Fatal(err)
	}
	if toml != "" {
		if err := os.WriteFile(filepath.Join(dir, "kestrel.toml"), []byte(toml), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func kestrel(t *testing.T, args ...string) (code int, stdout, stderr string) {
	t.Helper()
	var out, errb bytes.Buffer
	code = run(args, &out, &errb)
	return code, out.String(), errb.String()
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

func TestRun(t *testing.T) {
	dir := project(t, "")
	prog := filepath.Join(dir, "prog.py")
	for _, flags := range [][]string{nil, {"-no-jit"}, {"-O", "0"}, {"-O", "2", "-no-pgc"}} {
		args := append(append([]string{"-C", dir}, flags...), "run", prog)
		code, out, errOut := kestrel(t, args...)
		if code != 0 || out != "32\n" {
			t.Errorf("kestrel %v = %d, %q (stderr %q)", args, code, out, errOut)
		}
	}
}

func TestRunException(t *testing.T) {
	dir := t.TempDir()
	prog := filepath.Join(dir, "boom.py")
	os.WriteFile(prog, []byte("def f():\n    raise KeyError('k')\nf()\n"), 0644)
	code, _, errOut := kestrel(t, "-C", dir, "run", prog)
	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	if !strings.Contains(errOut, "Traceback (most recent call last)") || !strings.Contains(errOut, "KeyError") {
		t.Errorf("stderr = %q", errOut)
	}
}

func TestRunTrace(t *testing.T) {
	dir := project(t, "")
	code, _, errOut := kestrel(t, "-C", dir, "-trace", "run", filepath.Join(dir, "prog.py"))
	if code != 0 {
		t.Fatalf("exit code = %d: %s", code, errOut)
	}
	if !strings.Contains(errOut, "trace: call      dot:") || !strings.Contains(errOut, "trace: line      dot:4") {
		t.Errorf("trace output = %q", errOut)
	}
}

func TestDis(t *testing.T) {
	dir := project(t, "")
	prog := filepath.Join(dir, "prog.py")
	code, out, errOut := kestrel(t, "-C", dir, "dis", "-offsets", prog, "dot")
	if code != 0 {
		t.Fatalf("exit code = %d: %s", code, errOut)
	}
	if !strings.Contains(out, "IL_0000") || !strings.Contains(out, "BINARY_SUBSCR") {
		t.Errorf("dis output:\n%s", out)
	}

	code, _, errOut = kestrel(t, "-C", dir, "dis", prog, "missing")
	if code != 1 || !strings.Contains(errOut, `no function named "missing"`) {
		t.Errorf("dis missing = %d, %q", code, errOut)
	}
}

func TestGraph(t *testing.T) {
	dir := project(t, "")
	code, out, errOut := kestrel(t, "-C", dir, "graph", filepath.Join(dir, "prog.py"), "dot")
	if code != 0 {
		t.Fatalf("exit code = %d: %s", code, errOut)
	}
	if !strings.HasPrefix(out, `digraph "dot"`) {
		t.Errorf("graph output:\n%s", out)
	}
}

func TestBytecodeAndCompile(t *testing.T) {
	dir := project(t, "")
	prog := filepath.Join(dir, "prog.py")
	code, listing, errOut := kestrel(t, "bytecode", prog)
	if code != 0 || !strings.Contains(listing, "dot") {
		t.Fatalf("bytecode = %d, %q", code, errOut)
	}

	kbc := filepath.Join(dir, "out.kbc")
	code, out, errOut := kestrel(t, "compile", prog, "-o", kbc)
	if code != 0 || !strings.HasPrefix(out, "Wrote "+kbc) {
		t.Fatalf("compile = %d, %q, %q", code, out, errOut)
	}
	code, out, errOut = kestrel(t, "-C", dir, "run", kbc)
	if code != 0 || out != "32\n" {
		t.Errorf("run .kbc = %d, %q, %q", code, out, errOut)
	}
	_, again, _ := kestrel(t, "bytecode", kbc)
	if again != listing {
		t.Error("listing of the serialized bytecode differs from the source listing")
	}
}

func TestBench(t *testing.T) {
	dir := project(t, "")
	code, out, errOut := kestrel(t, "-C", dir, "bench", "-workers", "3", filepath.Join(dir, "prog.py"), "work", "50")
	if code != 0 {
		t.Fatalf("exit code = %d: %s", code, errOut)
	}
	for _, want := range []string{"generic  50 calls x 3 workers", "jit      50 calls x 3 workers", "result=success"} {
		if !strings.Contains(out, want) {
			t.Errorf("bench output missing %q:\n%s", want, out)
		}
	}
}

func TestStatus(t *testing.T) {
	dir := project(t, "[jit]\nlevel = 2\n\n[jit.optimizations]\nslice = -1\n")
	code, out, errOut := kestrel(t, "-C", dir, "-threshold", "5", "status")
	if code != 0 {
		t.Fatalf("exit code = %d: %s", code, errOut)
	}
	for _, want := range []string{"Level:     2", "Threshold: 5", "hashed-names       on", "slice              off"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}
}

func TestProfiles(t *testing.T) {
	dir := project(t, "[profiles]\npath = \"profiles.db\"\n")
	if code, _, errOut := kestrel(t, "-C", dir, "run", filepath.Join(dir, "prog.py")); code != 0 {
		t.Fatalf("run: %s", errOut)
	}
	code, out, errOut := kestrel(t, "-C", dir, "profiles", "list")
	if code != 0 || !strings.Contains(out, "dot") {
		t.Fatalf("profiles list = %d, %q, %q", code, out, errOut)
	}
	code, out, _ = kestrel(t, "-C", dir, "profiles", "prune", "0")
	if code != 0 || !strings.HasPrefix(out, "Pruned ") || strings.HasPrefix(out, "Pruned 0") {
		t.Errorf("profiles prune = %d, %q", code, out)
	}

	noStore := project(t, "")
	if code, _, errOut := kestrel(t, "-C", noStore, "profiles"); code != 1 || !strings.Contains(errOut, "no [profiles] path") {
		t.Errorf("profiles without a path = %d, %q", code, errOut)
	}
}

func TestRemote(t *testing.T) {
	dir := project(t, "")
	srv, err := server.New(server.Options{Enable: true})
	if err != nil {
		t.Fatal(err)
	}
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go srv.Serve(l)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	addr := l.Addr().String()

	code, out, errOut := kestrel(t, "-C", dir, "-addr", addr, "remote", "run", filepath.Join(dir, "prog.py"), "dot")
	if code != 0 {
		t.Fatalf("remote run = %d: %s", code, errOut)
	}
	if !strings.HasPrefix(out, "32\n") || !strings.Contains(out, "compiled:   true") {
		t.Errorf("remote run output:\n%s", out)
	}

	code, out, errOut = kestrel(t, "-C", dir, "-addr", addr, "remote", "status")
	if code != 0 || !strings.Contains(out, "enabled:    true") {
		t.Errorf("remote status = %d, %q, %q", code, out, errOut)
	}
}

func TestUsage(t *testing.T) {
	if code, _, _ := kestrel(t); code != 2 {
		t.Errorf("no command: exit %d, want 2", code)
	}
	if code, _, errOut := kestrel(t, "frobnicate"); code != 1 || !strings.Contains(errOut, "unknown command") {
		t.Errorf("unknown command = %d, %q", code, errOut)
	}
	if code, _, errOut := kestrel(t, "run"); code != 2 || !strings.Contains(errOut, "Usage: kestrel run") {
		t.Errorf("run without a file = %d, %q", code, errOut)
	}
}
