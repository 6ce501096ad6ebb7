package integration_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/chazu/kestrel/compiler"
	"github.com/chazu/kestrel/jit"
	"github.com/chazu/kestrel/object"
	"github.com/chazu/kestrel/pkg/bytecode"
	"github.com/chazu/kestrel/store"
	"github.com/chazu/kestrel/vm"
)

// ---------------------------------------------------------------------------
// Integration test helpers
// ---------------------------------------------------------------------------

const programs = `
def dot(xs, ys):
    t = 0
    for i in range(len(xs)):
        t += xs[i] * ys[i]
    return t

def histogram(words):
    h = {}
    for w in words:
        if w in h:
            h[w] += 1
        else:
            h[w] = 1
    return [(k, h[k]) for k in h]

def mixed(n):
    acc = 0
    for i in range(n):
        if i % 3 == 0:
            acc = acc + 0.5
        else:
            acc = acc + i
    return acc

def wide(n):
    x = 1
    for i in range(n):
        x = x * 3
    return x

def safe_div(a, b):
    try:
        return a // b
    except ZeroDivisionError:
        return None

def drive():
    out = []
    for r in range(4):
        out.append(dot([1, 2, 3], [r, r + 1, r + 2]))
        out.append(mixed(r * 4))
        out.append(wide(r * 25))
        out.append(safe_div(10, r))
    out.append(histogram(['a', 'b', 'a', 'c', 'b', 'a']))
    out.append(dot([1.5, 2.5], [2, 4]))
    return out

print(drive())
print(drive())
`

// mode is one way of running a module.
type mode struct {
	name string
	jit  bool
	cfg  jit.Config
}

func modes() []mode {
	ms := []mode{{name: "generic"}}
	for level := 0; level <= jit.MaxOptimizationLevel; level++ {
		for _, pgc := range []bool{true, false} {
			cfg := testConfig()
			cfg.Level = level
			cfg.PGC = pgc
			ms = append(ms, mode{name: fmt.Sprintf("O%d/pgc=%t", level, pgc), jit: true, cfg: cfg})
		}
	}
	return ms
}

func testConfig() jit.Config {
	cfg := jit.DefaultConfig()
	cfg.Env = func(string) (string, bool) { return "", false }
	cfg.Threshold = 1
	return cfg
}

// runModule executes code and returns its output. The runtime is closed
// before returning so stores see the flushed profiles.
func runModule(t *testing.T, code *bytecode.Code, m mode) (string, jit.Stats) {
	t.Helper()
	var out bytes.Buffer
	in := vm.New(vm.WithStdout(&out))
	var rt *jit.Runtime
	if m.jit {
		var err error
		rt, err = jit.New(in, m.cfg)
		if err != nil {
			t.Fatal(err)
		}
		rt.Enable()
	}
	globals := in.NewGlobals("__main__")
	r, err := in.Exec(code, globals)
	if err != nil {
		var exc *object.Exception
		if errors.As(err, &exc) {
			t.Fatalf("%s: %s\n%s", m.name, exc.Error(), exc.FormatTraceback())
		}
		t.Fatalf("%s: %v", m.name, err)
	}
	object.Release(r)
	object.Release(globals)
	var st jit.Stats
	if rt != nil {
		st = rt.Stats()
		if err := rt.Close(); err != nil {
			t.Fatal(err)
		}
	}
	return out.String(), st
}

// ---------------------------------------------------------------------------
// Whole pipeline
// ---------------------------------------------------------------------------

func TestModesAgree(t *testing.T) {
	code, err := compiler.Compile(programs, "programs.py")
	if err != nil {
		t.Fatal(err)
	}
	want, _ := runModule(t, code, mode{name: "generic"})
	if want == "" {
		t.Fatal("generic run printed nothing")
	}
	for _, m := range modes()[1:] {
		t.Run(m.name, func(t *testing.T) {
			got, st := runModule(t, code, m)
			if got != want {
				t.Errorf("output = %q\nwant %q", got, want)
			}
			if st.Compiled == 0 {
				t.Errorf("nothing was compiled: %+v", st)
			}
		})
	}
}

func TestSerializedBytecodeRuns(t *testing.T) {
	code, err := compiler.Compile(programs, "programs.py")
	if err != nil {
		t.Fatal(err)
	}
	data, err := code.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	loaded, err := bytecode.Deserialize(data)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Fingerprint() != code.Fingerprint() {
		t.Errorf("fingerprint changed: %016x != %016x", loaded.Fingerprint(), code.Fingerprint())
	}
	if loaded.Disassemble() != code.Disassemble() {
		t.Error("disassembly of the loaded code differs")
	}
	m := modes()[len(modes())-2]
	want, _ := runModule(t, code, m)
	got, _ := runModule(t, loaded, m)
	if got != want {
		t.Errorf("loaded code printed %q, want %q", got, want)
	}
}

func TestPersistedProfilesAcrossInterpreters(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "profiles.db")
	code, err := compiler.Compile(programs, "programs.py")
	if err != nil {
		t.Fatal(err)
	}

	open := func() *store.SQLite {
		db, err := store.OpenSQLite(ctx, path)
		if err != nil {
			t.Fatal(err)
		}
		return db
	}

	db := open()
	cfg := testConfig()
	cfg.Store = db
	first, _ := runModule(t, code, mode{name: "cold", jit: true, cfg: cfg})
	entries, err := db.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	db.Close()
	names := map[string]bool{}
	for _, e := range entries {
		if e.Key.Fingerprint == 0 {
			t.Errorf("profile %s has no fingerprint", e.Key.Name)
		}
		names[e.Key.Name] = true
	}
	for _, fn := range []string{"dot", "mixed", "wide"} {
		if !names[fn] {
			t.Errorf("no stored profile for %s (have %v)", fn, names)
		}
	}

	db = open()
	defer db.Close()
	cfg.Store = db
	second, st := runModule(t, code, mode{name: "warm", jit: true, cfg: cfg})
	if second != first {
		t.Errorf("warm run printed %q, want %q", second, first)
	}
	if st.Compiled == 0 {
		t.Errorf("warm run compiled nothing: %+v", st)
	}
}
