package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chazu/kestrel/jit"
)

func writeConfig(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
[jit]
level = 2
threshold = 10
pgc = false
graphs = true

[jit.optimizations]
slice = -1
hashed-names = 1

[runtime]
recursion-limit = 200

[profiles]
path = ".kestrel/profiles.db"

[backend]
require = true
path = "/opt/dotnet/libclrjit.so"

[server]
addr = "localhost:9000"

[log]
verbosity = 2
`)
	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.JIT.Level != 2 || c.JIT.Threshold != 10 || c.JIT.PGC || !c.JIT.Graphs {
		t.Errorf("jit = %+v", c.JIT)
	}
	if !c.JIT.Enabled {
		t.Error("jit.enabled default lost")
	}
	if c.Runtime.RecursionLimit != 200 {
		t.Errorf("recursion-limit = %d, want 200", c.Runtime.RecursionLimit)
	}
	if c.Server.Addr != "localhost:9000" {
		t.Errorf("server addr = %q", c.Server.Addr)
	}
	if want := filepath.Join(c.Dir, ".kestrel", "profiles.db"); c.ProfilesPath() != want {
		t.Errorf("ProfilesPath() = %q, want %q", c.ProfilesPath(), want)
	}
	if c.LogPath() != "" {
		t.Errorf("LogPath() = %q, want stderr", c.LogPath())
	}

	cfg, err := c.JITConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Level != 2 || cfg.PGC || !cfg.RequireBackend || cfg.BackendPath != "/opt/dotnet/libclrjit.so" {
		t.Errorf("JITConfig() = %+v", cfg)
	}
	if cfg.Policy.Enabled(jit.OptSlice, 2) {
		t.Error("slice optimization not disabled")
	}
	if !cfg.Policy.Enabled(jit.OptHashedNames, 1) {
		t.Error("hashed-names not lowered to level 1")
	}
	if len(c.VMOptions()) != 1 {
		t.Errorf("VMOptions() = %d options, want 1", len(c.VMOptions()))
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "[jit]\ndebug = true\n")
	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	d := Default()
	if c.JIT.Level != d.JIT.Level || !c.JIT.PGC || !c.JIT.Enabled || !c.JIT.Debug {
		t.Errorf("jit = %+v", c.JIT)
	}
	if c.Server.Addr != d.Server.Addr {
		t.Errorf("server addr = %q, want %q", c.Server.Addr, d.Server.Addr)
	}
	if c.ProfilesPath() != "" {
		t.Errorf("ProfilesPath() = %q, want none", c.ProfilesPath())
	}
}

func TestInvalidConfig(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"syntax", "[jit\n", "parse error"},
		{"level out of range", "[jit]\nlevel = 3\n", "invalid"},
		{"negative threshold", "[jit]\nthreshold = -1\n", "invalid"},
		{"wrong type", "[jit]\npgc = \"yes\"\n", "invalid"},
		{"unknown section", "[jitt]\nlevel = 1\n", "invalid"},
		{"unknown key", "[jit]\nspeed = 1\n", "invalid"},
		{"bad optimization level", "[jit.optimizations]\nslice = 5\n", "invalid"},
		{"bad server addr", "[server]\naddr = \"nowhere\"\n", "invalid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeConfig(t, dir, tt.content)
			_, err := Load(dir)
			if err == nil {
				t.Fatal("Load succeeded")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestUnknownOptimization(t *testing.T) {
	c := Default()
	c.JIT.Optimizations = map[string]int{"warp-drive": 1}
	if _, err := c.JITConfig(); err == nil {
		t.Error("JITConfig accepted an unknown optimization")
	}
}

func TestFindAndLoad(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, "[jit]\nlevel = 0\n")
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}
	c, err := FindAndLoad(nested)
	if err != nil {
		t.Fatal(err)
	}
	if c.JIT.Level != 0 {
		t.Errorf("level = %d, want 0 from the parent file", c.JIT.Level)
	}
	abs, _ := filepath.Abs(root)
	if c.Dir != abs {
		t.Errorf("Dir = %q, want %q", c.Dir, abs)
	}
}

func TestFindAndLoadNoFile(t *testing.T) {
	c, err := FindAndLoad(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if c.JIT.Level != Default().JIT.Level {
		t.Errorf("level = %d, want the default", c.JIT.Level)
	}
}
