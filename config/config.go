// Package config handles kestrel.toml configuration.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/BurntSushi/toml"

	"github.com/chazu/kestrel/jit"
	"github.com/chazu/kestrel/vm"
)

// FileName is the configuration file looked up by FindAndLoad.
const FileName = "kestrel.toml"

//go:embed schema.cue
var schemaSource string

// Config represents a kestrel.toml file.
type Config struct {
	JIT      JIT      `toml:"jit"`
	Runtime  Runtime  `toml:"runtime"`
	Profiles Profiles `toml:"profiles"`
	Backend  Backend  `toml:"backend"`
	Server   Server   `toml:"server"`
	Log      Log      `toml:"log"`

	// Dir is the directory containing the file (set at load time).
	Dir string `toml:"-"`
}

// JIT configures the compiler.
type JIT struct {
	Enabled       bool           `toml:"enabled"`
	Level         int            `toml:"level"`
	Threshold     int64          `toml:"threshold"`
	PGC           bool           `toml:"pgc"`
	Debug         bool           `toml:"debug"`
	Tracing       bool           `toml:"tracing"`
	Profiling     bool           `toml:"profiling"`
	Graphs        bool           `toml:"graphs"`
	MaxMethodSize int            `toml:"max-method-size"`
	Optimizations map[string]int `toml:"optimizations"`
}

// Runtime configures the interpreter.
type Runtime struct {
	RecursionLimit  int `toml:"recursion-limit"`
	MaxPendingCalls int `toml:"max-pending-calls"`
}

// Profiles configures the persistent profile store. An empty path keeps
// profiles in memory only.
type Profiles struct {
	Path string `toml:"path"`
}

// Backend configures discovery of the native backend library.
type Backend struct {
	Require bool   `toml:"require"`
	Path    string `toml:"path"`
}

// Server configures the introspection server.
type Server struct {
	Addr string `toml:"addr"`
}

// Log configures commonlog.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	Path      string `toml:"path"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		JIT: JIT{
			Enabled:       true,
			Level:         1,
			PGC:           true,
			MaxMethodSize: jit.DefaultMaxMethodSize,
		},
		Runtime: Runtime{RecursionLimit: vm.DefaultRecursionLimit},
		Server:  Server{Addr: "127.0.0.1:7420"},
	}
}

// Load parses kestrel.toml from the given directory.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	c, err := Parse(data, path)
	if err != nil {
		return nil, err
	}
	c.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	return c, nil
}

// FindAndLoad walks up from startDir to find kestrel.toml, then loads it.
// Returns the defaults if no file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, FileName)); err == nil {
			return Load(dir)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			c := Default()
			c.Dir = startDir
			return c, nil
		}
		dir = parent
	}
}

// Parse decodes and validates configuration data. name labels errors.
func Parse(data []byte, name string) (*Config, error) {
	var raw map[string]any
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", name, err)
	}
	if err := Validate(raw); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", name, err)
	}
	c := Default()
	md, err := toml.Decode(string(data), c)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", name, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("invalid %s: unknown key %s", name, undecoded[0])
	}
	return c, nil
}

// Validate checks decoded TOML against the embedded schema.
func Validate(raw map[string]any) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))
	v := def.Unify(ctx.Encode(raw))
	return v.Validate(cue.Concrete(true))
}

// ProfilesPath returns the absolute path of the profile database, or ""
// when profiles are not persisted.
func (c *Config) ProfilesPath() string {
	return c.resolve(c.Profiles.Path)
}

// LogPath returns the absolute path of the log file, or "" for stderr.
func (c *Config) LogPath() string {
	return c.resolve(c.Log.Path)
}

func (c *Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Dir, p)
}

// JITConfig returns the runtime configuration. The profile store is left
// for the caller to attach.
func (c *Config) JITConfig() (jit.Config, error) {
	cfg := jit.DefaultConfig()
	cfg.Level = c.JIT.Level
	cfg.Threshold = c.JIT.Threshold
	cfg.PGC = c.JIT.PGC
	cfg.Debug = c.JIT.Debug
	cfg.Tracing = c.JIT.Tracing
	cfg.Profiling = c.JIT.Profiling
	cfg.Graphs = c.JIT.Graphs
	cfg.MaxMethodSize = c.JIT.MaxMethodSize
	cfg.RequireBackend = c.Backend.Require
	cfg.BackendPath = c.resolve(c.Backend.Path)

	names := make([]string, 0, len(c.JIT.Optimizations))
	for name := range c.JIT.Optimizations {
		names = append(names, name)
	}
	sort.Strings(names)
	policy := jit.DefaultPolicy()
	for _, name := range names {
		o, err := jit.ParseOptimization(name)
		if err != nil {
			return jit.Config{}, err
		}
		if err := policy.Set(o, c.JIT.Optimizations[name]); err != nil {
			return jit.Config{}, err
		}
	}
	cfg.Policy = policy
	return cfg, nil
}

// VMOptions returns the interpreter options.
func (c *Config) VMOptions() []vm.Option {
	var opts []vm.Option
	if c.Runtime.RecursionLimit > 0 {
		opts = append(opts, vm.WithRecursionLimit(c.Runtime.RecursionLimit))
	}
	if c.Runtime.MaxPendingCalls > 0 {
		opts = append(opts, vm.WithMaxPendingCalls(c.Runtime.MaxPendingCalls))
	}
	return opts
}
