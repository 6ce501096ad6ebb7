package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chazu/kestrel/compiler"
	"github.com/chazu/kestrel/jit"
	"github.com/chazu/kestrel/object"
	"github.com/chazu/kestrel/pkg/bytecode"
	"github.com/chazu/kestrel/store"
	"github.com/chazu/kestrel/vm"
)

// session is one interpreter with its runtime and module namespace.
type session struct {
	in       *vm.Interpreter
	rt       *jit.Runtime // nil when the JIT is off
	globals  *object.Dict
	profiles *store.SQLite
}

// jitConfig returns the configured runtime settings with the global flags
// applied.
func (c *cli) jitConfig() (jit.Config, error) {
	cfg, err := c.cfg.JITConfig()
	if err != nil {
		return jit.Config{}, err
	}
	if c.opts.level >= 0 {
		cfg.Level = c.opts.level
	}
	if c.opts.threshold >= 0 {
		cfg.Threshold = c.opts.threshold
	}
	if c.opts.noPGC {
		cfg.PGC = false
	}
	cfg.Tracing = cfg.Tracing || c.opts.trace
	cfg.Profiling = cfg.Profiling || c.opts.profile
	cfg.Graphs = cfg.Graphs || c.opts.graphs
	return cfg, nil
}

func (c *cli) jitEnabled() bool {
	return c.cfg.JIT.Enabled && !c.opts.noJIT
}

// newSession creates an interpreter writing to stdout. The JIT is attached
// when useJIT is set; profiles are persisted when persist is set and a
// profile database is configured.
func (c *cli) newSession(stdout io.Writer, useJIT, persist bool) (*session, error) {
	in := vm.New(append(c.cfg.VMOptions(), vm.WithStdout(stdout))...)
	s := &session{in: in}
	if useJIT {
		cfg, err := c.jitConfig()
		if err != nil {
			return nil, err
		}
		if path := c.cfg.ProfilesPath(); persist && path != "" {
			db, err := store.OpenSQLite(context.Background(), path)
			if err != nil {
				return nil, err
			}
			s.profiles = db
			cfg.Store = db
		}
		rt, err := jit.New(in, cfg)
		if err != nil {
			s.close()
			return nil, err
		}
		rt.Enable()
		s.rt = rt
	}
	s.globals = in.NewGlobals("__main__")
	return s, nil
}

func (s *session) close() error {
	var errs []error
	if s.globals != nil {
		object.Release(s.globals)
		s.globals = nil
	}
	if s.rt != nil {
		errs = append(errs, s.rt.Close())
	}
	if s.profiles != nil {
		errs = append(errs, s.profiles.Close())
	}
	return errors.Join(errs...)
}

func (s *session) exec(code *bytecode.Code) error {
	r, err := s.in.Exec(code, s.globals)
	if err != nil {
		return err
	}
	object.Release(r)
	return nil
}

// target finds a function bound in the module namespace, or a code object
// nested anywhere in code.
func (s *session) target(code *bytecode.Code, name string) (any, error) {
	if fn, err := s.in.Function(s.globals, name); err == nil {
		return fn, nil
	}
	if k := code.Find(name); k != nil && k != code {
		return k, nil
	}
	return nil, fmt.Errorf("no function named %q", name)
}

// loadCode reads serialized bytecode from .kbc files and compiles
// anything else as source.
func loadCode(path string) (*bytecode.Code, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if filepath.Ext(path) == ".kbc" {
		return bytecode.Deserialize(data)
	}
	return compiler.Compile(string(data), path)
}

// ---------------------------------------------------------------------------
// run
// ---------------------------------------------------------------------------

func (c *cli) handleRun(args []string) error {
	if len(args) != 1 {
		return usageError(c.stderr, "run <file>")
	}
	code, err := loadCode(args[0])
	if err != nil {
		return err
	}
	s, err := c.newSession(c.stdout, c.jitEnabled(), true)
	if err != nil {
		return err
	}
	th := s.in.Main()
	if c.opts.trace {
		th.SetTrace(func(f *vm.Frame, ev vm.TraceEvent, _ object.Object) error {
			fmt.Fprintf(c.stderr, "trace: %-9s %s:%d\n", ev, f.Name(), f.LineNumber())
			return nil
		})
	}
	if c.opts.profile {
		th.SetProfile(func(f *vm.Frame, ev vm.TraceEvent, _ object.Object) error {
			fmt.Fprintf(c.stderr, "profile: %-6s %s\n", ev, f.Name())
			return nil
		})
	}

	runErr := s.exec(code)
	if s.rt != nil {
		st := s.rt.Stats()
		log.Infof("%d records, %d compiled, %d failed, %d recompiled, %d fallbacks",
			st.Records, st.Compiled, st.Failed, st.Recompiled, st.Fallbacks)
	}
	if err := s.close(); err != nil {
		log.Warningf("closing runtime: %s", err)
	}
	return runErr
}

// ---------------------------------------------------------------------------
// dis, dis-native, graph
// ---------------------------------------------------------------------------

// compiled runs file, then makes sure the function name has a method.
func (c *cli) compiled(file, name string) (*session, any, error) {
	code, err := loadCode(file)
	if err != nil {
		return nil, nil, err
	}
	s, err := c.newSession(io.Discard, true, true)
	if err != nil {
		return nil, nil, err
	}
	if err := s.exec(code); err != nil {
		s.close()
		return nil, nil, err
	}
	target, err := s.target(code, name)
	if err != nil {
		s.close()
		return nil, nil, err
	}
	info, err := s.rt.Info(target)
	if err != nil {
		s.close()
		return nil, nil, err
	}
	if !info.Compiled {
		if err := s.rt.Compile(target); err != nil {
			s.close()
			return nil, nil, err
		}
	}
	return s, target, nil
}

func (c *cli) handleDis(args []string, native bool) error {
	cmd := "dis"
	if native {
		cmd = "dis-native"
	}
	showOffsets := false
	var rest []string
	for _, a := range args {
		if a == "-offsets" || a == "--offsets" {
			showOffsets = true
		} else {
			rest = append(rest, a)
		}
	}
	if len(rest) != 2 {
		return usageError(c.stderr, cmd+" [-offsets] <file> <func>")
	}
	s, target, err := c.compiled(rest[0], rest[1])
	if err != nil {
		return err
	}
	defer s.close()
	if native {
		return s.rt.DisNative(c.stdout, target, showOffsets)
	}
	return s.rt.Dis(c.stdout, target, showOffsets)
}

func (c *cli) handleGraph(args []string) error {
	if len(args) != 2 {
		return usageError(c.stderr, "graph <file> <func>")
	}
	c.opts.graphs = true
	s, target, err := c.compiled(args[0], args[1])
	if err != nil {
		return err
	}
	defer s.close()
	g, err := s.rt.Graph(target)
	if err != nil {
		return err
	}
	return g.DOT(c.stdout)
}

// ---------------------------------------------------------------------------
// bytecode, compile
// ---------------------------------------------------------------------------

func (c *cli) handleBytecode(args []string) error {
	if len(args) != 1 {
		return usageError(c.stderr, "bytecode <file>")
	}
	code, err := loadCode(args[0])
	if err != nil {
		return err
	}
	_, err = io.WriteString(c.stdout, code.Disassemble())
	return err
}

func (c *cli) handleCompile(args []string) error {
	var in, out string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-o" || args[i] == "--output":
			if i+1 >= len(args) {
				return usageError(c.stderr, "compile <file> [-o out.kbc]")
			}
			out = args[i+1]
			i++
		case in == "":
			in = args[i]
		default:
			return usageError(c.stderr, "compile <file> [-o out.kbc]")
		}
	}
	if in == "" {
		return usageError(c.stderr, "compile <file> [-o out.kbc]")
	}
	if out == "" {
		out = strings.TrimSuffix(in, filepath.Ext(in)) + ".kbc"
	}
	code, err := loadCode(in)
	if err != nil {
		return err
	}
	data, err := code.Serialize()
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "Wrote %s (%d bytes, fingerprint %016x)\n", out, len(data), code.Fingerprint())
	return nil
}

// ---------------------------------------------------------------------------
// bench
// ---------------------------------------------------------------------------

type benchResult struct {
	mode    string
	elapsed time.Duration
	calls   int64
	info    jit.Info
}

func (c *cli) handleBench(args []string) error {
	const usage = "bench [-workers n] <file> <func> <calls>"
	workers := 1
	var rest []string
	for i := 0; i < len(args); i++ {
		if args[i] == "-workers" || args[i] == "--workers" {
			if i+1 >= len(args) {
				return usageError(c.stderr, usage)
			}
			n, err := strconv.Atoi(args[i+1])
			if err != nil || n < 1 {
				return fmt.Errorf("bad worker count %q", args[i+1])
			}
			workers = n
			i++
			continue
		}
		rest = append(rest, args[i])
	}
	if len(rest) != 3 {
		return usageError(c.stderr, usage)
	}
	calls, err := strconv.ParseInt(rest[2], 10, 64)
	if err != nil || calls < 1 {
		return fmt.Errorf("bad call count %q", rest[2])
	}
	code, err := loadCode(rest[0])
	if err != nil {
		return err
	}

	var results []benchResult
	for _, useJIT := range []bool{false, true} {
		r, err := c.bench(code, rest[1], calls, workers, useJIT)
		if err != nil {
			return err
		}
		results = append(results, r)
	}
	for _, r := range results {
		per := r.elapsed / time.Duration(r.calls)
		fmt.Fprintf(c.stdout, "%-8s %d calls x %d workers  %v  (%v/call)\n", r.mode, calls, workers, r.elapsed.Round(time.Microsecond), per)
		if r.mode == "jit" {
			fmt.Fprintf(c.stdout, "         state=%s result=%s level=%d pgc=%d compiles=%d\n",
				r.info.State, r.info.Result, r.info.Level, r.info.PGC, r.info.Compiles)
		}
	}
	return nil
}

// bench calls name from workers goroutines, each with its own
// interpreter.
func (c *cli) bench(code *bytecode.Code, name string, calls int64, workers int, useJIT bool) (benchResult, error) {
	res := benchResult{mode: "generic", calls: calls * int64(workers)}
	if useJIT {
		res.mode = "jit"
	}
	infos := make([]jit.Info, workers)
	g, ctx := errgroup.WithContext(context.Background())
	start := time.Now()
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			s, err := c.newSession(io.Discard, useJIT, false)
			if err != nil {
				return err
			}
			defer s.close()
			if err := s.exec(code); err != nil {
				return err
			}
			fn, err := s.in.Function(s.globals, name)
			if err != nil {
				return err
			}
			for i := int64(0); i < calls; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				r, err := s.in.Call(fn)
				if err != nil {
					return err
				}
				object.Release(r)
			}
			if s.rt != nil {
				info, err := s.rt.Info(fn)
				if err != nil {
					return err
				}
				infos[w] = info
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}
	res.elapsed = time.Since(start)
	res.info = infos[0]
	return res, nil
}
