package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/chazu/kestrel/config"
	"github.com/chazu/kestrel/jit"
	"github.com/chazu/kestrel/server"
	"github.com/chazu/kestrel/store"
)

// ---------------------------------------------------------------------------
// status
// ---------------------------------------------------------------------------

func (c *cli) handleStatus(args []string) error {
	if len(args) != 0 {
		return usageError(c.stderr, "status")
	}
	cfg, err := c.jitConfig()
	if err != nil {
		return err
	}
	if c.cfg.Dir != "" {
		fmt.Fprintf(c.stdout, "Config:    %s\n", c.cfg.Dir)
	}
	on := "on"
	if !c.jitEnabled() {
		on = "off"
	}
	fmt.Fprintf(c.stdout, "JIT:       %s\n", on)
	fmt.Fprintf(c.stdout, "Level:     %d\n", cfg.Level)
	fmt.Fprintf(c.stdout, "Threshold: %d\n", cfg.Threshold)
	fmt.Fprintf(c.stdout, "PGC:       %t\n", cfg.PGC)
	fmt.Fprintf(c.stdout, "Tracing:   %t\n", cfg.Tracing)
	fmt.Fprintf(c.stdout, "Profiling: %t\n", cfg.Profiling)
	fmt.Fprintf(c.stdout, "Graphs:    %t\n", cfg.Graphs)
	if p := c.cfg.ProfilesPath(); p != "" {
		fmt.Fprintf(c.stdout, "Profiles:  %s\n", p)
	} else {
		fmt.Fprintf(c.stdout, "Profiles:  memory\n")
	}

	backend := cfg.BackendPath
	if backend == "" {
		var cerr error
		backend, cerr = jit.LocateBackend(cfg.Env)
		if cerr != nil {
			backend = "none (" + cerr.Error() + ")"
		}
	}
	fmt.Fprintf(c.stdout, "Backend:   %s\n", backend)

	fmt.Fprintf(c.stdout, "\nOptimizations at level %d:\n", cfg.Level)
	for _, o := range jit.Optimizations() {
		state := "off"
		if cfg.Policy.Enabled(o, cfg.Level) {
			state = "on"
		}
		fmt.Fprintf(c.stdout, "  %-18s %-3s (from level %d)\n", o, state, cfg.Policy[o])
	}
	return nil
}

// ---------------------------------------------------------------------------
// profiles
// ---------------------------------------------------------------------------

func (c *cli) handleProfiles(args []string) error {
	path := c.cfg.ProfilesPath()
	if path == "" {
		return fmt.Errorf("no [profiles] path configured in %s", config.FileName)
	}
	ctx := context.Background()
	db, err := store.OpenSQLite(ctx, path)
	if err != nil {
		return err
	}
	defer db.Close()

	if len(args) == 0 || args[0] == "list" {
		entries, err := db.List(ctx)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Fprintf(c.stdout, "No profiles in %s\n", path)
			return nil
		}
		for _, e := range entries {
			fmt.Fprintf(c.stdout, "%-24s %016x  %3d sites  %s\n",
				e.Key.Name, e.Key.Fingerprint, e.Sites, e.Updated.Format(time.DateTime))
		}
		return nil
	}
	if args[0] == "prune" && len(args) == 2 {
		hours, err := strconv.ParseFloat(args[1], 64)
		if err != nil || hours < 0 {
			return fmt.Errorf("bad age %q", args[1])
		}
		n, err := db.Prune(ctx, time.Now().Add(-time.Duration(hours*float64(time.Hour))))
		if err != nil {
			return err
		}
		fmt.Fprintf(c.stdout, "Pruned %d profiles\n", n)
		return nil
	}
	return usageError(c.stderr, "profiles [list|prune <hours>]")
}

// ---------------------------------------------------------------------------
// serve, lsp
// ---------------------------------------------------------------------------

func (c *cli) serverOptions() (server.Options, *store.SQLite, error) {
	cfg, err := c.jitConfig()
	if err != nil {
		return server.Options{}, nil, err
	}
	var db *store.SQLite
	if path := c.cfg.ProfilesPath(); path != "" {
		db, err = store.OpenSQLite(context.Background(), path)
		if err != nil {
			return server.Options{}, nil, err
		}
		cfg.Store = db
	}
	return server.Options{VM: c.cfg.VMOptions(), JIT: cfg, Enable: c.jitEnabled()}, db, nil
}

func (c *cli) addr() string {
	if c.opts.addr != "" {
		return c.opts.addr
	}
	return c.cfg.Server.Addr
}

func (c *cli) handleServe(args []string) error {
	if len(args) != 0 {
		return usageError(c.stderr, "serve")
	}
	opts, db, err := c.serverOptions()
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}
	srv, err := server.New(opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe(c.addr()) }()
	fmt.Fprintf(c.stdout, "Kestrel JIT server listening on %s\n", c.addr())
	fmt.Fprintf(c.stdout, "  Connect (HTTP/JSON): http://%s%s\n", c.addr(), server.StatusProcedure)
	fmt.Fprintf(c.stdout, "  gRPC (binary):       grpc://%s\n", c.addr())

	select {
	case err := <-errc:
		srv.Shutdown(context.Background())
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (c *cli) handleLSP(args []string) error {
	if len(args) != 0 {
		return usageError(c.stderr, "lsp")
	}
	opts, db, err := c.serverOptions()
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}
	lsp, err := server.NewLSP(opts)
	if err != nil {
		return err
	}
	return lsp.Run()
}

// ---------------------------------------------------------------------------
// remote
// ---------------------------------------------------------------------------

func (c *cli) handleRemote(args []string) error {
	const usage = "remote status | remote run <file> [func...] | remote info <session> <func>"
	if len(args) == 0 {
		return usageError(c.stderr, usage)
	}
	client, err := server.Dial(c.addr())
	if err != nil {
		return err
	}
	defer client.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	switch {
	case args[0] == "status" && len(args) == 1:
		st, err := client.Status(ctx)
		if err != nil {
			return err
		}
		c.printFields(st)
		return nil

	case args[0] == "run" && len(args) >= 2:
		src, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}
		id, err := client.CreateSession(ctx, "__main__")
		if err != nil {
			return err
		}
		fmt.Fprintf(c.stderr, "session %s\n", id)
		run, err := client.Run(ctx, id, string(src), args[1])
		if err != nil {
			return err
		}
		out, _ := run["output"].(string)
		fmt.Fprint(c.stdout, out)
		if run["success"] != true {
			if tb, ok := run["traceback"].(string); ok {
				fmt.Fprint(c.stderr, tb)
			}
			fmt.Fprintln(c.stderr, run["error"])
			return &exitError{code: 1}
		}
		for _, fn := range args[2:] {
			info, err := client.Info(ctx, id, fn)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.stdout, "\n%s:\n", fn)
			c.printFields(info)
		}
		return nil

	case args[0] == "info" && len(args) == 3:
		info, err := client.Info(ctx, args[1], args[2])
		if err != nil {
			return err
		}
		c.printFields(info)
		return nil
	}
	return usageError(c.stderr, usage)
}

func (c *cli) printFields(fields map[string]any) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := fields[k]
		if f, ok := v.(float64); ok && f == float64(int64(f)) {
			v = int64(f)
		}
		fmt.Fprintf(c.stdout, "  %-11s %v\n", k+":", v)
	}
}
