// Kestrel CLI - runs programs under the specializing JIT and inspects what
// it generates.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/tliron/commonlog"

	"github.com/chazu/kestrel/config"
	"github.com/chazu/kestrel/object"

	_ "github.com/tliron/commonlog/simple"
)

var log = commonlog.GetLogger("kestrel.cli")

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// options are the global flags. Negative numbers keep the configured
// value.
type options struct {
	level     int
	threshold int64
	noJIT     bool
	noPGC     bool
	trace     bool
	profile   bool
	graphs    bool
	verbosity int
	dir       string
	addr      string
}

type cli struct {
	opts   options
	cfg    *config.Config
	stdout io.Writer
	stderr io.Writer
}

// exitError carries an exit status without a message of its own.
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("kestrel", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var o options
	fs.IntVar(&o.level, "O", -1, "Optimization level 0-2 (default from kestrel.toml)")
	fs.Int64Var(&o.threshold, "threshold", -1, "Calls run generically before compilation")
	fs.BoolVar(&o.noJIT, "no-jit", false, "Run everything in the interpreter")
	fs.BoolVar(&o.noPGC, "no-pgc", false, "Disable profile-guided compilation")
	fs.BoolVar(&o.trace, "trace", false, "Print line and call trace events to stderr")
	fs.BoolVar(&o.profile, "profile", false, "Print call profile events to stderr")
	fs.BoolVar(&o.graphs, "graphs", false, "Record control-flow graphs")
	fs.IntVar(&o.verbosity, "v", 0, "Log verbosity (0 quiet, 2 info, 4 debug)")
	fs.StringVar(&o.dir, "C", ".", "Directory to search for kestrel.toml")
	fs.StringVar(&o.addr, "addr", "", "Server address for serve and remote (default from kestrel.toml)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: kestrel [options] <command> [arguments]\n\n")
		fmt.Fprintf(stderr, "Commands:\n")
		fmt.Fprintf(stderr, "  run <file>                    Run a program (.py source or .kbc bytecode)\n")
		fmt.Fprintf(stderr, "  dis [-offsets] <file> <func>  Run a program, then print the IL of a function\n")
		fmt.Fprintf(stderr, "  dis-native <file> <func>      Print the machine code of a function\n")
		fmt.Fprintf(stderr, "  graph <file> <func>           Print the control-flow graph of a function (DOT)\n")
		fmt.Fprintf(stderr, "  bytecode <file>               Print the bytecode listing\n")
		fmt.Fprintf(stderr, "  compile <file> [-o out.kbc]   Write serialized bytecode\n")
		fmt.Fprintf(stderr, "  bench [-workers n] <file> <func> <calls>\n")
		fmt.Fprintf(stderr, "                                Time calls with and without the JIT\n")
		fmt.Fprintf(stderr, "  profiles [list|prune <hours>] Manage the stored PGC profiles\n")
		fmt.Fprintf(stderr, "  status                        Show the effective JIT configuration\n")
		fmt.Fprintf(stderr, "  serve                         Start the introspection server\n")
		fmt.Fprintf(stderr, "  lsp                           Start the language server on stdio\n")
		fmt.Fprintf(stderr, "  remote status|run|info ...    Talk to a running server\n")
		fmt.Fprintf(stderr, "\nOptions:\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\nExamples:\n")
		fmt.Fprintf(stderr, "  kestrel run prog.py\n")
		fmt.Fprintf(stderr, "  kestrel -O 2 dis -offsets prog.py inner_loop\n")
		fmt.Fprintf(stderr, "  kestrel remote run prog.py inner_loop\n")
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	cfg, err := config.FindAndLoad(o.dir)
	if err != nil {
		fmt.Fprintf(stderr, "Error loading %s: %v\n", config.FileName, err)
		return 1
	}
	verbosity := cfg.Log.Verbosity
	if o.verbosity > 0 {
		verbosity = o.verbosity
	}
	if p := cfg.LogPath(); p != "" {
		commonlog.Configure(verbosity, &p)
	} else {
		commonlog.Configure(verbosity, nil)
	}

	c := &cli{opts: o, cfg: cfg, stdout: stdout, stderr: stderr}
	if err := c.dispatch(fs.Arg(0), fs.Args()[1:]); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			return ee.code
		}
		var exc *object.Exception
		if errors.As(err, &exc) {
			fmt.Fprint(stderr, exc.FormatTraceback())
			fmt.Fprintln(stderr, exc.Error())
			object.Release(exc)
			return 1
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func (c *cli) dispatch(cmd string, args []string) error {
	switch cmd {
	case "run":
		return c.handleRun(args)
	case "dis":
		return c.handleDis(args, false)
	case "dis-native":
		return c.handleDis(args, true)
	case "graph":
		return c.handleGraph(args)
	case "bytecode":
		return c.handleBytecode(args)
	case "compile":
		return c.handleCompile(args)
	case "bench":
		return c.handleBench(args)
	case "profiles":
		return c.handleProfiles(args)
	case "status":
		return c.handleStatus(args)
	case "serve":
		return c.handleServe(args)
	case "lsp":
		return c.handleLSP(args)
	case "remote":
		return c.handleRemote(args)
	}
	return fmt.Errorf("unknown command %q (run kestrel -h for usage)", cmd)
}

func usageError(stderr io.Writer, usage string) error {
	fmt.Fprintf(stderr, "Usage: kestrel %s\n", usage)
	return &exitError{code: 2}
}
