package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/chazu/kestrel/compiler"
	"github.com/chazu/kestrel/jit"
	"github.com/chazu/kestrel/jit/native"
	"github.com/chazu/kestrel/object"
	"github.com/chazu/kestrel/pkg/bytecode"
)

// JITServiceName is the fully-qualified name of the JIT service.
const JITServiceName = "kestrel.v1.JITService"

// Procedure paths. Every procedure takes and returns a
// google.protobuf.Struct.
const (
	StatusProcedure         = "/" + JITServiceName + "/Status"
	ConfigureProcedure      = "/" + JITServiceName + "/Configure"
	CreateSessionProcedure  = "/" + JITServiceName + "/CreateSession"
	DestroySessionProcedure = "/" + JITServiceName + "/DestroySession"
	ListSessionsProcedure   = "/" + JITServiceName + "/ListSessions"
	RunProcedure            = "/" + JITServiceName + "/Run"
	CompileProcedure        = "/" + JITServiceName + "/Compile"
	InfoProcedure           = "/" + JITServiceName + "/Info"
	DisProcedure            = "/" + JITServiceName + "/Dis"
	DisNativeProcedure      = "/" + JITServiceName + "/DisNative"
	GraphProcedure          = "/" + JITServiceName + "/Graph"
	OffsetsProcedure        = "/" + JITServiceName + "/Offsets"
)

type (
	structRequest  = connect.Request[structpb.Struct]
	structResponse = connect.Response[structpb.Struct]
)

// JITService exposes a runtime and its sessions over Connect and gRPC.
type JITService struct {
	worker   *Worker
	sessions *SessionStore
}

// NewJITService creates a JITService.
func NewJITService(worker *Worker, sessions *SessionStore) *JITService {
	return &JITService{worker: worker, sessions: sessions}
}

// NewJITServiceHandler builds an HTTP handler serving every procedure of
// svc. It returns the path prefix to mount the handler on.
func NewJITServiceHandler(svc *JITService, opts ...connect.HandlerOption) (string, http.Handler) {
	mux := http.NewServeMux()
	handle := func(procedure string, fn func(context.Context, *structRequest) (*structResponse, error)) {
		mux.Handle(procedure, connect.NewUnaryHandler(procedure, fn, opts...))
	}
	handle(StatusProcedure, svc.Status)
	handle(ConfigureProcedure, svc.Configure)
	handle(CreateSessionProcedure, svc.CreateSession)
	handle(DestroySessionProcedure, svc.DestroySession)
	handle(ListSessionsProcedure, svc.ListSessions)
	handle(RunProcedure, svc.Run)
	handle(CompileProcedure, svc.Compile)
	handle(InfoProcedure, svc.Info)
	handle(DisProcedure, svc.Dis)
	handle(DisNativeProcedure, svc.DisNative)
	handle(GraphProcedure, svc.Graph)
	handle(OffsetsProcedure, svc.Offsets)
	return "/" + JITServiceName + "/", mux
}

// ---------------------------------------------------------------------------
// Runtime
// ---------------------------------------------------------------------------

// Status reports the runtime switches and counters.
func (s *JITService) Status(ctx context.Context, req *structRequest) (*structResponse, error) {
	return s.do(ctx, func(env *Env) (map[string]any, error) {
		return statusFields(env.JIT), nil
	})
}

// Configure changes the runtime switches named in the request and returns
// the resulting status.
func (s *JITService) Configure(ctx context.Context, req *structRequest) (*structResponse, error) {
	msg := req.Msg
	return s.do(ctx, func(env *Env) (map[string]any, error) {
		rt := env.JIT
		if n, ok, err := numberField(msg, "level"); err != nil {
			return nil, err
		} else if ok {
			if err := rt.SetOptimizationLevel(int(n)); err != nil {
				return nil, connect.NewError(connect.CodeInvalidArgument, err)
			}
		}
		if n, ok, err := numberField(msg, "threshold"); err != nil {
			return nil, err
		} else if ok {
			if err := rt.SetThreshold(int64(n)); err != nil {
				return nil, connect.NewError(connect.CodeInvalidArgument, err)
			}
		}
		if opts := msg.GetFields()["optimizations"].GetStructValue(); opts != nil {
			p := rt.Policy()
			for name, v := range opts.GetFields() {
				o, err := jit.ParseOptimization(name)
				if err != nil {
					return nil, connect.NewError(connect.CodeInvalidArgument, err)
				}
				if err := p.Set(o, int(v.GetNumberValue())); err != nil {
					return nil, connect.NewError(connect.CodeInvalidArgument, err)
				}
			}
			rt.SetPolicy(p)
		}

		toggles := []struct {
			name    string
			enable  func()
			disable func()
		}{
			{"pgc", rt.EnablePGC, rt.DisablePGC},
			{"debug", rt.EnableDebug, rt.DisableDebug},
			{"tracing", rt.EnableTracing, rt.DisableTracing},
			{"profiling", rt.EnableProfiling, rt.DisableProfiling},
			{"graphs", rt.EnableGraphs, rt.DisableGraphs},
		}
		for _, t := range toggles {
			on, ok, err := boolField(msg, t.name)
			if err != nil {
				return nil, err
			}
			switch {
			case ok && on:
				t.enable()
			case ok:
				t.disable()
			}
		}

		on, ok, err := boolField(msg, "enabled")
		if err != nil {
			return nil, err
		}
		switch {
		case ok && on && !rt.Enabled():
			if !rt.Enable() {
				return nil, connect.NewError(connect.CodeFailedPrecondition, jit.ErrClosed)
			}
		case ok && !on:
			for rt.Enabled() {
				rt.Disable()
			}
		}
		log.Infof("configured: %+v", rt.Status())
		return statusFields(rt), nil
	})
}

func statusFields(rt *jit.Runtime) map[string]any {
	st, stats := rt.Status(), rt.Stats()
	return map[string]any{
		"enabled":    st.Enabled,
		"level":      st.Level,
		"threshold":  st.Threshold,
		"pgc":        st.PGC,
		"debug":      st.Debug,
		"tracing":    st.Tracing,
		"profiling":  st.Profiling,
		"graphs":     st.Graphs,
		"backend":    st.Backend,
		"records":    stats.Records,
		"compiled":   stats.Compiled,
		"failed":     stats.Failed,
		"recompiled": stats.Recompiled,
		"fallbacks":  stats.Fallbacks,
	}
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

// CreateSession creates a module namespace for later Run requests.
func (s *JITService) CreateSession(ctx context.Context, req *structRequest) (*structResponse, error) {
	name := stringField(req.Msg, "name")
	if name == "" {
		name = "__main__"
	}
	return s.do(ctx, func(env *Env) (map[string]any, error) {
		session := s.sessions.Create(name, env.Interp.NewGlobals(name))
		log.Debugf("created session %s (%s)", session.ID, name)
		return map[string]any{"session": session.ID, "name": name}, nil
	})
}

// DestroySession drops a session and releases its globals.
func (s *JITService) DestroySession(ctx context.Context, req *structRequest) (*structResponse, error) {
	id, err := requireString(req.Msg, "session")
	if err != nil {
		return nil, err
	}
	session, ok := s.sessions.Remove(id)
	if !ok {
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("session %q not found", id))
	}
	return s.do(ctx, func(env *Env) (map[string]any, error) {
		releaseSession(env.JIT, session)
		return map[string]any{}, nil
	})
}

// ListSessions returns the live sessions oldest first.
func (s *JITService) ListSessions(ctx context.Context, req *structRequest) (*structResponse, error) {
	var list []any
	for _, session := range s.sessions.List() {
		list = append(list, map[string]any{
			"session": session.ID,
			"name":    session.Name,
			"created": session.Created.UTC().Format(time.RFC3339),
		})
	}
	return respond(map[string]any{"sessions": list})
}

// releaseSession drops the session's globals and the JIT records of the
// code it ran.
func releaseSession(rt *jit.Runtime, session *Session) {
	object.Release(session.Globals)
	session.Globals = nil
	replaceCode(rt, session, nil)
}

// replaceCode makes code the session's current module and forgets the
// records of the previous one. Functions from the previous module that are
// still bound get a fresh record on their next call.
func replaceCode(rt *jit.Runtime, session *Session, code *bytecode.Code) {
	if old := session.Code; old != nil && old != code {
		if err := rt.ForgetAll(old); err != nil {
			log.Warningf("session %s: saving profiles: %s", session.ID, err)
		}
	}
	session.Code = code
}

// Run compiles source and executes it in a session. Syntax errors and
// uncaught exceptions are reported in the response, not as RPC errors.
func (s *JITService) Run(ctx context.Context, req *structRequest) (*structResponse, error) {
	id, err := requireString(req.Msg, "session")
	if err != nil {
		return nil, err
	}
	source, err := requireString(req.Msg, "source")
	if err != nil {
		return nil, err
	}
	filename := stringField(req.Msg, "filename")
	if filename == "" {
		filename = "<remote>"
	}
	session, ok := s.sessions.Get(id)
	if !ok {
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("session %q not found", id))
	}

	return s.do(ctx, func(env *Env) (map[string]any, error) {
		if session.Globals == nil {
			return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("session %q not found", id))
		}
		code, err := compiler.Compile(source, filename)
		if err != nil {
			return map[string]any{"success": false, "error": err.Error()}, nil
		}
		replaceCode(env.JIT, session, code)
		r, err := env.Interp.Exec(code, session.Globals)
		out := map[string]any{"output": env.Stdout.String()}
		if err != nil {
			out["success"] = false
			out["error"] = err.Error()
			var exc *object.Exception
			if errors.As(err, &exc) {
				out["traceback"] = exc.FormatTraceback()
				object.Release(exc)
			}
			return out, nil
		}
		object.Release(r)
		out["success"] = true
		return out, nil
	})
}

// ---------------------------------------------------------------------------
// Introspection
// ---------------------------------------------------------------------------

// Compile compiles a function immediately and returns its info.
func (s *JITService) Compile(ctx context.Context, req *structRequest) (*structResponse, error) {
	return s.withTarget(ctx, req.Msg, func(env *Env, target any) (map[string]any, error) {
		var ce *jit.CompileError
		if err := env.JIT.Compile(target); err != nil && !errors.As(err, &ce) {
			return nil, introspectionError(err)
		}
		return infoFields(env.JIT, target)
	})
}

// Info returns the JIT state of a function.
func (s *JITService) Info(ctx context.Context, req *structRequest) (*structResponse, error) {
	return s.withTarget(ctx, req.Msg, func(env *Env, target any) (map[string]any, error) {
		return infoFields(env.JIT, target)
	})
}

func infoFields(rt *jit.Runtime, target any) (map[string]any, error) {
	info, err := rt.Info(target)
	if err != nil {
		return nil, introspectionError(err)
	}
	out := map[string]any{
		"state":     info.State.String(),
		"compiled":  info.Compiled,
		"failed":    info.Failed,
		"run_count": info.RunCount,
		"pgc":       info.PGC,
		"result":    info.Result.String(),
		"level":     info.Level,
		"compiles":  info.Compiles,
	}
	if info.Failure != nil {
		out["failure"] = info.Failure.Error()
	}
	return out, nil
}

// Dis returns the IL listing of a compiled function.
func (s *JITService) Dis(ctx context.Context, req *structRequest) (*structResponse, error) {
	showOffsets, _, err := boolField(req.Msg, "offsets")
	if err != nil {
		return nil, err
	}
	return s.withTarget(ctx, req.Msg, func(env *Env, target any) (map[string]any, error) {
		var buf bytes.Buffer
		if err := env.JIT.Dis(&buf, target, showOffsets); err != nil {
			return nil, introspectionError(err)
		}
		return map[string]any{"text": buf.String()}, nil
	})
}

// DisNative returns the machine code listing of a compiled function.
func (s *JITService) DisNative(ctx context.Context, req *structRequest) (*structResponse, error) {
	showOffsets, _, err := boolField(req.Msg, "offsets")
	if err != nil {
		return nil, err
	}
	return s.withTarget(ctx, req.Msg, func(env *Env, target any) (map[string]any, error) {
		var buf bytes.Buffer
		if err := env.JIT.DisNative(&buf, target, showOffsets); err != nil {
			return nil, introspectionError(err)
		}
		return map[string]any{"text": buf.String()}, nil
	})
}

// Graph returns the control-flow graph of a function in DOT format.
func (s *JITService) Graph(ctx context.Context, req *structRequest) (*structResponse, error) {
	return s.withTarget(ctx, req.Msg, func(env *Env, target any) (map[string]any, error) {
		g, err := env.JIT.Graph(target)
		if err != nil {
			return nil, introspectionError(err)
		}
		var buf bytes.Buffer
		if err := g.DOT(&buf); err != nil {
			return nil, connect.NewError(connect.CodeInternal, err)
		}
		return map[string]any{"dot": buf.String(), "blocks": len(g.Blocks), "edges": len(g.Edges)}, nil
	})
}

// Offsets returns the offset map of a compiled function.
func (s *JITService) Offsets(ctx context.Context, req *structRequest) (*structResponse, error) {
	return s.withTarget(ctx, req.Msg, func(env *Env, target any) (map[string]any, error) {
		offs, err := env.JIT.Offsets(target)
		if err != nil {
			return nil, introspectionError(err)
		}
		list := make([]any, len(offs))
		for i, o := range offs {
			list[i] = map[string]any{
				"bytecode": o.Bytecode,
				"il":       o.IL,
				"native":   o.Native,
				"kind":     o.Kind.String(),
			}
		}
		return map[string]any{"offsets": list}, nil
	})
}

// withTarget resolves the session and function named in msg on the
// worker and calls fn with it. Functions bound in the session globals
// are found first, then code objects nested in the last module run.
func (s *JITService) withTarget(ctx context.Context, msg *structpb.Struct, fn func(*Env, any) (map[string]any, error)) (*structResponse, error) {
	id, err := requireString(msg, "session")
	if err != nil {
		return nil, err
	}
	name, err := requireString(msg, "function")
	if err != nil {
		return nil, err
	}
	session, ok := s.sessions.Get(id)
	if !ok {
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("session %q not found", id))
	}
	return s.do(ctx, func(env *Env) (map[string]any, error) {
		if session.Globals == nil {
			return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("session %q not found", id))
		}
		if v := session.Globals.LookupString(name); v != nil {
			f, ok := v.(*object.Function)
			if !ok {
				return nil, connect.NewError(connect.CodeInvalidArgument,
					fmt.Errorf("%q is a %s, not a function", name, v.Type().Name))
			}
			return fn(env, f)
		}
		if session.Code != nil {
			if code := session.Code.Find(name); code != nil {
				return fn(env, code)
			}
		}
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("no function named %q", name))
	})
}

func introspectionError(err error) error {
	var ce *connect.Error
	switch {
	case errors.As(err, &ce):
		return err
	case errors.Is(err, jit.ErrNotCompiled), errors.Is(err, jit.ErrNoGraph):
		return connect.NewError(connect.CodeFailedPrecondition, err)
	case errors.Is(err, native.ErrUnsupported):
		return connect.NewError(connect.CodeUnimplemented, err)
	case errors.Is(err, jit.ErrNotCode):
		return connect.NewError(connect.CodeInvalidArgument, err)
	}
	return connect.NewError(connect.CodeInternal, err)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

var errStopped = errors.New("server: worker stopped")

// do runs fn on the worker and wraps its fields in a response.
func (s *JITService) do(ctx context.Context, fn func(*Env) (map[string]any, error)) (*structResponse, error) {
	v, err := s.worker.Do(ctx, func(env *Env) (any, error) { return fn(env) })
	if err != nil {
		var ce *connect.Error
		if errors.As(err, &ce) {
			return nil, err
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, connect.NewError(connect.CodeDeadlineExceeded, err)
		}
		if errors.Is(err, context.Canceled) {
			return nil, connect.NewError(connect.CodeCanceled, err)
		}
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return respond(v.(map[string]any))
}

func respond(fields map[string]any) (*structResponse, error) {
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(st), nil
}

func stringField(msg *structpb.Struct, key string) string {
	return msg.GetFields()[key].GetStringValue()
}

func requireString(msg *structpb.Struct, key string) (string, error) {
	v := stringField(msg, key)
	if v == "" {
		return "", connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("%s is required", key))
	}
	return v, nil
}

func boolField(msg *structpb.Struct, key string) (value, ok bool, err error) {
	v, present := msg.GetFields()[key]
	if !present {
		return false, false, nil
	}
	b, isBool := v.GetKind().(*structpb.Value_BoolValue)
	if !isBool {
		return false, false, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("%s must be a boolean", key))
	}
	return b.BoolValue, true, nil
}

func numberField(msg *structpb.Struct, key string) (value float64, ok bool, err error) {
	v, present := msg.GetFields()[key]
	if !present {
		return 0, false, nil
	}
	n, isNumber := v.GetKind().(*structpb.Value_NumberValue)
	if !isNumber {
		return 0, false, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("%s must be a number", key))
	}
	return n.NumberValue, true, nil
}
