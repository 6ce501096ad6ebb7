// Package server exposes a JIT runtime for remote inspection. The service
// speaks Connect, gRPC and gRPC-Web on one port; plain HTTP/2 without TLS
// is accepted so gRPC clients can dial it directly.
package server

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"connectrpc.com/connect"
	"github.com/tliron/commonlog"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/chazu/kestrel/jit"
	"github.com/chazu/kestrel/vm"
)

var log = commonlog.GetLogger("kestrel.server")

// Options configures a Server.
type Options struct {
	VM     []vm.Option
	JIT    jit.Config
	Enable bool // Install the JIT hook at startup
}

// Server owns an interpreter, its JIT runtime and the sessions run on
// them.
type Server struct {
	worker   *Worker
	sessions *SessionStore
	rt       *jit.Runtime
	mux      *http.ServeMux

	mu   sync.Mutex
	http *http.Server
}

// New creates a server around a fresh interpreter.
func New(opts Options) (*Server, error) {
	env := &Env{Stdout: &bytes.Buffer{}}
	vmOpts := append(append([]vm.Option(nil), opts.VM...), vm.WithStdout(env.Stdout))
	env.Interp = vm.New(vmOpts...)
	rt, err := jit.New(env.Interp, opts.JIT)
	if err != nil {
		return nil, err
	}
	env.JIT = rt
	if opts.Enable {
		rt.Enable()
	}

	s := &Server{
		worker:   NewWorker(env),
		sessions: NewSessionStore(),
		rt:       rt,
		mux:      http.NewServeMux(),
	}
	svc := NewJITService(s.worker, s.sessions)
	path, handler := NewJITServiceHandler(svc, connect.WithInterceptors(logRequests()))
	s.mux.Handle(path, handler)
	return s, nil
}

// Runtime returns the server's JIT runtime.
func (s *Server) Runtime() *jit.Runtime { return s.rt }

// Sessions returns the session store.
func (s *Server) Sessions() *SessionStore { return s.sessions }

// Handler returns the HTTP handler serving the JIT service. It accepts
// HTTP/2 over cleartext.
func (s *Server) Handler() http.Handler {
	return h2c.NewHandler(s.mux, &http2.Server{})
}

// ListenAndServe listens on addr and serves until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Serve serves on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()
	log.Noticef("serving %s on %s", JITServiceName, l.Addr())
	err := srv.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests, releases every session and closes
// the runtime, which flushes its profiles.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()
	var errs []error
	if srv != nil {
		errs = append(errs, srv.Shutdown(ctx))
	}
	_, err := s.worker.Do(ctx, func(*Env) (any, error) {
		for _, session := range s.sessions.List() {
			if removed, ok := s.sessions.Remove(session.ID); ok {
				releaseSession(s.rt, removed)
			}
		}
		return nil, nil
	})
	errs = append(errs, err)
	s.worker.Stop()
	errs = append(errs, s.rt.Close())
	return errors.Join(errs...)
}

func logRequests() connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			if err != nil {
				log.Infof("%s via %s: %s (%s)", req.Spec().Procedure, req.Peer().Protocol, connect.CodeOf(err), time.Since(start))
			} else {
				log.Debugf("%s via %s: ok (%s)", req.Spec().Procedure, req.Peer().Protocol, time.Since(start))
			}
			return resp, err
		}
	}
}
