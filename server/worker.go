package server

import (
	"bytes"
	"context"
	"fmt"

	"github.com/chazu/kestrel/jit"
	"github.com/chazu/kestrel/vm"
)

// Env is the interpreter state handed to work running on the worker.
type Env struct {
	Interp *vm.Interpreter
	JIT    *jit.Runtime
	Stdout *bytes.Buffer // Interpreter stdout, reset before every request
}

type request struct {
	fn   func(*Env) (any, error)
	done chan result
}

type result struct {
	value any
	err   error
}

// Worker serializes interpreter access through a single goroutine.
// An interpreter runs one thread at a time, so every handler touching
// its objects must go through Do.
type Worker struct {
	env      *Env
	requests chan request
	quit     chan struct{}
}

// NewWorker starts a worker owning env.
func NewWorker(env *Env) *Worker {
	w := &Worker{
		env:      env,
		requests: make(chan request, 64),
		quit:     make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *Worker) loop() {
	for {
		select {
		case req := <-w.requests:
			req.done <- w.execute(req.fn)
		case <-w.quit:
			return
		}
	}
}

// execute runs fn, turning a panic into an error.
func (w *Worker) execute(fn func(*Env) (any, error)) (res result) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("recovered panic on worker: %v", r)
			res = result{err: fmt.Errorf("server: panic: %v", r)}
		}
	}()
	w.env.Stdout.Reset()
	v, err := fn(w.env)
	return result{value: v, err: err}
}

// Do runs fn on the worker goroutine and waits for it. When ctx ends
// first Do returns ctx.Err(); fn still runs to completion.
func (w *Worker) Do(ctx context.Context, fn func(*Env) (any, error)) (any, error) {
	select {
	case <-w.quit:
		return nil, errStopped
	default:
	}
	req := request{fn: fn, done: make(chan result, 1)}
	select {
	case w.requests <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.quit:
		return nil, errStopped
	}
	select {
	case res := <-req.done:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.quit:
		return nil, errStopped
	}
}

// Stop shuts down the worker goroutine.
func (w *Worker) Stop() {
	close(w.quit)
}
