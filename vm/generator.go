package vm

import (
	"github.com/chazu/kestrel/object"
)

// GeneratorType is the type of generator objects.
var GeneratorType = object.Immortalize(&object.Type{Name: "generator", Base: object.ObjectType}).(*object.Type)

// Generator runs a generator function's frame, suspending it at each
// yield. The frame, with its locals and operand stack, survives between
// calls to Next.
type Generator struct {
	object.Header
	th      *Thread
	frame   *Frame
	running bool
}

func (*Generator) Type() *object.Type { return GeneratorType }

// newGenerator takes ownership of f.
func newGenerator(th *Thread, f *Frame) *Generator {
	g := &Generator{th: th, frame: f}
	f.gen = g
	object.Track(g)
	return g
}

// Name returns the name of the generator's code.
func (g *Generator) Name() string {
	if g.frame == nil {
		return "generator"
	}
	return g.frame.Code.Name
}

// Finished reports whether the generator has returned or raised.
func (g *Generator) Finished() bool { return g.frame == nil }

// Next resumes the frame until it yields. It returns nil once the
// generator has finished.
func (g *Generator) Next() (object.Object, error) {
	if g.frame == nil {
		return nil, nil
	}
	if g.running {
		return nil, object.Errorf(object.ValueErrorType, "generator already executing")
	}
	g.running = true
	f := g.frame
	v, err := g.th.EvalFrame(f)
	g.running = false
	if err != nil || !f.yielded {
		g.finish()
		if err != nil {
			return nil, err
		}
		// The return value of a generator is discarded.
		object.Release(v)
		return nil, nil
	}
	f.yielded = false
	return v, nil
}

func (g *Generator) finish() {
	if f := g.frame; f != nil {
		g.frame = nil
		f.gen = nil
		f.Release()
	}
}

func (g *Generator) ReleaseChildren() {
	g.finish()
}
