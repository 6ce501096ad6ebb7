package jit

import (
	"fmt"
	"io"
	"strings"

	"github.com/chazu/kestrel/jit/il"
	"github.com/chazu/kestrel/pkg/bytecode"
)

// ---------------------------------------------------------------------------
// Control-flow graphs
// ---------------------------------------------------------------------------

// EdgeKind distinguishes control-flow edges.
type EdgeKind uint8

const (
	EdgeFallthrough EdgeKind = iota
	EdgeBranch
	EdgeHandler
)

var edgeKindNames = [...]string{"fallthrough", "branch", "handler"}

func (k EdgeKind) String() string {
	if int(k) < len(edgeKindNames) {
		return edgeKindNames[k]
	}
	return "unknown"
}

// GraphBlock is a basic block of a recorded graph.
type GraphBlock struct {
	Index  int
	Start  int // Bytecode offset of the first instruction
	End    int // Bytecode offset past the last instruction
	Loop   bool
	Instrs []string
}

// GraphEdge connects two blocks.
type GraphEdge struct {
	From, To int
	Kind     EdgeKind
}

// Graph is the control-flow graph recorded when a code object was compiled
// with graphs enabled.
type Graph struct {
	Name   string
	Blocks []GraphBlock
	Edges  []GraphEdge
}

func buildGraph(dec *bytecode.Decoded) *Graph {
	g := &Graph{Name: dec.Code.Name}
	for _, blk := range dec.Blocks {
		first, last := dec.Instrs[blk.First], dec.Instrs[blk.Last]
		gb := GraphBlock{Index: blk.Index, Start: first.Offset, End: last.Next(), Loop: blk.Loop}
		for k := blk.First; k <= blk.Last; k++ {
			gb.Instrs = append(gb.Instrs, dec.Code.DisassembleInstruction(dec.Instrs[k].Offset))
		}
		g.Blocks = append(g.Blocks, gb)

		for _, s := range blk.Succs {
			kind := EdgeFallthrough
			if isJumpTo(dec, last, s) {
				kind = EdgeBranch
			}
			g.Edges = append(g.Edges, GraphEdge{From: blk.Index, To: s, Kind: kind})
		}
		if blk.Handler >= 0 {
			g.Edges = append(g.Edges, GraphEdge{From: blk.Index, To: blk.Handler, Kind: EdgeHandler})
		}
	}
	return g
}

func isJumpTo(dec *bytecode.Decoded, in bytecode.Instr, block int) bool {
	if !in.Op.IsJump() {
		return false
	}
	t, ok := dec.Index(in.Target())
	return ok && dec.BlockOf(t).Index == block
}

// DOT writes the graph in Graphviz format.
func (g *Graph) DOT(w io.Writer) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "digraph %q {\n", g.Name)
	sb.WriteString("\tnode [shape=box fontname=monospace];\n")
	for _, b := range g.Blocks {
		label := strings.Join(b.Instrs, "\\l")
		label = strings.ReplaceAll(label, `"`, `\"`)
		fmt.Fprintf(&sb, "\tb%d [label=\"B%d [%d, %d)\\l%s\\l\"", b.Index, b.Index, b.Start, b.End, label)
		if b.Loop {
			sb.WriteString(" peripheries=2")
		}
		sb.WriteString("];\n")
	}
	for _, e := range g.Edges {
		switch e.Kind {
		case EdgeHandler:
			fmt.Fprintf(&sb, "\tb%d -> b%d [style=dashed];\n", e.From, e.To)
		case EdgeBranch:
			fmt.Fprintf(&sb, "\tb%d -> b%d [color=blue];\n", e.From, e.To)
		default:
			fmt.Fprintf(&sb, "\tb%d -> b%d;\n", e.From, e.To)
		}
	}
	sb.WriteString("}\n")
	_, err := io.WriteString(w, sb.String())
	return err
}

// ---------------------------------------------------------------------------
// Offset maps
// ---------------------------------------------------------------------------

// OffsetKind classifies an entry of an offset map.
type OffsetKind uint8

const (
	OffsetPrologue OffsetKind = iota
	OffsetInstruction
	OffsetHandler
)

var offsetKindNames = [...]string{"prologue", "instruction", "handler"}

func (k OffsetKind) String() string {
	if int(k) < len(offsetKindNames) {
		return offsetKindNames[k]
	}
	return "unknown"
}

// Offset relates a bytecode instruction to the code generated for it.
// Native is -1 when the method has not been lowered.
type Offset struct {
	Bytecode int
	IL       int
	Native   int
	Kind     OffsetKind
}

// offsets maps each bytecode instruction to the first IL instruction
// generated for it. native may be nil.
func offsets(m *il.Method, native []int) []Offset {
	handlers := make(map[int]bool, len(m.Clauses))
	for _, c := range m.Clauses {
		handlers[c.Handler] = true
	}
	var out []Offset
	seen := make(map[int]bool)
	for i, in := range m.Instrs {
		if seen[in.Source] {
			continue
		}
		seen[in.Source] = true
		o := Offset{Bytecode: in.Source, IL: in.Offset, Native: -1, Kind: OffsetInstruction}
		switch {
		case in.Source < 0:
			o.Kind = OffsetPrologue
		case handlers[i]:
			o.Kind = OffsetHandler
		}
		if i < len(native) {
			o.Native = native[i]
		}
		out = append(out, o)
	}
	return out
}
