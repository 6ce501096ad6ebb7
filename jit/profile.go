package jit

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/chazu/kestrel/object"
)

// Profile-guided compilation
//
// Probes at polymorphic operations record the shapes of their operands.
// Each bytecode offset has its own call site, shared by every activation
// of the code object, so recursive calls feed one history. A site moves
// Empty -> Monomorphic -> Polymorphic -> Megamorphic as distinct
// signatures arrive; only monomorphic sites drive specialization.

// MaxSignatures bounds the signature history of a call site.
const MaxSignatures = 4

// MaxOperands is the largest number of operands a probe records.
const MaxOperands = 3

// Signature is the tuple of operand shapes observed at a call site.
type Signature struct {
	n      uint8
	shapes [MaxOperands]object.Shape
}

// NewSignature returns the signature of the given shapes. Shapes beyond
// MaxOperands are dropped.
func NewSignature(shapes ...object.Shape) Signature {
	var s Signature
	for _, sh := range shapes {
		s = s.With(sh)
	}
	return s
}

// With returns s extended by one operand shape.
func (s Signature) With(sh object.Shape) Signature {
	if int(s.n) < MaxOperands {
		s.shapes[s.n] = sh
		s.n++
	}
	return s
}

// Len returns the number of operands.
func (s Signature) Len() int { return int(s.n) }

// At returns the shape of operand i, or ShapeUnknown past the end.
func (s Signature) At(i int) object.Shape {
	if i < 0 || i >= int(s.n) {
		return object.ShapeUnknown
	}
	return s.shapes[i]
}

// Shapes returns the operand shapes.
func (s Signature) Shapes() []object.Shape {
	return append([]object.Shape(nil), s.shapes[:s.n]...)
}

func (s Signature) String() string {
	parts := make([]string, s.n)
	for i := range parts {
		parts[i] = s.shapes[i].String()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// SiteState is the position of a call site in its state machine.
type SiteState uint8

const (
	SiteEmpty       SiteState = iota // Nothing observed
	SiteMonomorphic                  // One signature
	SitePolymorphic                  // 2 to MaxSignatures signatures
	SiteMegamorphic                  // More than MaxSignatures; frozen
)

var siteStateNames = [...]string{"empty", "monomorphic", "polymorphic", "megamorphic"}

func (s SiteState) String() string {
	if int(s) < len(siteStateNames) {
		return siteStateNames[s]
	}
	return "unknown"
}

// CallSite is the signature history of one bytecode offset.
type CallSite struct {
	Offset  int
	State   SiteState
	Entries [MaxSignatures]Signature
	Count   int

	Hits   uint64 // Observations of a known signature
	Misses uint64 // Observations that added a signature or found the site frozen
}

// Observe records sig and reports whether it was new. A megamorphic site
// records nothing.
func (cs *CallSite) Observe(sig Signature) bool {
	for i := 0; i < cs.Count; i++ {
		if cs.Entries[i] == sig {
			cs.Hits++
			return false
		}
	}
	cs.Misses++
	switch cs.State {
	case SiteEmpty:
		cs.State = SiteMonomorphic
	case SiteMonomorphic:
		cs.State = SitePolymorphic
	case SitePolymorphic:
		if cs.Count == MaxSignatures {
			// The history stays in place so the generation never drops.
			cs.State = SiteMegamorphic
			return false
		}
	case SiteMegamorphic:
		return false
	}
	cs.Entries[cs.Count] = sig
	cs.Count++
	return true
}

// Generation returns the number of distinct signatures observed.
func (cs *CallSite) Generation() int { return cs.Count }

// Monomorphic returns the only signature seen at the site.
func (cs *CallSite) Monomorphic() (Signature, bool) {
	if cs.State != SiteMonomorphic {
		return Signature{}, false
	}
	return cs.Entries[0], true
}

// Signatures returns the observed signatures in arrival order.
func (cs *CallSite) Signatures() []Signature {
	return append([]Signature(nil), cs.Entries[:cs.Count]...)
}

// ---------------------------------------------------------------------------
// Profile: the call sites of one code object
// ---------------------------------------------------------------------------

// Profile holds the call sites of a code object. Its version increases
// whenever a site gains a signature; generated methods remember the
// version they were specialized for.
type Profile struct {
	mu      sync.Mutex
	sites   map[int]*CallSite
	version atomic.Uint64
}

// NewProfile returns an empty profile.
func NewProfile() *Profile {
	return &Profile{sites: make(map[int]*CallSite)}
}

// Observe records sig at offset and reports whether the site gained a
// signature.
func (p *Profile) Observe(offset int, sig Signature) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	cs, ok := p.sites[offset]
	if !ok {
		cs = &CallSite{Offset: offset}
		p.sites[offset] = cs
	}
	if !cs.Observe(sig) {
		return false
	}
	p.version.Add(1)
	return true
}

// Version returns the profile version.
func (p *Profile) Version() uint64 { return p.version.Load() }

// Generation returns the largest call site generation.
func (p *Profile) Generation() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	g := 0
	for _, cs := range p.sites {
		if cs.Count > g {
			g = cs.Count
		}
	}
	return g
}

// Site returns a copy of the call site at offset.
func (p *Profile) Site(offset int) (CallSite, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cs, ok := p.sites[offset]
	if !ok {
		return CallSite{}, false
	}
	return *cs, true
}

// Sites returns copies of every call site, ordered by offset.
func (p *Profile) Sites() []CallSite {
	p.mu.Lock()
	out := make([]CallSite, 0, len(p.sites))
	for _, cs := range p.sites {
		out = append(out, *cs)
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Offset < out[j].Offset })
	return out
}

// Len returns the number of call sites.
func (p *Profile) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sites)
}

// monomorphic returns the signature of every monomorphic site and the
// version it was read at.
func (p *Profile) monomorphic() (map[int]Signature, uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[int]Signature)
	for off, cs := range p.sites {
		if sig, ok := cs.Monomorphic(); ok {
			out[off] = sig
		}
	}
	return out, p.version.Load()
}

// Reset drops every call site. The version still advances so methods
// specialized for the old history are recompiled.
func (p *Profile) Reset() {
	p.mu.Lock()
	p.sites = make(map[int]*CallSite)
	p.mu.Unlock()
	p.version.Add(1)
}

// ---------------------------------------------------------------------------
// Snapshots and persistence
// ---------------------------------------------------------------------------

// SiteSnapshot is the persistent form of a call site.
type SiteSnapshot struct {
	Offset      int
	Signatures  [][]object.Shape
	Megamorphic bool
}

// ProfileSnapshot is the persistent form of a profile.
type ProfileSnapshot struct {
	Sites []SiteSnapshot
}

// Empty reports whether the snapshot holds no call sites.
func (s ProfileSnapshot) Empty() bool { return len(s.Sites) == 0 }

// Snapshot captures the profile.
func (p *Profile) Snapshot() ProfileSnapshot {
	var snap ProfileSnapshot
	for _, cs := range p.Sites() {
		ss := SiteSnapshot{Offset: cs.Offset, Megamorphic: cs.State == SiteMegamorphic}
		for _, sig := range cs.Signatures() {
			ss.Signatures = append(ss.Signatures, sig.Shapes())
		}
		snap.Sites = append(snap.Sites, ss)
	}
	return snap
}

// Restore replays a snapshot into the profile, as if its signatures had
// been observed in order.
func (p *Profile) Restore(snap ProfileSnapshot) {
	changed := false
	p.mu.Lock()
	for _, ss := range snap.Sites {
		cs, ok := p.sites[ss.Offset]
		if !ok {
			cs = &CallSite{Offset: ss.Offset}
			p.sites[ss.Offset] = cs
		}
		for _, shapes := range ss.Signatures {
			if cs.Observe(NewSignature(shapes...)) {
				changed = true
			}
		}
		if ss.Megamorphic && cs.State != SiteMegamorphic {
			cs.State = SiteMegamorphic
			changed = true
		}
	}
	p.mu.Unlock()
	if changed {
		p.version.Add(1)
	}
}

// ProfileKey identifies a code object across processes.
type ProfileKey struct {
	Fingerprint uint64
	Name        string
}

// ProfileStore persists profiles between runs.
type ProfileStore interface {
	LoadProfile(ctx context.Context, key ProfileKey) (ProfileSnapshot, bool, error)
	SaveProfile(ctx context.Context, key ProfileKey, snap ProfileSnapshot) error
}
