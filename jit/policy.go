package jit

import (
	"fmt"
	"sort"
)

// Optimization names a specialization the code generator can apply.
type Optimization string

const (
	OptInlineDecref    Optimization = "inline-decref"
	OptInlineIs        Optimization = "inline-is"
	OptIntArithmetic   Optimization = "int-arithmetic"
	OptFloatArithmetic Optimization = "float-arithmetic"
	OptIntCompare      Optimization = "int-compare"
	OptSubscr          Optimization = "subscr"
	OptStoreSubscr     Optimization = "store-subscr"
	OptSlice           Optimization = "slice"
	OptUnpack          Optimization = "unpack"
	OptListIter        Optimization = "list-iter"
	OptHashedNames     Optimization = "hashed-names"
	OptBranchFusion    Optimization = "branch-fusion"
)

// MaxOptimizationLevel is the highest level SetOptimizationLevel accepts.
const MaxOptimizationLevel = 2

// Disabled is the policy level of an optimization that never applies.
const Disabled = -1

var defaultLevels = map[Optimization]int{
	OptInlineDecref:    1,
	OptInlineIs:        1,
	OptIntArithmetic:   1,
	OptFloatArithmetic: 1,
	OptIntCompare:      1,
	OptSubscr:          1,
	OptStoreSubscr:     1,
	OptSlice:           1,
	OptUnpack:          1,
	OptListIter:        1,
	OptHashedNames:     2,
	OptBranchFusion:    2,
}

// Policy maps each optimization to the lowest level that enables it.
type Policy map[Optimization]int

// DefaultPolicy returns the built-in policy table.
func DefaultPolicy() Policy {
	p := make(Policy, len(defaultLevels))
	for o, l := range defaultLevels {
		p[o] = l
	}
	return p
}

// Optimizations returns every optimization name, sorted.
func Optimizations() []Optimization {
	out := make([]Optimization, 0, len(defaultLevels))
	for o := range defaultLevels {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParseOptimization validates an optimization name.
func ParseOptimization(s string) (Optimization, error) {
	o := Optimization(s)
	if _, ok := defaultLevels[o]; !ok {
		return "", fmt.Errorf("jit: unknown optimization %q", s)
	}
	return o, nil
}

// Enabled reports whether o applies at level. Optimizations missing from
// the table use their default level.
func (p Policy) Enabled(o Optimization, level int) bool {
	min, ok := p[o]
	if !ok {
		min, ok = defaultLevels[o]
		if !ok {
			return false
		}
	}
	return min != Disabled && level >= min
}

// Set changes the level of o. A level of Disabled turns it off.
func (p Policy) Set(o Optimization, level int) error {
	if _, ok := defaultLevels[o]; !ok {
		return fmt.Errorf("jit: unknown optimization %q", o)
	}
	if level != Disabled && (level < 0 || level > MaxOptimizationLevel) {
		return fmt.Errorf("jit: %s: %w", o, ErrInvalidOptimizationLevel)
	}
	p[o] = level
	return nil
}

// Clone returns a copy of p.
func (p Policy) Clone() Policy {
	out := make(Policy, len(p))
	for o, l := range p {
		out[o] = l
	}
	return out
}
