package jit

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/chazu/kestrel/object"
)

// ---------------------------------------------------------------------------
// Call sites
// ---------------------------------------------------------------------------

func TestCallSiteTransitions(t *testing.T) {
	sigs := []Signature{
		NewSignature(object.ShapeList, object.ShapeSmallInt),
		NewSignature(object.ShapeTuple, object.ShapeSmallInt),
		NewSignature(object.ShapeString, object.ShapeSmallInt),
		NewSignature(object.ShapeDict, object.ShapeString),
		NewSignature(object.ShapeRange, object.ShapeSmallInt),
	}
	tests := []struct {
		sig   Signature
		added bool
		state SiteState
		gen   int
	}{
		{sigs[0], true, SiteMonomorphic, 1},
		{sigs[0], false, SiteMonomorphic, 1},
		{sigs[1], true, SitePolymorphic, 2},
		{sigs[2], true, SitePolymorphic, 3},
		{sigs[1], false, SitePolymorphic, 3},
		{sigs[3], true, SitePolymorphic, 4},
		{sigs[4], false, SiteMegamorphic, 4},
		{sigs[0], false, SiteMegamorphic, 4},
	}
	var cs CallSite
	for i, tt := range tests {
		if got := cs.Observe(tt.sig); got != tt.added {
			t.Errorf("step %d: Observe(%s) = %v, want %v", i, tt.sig, got, tt.added)
		}
		if cs.State != tt.state || cs.Generation() != tt.gen {
			t.Errorf("step %d: state %s gen %d, want %s gen %d", i, cs.State, cs.Generation(), tt.state, tt.gen)
		}
	}
	if cs.Hits != 3 || cs.Misses != 5 {
		t.Errorf("hits %d misses %d, want 3 and 5", cs.Hits, cs.Misses)
	}
	if _, ok := cs.Monomorphic(); ok {
		t.Error("megamorphic site reported monomorphic")
	}
}

func TestSignature(t *testing.T) {
	s := NewSignature(object.ShapeList, object.ShapeSmallInt, object.ShapeFloat, object.ShapeString)
	if s.Len() != MaxOperands {
		t.Errorf("Len() = %d, want %d", s.Len(), MaxOperands)
	}
	if s.At(3) != object.ShapeUnknown || s.At(-1) != object.ShapeUnknown {
		t.Error("out-of-range operand is not unknown")
	}
	if NewSignature(object.ShapeList) == NewSignature(object.ShapeTuple) {
		t.Error("distinct signatures compare equal")
	}
	if got := NewSignature(object.ShapeList, object.ShapeSmallInt).String(); got != "(list, small-int)" {
		t.Errorf("String() = %q", got)
	}
}

// ---------------------------------------------------------------------------
// Profiles
// ---------------------------------------------------------------------------

func TestProfileVersion(t *testing.T) {
	p := NewProfile()
	list := NewSignature(object.ShapeList)
	if !p.Observe(4, list) || p.Version() != 1 {
		t.Fatalf("first observation: version %d", p.Version())
	}
	if p.Observe(4, list) || p.Version() != 1 {
		t.Errorf("repeat observation moved the version to %d", p.Version())
	}
	p.Observe(8, NewSignature(object.ShapeTuple))
	p.Observe(8, NewSignature(object.ShapeDict))
	if p.Version() != 3 || p.Generation() != 2 || p.Len() != 2 {
		t.Errorf("version %d generation %d len %d", p.Version(), p.Generation(), p.Len())
	}
	mono, v := p.monomorphic()
	if len(mono) != 1 || mono[4] != list || v != 3 {
		t.Errorf("monomorphic() = %v, %d", mono, v)
	}
	p.Reset()
	if p.Len() != 0 || p.Version() != 4 {
		t.Errorf("after Reset: len %d version %d", p.Len(), p.Version())
	}
}

func TestProfileSnapshotRestore(t *testing.T) {
	p := NewProfile()
	p.Observe(2, NewSignature(object.ShapeList, object.ShapeSmallInt))
	p.Observe(2, NewSignature(object.ShapeTuple, object.ShapeSmallInt))
	for _, sh := range []object.Shape{object.ShapeNone, object.ShapeBool, object.ShapeFloat, object.ShapeString, object.ShapeList} {
		p.Observe(10, NewSignature(sh))
	}
	snap := p.Snapshot()
	if len(snap.Sites) != 2 || snap.Sites[0].Offset != 2 || !snap.Sites[1].Megamorphic {
		t.Fatalf("Snapshot() = %+v", snap)
	}

	q := NewProfile()
	q.Restore(snap)
	if q.Version() != 1 {
		t.Errorf("Restore moved the version to %d, want 1", q.Version())
	}
	sites := q.Sites()
	if len(sites) != 2 {
		t.Fatalf("restored %d sites", len(sites))
	}
	if sites[0].State != SitePolymorphic || sites[0].Count != 2 {
		t.Errorf("site 2 = %+v", sites[0])
	}
	if sites[1].State != SiteMegamorphic || sites[1].Count != MaxSignatures {
		t.Errorf("site 10 = %+v", sites[1])
	}
	q.Restore(snap)
	if q.Version() != 1 {
		t.Errorf("replaying the same snapshot moved the version to %d", q.Version())
	}
	if !(ProfileSnapshot{}).Empty() || snap.Empty() {
		t.Error("Empty() wrong")
	}
}

// ---------------------------------------------------------------------------
// Policy
// ---------------------------------------------------------------------------

func TestPolicy(t *testing.T) {
	p := DefaultPolicy()
	tests := []struct {
		opt   Optimization
		level int
		want  bool
	}{
		{OptInlineDecref, 0, false},
		{OptInlineDecref, 1, true},
		{OptSubscr, 2, true},
		{OptHashedNames, 1, false},
		{OptHashedNames, 2, true},
		{OptBranchFusion, 2, true},
		{Optimization("bogus"), 2, false},
	}
	for _, tt := range tests {
		if got := p.Enabled(tt.opt, tt.level); got != tt.want {
			t.Errorf("Enabled(%s, %d) = %v, want %v", tt.opt, tt.level, got, tt.want)
		}
	}

	q := p.Clone()
	if err := q.Set(OptSubscr, Disabled); err != nil {
		t.Fatal(err)
	}
	if q.Enabled(OptSubscr, 2) || !p.Enabled(OptSubscr, 2) {
		t.Error("Clone shares state")
	}
	if err := q.Set(OptSubscr, 3); !errors.Is(err, ErrInvalidOptimizationLevel) {
		t.Errorf("Set level 3 = %v", err)
	}
	if err := q.Set("bogus", 1); err == nil {
		t.Error("Set accepted an unknown optimization")
	}
	if _, err := ParseOptimization("slice"); err != nil {
		t.Error(err)
	}
	if len(Optimizations()) != len(defaultLevels) {
		t.Error("Optimizations() incomplete")
	}
	if !(Policy{}).Enabled(OptUnpack, 1) {
		t.Error("empty policy should fall back to defaults")
	}
}

func TestPolicyDisablesSpecialization(t *testing.T) {
	h := newHarness(t, "def f():\n    x = [1, 2]\n    return x[0]\n", testConfig())
	h.call("f")
	if !h.uses("f", "METHOD_SUBSCR_LIST_I") {
		t.Fatal("not specialized under the default policy")
	}
	p := h.rt.Policy()
	if err := p.Set(OptSubscr, Disabled); err != nil {
		t.Fatal(err)
	}
	h.rt.SetPolicy(p)
	h.call("f")
	if h.uses("f", "METHOD_SUBSCR_LIST_I") || !h.uses("f", "METHOD_SUBSCR_OBJ") {
		t.Error("policy change did not recompile generically")
	}
}

// ---------------------------------------------------------------------------
// Backend discovery
// ---------------------------------------------------------------------------

func writeLib(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
}

func envOf(m map[string]string) Env {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestLocateBackend(t *testing.T) {
	root := t.TempDir()
	lib := backendLibrary("linux")
	shared := filepath.Join(root, "shared", "Microsoft.NETCore.App")
	writeLib(t, filepath.Join(shared, "6.0.2", lib))
	writeLib(t, filepath.Join(shared, "8.0.10", lib))
	writeLib(t, filepath.Join(shared, "8.0.9", lib))
	explicit := filepath.Join(t.TempDir(), lib)
	writeLib(t, explicit)

	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"newest runtime", map[string]string{"DOTNET_ROOT": root}, filepath.Join(shared, "8.0.10", lib)},
		{"explicit file", map[string]string{"DOTNET_LIB_PATH": explicit, "DOTNET_ROOT": root}, explicit},
		{"explicit directory", map[string]string{"DOTNET_LIB_PATH": filepath.Dir(explicit)}, explicit},
		{"missing explicit falls through", map[string]string{"DOTNET_LIB_PATH": filepath.Join(root, "nope"), "DOTNET_ROOT": root}, filepath.Join(shared, "8.0.10", lib)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := locateBackend(envOf(tt.env), "linux", nil)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("locateBackend() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestLocateBackendMissing(t *testing.T) {
	root := t.TempDir()
	_, err := locateBackend(envOf(map[string]string{"DOTNET_ROOT": root}), "darwin", []string{filepath.Join(root, "other")})
	var ce *ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want ConfigurationError", err)
	}
	if ce.Library != "libclrjit.dylib" || len(ce.Searched) != 2 {
		t.Errorf("ConfigurationError = %+v", ce)
	}
}

func TestLocateBackendRootIsInstallRoot(t *testing.T) {
	root := t.TempDir()
	lib := backendLibrary("linux")
	writeLib(t, filepath.Join(root, "shared", "Microsoft.NETCore.App", "8.0.1", lib))

	// DOTNET_ROOT names the install root, not its shared directory.
	_, err := locateBackend(envOf(map[string]string{"DOTNET_ROOT": filepath.Join(root, "shared")}), "linux", nil)
	var ce *ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("DOTNET_ROOT=<root>/shared: err = %v, want ConfigurationError", err)
	}
	want := filepath.Join(root, "shared", "shared", "Microsoft.NETCore.App", "*", lib)
	if len(ce.Searched) != 1 || ce.Searched[0] != want {
		t.Errorf("searched %v, want [%s]", ce.Searched, want)
	}
}

func TestVersionLess(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"8.0.9", "8.0.10", true},
		{"8.0.10", "8.0.9", false},
		{"6.0", "6.0.1", true},
		{"7.0.0-rc1", "7.0.0-rc2", true},
		{"8.0.1", "8.0.1", false},
	}
	for _, tt := range tests {
		if got := versionLess(tt.a, tt.b); got != tt.want {
			t.Errorf("versionLess(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}
