package store

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/chazu/kestrel/compiler"
	"github.com/chazu/kestrel/jit"
	"github.com/chazu/kestrel/object"
	"github.com/chazu/kestrel/vm"
)

func sampleSnapshot() jit.ProfileSnapshot {
	return jit.ProfileSnapshot{Sites: []jit.SiteSnapshot{
		{Offset: 4, Signatures: [][]object.Shape{{object.ShapeList, object.ShapeSmallInt}}},
		{Offset: 12, Signatures: [][]object.Shape{{object.ShapeFloat}, {object.ShapeSmallInt}}, Megamorphic: true},
	}}
}

// ---------------------------------------------------------------------------
// Wire format
// ---------------------------------------------------------------------------

func TestWireDeterministic(t *testing.T) {
	a, err := MarshalProfile(sampleSnapshot())
	if err != nil {
		t.Fatal(err)
	}
	b, err := MarshalProfile(sampleSnapshot())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Error("encoding is not deterministic")
	}
	got, err := UnmarshalProfile(a)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, sampleSnapshot()) {
		t.Errorf("decoded %+v", got)
	}
}

func TestWireRejects(t *testing.T) {
	old, err := cborEncMode.Marshal(&wireProfile{Version: WireVersion + 1})
	if err != nil {
		t.Fatal(err)
	}
	var ve *VersionError
	if _, err := UnmarshalProfile(old); !errors.As(err, &ve) || ve.Got != WireVersion+1 {
		t.Errorf("other version: %v", err)
	}

	bad, err := cbor.Marshal(&wireProfile{Version: WireVersion, Sites: []wireSite{{Offset: 2, Signatures: [][]uint8{{200}}}}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := UnmarshalProfile(bad); err == nil {
		t.Error("unknown shape accepted")
	}
	if _, err := UnmarshalProfile([]byte{0xff, 0x00}); err == nil {
		t.Error("garbage accepted")
	}
}

// ---------------------------------------------------------------------------
// SQLite
// ---------------------------------------------------------------------------

func openTemp(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "nested", "profiles.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	key := jit.ProfileKey{Fingerprint: 1<<63 + 5, Name: "f"}

	if _, ok, err := s.LoadProfile(ctx, key); err != nil || ok {
		t.Fatalf("empty load = %v, %v", ok, err)
	}
	if err := s.SaveProfile(ctx, key, sampleSnapshot()); err != nil {
		t.Fatal(err)
	}
	got, ok, err := s.LoadProfile(ctx, key)
	if err != nil || !ok {
		t.Fatalf("load = %v, %v", ok, err)
	}
	if !reflect.DeepEqual(got, sampleSnapshot()) {
		t.Errorf("loaded %+v", got)
	}

	// Saving again replaces the row.
	one := jit.ProfileSnapshot{Sites: sampleSnapshot().Sites[:1]}
	if err := s.SaveProfile(ctx, key, one); err != nil {
		t.Fatal(err)
	}
	entries, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Key != key || entries[0].Sites != 1 {
		t.Errorf("List() = %+v", entries)
	}

	if err := s.Delete(ctx, key); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.LoadProfile(ctx, key); ok {
		t.Error("profile still present after Delete")
	}
}

func TestSQLitePrune(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	for _, name := range []string{"a", "b"} {
		if err := s.SaveProfile(ctx, jit.ProfileKey{Name: name}, sampleSnapshot()); err != nil {
			t.Fatal(err)
		}
	}
	n, err := s.Prune(ctx, time.Now().Add(-time.Hour))
	if err != nil || n != 0 {
		t.Errorf("Prune(an hour ago) = %d, %v", n, err)
	}
	n, err = s.Prune(ctx, time.Now().Add(time.Second))
	if err != nil || n != 2 {
		t.Errorf("Prune(now) = %d, %v", n, err)
	}
}

func TestSQLiteStaleVersionIgnored(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	data, err := cborEncMode.Marshal(&wireProfile{Version: 0})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO profiles VALUES (?, ?, ?, ?)`, 7, "old", data, 0); err != nil {
		t.Fatal(err)
	}
	_, ok, err := s.LoadProfile(ctx, jit.ProfileKey{Fingerprint: 7, Name: "old"})
	if err != nil || ok {
		t.Errorf("stale profile load = %v, %v", ok, err)
	}
}

// ---------------------------------------------------------------------------
// End to end
// ---------------------------------------------------------------------------

func runWithStore(t *testing.T, st jit.ProfileStore, src string) *jit.Info {
	t.Helper()
	in := vm.New(vm.WithStdout(&bytes.Buffer{}))
	cfg := jit.DefaultConfig()
	cfg.Env = func(string) (string, bool) { return "", false }
	cfg.Store = st
	rt, err := jit.New(in, cfg)
	if err != nil {
		t.Fatal(err)
	}
	rt.Enable()
	globals := in.NewGlobals("__main__")
	defer object.Release(globals)
	r, err := in.Exec(compiler.MustCompile(src, "prog.py"), globals)
	if err != nil {
		t.Fatal(err)
	}
	object.Release(r)
	fn, err := in.Function(globals, "f")
	if err != nil {
		t.Fatal(err)
	}
	info, err := rt.Info(fn)
	if err != nil {
		t.Fatal(err)
	}
	if err := rt.Close(); err != nil {
		t.Fatal(err)
	}
	return &info
}

func TestStoresWarmProfiles(t *testing.T) {
	src := "def f(x):\n    return x[0] + x[1]\nf([1, 2])\n"
	stores := []struct {
		name  string
		store jit.ProfileStore
	}{
		{"memory", NewMemory()},
		{"sqlite", openTemp(t)},
	}
	for _, tt := range stores {
		t.Run(tt.name, func(t *testing.T) {
			first := runWithStore(t, tt.store, src)
			if first.PGC != 1 {
				t.Fatalf("first run: %+v", first)
			}
			second := runWithStore(t, tt.store, src)
			if second.PGC != 1 || second.Compiles != 1 {
				t.Errorf("second run recompiled against a warm profile: %+v", second)
			}
		})
	}
}
