// Package store persists JIT profiles between runs.
package store

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/tliron/commonlog"

	"github.com/chazu/kestrel/jit"
	"github.com/chazu/kestrel/object"
)

var log = commonlog.GetLogger("kestrel.store")

// WireVersion is the version of the encoded profile format. Profiles of
// another version are ignored on load.
const WireVersion = 1

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("store: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

type wireProfile struct {
	Version int        `cbor:"1,keyasint"`
	Sites   []wireSite `cbor:"2,keyasint"`
}

type wireSite struct {
	Offset      int       `cbor:"1,keyasint"`
	Signatures  [][]uint8 `cbor:"2,keyasint"`
	Megamorphic bool      `cbor:"3,keyasint,omitempty"`
}

// MarshalProfile serializes a profile snapshot to canonical CBOR.
func MarshalProfile(snap jit.ProfileSnapshot) ([]byte, error) {
	w := wireProfile{Version: WireVersion, Sites: make([]wireSite, 0, len(snap.Sites))}
	for _, s := range snap.Sites {
		ws := wireSite{Offset: s.Offset, Megamorphic: s.Megamorphic}
		for _, sig := range s.Signatures {
			shapes := make([]uint8, len(sig))
			for i, sh := range sig {
				shapes[i] = uint8(sh)
			}
			ws.Signatures = append(ws.Signatures, shapes)
		}
		w.Sites = append(w.Sites, ws)
	}
	return cborEncMode.Marshal(&w)
}

// VersionError reports a profile encoded by another wire version.
type VersionError struct{ Got int }

func (e *VersionError) Error() string {
	return fmt.Sprintf("store: profile wire version %d, want %d", e.Got, WireVersion)
}

// UnmarshalProfile deserializes a profile snapshot.
func UnmarshalProfile(data []byte) (jit.ProfileSnapshot, error) {
	var w wireProfile
	if err := cbor.Unmarshal(data, &w); err != nil {
		return jit.ProfileSnapshot{}, fmt.Errorf("store: unmarshal profile: %w", err)
	}
	if w.Version != WireVersion {
		return jit.ProfileSnapshot{}, &VersionError{Got: w.Version}
	}
	var snap jit.ProfileSnapshot
	for _, ws := range w.Sites {
		s := jit.SiteSnapshot{Offset: ws.Offset, Megamorphic: ws.Megamorphic}
		for _, sig := range ws.Signatures {
			shapes := make([]object.Shape, len(sig))
			for i, sh := range sig {
				if object.Shape(sh) > object.ShapeCallable {
					return jit.ProfileSnapshot{}, fmt.Errorf("store: unknown shape %d at offset %d", sh, ws.Offset)
				}
				shapes[i] = object.Shape(sh)
			}
			s.Signatures = append(s.Signatures, shapes)
		}
		snap.Sites = append(snap.Sites, s)
	}
	return snap, nil
}
