package il

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/chazu/kestrel/object"
)

// Token identifies a helper callable from IL. Tokens live in the CIL
// MemberRef table range so raw method bodies look like real CIL.
type Token uint32

const tokenBase Token = 0x0A000001

// Value is an IL evaluation stack entry: an object reference or a native
// integer.
type Value struct {
	Obj object.Object
	Int int64
}

// ObjValue wraps an object reference.
func ObjValue(o object.Object) Value { return Value{Obj: o} }

// IntValue wraps a native integer.
func IntValue(i int64) Value { return Value{Int: i} }

// True reports whether brtrue would branch on v.
func (v Value) True() bool { return v.Obj != nil || v.Int != 0 }

// HelperFunc implements a helper. args are popped in push order.
type HelperFunc func(c *Context, args []Value) (Value, error)

// Helper describes a runtime helper. Unless its documentation says
// otherwise a helper steals its object arguments.
type Helper struct {
	Name string
	Args int // Fixed argument count, ignored when Variadic

	// Variadic helpers take their argument count from an ldc.i4 emitted
	// immediately before the call; the count itself is popped first.
	Variadic bool

	Returns     bool // Pushes a result
	NoReturn    bool // Always fails; control never continues past the call
	NoTraceback bool // Failures re-raise an existing exception
	Exit        bool // Reports frame exit itself; failures skip the exit events

	Fn HelperFunc
}

var registry = struct {
	sync.RWMutex
	helpers []*Helper
	byName  map[string]Token
}{byName: map[string]Token{}}

// Register adds h to the global token registry and returns its token.
// Registering a name twice panics.
func Register(h Helper) Token {
	registry.Lock()
	defer registry.Unlock()
	if _, dup := registry.byName[h.Name]; dup {
		panic(fmt.Sprintf("il: helper %s registered twice", h.Name))
	}
	tok := tokenBase + Token(len(registry.helpers))
	registry.helpers = append(registry.helpers, &h)
	registry.byName[h.Name] = tok
	return tok
}

// Lookup returns the helper registered under tok.
func Lookup(tok Token) (*Helper, bool) {
	registry.RLock()
	defer registry.RUnlock()
	i := int(tok - tokenBase)
	if tok < tokenBase || i >= len(registry.helpers) {
		return nil, false
	}
	return registry.helpers[i], true
}

// TokenByName returns the token registered under name.
func TokenByName(name string) (Token, bool) {
	registry.RLock()
	defer registry.RUnlock()
	tok, ok := registry.byName[name]
	return tok, ok
}

// Names returns every registered helper name, sorted.
func Names() []string {
	registry.RLock()
	defer registry.RUnlock()
	out := make([]string, 0, len(registry.byName))
	for name := range registry.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (t Token) String() string {
	if h, ok := Lookup(t); ok {
		return h.Name
	}
	return fmt.Sprintf("0x%08X", uint32(t))
}

// Address returns the entry address of the helper's implementation, the
// value native code calls.
func (t Token) Address() uintptr {
	h, ok := Lookup(t)
	if !ok || h.Fn == nil {
		return 0
	}
	return reflect.ValueOf(h.Fn).Pointer()
}
