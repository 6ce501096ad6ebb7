package object

import (
	"math"

	"github.com/zeebo/xxh3"
)

type dictEntry struct {
	key, value Object
	hash       uint64
	deleted    bool
}

// Dict is an insertion-ordered hash map.
type Dict struct {
	Header
	entries []dictEntry
	index   map[uint64][]int
	used    int
}

func (*Dict) Type() *Type { return DictType }

// NewDict returns an empty dict.
func NewDict() *Dict {
	d := &Dict{index: make(map[uint64][]int)}
	Track(d)
	return d
}

func (d *Dict) ReleaseChildren() {
	entries := d.entries
	d.entries = nil
	d.index = nil
	d.used = 0
	for _, e := range entries {
		if !e.deleted {
			Release(e.key)
			Release(e.value)
		}
	}
}

// Len returns the number of live entries.
func (d *Dict) Len() int { return d.used }

func (d *Dict) find(key Object, h uint64) (int, error) {
	for _, i := range d.index[h] {
		e := &d.entries[i]
		if e.deleted {
			continue
		}
		if e.key == key {
			return i, nil
		}
		eq, err := Equal(e.key, key)
		if err != nil {
			return -1, err
		}
		if eq {
			return i, nil
		}
	}
	return -1, nil
}

// Lookup returns a borrowed reference to the value for key, or nil.
func (d *Dict) Lookup(key Object) (Object, error) {
	h, err := Hash(key)
	if err != nil {
		return nil, err
	}
	return d.LookupHash(key, h)
}

// LookupHash is Lookup with a precomputed hash.
func (d *Dict) LookupHash(key Object, h uint64) (Object, error) {
	i, err := d.find(key, h)
	if err != nil || i < 0 {
		return nil, err
	}
	return d.entries[i].value, nil
}

// LookupString returns a borrowed reference to the value stored under the
// string key s, or nil.
func (d *Dict) LookupString(s string) Object {
	h := xxh3.HashString(s)
	for _, i := range d.index[h] {
		e := &d.entries[i]
		if e.deleted {
			continue
		}
		if k, ok := e.key.(*Str); ok && k.V == s {
			return e.value
		}
	}
	return nil
}

// SetItem stores value under key, acquiring both.
func (d *Dict) SetItem(key, value Object) error {
	h, err := Hash(key)
	if err != nil {
		return err
	}
	return d.SetItemHash(key, value, h)
}

// SetItemHash is SetItem with a precomputed hash.
func (d *Dict) SetItemHash(key, value Object, h uint64) error {
	i, err := d.find(key, h)
	if err != nil {
		return err
	}
	Acquire(value)
	if i >= 0 {
		old := d.entries[i].value
		d.entries[i].value = value
		Release(old)
		return nil
	}
	Acquire(key)
	d.entries = append(d.entries, dictEntry{key: key, value: value, hash: h})
	d.index[h] = append(d.index[h], len(d.entries)-1)
	d.used++
	return nil
}

// SetString stores value under a string key, acquiring value.
func (d *Dict) SetString(s string, value Object) {
	k := NewStr(s)
	_ = d.SetItemHash(k, value, xxh3.HashString(s))
	Release(k)
}

// DelItem removes key. It reports whether the key was present.
func (d *Dict) DelItem(key Object) (bool, error) {
	h, err := Hash(key)
	if err != nil {
		return false, err
	}
	i, err := d.find(key, h)
	if err != nil || i < 0 {
		return false, err
	}
	e := &d.entries[i]
	k, v := e.key, e.value
	e.key, e.value, e.deleted = nil, nil, true
	d.used--
	d.maybeCompact()
	Release(k)
	Release(v)
	return true, nil
}

func (d *Dict) maybeCompact() {
	if len(d.entries) < 16 || d.used*2 > len(d.entries) {
		return
	}
	live := make([]dictEntry, 0, d.used)
	for _, e := range d.entries {
		if !e.deleted {
			live = append(live, e)
		}
	}
	d.entries = live
	d.index = make(map[uint64][]int, len(live))
	for i, e := range live {
		d.index[e.hash] = append(d.index[e.hash], i)
	}
}

// Clear removes every entry.
func (d *Dict) Clear() {
	d.ReleaseChildren()
	d.index = make(map[uint64][]int)
}

// Keys returns borrowed references to the keys in insertion order.
func (d *Dict) Keys() []Object {
	keys := make([]Object, 0, d.used)
	for _, e := range d.entries {
		if !e.deleted {
			keys = append(keys, e.key)
		}
	}
	return keys
}

// Range calls fn for every entry in insertion order with borrowed
// references until fn returns false.
func (d *Dict) Range(fn func(key, value Object) bool) {
	for i := 0; i < len(d.entries); i++ {
		e := d.entries[i]
		if e.deleted {
			continue
		}
		if !fn(e.key, e.value) {
			return
		}
	}
}

// Hash returns the hash of a hashable object. Values that compare equal
// hash equal across int, float and bool.
func Hash(o Object) (uint64, error) {
	switch v := o.(type) {
	case *Int:
		if v.b == nil {
			return uint64(v.v), nil
		}
		buf := v.b.Bytes()
		h := xxh3.Hash(buf)
		if v.b.Sign() < 0 {
			h = ^h
		}
		return h, nil
	case *Bool:
		if v.V {
			return 1, nil
		}
		return 0, nil
	case *Float:
		if v.V == math.Trunc(v.V) && v.V >= math.MinInt64 && v.V < math.MaxInt64 {
			return uint64(int64(v.V)), nil
		}
		return math.Float64bits(v.V) * 0x9e3779b97f4a7c15, nil
	case *Str:
		return xxh3.HashString(v.V), nil
	case *NoneObject:
		return 0x5bd1e9955bd1e995, nil
	case *Tuple:
		h := uint64(0x345678)
		for _, item := range v.Items {
			ih, err := Hash(item)
			if err != nil {
				return 0, err
			}
			h = (h ^ ih) * 1000003
		}
		return h ^ uint64(len(v.Items)), nil
	case *List, *Dict, *Slice:
		return 0, Errorf(TypeErrorType, "unhashable type: '%s'", o.Type().Name)
	}
	return identityHash(o), nil
}
