package object

import (
	"math"
)

// SliceNone marks an absent slice bound in the integer slicing helpers.
const SliceNone = math.MinInt64

// SliceBounds describes a normalized slice over a sequence.
type SliceBounds struct {
	Start, Stop, Step, Length int
}

// AdjustSlice clamps start and stop to a sequence of the given length, using
// SliceNone for absent bounds. step must not be zero.
func AdjustSlice(start, stop, step int64, length int) SliceBounds {
	n := int64(length)
	var lo, hi int64
	if step < 0 {
		lo, hi = -1, n-1
	} else {
		lo, hi = 0, n
	}
	clamp := func(v int64, def int64) int64 {
		if v == SliceNone {
			return def
		}
		if v < 0 {
			v += n
			if v < lo {
				v = lo
			}
		} else if v > hi {
			v = hi
		}
		return v
	}
	var s, e int64
	if step < 0 {
		s, e = clamp(start, hi), clamp(stop, lo)
	} else {
		s, e = clamp(start, lo), clamp(stop, hi)
	}
	var count int64
	if step < 0 {
		if e < s {
			count = (s-e-1)/(-step) + 1
		}
	} else if s < e {
		count = (e-s-1)/step + 1
	}
	return SliceBounds{Start: int(s), Stop: int(e), Step: int(step), Length: int(count)}
}

// sliceIndex converts a slice component to an int64, using SliceNone for
// None. Out-of-range integers saturate.
func sliceIndex(o Object) (int64, error) {
	if _, ok := o.(*NoneObject); ok || o == nil {
		return SliceNone, nil
	}
	i, ok := asInt(o)
	if !ok {
		return 0, Errorf(TypeErrorType, "slice indices must be integers or None or have an __index__ method")
	}
	if v, small := i.Int64(); small {
		if v == SliceNone {
			v++
		}
		return v, nil
	}
	if i.Sign() < 0 {
		return math.MinInt64 + 1, nil
	}
	return math.MaxInt64, nil
}

// SliceComponents extracts the integer components of a slice object.
func SliceComponents(s *Slice) (start, stop, step int64, err error) {
	if start, err = sliceIndex(s.Start); err != nil {
		return
	}
	if stop, err = sliceIndex(s.Stop); err != nil {
		return
	}
	if step, err = sliceIndex(s.Step); err != nil {
		return
	}
	if step == SliceNone {
		step = 1
	} else if step == 0 {
		err = Errorf(ValueErrorType, "slice step cannot be zero")
	}
	return
}

// SliceSequence slices a list, tuple or string with integer bounds. It
// reports false for other containers.
func SliceSequence(seq Object, start, stop, step int64) (Object, bool, error) {
	if step == 0 {
		return nil, true, Errorf(ValueErrorType, "slice step cannot be zero")
	}
	switch s := seq.(type) {
	case *List:
		return NewList(sliceItems(s.Items, AdjustSlice(start, stop, step, len(s.Items)))), true, nil
	case *Tuple:
		b := AdjustSlice(start, stop, step, len(s.Items))
		if b.Length == len(s.Items) && b.Step == 1 {
			return Acquire(s), true, nil
		}
		return NewTuple(sliceItems(s.Items, b)), true, nil
	case *Str:
		r := s.runes()
		b := AdjustSlice(start, stop, step, len(r))
		out := make([]rune, 0, b.Length)
		for i, j := 0, b.Start; i < b.Length; i, j = i+1, j+b.Step {
			out = append(out, r[j])
		}
		return NewStr(string(out)), true, nil
	}
	return nil, false, nil
}

func sliceItems(items []Object, b SliceBounds) []Object {
	out := make([]Object, 0, b.Length)
	for i, j := 0, b.Start; i < b.Length; i, j = i+1, j+b.Step {
		out = append(out, Acquire(items[j]))
	}
	return out
}

// normalizeIndex resolves a possibly negative index against length.
func normalizeIndex(key Object, length int, typeName, action string) (int, error) {
	i, ok := asInt(key)
	if !ok {
		return 0, Errorf(TypeErrorType, "%s indices must be integers or slices, not %s", typeName, key.Type().Name)
	}
	v, small := i.Int64()
	if !small {
		return 0, Errorf(IndexErrorType, "cannot fit 'int' into an index-sized integer")
	}
	if v < 0 {
		v += int64(length)
	}
	if v < 0 || v >= int64(length) {
		return 0, Errorf(IndexErrorType, "%s %s out of range", typeName, action)
	}
	return int(v), nil
}

// GetItem returns container[key].
func GetItem(container, key Object) (Object, error) {
	switch c := container.(type) {
	case *List:
		if s, ok := key.(*Slice); ok {
			return getSlice(c, s)
		}
		i, err := normalizeIndex(key, len(c.Items), "list", "index")
		if err != nil {
			return nil, err
		}
		return Acquire(c.Items[i]), nil
	case *Tuple:
		if s, ok := key.(*Slice); ok {
			return getSlice(c, s)
		}
		i, err := normalizeIndex(key, len(c.Items), "tuple", "index")
		if err != nil {
			return nil, err
		}
		return Acquire(c.Items[i]), nil
	case *Str:
		if s, ok := key.(*Slice); ok {
			return getSlice(c, s)
		}
		r := c.runes()
		i, err := normalizeIndex(key, len(r), "string", "index")
		if err != nil {
			return nil, err
		}
		return NewStr(string(r[i])), nil
	case *Dict:
		v, err := c.Lookup(key)
		if err != nil {
			return nil, err
		}
		if v == nil {
			return nil, NewException(KeyErrorType, NewTupleOf(key))
		}
		return Acquire(v), nil
	case *Range:
		i, err := normalizeIndex(key, int(c.Len()), "range object", "index")
		if err != nil {
			return nil, err
		}
		return NewInt(c.Start + int64(i)*c.Step), nil
	}
	return nil, Errorf(TypeErrorType, "'%s' object is not subscriptable", container.Type().Name)
}

func getSlice(seq Object, s *Slice) (Object, error) {
	start, stop, step, err := SliceComponents(s)
	if err != nil {
		return nil, err
	}
	r, _, err := SliceSequence(seq, start, stop, step)
	return r, err
}

// GetIndex returns container[index] for an integer index known up front.
func GetIndex(container Object, index int64) (Object, error) {
	switch c := container.(type) {
	case *List:
		if index < 0 {
			index += int64(len(c.Items))
		}
		if index < 0 || index >= int64(len(c.Items)) {
			return nil, Errorf(IndexErrorType, "list index out of range")
		}
		return Acquire(c.Items[index]), nil
	case *Tuple:
		if index < 0 {
			index += int64(len(c.Items))
		}
		if index < 0 || index >= int64(len(c.Items)) {
			return nil, Errorf(IndexErrorType, "tuple index out of range")
		}
		return Acquire(c.Items[index]), nil
	}
	key := NewInt(index)
	defer Release(key)
	return GetItem(container, key)
}

// SetItem performs container[key] = value, acquiring value.
func SetItem(container, key, value Object) error {
	switch c := container.(type) {
	case *List:
		if _, ok := key.(*Slice); ok {
			return Errorf(TypeErrorType, "slice assignment is not supported")
		}
		i, err := normalizeIndex(key, len(c.Items), "list", "assignment index")
		if err != nil {
			return err
		}
		old := c.Items[i]
		c.Items[i] = Acquire(value)
		Release(old)
		return nil
	case *Dict:
		return c.SetItem(key, value)
	}
	return Errorf(TypeErrorType, "'%s' object does not support item assignment", container.Type().Name)
}

// DelItem performs del container[key].
func DelItem(container, key Object) error {
	switch c := container.(type) {
	case *List:
		i, err := normalizeIndex(key, len(c.Items), "list", "assignment index")
		if err != nil {
			return err
		}
		old := c.Items[i]
		c.Items = append(c.Items[:i], c.Items[i+1:]...)
		Release(old)
		return nil
	case *Dict:
		found, err := c.DelItem(key)
		if err != nil {
			return err
		}
		if !found {
			return NewException(KeyErrorType, NewTupleOf(key))
		}
		return nil
	}
	return Errorf(TypeErrorType, "'%s' object does not support item deletion", container.Type().Name)
}
