package object

// Iterator is implemented by objects that produce values for FOR_ITER.
// Next returns a new reference, or nil once exhausted.
type Iterator interface {
	Object
	Next() (Object, error)
}

// ListIterator walks a list.
type ListIterator struct {
	Header
	list *List
	idx  int
}

func (*ListIterator) Type() *Type { return ListIteratorType }

func (it *ListIterator) Next() (Object, error) {
	if it.list == nil {
		return nil, nil
	}
	if it.idx >= len(it.list.Items) {
		Release(it.list)
		it.list = nil
		return nil, nil
	}
	o := it.list.Items[it.idx]
	it.idx++
	return Acquire(o), nil
}

func (it *ListIterator) ReleaseChildren() {
	if it.list != nil {
		Release(it.list)
	}
}

// TupleIterator walks a tuple.
type TupleIterator struct {
	Header
	tuple *Tuple
	idx   int
}

func (*TupleIterator) Type() *Type { return TupleIteratorType }

func (it *TupleIterator) Next() (Object, error) {
	if it.tuple == nil {
		return nil, nil
	}
	if it.idx >= len(it.tuple.Items) {
		Release(it.tuple)
		it.tuple = nil
		return nil, nil
	}
	o := it.tuple.Items[it.idx]
	it.idx++
	return Acquire(o), nil
}

func (it *TupleIterator) ReleaseChildren() {
	if it.tuple != nil {
		Release(it.tuple)
	}
}

// StrIterator walks the characters of a string.
type StrIterator struct {
	Header
	runes []rune
	idx   int
}

func (*StrIterator) Type() *Type { return StrIteratorType }

func (it *StrIterator) Next() (Object, error) {
	if it.idx >= len(it.runes) {
		return nil, nil
	}
	r := it.runes[it.idx]
	it.idx++
	return NewStr(string(r)), nil
}

// DictIterator walks the keys of a dict as they were when iteration began.
type DictIterator struct {
	Header
	dict *Dict
	keys []Object
	idx  int
}

func (*DictIterator) Type() *Type { return DictIteratorType }

func (it *DictIterator) Next() (Object, error) {
	if it.dict == nil {
		return nil, nil
	}
	if it.dict.Len() != len(it.keys) {
		return nil, Errorf(RuntimeErrorType, "dictionary changed size during iteration")
	}
	if it.idx >= len(it.keys) {
		return nil, nil
	}
	k := it.keys[it.idx]
	it.idx++
	return Acquire(k), nil
}

func (it *DictIterator) ReleaseChildren() {
	if it.dict != nil {
		Release(it.dict)
	}
}

// RangeIterator walks a range.
type RangeIterator struct {
	Header
	next, stop, step int64
}

func (*RangeIterator) Type() *Type { return RangeIteratorType }

func (it *RangeIterator) Next() (Object, error) {
	if it.step > 0 && it.next >= it.stop || it.step < 0 && it.next <= it.stop {
		return nil, nil
	}
	v := it.next
	it.next += it.step
	return NewInt(v), nil
}

// SeqIterator adapts a Go callback into an iterator.
type SeqIterator struct {
	Header
	next  func() (Object, error)
	owned []Object
}

func (*SeqIterator) Type() *Type { return SeqIteratorType }

// NewSeqIterator wraps next. owned references are released with the
// iterator.
func NewSeqIterator(next func() (Object, error), owned ...Object) *SeqIterator {
	it := &SeqIterator{next: next, owned: owned}
	Track(it)
	return it
}

func (it *SeqIterator) Next() (Object, error) { return it.next() }

func (it *SeqIterator) ReleaseChildren() { ReleaseAll(it.owned) }

// GetIter returns an iterator over o.
func GetIter(o Object) (Object, error) {
	var it Object
	switch v := o.(type) {
	case *List:
		it = &ListIterator{list: Acquire(v).(*List)}
	case *Tuple:
		it = &TupleIterator{tuple: Acquire(v).(*Tuple)}
	case *Str:
		it = &StrIterator{runes: v.runes()}
	case *Dict:
		it = &DictIterator{dict: Acquire(v).(*Dict), keys: v.Keys()}
	case *Range:
		it = &RangeIterator{next: v.Start, stop: v.Stop, step: v.Step}
	case Iterator:
		return Acquire(v), nil
	default:
		return nil, Errorf(TypeErrorType, "'%s' object is not iterable", o.Type().Name)
	}
	Track(it)
	return it, nil
}

// Next advances an iterator. It returns nil when the iterator is
// exhausted.
func Next(it Object) (Object, error) {
	i, ok := it.(Iterator)
	if !ok {
		return nil, Errorf(TypeErrorType, "'%s' object is not an iterator", it.Type().Name)
	}
	return i.Next()
}
