// Package props implements the multi-valued property bags attached to
// published services. A bag is an ordered sequence of (name, value) pairs
// where the same name may occur any number of times.
package props

// Props is a property bag. The zero value is not usable; use New.
type Props struct {
	entries []entry
}

type entry struct {
	name  string
	value Value
}

// New returns an empty property bag.
func New() *Props {
	return &Props{}
}

// Add appends a (name, value) pair, preserving insertion order.
func (p *Props) Add(name string, value Value) {
	p.entries = append(p.entries, entry{name: name, value: value})
}

// AddInt64 appends an integer-valued property.
func (p *Props) AddInt64(name string, value int64) {
	p.Add(name, Int64Value(value))
}

// AddString appends a string-valued property.
func (p *Props) AddString(name, value string) {
	p.Add(name, StringValue(value))
}

// GetOne returns the first value recorded under name.
func (p *Props) GetOne(name string) (Value, bool) {
	for _, e := range p.entries {
		if e.name == name {
			return e.value, true
		}
	}
	return Value{}, false
}

// GetAll returns every value recorded under name, in insertion order.
func (p *Props) GetAll(name string) []Value {
	var values []Value
	for _, e := range p.entries {
		if e.name == name {
			values = append(values, e.value)
		}
	}
	return values
}

// DelOne removes the first occurrence of name and reports whether one
// was present.
func (p *Props) DelOne(name string) bool {
	for i, e := range p.entries {
		if e.name == name {
			p.entries = append(p.entries[:i], p.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Has reports whether at least one value is recorded under name.
func (p *Props) Has(name string) bool {
	_, ok := p.GetOne(name)
	return ok
}

// NumValues returns the total number of (name, value) pairs.
func (p *Props) NumValues() int {
	return len(p.entries)
}

// NumNames returns the number of distinct names.
func (p *Props) NumNames() int {
	count := 0
	for i := range p.entries {
		duplicate := false
		for j := 0; j < i; j++ {
			if p.entries[j].name == p.entries[i].name {
				duplicate = true
				break
			}
		}
		if !duplicate {
			count++
		}
	}
	return count
}

// Equal reports multiset equality on (name, value) pairs. Insertion order
// does not matter, but pair multiplicity does.
func (p *Props) Equal(o *Props) bool {
	if len(p.entries) != len(o.entries) {
		return false
	}
	for _, e := range p.entries {
		if pairCount(p, e.name, e.value) != pairCount(o, e.name, e.value) {
			return false
		}
	}
	return true
}

func pairCount(p *Props, name string, value Value) int {
	n := 0
	for _, e := range p.entries {
		if e.name == name && e.value.Equal(value) {
			n++
		}
	}
	return n
}

// Clone returns a deep copy of the bag.
func (p *Props) Clone() *Props {
	copied := &Props{entries: make([]entry, len(p.entries))}
	copy(copied.entries, p.entries)
	return copied
}

// ForEach invokes fn for every pair in insertion order, stopping early
// when fn returns false.
func (p *Props) ForEach(fn func(name string, value Value) bool) {
	for _, e := range p.entries {
		if !fn(e.name, e.value) {
			return
		}
	}
}
