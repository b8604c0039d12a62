// Package filter implements the subscription filter language: an
// S-expression grammar over property keys and values, with equality,
// substring, presence and integer comparisons composable through
// negation, conjunction and disjunction.
//
// The string form produced by a Filter's String method is canonical:
// parsing a valid filter string and re-emitting it yields the input
// unchanged.
package filter

import (
	"strconv"
	"strings"

	"github.com/Ericsson/tpaf/internal/props"
)

const (
	beginExpr  = '('
	endExpr    = ')'
	anyChar    = '*'
	escapeChar = '\\'
	notOp      = '!'
	andOp      = '&'
	orOp       = '|'
	equalOp    = '='
	greaterOp  = '>'
	lessOp     = '<'
	specialSet = "()*\\!&|=<>"
)

// Filter is a parsed filter expression.
type Filter interface {
	// Matches evaluates the filter against a property bag.
	Matches(p *props.Props) bool
	// String returns the canonical string form.
	String() string

	emit(b *strings.Builder)
}

// Equal reports whether two filters are equivalent. The canonical string
// form decides; simple, not very performant.
func Equal(a, b Filter) bool {
	return a.String() == b.String()
}

func isSpecial(c byte) bool {
	return strings.IndexByte(specialSet, c) >= 0
}

// Escape backslash-escapes every special character in s.
func Escape(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isSpecial(c) {
			b.WriteByte(escapeChar)
		}
		b.WriteByte(c)
	}
	return b.String()
}

func canonical(f Filter) string {
	var b strings.Builder
	f.emit(&b)
	return b.String()
}

// NewEqual returns a filter matching bags holding key with a value whose
// string rendering equals value.
func NewEqual(key, value string) Filter {
	return &equal{key: key, value: value}
}

// NewGreaterThan returns a filter matching bags holding an integer value
// under key strictly greater than value.
func NewGreaterThan(key string, value int64) Filter {
	return &intCmp{op: greaterOp, key: key, value: value}
}

// NewLessThan returns a filter matching bags holding an integer value
// under key strictly less than value.
func NewLessThan(key string, value int64) Filter {
	return &intCmp{op: lessOp, key: key, value: value}
}

// NewPresent returns a filter matching bags holding any value under key.
func NewPresent(key string) Filter {
	return &present{key: key}
}

// NewSubstring returns a substring filter. Empty initial or final parts
// mean the pattern is unanchored at that end; intermediate parts must be
// non-empty.
func NewSubstring(key, initial string, intermediate []string, final string) Filter {
	return &substring{
		key:          key,
		initial:      initial,
		intermediate: append([]string(nil), intermediate...),
		final:        final,
	}
}

// NewNot returns the logical complement of operand.
func NewNot(operand Filter) Filter {
	return &not{operand: operand}
}

// NewAnd returns the conjunction of two or more operands.
func NewAnd(operands ...Filter) Filter {
	return &composite{op: andOp, operands: append([]Filter(nil), operands...)}
}

// NewOr returns the disjunction of two or more operands.
func NewOr(operands ...Filter) Filter {
	return &composite{op: orOp, operands: append([]Filter(nil), operands...)}
}

type equal struct {
	key   string
	value string
}

func (f *equal) Matches(p *props.Props) bool {
	found := false
	p.ForEach(func(name string, value props.Value) bool {
		if name != f.key {
			return true
		}
		// Integer values compare through their decimal rendering.
		if value.String() == f.value {
			found = true
		}
		return !found
	})
	return found
}

func (f *equal) emit(b *strings.Builder) {
	b.WriteByte(beginExpr)
	b.WriteString(Escape(f.key))
	b.WriteByte(equalOp)
	b.WriteString(Escape(f.value))
	b.WriteByte(endExpr)
}

func (f *equal) String() string { return canonical(f) }

type intCmp struct {
	op    byte
	key   string
	value int64
}

func (f *intCmp) Matches(p *props.Props) bool {
	found := false
	p.ForEach(func(name string, value props.Value) bool {
		if name != f.key || !value.IsInt64() {
			return true
		}
		v := value.Int64()
		if (f.op == greaterOp && v > f.value) ||
			(f.op == lessOp && v < f.value) {
			found = true
		}
		return !found
	})
	return found
}

func (f *intCmp) emit(b *strings.Builder) {
	b.WriteByte(beginExpr)
	b.WriteString(Escape(f.key))
	b.WriteByte(f.op)
	b.WriteString(strconv.FormatInt(f.value, 10))
	b.WriteByte(endExpr)
}

func (f *intCmp) String() string { return canonical(f) }

type present struct {
	key string
}

func (f *present) Matches(p *props.Props) bool {
	return p.Has(f.key)
}

func (f *present) emit(b *strings.Builder) {
	b.WriteByte(beginExpr)
	b.WriteString(Escape(f.key))
	b.WriteByte(equalOp)
	b.WriteByte(anyChar)
	b.WriteByte(endExpr)
}

func (f *present) String() string { return canonical(f) }

type substring struct {
	key          string
	initial      string
	intermediate []string
	final        string
}

func (f *substring) matchValue(s string) bool {
	if f.initial != "" {
		if !strings.HasPrefix(s, f.initial) {
			return false
		}
		s = s[len(f.initial):]
	}
	for _, mid := range f.intermediate {
		idx := strings.Index(s, mid)
		if idx < 0 {
			return false
		}
		s = s[idx+len(mid):]
	}
	if f.final != "" {
		return strings.HasSuffix(s, f.final)
	}
	return true
}

func (f *substring) Matches(p *props.Props) bool {
	found := false
	p.ForEach(func(name string, value props.Value) bool {
		// Integer-valued properties never match substring patterns.
		if name != f.key || !value.IsString() {
			return true
		}
		if f.matchValue(value.Str()) {
			found = true
		}
		return !found
	})
	return found
}

func (f *substring) emit(b *strings.Builder) {
	b.WriteByte(beginExpr)
	b.WriteString(Escape(f.key))
	b.WriteByte(equalOp)
	if f.initial != "" {
		b.WriteString(Escape(f.initial))
	}
	b.WriteByte(anyChar)
	for _, mid := range f.intermediate {
		b.WriteString(Escape(mid))
		b.WriteByte(anyChar)
	}
	if f.final != "" {
		b.WriteString(Escape(f.final))
	}
	b.WriteByte(endExpr)
}

func (f *substring) String() string { return canonical(f) }

type not struct {
	operand Filter
}

func (f *not) Matches(p *props.Props) bool {
	return !f.operand.Matches(p)
}

func (f *not) emit(b *strings.Builder) {
	b.WriteByte(beginExpr)
	b.WriteByte(notOp)
	f.operand.emit(b)
	b.WriteByte(endExpr)
}

func (f *not) String() string { return canonical(f) }

type composite struct {
	op       byte
	operands []Filter
}

func (f *composite) Matches(p *props.Props) bool {
	if f.op == andOp {
		for _, operand := range f.operands {
			if !operand.Matches(p) {
				return false
			}
		}
		return true
	}
	for _, operand := range f.operands {
		if operand.Matches(p) {
			return true
		}
	}
	return false
}

func (f *composite) emit(b *strings.Builder) {
	b.WriteByte(beginExpr)
	b.WriteByte(f.op)
	for _, operand := range f.operands {
		operand.emit(b)
	}
	b.WriteByte(endExpr)
}

func (f *composite) String() string { return canonical(f) }
