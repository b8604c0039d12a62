package filter

import (
	"errors"
	"strconv"
)

// ErrSyntax is returned for any input deviating from the filter grammar.
var ErrSyntax = errors.New("invalid filter syntax")

// Parse parses a filter in canonical string form.
func Parse(s string) (Filter, error) {
	in := &input{data: s}

	if !in.expect(beginExpr) {
		return nil, ErrSyntax
	}

	f := parseBody(in)
	if f == nil {
		return nil, ErrSyntax
	}

	if !in.expect(endExpr) || in.left() > 0 {
		return nil, ErrSyntax
	}

	return f, nil
}

// IsValid reports whether s parses as a filter.
func IsValid(s string) bool {
	_, err := Parse(s)
	return err == nil
}

type input struct {
	data   string
	offset int
}

func (in *input) current() (byte, bool) {
	if in.offset >= len(in.data) {
		return 0, false
	}
	return in.data[in.offset], true
}

func (in *input) isCurrent(expected byte) (bool, bool) {
	c, ok := in.current()
	if !ok {
		return false, false
	}
	return c == expected, true
}

func (in *input) expect(expected byte) bool {
	match, ok := in.isCurrent(expected)
	if !ok || !match {
		return false
	}
	in.offset++
	return true
}

func (in *input) skip() bool {
	if in.offset >= len(in.data) {
		return false
	}
	in.offset++
	return true
}

func (in *input) left() int {
	return len(in.data) - in.offset
}

// parseStr consumes token characters up to the next unescaped special
// character, which is left in the input. The result may be empty. A string
// running into end-of-input or an escape of a non-special character is a
// syntax error.
func parseStr(in *input) (string, bool) {
	var result []byte
	escaped := false

	for {
		c, ok := in.current()
		if !ok {
			return "", false
		}

		special := isSpecial(c)

		if escaped {
			if !special {
				return "", false
			}
			if !in.skip() {
				return "", false
			}
			result = append(result, c)
			escaped = false
			continue
		}

		switch {
		case c == escapeChar:
			escaped = true
		case special:
			return string(result), true
		default:
			result = append(result, c)
		}

		if !in.skip() {
			return "", false
		}
	}
}

// parseInt parses a base-10 integer token. Leading whitespace is rejected
// and the whole token must be consumed.
func parseInt(in *input) (int64, bool) {
	s, ok := parseStr(in)
	if !ok || len(s) == 0 {
		return 0, false
	}
	if s[0] == ' ' || s[0] == '\t' || s[0] == '\n' || s[0] == '\v' ||
		s[0] == '\f' || s[0] == '\r' {
		return 0, false
	}
	value, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return value, true
}

func parseBody(in *input) Filter {
	c, ok := in.current()
	if !ok {
		return nil
	}

	switch c {
	case andOp, orOp:
		return parseComposite(in, c)
	case notOp:
		return parseNot(in)
	default:
		return parseSimple(in)
	}
}

func parseNot(in *input) Filter {
	if !in.expect(notOp) {
		return nil
	}
	if !in.expect(beginExpr) {
		return nil
	}

	operand := parseBody(in)
	if operand == nil {
		return nil
	}

	if !in.expect(endExpr) {
		return nil
	}

	return &not{operand: operand}
}

func parseComposite(in *input, op byte) Filter {
	if !in.expect(op) {
		return nil
	}

	var operands []Filter

	for {
		c, ok := in.current()
		if !ok {
			return nil
		}

		switch c {
		case beginExpr:
			in.skip()
			operand := parseBody(in)
			if operand == nil {
				return nil
			}
			operands = append(operands, operand)
			if !in.expect(endExpr) {
				return nil
			}
		case endExpr:
			if len(operands) < 2 {
				return nil
			}
			return &composite{op: op, operands: operands}
		default:
			return nil
		}
	}
}

func parseSimple(in *input) Filter {
	key, ok := parseStr(in)
	if !ok || len(key) == 0 {
		return nil
	}

	c, ok := in.current()
	if !ok {
		return nil
	}

	switch c {
	case equalOp:
		return parseEqual(in, key)
	case greaterOp, lessOp:
		in.skip()
		value, ok := parseInt(in)
		if !ok {
			return nil
		}
		return &intCmp{op: c, key: key, value: value}
	default:
		return nil
	}
}

func parseEqual(in *input, key string) Filter {
	if !in.expect(equalOp) {
		return nil
	}

	value, ok := parseStr(in)
	if !ok {
		return nil
	}

	isAny, ok := in.isCurrent(anyChar)
	if !ok {
		return nil
	}

	if isAny {
		in.skip()
		return parseSubstringAndPresent(in, key, value)
	}

	return &equal{key: key, value: value}
}

// parseSubstringAndPresent parses the remainder of a value expression once
// the first wildcard has been seen. A pattern with no anchor parts at all
// is a presence test.
func parseSubstringAndPresent(in *input, key, initial string) Filter {
	var intermediate []string
	var final string

	for {
		next, ok := parseStr(in)
		if !ok {
			return nil
		}

		isAny, ok := in.isCurrent(anyChar)
		if !ok {
			return nil
		}

		if isAny {
			if len(next) == 0 {
				return nil
			}
			intermediate = append(intermediate, next)
			in.skip()
			continue
		}

		final = next
		break
	}

	if initial == "" && intermediate == nil && final == "" {
		return &present{key: key}
	}

	return &substring{
		key:          key,
		initial:      initial,
		intermediate: intermediate,
		final:        final,
	}
}
