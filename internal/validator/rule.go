package validator

import (
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Kind is the JSON type a field must have
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindNumber
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "integer"
	case KindNumber:
		return "number"
	case KindBool:
		return "boolean"
	default:
		return "unknown"
	}
}

// Rule constrains one field of a payload.
// Rules are values; the builder methods return modified copies.
type Rule struct {
	// Field is a dotted path into the payload, e.g. "options.level"
	Field    string
	Kind     Kind
	Required bool

	hasRange bool
	min, max float64

	minLen, maxLen int
	enum           []string
	url            bool
}

// String declares a string field
func String(field string) Rule { return Rule{Field: field, Kind: KindString} }

// Int declares an integer field
func Int(field string) Rule { return Rule{Field: field, Kind: KindInt} }

// Number declares a numeric field
func Number(field string) Rule { return Rule{Field: field, Kind: KindNumber} }

// Bool declares a boolean field
func Bool(field string) Rule { return Rule{Field: field, Kind: KindBool} }

// Enum declares a string field restricted to values
func Enum(field string, values ...string) Rule {
	return Rule{Field: field, Kind: KindString, enum: append([]string(nil), values...)}
}

// Require marks the field as mandatory
func (r Rule) Require() Rule {
	r.Required = true
	return r
}

// Range bounds a numeric field, inclusive
func (r Rule) Range(min, max float64) Rule {
	r.hasRange = true
	r.min, r.max = min, max
	return r
}

// Len bounds a string field's length in characters, inclusive. max 0 means unbounded.
func (r Rule) Len(min, max int) Rule {
	r.minLen, r.maxLen = min, max
	return r
}

// URL requires a string field to be an absolute http(s) URL or a data URI
func (r Rule) URL() Rule {
	r.url = true
	return r
}

// check returns the reason v violates the rule, or "" when it holds
func (r Rule) check(v interface{}) string {
	switch r.Kind {
	case KindString:
		s, ok := v.(string)
		if !ok {
			return "must be a string"
		}
		return r.checkString(s)
	case KindInt:
		f, ok := toFloat(v)
		if !ok || f != math.Trunc(f) || math.IsInf(f, 0) {
			return "must be an integer"
		}
		return r.checkRange(f)
	case KindNumber:
		f, ok := toFloat(v)
		if !ok || math.IsInf(f, 0) || math.IsNaN(f) {
			return "must be a number"
		}
		return r.checkRange(f)
	case KindBool:
		if _, ok := v.(bool); !ok {
			return "must be a boolean"
		}
		return ""
	default:
		return "has an unsupported type"
	}
}

func (r Rule) checkString(s string) string {
	n := utf8.RuneCountInString(s)
	if n < r.minLen || (r.maxLen > 0 && n > r.maxLen) {
		if r.maxLen > 0 {
			return fmt.Sprintf("length must be between %d and %d", r.minLen, r.maxLen)
		}
		return fmt.Sprintf("length must be at least %d", r.minLen)
	}
	if len(r.enum) > 0 {
		for _, e := range r.enum {
			if s == e {
				return ""
			}
		}
		return "must be one of: " + strings.Join(r.enum, ", ")
	}
	if r.url && !isURL(s) {
		return "must be an http(s) URL or data URI"
	}
	return ""
}

func (r Rule) checkRange(f float64) string {
	if r.hasRange && (f < r.min || f > r.max) {
		return fmt.Sprintf("must be between %s and %s", formatBound(r.min), formatBound(r.max))
	}
	return ""
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case jsonNumber:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func formatBound(f float64) string {
	if f == math.Trunc(f) {
		return strconv.FormatFloat(f, 'f', 0, 64)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func isURL(s string) bool {
	if strings.HasPrefix(s, "data:") {
		return strings.Contains(s, ",")
	}
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
