// Package validator checks endpoint payloads against per-endpoint rule tables.
package validator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

type jsonNumber = json.Number

// Endpoint identifies an API endpoint and selects its rule table
type Endpoint string

// Payload is a decoded JSON object body
type Payload map[string]interface{}

// ErrNotObject is returned by ParsePayload for bodies that are not a JSON object
var ErrNotObject = errors.New("request body must be a JSON object")

// Result is the outcome of validating one payload.
// The zero value is valid.
type Result struct {
	Field  string
	Reason string
}

// Valid reports whether no rule failed
func (r Result) Valid() bool { return r.Reason == "" }

// Message renders the failure for clients
func (r Result) Message() string {
	if r.Valid() {
		return ""
	}
	if r.Field == "" {
		return r.Reason
	}
	return fmt.Sprintf("field '%s' %s", r.Field, r.Reason)
}

// Invalid builds a failed Result
func Invalid(field, reason string) Result {
	return Result{Field: field, Reason: reason}
}

// Validator evaluates rule tables. It is immutable after construction.
type Validator struct {
	tables map[Endpoint][]Rule
}

// New creates a Validator from rule tables; rules run in table order
func New(tables map[Endpoint][]Rule) *Validator {
	copied := make(map[Endpoint][]Rule, len(tables))
	for ep, rules := range tables {
		copied[ep] = append([]Rule(nil), rules...)
	}
	return &Validator{tables: copied}
}

// Validate checks payload against the endpoint's rules.
// The first failing rule wins; fields without a rule are ignored.
func (v *Validator) Validate(endpoint Endpoint, payload Payload) Result {
	rules, ok := v.tables[endpoint]
	if !ok {
		return Invalid("", fmt.Sprintf("unsupported endpoint %q", endpoint))
	}

	for _, rule := range rules {
		value, present := lookup(payload, rule.Field)
		if !present {
			if rule.Required {
				return Invalid(rule.Field, "is required")
			}
			continue
		}
		if reason := rule.check(value); reason != "" {
			return Invalid(rule.Field, reason)
		}
	}
	return Result{}
}

// lookup resolves a dotted path. JSON null counts as absent.
func lookup(payload Payload, path string) (interface{}, bool) {
	var current interface{} = map[string]interface{}(payload)
	for _, part := range strings.Split(path, ".") {
		obj, ok := asObject(current)
		if !ok {
			return nil, false
		}
		current, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return current, current != nil
}

func asObject(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case Payload:
		return m, true
	default:
		return nil, false
	}
}

// ParsePayload decodes a request body. Numbers are kept as json.Number so
// integers and fractions stay distinguishable. An empty body is an empty payload.
func ParsePayload(body []byte) (Payload, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return Payload{}, nil
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("malformed JSON body: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("malformed JSON body: unexpected data after the JSON object")
	}

	obj, ok := raw.(map[string]interface{})
	if !ok {
		return nil, ErrNotObject
	}
	return Payload(obj), nil
}
