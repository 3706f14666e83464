// Copyright 2025 James Ross

// Package schema validates a decoded JSON value against a stored subset of
// JSON-Schema Draft-07 (spec.md §4.2, C2). No ecosystem JSON-Schema library
// in the example pack exposes an ordered per-field violation list together
// with the spec's array-vs-object discrimination rule and a validator-level
// ReDoS length cap on pattern evaluation (confirmed against
// xeipuuv/gojsonschema and santhosh-tekuri/jsonschema/v5's whole-document
// Validate() APIs); this package is intentionally hand-rolled on
// encoding/json + regexp. See DESIGN.md for the full justification.
package schema

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// DefaultPatternLengthCap bounds the input length handed to a `pattern`
// regex, per spec.md §4.2's ReDoS protection.
const DefaultPatternLengthCap = 10 * 1024

// Kind is the JSON-Schema `type` vocabulary this subset supports.
type Kind string

const (
	KindString  Kind = "string"
	KindNumber  Kind = "number"
	KindInteger Kind = "integer"
	KindBoolean Kind = "boolean"
	KindObject  Kind = "object"
	KindArray   Kind = "array"
	KindNull    Kind = "null"
)

// Schema is the parsed form of a stored param_schema document.
type Schema struct {
	Type       Kind               `json:"type"`
	Required   []string           `json:"required,omitempty"`
	Properties map[string]*Schema `json:"properties,omitempty"`
	MinLength  *int               `json:"minLength,omitempty"`
	MaxLength  *int               `json:"maxLength,omitempty"`
	Minimum    *float64           `json:"minimum,omitempty"`
	Maximum    *float64           `json:"maximum,omitempty"`
	Pattern    string             `json:"pattern,omitempty"`
	Enum       []any              `json:"enum,omitempty"`
	Items      *Schema            `json:"items,omitempty"`
	Default    any                `json:"default,omitempty"`
}

// Violation is one field-level failure: {path, rule, message}.
type Violation struct {
	Path    string
	Rule    string
	Message string
}

// Validator validates values against schemas, with a configurable pattern
// length cap.
type Validator struct {
	PatternLengthCap int
	patternCache     map[string]*regexp.Regexp
}

// NewValidator returns a Validator using DefaultPatternLengthCap.
func NewValidator() *Validator {
	return &Validator{PatternLengthCap: DefaultPatternLengthCap, patternCache: make(map[string]*regexp.Regexp)}
}

// Parse decodes a stored param_schema document. It fails with an error
// unless the document is a JSON object carrying a top-level `type`
// (spec.md §4.4's ErrInvalidSchema condition, checked by the Registry; this
// function just does the parse half).
func Parse(doc string) (*Schema, error) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(doc), &raw); err != nil {
		return nil, fmt.Errorf("schema is not a JSON object: %w", err)
	}
	if _, ok := raw["type"]; !ok {
		return nil, fmt.Errorf("schema has no top-level type")
	}
	var s Schema
	if err := json.Unmarshal([]byte(doc), &s); err != nil {
		return nil, fmt.Errorf("schema does not match the supported subset: %w", err)
	}
	return &s, nil
}

// Validate checks value (already decoded, ideally via a json.Decoder with
// UseNumber so integers survive as json.Number) against s. It returns the
// value with any `default`-filled object fields applied, and an ordered
// list of violations across fields. Within a single field it fails fast on
// the first violated rule; violations accumulate across fields.
func (v *Validator) Validate(s *Schema, value any) (any, []Violation) {
	var violations []Violation
	filled := v.validate(s, value, "$", &violations)
	return filled, violations
}

func (v *Validator) validate(s *Schema, value any, path string, violations *[]Violation) any {
	if s == nil {
		return value
	}
	kind := kindOf(value)

	if s.Type != "" && !matchesType(s.Type, kind, value) {
		*violations = append(*violations, Violation{Path: path, Rule: "type", Message: fmt.Sprintf("expected %s, got %s", s.Type, kind)})
		return value
	}

	switch s.Type {
	case KindObject:
		return v.validateObject(s, value, path, violations)
	case KindArray:
		return v.validateArray(s, value, path, violations)
	case KindString:
		v.validateString(s, value, path, violations)
	case KindNumber, KindInteger:
		validateNumber(s, value, path, violations)
	}

	if len(s.Enum) > 0 && !enumContains(s.Enum, value) {
		*violations = append(*violations, Violation{Path: path, Rule: "enum", Message: "value is not one of the allowed values"})
	}

	return value
}

func (v *Validator) validateObject(s *Schema, value any, path string, violations *[]Violation) any {
	obj, ok := value.(map[string]any)
	if !ok {
		return value
	}
	out := make(map[string]any, len(obj))
	for k, v2 := range obj {
		out[k] = v2
	}

	for _, req := range s.Required {
		if _, present := out[req]; !present {
			*violations = append(*violations, Violation{Path: joinPath(path, req), Rule: "required", Message: "field is required"})
		}
	}

	propNames := make([]string, 0, len(s.Properties))
	for name := range s.Properties {
		propNames = append(propNames, name)
	}
	sort.Strings(propNames)

	for _, name := range propNames {
		propSchema := s.Properties[name]
		fieldPath := joinPath(path, name)
		fieldVal, present := out[name]
		if !present {
			if propSchema.Default != nil {
				out[name] = propSchema.Default
			}
			continue
		}
		out[name] = v.validate(propSchema, fieldVal, fieldPath, violations)
	}

	return out
}

func (v *Validator) validateArray(s *Schema, value any, path string, violations *[]Violation) any {
	arr, ok := value.([]any)
	if !ok {
		return value
	}
	if s.Items == nil {
		return value
	}
	out := make([]any, len(arr))
	for i, elem := range arr {
		out[i] = v.validate(s.Items, elem, fmt.Sprintf("%s[%d]", path, i), violations)
	}
	return out
}

func (v *Validator) validateString(s *Schema, value any, path string, violations *[]Violation) {
	str, ok := value.(string)
	if !ok {
		return
	}
	if s.MinLength != nil && len(str) < *s.MinLength {
		*violations = append(*violations, Violation{Path: path, Rule: "minLength", Message: fmt.Sprintf("length must be >= %d", *s.MinLength)})
		return
	}
	if s.MaxLength != nil && len(str) > *s.MaxLength {
		*violations = append(*violations, Violation{Path: path, Rule: "maxLength", Message: fmt.Sprintf("length must be <= %d", *s.MaxLength)})
		return
	}
	if s.Pattern != "" {
		if len(str) > v.capOrDefault() {
			*violations = append(*violations, Violation{Path: path, Rule: "pattern", Message: "value exceeds the maximum length evaluated against patterns"})
			return
		}
		re, err := v.compile(s.Pattern)
		if err != nil {
			*violations = append(*violations, Violation{Path: path, Rule: "pattern", Message: "schema pattern does not compile"})
			return
		}
		if !re.MatchString(str) {
			*violations = append(*violations, Violation{Path: path, Rule: "pattern", Message: "value does not match the required pattern"})
			return
		}
	}
}

func (v *Validator) capOrDefault() int {
	if v.PatternLengthCap > 0 {
		return v.PatternLengthCap
	}
	return DefaultPatternLengthCap
}

func (v *Validator) compile(pattern string) (*regexp.Regexp, error) {
	if re, ok := v.patternCache[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	if v.patternCache == nil {
		v.patternCache = make(map[string]*regexp.Regexp)
	}
	v.patternCache[pattern] = re
	return re, nil
}

func validateNumber(s *Schema, value any, path string, violations *[]Violation) {
	f, ok := asFloat(value)
	if !ok {
		return
	}
	if s.Minimum != nil && f < *s.Minimum {
		*violations = append(*violations, Violation{Path: path, Rule: "minimum", Message: fmt.Sprintf("must be >= %v", *s.Minimum)})
		return
	}
	if s.Maximum != nil && f > *s.Maximum {
		*violations = append(*violations, Violation{Path: path, Rule: "maximum", Message: fmt.Sprintf("must be <= %v", *s.Maximum)})
		return
	}
}

func asFloat(value any) (float64, bool) {
	switch n := value.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func enumContains(enum []any, value any) bool {
	for _, e := range enum {
		if fmt.Sprint(e) == fmt.Sprint(value) {
			return true
		}
	}
	return false
}

func joinPath(base, field string) string {
	if base == "$" {
		return field
	}
	return base + "." + field
}

// kindOf classifies a decoded value. encoding/json always decodes a JSON
// array as []any and a JSON object (including `{}`) as map[string]any, so
// decode-driven values need no further discrimination between the two —
// an empty map is still an object, not an array.
func kindOf(value any) Kind {
	switch v := value.(type) {
	case nil:
		return KindNull
	case bool:
		return KindBoolean
	case string:
		return KindString
	case json.Number:
		if isWholeNumber(v.String()) {
			return KindInteger
		}
		return KindNumber
	case float64:
		if v == float64(int64(v)) {
			return KindInteger
		}
		return KindNumber
	case []any:
		return KindArray
	case map[string]any:
		return KindObject
	default:
		return KindObject
	}
}

func isWholeNumber(s string) bool {
	return !strings.ContainsAny(s, ".eE")
}

func matchesType(want Kind, got Kind, value any) bool {
	if want == KindNumber && got == KindInteger {
		return true // integer satisfies "number"
	}
	return want == got
}
