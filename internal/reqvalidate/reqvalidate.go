// Copyright 2025 James Ross

// Package reqvalidate implements the per-endpoint Request Validator
// (spec.md §4.7, C7): a set of rules loaded from the api_validations table
// at startup, applied to one incoming request's body/query/path/header
// values.
package reqvalidate

import (
	"fmt"
	"regexp"
	"strconv"
)

// Source names the part of the HTTP request a rule reads from.
type Source string

const (
	SourceBody   Source = "body"
	SourceQuery  Source = "query"
	SourcePath   Source = "path"
	SourceHeader Source = "header"
)

// Rule is one row of api_validations.
type Rule struct {
	ParamName string
	Source    Source
	Required  bool
	Type      string // string, integer, number, boolean, array, object
	MinLength *int
	MaxLength *int
	Minimum   *float64
	Maximum   *float64
	Pattern   string
}

// Violation is one field-level failure.
type Violation struct {
	Path    string
	Rule    string
	Message string
}

// Request is the narrow view over an incoming HTTP request a Rule can read.
// Body values come pre-decoded, with JSON numbers as float64 (json.Number
// values do not pass the integer/number type checks); query/path/header
// values are raw strings.
type Request struct {
	Body   map[string]any
	Query  map[string]string
	Path   map[string]string
	Header map[string]string
}

const defaultPatternLengthCap = 10 * 1024

// Validator evaluates Rules against a Request.
type Validator struct {
	PatternLengthCap int
	patternCache     map[string]*regexp.Regexp
}

func NewValidator() *Validator {
	return &Validator{PatternLengthCap: defaultPatternLengthCap, patternCache: make(map[string]*regexp.Regexp)}
}

// Validate returns an ordered list of violations across every rule. Each
// rule fails fast on its own first violated check.
func (v *Validator) Validate(rules []Rule, req Request) []Violation {
	var violations []Violation
	for _, r := range rules {
		v.validateOne(r, req, &violations)
	}
	return violations
}

func (v *Validator) validateOne(r Rule, req Request, violations *[]Violation) {
	raw, present := lookup(r, req)
	if !present || isEmpty(raw) {
		if r.Required {
			*violations = append(*violations, Violation{Path: r.ParamName, Rule: "required", Message: "missing or empty"})
		}
		return
	}

	if r.Type != "" {
		if !v.checkType(r, raw, violations) {
			return
		}
	}

	switch s := raw.(type) {
	case string:
		if r.MinLength != nil && len(s) < *r.MinLength {
			*violations = append(*violations, Violation{Path: r.ParamName, Rule: "minLength", Message: fmt.Sprintf("length must be >= %d", *r.MinLength)})
			return
		}
		if r.MaxLength != nil && len(s) > *r.MaxLength {
			*violations = append(*violations, Violation{Path: r.ParamName, Rule: "maxLength", Message: fmt.Sprintf("length must be <= %d", *r.MaxLength)})
			return
		}
		if r.Pattern != "" {
			if len(s) > v.capOrDefault() {
				*violations = append(*violations, Violation{Path: r.ParamName, Rule: "pattern", Message: "value exceeds the maximum length evaluated against patterns"})
				return
			}
			re, err := v.compile(r.Pattern)
			if err != nil {
				*violations = append(*violations, Violation{Path: r.ParamName, Rule: "pattern", Message: "rule pattern does not compile"})
				return
			}
			if !re.MatchString(s) {
				*violations = append(*violations, Violation{Path: r.ParamName, Rule: "pattern", Message: "value does not match the required pattern"})
				return
			}
		}
	case float64:
		if r.Minimum != nil && s < *r.Minimum {
			*violations = append(*violations, Violation{Path: r.ParamName, Rule: "minimum", Message: fmt.Sprintf("must be >= %v", *r.Minimum)})
			return
		}
		if r.Maximum != nil && s > *r.Maximum {
			*violations = append(*violations, Violation{Path: r.ParamName, Rule: "maximum", Message: fmt.Sprintf("must be <= %v", *r.Maximum)})
			return
		}
	}
}

func (v *Validator) checkType(r Rule, raw any, violations *[]Violation) bool {
	ok := false
	switch r.Type {
	case "string":
		_, ok = raw.(string)
	case "integer":
		switch n := raw.(type) {
		case float64:
			ok = n == float64(int64(n))
		case string:
			_, err := strconv.ParseInt(n, 10, 64)
			ok = err == nil
		}
	case "number":
		switch raw.(type) {
		case float64:
			ok = true
		case string:
			_, err := strconv.ParseFloat(raw.(string), 64)
			ok = err == nil
		}
	case "boolean":
		switch n := raw.(type) {
		case bool:
			ok = true
		case string:
			_, err := strconv.ParseBool(n)
			ok = err == nil
		}
	case "array":
		_, ok = raw.([]any)
	case "object":
		_, ok = raw.(map[string]any)
	default:
		ok = true
	}
	if !ok {
		*violations = append(*violations, Violation{Path: r.ParamName, Rule: "type", Message: fmt.Sprintf("expected %s", r.Type)})
	}
	return ok
}

func (v *Validator) capOrDefault() int {
	if v.PatternLengthCap > 0 {
		return v.PatternLengthCap
	}
	return defaultPatternLengthCap
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

func lookup(r Rule, req Request) (any, bool) {
	switch r.Source {
	case SourceBody:
		v, ok := req.Body[r.ParamName]
		return v, ok
	case SourceQuery:
		v, ok := req.Query[r.ParamName]
		return v, ok
	case SourcePath:
		v, ok := req.Path[r.ParamName]
		return v, ok
	case SourceHeader:
		v, ok := req.Header[r.ParamName]
		return v, ok
	default:
		return nil, false
	}
}

func isEmpty(v any) bool {
	switch s := v.(type) {
	case string:
		return s == ""
	case nil:
		return true
	default:
		return false
	}
}
