// Copyright 2025 James Ross
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/flyingrobots/taskqueue/internal/reqvalidate"
	"github.com/flyingrobots/taskqueue/internal/storage"
	"github.com/flyingrobots/taskqueue/internal/taskerrors"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// ActionKind tags how a route's result is produced, so dispatch is a
// compile-time switch over a small tagged union rather than a reflective
// method lookup keyed by a dynamic string (spec.md §9's redesign note).
// Every endpoint this system exposes binds as ActionCustom — Query/Insert/
// Update/Delete are reserved variants for a future data-driven CRUD surface
// that reads/writes tables generically; none of spec.md §6's fixed
// endpoints need them, so no component currently produces them.
type ActionKind string

const (
	ActionQuery  ActionKind = "query"
	ActionInsert ActionKind = "insert"
	ActionUpdate ActionKind = "update"
	ActionDelete ActionKind = "delete"
	ActionCustom ActionKind = "custom"
)

// Endpoint is one row of api_endpoints: the data-driven route table the
// Router loads at startup instead of hardcoding a route list (spec.md §4.8).
type Endpoint struct {
	ID           int64
	Method       string
	PathTemplate string // colon-segment form, e.g. "/tasks/:id"
	ActionKind   ActionKind
	LoadOrder    int
}

// Handler is the compile-time interface every bound operation satisfies:
// handle(Request) -> (status, data, err). Core operations (Submit, Claim,
// Register, ...) are adapted into this shape in handlers.go.
type Handler func(ctx context.Context, req reqvalidate.Request) (int, any, error)

// Router is stateless between requests: all routing decisions were made at
// Load time. It is the only place that translates HTTP verbs and paths
// into core operation calls.
type Router struct {
	mux            *mux.Router
	db             *storage.DB
	validator      *reqvalidate.Validator
	bindings       map[string]Handler
	log            *zap.Logger
	maxRequestSize int64
}

// NewRouter constructs an unloaded Router. Call RegisterHandler for every
// known (method, path template) pair before Load. maxRequestSize is
// config.Lifecycle.MaxRequestSize (spec.md §4.7's request-body bound); a
// value <= 0 disables the bound.
func NewRouter(db *storage.DB, log *zap.Logger, maxRequestSize int64) *Router {
	return &Router{
		mux:            mux.NewRouter(),
		db:             db,
		validator:      reqvalidate.NewValidator(),
		bindings:       make(map[string]Handler),
		log:            log,
		maxRequestSize: maxRequestSize,
	}
}

// RegisterHandler binds a compile-time Handler to the (method, path
// template) pair it implements. Path templates use the spec's colon
// segment syntax ("/tasks/:id"); Load translates them to gorilla/mux's
// brace syntax.
func (rt *Router) RegisterHandler(method, pathTemplate string, h Handler) {
	rt.bindings[bindingKey(method, pathTemplate)] = h
}

func bindingKey(method, pathTemplate string) string {
	return method + " " + pathTemplate
}

// Load reads api_endpoints and api_validations and builds the live mux,
// sorting endpoints by longest literal prefix first, then by load_order —
// "longest-literal-wins, then pattern-match in load order" (spec.md §4.8).
func (rt *Router) Load(ctx context.Context) error {
	endpoints, err := rt.loadEndpoints(ctx)
	if err != nil {
		return err
	}

	sort.SliceStable(endpoints, func(i, j int) bool {
		li, lj := literalPrefixLen(endpoints[i].PathTemplate), literalPrefixLen(endpoints[j].PathTemplate)
		if li != lj {
			return li > lj
		}
		return endpoints[i].LoadOrder < endpoints[j].LoadOrder
	})

	for _, ep := range endpoints {
		h, ok := rt.bindings[bindingKey(ep.Method, ep.PathTemplate)]
		if !ok {
			rt.log.Warn("no handler bound for data-driven route", zap.String("method", ep.Method), zap.String("path", ep.PathTemplate))
			continue
		}
		rules, err := rt.loadValidations(ctx, ep.ID)
		if err != nil {
			return err
		}
		muxPath := colonToBraces(ep.PathTemplate)
		rt.mux.HandleFunc(muxPath, rt.wrap(h, rules)).Methods(ep.Method)
	}
	return nil
}

// ServeHTTP makes Router an http.Handler.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt.mux.ServeHTTP(w, r)
}

func (rt *Router) wrap(h Handler, rules []reqvalidate.Rule) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := reqvalidate.Request{
			Path:   stringMap(mux.Vars(r)),
			Query:  firstValues(r.URL.Query()),
			Header: firstHeaderValues(r.Header),
		}

		if r.Method == http.MethodPost && r.ContentLength != 0 {
			if rt.maxRequestSize > 0 {
				r.Body = http.MaxBytesReader(w, r.Body, rt.maxRequestSize)
			}

			var body map[string]any
			dec := json.NewDecoder(r.Body)
			dec.UseNumber()
			if err := dec.Decode(&body); err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					writeDomainError(w, taskerrors.ErrPayloadTooLarge)
					return
				}
				writeError(w, http.StatusBadRequest, "request body is not valid JSON", nil)
				return
			}
			req.Body = numbersToFloat64(body)
		}

		if violations := rt.validator.Validate(rules, req); len(violations) > 0 {
			details := make([]string, len(violations))
			for i, v := range violations {
				details[i] = v.Path + ": " + v.Rule + ": " + v.Message
			}
			writeError(w, http.StatusBadRequest, "request validation failed", details)
			return
		}

		status, data, err := h(r.Context(), req)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeSuccess(w, status, data, "")
	}
}

func (rt *Router) loadEndpoints(ctx context.Context) ([]Endpoint, error) {
	rows, err := rt.db.Query(ctx, `SELECT id, method, path_template, action_kind, load_order FROM api_endpoints`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Endpoint
	for rows.Next() {
		var e Endpoint
		var kind string
		if err := rows.Scan(&e.ID, &e.Method, &e.PathTemplate, &kind, &e.LoadOrder); err != nil {
			return nil, err
		}
		e.ActionKind = ActionKind(kind)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (rt *Router) loadValidations(ctx context.Context, endpointID int64) ([]reqvalidate.Rule, error) {
	rows, err := rt.db.Query(ctx, `
		SELECT param_name, source, required, type, min_length, max_length, minimum, maximum, pattern
		FROM api_validations WHERE endpoint_id = `+rt.db.Placeholder(1), endpointID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []reqvalidate.Rule
	for rows.Next() {
		var r reqvalidate.Rule
		var source string
		var minLen, maxLen *int
		var minimum, maximum *float64
		if err := rows.Scan(&r.ParamName, &source, &r.Required, &r.Type, &minLen, &maxLen, &minimum, &maximum, &r.Pattern); err != nil {
			return nil, err
		}
		r.Source = reqvalidate.Source(source)
		r.MinLength, r.MaxLength, r.Minimum, r.Maximum = minLen, maxLen, minimum, maximum
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func colonToBraces(pathTemplate string) string {
	segments := strings.Split(pathTemplate, "/")
	for i, s := range segments {
		if strings.HasPrefix(s, ":") {
			segments[i] = "{" + s[1:] + "}"
		}
	}
	return strings.Join(segments, "/")
}

func literalPrefixLen(pathTemplate string) int {
	if idx := strings.Index(pathTemplate, ":"); idx >= 0 {
		return idx
	}
	return len(pathTemplate)
}

func stringMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func firstValues(v map[string][]string) map[string]string {
	out := make(map[string]string, len(v))
	for k, vals := range v {
		if len(vals) > 0 {
			out[k] = vals[0]
		}
	}
	return out
}

func firstHeaderValues(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vals := range h {
		if len(vals) > 0 {
			out[k] = vals[0]
		}
	}
	return out
}

// numbersToFloat64 converts json.Number leaves (from UseNumber decoding)
// into float64, matching the numeric representation reqvalidate.Rule checks
// expect (spec.md §4.7's type keyword treats all JSON numbers uniformly).
func numbersToFloat64(v any) map[string]any {
	out := make(map[string]any, len(v.(map[string]any)))
	for k, val := range v.(map[string]any) {
		out[k] = convertNumber(val)
	}
	return out
}

func convertNumber(v any) any {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return t.String()
		}
		return f
	case map[string]any:
		return numbersToFloat64(t)
	case []any:
		arr := make([]any, len(t))
		for i, e := range t {
			arr[i] = convertNumber(e)
		}
		return arr
	default:
		return v
	}
}
