// Package redact scrubs sensitive fields and values out of event payloads.
//
// A field is replaced with the Redacted sentinel when its key contains a denylisted
// fragment (case-insensitive) or when its string value matches a denylisted
// pattern. The engine never mutates its input.
package redact

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/traceway/internal/event"
)

// Redacted replaces every scrubbed value.
const Redacted = "[REDACTED]"

// MaxPatternLength bounds user-supplied patterns.
const MaxPatternLength = 200

// ErrInvalidPattern is wrapped by every pattern that fails to compile.
var ErrInvalidPattern = errors.New("invalid redaction pattern")

// DefaultKeys are the key fragments scrubbed when no key list is configured.
var DefaultKeys = []string{
	"token", "authorization", "auth",
	"password", "pwd", "passwd", "secret",
	"apiKey", "apikey", "api_key",
	"accessToken", "access_token", "refreshToken", "refresh_token",
	"phone", "mobile", "tel", "email",
	"idCard", "idcard", "id_card",
	"creditCard", "credit_card", "cardNo", "card_no",
}

// DefaultPatterns match bearer tokens, 11-digit mobile numbers and e-mail
// addresses.
var DefaultPatterns = []string{
	`(?i)Bearer\s+[\w-]+`,
	`\b1[3-9]\d{9}\b`,
	`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`,
}

// ValueMatcher flags string values that must be scrubbed.
type ValueMatcher interface {
	MatchString(s string) bool
}

// Redactor applies key and value rules to JSON-like trees.
// It is immutable after construction and safe for concurrent use.
type Redactor struct {
	keys     []string
	patterns []*regexp.Regexp
	matchers []ValueMatcher
}

// New builds a redactor. A nil keys or patterns list selects the defaults;
// an empty non-nil list disables that dimension. Patterns that fail to
// compile are skipped and reported through the returned error, which never
// invalidates the redactor.
func New(keys, patterns []string, matchers ...ValueMatcher) (*Redactor, error) {
	if keys == nil {
		keys = DefaultKeys
	}
	if patterns == nil {
		patterns = DefaultPatterns
	}

	r := &Redactor{keys: make([]string, 0, len(keys))}
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			r.keys = append(r.keys, strings.ToLower(k))
		}
	}

	var errs []error
	for _, p := range patterns {
		if len(p) > MaxPatternLength {
			errs = append(errs, fmt.Errorf("%w: too long (max %d chars): %q", ErrInvalidPattern, MaxPatternLength, p))
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w %q: %v", ErrInvalidPattern, p, err))
			continue
		}
		r.patterns = append(r.patterns, re)
	}

	for _, m := range matchers {
		if m != nil {
			r.matchers = append(r.matchers, m)
		}
	}
	return r, errors.Join(errs...)
}

// Default returns a redactor with the built-in rules.
func Default() *Redactor {
	r, _ := New(nil, nil)
	return r
}

// MatchKey reports whether key contains a denylisted fragment.
func (r *Redactor) MatchKey(key string) bool {
	if r == nil || len(r.keys) == 0 {
		return false
	}
	lower := strings.ToLower(key)
	for _, k := range r.keys {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// MatchValue reports whether s matches a denylisted pattern or matcher.
func (r *Redactor) MatchValue(s string) bool {
	if r == nil || s == "" {
		return false
	}
	for _, re := range r.patterns {
		if re.MatchString(s) {
			return true
		}
	}
	for _, m := range r.matchers {
		if m.MatchString(s) {
			return true
		}
	}
	return false
}

// Redact returns a scrubbed copy of v. Maps with string keys, slices and
// arrays are walked; other values are returned unchanged unless they are
// strings matching a value rule.
func (r *Redactor) Redact(v any) any {
	if r == nil {
		return v
	}
	w := walker{r: r, path: make(map[uintptr]struct{})}
	return w.value(v)
}

// Map is Redact specialised for data and user maps.
func (r *Redactor) Map(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	if out, ok := r.Redact(m).(map[string]any); ok {
		return out
	}
	return m
}

// RedactEvent scrubs the data, the user and every breadcrumb's data.
func (r *Redactor) RedactEvent(ev event.Event) event.Event {
	if r == nil {
		return ev
	}
	ev.Data = r.Map(ev.Data)
	if ev.User != nil {
		ev.User = event.User(r.Map(map[string]any(ev.User)))
	}
	if len(ev.Breadcrumbs) > 0 {
		crumbs := make([]event.Breadcrumb, len(ev.Breadcrumbs))
		for i, b := range ev.Breadcrumbs {
			b.Data = r.Map(b.Data)
			crumbs[i] = b
		}
		ev.Breadcrumbs = crumbs
	}
	return ev
}

type walker struct {
	r *Redactor
	// path holds containers on the current recursion path; a container met
	// again while still on the path is returned as-is.
	path map[uintptr]struct{}
}

func (w walker) value(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		if w.r.MatchValue(t) {
			return Redacted
		}
		return t
	case map[string]any:
		if t == nil {
			return t
		}
		return w.enter(reflect.ValueOf(t).Pointer(), t, func() any {
			out := make(map[string]any, len(t))
			for k, val := range t {
				out[k] = w.field(k, val)
			}
			return out
		})
	case event.User:
		return event.User(w.value(map[string]any(t)).(map[string]any))
	case []any:
		if t == nil {
			return t
		}
		return w.enter(reflect.ValueOf(t).Pointer(), t, func() any {
			out := make([]any, len(t))
			for i, item := range t {
				out[i] = w.value(item)
			}
			return out
		})
	}
	return w.reflected(v)
}

func (w walker) field(key string, val any) any {
	if w.r.MatchKey(key) {
		return Redacted
	}
	return w.value(val)
}

// reflected handles typed maps with string keys, typed slices and arrays.
func (w walker) reflected(v any) any {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.IsNil() || rv.Type().Key().Kind() != reflect.String {
			return v
		}
		return w.enter(rv.Pointer(), v, func() any {
			out := make(map[string]any, rv.Len())
			iter := rv.MapRange()
			for iter.Next() {
				k := iter.Key().String()
				out[k] = w.field(k, iter.Value().Interface())
			}
			return out
		})
	case reflect.Slice:
		if rv.IsNil() || rv.Type().Elem().Kind() == reflect.Uint8 {
			return v
		}
		return w.enter(rv.Pointer(), v, func() any { return w.elements(rv) })
	case reflect.Array:
		return w.elements(rv)
	case reflect.String:
		if w.r.MatchValue(rv.String()) {
			return Redacted
		}
	}
	return v
}

func (w walker) elements(rv reflect.Value) any {
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = w.value(rv.Index(i).Interface())
	}
	return out
}

func (w walker) enter(ptr uintptr, original any, walk func() any) any {
	if _, onPath := w.path[ptr]; onPath {
		return original
	}
	w.path[ptr] = struct{}{}
	defer delete(w.path, ptr)
	return walk()
}
