// Package serialize converts arbitrary Go values into JSON-safe trees.
//
// The output only contains nil, bool, numbers, strings, []any and
// map[string]any, so it can be handed to encoding/json and to the redaction
// engine without further checks. Serialization never panics: cycles, deep
// nesting and misbehaving values degrade to string markers.
package serialize

import (
	"encoding"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	DefaultMaxDepth        = 10
	DefaultMaxStringLength = 10000
)

// Markers substituted for values that cannot be represented.
const (
	TruncatedSuffix = "...[truncated]"
	FunctionMarker  = "[Function]"
	ChannelMarker   = "[Channel]"
	CircularMarker  = "[Circular Reference]"
	MaxDepthMarker  = "[Max Depth Reached]"
	ErrorMarker     = "[Serialization Error]"
)

// Options bounds the walk. Zero fields take the defaults.
type Options struct {
	MaxDepth        int
	MaxStringLength int
}

func (o Options) withDefaults() Options {
	if o.MaxDepth <= 0 {
		o.MaxDepth = DefaultMaxDepth
	}
	if o.MaxStringLength <= 0 {
		o.MaxStringLength = DefaultMaxStringLength
	}
	return o
}

// Serialize returns a JSON-safe copy of v.
func Serialize(v any, opts Options) (out any) {
	w := &walker{opts: opts.withDefaults(), path: make(map[visitKey]struct{})}
	defer func() {
		if r := recover(); r != nil {
			out = ErrorMarker
		}
	}()
	return w.value(reflect.ValueOf(v), 0)
}

// Map serializes a data mapping. A nil map stays nil.
func Map(m map[string]any, opts Options) map[string]any {
	if m == nil {
		return nil
	}
	if out, ok := Serialize(m, opts).(map[string]any); ok {
		return out
	}
	return map[string]any{"value": ErrorMarker}
}

var (
	errorType         = reflect.TypeOf((*error)(nil)).Elem()
	jsonMarshalerType = reflect.TypeOf((*json.Marshaler)(nil)).Elem()
	textMarshalerType = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()
	timeType          = reflect.TypeOf(time.Time{})
)

// visitKey identifies a reference-typed container by identity.
type visitKey struct {
	typ reflect.Type
	ptr uintptr
	len int
}

type walker struct {
	opts Options
	// path holds the containers on the current recursion path only; entries
	// are removed on backtrack so shared-but-acyclic values are walked at
	// every occurrence.
	path map[visitKey]struct{}
}

func (w *walker) value(rv reflect.Value, depth int) any {
	if depth > w.opts.MaxDepth {
		return MaxDepthMarker
	}
	if !rv.IsValid() {
		return nil
	}

	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		if rv.IsNil() {
			return nil
		}
	}

	if rv.Kind() == reflect.Interface {
		return w.value(rv.Elem(), depth)
	}

	if rv.CanInterface() {
		if rv.Type() == timeType {
			return formatTime(rv.Interface().(time.Time))
		}
		if rv.Type().Implements(errorType) {
			return w.guard(func() any { return w.errorValue(rv, depth) })
		}
		if rv.Kind() != reflect.Pointer && rv.Type().Implements(jsonMarshalerType) {
			return w.guard(func() any { return w.marshaled(rv.Interface().(json.Marshaler)) })
		}
		if rv.Kind() != reflect.Pointer && rv.Type().Implements(textMarshalerType) {
			return w.guard(func() any {
				text, err := rv.Interface().(encoding.TextMarshaler).MarshalText()
				if err != nil {
					return ErrorMarker
				}
				return w.str(string(text))
			})
		}
	}

	switch rv.Kind() {
	case reflect.Bool:
		return rv.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return basic(rv)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return basic(rv)
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return strconv.FormatFloat(f, 'g', -1, 64)
		}
		return basic(rv)
	case reflect.Complex64, reflect.Complex128:
		return fmt.Sprint(rv.Complex())
	case reflect.String:
		return w.str(rv.String())
	case reflect.Func:
		return FunctionMarker
	case reflect.Chan:
		return ChannelMarker
	case reflect.Pointer:
		return w.enter(rv, 0, func() any { return w.value(rv.Elem(), depth) })
	case reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return base64.StdEncoding.EncodeToString(rv.Bytes())
		}
		return w.enter(rv, rv.Len(), func() any { return w.sequence(rv, depth) })
	case reflect.Array:
		return w.guard(func() any { return w.sequence(rv, depth) })
	case reflect.Map:
		return w.enter(rv, 0, func() any { return w.mapping(rv, depth) })
	case reflect.Struct:
		return w.guard(func() any { return w.structure(rv, depth) })
	}
	return fmt.Sprint(rv)
}

// enter walks a reference-typed container unless it is already on the
// current path, in which case the cycle point is marked.
func (w *walker) enter(rv reflect.Value, n int, walk func() any) any {
	key := visitKey{typ: rv.Type(), ptr: rv.Pointer(), len: n}
	if _, onPath := w.path[key]; onPath {
		return CircularMarker
	}
	w.path[key] = struct{}{}
	defer delete(w.path, key)
	return w.guard(walk)
}

// guard converts a panic inside walk into the error marker for that subtree.
func (w *walker) guard(walk func() any) (out any) {
	defer func() {
		if r := recover(); r != nil {
			out = ErrorMarker
		}
	}()
	return walk()
}

func (w *walker) str(s string) string {
	max := w.opts.MaxStringLength
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + TruncatedSuffix
}

func (w *walker) sequence(rv reflect.Value, depth int) any {
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = w.value(rv.Index(i), depth+1)
	}
	return out
}

func (w *walker) mapping(rv reflect.Value, depth int) any {
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[keyString(iter.Key())] = w.value(iter.Value(), depth+1)
	}
	return out
}

func (w *walker) structure(rv reflect.Value, depth int) any {
	out := make(map[string]any, rv.NumField())
	w.fields(rv, depth, out)
	return out
}

func (w *walker) fields(rv reflect.Value, depth int, out map[string]any) {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		name, omitEmpty, skip := jsonName(field)
		if skip {
			continue
		}
		fv := rv.Field(i)
		if field.Anonymous && field.Tag.Get("json") == "" && fv.Kind() == reflect.Struct {
			w.fields(fv, depth, out)
			continue
		}
		if !field.IsExported() {
			continue
		}
		if omitEmpty && fv.IsZero() {
			continue
		}
		out[name] = w.value(fv, depth+1)
	}
}

func (w *walker) errorValue(rv reflect.Value, depth int) any {
	if rv.Kind() == reflect.Pointer && rv.IsNil() {
		return nil
	}
	err := rv.Interface().(error)
	out := map[string]any{
		"name":    fmt.Sprintf("%T", err),
		"message": w.str(err.Error()),
	}
	if stack := stackOf(err); stack != "" {
		out["stack"] = w.str(stack)
	}
	switch u := err.(type) {
	case interface{ Unwrap() error }:
		if cause := u.Unwrap(); cause != nil {
			out["cause"] = w.value(reflect.ValueOf(cause), depth+1)
		}
	case interface{ Unwrap() []error }:
		causes := u.Unwrap()
		if len(causes) > 0 {
			out["cause"] = w.value(reflect.ValueOf(causes), depth+1)
		}
	}
	return out
}

func (w *walker) marshaled(m json.Marshaler) any {
	raw, err := m.MarshalJSON()
	if err != nil {
		return ErrorMarker
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return ErrorMarker
	}
	if s, ok := generic.(string); ok {
		return w.str(s)
	}
	return generic
}

// stackOf returns the verbose form of err when its %+v formatting carries
// more than the message, as errors with attached stack traces do.
func stackOf(err error) string {
	if st, ok := err.(interface{ Stack() string }); ok {
		return st.Stack()
	}
	verbose := fmt.Sprintf("%+v", err)
	if verbose != err.Error() && strings.Contains(verbose, "\n") {
		return verbose
	}
	return ""
}

func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

func keyString(k reflect.Value) string {
	if k.Kind() == reflect.String {
		return k.String()
	}
	if k.CanInterface() {
		if tm, ok := k.Interface().(encoding.TextMarshaler); ok {
			if text, err := tm.MarshalText(); err == nil {
				return string(text)
			}
		}
	}
	return fmt.Sprint(k)
}

func jsonName(field reflect.StructField) (name string, omitEmpty, skip bool) {
	tag := field.Tag.Get("json")
	if tag == "-" {
		return "", false, true
	}
	name, opts, _ := strings.Cut(tag, ",")
	if name == "" {
		name = field.Name
	}
	return name, strings.Contains(","+opts+",", ",omitempty,"), false
}

// basic strips named types down to their predeclared kind so downstream
// type switches see plain int, float64, and so on.
func basic(rv reflect.Value) any {
	if t, ok := basicTypes[rv.Kind()]; ok && rv.Type() != t {
		return rv.Convert(t).Interface()
	}
	return rv.Interface()
}

var basicTypes = map[reflect.Kind]reflect.Type{
	reflect.Int:     reflect.TypeOf(int(0)),
	reflect.Int8:    reflect.TypeOf(int8(0)),
	reflect.Int16:   reflect.TypeOf(int16(0)),
	reflect.Int32:   reflect.TypeOf(int32(0)),
	reflect.Int64:   reflect.TypeOf(int64(0)),
	reflect.Uint:    reflect.TypeOf(uint(0)),
	reflect.Uint8:   reflect.TypeOf(uint8(0)),
	reflect.Uint16:  reflect.TypeOf(uint16(0)),
	reflect.Uint32:  reflect.TypeOf(uint32(0)),
	reflect.Uint64:  reflect.TypeOf(uint64(0)),
	reflect.Float32: reflect.TypeOf(float32(0)),
	reflect.Float64: reflect.TypeOf(float64(0)),
}

// IsMarker reports whether s is one of the serializer's placeholder strings.
func IsMarker(s string) bool {
	switch s {
	case FunctionMarker, ChannelMarker, CircularMarker, MaxDepthMarker, ErrorMarker:
		return true
	}
	return strings.HasSuffix(s, TruncatedSuffix)
}
