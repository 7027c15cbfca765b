// Package integrations provides producers that observe the process and
// report into a traceway.Handle. Every integration undoes its Setup in
// Teardown.
package integrations

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/fyrsmithlabs/traceway/pkg/traceway"
)

// ErrAlreadySetup is returned when an integration is set up twice.
var ErrAlreadySetup = errors.New("integration already set up")

// UncaughtErrorEvent is the event name used for captured errors and panics.
const UncaughtErrorEvent = "uncaught_error"

// Errors reports errors and recovered panics as uncaught_error events.
type Errors struct {
	// FlushTimeout bounds the synchronous flush after a recovered panic.
	FlushTimeout time.Duration

	mu sync.Mutex
	h  traceway.Handle
}

// NewErrors creates the error integration.
func NewErrors() *Errors {
	return &Errors{FlushTimeout: 2 * time.Second}
}

// Setup implements traceway.Integration.
func (e *Errors) Setup(h traceway.Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.h != nil {
		return ErrAlreadySetup
	}
	e.h = h
	return nil
}

// Teardown implements traceway.Teardowner. Later captures are ignored.
func (e *Errors) Teardown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.h = nil
}

func (e *Errors) handle() traceway.Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.h
}

// Capture logs err with the current breadcrumbs. Entries of extra are
// added to the event data.
func (e *Errors) Capture(err error, extra map[string]any) {
	h := e.handle()
	if h == nil || err == nil {
		return
	}
	data := NormalizeError(err)
	e.report(h, data, extra)
}

// Recover captures a panic in progress, flushes synchronously and panics
// again with the same value. Use it directly in a defer statement:
//
//	defer errs.Recover()
func (e *Errors) Recover() {
	r := recover()
	if r == nil {
		return
	}
	if h := e.handle(); h != nil {
		data := normalizePanic(r)
		data["stack"] = string(debug.Stack())
		data["errorType"] = "panic"
		e.report(h, data, nil)

		ctx, cancel := context.WithTimeout(context.Background(), e.FlushTimeout)
		_ = h.FlushSync(ctx)
		cancel()
	}
	panic(r)
}

func (e *Errors) report(h traceway.Handle, data, extra map[string]any) {
	for k, v := range extra {
		if _, taken := data[k]; !taken {
			data[k] = v
		}
	}
	if crumbs := h.Breadcrumbs(); len(crumbs) > 0 {
		data["breadcrumbs"] = crumbs
	}
	msg, _ := data["message"].(string)
	h.Error(UncaughtErrorEvent, msg, data)
}

// NormalizeError describes err as name, message, optional cause and
// optional stack. The name is the error's dynamic type.
func NormalizeError(err error) map[string]any {
	data := map[string]any{
		"name":    typeName(err),
		"message": err.Error(),
	}
	if data["message"] == "" {
		data["message"] = "Unknown error"
	}
	if cause := errors.Unwrap(err); cause != nil {
		data["cause"] = NormalizeError(cause)
	}
	if st, ok := err.(interface{ StackTrace() string }); ok {
		data["stack"] = st.StackTrace()
	}
	return data
}

func normalizePanic(r any) map[string]any {
	switch v := r.(type) {
	case error:
		return NormalizeError(v)
	case string:
		return map[string]any{"name": "Error", "message": v}
	default:
		return map[string]any{"name": typeName(v), "message": fmt.Sprint(v)}
	}
}

func typeName(v any) string {
	name := fmt.Sprintf("%T", v)
	name = strings.TrimPrefix(name, "*")
	if name == "" {
		return "Error"
	}
	return name
}
