package integrations

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/fyrsmithlabs/traceway/pkg/traceway"
)

type logged struct {
	level traceway.Level
	name  string
	msg   string
	data  map[string]any
}

// fakeHandle records everything integrations report.
type fakeHandle struct {
	mu      sync.Mutex
	events  []logged
	crumbs  []traceway.Breadcrumb
	flushes int
	user    traceway.User
	context traceway.Context
}

var _ traceway.Handle = (*fakeHandle)(nil)

func (f *fakeHandle) log(level traceway.Level, name, msg string, data map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, logged{level: level, name: name, msg: msg, data: maps.Clone(data)})
}

func (f *fakeHandle) Debug(name, msg string, data map[string]any) {
	f.log(traceway.LevelDebug, name, msg, data)
}

func (f *fakeHandle) Info(name, msg string, data map[string]any) {
	f.log(traceway.LevelInfo, name, msg, data)
}

func (f *fakeHandle) Warn(name, msg string, data map[string]any) {
	f.log(traceway.LevelWarn, name, msg, data)
}

func (f *fakeHandle) Error(name, msg string, data map[string]any) {
	f.log(traceway.LevelError, name, msg, data)
}

func (f *fakeHandle) AddBreadcrumb(typ traceway.BreadcrumbType, message string, data map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.crumbs = append(f.crumbs, traceway.Breadcrumb{Timestamp: time.Now(), Type: typ, Message: message, Data: maps.Clone(data)})
}

func (f *fakeHandle) Breadcrumbs() []traceway.Breadcrumb {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]traceway.Breadcrumb, len(f.crumbs))
	copy(out, f.crumbs)
	return out
}

func (f *fakeHandle) SetUser(u traceway.User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.user = u
}

func (f *fakeHandle) SetContext(c traceway.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.context = c
}

func (f *fakeHandle) FlushSync(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
	return nil
}

func (f *fakeHandle) Events() []logged {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]logged, len(f.events))
	copy(out, f.events)
	return out
}

func (f *fakeHandle) Flushes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flushes
}
