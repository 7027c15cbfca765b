// Package event defines the records that flow through the traceway pipeline.
package event

import (
	"encoding/json"
	"maps"
	"time"
)

// TimeLayout is the wire format of event and breadcrumb timestamps:
// RFC 3339 in UTC with millisecond precision.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// BreadcrumbType classifies a breadcrumb.
type BreadcrumbType string

const (
	BreadcrumbUI     BreadcrumbType = "ui"
	BreadcrumbNav    BreadcrumbType = "nav"
	BreadcrumbHTTP   BreadcrumbType = "http"
	BreadcrumbLog    BreadcrumbType = "log"
	BreadcrumbCustom BreadcrumbType = "custom"
)

// Valid reports whether t is one of the known breadcrumb types.
func (t BreadcrumbType) Valid() bool {
	switch t {
	case BreadcrumbUI, BreadcrumbNav, BreadcrumbHTTP, BreadcrumbLog, BreadcrumbCustom:
		return true
	}
	return false
}

// Breadcrumb is a lightweight history entry describing prior activity.
type Breadcrumb struct {
	Timestamp time.Time      `json:"ts"`
	Type      BreadcrumbType `json:"type"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

// MarshalJSON writes the timestamp in TimeLayout.
func (b Breadcrumb) MarshalJSON() ([]byte, error) {
	type wire Breadcrumb
	return json.Marshal(struct {
		Timestamp string `json:"ts"`
		wire
	}{FormatTime(b.Timestamp), wire(b)})
}

// User is a snapshot of the current user. Conventional keys are "id",
// "name" and "email"; any other key is carried as-is.
type User map[string]any

// ID returns the "id" entry as a string, or "" when absent.
func (u User) ID() string {
	if s, ok := u["id"].(string); ok {
		return s
	}
	return ""
}

// Context holds the static application fields stamped onto every event.
type Context struct {
	App     string `json:"app,omitempty" koanf:"app"`
	Env     string `json:"env,omitempty" koanf:"env"`
	Release string `json:"release,omitempty" koanf:"release"`
}

// Merge returns c with every non-empty field of other applied on top.
func (c Context) Merge(other Context) Context {
	if other.App != "" {
		c.App = other.App
	}
	if other.Env != "" {
		c.Env = other.Env
	}
	if other.Release != "" {
		c.Release = other.Release
	}
	return c
}

// Environment describes where the process is running. Fields that cannot
// be determined are left empty.
type Environment struct {
	URL       string
	Referrer  string
	UserAgent string
	Language  string
	Timezone  string
}

// Event is one structured log record. An Event is immutable once it has
// been handed to the queue.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Level     Level          `json:"level"`
	Name      string         `json:"name"`
	Message   string         `json:"msg,omitempty"`
	Data      map[string]any `json:"data,omitempty"`

	URL       string `json:"url,omitempty"`
	Referrer  string `json:"ref,omitempty"`
	UserAgent string `json:"ua,omitempty"`
	Language  string `json:"lang,omitempty"`
	Timezone  string `json:"tz,omitempty"`

	App     string `json:"app,omitempty"`
	Env     string `json:"env,omitempty"`
	Release string `json:"release,omitempty"`

	SessionID string `json:"sessionId,omitempty"`
	User      User   `json:"user,omitempty"`

	TraceID string `json:"traceId,omitempty"`

	Breadcrumbs []Breadcrumb `json:"breadcrumbs,omitempty"`
}

// MarshalJSON writes the timestamp in TimeLayout.
func (e Event) MarshalJSON() ([]byte, error) {
	type wire Event
	return json.Marshal(struct {
		Timestamp string `json:"ts"`
		wire
	}{FormatTime(e.Timestamp), wire(e)})
}

// Clone returns a copy of e whose top-level maps and breadcrumb slice are
// not shared with e. Nested values are shared.
func (e Event) Clone() Event {
	e.Data = maps.Clone(e.Data)
	e.User = maps.Clone(e.User)
	if e.Breadcrumbs != nil {
		crumbs := make([]Breadcrumb, len(e.Breadcrumbs))
		for i, bc := range e.Breadcrumbs {
			bc.Data = maps.Clone(bc.Data)
			crumbs[i] = bc
		}
		e.Breadcrumbs = crumbs
	}
	return e
}

// HighestLevel returns the most severe level in batch, or LevelDebug for
// an empty batch.
func HighestLevel(batch []Event) Level {
	highest := LevelDebug
	for _, e := range batch {
		if e.Level > highest {
			highest = e.Level
		}
	}
	return highest
}
