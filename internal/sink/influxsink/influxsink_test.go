package influxsink

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fyrsmithlabs/traceway/internal/config"
	"github.com/fyrsmithlabs/traceway/internal/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type writeRecorder struct {
	mu     sync.Mutex
	lines  []string
	query  string
	auth   string
	status int
}

func (r *writeRecorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	body, _ := io.ReadAll(req.Body)
	r.mu.Lock()
	defer r.mu.Unlock()
	if req.URL.Path != "/api/v2/write" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	r.query = req.URL.RawQuery
	r.auth = req.Header.Get("Authorization")
	for _, line := range strings.Split(strings.TrimSpace(string(body)), "\n") {
		if line != "" {
			r.lines = append(r.lines, line)
		}
	}
	if r.status != 0 {
		w.WriteHeader(r.status)
		_, _ = io.WriteString(w, `{"code":"invalid","message":"bad point"}`)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func newSink(t *testing.T, rec *writeRecorder) *Sink {
	t.Helper()
	srv := httptest.NewServer(rec)
	t.Cleanup(srv.Close)
	s, err := New(config.InfluxSinkConfig{
		URL:    srv.URL,
		Token:  config.Secret("influx-token"),
		Org:    "acme",
		Bucket: "logs",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNew_Validation(t *testing.T) {
	_, err := New(config.InfluxSinkConfig{})
	assert.ErrorIs(t, err, ErrNoURL)

	_, err = New(config.InfluxSinkConfig{URL: "http://localhost:8086", Org: "acme"})
	assert.ErrorIs(t, err, ErrNoBucket)
}

func TestSink_WritesPoints(t *testing.T) {
	rec := &writeRecorder{}
	s := newSink(t, rec)
	assert.Equal(t, "influx", s.Name())

	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	batch := []event.Event{
		{Timestamp: ts, Level: event.LevelError, Name: "api_failed", Message: "boom", App: "shop", Env: "prod", TraceID: "t1", SessionID: "s1", Data: map[string]any{"status": 502}},
		{Timestamp: ts.Add(time.Second), Level: event.LevelInfo, Name: "page_view"},
	}
	require.NoError(t, s.Send(context.Background(), batch))
	require.NoError(t, s.Send(context.Background(), nil))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.lines, 2)
	assert.Contains(t, rec.query, "org=acme")
	assert.Contains(t, rec.query, "bucket=logs")
	assert.Equal(t, "Token influx-token", rec.auth)

	first := rec.lines[0]
	assert.True(t, strings.HasPrefix(first, "traceway_event,"), first)
	assert.Contains(t, first, "app=shop")
	assert.Contains(t, first, "env=prod")
	assert.Contains(t, first, "level=error")
	assert.Contains(t, first, "name=api_failed")
	assert.Contains(t, first, `msg="boom"`)
	assert.Contains(t, first, `trace_id="t1"`)
	assert.Contains(t, first, `data="{\"status\":502}"`)

	second := rec.lines[1]
	assert.NotContains(t, second, "app=")
	assert.NotContains(t, second, "data=")
	assert.Contains(t, second, "level=info")
}

func TestSink_ServerError(t *testing.T) {
	rec := &writeRecorder{status: http.StatusBadRequest}
	s := newSink(t, rec)

	err := s.Send(context.Background(), []event.Event{{Timestamp: time.Now(), Level: event.LevelWarn, Name: "w"}})
	assert.ErrorContains(t, err, "influxsink: writing 1 points")
}

func TestPoint(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	p, err := Point("m", event.Event{Timestamp: ts, Level: event.LevelDebug, Name: "n", Data: map[string]any{"k": "v"}})
	require.NoError(t, err)

	assert.Equal(t, "m", p.Name())
	assert.True(t, ts.Equal(p.Time()))

	tags := map[string]string{}
	for _, tag := range p.TagList() {
		tags[tag.Key] = tag.Value
	}
	assert.Equal(t, map[string]string{"level": "debug", "name": "n"}, tags)

	fields := map[string]any{}
	for _, f := range p.FieldList() {
		fields[f.Key] = f.Value
	}
	assert.Equal(t, `{"k":"v"}`, fields["data"])
	assert.Equal(t, "", fields["msg"])
}
