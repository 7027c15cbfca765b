package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/traceway/internal/breadcrumb"
	"github.com/fyrsmithlabs/traceway/internal/event"
	"github.com/fyrsmithlabs/traceway/internal/logging"
	"github.com/fyrsmithlabs/traceway/internal/metrics"
	"github.com/fyrsmithlabs/traceway/internal/queue"
	"github.com/fyrsmithlabs/traceway/internal/redact"
	"github.com/fyrsmithlabs/traceway/internal/sample"
	"github.com/fyrsmithlabs/traceway/internal/serialize"
)

type recorder struct {
	mu     sync.Mutex
	events []event.Event
	err    error
}

func (r *recorder) Enqueue(ev event.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) all() []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.Event(nil), r.events...)
}

func baseConfig() Config {
	return Config{Level: event.LevelDebug, SampleRate: 1, ErrorSampleRate: 1}
}

func TestProcess_BuildsCanonicalEvent(t *testing.T) {
	fixed := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	rec := &recorder{}
	cfg := baseConfig()
	cfg.SessionID = "sess-1"
	cfg.Context = event.Context{App: "shop", Env: "prod"}
	cfg.Environment = func() event.Environment {
		return event.Environment{URL: "https://shop.test/cart", UserAgent: "go-test", Language: "en", Timezone: "UTC"}
	}

	p := New(cfg, rec, WithClock(func() time.Time { return fixed }), WithTraceIDs(func() string { return "trace-1" }))
	p.SetUser(event.User{"id": "u1"})
	p.SetContext(event.Context{Release: "1.2.3"})

	res := p.Process(event.LevelInfo, "checkout", "paid", map[string]any{"amount": 42}, nil)
	require.True(t, res.Delivered)
	assert.Equal(t, "delivered", res.String())

	got := rec.all()
	require.Len(t, got, 1)
	ev := got[0]
	assert.Equal(t, fixed, ev.Timestamp)
	assert.Equal(t, event.LevelInfo, ev.Level)
	assert.Equal(t, "checkout", ev.Name)
	assert.Equal(t, "paid", ev.Message)
	assert.Equal(t, map[string]any{"amount": 42}, ev.Data)
	assert.Equal(t, "sess-1", ev.SessionID)
	assert.Equal(t, "trace-1", ev.TraceID)
	assert.Equal(t, "u1", ev.User.ID())
	assert.Equal(t, "shop", ev.App)
	assert.Equal(t, "prod", ev.Env)
	assert.Equal(t, "1.2.3", ev.Release)
	assert.Equal(t, "https://shop.test/cart", ev.URL)
	assert.Equal(t, "go-test", ev.UserAgent)
	assert.Nil(t, ev.Breadcrumbs)
}

func TestProcess_LevelFilter(t *testing.T) {
	rec := &recorder{}
	cfg := baseConfig()
	cfg.Level = event.LevelWarn
	p := New(cfg, rec)

	assert.Equal(t, Result{Reason: ReasonLevel}, p.Process(event.LevelInfo, "i", "", nil, nil))
	assert.Equal(t, Result{Reason: ReasonLevel}, p.Process(event.LevelDebug, "d", "", nil, nil))
	assert.True(t, p.Process(event.LevelWarn, "w", "", nil, nil).Delivered)
	assert.True(t, p.Process(event.LevelError, "e", "", nil, nil).Delivered)
	assert.Len(t, rec.all(), 2)
}

func TestProcess_ErrorSampleRateZero(t *testing.T) {
	rec := &recorder{}
	cfg := baseConfig()
	cfg.ErrorSampleRate = 0
	p := New(cfg, rec, WithSampler(sample.NewSeeded(3)))

	sampled := 0
	for i := 0; i < 100; i++ {
		p.Process(event.LevelInfo, "info", "", nil, nil)
		if p.Process(event.LevelError, "error", "", nil, nil).Reason == ReasonSampled {
			sampled++
		}
	}

	levels := map[event.Level]int{}
	for _, ev := range rec.all() {
		levels[ev.Level]++
	}
	assert.Equal(t, 100, levels[event.LevelInfo])
	assert.Zero(t, levels[event.LevelError])
	assert.Equal(t, 100, sampled)
}

func TestProcess_Breadcrumbs(t *testing.T) {
	store := breadcrumb.NewStore(5)
	store.Add(event.BreadcrumbNav, "/home", nil)
	store.Add(event.BreadcrumbUI, "click buy", nil)

	rec := &recorder{}
	p := New(baseConfig(), rec, WithBreadcrumbs(store))

	p.Process(event.LevelInfo, "info", "", nil, nil)
	p.Process(event.LevelWarn, "warn", "", nil, nil)
	p.Process(event.LevelError, "error", "", nil, nil)
	explicit := []event.Breadcrumb{{Type: event.BreadcrumbCustom, Message: "given"}}
	p.Process(event.LevelError, "explicit", "", nil, explicit)
	p.Process(event.LevelInfo, "explicit-info", "", nil, explicit)

	got := rec.all()
	require.Len(t, got, 5)
	assert.Nil(t, got[0].Breadcrumbs)
	assert.Len(t, got[1].Breadcrumbs, 2)
	assert.Equal(t, "/home", got[2].Breadcrumbs[0].Message)
	require.Len(t, got[3].Breadcrumbs, 1)
	assert.Equal(t, "given", got[3].Breadcrumbs[0].Message)
	require.Len(t, got[4].Breadcrumbs, 1)
}

func TestProcess_EmptyStoreAttachesNothing(t *testing.T) {
	rec := &recorder{}
	p := New(baseConfig(), rec, WithBreadcrumbs(breadcrumb.NewStore(3)))

	p.Process(event.LevelError, "e", "", nil, nil)
	assert.Nil(t, rec.all()[0].Breadcrumbs)
}

func TestProcess_Redaction(t *testing.T) {
	store := breadcrumb.NewStore(3)
	store.Add(event.BreadcrumbHTTP, "POST /login", map[string]any{"password": "pw"})

	rec := &recorder{}
	p := New(baseConfig(), rec, WithBreadcrumbs(store))
	p.SetUser(event.User{"id": "u1", "email": "u@example.com"})

	data := map[string]any{"token": "abc", "note": "Bearer xyz", "ok": "fine"}
	p.Process(event.LevelError, "login_failed", "", data, nil)

	ev := rec.all()[0]
	assert.Equal(t, redact.Redacted, ev.Data["token"])
	assert.Equal(t, redact.Redacted, ev.Data["note"])
	assert.Equal(t, "fine", ev.Data["ok"])
	assert.Equal(t, redact.Redacted, ev.User["email"])
	assert.Equal(t, redact.Redacted, ev.Breadcrumbs[0].Data["password"])

	// Caller data and stored user are untouched.
	assert.Equal(t, "abc", data["token"])
	assert.Equal(t, "u@example.com", p.User()["email"])
}

func TestProcess_CustomRedactor(t *testing.T) {
	r, err := redact.New([]string{}, []string{})
	require.NoError(t, err)
	rec := &recorder{}
	p := New(baseConfig(), rec, WithRedactor(r))

	p.Process(event.LevelInfo, "n", "", map[string]any{"password": "visible"}, nil)
	assert.Equal(t, "visible", rec.all()[0].Data["password"])
}

func TestProcess_CyclicDataSerialized(t *testing.T) {
	rec := &recorder{}
	p := New(baseConfig(), rec)

	data := map[string]any{"a": 1}
	data["self"] = data
	res := p.Process(event.LevelInfo, "cyclic", "", data, nil)

	require.True(t, res.Delivered)
	assert.Equal(t, serialize.CircularMarker, rec.all()[0].Data["self"])
}

func TestProcess_BeforeSend(t *testing.T) {
	rec := &recorder{}
	cfg := baseConfig()
	cfg.BeforeSend = func(ev event.Event) (event.Event, bool) {
		if ev.Name == "noise" {
			return ev, false
		}
		ev.Message = "rewritten"
		return ev, true
	}
	p := New(cfg, rec)

	assert.Equal(t, Result{Reason: ReasonVetoed}, p.Process(event.LevelInfo, "noise", "", nil, nil))
	assert.True(t, p.Process(event.LevelInfo, "signal", "orig", nil, nil).Delivered)

	got := rec.all()
	require.Len(t, got, 1)
	assert.Equal(t, "rewritten", got[0].Message)
}

func TestProcess_BeforeSendSeesRedactedEvent(t *testing.T) {
	var seen any
	cfg := baseConfig()
	cfg.BeforeSend = func(ev event.Event) (event.Event, bool) {
		seen = ev.Data["secret"]
		return ev, true
	}
	p := New(cfg, &recorder{})

	p.Process(event.LevelInfo, "n", "", map[string]any{"secret": "s"}, nil)
	assert.Equal(t, redact.Redacted, seen)
}

func TestProcess_PanicIsContained(t *testing.T) {
	tl := logging.NewTestLogger()
	cfg := baseConfig()
	cfg.BeforeSend = func(event.Event) (event.Event, bool) { panic("hook bug") }
	p := New(cfg, &recorder{}, WithLogger(tl.Underlying()))

	var res Result
	require.NotPanics(t, func() { res = p.Process(event.LevelError, "e", "", nil, nil) })
	assert.Equal(t, Result{Reason: ReasonInternal}, res)
	tl.AssertLogged(t, zapcore.ErrorLevel, "event processing panicked")
}

type credentials struct {
	User     string
	Password string
}

func TestProcess_SerializesBreadcrumbAndUserData(t *testing.T) {
	store := breadcrumb.NewStore(5)
	store.Add(event.BreadcrumbUI, "login", map[string]any{"creds": credentials{User: "bob", Password: "hunter2"}})
	store.Add(event.BreadcrumbUI, "submit", map[string]any{"onDone": func() {}})

	rec := &recorder{}
	p := New(baseConfig(), rec, WithBreadcrumbs(store))
	p.SetUser(event.User{
		"id":       "u1",
		"profile":  credentials{User: "bob", Password: "hunter2"},
		"callback": func() {},
	})

	require.True(t, p.Process(event.LevelWarn, "login_slow", "", nil, nil).Delivered)

	ev := rec.all()[0]
	require.Len(t, ev.Breadcrumbs, 2)
	assert.Equal(t, map[string]any{"User": "bob", "Password": redact.Redacted}, ev.Breadcrumbs[0].Data["creds"])
	assert.Equal(t, serialize.FunctionMarker, ev.Breadcrumbs[1].Data["onDone"])
	assert.Equal(t, map[string]any{"User": "bob", "Password": redact.Redacted}, ev.User["profile"])
	assert.Equal(t, serialize.FunctionMarker, ev.User["callback"])

	_, err := json.Marshal([]event.Event{ev})
	assert.NoError(t, err)
}

func TestProcess_FilteredEventsAreNotBuilt(t *testing.T) {
	built := 0
	cfg := baseConfig()
	cfg.Level = event.LevelInfo
	cfg.SampleRate = 0
	p := New(cfg, &recorder{}, WithTraceIDs(func() string {
		built++
		return fmt.Sprintf("t%d", built)
	}))

	assert.Equal(t, Result{Reason: ReasonLevel}, p.Process(event.LevelDebug, "d", "", map[string]any{"k": "v"}, nil))
	assert.Equal(t, Result{Reason: ReasonSampled}, p.Process(event.LevelInfo, "i", "", nil, nil))
	assert.Zero(t, built)

	assert.True(t, p.Process(event.LevelError, "e", "", nil, nil).Delivered)
	assert.Equal(t, 1, built)
}

func TestProcess_DiagnosticsCarryEventIDs(t *testing.T) {
	tl := logging.NewTestLogger()
	cfg := baseConfig()
	cfg.SessionID = "sess-9"
	q := queue.New(queue.Config{MaxQueueSize: 1, FlushInterval: time.Hour, ErrorDebounce: time.Hour}, nil)
	defer q.Destroy(context.Background())
	p := New(cfg, q, WithLogger(tl.Underlying()), WithTraceIDs(func() string { return "trace-9" }))

	p.Process(event.LevelInfo, "first", "", map[string]any{"password": "hunter2"}, nil)
	p.Process(event.LevelInfo, "second", "", nil, nil)

	tl.AssertLogged(t, logging.TraceLevel, "event enqueued")
	tl.AssertField(t, "event enqueued", "session.id", "sess-9")
	tl.AssertField(t, "event enqueued", "event.trace_id", "trace-9")
	tl.AssertField(t, "event dropped", "reason", string(ReasonOverflow))
	tl.AssertNoSecrets(t)
}

func TestProcess_QueueRejections(t *testing.T) {
	q := queue.New(queue.Config{MaxQueueSize: 1, FlushInterval: time.Hour, ErrorDebounce: time.Hour}, nil)
	p := New(baseConfig(), q)

	assert.True(t, p.Process(event.LevelInfo, "first", "", nil, nil).Delivered)
	assert.Equal(t, Result{Reason: ReasonOverflow}, p.Process(event.LevelInfo, "second", "", nil, nil))

	require.NoError(t, q.Destroy(context.Background()))
	assert.Equal(t, Result{Reason: ReasonClosed}, p.Process(event.LevelError, "late", "", nil, nil))

	rec := &recorder{err: errors.New("unexpected")}
	assert.Equal(t, Result{Reason: ReasonInternal}, New(baseConfig(), rec).Process(event.LevelInfo, "x", "", nil, nil))
}

func TestProcess_Metrics(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	cfg := baseConfig()
	cfg.Level = event.LevelInfo
	p := New(cfg, &recorder{}, WithMetrics(m))

	p.Process(event.LevelDebug, "d", "", nil, nil)
	p.Process(event.LevelInfo, "i", "", nil, nil)
	p.Process(event.LevelInfo, "i", "", nil, nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsTotal.WithLabelValues("debug", "level")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsTotal.WithLabelValues("info", metrics.OutcomeEnqueued)))
}

func TestProcessor_UserAndContext(t *testing.T) {
	rec := &recorder{}
	cfg := baseConfig()
	cfg.Context = event.Context{App: "a", Env: "dev"}
	p := New(cfg, rec)

	p.SetContext(event.Context{Env: "prod"})
	assert.Equal(t, event.Context{App: "a", Env: "prod"}, p.Context())

	p.SetUser(event.User{"id": "u"})
	p.SetUser(nil)
	assert.Nil(t, p.User())

	p.Process(event.LevelInfo, "n", "", nil, nil)
	assert.Nil(t, rec.all()[0].User)
}

func TestProcessor_IDs(t *testing.T) {
	p := New(baseConfig(), &recorder{})
	assert.NotEmpty(t, p.SessionID())
	assert.Len(t, p.SessionID(), 36)

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewTraceID()
		require.False(t, seen[id], fmt.Sprintf("duplicate trace id %s", id))
		seen[id] = true
	}
	assert.Len(t, NewTraceID(), 26)
}

func TestProcess_Concurrent(t *testing.T) {
	rec := &recorder{}
	p := New(baseConfig(), rec, WithBreadcrumbs(breadcrumb.NewStore(10)))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				p.SetContext(event.Context{Release: fmt.Sprint(i)})
				p.SetUser(event.User{"id": fmt.Sprint(j)})
				p.Process(event.LevelWarn, "w", "", map[string]any{"j": j}, nil)
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, rec.all(), 400)
}
