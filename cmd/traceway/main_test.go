package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/traceway/internal/event"
	"github.com/fyrsmithlabs/traceway/internal/natstest"
	"github.com/fyrsmithlabs/traceway/internal/sink"
	"github.com/fyrsmithlabs/traceway/internal/sink/natssink"
)

// execute runs the root command with a config path that does not exist,
// so only defaults and the environment apply.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := newRootCmd()
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(append([]string{"--config", filepath.Join(t.TempDir(), "config.yaml")}, args...))
	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, _, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "traceway by Fyrsmith Labs")
	assert.Contains(t, out, "Version:    dev")
}

func TestParseData(t *testing.T) {
	tests := []struct {
		name    string
		pairs   []string
		want    map[string]any
		wantErr bool
	}{
		{name: "none", pairs: nil, want: nil},
		{
			name:  "typed values",
			pairs: []string{"order=o-42", "qty=3", "amount=19.99", "gift=true", "note=null", "expr=a=b"},
			want: map[string]any{
				"order": "o-42", "qty": int64(3), "amount": 19.99,
				"gift": true, "note": nil, "expr": "a=b",
			},
		},
		{name: "json objects stay strings", pairs: []string{`meta={"a":1}`}, want: map[string]any{"meta": `{"a":1}`}},
		{name: "missing equals", pairs: []string{"order"}, wantErr: true},
		{name: "empty key", pairs: []string{"=v"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseData(tt.pairs)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEmitCommand_DryRun(t *testing.T) {
	t.Setenv("TRACEWAY_PIPELINE_APP", "shop")
	out, _, err := execute(t, "emit", "payment_failed", "card declined",
		"--level", "error", "--data", "order=o-42", "--data", "password=hunter2", "--user", "u-1", "--dry-run")
	require.NoError(t, err)

	batch, err := sink.Decode([]byte(strings.TrimSpace(out)))
	require.NoError(t, err)
	require.Len(t, batch, 1)
	ev := batch[0]
	assert.Equal(t, event.LevelError, ev.Level)
	assert.Equal(t, "payment_failed", ev.Name)
	assert.Equal(t, "card declined", ev.Message)
	assert.Equal(t, "shop", ev.App)
	assert.Equal(t, "o-42", ev.Data["order"])
	assert.Equal(t, "[REDACTED]", ev.Data["password"])
	assert.Equal(t, "u-1", ev.User.ID())
	assert.NotEmpty(t, ev.TraceID)
	assert.NotEmpty(t, ev.SessionID)
}

func TestEmitCommand_BelowLevel(t *testing.T) {
	t.Setenv("TRACEWAY_PIPELINE_LEVEL", "warn")
	out, errOut, err := execute(t, "emit", "page_view", "--dry-run")
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Contains(t, errOut, "event dropped: level")
}

func TestEmitCommand_InvalidInput(t *testing.T) {
	_, _, err := execute(t, "emit", "x", "--level", "fatal", "--dry-run")
	assert.Error(t, err)

	_, _, err = execute(t, "emit", "x", "--data", "novalue", "--dry-run")
	assert.ErrorContains(t, err, "want key=value")

	_, _, err = execute(t, "emit")
	assert.Error(t, err)
}

func TestEmitCommand_PublishesToNATS(t *testing.T) {
	srv, nc := natstest.Connect(t)
	sub, err := nc.SubscribeSync(natssink.Wildcard("traceway.events"))
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	t.Setenv("TRACEWAY_SINKS_CONSOLE_ENABLED", "false")
	t.Setenv("TRACEWAY_SINKS_NATS_ENABLED", "true")
	t.Setenv("TRACEWAY_SINKS_NATS_URL", srv.ClientURL())

	_, _, err = execute(t, "emit", "disk_low", "--level", "warn")
	require.NoError(t, err)

	msg, err := sub.NextMsg(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "traceway.events.warn", msg.Subject)
}

func TestFormatEvent(t *testing.T) {
	ev := event.Event{
		Timestamp: time.Now(),
		Level:     event.LevelError,
		Name:      "payment_failed",
		Message:   "card declined",
		Data:      map[string]any{"order": "o-42", "amount": 19.99},
	}
	line := formatEvent(ev)
	assert.Contains(t, line, "error")
	assert.Contains(t, line, "payment_failed")
	assert.Contains(t, line, "card declined")
	assert.Less(t, strings.Index(line, "amount="), strings.Index(line, "order="), "data keys are sorted")
	assert.Contains(t, line, "19.99")
}

// syncBuffer is a bytes.Buffer safe for the tail goroutine and the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestTail(t *testing.T) {
	batch := []event.Event{
		{Level: event.LevelDebug, Name: "cache_miss"},
		{Level: event.LevelWarn, Name: "slow_query"},
		{Level: event.LevelError, Name: "db_down"},
	}
	payload, err := sink.Encode(batch)
	require.NoError(t, err)

	msgs := make(chan *nats.Msg, 2)
	msgs <- &nats.Msg{Subject: "traceway.events.error", Data: payload}
	msgs <- &nats.Msg{Subject: "traceway.events.info", Data: []byte("garbage")}

	ctx, cancel := context.WithCancel(context.Background())
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() { done <- tail(ctx, msgs, out, event.LevelWarn, true) }()

	assert.Eventually(t, func() bool {
		return strings.Contains(out.String(), "skipping message")
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	got := out.String()
	assert.NotContains(t, got, "cache_miss")
	assert.Contains(t, got, `"name":"slow_query"`)
	assert.Contains(t, got, `"name":"db_down"`)
}
