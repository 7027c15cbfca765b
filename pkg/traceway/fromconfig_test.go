package traceway

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fyrsmithlabs/traceway/internal/config"
	"github.com/fyrsmithlabs/traceway/internal/natstest"
	"github.com/fyrsmithlabs/traceway/internal/redact"
	"github.com/fyrsmithlabs/traceway/internal/sink"
	"github.com/fyrsmithlabs/traceway/internal/sink/console"
	"github.com/fyrsmithlabs/traceway/internal/sink/httpsink"
	"github.com/fyrsmithlabs/traceway/internal/sink/mqttsink"
	"github.com/fyrsmithlabs/traceway/internal/sink/natssink"
	"github.com/fyrsmithlabs/traceway/internal/sink/otelsink"
)

func TestOptionsFromConfig_Defaults(t *testing.T) {
	opts, err := OptionsFromConfig(nil, Deps{})
	require.NoError(t, err)

	assert.Equal(t, "info", opts.Level)
	assert.Equal(t, 1.0, *opts.SampleRate)
	assert.Equal(t, config.DefaultFlushInterval, opts.FlushInterval)
	assert.Equal(t, config.DefaultMaxBatchSize, opts.MaxBatchSize)
	assert.Equal(t, config.DefaultMaxBreadcrumbs, opts.MaxBreadcrumbs)
	assert.Nil(t, opts.RedactKeys, "nil keeps built-in rules")
	assert.Empty(t, opts.ValueMatchers)
	require.Len(t, opts.Sinks, 1)
	assert.IsType(t, &console.Sink{}, opts.Sinks[0])
}

func TestOptionsFromConfig_Context(t *testing.T) {
	cfg := config.Default()
	cfg.Pipeline.App = "checkout"
	cfg.Pipeline.Env = "staging"
	cfg.Pipeline.Release = "1.4.2"
	cfg.Pipeline.SampleRate = 0
	cfg.Sinks.Console.Enabled = false
	cfg.Sinks.OTel.Enabled = true

	opts, err := OptionsFromConfig(cfg, Deps{})
	require.NoError(t, err)
	assert.Equal(t, "checkout", opts.App)
	assert.Equal(t, "staging", opts.Env)
	assert.Equal(t, "1.4.2", opts.Release)
	assert.Equal(t, 0.0, *opts.SampleRate, "zero rate survives the mapping")
	require.Len(t, opts.Sinks, 1)
	assert.IsType(t, &otelsink.Sink{}, opts.Sinks[0])
}

func TestOptionsFromConfig_DetectSecrets(t *testing.T) {
	cfg := config.Default()
	cfg.Redaction.DetectSecrets = true
	opts, err := OptionsFromConfig(cfg, Deps{})
	require.NoError(t, err)
	assert.Len(t, opts.ValueMatchers, 1)
}

func TestRedactionRules(t *testing.T) {
	dir := t.TempDir()
	rulesFile := filepath.Join(dir, "rules.toml")
	require.NoError(t, os.WriteFile(rulesFile, []byte(`
keys = ["session"]
patterns = ['sk_live_[0-9a-zA-Z]{24}']
`), 0o600))
	badFile := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(badFile, []byte("keys = [unterminated"), 0o600))

	tests := []struct {
		name         string
		cfg          config.RedactionConfig
		wantKeys     []string
		wantPatterns []string
		wantWarning  string
	}{
		{
			name:     "no file keeps inline rules",
			cfg:      config.RedactionConfig{Keys: []string{"ssn"}},
			wantKeys: []string{"ssn"},
		},
		{
			name:         "file extends defaults",
			cfg:          config.RedactionConfig{RulesFile: rulesFile},
			wantKeys:     append(append([]string{}, redact.DefaultKeys...), "session"),
			wantPatterns: append(append([]string{}, redact.DefaultPatterns...), `sk_live_[0-9a-zA-Z]{24}`),
		},
		{
			name:         "file extends inline rules",
			cfg:          config.RedactionConfig{Keys: []string{"ssn"}, Patterns: []string{}, RulesFile: rulesFile},
			wantKeys:     []string{"ssn", "session"},
			wantPatterns: []string{`sk_live_[0-9a-zA-Z]{24}`},
		},
		{
			name:        "missing file warns",
			cfg:         config.RedactionConfig{RulesFile: filepath.Join(dir, "missing.toml")},
			wantWarning: "redaction rules file not found",
		},
		{
			name:        "malformed file warns",
			cfg:         config.RedactionConfig{RulesFile: badFile},
			wantWarning: "ignoring redaction rules file",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.WarnLevel)
			keys, patterns := redactionRules(tt.cfg, zap.New(core))
			assert.Equal(t, tt.wantKeys, keys)
			assert.Equal(t, tt.wantPatterns, patterns)
			if tt.wantWarning != "" {
				assert.Equal(t, 1, logs.FilterMessage(tt.wantWarning).Len())
			} else {
				assert.Zero(t, logs.Len())
			}
		})
	}
}

func TestOptionsFromConfig_HTTPSinkDelivers(t *testing.T) {
	var (
		mu       sync.Mutex
		received []Event
		auth     string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		batch, err := sink.Decode(body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		received = append(received, batch...)
		auth = r.Header.Get("Authorization")
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.Sinks.Console.Enabled = false
	cfg.Sinks.HTTP.Enabled = true
	cfg.Sinks.HTTP.URL = srv.URL
	cfg.Sinks.HTTP.Token = "s3cret"
	cfg.Pipeline.App = "shop"

	opts, err := OptionsFromConfig(cfg, Deps{Logger: zap.NewNop()})
	require.NoError(t, err)
	require.Len(t, opts.Sinks, 1)
	assert.IsType(t, &httpsink.Sink{}, opts.Sinks[0])

	l := New(opts)
	l.Info("checkout_started", "cart opened", map[string]any{"password": "hunter2"})
	require.NoError(t, l.Destroy(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, "checkout_started", received[0].Name)
	assert.Equal(t, "shop", received[0].App)
	assert.Equal(t, redact.Redacted, received[0].Data["password"])
	assert.Equal(t, "Bearer s3cret", auth)
}

func TestOptionsFromConfig_NATSSink(t *testing.T) {
	srv, nc := natstest.Connect(t)

	sub, err := nc.SubscribeSync(natssink.Wildcard(config.DefaultSubjectPrefix))
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	cfg := config.Default()
	cfg.Sinks.Console.Enabled = false
	cfg.Sinks.NATS.Enabled = true
	cfg.Sinks.NATS.URL = srv.ClientURL()

	opts, err := OptionsFromConfig(cfg, Deps{})
	require.NoError(t, err)
	require.Len(t, opts.Sinks, 1)
	assert.IsType(t, &natssink.Sink{}, opts.Sinks[0])

	l := New(opts)
	l.Warn("disk_low", "", nil)
	require.NoError(t, l.Destroy(context.Background()))

	msg, err := sub.NextMsg(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, natssink.Subject(config.DefaultSubjectPrefix, []Event{{Level: LevelWarn}}), msg.Subject)
	batch, err := sink.Decode(msg.Data)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "disk_low", batch[0].Name)
}

func TestOptionsFromConfig_SinkErrors(t *testing.T) {
	cfg := config.Default()
	cfg.Sinks.MQTT.Enabled = true
	cfg.Sinks.HTTP.Enabled = true

	opts, err := OptionsFromConfig(cfg, Deps{})
	require.Error(t, err)
	assert.ErrorIs(t, err, mqttsink.ErrNoBroker)
	assert.ErrorIs(t, err, httpsink.ErrNoURL)
	assert.Contains(t, err.Error(), "mqtt sink")
	assert.Empty(t, opts.Sinks)
}
