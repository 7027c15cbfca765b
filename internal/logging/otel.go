package logging

import (
	"errors"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap/zapcore"
)

// instrumentationName names the otelzap bridge scope.
const instrumentationName = "github.com/fyrsmithlabs/traceway"

// newCore tees the local writer and the OTel bridge, then applies sampling.
func newCore(cfg *Config, otelProvider log.LoggerProvider) (zapcore.Core, error) {
	cores := make([]zapcore.Core, 0, 2)

	if cfg.Output.Writer != nil {
		enc := NewRedactingEncoder(newEncoder(cfg.Format), cfg.Redactor)
		cores = append(cores, zapcore.NewCore(enc, zapcore.AddSync(cfg.Output.Writer), cfg.Level))
	}

	if cfg.Output.OTEL && otelProvider != nil {
		cores = append(cores, &levelRangeCore{
			Core: otelzap.NewCore(instrumentationName, otelzap.WithLoggerProvider(otelProvider)),
			min:  cfg.Level,
			max:  zapcore.FatalLevel,
		})
	}

	if len(cores) == 0 {
		return nil, errors.New("at least one output must be enabled and available")
	}

	core := cores[0]
	if len(cores) > 1 {
		core = zapcore.NewTee(cores...)
	}
	return newSampledCore(core, cfg.Sampling), nil
}
