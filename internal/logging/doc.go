// Package logging is traceway's own diagnostics logger.
//
// It wraps zap with:
//   - a Trace level below Debug
//   - stderr and OpenTelemetry outputs
//   - context correlation (OTel span, traceway session and trace IDs)
//   - key and value redaction backed by the redact package
//   - sampling below Error; errors are never sampled
//
// Usage:
//
//	cfg := logging.FromDiagnostics(appCfg.Diagnostics)
//	logger, err := logging.NewLogger(cfg, otelProvider)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithSessionID(ctx, sessionID)
//	logger.Info(ctx, "batch delivered", zap.Int("events", n))
//
// Components that only need a *zap.Logger get logger.Underlying().
package logging
