// Package logging provides the daemon's structured logger.
//
// It wraps zap with:
//   - a Trace level (-2, below Debug) for git command and generator detail
//   - console output on stdout or stderr, plus an optional OpenTelemetry core
//   - context fields: trace ids, request id, prototype branch and stage
//   - encoder-level redaction of sensitive keys and value patterns
//   - per-level sampling (errors are never sampled)
//
// Library packages take a plain *zap.Logger; the daemon builds a Logger here
// and hands out Underlying() or Named children.
//
//	logger, err := logging.NewLogger(cfg, otelProvider)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithBranch(ctx, "prototype/auth-flow")
//	logger.Info(ctx, "stage committed", zap.String("stage", "spec"))
//
// Configuration comes from the logging section of the daemon config and
// PROTOFLOW_LOGGING_* environment variables.
//
// Tests use NewTestLogger and its Assert helpers.
package logging
