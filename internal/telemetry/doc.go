// Package telemetry bootstraps OpenTelemetry for protoflowd.
//
// When enabled, New installs OTLP (gRPC or HTTP) tracer and meter providers
// as the otel globals. The pipeline, HTTP and MCP layers create their
// tracers and meters from those globals, so nothing else has to be threaded
// through.
//
//	tel, err := telemetry.New(ctx, telemetry.FromSection(cfg.Telemetry, version), logger)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// Export failures degrade the instance rather than stopping the daemon;
// Health reports the state on /health.
//
// Tests use NewTestTelemetry, which records spans and metrics in memory.
package telemetry
