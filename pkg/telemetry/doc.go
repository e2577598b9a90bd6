// Package telemetry provides observability instrumentation for the agent.
//
// The telemetry package integrates structured logging (zerolog), distributed
// tracing (OpenTelemetry) and metrics (Prometheus) behind one Telemetry value
// that is built once at startup and handed to the executor, the pipeline and
// the connection manager.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.Logging.Level = "debug"
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//		return err
//	}
//	defer tel.Shutdown(context.Background())
//
// Components take what they need:
//
//	log := tel.Logger.NewComponentLogger("agent")
//	log.WithEnvelope("nginx", "Create").Info("dispatching")
//
// Tracing wraps one inbound envelope and every step sequence:
//
//	ctx, span := tel.Tracer.StartDispatchSpan(ctx, env.Module, env.Event)
//	defer span.End()
//
// # Metrics
//
// When enabled, metrics are served in Prometheus format:
//
//	servant_envelopes_received_total{module,event}
//	servant_envelopes_sent_total{module,event,status}
//	servant_decode_errors_total
//	servant_pipeline_errors_total{stage}
//	servant_sequences_total{mode,status}
//	servant_sequence_duration_seconds{mode}
//	servant_reconnects_total
//	servant_connection_state
//
// All Record methods are safe to call on a disabled Metrics value.
package telemetry
