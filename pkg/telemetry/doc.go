// Package telemetry provides the observability stack shared by the LIMS
// client, the step runner and the CLI.
//
// It combines structured logging (zerolog), distributed tracing
// (OpenTelemetry), Prometheus metrics and an in-process event publisher.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//	ctx = tel.WithContext(ctx)
//
// The session takes tel.Metrics and tel.Tracer through clarity.Options. Both
// may be nil: every recorder on a nil *Metrics is a no-op.
//
// # Step runs
//
// The step runner brackets each run with WithRunContext and EndRunContext
// and reports every screen change through ScreenTransition:
//
//	ctx = telemetry.WithRunContext(ctx, runID, stepURI, "Library Prep", user)
//	defer func() { telemetry.EndRunContext(ctx, lastState, err) }()
//
// Subscribers registered on tel.Events receive run, state, automation,
// policy and archive events in publish order.
//
// # Metrics
//
//   - clarity_requests_total{method,status}
//   - clarity_request_duration_seconds{method}
//   - clarity_cache_lookups_total{kind,result}
//   - clarity_batch_size{kind,operation}
//   - clarity_errors_by_class_total{class}
//   - clarity_errors_by_code_total{code}
//   - clarity_epp_wait_seconds{outcome}
//   - clarity_step_transitions_total{from,to}
//   - clarity_runs_started_total{step}
//   - clarity_runs_completed_total{status}
//   - clarity_run_duration_seconds{status}
//   - clarity_active_runs
//
// Metrics are served over HTTP only when MetricsConfig.ListenAddress is set.
//
// # Exporters
//
//   - "stdout": pretty-printed spans on stderr
//   - "otlp": OTLP/gRPC to a collector
//   - "none": spans are created but not exported
package telemetry
