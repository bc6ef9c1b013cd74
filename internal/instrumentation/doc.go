// Package instrumentation provides OpenTelemetry metrics and tracing for
// inboxflow.
//
// # Metrics
//
// Pipeline:
//   - pipeline_executions_total: messages by pipeline and final status
//   - pipeline_stage_duration_seconds: one stage attempt, by stage and status
//   - pipeline_retries_total: scheduled retries by stage and error kind
//
// External services:
//   - external_api_operations_total: Gmail, IMAP, completion and Notion calls
//   - external_api_operation_duration_seconds
//
// OAuth:
//   - oauth_auth_total: authorization code exchanges by result
//   - oauth_token_refresh_total: refresh grants by result
//
// Watch-mode HTTP:
//   - http_requests_total, http_request_duration_seconds
//
// # Tracing
//
// Each message gets a pipeline.message span with one pipeline.stage.<name>
// child per attempt; calls to external services are client spans named
// <service>.<operation>.
//
// # Configuration
//
// The telemetry section of the config file fills Config: exporter choice,
// OTLP endpoint and trace sampling rate. OTEL_EXPORTER_OTLP_ENDPOINT,
// OTEL_EXPORTER_OTLP_INSECURE and OTEL_TRACES_SAMPLER_ARG are honored when
// the INBOXFLOW_TELEMETRY_* variables are unset.
//
// # Example Usage
//
//	provider, err := instrumentation.NewProvider(ctx, cfg.Instrumentation(version))
//	if err != nil {
//		return err
//	}
//	defer provider.Shutdown(ctx)
//
//	metrics := provider.Metrics()
//	metrics.RecordAPIOperation(ctx, instrumentation.ServiceNotion, instrumentation.OperationCreate,
//		instrumentation.StatusSuccess, time.Since(start))
package instrumentation
