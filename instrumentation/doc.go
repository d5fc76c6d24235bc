// Package instrumentation provides OpenTelemetry metrics and tracing for the
// OAuth server. Providers default to no-ops; embedding applications install
// real exporters through the returned MeterProvider and TracerProvider.
package instrumentation
