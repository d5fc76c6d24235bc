package instrumentation

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestNewCreatesAllInstruments(t *testing.T) {
	inst, err := New(Config{ServiceName: "test-service", ServiceVersion: "1.2.3", Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	m := inst.Metrics()
	if m == nil {
		t.Fatal("Metrics() returned nil")
	}
	if m.HTTPRequestsTotal == nil || m.HTTPRequestDuration == nil {
		t.Error("HTTP instruments not created")
	}
	if m.AuthorizationStarted == nil || m.CodeIssued == nil || m.CodeExchanged == nil {
		t.Error("flow instruments not created")
	}
	if m.ClientRegistered == nil || m.LoginAttempts == nil || m.GateDecisions == nil {
		t.Error("registration/gate instruments not created")
	}
	if m.StorageOperationsTotal == nil || m.StorageClientsCount == nil {
		t.Error("storage instruments not created")
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	inst, err := New(Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if inst.config.ServiceName != "mcp-oauth" {
		t.Errorf("ServiceName = %q, want default", inst.config.ServiceName)
	}
	if inst.config.ServiceVersion != DefaultServiceVersion {
		t.Errorf("ServiceVersion = %q, want default", inst.config.ServiceVersion)
	}
	if inst.Tracer("http") == nil || inst.Meter("http") == nil {
		t.Error("providers not initialized")
	}
}

func TestNewHonorsEnabledFlag(t *testing.T) {
	enabled, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, ok := enabled.MeterProvider().(*sdkmetric.MeterProvider); !ok {
		t.Errorf("enabled MeterProvider() = %T, want SDK provider", enabled.MeterProvider())
	}
	if _, ok := enabled.TracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Errorf("enabled TracerProvider() = %T, want SDK provider", enabled.TracerProvider())
	}
	if err := enabled.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}

	disabled, err := New(Config{Enabled: false})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, ok := disabled.MeterProvider().(*sdkmetric.MeterProvider); ok {
		t.Error("disabled instrumentation installed an SDK meter provider")
	}
	if _, ok := disabled.TracerProvider().(*sdktrace.TracerProvider); ok {
		t.Error("disabled instrumentation installed an SDK tracer provider")
	}
}

func TestRegisterClientCountCallback(t *testing.T) {
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := inst.RegisterClientCountCallback(func() int64 { return 7 }); err != nil {
		t.Errorf("RegisterClientCountCallback() error = %v", err)
	}
	if err := inst.RegisterClientCountCallback(nil); err == nil {
		t.Error("RegisterClientCountCallback(nil) expected error")
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	inst, err := New(Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := inst.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown() call %d error = %v", i+1, err)
		}
	}
}
