package telemetry_test

import (
	"context"
	"fmt"
	"time"

	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/telemetry"
)

// Example_basicSetup shows the wiring a command performs before opening a session.
func Example_basicSetup() {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = "1.0.0"

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())
	telemetry.FromContext(ctx).NewComponentLogger("cli").Info("telemetry ready")
}

// Example_stepRun follows one run through its screens.
func Example_stepRun() {
	cfg := telemetry.DefaultConfig()
	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	tel.Events.Subscribe(func(e telemetry.Event) {
		fmt.Println(e.Type, e.State)
	}, telemetry.FilterByType(telemetry.EventTypeStepStateChanged, telemetry.EventTypeRunCompleted))

	ctx := tel.WithContext(context.Background())
	ctx = telemetry.WithRunContext(ctx, "run-1", "https://lims/api/v2/steps/24-100", "Library Prep", "apiuser")
	telemetry.ScreenTransition(ctx, "https://lims/api/v2/steps/24-100", "Placement", "Record Details")
	telemetry.ScreenTransition(ctx, "https://lims/api/v2/steps/24-100", "Record Details", "Completed")
	telemetry.EndRunContext(ctx, "Completed", nil)

	// Output:
	// step.state_changed Record Details
	// step.state_changed Completed
	// run.completed
}

// Example_metrics records the client-side measurements a session produces.
func Example_metrics() {
	m, _ := telemetry.NewMetrics(telemetry.DefaultConfig().Metrics)

	m.RecordRequest("GET", 200, 40*time.Millisecond)
	m.RecordCacheLookup("Artifact", true)
	m.RecordBatch("Artifact", "retrieve", 96)
	m.RecordEPPWait("ok", 12*time.Second)

	var disabled *telemetry.Metrics
	disabled.RecordRequest("GET", 200, time.Second)
}
