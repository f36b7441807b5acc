package telemetry_test

import (
	"context"
	"errors"
	"fmt"

	"github.com/piiagent/integrator/pkg/telemetry"
)

func ExampleEventPublisher_Subscribe() {
	tel := telemetry.NewNop()

	unsubscribe := tel.Events.Subscribe(func(e telemetry.Event) {
		fmt.Printf("%s %s: %s\n", e.Type, e.TargetSourceID, e.Message)
	}, telemetry.FilterByType(telemetry.EventTypeStageChanged))
	defer unsubscribe()

	_ = tel.Events.PublishTargetSourceEvent(telemetry.EventTypeScanStarted, "ts-1", "job-1", "scan started", nil)
	_ = tel.Events.PublishStageChanged("ts-1", "WAITING_TARGET_CONFIRMATION", "WAITING_APPROVAL")

	// Output:
	// stage.changed ts-1: process status changed from WAITING_TARGET_CONFIRMATION to WAITING_APPROVAL
}

func ExampleRecordProviderOperation() {
	tel := telemetry.NewNop()
	ctx := tel.WithContext(context.Background())

	err := telemetry.RecordProviderOperation(ctx, "AWS", "discover", func(ctx context.Context) error {
		return errors.New("throttled by provider")
	})
	fmt.Println(err)

	// Output:
	// throttled by provider
}

func ExampleTelemetry_StartOperation() {
	tel := telemetry.NewNop()

	ic := tel.StartOperation(context.Background(), "confirm_targets", "ts-1")
	ic.Logger.Info("targets confirmed")
	ic.End(nil)

	fmt.Println(telemetry.FromTelemetryContext(tel.WithContext(context.Background())) == tel)

	// Output:
	// true
}
