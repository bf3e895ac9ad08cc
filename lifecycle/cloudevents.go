package lifecycle

import (
	"context"
	"fmt"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// ToCloudEvent renders an Event in CloudEvents v1 wire format, source
// identifying it as originating from the Engine's Injector.
func ToCloudEvent(event Event) cloudevents.Event {
	ce := cloudevents.NewEvent()
	ce.SetID(event.ID)
	ce.SetSource("engine/injector")
	ce.SetType(string(event.Type))
	ce.SetTime(event.Timestamp)
	ce.SetSpecVersion(cloudevents.VersionV1)

	if event.Payload != nil {
		_ = ce.SetData(cloudevents.ApplicationJSON, event.Payload)
	}
	return ce
}

// ValidateCloudEvent checks that ce conforms to the CloudEvents
// specification, beyond what the SDK validates implicitly on send.
func ValidateCloudEvent(ce cloudevents.Event) error {
	if err := ce.Validate(); err != nil {
		return fmt.Errorf("cloudevent validation failed: %w", err)
	}
	return nil
}

// CloudEventsSink forwards Events to an external collector using the
// CloudEvents HTTP protocol binding. Send failures are never fatal to the
// Injector — Dispatcher treats the Sink as best-effort.
type CloudEventsSink struct {
	client cloudevents.Client
}

// NewCloudEventsSink builds a Sink that POSTs CloudEvents to target using
// the default HTTP protocol binding.
func NewCloudEventsSink(target string) (*CloudEventsSink, error) {
	client, err := cloudevents.NewClientHTTP(cloudevents.WithTarget(target))
	if err != nil {
		return nil, fmt.Errorf("lifecycle: building cloudevents client: %w", err)
	}
	return &CloudEventsSink{client: client}, nil
}

// Send converts event to CloudEvents format and delivers it.
func (s *CloudEventsSink) Send(ctx context.Context, event Event) error {
	ce := ToCloudEvent(event)
	if err := ValidateCloudEvent(ce); err != nil {
		return err
	}

	sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	result := s.client.Send(sendCtx, ce)
	if !cloudevents.IsACK(result) {
		return fmt.Errorf("lifecycle: cloudevent not acknowledged: %w", result)
	}
	return nil
}
