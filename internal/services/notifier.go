package services

import (
	"context"
	"fmt"
	"log/slog"

	pubnub "github.com/pubnub/go"

	"ticket-scan/models"
)

// Notifier hands alerts and authoritative outcomes to the external
// notification system.
type Notifier interface {
	Alert(ctx context.Context, alert models.Alert) error
	PushOutcome(ctx context.Context, deviceID string, out models.Outcome) error
}

const (
	AlertsChannel = "scan-alerts"
	deviceChannel = "device-%s"
)

type PubNubNotifier struct {
	publish func(channel string, message any) error
}

func NewPubNubNotifier(pn *pubnub.PubNub) *PubNubNotifier {
	return &PubNubNotifier{
		publish: func(channel string, message any) error {
			_, _, err := pn.Publish().
				Channel(channel).
				Message(message).
				Execute()
			return err
		},
	}
}

func (n *PubNubNotifier) Alert(_ context.Context, alert models.Alert) error {
	err := n.publish(AlertsChannel, map[string]any{
		"type":      "alert",
		"kind":      alert.Kind,
		"event_ref": alert.EventRef,
		"device_id": alert.DeviceID,
		"source":    alert.Source,
		"message":   alert.Message,
		"data":      alert.Data,
		"at":        alert.At.Unix(),
	})
	if err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	return nil
}

// PushOutcome tells a device about a decision it did not see coming, such as
// losing an offline conflict.
func (n *PubNubNotifier) PushOutcome(_ context.Context, deviceID string, out models.Outcome) error {
	err := n.publish(fmt.Sprintf(deviceChannel, deviceID), map[string]any{
		"type":       "scan_outcome",
		"attempt_id": out.AttemptID,
		"ticket_ref": out.TicketRef,
		"result":     out.Result,
		"reason":     out.Reason,
	})
	if err != nil {
		return fmt.Errorf("publish outcome: %w", err)
	}
	return nil
}

// LogNotifier writes notifications to the structured log. It is used when no
// PubNub keys are configured.
type LogNotifier struct{}

func (LogNotifier) Alert(_ context.Context, alert models.Alert) error {
	slog.Warn("alert", "kind", alert.Kind, "event_ref", alert.EventRef, "device_id", alert.DeviceID, "source", alert.Source, "message", alert.Message)
	return nil
}

func (LogNotifier) PushOutcome(_ context.Context, deviceID string, out models.Outcome) error {
	slog.Info("scan outcome", "device_id", deviceID, "attempt_id", out.AttemptID, "result", out.Result)
	return nil
}
