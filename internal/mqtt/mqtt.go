// Package mqtt publishes truck proximity events to a home-automation broker.
package mqtt

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sweeney/truck-notifier/internal/logic"
	"github.com/sweeney/truck-notifier/internal/status"
)

// Topic is the MQTT topic for proximity events.
const Topic = "home/garbage-truck/events"

// TopicState carries the retained tracker state so new subscribers see it immediately.
const TopicState = "home/garbage-truck/state"

// TopicSystem is the MQTT topic for system lifecycle events.
const TopicSystem = "home/garbage-truck/system"

// Publisher publishes events to MQTT.
type Publisher interface {
	// Publish sends a proximity event to the broker.
	// Returns error if publishing fails (should not crash the process).
	Publish(event logic.Event) error

	// PublishState sends the current tracker state as a retained message.
	PublishState(resp status.Response) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// Metrics receives publish results. SinkMetrics from the metrics package
// satisfies it.
type Metrics interface {
	PublishedInc()
	PublishErrInc()
	SetConnected(bool)
}

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown, heartbeat).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "HEARTBEAT", "OFFLINE"
	Reason     string // e.g., "SIGTERM", "SIGINT" (shutdown only)
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// Payload represents the MQTT message payload structure.
type Payload struct {
	Truck TruckPayload `json:"truck"`
}

// TruckPayload contains the proximity event details.
type TruckPayload struct {
	ID         string `json:"id"`
	Timestamp  string `json:"timestamp"`
	Event      string `json:"event"`
	State      string `json:"state"`
	Reason     string `json:"reason"`
	LineID     string `json:"line_id"`
	LineName   string `json:"line_name"`
	CarNo      string `json:"car_no"`
	EnterPoint string `json:"enter_point"`
	ExitPoint  string `json:"exit_point"`
}

// FormatPayload creates the JSON payload for a proximity event.
// The timestamp keeps the event's zone so consumers see local time.
func FormatPayload(event logic.Event) ([]byte, error) {
	payload := Payload{
		Truck: TruckPayload{
			ID:         event.ID,
			Timestamp:  event.Timestamp.Format(time.RFC3339),
			Event:      string(event.Type),
			State:      string(event.State),
			Reason:     event.Reason,
			LineID:     event.LineID,
			LineName:   event.LineName,
			CarNo:      event.CarNo,
			EnterPoint: event.Enter,
			ExitPoint:  event.Exit,
		},
	}
	return json.Marshal(payload)
}

// FormatStatePayload creates the retained state payload.
func FormatStatePayload(resp status.Response) ([]byte, error) {
	return json.Marshal(resp)
}

// SystemPayload represents the MQTT message payload for system events.
// Used for simple events (LWT, RECONNECTED) that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	}
	return json.Marshal(payload)
}

// Notifier adapts a Publisher to the monitor's notification hook. Every
// event is followed by a retained state update built from State.
type Notifier struct {
	Publisher Publisher
	State     func() status.Response
	Metrics   Metrics
}

// Notify publishes ev and then the current state.
func (n *Notifier) Notify(_ context.Context, ev logic.Event) error {
	if err := n.Publisher.Publish(ev); err != nil {
		n.errInc()
		return err
	}
	if n.Metrics != nil {
		n.Metrics.PublishedInc()
	}
	if n.State == nil {
		return nil
	}
	if err := n.Publisher.PublishState(n.State()); err != nil {
		n.errInc()
		return err
	}
	return nil
}

func (n *Notifier) errInc() {
	if n.Metrics != nil {
		n.Metrics.PublishErrInc()
	}
}
