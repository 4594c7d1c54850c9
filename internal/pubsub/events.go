// Package pubsub fans supervisor notifications out to any number of
// subscribers without letting a slow one stall the publisher.
package pubsub

import (
	"context"
	"time"
)

// EventType names what happened to a broker.
type EventType string

const (
	StateChanged EventType = "state_changed"
	LogUpdated   EventType = "log_updated"
	// ConfigChanged carries no broker; the stored configs were edited.
	ConfigChanged EventType = "config_changed"
)

// Event is one published notification.
type Event[T any] struct {
	Type      EventType
	Payload   T
	Timestamp time.Time
}

type Subscriber[T any] interface {
	Subscribe(ctx context.Context) <-chan Event[T]
}

type Publisher[T any] interface {
	Publish(eventType EventType, payload T)
}
