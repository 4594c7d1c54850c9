// Package history exports broker lifecycle events to analytics backends.
package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart   EventType = "start"
	EventRunning EventType = "running"
	EventStop    EventType = "stop"
	EventError   EventType = "error"
)

// Record is the broker snapshot attached to an event.
type Record struct {
	Name       string    `json:"name"`
	BrokerID   string    `json:"broker_id,omitempty"`
	PID        int       `json:"pid"`
	State      string    `json:"state"`
	RuntimeDir string    `json:"runtime_dir,omitempty"`
	Message    string    `json:"message,omitempty"`
	StartedAt  time.Time `json:"started_at"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

const (
	defaultQueueSize   = 256
	defaultSendTimeout = 5 * time.Second
)

// Dispatcher delivers events to sinks from its own goroutine so that a slow
// backend never stalls the supervisor. Events are dropped when the queue
// is full.
type Dispatcher struct {
	sinks   []Sink
	queue   chan Event
	log     *slog.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(log *slog.Logger, sinks ...Sink) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{
		sinks:   sinks,
		queue:   make(chan Event, defaultQueueSize),
		log:     log,
		timeout: defaultSendTimeout,
	}
	d.wg.Add(1)
	go d.run()
	return d
}

// Record enqueues e. It never blocks.
func (d *Dispatcher) Record(e Event) {
	if d == nil || len(d.sinks) == 0 {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- e:
	default:
		d.log.Warn("history queue full, dropping event", "name", e.Record.Name, "type", e.Type)
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for e := range d.queue {
		for _, s := range d.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			if err := s.Send(ctx, e); err != nil {
				d.log.Warn("history send failed", "name", e.Record.Name, "type", e.Type, "error", err)
			}
			cancel()
		}
	}
}

// Close flushes queued events and closes sinks that implement io.Closer.
func (d *Dispatcher) Close() error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
	var errs []error
	for _, s := range d.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
