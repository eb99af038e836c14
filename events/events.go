// Package events publishes connection lifecycle events to a message broker so
// other services can follow who is attached to which application.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/freedomjs/radiatus-providers/metrics"
)

// Event types.
const (
	TypeConnected    = "connected"
	TypeDisconnected = "disconnected"
	TypeSuperseded   = "superseded"
)

// Event describes one change in the set of attached connections.
type Event struct {
	Type       string    `json:"type"`
	App        string    `json:"app"`
	Capability string    `json:"capability"`
	UserID     string    `json:"user_id"`
	SessionID  string    `json:"session_id"`
	ServerID   string    `json:"server_id"`
	At         time.Time `json:"at"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis.
func (e Event) MarshalBinary() ([]byte, error) {
	return json.Marshal(e)
}

// Publisher delivers events to a broker.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
	Type() string
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }
func (Nop) Type() string                         { return "none" }

// Dispatcher publishes events off the caller's goroutine, each with its own timeout,
// and lets shutdown wait for the ones still in flight.
type Dispatcher struct {
	publisher Publisher
	serverID  string
	timeout   time.Duration
	wg        sync.WaitGroup
}

// NewDispatcher stamps every event with serverID before handing it to publisher.
func NewDispatcher(publisher Publisher, serverID string, timeout time.Duration) *Dispatcher {
	if publisher == nil {
		publisher = Nop{}
	}
	return &Dispatcher{publisher: publisher, serverID: serverID, timeout: timeout}
}

// Emit publishes event asynchronously. Failures are logged, never returned.
func (d *Dispatcher) Emit(event Event) {
	if _, ok := d.publisher.(Nop); ok {
		return
	}
	event.ServerID = d.serverID
	if event.At.IsZero() {
		event.At = time.Now()
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if err := d.publisher.Publish(ctx, event); err != nil {
			glog.Warningf("Failed to publish %s event for %s: %v", event.Type, event.UserID, err)
			return
		}
		metrics.EventsPublished.WithLabelValues(d.publisher.Type()).Inc()
	}()
}

// Wait blocks until every emitted event has been published or has failed.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close waits for in-flight events and closes the publisher.
func (d *Dispatcher) Close() error {
	d.Wait()
	return d.publisher.Close()
}
