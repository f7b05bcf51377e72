// Package events publishes terminal output and status changes to
// subscribers. Delivery is fire-and-forget: publishers never wait for
// acknowledgement.
package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rileyhilliard/fleet/internal/logger"
)

// Event names.
const (
	TerminalOutput   = "terminal.output"
	HostUpdated      = "host.updated"
	TransferProgress = "transfer.progress"
	TestBroadcast    = "test.broadcast"
)

// Channel names.
const (
	ChannelHosts     = "hosts"
	ChannelTransfers = "transfers"
	ChannelTest      = "test"
)

// TerminalChannel is the channel carrying one host's terminal output.
func TerminalChannel(hostID uint) string {
	return fmt.Sprintf("terminal.%d", hostID)
}

// Event is one published message.
type Event struct {
	Name      string      `json:"event"`
	Channel   string      `json:"channel"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// Sink accepts events. Implementations must not block the caller.
type Sink interface {
	Publish(channel string, event Event)
}

// New builds an event stamped with the current time.
func New(name string, data interface{}) Event {
	return Event{Name: name, Timestamp: time.Now(), Data: data}
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(string, Event) {}

// MemorySink records events in order.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (m *MemorySink) Publish(channel string, event Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	event.Channel = channel
	m.events = append(m.events, event)
}

// Events returns everything published so far.
func (m *MemorySink) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// On returns the events published to channel.
func (m *MemorySink) On(channel string) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, e := range m.events {
		if e.Channel == channel {
			out = append(out, e)
		}
	}
	return out
}

// LogSink writes events to a logger. Used by the CLI, which has no subscribers.
type LogSink struct {
	Log logger.Logger
}

func (s LogSink) Publish(channel string, event Event) {
	payload, err := json.Marshal(event.Data)
	if err != nil {
		payload = []byte(fmt.Sprintf("%v", event.Data))
	}
	s.Log.Debug("event %s on %s: %s", event.Name, channel, payload)
}

// Multi fans an event out to several sinks.
type Multi []Sink

func (m Multi) Publish(channel string, event Event) {
	for _, s := range m {
		s.Publish(channel, event)
	}
}
