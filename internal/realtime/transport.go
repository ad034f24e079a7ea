// Package realtime fans tally events out to other API instances and to
// connected browser clients.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Event names shared with the clients.
const (
	EventContabilizacao = "contabilizacao"
	EventAdmin          = "contabilizacao_admin"
	EventReset          = "reset"
	EventRowChange      = "row_change"
)

// Events lists every event the hub relays to clients.
var Events = []string{EventContabilizacao, EventAdmin, EventReset, EventRowChange}

// ErrClosed is returned after a transport has been closed.
var ErrClosed = errors.New("transport closed")

// Message is one published event with its JSON payload.
type Message struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Handler receives messages for one subscription. Handlers run on the
// transport's delivery goroutine and must not block for long.
type Handler func(Message)

// Transport publishes events and delivers them to subscribers. Delivery is
// at most once and unordered across events.
type Transport interface {
	Publish(ctx context.Context, event string, payload any) error
	Subscribe(event string, h Handler) (unsubscribe func(), err error)
	Close() error
}

func encode(event string, payload any) (Message, error) {
	if event == "" {
		return Message{}, errors.New("event name required")
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return Message{Event: event, Payload: raw}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return Message{Event: event, Payload: data}, nil
}
