package core

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

// Dispatcher fans outbound events out to room member connections. It is
// content-agnostic: chat ciphertext, key-exchange envelopes and call
// signaling all pass through it unparsed. Delivery is best-effort; ordering
// is preserved only per sender.
type Dispatcher struct {
	transport EventTransport
	logger    *slog.Logger
}

func NewDispatcher(transport EventTransport, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{transport: transport, logger: logger}
}

func (d *Dispatcher) marshal(eventType, ref string, payload interface{}) (*Event, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
		}
		raw = b
	}
	return &Event{Type: eventType, Ref: ref, Payload: raw}, nil
}

// Broadcast sends the event to every listed connection except exclude.
// Pass exclude == "" to send to all of them.
func (d *Dispatcher) Broadcast(eventType string, payload interface{}, connIDs []string, exclude string) error {
	e, err := d.marshal(eventType, "", payload)
	if err != nil {
		return err
	}
	targets := connIDs
	if exclude != "" {
		targets = make([]string, 0, len(connIDs))
		for _, id := range connIDs {
			if id != exclude {
				targets = append(targets, id)
			}
		}
	}
	d.transport.SendToConns(e, targets...)
	return nil
}

// Unicast sends the event to a single connection.
func (d *Dispatcher) Unicast(eventType string, payload interface{}, connID string) error {
	e, err := d.marshal(eventType, "", payload)
	if err != nil {
		return err
	}
	d.transport.SendToConns(e, connID)
	return nil
}

// Reply answers a request event on the connection it came from, echoing the
// request's correlation ref.
func (d *Dispatcher) Reply(req *Event, eventType string, payload interface{}) error {
	e, err := d.marshal(eventType, req.Ref, payload)
	if err != nil {
		return err
	}
	d.transport.SendToConns(e, req.Dispatcher)
	return nil
}

// All sends the event to every live connection. Used only by the global
// destructive operation.
func (d *Dispatcher) All(eventType string, payload interface{}) error {
	e, err := d.marshal(eventType, "", payload)
	if err != nil {
		return err
	}
	d.transport.Send(e)
	return nil
}
