package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// Event is the unit of communication between a client connection and the
// coordinator. Ref carries the client-chosen correlation id for events that
// expect a direct reply (check-room, join-room).
type Event struct {
	// Dispatcher is the id of the connection the event arrived on.
	// It is never read from the wire.
	Dispatcher string          `json:"-"`
	Type       string          `json:"type"`
	Ref        string          `json:"ref,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

func (e Event) String() string {
	return fmt.Sprintf("Event{Dispatcher: %s, Type: %s, Ref: %s, Payload.Size: %d}",
		e.Dispatcher, e.Type, e.Ref, len(e.Payload))
}

func EncodeEvent(w io.Writer, e *Event) error {
	if err := json.NewEncoder(w).Encode(e); err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return nil
}

func DecodeEvent(r io.Reader, e *Event) error {
	if err := json.NewDecoder(r).Decode(e); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	return nil
}

// EventTransport abstracts the connection manager from the event layer.
type EventTransport interface {
	// Send delivers the event to every live connection.
	Send(event *Event)
	// SendToConns delivers the event to the given connections only.
	// Unknown connection ids are skipped.
	SendToConns(event *Event, connIDs ...string)
	Receive() <-chan *Event
}

type EventHandler func(context.Context, *Event) error

// eventMailboxSize bounds the queue of unhandled events per connection.
const eventMailboxSize = 100

// EventRouter dispatches inbound events to the handler registered for their
// type. Events of unregistered types are dropped. Events from one connection
// are handled strictly in arrival order; connections never wait on each
// other's handlers.
type EventRouter struct {
	listeners map[string]EventHandler
	ctx       context.Context
	transport EventTransport
	logger    *slog.Logger
	exit      chan struct{}

	mu        sync.Mutex
	mailboxes map[string]chan *Event

	wg sync.WaitGroup
}

func NewEventRouter(ctx context.Context, logger *slog.Logger, transport EventTransport) *EventRouter {
	return &EventRouter{
		listeners: make(map[string]EventHandler),
		mailboxes: make(map[string]chan *Event),
		ctx:       ctx,
		transport: transport,
		logger:    logger,
		exit:      make(chan struct{}),
	}
}

// On registers the handler for an event type. It must not be called after
// Listen.
func (em *EventRouter) On(eventType string, handler EventHandler) {
	em.listeners[eventType] = handler
}

func (em *EventRouter) Listen() {
	em.wg.Add(1)
	go func() {
		defer em.wg.Done()
		for {
			select {
			case <-em.exit:
				return
			case e, ok := <-em.transport.Receive():
				if !ok {
					return
				}
				em.logger.Debug(fmt.Sprintf("received: %v", e))
				if _, ok := em.listeners[e.Type]; !ok {
					em.logger.Warn("unrecognized event type", slog.String("type", e.Type))
					continue
				}
				em.enqueue(e)
			}
		}
	}()
}

// enqueue hands the event to the mailbox worker of the connection it arrived
// on, starting one if none is running. The worker drains the mailbox in FIFO
// order, so a sender's events are handled in the order sent.
func (em *EventRouter) enqueue(e *Event) {
	em.mu.Lock()
	mailbox, ok := em.mailboxes[e.Dispatcher]
	if !ok {
		mailbox = make(chan *Event, eventMailboxSize)
		em.mailboxes[e.Dispatcher] = mailbox
		em.wg.Add(1)
		go em.work(e.Dispatcher, mailbox)
	}
	select {
	case mailbox <- e:
		em.mu.Unlock()
	default:
		em.mu.Unlock()
		em.logger.Warn("mailbox full, dropping event",
			slog.String("connection", e.Dispatcher), slog.String("type", e.Type))
	}
}

// work runs one connection's handlers sequentially and retires once the
// mailbox runs dry. Retirement and enqueueing share em.mu, so a worker never
// exits while an event for it is in flight.
func (em *EventRouter) work(connID string, mailbox chan *Event) {
	defer em.wg.Done()
	for {
		select {
		case <-em.exit:
			return
		case e := <-mailbox:
			if err := em.listeners[e.Type](em.ctx, e); err != nil {
				em.logger.Error(fmt.Sprintf("%s handler: %s", e.Type, err))
			}
		}

		em.mu.Lock()
		if len(mailbox) == 0 {
			delete(em.mailboxes, connID)
			em.mu.Unlock()
			return
		}
		em.mu.Unlock()
	}
}

func (em *EventRouter) Close(ctx context.Context) {
	close(em.exit)
	done := make(chan struct{})
	go func() {
		em.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		em.logger.Warn("event router close timed out")
	}
}
