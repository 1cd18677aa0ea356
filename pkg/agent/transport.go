package agent

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by Receive once the transport has no more messages.
var ErrClosed = errors.New("agent: transport closed")

// Message is one inbound chat message.
type Message struct {
	ID         string
	Sender     string
	Text       string
	ReceivedAt time.Time
}

// Transport moves chat messages in and out of the agent. Receive blocks until
// a message arrives, ctx is done, or the transport is closed (ErrClosed).
type Transport interface {
	Receive(ctx context.Context) (Message, error)
	Send(ctx context.Context, to, text string) error
	// Self is the agent's own address on the transport; messages from it
	// are skipped.
	Self() string
}

// Acker is implemented by transports with at-least-once delivery. The agent
// acknowledges a message after its reply has been attempted.
type Acker interface {
	Ack(ctx context.Context, msg Message) error
}
