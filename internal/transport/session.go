// Package transport connects the protocol engine to a message broker. A
// Session exposes named channels with publish, consume and a bounded-wait
// event loop that hands at most one delivered message to its handler per
// call.
package transport

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrConnectionFailed is returned by Connect once every dial attempt failed.
	ErrConnectionFailed = errors.New("could not establish a connection")
	// ErrSessionClosed is returned when operating on a closed or lost session.
	ErrSessionClosed = errors.New("transport session closed")
	// ErrUnknownConsumer is returned when cancelling a consumer tag that is not registered.
	ErrUnknownConsumer = errors.New("unknown consumer tag")
)

// Handler processes a single delivered message. A message is considered
// handled as soon as it is passed to the handler; there is no explicit ack.
type Handler func(ctx context.Context, body []byte)

// Session is a live connection to a broker.
type Session interface {
	// Declare ensures the named channels exist.
	Declare(ctx context.Context, channels ...string) error
	// Publish sends body to the named channel.
	Publish(ctx context.Context, channel string, body []byte) error
	// Consume registers h on the named channel and returns its consumer tag.
	// Handlers only run from within ProcessEvents.
	Consume(ctx context.Context, channel string, h Handler) (string, error)
	// Cancel deregisters the consumer with the given tag. Messages the
	// consumer had not yet handed to the event loop are not passed to it.
	Cancel(tag string) error
	// ProcessEvents waits up to timeout for a message on any registered
	// consumer and synchronously invokes its handler. It reports whether a
	// handler ran.
	ProcessEvents(ctx context.Context, timeout time.Duration) (bool, error)
	// Close releases the session and its consumers.
	Close() error
}

// DialFunc opens a new Session.
type DialFunc func(ctx context.Context) (Session, error)
