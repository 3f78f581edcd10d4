// Package transport defines the pluggable chat-transport contract the
// Agent Loop polls for inbound messages and uses to deliver responses
// and periodic-faculty fan-out sends.
package transport

import (
	"context"
	"time"
)

// Inbound is one message received from a transport.
type Inbound struct {
	Sender    string
	Content   string
	Timestamp time.Time
}

// Transport is the pluggable contract every chat channel adapter
// implements.
type Transport interface {
	// Poll waits for inbound traffic and returns every message received
	// since the last Poll call. The result can be empty (a long poll
	// that timed out, or only non-text events), and an adapter may not
	// observe ctx while it waits (see Console.Poll).
	Poll(ctx context.Context) ([]Inbound, error)
	// Send delivers text to recipient. recipient's format is
	// transport-specific (phone number, chat ID, etc).
	Send(ctx context.Context, recipient, text string) error
	// Close releases any underlying connection or subprocess.
	Close() error
	// Name identifies the transport for logging and events.
	Name() string
}
