package transport

import (
	"context"
	"log/slog"
	"time"

	"github.com/nugget/sentinel-agent/internal/signal"
)

// signalClient is the subset of *signal.Client this adapter needs,
// narrowed so the adapter can be tested with a fake.
type signalClient interface {
	Start(ctx context.Context) error
	Messages() <-chan *signal.Envelope
	Send(ctx context.Context, recipient, message string) (int64, error)
	Close() error
}

// SignalCLI adapts internal/signal's JSON-RPC client (signal-cli
// running in daemon mode) to the Transport contract.
type SignalCLI struct {
	client signalClient
	logger *slog.Logger
}

// NewSignalCLI wraps an already-constructed *signal.Client. Call
// Poll's underlying Start is the caller's responsibility before first
// use — this mirrors the teacher's bridge, which starts the subprocess
// during its own setup phase rather than inside the transport.
func NewSignalCLI(client *signal.Client, logger *slog.Logger) *SignalCLI {
	if logger == nil {
		logger = slog.Default()
	}
	return &SignalCLI{client: client, logger: logger}
}

func (s *SignalCLI) Name() string { return "signal" }

// Poll drains every envelope currently buffered on the client's
// message channel, skipping non-text notifications (typing, receipts,
// sync), and blocks for at least one if none are buffered yet.
func (s *SignalCLI) Poll(ctx context.Context) ([]Inbound, error) {
	messages := s.client.Messages()

	var out []Inbound
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case env, ok := <-messages:
		if !ok {
			return nil, context.Canceled
		}
		if in, ok := inboundFromEnvelope(env); ok {
			out = append(out, in)
		}
	}

	for {
		select {
		case env, ok := <-messages:
			if !ok {
				return out, nil
			}
			if in, ok := inboundFromEnvelope(env); ok {
				out = append(out, in)
			}
		default:
			return out, nil
		}
	}
}

func inboundFromEnvelope(env *signal.Envelope) (Inbound, bool) {
	if env == nil || env.DataMessage == nil || env.DataMessage.Message == "" {
		return Inbound{}, false
	}
	sender := env.SourceNumber
	if sender == "" {
		sender = env.Source
	}
	return Inbound{
		Sender:    sender,
		Content:   env.DataMessage.Message,
		Timestamp: time.UnixMilli(env.Timestamp),
	}, true
}

func (s *SignalCLI) Send(ctx context.Context, recipient, text string) error {
	_, err := s.client.Send(ctx, recipient, text)
	return err
}

func (s *SignalCLI) Close() error {
	return s.client.Close()
}
