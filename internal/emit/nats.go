package emit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/roach88/mend/internal/heal"
)

// NATSSink publishes events to NATS, one subject per event type:
// <prefix>.<event type>, e.g. mend.events.state.done.
type NATSSink struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSSink connects to the NATS server at url.
func NewNATSSink(url, prefix string) (*NATSSink, error) {
	conn, err := nats.Connect(url,
		nats.Name("mend-emitter"),
		nats.RetryOnFailedConnect(true),
	)
	if err != nil {
		return nil, fmt.Errorf("emit: connect nats %s: %w", url, err)
	}
	if prefix == "" {
		prefix = "mend.events"
	}
	return &NATSSink{conn: conn, prefix: prefix}, nil
}

// Publish implements Sink.
func (s *NATSSink) Publish(_ context.Context, event heal.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("emit: marshal event %s: %w", event.ID, err)
	}
	subject := s.prefix + "." + string(event.Type)
	if err := s.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("emit: publish %s: %w", subject, err)
	}
	return nil
}

// Close implements Sink. Flushes pending publishes before draining.
func (s *NATSSink) Close() error {
	if err := s.conn.Flush(); err != nil {
		s.conn.Close()
		return fmt.Errorf("emit: flush nats: %w", err)
	}
	s.conn.Close()
	return nil
}
