package sinks

import (
	"context"
	"fmt"

	"github.com/JakeFAU/rankhub/internal/events"
)

// Publisher pushes one JSON payload to a message bus.
type Publisher interface {
	Publish(ctx context.Context, payload any, attrs map[string]string) (string, error)
}

// PublisherSink forwards selected events to a Publisher, one message per event.
type PublisherSink struct {
	pub   Publisher
	types map[events.Type]struct{}
}

// NewPublisherSink publishes only the listed types, or every type when none are given.
func NewPublisherSink(pub Publisher, types ...events.Type) *PublisherSink {
	s := &PublisherSink{pub: pub}
	if len(types) > 0 {
		s.types = make(map[events.Type]struct{}, len(types))
		for _, t := range types {
			s.types[t] = struct{}{}
		}
	}
	return s
}

// Consume publishes matching events and stops at the first error.
func (s *PublisherSink) Consume(ctx context.Context, batch []events.Event) error {
	if s == nil || s.pub == nil {
		return nil
	}
	for _, evt := range batch {
		if s.types != nil {
			if _, ok := s.types[evt.Type]; !ok {
				continue
			}
		}
		attrs := map[string]string{"event_type": string(evt.Type)}
		if _, err := s.pub.Publish(ctx, evt, attrs); err != nil {
			return fmt.Errorf("publish %s: %w", evt.Type, err)
		}
	}
	return nil
}

// Close implements events.Sink.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
