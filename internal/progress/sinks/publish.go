package sinks

import (
	"context"
	"fmt"

	"github.com/JakeFAU/open-website-status/internal/progress"
)

// Publisher sends one payload to a message bus.
type Publisher interface {
	Publish(ctx context.Context, kind string, payload any) (string, error)
}

// PublishSink mirrors every event to a Publisher, keyed by stage.
type PublishSink struct {
	pub   Publisher
	close func() error
}

// NewPublishSink wraps pub. closeFn, when non-nil, runs on Close.
func NewPublishSink(pub Publisher, closeFn func() error) *PublishSink {
	return &PublishSink{pub: pub, close: closeFn}
}

// Consume publishes the batch in order and stops at the first failure.
func (s *PublishSink) Consume(ctx context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		if _, err := s.pub.Publish(ctx, string(evt.Stage), evt); err != nil {
			return fmt.Errorf("publish %s event: %w", evt.Stage, err)
		}
	}
	return nil
}

// Close releases the underlying publisher.
func (s *PublishSink) Close(context.Context) error {
	if s.close == nil {
		return nil
	}
	return s.close()
}
