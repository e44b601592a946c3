// Package events provides a small in-process publish/subscribe registry.
// Subscribers are registered at startup and invoked synchronously, in
// registration order, within the publishing request's context.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/crosswalk-project/trybot-controller/pkg/github"
)

// TopicPullRequestChanged carries GitHub pull_request webhook events.
const TopicPullRequestChanged = "pull_request_changed"

// Handler consumes one published pull request event. A returned error is
// reported to the publisher but does not stop delivery to the remaining
// subscribers.
type Handler func(ctx context.Context, ev *github.PullRequestEvent) error

// Bus fans events out to subscribers by topic.
type Bus struct {
	log logrus.FieldLogger

	mu       sync.RWMutex
	handlers map[string][]Handler
}

// NewBus creates an empty event bus.
func NewBus(log logrus.FieldLogger) *Bus {
	return &Bus{
		log:      log.WithField("component", "events"),
		handlers: make(map[string][]Handler),
	}
}

// Subscribe registers a handler for a topic. Handlers run in the order
// they were subscribed.
func (b *Bus) Subscribe(topic string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[topic] = append(b.handlers[topic], h)
}

// Publish delivers an event to every subscriber of the topic. All
// subscribers run even when an earlier one fails; the collected errors
// are joined and returned so the HTTP layer can answer with a server
// error and the upstream source redelivers.
func (b *Bus) Publish(
	ctx context.Context, topic string, ev *github.PullRequestEvent,
) error {
	b.mu.RLock()
	handlers := b.handlers[topic]
	b.mu.RUnlock()

	if len(handlers) == 0 {
		b.log.WithField("topic", topic).
			Debug("No subscribers for published event")

		return nil
	}

	var errs []error

	for i, h := range handlers {
		if err := h(ctx, ev); err != nil {
			b.log.WithError(err).
				WithField("topic", topic).
				WithField("subscriber", i).
				Warn("Subscriber failed")

			errs = append(errs, fmt.Errorf("subscriber %d: %w", i, err))
		}
	}

	return errors.Join(errs...)
}
