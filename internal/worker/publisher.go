package worker

import (
	"context"
	"time"

	"github.com/lifestream-io/lifestream/internal/event"
)

// DefaultPublishTimeout bounds one publish command.
const DefaultPublishTimeout = 10 * time.Second

// Publisher is the terminal stage. Publication here means recording the
// fact: downstream surfaces render from the read model, so appending
// publish.completed is the whole job. The stage exists so the publish state
// machine (desired vs published version) has an agent driving it.
type Publisher struct{}

// NewPublisher creates the publish stage handler.
func NewPublisher() *Publisher {
	return &Publisher{}
}

// Handle stamps the publication time.
func (p *Publisher) Handle(_ context.Context, _ event.WorkCommand) (any, error) {
	now := time.Now().UTC()

	return event.PublishCompleted{PublishedAt: &now}, nil
}

// PublishStage binds the publisher into the shared runner.
func PublishStage(p *Publisher, timeout time.Duration) Stage {
	return Stage{
		WorkType:   event.WorkPublishLink,
		Agent:      AgentPublisher,
		Completion: event.TypePublishCompleted,
		Timeout:    timeout,
		Handler:    p,
	}
}
