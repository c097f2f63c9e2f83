// Package notify publishes terminal job events so downstream consumers
// (webhooks, the storybook UI) can react without polling. The engine
// itself never consumes these events; scheduling stays poll-based.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/fableforge/fableforge/internal/job"
	"github.com/fableforge/fableforge/shared/rabbitmq"
)

// Event is the wire shape of a job lifecycle notification.
type Event struct {
	JobID      string     `json:"job_id"`
	JobType    job.Type   `json:"job_type"`
	Status     job.Status `json:"status"`
	UserID     string     `json:"user_id,omitempty"`
	Error      string     `json:"error,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// Publisher emits job events to RabbitMQ. A nil Publisher is a no-op,
// so callers never branch on whether notifications are configured.
type Publisher struct {
	client *rabbitmq.Client
	logger *slog.Logger
}

// New creates a Publisher over a connected client.
func New(client *rabbitmq.Client, logger *slog.Logger) *Publisher {
	return &Publisher{client: client, logger: logger}
}

// JobTerminal publishes the terminal event for a job. Publish failures
// are logged and swallowed: notifications are best-effort and must not
// affect job accounting.
func (p *Publisher) JobTerminal(ctx context.Context, j *job.Job) {
	if p == nil || p.client == nil {
		return
	}

	body, err := json.Marshal(Event{
		JobID:      j.ID,
		JobType:    j.Type,
		Status:     j.Status,
		UserID:     j.UserID,
		Error:      j.ErrorMessage,
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		p.logger.Error("Failed to encode job event",
			slog.String("job_id", j.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	routingKey := "jobs." + string(j.Status)
	if err := p.client.Publish(ctx, routingKey, body, "application/json"); err != nil {
		p.logger.Warn("Failed to publish job event",
			slog.String("job_id", j.ID),
			slog.String("routing_key", routingKey),
			slog.String("error", err.Error()),
		)
	}
}
