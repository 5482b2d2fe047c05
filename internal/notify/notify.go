// Package notify publishes a message whenever a keyword check job reaches a
// terminal state, whichever component moved it there.
package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/rank-tracker/internal/metrics"
	"github.com/JakeFAU/rank-tracker/internal/rank"
)

// JobFinished is the published payload.
type JobFinished struct {
	JobID       string     `json:"job_id"`
	DomainID    string     `json:"domain_id"`
	Status      string     `json:"status"`
	Total       int        `json:"total"`
	Processed   int        `json:"processed"`
	Failed      int        `json:"failed"`
	Error       string     `json:"error,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Attributes exposes routing attributes to Pub/Sub subscription filters.
func (j JobFinished) Attributes() map[string]string {
	return map[string]string{
		"event":     "job.finished",
		"status":    j.Status,
		"domain_id": j.DomainID,
	}
}

// Notifier sends JobFinished messages. A nil Notifier is a no-op.
type Notifier struct {
	publisher rank.Publisher
	topic     string
	timeout   time.Duration
	logger    *zap.Logger
}

// New builds a Notifier. An empty topic or nil publisher disables it.
func New(publisher rank.Publisher, topic string, logger *zap.Logger) *Notifier {
	if publisher == nil || topic == "" {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{publisher: publisher, topic: topic, timeout: 10 * time.Second, logger: logger}
}

// JobFinished publishes the job's terminal state. Failures are logged only;
// the job row is the source of truth.
func (n *Notifier) JobFinished(ctx context.Context, job rank.Job) {
	if n == nil || !job.Status.Terminal() {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
	defer cancel()
	payload := JobFinished{
		JobID:       job.ID,
		DomainID:    job.DomainID,
		Status:      string(job.Status),
		Total:       job.TotalKeywords,
		Processed:   job.ProcessedKeywords,
		Failed:      job.FailedKeywords,
		Error:       job.Error,
		CompletedAt: job.CompletedAt,
	}
	id, err := n.publisher.Publish(ctx, n.topic, payload)
	if err != nil {
		metrics.ObserveNotification("error")
		n.logger.Warn("publish job notification failed",
			zap.String("job_id", job.ID),
			zap.String("status", payload.Status),
			zap.Error(err),
		)
		return
	}
	metrics.ObserveNotification("ok")
	n.logger.Debug("published job notification", zap.String("job_id", job.ID), zap.String("message_id", id))
}
