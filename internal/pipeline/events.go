package pipeline

import (
	"context"
	"errors"
	"strings"

	"github.com/xaenox/helpdesk/internal/jobs"
	"github.com/xaenox/helpdesk/internal/models"
	"go.uber.org/zap"
)

const (
	EventThreadCreated   = "thread/created"
	EventReclassifyAll   = "thread/reclassify-all"
	EventReclassify      = "thread/reclassify"
	EventReplyOrEscalate = "thread/reply-or-escalate"
)

type ThreadPayload struct {
	ThreadID string `json:"thread_id"`
}

type ReclassifyPayload struct {
	BatchID            string  `json:"batch_id"`
	ThreadID           string  `json:"thread_id"`
	PreviousCategoryID *string `json:"previous_category_id"`
}

// Router is where event handlers get registered, usually a *jobs.Runner.
type Router interface {
	Handle(name string, h jobs.Handler)
}

// Register wires the pipeline entry points to their events.
func (o *Orchestrator) Register(r Router) {
	r.Handle(EventThreadCreated, o.handleThreadCreated)
	r.Handle(EventReclassifyAll, o.handleReclassifyAll)
	r.Handle(EventReclassify, o.handleReclassify)
	r.Handle(EventReplyOrEscalate, o.handleReplyOrEscalate)
}

func (o *Orchestrator) handleThreadCreated(ctx context.Context, ev jobs.Event) error {
	p, err := decodeThread(ev)
	if err != nil {
		return err
	}
	outcome, err := o.ClassifyOne(ctx, p.ThreadID)
	o.logOutcome(ev, p.ThreadID, outcome, err)
	return retryPolicy(err)
}

// The event id doubles as the batch id so a redelivered coordinator
// continues the same batch.
func (o *Orchestrator) handleReclassifyAll(ctx context.Context, ev jobs.Event) error {
	report, err := o.reclassifyBatch(ctx, ev.ID)
	if err != nil {
		return retryPolicy(err)
	}
	o.logger.Info("Reclassify batch enqueued",
		zap.String("batch_id", report.ID),
		zap.Int("total", report.Total),
		zap.Int("failed", report.Failed))
	return nil
}

func (o *Orchestrator) handleReclassify(ctx context.Context, ev jobs.Event) error {
	var p ReclassifyPayload
	if err := ev.Decode(&p); err != nil {
		return err
	}
	if strings.TrimSpace(p.ThreadID) == "" {
		return jobs.Permanent(models.NewValidationError("thread_id", "must not be empty"))
	}

	outcome, err := o.Reclassify(ctx, p.BatchID, p.ThreadID, p.PreviousCategoryID)
	o.logOutcome(ev, p.ThreadID, outcome, err)
	if err == nil {
		return nil
	}
	err = retryPolicy(err)
	if ev.Final || jobs.IsPermanent(err) {
		o.recordOutcome(ctx, p.BatchID, p.ThreadID, models.OutcomeFailed)
	}
	return err
}

func (o *Orchestrator) handleReplyOrEscalate(ctx context.Context, ev jobs.Event) error {
	p, err := decodeThread(ev)
	if err != nil {
		return err
	}
	outcome, err := o.ReplyOrEscalate(ctx, p.ThreadID, ev.ID)
	o.logOutcome(ev, p.ThreadID, outcome, err)
	return retryPolicy(err)
}

func decodeThread(ev jobs.Event) (ThreadPayload, error) {
	var p ThreadPayload
	if err := ev.Decode(&p); err != nil {
		return p, err
	}
	if strings.TrimSpace(p.ThreadID) == "" {
		return p, jobs.Permanent(models.NewValidationError("thread_id", "must not be empty"))
	}
	return p, nil
}

// retryPolicy marks errors that cannot succeed on retry as permanent.
// Classification, assignment conflicts and storage errors stay retryable.
func retryPolicy(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, models.ErrEmptyThread),
		errors.Is(err, models.ErrValidation),
		errors.Is(err, models.ErrThreadNotFound):
		return jobs.Permanent(err)
	}
	return err
}

func (o *Orchestrator) logOutcome(ev jobs.Event, threadID string, outcome models.Outcome, err error) {
	fields := []zap.Field{
		zap.String("event", ev.Name),
		zap.String("event_id", ev.ID),
		zap.Int("attempt", ev.Attempt),
		zap.String("thread_id", threadID),
		zap.String("outcome", string(outcome)),
	}
	if err != nil {
		o.logger.Warn("Unit of work failed", append(fields, zap.Error(err))...)
		return
	}
	o.logger.Debug("Unit of work done", fields...)
}
