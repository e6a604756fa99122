package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/xaenox/helpdesk/internal/assignment"
	"github.com/xaenox/helpdesk/internal/classifier"
	"github.com/xaenox/helpdesk/internal/models"
	"github.com/xaenox/helpdesk/internal/storage"
	"go.uber.org/zap"
)

// EventSender enqueues a unit of work for at-least-once execution.
type EventSender interface {
	Send(ctx context.Context, name string, payload any) (string, error)
}

// Orchestrator runs the three pipeline entry points. Every entry point is
// safe to run again for the same thread.
type Orchestrator struct {
	store      storage.Storage
	classifier *classifier.Classifier
	drafter    classifier.ReplyDrafter
	scheduler  *assignment.Scheduler
	events     EventSender
	logger     *zap.Logger

	maxSiblings int
}

type Option func(*Orchestrator)

// WithMaxSiblings bounds how many customer and category sibling threads
// the reply drafter sees.
func WithMaxSiblings(n int) Option {
	return func(o *Orchestrator) {
		if n >= 0 {
			o.maxSiblings = n
		}
	}
}

func New(
	store storage.Storage,
	clf *classifier.Classifier,
	drafter classifier.ReplyDrafter,
	scheduler *assignment.Scheduler,
	events EventSender,
	logger *zap.Logger,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		store:       store,
		classifier:  clf,
		drafter:     drafter,
		scheduler:   scheduler,
		events:      events,
		logger:      logger,
		maxSiblings: 5,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ClassifyOne tags a thread, creating a category when none fits. The thread
// is written only if its category actually changes.
func (o *Orchestrator) ClassifyOne(ctx context.Context, threadID string) (models.Outcome, error) {
	thread, err := o.store.GetThread(ctx, threadID)
	if errors.Is(err, models.ErrThreadNotFound) {
		o.logger.Warn("Thread vanished before classification", zap.String("thread_id", threadID))
		return models.OutcomeSkipped, nil
	}
	if err != nil {
		return models.OutcomeFailed, fmt.Errorf("error loading thread %s: %w", threadID, err)
	}
	return o.autoTag(ctx, thread)
}

// autoTag classifies a loaded thread and updates thread.CategoryID on success.
func (o *Orchestrator) autoTag(ctx context.Context, thread *models.Thread) (models.Outcome, error) {
	categories, err := o.store.ListCategories(ctx)
	if err != nil {
		return models.OutcomeFailed, fmt.Errorf("error listing categories: %w", err)
	}

	result, err := o.classifier.Classify(ctx, thread, categories)
	if err != nil {
		return models.OutcomeFailed, err
	}
	next := models.Ref(result.CategoryID)
	if models.SameRef(thread.CategoryID, next) {
		o.logger.Debug("Category unchanged",
			zap.String("thread_id", thread.ID),
			zap.String("category_id", result.CategoryID))
		return models.OutcomeSkipped, nil
	}

	err = o.store.SetThreadCategory(ctx, thread.ID, thread.CategoryID, next)
	if errors.Is(err, models.ErrStaleThread) {
		o.logger.Info("Thread category changed concurrently, leaving it",
			zap.String("thread_id", thread.ID))
		return models.OutcomeSkipped, nil
	}
	if err != nil {
		return models.OutcomeFailed, fmt.Errorf("error saving category of thread %s: %w", thread.ID, err)
	}

	o.logger.Info("Classified thread",
		zap.String("thread_id", thread.ID),
		zap.String("previous_category_id", models.Deref(thread.CategoryID)),
		zap.String("category_id", result.CategoryID),
		zap.Bool("created", result.Created != nil),
		zap.String("explanation", result.Explanation))
	thread.CategoryID = next
	return models.OutcomeProcessed, nil
}

// ReclassifyAll starts a fan-out over every thread and returns the batch as
// it stands once all units are enqueued.
func (o *Orchestrator) ReclassifyAll(ctx context.Context) (*models.BatchReport, error) {
	return o.reclassifyBatch(ctx, uuid.NewString())
}

// reclassifyBatch enqueues one reclassify unit per thread. A batch id that
// already exists keeps its total, so a redelivered coordinator only re-sends.
func (o *Orchestrator) reclassifyBatch(ctx context.Context, batchID string) (*models.BatchReport, error) {
	refs, err := o.store.ListThreadRefs(ctx)
	if err != nil {
		return nil, fmt.Errorf("error listing threads: %w", err)
	}
	if err := o.store.CreateBatch(ctx, batchID, len(refs)); err != nil {
		return nil, err
	}

	o.logger.Info("Reclassifying all threads",
		zap.String("batch_id", batchID),
		zap.Int("threads", len(refs)))

	for _, ref := range refs {
		payload := ReclassifyPayload{
			BatchID:            batchID,
			ThreadID:           ref.ID,
			PreviousCategoryID: ref.CategoryID,
		}
		if _, err := o.events.Send(ctx, EventReclassify, payload); err != nil {
			o.logger.Error("Failed to enqueue reclassification",
				zap.Error(err),
				zap.String("batch_id", batchID),
				zap.String("thread_id", ref.ID))
			o.recordOutcome(ctx, batchID, ref.ID, models.OutcomeFailed)
		}
	}
	return o.store.GetBatch(ctx, batchID)
}

// Reclassify is one fanned-out unit. It never creates categories: when no
// existing category matches, the thread's category is cleared.
func (o *Orchestrator) Reclassify(ctx context.Context, batchID, threadID string, previous *string) (models.Outcome, error) {
	outcome, err := o.reclassify(ctx, threadID, previous)
	if err != nil {
		return outcome, err
	}
	if batchID != "" {
		if err := o.store.RecordBatchOutcome(ctx, batchID, threadID, outcome); err != nil {
			return outcome, fmt.Errorf("error recording outcome of %s: %w", threadID, err)
		}
	}
	return outcome, nil
}

func (o *Orchestrator) reclassify(ctx context.Context, threadID string, previous *string) (models.Outcome, error) {
	thread, err := o.store.GetThread(ctx, threadID)
	if errors.Is(err, models.ErrThreadNotFound) {
		o.logger.Warn("Thread vanished before reclassification", zap.String("thread_id", threadID))
		return models.OutcomeSkipped, nil
	}
	if err != nil {
		return models.OutcomeFailed, fmt.Errorf("error loading thread %s: %w", threadID, err)
	}

	categories, err := o.store.ListCategories(ctx)
	if err != nil {
		return models.OutcomeFailed, fmt.Errorf("error listing categories: %w", err)
	}
	next, explanation, err := o.classifier.Match(ctx, thread, categories)
	if err != nil {
		return models.OutcomeFailed, err
	}
	if models.SameRef(thread.CategoryID, next) {
		return models.OutcomeSkipped, nil
	}

	err = o.store.SetThreadCategory(ctx, threadID, previous, next)
	if errors.Is(err, models.ErrStaleThread) {
		o.logger.Info("Thread category changed since enumeration, leaving it",
			zap.String("thread_id", threadID),
			zap.String("previous_category_id", models.Deref(previous)))
		return models.OutcomeSkipped, nil
	}
	if err != nil {
		return models.OutcomeFailed, fmt.Errorf("error saving category of thread %s: %w", threadID, err)
	}

	o.logger.Info("Reclassified thread",
		zap.String("thread_id", threadID),
		zap.String("previous_category_id", models.Deref(previous)),
		zap.String("category_id", models.Deref(next)),
		zap.String("explanation", explanation))
	return models.OutcomeProcessed, nil
}

func (o *Orchestrator) BatchStatus(ctx context.Context, batchID string) (*models.BatchReport, error) {
	return o.store.GetBatch(ctx, batchID)
}

func (o *Orchestrator) recordOutcome(ctx context.Context, batchID, threadID string, outcome models.Outcome) {
	if batchID == "" {
		return
	}
	if err := o.store.RecordBatchOutcome(ctx, batchID, threadID, outcome); err != nil {
		o.logger.Error("Failed to record batch outcome",
			zap.Error(err),
			zap.String("batch_id", batchID),
			zap.String("thread_id", threadID))
		return
	}

	report, err := o.store.GetBatch(ctx, batchID)
	if err != nil || !report.Done() {
		return
	}
	o.logger.Info("Reclassify batch finished",
		zap.String("batch_id", batchID),
		zap.Int("total", report.Total),
		zap.Int("processed", report.Processed),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed))
}

// ReplyOrEscalate drafts an answer for an open, unassigned thread. A drafted
// reply is stored as AI messages; an escalation stores the holding message
// and hands the thread to staff. attemptKey makes the stored messages
// idempotent across retries of the same attempt.
func (o *Orchestrator) ReplyOrEscalate(ctx context.Context, threadID, attemptKey string) (models.Outcome, error) {
	thread, err := o.store.GetThread(ctx, threadID)
	if errors.Is(err, models.ErrThreadNotFound) {
		o.logger.Warn("Thread vanished before reply", zap.String("thread_id", threadID))
		return models.OutcomeSkipped, nil
	}
	if err != nil {
		return models.OutcomeFailed, fmt.Errorf("error loading thread %s: %w", threadID, err)
	}

	switch {
	case thread.Status == models.StatusClosed || thread.Status == models.StatusSpam:
		o.logger.Info("Skipping reply, thread not open",
			zap.String("thread_id", threadID),
			zap.String("status", string(thread.Status)))
		return models.OutcomeSkipped, nil
	case thread.AssignedStaffID != nil:
		o.logger.Info("Skipping reply, thread already assigned",
			zap.String("thread_id", threadID),
			zap.String("staff_id", *thread.AssignedStaffID))
		return models.OutcomeSkipped, nil
	case len(thread.Messages) == 0:
		return models.OutcomeFailed, fmt.Errorf("reply to thread %s: %w", threadID, models.ErrEmptyThread)
	}

	if attemptKey == "" {
		attemptKey = uuid.NewString()
	}
	if action, ok := storedAction(thread, attemptKey); ok {
		o.logger.Info("Resuming stored reply attempt",
			zap.String("thread_id", threadID),
			zap.String("attempt_key", attemptKey),
			zap.String("action", string(action)))
		if action == classifier.ActionReply {
			return models.OutcomeReplied, nil
		}
		return o.escalate(ctx, thread)
	}

	if thread.CategoryID == nil {
		outcome, err := o.autoTag(ctx, thread)
		if err != nil {
			return models.OutcomeFailed, err
		}
		if outcome == models.OutcomeSkipped {
			// someone else may have tagged it meanwhile
			if thread, err = o.store.GetThread(ctx, threadID); err != nil {
				return models.OutcomeFailed, fmt.Errorf("error reloading thread %s: %w", threadID, err)
			}
		}
	}

	rc, err := o.replyContext(ctx, thread)
	if err != nil {
		return models.OutcomeFailed, err
	}
	draft, err := o.drafter.DraftReply(ctx, rc)
	if err != nil {
		return models.OutcomeFailed, fmt.Errorf("draft reply for %s: %w", threadID, err)
	}
	draft, err = classifier.ValidateReply(draft)
	if err != nil {
		return models.OutcomeFailed, fmt.Errorf("draft reply for %s: %w", threadID, err)
	}

	messages := make([]models.Message, 0, len(draft.Messages))
	for i, content := range draft.Messages {
		key := attemptMessageKey(attemptKey, draft.Action, i)
		messages = append(messages, models.Message{
			Content:        content,
			Type:           models.AIMessage,
			IdempotencyKey: &key,
		})
	}
	if len(messages) > 0 {
		inserted, err := o.store.AppendMessages(ctx, threadID, messages)
		if err != nil {
			return models.OutcomeFailed, fmt.Errorf("error saving reply for %s: %w", threadID, err)
		}
		o.logger.Info("Stored AI messages",
			zap.String("thread_id", threadID),
			zap.String("action", string(draft.Action)),
			zap.Int("drafted", len(messages)),
			zap.Int("inserted", inserted))
	}

	if draft.Action == classifier.ActionReply {
		return models.OutcomeReplied, nil
	}
	return o.escalate(ctx, thread)
}

func (o *Orchestrator) escalate(ctx context.Context, thread *models.Thread) (models.Outcome, error) {
	staffID, err := o.scheduler.AssignNext(ctx, thread)
	if errors.Is(err, models.ErrNoStaffAvailable) {
		o.logger.Warn("No staff available for escalation",
			zap.String("thread_id", thread.ID),
			zap.String("category_id", models.Deref(thread.CategoryID)))
		return models.OutcomeSkipped, nil
	}
	if err != nil {
		return models.OutcomeFailed, fmt.Errorf("escalate thread %s: %w", thread.ID, err)
	}

	o.logger.Info("Escalated thread",
		zap.String("thread_id", thread.ID),
		zap.String("staff_id", staffID))
	return models.OutcomeEscalated, nil
}

// AI message keys are attemptKey:action:index, so a retried attempt can tell
// what it already told the customer.
func attemptMessageKey(attemptKey string, action classifier.ReplyAction, i int) string {
	return attemptKey + ":" + string(action) + ":" + strconv.Itoa(i)
}

func storedAction(thread *models.Thread, attemptKey string) (classifier.ReplyAction, bool) {
	prefix := attemptKey + ":"
	for _, m := range thread.Messages {
		key := models.Deref(m.IdempotencyKey)
		if m.Type != models.AIMessage || !strings.HasPrefix(key, prefix) {
			continue
		}
		action, _, _ := strings.Cut(strings.TrimPrefix(key, prefix), ":")
		switch classifier.ReplyAction(action) {
		case classifier.ActionReply, classifier.ActionEscalate:
			return classifier.ReplyAction(action), true
		}
	}
	return "", false
}

// replyContext gathers what the drafter sees: the thread oldest message
// first, sibling threads newest message first.
func (o *Orchestrator) replyContext(ctx context.Context, thread *models.Thread) (classifier.ReplyContext, error) {
	rc := classifier.ReplyContext{
		Thread:          thread,
		CustomerThreads: []models.Thread{},
		CategoryThreads: []models.Thread{},
	}

	if thread.CategoryID != nil {
		category, err := o.store.GetCategory(ctx, *thread.CategoryID)
		switch {
		case err == nil:
			rc.Category = category
		case !errors.Is(err, models.ErrCategoryNotFound):
			return rc, fmt.Errorf("error loading category: %w", err)
		}

		siblings, err := o.store.ListThreadsByCategory(ctx, *thread.CategoryID, thread.ID, o.maxSiblings)
		if err != nil {
			return rc, fmt.Errorf("error loading category threads: %w", err)
		}
		rc.CategoryThreads = newestFirst(siblings)
	}

	if thread.CustomerID != nil {
		customer, err := o.store.GetCustomer(ctx, *thread.CustomerID)
		switch {
		case err == nil:
			rc.Customer = customer
		case !errors.Is(err, storage.ErrNotFound):
			return rc, fmt.Errorf("error loading customer: %w", err)
		}

		siblings, err := o.store.ListThreadsByCustomer(ctx, *thread.CustomerID, thread.ID, o.maxSiblings)
		if err != nil {
			return rc, fmt.Errorf("error loading customer threads: %w", err)
		}
		rc.CustomerThreads = newestFirst(siblings)
	}
	return rc, nil
}

// newestFirst reverses each thread's messages in place.
func newestFirst(threads []models.Thread) []models.Thread {
	for i := range threads {
		msgs := threads[i].Messages
		for l, r := 0, len(msgs)-1; l < r; l, r = l+1, r-1 {
			msgs[l], msgs[r] = msgs[r], msgs[l]
		}
	}
	return threads
}
