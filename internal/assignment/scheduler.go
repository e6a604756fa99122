package assignment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xaenox/helpdesk/internal/models"
	"github.com/xaenox/helpdesk/internal/notify"
	"github.com/xaenox/helpdesk/internal/storage"
	"go.uber.org/zap"
)

// Scheduler hands threads to staff in a fair rotation, one rotation per scope.
// A scope is the owning team of the thread's category, or the global pool.
type Scheduler struct {
	store    storage.Storage
	notifier notify.Notifier
	logger   *zap.Logger
	now      func() time.Time
}

type Option func(*Scheduler)

func WithNotifier(n notify.Notifier) Option {
	return func(s *Scheduler) { s.notifier = n }
}

// WithClock overrides the assignment timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func NewScheduler(store storage.Storage, logger *zap.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:    store,
		notifier: notify.NopNotifier{},
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scope returns the rotation scope of a thread.
func (s *Scheduler) Scope(ctx context.Context, thread *models.Thread) (string, error) {
	if thread.CategoryID == nil {
		return models.GlobalScope, nil
	}
	category, err := s.store.GetCategory(ctx, *thread.CategoryID)
	if errors.Is(err, models.ErrCategoryNotFound) {
		return models.GlobalScope, nil
	}
	if err != nil {
		return "", fmt.Errorf("error resolving scope: %w", err)
	}
	if category.TeamID == nil || *category.TeamID == "" {
		return models.GlobalScope, nil
	}
	return *category.TeamID, nil
}

// errScopeMoved means the thread's category changed between resolving its
// scope and locking it.
var errScopeMoved = fmt.Errorf("%w: thread category changed", models.ErrAssignmentConflict)

const maxScopeAttempts = 3

// AssignNext assigns the thread to the next staff member of its scope and
// returns the staff id. The scope comes from the stored thread, not the
// caller's copy. A thread that already has staff keeps it and the rotation
// does not advance, so redelivered calls are harmless.
func (s *Scheduler) AssignNext(ctx context.Context, thread *models.Thread) (string, error) {
	for attempt := 1; ; attempt++ {
		staffID, err := s.assignNext(ctx, thread.ID)
		if errors.Is(err, errScopeMoved) && attempt < maxScopeAttempts {
			s.logger.Info("Thread category moved while assigning, retrying",
				zap.String("thread_id", thread.ID),
				zap.Int("attempt", attempt))
			continue
		}
		return staffID, err
	}
}

func (s *Scheduler) assignNext(ctx context.Context, threadID string) (string, error) {
	stored, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return "", err
	}
	scope, err := s.Scope(ctx, stored)
	if err != nil {
		return "", err
	}

	var (
		staff    models.Staff
		assigned bool
	)
	err = s.store.WithScopeLock(ctx, scope, func(tx storage.AssignmentTx) error {
		current, err := tx.Thread(ctx, threadID)
		if err != nil {
			return err
		}
		if current.AssignedStaffID != nil {
			staff = models.Staff{ID: *current.AssignedStaffID}
			return nil
		}
		if !models.SameRef(current.CategoryID, stored.CategoryID) {
			return errScopeMoved
		}

		roster, err := tx.Roster(ctx)
		if err != nil {
			return err
		}
		if len(roster) == 0 {
			return fmt.Errorf("scope %s: %w", scope, models.ErrNoStaffAvailable)
		}

		counter, err := tx.Counter(ctx)
		if err != nil {
			return err
		}
		staff = roster[counter%int64(len(roster))]

		if err := tx.AssignThread(ctx, threadID, staff.ID, s.now()); err != nil {
			return err
		}
		assigned = true
		return tx.SetCounter(ctx, counter+1)
	})
	if err != nil {
		return "", err
	}

	if !assigned {
		fields := []zap.Field{zap.String("thread_id", threadID), zap.String("staff_id", staff.ID)}
		if member, err := s.store.GetStaff(ctx, staff.ID); err == nil {
			fields = append(fields, zap.String("staff_name", member.Name))
		}
		s.logger.Info("Thread already assigned", fields...)
		return staff.ID, nil
	}

	s.logger.Info("Assigned thread",
		zap.String("thread_id", threadID),
		zap.String("staff_id", staff.ID),
		zap.String("scope", scope))

	if err := s.notifier.NotifyAssignment(ctx, &staff, stored); err != nil {
		s.logger.Warn("Failed to notify staff",
			zap.Error(err),
			zap.String("staff_id", staff.ID),
			zap.String("thread_id", threadID))
	}
	return staff.ID, nil
}
