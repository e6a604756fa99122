package storage

import (
	"context"
	"time"

	"github.com/xaenox/helpdesk/internal/models"
)

type Storage interface {
	CategoryStore
	ThreadRepository
	Directory
	BatchStore

	// WithScopeLock runs fn inside one transaction holding the lock of the
	// round-robin scope. Different scopes never share a lock.
	WithScopeLock(ctx context.Context, scope string, fn func(tx AssignmentTx) error) error
	GetRoundRobinState(ctx context.Context, scope string) (*models.RoundRobinState, error)

	Close() error
}

// CategoryStore is the append-only set of classification categories.
type CategoryStore interface {
	ListCategories(ctx context.Context) ([]models.Category, error)
	GetCategory(ctx context.Context, id string) (*models.Category, error)
	CreateCategory(ctx context.Context, title, description string, teamID *string) (*models.Category, error)
	SetCategoryTeam(ctx context.Context, id string, teamID *string) error
}

// ThreadRepository gives access to threads and their ordered messages.
// Messages are always returned ascending by creation time.
type ThreadRepository interface {
	CreateThread(ctx context.Context, thread *models.Thread) error
	GetThread(ctx context.Context, id string) (*models.Thread, error)
	ListThreadRefs(ctx context.Context) ([]models.ThreadRef, error)
	// SetThreadCategory writes next only if the stored category still equals expected.
	SetThreadCategory(ctx context.Context, threadID string, expected, next *string) error
	SetThreadStatus(ctx context.Context, threadID string, status models.ThreadStatus) error
	// AppendMessages inserts messages; a message with an IdempotencyKey is stored
	// at most once per thread. Returns the number actually inserted.
	AppendMessages(ctx context.Context, threadID string, messages []models.Message) (int, error)
	ListThreadsByCustomer(ctx context.Context, customerID, excludeID string, limit int) ([]models.Thread, error)
	ListThreadsByCategory(ctx context.Context, categoryID, excludeID string, limit int) ([]models.Thread, error)
}

type Directory interface {
	CreateTeam(ctx context.Context, name string) (*models.Team, error)
	CreateStaff(ctx context.Context, staff *models.Staff) error
	GetStaff(ctx context.Context, id string) (*models.Staff, error)
	CreateCustomer(ctx context.Context, customer *models.Customer) error
	GetCustomer(ctx context.Context, id string) (*models.Customer, error)
}

// BatchStore keeps one outcome per (batch, thread) so redelivered units never double count.
type BatchStore interface {
	CreateBatch(ctx context.Context, id string, total int) error
	RecordBatchOutcome(ctx context.Context, batchID, threadID string, outcome models.Outcome) error
	GetBatch(ctx context.Context, id string) (*models.BatchReport, error)
}

// AssignmentTx is the view of storage available while a scope lock is held.
type AssignmentTx interface {
	// Roster lists the staff of the locked scope ordered by creation.
	Roster(ctx context.Context) ([]models.Staff, error)
	// Counter returns the scope's next index, creating the state row if needed.
	Counter(ctx context.Context) (int64, error)
	Thread(ctx context.Context, id string) (*models.Thread, error)
	AssignThread(ctx context.Context, threadID, staffID string, at time.Time) error
	SetCounter(ctx context.Context, next int64) error
}

func teamFromScope(scope string) (string, bool) {
	if scope == models.GlobalScope {
		return "", false
	}
	return scope, true
}
