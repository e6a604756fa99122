package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xaenox/helpdesk/internal/models"
)

type MemoryStorage struct {
	mu         sync.RWMutex
	categories map[string]*models.Category
	threads    map[string]*models.Thread
	messages   map[string][]models.Message
	teams      map[string]*models.Team
	staff      map[string]*models.Staff
	customers  map[string]*models.Customer
	counters   map[string]int64
	batches    map[string]*memoryBatch

	scopeMu    sync.Mutex
	scopeLocks map[string]*sync.Mutex

	now func() time.Time
}

type memoryBatch struct {
	total     int
	createdAt time.Time
	outcomes  map[string]models.Outcome
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		categories: make(map[string]*models.Category),
		threads:    make(map[string]*models.Thread),
		messages:   make(map[string][]models.Message),
		teams:      make(map[string]*models.Team),
		staff:      make(map[string]*models.Staff),
		customers:  make(map[string]*models.Customer),
		counters:   make(map[string]int64),
		batches:    make(map[string]*memoryBatch),
		scopeLocks: make(map[string]*sync.Mutex),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Category methods
func (s *MemoryStorage) ListCategories(ctx context.Context) ([]models.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]models.Category, 0, len(s.categories))
	for _, c := range s.categories {
		result = append(result, *c)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Title != result[j].Title {
			return result[i].Title < result[j].Title
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (s *MemoryStorage) GetCategory(ctx context.Context, id string) (*models.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, exists := s.categories[id]
	if !exists {
		return nil, models.ErrCategoryNotFound
	}
	copied := *c
	return &copied, nil
}

func (s *MemoryStorage) CreateCategory(ctx context.Context, title, description string, teamID *string) (*models.Category, error) {
	title, description, err := validateCategory(title, description)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	c := &models.Category{
		ID:          uuid.NewString(),
		Title:       title,
		Description: description,
		TeamID:      copyRef(teamID),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.categories[c.ID] = c
	copied := *c
	return &copied, nil
}

func (s *MemoryStorage) SetCategoryTeam(ctx context.Context, id string, teamID *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, exists := s.categories[id]
	if !exists {
		return models.ErrCategoryNotFound
	}
	c.TeamID = copyRef(teamID)
	c.UpdatedAt = s.now()
	return nil
}

// Thread methods
func (s *MemoryStorage) CreateThread(ctx context.Context, thread *models.Thread) error {
	if err := prepareThread(thread, s.now()); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *thread
	stored.Messages = nil
	s.threads[thread.ID] = &stored
	s.appendLocked(thread.ID, thread.Messages)
	return nil
}

func (s *MemoryStorage) GetThread(ctx context.Context, id string) (*models.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, exists := s.threads[id]
	if !exists {
		return nil, models.ErrThreadNotFound
	}
	return s.snapshotLocked(t), nil
}

func (s *MemoryStorage) ListThreadRefs(ctx context.Context) ([]models.ThreadRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	refs := make([]models.ThreadRef, 0, len(s.threads))
	for _, t := range s.threads {
		refs = append(refs, models.ThreadRef{ID: t.ID, CategoryID: copyRef(t.CategoryID)})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
	return refs, nil
}

func (s *MemoryStorage) SetThreadCategory(ctx context.Context, threadID string, expected, next *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.threads[threadID]
	if !exists {
		return models.ErrThreadNotFound
	}
	if !models.SameRef(t.CategoryID, expected) {
		return models.ErrStaleThread
	}
	if next != nil {
		if _, ok := s.categories[*next]; !ok {
			return models.ErrCategoryNotFound
		}
	}
	t.CategoryID = copyRef(next)
	t.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStorage) SetThreadStatus(ctx context.Context, threadID string, status models.ThreadStatus) error {
	if err := validateStatus(status); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.threads[threadID]
	if !exists {
		return models.ErrThreadNotFound
	}
	t.Status = status
	t.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStorage) AppendMessages(ctx context.Context, threadID string, messages []models.Message) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.threads[threadID]
	if !exists {
		return 0, models.ErrThreadNotFound
	}
	now := s.now()
	for i := range messages {
		if err := prepareMessage(&messages[i], threadID, now); err != nil {
			return 0, err
		}
	}
	inserted := s.appendLocked(threadID, messages)
	if inserted > 0 {
		t.UpdatedAt = now
	}
	return inserted, nil
}

func (s *MemoryStorage) appendLocked(threadID string, messages []models.Message) int {
	existing := s.messages[threadID]
	inserted := 0
	for _, m := range messages {
		if m.IdempotencyKey != nil && hasKey(existing, *m.IdempotencyKey) {
			continue
		}
		existing = append(existing, m)
		inserted++
	}
	sort.SliceStable(existing, func(i, j int) bool {
		return existing[i].CreatedAt.Before(existing[j].CreatedAt)
	})
	s.messages[threadID] = existing
	return inserted
}

func hasKey(messages []models.Message, key string) bool {
	for _, m := range messages {
		if m.IdempotencyKey != nil && *m.IdempotencyKey == key {
			return true
		}
	}
	return false
}

func (s *MemoryStorage) ListThreadsByCustomer(ctx context.Context, customerID, excludeID string, limit int) ([]models.Thread, error) {
	return s.listThreads(func(t *models.Thread) bool {
		return t.ID != excludeID && models.Deref(t.CustomerID) == customerID
	}, limit), nil
}

func (s *MemoryStorage) ListThreadsByCategory(ctx context.Context, categoryID, excludeID string, limit int) ([]models.Thread, error) {
	return s.listThreads(func(t *models.Thread) bool {
		return t.ID != excludeID && models.Deref(t.CategoryID) == categoryID
	}, limit), nil
}

func (s *MemoryStorage) listThreads(match func(*models.Thread) bool, limit int) []models.Thread {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]models.Thread, 0)
	for _, t := range s.threads {
		if match(t) {
			result = append(result, *s.snapshotLocked(t))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].UpdatedAt.Equal(result[j].UpdatedAt) {
			return result[i].UpdatedAt.After(result[j].UpdatedAt)
		}
		return result[i].ID < result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

func (s *MemoryStorage) snapshotLocked(t *models.Thread) *models.Thread {
	copied := *t
	copied.CustomerID = copyRef(t.CustomerID)
	copied.CategoryID = copyRef(t.CategoryID)
	copied.AssignedStaffID = copyRef(t.AssignedStaffID)
	copied.Messages = append([]models.Message(nil), s.messages[t.ID]...)
	return &copied
}

// Directory methods
func (s *MemoryStorage) CreateTeam(ctx context.Context, name string) (*models.Team, error) {
	if name == "" {
		return nil, models.NewValidationError("name", "must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	team := &models.Team{ID: uuid.NewString(), Name: name, CreatedAt: s.now()}
	s.teams[team.ID] = team
	copied := *team
	return &copied, nil
}

func (s *MemoryStorage) CreateStaff(ctx context.Context, staff *models.Staff) error {
	if err := prepareStaff(staff, s.now()); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *staff
	s.staff[staff.ID] = &stored
	return nil
}

func (s *MemoryStorage) GetStaff(ctx context.Context, id string) (*models.Staff, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, exists := s.staff[id]
	if !exists {
		return nil, ErrNotFound
	}
	copied := *st
	return &copied, nil
}

func (s *MemoryStorage) CreateCustomer(ctx context.Context, customer *models.Customer) error {
	if customer.ID == "" {
		customer.ID = uuid.NewString()
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *customer
	s.customers[customer.ID] = &stored
	return nil
}

func (s *MemoryStorage) GetCustomer(ctx context.Context, id string) (*models.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, exists := s.customers[id]
	if !exists {
		return nil, ErrNotFound
	}
	copied := *c
	return &copied, nil
}

// Batch methods
func (s *MemoryStorage) CreateBatch(ctx context.Context, id string, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.batches[id]; exists {
		return nil
	}
	s.batches[id] = &memoryBatch{total: total, createdAt: s.now(), outcomes: make(map[string]models.Outcome)}
	return nil
}

func (s *MemoryStorage) RecordBatchOutcome(ctx context.Context, batchID, threadID string, outcome models.Outcome) error {
	if err := validateBatchOutcome(outcome); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b, exists := s.batches[batchID]
	if !exists {
		return ErrNotFound
	}
	b.outcomes[threadID] = outcome
	return nil
}

func (s *MemoryStorage) GetBatch(ctx context.Context, id string) (*models.BatchReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, exists := s.batches[id]
	if !exists {
		return nil, ErrNotFound
	}
	report := &models.BatchReport{ID: id, Total: b.total, CreatedAt: b.createdAt}
	for _, outcome := range b.outcomes {
		countOutcome(report, outcome, 1)
	}
	report.Pending = pending(report)
	return report, nil
}

// WithScopeLock serialises callers of the same scope on a per-scope mutex.
// Writes made through the transaction are applied only if fn succeeds.
func (s *MemoryStorage) WithScopeLock(ctx context.Context, scope string, fn func(tx AssignmentTx) error) error {
	lock := s.scopeLock(scope)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memoryAssignmentTx{s: s, scope: scope}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

func (s *MemoryStorage) scopeLock(scope string) *sync.Mutex {
	s.scopeMu.Lock()
	defer s.scopeMu.Unlock()

	lock, exists := s.scopeLocks[scope]
	if !exists {
		lock = &sync.Mutex{}
		s.scopeLocks[scope] = lock
	}
	return lock
}

func (s *MemoryStorage) Close() error {
	// Nothing to close for in-memory storage
	return nil
}

type memoryAssignmentTx struct {
	s     *MemoryStorage
	scope string

	counter    *int64
	threadID   string
	staffID    string
	assignedAt time.Time
}

func (tx *memoryAssignmentTx) Roster(ctx context.Context) ([]models.Staff, error) {
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()

	teamID, scoped := teamFromScope(tx.scope)
	roster := make([]models.Staff, 0)
	for _, st := range tx.s.staff {
		if scoped && models.Deref(st.TeamID) != teamID {
			continue
		}
		roster = append(roster, *st)
	}
	sortRoster(roster)
	return roster, nil
}

func (tx *memoryAssignmentTx) Counter(ctx context.Context) (int64, error) {
	if tx.counter != nil {
		return *tx.counter, nil
	}
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()

	value, exists := tx.s.counters[tx.scope]
	if !exists {
		tx.s.counters[tx.scope] = 0
	}
	return value, nil
}

func (tx *memoryAssignmentTx) Thread(ctx context.Context, id string) (*models.Thread, error) {
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()

	t, exists := tx.s.threads[id]
	if !exists {
		return nil, models.ErrThreadNotFound
	}
	copied := *t
	return &copied, nil
}

func (tx *memoryAssignmentTx) AssignThread(ctx context.Context, threadID, staffID string, at time.Time) error {
	tx.threadID = threadID
	tx.staffID = staffID
	tx.assignedAt = at
	return nil
}

func (tx *memoryAssignmentTx) SetCounter(ctx context.Context, next int64) error {
	tx.counter = &next
	return nil
}

func (tx *memoryAssignmentTx) commit() error {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()

	if tx.threadID != "" {
		t, exists := tx.s.threads[tx.threadID]
		if !exists {
			return models.ErrThreadNotFound
		}
		if t.AssignedStaffID != nil {
			return fmt.Errorf("%w: thread %s already assigned", models.ErrAssignmentConflict, tx.threadID)
		}
		staffID := tx.staffID
		assignedAt := tx.assignedAt
		t.AssignedStaffID = &staffID
		t.AssignedAt = &assignedAt
		t.UpdatedAt = assignedAt
	}
	if tx.counter != nil {
		tx.s.counters[tx.scope] = *tx.counter
	}
	return nil
}

func (s *MemoryStorage) GetRoundRobinState(ctx context.Context, scope string) (*models.RoundRobinState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, exists := s.counters[scope]
	if !exists {
		return nil, ErrNotFound
	}
	return &models.RoundRobinState{Scope: scope, NextIndex: value}, nil
}
