package assignment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xaenox/helpdesk/internal/models"
	"github.com/xaenox/helpdesk/internal/storage"
)

func backends(t *testing.T) map[string]storage.Storage {
	sqlite, err := storage.NewSQLiteStorage(":memory:", 3, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	return map[string]storage.Storage{
		"memory": storage.NewMemoryStorage(),
		"sqlite": sqlite,
	}
}

func forEachBackend(t *testing.T, test func(t *testing.T, store storage.Storage)) {
	for name, store := range backends(t) {
		store := store
		t.Run(name, func(t *testing.T) { test(t, store) })
	}
}

type recordingNotifier struct {
	mu       sync.Mutex
	notified []string
	err      error
}

func (n *recordingNotifier) NotifyAssignment(ctx context.Context, staff *models.Staff, thread *models.Thread) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notified = append(n.notified, staff.ID+"/"+thread.ID)
	return n.err
}

func addStaff(t *testing.T, store storage.Storage, teamID *string, names ...string) []string {
	t.Helper()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ids := make([]string, 0, len(names))
	for i, name := range names {
		st := &models.Staff{Name: name, TeamID: teamID, CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		require.NoError(t, store.CreateStaff(context.Background(), st))
		ids = append(ids, st.ID)
	}
	return ids
}

func addThread(t *testing.T, store storage.Storage, categoryID *string) *models.Thread {
	t.Helper()
	thread := &models.Thread{
		Subject:    "help",
		CategoryID: categoryID,
		Messages:   []models.Message{{Content: "please help", Type: models.EmailMessage}},
	}
	require.NoError(t, store.CreateThread(context.Background(), thread))
	return thread
}

func TestAssignNextSequentialIsPermutation(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store storage.Storage) {
		ctx := context.Background()
		roster := addStaff(t, store, nil, "Ann", "Bob", "Cid", "Dee")
		scheduler := NewScheduler(store, zaptest.NewLogger(t))

		var got []string
		for range roster {
			staffID, err := scheduler.AssignNext(ctx, addThread(t, store, nil))
			require.NoError(t, err)
			got = append(got, staffID)
		}
		assert.Equal(t, roster, got)

		// the rotation wraps around
		staffID, err := scheduler.AssignNext(ctx, addThread(t, store, nil))
		require.NoError(t, err)
		assert.Equal(t, roster[0], staffID)
	})
}

func TestAssignNextConcurrentAssignsEachStaffOnce(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store storage.Storage) {
		ctx := context.Background()
		roster := addStaff(t, store, nil, "Ann", "Bob", "Cid", "Dee", "Eve", "Fay", "Gus", "Hal")
		scheduler := NewScheduler(store, zaptest.NewLogger(t))

		threads := make([]*models.Thread, len(roster))
		for i := range threads {
			threads[i] = addThread(t, store, nil)
		}

		var wg sync.WaitGroup
		results := make([]string, len(threads))
		errs := make([]error, len(threads))
		for i, thread := range threads {
			wg.Add(1)
			go func(i int, thread *models.Thread) {
				defer wg.Done()
				results[i], errs[i] = scheduler.AssignNext(ctx, thread)
			}(i, thread)
		}
		wg.Wait()

		for _, err := range errs {
			require.NoError(t, err)
		}
		assert.ElementsMatch(t, roster, results)

		state, err := store.GetRoundRobinState(ctx, models.GlobalScope)
		require.NoError(t, err)
		assert.Equal(t, int64(len(roster)), state.NextIndex)
	})
}

func TestAssignNextTeamScenario(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store storage.Storage) {
		ctx := context.Background()
		team, err := store.CreateTeam(ctx, "support")
		require.NoError(t, err)
		category, err := store.CreateCategory(ctx, "Billing", "Invoices.", &team.ID)
		require.NoError(t, err)
		staff := addStaff(t, store, &team.ID, "A", "B", "C")
		addStaff(t, store, nil, "Outsider")

		notifier := &recordingNotifier{}
		scheduler := NewScheduler(store, zaptest.NewLogger(t), WithNotifier(notifier))

		var got []string
		for i := 0; i < 3; i++ {
			thread := addThread(t, store, &category.ID)
			staffID, err := scheduler.AssignNext(ctx, thread)
			require.NoError(t, err)
			got = append(got, staffID)

			stored, err := store.GetThread(ctx, thread.ID)
			require.NoError(t, err)
			require.NotNil(t, stored.AssignedStaffID)
			assert.Equal(t, staffID, *stored.AssignedStaffID)
			assert.NotNil(t, stored.AssignedAt)
		}
		assert.Equal(t, staff, got)
		assert.Len(t, notifier.notified, 3)

		state, err := store.GetRoundRobinState(ctx, team.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(3), state.NextIndex)
	})
}

func TestAssignNextScopesAreIsolated(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store storage.Storage) {
		ctx := context.Background()
		teamA, err := store.CreateTeam(ctx, "a")
		require.NoError(t, err)
		teamB, err := store.CreateTeam(ctx, "b")
		require.NoError(t, err)
		catA, err := store.CreateCategory(ctx, "Billing", "Invoices.", &teamA.ID)
		require.NoError(t, err)
		catB, err := store.CreateCategory(ctx, "Shipping", "Parcels.", &teamB.ID)
		require.NoError(t, err)
		addStaff(t, store, &teamA.ID, "A1", "A2")
		staffB := addStaff(t, store, &teamB.ID, "B1", "B2")
		scheduler := NewScheduler(store, zaptest.NewLogger(t))

		for i := 0; i < 3; i++ {
			_, err := scheduler.AssignNext(ctx, addThread(t, store, &catA.ID))
			require.NoError(t, err)
		}

		staffID, err := scheduler.AssignNext(ctx, addThread(t, store, &catB.ID))
		require.NoError(t, err)
		assert.Equal(t, staffB[0], staffID)

		stateA, err := store.GetRoundRobinState(ctx, teamA.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(3), stateA.NextIndex)
		stateB, err := store.GetRoundRobinState(ctx, teamB.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), stateB.NextIndex)
	})
}

func TestAssignNextNoStaff(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store storage.Storage) {
		ctx := context.Background()
		team, err := store.CreateTeam(ctx, "empty")
		require.NoError(t, err)
		category, err := store.CreateCategory(ctx, "Billing", "Invoices.", &team.ID)
		require.NoError(t, err)
		addStaff(t, store, nil, "Global")
		scheduler := NewScheduler(store, zaptest.NewLogger(t))

		thread := addThread(t, store, &category.ID)
		_, err = scheduler.AssignNext(ctx, thread)
		assert.ErrorIs(t, err, models.ErrNoStaffAvailable)

		stored, err := store.GetThread(ctx, thread.ID)
		require.NoError(t, err)
		assert.Nil(t, stored.AssignedStaffID)
	})
}

func TestAssignNextAlreadyAssignedKeepsStaff(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store storage.Storage) {
		ctx := context.Background()
		roster := addStaff(t, store, nil, "Ann", "Bob")
		notifier := &recordingNotifier{}
		scheduler := NewScheduler(store, zaptest.NewLogger(t), WithNotifier(notifier))

		thread := addThread(t, store, nil)
		first, err := scheduler.AssignNext(ctx, thread)
		require.NoError(t, err)
		second, err := scheduler.AssignNext(ctx, thread)
		require.NoError(t, err)

		assert.Equal(t, roster[0], first)
		assert.Equal(t, first, second)
		assert.Len(t, notifier.notified, 1)

		state, err := store.GetRoundRobinState(ctx, models.GlobalScope)
		require.NoError(t, err)
		assert.Equal(t, int64(1), state.NextIndex)
	})
}

func TestAssignNextUnknownThread(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store storage.Storage) {
		addStaff(t, store, nil, "Ann")
		scheduler := NewScheduler(store, zaptest.NewLogger(t))

		_, err := scheduler.AssignNext(context.Background(), &models.Thread{ID: "missing"})
		assert.ErrorIs(t, err, models.ErrThreadNotFound)
	})
}

func TestAssignNextUsesStoredCategory(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store storage.Storage) {
		ctx := context.Background()
		team, err := store.CreateTeam(ctx, "support")
		require.NoError(t, err)
		category, err := store.CreateCategory(ctx, "Billing", "Invoices.", &team.ID)
		require.NoError(t, err)
		addStaff(t, store, nil, "Global")
		member := addStaff(t, store, &team.ID, "Ann")[0]
		scheduler := NewScheduler(store, zaptest.NewLogger(t))

		thread := addThread(t, store, nil)
		require.NoError(t, store.SetThreadCategory(ctx, thread.ID, nil, &category.ID))

		// thread is the caller's copy from before the category was set
		staffID, err := scheduler.AssignNext(ctx, thread)
		require.NoError(t, err)
		assert.Equal(t, member, staffID)
	})
}

// movingStore sets the thread's category right before the first scope lock.
type movingStore struct {
	storage.Storage
	once       sync.Once
	threadID   string
	categoryID string
}

func (m *movingStore) WithScopeLock(ctx context.Context, scope string, fn func(tx storage.AssignmentTx) error) error {
	var err error
	m.once.Do(func() {
		err = m.Storage.SetThreadCategory(ctx, m.threadID, nil, &m.categoryID)
	})
	if err != nil {
		return err
	}
	return m.Storage.WithScopeLock(ctx, scope, fn)
}

func TestAssignNextRetriesWhenCategoryMoves(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store storage.Storage) {
		ctx := context.Background()
		team, err := store.CreateTeam(ctx, "support")
		require.NoError(t, err)
		category, err := store.CreateCategory(ctx, "Billing", "Invoices.", &team.ID)
		require.NoError(t, err)
		addStaff(t, store, nil, "Global")
		member := addStaff(t, store, &team.ID, "Ann")[0]

		thread := addThread(t, store, nil)
		moving := &movingStore{Storage: store, threadID: thread.ID, categoryID: category.ID}
		scheduler := NewScheduler(moving, zaptest.NewLogger(t))

		staffID, err := scheduler.AssignNext(ctx, thread)
		require.NoError(t, err)
		assert.Equal(t, member, staffID)

		state, err := store.GetRoundRobinState(ctx, models.GlobalScope)
		if err == nil {
			assert.Equal(t, int64(0), state.NextIndex, "the global rotation does not advance")
		} else {
			assert.ErrorIs(t, err, storage.ErrNotFound)
		}
	})
}

func TestNotifierFailureDoesNotFailAssignment(t *testing.T) {
	store := storage.NewMemoryStorage()
	roster := addStaff(t, store, nil, "Ann")
	notifier := &recordingNotifier{err: errors.New("telegram down")}
	scheduler := NewScheduler(store, zaptest.NewLogger(t), WithNotifier(notifier))

	staffID, err := scheduler.AssignNext(context.Background(), addThread(t, store, nil))
	require.NoError(t, err)
	assert.Equal(t, roster[0], staffID)
}

func TestScopeFallsBackToGlobal(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	scheduler := NewScheduler(store, zaptest.NewLogger(t))
	category, err := store.CreateCategory(ctx, "Billing", "Invoices.", nil)
	require.NoError(t, err)
	missing := "gone"

	for _, thread := range []*models.Thread{{}, {CategoryID: &category.ID}, {CategoryID: &missing}} {
		scope, err := scheduler.Scope(ctx, thread)
		require.NoError(t, err)
		assert.Equal(t, models.GlobalScope, scope)
	}
}
