package storage

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xaenox/helpdesk/internal/models"
)

type storeFactory func(t *testing.T) Storage

func backends() map[string]storeFactory {
	factories := map[string]storeFactory{
		"memory": func(t *testing.T) Storage {
			return NewMemoryStorage()
		},
		"sqlite": func(t *testing.T) Storage {
			store, err := NewSQLiteStorage(":memory:", 3, zaptest.NewLogger(t))
			require.NoError(t, err)
			t.Cleanup(func() { store.Close() })
			return store
		},
	}
	if dsn := os.Getenv("HELPDESK_TEST_POSTGRES_DSN"); dsn != "" {
		factories["postgres"] = func(t *testing.T) Storage {
			store, err := OpenPostgres(dsn, 3, zaptest.NewLogger(t))
			require.NoError(t, err)
			_, err = store.db.Exec(`TRUNCATE reclassify_outcomes, reclassify_batches, round_robin_state,
				messages, threads, categories, staff, customers, teams`)
			require.NoError(t, err)
			t.Cleanup(func() { store.Close() })
			return store
		}
	}
	return factories
}

func forEachBackend(t *testing.T, test func(t *testing.T, store Storage)) {
	for name, factory := range backends() {
		factory := factory
		t.Run(name, func(t *testing.T) {
			test(t, factory(t))
		})
	}
}

func newThread(t *testing.T, store Storage, contents ...string) *models.Thread {
	t.Helper()
	thread := &models.Thread{Subject: "help"}
	base := time.Now().UTC().Add(-time.Hour)
	for i, content := range contents {
		thread.Messages = append(thread.Messages, models.Message{
			Content:   content,
			Type:      models.EmailMessage,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}
	require.NoError(t, store.CreateThread(context.Background(), thread))
	return thread
}

func TestCategories(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Storage) {
		ctx := context.Background()

		_, err := store.CreateCategory(ctx, "  ", "desc", nil)
		assert.ErrorIs(t, err, models.ErrValidation)
		_, err = store.CreateCategory(ctx, "Billing", "", nil)
		assert.ErrorIs(t, err, models.ErrValidation)

		shipping, err := store.CreateCategory(ctx, "Shipping", "Parcels that are late or lost.", nil)
		require.NoError(t, err)
		billing, err := store.CreateCategory(ctx, " Billing ", "Invoices and charges.", nil)
		require.NoError(t, err)
		assert.Equal(t, "Billing", billing.Title)

		categories, err := store.ListCategories(ctx)
		require.NoError(t, err)
		require.Len(t, categories, 2)
		assert.Equal(t, billing.ID, categories[0].ID)
		assert.Equal(t, shipping.ID, categories[1].ID)

		team, err := store.CreateTeam(ctx, "support")
		require.NoError(t, err)
		require.NoError(t, store.SetCategoryTeam(ctx, billing.ID, &team.ID))
		got, err := store.GetCategory(ctx, billing.ID)
		require.NoError(t, err)
		assert.Equal(t, team.ID, models.Deref(got.TeamID))

		assert.ErrorIs(t, store.SetCategoryTeam(ctx, "missing", nil), models.ErrCategoryNotFound)
		_, err = store.GetCategory(ctx, "missing")
		assert.ErrorIs(t, err, models.ErrCategoryNotFound)
	})
}

func TestThreadMessagesAreOrdered(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Storage) {
		ctx := context.Background()
		thread := newThread(t, store, "first", "second")

		_, err := store.AppendMessages(ctx, thread.ID, []models.Message{
			{Content: "reply", Type: models.StaffMessage},
		})
		require.NoError(t, err)

		got, err := store.GetThread(ctx, thread.ID)
		require.NoError(t, err)
		require.Len(t, got.Messages, 3)
		assert.Equal(t, "first", got.Messages[0].Content)
		assert.Equal(t, "second", got.Messages[1].Content)
		assert.Equal(t, "reply", got.Messages[2].Content)
		assert.Equal(t, models.StatusOpen, got.Status)
		assert.Equal(t, models.PriorityNonUrgent, got.Priority)
		assert.Equal(t, "second", got.LatestCustomerMessage().Content)

		_, err = store.GetThread(ctx, "missing")
		assert.ErrorIs(t, err, models.ErrThreadNotFound)
		_, err = store.AppendMessages(ctx, "missing", []models.Message{{Content: "x", Type: models.EmailMessage}})
		assert.ErrorIs(t, err, models.ErrThreadNotFound)
		_, err = store.AppendMessages(ctx, thread.ID, []models.Message{{Content: "x", Type: "fax"}})
		assert.ErrorIs(t, err, models.ErrValidation)
	})
}

func TestAppendMessagesIsIdempotentPerKey(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Storage) {
		ctx := context.Background()
		thread := newThread(t, store, "hello")

		key1, key2 := "evt-1:0", "evt-1:1"
		batch := func() []models.Message {
			return []models.Message{
				{Content: "We are on it.", Type: models.AIMessage, IdempotencyKey: &key1},
				{Content: "Expect a reply today.", Type: models.AIMessage, IdempotencyKey: &key2},
			}
		}

		n, err := store.AppendMessages(ctx, thread.ID, batch())
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		n, err = store.AppendMessages(ctx, thread.ID, batch())
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		got, err := store.GetThread(ctx, thread.ID)
		require.NoError(t, err)
		assert.Len(t, got.Messages, 3)
	})
}

func TestSetThreadCategoryCompareAndSet(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Storage) {
		ctx := context.Background()
		thread := newThread(t, store, "my invoice is wrong")
		billing, err := store.CreateCategory(ctx, "Billing", "Invoices and charges.", nil)
		require.NoError(t, err)
		refunds, err := store.CreateCategory(ctx, "Refunds", "Money back requests.", nil)
		require.NoError(t, err)

		require.NoError(t, store.SetThreadCategory(ctx, thread.ID, nil, &billing.ID))

		err = store.SetThreadCategory(ctx, thread.ID, nil, &refunds.ID)
		assert.ErrorIs(t, err, models.ErrStaleThread)

		require.NoError(t, store.SetThreadCategory(ctx, thread.ID, &billing.ID, nil))
		got, err := store.GetThread(ctx, thread.ID)
		require.NoError(t, err)
		assert.Nil(t, got.CategoryID)

		missing := "missing"
		assert.ErrorIs(t, store.SetThreadCategory(ctx, thread.ID, nil, &missing), models.ErrCategoryNotFound)
		assert.ErrorIs(t, store.SetThreadCategory(ctx, "missing", nil, &billing.ID), models.ErrThreadNotFound)

		refs, err := store.ListThreadRefs(ctx)
		require.NoError(t, err)
		require.Len(t, refs, 1)
		assert.Equal(t, thread.ID, refs[0].ID)
	})
}

func TestSetThreadStatus(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Storage) {
		ctx := context.Background()
		thread := newThread(t, store, "spam spam")

		require.NoError(t, store.SetThreadStatus(ctx, thread.ID, models.StatusSpam))
		got, err := store.GetThread(ctx, thread.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusSpam, got.Status)

		assert.ErrorIs(t, store.SetThreadStatus(ctx, thread.ID, "archived"), models.ErrValidation)
		assert.ErrorIs(t, store.SetThreadStatus(ctx, "missing", models.StatusClosed), models.ErrThreadNotFound)
	})
}

func TestSiblingThreads(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Storage) {
		ctx := context.Background()
		customer := &models.Customer{Name: "Ada", Email: "ada@example.com"}
		require.NoError(t, store.CreateCustomer(ctx, customer))
		category, err := store.CreateCategory(ctx, "Login", "Cannot sign in.", nil)
		require.NoError(t, err)

		base := time.Now().UTC().Add(-time.Hour)
		var ids []string
		for i := 0; i < 3; i++ {
			thread := &models.Thread{
				CustomerID: &customer.ID,
				CategoryID: &category.ID,
				CreatedAt:  base.Add(time.Duration(i) * time.Minute),
				Messages:   []models.Message{{Content: "locked out", Type: models.WidgetMessage}},
			}
			require.NoError(t, store.CreateThread(ctx, thread))
			ids = append(ids, thread.ID)
		}

		byCustomer, err := store.ListThreadsByCustomer(ctx, customer.ID, ids[2], 10)
		require.NoError(t, err)
		require.Len(t, byCustomer, 2)
		assert.Equal(t, ids[1], byCustomer[0].ID)
		assert.Equal(t, ids[0], byCustomer[1].ID)
		assert.Len(t, byCustomer[0].Messages, 1)

		byCategory, err := store.ListThreadsByCategory(ctx, category.ID, ids[0], 1)
		require.NoError(t, err)
		require.Len(t, byCategory, 1)
		assert.Equal(t, ids[2], byCategory[0].ID)

		got, err := store.GetCustomer(ctx, customer.ID)
		require.NoError(t, err)
		assert.Equal(t, "Ada", got.Name)
		_, err = store.GetCustomer(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestBatchOutcomesCountOncePerThread(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Storage) {
		ctx := context.Background()
		require.NoError(t, store.CreateBatch(ctx, "batch-1", 3))

		require.NoError(t, store.RecordBatchOutcome(ctx, "batch-1", "t1", models.OutcomeProcessed))
		require.NoError(t, store.RecordBatchOutcome(ctx, "batch-1", "t1", models.OutcomeProcessed))
		require.NoError(t, store.RecordBatchOutcome(ctx, "batch-1", "t2", models.OutcomeFailed))
		require.NoError(t, store.RecordBatchOutcome(ctx, "batch-1", "t2", models.OutcomeSkipped))

		report, err := store.GetBatch(ctx, "batch-1")
		require.NoError(t, err)
		assert.Equal(t, 3, report.Total)
		assert.Equal(t, 1, report.Processed)
		assert.Equal(t, 1, report.Skipped)
		assert.Equal(t, 0, report.Failed)
		assert.Equal(t, 1, report.Pending)
		assert.False(t, report.Done())

		assert.ErrorIs(t, store.RecordBatchOutcome(ctx, "missing", "t1", models.OutcomeSkipped), ErrNotFound)
		assert.ErrorIs(t, store.RecordBatchOutcome(ctx, "batch-1", "t1", models.OutcomeEscalated), models.ErrValidation)
		_, err = store.GetBatch(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestScopeLockRosterAndCounter(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Storage) {
		ctx := context.Background()
		team, err := store.CreateTeam(ctx, "support")
		require.NoError(t, err)

		base := time.Now().UTC().Add(-time.Hour)
		for i, name := range []string{"Ann", "Bob", "Cid"} {
			require.NoError(t, store.CreateStaff(ctx, &models.Staff{
				Name: name, TeamID: &team.ID, CreatedAt: base.Add(time.Duration(i) * time.Second),
			}))
		}
		require.NoError(t, store.CreateStaff(ctx, &models.Staff{Name: "Gus", CreatedAt: base}))

		_, err = store.GetRoundRobinState(ctx, team.ID)
		assert.ErrorIs(t, err, ErrNotFound)

		err = store.WithScopeLock(ctx, team.ID, func(tx AssignmentTx) error {
			roster, err := tx.Roster(ctx)
			require.NoError(t, err)
			require.Len(t, roster, 3)
			assert.Equal(t, "Ann", roster[0].Name)
			assert.Equal(t, "Cid", roster[2].Name)

			counter, err := tx.Counter(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(0), counter)
			return tx.SetCounter(ctx, counter+1)
		})
		require.NoError(t, err)

		state, err := store.GetRoundRobinState(ctx, team.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), state.NextIndex)

		err = store.WithScopeLock(ctx, models.GlobalScope, func(tx AssignmentTx) error {
			roster, err := tx.Roster(ctx)
			require.NoError(t, err)
			assert.Len(t, roster, 4)
			return nil
		})
		require.NoError(t, err)
	})
}

func TestScopeLockRollsBackOnError(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Storage) {
		ctx := context.Background()
		thread := newThread(t, store, "hi")
		staff := &models.Staff{Name: "Ann"}
		require.NoError(t, store.CreateStaff(ctx, staff))

		boom := errors.New("boom")
		err := store.WithScopeLock(ctx, models.GlobalScope, func(tx AssignmentTx) error {
			require.NoError(t, tx.AssignThread(ctx, thread.ID, staff.ID, time.Now().UTC()))
			require.NoError(t, tx.SetCounter(ctx, 5))
			return boom
		})
		assert.ErrorIs(t, err, boom)

		got, err := store.GetThread(ctx, thread.ID)
		require.NoError(t, err)
		assert.Nil(t, got.AssignedStaffID)

		state, err := store.GetRoundRobinState(ctx, models.GlobalScope)
		if err == nil {
			assert.Equal(t, int64(0), state.NextIndex)
		} else {
			assert.ErrorIs(t, err, ErrNotFound)
		}
	})
}

func TestScopeLockRefusesToReassign(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Storage) {
		ctx := context.Background()
		thread := newThread(t, store, "hi")
		ann := &models.Staff{Name: "Ann"}
		require.NoError(t, store.CreateStaff(ctx, ann))
		bob := &models.Staff{Name: "Bob"}
		require.NoError(t, store.CreateStaff(ctx, bob))

		err := store.WithScopeLock(ctx, models.GlobalScope, func(tx AssignmentTx) error {
			return tx.AssignThread(ctx, thread.ID, ann.ID, time.Now().UTC())
		})
		require.NoError(t, err)

		// a second scope that still believes the thread is free
		err = store.WithScopeLock(ctx, "team-a", func(tx AssignmentTx) error {
			return tx.AssignThread(ctx, thread.ID, bob.ID, time.Now().UTC())
		})
		assert.ErrorIs(t, err, models.ErrAssignmentConflict)

		got, err := store.GetThread(ctx, thread.ID)
		require.NoError(t, err)
		assert.Equal(t, &ann.ID, got.AssignedStaffID)

		member, err := store.GetStaff(ctx, ann.ID)
		require.NoError(t, err)
		assert.Equal(t, "Ann", member.Name)
		_, err = store.GetStaff(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestScopeLockSerialisesIncrements(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Storage) {
		ctx := context.Background()
		const workers = 20

		var mu sync.Mutex
		seen := make(map[int64]int)
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := store.WithScopeLock(ctx, "team-a", func(tx AssignmentTx) error {
					counter, err := tx.Counter(ctx)
					if err != nil {
						return err
					}
					mu.Lock()
					seen[counter]++
					mu.Unlock()
					return tx.SetCounter(ctx, counter+1)
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		assert.Len(t, seen, workers)
		for value, count := range seen {
			assert.Equal(t, 1, count, "counter %d observed twice", value)
		}
		state, err := store.GetRoundRobinState(ctx, "team-a")
		require.NoError(t, err)
		assert.Equal(t, int64(workers), state.NextIndex)
	})
}
