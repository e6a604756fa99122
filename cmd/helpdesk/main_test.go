package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xaenox/helpdesk/internal/models"
	"github.com/xaenox/helpdesk/internal/storage"
	"github.com/xaenox/helpdesk/pkg/config"
)

type seeded struct {
	configPath string
	categoryID string
	threadID   string
	staffID    string
}

func seed(t *testing.T) seeded {
	t.Helper()
	t.Setenv("DATABASE_URL", "")
	t.Setenv("TELEGRAM_TOKEN", "")

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "helpdesk.db")
	configPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(`
database:
  driver: sqlite
  path: `+dbPath+`
classifier:
  provider: keyword
log:
  level: error
`), 0o600))

	ctx := context.Background()
	store, err := storage.NewSQLiteStorage(dbPath, 3, zap.NewNop())
	require.NoError(t, err)
	defer store.Close()

	category, err := store.CreateCategory(ctx, "Billing", "Invoices and charges.", nil)
	require.NoError(t, err)
	thread := &models.Thread{
		Subject:  "Invoice",
		Messages: []models.Message{{Content: "my invoice is wrong", Type: models.EmailMessage}},
	}
	require.NoError(t, store.CreateThread(ctx, thread))
	staff := &models.Staff{Name: "Ann"}
	require.NoError(t, store.CreateStaff(ctx, staff))

	return seeded{configPath: configPath, categoryID: category.ID, threadID: thread.ID, staffID: staff.ID}
}

func run(t *testing.T, args ...string) (map[string]any, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	if err := root.ExecuteContext(context.Background()); err != nil {
		return nil, err
	}
	var result map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &result), out.String())
	return result, nil
}

func TestClassifyCommand(t *testing.T) {
	s := seed(t)

	result, err := run(t, "classify", s.threadID, "--config", s.configPath)
	require.NoError(t, err)
	assert.Equal(t, "processed", result["outcome"])
	assert.Equal(t, s.categoryID, result["category_id"])

	result, err = run(t, "classify", s.threadID, "--config", s.configPath)
	require.NoError(t, err)
	assert.Equal(t, "skipped", result["outcome"])
}

func TestReclassifyAllAndBatchCommands(t *testing.T) {
	s := seed(t)

	report, err := run(t, "reclassify-all", "--config", s.configPath)
	require.NoError(t, err)
	assert.EqualValues(t, 1, report["total"])
	assert.EqualValues(t, 1, report["processed"])
	assert.EqualValues(t, 0, report["pending"])

	again, err := run(t, "batch", report["id"].(string), "--config", s.configPath)
	require.NoError(t, err)
	assert.Equal(t, report, again)

	_, err = run(t, "batch", "unknown", "--config", s.configPath)
	assert.Error(t, err)
}

func TestEscalateCommand(t *testing.T) {
	s := seed(t)

	result, err := run(t, "escalate", s.threadID, "--attempt-key", "k1", "--config", s.configPath)
	require.NoError(t, err)
	assert.Equal(t, "escalated", result["outcome"])
	assert.Equal(t, "k1", result["attempt_key"])

	result, err = run(t, "escalate", s.threadID, "--config", s.configPath)
	require.NoError(t, err)
	assert.Equal(t, "skipped", result["outcome"])
}

func TestMigrateCommand(t *testing.T) {
	s := seed(t)
	root := newRootCmd()
	root.SetArgs([]string{"migrate", "--config", s.configPath})
	assert.NoError(t, root.Execute())
}

func TestEnqueuePendingSkipsEmptyThreads(t *testing.T) {
	ctx := context.Background()
	s := seed(t)
	cfg, err := config.LoadConfig(s.configPath)
	require.NoError(t, err)

	store, err := storage.NewSQLiteStorage(cfg.Database.Path, 3, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, store.CreateThread(ctx, &models.Thread{Subject: "blank"}))
	require.NoError(t, store.Close())

	a, err := newApp(cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	poll := func() int {
		var sent int
		require.NoError(t, a.withRunner(ctx, func(ctx context.Context) error {
			var err error
			sent, err = a.enqueuePending(ctx, false)
			return err
		}))
		return sent
	}
	assert.Equal(t, 1, poll())
	assert.Equal(t, 0, poll(), "the tagged thread is done and the empty one is never sent")

	thread, err := a.store.GetThread(ctx, s.threadID)
	require.NoError(t, err)
	assert.Equal(t, &s.categoryID, thread.CategoryID)
}
