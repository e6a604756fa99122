package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xaenox/helpdesk/internal/models"
	"go.uber.org/zap"
)

// dialect captures what differs between the SQL backends.
type dialect struct {
	name string
	// numbered placeholders ($1, $2) instead of ?
	numbered bool
	// lockClause is appended to SELECTs that must lock the row they read.
	lockClause string
	timeArg    func(time.Time) any
	isConflict func(error) bool
	schema     string
}

// SQLStorage implements Storage on database/sql for postgres and sqlite.
type SQLStorage struct {
	db                 *sql.DB
	dialect            dialect
	logger             *zap.Logger
	maxConflictRetries int
	now                func() time.Time
}

func newSQLStorage(db *sql.DB, d dialect, logger *zap.Logger, maxConflictRetries int) (*SQLStorage, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &SQLStorage{
		db:                 db,
		dialect:            d,
		logger:             logger,
		maxConflictRetries: maxConflictRetries,
		now:                func() time.Time { return time.Now().UTC() },
	}
	if err := s.initializeSchema(); err != nil {
		return nil, fmt.Errorf("error initializing database schema: %w", err)
	}
	return s, nil
}

const schemaVersion = 1

func (s *SQLStorage) initializeSchema() error {
	migrationSQL, err := migrations.ReadFile(s.dialect.schema)
	if err != nil {
		return fmt.Errorf("error reading migrations file: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("error beginning migration: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY)`); err != nil {
		return fmt.Errorf("error creating schema_migrations: %w", err)
	}
	var current int
	if err := tx.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("error reading schema version: %w", err)
	}
	if current >= schemaVersion {
		return nil
	}

	for _, stmt := range splitStatements(string(migrationSQL)) {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("error executing migrations: %w", err)
		}
	}
	if _, err := tx.Exec(s.rebind(`INSERT INTO schema_migrations (version) VALUES (?)`), schemaVersion); err != nil {
		return fmt.Errorf("error recording schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing migrations: %w", err)
	}

	s.logger.Info("Database schema initialized",
		zap.String("dialect", s.dialect.name),
		zap.Int("version", schemaVersion))
	return nil
}

func splitStatements(script string) []string {
	var statements []string
	for _, stmt := range strings.Split(script, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			statements = append(statements, stmt)
		}
	}
	return statements
}

// rebind rewrites ? placeholders into $n for dialects that need it.
func (s *SQLStorage) rebind(query string) string {
	if !s.dialect.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStorage) ts(t time.Time) any {
	return s.dialect.timeArg(t.UTC())
}

func (s *SQLStorage) nullTS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return s.ts(*t)
}

func nullString(ref *string) sql.NullString {
	if ref == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ref, Valid: true}
}

func refFromNull(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func (s *SQLStorage) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error beginning transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing transaction: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Category methods

const categoryColumns = `id, title, description, team_id, created_at, updated_at`

func scanCategory(row rowScanner) (*models.Category, error) {
	c := &models.Category{}
	var teamID sql.NullString
	if err := row.Scan(&c.ID, &c.Title, &c.Description, &teamID,
		timeValue{&c.CreatedAt}, timeValue{&c.UpdatedAt}); err != nil {
		return nil, err
	}
	c.TeamID = refFromNull(teamID)
	return c, nil
}

func (s *SQLStorage) ListCategories(ctx context.Context) ([]models.Category, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+categoryColumns+` FROM categories ORDER BY title, id`)
	if err != nil {
		return nil, fmt.Errorf("error querying categories: %w", err)
	}
	defer rows.Close()

	categories := make([]models.Category, 0)
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning category: %w", err)
		}
		categories = append(categories, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating categories: %w", err)
	}
	return categories, nil
}

func (s *SQLStorage) GetCategory(ctx context.Context, id string) (*models.Category, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+categoryColumns+` FROM categories WHERE id = ?`), id)
	c, err := scanCategory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrCategoryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error getting category: %w", err)
	}
	return c, nil
}

func (s *SQLStorage) CreateCategory(ctx context.Context, title, description string, teamID *string) (*models.Category, error) {
	title, description, err := validateCategory(title, description)
	if err != nil {
		return nil, err
	}

	now := s.now()
	c := &models.Category{
		ID:          uuid.NewString(),
		Title:       title,
		Description: description,
		TeamID:      copyRef(teamID),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO categories (id, title, description, team_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		c.ID, c.Title, c.Description, nullString(c.TeamID), s.ts(now), s.ts(now))
	if err != nil {
		return nil, fmt.Errorf("error creating category: %w", err)
	}
	return c, nil
}

func (s *SQLStorage) SetCategoryTeam(ctx context.Context, id string, teamID *string) error {
	result, err := s.db.ExecContext(ctx, s.rebind(`UPDATE categories SET team_id = ?, updated_at = ? WHERE id = ?`),
		nullString(teamID), s.ts(s.now()), id)
	if err != nil {
		return fmt.Errorf("error updating category team: %w", err)
	}
	return requireAffected(result, models.ErrCategoryNotFound)
}

func requireAffected(result sql.Result, notFound error) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected: %w", err)
	}
	if affected == 0 {
		return notFound
	}
	return nil
}

// Thread methods

const threadColumns = `id, subject, status, priority, customer_id, category_id, assigned_staff_id, assigned_at, last_read_at, created_at, updated_at`

func scanThread(row rowScanner) (*models.Thread, error) {
	t := &models.Thread{}
	var customerID, categoryID, staffID sql.NullString
	if err := row.Scan(&t.ID, &t.Subject, &t.Status, &t.Priority,
		&customerID, &categoryID, &staffID,
		nullTimeValue{&t.AssignedAt}, nullTimeValue{&t.LastReadAt},
		timeValue{&t.CreatedAt}, timeValue{&t.UpdatedAt}); err != nil {
		return nil, err
	}
	t.CustomerID = refFromNull(customerID)
	t.CategoryID = refFromNull(categoryID)
	t.AssignedStaffID = refFromNull(staffID)
	return t, nil
}

func (s *SQLStorage) CreateThread(ctx context.Context, thread *models.Thread) error {
	if err := prepareThread(thread, s.now()); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO threads (`+threadColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			thread.ID, thread.Subject, string(thread.Status), string(thread.Priority),
			nullString(thread.CustomerID), nullString(thread.CategoryID), nullString(thread.AssignedStaffID),
			s.nullTS(thread.AssignedAt), s.nullTS(thread.LastReadAt),
			s.ts(thread.CreatedAt), s.ts(thread.UpdatedAt))
		if err != nil {
			return fmt.Errorf("error creating thread: %w", err)
		}
		_, err = s.insertMessages(ctx, tx, thread.Messages)
		return err
	})
}

func (s *SQLStorage) GetThread(ctx context.Context, id string) (*models.Thread, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+threadColumns+` FROM threads WHERE id = ?`), id)
	t, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrThreadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error getting thread: %w", err)
	}
	if t.Messages, err = s.loadMessages(ctx, s.db, t.ID); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *SQLStorage) ListThreadRefs(ctx context.Context) ([]models.ThreadRef, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, category_id FROM threads ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("error querying thread refs: %w", err)
	}
	defer rows.Close()

	refs := make([]models.ThreadRef, 0)
	for rows.Next() {
		var ref models.ThreadRef
		var categoryID sql.NullString
		if err := rows.Scan(&ref.ID, &categoryID); err != nil {
			return nil, fmt.Errorf("error scanning thread ref: %w", err)
		}
		ref.CategoryID = refFromNull(categoryID)
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating thread refs: %w", err)
	}
	return refs, nil
}

func (s *SQLStorage) SetThreadCategory(ctx context.Context, threadID string, expected, next *string) error {
	if next != nil {
		if _, err := s.GetCategory(ctx, *next); err != nil {
			return err
		}
	}

	query := `UPDATE threads SET category_id = ?, updated_at = ? WHERE id = ? AND category_id IS NULL`
	args := []any{nullString(next), s.ts(s.now()), threadID}
	if expected != nil {
		query = `UPDATE threads SET category_id = ?, updated_at = ? WHERE id = ? AND category_id = ?`
		args = append(args, *expected)
	}
	result, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return fmt.Errorf("error updating thread category: %w", err)
	}
	if err := requireAffected(result, models.ErrStaleThread); err != nil {
		if errors.Is(err, models.ErrStaleThread) {
			return s.staleOrMissing(ctx, threadID)
		}
		return err
	}
	return nil
}

func (s *SQLStorage) staleOrMissing(ctx context.Context, threadID string) error {
	var id string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT id FROM threads WHERE id = ?`), threadID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrThreadNotFound
	}
	if err != nil {
		return fmt.Errorf("error checking thread: %w", err)
	}
	return models.ErrStaleThread
}

func (s *SQLStorage) SetThreadStatus(ctx context.Context, threadID string, status models.ThreadStatus) error {
	if err := validateStatus(status); err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, s.rebind(`UPDATE threads SET status = ?, updated_at = ? WHERE id = ?`),
		string(status), s.ts(s.now()), threadID)
	if err != nil {
		return fmt.Errorf("error updating thread status: %w", err)
	}
	return requireAffected(result, models.ErrThreadNotFound)
}

func (s *SQLStorage) AppendMessages(ctx context.Context, threadID string, messages []models.Message) (int, error) {
	now := s.now()
	for i := range messages {
		if err := prepareMessage(&messages[i], threadID, now); err != nil {
			return 0, err
		}
	}

	var inserted int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var id string
		err := tx.QueryRowContext(ctx, s.rebind(`SELECT id FROM threads WHERE id = ?`+s.dialect.lockClause), threadID).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return models.ErrThreadNotFound
		}
		if err != nil {
			return fmt.Errorf("error locking thread: %w", err)
		}

		if inserted, err = s.insertMessages(ctx, tx, messages); err != nil {
			return err
		}
		if inserted == 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx, s.rebind(`UPDATE threads SET updated_at = ? WHERE id = ?`), s.ts(now), threadID)
		if err != nil {
			return fmt.Errorf("error touching thread: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

func (s *SQLStorage) insertMessages(ctx context.Context, tx *sql.Tx, messages []models.Message) (int, error) {
	query := s.rebind(`
		INSERT INTO messages (id, thread_id, content, type, author_id, file_id, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (thread_id, idempotency_key) DO NOTHING`)

	inserted := 0
	for _, m := range messages {
		result, err := tx.ExecContext(ctx, query,
			m.ID, m.ThreadID, m.Content, string(m.Type),
			nullString(m.AuthorID), nullString(m.FileID), nullString(m.IdempotencyKey), s.ts(m.CreatedAt))
		if err != nil {
			return 0, fmt.Errorf("error inserting message: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("error getting rows affected: %w", err)
		}
		inserted += int(affected)
	}
	return inserted, nil
}

func (s *SQLStorage) loadMessages(ctx context.Context, q queryer, threadID string) ([]models.Message, error) {
	rows, err := q.QueryContext(ctx, s.rebind(`
		SELECT id, thread_id, content, type, author_id, file_id, idempotency_key, created_at
		FROM messages
		WHERE thread_id = ?
		ORDER BY created_at ASC, seq ASC`), threadID)
	if err != nil {
		return nil, fmt.Errorf("error querying messages: %w", err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		var m models.Message
		var authorID, fileID, key sql.NullString
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Content, &m.Type,
			&authorID, &fileID, &key, timeValue{&m.CreatedAt}); err != nil {
			return nil, fmt.Errorf("error scanning message: %w", err)
		}
		m.AuthorID = refFromNull(authorID)
		m.FileID = refFromNull(fileID)
		m.IdempotencyKey = refFromNull(key)
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	return messages, nil
}

func (s *SQLStorage) ListThreadsByCustomer(ctx context.Context, customerID, excludeID string, limit int) ([]models.Thread, error) {
	return s.listThreads(ctx, `customer_id = ?`, customerID, excludeID, limit)
}

func (s *SQLStorage) ListThreadsByCategory(ctx context.Context, categoryID, excludeID string, limit int) ([]models.Thread, error) {
	return s.listThreads(ctx, `category_id = ?`, categoryID, excludeID, limit)
}

func (s *SQLStorage) listThreads(ctx context.Context, where, value, excludeID string, limit int) ([]models.Thread, error) {
	query := `SELECT ` + threadColumns + ` FROM threads WHERE ` + where + ` AND id <> ? ORDER BY updated_at DESC, id`
	args := []any{value, excludeID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("error querying threads: %w", err)
	}

	threads := make([]models.Thread, 0)
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("error scanning thread: %w", err)
		}
		threads = append(threads, *t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating threads: %w", err)
	}
	// sqlite runs on a single connection, so release it before loading messages
	rows.Close()

	for i := range threads {
		if threads[i].Messages, err = s.loadMessages(ctx, s.db, threads[i].ID); err != nil {
			return nil, err
		}
	}
	return threads, nil
}

// Directory methods

func (s *SQLStorage) CreateTeam(ctx context.Context, name string) (*models.Team, error) {
	if strings.TrimSpace(name) == "" {
		return nil, models.NewValidationError("name", "must not be empty")
	}
	team := &models.Team{ID: uuid.NewString(), Name: name, CreatedAt: s.now()}
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO teams (id, name, created_at) VALUES (?, ?, ?)`),
		team.ID, team.Name, s.ts(team.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("error creating team: %w", err)
	}
	return team, nil
}

const staffColumns = `id, name, email, team_id, telegram_chat_id, created_at`

func scanStaff(row rowScanner) (*models.Staff, error) {
	st := &models.Staff{}
	var teamID sql.NullString
	if err := row.Scan(&st.ID, &st.Name, &st.Email, &teamID, &st.TelegramChatID, timeValue{&st.CreatedAt}); err != nil {
		return nil, err
	}
	st.TeamID = refFromNull(teamID)
	return st, nil
}

func (s *SQLStorage) CreateStaff(ctx context.Context, staff *models.Staff) error {
	if err := prepareStaff(staff, s.now()); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO staff (`+staffColumns+`) VALUES (?, ?, ?, ?, ?, ?)`),
		staff.ID, staff.Name, staff.Email, nullString(staff.TeamID), staff.TelegramChatID, s.ts(staff.CreatedAt))
	if err != nil {
		return fmt.Errorf("error creating staff: %w", err)
	}
	return nil
}

func (s *SQLStorage) GetStaff(ctx context.Context, id string) (*models.Staff, error) {
	st, err := scanStaff(s.db.QueryRowContext(ctx, s.rebind(`SELECT `+staffColumns+` FROM staff WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error getting staff: %w", err)
	}
	return st, nil
}

func (s *SQLStorage) CreateCustomer(ctx context.Context, customer *models.Customer) error {
	if customer.ID == "" {
		customer.ID = uuid.NewString()
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO customers (id, name, email, created_at) VALUES (?, ?, ?, ?)`),
		customer.ID, customer.Name, customer.Email, s.ts(customer.CreatedAt))
	if err != nil {
		return fmt.Errorf("error creating customer: %w", err)
	}
	return nil
}

func (s *SQLStorage) GetCustomer(ctx context.Context, id string) (*models.Customer, error) {
	c := &models.Customer{}
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT id, name, email, created_at FROM customers WHERE id = ?`), id).
		Scan(&c.ID, &c.Name, &c.Email, timeValue{&c.CreatedAt})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error getting customer: %w", err)
	}
	return c, nil
}

// Batch methods

func (s *SQLStorage) CreateBatch(ctx context.Context, id string, total int) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO reclassify_batches (id, total, created_at) VALUES (?, ?, ?)
		ON CONFLICT (id) DO NOTHING`), id, total, s.ts(s.now()))
	if err != nil {
		return fmt.Errorf("error creating batch: %w", err)
	}
	return nil
}

func (s *SQLStorage) RecordBatchOutcome(ctx context.Context, batchID, threadID string, outcome models.Outcome) error {
	if err := validateBatchOutcome(outcome); err != nil {
		return err
	}
	var id string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT id FROM reclassify_batches WHERE id = ?`), batchID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("error checking batch: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO reclassify_outcomes (batch_id, thread_id, outcome, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (batch_id, thread_id) DO UPDATE SET outcome = excluded.outcome, updated_at = excluded.updated_at`),
		batchID, threadID, string(outcome), s.ts(s.now()))
	if err != nil {
		return fmt.Errorf("error recording batch outcome: %w", err)
	}
	return nil
}

func (s *SQLStorage) GetBatch(ctx context.Context, id string) (*models.BatchReport, error) {
	report := &models.BatchReport{ID: id}
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT total, created_at FROM reclassify_batches WHERE id = ?`), id).
		Scan(&report.Total, timeValue{&report.CreatedAt})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error getting batch: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT outcome, COUNT(*) FROM reclassify_outcomes WHERE batch_id = ? GROUP BY outcome`), id)
	if err != nil {
		return nil, fmt.Errorf("error counting batch outcomes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("error scanning batch outcome: %w", err)
		}
		countOutcome(report, models.Outcome(outcome), n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating batch outcomes: %w", err)
	}
	report.Pending = pending(report)
	return report, nil
}

// Round-robin

func (s *SQLStorage) GetRoundRobinState(ctx context.Context, scope string) (*models.RoundRobinState, error) {
	state := &models.RoundRobinState{Scope: scope}
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT next_index, updated_at FROM round_robin_state WHERE scope = ?`), scope).
		Scan(&state.NextIndex, timeValue{&state.UpdatedAt})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error getting round robin state: %w", err)
	}
	return state, nil
}

// WithScopeLock creates the scope's state row if missing and locks it for the
// duration of fn. Lock conflicts reported by the database are retried before
// surfacing as ErrAssignmentConflict.
func (s *SQLStorage) WithScopeLock(ctx context.Context, scope string, fn func(tx AssignmentTx) error) error {
	backoff := 10 * time.Millisecond
	for attempt := 0; ; attempt++ {
		err := s.withTx(ctx, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, s.rebind(`
				INSERT INTO round_robin_state (scope, next_index, updated_at) VALUES (?, 0, ?)
				ON CONFLICT (scope) DO NOTHING`), scope, s.ts(s.now()))
			if err != nil {
				return fmt.Errorf("error creating round robin state: %w", err)
			}

			atx := &sqlAssignmentTx{s: s, tx: tx, scope: scope}
			err = tx.QueryRowContext(ctx, s.rebind(`SELECT next_index FROM round_robin_state WHERE scope = ?`+s.dialect.lockClause), scope).
				Scan(&atx.counter)
			if err != nil {
				return fmt.Errorf("error locking round robin state: %w", err)
			}
			return fn(atx)
		})
		if err == nil || !s.dialect.isConflict(err) {
			return err
		}
		if attempt >= s.maxConflictRetries {
			return fmt.Errorf("%w: scope %s: %v", models.ErrAssignmentConflict, scope, err)
		}

		s.logger.Warn("Round robin lock conflict, retrying",
			zap.String("scope", scope),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

type sqlAssignmentTx struct {
	s       *SQLStorage
	tx      *sql.Tx
	scope   string
	counter int64
}

func (a *sqlAssignmentTx) Roster(ctx context.Context) ([]models.Staff, error) {
	query := `SELECT ` + staffColumns + ` FROM staff ORDER BY created_at, id`
	var args []any
	if teamID, scoped := teamFromScope(a.scope); scoped {
		query = `SELECT ` + staffColumns + ` FROM staff WHERE team_id = ? ORDER BY created_at, id`
		args = append(args, teamID)
	}
	rows, err := a.tx.QueryContext(ctx, a.s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("error querying roster: %w", err)
	}
	defer rows.Close()

	roster := make([]models.Staff, 0)
	for rows.Next() {
		st, err := scanStaff(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning staff: %w", err)
		}
		roster = append(roster, *st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating roster: %w", err)
	}
	return roster, nil
}

func (a *sqlAssignmentTx) Counter(ctx context.Context) (int64, error) {
	return a.counter, nil
}

func (a *sqlAssignmentTx) Thread(ctx context.Context, id string) (*models.Thread, error) {
	row := a.tx.QueryRowContext(ctx, a.s.rebind(`SELECT `+threadColumns+` FROM threads WHERE id = ?`+a.s.dialect.lockClause), id)
	t, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrThreadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error locking thread: %w", err)
	}
	return t, nil
}

func (a *sqlAssignmentTx) AssignThread(ctx context.Context, threadID, staffID string, at time.Time) error {
	result, err := a.tx.ExecContext(ctx, a.s.rebind(`
		UPDATE threads SET assigned_staff_id = ?, assigned_at = ?, updated_at = ?
		WHERE id = ? AND assigned_staff_id IS NULL`),
		staffID, a.s.ts(at), a.s.ts(at), threadID)
	if err != nil {
		return fmt.Errorf("error assigning thread: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("error assigning thread: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: thread %s already assigned", models.ErrAssignmentConflict, threadID)
	}
	return nil
}

func (a *sqlAssignmentTx) SetCounter(ctx context.Context, next int64) error {
	_, err := a.tx.ExecContext(ctx, a.s.rebind(`UPDATE round_robin_state SET next_index = ?, updated_at = ? WHERE scope = ?`),
		next, a.s.ts(a.s.now()), a.scope)
	if err != nil {
		return fmt.Errorf("error updating round robin state: %w", err)
	}
	a.counter = next
	return nil
}

func (s *SQLStorage) Close() error {
	return s.db.Close()
}
