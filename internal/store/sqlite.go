package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/modeguard/internal/errors"
	"github.com/joescharf/modeguard/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements TaskStore using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.NewStoreError("open", fmt.Errorf("create db directory: %w", err))
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.NewStoreError("open", err)
	}

	// Every hook invocation is a separate process; a single connection per
	// process plus WAL and a busy timeout lets them queue behind one writer.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, errors.NewStoreError("open", fmt.Errorf("%s: %w", pragma, err))
		}
	}

	return &SQLiteStore{db: db}, nil
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// newULID generates a new ULID string. Ids created in the same millisecond
// still sort in creation order.
func newULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return errors.NewStoreError("migrate", fmt.Errorf("create migrations table: %w", err))
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return errors.NewStoreError("migrate", fmt.Errorf("read migrations dir: %w", err))
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return errors.NewStoreError("migrate", fmt.Errorf("check migration %s: %w", name, err))
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return errors.NewStoreError("migrate", fmt.Errorf("read migration %s: %w", name, err))
		}
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return errors.NewStoreError("migrate", fmt.Errorf("apply migration %s: %w", name, err))
		}
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return errors.NewStoreError("migrate", fmt.Errorf("record migration %s: %w", name, err))
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ForSession implements TaskStore. Task ids are ULIDs, unique across sessions.
func (s *SQLiteStore) ForSession(string) TaskStore { return s }

// CreateTask implements TaskStore.
func (s *SQLiteStore) CreateTask(ctx context.Context, req CreateTaskRequest) (*models.Task, error) {
	if strings.TrimSpace(req.Title) == "" {
		return nil, errors.NewStoreError("create task", errors.New("title is required"))
	}
	for _, dep := range req.DependsOn {
		if _, err := s.TaskStatus(ctx, dep); err != nil {
			return nil, errors.NewStoreError("create task", fmt.Errorf("dependency %s: %w", dep, err))
		}
	}

	deps := req.DependsOn
	if deps == nil {
		deps = []string{}
	}
	depsJSON, err := json.Marshal(deps)
	if err != nil {
		return nil, errors.NewStoreError("create task", err)
	}

	now := time.Now().UTC()
	t := &models.Task{
		ID:          newULID(),
		WorkflowID:  req.WorkflowID,
		SessionID:   req.SessionID,
		PhaseID:     req.PhaseID,
		Title:       req.Title,
		Description: req.Description,
		Status:      models.TaskStatusOpen,
		DependsOn:   append([]string(nil), req.DependsOn...),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, workflow_id, session_id, phase_id, title, description, status, depends_on, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.WorkflowID, t.SessionID, t.PhaseID, t.Title, t.Description, string(t.Status), string(depsJSON), t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return nil, errors.NewStoreError("create task", err)
	}
	return t, nil
}

const taskColumns = `id, workflow_id, session_id, phase_id, title, description, status, depends_on, created_at, updated_at, closed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	t := &models.Task{}
	var status, deps string
	var closedAt sql.NullTime

	if err := row.Scan(&t.ID, &t.WorkflowID, &t.SessionID, &t.PhaseID, &t.Title, &t.Description,
		&status, &deps, &t.CreatedAt, &t.UpdatedAt, &closedAt); err != nil {
		return nil, err
	}

	t.Status = models.TaskStatus(status)
	if deps != "" {
		if err := json.Unmarshal([]byte(deps), &t.DependsOn); err != nil {
			return nil, fmt.Errorf("task %s: malformed depends_on: %w", t.ID, err)
		}
	}
	if len(t.DependsOn) == 0 {
		t.DependsOn = nil
	}
	if closedAt.Valid {
		t.ClosedAt = &closedAt.Time
	}
	return t, nil
}

// GetTask implements TaskStore.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("task", id)
	}
	if err != nil {
		return nil, errors.NewStoreError("get task", err)
	}
	return t, nil
}

// TaskStatus implements TaskStore.
func (s *SQLiteStore) TaskStatus(ctx context.Context, id string) (models.TaskStatus, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return "", errors.NewNotFoundError("task", id)
	}
	if err != nil {
		return "", errors.NewStoreError("task status", err)
	}
	return models.TaskStatus(status), nil
}

// ListTasks implements TaskStore.
func (s *SQLiteStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var conditions []string
	var args []any

	if filter.WorkflowID != "" {
		conditions = append(conditions, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.SessionID != "" {
		conditions = append(conditions, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewStoreError("list tasks", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, errors.NewStoreError("list tasks", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStoreError("list tasks", err)
	}
	return tasks, nil
}

// UpdateTaskStatus implements TaskStore. Closing sets closed_at; moving a
// task back out of closed clears it.
func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus) (*models.Task, error) {
	if err := validStatus(status); err != nil {
		return nil, errors.NewStoreError("update task", err)
	}

	now := time.Now().UTC()
	var closedAt any
	if status == models.TaskStatusClosed {
		closedAt = now
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ?, closed_at = ? WHERE id = ?`,
		string(status), now, closedAt, id,
	)
	if err != nil {
		return nil, errors.NewStoreError("update task", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, errors.NewStoreError("update task", err)
	}
	if n == 0 {
		return nil, errors.NewNotFoundError("task", id)
	}
	return s.GetTask(ctx, id)
}
