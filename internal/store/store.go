// Package store provides SQLite-backed persistence for bountyd.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fentz26/bountyd/internal/models"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Sentinel errors surfaced by store operations. The engine maps these onto
// its error taxonomy.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrVersionConflict indicates a mutation carried a stale task version.
	ErrVersionConflict = errors.New("task version conflict")

	// ErrDuplicateApplication indicates the solver already applied to the task.
	ErrDuplicateApplication = errors.New("application already exists for this solver and task")

	// ErrInsufficientBalance indicates a withdrawal exceeds the outstanding balance.
	ErrInsufficientBalance = errors.New("insufficient reward balance")
)

// Store provides access to the bountyd SQLite database.
type Store struct {
	db *sql.DB
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// Open with WAL mode for better concurrency
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT,
		deadline DATETIME NOT NULL,
		reward INTEGER NOT NULL,
		creator TEXT NOT NULL,
		solver TEXT,
		status TEXT NOT NULL DEFAULT 'open',
		modification_note TEXT,
		missed INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS applications (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		solver TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		slot_held INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		decided_at DATETIME,
		UNIQUE (task_id, solver),
		FOREIGN KEY (task_id) REFERENCES tasks(id)
	);

	CREATE TABLE IF NOT EXISTS submissions (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		content_ref TEXT NOT NULL,
		submitted_at DATETIME NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id)
	);

	CREATE TABLE IF NOT EXISTS balances (
		solver TEXT PRIMARY KEY,
		accrued INTEGER NOT NULL DEFAULT 0,
		withdrawn INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS ledger_ops (
		id TEXT PRIMARY KEY,
		task_id TEXT,
		op TEXT NOT NULL,
		target TEXT,
		amount INTEGER NOT NULL,
		ok INTEGER NOT NULL,
		detail TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS decisions (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		task_id TEXT,
		details TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_creator ON tasks(creator);
	CREATE INDEX IF NOT EXISTS idx_tasks_solver ON tasks(solver);
	CREATE INDEX IF NOT EXISTS idx_applications_task_id ON applications(task_id);
	CREATE INDEX IF NOT EXISTS idx_applications_solver ON applications(solver);
	CREATE INDEX IF NOT EXISTS idx_submissions_task_id ON submissions(task_id);
	CREATE INDEX IF NOT EXISTS idx_ledger_ops_task_id ON ledger_ops(task_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// --- Task Operations ---

const taskColumns = `id, title, description, deadline, reward, creator, solver, status, modification_note, missed, version, created_at, updated_at`

func scanTask(row interface{ Scan(...interface{}) error }) (*models.Task, error) {
	task := &models.Task{}
	var solver, note sql.NullString
	var missed int

	err := row.Scan(&task.ID, &task.Title, &task.Description, &task.Deadline,
		&task.Reward, &task.Creator, &solver, &task.Status, &note, &missed,
		&task.Version, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if solver.Valid {
		task.Solver = solver.String
	}
	if note.Valid {
		task.ModificationNote = note.String
	}
	task.Missed = missed != 0
	return task, nil
}

// CreateTask inserts a new task. The caller is responsible for validation;
// the task arrives fully formed from the engine.
func (s *Store) CreateTask(task *models.Task) error {
	_, err := s.db.Exec(
		`INSERT INTO tasks (id, title, description, deadline, reward, creator, status, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Title, task.Description, task.Deadline, task.Reward,
		task.Creator, task.Status, task.Version, task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID including its submission history.
func (s *Store) GetTask(id string) (*models.Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}

	subs, err := s.SubmissionsForTask(id)
	if err != nil {
		return nil, err
	}
	task.Submissions = subs
	return task, nil
}

// TaskFilter narrows ListTasks results. Zero-value fields are ignored.
type TaskFilter struct {
	Statuses []models.TaskStatus
	Creator  string
	Solver   string
}

// ListTasks returns tasks matching the filter, newest first.
func (s *Store) ListTasks(filter TaskFilter) ([]models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var conds []string
	var args []interface{}

	if len(filter.Statuses) > 0 {
		placeholders := ""
		for i, st := range filter.Statuses {
			if i > 0 {
				placeholders += ", "
			}
			placeholders += "?"
			args = append(args, st)
		}
		conds = append(conds, "status IN ("+placeholders+")")
	}
	if filter.Creator != "" {
		conds = append(conds, "creator = ?")
		args = append(args, filter.Creator)
	}
	if filter.Solver != "" {
		conds = append(conds, "solver = ?")
		args = append(args, filter.Solver)
	}

	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

// SubmissionsForTask returns the append-only submission history, oldest first.
func (s *Store) SubmissionsForTask(taskID string) ([]models.Submission, error) {
	rows, err := s.db.Query(
		`SELECT id, task_id, content_ref, submitted_at FROM submissions WHERE task_id = ? ORDER BY submitted_at ASC, id ASC`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("query submissions: %w", err)
	}
	defer rows.Close()

	var subs []models.Submission
	for rows.Next() {
		var sub models.Submission
		if err := rows.Scan(&sub.ID, &sub.TaskID, &sub.ContentRef, &sub.SubmittedAt); err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// --- Application Operations ---

const applicationColumns = `id, task_id, solver, status, slot_held, created_at, decided_at`

func scanApplication(row interface{ Scan(...interface{}) error }) (*models.Application, error) {
	app := &models.Application{}
	var slotHeld int
	var decidedAt sql.NullTime

	err := row.Scan(&app.ID, &app.TaskID, &app.Solver, &app.Status, &slotHeld, &app.CreatedAt, &decidedAt)
	if err != nil {
		return nil, err
	}
	app.SlotHeld = slotHeld != 0
	if decidedAt.Valid {
		app.DecidedAt = &decidedAt.Time
	}
	return app, nil
}

// GetApplication retrieves an application by ID.
func (s *Store) GetApplication(id string) (*models.Application, error) {
	row := s.db.QueryRow(`SELECT `+applicationColumns+` FROM applications WHERE id = ?`, id)
	app, err := scanApplication(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query application: %w", err)
	}
	return app, nil
}

// ApplicationsForTask returns all applications on a task, oldest first.
func (s *Store) ApplicationsForTask(taskID string) ([]models.Application, error) {
	rows, err := s.db.Query(
		`SELECT `+applicationColumns+` FROM applications WHERE task_id = ? ORDER BY created_at ASC, id ASC`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("query applications: %w", err)
	}
	defer rows.Close()

	var apps []models.Application
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, fmt.Errorf("scan application: %w", err)
		}
		apps = append(apps, *app)
	}
	return apps, rows.Err()
}

// ApplicationsForSolver returns a solver's applications, optionally filtered
// by status, newest first.
func (s *Store) ApplicationsForSolver(solver string, status models.ApplicationStatus) ([]models.Application, error) {
	query := `SELECT ` + applicationColumns + ` FROM applications WHERE solver = ?`
	args := []interface{}{solver}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query applications: %w", err)
	}
	defer rows.Close()

	var apps []models.Application
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, fmt.Errorf("scan application: %w", err)
		}
		apps = append(apps, *app)
	}
	return apps, rows.Err()
}

// HeldSlotCounts returns the number of held slots per solver, used to hydrate
// the slot allocator at startup.
func (s *Store) HeldSlotCounts() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT solver, COUNT(*) FROM applications WHERE slot_held = 1 GROUP BY solver`)
	if err != nil {
		return nil, fmt.Errorf("query held slots: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var solver string
		var n int
		if err := rows.Scan(&solver, &n); err != nil {
			return nil, fmt.Errorf("scan held slots: %w", err)
		}
		counts[solver] = n
	}
	return counts, rows.Err()
}

func newID() string {
	return uuid.New().String()
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
