// Package queue persists implementation jobs handed to the work-submission
// collaborator.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// Statuses lists every valid status.
var Statuses = []Status{StatusPending, StatusRunning, StatusComplete, StatusFailed}

var (
	// ErrInvalidStatus indicates a status outside the job vocabulary.
	ErrInvalidStatus = errors.New("invalid job status")

	// ErrJobNotFound indicates no job has the requested id.
	ErrJobNotFound = errors.New("job not found")
)

// ParseStatus validates s against the job vocabulary.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Statuses {
		if st == known {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

// Terminal reports whether the status will not change again on its own.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// Job is one implementation request.
type Job struct {
	ID          string     `json:"id"`
	Branch      string     `json:"branch"`
	ModulePath  string     `json:"module_path"`
	Prompt      string     `json:"prompt"`
	Status      Status     `json:"status"`
	SubmittedAt time.Time  `json:"submitted_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Store is a SQLite-backed job queue. Jobs are never deleted.
type Store struct {
	db      *sql.DB
	metrics *Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// Open opens (or creates) the queue database at path and migrates the schema.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening queue database: %w", err)
	}
	// SQLite serializes writers; a single connection also keeps ":memory:"
	// databases shared across calls.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:      db,
		metrics: NewMetrics(),
		logger:  logger,
		now:     time.Now,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating queue database: %w", err)
	}
	if err := s.refreshMetrics(context.Background()); err != nil {
		logger.Warn("failed to refresh queue metrics", zap.Error(err))
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		branch TEXT NOT NULL,
		module_path TEXT NOT NULL,
		prompt TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		submitted_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_branch ON jobs(branch);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Enqueue stores job and returns its id. An empty id gets a fresh uuid and
// an empty status defaults to pending.
func (s *Store) Enqueue(ctx context.Context, job Job) (string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = StatusPending
	}
	if _, err := ParseStatus(string(job.Status)); err != nil {
		return "", err
	}
	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = s.now()
	}
	var completedAt *string
	if job.Status == StatusComplete {
		ts := formatTime(s.now())
		completedAt = &ts
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, branch, module_path, prompt, status, submitted_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Branch, job.ModulePath, job.Prompt, string(job.Status), formatTime(job.SubmittedAt), completedAt,
	)
	if err != nil {
		return "", fmt.Errorf("inserting job: %w", err)
	}

	s.logger.Info("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("branch", job.Branch),
		zap.String("status", string(job.Status)))
	s.afterWrite(ctx)
	return job.ID, nil
}

// UpdateStatus sets a job's status. Moving to complete stamps completed_at.
// Only the vocabulary is checked; any transition between valid states is accepted.
func (s *Store) UpdateStatus(ctx context.Context, id string, status Status) error {
	if _, err := ParseStatus(string(status)); err != nil {
		return err
	}

	var (
		res sql.Result
		err error
	)
	if status == StatusComplete {
		res, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ?, completed_at = ? WHERE id = ?`,
			string(status), formatTime(s.now()), id)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ? WHERE id = ?`,
			string(status), id)
	}
	if err != nil {
		return fmt.Errorf("updating job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating job %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	s.logger.Debug("job status updated", zap.String("job_id", id), zap.String("status", string(status)))
	s.afterWrite(ctx)
	return nil
}

const selectJob = `SELECT id, branch, module_path, prompt, status, submitted_at, completed_at FROM jobs`

// Get returns the job with id.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, selectJob+` WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// List returns all jobs in submission order. With statuses given, only jobs
// in one of them are returned.
func (s *Store) List(ctx context.Context, statuses ...Status) ([]*Job, error) {
	query := selectJob
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += ` WHERE status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Counts returns the number of jobs per status.
func (s *Store) Counts(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[Status]int, len(Statuses))
	for _, st := range Statuses {
		counts[st] = 0
	}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

func (s *Store) afterWrite(ctx context.Context) {
	if err := s.refreshMetrics(ctx); err != nil {
		s.logger.Warn("failed to refresh queue metrics", zap.Error(err))
	}
}

func (s *Store) refreshMetrics(ctx context.Context) error {
	counts, err := s.Counts(ctx)
	if err != nil {
		return err
	}
	for st, n := range counts {
		s.metrics.Jobs.WithLabelValues(string(st)).Set(float64(n))
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*Job, error) {
	var (
		job         Job
		status      string
		submittedAt string
		completedAt sql.NullString
	)
	if err := row.Scan(&job.ID, &job.Branch, &job.ModulePath, &job.Prompt, &status, &submittedAt, &completedAt); err != nil {
		return nil, err
	}
	job.Status = Status(status)

	ts, err := parseTime(submittedAt)
	if err != nil {
		return nil, fmt.Errorf("job %s: submitted_at: %w", job.ID, err)
	}
	job.SubmittedAt = ts
	if completedAt.Valid {
		ts, err := parseTime(completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("job %s: completed_at: %w", job.ID, err)
		}
		job.CompletedAt = &ts
	}
	return &job, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
