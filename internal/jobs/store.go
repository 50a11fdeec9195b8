package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"docflow/internal/config"
	"docflow/internal/services"
)

// Store manages job persistence backed by SQLite.
type Store struct {
	db   *sql.DB
	path string

	mu       sync.RWMutex
	onUpdate func(*Job)
}

// Open initializes or connects to the jobs database and applies the schema.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	dbPath := cfg.DatabasePath()
	// Pragmas go in the DSN so the pool applies them to every connection it
	// opens, not just the first.
	dsn := "file:" + dbPath +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(ON)" +
		"&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	store := &Store{db: db, path: dbPath}
	if err := store.applySchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// Ping verifies database connectivity; used by the health aggregator.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("jobs database unavailable")
	}
	return s.db.PingContext(ctx)
}

// OnUpdate registers a hook invoked with the fresh row after every committed
// create or transition. The hook must not block; the progress notifier
// installed here fans events out asynchronously.
func (s *Store) OnUpdate(hook func(*Job)) {
	s.mu.Lock()
	s.onUpdate = hook
	s.mu.Unlock()
}

func (s *Store) fireUpdate(job *Job) {
	if job == nil {
		return
	}
	s.mu.RLock()
	hook := s.onUpdate
	s.mu.RUnlock()
	if hook != nil {
		hook(job)
	}
}

// Create inserts a new queued job for the document. It returns
// ErrAlreadyActive when the document still has a queued or processing job.
func (s *Store) Create(ctx context.Context, documentID, sourceRef string, retryCount int) (*Job, error) {
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return nil, errors.New("document id must not be empty")
	}

	id := uuid.NewString()
	timestamp := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO jobs (id, document_id, source_ref, status, progress_percent, retry_count, created_at, updated_at)
         VALUES (?, ?, ?, ?, 0, ?, ?, ?)`,
		id,
		documentID,
		sourceRef,
		StatusQueued,
		retryCount,
		timestamp,
		timestamp,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyActive
		}
		return nil, fmt.Errorf("insert job: %w", err)
	}

	job, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	s.fireUpdate(job)
	return job, nil
}

// GetByID fetches a job by identifier; a missing job yields (nil, nil).
func (s *Store) GetByID(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ActiveByDocument returns the document's queued or processing job, if any.
func (s *Store) ActiveByDocument(ctx context.Context, documentID string) (*Job, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE document_id = ? AND status IN (?, ?) LIMIT 1`,
		documentID,
		StatusQueued,
		StatusProcessing,
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active job by document: %w", err)
	}
	return job, nil
}

// LatestByDocument returns the most recent job for the document, if any.
func (s *Store) LatestByDocument(ctx context.Context, documentID string) (*Job, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE document_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		documentID,
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest job by document: %w", err)
	}
	return job, nil
}

// Update carries the mutable fields of a status transition.
type Update struct {
	Status       Status
	Progress     int
	CurrentStage string
	ErrorKind    services.Kind
	ErrorMessage string
}

// UpdateStatus applies a state transition with compare-and-set semantics:
// the write is rejected when the row has already reached a terminal state or
// when it would move progress backward. On success the fresh row is passed to
// the registered update hook.
func (s *Store) UpdateStatus(ctx context.Context, id string, update Update) (*Job, error) {
	if _, ok := statusSet[update.Status]; !ok {
		return nil, fmt.Errorf("unknown status %q", update.Status)
	}
	progress := update.Progress
	if update.Status == StatusCompleted {
		progress = 100
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}

	now := time.Now().UTC()
	var heartbeat any
	if update.Status == StatusProcessing {
		heartbeat = now.Format(time.RFC3339Nano)
	}

	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs
         SET status = ?, progress_percent = ?, current_stage = ?,
             error_kind = ?, error_message = ?, updated_at = ?, last_heartbeat = ?
         WHERE id = ?
           AND status NOT IN (?, ?)
           AND progress_percent <= ?`,
		update.Status,
		progress,
		nullableString(update.CurrentStage),
		nullableString(string(update.ErrorKind)),
		nullableString(update.ErrorMessage),
		now.Format(time.RFC3339Nano),
		heartbeat,
		id,
		StatusCompleted,
		StatusFailed,
		progress,
	)
	if err != nil {
		return nil, fmt.Errorf("update job status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		current, getErr := s.GetByID(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		if current == nil {
			return nil, ErrNotFound
		}
		if current.Status.Terminal() {
			return nil, ErrTerminal
		}
		return nil, fmt.Errorf("job %s: progress would regress from %d to %d", id, current.Progress, progress)
	}

	job, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	s.fireUpdate(job)
	return job, nil
}

// RequestCancel flags a job for cooperative cancellation. A job that has not
// started processing fails immediately with kind cancelled; a processing job
// keeps running until the executor observes the flag between stages.
func (s *Store) RequestCancel(ctx context.Context, id string) (*Job, error) {
	job, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, ErrNotFound
	}
	switch job.Status {
	case StatusQueued:
		return s.UpdateStatus(ctx, id, Update{
			Status:       StatusFailed,
			Progress:     job.Progress,
			CurrentStage: job.CurrentStage,
			ErrorKind:    services.KindCancelled,
			ErrorMessage: "cancelled before processing started",
		})
	case StatusProcessing:
		_, err := s.db.ExecContext(
			ctx,
			`UPDATE jobs SET cancel_requested = 1, updated_at = ? WHERE id = ?`,
			time.Now().UTC().Format(time.RFC3339Nano),
			id,
		)
		if err != nil {
			return nil, fmt.Errorf("request cancel: %w", err)
		}
		return s.GetByID(ctx, id)
	default:
		return nil, ErrTerminal
	}
}

// CancelRequested reports whether cooperative cancellation has been requested.
func (s *Store) CancelRequested(ctx context.Context, id string) (bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT cancel_requested FROM jobs WHERE id = ?`, id)
	var flag int
	if err := row.Scan(&flag); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("cancel requested: %w", err)
	}
	return flag != 0, nil
}

// UpdateHeartbeat refreshes the liveness timestamp for an in-flight job.
func (s *Store) UpdateHeartbeat(ctx context.Context, id string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs SET last_heartbeat = ? WHERE id = ? AND status = ?`,
		now,
		id,
		StatusProcessing,
	)
	if err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	return nil
}

// StaleProcessing returns processing jobs whose heartbeat predates cutoff.
// The watchdog force-fails these with kind timeout.
func (s *Store) StaleProcessing(ctx context.Context, cutoff time.Time) ([]*Job, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+jobColumns+` FROM jobs
         WHERE status = ? AND (last_heartbeat IS NULL OR last_heartbeat < ?)`,
		StatusProcessing,
		cutoff.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("query stale processing: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// List returns jobs filtered by status set, newest first.
func (s *Store) List(ctx context.Context, statuses ...Status) ([]*Job, error) {
	baseQuery := `SELECT ` + jobColumns + ` FROM jobs`
	orderClause := ` ORDER BY created_at DESC, rowid DESC`

	var (
		rows *sql.Rows
		err  error
	)
	if len(statuses) == 0 {
		rows, err = s.db.QueryContext(ctx, baseQuery+orderClause)
	} else {
		placeholders := makePlaceholders(len(statuses))
		args := make([]any, len(statuses))
		for i, status := range statuses {
			args[i] = status
		}
		rows, err = s.db.QueryContext(ctx, baseQuery+` WHERE status IN (`+placeholders+`)`+orderClause, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// Stats returns a count of jobs grouped by status.
func (s *Store) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[Status]int)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

const jobColumns = "id, document_id, source_ref, status, progress_percent, current_stage, retry_count, error_kind, error_message, cancel_requested, created_at, updated_at, last_heartbeat"

func collectJobs(rows *sql.Rows) ([]*Job, error) {
	var out []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func scanJob(scanner interface{ Scan(dest ...any) error }) (*Job, error) {
	var (
		id           string
		documentID   string
		sourceRef    sql.NullString
		statusStr    string
		progress     int
		currentStage sql.NullString
		retryCount   int
		errorKind    sql.NullString
		errorMessage sql.NullString
		cancelFlag   int
		createdRaw   string
		updatedRaw   string
		heartbeatRaw sql.NullString
	)
	if err := scanner.Scan(
		&id,
		&documentID,
		&sourceRef,
		&statusStr,
		&progress,
		&currentStage,
		&retryCount,
		&errorKind,
		&errorMessage,
		&cancelFlag,
		&createdRaw,
		&updatedRaw,
		&heartbeatRaw,
	); err != nil {
		return nil, err
	}

	job := &Job{
		ID:              id,
		DocumentID:      documentID,
		SourceRef:       sourceRef.String,
		Status:          Status(statusStr),
		Progress:        progress,
		CurrentStage:    currentStage.String,
		RetryCount:      retryCount,
		ErrorKind:       services.Kind(errorKind.String),
		ErrorMessage:    errorMessage.String,
		CancelRequested: cancelFlag != 0,
	}
	if created, err := parseTimeString(createdRaw); err == nil {
		job.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		job.UpdatedAt = updated
	}
	if heartbeatRaw.Valid {
		if hb, err := parseTimeString(heartbeatRaw.String); err == nil {
			job.LastHeartbeat = &hb
		}
	}
	return job, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	return time.Parse(time.RFC3339Nano, value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
