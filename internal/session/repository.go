package session

import (
	"context"
	"database/sql"
	"time"
)

type Repository interface {
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context, limit int) ([]*Job, error)
	ListActiveJobs(ctx context.Context) ([]*Job, error)
	UpdateJobStatus(ctx context.Context, id, status string, failure *Failure) error
	UpdateJobProgress(ctx context.Context, id string, progress int, label string) error

	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error
}

type SQLiteRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// timeLayout sorts lexically in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const jobColumns = `id, type, status, progress, label, error, code, hint, created_at, updated_at`

func (r *SQLiteRepository) CreateJob(ctx context.Context, j *Job) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, j.ID, j.Type, j.Status, j.Progress, nullString(j.Label),
		nullString(j.Error), nullString(j.Code), nullString(j.Hint),
		j.CreatedAt.UTC().Format(timeLayout), j.UpdatedAt.UTC().Format(timeLayout))
	return err
}

func (r *SQLiteRepository) GetJob(ctx context.Context, id string) (*Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return j, err
}

func (r *SQLiteRepository) ListJobs(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs ORDER BY created_at DESC, rowid DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (r *SQLiteRepository) ListActiveJobs(ctx context.Context) ([]*Job, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs WHERE status IN ('pending', 'running') ORDER BY created_at ASC, rowid ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (r *SQLiteRepository) UpdateJobStatus(ctx context.Context, id, status string, failure *Failure) error {
	var errMsg, code, hint string
	if failure != nil {
		errMsg, code, hint = failure.Message, failure.Code, failure.Hint
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, error = ?, code = ?, hint = ?, updated_at = ? WHERE id = ?
	`, status, nullString(errMsg), nullString(code), nullString(hint), now(), id)
	return err
}

func (r *SQLiteRepository) UpdateJobProgress(ctx context.Context, id string, progress int, label string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET progress = ?, label = ?, updated_at = ? WHERE id = ?
	`, progress, nullString(label), now(), id)
	return err
}

func (r *SQLiteRepository) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, "SELECT value FROM config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (r *SQLiteRepository) SetConfig(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var label, errMsg, code, hint sql.NullString
	var createdAt, updatedAt string

	if err := row.Scan(&j.ID, &j.Type, &j.Status, &j.Progress, &label, &errMsg, &code, &hint, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	j.Label = label.String
	j.Error = errMsg.String
	j.Code = code.String
	j.Hint = hint.String
	j.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	j.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	return &j, nil
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func now() string {
	return time.Now().UTC().Format(timeLayout)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
