package verify

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresJobStore persists verification jobs in PostgreSQL so retry
// schedules survive restarts.
type PostgresJobStore struct {
	db *sql.DB
}

// NewPostgresJobStore creates a new PostgreSQL-backed job store.
func NewPostgresJobStore(db *sql.DB) *PostgresJobStore {
	return &PostgresJobStore{db: db}
}

var _ JobStore = (*PostgresJobStore)(nil)

const jobColumns = `id, escrow_id, attempt, next_run_at, state, last_error, created_at, updated_at`

func (p *PostgresJobStore) Create(ctx context.Context, job *Job) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO verification_jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		job.ID, job.EscrowID, job.Attempt, job.NextRunAt, string(job.State), job.LastError, job.CreatedAt, job.UpdatedAt,
	)
	return err
}

func (p *PostgresJobStore) Update(ctx context.Context, job *Job) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE verification_jobs
		SET attempt = $1, next_run_at = $2, state = $3, last_error = $4, updated_at = $5
		WHERE id = $6`,
		job.Attempt, job.NextRunAt, string(job.State), job.LastError, job.UpdatedAt, job.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNoJob
	}
	return nil
}

func (p *PostgresJobStore) Due(ctx context.Context, now time.Time, limit int) ([]*Job, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM verification_jobs
		WHERE state = 'pending' AND next_run_at <= $1
		ORDER BY next_run_at ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

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

func (p *PostgresJobStore) PendingByEscrow(ctx context.Context, escrowID string) (*Job, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM verification_jobs
		WHERE escrow_id = $1 AND state = 'pending'
		ORDER BY created_at DESC
		LIMIT 1`, escrowID)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoJob
	}
	return job, err
}

func scanJob(s interface{ Scan(dest ...interface{}) error }) (*Job, error) {
	job := &Job{}
	var state string
	var lastError sql.NullString
	err := s.Scan(&job.ID, &job.EscrowID, &job.Attempt, &job.NextRunAt, &state, &lastError, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}
	job.State = JobState(state)
	job.LastError = lastError.String
	return job, nil
}
