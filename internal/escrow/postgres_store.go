package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresStore is the durable Store variant. Transitions run inside a
// transaction with a row lock, so a racing double-approval loses
// deterministically instead of double-firing.
type PostgresStore struct {
	pool *pgxpool.Pool
	log  *zap.Logger

	// MinAmount mirrors MemoryStore's job-creation floor.
	MinAmount float64
}

const createJobsTableSQL = `
CREATE TABLE IF NOT EXISTS escrow_jobs (
    id TEXT PRIMARY KEY,
    client_address TEXT NOT NULL,
    freelancer_address TEXT NOT NULL,
    amount TEXT NOT NULL,
    description TEXT NOT NULL,
    status TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS escrow_jobs_client_idx ON escrow_jobs (client_address);
CREATE INDEX IF NOT EXISTS escrow_jobs_freelancer_idx ON escrow_jobs (freelancer_address);
`

// NewPostgresStore connects using the DSN and ensures the table exists.
func NewPostgresStore(ctx context.Context, dsn string, log *zap.Logger) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("escrow: postgres dsn is empty")
	}
	if log == nil {
		log = zap.NewNop()
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, createJobsTableSQL); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool, log: log, MinAmount: 1}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) CreateJob(ctx context.Context, req CreateJobRequest) (string, error) {
	if err := validateCreate(req, p.MinAmount); err != nil {
		return "", err
	}

	created := time.Now().UTC()
	id := newJobID(created)

	_, err := p.pool.Exec(ctx, `
INSERT INTO escrow_jobs (id, client_address, freelancer_address, amount, description, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`, id, req.Client, req.Freelancer, req.Amount, req.Description, string(StatusInEscrow), created)
	if err != nil {
		return "", err
	}

	p.log.Info("job created", zap.String("job_id", id))
	return id, nil
}

func (p *PostgresStore) ApproveJob(ctx context.Context, jobID, callerAddress string) (*Job, error) {
	return p.transition(ctx, jobID, callerAddress, StatusCompleted)
}

func (p *PostgresStore) CancelJob(ctx context.Context, jobID, callerAddress string) (*Job, error) {
	return p.transition(ctx, jobID, callerAddress, StatusCancelled)
}

func (p *PostgresStore) transition(ctx context.Context, jobID, callerAddress string, to Status) (*Job, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	job, err := scanJob(tx.QueryRow(ctx, `
SELECT id, client_address, freelancer_address, amount, description, status, created_at, completed_at
FROM escrow_jobs WHERE id = $1 FOR UPDATE
`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if job.Client != callerAddress {
		return nil, ErrUnauthorized
	}
	if job.Status != StatusInEscrow {
		return nil, ErrInvalidState
	}

	job.Status = to
	if to == StatusCompleted {
		at := time.Now().UTC()
		job.CompletedAt = &at
	}

	if _, err := tx.Exec(ctx, `
UPDATE escrow_jobs SET status = $1, completed_at = $2 WHERE id = $3
`, string(job.Status), job.CompletedAt, jobID); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	p.log.Info("job transitioned", zap.String("job_id", jobID), zap.String("status", string(to)))
	return job, nil
}

func (p *PostgresStore) GetJob(ctx context.Context, jobID string) (*Job, error) {
	job, err := scanJob(p.pool.QueryRow(ctx, `
SELECT id, client_address, freelancer_address, amount, description, status, created_at, completed_at
FROM escrow_jobs WHERE id = $1
`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (p *PostgresStore) GetUserJobs(ctx context.Context, address string) ([]Job, error) {
	rows, err := p.pool.Query(ctx, `
SELECT id, client_address, freelancer_address, amount, description, status, created_at, completed_at
FROM escrow_jobs
WHERE client_address = $1 OR freelancer_address = $1
ORDER BY created_at DESC, id DESC
`, address)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

func scanJob(row pgx.Row) (*Job, error) {
	var job Job
	var status string
	if err := row.Scan(&job.ID, &job.Client, &job.Freelancer, &job.Amount,
		&job.Description, &status, &job.CreatedAt, &job.CompletedAt); err != nil {
		return nil, err
	}
	job.Status = Status(status)
	return &job, nil
}
