package escrow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"freelanceflow/internal/validate"
)

// MemoryStore simulates the escrow contract with a process-local map.
// Status transitions are checked and written under one lock, so two
// racing approvals cannot both pass the state check.
type MemoryStore struct {
	// SettleDelay emulates network settlement before each mutation.
	SettleDelay time.Duration
	// MinAmount is the job-creation floor in native units.
	MinAmount float64

	mu    sync.Mutex
	jobs  map[string]*Job
	now   func() time.Time
	newID func(time.Time) string
	log   *zap.Logger
}

func NewMemoryStore(log *zap.Logger) *MemoryStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &MemoryStore{
		MinAmount: 1,
		jobs:      make(map[string]*Job),
		now:       time.Now,
		newID:     newJobID,
		log:       log,
	}
}

// newJobID embeds the creation time plus a random suffix. Uniqueness is
// required; ordering is not.
func newJobID(t time.Time) string {
	return fmt.Sprintf("job_%d_%s", t.UnixMilli(), uuid.NewString()[:8])
}

func validateCreate(req CreateJobRequest, minAmount float64) error {
	if err := validate.Address(req.Client); err != nil {
		return fmt.Errorf("%w: client", ErrInvalidAddress)
	}
	if err := validate.Address(req.Freelancer); err != nil {
		return fmt.Errorf("%w: freelancer", ErrInvalidAddress)
	}
	if err := validate.CreateAmount(req.Amount, minAmount); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, req.Amount)
	}
	if err := validate.Description(req.Description); err != nil {
		return ErrInvalidDescription
	}
	return nil
}

func (m *MemoryStore) CreateJob(ctx context.Context, req CreateJobRequest) (string, error) {
	if err := validateCreate(req, m.MinAmount); err != nil {
		return "", err
	}
	if err := m.settle(ctx); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	created := m.now()
	job := &Job{
		ID:          m.newID(created),
		Client:      req.Client,
		Freelancer:  req.Freelancer,
		Amount:      req.Amount,
		Description: req.Description,
		Status:      StatusInEscrow,
		CreatedAt:   created,
	}
	m.jobs[job.ID] = job

	m.log.Info("job created", zap.String("job_id", job.ID), zap.String("amount", job.Amount))
	return job.ID, nil
}

func (m *MemoryStore) ApproveJob(ctx context.Context, jobID, callerAddress string) (*Job, error) {
	return m.transition(ctx, jobID, callerAddress, StatusCompleted)
}

func (m *MemoryStore) CancelJob(ctx context.Context, jobID, callerAddress string) (*Job, error) {
	return m.transition(ctx, jobID, callerAddress, StatusCancelled)
}

func (m *MemoryStore) transition(ctx context.Context, jobID, callerAddress string, to Status) (*Job, error) {
	if err := m.settle(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	if job.Client != callerAddress {
		return nil, ErrUnauthorized
	}
	if job.Status != StatusInEscrow {
		return nil, fmt.Errorf("%w: status is %s", ErrInvalidState, job.Status)
	}

	job.Status = to
	if to == StatusCompleted {
		at := m.now()
		job.CompletedAt = &at
	}

	m.log.Info("job transitioned", zap.String("job_id", jobID), zap.String("status", string(to)))
	return job.clone(), nil
}

func (m *MemoryStore) GetJob(_ context.Context, jobID string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return nil, nil
	}
	return job.clone(), nil
}

func (m *MemoryStore) GetUserJobs(_ context.Context, address string) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Job
	for _, job := range m.jobs {
		if job.Client == address || job.Freelancer == address {
			out = append(out, *job.clone())
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// settle emulates the latency of network settlement. Callers must treat
// mutations as blocking operations, not instantaneous map writes.
func (m *MemoryStore) settle(ctx context.Context) error {
	if m.SettleDelay <= 0 {
		return nil
	}
	timer := time.NewTimer(m.SettleDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
