// Package escrow is the authoritative record of jobs and their
// lifecycle, standing in for a ledger-anchored contract.
package escrow

import (
	"context"
	"errors"
	"time"
)

// Status is the job lifecycle state. Transitions only fire from
// StatusInEscrow; Completed and Cancelled are terminal.
type Status string

const (
	StatusInEscrow  Status = "InEscrow"
	StatusCompleted Status = "Completed"
	StatusCancelled Status = "Cancelled"
)

var (
	ErrInvalidAddress     = errors.New("escrow: invalid ledger address")
	ErrInvalidAmount      = errors.New("escrow: invalid amount")
	ErrInvalidDescription = errors.New("escrow: invalid description")
	ErrNotFound           = errors.New("escrow: job not found")
	ErrUnauthorized       = errors.New("escrow: only the client may act on this job")
	ErrInvalidState       = errors.New("escrow: job is not in escrow")
)

// Job represents one escrow engagement. The store exclusively owns Job
// records; callers always receive copies.
type Job struct {
	ID          string     `json:"id"`
	Client      string     `json:"client"`
	Freelancer  string     `json:"freelancer"`
	Amount      string     `json:"amount"`
	Description string     `json:"description"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// clone returns a copy that shares no pointers with the receiver, so
// callers can never write through to a stored record.
func (j *Job) clone() *Job {
	out := *j
	if j.CompletedAt != nil {
		at := *j.CompletedAt
		out.CompletedAt = &at
	}
	return &out
}

// CreateJobRequest carries validated-on-entry job parameters.
type CreateJobRequest struct {
	Client      string
	Freelancer  string
	Amount      string
	Description string
}

// Store abstracts the job registry so a ledger-backed implementation
// can replace the in-memory one without touching callers.
type Store interface {
	// CreateJob validates the request, allocates a fresh id, and inserts
	// the job in StatusInEscrow.
	CreateJob(ctx context.Context, req CreateJobRequest) (string, error)
	// ApproveJob moves an in-escrow job to Completed. Only the client
	// may approve; terminal jobs are never mutated.
	ApproveJob(ctx context.Context, jobID, callerAddress string) (*Job, error)
	// CancelJob moves an in-escrow job to Cancelled under the same
	// authorization rules as ApproveJob.
	CancelJob(ctx context.Context, jobID, callerAddress string) (*Job, error)
	// GetJob returns the job or (nil, nil) when absent.
	GetJob(ctx context.Context, jobID string) (*Job, error)
	// GetUserJobs returns every job where the address is client or
	// freelancer, newest createdAt first, ties broken by id descending.
	GetUserJobs(ctx context.Context, address string) ([]Job, error)
}
