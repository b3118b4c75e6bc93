// ============================================================================
// Task Source Interface
// ============================================================================
//
// Package: internal/worker
// File: source.go
// Purpose: Decouples the worker pool from where tasks come from.
//
//   - LocalSource: wraps a queue living in the same process.
//   - GrpcSource:  talks to a `framequeue serve` node (grpc_source.go).
//
// ============================================================================

package worker

import (
	"context"

	"github.com/ChuLiYu/framequeue/pkg/types"
)

// Source is where a worker pulls tasks, reads frames and files results.
type Source interface {
	// Pull blocks until one task is available or ctx is done.
	Pull(ctx context.Context, workerID, workerCount int) (*types.Task, error)

	// PullMany blocks until a chunk of tasks is available or ctx is done. A remote source
	// may return an empty chunk when its server-side wait expires.
	PullMany(ctx context.Context, workerID, workerCount int) ([]*types.Task, error)

	// FileResults hands finished results (duds included) back to the queue.
	FileResults(ctx context.Context, results []types.Result) error

	// FrameData reads one frame of the dataset.
	FrameData(ctx context.Context, index int64) (types.Frame, error)
}

// QueueBackend is the part of a queue a LocalSource needs. *queue.Queue satisfies it.
type QueueBackend interface {
	Pull(ctx context.Context, workerID, workerCount int) (*types.Task, error)
	PullMany(ctx context.Context, workerID, workerCount int) ([]*types.Task, error)
	FileResults(results []types.Result) error
	ImageData(index int64) (types.Frame, error)
}

// LocalSource serves tasks from an in-process queue.
type LocalSource struct {
	q QueueBackend
}

// NewLocalSource wraps q.
func NewLocalSource(q QueueBackend) *LocalSource {
	return &LocalSource{q: q}
}

func (s *LocalSource) Pull(ctx context.Context, workerID, workerCount int) (*types.Task, error) {
	return s.q.Pull(ctx, workerID, workerCount)
}

func (s *LocalSource) PullMany(ctx context.Context, workerID, workerCount int) ([]*types.Task, error) {
	return s.q.PullMany(ctx, workerID, workerCount)
}

func (s *LocalSource) FileResults(_ context.Context, results []types.Result) error {
	return s.q.FileResults(results)
}

func (s *LocalSource) FrameData(_ context.Context, index int64) (types.Frame, error) {
	return s.q.ImageData(index)
}
