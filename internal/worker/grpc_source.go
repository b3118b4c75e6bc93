package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/framequeue/internal/server"
	"github.com/ChuLiYu/framequeue/pkg/types"
)

// GrpcSource is a Source backed by a remote queue served by internal/server.
type GrpcSource struct {
	conn grpc.ClientConnInterface
}

// NewGrpcSource creates a GrpcSource. conn should be an established client connection.
func NewGrpcSource(conn grpc.ClientConnInterface) *GrpcSource {
	return &GrpcSource{conn: conn}
}

// Pull retries the server's bounded wait until a task arrives or ctx is done.
func (s *GrpcSource) Pull(ctx context.Context, workerID, workerCount int) (*types.Task, error) {
	req := server.NewPullRequest(workerID, workerCount)
	for {
		out := new(wrapperspb.BytesValue)
		if err := s.conn.Invoke(ctx, server.FullMethod(server.MethodPull), req, out); err != nil {
			return nil, fmt.Errorf("rpc pull failed: %w", err)
		}
		if len(out.GetValue()) > 0 {
			var task types.Task
			if err := json.Unmarshal(out.GetValue(), &task); err != nil {
				return nil, fmt.Errorf("decode task: %w", err)
			}
			return &task, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

// PullMany returns one server reply, which is empty when no task became available within
// the server's wait.
func (s *GrpcSource) PullMany(ctx context.Context, workerID, workerCount int) ([]*types.Task, error) {
	out := new(wrapperspb.BytesValue)
	if err := s.conn.Invoke(ctx, server.FullMethod(server.MethodPullMany), server.NewPullRequest(workerID, workerCount), out); err != nil {
		return nil, fmt.Errorf("rpc pull many failed: %w", err)
	}
	var tasks []*types.Task
	if err := json.Unmarshal(out.GetValue(), &tasks); err != nil {
		return nil, fmt.Errorf("decode tasks: %w", err)
	}
	return tasks, nil
}

func (s *GrpcSource) FileResults(ctx context.Context, results []types.Result) error {
	b, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("encode results: %w", err)
	}
	if err := s.conn.Invoke(ctx, server.FullMethod(server.MethodFileResults), wrapperspb.Bytes(b), new(emptypb.Empty)); err != nil {
		return fmt.Errorf("rpc file results failed: %w", err)
	}
	return nil
}

func (s *GrpcSource) FrameData(ctx context.Context, index int64) (types.Frame, error) {
	out := new(wrapperspb.BytesValue)
	if err := s.conn.Invoke(ctx, server.FullMethod(server.MethodFrameData), wrapperspb.Int64(index), out); err != nil {
		return types.Frame{}, fmt.Errorf("rpc frame %d failed: %w", index, err)
	}
	return types.DecodeFrame(out.GetValue())
}

// OpenCount asks the server for the open count; exact=false may over-report briefly.
func (s *GrpcSource) OpenCount(ctx context.Context, exact bool) (int, error) {
	out := new(wrapperspb.Int64Value)
	if err := s.conn.Invoke(ctx, server.FullMethod(server.MethodOpenCount), wrapperspb.Bool(exact), out); err != nil {
		return 0, fmt.Errorf("rpc open count failed: %w", err)
	}
	return int(out.GetValue()), nil
}
