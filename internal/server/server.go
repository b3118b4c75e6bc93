// Package server exposes a queue to remote workers over gRPC.
//
// The service is declared by hand on top of protobuf well-known types, so no generated
// stubs are needed: requests and small replies use structpb / wrapperspb values, task and
// result batches travel as JSON inside BytesValue, and frames use types.EncodeFrame.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/framequeue/internal/queue"
	"github.com/ChuLiYu/framequeue/internal/storage"
	"github.com/ChuLiYu/framequeue/pkg/types"
)

var log = slog.Default()

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "framequeue.v1.TaskQueue"

// Method names.
const (
	MethodPull        = "Pull"
	MethodPullMany    = "PullMany"
	MethodFileResults = "FileResults"
	MethodFrameData   = "FrameData"
	MethodOpenCount   = "OpenCount"
	MethodStats       = "Stats"
)

// DefaultMaxWait bounds how long one pull call blocks on the server.
const DefaultMaxWait = 5 * time.Second

// FullMethod returns "/framequeue.v1.TaskQueue/<method>".
func FullMethod(method string) string { return "/" + ServiceName + "/" + method }

// Backend is the queue surface served to workers. *queue.Queue satisfies it.
type Backend interface {
	Pull(ctx context.Context, workerID, workerCount int) (*types.Task, error)
	PullMany(ctx context.Context, workerID, workerCount int) ([]*types.Task, error)
	FileResults(results []types.Result) error
	ImageData(index int64) (types.Frame, error)
	OpenCount(exact bool) int
	Stats() types.QueueStats
}

// TaskQueueServer is the service handler interface.
type TaskQueueServer interface {
	Pull(context.Context, *structpb.Struct) (*wrapperspb.BytesValue, error)
	PullMany(context.Context, *structpb.Struct) (*wrapperspb.BytesValue, error)
	FileResults(context.Context, *wrapperspb.BytesValue) (*emptypb.Empty, error)
	FrameData(context.Context, *wrapperspb.Int64Value) (*wrapperspb.BytesValue, error)
	OpenCount(context.Context, *wrapperspb.BoolValue) (*wrapperspb.Int64Value, error)
	Stats(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// Server implements TaskQueueServer over a Backend.
type Server struct {
	backend Backend
	maxWait time.Duration
}

// NewServer creates a Server. A pull with no work returns an empty reply after maxWait,
// so a worker's call never outlives a server-side bound.
func NewServer(backend Backend, maxWait time.Duration) *Server {
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	return &Server{backend: backend, maxWait: maxWait}
}

// Register attaches s to gs.
func Register(gs *grpc.Server, s *Server) {
	gs.RegisterService(&serviceDesc, s)
}

// NewPullRequest builds the request message of Pull and PullMany.
func NewPullRequest(workerID, workerCount int) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"worker_id":    structpb.NewNumberValue(float64(workerID)),
		"worker_count": structpb.NewNumberValue(float64(workerCount)),
	}}
}

func parsePullRequest(req *structpb.Struct) (workerID, workerCount int, err error) {
	fields := req.GetFields()
	id, okID := fields["worker_id"]
	count, okCount := fields["worker_count"]
	if !okID || !okCount {
		return 0, 0, status.Error(codes.InvalidArgument, "worker_id and worker_count are required")
	}
	workerID, workerCount = int(id.GetNumberValue()), int(count.GetNumberValue())
	if workerCount <= 0 || workerID < 0 {
		return 0, 0, status.Errorf(codes.InvalidArgument, "invalid worker %d of %d", workerID, workerCount)
	}
	return workerID, workerCount, nil
}

// Pull serves one task, or an empty value if none became available within maxWait.
func (s *Server) Pull(ctx context.Context, req *structpb.Struct) (*wrapperspb.BytesValue, error) {
	id, count, err := parsePullRequest(req)
	if err != nil {
		return nil, err
	}
	pctx, cancel := context.WithTimeout(ctx, s.maxWait)
	defer cancel()

	task, err := s.backend.Pull(pctx, id, count)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return wrapperspb.Bytes(nil), nil
		}
		return nil, toStatus(err)
	}
	b, err := json.Marshal(task)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode task: %v", err)
	}
	return wrapperspb.Bytes(b), nil
}

// PullMany serves one chunk of tasks, or an empty list after maxWait.
func (s *Server) PullMany(ctx context.Context, req *structpb.Struct) (*wrapperspb.BytesValue, error) {
	id, count, err := parsePullRequest(req)
	if err != nil {
		return nil, err
	}
	pctx, cancel := context.WithTimeout(ctx, s.maxWait)
	defer cancel()

	tasks, err := s.backend.PullMany(pctx, id, count)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			tasks = []*types.Task{}
		} else {
			return nil, toStatus(err)
		}
	}
	b, err := json.Marshal(tasks)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode tasks: %v", err)
	}
	return wrapperspb.Bytes(b), nil
}

// FileResults files a JSON-encoded batch of results.
func (s *Server) FileResults(ctx context.Context, req *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	var results []types.Result
	if err := json.Unmarshal(req.GetValue(), &results); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode results: %v", err)
	}
	if err := s.backend.FileResults(results); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// FrameData serves one raw frame.
func (s *Server) FrameData(ctx context.Context, req *wrapperspb.Int64Value) (*wrapperspb.BytesValue, error) {
	f, err := s.backend.ImageData(req.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.Bytes(types.EncodeFrame(f)), nil
}

// OpenCount serves the (possibly batched) open count.
func (s *Server) OpenCount(ctx context.Context, req *wrapperspb.BoolValue) (*wrapperspb.Int64Value, error) {
	return wrapperspb.Int64(int64(s.backend.OpenCount(req.GetValue()))), nil
}

// Stats serves the queue summary.
func (s *Server) Stats(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st := s.backend.Stats()
	out, err := structpb.NewStruct(map[string]any{
		"open":        st.Open,
		"in_progress": st.InProgress,
		"completed":   st.Completed,
		"num_slices":  st.NumSlices,
		"accepting":   st.Accepting,
		"releasing":   st.Releasing,
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode stats: %v", err)
	}
	return out, nil
}

// toStatus maps queue and storage errors onto gRPC codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	case errors.Is(err, storage.ErrNoSuchFrame):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, queue.ErrMissingMetadata):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, storage.ErrClosed):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// ─── Service descriptor ─────────────────────────────────────────────────────

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TaskQueueServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodPull, func() any { return new(structpb.Struct) },
			func(s TaskQueueServer, ctx context.Context, req any) (any, error) {
				return s.Pull(ctx, req.(*structpb.Struct))
			}),
		unary(MethodPullMany, func() any { return new(structpb.Struct) },
			func(s TaskQueueServer, ctx context.Context, req any) (any, error) {
				return s.PullMany(ctx, req.(*structpb.Struct))
			}),
		unary(MethodFileResults, func() any { return new(wrapperspb.BytesValue) },
			func(s TaskQueueServer, ctx context.Context, req any) (any, error) {
				return s.FileResults(ctx, req.(*wrapperspb.BytesValue))
			}),
		unary(MethodFrameData, func() any { return new(wrapperspb.Int64Value) },
			func(s TaskQueueServer, ctx context.Context, req any) (any, error) {
				return s.FrameData(ctx, req.(*wrapperspb.Int64Value))
			}),
		unary(MethodOpenCount, func() any { return new(wrapperspb.BoolValue) },
			func(s TaskQueueServer, ctx context.Context, req any) (any, error) {
				return s.OpenCount(ctx, req.(*wrapperspb.BoolValue))
			}),
		unary(MethodStats, func() any { return new(emptypb.Empty) },
			func(s TaskQueueServer, ctx context.Context, req any) (any, error) {
				return s.Stats(ctx, req.(*emptypb.Empty))
			}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "framequeue/v1/taskqueue",
}

func unary(name string, newReq func() any, call func(TaskQueueServer, context.Context, any) (any, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(TaskQueueServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req)
			})
		},
	}
}

// LoggingInterceptor logs failed calls and calls slower than slow.
func LoggingInterceptor(slow time.Duration) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		took := time.Since(start)
		switch {
		case err != nil:
			log.Warn("RPC failed", "method", info.FullMethod, "took", took, "error", err)
		case took > slow:
			log.Debug("Slow RPC", "method", info.FullMethod, "took", took)
		}
		return resp, err
	}
}

// String describes the service for logs.
func (s *Server) String() string {
	return fmt.Sprintf("%s (max wait %s)", ServiceName, s.maxWait)
}
