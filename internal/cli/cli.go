// ============================================================================
// Frame Queue CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for running and inspecting a frame queue
//
// Command Structure:
//   framequeue                     # Root command
//   ├── serve                      # Own a queue: controller, gRPC, viewer, ingest
//   │   └── --data, --release-at
//   ├── worker                     # Run a worker pool against a serve node
//   │   └── --server, --workers
//   ├── status                     # Ask a serve node for its statistics
//   ├── inspect <container>        # Print the contents summary of a container file
//   ├── --config, -c               # YAML config file (default: configs/default.yaml)
//   └── --version
//
// Signal Handling:
//   serve and worker stop gracefully on SIGINT / SIGTERM. serve stops the ingest
//   consumer and the RPC endpoints first, then the controller, which flushes buffered
//   results and closes both containers.
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/framequeue/internal/controller"
	"github.com/ChuLiYu/framequeue/internal/ingest"
	"github.com/ChuLiYu/framequeue/internal/metadata"
	"github.com/ChuLiYu/framequeue/internal/metrics"
	"github.com/ChuLiYu/framequeue/internal/queue"
	"github.com/ChuLiYu/framequeue/internal/server"
	"github.com/ChuLiYu/framequeue/internal/storage"
	"github.com/ChuLiYu/framequeue/internal/viewer"
	"github.com/ChuLiYu/framequeue/internal/worker"
)

var log = slog.Default()

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "framequeue",
		Short: "framequeue: a persistent task queue for camera frame analysis",
		Long: `framequeue stores camera frames as they are acquired, hands them out to
analysis workers in chunks, reclaims tasks whose workers went quiet and
persists fit and drift results in batches.`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildWorkerCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildInspectCommand())

	return rootCmd
}

// loadAndSetup loads the config file and configures logging from it.
func loadAndSetup() (*Config, error) {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := setupLogging(cfg.Logging.Level); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ─── serve ──────────────────────────────────────────────────────────────────

func buildServeCommand() *cobra.Command {
	var dataPath string
	var releaseAt int64

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start a queue node",
		Long:  "Open or create a dataset, then serve tasks to workers until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadAndSetup()
			if err != nil {
				return err
			}
			if dataPath != "" {
				cfg.Storage.DataPath = dataPath
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, releaseAt)
		},
	}

	cmd.Flags().StringVar(&dataPath, "data", "", "dataset container path (overrides storage.data_path)")
	cmd.Flags().Int64Var(&releaseAt, "release-at", -1, "release tasks from this index at startup (-1: wait for the acquisition)")
	return cmd
}

func runServe(ctx context.Context, cfg *Config, releaseAt int64) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewCollector(reg)

	qcfg, err := cfg.QueueConfig()
	if err != nil {
		return err
	}
	qcfg.Metrics = m
	q, err := queue.New(qcfg)
	if err != nil {
		return fmt.Errorf("failed to open queue: %w", err)
	}

	ctrl := controller.NewController(q, m, controller.Config{
		SweepInterval: cfg.Queue.SweepInterval,
		LocalWorkers:  cfg.Worker.Local,
		Worker:        worker.Config{CacheFrames: cfg.Worker.CacheFrames},
	})
	if err := ctrl.Start(); err != nil {
		q.Close()
		return fmt.Errorf("failed to start controller: %w", err)
	}
	if releaseAt >= 0 {
		q.Release(releaseAt)
	}

	if cfg.Metrics.Enabled {
		go func() {
			log.Info("Starting metrics server", "port", cfg.Metrics.Port)
			if err := metrics.StartServer(cfg.Metrics.Port, reg); err != nil {
				log.Error("Metrics server error", "error", err)
			}
		}()
	}

	var grpcServer *grpc.Server
	if cfg.Server.Enabled {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
		if err != nil {
			ctrl.Stop()
			return fmt.Errorf("failed to listen on port %d: %w", cfg.Server.Port, err)
		}
		grpcServer = grpc.NewServer(grpc.UnaryInterceptor(server.LoggingInterceptor(time.Second)))
		srv := server.NewServer(q, cfg.Server.MaxWait)
		server.Register(grpcServer, srv)
		log.Info("gRPC server listening", "port", cfg.Server.Port, "service", srv.String())
		go func() {
			if err := grpcServer.Serve(lis); err != nil {
				log.Error("gRPC server failed", "error", err)
			}
		}()
	}

	var httpServer *http.Server
	if cfg.Viewer.Enabled {
		v := viewer.NewServer(q)
		v.SetMetricsHandler(metrics.Handler(reg))
		httpServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Viewer.Port),
			Handler:           v.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		log.Info("Viewer listening", "port", cfg.Viewer.Port)
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Viewer failed", "error", err)
			}
		}()
	}

	ingestDone := make(chan error, 1)
	if cfg.Ingest.Enabled {
		go func() {
			ingestDone <- ingest.Run(ctx, ingest.Config{
				Brokers: cfg.Ingest.Brokers,
				Group:   cfg.Ingest.Group,
				Prefix:  cfg.Ingest.Prefix,
			}, q)
		}()
	}

	log.Info("System started successfully", "queue", q.ID(), "data", qcfg.DataPath)

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("Received shutdown signal, stopping gracefully...")
	case runErr = <-ingestDone:
		if runErr != nil {
			log.Error("Frame ingest stopped", "error", runErr)
		}
	}

	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		httpServer.Shutdown(shutdownCtx)
		cancel()
	}
	if err := ctrl.Stop(); err != nil {
		return errors.Join(runErr, err)
	}
	log.Info("System stopped. Goodbye!")
	return runErr
}

// ─── worker ─────────────────────────────────────────────────────────────────

func buildWorkerCommand() *cobra.Command {
	var serverAddr string
	var workers int

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run analysis workers against a queue node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadAndSetup()
			if err != nil {
				return err
			}
			if serverAddr != "" {
				cfg.Worker.Server = serverAddr
			}
			if workers > 0 {
				cfg.Worker.Count = workers
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runWorkerNode(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&serverAddr, "server", "", "queue node address (overrides worker.server)")
	cmd.Flags().IntVar(&workers, "workers", 0, "number of workers (overrides worker.count)")
	return cmd
}

func runWorkerNode(ctx context.Context, cfg *Config) error {
	if cfg.Worker.Server == "" {
		return fmt.Errorf("server address is required in worker mode")
	}

	log.Info("Connecting to queue node", "address", cfg.Worker.Server)
	conn, err := grpc.NewClient(cfg.Worker.Server, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect to queue node: %w", err)
	}
	defer conn.Close()

	pool := worker.NewPool(worker.NewGrpcSource(conn), worker.Config{
		Workers:     cfg.Worker.Count,
		CacheFrames: cfg.Worker.CacheFrames,
	})
	if err := pool.Start(ctx); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	<-ctx.Done()
	log.Info("Stopping worker node...")
	pool.Stop()
	return nil
}

// ─── status ─────────────────────────────────────────────────────────────────

func buildStatusCommand() *cobra.Command {
	var serverAddr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue statistics of a running node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadAndSetup()
			if err != nil {
				return err
			}
			if serverAddr != "" {
				cfg.Worker.Server = serverAddr
			}
			conn, err := grpc.NewClient(cfg.Worker.Server, grpc.WithTransportCredentials(insecure.NewCredentials()))
			if err != nil {
				return fmt.Errorf("failed to connect to queue node: %w", err)
			}
			defer conn.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			return showStatus(ctx, cmd.OutOrStdout(), conn)
		},
	}
	cmd.Flags().StringVar(&serverAddr, "server", "", "queue node address (overrides worker.server)")
	return cmd
}

func showStatus(ctx context.Context, w io.Writer, conn grpc.ClientConnInterface) error {
	stats := new(structpb.Struct)
	if err := conn.Invoke(ctx, server.FullMethod(server.MethodStats), &emptypb.Empty{}, stats); err != nil {
		return fmt.Errorf("rpc stats failed: %w", err)
	}
	f := stats.GetFields()

	fmt.Fprintln(w, "Queue statistics:")
	fmt.Fprintf(w, "  ├─ Frames:       %d\n", int64(f["num_slices"].GetNumberValue()))
	fmt.Fprintf(w, "  ├─ Open:         %d\n", int64(f["open"].GetNumberValue()))
	fmt.Fprintf(w, "  ├─ In progress:  %d\n", int64(f["in_progress"].GetNumberValue()))
	fmt.Fprintf(w, "  ├─ Completed:    %d\n", int64(f["completed"].GetNumberValue()))
	fmt.Fprintf(w, "  ├─ Accepting:    %t\n", f["accepting"].GetBoolValue())
	fmt.Fprintf(w, "  └─ Releasing:    %t\n", f["releasing"].GetBoolValue())
	return nil
}

// ─── inspect ────────────────────────────────────────────────────────────────

func buildInspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <container>",
		Short: "Summarize a dataset or results container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspectContainer(cmd.OutOrStdout(), args[0])
		},
	}
}

func inspectContainer(w io.Writer, path string) error {
	c, err := storage.OpenExisting(path, storage.Options{Domain: "inspect", ReadOnly: true})
	if err != nil {
		return err
	}
	defer c.Close()

	shape := c.Shape()
	fmt.Fprintf(w, "Container: %s\n", path)
	fmt.Fprintf(w, "  ├─ Frames:       %d (%dx%d)\n", c.NumFrames(), shape.Width, shape.Height)

	events, err := c.Events()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "  ├─ Events:       %d\n", len(events))

	for _, kind := range []storage.Kind{storage.KindFit, storage.KindDrift} {
		n, err := c.CountRows(kind)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "  ├─ %-13s %d rows\n", string(kind)+":", n)
	}

	meta, err := c.LoadMeta()
	if err != nil {
		return err
	}
	store, err := metadata.New(memBackend(meta))
	if err != nil {
		return err
	}
	keys := store.Names()
	fmt.Fprintf(w, "  └─ Metadata:     %d entries\n", len(keys))
	for _, k := range keys {
		v, _ := store.Get(k)
		fmt.Fprintf(w, "       %s = %v\n", k, v)
	}
	return nil
}

// memBackend is a read-only metadata backend over already loaded entries.
type memBackend map[string][]byte

func (m memBackend) PutMeta(string, []byte) error         { return errors.New("read-only") }
func (m memBackend) LoadMeta() (map[string][]byte, error) { return m, nil }
