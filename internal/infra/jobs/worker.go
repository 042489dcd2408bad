package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/openctemio/scanworker/pkg/logger"
)

// WorkerConfig holds the configuration for the job worker.
type WorkerConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Concurrency   int
	Queue         string
	// ShutdownTimeout is how long in-flight scans may run after Run's
	// context is canceled. Zero uses asynq's default.
	ShutdownTimeout time.Duration
}

// Worker consumes scan dispatch tasks from the queue.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	logger *logger.Logger
}

// NewWorker builds a worker that hands every dispatch task to processor.
func NewWorker(cfg WorkerConfig, processor ScanProcessor, log *logger.Logger) (*Worker, error) {
	if cfg.Concurrency < 1 {
		return nil, fmt.Errorf("worker concurrency must be at least 1, got %d", cfg.Concurrency)
	}
	if cfg.Queue == "" {
		cfg.Queue = DefaultScanQueue
	}
	log = log.With("component", "job_worker", "queue", cfg.Queue)

	srv := asynq.NewServer(
		asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB},
		asynq.Config{
			Concurrency:     cfg.Concurrency,
			Queues:          map[string]int{cfg.Queue: 1},
			ShutdownTimeout: cfg.ShutdownTimeout,
			ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
				log.Warn("scan task failed", "type", task.Type(), "error", err)
			}),
			Logger:   asynqLogger{log},
			LogLevel: asynq.WarnLevel,
		},
	)

	mux := asynq.NewServeMux()
	NewScanTaskHandler(processor, log.Logger).RegisterHandlers(mux)

	return &Worker{server: srv, mux: mux, logger: log}, nil
}

// Run processes tasks until ctx is canceled, then drains in-flight scans.
// It returns ctx.Err() after a requested stop.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.server.Start(w.mux); err != nil {
		return fmt.Errorf("start job worker: %w", err)
	}
	w.logger.Info("job worker started")

	<-ctx.Done()
	w.logger.Info("stopping job worker")
	w.server.Shutdown()
	return ctx.Err()
}

// asynqLogger routes asynq's internal logging through the service logger.
type asynqLogger struct {
	l *logger.Logger
}

func (a asynqLogger) Debug(args ...any) { a.l.Debug(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...any)  { a.l.Info(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...any)  { a.l.Warn(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...any) { a.l.Error(fmt.Sprint(args...)) }
func (a asynqLogger) Fatal(args ...any) { a.l.Error(fmt.Sprint(args...)) }
