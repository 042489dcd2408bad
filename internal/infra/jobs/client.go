package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/openctemio/scanworker/internal/app"
	"github.com/openctemio/scanworker/internal/config"
	"github.com/openctemio/scanworker/pkg/domain/scanjob"
	"github.com/openctemio/scanworker/pkg/logger"
)

// Client manages enqueueing background jobs using Asynq.
type Client struct {
	client   *asynq.Client
	queue    string
	timeouts map[scanjob.ScannerType]time.Duration
	logger   *logger.Logger
}

// ClientConfig contains configuration for the job client.
type ClientConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Queue         string
	// Timeouts holds the process timeout of each scanner type.
	Timeouts map[scanjob.ScannerType]time.Duration
}

// ScannerTimeouts extracts per-type process timeouts from scanner configuration.
func ScannerTimeouts(cfg config.ScannerConfig) map[scanjob.ScannerType]time.Duration {
	return map[scanjob.ScannerType]time.Duration{
		scanjob.TypeNetworkPort:    cfg.NmapTimeout,
		scanjob.TypeWebVuln:        cfg.NiktoTimeout,
		scanjob.TypeWebApp:         cfg.ZAPTimeout,
		scanjob.TypeVulnAssessment: cfg.OpenVASTimeout,
	}
}

// NewClient creates a new job client for enqueueing tasks.
func NewClient(cfg ClientConfig, log *logger.Logger) (*Client, error) {
	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	return newClient(asynq.NewClient(redisOpt), cfg, log), nil
}

func newClient(client *asynq.Client, cfg ClientConfig, log *logger.Logger) *Client {
	queue := cfg.Queue
	if queue == "" {
		queue = DefaultScanQueue
	}
	return &Client{
		client:   client,
		queue:    queue,
		timeouts: cfg.Timeouts,
		logger:   log.With("component", "job_client"),
	}
}

// Close closes the client connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// EnqueueScanDispatch enqueues a dispatch task for a queued job.
func (c *Client) EnqueueScanDispatch(ctx context.Context, job *scanjob.ScanJob) error {
	return c.EnqueueDescriptor(ctx, DescriptorFor(job))
}

// EnqueueDescriptor enqueues a dispatch task for a worker descriptor.
// Enqueueing a scan that is already pending is not an error.
func (c *Client) EnqueueDescriptor(ctx context.Context, desc app.Descriptor) error {
	timeout := 15 * time.Minute
	if t, err := scanjob.ParseScannerType(desc.Type); err == nil {
		if d, ok := c.timeouts[t]; ok && d > 0 {
			timeout = d
		}
	}

	task, err := NewScanDispatchTask(desc, timeout, c.queue)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	info, err := c.client.EnqueueContext(ctx, task)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			c.logger.Info("scan dispatch already queued", "scan_id", desc.ScanID)
			return nil
		}
		c.logger.Error("failed to enqueue scan dispatch",
			"scan_id", desc.ScanID,
			"error", err,
		)
		return fmt.Errorf("failed to enqueue task: %w", err)
	}

	c.logger.Info("scan dispatch queued",
		"task_id", info.ID,
		"scan_id", desc.ScanID,
		"queue", info.Queue,
	)
	return nil
}
