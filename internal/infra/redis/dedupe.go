package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openctemio/scanworker/pkg/logger"
)

// DefaultReconcileTTL is how long a reconcile marker is kept. Webhook
// redeliveries arrive well within it.
const DefaultReconcileTTL = 30 * 24 * time.Hour

const reconcileKeyPrefix = "scan:reconciled:"

// ReconcileDeduper records which scans have had their quota adjusted.
type ReconcileDeduper struct {
	client *Client
	ttl    time.Duration
	logger *logger.Logger
}

// NewReconcileDeduper creates a deduper. A non-positive ttl uses DefaultReconcileTTL.
func NewReconcileDeduper(client *Client, ttl time.Duration, log *logger.Logger) (*ReconcileDeduper, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if ttl <= 0 {
		ttl = DefaultReconcileTTL
	}
	return &ReconcileDeduper{
		client: client,
		ttl:    ttl,
		logger: log.With("component", "reconcile_dedupe"),
	}, nil
}

func reconcileKey(scanID string) string {
	return reconcileKeyPrefix + scanID
}

// MarkReconciled sets the marker for scanID. It returns false when the
// marker already existed.
func (d *ReconcileDeduper) MarkReconciled(ctx context.Context, scanID string) (bool, error) {
	if scanID == "" {
		return false, errors.New("scan id is required")
	}

	start := time.Now()
	ok, err := d.client.client.SetNX(ctx, reconcileKey(scanID), time.Now().UTC().Format(time.RFC3339), d.ttl).Result()
	observe("reconcile_mark", start, err)
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}

	recordMark(ok)
	if !ok {
		d.logger.Debug("reconcile marker already set", "scan_id", scanID)
	}
	return ok, nil
}

// Unmark removes the marker so a failed adjustment can be retried.
func (d *ReconcileDeduper) Unmark(ctx context.Context, scanID string) error {
	return d.client.Del(ctx, reconcileKey(scanID))
}
