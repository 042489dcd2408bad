// Package notification delivers completion webhooks for finished scans.
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/openctemio/scanworker/internal/config"
	"github.com/openctemio/scanworker/internal/metrics"
	"github.com/openctemio/scanworker/pkg/domain/delivery"
	"github.com/openctemio/scanworker/pkg/domain/scanjob"
	"github.com/openctemio/scanworker/pkg/logger"
)

const (
	defaultTimeout   = 30 * time.Second
	maxResponseBytes = 1 << 20
	userAgent        = "scanworker-webhook/1.0"
)

// DeliveryClient POSTs the completion payload to the configured receiver.
// It makes exactly one attempt per call.
type DeliveryClient struct {
	url          string
	secretHeader string
	secret       string
	signer       *delivery.Signer
	httpClient   *http.Client
	logger       *logger.Logger
}

// NewDeliveryClient creates a client from webhook configuration. An empty
// URL yields a client whose Notify is a logged no-op.
func NewDeliveryClient(cfg config.WebhookConfig, log *logger.Logger) *DeliveryClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	header := cfg.SecretHeader
	if header == "" {
		header = delivery.HeaderWebhookSignature
	}
	return &DeliveryClient{
		url:          cfg.URL,
		secretHeader: header,
		secret:       cfg.Secret,
		signer:       delivery.NewSigner(cfg.Secret),
		httpClient:   &http.Client{Timeout: timeout},
		logger:       log.With("component", "delivery"),
	}
}

// Notify sends payload once. Failures come back as NotificationFailed.
func (c *DeliveryClient) Notify(ctx context.Context, payload delivery.Payload) error {
	log := c.logger.With("scan_id", payload.ScanID, "status", string(payload.Status))
	if c.url == "" {
		metrics.WebhookDeliveriesTotal.WithLabelValues("skipped").Inc()
		log.Info("webhook url not configured, skipping delivery")
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return scanjob.NewNotificationFailedError(fmt.Errorf("marshal webhook payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return scanjob.NewNotificationFailedError(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if c.secret != "" {
		req.Header.Set(c.secretHeader, c.secret)
		req.Header.Set(delivery.HeaderBodySignature, c.signer.Sign(body))
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
		return scanjob.NewNotificationFailedError(fmt.Errorf("send request failed: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
		return scanjob.NewNotificationFailedError(fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, truncate(respBody, 512)))
	}

	metrics.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
	log.Debug("webhook delivered", "status_code", resp.StatusCode, "duration_ms", time.Since(start).Milliseconds())
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
