package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 240*time.Second, cfg.Scanner.NmapTimeout)
	assert.Equal(t, 15*time.Minute, cfg.Scanner.OpenVASTimeout)
	assert.Equal(t, int64(10<<20), cfg.Scanner.MaxOutputBytes)
	assert.Equal(t, int64(20<<20), cfg.Scanner.OpenVASMaxOutput)
	assert.Equal(t, 5, cfg.Scanner.OpenVASBillingUnits)
	assert.Equal(t, 7*24*time.Hour, cfg.Storage.SignedURLTTL)
	assert.Equal(t, "X-Webhook-Signature", cfg.Webhook.SecretHeader)
	assert.True(t, cfg.Retention.DryRun)
	assert.Equal(t, 30, cfg.Retention.CutoffDays)
	assert.True(t, cfg.Recovery.Enabled)
	assert.Equal(t, "*/5 * * * *", cfg.Recovery.Schedule)
	assert.Equal(t, 5*time.Minute, cfg.Recovery.Grace)
	assert.Equal(t, 15*time.Minute, cfg.Recovery.QueuedAfter)
}

func TestLoad_LegacyVariables(t *testing.T) {
	t.Setenv("GCP_BUCKET_NAME", "legacy-bucket")
	t.Setenv("VERCEL_WEBHOOK_URL", "https://app.example.com/api/scans/webhook")
	t.Setenv("GCP_WEBHOOK_SECRET", "shh")
	t.Setenv("NMAP_TIMEOUT_MS", "60000")
	t.Setenv("OPENVAS_CMD", "mock")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "legacy-bucket", cfg.Storage.Bucket)
	assert.Equal(t, "https://app.example.com/api/scans/webhook", cfg.Webhook.URL)
	assert.Equal(t, "shh", cfg.Webhook.Secret)
	assert.Equal(t, time.Minute, cfg.Scanner.NmapTimeout)
	assert.True(t, cfg.Scanner.OpenVASUseMock)
}

func TestLoad_NewVariablesWin(t *testing.T) {
	t.Setenv("STORAGE_BUCKET", "new-bucket")
	t.Setenv("GCP_BUCKET_NAME", "legacy-bucket")
	t.Setenv("NMAP_TIMEOUT", "90s")
	t.Setenv("NMAP_TIMEOUT_MS", "1000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "new-bucket", cfg.Storage.Bucket)
	assert.Equal(t, 90*time.Second, cfg.Scanner.NmapTimeout)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"bad log level", map[string]string{"LOG_LEVEL": "verbose"}, "LOG_LEVEL"},
		{"bad secret header", map[string]string{"WEBHOOK_SECRET_HEADER": "X-Other"}, "WEBHOOK_SECRET_HEADER"},
		{"keys without secret", map[string]string{"STORAGE_AUTH_TYPE": "keys", "STORAGE_ACCESS_KEY": "a"}, "STORAGE_SECRET_KEY"},
		{"role without arn", map[string]string{"STORAGE_AUTH_TYPE": "sts_role"}, "STORAGE_ROLE_ARN"},
		{"signed url ttl too long", map[string]string{"STORAGE_SIGNED_URL_TTL": "200h"}, "STORAGE_SIGNED_URL_TTL"},
		{"bad cron", map[string]string{"RETENTION_ENABLED": "true", "RETENTION_SCHEDULE": "every day"}, "RETENTION_SCHEDULE"},
		{"bad recovery cron", map[string]string{"RECOVERY_SCHEDULE": "often"}, "RECOVERY_SCHEDULE"},
		{"production without jwt secret", map[string]string{"APP_ENV": "production"}, "AUTH_JWT_SECRET"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRetentionConfig_Cutoff(t *testing.T) {
	now := time.Date(2025, time.May, 31, 0, 0, 0, 0, time.UTC)

	rc := RetentionConfig{CutoffDays: 30}
	assert.Equal(t, time.Date(2025, time.May, 1, 0, 0, 0, 0, time.UTC), rc.Cutoff(now))

	rc.DeleteAll = true
	assert.True(t, rc.Cutoff(now).IsZero())
}
