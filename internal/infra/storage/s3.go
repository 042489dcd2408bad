// Package storage persists scan artifacts to S3-compatible object storage.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/openctemio/scanworker/internal/config"
	"github.com/openctemio/scanworker/internal/metrics"
	"github.com/openctemio/scanworker/pkg/domain/delivery"
	"github.com/openctemio/scanworker/pkg/domain/scanjob"
	"github.com/openctemio/scanworker/pkg/domain/scanresult"
	"github.com/openctemio/scanworker/pkg/logger"
)

// DefaultSignedURLTTL is how long presigned links stay valid.
const DefaultSignedURLTTL = 7 * 24 * time.Hour

// ObjectAPI is the subset of the S3 client the store uses.
type ObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	s3.ListObjectsV2APIClient
}

// Presigner signs GET requests for result objects.
type Presigner interface {
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Options configures a Store.
type Options struct {
	Bucket         string
	Prefix         string
	SignedURLTTL   time.Duration
	ReportsEnabled bool
	Renderer       ReportRenderer
}

// Store writes canonical results, reports and raw payloads.
type Store struct {
	client    ObjectAPI
	presigner Presigner
	opts      Options
	logger    *logger.Logger
	now       func() time.Time
}

// NewStore creates a Store over an existing client.
func NewStore(client ObjectAPI, presigner Presigner, opts Options, log *logger.Logger) *Store {
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.SignedURLTTL <= 0 {
		opts.SignedURLTTL = DefaultSignedURLTTL
	}
	if opts.Renderer == nil {
		opts.Renderer = PDFRenderer{}
	}
	return &Store{
		client:    client,
		presigner: presigner,
		opts:      opts,
		logger:    log.With("component", "result_store"),
		now:       time.Now,
	}
}

// NewS3Store builds the AWS client from configuration.
func NewS3Store(ctx context.Context, cfg config.StorageConfig, log *logger.Logger) (*Store, error) {
	var awsOpts []func(*awsconfig.LoadOptions) error
	awsOpts = append(awsOpts, awsconfig.WithRegion(cfg.Region))

	switch cfg.AuthType {
	case "keys":
		awsOpts = append(awsOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	case "sts_role":
		baseCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}

		stsClient := sts.NewFromConfig(baseCfg)
		assumeOpts := func(o *stscreds.AssumeRoleOptions) {
			o.RoleSessionName = "scanworker"
			if cfg.ExternalID != "" {
				o.ExternalID = aws.String(cfg.ExternalID)
			}
		}
		creds := stscreds.NewAssumeRoleProvider(stsClient, cfg.RoleARN, assumeOpts)
		awsOpts = append(awsOpts, awsconfig.WithCredentialsProvider(aws.NewCredentialsCache(creds)))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO
		})
	}
	client := s3.NewFromConfig(awsCfg, s3Opts...)

	return NewStore(client, s3.NewPresignClient(client), Options{
		Bucket:         cfg.Bucket,
		Prefix:         cfg.ResultPrefix,
		SignedURLTTL:   cfg.SignedURLTTL,
		ReportsEnabled: cfg.ReportsEnabled,
	}, log), nil
}

// Ping checks that the result bucket is reachable with the configured credentials.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.opts.Bucket),
		Prefix:  aws.String(s.opts.Prefix),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return fmt.Errorf("list bucket %s: %w", s.opts.Bucket, err)
	}
	return nil
}

// Keys returns the artifact locations of job.
func (s *Store) Keys(job *scanjob.ScanJob) Keys {
	return ResolveKeys(s.opts.Bucket, s.opts.Prefix, job)
}

// Persist writes the canonical JSON result, then best-effort renders the
// report and presigns both objects. Only the JSON write can fail the call;
// the same job always maps to the same key, so a retry overwrites.
func (s *Store) Persist(ctx context.Context, job *scanjob.ScanJob, result *scanresult.Result) (*delivery.Artifacts, error) {
	keys := s.Keys(job)
	log := s.logger.With("scan_id", job.ID, "bucket", keys.Bucket)

	body, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return nil, scanjob.NewStorageWriteFailedError(fmt.Errorf("encode result: %w", err))
	}
	if err := s.put(ctx, keys.Bucket, keys.JSON, "application/json", body); err != nil {
		metrics.ResultStoreWritesTotal.WithLabelValues("json", "error").Inc()
		return nil, scanjob.NewStorageWriteFailedError(err)
	}
	metrics.ResultStoreWritesTotal.WithLabelValues("json", "ok").Inc()

	art := &delivery.Artifacts{StorageURL: Locator(keys.Bucket, keys.JSON)}
	if url, expires, err := s.presign(ctx, keys.Bucket, keys.JSON); err != nil {
		log.Warn("failed to presign result", "key", keys.JSON, "error", err)
	} else {
		art.SignedURL, art.SignedURLExpires = &url, &expires
	}

	if !s.opts.ReportsEnabled {
		return art, nil
	}
	if err := s.writeReport(ctx, keys, result); err != nil {
		metrics.ResultStoreWritesTotal.WithLabelValues("report", "error").Inc()
		log.Warn("failed to write report", "key", keys.Report, "error", err)
		return art, nil
	}
	metrics.ResultStoreWritesTotal.WithLabelValues("report", "ok").Inc()

	art.ReportStorageURL = Locator(keys.Bucket, keys.Report)
	if url, expires, err := s.presign(ctx, keys.Bucket, keys.Report); err != nil {
		log.Warn("failed to presign report", "key", keys.Report, "error", err)
	} else {
		art.ReportSignedURL, art.ReportSignedURLExpires = &url, &expires
	}
	return art, nil
}

func (s *Store) writeReport(ctx context.Context, keys Keys, result *scanresult.Result) error {
	pdf, err := s.opts.Renderer.Render(result)
	if err != nil {
		return err
	}
	return s.put(ctx, keys.Bucket, keys.Report, "application/pdf", pdf)
}

// SaveRaw stores the unmodified runner output of job next to its result.
func (s *Store) SaveRaw(ctx context.Context, job *scanjob.ScanJob, data []byte) error {
	keys := s.Keys(job)
	if err := s.put(ctx, keys.Bucket, keys.Raw, "application/json", data); err != nil {
		metrics.ResultStoreWritesTotal.WithLabelValues("raw", "error").Inc()
		return err
	}
	metrics.ResultStoreWritesTotal.WithLabelValues("raw", "ok").Inc()
	return nil
}

// Read returns the object behind a locator.
func (s *Store) Read(ctx context.Context, locator string) ([]byte, error) {
	bucket, key, err := ParseLocator(locator)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// Object is a listed artifact.
type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// ListOlder lists artifacts under the prefix last modified before cutoff.
// A zero cutoff lists everything.
func (s *Store) ListOlder(ctx context.Context, cutoff time.Time) ([]Object, error) {
	prefix := strings.TrimSuffix(s.opts.Prefix, "/") + "/"
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.opts.Bucket),
		Prefix: aws.String(prefix),
	})

	var objects []Object
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if strings.HasSuffix(key, "/") {
				continue
			}
			modified := aws.ToTime(obj.LastModified)
			if !cutoff.IsZero() && !modified.Before(cutoff) {
				continue
			}
			objects = append(objects, Object{Key: key, Size: aws.ToInt64(obj.Size), LastModified: modified})
		}
	}
	return objects, nil
}

// Delete removes one object from the default bucket.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (s *Store) put(ctx context.Context, bucket, key, contentType string, body []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(body))),
	})
	if err != nil {
		return fmt.Errorf("failed to put %s: %w", key, err)
	}
	return nil
}

func (s *Store) presign(ctx context.Context, bucket, key string) (string, time.Time, error) {
	if s.presigner == nil {
		return "", time.Time{}, fmt.Errorf("no presigner configured")
	}
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.opts.SignedURLTTL))
	if err != nil {
		metrics.ResultStoreWritesTotal.WithLabelValues("presign", "error").Inc()
		return "", time.Time{}, err
	}
	return req.URL, s.now().UTC().Add(s.opts.SignedURLTTL), nil
}
