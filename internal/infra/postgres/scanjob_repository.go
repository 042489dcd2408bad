package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/openctemio/scanworker/pkg/domain/scanjob"
	"github.com/openctemio/scanworker/pkg/domain/shared"
)

const scanJobColumns = `
	id, user_id, scanner_type, target, options, status, error_message,
	billing_units, quota_reserved, result_locator, report_locator, result_bucket, result_path,
	created_at, started_at, completed_at, updated_at`

// ScanJobRepository implements scanjob.Repository using PostgreSQL.
type ScanJobRepository struct {
	db *DB
}

// NewScanJobRepository creates a new ScanJobRepository.
func NewScanJobRepository(db *DB) *ScanJobRepository {
	return &ScanJobRepository{db: db}
}

// Create persists a new job.
func (r *ScanJobRepository) Create(ctx context.Context, job *scanjob.ScanJob) error {
	return insertScanJob(ctx, r.db, job)
}

func insertScanJob(ctx context.Context, ex execer, job *scanjob.ScanJob) error {
	options, err := toJSONB(job.Options)
	if err != nil {
		return fmt.Errorf("failed to marshal options: %w", err)
	}

	query := `
		INSERT INTO scan_jobs (` + scanJobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`
	_, err = ex.ExecContext(ctx, query,
		job.ID,
		job.UserID,
		string(job.ScannerType),
		job.Target,
		options,
		string(job.Status),
		nullString(job.ErrorMessage),
		job.BillingUnits,
		job.QuotaReserved,
		nullString(job.ResultLocator),
		nullString(job.ReportLocator),
		nullString(job.ResultBucket),
		nullString(job.ResultPath),
		job.CreatedAt,
		nullTime(job.StartedAt),
		nullTime(job.CompletedAt),
		job.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return shared.NewDomainError("ALREADY_EXISTS", "scan job with this id already exists", shared.ErrAlreadyExists)
		}
		return fmt.Errorf("failed to create scan job: %w", err)
	}
	return nil
}

// GetByID retrieves a job by id.
func (r *ScanJobRepository) GetByID(ctx context.Context, id string) (*scanjob.ScanJob, error) {
	query := `SELECT ` + scanJobColumns + ` FROM scan_jobs WHERE id = $1`
	return r.scanOne(r.db.QueryRowContext(ctx, query, id))
}

// GetByUserAndID retrieves a job owned by userID.
func (r *ScanJobRepository) GetByUserAndID(ctx context.Context, userID, id string) (*scanjob.ScanJob, error) {
	query := `SELECT ` + scanJobColumns + ` FROM scan_jobs WHERE user_id = $1 AND id = $2`
	return r.scanOne(r.db.QueryRowContext(ctx, query, userID, id))
}

// Claim moves a queued job to running with a single conditional update.
// Two workers racing for the same job can never both see a returned row.
func (r *ScanJobRepository) Claim(ctx context.Context, id string) (*scanjob.ScanJob, error) {
	query := `
		UPDATE scan_jobs
		SET status = 'running', started_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'queued'
		RETURNING ` + scanJobColumns

	job, err := r.scanOne(r.db.QueryRowContext(ctx, query, id))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, shared.ErrNotFound) {
		return nil, fmt.Errorf("failed to claim scan job: %w", err)
	}

	exists, existsErr := r.exists(ctx, id)
	if existsErr != nil {
		return nil, existsErr
	}
	if exists {
		return nil, scanjob.ErrAlreadyClaimed
	}
	return nil, err
}

// Finish writes the terminal state of a job. Rows that are already
// completed or failed are left untouched.
func (r *ScanJobRepository) Finish(ctx context.Context, job *scanjob.ScanJob) error {
	if !job.Status.IsTerminal() {
		return shared.NewDomainError(scanjob.CodeInvalidState, "finish requires a terminal status", shared.ErrValidation)
	}

	query := `
		UPDATE scan_jobs
		SET status = $2, error_message = $3, billing_units = $4,
			result_locator = $5, report_locator = $6,
			started_at = COALESCE(started_at, $7), completed_at = $8, updated_at = $9
		WHERE id = $1 AND status IN ('queued', 'running')
	`
	res, err := r.db.ExecContext(ctx, query,
		job.ID,
		string(job.Status),
		nullString(job.ErrorMessage),
		job.BillingUnits,
		nullString(job.ResultLocator),
		nullString(job.ReportLocator),
		nullTime(job.StartedAt),
		nullTime(job.CompletedAt),
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to finish scan job: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	exists, err := r.exists(ctx, job.ID)
	if err != nil {
		return err
	}
	if !exists {
		return shared.ErrNotFound
	}
	return shared.NewDomainError(scanjob.CodeInvalidState, "scan job already finished", shared.ErrConflict)
}

// FailStale fails up to limit running jobs of type t whose run started
// before startedBefore. Rows another transaction holds are skipped.
func (r *ScanJobRepository) FailStale(ctx context.Context, t scanjob.ScannerType, startedBefore time.Time, message string, limit int) ([]*scanjob.ScanJob, error) {
	query := `
		UPDATE scan_jobs
		SET status = 'failed', error_message = $3, billing_units = 0,
			completed_at = NOW(), updated_at = NOW()
		WHERE id IN (
			SELECT id FROM scan_jobs
			WHERE scanner_type = $1 AND status = 'running' AND started_at < $2
			ORDER BY started_at ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		AND status = 'running'
		RETURNING ` + scanJobColumns

	rows, err := r.db.QueryContext(ctx, query, string(t), startedBefore, message, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fail stale scan jobs: %w", err)
	}
	defer rows.Close()
	return r.scanAll(rows)
}

// ListQueuedBefore returns queued jobs created before cutoff, oldest first.
func (r *ScanJobRepository) ListQueuedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*scanjob.ScanJob, error) {
	query := `SELECT ` + scanJobColumns + ` FROM scan_jobs
		WHERE status = 'queued' AND created_at < $1
		ORDER BY created_at ASC LIMIT $2`
	rows, err := r.db.QueryContext(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list queued scan jobs: %w", err)
	}
	defer rows.Close()
	return r.scanAll(rows)
}

// ListByUser returns a user's jobs, newest first.
func (r *ScanJobRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*scanjob.ScanJob, error) {
	query := `SELECT ` + scanJobColumns + ` FROM scan_jobs WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list scan jobs: %w", err)
	}
	defer rows.Close()
	return r.scanAll(rows)
}

// ListFinishedBefore returns terminal jobs created before cutoff, oldest first.
func (r *ScanJobRepository) ListFinishedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*scanjob.ScanJob, error) {
	query := `SELECT ` + scanJobColumns + ` FROM scan_jobs
		WHERE status IN ('completed', 'failed')`
	args := []any{}
	if !cutoff.IsZero() {
		query += ` AND created_at < $1`
		args = append(args, cutoff)
	}
	query += fmt.Sprintf(` ORDER BY created_at ASC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list finished scan jobs: %w", err)
	}
	defer rows.Close()
	return r.scanAll(rows)
}

// DeleteByIDs removes jobs and returns how many rows went away.
func (r *ScanJobRepository) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := r.db.ExecContext(ctx, `DELETE FROM scan_jobs WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("failed to delete scan jobs: %w", err)
	}
	return res.RowsAffected()
}

func (r *ScanJobRepository) exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM scan_jobs WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check scan job: %w", err)
	}
	return exists, nil
}

func (r *ScanJobRepository) scanOne(row rowScanner) (*scanjob.ScanJob, error) {
	job, err := scanJobFromRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

func (r *ScanJobRepository) scanAll(rows *sql.Rows) ([]*scanjob.ScanJob, error) {
	var jobs []*scanjob.ScanJob
	for rows.Next() {
		job, err := scanJobFromRow(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate scan jobs: %w", err)
	}
	return jobs, nil
}

func scanJobFromRow(row rowScanner) (*scanjob.ScanJob, error) {
	var (
		job           scanjob.ScanJob
		scannerType   string
		status        string
		options       []byte
		errorMessage  sql.NullString
		resultLocator sql.NullString
		reportLocator sql.NullString
		resultBucket  sql.NullString
		resultPath    sql.NullString
		startedAt     sql.NullTime
		completedAt   sql.NullTime
	)

	err := row.Scan(
		&job.ID,
		&job.UserID,
		&scannerType,
		&job.Target,
		&options,
		&status,
		&errorMessage,
		&job.BillingUnits,
		&job.QuotaReserved,
		&resultLocator,
		&reportLocator,
		&resultBucket,
		&resultPath,
		&job.CreatedAt,
		&startedAt,
		&completedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.ScannerType = scanjob.ScannerType(scannerType)
	job.Status = scanjob.Status(status)
	job.ErrorMessage = nullStringValue(errorMessage)
	job.ResultLocator = nullStringValue(resultLocator)
	job.ReportLocator = nullStringValue(reportLocator)
	job.ResultBucket = nullStringValue(resultBucket)
	job.ResultPath = nullStringValue(resultPath)
	job.StartedAt = nullTimeValue(startedAt)
	job.CompletedAt = nullTimeValue(completedAt)
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()

	job.Options = map[string]any{}
	if err := fromJSONB(options, &job.Options); err != nil {
		return nil, fmt.Errorf("failed to unmarshal options: %w", err)
	}
	return &job, nil
}
