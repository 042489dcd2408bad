package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/openctemio/scanworker/pkg/domain/quota"
	"github.com/openctemio/scanworker/pkg/domain/scanjob"
	"github.com/openctemio/scanworker/pkg/domain/shared"
)

// QuotaRepository implements quota.Repository using PostgreSQL.
// Every mutation locks the rows it reads with SELECT ... FOR UPDATE inside
// one transaction scoped to a single user.
type QuotaRepository struct {
	db  *DB
	now func() time.Time
}

// NewQuotaRepository creates a new QuotaRepository.
func NewQuotaRepository(db *DB) *QuotaRepository {
	return &QuotaRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// ReserveAndCreate takes one unit of the job's scanner quota and inserts the
// job. Nothing is written unless both succeed.
func (r *QuotaRepository) ReserveAndCreate(ctx context.Context, job *scanjob.ScanJob) (*quota.Reservation, error) {
	var reservation quota.Reservation

	err := r.db.Transaction(ctx, func(tx *sql.Tx) error {
		account, err := lockAccount(ctx, tx, job.UserID)
		if err != nil {
			if errors.Is(err, shared.ErrNotFound) {
				return scanjob.NewSubscriptionRequiredError()
			}
			return err
		}
		if !account.HasActiveSubscription() {
			return scanjob.NewSubscriptionRequiredError()
		}

		now := r.now()
		if quota.NeedsRollover(account.PeriodAnchor, now) {
			if err := rollover(ctx, tx, job.UserID, now); err != nil {
				return err
			}
			reservation.RolledOver = true
		}

		counter, err := lockOrSeedCounter(ctx, tx, account, job.ScannerType, now)
		if err != nil {
			return err
		}
		if err := counter.Reserve(); err != nil {
			return err
		}
		if err := updateCounter(ctx, tx, counter, now); err != nil {
			return err
		}
		job.QuotaReserved = true
		if err := insertScanJob(ctx, tx, job); err != nil {
			job.QuotaReserved = false
			return err
		}

		reservation.Counter = *counter
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &reservation, nil
}

// Adjust reconciles a counter against a finished job.
func (r *QuotaRepository) Adjust(ctx context.Context, userID string, scannerType scanjob.ScannerType, status scanjob.Status, billingUnits int) (*quota.Counter, quota.Adjustment, error) {
	var (
		counter    *quota.Counter
		adjustment quota.Adjustment
	)

	err := r.db.Transaction(ctx, func(tx *sql.Tx) error {
		var err error
		counter, err = lockCounter(ctx, tx, userID, scannerType)
		if err != nil {
			return err
		}
		adjustment = counter.Adjust(status, billingUnits)
		if adjustment.Delta == 0 {
			return nil
		}
		return updateCounter(ctx, tx, counter, r.now())
	})
	if err != nil {
		return nil, quota.Adjustment{}, err
	}
	return counter, adjustment, nil
}

// GetAccount returns the account for userID.
func (r *QuotaRepository) GetAccount(ctx context.Context, userID string) (*quota.Account, error) {
	query := `SELECT user_id, plan, subscription_status, period_anchor FROM accounts WHERE user_id = $1`
	return scanAccount(r.db.QueryRowContext(ctx, query, userID))
}

// UpsertAccount creates or updates an account and re-applies the plan's
// limits to the counters it already has.
func (r *QuotaRepository) UpsertAccount(ctx context.Context, account *quota.Account) error {
	if !account.Plan.IsValid() {
		return shared.NewDomainError("INVALID_PLAN", fmt.Sprintf("unknown plan %q", account.Plan), shared.ErrValidation)
	}

	return r.db.Transaction(ctx, func(tx *sql.Tx) error {
		now := r.now()
		query := `
			INSERT INTO accounts (user_id, plan, subscription_status, period_anchor, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $5)
			ON CONFLICT (user_id) DO UPDATE
			SET plan = EXCLUDED.plan,
				subscription_status = EXCLUDED.subscription_status,
				period_anchor = COALESCE(EXCLUDED.period_anchor, accounts.period_anchor),
				updated_at = EXCLUDED.updated_at
		`
		var anchor *time.Time
		if !account.PeriodAnchor.IsZero() {
			anchor = &account.PeriodAnchor
		}
		if _, err := tx.ExecContext(ctx, query,
			account.UserID,
			string(account.Plan),
			string(account.SubscriptionStatus),
			nullTime(anchor),
			now,
		); err != nil {
			return fmt.Errorf("failed to upsert account: %w", err)
		}

		for _, t := range scanjob.AllScannerTypes() {
			if _, err := tx.ExecContext(ctx,
				`UPDATE quota_counters SET scan_limit = $3, updated_at = $4 WHERE user_id = $1 AND scanner_type = $2`,
				account.UserID, string(t), quota.LimitFor(account.Plan, t), now,
			); err != nil {
				return fmt.Errorf("failed to update counter limit: %w", err)
			}
		}
		return nil
	})
}

// ListCounters returns every counter of a user.
func (r *QuotaRepository) ListCounters(ctx context.Context, userID string) ([]*quota.Counter, error) {
	query := `SELECT user_id, scanner_type, used, scan_limit FROM quota_counters WHERE user_id = $1 ORDER BY scanner_type`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list quota counters: %w", err)
	}
	defer rows.Close()

	var counters []*quota.Counter
	for rows.Next() {
		c, err := scanCounter(rows)
		if err != nil {
			return nil, err
		}
		counters = append(counters, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate quota counters: %w", err)
	}
	return counters, nil
}

func lockAccount(ctx context.Context, tx *sql.Tx, userID string) (*quota.Account, error) {
	query := `SELECT user_id, plan, subscription_status, period_anchor FROM accounts WHERE user_id = $1 FOR UPDATE`
	return scanAccount(tx.QueryRowContext(ctx, query, userID))
}

// rollover opens a new monthly period for the user.
func rollover(ctx context.Context, tx *sql.Tx, userID string, now time.Time) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE quota_counters SET used = 0, updated_at = $2 WHERE user_id = $1`, userID, now,
	); err != nil {
		return fmt.Errorf("failed to reset quota counters: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE accounts SET period_anchor = $2, updated_at = $2 WHERE user_id = $1`, userID, now,
	); err != nil {
		return fmt.Errorf("failed to move period anchor: %w", err)
	}
	return nil
}

// lockOrSeedCounter locks the counter row, creating it from the plan's
// default limit the first time the user touches a scanner type.
func lockOrSeedCounter(ctx context.Context, tx *sql.Tx, account *quota.Account, t scanjob.ScannerType, now time.Time) (*quota.Counter, error) {
	seed := `
		INSERT INTO quota_counters (user_id, scanner_type, used, scan_limit, updated_at)
		VALUES ($1, $2, 0, $3, $4)
		ON CONFLICT (user_id, scanner_type) DO NOTHING
	`
	if _, err := tx.ExecContext(ctx, seed, account.UserID, string(t), quota.LimitFor(account.Plan, t), now); err != nil {
		return nil, fmt.Errorf("failed to seed quota counter: %w", err)
	}
	return lockCounter(ctx, tx, account.UserID, t)
}

func lockCounter(ctx context.Context, tx *sql.Tx, userID string, t scanjob.ScannerType) (*quota.Counter, error) {
	query := `
		SELECT user_id, scanner_type, used, scan_limit
		FROM quota_counters
		WHERE user_id = $1 AND scanner_type = $2
		FOR UPDATE
	`
	return scanCounter(tx.QueryRowContext(ctx, query, userID, string(t)))
}

func updateCounter(ctx context.Context, tx *sql.Tx, c *quota.Counter, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE quota_counters SET used = $3, updated_at = $4 WHERE user_id = $1 AND scanner_type = $2`,
		c.UserID, string(c.ScannerType), c.Used, now,
	)
	if err != nil {
		return fmt.Errorf("failed to update quota counter: %w", err)
	}
	return nil
}

func scanAccount(row rowScanner) (*quota.Account, error) {
	var (
		a      quota.Account
		plan   string
		status string
		anchor sql.NullTime
	)
	if err := row.Scan(&a.UserID, &plan, &status, &anchor); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read account: %w", err)
	}
	a.Plan = quota.Plan(plan)
	a.SubscriptionStatus = quota.SubscriptionStatus(status)
	if anchor.Valid {
		a.PeriodAnchor = anchor.Time.UTC()
	}
	return &a, nil
}

func scanCounter(row rowScanner) (*quota.Counter, error) {
	var (
		c           quota.Counter
		scannerType string
	)
	if err := row.Scan(&c.UserID, &scannerType, &c.Used, &c.Limit); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read quota counter: %w", err)
	}
	c.ScannerType = scanjob.ScannerType(scannerType)
	return &c, nil
}
