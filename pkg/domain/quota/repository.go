package quota

import (
	"context"

	"github.com/openctemio/scanworker/pkg/domain/scanjob"
)

// Reservation is what a successful submission transaction produced.
type Reservation struct {
	Counter    Counter
	RolledOver bool
}

// Repository persists accounts and counters. Every method runs in a single
// transaction scoped to one user with row locks on the rows it touches.
type Repository interface {
	// ReserveAndCreate checks the subscription, rolls the period over if
	// needed, takes one unit and inserts job, all or nothing.
	ReserveAndCreate(ctx context.Context, job *scanjob.ScanJob) (*Reservation, error)

	// Adjust applies a reconciliation to the counter of (userID, scannerType).
	// It returns shared.ErrNotFound when no counter exists.
	Adjust(ctx context.Context, userID string, scannerType scanjob.ScannerType, status scanjob.Status, billingUnits int) (*Counter, Adjustment, error)

	// GetAccount returns the account for userID.
	GetAccount(ctx context.Context, userID string) (*Account, error)

	// UpsertAccount creates or updates the billing state of an account.
	UpsertAccount(ctx context.Context, account *Account) error

	// ListCounters returns every counter of a user.
	ListCounters(ctx context.Context, userID string) ([]*Counter, error)
}
