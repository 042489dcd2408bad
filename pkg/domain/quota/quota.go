// Package quota holds the per-user, per-scanner monthly allowance model.
package quota

import (
	"time"

	"github.com/openctemio/scanworker/pkg/domain/scanjob"
)

// Unlimited is the limit value meaning "no cap".
const Unlimited = -1

// Plan is a subscription tier.
type Plan string

const (
	PlanFree       Plan = "free"
	PlanBasic      Plan = "basic"
	PlanPro        Plan = "pro"
	PlanEnterprise Plan = "enterprise"
)

// SubscriptionStatus mirrors the billing provider's subscription state.
type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionTrialing SubscriptionStatus = "trialing"
	SubscriptionPastDue  SubscriptionStatus = "past_due"
	SubscriptionCanceled SubscriptionStatus = "canceled"
	SubscriptionNone     SubscriptionStatus = "none"
)

var planLimits = map[Plan]map[scanjob.ScannerType]int{
	PlanFree: {
		scanjob.TypeNetworkPort:    0,
		scanjob.TypeWebVuln:        0,
		scanjob.TypeWebApp:         0,
		scanjob.TypeVulnAssessment: 0,
	},
	PlanBasic: {
		scanjob.TypeNetworkPort:    10,
		scanjob.TypeWebVuln:        10,
		scanjob.TypeWebApp:         10,
		scanjob.TypeVulnAssessment: 0,
	},
	PlanPro: {
		scanjob.TypeNetworkPort:    100,
		scanjob.TypeWebVuln:        100,
		scanjob.TypeWebApp:         100,
		scanjob.TypeVulnAssessment: 20,
	},
	PlanEnterprise: {
		scanjob.TypeNetworkPort:    Unlimited,
		scanjob.TypeWebVuln:        Unlimited,
		scanjob.TypeWebApp:         Unlimited,
		scanjob.TypeVulnAssessment: Unlimited,
	},
}

// IsValid checks if the plan is known.
func (p Plan) IsValid() bool {
	_, ok := planLimits[p]
	return ok
}

// LimitFor returns the default monthly limit of plan for a scanner type.
// Unknown plans fall back to the free tier.
func LimitFor(p Plan, t scanjob.ScannerType) int {
	limits, ok := planLimits[p]
	if !ok {
		limits = planLimits[PlanFree]
	}
	return limits[t]
}

// Account is the billing state the submission path checks before reserving.
type Account struct {
	UserID             string
	Plan               Plan
	SubscriptionStatus SubscriptionStatus
	PeriodAnchor       time.Time
}

// HasActiveSubscription is true for active and trialing subscriptions.
func (a *Account) HasActiveSubscription() bool {
	return a.SubscriptionStatus == SubscriptionActive || a.SubscriptionStatus == SubscriptionTrialing
}

// NeedsRollover reports whether anchor falls outside the calendar month of now (UTC).
func NeedsRollover(anchor, now time.Time) bool {
	if anchor.IsZero() {
		return true
	}
	a, n := anchor.UTC(), now.UTC()
	return a.Year() != n.Year() || a.Month() != n.Month()
}

// Counter is the usage of one scanner type within the current period.
type Counter struct {
	UserID      string
	ScannerType scanjob.ScannerType
	Used        int
	Limit       int
}

// IsUnlimited reports whether the counter has no cap.
func (c *Counter) IsUnlimited() bool {
	return c.Limit == Unlimited
}

// CanReserve reports whether one more unit fits.
func (c *Counter) CanReserve() bool {
	return c.IsUnlimited() || c.Used < c.Limit
}

// Reserve takes one unit or fails closed with the current state.
func (c *Counter) Reserve() error {
	if !c.CanReserve() {
		return &scanjob.QuotaExceededError{ScannerType: c.ScannerType, Used: c.Used, Limit: c.Limit}
	}
	c.Used++
	return nil
}

// Remaining returns the units left, or Unlimited.
func (c *Counter) Remaining() int {
	if c.IsUnlimited() {
		return Unlimited
	}
	return max(c.Limit-c.Used, 0)
}

// Adjustment describes what a reconciliation did to a counter.
type Adjustment struct {
	Delta   int
	Clamped bool
}

// Adjust reconciles the single unit reserved at submission against the
// job's outcome:
//
//	completed, units > 1  -> used += units-1
//	completed, units == 1 -> no change
//	completed, units < 1  -> treated as 1 and flagged Clamped
//	otherwise             -> used -= min(1, used)
func (c *Counter) Adjust(status scanjob.Status, billingUnits int) Adjustment {
	if status != scanjob.StatusCompleted {
		delta := -min(1, c.Used)
		c.Used += delta
		return Adjustment{Delta: delta}
	}
	if billingUnits < 1 {
		return Adjustment{Clamped: true}
	}
	delta := billingUnits - 1
	c.Used += delta
	return Adjustment{Delta: delta}
}
