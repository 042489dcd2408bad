package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openctemio/scanworker/internal/infra/postgres"
	"github.com/openctemio/scanworker/pkg/domain/quota"
	"github.com/openctemio/scanworker/pkg/domain/shared"
)

// QuotaOutput is the quota state of one user.
type QuotaOutput struct {
	UserID             string        `json:"user_id" yaml:"user_id"`
	Plan               string        `json:"plan" yaml:"plan"`
	SubscriptionStatus string        `json:"subscription_status" yaml:"subscription_status"`
	PeriodAnchor       *time.Time    `json:"period_anchor,omitempty" yaml:"period_anchor,omitempty"`
	Counters           []CounterItem `json:"counters" yaml:"counters"`
}

// CounterItem is one scanner type's usage.
type CounterItem struct {
	ScannerType string `json:"scanner_type" yaml:"scanner_type"`
	Used        int    `json:"used" yaml:"used"`
	Limit       int    `json:"limit" yaml:"limit"`
	Remaining   int    `json:"remaining" yaml:"remaining"`
}

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Inspect or edit a user's scan quota",
}

var quotaGetCmd = &cobra.Command{
	Use:   "get USER_ID",
	Short: "Show plan, subscription and usage counters",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := validateOutput(flagOutput); err != nil {
			return err
		}
		repo, done, err := quotaRepository()
		if err != nil {
			return err
		}
		defer done()

		userID := args[0]
		account, err := repo.GetAccount(cmd.Context(), userID)
		if err != nil {
			if errors.Is(err, shared.ErrNotFound) {
				return fmt.Errorf("no quota account for user %s", userID)
			}
			return err
		}
		counters, err := repo.ListCounters(cmd.Context(), userID)
		if err != nil {
			return err
		}

		out := toQuotaOutput(account, counters)
		if ok, err := printStructured(out); ok {
			return err
		}

		fmt.Fprintf(stdout, "User:          %s\n", out.UserID)
		fmt.Fprintf(stdout, "Plan:          %s\n", out.Plan)
		fmt.Fprintf(stdout, "Subscription:  %s\n", out.SubscriptionStatus)
		fmt.Fprintf(stdout, "Period start:  %s\n\n", shortTime(out.PeriodAnchor))

		t := newTable("SCANNER", "USED", "LIMIT", "REMAINING")
		for _, c := range out.Counters {
			t.AddRow(c.ScannerType, fmt.Sprint(c.Used), limitStr(c.Limit), limitStr(c.Remaining))
		}
		t.Flush()
		return nil
	},
}

var (
	setPlan   string
	setStatus string
)

var quotaSetCmd = &cobra.Command{
	Use:   "set USER_ID",
	Short: "Create or update a user's plan and subscription status",
	Example: `  scanctl quota set u1 --plan pro --status active
  scanctl quota set u1 --status canceled`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, done, err := quotaRepository()
		if err != nil {
			return err
		}
		defer done()

		userID := args[0]
		account, err := repo.GetAccount(cmd.Context(), userID)
		switch {
		case errors.Is(err, shared.ErrNotFound):
			account = &quota.Account{
				UserID:             userID,
				Plan:               quota.PlanFree,
				SubscriptionStatus: quota.SubscriptionNone,
			}
		case err != nil:
			return err
		}

		if cmd.Flags().Changed("plan") {
			p := quota.Plan(setPlan)
			if !p.IsValid() {
				return fmt.Errorf("unknown plan %q", setPlan)
			}
			account.Plan = p
		}
		if cmd.Flags().Changed("status") {
			s, err := parseSubscriptionStatus(setStatus)
			if err != nil {
				return err
			}
			account.SubscriptionStatus = s
		}

		if err := repo.UpsertAccount(cmd.Context(), account); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "account %s updated: plan=%s status=%s\n", userID, account.Plan, account.SubscriptionStatus)
		return nil
	},
}

func parseSubscriptionStatus(s string) (quota.SubscriptionStatus, error) {
	switch st := quota.SubscriptionStatus(s); st {
	case quota.SubscriptionActive, quota.SubscriptionTrialing, quota.SubscriptionPastDue,
		quota.SubscriptionCanceled, quota.SubscriptionNone:
		return st, nil
	default:
		return "", fmt.Errorf("unknown subscription status %q", s)
	}
}

func toQuotaOutput(account *quota.Account, counters []*quota.Counter) QuotaOutput {
	out := QuotaOutput{
		UserID:             account.UserID,
		Plan:               string(account.Plan),
		SubscriptionStatus: string(account.SubscriptionStatus),
		Counters:           make([]CounterItem, 0, len(counters)),
	}
	if !account.PeriodAnchor.IsZero() {
		anchor := account.PeriodAnchor
		out.PeriodAnchor = &anchor
	}
	for _, c := range counters {
		out.Counters = append(out.Counters, CounterItem{
			ScannerType: c.ScannerType.String(),
			Used:        c.Used,
			Limit:       c.Limit,
			Remaining:   c.Remaining(),
		})
	}
	return out
}

func quotaRepository() (*postgres.QuotaRepository, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	db, err := openDB(cfg)
	if err != nil {
		return nil, nil, err
	}
	return postgres.NewQuotaRepository(db), func() { _ = db.Close() }, nil
}

func init() {
	quotaSetCmd.Flags().StringVar(&setPlan, "plan", "", "Plan: free, basic, pro, enterprise")
	quotaSetCmd.Flags().StringVar(&setStatus, "status", "", "Subscription: active, trialing, past_due, canceled, none")

	quotaCmd.AddCommand(quotaGetCmd)
	quotaCmd.AddCommand(quotaSetCmd)
}
