// Package policy holds the budget evaluation rules as a pure function over a
// snapshot of device state. All I/O happens in the caller.
package policy

import fleetdomain "github.com/fleetwise/fleetquota/internal/fleet/domain"

type Outcome string

const (
	Allow             Outcome = "allow"
	DenyMonthlyBudget Outcome = "deny_monthly_budget"
	DenyYearlyBudget  Outcome = "deny_yearly_budget"
	DenyDailyLimit    Outcome = "deny_daily_limit"
	DenyWeeklyLimit   Outcome = "deny_weekly_limit"
)

// Input is the full decision snapshot. Budget values of 0 mean unlimited and
// disable only their own check.
type Input struct {
	MonthlyBudget  float64
	YearlyBudget   float64
	MTDExpenditure float64
	YTDExpenditure float64
	TopupMB        float64
	Rate           float64
	CurrentLimitMB float64
	DailyCount     int64
	DailyLimit     int64
	WeeklyCount    int64
	WeeklyLimit    int64
}

type Decision struct {
	Outcome Outcome
	// State is the device state code recorded for this decision.
	State string
	// NewLimitMB is the absolute allowance to apply, set only on Allow.
	NewLimitMB float64
}

// Evaluate runs the checks in a fixed order and returns the first match, so
// the same snapshot always yields the same outcome.
func Evaluate(in Input) Decision {
	if in.MonthlyBudget != 0 && in.MTDExpenditure >= in.MonthlyBudget {
		return Decision{Outcome: DenyMonthlyBudget, State: fleetdomain.StateMonthlyBudgetReached}
	}
	if in.YearlyBudget != 0 && in.YTDExpenditure >= in.YearlyBudget {
		return Decision{Outcome: DenyYearlyBudget, State: fleetdomain.StateYearlyBudgetReached}
	}
	if in.YearlyBudget != 0 && in.TopupMB*in.Rate > in.MonthlyBudget-in.MTDExpenditure {
		return Decision{Outcome: DenyMonthlyBudget, State: fleetdomain.StateMonthlyBudgetReached}
	}
	if in.DailyCount >= in.DailyLimit {
		return Decision{Outcome: DenyDailyLimit, State: fleetdomain.StateDailyLimitReached}
	}
	if in.WeeklyCount >= in.WeeklyLimit {
		return Decision{Outcome: DenyWeeklyLimit, State: fleetdomain.StateWeeklyLimitReached}
	}
	return Decision{
		Outcome:    Allow,
		State:      fleetdomain.StateOK,
		NewLimitMB: in.CurrentLimitMB + in.TopupMB,
	}
}
