// Package domain contains the device fleet model and the contracts the quota
// engine requires from the remote device-management API.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Sim string

const (
	SimA Sim = "A"
	SimB Sim = "B"
)

// Top-up status values mirrored onto the device row.
const (
	TopupStatusSuccessful   = "successful"
	TopupStatusUnsuccessful = "unsuccessful"
)

// Top-up / action state reason codes.
const (
	StateOK                   = "ok"
	StateNoAck                = "no-ack"
	StateMonthlyBudgetReached = "m-budget-reached"
	StateYearlyBudgetReached  = "y-budget-reached"
	StateDailyLimitReached    = "d-limit-reached"
	StateWeeklyLimitReached   = "w-limit-reached"
	StateAPIFailure           = "api-failure"
)

// UnconfiguredBudget is the default budget assigned to freshly discovered
// devices. A device carrying it on either budget has never been configured by
// an operator and is excluded from monthly allowance resets. Distinct from 0,
// which means an explicit unlimited budget.
const UnconfiguredBudget = 0.1

// Device is the persisted snapshot of a fleet router. Rows are upserted by
// serial number whenever the fleet listing is refreshed; budget and limit
// fields come from operator policy, state fields only from the quota engine.
type Device struct {
	ID            snowflake.ID   `gorm:"primaryKey"`
	SN            string         `gorm:"uniqueIndex;not null"`
	DeviceID      int64          `gorm:"index;not null"`
	OrgID         string         `gorm:"index"`
	GroupID       int64          `gorm:"index"`
	Country       string         `gorm:"type:text"`
	Tags          datatypes.JSON `gorm:"type:jsonb"`
	RateTableID   int64          `gorm:"index"`
	MonthlyBudget float64        `gorm:"not null;default:0.1"`
	YearlyBudget  float64        `gorm:"not null;default:0.1"`

	YearBudgetStart *time.Time
	DailySTP        int `gorm:"not null;default:0"`
	WeeklySTP       int `gorm:"not null;default:0"`
	TopupMB         int `gorm:"not null;default:0"`

	// Snapshot of the last evaluator pass; counters are confirmed only by
	// the pending-action retry pass.
	TopupIncrement   float64 `gorm:"not null;default:0"`
	DailyCount       int     `gorm:"not null;default:0"`
	WeeklyCount      int     `gorm:"not null;default:0"`
	LastTopupStatus  string  `gorm:"type:text"`
	LastTopupState   string  `gorm:"type:text"`
	LastTopupAttempt *time.Time

	Sim1Summary     datatypes.JSON `gorm:"type:jsonb"`
	Sim2Summary     datatypes.JSON `gorm:"type:jsonb"`
	CombinedSummary datatypes.JSON `gorm:"type:jsonb"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Device) TableName() string { return "devices" }

// BudgetsConfigured reports whether an operator has ever assigned budgets to
// this device.
func (d *Device) BudgetsConfigured() bool {
	return d.MonthlyBudget != UnconfiguredBudget && d.YearlyBudget != UnconfiguredBudget
}
