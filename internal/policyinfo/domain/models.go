// Package domain models operator policy requests: budget, budget start,
// top-up throttle, and top-up size changes fanned out to matching devices.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

const (
	StatusPending   = "pending"
	StatusProcessed = "processed"
)

// Selection is the common request envelope: which devices the change targets
// and when it should land.
type Selection struct {
	OrgID               string         `json:"org_id" gorm:"index"`
	GroupID             int64          `json:"group_id" gorm:"index"`
	DeviceSelectionTags datatypes.JSON `json:"device_selection_tags"`
	IsScheduled         bool           `json:"is_scheduled"`
	ConfigTime          *time.Time     `json:"config_time"`
	Status              string         `json:"status" gorm:"index"`
}

type BudgetInfo struct {
	ID snowflake.ID `json:"id" gorm:"primaryKey"`
	Selection
	MonthlyBudget float64   `json:"monthly_budget"`
	YearlyBudget  float64   `json:"yearly_budget"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (BudgetInfo) TableName() string { return "budget_infos" }

type BudgetStartInfo struct {
	ID snowflake.ID `json:"id" gorm:"primaryKey"`
	Selection
	YearBudgetStart time.Time `json:"year_budget_start"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (BudgetStartInfo) TableName() string { return "budget_start_infos" }

type STPInfo struct {
	ID snowflake.ID `json:"id" gorm:"primaryKey"`
	Selection
	DailySTP  int       `json:"daily_stp"`
	WeeklySTP int       `json:"weekly_stp"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (STPInfo) TableName() string { return "stp_infos" }

type TopupInfo struct {
	ID snowflake.ID `json:"id" gorm:"primaryKey"`
	Selection
	TopupMB   int       `json:"topup_mb"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (TopupInfo) TableName() string { return "topup_infos" }

type Service interface {
	// Add* persist the request and submit it to the apply queue. Scheduled
	// future requests stay pending until their sweep picks them up.
	AddBudgetInfo(ctx context.Context, info *BudgetInfo) error
	AddBudgetStartInfo(ctx context.Context, info *BudgetStartInfo) error
	AddSTPInfo(ctx context.Context, info *STPInfo) error
	AddTopupInfo(ctx context.Context, info *TopupInfo) error

	// ProcessScheduledItems applies pending scheduled requests whose
	// config time fell within the last hour.
	ProcessScheduledItems(ctx context.Context) error

	ListBudgetInfos(ctx context.Context, orgID string, groupID int64) ([]*BudgetInfo, error)
	ListBudgetStartInfos(ctx context.Context, orgID string, groupID int64) ([]*BudgetStartInfo, error)
	ListSTPInfos(ctx context.Context, orgID string, groupID int64) ([]*STPInfo, error)
	ListTopupInfos(ctx context.Context, orgID string, groupID int64) ([]*TopupInfo, error)
}
