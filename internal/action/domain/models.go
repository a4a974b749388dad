package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	fleetdomain "github.com/fleetwise/fleetquota/internal/fleet/domain"
)

type ActionType string

const (
	ActionTopup        ActionType = "topup"
	ActionMonthlyReset ActionType = "monthly_allowance_reset"
)

const (
	StatusPending      = "pending"
	StatusSuccessful   = "successful"
	StatusUnsuccessful = "unsuccessful"
)

// CountWindow selects the window for SuccessfulCount.
type CountWindow string

const (
	WindowDaily  CountWindow = "daily"
	WindowWeekly CountWindow = "weekly"
)

var ErrDuplicatePending = errors.New("pending_action_exists")

// ScheduledAction is one queued device write. TopupIncrement holds the
// absolute allowance to set, not a delta, so a retry applies the same value.
type ScheduledAction struct {
	ID             snowflake.ID    `json:"id" gorm:"primaryKey"`
	OrgID          string          `json:"org_id" gorm:"index:idx_action_device"`
	GroupID        int64           `json:"group_id" gorm:"index:idx_action_device"`
	DeviceID       int64           `json:"device_id" gorm:"index:idx_action_device"`
	SN             string          `json:"sn"`
	Sim            fleetdomain.Sim `json:"sim"`
	ActionType     ActionType      `json:"action_type" gorm:"index"`
	TopupIncrement int             `json:"topup_increment"`
	ActionStatus   string          `json:"action_status" gorm:"index"`
	ActionState    string          `json:"action_state"`
	LastAttempt    time.Time       `json:"last_attempt" gorm:"index"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func (ScheduledAction) TableName() string {
	return "scheduled_actions"
}

// EnqueueRequest describes a new pending action.
type EnqueueRequest struct {
	OrgID          string
	GroupID        int64
	DeviceID       int64
	SN             string
	Sim            fleetdomain.Sim
	ActionType     ActionType
	TopupIncrement int
}

type Service interface {
	// Enqueue creates a pending action unless one of the same type is
	// already pending for the device+sim this month.
	Enqueue(ctx context.Context, req EnqueueRequest) (*ScheduledAction, error)

	// HasPendingThisMonth reports whether a pending action of the given
	// type exists for the device+sim in the current accounting month.
	HasPendingThisMonth(ctx context.Context, deviceID int64, sim fleetdomain.Sim, actionType ActionType) (bool, error)

	// ProcessPending retries this month's pending actions against the
	// device-management API, resets before topups.
	ProcessPending(ctx context.Context) error

	// SuccessfulCount counts this device+sim's successful actions in the
	// current day or ISO week.
	SuccessfulCount(ctx context.Context, deviceID int64, sim fleetdomain.Sim, window CountWindow) (int64, error)
}
