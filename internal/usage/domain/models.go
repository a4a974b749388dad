package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	fleetdomain "github.com/fleetwise/fleetquota/internal/fleet/domain"
)

// SimUsageRecord is one append-only polling sample for a device SIM.
// ConsumptionMB is the delta against the previous sample of the same
// device+sim in the same accounting month; the first sample of a month is a
// baseline with zero consumption.
type SimUsageRecord struct {
	ID            snowflake.ID    `json:"id" gorm:"primaryKey"`
	OrgID         string          `json:"org_id" gorm:"index:idx_usage_device_sim"`
	GroupID       int64           `json:"group_id" gorm:"index:idx_usage_device_sim"`
	DeviceID      int64           `json:"device_id" gorm:"index:idx_usage_device_sim"`
	SN            string          `json:"sn"`
	Sim           fleetdomain.Sim `json:"sim" gorm:"index:idx_usage_device_sim"`
	PollingTime   time.Time       `json:"polling_time" gorm:"index"`
	Enabled       bool            `json:"enabled"`
	LimitMB       float64         `json:"limit_mb"`
	Unit          string          `json:"unit"`
	UsedMB        float64         `json:"used_mb"`
	ConsumptionMB float64         `json:"consumption_mb"`
	Expenditure   float64         `json:"expenditure"`
	Country       string          `json:"country"`
}

func (SimUsageRecord) TableName() string {
	return "sim_usage_records"
}

// Totals aggregates consumption and spend over the month- and year-to-date
// windows.
type Totals struct {
	MTDDataMB      float64
	MTDExpenditure float64
	YTDDataMB      float64
	YTDExpenditure float64
}

// Summary is the advisory per-sim usage snapshot persisted on the device row.
type Summary struct {
	Timestamp      string  `json:"timestamp"`
	SN             string  `json:"sn"`
	Country        string  `json:"country"`
	MTDData        float64 `json:"mtd_data"`
	MTDExpenditure float64 `json:"mtd_expenditure"`
	YTDData        float64 `json:"ytd_data"`
	YTDExpenditure float64 `json:"ytd_expenditure"`
}

// Sample is the input for recording one poll of a device SIM.
type Sample struct {
	OrgID    string
	GroupID  int64
	DeviceID int64
	SN       string
	Sim      fleetdomain.Sim
	Enabled  bool
	LimitMB  float64
	Unit     string
	UsedMB   float64
	Country  string
}

type Service interface {
	// Record inserts a sample, deriving consumption from the previous
	// sample of the month and expenditure from the device's rate table.
	Record(ctx context.Context, device *fleetdomain.Device, sample Sample) (*SimUsageRecord, error)

	// Aggregate sums consumption and expenditure for one device SIM over
	// the month-to-date and year-to-date windows ending at asOf.
	Aggregate(ctx context.Context, deviceID int64, sim fleetdomain.Sim, asOf time.Time) (Totals, error)

	// ComputeUsageInfo aggregates and persists the per-sim summary on the
	// device row.
	ComputeUsageInfo(ctx context.Context, device *fleetdomain.Device, sim fleetdomain.Sim, country string) (*Summary, error)

	// ComputeCombinedSummary folds the two per-sim summaries into the
	// device's combined summary.
	ComputeCombinedSummary(ctx context.Context, device *fleetdomain.Device) error

	// Recent returns the newest samples for one device, newest first.
	Recent(ctx context.Context, deviceID int64, limit int) ([]*SimUsageRecord, error)
}
