package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

var (
	ErrRateTableNotFound = errors.New("rate_table_not_found")
	ErrEmptySheet        = errors.New("rate_sheet_empty")
)

const (
	RateTableStatusPending   = "pending"
	RateTableStatusProcessed = "processed"
)

// RateTable is one uploaded pricing sheet. Tables are versioned and never
// mutated after import, so historical expenditure stays reproducible.
type RateTable struct {
	ID          snowflake.ID   `json:"id" gorm:"primaryKey"`
	Name        string         `json:"name"`
	FileName    string         `json:"file_name"`
	IsActive    bool           `json:"is_active"`
	IsScheduled bool           `json:"is_scheduled"`
	ConfigTime  *time.Time     `json:"config_time"`
	Tags        datatypes.JSON `json:"tags"`
	Status      string         `json:"status" gorm:"index"`
	UploadedAt  time.Time      `json:"uploaded_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

func (RateTable) TableName() string {
	return "rate_tables"
}

// RateEntry is one country row of a rate table, priced per megabyte.
// Country holds the canonical upper-case country name.
type RateEntry struct {
	ID          snowflake.ID `json:"id" gorm:"primaryKey"`
	RateTableID snowflake.ID `json:"rate_table_id" gorm:"uniqueIndex:idx_rate_entry_table_country"`
	Country     string       `json:"country" gorm:"uniqueIndex:idx_rate_entry_table_country"`
	RatePerMB   float64      `json:"rate_per_mb"`
	CreatedAt   time.Time    `json:"created_at"`
}

func (RateEntry) TableName() string {
	return "rate_entries"
}

// UploadRequest describes a sheet handed to the importer.
type UploadRequest struct {
	Name        string
	Path        string
	Tags        []string
	IsScheduled bool
	ConfigTime  *time.Time
}

type Service interface {
	// Resolve returns the per-megabyte cost for a country under the given
	// table. Unknown countries and missing tables resolve to zero.
	Resolve(ctx context.Context, rateTableID int64, countryCode string) float64

	// Upload registers a sheet, imports its rows, and unless scheduled for
	// later assigns the table to the devices its tags match.
	Upload(ctx context.Context, req UploadRequest) (*RateTable, error)

	// ProcessPending assigns scheduled rate tables whose config time has
	// arrived and marks them processed.
	ProcessPending(ctx context.Context) error
}
