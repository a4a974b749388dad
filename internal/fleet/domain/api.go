package domain

import (
	"context"
	"errors"
)

// SimUsage is the per-SIM allowance payload surfaced by the management API.
// Limit is in MB, UsageKB in KB as reported by the router.
type SimUsage struct {
	Enable  bool    `json:"enable"`
	Limit   float64 `json:"limit"`
	Unit    string  `json:"unit"`
	UsageKB float64 `json:"usage_kb"`
	Percent float64 `json:"percent"`
}

type Organization struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Group struct {
	ID      int64  `json:"id"`
	OrgID   string `json:"org_id"`
	Name    string `json:"name"`
	Country string `json:"country"`
}

const StatusOnline = "ONLINE"

// Listing is one device as returned by the management API, before it is
// tallied against the persisted fleet.
type Listing struct {
	ID     int64     `json:"id"`
	SN     string    `json:"sn"`
	Status string    `json:"onlineStatus"`
	Tags   []string  `json:"tags"`
	Sim1   *SimUsage `json:"sim1"`
	Sim2   *SimUsage `json:"sim2"`
}

func (l Listing) Online() bool { return l.Status == StatusOnline }

// API is the remote device-management collaborator.
type API interface {
	ListOrganizations(ctx context.Context) ([]Organization, error)
	ListGroups(ctx context.Context, orgID string) ([]Group, error)
	ListDevices(ctx context.Context, orgID string, groupID int64, includeUsage bool) ([]Listing, error)
	ApplySimAllowance(ctx context.Context, orgID string, groupID, deviceID int64, sim Sim, limitMB int) (bool, error)
}

// Repository persists the device fleet.
type Repository interface {
	Upsert(ctx context.Context, orgID string, groupID int64, listing Listing) error
	FindBySN(ctx context.Context, sn string) (*Device, error)
	FindByKeys(ctx context.Context, orgID string, groupID, deviceID int64) (*Device, error)
	// UpdateFields applies a partial update scoped by the immutable
	// identifying keys so concurrent writers on different devices never
	// conflict.
	UpdateFields(ctx context.Context, orgID string, groupID, deviceID int64, fields map[string]any) error
	// ListBySelection returns devices of an org/group whose tag set is a
	// superset of the selector. An empty selector matches all.
	ListBySelection(ctx context.Context, orgID string, groupID int64, selector TagSelector) ([]*Device, error)
	// ListBySelectorOnly matches the selector across the whole fleet.
	ListBySelectorOnly(ctx context.Context, selector TagSelector) ([]*Device, error)
	All(ctx context.Context) ([]*Device, error)
}

var (
	ErrDeviceNotFound = errors.New("device_not_found")
	ErrInvalidListing = errors.New("invalid_device_listing")
)
