package repository

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/fleetwise/fleetquota/internal/fleet/domain"
	"go.uber.org/fx"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	GenID *snowflake.Node
}

type repo struct {
	db    *gorm.DB
	genID *snowflake.Node
}

func Provide(p Params) domain.Repository {
	return &repo{db: p.DB, genID: p.GenID}
}

// Upsert tallies one API listing with the persisted fleet, keyed by serial
// number. Conflicts update only group membership, API id, and tags; budgets,
// counters, and engine state stay untouched.
func (r *repo) Upsert(ctx context.Context, orgID string, groupID int64, listing domain.Listing) error {
	if listing.SN == "" {
		return domain.ErrInvalidListing
	}
	tags, err := json.Marshal(listing.Tags)
	if err != nil {
		return err
	}
	row := domain.Device{
		ID:            r.genID.Generate(),
		SN:            listing.SN,
		DeviceID:      listing.ID,
		OrgID:         orgID,
		GroupID:       groupID,
		Tags:          datatypes.JSON(tags),
		MonthlyBudget: domain.UnconfiguredBudget,
		YearlyBudget:  domain.UnconfiguredBudget,
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "sn"}},
		DoUpdates: clause.Assignments(map[string]any{
			"device_id": listing.ID,
			"org_id":    orgID,
			"group_id":  groupID,
			"tags":      datatypes.JSON(tags),
		}),
	}).Create(&row).Error
}

func (r *repo) FindBySN(ctx context.Context, sn string) (*domain.Device, error) {
	var dev domain.Device
	err := r.db.WithContext(ctx).Where("sn = ?", sn).First(&dev).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrDeviceNotFound
		}
		return nil, err
	}
	return &dev, nil
}

func (r *repo) FindByKeys(ctx context.Context, orgID string, groupID, deviceID int64) (*domain.Device, error) {
	var dev domain.Device
	err := r.db.WithContext(ctx).
		Where("org_id = ? AND group_id = ? AND device_id = ?", orgID, groupID, deviceID).
		First(&dev).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrDeviceNotFound
		}
		return nil, err
	}
	return &dev, nil
}

func (r *repo) UpdateFields(ctx context.Context, orgID string, groupID, deviceID int64, fields map[string]any) error {
	return r.db.WithContext(ctx).Model(&domain.Device{}).
		Where("org_id = ? AND group_id = ? AND device_id = ?", orgID, groupID, deviceID).
		Updates(fields).Error
}

func (r *repo) ListBySelection(ctx context.Context, orgID string, groupID int64, selector domain.TagSelector) ([]*domain.Device, error) {
	var rows []*domain.Device
	err := r.db.WithContext(ctx).
		Where("org_id = ? AND group_id = ?", orgID, groupID).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return filterBySelector(rows, selector), nil
}

func (r *repo) ListBySelectorOnly(ctx context.Context, selector domain.TagSelector) ([]*domain.Device, error) {
	var rows []*domain.Device
	if err := r.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	return filterBySelector(rows, selector), nil
}

func (r *repo) All(ctx context.Context) ([]*domain.Device, error) {
	var rows []*domain.Device
	err := r.db.WithContext(ctx).Order("sn").Find(&rows).Error
	return rows, err
}

// Tag matching happens in process so the predicate behaves identically on
// postgres, mysql, and the sqlite test database.
func filterBySelector(rows []*domain.Device, selector domain.TagSelector) []*domain.Device {
	if selector.Empty() {
		return rows
	}
	out := make([]*domain.Device, 0, len(rows))
	for _, row := range rows {
		if selector.MatchesJSON(row.Tags) {
			out = append(out, row)
		}
	}
	return out
}
