package service

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/biter777/countries"
	"github.com/bwmarrin/snowflake"
	"github.com/fleetwise/fleetquota/internal/clock"
	"github.com/fleetwise/fleetquota/internal/config"
	fleetdomain "github.com/fleetwise/fleetquota/internal/fleet/domain"
	"github.com/fleetwise/fleetquota/internal/rate/domain"
	"github.com/fleetwise/fleetquota/pkg/db"
	"github.com/fleetwise/fleetquota/pkg/db/option"
	"github.com/fleetwise/fleetquota/pkg/repository"
	"github.com/xuri/excelize/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	GenID   *snowflake.Node
	Log     *zap.Logger
	Clock   clock.Clock
	Config  config.Config
	Devices fleetdomain.Repository
}

type service struct {
	db       *gorm.DB
	genID    *snowflake.Node
	log      *zap.Logger
	clock    clock.Clock
	sheetDir string
	devices  fleetdomain.Repository
	tables   repository.Repository[domain.RateTable]
	entries  repository.Repository[domain.RateEntry]
}

func New(p Params) domain.Service {
	return &service{
		db:       p.DB,
		genID:    p.GenID,
		log:      p.Log.Named("rate"),
		clock:    p.Clock,
		sheetDir: p.Config.RateSheetDir,
		devices:  p.Devices,
		tables:   repository.ProvideStore[domain.RateTable](p.DB),
		entries:  repository.ProvideStore[domain.RateEntry](p.DB),
	}
}

var Module = fx.Module("rate",
	fx.Provide(New),
)

// countryName maps an alpha-2 code to the canonical upper-case country name
// used as the rate key. "UK" is accepted as an alias for "GB".
func countryName(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "UK" {
		code = "GB"
	}
	country := countries.ByName(code)
	if country == countries.Unknown {
		return ""
	}
	return strings.ToUpper(country.String())
}

func (s *service) Resolve(ctx context.Context, rateTableID int64, countryCode string) float64 {
	table, err := s.findTable(ctx, rateTableID)
	if err != nil {
		s.log.Warn("rate table missing or inactive, rating at zero",
			zap.Int64("rate_table_id", rateTableID),
			zap.Error(err),
		)
		return 0
	}
	name := countryName(countryCode)
	if name == "" {
		s.log.Warn("unknown country code, rating at zero",
			zap.String("country_code", countryCode),
		)
		return 0
	}
	entry, err := s.entries.FindOne(ctx, &domain.RateEntry{
		RateTableID: table.ID,
		Country:     name,
	})
	if err != nil || entry == nil {
		s.log.Warn("no rate entry for country, rating at zero",
			zap.Int64("rate_table_id", rateTableID),
			zap.String("country", name),
			zap.Error(err),
		)
		return 0
	}
	return entry.RatePerMB
}

// findTable loads an active rate table by ID. The zero ID marks a device with
// no table assigned and never matches anything.
func (s *service) findTable(ctx context.Context, rateTableID int64) (*domain.RateTable, error) {
	if rateTableID <= 0 {
		return nil, domain.ErrRateTableNotFound
	}
	table, err := s.tables.FindOne(ctx, &domain.RateTable{}, option.WithWhere("id = ?", rateTableID))
	if err != nil {
		return nil, err
	}
	if table == nil || !table.IsActive {
		return nil, domain.ErrRateTableNotFound
	}
	return table, nil
}

func (s *service) Upload(ctx context.Context, req domain.UploadRequest) (*domain.RateTable, error) {
	now := s.clock.Now()
	tags, err := json.Marshal(req.Tags)
	if err != nil {
		return nil, err
	}
	table := &domain.RateTable{
		ID:          s.genID.Generate(),
		Name:        req.Name,
		FileName:    req.Path,
		IsActive:    true,
		IsScheduled: req.IsScheduled,
		ConfigTime:  req.ConfigTime,
		Tags:        tags,
		Status:      domain.RateTableStatusPending,
		UploadedAt:  now,
		UpdatedAt:   now,
	}

	count, err := s.importSheet(ctx, table.ID, req.Path)
	if err != nil {
		return nil, err
	}
	if err := s.tables.Create(ctx, table); err != nil {
		return nil, err
	}
	s.log.Info("rate table imported",
		zap.String("name", req.Name),
		zap.Int("entries", count),
	)

	if req.IsScheduled && req.ConfigTime != nil && req.ConfigTime.After(now) {
		return table, nil
	}
	if err := s.assign(ctx, table); err != nil {
		return nil, err
	}
	return table, nil
}

// importSheet reads the "Country" and "Cost €/MB" columns of the first sheet
// and inserts one entry per row.
func (s *service) importSheet(ctx context.Context, tableID snowflake.ID, path string) (int, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return 0, fmt.Errorf("open rate sheet: %w", err)
	}
	defer f.Close()

	sheet := f.GetSheetName(0)
	rows, err := f.GetRows(sheet)
	if err != nil {
		return 0, err
	}
	if len(rows) < 2 {
		return 0, domain.ErrEmptySheet
	}

	countryCol, costCol := -1, -1
	for i, header := range rows[0] {
		switch strings.TrimSpace(header) {
		case "Country":
			countryCol = i
		case "Cost €/MB":
			costCol = i
		}
	}
	if countryCol < 0 || costCol < 0 {
		return 0, fmt.Errorf("rate sheet %s: missing Country or Cost €/MB column", path)
	}

	now := s.clock.Now()
	inserted := 0
	for _, row := range rows[1:] {
		if len(row) <= countryCol || len(row) <= costCol {
			continue
		}
		name := strings.ToUpper(strings.TrimSpace(row[countryCol]))
		if name == "" {
			continue
		}
		cost, err := strconv.ParseFloat(strings.TrimSpace(row[costCol]), 64)
		if err != nil {
			s.log.Warn("skipping rate row with unparsable cost",
				zap.String("country", name),
				zap.String("cost", row[costCol]),
			)
			continue
		}
		entry := &domain.RateEntry{
			ID:          s.genID.Generate(),
			RateTableID: tableID,
			Country:     name,
			RatePerMB:   cost,
			CreatedAt:   now,
		}
		if err := s.entries.Create(ctx, entry); err != nil {
			if db.IsDuplicateKeyErr(err) {
				s.log.Warn("skipping duplicate country row", zap.String("country", name))
				continue
			}
			return inserted, err
		}
		inserted++
	}
	if inserted == 0 {
		return 0, domain.ErrEmptySheet
	}
	return inserted, nil
}

// assign points every device matched by the table's selector at the table and
// marks the table processed.
func (s *service) assign(ctx context.Context, table *domain.RateTable) error {
	var selector fleetdomain.TagSelector
	if len(table.Tags) > 0 {
		if err := json.Unmarshal(table.Tags, &selector); err != nil {
			return err
		}
	}
	devices, err := s.devices.ListBySelectorOnly(ctx, selector)
	if err != nil {
		return err
	}
	for _, device := range devices {
		err := s.devices.UpdateFields(ctx, device.OrgID, device.GroupID, device.DeviceID, map[string]any{
			"rate_table_id": table.ID.Int64(),
		})
		if err != nil {
			return err
		}
	}
	if err := s.tables.Update(ctx, table.ID.Int64(), map[string]any{
		"status":     domain.RateTableStatusProcessed,
		"updated_at": s.clock.Now(),
	}); err != nil {
		return err
	}
	table.Status = domain.RateTableStatusProcessed
	s.log.Info("rate table assigned",
		zap.String("name", table.Name),
		zap.Int("devices", len(devices)),
	)
	return nil
}

func (s *service) ProcessPending(ctx context.Context) error {
	if err := s.importNewSheets(ctx); err != nil {
		return err
	}
	pending, err := s.tables.Find(ctx, &domain.RateTable{Status: domain.RateTableStatusPending})
	if err != nil {
		return err
	}
	now := s.clock.Now()
	for _, table := range pending {
		if table.IsScheduled && table.ConfigTime != nil && table.ConfigTime.After(now) {
			continue
		}
		if err := s.assign(ctx, table); err != nil {
			return err
		}
	}
	return nil
}

// importNewSheets picks up workbooks dropped into the sheet directory that
// have not been registered yet.
func (s *service) importNewSheets(ctx context.Context) error {
	if s.sheetDir == "" {
		return nil
	}
	entries, err := os.ReadDir(s.sheetDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".xlsx") {
			continue
		}
		path := filepath.Join(s.sheetDir, entry.Name())
		known, err := s.tables.FindOne(ctx, &domain.RateTable{FileName: path})
		if err != nil {
			return err
		}
		if known != nil {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		if _, err := s.Upload(ctx, domain.UploadRequest{Name: name, Path: path}); err != nil {
			s.log.Warn("sheet import failed", zap.String("path", path), zap.Error(err))
		}
	}
	return nil
}
