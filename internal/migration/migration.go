// Package migration creates the schema on startup via gorm auto-migration.
package migration

import (
	actiondomain "github.com/fleetwise/fleetquota/internal/action/domain"
	fleetdomain "github.com/fleetwise/fleetquota/internal/fleet/domain"
	policyinfodomain "github.com/fleetwise/fleetquota/internal/policyinfo/domain"
	ratedomain "github.com/fleetwise/fleetquota/internal/rate/domain"
	schedulerdomain "github.com/fleetwise/fleetquota/internal/scheduler/domain"
	usagedomain "github.com/fleetwise/fleetquota/internal/usage/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

// Models lists every persisted type, in dependency-free order.
func Models() []any {
	return []any{
		&fleetdomain.Device{},
		&usagedomain.SimUsageRecord{},
		&actiondomain.ScheduledAction{},
		&ratedomain.RateTable{},
		&ratedomain.RateEntry{},
		&policyinfodomain.BudgetInfo{},
		&policyinfodomain.BudgetStartInfo{},
		&policyinfodomain.STPInfo{},
		&policyinfodomain.TopupInfo{},
		&schedulerdomain.JobLog{},
	}
}

func Run(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}

var Module = fx.Module("migration",
	fx.Invoke(Run),
)
