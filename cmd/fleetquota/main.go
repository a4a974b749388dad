package main

import (
	"github.com/bwmarrin/snowflake"
	actionservice "github.com/fleetwise/fleetquota/internal/action/service"
	"github.com/fleetwise/fleetquota/internal/clock"
	"github.com/fleetwise/fleetquota/internal/config"
	"github.com/fleetwise/fleetquota/internal/fleet"
	"github.com/fleetwise/fleetquota/internal/logger"
	"github.com/fleetwise/fleetquota/internal/migration"
	"github.com/fleetwise/fleetquota/internal/observability/metrics"
	policyinfoservice "github.com/fleetwise/fleetquota/internal/policyinfo/service"
	quotaservice "github.com/fleetwise/fleetquota/internal/quota/service"
	rateservice "github.com/fleetwise/fleetquota/internal/rate/service"
	"github.com/fleetwise/fleetquota/internal/scheduler"
	"github.com/fleetwise/fleetquota/internal/server"
	usageservice "github.com/fleetwise/fleetquota/internal/usage/service"
	"github.com/fleetwise/fleetquota/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		clock.Module,
		metrics.Module,
		fx.Provide(newIDNode),
		db.Module,
		migration.Module,
		fleet.Module,
		rateservice.Module,
		usageservice.Module,
		actionservice.Module,
		quotaservice.Module,
		policyinfoservice.Module,
		scheduler.Module,
		server.Module,
	)
	app.Run()
}

func newIDNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}
