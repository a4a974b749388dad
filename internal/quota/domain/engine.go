package domain

import (
	"context"

	fleetdomain "github.com/fleetwise/fleetquota/internal/fleet/domain"
)

// Engine drives the quota decision cycle over the whole fleet.
type Engine interface {
	// ProcessDevices refreshes the fleet from the management API and runs
	// the usage/decision pipeline for every online device.
	ProcessDevices(ctx context.Context) error

	// ProcessSimAllowance records one sim's usage sample and, when the sim
	// has exhausted its allowance, evaluates whether a top-up is permitted.
	ProcessSimAllowance(ctx context.Context, orgID string, groupID int64, country string, device *fleetdomain.Device, sim fleetdomain.Sim, payload *fleetdomain.SimUsage) error

	// ResetMonthlyAllowances queues a monthly allowance reset for every
	// online, budget-configured device sim.
	ResetMonthlyAllowances(ctx context.Context) error
}
