package fleet

import (
	"github.com/fleetwise/fleetquota/internal/fleet/incontrol"
	"github.com/fleetwise/fleetquota/internal/fleet/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("fleet",
	repository.Module,
	incontrol.Module,
)
