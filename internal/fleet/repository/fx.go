package repository

import "go.uber.org/fx"

var Module = fx.Module("fleet.repository",
	fx.Provide(Provide),
)
