package config

import "go.uber.org/fx"

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(
		fx.Annotate(NewAccessSettingsHolder, fx.As(new(AccessSettingsSource))),
	),
)
