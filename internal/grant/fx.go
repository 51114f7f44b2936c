package grant

import (
	"github.com/smallbiznis/examly/internal/grant/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("grant.store",
	fx.Provide(repository.Provide),
)
