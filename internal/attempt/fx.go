package attempt

import (
	"github.com/smallbiznis/examly/internal/attempt/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("attempt.store",
	fx.Provide(repository.Provide),
)
