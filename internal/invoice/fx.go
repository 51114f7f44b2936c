package invoice

import (
	"github.com/smallbiznis/examly/internal/invoice/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("invoice.store",
	fx.Provide(repository.Provide),
)
