package exam

import (
	"github.com/smallbiznis/examly/internal/exam/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("exam.catalog",
	fx.Provide(repository.Provide),
)
