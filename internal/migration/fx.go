package migration

import (
	"github.com/smallbiznis/examly/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Module migrates PostgreSQL on startup. Other dialects are provisioned out
// of band.
var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg db.Config, log *zap.Logger) error {
		log = log.Named("migration")
		if cfg.Type != "postgres" {
			log.Warn("skipping embedded migrations", zap.String("db_type", cfg.Type))
			return nil
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return Up(sqlDB, log)
	}),
)
