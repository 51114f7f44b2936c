package main

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/examly/internal/clock"
	"github.com/smallbiznis/examly/internal/config"
	"github.com/smallbiznis/examly/internal/migration"
	"github.com/smallbiznis/examly/internal/observability"
	"github.com/smallbiznis/examly/internal/server"
	"github.com/smallbiznis/examly/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	fx.New(
		config.Module,
		observability.Module,
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
		fx.Provide(newIDNode),
		db.Module,
		clock.Module,
		migration.Module,

		server.Module,
	).Run()
}

// newIDNode builds the snowflake node for attempt and grant ids. Each
// replica needs its own node id.
func newIDNode(cfg config.Config) (*snowflake.Node, error) {
	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", cfg.NodeID, err)
	}
	return node, nil
}
