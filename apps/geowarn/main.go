package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/geowarn/geowarn/internal/alert"
	"github.com/geowarn/geowarn/internal/audit"
	"github.com/geowarn/geowarn/internal/changefeed"
	"github.com/geowarn/geowarn/internal/clock"
	"github.com/geowarn/geowarn/internal/config"
	"github.com/geowarn/geowarn/internal/dashboard"
	"github.com/geowarn/geowarn/internal/migration"
	"github.com/geowarn/geowarn/internal/notify"
	"github.com/geowarn/geowarn/internal/observability"
	providerdelivery "github.com/geowarn/geowarn/internal/provider/delivery"
	"github.com/geowarn/geowarn/internal/reaction"
	"github.com/geowarn/geowarn/internal/server"
	"github.com/geowarn/geowarn/internal/worker"
	"github.com/geowarn/geowarn/pkg/db"
	"go.uber.org/fx"
)

// Monolith mode: one process serves the API, consumes the change feed
// and runs the background jobs.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		alert.Module,
		audit.Module,
		notify.Module,
		dashboard.Module,
		changefeed.Module,
		providerdelivery.Module,
		reaction.Module,

		server.Module,
		worker.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
