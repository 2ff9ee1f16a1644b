package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/geowarn/geowarn/internal/alert"
	"github.com/geowarn/geowarn/internal/audit"
	"github.com/geowarn/geowarn/internal/clock"
	"github.com/geowarn/geowarn/internal/config"
	"github.com/geowarn/geowarn/internal/dashboard"
	"github.com/geowarn/geowarn/internal/migration"
	"github.com/geowarn/geowarn/internal/notify"
	"github.com/geowarn/geowarn/internal/observability"
	"github.com/geowarn/geowarn/internal/server"
	"github.com/geowarn/geowarn/pkg/db"
	"go.uber.org/fx"
)

// API mode: commands and reads only, no background jobs. Pair with the
// worker binary pointed at the same database.
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

		server.Module,
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
