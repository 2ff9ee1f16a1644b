package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/geowarn/geowarn/internal/alert"
	"github.com/geowarn/geowarn/internal/audit"
	"github.com/geowarn/geowarn/internal/changefeed"
	"github.com/geowarn/geowarn/internal/clock"
	"github.com/geowarn/geowarn/internal/config"
	"github.com/geowarn/geowarn/internal/notify"
	"github.com/geowarn/geowarn/internal/observability"
	providerdelivery "github.com/geowarn/geowarn/internal/provider/delivery"
	"github.com/geowarn/geowarn/internal/reaction"
	"github.com/geowarn/geowarn/internal/worker"
	"github.com/geowarn/geowarn/pkg/db"
	"go.uber.org/fx"
)

// Worker mode: change feed dispatch and timer jobs only. Set
// WORKER_ENABLED_JOBS to split jobs across replicas.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		alert.Module,
		audit.Module,
		notify.Module,
		changefeed.Module,
		providerdelivery.Module,
		reaction.Module,

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
