package changefeed

import (
	"github.com/bwmarrin/snowflake"
	"github.com/geowarn/geowarn/internal/clock"
	"go.uber.org/fx"
)

var Module = fx.Module("changefeed",
	fx.Provide(func(genID *snowflake.Node, c clock.Clock) *MarkerStore {
		return NewMarkerStore(genID, c)
	}),
	fx.Provide(NewOffsetStore),
	fx.Provide(NewEventStore),
	fx.Provide(NewDispatcher),
)
