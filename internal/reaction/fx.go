package reaction

import (
	"github.com/geowarn/geowarn/internal/changefeed"
	"github.com/geowarn/geowarn/internal/reaction/correlate"
	"github.com/geowarn/geowarn/internal/reaction/delivery"
	"github.com/geowarn/geowarn/internal/reaction/expiry"
	"github.com/geowarn/geowarn/internal/reaction/sla"
	"go.uber.org/fx"
)

var Module = fx.Module("reactions",
	fx.Provide(delivery.NewReaction),
	fx.Provide(sla.NewReaction),
	fx.Provide(correlate.NewReaction),
	fx.Provide(expiry.NewReaction),
	fx.Provide(
		fx.Annotate(func(r *delivery.Reaction) changefeed.Reaction { return r },
			fx.ResultTags(`group:"reactions"`)),
		fx.Annotate(func(r *sla.Reaction) changefeed.Reaction { return r },
			fx.ResultTags(`group:"reactions"`)),
		fx.Annotate(func(r *correlate.Reaction) changefeed.Reaction { return r },
			fx.ResultTags(`group:"reactions"`)),
		fx.Annotate(func(r *expiry.Reaction) changefeed.Reaction { return r },
			fx.ResultTags(`group:"reactions"`)),
	),
)
