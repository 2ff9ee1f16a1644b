package alert

import (
	"github.com/geowarn/geowarn/internal/alert/repository"
	"github.com/geowarn/geowarn/internal/alert/service"
	"go.uber.org/fx"
)

var Module = fx.Module("alert.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
