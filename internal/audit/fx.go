package audit

import (
	"github.com/geowarn/geowarn/internal/audit/repository"
	"github.com/geowarn/geowarn/internal/audit/service"
	"go.uber.org/fx"
)

var Module = fx.Module("audit.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
