package module

import (
	"context"
	"database/sql"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/roach88/dbwire/internal/datasource"
	"github.com/roach88/dbwire/internal/persist"
	"github.com/roach88/dbwire/internal/txn"
)

// FxModule exports the installed units to an fx application.
//
// Per unit it provides *sql.DB, *persist.SessionFactory, persist.Service and
// persist.UnitOfWork, each named after the marker (`name:"orders"`). The
// transaction manager, interceptor and registry are provided unnamed. Start
// and Shutdown are bound to the application lifecycle.
//
// Requesting a unit's *sql.DB opens its pool; requesting its session factory
// starts its service. Both are idempotent, so the lifecycle hook finds them
// already done. Call FxModule after Install.
func (b *Bootstrap) FxModule() fx.Option {
	provides := []any{
		func() *txn.Manager { return b.manager },
		func() *txn.Interceptor { return b.interceptor },
		func() *datasource.Registry { return b.registry },
	}

	for _, m := range b.Bound() {
		b.mu.RLock()
		u := b.units[m]
		b.mu.RUnlock()
		name := m.String()

		if !u.def.DisableDataSource {
			provides = append(provides, fx.Annotated{
				Name: name,
				Target: func() (*sql.DB, error) {
					return b.registry.DataSource(context.Background(), m)
				},
			})
		}
		provides = append(provides,
			fx.Annotated{
				Name: name,
				Target: func() (*persist.SessionFactory, error) {
					if err := u.service.Start(context.Background()); err != nil {
						return nil, err
					}
					u.started.Store(true)
					return u.jpa.Factory()
				},
			},
			fx.Annotated{
				Name:   name,
				Target: func() persist.Service { return u.service },
			},
			fx.Annotated{
				Name:   name,
				Target: func() persist.UnitOfWork { return u.jpa },
			},
		)
	}

	return fx.Module("dbwire",
		fx.Provide(provides...),
		fx.Invoke(func(lc fx.Lifecycle) {
			lc.Append(fx.Hook{
				OnStart: b.Start,
				OnStop:  b.Shutdown,
			})
		}),
	)
}

// FxLogger routes fx events to the Bootstrap's logger.
func (b *Bootstrap) FxLogger() fx.Option {
	return fx.WithLogger(func() fxevent.Logger {
		return &fxevent.ZapLogger{Logger: b.logger}
	})
}
