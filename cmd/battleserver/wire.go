//go:build wireinject

package main

import (
	"context"

	"github.com/google/wire"
	"go.uber.org/zap"

	"github.com/cory-johannsen/blockbattle/internal/config"
	"github.com/cory-johannsen/blockbattle/internal/game/matchmaking"
	"github.com/cory-johannsen/blockbattle/internal/game/session"
	"github.com/cory-johannsen/blockbattle/internal/gameserver"
	"github.com/cory-johannsen/blockbattle/internal/transport/ws"
)

func initializeApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app, func(), error) {
	wire.Build(
		provideServerConfig,
		provideHasher,
		provideBackend,
		provideAccountStore,
		provideSessionPurger,
		provideHealthChecker,
		session.NewManager,
		matchmaking.NewQueue,
		gameserver.NewSessionServer,
		wire.Bind(new(ws.SessionHandler), new(*gameserver.SessionServer)),
		ws.NewAcceptor,
		provideJanitor,
		provideLifecycle,
		wire.Struct(new(app), "*"),
	)
	return nil, nil, nil
}
