// Package container wires application dependencies with dig.
package container

import (
	"claude-relay/internal/accountpool"
	"claude-relay/internal/app"
	"claude-relay/internal/claudeauth"
	"claude-relay/internal/config"
	"claude-relay/internal/convlog"
	"claude-relay/internal/encryption"
	"claude-relay/internal/handler"
	"claude-relay/internal/httpclient"
	"claude-relay/internal/proxy"
	"claude-relay/internal/router"
	"claude-relay/internal/store"
	"claude-relay/internal/types"

	"go.uber.org/dig"
)

// BuildContainer creates and configures the dependency injection container.
func BuildContainer() (*dig.Container, error) {
	container := dig.New()

	providers := []any{
		// Configuration
		config.NewManager,

		// Storage
		func(cm types.ConfigManager) (encryption.Service, error) {
			return encryption.NewService(cm.GetEncryptionKey())
		},
		func(cm types.ConfigManager, svc encryption.Service) (store.SnapshotStore, error) {
			return store.NewFileStore(cm.GetDataDir(), svc)
		},
		func(cm types.ConfigManager) (store.ProxyPoolStore, error) {
			return store.NewConfigFileStore(cm.GetDataDir())
		},

		// Upstream access
		httpclient.NewManager,
		func(cm types.ConfigManager, clients *httpclient.Manager) accountpool.Authenticator {
			return claudeauth.NewAuthenticator(cm, clients)
		},

		// Core services
		accountpool.NewManager,
		convlog.NewLogger,
		proxy.NewProxyServer,

		// HTTP layer
		handler.NewHealthHandler,
		handler.NewAccountHandler,
		handler.NewProxyHandler,
		handler.NewLogHandler,
		router.NewRouter,

		// Application
		app.NewApp,
	}

	for _, provider := range providers {
		if err := container.Provide(provider); err != nil {
			return nil, err
		}
	}

	return container, nil
}
