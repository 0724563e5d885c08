//go:generate go run -mod=mod github.com/google/wire/cmd/wire
//go:build !wireinject

package app

import (
	"context"

	"talon/internal/config"
)

func buildAppWithWire(ctx context.Context, cfg *config.Config) (*App, error) {
	builder := provideAppBuilder(cfg)
	app, err := provideAppFromBuilder(builder, ctx)
	if err != nil {
		return nil, err
	}
	return app, nil
}
