package app

import (
	"context"

	"securechannel/internal/utils/log"

	"go.uber.org/zap"
)

// PublishBundle puts our public bundle in the relay directory so peers can
// start connections with us.
func (a *App) PublishBundle(ctx context.Context) error {
	if err := a.client.PublishBundle(ctx, a.identity.Public()); err != nil {
		return err
	}
	log.Info("bundle published", zap.String("name", a.identity.Name))
	return nil
}
