package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pyama86/slaffic-relay/config"
	"github.com/pyama86/slaffic-relay/domain/infra"
)

// openDatastore opens the configured backend and creates its schema.
func openDatastore(ctx context.Context, cfg *config.Config) (infra.Datastore, func(), error) {
	switch cfg.DBDriver {
	case "dynamodb":
		d, err := infra.NewDynamoDB(ctx, infra.DynamoConfig{
			TablePrefix: cfg.Dynamo.TablePrefix,
			Local:       cfg.Dynamo.Local,
			Endpoint:    cfg.Dynamo.Endpoint,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("dynamodb: %w", err)
		}
		return d, func() {}, nil
	default:
		d, err := infra.NewDataBase(cfg.DBPath)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite: %w", err)
		}
		return d, func() {
			if err := d.Close(); err != nil {
				slog.Error("Failed to close database", slog.Any("err", err))
			}
		}, nil
	}
}
