package cardstore

import (
	"context"
	"fmt"

	"github.com/kpauljoseph/merkwerk/internal/config"
	"github.com/kpauljoseph/merkwerk/pkg/logger"
)

// Open builds the backend selected in the store configuration.
func Open(ctx context.Context, cfg config.StoreConfig, log *logger.Logger) (Store, error) {
	switch cfg.Backend {
	case "", "file":
		return NewFileStore(cfg.Path, log)
	case "sqlite":
		return OpenSQLite(cfg.Path, log)
	case "gcs":
		return OpenGCS(ctx, GCSOptions{
			Bucket:          cfg.Bucket,
			Prefix:          cfg.Prefix,
			CredentialsFile: cfg.CredentialsFile,
			Endpoint:        cfg.Endpoint,
		}, log)
	default:
		return nil, fmt.Errorf("unknown card store backend %q", cfg.Backend)
	}
}
