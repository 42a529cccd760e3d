package directory

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"isp-network-api/internal/config"
	"isp-network-api/internal/database"
)

// Open builds the directory selected by cfg.Directory.Driver
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Directory, error) {
	switch cfg.Directory.Driver {
	case DriverMemory, "":
		logger.Warn("Using in-memory directory, data is lost on restart")
		return NewMemoryDirectory(), nil
	case DriverSQLite:
		logger.Info("Opening SQLite directory", zap.String("path", cfg.SQLite.Path))
		return OpenSQLite(ctx, cfg.SQLite.Path)
	case DriverMongoDB:
		db, err := database.NewConnection(ctx, cfg.MongoDB.URI, cfg.MongoDB.Database, logger)
		if err != nil {
			return nil, err
		}
		dir, err := NewMongoDirectory(ctx, db, logger)
		if err != nil {
			_ = db.Close(ctx)
			return nil, err
		}
		return dir, nil
	}
	return nil, fmt.Errorf("unknown directory driver %q", cfg.Directory.Driver)
}
