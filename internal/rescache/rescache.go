package rescache

import (
	"context"
	"fmt"

	"github.com/pkhoroshilov/gatherer/config"
	"github.com/pkhoroshilov/gatherer/internal/ingest"
)

// New builds the cache backend selected by config.
func New(ctx context.Context, cfg config.CacheConfig) (ingest.ResultCache, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemory(cfg.TTL, cfg.MaxEntries), nil
	case "redis":
		return NewRedis(ctx, cfg.Redis)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}
