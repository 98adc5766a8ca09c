package evidence

import (
	"context"
	"fmt"
)

// Config selects and configures an evidence store.
type Config struct {
	Driver string // "memory" or "s3"
	S3     S3Config
}

// New builds the evidence store named by cfg.Driver.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "memory", "":
		return NewMemoryStore(), nil
	case "s3":
		if cfg.S3.Bucket == "" {
			return nil, fmt.Errorf("evidence: s3 bucket is required")
		}
		return NewS3Store(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unsupported evidence store driver: %q", cfg.Driver)
	}
}
