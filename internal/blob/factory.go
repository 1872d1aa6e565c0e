package blob

import (
	"context"
	"fmt"
)

// Config selects and configures a blob backend.
type Config struct {
	Driver Driver
	// FSRoot is the directory used by the fs driver (default ./blobdata).
	FSRoot string
	S3     S3Config
}

// Open returns the Store configured by cfg. An empty driver means fs;
// DriverNone yields a nil Store and disables archiving.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", DriverFilesystem:
		return NewFilesystem(cfg.FSRoot)
	case DriverS3:
		if cfg.S3.Bucket == "" {
			return nil, fmt.Errorf("s3 blob driver requires a bucket")
		}
		return NewS3(ctx, cfg.S3)
	case DriverMemory:
		return NewMemory(), nil
	case DriverNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown blob driver %q", cfg.Driver)
	}
}
