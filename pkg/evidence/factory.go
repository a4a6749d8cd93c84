package evidence

import (
	"context"
	"fmt"

	"github.com/MythologIQ/qorelogic/pkg/config"
)

// NewStore selects the archive backend named by the configuration:
// "fs" (default), "s3", or "gcs" (requires a build with -tags gcp).
func NewStore(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.EvidenceBackend {
	case "", "fs":
		return NewFileStore(cfg.EvidenceDir)
	case "s3":
		return NewS3Store(ctx, S3Config{
			Bucket:   cfg.EvidenceS3Bucket,
			Region:   cfg.EvidenceS3Region,
			Endpoint: cfg.EvidenceS3Endpoint,
			Prefix:   cfg.EvidenceS3Prefix,
		})
	case "gcs":
		return newGCSFromConfig(ctx, cfg)
	default:
		return nil, fmt.Errorf("evidence: unknown backend %q", cfg.EvidenceBackend)
	}
}
