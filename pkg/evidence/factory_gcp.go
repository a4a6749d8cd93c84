//go:build gcp

package evidence

import (
	"context"

	"github.com/MythologIQ/qorelogic/pkg/config"
)

func newGCSFromConfig(ctx context.Context, cfg *config.Config) (Store, error) {
	return NewGCSStore(ctx, GCSConfig{
		Bucket: cfg.EvidenceGCSBucket,
		Prefix: cfg.EvidenceGCSPrefix,
	})
}
