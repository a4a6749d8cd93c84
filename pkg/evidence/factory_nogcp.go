//go:build !gcp

package evidence

import (
	"context"
	"fmt"

	"github.com/MythologIQ/qorelogic/pkg/config"
)

func newGCSFromConfig(_ context.Context, _ *config.Config) (Store, error) {
	return nil, fmt.Errorf("evidence: gcs backend not compiled in (build with -tags gcp)")
}
