//go:build !gcp

package archive

import (
	"context"
	"fmt"
)

func newGCSSink(_ context.Context, _ Config) (Sink, error) {
	return nil, fmt.Errorf("archive: gcs backend is not enabled in this build (use -tags gcp)")
}
