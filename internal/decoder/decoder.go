// Package decoder defines the ingestion contract between timing hardware
// workers and the engine, plus a mock decoder for load tests and demos.
// Vendor wire-protocol parsing lives outside the core; anything that can
// produce model.Pass values can feed the engine.
package decoder

import (
	"context"

	"github.com/chronocore/backend/internal/engine"
	"github.com/chronocore/backend/internal/model"
)

// PassSink accepts decoded passes. The engine satisfies this directly.
type PassSink interface {
	IngestPass(pass model.Pass) engine.IngestResult
}

// Source is a decoder worker. Run blocks until ctx is canceled or the
// source fails; passes from a single source arrive at the sink in order.
type Source interface {
	Run(ctx context.Context, sink PassSink) error
}
