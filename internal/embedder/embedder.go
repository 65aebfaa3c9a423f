// Package embedder binds the service to the external model server that turns
// preprocessed muzzle tensors into feature vectors.
package embedder

import (
	"context"

	"github.com/herdsure/muzzleid/internal/muzzle"
)

// Client exposes the subset of model-server functionality used by the
// identity flow. Implementations must be safe for concurrent use; the client
// is built once at startup and shared across requests.
type Client interface {
	// Embed maps a preprocessed tensor to a feature vector of Dimension length.
	Embed(ctx context.Context, tensor *muzzle.Tensor) ([]float32, error)
	// Dimension reports the configured embedding length.
	Dimension() int
	// Ready probes the model server for an available model version.
	Ready(ctx context.Context) error
}
