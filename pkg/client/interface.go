// Package client defines the interface vision backends implement and
// the shared handling of their replies.
package client

import (
	"context"
	"errors"

	"cropbatch/pkg/types"
)

// ErrUnavailable marks transport-level failures: the backend could not
// be reached at all. Callers treat it as unrecoverable, unlike a failed
// or garbled inference, which only skips the current image.
var ErrUnavailable = errors.New("vision backend unreachable")

// DetectRequest is one object-detection call.
type DetectRequest struct {
	Model    string
	Prompt   string
	ImageB64 string
	// Degraded asks for the reduced execution mode, CPU-only where the
	// backend supports choosing.
	Degraded bool
}

// VisionClient is the interface all model backends implement.
type VisionClient interface {
	// SimpleQuery sends a free-form prompt with an image and returns the
	// raw text reply.
	SimpleQuery(ctx context.Context, model, prompt, imageB64 string) (string, error)

	// DetectObjects runs a detection prompt and returns the objects the
	// model reported, unvalidated and in normalized coordinates.
	DetectObjects(ctx context.Context, req DetectRequest) ([]types.RawDetection, error)
}
