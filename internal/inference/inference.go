// Package inference defines the classification contract of the remote
// prediction backend and the two-stage classification pipeline built on it.
package inference

import "context"

// Classification is the primary classification outcome.
type Classification struct {
	ClassIndex int
	Label      string
	Score      float64
}

// StageClassification is the secondary (disease stage) outcome.
type StageClassification struct {
	Label      string
	Confidence float64
}

// Client exposes the backend calls used by the prediction workflow.
type Client interface {
	Classify(ctx context.Context, image []byte) (*Classification, error)
	ClassifyStage(ctx context.Context, image []byte) (*StageClassification, error)
}
