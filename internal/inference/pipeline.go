package inference

import (
	"context"
	"time"

	"github.com/example/malcare/internal/prediction"
)

// DefaultStageThreshold gates the stage call on the primary score.
const DefaultStageThreshold = 0.5

// Outcome is the result of one classification session.
type Outcome struct {
	Primary Classification
	Stage   StageClassification
	// StageRan is false when the primary score did not clear the threshold
	// and Stage holds the uninfected placeholder.
	StageRan bool
}

// Pipeline runs the primary call and, when warranted, the stage call.
type Pipeline struct {
	client      Client
	threshold   float64
	callTimeout time.Duration
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithStageThreshold overrides the score the primary call must exceed.
func WithStageThreshold(threshold float64) PipelineOption {
	return func(p *Pipeline) {
		if threshold >= 0 && threshold <= 1 {
			p.threshold = threshold
		}
	}
}

// WithCallTimeout bounds each backend call. Zero disables the bound.
func WithCallTimeout(timeout time.Duration) PipelineOption {
	return func(p *Pipeline) {
		if timeout >= 0 {
			p.callTimeout = timeout
		}
	}
}

// NewPipeline builds a pipeline over client.
func NewPipeline(client Client, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		client:      client,
		threshold:   DefaultStageThreshold,
		callTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Threshold returns the configured stage threshold.
func (p *Pipeline) Threshold() float64 { return p.threshold }

// Run classifies image. The stage call starts only after the primary call
// returned successfully with a score above the threshold.
func (p *Pipeline) Run(ctx context.Context, image []byte) (*Outcome, error) {
	primary, err := p.classify(ctx, image)
	if err != nil {
		return nil, err
	}

	out := &Outcome{
		Primary: *primary,
		Stage:   StageClassification{Label: prediction.UninfectedStage, Confidence: 0},
	}
	if primary.Score <= p.threshold {
		return out, nil
	}

	stage, err := p.classifyStage(ctx, image)
	if err != nil {
		return nil, err
	}
	out.Stage = *stage
	out.StageRan = true
	return out, nil
}

func (p *Pipeline) classify(ctx context.Context, image []byte) (*Classification, error) {
	callCtx, cancel := p.withTimeout(ctx)
	defer cancel()
	return p.client.Classify(callCtx, image)
}

func (p *Pipeline) classifyStage(ctx context.Context, image []byte) (*StageClassification, error) {
	callCtx, cancel := p.withTimeout(ctx)
	defer cancel()
	return p.client.ClassifyStage(callCtx, image)
}

func (p *Pipeline) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.callTimeout)
}
