package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/example/malcare/internal/cache"
	"github.com/example/malcare/internal/events"
	"github.com/example/malcare/internal/imageprep"
	"github.com/example/malcare/internal/inference"
	"github.com/example/malcare/internal/logging"
	"github.com/example/malcare/internal/metrics"
	"github.com/example/malcare/internal/prediction"
	"github.com/example/malcare/internal/settlement"
)

const tracerName = "github.com/example/malcare/internal/usecase"

// PredictionRepository defines the persistence operations needed by the use case.
type PredictionRepository interface {
	Create(ctx context.Context, rec *prediction.Record) error
	FindByID(ctx context.Context, owner string, id uint64) (*prediction.Record, error)
	List(ctx context.Context, owner string, filter prediction.Filter) ([]prediction.Record, error)
	MarkSettled(ctx context.Context, owner string, id uint64, txID string) error
	Summary(ctx context.Context, owner string) (prediction.Summary, error)
}

// Classifier runs a classification session for one image.
type Classifier interface {
	Run(ctx context.Context, image []byte) (*inference.Outcome, error)
}

// Submission is one uploaded image.
type Submission struct {
	Owner    string
	FileName string
	Image    []byte
	// Encoding selects the byte normalization; empty uses the default.
	Encoding string
}

// SubmitResult carries the stored record plus the stage outcome as shown to
// the user, which includes the uninfected placeholder when no stage ran.
type SubmitResult struct {
	Record          *prediction.Record
	Stage           string
	StageConfidence float64
	StageRan        bool
}

// Options configures a PredictionUseCase.
type Options struct {
	DefaultEncoding string
	HistoryTTL      time.Duration
	PayoutTimeout   time.Duration
	PublishTimeout  time.Duration
}

// PredictionUseCase encapsulates the submission workflow and the payout simulator.
type PredictionUseCase struct {
	repo       PredictionRepository
	classifier Classifier
	rewards    settlement.RewardPolicy
	settler    settlement.Settler
	cache      cache.Cache
	publisher  events.Publisher
	metrics    *metrics.Manager
	logger     *zap.Logger
	tracer     trace.Tracer

	defaultEncoding string
	historyTTL      time.Duration
	payoutTimeout   time.Duration
	publishTimeout  time.Duration
	now             func() time.Time

	submissions *inflight
	payouts     *inflight
	historyLoad singleflight.Group
}

// Dependencies groups the collaborators of the use case.
type Dependencies struct {
	Repository PredictionRepository
	Classifier Classifier
	Rewards    settlement.RewardPolicy
	Settler    settlement.Settler
	Cache      cache.Cache
	Publisher  events.Publisher
	Metrics    *metrics.Manager
}

// NewPredictionUseCase constructs a new use case instance.
func NewPredictionUseCase(deps Dependencies, opts Options, logger *zap.Logger) *PredictionUseCase {
	uc := &PredictionUseCase{
		repo:            deps.Repository,
		classifier:      deps.Classifier,
		rewards:         deps.Rewards,
		settler:         deps.Settler,
		cache:           deps.Cache,
		publisher:       deps.Publisher,
		metrics:         deps.Metrics,
		logger:          logger.Named("prediction_usecase"),
		tracer:          otel.Tracer(tracerName),
		defaultEncoding: opts.DefaultEncoding,
		historyTTL:      opts.HistoryTTL,
		payoutTimeout:   opts.PayoutTimeout,
		publishTimeout:  opts.PublishTimeout,
		now:             time.Now,
		submissions:     newInflight(),
		payouts:         newInflight(),
	}
	if uc.defaultEncoding == "" {
		uc.defaultEncoding = imageprep.EncodingRaw
	}
	if uc.historyTTL <= 0 {
		uc.historyTTL = 5 * time.Minute
	}
	if uc.publishTimeout <= 0 {
		uc.publishTimeout = 2 * time.Second
	}
	if uc.publisher == nil {
		uc.publisher = events.Nop{}
	}
	if uc.metrics == nil {
		uc.metrics = metrics.NewManager()
	}
	return uc
}

// Submit normalizes the image, classifies it and stores a pending record.
// Nothing is stored when any step fails.
func (uc *PredictionUseCase) Submit(ctx context.Context, sub Submission) (*SubmitResult, error) {
	correlationID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.submit_prediction", correlationID)
	start := uc.now()

	ctx, span := uc.tracer.Start(ctx, "prediction.submit", trace.WithAttributes(
		attribute.String("owner", sub.Owner),
		attribute.String("correlation_id", correlationID),
	))
	defer span.End()

	result, err := uc.submit(ctx, sub, correlationID, opLogger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		uc.metrics.RecordPredictionFailure(failureKind(err))
		return nil, err
	}

	span.SetAttributes(
		attribute.Int64("prediction_id", int64(result.Record.ID)),
		attribute.Bool("stage_ran", result.StageRan),
	)
	uc.metrics.RecordPrediction(result.Record.Result, result.StageRan, uc.now().Sub(start))
	return result, nil
}

func (uc *PredictionUseCase) submit(ctx context.Context, sub Submission, correlationID string, opLogger *zap.Logger) (*SubmitResult, error) {
	encoding := sub.Encoding
	if encoding == "" {
		encoding = uc.defaultEncoding
	}
	encoder, err := imageprep.ForName(encoding)
	if err != nil {
		return nil, err
	}

	hash := sha1.Sum(sub.Image)
	hashHex := hex.EncodeToString(hash[:])
	guardKey := sub.Owner + ":" + hashHex
	if !uc.submissions.acquire(guardKey) {
		return nil, prediction.ErrSubmissionInFlight
	}
	defer uc.submissions.release(guardKey)

	payload, err := encoder.Encode(sub.Image)
	if err != nil {
		opLogger.Info("image rejected", zap.String("file_name", sub.FileName), zap.Error(err))
		return nil, err
	}

	outcome, err := uc.classifier.Run(ctx, payload)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.classify", correlationID, err)
		opLogger.Error("classification failed", zap.Error(wrapped))
		return nil, wrapped
	}

	rec := &prediction.Record{
		Owner:      sub.Owner,
		FileName:   sub.FileName,
		ImageHash:  hashHex,
		Encoding:   encoder.Name(),
		ClassIndex: outcome.Primary.ClassIndex,
		Result:     outcome.Primary.Label,
		Confidence: toPercent(outcome.Primary.Score),
		Timestamp:  uc.now().UTC().Truncate(time.Millisecond),
		Status:     prediction.StatusPendingPayout,
	}
	if outcome.StageRan {
		rec.Stage = outcome.Stage.Label
		rec.StageConfidence = toPercent(outcome.Stage.Confidence)
	}

	reward, err := uc.rewards.Reward(ctx, rec)
	if err != nil {
		return nil, logging.NewOperationError("usecase.reward", correlationID, err)
	}
	rec.Reward = reward

	if err := uc.repo.Create(ctx, rec); err != nil {
		wrapped := logging.NewOperationError("usecase.save_prediction", correlationID, err)
		opLogger.Error("failed to persist prediction", zap.Error(wrapped))
		return nil, wrapped
	}
	opLogger.Info("prediction stored",
		zap.Uint64("prediction_id", rec.ID),
		zap.String("result", rec.Result),
		zap.Float64("confidence", rec.Confidence),
		zap.Bool("stage_ran", outcome.StageRan),
	)

	uc.invalidateHistory(ctx, sub.Owner, opLogger)
	uc.publish(ctx, events.Event{
		Type:          events.TypePredictionCreated,
		Owner:         rec.Owner,
		PredictionID:  rec.ID,
		ImageID:       rec.ImageID,
		Result:        rec.Result,
		Stage:         rec.Stage,
		Confidence:    rec.Confidence,
		Reward:        rec.Reward,
		CorrelationID: correlationID,
	}, opLogger)

	return &SubmitResult{
		Record:          rec,
		Stage:           outcome.Stage.Label,
		StageConfidence: toPercent(outcome.Stage.Confidence),
		StageRan:        outcome.StageRan,
	}, nil
}

// Get returns one of the owner's records.
func (uc *PredictionUseCase) Get(ctx context.Context, owner string, id uint64) (*prediction.Record, error) {
	return uc.repo.FindByID(ctx, owner, id)
}

func (uc *PredictionUseCase) publish(ctx context.Context, event events.Event, opLogger *zap.Logger) {
	ctx, cancel := context.WithTimeout(ctx, uc.publishTimeout)
	defer cancel()
	if err := uc.publisher.Publish(ctx, event); err != nil {
		opLogger.Warn("event not published", zap.String("type", event.Type), zap.Error(err))
	}
}

// toPercent maps a probability onto [0,100] with two decimals.
func toPercent(p float64) float64 {
	return math.Round(p*10000) / 100
}

func failureKind(err error) string {
	switch {
	case errors.Is(err, prediction.ErrDecode), errors.Is(err, imageprep.ErrUnknownEncoding):
		return "decode"
	case errors.Is(err, prediction.ErrBackendUnavailable):
		return "backend_unavailable"
	case errors.Is(err, prediction.ErrClassificationFailed):
		return "classification"
	case errors.Is(err, prediction.ErrMalformedResponse):
		return "malformed_response"
	case errors.Is(err, prediction.ErrTransport):
		return "transport"
	case errors.Is(err, prediction.ErrSubmissionInFlight):
		return "in_flight"
	default:
		return "internal"
	}
}

func ownerKey(prefix, owner string) string {
	return fmt.Sprintf("%s%s", prefix, owner)
}
