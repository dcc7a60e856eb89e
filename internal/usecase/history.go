package usecase

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/malcare/internal/cache"
	"github.com/example/malcare/internal/logging"
	"github.com/example/malcare/internal/prediction"
)

const (
	historyKeyPrefix    = "malcare_predictions:"
	historyGenKeyPrefix = "malcare_predictions_gen:"
	initialGeneration   = "0"
)

// List returns the owner's history newest first. The full history is cached
// as a JSON snapshot keyed by the owner's write generation, so a load that
// started before a write can never be served after it. Concurrent misses for
// one generation share a single load.
func (uc *PredictionUseCase) List(ctx context.Context, owner string, filter prediction.Filter) ([]prediction.Record, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.list_predictions", uuid.NewString()).
		With(zap.String("owner", owner))

	gen, ok := uc.historyGeneration(ctx, owner, opLogger)
	if !ok {
		return uc.repo.List(ctx, owner, filter)
	}
	if records, ok := uc.cachedHistory(ctx, owner, gen, opLogger); ok {
		return filter.Apply(records), nil
	}

	key := historySnapshotKey(owner, gen)
	v, err, _ := uc.historyLoad.Do(key, func() (any, error) {
		records, err := uc.repo.List(ctx, owner, prediction.FilterAll)
		if err != nil {
			return nil, err
		}
		if snapshot, err := prediction.EncodeHistory(records); err != nil {
			opLogger.Warn("failed to encode history snapshot", zap.Error(err))
		} else if err := uc.cache.Set(ctx, key, string(snapshot), uc.historyTTL); err != nil {
			opLogger.Warn("failed to cache history snapshot", zap.Error(err))
		}
		return records, nil
	})
	if err != nil {
		return nil, err
	}
	return filter.Apply(v.([]prediction.Record)), nil
}

// Summary returns the owner's dashboard totals, from the cached snapshot
// when one is current and from an aggregate query otherwise.
func (uc *PredictionUseCase) Summary(ctx context.Context, owner string) (prediction.Summary, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.summary", uuid.NewString()).
		With(zap.String("owner", owner))
	if gen, ok := uc.historyGeneration(ctx, owner, opLogger); ok {
		if records, ok := uc.cachedHistory(ctx, owner, gen, opLogger); ok {
			return prediction.Summarize(records), nil
		}
	}
	return uc.repo.Summary(ctx, owner)
}

// historyGeneration reports the owner's current write generation. ok is
// false when the cache cannot be read and must be bypassed.
func (uc *PredictionUseCase) historyGeneration(ctx context.Context, owner string, opLogger *zap.Logger) (string, bool) {
	gen, err := uc.cache.Get(ctx, ownerKey(historyGenKeyPrefix, owner))
	if errors.Is(err, cache.ErrMiss) {
		return initialGeneration, true
	}
	if err != nil {
		opLogger.Warn("failed to read history generation", zap.Error(err))
		return "", false
	}
	return gen, true
}

func (uc *PredictionUseCase) cachedHistory(ctx context.Context, owner, gen string, opLogger *zap.Logger) ([]prediction.Record, bool) {
	raw, err := uc.cache.Get(ctx, historySnapshotKey(owner, gen))
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			opLogger.Warn("failed to read history cache", zap.Error(err))
		}
		return nil, false
	}
	records, err := prediction.DecodeHistory([]byte(raw))
	if err != nil {
		opLogger.Warn("discarding unreadable history snapshot", zap.Error(err))
		return nil, false
	}
	return records, true
}

// invalidateHistory moves the owner to a new generation. Snapshots of older
// generations are no longer read and expire on their own.
func (uc *PredictionUseCase) invalidateHistory(ctx context.Context, owner string, opLogger *zap.Logger) {
	if err := uc.cache.Set(ctx, ownerKey(historyGenKeyPrefix, owner), uuid.NewString(), 0); err != nil {
		opLogger.Warn("failed to invalidate history cache", zap.Error(err))
	}
}

func historySnapshotKey(owner, gen string) string {
	return fmt.Sprintf("%s%s:%s", historyKeyPrefix, owner, gen)
}
