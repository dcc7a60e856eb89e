package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/malcare/internal/events"
	"github.com/example/malcare/internal/logging"
	"github.com/example/malcare/internal/metrics"
	"github.com/example/malcare/internal/prediction"
	"github.com/example/malcare/internal/wallet"
)

// Payout settles a pending record to handle. A record that is already
// completed is refused and the settler is not invoked again.
func (uc *PredictionUseCase) Payout(ctx context.Context, owner string, id uint64, handle wallet.Handle) (*prediction.Record, error) {
	correlationID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.payout", correlationID).
		With(zap.Uint64("prediction_id", id))

	ctx, span := uc.tracer.Start(ctx, "prediction.payout", trace.WithAttributes(
		attribute.String("owner", owner),
		attribute.Int64("prediction_id", int64(id)),
		attribute.String("correlation_id", correlationID),
	))
	defer span.End()

	rec, elapsed, err := uc.payout(ctx, owner, id, handle, correlationID, opLogger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	uc.metrics.RecordPayout(metrics.OutcomeSuccess, rec.Reward, elapsed)
	return rec, nil
}

func (uc *PredictionUseCase) payout(ctx context.Context, owner string, id uint64, handle wallet.Handle, correlationID string, opLogger *zap.Logger) (*prediction.Record, time.Duration, error) {
	if !handle.Connected() {
		uc.metrics.RecordPayout(metrics.OutcomeRefused, 0, 0)
		return nil, 0, prediction.ErrNotConnected
	}

	guardKey := fmt.Sprintf("%s:%d", owner, id)
	if !uc.payouts.acquire(guardKey) {
		uc.metrics.RecordPayout(metrics.OutcomeRefused, 0, 0)
		return nil, 0, prediction.ErrPayoutInFlight
	}
	defer uc.payouts.release(guardKey)

	rec, err := uc.repo.FindByID(ctx, owner, id)
	if err != nil {
		return nil, 0, err
	}
	if rec.Settled() {
		uc.metrics.RecordPayout(metrics.OutcomeRefused, 0, 0)
		return nil, 0, fmt.Errorf("%w: id %d", prediction.ErrAlreadySettled, id)
	}

	settleCtx, cancel := uc.settlementContext(ctx)
	start := uc.now()
	txID, err := uc.settler.Settle(settleCtx, rec, handle)
	cancel()
	elapsed := uc.now().Sub(start)
	if err != nil {
		uc.metrics.RecordPayout(metrics.OutcomeFailure, 0, 0)
		wrapped := logging.NewOperationError("usecase.settle", correlationID, err)
		opLogger.Error("settlement failed", zap.Error(wrapped))
		return nil, 0, wrapped
	}

	if err := uc.repo.MarkSettled(ctx, owner, id, txID); err != nil {
		uc.metrics.RecordPayout(metrics.OutcomeFailure, 0, 0)
		wrapped := logging.NewOperationError("usecase.mark_settled", correlationID, err)
		opLogger.Error("settled payout not recorded",
			zap.String("transaction_id", txID),
			zap.Error(wrapped),
		)
		return nil, 0, wrapped
	}
	rec.Status = prediction.StatusCompleted
	rec.TransactionID = txID

	opLogger.Info("payout completed",
		zap.String("transaction_id", txID),
		zap.Float64("reward", rec.Reward),
		zap.String("wallet", handle.FormattedAddress()),
	)

	uc.invalidateHistory(ctx, owner, opLogger)
	uc.publish(ctx, events.Event{
		Type:          events.TypePayoutCompleted,
		Owner:         owner,
		PredictionID:  rec.ID,
		ImageID:       rec.ImageID,
		Reward:        rec.Reward,
		TransactionID: txID,
		CorrelationID: correlationID,
	}, opLogger)

	return rec, elapsed, nil
}

func (uc *PredictionUseCase) settlementContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if uc.payoutTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, uc.payoutTimeout)
}
