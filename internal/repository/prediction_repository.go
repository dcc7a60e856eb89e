package repository

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/malcare/internal/logging"
	"github.com/example/malcare/internal/prediction"
)

// PredictionRepository persists prediction records one row at a time.
// Creation is an insert and settlement a conditional update of a single
// row, so concurrent writers never overwrite each other's records.
type PredictionRepository struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewPredictionRepository creates a new repository instance.
func NewPredictionRepository(db *gorm.DB, logger *zap.Logger) *PredictionRepository {
	return &PredictionRepository{db: db, logger: logger.Named("prediction_repository")}
}

// AutoMigrate ensures the schema is available.
func (r *PredictionRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&prediction.Record{})
}

// Create inserts rec and assigns its id and image id.
func (r *PredictionRepository) Create(ctx context.Context, rec *prediction.Record) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(rec).Error; err != nil {
			return err
		}
		rec.ImageID = prediction.FormatImageID(rec.ID)
		return tx.Model(rec).Update("image_id", rec.ImageID).Error
	})
	if err != nil {
		wrapped := logging.NewOperationError("repository.create_prediction", "", err)
		r.logger.Error("failed to insert prediction", zap.Error(wrapped), zap.String("owner", rec.Owner))
		return wrapped
	}
	return nil
}

// FindByID retrieves a record owned by owner.
func (r *PredictionRepository) FindByID(ctx context.Context, owner string, id uint64) (*prediction.Record, error) {
	var rec prediction.Record
	err := r.db.WithContext(ctx).First(&rec, "id = ? AND owner = ?", id, owner).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: id %d", prediction.ErrRecordNotFound, id)
	}
	if err != nil {
		return nil, logging.NewOperationError("repository.find_prediction", "", err)
	}
	return &rec, nil
}

// List returns the owner's records newest first.
func (r *PredictionRepository) List(ctx context.Context, owner string, filter prediction.Filter) ([]prediction.Record, error) {
	query := r.db.WithContext(ctx).Where("owner = ?", owner)
	if status := filter.Status(); status != "" {
		query = query.Where("status = ?", status)
	}
	var records []prediction.Record
	if err := query.Order("created_at DESC").Order("id DESC").Find(&records).Error; err != nil {
		return nil, logging.NewOperationError("repository.list_predictions", "", err)
	}
	return records, nil
}

// MarkSettled moves a pending record to completed with txID. Only a row that
// is still pending is touched.
func (r *PredictionRepository) MarkSettled(ctx context.Context, owner string, id uint64, txID string) error {
	res := r.db.WithContext(ctx).
		Model(&prediction.Record{}).
		Where("id = ? AND owner = ? AND status = ?", id, owner, prediction.StatusPendingPayout).
		Updates(map[string]any{
			"status":         prediction.StatusCompleted,
			"transaction_id": txID,
		})
	if res.Error != nil {
		return logging.NewOperationError("repository.mark_settled", "", res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	current, err := r.FindByID(ctx, owner, id)
	if err != nil {
		return err
	}
	if current.Settled() {
		return fmt.Errorf("%w: id %d", prediction.ErrAlreadySettled, id)
	}
	return logging.NewOperationError("repository.mark_settled", "", fmt.Errorf("record %d not updated", id))
}

type summaryRow struct {
	Total     int64
	Completed int64
	Pending   int64
	Earnings  float64
}

// Summary aggregates the owner's dashboard counters.
func (r *PredictionRepository) Summary(ctx context.Context, owner string) (prediction.Summary, error) {
	var row summaryRow
	err := r.db.WithContext(ctx).
		Model(&prediction.Record{}).
		Select(`COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS completed,
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS pending,
			COALESCE(SUM(CASE WHEN status = ? THEN reward ELSE 0 END), 0) AS earnings`,
			prediction.StatusCompleted, prediction.StatusPendingPayout, prediction.StatusCompleted).
		Where("owner = ?", owner).
		Scan(&row).Error
	if err != nil {
		return prediction.Summary{}, logging.NewOperationError("repository.summary", "", err)
	}
	return prediction.Summary{
		TotalPredictions: row.Total,
		Completed:        row.Completed,
		PendingPayouts:   row.Pending,
		TotalEarnings:    row.Earnings,
	}, nil
}
