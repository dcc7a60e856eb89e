// Package prediction holds the prediction history model shared by the
// submission workflow, the payout simulator and the persistence adapters.
package prediction

import (
	"fmt"
	"time"
)

// Status is the payout lifecycle state of a record.
type Status string

const (
	// StatusPendingPayout is the state every record is created in.
	StatusPendingPayout Status = "pending_payout"
	// StatusCompleted is terminal and carries a transaction id.
	StatusCompleted Status = "completed"
)

// UninfectedStage is reported when the primary score does not warrant a stage call.
const UninfectedStage = "no malaria stage (uninfected)"

// Record is one completed classification and its reward lifecycle.
type Record struct {
	ID              uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	ImageID         string    `gorm:"column:image_id;size:32" json:"imageId"`
	Owner           string    `gorm:"column:owner;size:191;index:idx_predictions_owner_created,priority:1" json:"owner"`
	FileName        string    `gorm:"column:file_name;size:255" json:"fileName"`
	ImageHash       string    `gorm:"column:image_hash;size:40" json:"imageHash"`
	Encoding        string    `gorm:"column:encoding;size:16" json:"encoding"`
	ClassIndex      int       `gorm:"column:class_index" json:"classIndex"`
	Result          string    `gorm:"column:result;size:64" json:"result"`
	Stage           string    `gorm:"column:stage;size:64" json:"stage,omitempty"`
	StageConfidence float64   `gorm:"column:stage_confidence" json:"stageConfidence,omitempty"`
	Confidence      float64   `gorm:"column:confidence" json:"confidence"`
	Timestamp       time.Time `gorm:"column:created_at;index:idx_predictions_owner_created,priority:2" json:"timestamp"`
	Reward          float64   `gorm:"column:reward" json:"reward"`
	Status          Status    `gorm:"column:status;size:32;index" json:"status"`
	TransactionID   string    `gorm:"column:transaction_id;size:128" json:"transactionId,omitempty"`
}

// TableName overrides the default table name.
func (Record) TableName() string {
	return "predictions"
}

// FormatImageID derives the short display code for a record id.
func FormatImageID(id uint64) string {
	return fmt.Sprintf("IMG_%03d", id)
}

// Settled reports whether the record has been paid out.
func (r *Record) Settled() bool {
	return r.Status == StatusCompleted
}

// Validate checks the status and transaction id invariants.
func (r *Record) Validate() error {
	switch r.Status {
	case StatusPendingPayout:
		if r.TransactionID != "" {
			return fmt.Errorf("record %d: pending record carries transaction id", r.ID)
		}
	case StatusCompleted:
		if r.TransactionID == "" {
			return fmt.Errorf("record %d: completed record without transaction id", r.ID)
		}
	default:
		return fmt.Errorf("record %d: unknown status %q", r.ID, r.Status)
	}
	if r.Confidence < 0 || r.Confidence > 100 {
		return fmt.Errorf("record %d: confidence %.2f out of range", r.ID, r.Confidence)
	}
	return nil
}

// Filter selects a subset of the history by payout state.
type Filter string

const (
	FilterAll     Filter = "all"
	FilterPaid    Filter = "paid"
	FilterPending Filter = "pending"
)

// ParseFilter maps a query value onto a Filter. Empty means all.
func ParseFilter(raw string) (Filter, error) {
	switch Filter(raw) {
	case "", FilterAll:
		return FilterAll, nil
	case FilterPaid, FilterPending:
		return Filter(raw), nil
	default:
		return "", fmt.Errorf("unknown filter %q", raw)
	}
}

// Status returns the record status the filter matches, or "" for all.
func (f Filter) Status() Status {
	switch f {
	case FilterPaid:
		return StatusCompleted
	case FilterPending:
		return StatusPendingPayout
	default:
		return ""
	}
}

// Apply filters records in place order.
func (f Filter) Apply(records []Record) []Record {
	want := f.Status()
	if want == "" {
		return records
	}
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if r.Status == want {
			out = append(out, r)
		}
	}
	return out
}

// Summary aggregates the dashboard counters.
type Summary struct {
	TotalPredictions int64   `json:"total_predictions"`
	Completed        int64   `json:"completed"`
	PendingPayouts   int64   `json:"pending_payouts"`
	TotalEarnings    float64 `json:"total_earnings"`
}

// Summarize computes the dashboard counters. Earnings only count settled rewards.
func Summarize(records []Record) Summary {
	var s Summary
	for _, r := range records {
		s.TotalPredictions++
		switch r.Status {
		case StatusCompleted:
			s.Completed++
			s.TotalEarnings += r.Reward
		case StatusPendingPayout:
			s.PendingPayouts++
		}
	}
	return s
}
