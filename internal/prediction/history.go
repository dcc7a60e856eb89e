package prediction

import (
	"encoding/json"
	"fmt"
	"time"
)

// isoMillis matches the browser's Date.toISOString layout.
const isoMillis = "2006-01-02T15:04:05.000Z07:00"

type historyEntry struct {
	ID              uint64  `json:"id"`
	ImageID         string  `json:"imageId"`
	Owner           string  `json:"owner,omitempty"`
	FileName        string  `json:"fileName,omitempty"`
	ImageHash       string  `json:"imageHash,omitempty"`
	Encoding        string  `json:"encoding,omitempty"`
	ClassIndex      int     `json:"classIndex"`
	Result          string  `json:"result"`
	Stage           string  `json:"stage,omitempty"`
	StageConfidence float64 `json:"stageConfidence,omitempty"`
	Confidence      float64 `json:"confidence"`
	Timestamp       string  `json:"timestamp"`
	Reward          float64 `json:"reward"`
	Status          Status  `json:"status"`
	TransactionID   string  `json:"transactionId,omitempty"`
}

// EncodeHistory serializes records as a JSON array with ISO timestamps at
// millisecond precision.
func EncodeHistory(records []Record) ([]byte, error) {
	entries := make([]historyEntry, len(records))
	for i, r := range records {
		entries[i] = historyEntry{
			ID:              r.ID,
			ImageID:         r.ImageID,
			Owner:           r.Owner,
			FileName:        r.FileName,
			ImageHash:       r.ImageHash,
			Encoding:        r.Encoding,
			ClassIndex:      r.ClassIndex,
			Result:          r.Result,
			Stage:           r.Stage,
			StageConfidence: r.StageConfidence,
			Confidence:      r.Confidence,
			Timestamp:       r.Timestamp.UTC().Format(isoMillis),
			Reward:          r.Reward,
			Status:          r.Status,
			TransactionID:   r.TransactionID,
		}
	}
	return json.Marshal(entries)
}

// DecodeHistory parses a JSON array written by EncodeHistory and re-parses
// timestamps into time values. Records violating the status invariants are
// rejected.
func DecodeHistory(data []byte) ([]Record, error) {
	var entries []historyEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	records := make([]Record, len(entries))
	for i, e := range entries {
		ts, err := time.Parse(time.RFC3339Nano, e.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("decode history: record %d timestamp: %w", e.ID, err)
		}
		records[i] = Record{
			ID:              e.ID,
			ImageID:         e.ImageID,
			Owner:           e.Owner,
			FileName:        e.FileName,
			ImageHash:       e.ImageHash,
			Encoding:        e.Encoding,
			ClassIndex:      e.ClassIndex,
			Result:          e.Result,
			Stage:           e.Stage,
			StageConfidence: e.StageConfidence,
			Confidence:      e.Confidence,
			Timestamp:       ts.UTC(),
			Reward:          e.Reward,
			Status:          e.Status,
			TransactionID:   e.TransactionID,
		}
		if err := records[i].Validate(); err != nil {
			return nil, fmt.Errorf("decode history: %w", err)
		}
	}
	return records, nil
}
