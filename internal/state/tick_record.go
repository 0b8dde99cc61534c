package state

import (
	"context"
	"encoding/json"
	"strings"
)

const TickRecordKey = "hedge:last_tick"

// TickRecord is the last control loop outcome, kept for status display.
// It is never used to restore the hedge reference.
type TickRecord struct {
	Action      string `json:"action"`
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
	BaseAmount  string `json:"base_amount,omitempty"`
	QuoteAmount string `json:"quote_amount,omitempty"`
	Reference   string `json:"reference,omitempty"`
	FilledSize  string `json:"filled_size,omitempty"`
	AvgPrice    string `json:"avg_price,omitempty"`
	Cloid       string `json:"cloid,omitempty"`
	UpdatedAtMS int64  `json:"updated_at_ms"`
}

func LoadTickRecord(ctx context.Context, store Store) (TickRecord, bool, error) {
	if store == nil {
		return TickRecord{}, false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, TickRecordKey)
	if err != nil {
		return TickRecord{}, false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return TickRecord{}, false, nil
	}
	var record TickRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return TickRecord{}, false, err
	}
	return record, true, nil
}

func SaveTickRecord(ctx context.Context, store Store, record TickRecord) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return store.Set(ctx, TickRecordKey, string(payload))
}
