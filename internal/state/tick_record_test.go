package state

import (
	"context"
	"sync"
	"testing"
)

type memoryStore struct {
	mu    sync.Mutex
	items map[string]string
}

func (m *memoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.items[key]
	return val, ok, nil
}

func (m *memoryStore) Set(ctx context.Context, key, value string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.items == nil {
		m.items = make(map[string]string)
	}
	m.items[key] = value
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *memoryStore) Close() error {
	return nil
}

func TestTickRecordRoundTrip(t *testing.T) {
	store := &memoryStore{}
	ctx := context.Background()
	record := TickRecord{
		Action:      "decrease_short",
		Success:     true,
		BaseAmount:  "4.2",
		QuoteAmount: "8000",
		Reference:   "4.2",
		FilledSize:  "0.5",
		AvgPrice:    "2500.1",
		Cloid:       "0x0123456789abcdef0123456789abcdef",
		UpdatedAtMS: 12345,
	}
	if err := SaveTickRecord(ctx, store, record); err != nil {
		t.Fatalf("save record: %v", err)
	}
	got, ok, err := LoadTickRecord(ctx, store)
	if err != nil {
		t.Fatalf("load record: %v", err)
	}
	if !ok {
		t.Fatalf("expected record to be present")
	}
	if got != record {
		t.Fatalf("unexpected record: %#v", got)
	}
}

func TestTickRecordMissing(t *testing.T) {
	got, ok, err := LoadTickRecord(context.Background(), &memoryStore{})
	if err != nil {
		t.Fatalf("load record: %v", err)
	}
	if ok {
		t.Fatalf("expected no record, got %#v", got)
	}
}

func TestTickRecordInvalid(t *testing.T) {
	store := &memoryStore{items: map[string]string{TickRecordKey: "{"}}
	if _, _, err := LoadTickRecord(context.Background(), store); err == nil {
		t.Fatalf("expected error for invalid record JSON")
	}
}

func TestTickRecordNilStore(t *testing.T) {
	if err := SaveTickRecord(context.Background(), nil, TickRecord{}); err != nil {
		t.Fatalf("expected nil store to be ignored, got %v", err)
	}
	if _, ok, err := LoadTickRecord(context.Background(), nil); ok || err != nil {
		t.Fatalf("expected empty result for nil store, ok=%v err=%v", ok, err)
	}
}
