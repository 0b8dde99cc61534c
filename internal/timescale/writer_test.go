package timescale

import (
	"testing"

	"lp-hedge-bot/internal/config"

	"go.uber.org/zap"
)

func TestNewDisabledReturnsNil(t *testing.T) {
	w, err := New(config.TimescaleConfig{Enabled: false}, nil)
	if err != nil || w != nil {
		t.Fatalf("expected nil writer when disabled, got %v %v", w, err)
	}
	// A nil writer accepts and drops everything.
	w.EnqueueSnapshot(HedgeSnapshot{})
	w.EnqueueOrder(OrderEvent{})
	if err := w.Close(); err != nil {
		t.Fatalf("close nil writer: %v", err)
	}
}

func TestNewRequiresDSN(t *testing.T) {
	if _, err := New(config.TimescaleConfig{Enabled: true}, nil); err == nil {
		t.Fatalf("expected error without dsn")
	}
}

func TestNormalizeSchema(t *testing.T) {
	cases := map[string]string{"": "public", " hedge ": "hedge", "lp_1": "lp_1"}
	for in, want := range cases {
		got, err := normalizeSchema(in)
		if err != nil || got != want {
			t.Fatalf("normalizeSchema(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := normalizeSchema("public; drop table x"); err == nil {
		t.Fatalf("expected invalid schema to be rejected")
	}
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	w := newWriter(nil, "hedge", 1, zap.NewNop())
	if w.table("hedge_orders") != "hedge.hedge_orders" {
		t.Fatalf("unexpected table name %q", w.table("hedge_orders"))
	}
	w.EnqueueSnapshot(HedgeSnapshot{Action: "no_action"})
	w.EnqueueSnapshot(HedgeSnapshot{Action: "no_action"})
	w.EnqueueOrder(OrderEvent{Cloid: "a"})
	w.EnqueueOrder(OrderEvent{Cloid: "b"})
	w.EnqueueOrder(OrderEvent{Cloid: "c"})
	snaps, orders := w.Dropped()
	if snaps != 1 || orders != 2 {
		t.Fatalf("expected 1 dropped snapshot and 2 dropped orders, got %d/%d", snaps, orders)
	}
}
