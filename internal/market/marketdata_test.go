package market

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"lp-hedge-bot/internal/hl/rest"

	"github.com/shopspring/decimal"
)

func newInfoServer(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req rest.InfoRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
			return
		}
		switch req.Type {
		case rest.InfoAllMids:
			_, _ = w.Write([]byte(`{"ETH":"2500.5","BTC":"65000"}`))
		case rest.InfoMetaAndAssetCtxs:
			_, _ = w.Write([]byte(`[{"universe":[{"name":"BTC","szDecimals":5},{"name":"ETH","szDecimals":4}]},[{"funding":"0.0001"},{"funding":"0.0002"}]]`))
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
}

func TestMidFallsBackToREST(t *testing.T) {
	var calls atomic.Int32
	srv := newInfoServer(t, &calls)
	defer srv.Close()

	md := New(rest.New(srv.URL, time.Second, nil), nil, nil)
	price, err := md.Mid(context.Background(), "ETH")
	if err != nil {
		t.Fatalf("mid: %v", err)
	}
	if !price.Equal(decimal.RequireFromString("2500.5")) {
		t.Fatalf("expected 2500.5, got %s", price)
	}
	if _, err := md.Mid(context.Background(), "ETH"); err != nil {
		t.Fatalf("second mid: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected fresh cached mid to skip REST, got %d calls", calls.Load())
	}
	if _, err := md.Mid(context.Background(), "DOGE"); !errors.Is(err, ErrUnknownCoin) {
		t.Fatalf("expected ErrUnknownCoin, got %v", err)
	}
}

func TestMidRefetchesWhenStale(t *testing.T) {
	var calls atomic.Int32
	srv := newInfoServer(t, &calls)
	defer srv.Close()

	md := New(rest.New(srv.URL, time.Second, nil), nil, nil)
	now := time.Unix(1700000000, 0)
	md.now = func() time.Time { return now }
	if _, err := md.Mid(context.Background(), "ETH"); err != nil {
		t.Fatalf("mid: %v", err)
	}
	now = now.Add(time.Minute)
	if _, err := md.Mid(context.Background(), "ETH"); err != nil {
		t.Fatalf("mid: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected stale mid to refetch, got %d calls", calls.Load())
	}
}

func TestHandleMessageUpdatesMids(t *testing.T) {
	md := New(nil, nil, nil)
	md.handleMessage(json.RawMessage(`{"channel":"allMids","data":{"mids":{"ETH":"2600"}}}`))
	md.handleMessage(json.RawMessage(`{"channel":"pong"}`))
	price, err := md.Mid(context.Background(), "ETH")
	if err != nil {
		t.Fatalf("mid: %v", err)
	}
	if !price.Equal(decimal.RequireFromString("2600")) {
		t.Fatalf("expected 2600, got %s", price)
	}
}

func TestPerpContextLookup(t *testing.T) {
	var calls atomic.Int32
	srv := newInfoServer(t, &calls)
	defer srv.Close()

	md := New(rest.New(srv.URL, time.Second, nil), nil, nil)
	id, err := md.PerpAssetID(context.Background(), "ETH")
	if err != nil {
		t.Fatalf("perp asset id: %v", err)
	}
	if id != 1 {
		t.Fatalf("expected ETH index 1, got %d", id)
	}
	pc, err := md.PerpContext(context.Background(), "ETH")
	if err != nil {
		t.Fatalf("perp context: %v", err)
	}
	if pc.SzDecimals != 4 {
		t.Fatalf("expected sz decimals 4, got %d", pc.SzDecimals)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected contexts to be cached, got %d calls", calls.Load())
	}
	if _, err := md.PerpContext(context.Background(), "DOGE"); !errors.Is(err, ErrUnknownCoin) {
		t.Fatalf("expected ErrUnknownCoin, got %v", err)
	}
}
