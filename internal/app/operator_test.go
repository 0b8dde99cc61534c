package app

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"lp-hedge-bot/internal/account"
	"lp-hedge-bot/internal/alerts"
	"lp-hedge-bot/internal/config"
	"lp-hedge-bot/internal/control"
	"lp-hedge-bot/internal/state"
	"lp-hedge-bot/internal/strategy"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const operatorID = 42

type memoryStore struct {
	mu   sync.Mutex
	data map[string]string
}

func (m *memoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.data[key]
	return val, ok, nil
}

func (m *memoryStore) Set(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = make(map[string]string)
	}
	m.data[key] = value
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memoryStore) Close() error {
	return nil
}

func (m *memoryStore) CountPrefix(ctx context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key := range m.data {
		if strings.HasPrefix(key, prefix) {
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) auditCount() int {
	n, _ := m.CountPrefix(context.Background(), "ops:audit:")
	return n
}

type sentMessage struct {
	chatID int64
	text   string
}

type fakeTransport struct {
	mu      sync.Mutex
	sent    []sentMessage
	updates [][]alerts.Update
	polls   int
	onPoll  func(n int)
}

func (f *fakeTransport) Enabled() bool { return true }

func (f *fakeTransport) Send(ctx context.Context, message string) error {
	return f.SendTo(ctx, operatorID, message)
}

func (f *fakeTransport) SendTo(_ context.Context, chatID int64, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{chatID: chatID, text: message})
	return nil
}

func (f *fakeTransport) GetUpdates(_ context.Context, offset int64) ([]alerts.Update, error) {
	f.mu.Lock()
	f.polls++
	n := f.polls
	var batch []alerts.Update
	if n <= len(f.updates) {
		batch = f.updates[n-1]
	}
	hook := f.onPoll
	f.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return batch, nil
}

func (f *fakeTransport) last() sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return sentMessage{}
	}
	return f.sent[len(f.sent)-1]
}

type fakeLoop struct {
	running  bool
	notifier control.Notifier
}

func (f *fakeLoop) Start(_ context.Context, notifier control.Notifier) error {
	if f.running {
		return control.ErrAlreadyRunning
	}
	f.running = true
	f.notifier = notifier
	return nil
}

func (f *fakeLoop) Stop(context.Context) error {
	if !f.running {
		return control.ErrNotRunning
	}
	f.running = false
	return nil
}

func (f *fakeLoop) Wait() {}

func (f *fakeLoop) Running() bool { return f.running }

func (f *fakeLoop) State() strategy.State {
	if f.running {
		return strategy.StateRunning
	}
	return strategy.StateStopped
}

func (f *fakeLoop) LastOutcome() (control.Outcome, bool) { return control.Outcome{}, false }

type staticOracle struct {
	snap strategy.PoolSnapshot
	err  error
}

func (s *staticOracle) Snapshot(context.Context) (strategy.PoolSnapshot, error) {
	return s.snap, s.err
}

type staticPrice struct {
	mid decimal.Decimal
}

func (s staticPrice) Mid(context.Context, string) (decimal.Decimal, error) {
	return s.mid, nil
}

type staticPosition struct {
	pos account.Position
	ok  bool
}

func (s staticPosition) Position(context.Context, string) (account.Position, bool, error) {
	return s.pos, s.ok, nil
}

func testPool() strategy.PoolSnapshot {
	return strategy.PoolSnapshot{
		Liquidity:   big.NewInt(1000),
		BaseAmount:  decimal.RequireFromString("4.2"),
		QuoteAmount: decimal.RequireFromString("8000"),
		BaseFees:    decimal.RequireFromString("0.0015"),
		QuoteFees:   decimal.RequireFromString("2.5"),
	}
}

func newOperatorApp(t *testing.T) (*App, *fakeTransport, *fakeLoop, *memoryStore) {
	t.Helper()
	engine, err := strategy.NewEngine(context.Background(), &staticOracle{snap: testPool()},
		strategy.Params{Deviation: decimal.RequireFromString("0.5"), PollInterval: time.Minute},
		strategy.Thresholds{
			MinBaseAmount:   decimal.RequireFromString("0.001"),
			MinQuoteAmount:  decimal.NewFromInt(1),
			MinPollInterval: 10 * time.Second,
		}, zap.NewNop())
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	transport := &fakeTransport{}
	loop := &fakeLoop{}
	store := &memoryStore{data: make(map[string]string)}
	cfg := &config.Config{
		Hedge:    config.HedgeConfig{Coin: "ETH"},
		Telegram: config.TelegramConfig{Enabled: true, AllowedUserID: operatorID, PollInterval: time.Millisecond},
	}
	app := &App{
		cfg:    cfg,
		log:    zap.NewNop(),
		store:  store,
		engine: engine,
		loop:   loop,
		alerts: transport,
		prices: staticPrice{mid: decimal.RequireFromString("2480.456")},
		positions: staticPosition{ok: true, pos: account.Position{
			Coin:       "ETH",
			Size:       decimal.RequireFromString("-4.2"),
			EntryPrice: decimal.RequireFromString("2470.1"),
		}},
	}
	return app, transport, loop, store
}

func commandUpdate(id, userID int64, text string) alerts.Update {
	return alerts.Update{
		UpdateID: id,
		Message: &alerts.Message{
			From: &alerts.User{ID: userID},
			Chat: alerts.Chat{ID: userID},
			Text: text,
		},
	}
}

func TestParseOperatorCommand(t *testing.T) {
	cmd, args, ok := parseOperatorCommand("/set_deviation 0.25")
	if !ok || cmd != "set_deviation" {
		t.Fatalf("unexpected parse %q ok=%v", cmd, ok)
	}
	if len(args) != 1 || args[0] != "0.25" {
		t.Fatalf("unexpected args: %v", args)
	}
	if cmd, _, ok := parseOperatorCommand("/Status@hedge_bot"); !ok || cmd != "status" {
		t.Fatalf("expected bot suffix stripped, got %q", cmd)
	}
	if _, _, ok := parseOperatorCommand("hello"); ok {
		t.Fatalf("expected plain text to be ignored")
	}
}

func TestUnauthorizedUserIsDenied(t *testing.T) {
	app, transport, loop, store := newOperatorApp(t)
	app.handleOperatorUpdate(context.Background(), commandUpdate(1, 7, "/set_deviation 2"))
	app.handleOperatorUpdate(context.Background(), commandUpdate(2, 7, "/start_monitoring"))

	if got := transport.last(); got.text != accessDenied || got.chatID != 7 {
		t.Fatalf("expected access denied to chat 7, got %+v", got)
	}
	if dev := app.engine.Params().Deviation; !dev.Equal(decimal.RequireFromString("0.5")) {
		t.Fatalf("expected deviation unchanged, got %s", dev)
	}
	if loop.running {
		t.Fatalf("expected loop to stay stopped")
	}
	if store.auditCount() != 0 {
		t.Fatalf("expected no audit entries for denied commands")
	}
}

func TestSetDeviationRejectsNonPositive(t *testing.T) {
	app, transport, _, store := newOperatorApp(t)
	for _, arg := range []string{"-1", "0"} {
		app.handleOperatorUpdate(context.Background(), commandUpdate(1, operatorID, "/set_deviation "+arg))
		if got := transport.last().text; got != "deviation must be > 0" {
			t.Fatalf("unexpected reply for %s: %q", arg, got)
		}
	}
	app.handleOperatorUpdate(context.Background(), commandUpdate(2, operatorID, "/set_deviation abc"))
	if got := transport.last().text; !strings.HasPrefix(got, "invalid number") {
		t.Fatalf("unexpected reply for garbage: %q", got)
	}
	app.handleOperatorUpdate(context.Background(), commandUpdate(3, operatorID, "/set_deviation"))
	if got := transport.last().text; !strings.HasPrefix(got, "usage:") {
		t.Fatalf("unexpected reply for missing arg: %q", got)
	}
	if dev := app.engine.Params().Deviation; !dev.Equal(decimal.RequireFromString("0.5")) {
		t.Fatalf("expected deviation unchanged, got %s", dev)
	}
	if store.auditCount() != 0 {
		t.Fatalf("expected no audit entries for rejected input")
	}
}

func TestSetDeviationUpdatesEngine(t *testing.T) {
	app, transport, _, store := newOperatorApp(t)
	app.handleOperatorUpdate(context.Background(), commandUpdate(1, operatorID, "/set_deviation 0.002"))
	if got := transport.last().text; got != "deviation set: 0.002" {
		t.Fatalf("unexpected reply %q", got)
	}
	if dev := app.engine.Params().Deviation; !dev.Equal(decimal.RequireFromString("0.002")) {
		t.Fatalf("expected deviation 0.002, got %s", dev)
	}
	if store.auditCount() != 1 {
		t.Fatalf("expected one audit entry, got %d", store.auditCount())
	}
}

func TestSetTimeout(t *testing.T) {
	app, transport, _, _ := newOperatorApp(t)
	app.handleOperatorUpdate(context.Background(), commandUpdate(1, operatorID, "/set_timeout 5"))
	if got := transport.last().text; got != "timeout must be >= 10 seconds" {
		t.Fatalf("unexpected reply %q", got)
	}
	if got := app.engine.Params().PollInterval; got != time.Minute {
		t.Fatalf("expected interval unchanged, got %s", got)
	}
	app.handleOperatorUpdate(context.Background(), commandUpdate(2, operatorID, "/set_timeout 1.5"))
	if got := transport.last().text; !strings.HasPrefix(got, "invalid number") {
		t.Fatalf("unexpected reply %q", got)
	}
	app.handleOperatorUpdate(context.Background(), commandUpdate(3, operatorID, "/set_timeout 10"))
	if got := transport.last().text; got != "timeout set: 10 s" {
		t.Fatalf("unexpected reply %q", got)
	}
	if got := app.engine.Params().PollInterval; got != 10*time.Second {
		t.Fatalf("expected 10s interval, got %s", got)
	}
}

func TestStartStopMonitoring(t *testing.T) {
	app, transport, loop, store := newOperatorApp(t)
	ctx := context.Background()

	app.handleOperatorUpdate(ctx, commandUpdate(1, operatorID, "/start_monitoring"))
	if got := transport.last().text; got != "monitoring started" {
		t.Fatalf("unexpected reply %q", got)
	}
	notifier, ok := loop.notifier.(chatNotifier)
	if !ok || notifier.chatID != operatorID {
		t.Fatalf("expected notifier bound to the operator chat, got %#v", loop.notifier)
	}
	app.handleOperatorUpdate(ctx, commandUpdate(2, operatorID, "/start_monitoring"))
	if got := transport.last().text; got != "monitoring already running" {
		t.Fatalf("unexpected reply %q", got)
	}
	app.handleOperatorUpdate(ctx, commandUpdate(3, operatorID, "/stop_monitoring"))
	if got := transport.last().text; got != "monitoring stopped" {
		t.Fatalf("unexpected reply %q", got)
	}
	app.handleOperatorUpdate(ctx, commandUpdate(4, operatorID, "/stop_monitoring"))
	if got := transport.last().text; got != "monitoring not running" {
		t.Fatalf("unexpected reply %q", got)
	}
	if store.auditCount() != 2 {
		t.Fatalf("expected start and stop audited, got %d", store.auditCount())
	}
}

func TestStatusReport(t *testing.T) {
	app, _, loop, store := newOperatorApp(t)
	loop.running = true
	_ = store.Set(context.Background(), "exec:order:0x1", "{}")
	_ = state.SaveTickRecord(context.Background(), store, state.TickRecord{
		Action:      "increase_short",
		Success:     true,
		UpdatedAtMS: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC).UnixMilli(),
	})

	got := app.operatorStatus(context.Background())
	for _, want := range []string{
		"monitoring: running",
		"deviation: 0.5",
		"timeout: 60 s",
		"price: $2480.46",
		"pool: ETH 4.2, USDC 8000",
		"hedge: SHORT 4.200000 ETH @ $2470.10",
		"fees: ETH 0.001500, USDC 2.500000",
		"reference: 4.2",
		"last tick: increase_short ok at 2026-01-02T03:04:05Z",
		"orders recorded: 1",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("status missing %q:\n%s", want, got)
		}
	}
}

func TestStatusReportsOracleFailure(t *testing.T) {
	app, _, _, _ := newOperatorApp(t)
	engine, err := strategy.NewEngine(context.Background(), &staticOracle{err: errors.New("rpc down")},
		strategy.Params{Deviation: decimal.NewFromInt(1), PollInterval: time.Minute},
		strategy.Thresholds{MinPollInterval: 10 * time.Second}, nil)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	app.engine = engine
	app.positions = staticPosition{}
	got := app.operatorStatus(context.Background())
	if !strings.Contains(got, "pool: error: oracle error: rpc down") {
		t.Fatalf("expected pool error line:\n%s", got)
	}
	if !strings.Contains(got, "hedge: no position") {
		t.Fatalf("expected no position line:\n%s", got)
	}
	if strings.Contains(got, "fees:") {
		t.Fatalf("did not expect fees without a pool read:\n%s", got)
	}
}

func TestHelpForStartAndUnknown(t *testing.T) {
	app, transport, _, _ := newOperatorApp(t)
	app.handleOperatorUpdate(context.Background(), commandUpdate(1, operatorID, "/start"))
	if got := transport.last().text; !strings.Contains(got, "/set_deviation") {
		t.Fatalf("expected help text, got %q", got)
	}
	app.handleOperatorUpdate(context.Background(), commandUpdate(2, operatorID, "/bogus"))
	if got := transport.last().text; !strings.Contains(got, "/stop_monitoring") {
		t.Fatalf("expected help text, got %q", got)
	}
}

func TestOperatorLoopPersistsOffset(t *testing.T) {
	app, transport, _, store := newOperatorApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	transport.updates = [][]alerts.Update{{
		commandUpdate(100, operatorID, "/help"),
		commandUpdate(101, operatorID, "/set_timeout 20"),
	}}
	transport.onPoll = func(n int) {
		if n >= 2 {
			cancel()
		}
	}
	app.operatorLoop(ctx, time.Millisecond)

	if got := app.loadOperatorOffset(context.Background()); got != 102 {
		t.Fatalf("expected offset 102, got %d", got)
	}
	if raw, _, _ := store.Get(context.Background(), operatorOffsetKey); raw != "102" {
		t.Fatalf("unexpected stored offset %q", raw)
	}
	if got := app.engine.Params().PollInterval; got != 20*time.Second {
		t.Fatalf("expected commands to be applied, got %s", got)
	}
}
