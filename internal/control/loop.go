package control

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"lp-hedge-bot/internal/exec"
	"lp-hedge-bot/internal/metrics"
	"lp-hedge-bot/internal/state"
	"lp-hedge-bot/internal/strategy"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrAlreadyRunning = errors.New("control loop already running")
	ErrNotRunning     = errors.New("control loop not running")
)

type Decider interface {
	Decide(ctx context.Context) (strategy.Action, error)
	Params() strategy.Params
	Reference() decimal.Decimal
}

type Executor interface {
	Execute(ctx context.Context, action strategy.Action) (exec.Receipt, error)
}

// Notifier receives one human-readable line block per iteration.
type Notifier interface {
	Send(ctx context.Context, message string) error
}

// Recorder is handed every outcome after it is reported.
type Recorder interface {
	RecordOutcome(out Outcome)
}

// Outcome describes one loop iteration.
type Outcome struct {
	Time      time.Time
	Action    strategy.Action
	Executed  bool
	Success   bool
	Receipt   exec.Receipt
	Reference decimal.Decimal
	Err       error
}

type Loop struct {
	engine   Decider
	executor Executor
	store    state.Store
	metrics  *metrics.Metrics
	recorder Recorder
	log      *zap.Logger
	now      func() time.Time

	sm *strategy.StateMachine

	mu       sync.Mutex
	notifier Notifier
	stop     chan struct{}
	done     chan struct{}
	last     Outcome
	hasLast  bool
}

func New(engine Decider, executor Executor, store state.Store, m *metrics.Metrics, recorder Recorder, log *zap.Logger) *Loop {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Loop{
		engine:   engine,
		executor: executor,
		store:    store,
		metrics:  m,
		recorder: recorder,
		log:      log,
		now:      time.Now,
		sm:       strategy.NewStateMachine(),
	}
}

func (l *Loop) State() strategy.State {
	return l.sm.Current()
}

func (l *Loop) Running() bool {
	return l.sm.Current() == strategy.StateRunning
}

// Start launches the loop goroutine. notifier may be nil. Iterations keep
// running until Stop is called or ctx is done; an iteration already in
// progress is never cancelled by either.
func (l *Loop) Start(ctx context.Context, notifier Notifier) error {
	if l.engine == nil || l.executor == nil {
		return errors.New("control loop requires an engine and an executor")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.sm.CanApply(strategy.EventStart) {
		return ErrAlreadyRunning
	}
	l.sm.Apply(strategy.EventStart)
	l.notifier = notifier
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	l.metrics.LoopRunning.Set(1)
	l.log.Info("control loop started", zap.Duration("poll_interval", l.engine.Params().PollInterval))
	go l.run(ctx, notifier, l.stop, l.done)
	return nil
}

// Stop requests a stop and waits for the in-flight iteration to finish.
func (l *Loop) Stop(ctx context.Context) error {
	l.mu.Lock()
	if !l.sm.CanApply(strategy.EventStop) {
		l.mu.Unlock()
		return ErrNotRunning
	}
	l.sm.Apply(strategy.EventStop)
	close(l.stop)
	done := l.done
	l.mu.Unlock()

	select {
	case <-done:
		l.log.Info("control loop stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the current run exits.
func (l *Loop) Wait() {
	l.mu.Lock()
	done := l.done
	l.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (l *Loop) run(ctx context.Context, notifier Notifier, stop, done chan struct{}) {
	defer func() {
		l.mu.Lock()
		if l.done == done {
			l.sm.Apply(strategy.EventStop)
			l.metrics.LoopRunning.Set(0)
		}
		l.mu.Unlock()
		close(done)
	}()
	tickCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		default:
		}
		l.iterate(tickCtx, notifier)

		timer := time.NewTimer(l.engine.Params().PollInterval)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// RunOnce performs a single iteration and reports it to the notifier given
// to the last Start, if any.
func (l *Loop) RunOnce(ctx context.Context) Outcome {
	l.mu.Lock()
	notifier := l.notifier
	l.mu.Unlock()
	return l.iterate(ctx, notifier)
}

func (l *Loop) LastOutcome() (Outcome, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last, l.hasLast
}

func (l *Loop) iterate(ctx context.Context, notifier Notifier) Outcome {
	out := l.step(ctx)
	l.report(ctx, notifier, out)
	return out
}

func (l *Loop) step(ctx context.Context) (out Outcome) {
	out.Time = l.now().UTC()
	defer func() {
		if r := recover(); r != nil {
			l.metrics.IterationPanic.Inc()
			l.log.Error("control loop iteration panicked", zap.Any("panic", r), zap.Stack("stack"))
			out.Success = false
			out.Err = fmt.Errorf("iteration panic: %v", r)
		}
	}()
	l.metrics.Ticks.Inc()

	action, err := l.engine.Decide(ctx)
	out.Reference = l.engine.Reference()
	if err != nil {
		var oracleErr *strategy.OracleError
		if errors.As(err, &oracleErr) {
			l.metrics.OracleErrors.Inc()
		}
		l.log.Warn("hedge decision failed", zap.Error(err))
		out.Err = err
		return out
	}
	out.Action = action
	l.metrics.Actions.With(string(action.Kind)).Inc()
	l.metrics.Reference.Set(out.Reference.InexactFloat64())
	l.metrics.BaseAmount.Set(action.BaseAmount.InexactFloat64())
	l.metrics.QuoteAmount.Set(action.QuoteAmount.InexactFloat64())
	if action.IsNoop() {
		out.Success = true
		return out
	}

	out.Executed = true
	receipt, err := l.executor.Execute(ctx, action)
	if err != nil {
		l.metrics.OrdersFailed.Inc()
		l.log.Warn("hedge execution failed", zap.String("action", string(action.Kind)), zap.Error(err))
		out.Err = err
		return out
	}
	l.metrics.OrdersPlaced.Inc()
	out.Receipt = receipt
	out.Success = true
	return out
}

func (l *Loop) report(ctx context.Context, notifier Notifier, out Outcome) {
	l.mu.Lock()
	l.last = out
	l.hasLast = true
	l.mu.Unlock()

	if err := state.SaveTickRecord(ctx, l.store, tickRecord(out)); err != nil {
		l.log.Warn("failed to persist tick record", zap.Error(err))
	}
	if l.recorder != nil {
		l.recorder.RecordOutcome(out)
	}
	if notifier == nil {
		return
	}
	if err := notifier.Send(ctx, FormatOutcome(out)); err != nil {
		l.log.Warn("tick notification failed", zap.Error(err))
	}
}

// FormatOutcome renders out for the operator chat.
func FormatOutcome(out Outcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "tick %s\n", out.Time.Format(time.RFC3339))
	if out.Action.Kind == "" || (!out.Executed && out.Err != nil) {
		fmt.Fprintf(&b, "error: %s", errorLine(out.Err))
		return b.String()
	}
	if !out.Executed {
		b.WriteString("no_change")
		return b.String()
	}
	fmt.Fprintf(&b, "action: %s\n", out.Action.Kind)
	if out.Success {
		fmt.Fprintf(&b, "result: ok")
	} else {
		fmt.Fprintf(&b, "result: failed: %s", errorLine(out.Err))
	}
	if fill := out.Receipt.Fill; out.Success && fill != nil {
		fmt.Fprintf(&b, "\nfilled: %s %s @ $%s", fill.TotalSize.String(), out.Receipt.Order.Coin, fill.AvgPrice.String())
	}
	return b.String()
}

func errorLine(err error) string {
	if err == nil {
		return "unknown error"
	}
	line, _, _ := strings.Cut(err.Error(), "\n")
	return line
}

func tickRecord(out Outcome) state.TickRecord {
	rec := state.TickRecord{
		Action:      string(out.Action.Kind),
		Success:     out.Success,
		UpdatedAtMS: out.Time.UnixMilli(),
		Reference:   out.Reference.String(),
	}
	if rec.Action == "" {
		rec.Action = "error"
	}
	if out.Err != nil {
		rec.Error = errorLine(out.Err)
	}
	if out.Action.Kind != "" {
		rec.BaseAmount = out.Action.BaseAmount.String()
		rec.QuoteAmount = out.Action.QuoteAmount.String()
	}
	if fill := out.Receipt.Fill; fill != nil {
		rec.FilledSize = fill.TotalSize.String()
		rec.AvgPrice = fill.AvgPrice.String()
	}
	rec.Cloid = out.Receipt.Order.ClientOrderID
	return rec
}
