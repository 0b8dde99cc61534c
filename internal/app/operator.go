package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"lp-hedge-bot/internal/alerts"
	"lp-hedge-bot/internal/control"
	"lp-hedge-bot/internal/exec"
	"lp-hedge-bot/internal/state"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	operatorOffsetKey = "ops:telegram:last_update_id"
	accessDenied      = "access denied"
)

// operatorInputError is a malformed or out of range command argument. Its
// message is shown to the operator as is.
type operatorInputError struct {
	msg string
}

func (e *operatorInputError) Error() string {
	return e.msg
}

func inputErrorf(format string, args ...any) error {
	return &operatorInputError{msg: fmt.Sprintf(format, args...)}
}

type prefixCounter interface {
	CountPrefix(ctx context.Context, prefix string) (int, error)
}

type operatorMeta struct {
	UpdateID int64
	UserID   int64
	Username string
	ChatID   int64
	Raw      string
}

type operatorAuditEvent struct {
	UpdateID int64     `json:"update_id"`
	Time     time.Time `json:"time"`
	Action   string    `json:"action"`
	Command  string    `json:"command"`
	UserID   int64     `json:"user_id"`
	Username string    `json:"username,omitempty"`
	ChatID   int64     `json:"chat_id"`
	Before   string    `json:"before,omitempty"`
	After    string    `json:"after,omitempty"`
}

func (a *App) startOperator(ctx context.Context) {
	if a.cfg == nil || a.alerts == nil || !a.alerts.Enabled() {
		return
	}
	pollInterval := a.cfg.Telegram.PollInterval
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	go a.operatorLoop(ctx, pollInterval)
}

func (a *App) operatorLoop(ctx context.Context, pollInterval time.Duration) {
	offset := a.loadOperatorOffset(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		updates, err := a.alerts.GetUpdates(ctx, offset)
		if err != nil {
			a.logOperatorError(err)
		} else {
			a.operatorRecovered()
			for _, upd := range updates {
				if upd.UpdateID >= offset {
					offset = upd.UpdateID + 1
					a.saveOperatorOffset(ctx, offset)
				}
				a.handleOperatorUpdate(ctx, upd)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(pollInterval):
		}
	}
}

func (a *App) handleOperatorUpdate(ctx context.Context, upd alerts.Update) {
	msg := upd.Message
	if msg == nil || msg.From == nil {
		return
	}
	cmd, args, ok := parseOperatorCommand(msg.Text)
	if !ok {
		return
	}
	reply := func(text string) {
		if err := a.alerts.SendTo(ctx, msg.Chat.ID, text); err != nil {
			a.log.Warn("operator response failed", zap.Error(err))
		}
	}
	if msg.From.ID != a.cfg.Telegram.AllowedUserID {
		a.log.Warn("operator command rejected", zap.Int64("user_id", msg.From.ID), zap.String("command", cmd))
		reply(accessDenied)
		return
	}
	meta := operatorMeta{
		UpdateID: upd.UpdateID,
		UserID:   msg.From.ID,
		Username: msg.From.Username,
		ChatID:   msg.Chat.ID,
		Raw:      msg.Text,
	}
	resp, err := a.handleOperatorCommand(ctx, cmd, args, meta)
	if err != nil {
		var inputErr *operatorInputError
		if errors.As(err, &inputErr) {
			resp = inputErr.Error()
		} else {
			first, _, _ := strings.Cut(err.Error(), "\n")
			resp = "command failed: " + first
		}
	}
	if resp == "" {
		return
	}
	reply(resp)
}

func parseOperatorCommand(text string) (string, []string, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return "", nil, false
	}
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return "", nil, false
	}
	cmd := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	// Group chats address commands as /status@botname.
	cmd, _, _ = strings.Cut(cmd, "@")
	return cmd, fields[1:], true
}

func (a *App) handleOperatorCommand(ctx context.Context, cmd string, args []string, meta operatorMeta) (string, error) {
	switch cmd {
	case "start", "help":
		return operatorHelpText(), nil
	case "set_deviation":
		return a.setDeviation(ctx, args, meta)
	case "set_timeout":
		return a.setTimeout(ctx, args, meta)
	case "status":
		return a.operatorStatus(ctx), nil
	case "start_monitoring":
		return a.startMonitoring(ctx, meta)
	case "stop_monitoring":
		return a.stopMonitoring(ctx, meta)
	default:
		return operatorHelpText(), nil
	}
}

func (a *App) setDeviation(ctx context.Context, args []string, meta operatorMeta) (string, error) {
	if len(args) == 0 {
		return "", inputErrorf("usage: /set_deviation 0.5")
	}
	value, err := decimal.NewFromString(args[0])
	if err != nil {
		return "", inputErrorf("invalid number: %s", args[0])
	}
	if !value.IsPositive() {
		return "", inputErrorf("deviation must be > 0")
	}
	before := a.engine.Params().Deviation
	if err := a.engine.SetDeviation(value); err != nil {
		return "", inputErrorf("%v", err)
	}
	a.auditOperatorEvent(ctx, meta, "set_deviation", before.String(), value.String())
	return fmt.Sprintf("deviation set: %s", value.String()), nil
}

func (a *App) setTimeout(ctx context.Context, args []string, meta operatorMeta) (string, error) {
	if len(args) == 0 {
		return "", inputErrorf("usage: /set_timeout 60")
	}
	seconds, err := strconv.Atoi(args[0])
	if err != nil {
		return "", inputErrorf("invalid number: %s", args[0])
	}
	minimum := a.engine.Thresholds().MinPollInterval
	interval := time.Duration(seconds) * time.Second
	if interval < minimum {
		return "", inputErrorf("timeout must be >= %d seconds", int(minimum.Seconds()))
	}
	before := a.engine.Params().PollInterval
	if err := a.engine.SetPollInterval(interval); err != nil {
		return "", inputErrorf("%v", err)
	}
	a.auditOperatorEvent(ctx, meta, "set_timeout", before.String(), interval.String())
	return fmt.Sprintf("timeout set: %d s", seconds), nil
}

func (a *App) startMonitoring(ctx context.Context, meta operatorMeta) (string, error) {
	loopCtx := a.ctx
	if loopCtx == nil {
		loopCtx = ctx
	}
	notifier := chatNotifier{transport: a.alerts, chatID: meta.ChatID}
	if err := a.loop.Start(loopCtx, notifier); err != nil {
		if errors.Is(err, control.ErrAlreadyRunning) {
			return "monitoring already running", nil
		}
		return "", err
	}
	a.auditOperatorEvent(ctx, meta, "start_monitoring", "STOPPED", "RUNNING")
	return "monitoring started", nil
}

func (a *App) stopMonitoring(ctx context.Context, meta operatorMeta) (string, error) {
	if err := a.loop.Stop(ctx); err != nil {
		if errors.Is(err, control.ErrNotRunning) {
			return "monitoring not running", nil
		}
		return "", err
	}
	a.auditOperatorEvent(ctx, meta, "stop_monitoring", "RUNNING", "STOPPED")
	return "monitoring stopped", nil
}

func (a *App) operatorStatus(ctx context.Context) string {
	coin := a.cfg.Hedge.Coin
	params := a.engine.Params()
	monitoring := "stopped"
	if a.loop.Running() {
		monitoring = "running"
	}
	lines := []string{
		"status",
		fmt.Sprintf("monitoring: %s", monitoring),
		fmt.Sprintf("deviation: %s", params.Deviation.String()),
		fmt.Sprintf("timeout: %d s", int(params.PollInterval.Seconds())),
	}

	if mid, err := a.prices.Mid(ctx, coin); err != nil {
		lines = append(lines, fmt.Sprintf("price: error: %v", err))
	} else {
		lines = append(lines, fmt.Sprintf("price: $%s", mid.StringFixed(2)))
	}

	snap, err := a.engine.Snapshot(ctx)
	if err != nil {
		lines = append(lines, fmt.Sprintf("pool: error: %v", err))
	} else {
		lines = append(lines, fmt.Sprintf("pool: %s %s, USDC %s", coin, snap.BaseAmount.String(), snap.QuoteAmount.String()))
	}

	pos, ok, err := a.positions.Position(ctx, coin)
	switch {
	case err != nil:
		lines = append(lines, fmt.Sprintf("hedge: error: %v", err))
	case !ok:
		lines = append(lines, "hedge: no position")
	default:
		lines = append(lines, fmt.Sprintf("hedge: SHORT %s %s @ $%s", pos.Size.Abs().StringFixed(6), coin, pos.EntryPrice.StringFixed(2)))
	}

	// Fees come from the same pool read as the amounts.
	if snap.Liquidity != nil {
		lines = append(lines, fmt.Sprintf("fees: %s %s, USDC %s", coin, snap.BaseFees.StringFixed(6), snap.QuoteFees.StringFixed(6)))
	}
	lines = append(lines, fmt.Sprintf("reference: %s", a.engine.Reference().String()))

	if rec, ok, err := state.LoadTickRecord(ctx, a.store); err == nil && ok {
		result := "ok"
		if !rec.Success {
			result = "failed"
			if rec.Error != "" {
				result += ": " + rec.Error
			}
		}
		at := time.UnixMilli(rec.UpdatedAtMS).UTC().Format(time.RFC3339)
		lines = append(lines, fmt.Sprintf("last tick: %s %s at %s", rec.Action, result, at))
	}
	if counter, ok := a.store.(prefixCounter); ok {
		if n, err := counter.CountPrefix(ctx, exec.OrderKeyPrefix); err == nil {
			lines = append(lines, fmt.Sprintf("orders recorded: %d", n))
		}
	}
	return strings.Join(lines, "\n")
}

func operatorHelpText() string {
	return strings.Join([]string{
		"LP hedge bot",
		"commands:",
		"/set_deviation <value> - rebalance threshold in base units",
		"/set_timeout <seconds> - check interval (>= 10)",
		"/start_monitoring - start the hedge loop",
		"/stop_monitoring - stop the hedge loop",
		"/status - current settings and positions",
	}, "\n")
}

func (a *App) logOperatorError(err error) {
	a.opsMu.Lock()
	defer a.opsMu.Unlock()
	if a.operatorWarned {
		return
	}
	a.operatorWarned = true
	a.log.Warn("telegram operator failed", zap.Error(err))
}

func (a *App) operatorRecovered() {
	a.opsMu.Lock()
	defer a.opsMu.Unlock()
	if a.operatorWarned {
		a.log.Info("telegram operator recovered")
		a.operatorWarned = false
	}
}

func (a *App) loadOperatorOffset(ctx context.Context) int64 {
	if a.store == nil {
		return 0
	}
	raw, ok, err := a.store.Get(ctx, operatorOffsetKey)
	if err != nil || !ok {
		return 0
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || val < 0 {
		return 0
	}
	return val
}

func (a *App) saveOperatorOffset(ctx context.Context, offset int64) {
	if a.store == nil {
		return
	}
	if err := a.store.Set(ctx, operatorOffsetKey, strconv.FormatInt(offset, 10)); err != nil {
		a.log.Warn("operator offset persist failed", zap.Error(err))
	}
}

func (a *App) auditOperatorEvent(ctx context.Context, meta operatorMeta, action, before, after string) {
	if a.store == nil {
		return
	}
	event := operatorAuditEvent{
		UpdateID: meta.UpdateID,
		Time:     time.Now().UTC(),
		Action:   action,
		Command:  meta.Raw,
		UserID:   meta.UserID,
		Username: meta.Username,
		ChatID:   meta.ChatID,
		Before:   before,
		After:    after,
	}
	key := fmt.Sprintf("ops:audit:%d:%d", event.Time.UnixNano(), event.UpdateID)
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := a.store.Set(ctx, key, string(payload)); err != nil {
		a.log.Warn("operator audit persist failed", zap.Error(err))
	}
}
