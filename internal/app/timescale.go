package app

import (
	"lp-hedge-bot/internal/control"
	"lp-hedge-bot/internal/timescale"
)

type snapshotSink interface {
	EnqueueSnapshot(timescale.HedgeSnapshot)
	EnqueueOrder(timescale.OrderEvent)
}

// timescaleRecorder forwards loop outcomes to the timescale writer.
type timescaleRecorder struct {
	writer snapshotSink
	coin   string
}

func (r *timescaleRecorder) RecordOutcome(out control.Outcome) {
	if r == nil || r.writer == nil {
		return
	}
	snap := timescale.HedgeSnapshot{
		Time:        out.Time,
		Action:      string(out.Action.Kind),
		Success:     out.Success,
		BaseAmount:  out.Action.BaseAmount,
		QuoteAmount: out.Action.QuoteAmount,
		Reference:   out.Reference,
		Deviation:   out.Action.Deviation,
	}
	if snap.Action == "" {
		snap.Action = "error"
	}
	if out.Err != nil {
		snap.Error = out.Err.Error()
	}
	r.writer.EnqueueSnapshot(snap)

	receipt := out.Receipt
	if !out.Success || receipt.Order.ClientOrderID == "" {
		return
	}
	event := timescale.OrderEvent{
		Time:       receipt.SubmittedAt,
		Cloid:      receipt.Order.ClientOrderID,
		Action:     string(receipt.Action),
		Coin:       receipt.Order.Coin,
		IsBuy:      receipt.Order.IsBuy,
		Size:       receipt.Order.Size,
		LimitPrice: receipt.Order.LimitPrice,
		MidPrice:   receipt.MidPrice,
		OrderID:    receipt.RestingID,
	}
	if event.Coin == "" {
		event.Coin = r.coin
	}
	if event.Time.IsZero() {
		event.Time = out.Time
	}
	if fill := receipt.Fill; fill != nil {
		event.FilledSize = fill.TotalSize
		event.AvgPrice = fill.AvgPrice
		event.OrderID = fill.OrderID
	}
	r.writer.EnqueueOrder(event)
}
