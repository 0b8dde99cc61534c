package exchange

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// OrderStatus is the first entry of an order response's statuses array.
type OrderStatus struct {
	Status    string
	Filled    bool
	TotalSize decimal.Decimal
	AvgPrice  decimal.Decimal
	OrderID   int64
	Resting   bool
	RestingID int64
	Error     string
	Raw       string
}

// ParseOrderResponse decodes an /exchange order response. A top level
// "err" status is returned without error so the caller can report Raw.
func ParseOrderResponse(resp map[string]any) (OrderStatus, error) {
	if resp == nil {
		return OrderStatus{}, errors.New("empty response")
	}
	out := OrderStatus{Raw: rawJSON(resp)}
	out.Status, _ = resp["status"].(string)
	if out.Status == "" {
		return out, errors.New("response missing status")
	}
	if !strings.EqualFold(out.Status, "ok") {
		if msg, ok := resp["response"].(string); ok {
			out.Error = msg
		}
		return out, nil
	}
	response, ok := resp["response"].(map[string]any)
	if !ok {
		return out, errors.New("response missing body")
	}
	data, ok := response["data"].(map[string]any)
	if !ok {
		return out, errors.New("response missing data")
	}
	statuses, ok := data["statuses"].([]any)
	if !ok || len(statuses) == 0 {
		return out, errors.New("response missing statuses")
	}
	first, ok := statuses[0].(map[string]any)
	if !ok {
		// Plain strings such as "success" carry no order details.
		if _, isString := statuses[0].(string); isString {
			return out, nil
		}
		return out, fmt.Errorf("unexpected status entry %T", statuses[0])
	}
	if msg, ok := first["error"].(string); ok {
		out.Error = msg
		return out, nil
	}
	if filled, ok := first["filled"].(map[string]any); ok {
		out.Filled = true
		out.TotalSize = decimalFromAny(filled["totalSz"])
		out.AvgPrice = decimalFromAny(filled["avgPx"])
		out.OrderID = int64FromAny(filled["oid"])
		return out, nil
	}
	if resting, ok := first["resting"].(map[string]any); ok {
		out.Resting = true
		out.RestingID = int64FromAny(resting["oid"])
		return out, nil
	}
	return out, nil
}

// OrderIDFromResponse returns the venue order id of a filled or resting
// order, or "" when none is present.
func OrderIDFromResponse(resp map[string]any) string {
	status, err := ParseOrderResponse(resp)
	if err != nil {
		return ""
	}
	switch {
	case status.Filled && status.OrderID != 0:
		return strconv.FormatInt(status.OrderID, 10)
	case status.Resting && status.RestingID != 0:
		return strconv.FormatInt(status.RestingID, 10)
	}
	return ""
}

func rawJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

func decimalFromAny(v any) decimal.Decimal {
	switch val := v.(type) {
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(val))
		if err != nil {
			return decimal.Zero
		}
		return d
	case float64:
		return decimal.NewFromFloat(val)
	case json.Number:
		d, err := decimal.NewFromString(val.String())
		if err != nil {
			return decimal.Zero
		}
		return d
	default:
		return decimal.Zero
	}
}

func int64FromAny(v any) int64 {
	switch val := v.(type) {
	case float64:
		return int64(val)
	case int64:
		return val
	case int:
		return int64(val)
	case string:
		n, _ := strconv.ParseInt(val, 10, 64)
		return n
	default:
		return 0
	}
}
