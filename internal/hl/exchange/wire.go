package exchange

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

const wireDecimals = 8

func LimitOrderWire(asset int, isBuy bool, size, limit decimal.Decimal, reduceOnly bool, tif Tif, cloid string) (OrderWire, error) {
	if tif == "" {
		return OrderWire{}, errors.New("tif is required")
	}
	if !size.IsPositive() {
		return OrderWire{}, fmt.Errorf("size must be > 0, got %s", size)
	}
	if !limit.IsPositive() {
		return OrderWire{}, fmt.Errorf("limit price must be > 0, got %s", limit)
	}
	price, err := decimalToWire(limit)
	if err != nil {
		return OrderWire{}, fmt.Errorf("limit price: %w", err)
	}
	sizeWire, err := decimalToWire(size)
	if err != nil {
		return OrderWire{}, fmt.Errorf("size: %w", err)
	}
	return OrderWire{
		Asset:      asset,
		IsBuy:      isBuy,
		Price:      price,
		Size:       sizeWire,
		ReduceOnly: reduceOnly,
		OrderType:  OrderTypeWire{Limit: &LimitOrderType{Tif: tif}},
		Cloid:      cloid,
	}, nil
}

// decimalToWire renders x with trailing zeros trimmed. Values needing more
// than eight decimals are rejected rather than silently rounded.
func decimalToWire(x decimal.Decimal) (string, error) {
	if !x.Round(wireDecimals).Equal(x) {
		return "", fmt.Errorf("wire format causes rounding: %s", x)
	}
	if x.IsZero() {
		return "0", nil
	}
	return x.String(), nil
}
