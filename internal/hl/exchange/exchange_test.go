package exchange

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"
)

const testKey = "4f3edf983ac636a65a842ce7c78d9aa706d3b113bce036f81af8f9b72d3d80b2"

func mustDecimal(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestDecimalToWire(t *testing.T) {
	cases := []struct {
		in  string
		out string
	}{
		{in: "1.23", out: "1.23"},
		{in: "0", out: "0"},
		{in: "1.23000000", out: "1.23"},
		{in: "2525.0", out: "2525"},
		{in: "0.004", out: "0.004"},
	}
	for _, tc := range cases {
		got, err := decimalToWire(mustDecimal(tc.in))
		if err != nil {
			t.Fatalf("unexpected error for %s: %v", tc.in, err)
		}
		if got != tc.out {
			t.Fatalf("expected %s, got %s", tc.out, got)
		}
	}
	if _, err := decimalToWire(mustDecimal("1.234567891")); err == nil {
		t.Fatalf("expected rounding error")
	}
}

func TestLimitOrderWireRejectsNonPositive(t *testing.T) {
	if _, err := LimitOrderWire(1, true, decimal.Zero, mustDecimal("100"), false, TifIoc, ""); err == nil {
		t.Fatalf("expected error for zero size")
	}
	if _, err := LimitOrderWire(1, true, mustDecimal("1"), mustDecimal("-1"), false, TifIoc, ""); err == nil {
		t.Fatalf("expected error for negative price")
	}
}

func TestEncodeOrderActionDeterministic(t *testing.T) {
	order, err := LimitOrderWire(1, true, mustDecimal("2.5"), mustDecimal("100.0"), true, TifIoc, "0x0000000000000000000000000000000a")
	if err != nil {
		t.Fatalf("unexpected order wire error: %v", err)
	}
	action := OrderAction{Type: "order", Orders: []OrderWire{order}, Grouping: "na"}
	b1, err := EncodeOrderAction(action)
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}
	b2, err := EncodeOrderAction(action)
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}
	if !bytes.Equal(b1, b2) {
		t.Fatalf("expected deterministic encoding")
	}
	var decoded map[string]any
	if err := msgpack.Unmarshal(b1, &decoded); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if decoded["type"] != "order" {
		t.Fatalf("unexpected action type")
	}
	orders, ok := decoded["orders"].([]any)
	if !ok || len(orders) != 1 {
		t.Fatalf("expected 1 order")
	}
	orderMap, ok := orders[0].(map[string]any)
	if !ok {
		t.Fatalf("expected order map")
	}
	if orderMap["p"] != "100" {
		t.Fatalf("expected price 100, got %v", orderMap["p"])
	}
	if orderMap["s"] != "2.5" {
		t.Fatalf("expected size 2.5, got %v", orderMap["s"])
	}
	if orderMap["r"] != true {
		t.Fatalf("expected reduce-only flag, got %v", orderMap["r"])
	}
	if orderMap["c"] != "0x0000000000000000000000000000000a" {
		t.Fatalf("expected cloid, got %v", orderMap["c"])
	}
}

func TestEncodeUpdateLeverageAction(t *testing.T) {
	payload, err := EncodeUpdateLeverageAction(UpdateLeverageAction{Type: "updateLeverage", Asset: 1, IsCross: false, Leverage: 3})
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}
	var decoded map[string]any
	if err := msgpack.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if decoded["type"] != "updateLeverage" || decoded["isCross"] != false {
		t.Fatalf("unexpected decoded action %v", decoded)
	}
	if _, err := EncodeUpdateLeverageAction(UpdateLeverageAction{Type: "updateLeverage", Asset: 1}); err == nil {
		t.Fatalf("expected error for zero leverage")
	}
}

func TestSignerRecover(t *testing.T) {
	signer, err := NewSigner(testKey, true)
	if err != nil {
		t.Fatalf("signer error: %v", err)
	}
	order, err := LimitOrderWire(1, true, mustDecimal("2.5"), mustDecimal("100"), false, TifIoc, "")
	if err != nil {
		t.Fatalf("order wire error: %v", err)
	}
	action := OrderAction{Type: "order", Orders: []OrderWire{order}, Grouping: "na"}
	nonce := uint64(1700000000000)
	sig, err := signer.SignOrderAction(action, nonce, nil)
	if err != nil {
		t.Fatalf("sign error: %v", err)
	}
	payload, err := EncodeOrderAction(action)
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}
	assertRecovers(t, signer, payload, nonce, sig)
}

func TestSignUpdateLeverageRecover(t *testing.T) {
	signer, err := NewSigner(testKey, false)
	if err != nil {
		t.Fatalf("signer error: %v", err)
	}
	action := UpdateLeverageAction{Type: "updateLeverage", Asset: 1, Leverage: 2}
	nonce := uint64(1700000000001)
	sig, err := signer.SignUpdateLeverage(action, nonce, nil)
	if err != nil {
		t.Fatalf("sign error: %v", err)
	}
	payload, err := EncodeUpdateLeverageAction(action)
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}
	assertRecovers(t, signer, payload, nonce, sig)
}

func assertRecovers(t *testing.T, signer *Signer, payload []byte, nonce uint64, sig Signature) {
	t.Helper()
	digest, err := typedDataHash(actionHash(payload, nonce, nil), signer.isMainnet)
	if err != nil {
		t.Fatalf("digest error: %v", err)
	}
	sigBytes, err := signatureBytes(sig)
	if err != nil {
		t.Fatalf("signature bytes error: %v", err)
	}
	pubKey, err := crypto.SigToPub(digest, sigBytes)
	if err != nil {
		t.Fatalf("recover error: %v", err)
	}
	if recovered := crypto.PubkeyToAddress(*pubKey); recovered != signer.Address() {
		t.Fatalf("expected %s, got %s", signer.Address().Hex(), recovered.Hex())
	}
}

func TestActionHashDoesNotAliasPayload(t *testing.T) {
	payload := make([]byte, 3, 64)
	copy(payload, []byte{1, 2, 3})
	_ = actionHash(payload, 1, nil)
	if extended := payload[:cap(payload)]; extended[3] != 0 {
		t.Fatalf("action hash wrote into caller buffer")
	}
}

func signatureBytes(sig Signature) ([]byte, error) {
	r, err := hexutil.Decode(sig.R)
	if err != nil {
		return nil, err
	}
	s, err := hexutil.Decode(sig.S)
	if err != nil {
		return nil, err
	}
	if len(r) != 32 || len(s) != 32 {
		return nil, errUnexpectedSigLen
	}
	v := sig.V - 27
	if v < 0 || v > 1 {
		return nil, errUnexpectedSigV
	}
	out := append(append([]byte{}, r...), s...)
	out = append(out, byte(v))
	return out, nil
}

var errUnexpectedSigLen = errors.New("unexpected signature length")
var errUnexpectedSigV = errors.New("unexpected signature v")
