package ekubo

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"lp-hedge-bot/internal/config"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const positionsABI = `[{
	"type": "function",
	"name": "getPositionFeesAndLiquidity",
	"stateMutability": "view",
	"inputs": [
		{"name": "id", "type": "uint256"},
		{"name": "poolKey", "type": "tuple", "components": [
			{"name": "token0", "type": "address"},
			{"name": "token1", "type": "address"},
			{"name": "config", "type": "bytes32"}
		]},
		{"name": "bounds", "type": "tuple", "components": [
			{"name": "lower", "type": "int32"},
			{"name": "upper", "type": "int32"}
		]}
	],
	"outputs": [
		{"name": "liquidity", "type": "uint128"},
		{"name": "principal0", "type": "uint128"},
		{"name": "principal1", "type": "uint128"},
		{"name": "fees0", "type": "uint128"},
		{"name": "fees1", "type": "uint128"}
	]
}]`

const methodPositionFees = "getPositionFeesAndLiquidity"

// ContractCaller is the read-only subset of ethclient.Client the oracle needs.
type ContractCaller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

type PoolKey struct {
	Token0 common.Address
	Token1 common.Address
	Config [32]byte
}

type Bounds struct {
	Lower int32
	Upper int32
}

// Position is one read of the LP position. Raw values are in token units;
// the decimal amounts are scaled by each token's precision.
type Position struct {
	Liquidity   *big.Int
	Principal0  *big.Int
	Principal1  *big.Int
	Fees0       *big.Int
	Fees1       *big.Int
	BaseAmount  decimal.Decimal
	QuoteAmount decimal.Decimal
	BaseFees    decimal.Decimal
	QuoteFees   decimal.Decimal
}

type positionResult struct {
	Liquidity  *big.Int
	Principal0 *big.Int
	Principal1 *big.Int
	Fees0      *big.Int
	Fees1      *big.Int
}

type Oracle struct {
	caller        ContractCaller
	closer        func()
	contract      common.Address
	abi           abi.ABI
	positionID    *big.Int
	poolKey       PoolKey
	bounds        Bounds
	baseDecimals  int32
	quoteDecimals int32
	timeout       time.Duration
	log           *zap.Logger
}

// Dial connects to the RPC endpoint and returns an oracle bound to the
// configured position.
func Dial(ctx context.Context, cfg config.ChainConfig, log *zap.Logger) (*Oracle, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	oracle, err := New(client, cfg, log)
	if err != nil {
		client.Close()
		return nil, err
	}
	oracle.closer = client.Close
	return oracle, nil
}

func New(caller ContractCaller, cfg config.ChainConfig, log *zap.Logger) (*Oracle, error) {
	if caller == nil {
		return nil, errors.New("contract caller is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	parsed, err := abi.JSON(strings.NewReader(positionsABI))
	if err != nil {
		return nil, fmt.Errorf("parse positions abi: %w", err)
	}
	for name, addr := range map[string]string{
		"positions contract": cfg.PositionsContract,
		"token0":             cfg.Token0,
		"token1":             cfg.Token1,
	} {
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("invalid %s address %q", name, addr)
		}
	}
	id, ok := new(big.Int).SetString(strings.TrimSpace(cfg.PositionID), 0)
	if !ok || id.Sign() < 0 {
		return nil, fmt.Errorf("invalid position id %q", cfg.PositionID)
	}
	var poolConfig [32]byte
	if raw := strings.TrimSpace(cfg.PoolConfig); raw != "" {
		poolConfig = common.HexToHash(raw)
	}
	return &Oracle{
		caller:     caller,
		contract:   common.HexToAddress(cfg.PositionsContract),
		abi:        parsed,
		positionID: id,
		poolKey: PoolKey{
			Token0: common.HexToAddress(cfg.Token0),
			Token1: common.HexToAddress(cfg.Token1),
			Config: poolConfig,
		},
		bounds:        Bounds{Lower: cfg.LowerTick, Upper: cfg.UpperTick},
		baseDecimals:  cfg.BaseDecimals,
		quoteDecimals: cfg.QuoteDecimals,
		timeout:       cfg.CallTimeout,
		log:           log,
	}, nil
}

// Read performs one eth_call against the latest block.
func (o *Oracle) Read(ctx context.Context) (Position, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}
	data, err := o.abi.Pack(methodPositionFees, o.positionID, o.poolKey, o.bounds)
	if err != nil {
		return Position{}, fmt.Errorf("pack %s: %w", methodPositionFees, err)
	}
	out, err := o.caller.CallContract(ctx, ethereum.CallMsg{To: &o.contract, Data: data}, nil)
	if err != nil {
		return Position{}, fmt.Errorf("call %s: %w", methodPositionFees, err)
	}
	if len(out) == 0 {
		return Position{}, fmt.Errorf("call %s: empty response", methodPositionFees)
	}
	var res positionResult
	if err := o.abi.UnpackIntoInterface(&res, methodPositionFees, out); err != nil {
		return Position{}, fmt.Errorf("unpack %s: %w", methodPositionFees, err)
	}
	pos := Position{
		Liquidity:   res.Liquidity,
		Principal0:  res.Principal0,
		Principal1:  res.Principal1,
		Fees0:       res.Fees0,
		Fees1:       res.Fees1,
		BaseAmount:  scale(res.Principal0, o.baseDecimals),
		QuoteAmount: scale(res.Principal1, o.quoteDecimals),
		BaseFees:    scale(res.Fees0, o.baseDecimals),
		QuoteFees:   scale(res.Fees1, o.quoteDecimals),
	}
	o.log.Debug("ekubo position read",
		zap.String("liquidity", pos.Liquidity.String()),
		zap.String("base", pos.BaseAmount.String()),
		zap.String("quote", pos.QuoteAmount.String()),
	)
	return pos, nil
}

func (o *Oracle) Close() {
	if o.closer != nil {
		o.closer()
	}
}

func scale(raw *big.Int, decimals int32) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -decimals)
}
