// Package chain is the Chain RPC external collaborator described in
// spec.md §6: block number, fee data, account/reserve data, ERC-20
// balance-of, and encode/estimate-gas/static-call of the pool's
// liquidationCall and the flash liquidator's execute. It is treated as an
// opaque RPC callee — this package owns only the thin client, not the
// protocol or reconnection policy.
package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"
)

// FeeData mirrors the go-ethereum fee market fields the block loop reads
// each tick.
type FeeData struct {
	BaseFee       *big.Int
	GasTipCap     *big.Int
	GasFeeCap     *big.Int
}

// AccountData is the subset of the pool's getUserAccountData output the
// engine consults for the final on-chain HF check.
type AccountData struct {
	TotalCollateralUSD *big.Int
	TotalDebtUSD       *big.Int
	HealthFactorRay    *big.Int // 1e18-scaled; math.MaxUint256 means no debt
}

// CallPlan is the exact payload that will later be broadcast, shared
// between simulation and execution so prepare's staticCall exercises the
// identical flow (spec.md §4.6 step 3).
type CallPlan struct {
	To       common.Address
	Data     []byte
	Value    *big.Int
	GasLimit uint64
}

// Client is the minimal interface the core depends on. The production
// implementation wraps *ethclient.Client with a token-bucket limiter so the
// registry's hot path never stalls behind a provider's rate limit for
// longer than a single RPC round trip (spec.md §5).
type Client interface {
	BlockNumber(ctx context.Context) (uint64, error)
	SuggestFeeData(ctx context.Context) (FeeData, error)
	GetUserAccountData(ctx context.Context, pool, user common.Address) (AccountData, error)
	ReserveLiquidationThreshold(ctx context.Context, pool, reserve common.Address) (float64, error)
	ERC20Decimals(ctx context.Context, token common.Address) (uint8, error)
	BalanceOf(ctx context.Context, token, holder common.Address) (*big.Int, error)
	VariableDebtBalanceOf(ctx context.Context, debtToken, holder common.Address) (*big.Int, error)
	StaticCall(ctx context.Context, plan CallPlan) ([]byte, error)
	EstimateGas(ctx context.Context, plan CallPlan) (uint64, error)
	SendTransaction(ctx context.Context, signed *types.Transaction) (common.Hash, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// EVMClient is the production Client backed by ethclient and a rate limiter.
type EVMClient struct {
	eth     *ethclient.Client
	pool    abi.ABI
	erc20   abi.ABI
	limiter *rate.Limiter
}

// NewEVMClient dials url and wraps it with a token-bucket limiter allowing
// at most requestsPerSecond outbound RPC calls, with a burst of
// int(requestsPerSecond)+1.
func NewEVMClient(ctx context.Context, url string, requestsPerSecond float64, poolABI, erc20ABI abi.ABI) (*EVMClient, error) {
	eth, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return &EVMClient{
		eth:     eth,
		pool:    poolABI,
		erc20:   erc20ABI,
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), int(requestsPerSecond)+1),
	}, nil
}

func (c *EVMClient) wait(ctx context.Context) error {
	return c.limiter.Wait(ctx)
}

func (c *EVMClient) BlockNumber(ctx context.Context) (uint64, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	return c.eth.BlockNumber(ctx)
}

func (c *EVMClient) SuggestFeeData(ctx context.Context) (FeeData, error) {
	if err := c.wait(ctx); err != nil {
		return FeeData{}, err
	}
	tip, err := c.eth.SuggestGasTipCap(ctx)
	if err != nil {
		return FeeData{}, err
	}
	header, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return FeeData{}, err
	}
	baseFee := header.BaseFee
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(baseFee, big.NewInt(2)))
	return FeeData{BaseFee: baseFee, GasTipCap: tip, GasFeeCap: feeCap}, nil
}

func (c *EVMClient) GetUserAccountData(ctx context.Context, pool, user common.Address) (AccountData, error) {
	if err := c.wait(ctx); err != nil {
		return AccountData{}, err
	}
	data, err := c.pool.Pack("getUserAccountData", user)
	if err != nil {
		return AccountData{}, err
	}
	out, err := c.eth.CallContract(ctx, callMsg(pool, data), nil)
	if err != nil {
		return AccountData{}, err
	}
	values, err := c.pool.Unpack("getUserAccountData", out)
	if err != nil {
		return AccountData{}, err
	}
	return AccountData{
		TotalCollateralUSD: values[0].(*big.Int),
		TotalDebtUSD:       values[1].(*big.Int),
		HealthFactorRay:    values[5].(*big.Int),
	}, nil
}

func (c *EVMClient) ReserveLiquidationThreshold(ctx context.Context, pool, reserve common.Address) (float64, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	data, err := c.pool.Pack("getReserveData", reserve)
	if err != nil {
		return 0, err
	}
	out, err := c.eth.CallContract(ctx, callMsg(pool, data), nil)
	if err != nil {
		return 0, err
	}
	values, err := c.pool.Unpack("getReserveData", out)
	if err != nil {
		return 0, err
	}
	configuration := values[0].(*big.Int)
	// Liquidation threshold occupies bits 16-31 of the reserve configuration
	// bitmap, expressed in basis points.
	thresholdBps := new(big.Int).And(new(big.Int).Rsh(configuration, 16), big.NewInt(0xFFFF))
	return float64(thresholdBps.Uint64()) / 10000.0, nil
}

// ReserveTokens returns a reserve's aToken and variable-debt-token
// addresses, read from the same getReserveData call ReserveLiquidationThreshold
// uses, so the router can resolve which ERC-20 balances to watch for a
// configured underlying asset.
func (c *EVMClient) ReserveTokens(ctx context.Context, pool, reserve common.Address) (aToken, variableDebtToken common.Address, err error) {
	if err := c.wait(ctx); err != nil {
		return common.Address{}, common.Address{}, err
	}
	data, err := c.pool.Pack("getReserveData", reserve)
	if err != nil {
		return common.Address{}, common.Address{}, err
	}
	out, err := c.eth.CallContract(ctx, callMsg(pool, data), nil)
	if err != nil {
		return common.Address{}, common.Address{}, err
	}
	values, err := c.pool.Unpack("getReserveData", out)
	if err != nil {
		return common.Address{}, common.Address{}, err
	}
	return values[8].(common.Address), values[10].(common.Address), nil
}

func (c *EVMClient) ERC20Decimals(ctx context.Context, token common.Address) (uint8, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	data, err := c.erc20.Pack("decimals")
	if err != nil {
		return 0, err
	}
	out, err := c.eth.CallContract(ctx, callMsg(token, data), nil)
	if err != nil {
		return 0, err
	}
	values, err := c.erc20.Unpack("decimals", out)
	if err != nil {
		return 0, err
	}
	return values[0].(uint8), nil
}

func (c *EVMClient) BalanceOf(ctx context.Context, token, holder common.Address) (*big.Int, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	data, err := c.erc20.Pack("balanceOf", holder)
	if err != nil {
		return nil, err
	}
	out, err := c.eth.CallContract(ctx, callMsg(token, data), nil)
	if err != nil {
		return nil, err
	}
	values, err := c.erc20.Unpack("balanceOf", out)
	if err != nil {
		return nil, err
	}
	return values[0].(*big.Int), nil
}

// VariableDebtBalanceOf reads an Aave variable-debt token's balanceOf,
// which shares the ERC-20 ABI surface.
func (c *EVMClient) VariableDebtBalanceOf(ctx context.Context, debtToken, holder common.Address) (*big.Int, error) {
	return c.BalanceOf(ctx, debtToken, holder)
}

func (c *EVMClient) StaticCall(ctx context.Context, plan CallPlan) ([]byte, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	return c.eth.CallContract(ctx, callMsgFromPlan(plan), nil)
}

func (c *EVMClient) EstimateGas(ctx context.Context, plan CallPlan) (uint64, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	return c.eth.EstimateGas(ctx, callMsgFromPlan(plan))
}

func (c *EVMClient) SendTransaction(ctx context.Context, signed *types.Transaction) (common.Hash, error) {
	if err := c.wait(ctx); err != nil {
		return common.Hash{}, err
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, err
	}
	return signed.Hash(), nil
}

func (c *EVMClient) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	return c.eth.TransactionReceipt(ctx, hash)
}
