package chain

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"
)

const oracleABIJSON = `[
	{"name":"getAssetPrice","type":"function","stateMutability":"view",
	 "inputs":[{"name":"asset","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]}
]`

// oraclePriceDecimals is the fixed 8-decimal USD scale Aave-v3-style price
// oracles report getAssetPrice in.
const oraclePriceDecimals = 8

// OracleClient implements eventrouter.OraclePricer against the pool's price
// oracle contract, rate-limited the same way EVMClient is (spec.md §5).
type OracleClient struct {
	eth     *ethclient.Client
	oracle  common.Address
	abi     abi.ABI
	limiter *rate.Limiter
}

// NewOracleClient builds an OracleClient for the oracle at addr.
func NewOracleClient(eth *ethclient.Client, addr common.Address, requestsPerSecond float64) (*OracleClient, error) {
	parsed, err := abi.JSON(strings.NewReader(oracleABIJSON))
	if err != nil {
		return nil, err
	}
	return &OracleClient{
		eth:     eth,
		oracle:  addr,
		abi:     parsed,
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), int(requestsPerSecond)+1),
	}, nil
}

// OraclePriceUSD returns the oracle's USD price for reserve.
func (c *OracleClient) OraclePriceUSD(ctx context.Context, reserve common.Address) (float64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	data, err := c.abi.Pack("getAssetPrice", reserve)
	if err != nil {
		return 0, err
	}
	out, err := c.eth.CallContract(ctx, callMsg(c.oracle, data), nil)
	if err != nil {
		return 0, err
	}
	values, err := c.abi.Unpack("getAssetPrice", out)
	if err != nil {
		return 0, err
	}
	raw, _ := values[0].(*big.Int)
	return scaleOracleUSD(raw, oraclePriceDecimals), nil
}

func scaleOracleUSD(v *big.Int, decimals uint8) float64 {
	if v == nil {
		return 0
	}
	f := new(big.Float).Quo(new(big.Float).SetInt(v), new(big.Float).SetFloat64(pow10(int(decimals))))
	out, _ := f.Float64()
	return out
}

func pow10(n int) float64 {
	v := 1.0
	for i := 0; i < n; i++ {
		v *= 10
	}
	return v
}
