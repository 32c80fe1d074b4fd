// Package quoter is the off-chain swap quoter external collaborator from
// spec.md §6: given (sell, buy, amountIn, recipient) it returns an opaque
// payload, an estimated output, and a slippage-adjusted minimum output. It
// is treated strictly as an external collaborator — spec.md §9 (iii)
// forbids the core from embedding a one-to-one fallback when the quoter is
// a test double.
package quoter

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/time/rate"
)

// Quote is the quoter's response.
type Quote struct {
	Payload      []byte
	EstimatedOut *big.Int
	MinOut       *big.Int
}

// Quoter resolves a swap quote for the seized-collateral -> debt-asset leg
// of flash-loan mode liquidations.
type Quoter interface {
	Quote(ctx context.Context, sell, buy common.Address, amountIn *big.Int, recipient common.Address) (Quote, error)
}

// MaxSlippageBps configures min_out = estimated * (10000 - bps) / 10000
// (spec.md §6).
type OneInchQuoter struct {
	RouterURL      string
	MaxSlippageBps uint64
	HTTPClient     *http.Client
	Limiter        *rate.Limiter
}

// NewOneInchQuoter constructs a quoter client rate-limited to
// requestsPerSecond calls against the configured router endpoint.
func NewOneInchQuoter(routerURL string, maxSlippageBps uint64, requestsPerSecond float64) *OneInchQuoter {
	return &OneInchQuoter{
		RouterURL:      routerURL,
		MaxSlippageBps: maxSlippageBps,
		HTTPClient:     &http.Client{Timeout: 5 * time.Second},
		Limiter:        rate.NewLimiter(rate.Limit(requestsPerSecond), int(requestsPerSecond)+1),
	}
}

type oneInchResponse struct {
	Tx struct {
		To   string `json:"to"`
		Data string `json:"data"`
	} `json:"tx"`
	ToAmount string `json:"toAmount"`
}

func (q *OneInchQuoter) Quote(ctx context.Context, sell, buy common.Address, amountIn *big.Int, recipient common.Address) (Quote, error) {
	if err := q.Limiter.Wait(ctx); err != nil {
		return Quote{}, err
	}

	url := fmt.Sprintf("%s/swap?fromTokenAddress=%s&toTokenAddress=%s&amount=%s&fromAddress=%s&slippage=%d",
		q.RouterURL, sell.Hex(), buy.Hex(), amountIn.String(), recipient.Hex(), q.MaxSlippageBps/100)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Quote{}, err
	}
	resp, err := q.HTTPClient.Do(req)
	if err != nil {
		return Quote{}, fmt.Errorf("quoter request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Quote{}, fmt.Errorf("quoter returned status %d", resp.StatusCode)
	}

	var parsed oneInchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Quote{}, fmt.Errorf("decode quoter response: %w", err)
	}

	estimatedOut, ok := new(big.Int).SetString(parsed.ToAmount, 10)
	if !ok {
		return Quote{}, fmt.Errorf("quoter returned invalid toAmount %q", parsed.ToAmount)
	}

	minOut := new(big.Int).Mul(estimatedOut, big.NewInt(int64(10000-q.MaxSlippageBps)))
	minOut.Div(minOut, big.NewInt(10000))

	payload, err := hex.DecodeString(strings.TrimPrefix(parsed.Tx.Data, "0x"))
	if err != nil {
		return Quote{}, fmt.Errorf("decode quoter calldata: %w", err)
	}

	return Quote{Payload: payload, EstimatedOut: estimatedOut, MinOut: minOut}, nil
}
