package quoter

import (
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestOneInchQuoterParsesResponseAndAppliesSlippage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Contains(t, r.URL.Query().Get("fromTokenAddress"), "0x")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"tx":{"to":"0xabc","data":"0xdeadbeef"},"toAmount":"1000000"}`))
	}))
	defer srv.Close()

	q := NewOneInchQuoter(srv.URL, 100, 100)
	quote, err := q.Quote(context.Background(),
		common.HexToAddress("0x01"), common.HexToAddress("0x02"),
		big.NewInt(500), common.HexToAddress("0x03"))
	require.NoError(t, err)

	require.Equal(t, big.NewInt(1000000), quote.EstimatedOut)
	// 100 bps slippage on 1_000_000 -> 990_000 minimum out.
	require.Equal(t, big.NewInt(990000), quote.MinOut)
	require.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, quote.Payload)
}

func TestOneInchQuoterPropagatesNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	q := NewOneInchQuoter(srv.URL, 50, 100)
	_, err := q.Quote(context.Background(),
		common.HexToAddress("0x01"), common.HexToAddress("0x02"),
		big.NewInt(1), common.HexToAddress("0x03"))
	require.Error(t, err)
}

func TestOneInchQuoterRejectsInvalidToAmount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"tx":{"to":"0xabc","data":"0x"},"toAmount":"not-a-number"}`))
	}))
	defer srv.Close()

	q := NewOneInchQuoter(srv.URL, 50, 100)
	_, err := q.Quote(context.Background(),
		common.HexToAddress("0x01"), common.HexToAddress("0x02"),
		big.NewInt(1), common.HexToAddress("0x03"))
	require.Error(t, err)
}
