package broadcast

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"liquidator/internal/chain"
)

type fakeChainClient struct {
	chain.Client
	sendErr  error
	sendHash common.Hash
}

func (f *fakeChainClient) SendTransaction(ctx context.Context, signed *types.Transaction) (common.Hash, error) {
	if f.sendErr != nil {
		return common.Hash{}, f.sendErr
	}
	return f.sendHash, nil
}

func sampleTx() *types.Transaction {
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   big.NewInt(1),
		Nonce:     0,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(1),
		Gas:       21000,
		Value:     big.NewInt(0),
	})
}

func TestNewDefaultsToPublicTransport(t *testing.T) {
	client := &fakeChainClient{sendHash: common.HexToHash("0xabc")}
	transport, err := New(ModeNone, client, "", nil)
	require.NoError(t, err)

	_, ok := transport.(*PublicTransport)
	require.True(t, ok)
	require.NoError(t, transport.Broadcast(context.Background(), sampleTx()))
}

func TestNewEmptyModeDefaultsToPublicTransport(t *testing.T) {
	transport, err := New("", &fakeChainClient{}, "", nil)
	require.NoError(t, err)
	_, ok := transport.(*PublicTransport)
	require.True(t, ok)
}

func TestNewFlashbotsWrapsCustomInner(t *testing.T) {
	inner := &fakeTransport{}
	transport, err := New(ModeFlashbots, &fakeChainClient{}, "https://relay.example", inner)
	require.NoError(t, err)

	relay, ok := transport.(*PrivateRelayTransport)
	require.True(t, ok)
	require.Equal(t, "https://relay.example", relay.RelayURL)

	require.NoError(t, transport.Broadcast(context.Background(), sampleTx()))
	require.True(t, inner.called)
}

func TestPrivateRelayWithoutInnerErrors(t *testing.T) {
	transport := &PrivateRelayTransport{RelayURL: "https://relay.example"}
	err := transport.Broadcast(context.Background(), sampleTx())
	require.Error(t, err)
}

func TestNewCustomModeRequiresTransport(t *testing.T) {
	_, err := New(ModeCustom, &fakeChainClient{}, "", nil)
	require.Error(t, err)
}

func TestNewCustomModeUsesProvidedTransport(t *testing.T) {
	inner := &fakeTransport{}
	transport, err := New(ModeCustom, &fakeChainClient{}, "", inner)
	require.NoError(t, err)
	require.Same(t, inner, transport)
}

func TestNewUnknownModeErrors(t *testing.T) {
	_, err := New(Mode("bogus"), &fakeChainClient{}, "", nil)
	require.Error(t, err)
}

func TestPublicTransportPropagatesSendError(t *testing.T) {
	client := &fakeChainClient{sendErr: context.DeadlineExceeded}
	transport := &PublicTransport{Client: client}
	err := transport.Broadcast(context.Background(), sampleTx())
	require.Error(t, err)
}

type fakeTransport struct {
	called bool
}

func (f *fakeTransport) Broadcast(ctx context.Context, tx *types.Transaction) error {
	f.called = true
	return nil
}
