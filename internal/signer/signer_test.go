package signer

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"liquidator/internal/chain"
)

func testHexKey(t *testing.T) (string, common.Address) {
	t.Helper()
	key, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	return gethcrypto.FromECDSA(key), gethcrypto.PubkeyToAddress(key.PublicKey)
}

func TestNewPrivateKeySignerParsesHexWithoutPrefix(t *testing.T) {
	raw, wantAddr := testHexKey(t)
	hexKey := common.Bytes2Hex(raw)

	s, err := NewPrivateKeySigner(hexKey)
	require.NoError(t, err)
	require.Equal(t, wantAddr, s.Address())
}

func TestNewPrivateKeySignerParsesHexWithPrefix(t *testing.T) {
	raw, wantAddr := testHexKey(t)
	hexKey := "0x" + common.Bytes2Hex(raw)

	s, err := NewPrivateKeySigner(hexKey)
	require.NoError(t, err)
	require.Equal(t, wantAddr, s.Address())
}

func TestNewPrivateKeySignerRejectsGarbage(t *testing.T) {
	_, err := NewPrivateKeySigner("not-hex")
	require.Error(t, err)
}

func TestSignTransactionProducesSignedLondonTx(t *testing.T) {
	raw, addr := testHexKey(t)
	s, err := NewPrivateKeySigner(common.Bytes2Hex(raw))
	require.NoError(t, err)

	to := common.HexToAddress("0x0000000000000000000000000000000000000099")
	plan := chain.CallPlan{To: to, Data: []byte{0x01, 0x02}, GasLimit: 21000}
	fee := chain.FeeData{GasTipCap: big.NewInt(1), GasFeeCap: big.NewInt(2)}

	tx, err := s.SignTransaction(big.NewInt(1), plan, fee, 5)
	require.NoError(t, err)
	require.Equal(t, uint64(5), tx.Nonce())
	require.Equal(t, uint64(21000), tx.Gas())
	require.Equal(t, to, *tx.To())

	londonSigner := gethtypes.NewLondonSigner(big.NewInt(1))
	from, err := gethtypes.Sender(londonSigner, tx)
	require.NoError(t, err)
	require.Equal(t, addr, from)
}

func TestTrimHexPrefix(t *testing.T) {
	require.Equal(t, "abc", trimHexPrefix("0xabc"))
	require.Equal(t, "abc", trimHexPrefix("0Xabc"))
	require.Equal(t, "abc", trimHexPrefix("abc"))
}
