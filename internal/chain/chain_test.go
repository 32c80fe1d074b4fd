package chain

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

func TestPoolABIParsesExpectedMethods(t *testing.T) {
	parsed, err := PoolABI()
	require.NoError(t, err)
	require.Contains(t, parsed.Methods, "getUserAccountData")
	require.Contains(t, parsed.Methods, "getReserveData")
	require.Contains(t, parsed.Methods, "liquidationCall")
}

func TestERC20ABIParsesExpectedMethods(t *testing.T) {
	parsed, err := ERC20ABI()
	require.NoError(t, err)
	require.Contains(t, parsed.Methods, "decimals")
	require.Contains(t, parsed.Methods, "balanceOf")
}

func TestFlashLiquidatorABIParsesExpectedMethods(t *testing.T) {
	parsed, err := FlashLiquidatorABI()
	require.NoError(t, err)
	require.Contains(t, parsed.Methods, "execute")
}

func TestABIEncoderEncodeLiquidationCallRoundTrips(t *testing.T) {
	poolABI, err := PoolABI()
	require.NoError(t, err)
	flashABI, err := FlashLiquidatorABI()
	require.NoError(t, err)
	enc := NewABIEncoder(poolABI, flashABI)

	data, err := enc.EncodeLiquidationCall(LiquidationPayload{
		CollateralAsset: common.HexToAddress("0x01"),
		DebtAsset:       common.HexToAddress("0x02"),
		User:            common.HexToAddress("0x03"),
		DebtToCover:     big.NewInt(1000),
		ReceiveAToken:   true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, data)

	method, err := poolABI.MethodById(data[:4])
	require.NoError(t, err)
	require.Equal(t, "liquidationCall", method.Name)

	args, err := method.Inputs.Unpack(data[4:])
	require.NoError(t, err)
	require.Equal(t, common.HexToAddress("0x01"), args[0])
	require.Equal(t, common.HexToAddress("0x02"), args[1])
	require.Equal(t, common.HexToAddress("0x03"), args[2])
	require.Equal(t, big.NewInt(1000), args[3])
	require.Equal(t, true, args[4])
}

func TestABIEncoderEncodeFlashExecuteRoundTrips(t *testing.T) {
	poolABI, err := PoolABI()
	require.NoError(t, err)
	flashABI, err := FlashLiquidatorABI()
	require.NoError(t, err)
	enc := NewABIEncoder(poolABI, flashABI)

	data, err := enc.EncodeFlashExecute(FlashExecutePayload{
		Borrower:        common.HexToAddress("0x04"),
		DebtAsset:       common.HexToAddress("0x02"),
		CollateralAsset: common.HexToAddress("0x01"),
		DebtAmount:      big.NewInt(500),
		SwapPayload:     []byte{0xde, 0xad},
	})
	require.NoError(t, err)
	require.NotEmpty(t, data)

	method, err := flashABI.MethodById(data[:4])
	require.NoError(t, err)
	require.Equal(t, "execute", method.Name)
}

func wordOf(v int64) []byte {
	return common.LeftPadBytes(big.NewInt(v).Bytes(), 32)
}

func TestAmountFromDataReadsIndexedWord(t *testing.T) {
	data := append(wordOf(42), wordOf(7)...)

	require.Equal(t, big.NewInt(42), amountFromData(data, 0))
	require.Equal(t, big.NewInt(7), amountFromData(data, 1))
}

func TestAmountFromDataReturnsZeroWhenDataTooShort(t *testing.T) {
	require.Equal(t, new(big.Int), amountFromData([]byte{0x01}, 0))
}

func TestDecodeBorrowEvent(t *testing.T) {
	reserve := common.HexToAddress("0xaaa")
	borrower := common.HexToAddress("0xbbb")
	log := gethtypes.Log{
		Topics: []common.Hash{
			gethcrypto.Keccak256Hash([]byte("Borrow(address,address,address,uint256,uint8,uint256,uint16)")),
			common.BytesToHash(reserve.Bytes()),
			common.BytesToHash(borrower.Bytes()),
		},
		Data:        wordOf(100),
		BlockNumber: 12,
	}

	evt, ok := decode(log)
	require.True(t, ok)
	require.Equal(t, EventBorrow, evt.Kind)
	require.Equal(t, reserve, evt.Reserve)
	require.Equal(t, borrower, evt.OnBehalfOf)
	require.Equal(t, big.NewInt(100), evt.Amount)
	require.Equal(t, uint64(12), evt.BlockNumber)
}

func TestDecodeLiquidationCallEvent(t *testing.T) {
	collateral := common.HexToAddress("0x01")
	debt := common.HexToAddress("0x02")
	borrower := common.HexToAddress("0x03")
	log := gethtypes.Log{
		Topics: []common.Hash{
			gethcrypto.Keccak256Hash([]byte("LiquidationCall(address,address,address,uint256,uint256,address,bool)")),
			common.BytesToHash(collateral.Bytes()),
			common.BytesToHash(debt.Bytes()),
			common.BytesToHash(borrower.Bytes()),
		},
		Data: wordOf(500),
	}

	evt, ok := decode(log)
	require.True(t, ok)
	require.Equal(t, EventLiquidationCall, evt.Kind)
	require.Equal(t, collateral, evt.CollateralAsset)
	require.Equal(t, debt, evt.DebtAsset)
	require.Equal(t, borrower, evt.OnBehalfOf)
}

func TestDecodeUnknownTopicIsRejected(t *testing.T) {
	log := gethtypes.Log{Topics: []common.Hash{gethcrypto.Keccak256Hash([]byte("SomethingElse()"))}}
	_, ok := decode(log)
	require.False(t, ok)
}

func TestDecodeRejectsTooFewTopics(t *testing.T) {
	log := gethtypes.Log{Topics: []common.Hash{
		gethcrypto.Keccak256Hash([]byte("Borrow(address,address,address,uint256,uint8,uint256,uint16)")),
	}}
	_, ok := decode(log)
	require.False(t, ok)
}

func TestEventKindString(t *testing.T) {
	require.Equal(t, "Borrow", EventBorrow.String())
	require.Equal(t, "LiquidationCall", EventLiquidationCall.String())
	require.Equal(t, "Unknown", EventKind(99).String())
}
