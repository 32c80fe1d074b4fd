package chain

import (
	"github.com/ethereum/go-ethereum/accounts/abi"
)

// ABIEncoder implements Encoder against the pool's and flash liquidator's
// ABI definitions.
type ABIEncoder struct {
	pool  abi.ABI
	flash abi.ABI
}

// NewABIEncoder builds an ABIEncoder from the pool and flash-liquidator ABIs.
func NewABIEncoder(poolABI, flashABI abi.ABI) *ABIEncoder {
	return &ABIEncoder{pool: poolABI, flash: flashABI}
}

// EncodeLiquidationCall packs liquidationCall(collateralAsset, debtAsset,
// user, debtToCover, receiveAToken).
func (e *ABIEncoder) EncodeLiquidationCall(p LiquidationPayload) ([]byte, error) {
	return e.pool.Pack("liquidationCall", p.CollateralAsset, p.DebtAsset, p.User, p.DebtToCover, p.ReceiveAToken)
}

// EncodeFlashExecute packs execute(borrower, debtAsset, collateralAsset,
// debtAmount, swapPayload) against the flash liquidator contract ABI.
func (e *ABIEncoder) EncodeFlashExecute(p FlashExecutePayload) ([]byte, error) {
	return e.flash.Pack("execute", p.Borrower, p.DebtAsset, p.CollateralAsset, p.DebtAmount, p.SwapPayload)
}
