package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// EventKind enumerates the pool events the router subscribes to
// (spec.md §4.5, §6).
type EventKind int

const (
	EventBorrow EventKind = iota
	EventRepay
	EventSupply
	EventWithdraw
	EventLiquidationCall
)

func (k EventKind) String() string {
	switch k {
	case EventBorrow:
		return "Borrow"
	case EventRepay:
		return "Repay"
	case EventSupply:
		return "Supply"
	case EventWithdraw:
		return "Withdraw"
	case EventLiquidationCall:
		return "LiquidationCall"
	default:
		return "Unknown"
	}
}

// PoolEvent is the decoded representation of one Aave-v3-style pool log,
// carrying only the indexed fields the router needs (spec.md §6).
type PoolEvent struct {
	Kind        EventKind
	Reserve     common.Address
	OnBehalfOf  common.Address
	Amount      *big.Int
	BlockNumber uint64

	// LiquidationCall-specific fields.
	CollateralAsset common.Address
	DebtAsset       common.Address
	Liquidator      common.Address
}

// Subscription is a channel-backed publisher subscription; cancellation is
// a channel close (spec.md §9 design notes).
type Subscription <-chan PoolEvent

// LiquidationPayload encodes the pool's
// liquidationCall(collateralAsset, debtAsset, user, debtToCover, receiveAToken).
type LiquidationPayload struct {
	CollateralAsset common.Address
	DebtAsset       common.Address
	User            common.Address
	DebtToCover     *big.Int
	ReceiveAToken   bool
}

// FlashExecutePayload encodes the flash liquidator's
// execute(borrower, debtAsset, collateralAsset, debtAmount, swapPayload).
type FlashExecutePayload struct {
	Borrower        common.Address
	DebtAsset       common.Address
	CollateralAsset common.Address
	DebtAmount      *big.Int
	SwapPayload     []byte
}

// Encoder builds the exact calldata for a liquidation call or flash execute,
// using the pool/flash-liquidator ABIs. Kept separate from Client so the
// pipeline can build CallPlan without owning ABI objects itself.
type Encoder interface {
	EncodeLiquidationCall(p LiquidationPayload) ([]byte, error)
	EncodeFlashExecute(p FlashExecutePayload) ([]byte, error)
}
