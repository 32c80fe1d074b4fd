package chain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Canonical Aave-v3-style pool event signatures, grounded on the teacher's
// evm_confirm.go pattern of hashing an event signature once at package
// init and matching topics[0] against it.
var (
	topicSupply          = gethcrypto.Keccak256Hash([]byte("Supply(address,address,address,uint256,uint16)"))
	topicWithdraw        = gethcrypto.Keccak256Hash([]byte("Withdraw(address,address,address,uint256)"))
	topicBorrow          = gethcrypto.Keccak256Hash([]byte("Borrow(address,address,address,uint256,uint8,uint256,uint16)"))
	topicRepay           = gethcrypto.Keccak256Hash([]byte("Repay(address,address,address,uint256,bool)"))
	topicLiquidationCall = gethcrypto.Keccak256Hash([]byte("LiquidationCall(address,address,address,uint256,uint256,address,bool)"))
)

// LogWatcher polls the pool contract's logs in bounded block ranges and
// decodes them into PoolEvent, publishing to a buffered channel consumed as
// a Subscription (spec.md §9 design notes: "channel-backed publisher
// subscription; cancellation is a channel close").
type LogWatcher struct {
	eth          *ethclient.Client
	pool         common.Address
	pollInterval time.Duration
	confirmations uint64
	fromBlock    uint64
}

// NewLogWatcher builds a LogWatcher starting its scan at fromBlock.
func NewLogWatcher(eth *ethclient.Client, pool common.Address, pollInterval time.Duration, confirmations, fromBlock uint64) *LogWatcher {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &LogWatcher{eth: eth, pool: pool, pollInterval: pollInterval, confirmations: confirmations, fromBlock: fromBlock}
}

// Run polls for new pool logs until ctx is cancelled, publishing decoded
// events to the returned Subscription. The channel is closed on return.
func (w *LogWatcher) Run(ctx context.Context) Subscription {
	out := make(chan PoolEvent, 256)
	go func() {
		defer close(out)
		ticker := time.NewTicker(w.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.poll(ctx, out)
			}
		}
	}()
	return out
}

func (w *LogWatcher) poll(ctx context.Context, out chan<- PoolEvent) {
	head, err := w.eth.BlockNumber(ctx)
	if err != nil {
		return
	}
	if head < w.confirmations {
		return
	}
	safeHead := head - w.confirmations
	if safeHead < w.fromBlock {
		return
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(w.fromBlock),
		ToBlock:   new(big.Int).SetUint64(safeHead),
		Addresses: []common.Address{w.pool},
		Topics: [][]common.Hash{{
			topicSupply, topicWithdraw, topicBorrow, topicRepay, topicLiquidationCall,
		}},
	}
	logs, err := w.eth.FilterLogs(ctx, query)
	if err != nil {
		return
	}

	for _, l := range logs {
		evt, ok := decode(l)
		if !ok {
			continue
		}
		select {
		case out <- evt:
		case <-ctx.Done():
			return
		}
	}
	w.fromBlock = safeHead + 1
}

func decode(l gethtypes.Log) (PoolEvent, bool) {
	if len(l.Topics) == 0 {
		return PoolEvent{}, false
	}
	base := PoolEvent{BlockNumber: l.BlockNumber}
	switch l.Topics[0] {
	case topicSupply:
		if len(l.Topics) < 3 {
			return PoolEvent{}, false
		}
		base.Kind = EventSupply
		base.Reserve = common.BytesToAddress(l.Topics[1].Bytes())
		base.OnBehalfOf = common.BytesToAddress(l.Topics[2].Bytes())
		base.Amount = amountFromData(l.Data, 0)
		return base, true
	case topicWithdraw:
		if len(l.Topics) < 4 {
			return PoolEvent{}, false
		}
		base.Kind = EventWithdraw
		base.Reserve = common.BytesToAddress(l.Topics[1].Bytes())
		base.OnBehalfOf = common.BytesToAddress(l.Topics[2].Bytes())
		base.Amount = amountFromData(l.Data, 0)
		return base, true
	case topicBorrow:
		if len(l.Topics) < 3 {
			return PoolEvent{}, false
		}
		base.Kind = EventBorrow
		base.Reserve = common.BytesToAddress(l.Topics[1].Bytes())
		base.OnBehalfOf = common.BytesToAddress(l.Topics[2].Bytes())
		base.Amount = amountFromData(l.Data, 0)
		return base, true
	case topicRepay:
		if len(l.Topics) < 3 {
			return PoolEvent{}, false
		}
		base.Kind = EventRepay
		base.Reserve = common.BytesToAddress(l.Topics[1].Bytes())
		base.OnBehalfOf = common.BytesToAddress(l.Topics[2].Bytes())
		base.Amount = amountFromData(l.Data, 0)
		return base, true
	case topicLiquidationCall:
		if len(l.Topics) < 4 {
			return PoolEvent{}, false
		}
		base.Kind = EventLiquidationCall
		base.CollateralAsset = common.BytesToAddress(l.Topics[1].Bytes())
		base.DebtAsset = common.BytesToAddress(l.Topics[2].Bytes())
		base.OnBehalfOf = common.BytesToAddress(l.Topics[3].Bytes())
		base.Amount = amountFromData(l.Data, 0)
		return base, true
	default:
		return PoolEvent{}, false
	}
}

// amountFromData reads the 32-byte word at the given index from
// non-indexed log data. Every event this watcher decodes carries its
// principal amount as the first non-indexed word.
func amountFromData(data []byte, word int) *big.Int {
	start := word * 32
	if len(data) < start+32 {
		return new(big.Int)
	}
	return new(big.Int).SetBytes(data[start : start+32])
}
