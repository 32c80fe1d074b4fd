package chain

import (
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

func callMsg(to common.Address, data []byte) ethereum.CallMsg {
	return ethereum.CallMsg{To: &to, Data: data}
}

func callMsgFromPlan(plan CallPlan) ethereum.CallMsg {
	to := plan.To
	return ethereum.CallMsg{
		To:       &to,
		Data:     plan.Data,
		Value:    plan.Value,
		Gas:      plan.GasLimit,
	}
}
