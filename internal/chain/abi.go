package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Minimal ABI fragments for the pool, the flash liquidator, and ERC-20
// tokens — only the functions this agent ever calls (spec.md §6).
const (
	poolABIJSON = `[
		{"name":"getUserAccountData","type":"function","stateMutability":"view",
		 "inputs":[{"name":"user","type":"address"}],
		 "outputs":[
			{"name":"totalCollateralBase","type":"uint256"},
			{"name":"totalDebtBase","type":"uint256"},
			{"name":"availableBorrowsBase","type":"uint256"},
			{"name":"currentLiquidationThreshold","type":"uint256"},
			{"name":"ltv","type":"uint256"},
			{"name":"healthFactor","type":"uint256"}
		 ]},
		{"name":"getReserveData","type":"function","stateMutability":"view",
		 "inputs":[{"name":"asset","type":"address"}],
		 "outputs":[
			{"name":"configuration","type":"uint256"},
			{"name":"liquidityIndex","type":"uint128"},
			{"name":"currentLiquidityRate","type":"uint128"},
			{"name":"variableBorrowIndex","type":"uint128"},
			{"name":"currentVariableBorrowRate","type":"uint128"},
			{"name":"currentStableBorrowRate","type":"uint128"},
			{"name":"lastUpdateTimestamp","type":"uint40"},
			{"name":"id","type":"uint16"},
			{"name":"aTokenAddress","type":"address"},
			{"name":"stableDebtTokenAddress","type":"address"},
			{"name":"variableDebtTokenAddress","type":"address"},
			{"name":"interestRateStrategyAddress","type":"address"},
			{"name":"accruedToTreasury","type":"uint128"},
			{"name":"unbacked","type":"uint128"},
			{"name":"isolationModeTotalDebt","type":"uint128"}
		 ]},
		{"name":"liquidationCall","type":"function","stateMutability":"nonpayable",
		 "inputs":[
			{"name":"collateralAsset","type":"address"},
			{"name":"debtAsset","type":"address"},
			{"name":"user","type":"address"},
			{"name":"debtToCover","type":"uint256"},
			{"name":"receiveAToken","type":"bool"}
		 ],"outputs":[]}
	]`

	erc20ABIJSON = `[
		{"name":"decimals","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
		{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
	]`

	flashLiquidatorABIJSON = `[
		{"name":"execute","type":"function","stateMutability":"nonpayable",
		 "inputs":[
			{"name":"borrower","type":"address"},
			{"name":"debtAsset","type":"address"},
			{"name":"collateralAsset","type":"address"},
			{"name":"debtAmount","type":"uint256"},
			{"name":"swapPayload","type":"bytes"}
		 ],"outputs":[]}
	]`
)

// PoolABI parses the pool's getUserAccountData/getReserveData/liquidationCall ABI.
func PoolABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(poolABIJSON))
}

// ERC20ABI parses the minimal ERC-20 read surface the agent depends on.
func ERC20ABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(erc20ABIJSON))
}

// FlashLiquidatorABI parses the flash liquidator contract's execute ABI.
func FlashLiquidatorABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(flashLiquidatorABIJSON))
}
