// Package hfengine computes the off-chain health factor and the best
// liquidation estimate for a borrower, per spec.md §4.3.
package hfengine

import (
	"math"
	"math/big"

	"liquidator/internal/asset"
)

// PriceLookup resolves the latest cached USD price for an asset address. A
// missing price returns (0, false); the caller's side of the HF sum
// contributes zero rather than failing (spec.md §4.3).
type PriceLookup func(assetAddr string) (usd float64, ok bool)

// ThresholdLookup resolves a collateral asset's liquidation threshold.
type ThresholdLookup func(assetAddr string) float64

// Position is the subset of borrower state the engine needs: balances keyed
// by lowercased asset address.
type Position struct {
	Collateral map[string]asset.Balance
	Debt       map[string]asset.Balance
}

// MissingPrice is reported to the caller so it can log the omission without
// failing HF computation (spec.md §4.3 "the engine logs the omission but
// does not fail").
type MissingPrice struct {
	Asset string
	Side  string // "collateral" or "debt"
}

// ComputeResult carries the computed HF plus any omissions encountered.
type ComputeResult struct {
	HF      float64
	Missing []MissingPrice
}

// Compute implements:
//
//	total_debt_usd      = sum(debt.amount * price(debt.asset) / 10^decimals)
//	weighted_collateral = sum(coll.amount * price(coll.asset) * threshold(coll.asset) / 10^decimals)
//	hf = weighted_collateral / total_debt_usd, or +Inf if total_debt_usd == 0
func Compute(pos Position, prices PriceLookup, thresholds ThresholdLookup) ComputeResult {
	var totalDebtUSD, weightedCollateralUSD float64
	var missing []MissingPrice

	for addr, bal := range pos.Debt {
		price, ok := prices(addr)
		if !ok {
			missing = append(missing, MissingPrice{Asset: addr, Side: "debt"})
			continue
		}
		totalDebtUSD += scaledUSD(bal, price)
	}

	for addr, bal := range pos.Collateral {
		price, ok := prices(addr)
		if !ok {
			missing = append(missing, MissingPrice{Asset: addr, Side: "collateral"})
			continue
		}
		threshold := thresholds(addr)
		weightedCollateralUSD += scaledUSD(bal, price) * threshold
	}

	if totalDebtUSD == 0 {
		return ComputeResult{HF: math.Inf(1), Missing: missing}
	}
	return ComputeResult{HF: weightedCollateralUSD / totalDebtUSD, Missing: missing}
}

func scaledUSD(bal asset.Balance, priceUSD float64) float64 {
	if asset.ZeroUint256(bal.BaseUnits) {
		return 0
	}
	amount := new(big.Float).SetInt(bal.BaseUnits.ToBig())
	scale := new(big.Float).SetFloat64(math.Pow10(int(bal.Asset.Decimals)))
	scaled := new(big.Float).Quo(amount, scale)
	usd := new(big.Float).Mul(scaled, big.NewFloat(priceUSD))
	result, _ := usd.Float64()
	return result
}

// CloseFactor is the fixed 50% close factor (spec.md §9 open question ii:
// a dynamic close factor is explicitly out of scope here).
const CloseFactor = 0.5

// DefaultBonus is the default liquidation bonus/discount (spec.md §4.3).
const DefaultBonus = 0.05

// LiquidationCandidate is one (debt_asset, collateral_asset) pair the engine
// considered.
type LiquidationCandidate struct {
	DebtAsset          string
	CollateralAsset    string
	DebtAmount         *big.Int
	DebtValueUSD       float64
	RequiredCollateral *big.Int
	ProfitUSD          float64
}

// EstimateLiquidation evaluates every (debtAsset, collateralAsset) pair in
// the configured cross product and returns the one maximizing profit_usd,
// per spec.md §4.3. It returns (nil, false) if no pair clears.
func EstimateLiquidation(
	pos Position,
	debtAssets, collateralAssets []string,
	prices PriceLookup,
	decimalsOf func(addr string) uint8,
	bonus float64,
) (*LiquidationCandidate, bool) {
	var best *LiquidationCandidate

	for _, debtAddr := range debtAssets {
		debtBal, hasDebt := pos.Debt[debtAddr]
		if !hasDebt || asset.ZeroUint256(debtBal.BaseUnits) {
			continue
		}
		debtPrice, ok := prices(debtAddr)
		if !ok {
			continue
		}

		for _, collAddr := range collateralAssets {
			collBal, hasColl := pos.Collateral[collAddr]
			if !hasColl || asset.ZeroUint256(collBal.BaseUnits) {
				continue
			}
			collPrice, ok := prices(collAddr)
			if !ok || collPrice <= 0 {
				continue
			}

			debtDecimals := decimalsOf(debtAddr)
			collDecimals := decimalsOf(collAddr)

			debtAmount := new(big.Int).Div(debtBal.BaseUnits.ToBig(), big.NewInt(2)) // floor, 50% close factor
			if debtAmount.Sign() == 0 {
				continue
			}

			debtValueUSD := bigIntScaledUSD(debtAmount, debtDecimals, debtPrice)
			requiredCollUSD := debtValueUSD * (1 + bonus)
			requiredCollAmount := usdToBaseUnitsCeil(requiredCollUSD, collDecimals, collPrice)

			if requiredCollAmount.Cmp(collBal.BaseUnits.ToBig()) > 0 {
				continue
			}

			candidate := &LiquidationCandidate{
				DebtAsset:          debtAddr,
				CollateralAsset:    collAddr,
				DebtAmount:         debtAmount,
				DebtValueUSD:       debtValueUSD,
				RequiredCollateral: requiredCollAmount,
				ProfitUSD:          debtValueUSD * bonus,
			}
			if best == nil || candidate.ProfitUSD > best.ProfitUSD {
				best = candidate
			}
		}
	}

	return best, best != nil
}

func bigIntScaledUSD(amount *big.Int, decimals uint8, priceUSD float64) float64 {
	scaled := new(big.Float).Quo(
		new(big.Float).SetInt(amount),
		new(big.Float).SetFloat64(math.Pow10(int(decimals))),
	)
	usd := new(big.Float).Mul(scaled, big.NewFloat(priceUSD))
	result, _ := usd.Float64()
	return result
}

// usdToBaseUnitsCeil converts a USD amount into an asset's base units,
// rounding up (spec.md S3: required_collateral_amount = ceil(...)).
func usdToBaseUnitsCeil(usd float64, decimals uint8, priceUSD float64) *big.Int {
	if priceUSD <= 0 {
		return big.NewInt(0)
	}
	scale := new(big.Float).SetFloat64(math.Pow10(int(decimals)))
	amountFloat := new(big.Float).Quo(new(big.Float).SetFloat64(usd), big.NewFloat(priceUSD))
	amountFloat.Mul(amountFloat, scale)

	intPart, _ := amountFloat.Int(nil)
	rem := new(big.Float).Sub(amountFloat, new(big.Float).SetInt(intPart))
	if rem.Sign() > 0 {
		intPart.Add(intPart, big.NewInt(1))
	}
	return intPart
}
