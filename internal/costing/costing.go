// Package costing computes moving weighted-average unit costs. It is pure:
// callers persist the results and decide when to round. Only the purchase
// subsystem changes unit costs; sales and production move stock at the
// current average.
package costing

import "github.com/shopspring/decimal"

// CostScale is the number of decimal places kept when a cost is persisted.
const CostScale = 2

// QtyScale is the number of decimal places kept when a quantity is persisted.
const QtyScale = 4

// Apply folds an incoming movement into a prior (stock, cost) pair and
// returns the new pair:
//
//	newStock = priorStock + qty
//	newCost  = (priorStock*priorCost + qty*unitCost) / newStock
//
// When the resulting stock is zero or negative both values collapse to zero;
// a cost basis is meaningless with nothing on hand. No rounding happens here.
func Apply(priorStock, priorCost, qty, unitCost decimal.Decimal) (newStock, newCost decimal.Decimal) {
	newStock = priorStock.Add(qty)
	if newStock.Sign() <= 0 {
		return decimal.Zero, decimal.Zero
	}
	value := priorStock.Mul(priorCost).Add(qty.Mul(unitCost))
	if value.Sign() < 0 {
		return newStock, decimal.Zero
	}
	return newStock, value.Div(newStock)
}

// Revert undoes a previously applied movement by running Apply with the
// quantity negated and the movement's original unit cost. This recovers the
// prior average exactly when no other purchase interleaved; otherwise the
// result is an approximation of history.
func Revert(priorStock, priorCost, qty, unitCost decimal.Decimal) (newStock, newCost decimal.Decimal) {
	return Apply(priorStock, priorCost, qty.Neg(), unitCost)
}

// RoundCost rounds a cost to the persisted scale.
func RoundCost(cost decimal.Decimal) decimal.Decimal {
	return cost.Round(CostScale)
}

// RoundQty rounds a quantity to the persisted scale.
func RoundQty(qty decimal.Decimal) decimal.Decimal {
	return qty.Round(QtyScale)
}
