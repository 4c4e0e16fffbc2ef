package domain

import "time"

// PortfolioState is the running ledger snapshot: how much of the asset is
// held and at what weighted-average cost. AvgCost is 0 while QuantityHeld
// is 0. QuantityHeld never goes negative.
type PortfolioState struct {
	QuantityHeld float64   // Total base asset held (DCA buys plus initial seed)
	AvgCost      float64   // Weighted-average purchase price in USD
	UpdatedAt    time.Time // When the snapshot was last committed (UTC)
}

// MarketValue returns the current USD value of the holdings at the given price.
func (p PortfolioState) MarketValue(price float64) float64 {
	return p.QuantityHeld * price
}

// UnrealizedPnL returns the profit or loss versus the average cost basis at
// the given price.
func (p PortfolioState) UnrealizedPnL(price float64) float64 {
	return (price - p.AvgCost) * p.QuantityHeld
}
