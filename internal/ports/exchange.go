package ports

import (
	"context"
	"time"
)

// Fill describes the outcome of a filled market order.
type Fill struct {
	OrderID     string    // Venue's order identifier
	Quantity    float64   // Executed quantity in the base asset
	Price       float64   // Average fill price
	NotionalUSD float64   // Quote currency actually spent or received
	Timestamp   time.Time // Fill time reported by the venue
}

// Exchange is the trading port: the narrow slice of a venue's API the engine
// consumes. The engine is written entirely against this interface; one
// conforming implementation exists per venue.
type Exchange interface {
	// GetSpotPrice returns the last traded price for the configured symbol.
	GetSpotPrice(ctx context.Context) (float64, error)

	// MarketBuy places a market buy for the given notional USD value and
	// returns the fill. Errors are translated to the sentinel taxonomy
	// (ErrInsufficientFunds, ErrRateLimited, ErrConnectionFailed,
	// ErrRejectedByVenue, ...).
	MarketBuy(ctx context.Context, notionalUSD float64) (*Fill, error)

	// MarketSell places a market sell for the given base-asset quantity.
	MarketSell(ctx context.Context, quantity float64) (*Fill, error)

	// GetFreeBalance returns the free (unlocked) balance for an asset code
	// such as "USDT" or "BTC".
	GetFreeBalance(ctx context.Context, asset string) (float64, error)

	// Ping checks connectivity to the venue API.
	Ping(ctx context.Context) error
}
