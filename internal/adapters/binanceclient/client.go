package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"

	"dcabot/internal/ports"
)

const (
	// Base URLs
	baseURLProduction = "https://api.binance.com"
	baseURLTestnet    = "https://testnet.binance.vision"
)

// Client implements the ports.Exchange interface for spot trading using the
// go-binance library. Buys are placed by quote notional (quoteOrderQty), so
// the venue converts the USD amount to a base quantity at fill time.
type Client struct {
	spotClient *binance.Client
	symbol     string
	logger     ports.Logger
}

// Config holds configuration specific to the Binance client adapter.
type Config struct {
	APIKey     string
	SecretKey  string
	Symbol     string // e.g. "BTCUSDT"
	UseTestnet bool
	Logger     ports.Logger
}

// New creates a new Binance spot client adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance client")
	}
	if cfg.Symbol == "" {
		return nil, fmt.Errorf("symbol is required for Binance client")
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		cfg.Logger.Warn(context.Background(), "APIKey or SecretKey is empty. Client will only work for public endpoints.")
	}

	client := binance.NewClient(cfg.APIKey, cfg.SecretKey)
	if cfg.UseTestnet {
		client.BaseURL = baseURLTestnet
		cfg.Logger.Info(context.Background(), "Binance client configured for Testnet", map[string]interface{}{"baseURL": client.BaseURL})
	} else {
		client.BaseURL = baseURLProduction
		cfg.Logger.Info(context.Background(), "Binance client configured for Production", map[string]interface{}{"baseURL": client.BaseURL})
	}

	return &Client{spotClient: client, symbol: cfg.Symbol, logger: cfg.Logger}, nil
}

// handleError translates Binance API errors into standardized ports errors so
// the executor can classify them as transient or permanent.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message

		var mappedErr error
		switch apiErr.Code {
		case -1003: // Too many requests
			mappedErr = ports.ErrRateLimited
		case -1000, -1001: // Internal error / disconnected
			mappedErr = ports.ErrExchangeUnavailable
		case -1021: // Timestamp outside of recvWindow
			mappedErr = ports.ErrTimeout
		case -1022: // Invalid signature
			mappedErr = ports.ErrAuthenticationFailed
		case -2014: // API-key format invalid
			mappedErr = ports.ErrAuthenticationFailed
		case -2015: // Invalid API-key, IP, or permissions for action
			mappedErr = ports.ErrPermissionDenied
		case -2010: // New order rejected
			if strings.Contains(strings.ToLower(apiErr.Message), "insufficient balance") {
				mappedErr = ports.ErrInsufficientFunds
			} else {
				mappedErr = ports.ErrRejectedByVenue
			}
		case -1013, -1100, -1102, -1104, -1111, -1121: // Filter / parameter errors
			mappedErr = ports.ErrInvalidRequest
		default:
			mappedErr = ports.ErrUnknown
		}
		finalErr := fmt.Errorf("%s failed: %w: %w", operation, mappedErr, err)
		c.logger.Error(ctx, err, fmt.Sprintf("%s failed with API error", operation), fields)
		return finalErr
	}

	// Handle non-API errors (network, context cancellation, etc.)
	var finalErr error
	if errors.Is(err, context.DeadlineExceeded) {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	} else if errors.Is(err, context.Canceled) {
		finalErr = fmt.Errorf("%s operation canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	} else if strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "connection reset by peer") ||
		strings.Contains(err.Error(), "no such host") {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrConnectionFailed, err)
	} else {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrUnknown, err)
	}

	c.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	return finalErr
}

// GetSpotPrice retrieves the last traded price for the configured symbol.
func (c *Client) GetSpotPrice(ctx context.Context) (float64, error) {
	op := "GetSpotPrice"
	prices, err := c.spotClient.NewListPricesService().Symbol(c.symbol).Do(ctx)
	if err != nil {
		return 0, c.handleError(ctx, err, op)
	}
	if len(prices) == 0 {
		err := fmt.Errorf("no price data returned for symbol %s", c.symbol)
		return 0, c.handleError(ctx, err, op)
	}

	price, err := strconv.ParseFloat(prices[0].Price, 64)
	if err != nil {
		parseErr := fmt.Errorf("could not parse price '%s': %w", prices[0].Price, err)
		return 0, c.handleError(ctx, parseErr, op)
	}
	return price, nil
}

// MarketBuy places a market buy for the given quote notional and returns the
// fill aggregated across partial executions.
func (c *Client) MarketBuy(ctx context.Context, notionalUSD float64) (*ports.Fill, error) {
	op := "MarketBuy"
	order, err := c.spotClient.NewCreateOrderService().
		Symbol(c.symbol).
		Side(binance.SideTypeBuy).
		Type(binance.OrderTypeMarket).
		QuoteOrderQty(strconv.FormatFloat(notionalUSD, 'f', 2, 64)).
		Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	return c.fillFromOrder(ctx, op, order)
}

// MarketSell places a market sell for the given base-asset quantity.
func (c *Client) MarketSell(ctx context.Context, quantity float64) (*ports.Fill, error) {
	op := "MarketSell"
	order, err := c.spotClient.NewCreateOrderService().
		Symbol(c.symbol).
		Side(binance.SideTypeSell).
		Type(binance.OrderTypeMarket).
		Quantity(strconv.FormatFloat(quantity, 'f', 8, 64)).
		Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	return c.fillFromOrder(ctx, op, order)
}

// GetFreeBalance retrieves the free balance for a specific asset.
func (c *Client) GetFreeBalance(ctx context.Context, asset string) (float64, error) {
	op := "GetFreeBalance"
	account, err := c.spotClient.NewGetAccountService().Do(ctx)
	if err != nil {
		return 0, c.handleError(ctx, err, op)
	}
	for _, b := range account.Balances {
		if b.Asset != asset {
			continue
		}
		free, err := strconv.ParseFloat(b.Free, 64)
		if err != nil {
			parseErr := fmt.Errorf("could not parse free balance '%s' for %s: %w", b.Free, asset, err)
			return 0, c.handleError(ctx, parseErr, op)
		}
		return free, nil
	}
	return 0, nil
}

// Ping checks the connectivity to the exchange API.
func (c *Client) Ping(ctx context.Context) error {
	op := "Ping"
	if err := c.spotClient.NewPingService().Do(ctx); err != nil {
		return c.handleError(ctx, err, op)
	}
	return nil
}

// fillFromOrder converts a create-order response into a ports.Fill with the
// notional-weighted average price.
func (c *Client) fillFromOrder(ctx context.Context, op string, order *binance.CreateOrderResponse) (*ports.Fill, error) {
	executedQty, err := strconv.ParseFloat(order.ExecutedQuantity, 64)
	if err != nil {
		parseErr := fmt.Errorf("could not parse executed quantity '%s': %w", order.ExecutedQuantity, err)
		return nil, c.handleError(ctx, parseErr, op)
	}
	quoteQty, err := strconv.ParseFloat(order.CummulativeQuoteQuantity, 64)
	if err != nil {
		parseErr := fmt.Errorf("could not parse quote quantity '%s': %w", order.CummulativeQuoteQuantity, err)
		return nil, c.handleError(ctx, parseErr, op)
	}
	if executedQty <= 0 || quoteQty <= 0 {
		incompleteErr := fmt.Errorf("order %d reported no execution (qty=%s quote=%s): %w",
			order.OrderID, order.ExecutedQuantity, order.CummulativeQuoteQuantity, ports.ErrRejectedByVenue)
		return nil, c.handleError(ctx, incompleteErr, op)
	}

	return &ports.Fill{
		OrderID:     strconv.FormatInt(order.OrderID, 10),
		Quantity:    executedQty,
		Price:       quoteQty / executedQty,
		NotionalUSD: quoteQty,
		Timestamp:   time.UnixMilli(order.TransactTime).UTC(),
	}, nil
}
