// Package marketdata serves the two oracles the engine consults: current
// market prices (for take-profit evaluation) and per-symbol LOT_SIZE trading
// rules (for wave sizing).
//
// Both are backed by a rate-limited Binance REST client with TTL caches in
// front; an optional WebSocket miniTicker stream keeps the price cache warm
// for configured symbols. Oracle failures never propagate into the fill
// path: a missing price suppresses the TP check for that evaluation, and a
// failed exchange-info lookup falls back to conservative defaults.
package marketdata

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"pyramid-kss/pkg/types"
)

// Conservative trading rules used when the exchange-info lookup fails.
const (
	DefaultMinQty   = 0.00001
	DefaultStepSize = 0.00001
	DefaultMaxQty   = 10000
)

// Config holds the market-data endpoints and cache tuning.
type Config struct {
	RestURL       string        `mapstructure:"rest_url"`
	WSURL         string        `mapstructure:"ws_url"`
	QuoteAsset    string        `mapstructure:"quote_asset"`
	PriceTTL      time.Duration `mapstructure:"price_ttl"`
	InfoTTL       time.Duration `mapstructure:"info_ttl"`
	RateLimit     float64       `mapstructure:"rate_limit"`
	RateBurst     int           `mapstructure:"rate_burst"`
	StreamEnabled bool          `mapstructure:"stream_enabled"`
	StreamSymbols []string      `mapstructure:"stream_symbols"`
}

// Client is the REST-backed oracle pair. Symbols are base assets ("BTC");
// the client appends the quote asset to form exchange pairs ("BTCUSDT").
type Client struct {
	http    *resty.Client
	limiter *rate.Limiter
	quote   string
	prices  *priceCache
	info    *infoCache
	logger  *slog.Logger
	now     func() time.Time
}

// NewClient creates a rate-limited market-data client with empty caches.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.RestURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})

	limit := rate.Limit(cfg.RateLimit)
	if cfg.RateLimit <= 0 {
		limit = rate.Limit(10)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 5
	}
	priceTTL := cfg.PriceTTL
	if priceTTL <= 0 {
		priceTTL = time.Minute
	}
	infoTTL := cfg.InfoTTL
	if infoTTL <= 0 {
		infoTTL = 24 * time.Hour
	}
	quote := cfg.QuoteAsset
	if quote == "" {
		quote = "USDT"
	}

	return &Client{
		http:    httpClient,
		limiter: rate.NewLimiter(limit, burst),
		quote:   quote,
		prices:  newPriceCache(priceTTL),
		info:    newInfoCache(infoTTL),
		logger:  logger.With("component", "marketdata"),
		now:     time.Now,
	}
}

// pair maps a base symbol to its exchange trading pair.
func (c *Client) pair(symbol string) string {
	return strings.ToUpper(symbol) + c.quote
}

// ————————————————————————————————————————————————————————————————————————
// Price oracle
// ————————————————————————————————————————————————————————————————————————

type tickerPrice struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// Prices returns current prices for the given base symbols. Symbols whose
// price could not be resolved are simply absent from the result; the caller
// treats a missing price as "no TP verdict this round", never as an error.
func (c *Client) Prices(ctx context.Context, symbols []string) map[string]float64 {
	now := c.now()
	out := make(map[string]float64, len(symbols))

	var misses []string
	for _, sym := range symbols {
		if p, ok := c.prices.get(sym, now); ok {
			out[sym] = p
		} else {
			misses = append(misses, sym)
		}
	}
	if len(misses) == 0 {
		return out
	}

	if err := c.refreshPrices(ctx); err != nil {
		c.logger.Warn("price refresh failed", "error", err, "symbols", misses)
		return out
	}
	now = c.now()
	for _, sym := range misses {
		if p, ok := c.prices.get(sym, now); ok {
			out[sym] = p
		}
	}
	return out
}

// refreshPrices pulls the full ticker table in one request and repopulates
// the cache. One call serves every session's symbol at once.
func (c *Client) refreshPrices(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var tickers []tickerPrice
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&tickers).
		Get("/api/v3/ticker/price")
	if err != nil {
		return fmt.Errorf("ticker prices: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("ticker prices: status %d: %s", resp.StatusCode(), resp.String())
	}

	now := c.now()
	for _, tk := range tickers {
		base, ok := strings.CutSuffix(tk.Symbol, c.quote)
		if !ok || base == "" {
			continue
		}
		price, err := strconv.ParseFloat(tk.Price, 64)
		if err != nil || price <= 0 {
			continue
		}
		c.prices.set(base, price, now)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Exchange-info oracle
// ————————————————————————————————————————————————————————————————————————

type exchangeInfoResponse struct {
	Symbols []struct {
		Symbol  string `json:"symbol"`
		Filters []struct {
			FilterType string `json:"filterType"`
			MinQty     string `json:"minQty"`
			MaxQty     string `json:"maxQty"`
			StepSize   string `json:"stepSize"`
		} `json:"filters"`
	} `json:"symbols"`
}

// Info returns the LOT_SIZE trading rules for a base symbol. Queried once
// per session at construction; any failure degrades to conservative
// defaults with a warning, the session proceeds.
func (c *Client) Info(ctx context.Context, symbol string) types.ExchangeInfo {
	now := c.now()
	if info, ok := c.info.get(symbol, now); ok {
		return info
	}

	info, err := c.fetchInfo(ctx, symbol)
	if err != nil {
		c.logger.Warn("exchange info unavailable, using defaults",
			"symbol", symbol, "error", err)
		return types.ExchangeInfo{
			Symbol:   symbol,
			MinQty:   DefaultMinQty,
			StepSize: DefaultStepSize,
			MaxQty:   DefaultMaxQty,
		}
	}
	c.info.set(symbol, info, c.now())
	return info
}

func (c *Client) fetchInfo(ctx context.Context, symbol string) (types.ExchangeInfo, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return types.ExchangeInfo{}, err
	}

	var result exchangeInfoResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", c.pair(symbol)).
		SetResult(&result).
		Get("/api/v3/exchangeInfo")
	if err != nil {
		return types.ExchangeInfo{}, fmt.Errorf("exchange info: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.ExchangeInfo{}, fmt.Errorf("exchange info: status %d: %s", resp.StatusCode(), resp.String())
	}
	if len(result.Symbols) == 0 {
		return types.ExchangeInfo{}, fmt.Errorf("exchange info: no symbol entry for %s", c.pair(symbol))
	}

	for _, f := range result.Symbols[0].Filters {
		if f.FilterType != "LOT_SIZE" {
			continue
		}
		minQty, err1 := strconv.ParseFloat(f.MinQty, 64)
		stepSize, err2 := strconv.ParseFloat(f.StepSize, 64)
		maxQty, err3 := strconv.ParseFloat(f.MaxQty, 64)
		if err1 != nil || err2 != nil || err3 != nil || minQty <= 0 || stepSize <= 0 {
			return types.ExchangeInfo{}, fmt.Errorf("exchange info: bad LOT_SIZE filter for %s", c.pair(symbol))
		}
		return types.ExchangeInfo{Symbol: symbol, MinQty: minQty, StepSize: stepSize, MaxQty: maxQty}, nil
	}
	return types.ExchangeInfo{}, fmt.Errorf("exchange info: no LOT_SIZE filter for %s", c.pair(symbol))
}
