// ============================================================================
// CoinAPI OHLCV Client
// ============================================================================
//
// Package: internal/processor/coinapi
// File: client.go
// Purpose: Fetch one day of OHLCV for one symbol from CoinAPI.
//
// Endpoint:
//   GET {base}/v1/ohlcv/{EXCHANGE}_SPOT_{SYMBOL}_{QUOTE}/history
//       ?period_id=1DAY&time_start=D&time_end=D+1&limit=1
//   Header: X-CoinAPI-Key
//
// Status mapping (engine error kinds):
//   429          → rate_limited (retried)
//   5xx          → transient    (retried)
//   401 / 403    → unauthorized (never retried)
//   other 4xx    → malformed    (never retried)
//   network      → transient
// ============================================================================

package coinapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/ChuLiYu/beaver-backfill/pkg/types"
)

// Defaults used when the config leaves them empty.
const (
	DefaultBaseURL  = "https://rest.coinapi.io"
	DefaultExchange = "BITSTAMP"
	DefaultQuote    = "USD"
	DefaultTimeout  = 30 * time.Second

	SourceAPI = "coinapi"
)

// Config CoinAPI 處理器配置
type Config struct {
	BaseURL   string        `mapstructure:"base_url" yaml:"base_url"`
	APIKey    string        `mapstructure:"api_key" yaml:"api_key"`
	Exchange  string        `mapstructure:"exchange" yaml:"exchange"`
	Quote     string        `mapstructure:"quote" yaml:"quote"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
	LoaderDSN string        `mapstructure:"loader_dsn" yaml:"loader_dsn"` // PostgreSQL target of the upserts
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.Exchange == "" {
		c.Exchange = DefaultExchange
	}
	if c.Quote == "" {
		c.Quote = DefaultQuote
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// Candle is one daily OHLCV bar as returned by CoinAPI.
type Candle struct {
	TimePeriodStart string  `json:"time_period_start"`
	PriceOpen       float64 `json:"price_open"`
	PriceHigh       float64 `json:"price_high"`
	PriceLow        float64 `json:"price_low"`
	PriceClose      float64 `json:"price_close"`
	VolumeTraded    float64 `json:"volume_traded"`
}

// Client wraps a resty client bound to one CoinAPI account.
type Client struct {
	http     *resty.Client
	exchange string
	quote    string
}

// NewClient creates a client from cfg.
func NewClient(cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		http: resty.New().
			SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
			SetTimeout(cfg.Timeout).
			SetHeader("Accept", "application/json").
			SetHeader("X-CoinAPI-Key", cfg.APIKey),
		exchange: strings.ToUpper(cfg.Exchange),
		quote:    strings.ToUpper(cfg.Quote),
	}
}

// SymbolID returns the CoinAPI spot symbol of a token.
func (c *Client) SymbolID(symbol string) string {
	return fmt.Sprintf("%s_SPOT_%s_%s", c.exchange, strings.ToUpper(symbol), c.quote)
}

// FetchDay returns the daily candle of symbol on day, or nil when CoinAPI has
// no data for that day.
func (c *Client) FetchDay(ctx context.Context, symbol string, day time.Time) (*Candle, error) {
	day = types.TruncateDate(day)
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("symbol", c.SymbolID(symbol)).
		SetQueryParams(map[string]string{
			"period_id":  "1DAY",
			"time_start": day.Format("2006-01-02T15:04:05"),
			"time_end":   day.AddDate(0, 0, 1).Format("2006-01-02T15:04:05"),
			"limit":      "1",
		}).
		Get("/v1/ohlcv/{symbol}/history")
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, &types.ProcessingError{Kind: types.KindTransient, Message: "coinapi request " + symbol, Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, classify(resp.StatusCode(), symbol, day, resp.String())
	}

	var candles []Candle
	if err := json.Unmarshal(resp.Body(), &candles); err != nil {
		return nil, &types.ProcessingError{Kind: types.KindMalformed, Message: "decode coinapi response for " + symbol, Err: err}
	}
	if len(candles) == 0 {
		return nil, nil
	}
	return &candles[0], nil
}

// classify maps a non-200 response to a processing error kind.
func classify(status int, symbol string, day time.Time, body string) *types.ProcessingError {
	if len(body) > 200 {
		body = body[:200]
	}
	msg := fmt.Sprintf("coinapi %s %s: HTTP %d: %s", symbol, day.Format(types.DateLayout), status, body)

	var kind types.ErrorKind
	switch {
	case status == http.StatusTooManyRequests:
		kind = types.KindRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = types.KindUnauthorized
	case status >= 500:
		kind = types.KindTransient
	case status >= 400:
		kind = types.KindMalformed
	default:
		kind = types.KindTransient
	}
	return &types.ProcessingError{Kind: kind, Message: msg}
}
