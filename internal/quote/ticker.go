package quote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lnswap/lnswapd/internal/storage"
	"github.com/lnswap/lnswapd/pkg/logging"
)

// TickerConfig configures the price sources.
type TickerConfig struct {
	Enabled        bool          `yaml:"enabled"`
	CryptoURL      string        `yaml:"crypto_url"`
	FiatURL        string        `yaml:"fiat_url"`
	CryptoPairs    []string      `yaml:"crypto_pairs"`
	FiatPairs      []string      `yaml:"fiat_pairs"`
	CryptoInterval time.Duration `yaml:"crypto_interval"`
	CryptoTTL      time.Duration `yaml:"crypto_ttl"`
	FiatInterval   time.Duration `yaml:"fiat_interval"`
	FiatTTL        time.Duration `yaml:"fiat_ttl"`
}

// DefaultTickerConfig polls Binance book tickers for crypto pairs and
// Bitstamp for fiat prices.
func DefaultTickerConfig() *TickerConfig {
	return &TickerConfig{
		Enabled:        true,
		CryptoURL:      "https://www.binance.com/api/v3/ticker/bookTicker",
		FiatURL:        "https://www.bitstamp.net/api/v2/ticker/",
		CryptoPairs:    []string{PairLTCBTC, PairETHBTC},
		FiatPairs:      []string{PairBTCUSD, PairLTCUSD, PairETHUSD},
		CryptoInterval: 2 * time.Second,
		CryptoTTL:      5 * time.Second,
		FiatInterval:   5 * time.Second,
		FiatTTL:        12 * time.Second,
	}
}

// CacheWriter stores cached values.
type CacheWriter interface {
	SetCache(key, value string, ttl time.Duration) error
}

// Ticker keeps the price and fee cache entries fresh.
type Ticker struct {
	cfg    *TickerConfig
	fees   map[string]int64
	cache  CacheWriter
	client *http.Client
	log    *logging.Logger
}

// NewTicker creates a ticker that also publishes fees as the swap fee
// schedule.
func NewTicker(cfg *TickerConfig, fees map[string]int64, cache CacheWriter) *Ticker {
	if cfg == nil {
		cfg = DefaultTickerConfig()
	}
	return &Ticker{
		cfg:    cfg,
		fees:   fees,
		cache:  cache,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    logging.GetDefault().Component("ticker"),
	}
}

// Run polls the price sources until ctx ends.
func (t *Ticker) Run(ctx context.Context) error {
	if err := t.WriteFees(); err != nil {
		return err
	}

	t.refreshCrypto(ctx)
	t.refreshFiat(ctx)

	crypto := time.NewTicker(t.cfg.CryptoInterval)
	defer crypto.Stop()
	fiat := time.NewTicker(t.cfg.FiatInterval)
	defer fiat.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-crypto.C:
			t.refreshCrypto(ctx)
		case <-fiat.C:
			t.refreshFiat(ctx)
		}
	}
}

// WriteFees stores the configured fee schedule without expiry.
func (t *Ticker) WriteFees() error {
	data, err := json.Marshal(t.fees)
	if err != nil {
		return err
	}
	return t.cache.SetCache(storage.SwapFeesKey, string(data), 0)
}

func (t *Ticker) refreshCrypto(ctx context.Context) {
	for _, pair := range t.cfg.CryptoPairs {
		if err := t.FetchCrypto(ctx, pair); err != nil {
			t.log.Warn("Failed to fetch price", "pair", pair, "error", err)
		}
	}
}

func (t *Ticker) refreshFiat(ctx context.Context) {
	for _, pair := range t.cfg.FiatPairs {
		if err := t.FetchFiat(ctx, pair); err != nil {
			t.log.Warn("Failed to fetch price", "pair", pair, "error", err)
		}
	}
}

// FetchCrypto caches the book ticker of pair as returned by the source.
func (t *Ticker) FetchCrypto(ctx context.Context, pair string) error {
	body, err := t.get(ctx, t.cfg.CryptoURL+"?symbol="+pair)
	if err != nil {
		return err
	}
	var bt bookTicker
	if err := json.Unmarshal(body, &bt); err != nil {
		return fmt.Errorf("failed to decode %s ticker: %w", pair, err)
	}
	if _, err := positiveRat(bt.BidPrice, pair); err != nil {
		return err
	}
	if bt.Symbol == "" {
		bt.Symbol = pair
	}
	data, err := json.Marshal(bt)
	if err != nil {
		return err
	}
	return t.cache.SetCache(storage.PriceTickerKey(pair), string(data), t.cfg.CryptoTTL)
}

// FetchFiat caches the last traded price of pair.
func (t *Ticker) FetchFiat(ctx context.Context, pair string) error {
	url := strings.TrimSuffix(t.cfg.FiatURL, "/") + "/" + strings.ToLower(pair) + "/"
	body, err := t.get(ctx, url)
	if err != nil {
		return err
	}
	var resp struct {
		Last json.RawMessage `json:"last"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("failed to decode %s ticker: %w", pair, err)
	}
	// The source sends the price as a string or a number.
	last := strings.Trim(string(resp.Last), `"`)
	if _, err := positiveRat(last, pair); err != nil {
		return err
	}
	data, err := json.Marshal(fiatTicker{Symbol: pair, Last: last})
	if err != nil {
		return err
	}
	return t.cache.SetCache(storage.PriceTickerKey(pair), string(data), t.cfg.FiatTTL)
}

func (t *Ticker) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.New(resp.Status)
	}
	return body, nil
}
