package quote

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/lnswap/lnswapd/internal/chain"
	"github.com/lnswap/lnswapd/internal/storage"
)

// Ticker pairs read from the cache.
const (
	PairBTCUSD = "BTCUSD"
	PairLTCUSD = "LTCUSD"
	PairETHUSD = "ETHUSD"
	PairLTCBTC = "LTCBTC"
	PairETHBTC = "ETHBTC"
)

// quoteDecimals is the precision of quoted amounts.
const quoteDecimals = 8

var satsPerCoin = big.NewInt(100_000_000)

// Rates is the exchange-rate and fee snapshot served to clients.
type Rates struct {
	Fees   map[string]float64 `json:"fees"`
	BTCUSD string             `json:"BTCUSD"`
	LTCUSD string             `json:"LTCUSD"`
	ETHUSD string             `json:"ETHUSD"`
	LTCBTC string             `json:"LTCBTC"`
	ETHBTC string             `json:"ETHBTC"`
}

// fiatTicker is the cached form of a fiat pair.
type fiatTicker struct {
	Symbol string `json:"symbol"`
	Last   string `json:"last"`
}

// bookTicker is the cached form of a crypto pair.
type bookTicker struct {
	Symbol   string `json:"symbol"`
	BidPrice string `json:"bidPrice"`
	BidQty   string `json:"bidQty"`
	AskPrice string `json:"askPrice"`
	AskQty   string `json:"askQty"`
}

// CacheReader reads cached values.
type CacheReader interface {
	GetCache(key string) (string, error)
}

// ReadRates assembles the rate snapshot from the cache. Missing pairs are
// left empty; ErrRatesUnavailable is returned only when nothing is cached.
func ReadRates(cache CacheReader) (*Rates, error) {
	r := &Rates{Fees: make(map[string]float64)}
	found := false

	if raw, err := cache.GetCache(storage.SwapFeesKey); err == nil {
		if err := json.Unmarshal([]byte(raw), &r.Fees); err == nil {
			found = true
		}
	}

	for pair, dst := range map[string]*string{PairBTCUSD: &r.BTCUSD, PairLTCUSD: &r.LTCUSD, PairETHUSD: &r.ETHUSD} {
		raw, err := cache.GetCache(storage.PriceTickerKey(pair))
		if err != nil {
			continue
		}
		var t fiatTicker
		if json.Unmarshal([]byte(raw), &t) == nil && t.Last != "" {
			*dst, found = t.Last, true
		}
	}
	for pair, dst := range map[string]*string{PairLTCBTC: &r.LTCBTC, PairETHBTC: &r.ETHBTC} {
		raw, err := cache.GetCache(storage.PriceTickerKey(pair))
		if err != nil {
			continue
		}
		var t bookTicker
		if json.Unmarshal([]byte(raw), &t) == nil && t.BidPrice != "" {
			*dst, found = t.BidPrice, true
		}
	}

	if !found {
		return nil, ErrRatesUnavailable
	}
	return r, nil
}

// BTCRate returns the price of one coin of the network in BTC.
func (r *Rates) BTCRate(params *chain.Params) (*big.Rat, error) {
	var s string
	switch params.Symbol {
	case "BTC":
		return big.NewRat(1, 1), nil
	case "LTC":
		s = r.LTCBTC
	case "ETH":
		s = r.ETHBTC
	default:
		return nil, fmt.Errorf("%w: %s", ErrRateUnavailable, params.Symbol)
	}
	return positiveRat(s, params.Symbol+"BTC")
}

// USDRate returns the price of one coin of the network in USD.
func (r *Rates) USDRate(params *chain.Params) (*big.Rat, error) {
	var s string
	switch params.Symbol {
	case "BTC":
		s = r.BTCUSD
	case "LTC":
		s = r.LTCUSD
	case "ETH":
		s = r.ETHUSD
	default:
		return nil, fmt.Errorf("%w: %s", ErrRateUnavailable, params.Symbol)
	}
	return positiveRat(s, params.Symbol+"USD")
}

func positiveRat(s, pair string) (*big.Rat, error) {
	r, ok := new(big.Rat).SetString(s)
	if !ok || r.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrRateUnavailable, pair)
	}
	return r, nil
}

// feeBasisPoints picks the fee for symbol from the cached schedule, then
// from the configured one.
func feeBasisPoints(rates *Rates, configured map[string]int64, symbol string) (*big.Rat, error) {
	if rates != nil {
		if bps, ok := rates.Fees[symbol]; ok && bps >= 0 {
			return new(big.Rat).SetFloat64(bps), nil
		}
	}
	if bps, ok := configured[symbol]; ok && bps >= 0 {
		return new(big.Rat).SetInt64(bps), nil
	}
	return nil, fmt.Errorf("%w: no fee for %s", ErrRateUnavailable, symbol)
}

// Amounts is a priced swap. Values are in units of 1e-8 coin.
type Amounts struct {
	Total *big.Int
	Fee   *big.Int
}

// PriceSwap converts sats into the on-chain coin at rate (coin price in
// BTC) and adds a fee of bps basis points on top.
func PriceSwap(sats int64, rate, bps *big.Rat) (*Amounts, error) {
	if sats <= 0 {
		return nil, errors.New("amount must be positive")
	}
	if rate == nil || rate.Sign() <= 0 {
		return nil, ErrRateUnavailable
	}
	converted := new(big.Rat).SetFrac(big.NewInt(sats), satsPerCoin)
	converted.Quo(converted, rate)

	fee := new(big.Rat).Mul(converted, bps)
	fee.Quo(fee, big.NewRat(10_000, 1))

	total := new(big.Rat).Add(converted, fee)
	return &Amounts{
		Total: roundScaled(total, quoteDecimals),
		Fee:   roundScaled(fee, quoteDecimals),
	}, nil
}

// roundScaled returns round(r * 10^decimals), halves away from zero.
func roundScaled(r *big.Rat, decimals int) *big.Int {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	num := new(big.Int).Mul(r.Num(), scale)
	den := r.Denom()

	q, m := new(big.Int).QuoRem(num, den, new(big.Int))
	if new(big.Int).Mul(m.Abs(m), big.NewInt(2)).Cmp(den) >= 0 {
		if num.Sign() < 0 {
			q.Sub(q, big.NewInt(1))
		} else {
			q.Add(q, big.NewInt(1))
		}
	}
	return q
}

// toBaseUnits converts an amount in 1e-8 coin to the network's base unit.
func toBaseUnits(amount *big.Int, params *chain.Params) *big.Int {
	if int(params.Decimals) <= quoteDecimals {
		return new(big.Int).Set(amount)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(int(params.Decimals)-quoteDecimals)), nil)
	return new(big.Int).Mul(amount, scale)
}
