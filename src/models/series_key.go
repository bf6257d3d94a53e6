package models

import (
	"fmt"
	"sort"
	"strings"
)

// SeriesKind distinguishes price bars from derived indicator values.
type SeriesKind string

const (
	KindKline     SeriesKind = "kline"
	KindIndicator SeriesKind = "indicator"
)

// -----------------------------------------------------------------------------

// Param is one indicator configuration entry, e.g. period=20.
type Param struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// -----------------------------------------------------------------------------

// SeriesKey identifies one logical time series.
//
// Canonical forms:
//
//	BTCUSDT@1m
//	BTCUSDT@1m:BOLL(period=20,std=2)
type SeriesKey struct {
	Kind      SeriesKind `json:"kind"`
	Symbol    string     `json:"symbol"`
	Interval  string     `json:"interval"`
	Indicator string     `json:"indicator,omitempty"`
	Params    []Param    `json:"params,omitempty"`
}

// -----------------------------------------------------------------------------

// NewKlineKey builds the key of a kline series.
func NewKlineKey(symbol, interval string) SeriesKey {
	return SeriesKey{Kind: KindKline, Symbol: symbol, Interval: interval}
}

// -----------------------------------------------------------------------------

// NewIndicatorKey builds the key of an indicator series. Params are sorted by
// name so that equal configurations produce equal keys.
func NewIndicatorKey(symbol, interval, indicator string, params map[string]string) SeriesKey {
	key := SeriesKey{Kind: KindIndicator, Symbol: symbol, Interval: interval, Indicator: indicator}
	for name, value := range params {
		key.Params = append(key.Params, Param{Name: name, Value: value})
	}
	sort.Slice(key.Params, func(i, j int) bool { return key.Params[i].Name < key.Params[j].Name })
	return key
}

// -----------------------------------------------------------------------------

// String returns the canonical form.
func (k SeriesKey) String() string {
	base := k.Symbol + "@" + k.Interval
	if k.Kind != KindIndicator {
		return base
	}

	parts := make([]string, 0, len(k.Params))
	for _, p := range k.Params {
		parts = append(parts, p.Name+"="+p.Value)
	}
	return fmt.Sprintf("%s:%s(%s)", base, k.Indicator, strings.Join(parts, ","))
}

// -----------------------------------------------------------------------------

// KlineKey returns the key of the kline series this series is derived from.
func (k SeriesKey) KlineKey() SeriesKey {
	return NewKlineKey(k.Symbol, k.Interval)
}

// -----------------------------------------------------------------------------

// ParseSeriesKey parses the canonical form back into a SeriesKey.
func ParseSeriesKey(s string) (SeriesKey, error) {
	var key SeriesKey

	at := strings.Index(s, "@")
	if at <= 0 {
		return key, fmt.Errorf("series key %q: missing symbol@interval", s)
	}
	key.Symbol = s[:at]
	rest := s[at+1:]

	colon := strings.Index(rest, ":")
	if colon < 0 {
		if rest == "" {
			return key, fmt.Errorf("series key %q: empty interval", s)
		}
		key.Kind = KindKline
		key.Interval = rest
		return key, nil
	}

	key.Kind = KindIndicator
	key.Interval = rest[:colon]
	if key.Interval == "" {
		return key, fmt.Errorf("series key %q: empty interval", s)
	}

	ind := rest[colon+1:]
	open := strings.Index(ind, "(")
	if open <= 0 || !strings.HasSuffix(ind, ")") {
		return key, fmt.Errorf("series key %q: malformed indicator %q", s, ind)
	}
	key.Indicator = ind[:open]

	body := ind[open+1 : len(ind)-1]
	if body == "" {
		return key, nil
	}
	for _, pair := range strings.Split(body, ",") {
		eq := strings.Index(pair, "=")
		if eq <= 0 {
			return key, fmt.Errorf("series key %q: malformed param %q", s, pair)
		}
		key.Params = append(key.Params, Param{Name: pair[:eq], Value: pair[eq+1:]})
	}
	sort.Slice(key.Params, func(i, j int) bool { return key.Params[i].Name < key.Params[j].Name })
	return key, nil
}

// -----------------------------------------------------------------------------

// BufferID addresses one ordered buffer inside a store: a series key plus an
// optional value channel for multi-value indicators ("upper", "lower", ...).
type BufferID struct {
	Series  string `json:"series"`
	Channel string `json:"channel,omitempty"`
}

func (b BufferID) String() string {
	if b.Channel == "" {
		return b.Series
	}
	return b.Series + "/" + b.Channel
}
