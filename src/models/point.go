package models

// Bar is one OHLCV candle.
type Bar struct {
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// -----------------------------------------------------------------------------

// Point is one entry of a series buffer. Time is unix seconds.
// Kline points carry Bar with Value set to the close price.
type Point struct {
	Time  int64   `json:"time"`
	Value float64 `json:"value"`
	Bar   *Bar    `json:"bar,omitempty"`
}

// NewBarPoint builds a kline point.
func NewBarPoint(t int64, bar Bar) Point {
	return Point{Time: t, Value: bar.Close, Bar: &bar}
}

// -----------------------------------------------------------------------------

// HistoryRecord is one row of a history page. Kline rows carry Bar, indicator
// rows carry one value per channel (the empty channel for single-value
// indicators).
type HistoryRecord struct {
	Time   int64              `json:"time"`
	Bar    *Bar               `json:"bar,omitempty"`
	Values map[string]float64 `json:"values,omitempty"`
}

// Point projects the record onto the buffer of one channel. ok is false when
// the record has no value for it.
func (r HistoryRecord) Point(channel string) (Point, bool) {
	if r.Bar != nil && channel == "" {
		return NewBarPoint(r.Time, *r.Bar), true
	}
	v, ok := r.Values[channel]
	if !ok {
		return Point{}, false
	}
	return Point{Time: r.Time, Value: v}, true
}

// -----------------------------------------------------------------------------

// HistoryRequest asks for one page of points at or before Before.
// A zero Before means the latest page.
type HistoryRequest struct {
	SeriesID string
	Before   int64
	Limit    int
}

// -----------------------------------------------------------------------------

// LogicalRange is the visible window in the view's logical index space,
// where 0 is the first loaded bar.
type LogicalRange struct {
	From float64 `json:"from"`
	To   float64 `json:"to"`
}
