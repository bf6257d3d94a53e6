package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// DatetimeLayout is the zone-less datetime form used by the backend (UTC).
const DatetimeLayout = "2006-01-02 15:04:05"

// WirePoint is one raw point as sent by the push channel and the history
// endpoint. A point is timed by either timestamp or datetime and carries
// either OHLCV fields, a single value, or a map of channel values.
type WirePoint struct {
	Timestamp json.RawMessage    `json:"timestamp,omitempty"`
	Datetime  string             `json:"datetime,omitempty"`
	Open      *float64           `json:"open,omitempty"`
	High      *float64           `json:"high,omitempty"`
	Low       *float64           `json:"low,omitempty"`
	Close     *float64           `json:"close,omitempty"`
	Volume    *float64           `json:"volume,omitempty"`
	Value     *float64           `json:"value,omitempty"`
	Values    map[string]float64 `json:"values,omitempty"`
}

// -----------------------------------------------------------------------------

// Time resolves the point time in unix seconds.
func (w WirePoint) Time() (int64, error) {
	if len(w.Timestamp) > 0 && !bytes.Equal(w.Timestamp, []byte("null")) {
		return ParseTimestamp(w.Timestamp)
	}
	if w.Datetime != "" {
		return ParseDatetime(w.Datetime)
	}
	return 0, fmt.Errorf("point has neither timestamp nor datetime")
}

// -----------------------------------------------------------------------------

// Record converts the wire point into a history record.
func (w WirePoint) Record() (HistoryRecord, error) {
	t, err := w.Time()
	if err != nil {
		return HistoryRecord{}, err
	}

	rec := HistoryRecord{Time: t}
	switch {
	case w.Close != nil:
		bar := Bar{Close: *w.Close}
		if w.Open != nil {
			bar.Open = *w.Open
		}
		if w.High != nil {
			bar.High = *w.High
		}
		if w.Low != nil {
			bar.Low = *w.Low
		}
		if w.Volume != nil {
			bar.Volume = *w.Volume
		}
		rec.Bar = &bar
	case w.Value != nil:
		rec.Values = map[string]float64{"": *w.Value}
	case len(w.Values) > 0:
		rec.Values = w.Values
	default:
		return HistoryRecord{}, fmt.Errorf("point at %d carries no value", t)
	}
	return rec, nil
}

// -----------------------------------------------------------------------------

// Point converts the wire point into a single-channel buffer point.
func (w WirePoint) Point() (Point, error) {
	rec, err := w.Record()
	if err != nil {
		return Point{}, err
	}
	if rec.Bar != nil {
		return NewBarPoint(rec.Time, *rec.Bar), nil
	}
	if v, ok := rec.Values[""]; ok {
		return Point{Time: rec.Time, Value: v}, nil
	}
	return Point{}, fmt.Errorf("point at %d has channel values, expected one value", rec.Time)
}

// -----------------------------------------------------------------------------

// NewWirePoint renders a history record back into wire form.
func NewWirePoint(rec HistoryRecord) WirePoint {
	w := WirePoint{Timestamp: json.RawMessage(strconv.FormatInt(rec.Time, 10))}
	if rec.Bar != nil {
		b := *rec.Bar
		w.Open, w.High, w.Low, w.Close, w.Volume = &b.Open, &b.High, &b.Low, &b.Close, &b.Volume
		return w
	}
	if v, ok := rec.Values[""]; ok && len(rec.Values) == 1 {
		w.Value = &v
		return w
	}
	w.Values = rec.Values
	return w
}

// -----------------------------------------------------------------------------

// ParseTimestamp accepts unix seconds or milliseconds, as a JSON number or a
// numeric string. Values above 1e12 are taken as milliseconds.
func ParseTimestamp(raw json.RawMessage) (int64, error) {
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, fmt.Errorf("invalid timestamp %s", raw)
		}
		if f, err = strconv.ParseFloat(s, 64); err != nil {
			return 0, fmt.Errorf("invalid timestamp %q", s)
		}
	}
	if f > 1e12 {
		f /= 1000
	}
	return int64(f), nil
}

// -----------------------------------------------------------------------------

// ParseDatetime accepts RFC3339 or DatetimeLayout (UTC).
func ParseDatetime(s string) (int64, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.Unix(), nil
	}
	t, err := time.ParseInLocation(DatetimeLayout, s, time.UTC)
	if err != nil {
		return 0, fmt.Errorf("invalid datetime %q", s)
	}
	return t.Unix(), nil
}

// -----------------------------------------------------------------------------

// FormatBefore renders a history cursor for the request channel. Zero means
// "latest page" and renders empty.
func FormatBefore(t int64) string {
	if t == 0 {
		return ""
	}
	return time.Unix(t, 0).UTC().Format(time.RFC3339)
}
