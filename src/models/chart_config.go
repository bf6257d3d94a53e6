package models

// Pane tells whether an indicator overlays the price pane or gets its own.
type Pane string

const (
	PaneMain Pane = "main"
	PaneSub  Pane = "sub"
)

// -----------------------------------------------------------------------------

// ChannelStyle holds the visual parameters of one indicator value channel.
// They are only forwarded to the view.
type ChannelStyle struct {
	Name      string `json:"name"`
	Color     string `json:"color,omitempty"`
	LineWidth int    `json:"lineWidth,omitempty"`
}

// IndicatorSeries is one indicator drawn on a chart.
type IndicatorSeries struct {
	Key      string         `json:"key"`
	Pane     Pane           `json:"pane"`
	Channels []ChannelStyle `json:"channels,omitempty"`
}

// ChannelNames lists the value channels of the indicator. A single-value
// indicator has one unnamed channel.
func (i IndicatorSeries) ChannelNames() []string {
	if len(i.Channels) == 0 {
		return []string{""}
	}
	names := make([]string, 0, len(i.Channels))
	for _, c := range i.Channels {
		names = append(names, c.Name)
	}
	return names
}

// -----------------------------------------------------------------------------

// ChartConfig declares which series belong to a chart.
type ChartConfig struct {
	ChartID    int64             `json:"chartId"`
	Kline      string            `json:"kline"`
	Indicators []IndicatorSeries `json:"indicators,omitempty"`
}

// SeriesKeys lists the kline key followed by every indicator key.
func (c *ChartConfig) SeriesKeys() []string {
	keys := make([]string, 0, 1+len(c.Indicators))
	keys = append(keys, c.Kline)
	for _, ind := range c.Indicators {
		keys = append(keys, ind.Key)
	}
	return keys
}

// Indicator finds an indicator by key.
func (c *ChartConfig) Indicator(key string) (IndicatorSeries, bool) {
	for _, ind := range c.Indicators {
		if ind.Key == key {
			return ind, true
		}
	}
	return IndicatorSeries{}, false
}

// Validate checks that every key parses and has the expected kind.
func (c *ChartConfig) Validate() error {
	k, err := ParseSeriesKey(c.Kline)
	if err != nil {
		return err
	}
	if k.Kind != KindKline {
		return &KeyKindError{Key: c.Kline, Want: KindKline}
	}
	for _, ind := range c.Indicators {
		k, err := ParseSeriesKey(ind.Key)
		if err != nil {
			return err
		}
		if k.Kind != KindIndicator {
			return &KeyKindError{Key: ind.Key, Want: KindIndicator}
		}
	}
	return nil
}

// KeyKindError reports a series key of the wrong kind.
type KeyKindError struct {
	Key  string
	Want SeriesKind
}

func (e *KeyKindError) Error() string {
	return "series key " + e.Key + " is not a " + string(e.Want) + " key"
}
