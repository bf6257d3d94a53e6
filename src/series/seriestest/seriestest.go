// Package seriestest provides in-memory collaborators for exercising series
// stores: a config store, a routed feed and a recording chart view.
package seriestest

import (
	"context"
	"fmt"
	"sync"

	"chart-sync/src/interfaces"
	"chart-sync/src/models"
	"chart-sync/src/stream"
)

// -----------------------------------------------------------------------------
// Config store
// -----------------------------------------------------------------------------

type ConfigStore struct {
	mu      sync.Mutex
	configs map[int64]*models.ChartConfig
	Err     error
}

func NewConfigStore(configs ...*models.ChartConfig) *ConfigStore {
	c := &ConfigStore{configs: make(map[int64]*models.ChartConfig)}
	for _, cfg := range configs {
		c.Put(cfg)
	}
	return c
}

func (c *ConfigStore) Put(cfg *models.ChartConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	copied := *cfg
	c.configs[cfg.ChartID] = &copied
}

func (c *ConfigStore) GetChartConfig(_ context.Context, chartID int64) (*models.ChartConfig, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return nil, c.Err
	}
	cfg, ok := c.configs[chartID]
	if !ok {
		return nil, nil
	}
	copied := *cfg
	return &copied, nil
}

var _ interfaces.IConfigStore = (*ConfigStore)(nil)

// -----------------------------------------------------------------------------
// Feed
// -----------------------------------------------------------------------------

// Feed routes published payloads to subscribers of the same key.
type Feed struct {
	mu         sync.Mutex
	size       int
	klines     map[string]*stream.Hub[[]models.Point]
	indicators map[string]*stream.Hub[map[string][]models.Point]
}

func NewFeed() *Feed {
	return NewFeedSize(256)
}

// NewFeedSize builds a feed whose per-key hubs buffer size payloads per
// subscriber; a subscriber that falls further behind is evicted.
func NewFeedSize(size int) *Feed {
	return &Feed{
		size:       size,
		klines:     make(map[string]*stream.Hub[[]models.Point]),
		indicators: make(map[string]*stream.Hub[map[string][]models.Point]),
	}
}

func (f *Feed) klineHub(key string) *stream.Hub[[]models.Point] {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.klines[key]
	if !ok {
		h = stream.NewHub[[]models.Point]("kline."+key, f.size, nil)
		f.klines[key] = h
	}
	return h
}

func (f *Feed) indicatorHub(key string) *stream.Hub[map[string][]models.Point] {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.indicators[key]
	if !ok {
		h = stream.NewHub[map[string][]models.Point]("indicator."+key, f.size, nil)
		f.indicators[key] = h
	}
	return h
}

func (f *Feed) KlineStream(ctx context.Context, key string) *stream.Subscription[[]models.Point] {
	return f.klineHub(key).Subscription(ctx)
}

func (f *Feed) IndicatorStream(ctx context.Context, key string) *stream.Subscription[map[string][]models.Point] {
	return f.indicatorHub(key).Subscription(ctx)
}

// PublishKline sends points to every subscriber of a kline key.
func (f *Feed) PublishKline(key string, points ...models.Point) {
	f.klineHub(key).Broadcast(points)
}

// PublishIndicator sends channel values to every subscriber of an indicator key.
func (f *Feed) PublishIndicator(key string, channels map[string][]models.Point) {
	f.indicatorHub(key).Broadcast(channels)
}

// Subscribers counts live subscriptions of a key across both kinds.
func (f *Feed) Subscribers(key string) int {
	return f.klineHub(key).Len() + f.indicatorHub(key).Len()
}

// -----------------------------------------------------------------------------
// View
// -----------------------------------------------------------------------------

// Sink records every operation it receives.
type Sink struct {
	mu     sync.Mutex
	ops    []string
	points []models.Point
}

func (s *Sink) SetFullSeries(points []models.Point) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, fmt.Sprintf("set_full(%d)", len(points)))
	s.points = append([]models.Point(nil), points...)
}

func (s *Sink) AppendPoint(p models.Point) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, fmt.Sprintf("append(%d)", p.Time))
	s.points = append(s.points, p)
}

func (s *Sink) UpdateLastPoint(p models.Point) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, fmt.Sprintf("update_last(%d)", p.Time))
	if len(s.points) > 0 {
		s.points[len(s.points)-1] = p
	}
}

// Ops returns the recorded operations.
func (s *Sink) Ops() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ops...)
}

// Points returns what the sink currently renders.
func (s *Sink) Points() []models.Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Point(nil), s.points...)
}

// Reset forgets recorded operations.
func (s *Sink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = nil
}

// View is a chart view with a settable visible range.
type View struct {
	mu      sync.Mutex
	sinks   map[models.BufferID]*Sink
	rng     *models.LogicalRange
	nextID  int
	watches map[int]func(models.LogicalRange)
}

func NewView() *View {
	return &View{
		sinks:   make(map[models.BufferID]*Sink),
		watches: make(map[int]func(models.LogicalRange)),
	}
}

func (v *View) Sink(id models.BufferID) interfaces.IViewSink {
	return v.SinkOf(id)
}

// SinkOf returns the recording sink of a buffer, creating it on first use.
func (v *View) SinkOf(id models.BufferID) *Sink {
	v.mu.Lock()
	defer v.mu.Unlock()
	s, ok := v.sinks[id]
	if !ok {
		s = &Sink{}
		v.sinks[id] = s
	}
	return s
}

func (v *View) GetVisibleLogicalRange() *models.LogicalRange {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.rng == nil {
		return nil
	}
	r := *v.rng
	return &r
}

func (v *View) OnVisibleRangeChanged(cb func(models.LogicalRange)) func() {
	v.mu.Lock()
	defer v.mu.Unlock()
	id := v.nextID
	v.nextID++
	v.watches[id] = cb
	return func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		delete(v.watches, id)
	}
}

// Scroll sets the visible range and notifies watchers synchronously.
func (v *View) Scroll(from, to float64) {
	v.mu.Lock()
	v.rng = &models.LogicalRange{From: from, To: to}
	cbs := make([]func(models.LogicalRange), 0, len(v.watches))
	for _, cb := range v.watches {
		cbs = append(cbs, cb)
	}
	v.mu.Unlock()

	for _, cb := range cbs {
		cb(models.LogicalRange{From: from, To: to})
	}
}

// Watchers counts registered range callbacks.
func (v *View) Watchers() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.watches)
}

var _ interfaces.IChartView = (*View)(nil)

// -----------------------------------------------------------------------------
// Points
// -----------------------------------------------------------------------------

// Bars builds kline points at times from, from+step, ... (n points).
func Bars(from, step int64, n int) []models.Point {
	points := make([]models.Point, 0, n)
	for i := 0; i < n; i++ {
		t := from + int64(i)*step
		points = append(points, models.NewBarPoint(t, models.Bar{Open: 1, High: 2, Low: 0.5, Close: float64(t), Volume: 1}))
	}
	return points
}

// Times extracts point times.
func Times(points []models.Point) []int64 {
	out := make([]int64, len(points))
	for i, p := range points {
		out[i] = p.Time
	}
	return out
}
