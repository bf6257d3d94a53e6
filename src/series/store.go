package series

import (
	"context"
	"sort"
	"sync"
	"time"

	"chart-sync/src/helpers"
	"chart-sync/src/interfaces"
	"chart-sync/src/logger"
	"chart-sync/src/models"
	"chart-sync/src/stream"
)

// Feed supplies the live routing streams a store subscribes to.
type Feed interface {
	KlineStream(ctx context.Context, key string) *stream.Subscription[[]models.Point]
	IndicatorStream(ctx context.Context, key string) *stream.Subscription[map[string][]models.Point]
}

const (
	defaultResubscribeDelay = time.Second
	maxResubscribeDelay     = 30 * time.Second
)

// Options tune a store.
type Options struct {
	// SuppressMainPaneZero drops exact-zero values of main-pane indicators.
	SuppressMainPaneZero bool

	// ResubscribeDelay is the first wait before a live stream that ended on
	// its own is opened again. It doubles per attempt up to 30s; zero means 1s.
	ResubscribeDelay time.Duration
}

type buffer struct {
	id       models.BufferID
	points   []models.Point
	sink     interfaces.IViewSink
	mainPane bool
}

// subscription is the live routing subscription of one series key.
type subscription struct {
	key       string
	indicator bool
	close     func()

	// attempt counts resubscriptions since the key last delivered data.
	attempt int
	retry   *time.Timer
}

func (sub *subscription) stop() {
	if sub.retry != nil {
		sub.retry.Stop()
	}
	sub.close()
}

// -----------------------------------------------------------------------------

// Store holds every series buffer of one chart and keeps them consistent with
// the live feed and with backfilled history. All mutations go through the
// merge rules in merge.go; sink calls happen under the store lock so a view
// sees operations in merge order.
type Store struct {
	chartID int64
	configs interfaces.IConfigStore
	feed    Feed
	opts    Options
	log     *logger.Logger

	mu         sync.Mutex
	config     *models.ChartConfig
	buffers    map[models.BufferID]*buffer
	visible    map[string]bool
	subs       map[string]*subscription
	views      []interfaces.IChartView
	generation uint64
	released   bool
}

// -----------------------------------------------------------------------------

// NewStore builds an empty store. Call SyncChartConfig to load the chart's
// series and subscribe to them.
func NewStore(chartID int64, configs interfaces.IConfigStore, feed Feed, opts Options, log *logger.Logger) *Store {
	if log == nil {
		log = logger.NewNopLogger("series")
	}
	if opts.ResubscribeDelay <= 0 {
		opts.ResubscribeDelay = defaultResubscribeDelay
	}
	return &Store{
		chartID: chartID,
		configs: configs,
		feed:    feed,
		opts:    opts,
		log:     log.With("chartId", chartID),
		buffers: make(map[models.BufferID]*buffer),
		visible: make(map[string]bool),
		subs:    make(map[string]*subscription),
	}
}

// -----------------------------------------------------------------------------

func (s *Store) ChartID() int64 { return s.chartID }

// -----------------------------------------------------------------------------

// SyncChartConfig re-reads the chart config and reconciles buffers and live
// subscriptions with it. Subscriptions of removed series are released before
// subscriptions of added series are created.
func (s *Store) SyncChartConfig(ctx context.Context) error {
	cfg, err := s.configs.GetChartConfig(ctx, s.chartID)
	if err != nil {
		return helpers.NewError(helpers.KindStorage, err, "load config of chart %d", s.chartID)
	}
	if cfg == nil {
		return helpers.Wrap(helpers.ErrUnknownChart, "chart %d", s.chartID)
	}
	if err := cfg.Validate(); err != nil {
		return helpers.NewError(helpers.KindConfig, err, "chart %d", s.chartID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return helpers.Wrap(helpers.ErrStoreReleased, "chart %d", s.chartID)
	}

	wanted := make(map[models.BufferID]bool)
	keys := make(map[string]bool)
	for _, key := range cfg.SeriesKeys() {
		keys[key] = true
	}

	// 1. Release removed series
	for key, sub := range s.subs {
		if !keys[key] {
			sub.stop()
			delete(s.subs, key)
			s.log.Info("unsubscribed %s", key)
		}
	}

	// 2. Reconcile buffers
	s.ensureBuffer(models.BufferID{Series: cfg.Kline}, false, wanted)
	for _, ind := range cfg.Indicators {
		for _, ch := range ind.ChannelNames() {
			s.ensureBuffer(models.BufferID{Series: ind.Key, Channel: ch}, ind.Pane == models.PaneMain, wanted)
		}
	}
	for id, b := range s.buffers {
		if !wanted[id] {
			b.sink.SetFullSeries(nil)
			delete(s.buffers, id)
		}
	}
	for key := range s.visible {
		if !keys[key] {
			delete(s.visible, key)
		}
	}
	s.config = cfg

	// 3. Subscribe added series
	if _, ok := s.subs[cfg.Kline]; !ok {
		s.subscribeKline(cfg.Kline, 0)
	}
	for _, ind := range cfg.Indicators {
		if _, ok := s.subs[ind.Key]; !ok {
			s.subscribeIndicator(ind.Key, 0)
		}
	}

	return nil
}

// -----------------------------------------------------------------------------

func (s *Store) ensureBuffer(id models.BufferID, mainPane bool, wanted map[models.BufferID]bool) {
	wanted[id] = true
	if b, ok := s.buffers[id]; ok {
		b.mainPane = mainPane
		return
	}
	s.buffers[id] = &buffer{id: id, sink: s.sinkFor(id), mainPane: mainPane}
	if _, ok := s.visible[id.Series]; !ok {
		s.visible[id.Series] = true
	}
}

// -----------------------------------------------------------------------------

func (s *Store) subscribeKline(key string, attempt int) {
	ctx, cancel := context.WithCancel(context.Background())
	src := s.feed.KlineStream(ctx, key)
	sub := &subscription{key: key, attempt: attempt, close: func() { cancel(); src.Close() }}
	s.subs[key] = sub

	go func() {
		for points := range src.C {
			s.applyLive(sub, map[string][]models.Point{"": points})
		}
		s.streamEnded(sub)
	}()
	s.log.Info("subscribed %s", key)
}

// -----------------------------------------------------------------------------

func (s *Store) subscribeIndicator(key string, attempt int) {
	ctx, cancel := context.WithCancel(context.Background())
	src := s.feed.IndicatorStream(ctx, key)
	sub := &subscription{key: key, indicator: true, attempt: attempt, close: func() { cancel(); src.Close() }}
	s.subs[key] = sub

	go func() {
		for channels := range src.C {
			s.applyLive(sub, channels)
		}
		s.streamEnded(sub)
	}()
	s.log.Info("subscribed %s", key)
}

// -----------------------------------------------------------------------------

// streamEnded handles a live stream that closed while its subscription is
// still current, e.g. after the upstream evicted it for lagging. The key is
// subscribed again after a backoff delay.
func (s *Store) streamEnded(sub *subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released || s.subs[sub.key] != sub || sub.retry != nil {
		return
	}

	delay := s.opts.ResubscribeDelay << min(sub.attempt, 5)
	if delay > maxResubscribeDelay {
		delay = maxResubscribeDelay
	}
	s.log.Warning("live stream of %s ended, resubscribing in %v", sub.key, delay)

	sub.retry = time.AfterFunc(delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		if s.released || s.subs[sub.key] != sub {
			return
		}
		sub.close()
		if sub.indicator {
			s.subscribeIndicator(sub.key, sub.attempt+1)
		} else {
			s.subscribeKline(sub.key, sub.attempt+1)
		}
	})
}

// -----------------------------------------------------------------------------

// applyLive merges a routed payload unless its subscription was released in
// the meantime.
func (s *Store) applyLive(sub *subscription, channels map[string][]models.Point) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released || s.subs[sub.key] != sub {
		return
	}
	sub.attempt = 0
	s.mergeBatch(sub.key, channels)
}

// -----------------------------------------------------------------------------

// OnNewPoint merges one live point into a buffer. An out-of-order point is
// logged, discarded and reported as ErrOutOfOrder.
func (s *Store) OnNewPoint(id models.BufferID, p models.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return nil
	}
	return s.mergeOne(id, p)
}

// -----------------------------------------------------------------------------

// OnNewBatch merges points per value channel of one series, each channel
// independently and in order. Kline batches use the unnamed channel.
func (s *Store) OnNewBatch(key string, channels map[string][]models.Point) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return
	}
	s.mergeBatch(key, channels)
}

// -----------------------------------------------------------------------------

func (s *Store) mergeBatch(key string, channels map[string][]models.Point) {
	names := make([]string, 0, len(channels))
	for ch := range channels {
		names = append(names, ch)
	}
	sort.Strings(names)

	for _, ch := range names {
		id := models.BufferID{Series: key, Channel: ch}
		for _, p := range channels[ch] {
			_ = s.mergeOne(id, p)
		}
	}
}

// -----------------------------------------------------------------------------

func (s *Store) mergeOne(id models.BufferID, p models.Point) error {
	b, ok := s.buffers[id]
	if !ok {
		s.log.Debug("dropping point for unregistered buffer %s", id)
		return nil
	}
	if s.suppressed(b, p) {
		return nil
	}

	var op mergeOp
	b.points, op = mergePoint(b.points, p)

	switch op {
	case opAppend:
		if s.visible[id.Series] {
			b.sink.AppendPoint(p)
		}
	case opUpdateLast:
		if s.visible[id.Series] {
			b.sink.UpdateLastPoint(p)
		}
	case opRejected:
		err := helpers.Wrap(helpers.ErrOutOfOrder, "%s: point %d before last %d", id, p.Time, b.points[len(b.points)-1].Time)
		s.log.Warning("%v", err)
		return err
	}
	return nil
}

// -----------------------------------------------------------------------------

func (s *Store) suppressed(b *buffer, p models.Point) bool {
	return s.opts.SuppressMainPaneZero && b.mainPane && p.Bar == nil && p.Value == 0
}

func (s *Store) filter(b *buffer, points []models.Point) []models.Point {
	if !s.opts.SuppressMainPaneZero || !b.mainPane {
		return points
	}
	out := points[:0:0]
	for _, p := range points {
		if !s.suppressed(b, p) {
			out = append(out, p)
		}
	}
	return out
}

// -----------------------------------------------------------------------------

// SetFullHistory replaces a buffer wholesale. The sink is reset with the new
// content before anything else is rendered.
func (s *Store) SetFullHistory(id models.BufferID, points []models.Point) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return
	}
	s.setFull(id, points)
}

// -----------------------------------------------------------------------------

func (s *Store) setFull(id models.BufferID, points []models.Point) bool {
	b, ok := s.buffers[id]
	if !ok {
		s.log.Debug("dropping history for unregistered buffer %s", id)
		return false
	}
	b.points = s.filter(b, normalize(points))
	s.render(b)
	return true
}

// -----------------------------------------------------------------------------

// InstallRecords replaces every buffer of a series with a history page, as
// long as the store is still at generation gen.
func (s *Store) InstallRecords(gen uint64, key string, records []models.HistoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkGeneration(gen); err != nil {
		return err
	}
	for _, id := range s.bufferIDs(key) {
		s.setFull(id, project(records, id.Channel))
	}
	return nil
}

// -----------------------------------------------------------------------------

// PrependHistory merges older points in front of a buffer and pushes the whole
// buffer to the sink. It returns how many points were added.
func (s *Store) PrependHistory(gen uint64, id models.BufferID, points []models.Point) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkGeneration(gen); err != nil {
		return 0, err
	}
	return s.prepend(id, points), nil
}

// -----------------------------------------------------------------------------

// PrependRecords is PrependHistory for every buffer of a series at once.
func (s *Store) PrependRecords(gen uint64, key string, records []models.HistoryRecord) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkGeneration(gen); err != nil {
		return 0, err
	}
	added := 0
	for _, id := range s.bufferIDs(key) {
		added += s.prepend(id, project(records, id.Channel))
	}
	return added, nil
}

// -----------------------------------------------------------------------------

func (s *Store) prepend(id models.BufferID, points []models.Point) int {
	b, ok := s.buffers[id]
	if !ok {
		return 0
	}

	var added int
	b.points, added = prepend(b.points, s.filter(b, points))
	if added > 0 {
		s.render(b)
	}
	return added
}

// -----------------------------------------------------------------------------

func (s *Store) checkGeneration(gen uint64) error {
	if s.released {
		return helpers.Wrap(helpers.ErrStoreReleased, "chart %d", s.chartID)
	}
	if gen != s.generation {
		return helpers.Wrap(helpers.ErrStaleGeneration, "chart %d: generation %d, now %d", s.chartID, gen, s.generation)
	}
	return nil
}

// -----------------------------------------------------------------------------

// render pushes the whole buffer to the sink of a visible series.
func (s *Store) render(b *buffer) {
	if !s.visible[b.id.Series] {
		return
	}
	b.sink.SetFullSeries(copyPoints(b.points))
}

// -----------------------------------------------------------------------------

// SetVisible toggles what is forwarded to the view for one series. Hiding
// clears the rendered series; showing again re-sends the full buffer.
func (s *Store) SetVisible(key string, visible bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.visible[key]; !ok || s.visible[key] == visible {
		return
	}
	s.visible[key] = visible

	for _, id := range s.bufferIDs(key) {
		b := s.buffers[id]
		if visible {
			b.sink.SetFullSeries(copyPoints(b.points))
		} else {
			b.sink.SetFullSeries(nil)
		}
	}
}

// -----------------------------------------------------------------------------

func (s *Store) IsVisible(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visible[key]
}

// -----------------------------------------------------------------------------

// AttachView adds a view to the store and renders what is already loaded to
// it. Every attached view receives every later sink operation. Attaching the
// same view twice is a no-op.
func (s *Store) AttachView(view interfaces.IChartView) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, v := range s.views {
		if v == view {
			return
		}
	}
	s.views = append(s.views, view)
	for _, b := range s.buffers {
		b.sink = s.sinkFor(b.id)
		if s.visible[b.id.Series] {
			view.Sink(b.id).SetFullSeries(copyPoints(b.points))
		}
	}
}

// -----------------------------------------------------------------------------

// DetachView removes one view. Unknown views are ignored.
func (s *Store) DetachView(view interfaces.IChartView) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, v := range s.views {
		if v == view {
			s.views = append(s.views[:i:i], s.views[i+1:]...)
			break
		}
	}
	for _, b := range s.buffers {
		b.sink = s.sinkFor(b.id)
	}
}

// -----------------------------------------------------------------------------

// Views returns the attached views in attach order.
func (s *Store) Views() []interfaces.IChartView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]interfaces.IChartView(nil), s.views...)
}

// -----------------------------------------------------------------------------

func (s *Store) sinkFor(id models.BufferID) interfaces.IViewSink {
	switch len(s.views) {
	case 0:
		return nullSink{}
	case 1:
		return s.views[0].Sink(id)
	}
	sinks := make(multiSink, 0, len(s.views))
	for _, v := range s.views {
		sinks = append(sinks, v.Sink(id))
	}
	return sinks
}

// -----------------------------------------------------------------------------

// Reset empties every buffer and starts a new generation, which makes any
// in-flight history fetch stale.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.generation++
	for _, b := range s.buffers {
		b.points = nil
		b.sink.SetFullSeries(nil)
	}
}

// -----------------------------------------------------------------------------

// Close releases every routing subscription and detaches every view. The store
// ignores every later mutation.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return
	}
	s.released = true
	s.generation++
	for key, sub := range s.subs {
		sub.stop()
		delete(s.subs, key)
	}
	s.views = nil
	for _, b := range s.buffers {
		b.sink = nullSink{}
	}
	s.log.Info("store released")
}

// -----------------------------------------------------------------------------

func (s *Store) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

func (s *Store) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// -----------------------------------------------------------------------------

// Config returns the cached chart config, nil before the first sync.
func (s *Store) Config() *models.ChartConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

// -----------------------------------------------------------------------------

// SeriesKeys lists the series of the cached config, kline first.
func (s *Store) SeriesKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.config == nil {
		return nil
	}
	return s.config.SeriesKeys()
}

// -----------------------------------------------------------------------------

// VisibleSeriesKeys is SeriesKeys restricted to visible series.
func (s *Store) VisibleSeriesKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.config == nil {
		return nil
	}
	var keys []string
	for _, key := range s.config.SeriesKeys() {
		if s.visible[key] {
			keys = append(keys, key)
		}
	}
	return keys
}

// -----------------------------------------------------------------------------

// SubscribedKeys lists the series with a live subscription, sorted.
func (s *Store) SubscribedKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.subs))
	for key := range s.subs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// -----------------------------------------------------------------------------

// BufferIDs lists every buffer, sorted by series then channel.
func (s *Store) BufferIDs() []models.BufferID {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]models.BufferID, 0, len(s.buffers))
	for id := range s.buffers {
		ids = append(ids, id)
	}
	sortIDs(ids)
	return ids
}

// -----------------------------------------------------------------------------

// bufferIDs lists the buffers of one series. Caller holds the lock.
func (s *Store) bufferIDs(key string) []models.BufferID {
	var ids []models.BufferID
	for id := range s.buffers {
		if id.Series == key {
			ids = append(ids, id)
		}
	}
	sortIDs(ids)
	return ids
}

// -----------------------------------------------------------------------------

// Snapshot copies one buffer.
func (s *Store) Snapshot(id models.BufferID) []models.Point {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buffers[id]
	if !ok {
		return nil
	}
	return copyPoints(b.points)
}

// -----------------------------------------------------------------------------

// EarliestTime is the oldest loaded time across the buffers of a series.
// ok is false while nothing is loaded.
func (s *Store) EarliestTime(key string) (earliest int64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.bufferIDs(key) {
		b := s.buffers[id]
		if len(b.points) == 0 {
			continue
		}
		if !ok || b.points[0].Time < earliest {
			earliest, ok = b.points[0].Time, true
		}
	}
	return earliest, ok
}

// -----------------------------------------------------------------------------

func project(records []models.HistoryRecord, channel string) []models.Point {
	points := make([]models.Point, 0, len(records))
	for _, rec := range records {
		if p, ok := rec.Point(channel); ok {
			points = append(points, p)
		}
	}
	return points
}

func copyPoints(points []models.Point) []models.Point {
	out := make([]models.Point, len(points))
	copy(out, points)
	return out
}

func sortIDs(ids []models.BufferID) {
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].Series != ids[j].Series {
			return ids[i].Series < ids[j].Series
		}
		return ids[i].Channel < ids[j].Channel
	})
}
