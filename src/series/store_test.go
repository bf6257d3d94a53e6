package series

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"chart-sync/src/helpers"
	"chart-sync/src/models"
	"chart-sync/src/series/seriestest"
	"chart-sync/src/stream"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	klineKey = "BTCUSDT@1m"
	bollKey  = "BTCUSDT@1m:BOLL(period=20,std=2)"
	rsiKey   = "BTCUSDT@1m:RSI(period=14)"
)

var klineID = models.BufferID{Series: klineKey}

func chartConfig(id int64) *models.ChartConfig {
	return &models.ChartConfig{
		ChartID: id,
		Kline:   klineKey,
		Indicators: []models.IndicatorSeries{
			{Key: bollKey, Pane: models.PaneMain, Channels: []models.ChannelStyle{{Name: "upper"}, {Name: "middle"}, {Name: "lower"}}},
			{Key: rsiKey, Pane: models.PaneSub},
		},
	}
}

func newTestStore(t *testing.T, opts Options) (*Store, *seriestest.Feed, *seriestest.View) {
	t.Helper()
	feed := seriestest.NewFeed()
	store := NewStore(7, seriestest.NewConfigStore(chartConfig(7)), feed, opts, nil)
	require.NoError(t, store.SyncChartConfig(context.Background()))
	view := seriestest.NewView()
	store.AttachView(view)
	t.Cleanup(store.Close)
	return store, feed, view
}

func bar(t int64, close float64) models.Point {
	return models.NewBarPoint(t, models.Bar{Open: close, High: close, Low: close, Close: close})
}

func TestMergeIdempotence(t *testing.T) {
	store, _, view := newTestStore(t, Options{})

	require.NoError(t, store.OnNewPoint(klineID, bar(60, 1)))
	require.NoError(t, store.OnNewPoint(klineID, bar(60, 2)))

	got := store.Snapshot(klineID)
	require.Len(t, got, 1)
	assert.Equal(t, 2.0, got[0].Value)
	assert.Equal(t, []string{"set_full(0)", "append(60)", "update_last(60)"}, view.SinkOf(klineID).Ops())
}

func TestOrderingInvariant(t *testing.T) {
	store, _, _ := newTestStore(t, Options{})
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 500; i++ {
		_ = store.OnNewPoint(klineID, bar(int64(rng.Intn(200)), float64(i)))
	}

	got := store.Snapshot(klineID)
	require.NotEmpty(t, got)
	for i := 1; i < len(got); i++ {
		assert.Less(t, got[i-1].Time, got[i].Time)
	}
}

func TestOutOfOrderRejected(t *testing.T) {
	store, _, view := newTestStore(t, Options{})
	require.NoError(t, store.OnNewPoint(klineID, bar(10, 1)))
	require.NoError(t, store.OnNewPoint(klineID, bar(20, 2)))
	view.SinkOf(klineID).Reset()

	err := store.OnNewPoint(klineID, bar(15, 3))

	assert.True(t, errors.Is(err, helpers.ErrOutOfOrder))
	assert.Equal(t, []int64{10, 20}, seriestest.Times(store.Snapshot(klineID)))
	assert.Empty(t, view.SinkOf(klineID).Ops())
}

func TestBackfillPrependCorrectness(t *testing.T) {
	store, _, view := newTestStore(t, Options{})
	store.SetFullHistory(klineID, seriestest.Bars(100, 1, 100))

	added, err := store.PrependHistory(store.Generation(), klineID, seriestest.Bars(0, 1, 101))
	require.NoError(t, err)
	assert.Equal(t, 100, added)

	got := store.Snapshot(klineID)
	require.Len(t, got, 200)
	assert.Equal(t, int64(0), got[0].Time)
	assert.Equal(t, int64(199), got[199].Time)

	at100 := 0
	for _, p := range got {
		if p.Time == 100 {
			at100++
		}
	}
	assert.Equal(t, 1, at100)
	assert.Len(t, view.SinkOf(klineID).Points(), 200)
}

func TestPrependWithNothingOlder(t *testing.T) {
	store, _, view := newTestStore(t, Options{})
	store.SetFullHistory(klineID, seriestest.Bars(100, 1, 10))
	view.SinkOf(klineID).Reset()

	added, err := store.PrependHistory(store.Generation(), klineID, seriestest.Bars(100, 1, 1))
	require.NoError(t, err)
	assert.Zero(t, added)
	assert.Empty(t, view.SinkOf(klineID).Ops())
}

func TestStaleGenerationDiscarded(t *testing.T) {
	store, _, _ := newTestStore(t, Options{})
	gen := store.Generation()
	store.Reset()

	_, err := store.PrependHistory(gen, klineID, seriestest.Bars(0, 1, 5))
	assert.True(t, errors.Is(err, helpers.ErrStaleGeneration))
	assert.Empty(t, store.Snapshot(klineID))

	gen = store.Generation()
	store.Close()
	err = store.InstallRecords(gen, klineKey, []models.HistoryRecord{{Time: 1, Bar: &models.Bar{Close: 1}}})
	assert.True(t, errors.Is(err, helpers.ErrStoreReleased))
}

func TestRoutingIsolation(t *testing.T) {
	store, feed, _ := newTestStore(t, Options{})
	rsiID := models.BufferID{Series: rsiKey}

	feed.PublishIndicator(rsiKey, map[string][]models.Point{"": {{Time: 60, Value: 55}}})
	feed.PublishKline("ETHUSDT@1m", bar(60, 9))

	assert.Eventually(t, func() bool { return len(store.Snapshot(rsiID)) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, store.Snapshot(klineID))
}

func TestIndicatorChannelsMergeIndependently(t *testing.T) {
	store, feed, view := newTestStore(t, Options{})

	feed.PublishIndicator(bollKey, map[string][]models.Point{
		"upper": {{Time: 60, Value: 3}, {Time: 120, Value: 4}},
		"lower": {{Time: 60, Value: 1}},
	})

	upper := models.BufferID{Series: bollKey, Channel: "upper"}
	lower := models.BufferID{Series: bollKey, Channel: "lower"}
	assert.Eventually(t, func() bool {
		return len(store.Snapshot(upper)) == 2 && len(store.Snapshot(lower)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, store.Snapshot(models.BufferID{Series: bollKey, Channel: "middle"}))
	assert.Equal(t, []string{"set_full(0)", "append(60)"}, view.SinkOf(lower).Ops())
}

func TestZeroFilterOnlyOnMainPane(t *testing.T) {
	store, _, _ := newTestStore(t, Options{SuppressMainPaneZero: true})
	upper := models.BufferID{Series: bollKey, Channel: "upper"}
	rsi := models.BufferID{Series: rsiKey}

	store.OnNewBatch(bollKey, map[string][]models.Point{"upper": {{Time: 60, Value: 0}, {Time: 120, Value: 5}}})
	store.OnNewBatch(rsiKey, map[string][]models.Point{"": {{Time: 60, Value: 0}}})
	store.SetFullHistory(models.BufferID{Series: bollKey, Channel: "lower"}, []models.Point{{Time: 1, Value: 0}, {Time: 2, Value: 1}})

	assert.Equal(t, []int64{120}, seriestest.Times(store.Snapshot(upper)))
	assert.Equal(t, []int64{60}, seriestest.Times(store.Snapshot(rsi)))
	assert.Equal(t, []int64{2}, seriestest.Times(store.Snapshot(models.BufferID{Series: bollKey, Channel: "lower"})))

	require.NoError(t, store.OnNewPoint(klineID, models.NewBarPoint(180, models.Bar{})))
	assert.Len(t, store.Snapshot(klineID), 1)
}

func TestSetFullHistoryNormalizes(t *testing.T) {
	store, _, view := newTestStore(t, Options{})

	store.SetFullHistory(klineID, []models.Point{bar(30, 1), bar(10, 1), bar(20, 1), bar(10, 2)})

	got := store.Snapshot(klineID)
	assert.Equal(t, []int64{10, 20, 30}, seriestest.Times(got))
	assert.Equal(t, 2.0, got[0].Value)
	assert.Equal(t, "set_full(3)", view.SinkOf(klineID).Ops()[1])
}

func TestVisibilityOnlyAffectsSink(t *testing.T) {
	store, _, view := newTestStore(t, Options{})
	sink := view.SinkOf(klineID)

	store.SetVisible(klineKey, false)
	require.NoError(t, store.OnNewPoint(klineID, bar(60, 1)))
	assert.Equal(t, []string{"set_full(0)", "set_full(0)"}, sink.Ops())
	assert.Len(t, store.Snapshot(klineID), 1)
	assert.False(t, store.IsVisible(klineKey))
	assert.Equal(t, []string{bollKey, rsiKey}, store.VisibleSeriesKeys())

	store.SetVisible(klineKey, true)
	assert.Equal(t, "set_full(1)", sink.Ops()[2])
	assert.Len(t, sink.Points(), 1)
}

func TestAttachViewRendersLoadedBuffers(t *testing.T) {
	feed := seriestest.NewFeed()
	store := NewStore(7, seriestest.NewConfigStore(chartConfig(7)), feed, Options{}, nil)
	defer store.Close()
	require.NoError(t, store.SyncChartConfig(context.Background()))

	store.SetFullHistory(klineID, seriestest.Bars(0, 60, 5))
	view := seriestest.NewView()
	store.AttachView(view)
	assert.Len(t, view.SinkOf(klineID).Points(), 5)

	store.DetachView(view)
	require.NoError(t, store.OnNewPoint(klineID, bar(300, 1)))
	assert.Len(t, view.SinkOf(klineID).Points(), 5)
	assert.Empty(t, store.Views())
}

func TestViewsShareStore(t *testing.T) {
	store, _, a := newTestStore(t, Options{})
	b := seriestest.NewView()
	store.AttachView(b)
	store.AttachView(b)
	require.Len(t, store.Views(), 2)

	a.SinkOf(klineID).Reset()
	require.NoError(t, store.OnNewPoint(klineID, bar(60, 1)))
	assert.Equal(t, []string{"append(60)"}, a.SinkOf(klineID).Ops())
	assert.Equal(t, []string{"set_full(0)", "append(60)"}, b.SinkOf(klineID).Ops())

	store.DetachView(a)
	require.NoError(t, store.OnNewPoint(klineID, bar(120, 1)))
	assert.Equal(t, []string{"append(60)"}, a.SinkOf(klineID).Ops())
	assert.Equal(t, []int64{60, 120}, seriestest.Times(b.SinkOf(klineID).Points()))
}

func TestLiveStreamResubscribesAfterEviction(t *testing.T) {
	feed := seriestest.NewFeedSize(1)
	store := NewStore(7, seriestest.NewConfigStore(chartConfig(7)), feed, Options{ResubscribeDelay: 10 * time.Millisecond}, nil)
	defer store.Close()
	require.NoError(t, store.SyncChartConfig(context.Background()))
	require.Equal(t, 1, feed.Subscribers(klineKey))

	// A burst while the store is busy overflows the one-slot subscriber.
	store.mu.Lock()
	for i := int64(1); i <= 5; i++ {
		feed.PublishKline(klineKey, bar(i*60, 1))
	}
	store.mu.Unlock()

	assert.Eventually(t, func() bool {
		feed.PublishKline(klineKey, bar(600, 1))
		got := store.Snapshot(klineID)
		return len(got) > 0 && got[len(got)-1].Time == 600
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, 1, feed.Subscribers(klineKey))
	assert.Contains(t, store.SubscribedKeys(), klineKey)
}

func TestEndedStreamOfRemovedSeriesStaysClosed(t *testing.T) {
	configs := seriestest.NewConfigStore(chartConfig(7))
	feed := seriestest.NewFeed()
	store := NewStore(7, configs, feed, Options{ResubscribeDelay: 5 * time.Millisecond}, nil)
	defer store.Close()
	require.NoError(t, store.SyncChartConfig(context.Background()))

	cfg := chartConfig(7)
	cfg.Indicators = cfg.Indicators[:1]
	configs.Put(cfg)
	require.NoError(t, store.SyncChartConfig(context.Background()))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, feed.Subscribers(rsiKey))
	assert.Equal(t, []string{klineKey, bollKey}, store.SubscribedKeys())
}

func TestUnknownChart(t *testing.T) {
	store := NewStore(99, seriestest.NewConfigStore(), seriestest.NewFeed(), Options{}, nil)
	err := store.SyncChartConfig(context.Background())
	assert.True(t, errors.Is(err, helpers.ErrUnknownChart))
}

func TestInvalidChartConfig(t *testing.T) {
	cfg := chartConfig(3)
	cfg.Kline = "broken"
	store := NewStore(3, seriestest.NewConfigStore(cfg), seriestest.NewFeed(), Options{}, nil)
	err := store.SyncChartConfig(context.Background())
	assert.Equal(t, helpers.KindConfig, helpers.KindOf(err))
}

func TestCloseStopsLiveUpdates(t *testing.T) {
	store, feed, _ := newTestStore(t, Options{})
	store.Close()
	store.Close()

	assert.Eventually(t, func() bool { return feed.Subscribers(klineKey) == 0 }, time.Second, 5*time.Millisecond)
	feed.PublishKline(klineKey, bar(60, 1))
	assert.NoError(t, store.OnNewPoint(klineID, bar(60, 1)))
	assert.Empty(t, store.Snapshot(klineID))
	assert.True(t, store.Released())
}

func TestResetClearsBuffers(t *testing.T) {
	store, _, view := newTestStore(t, Options{})
	store.SetFullHistory(klineID, seriestest.Bars(0, 60, 3))
	gen := store.Generation()

	store.Reset()

	assert.Empty(t, store.Snapshot(klineID))
	assert.Equal(t, gen+1, store.Generation())
	assert.Empty(t, view.SinkOf(klineID).Points())
}

func TestEarliestTimeAcrossChannels(t *testing.T) {
	store, _, _ := newTestStore(t, Options{})
	_, ok := store.EarliestTime(bollKey)
	assert.False(t, ok)

	store.SetFullHistory(models.BufferID{Series: bollKey, Channel: "upper"}, []models.Point{{Time: 120, Value: 1}})
	store.SetFullHistory(models.BufferID{Series: bollKey, Channel: "lower"}, []models.Point{{Time: 60, Value: 1}})

	earliest, ok := store.EarliestTime(bollKey)
	require.True(t, ok)
	assert.Equal(t, int64(60), earliest)
}

func TestPrependRecordsProjectsChannels(t *testing.T) {
	store, _, _ := newTestStore(t, Options{})
	gen := store.Generation()
	require.NoError(t, store.InstallRecords(gen, bollKey, []models.HistoryRecord{
		{Time: 120, Values: map[string]float64{"upper": 3, "middle": 2, "lower": 1}},
	}))

	added, err := store.PrependRecords(gen, bollKey, []models.HistoryRecord{
		{Time: 60, Values: map[string]float64{"upper": 3, "middle": 2, "lower": 1}},
		{Time: 120, Values: map[string]float64{"upper": 9, "middle": 9, "lower": 9}},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, added)

	upper := store.Snapshot(models.BufferID{Series: bollKey, Channel: "upper"})
	assert.Equal(t, []models.Point{{Time: 60, Value: 3}, {Time: 120, Value: 3}}, upper)
}

// orderFeed records subscribe and release calls in order.
type orderFeed struct {
	mu     sync.Mutex
	events []string
}

func (f *orderFeed) record(e string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}

func (f *orderFeed) KlineStream(ctx context.Context, key string) *stream.Subscription[[]models.Point] {
	f.record("sub " + key)
	return stream.NewSubscription[[]models.Point](ctx, make(chan []models.Point), func() { f.record("unsub " + key) })
}

func (f *orderFeed) IndicatorStream(ctx context.Context, key string) *stream.Subscription[map[string][]models.Point] {
	f.record("sub " + key)
	return stream.NewSubscription[map[string][]models.Point](ctx, make(chan map[string][]models.Point), func() { f.record("unsub " + key) })
}

func TestSyncReleasesRemovedBeforeSubscribingAdded(t *testing.T) {
	configs := seriestest.NewConfigStore(chartConfig(7))
	feed := &orderFeed{}
	store := NewStore(7, configs, feed, Options{}, nil)
	require.NoError(t, store.SyncChartConfig(context.Background()))

	next := chartConfig(7)
	next.Indicators = []models.IndicatorSeries{
		{Key: rsiKey, Pane: models.PaneSub},
		{Key: "BTCUSDT@1m:MA(period=50)", Pane: models.PaneMain},
	}
	configs.Put(next)
	feed.events = nil
	require.NoError(t, store.SyncChartConfig(context.Background()))

	assert.Equal(t, []string{"unsub " + bollKey, "sub BTCUSDT@1m:MA(period=50)"}, feed.events)
	assert.Equal(t, []string{"BTCUSDT@1m", "BTCUSDT@1m:MA(period=50)", rsiKey}, store.SubscribedKeys())
	assert.Empty(t, store.Snapshot(models.BufferID{Series: bollKey, Channel: "upper"}))
	assert.NotContains(t, store.BufferIDs(), models.BufferID{Series: bollKey, Channel: "upper"})

	feed.events = nil
	store.Close()
	assert.ElementsMatch(t, []string{"unsub " + klineKey, "unsub " + rsiKey, "unsub BTCUSDT@1m:MA(period=50)"}, feed.events)
}

func TestChartSevenScenario(t *testing.T) {
	store, feed, view := newTestStore(t, Options{})
	store.SetFullHistory(klineID, seriestest.Bars(1000-99*1, 1, 100))
	sink := view.SinkOf(klineID)
	sink.Reset()

	feed.PublishKline(klineKey, bar(1000, 42))
	feed.PublishKline(klineKey, bar(1060, 43))

	assert.Eventually(t, func() bool { return len(sink.Ops()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"update_last(1000)", "append(1060)"}, sink.Ops())

	got := store.Snapshot(klineID)
	assert.Len(t, got, 101)
	assert.Equal(t, int64(1060), got[len(got)-1].Time)
}
