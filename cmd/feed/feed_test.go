package main

import (
	"context"
	"encoding/json"
	"testing"

	"chart-sync/src/logger"
	"chart-sync/src/models"
	"chart-sync/src/push"
	"chart-sync/src/router"
	"chart-sync/src/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntervalSeconds(t *testing.T) {
	testCases := []struct {
		in   string
		want int64
		err  bool
	}{
		{"30s", 30, false},
		{"1m", 60, false},
		{"4h", 14400, false},
		{"1d", 86400, false},
		{"m", 0, true},
		{"0m", 0, true},
		{"5w", 0, true},
	}
	for _, tc := range testCases {
		got, err := intervalSeconds(tc.in)
		if tc.err {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

// -----------------------------------------------------------------------------

func TestIndicatorsNeedFullWindow(t *testing.T) {
	s, err := newFeedSeries("BTCUSDT@1m", 1)
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT@1m:SMA(period=20)", s.smaKey)
	assert.Equal(t, "BTCUSDT@1m:BOLL(period=20,std=2)", s.bollKey)

	s.bar = models.Bar{Close: 10}
	_, _, ok := s.indicators()
	assert.False(t, ok)

	for i := 0; i < indicatorPeriod-1; i++ {
		s.closeBar()
	}
	sma, boll, ok := s.indicators()
	require.True(t, ok)
	assert.InDelta(t, 10, sma, 1e-9)
	assert.InDelta(t, 10, boll["upper"], 1e-9)
	assert.InDelta(t, 10, boll["lower"], 1e-9)
}

// -----------------------------------------------------------------------------

func TestSeedAndResume(t *testing.T) {
	ctx := context.Background()
	db := storage.NewMemoryDB()
	log := logger.NewNopLogger("feed")

	feeds, err := seedAll(ctx, db, []string{"BTCUSDT@1m"}, 50, 6000, log)
	require.NoError(t, err)
	require.Len(t, feeds, 1)
	assert.Equal(t, int64(6000), feeds[0].barTime)

	klines, err := db.FetchHistory(ctx, models.HistoryRequest{SeriesID: "BTCUSDT@1m", Limit: 100})
	require.NoError(t, err)
	require.Len(t, klines, 50)
	assert.Equal(t, int64(3000), klines[0].Time)
	assert.Equal(t, int64(5940), klines[49].Time)

	bolls, err := db.FetchHistory(ctx, models.HistoryRequest{SeriesID: feeds[0].bollKey, Limit: 100})
	require.NoError(t, err)
	assert.Len(t, bolls, 50-indicatorPeriod+1)

	cfg, err := db.GetChartConfig(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, []string{"BTCUSDT@1m", feeds[0].smaKey, feeds[0].bollKey}, cfg.SeriesKeys())

	again, err := seedAll(ctx, db, []string{"BTCUSDT@1m"}, 50, 9000, log)
	require.NoError(t, err)
	assert.Equal(t, int64(6000), again[0].barTime)
	assert.Equal(t, klines[49].Bar.Close, again[0].bar.Open)

	klines, err = db.FetchHistory(ctx, models.HistoryRequest{SeriesID: "BTCUSDT@1m", Limit: 100})
	require.NoError(t, err)
	assert.Len(t, klines, 50)
}

// -----------------------------------------------------------------------------

func TestTickPublishesDecodableEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db := storage.NewMemoryDB()
	log := logger.NewNopLogger("feed")
	feeds, err := seedAll(ctx, db, []string{"BTCUSDT@1m"}, 30, 6000, log)
	require.NoError(t, err)

	rp := newReplayer(db, feeds, 64, log)
	defer rp.Close()

	market, _ := rp.Hub(push.TopicMarket)
	sub := market.Subscription(ctx)
	logs, _ := rp.Hub(push.TopicRunningLog)
	logSub := logs.Subscription(ctx)

	for i := 0; i < ticksPerBar; i++ {
		rp.tick(ctx)
	}

	var kinds []router.EventKind
	for len(sub.C) > 0 {
		payload := <-sub.C
		ev, err := router.Decode(models.Message{Topic: push.TopicMarket, Event: eventOf(t, payload), Payload: payload})
		require.NoError(t, err)
		kinds = append(kinds, ev.Kind())

		if iu, ok := ev.(*router.IndicatorUpdate); ok && iu.IndicatorKey == feeds[0].bollKey {
			assert.Len(t, iu.Channels(), 3)
		}
	}
	// Three events per tick plus the freshly opened bar.
	assert.Len(t, kinds, 3*(ticksPerBar+1))
	assert.Equal(t, router.KindKlineUpdate, kinds[0])
	assert.Len(t, logSub.C, ticksPerBar)

	klines, err := db.FetchHistory(ctx, models.HistoryRequest{SeriesID: "BTCUSDT@1m", Limit: 100})
	require.NoError(t, err)
	assert.Len(t, klines, 31)
	assert.Equal(t, int64(6060), feeds[0].barTime)
}

// -----------------------------------------------------------------------------

func eventOf(t *testing.T, payload []byte) string {
	t.Helper()
	var probe struct {
		Event string `json:"event"`
	}
	require.NoError(t, json.Unmarshal(payload, &probe))
	return probe.Event
}
