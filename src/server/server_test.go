package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"chart-sync/src/history"
	"chart-sync/src/models"
	"chart-sync/src/push"
	"chart-sync/src/registry"
	"chart-sync/src/series"
	"chart-sync/src/series/seriestest"
	"chart-sync/src/storage"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	klineKey = "BTCUSDT@1m"
	rsiKey   = "BTCUSDT@1m:RSI(period=14)"
)

type fixture struct {
	srv  *Server
	http *httptest.Server
	db   *storage.MemoryDB
	feed *seriestest.Feed
	reg  *registry.Registry
}

func newFixture(t *testing.T, pushMgr *push.Manager) *fixture {
	t.Helper()
	ctx := context.Background()

	db := storage.NewMemoryDB()
	require.NoError(t, db.SaveChartConfig(ctx, &models.ChartConfig{
		ChartID:    7,
		Kline:      klineKey,
		Indicators: []models.IndicatorSeries{{Key: rsiKey, Pane: models.PaneSub}},
	}))
	var kline, rsi []models.HistoryRecord
	for i := int64(0); i < 300; i++ {
		kline = append(kline, models.HistoryRecord{Time: i * 60, Bar: &models.Bar{Open: 1, High: 2, Low: 0.5, Close: float64(i), Volume: 1}})
		rsi = append(rsi, models.HistoryRecord{Time: i * 60, Values: map[string]float64{"": 50}})
	}
	require.NoError(t, db.SaveHistoryBulk(ctx, klineKey, kline))
	require.NoError(t, db.SaveHistoryBulk(ctx, rsiKey, rsi))

	feed := seriestest.NewFeed()
	loader := history.NewLoader(db, history.Options{PageSize: 100, Threshold: 30}, nil)
	reg := registry.NewRegistry(ctx, db, feed, series.Options{}, loader, history.NewInitialLoader(db, 100, nil), nil)

	if pushMgr == nil {
		var err error
		pushMgr, err = push.NewManager(nil, 16, nil, nil)
		require.NoError(t, err)
	}

	srv := NewServer(&models.MConfig{Host: "127.0.0.1", Port: 8080}, nil, Deps{
		Registry: reg,
		Push:     pushMgr,
		History:  db,
		Charts:   db,
	})
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Stop(context.Background())
		hs.Close()
		reg.CloseAll()
		loader.Wait()
		pushMgr.CloseAll()
	})
	return &fixture{srv: srv, http: hs, db: db, feed: feed, reg: reg}
}

func (f *fixture) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (f *fixture) getJSON(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(f.http.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	return resp.StatusCode
}

type frame struct {
	Op      string         `json:"op"`
	Series  string         `json:"series"`
	Channel string         `json:"channel"`
	Points  []models.Point `json:"points"`
	Point   models.Point   `json:"point"`
	Command string         `json:"command"`
	Message string         `json:"message"`
}

// readUntil reads frames until match accepts one.
func readUntil(t *testing.T, conn *websocket.Conn, match func(frame) bool) frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var f frame
		require.NoError(t, conn.ReadJSON(&f))
		if match(f) {
			return f
		}
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)

	var body map[string]any
	assert.Equal(t, http.StatusOK, f.getJSON(t, "/api/health", &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(0), body["connections"])
}

func TestHistoryEndpoint(t *testing.T) {
	f := newFixture(t, nil)

	var points []models.WirePoint
	status := f.getJSON(t, "/api/history?seriesId="+klineKey+"&beforeTimestamp=1970-01-01T00:10:00Z&limit=3", &points)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, points, 3)

	records, err := history.DecodePage(mustJSON(t, points))
	require.NoError(t, err)
	assert.Equal(t, []int64{480, 540, 600}, []int64{records[0].Time, records[1].Time, records[2].Time})

	var errBody map[string]any
	assert.Equal(t, http.StatusBadRequest, f.getJSON(t, "/api/history", &errBody))
	assert.Equal(t, http.StatusBadRequest, f.getJSON(t, "/api/history?seriesId=x&limit=-1", &errBody))
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestChartSocketUnknownChart(t *testing.T) {
	f := newFixture(t, nil)

	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws/charts/99"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Empty(t, f.reg.ChartIDs())
}

func TestChartSocketSession(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.dial(t, "/ws/charts/7")

	full := readUntil(t, conn, func(fr frame) bool {
		return fr.Op == "set_full" && fr.Series == klineKey && len(fr.Points) == 100
	})
	assert.Equal(t, int64(200*60), full.Points[0].Time)

	// live update
	f.feed.PublishKline(klineKey, models.NewBarPoint(300*60, models.Bar{Close: 42}))
	up := readUntil(t, conn, func(fr frame) bool { return fr.Op == "append" })
	assert.Equal(t, int64(300*60), up.Point.Time)
	assert.Equal(t, 42.0, up.Point.Value)

	// scrolling near the left edge backfills both series
	require.NoError(t, conn.WriteJSON(map[string]any{"command": "visible_range", "from": 3, "to": 80}))
	back := readUntil(t, conn, func(fr frame) bool {
		return fr.Op == "set_full" && fr.Series == klineKey && len(fr.Points) > 101
	})
	assert.Equal(t, int64(101*60), back.Points[0].Time)

	// hiding a series clears it
	require.NoError(t, conn.WriteJSON(map[string]any{"command": "set_visible", "series": rsiKey, "visible": false}))
	hidden := readUntil(t, conn, func(fr frame) bool { return fr.Series == rsiKey && fr.Op == "set_full" && len(fr.Points) == 0 })
	assert.Equal(t, rsiKey, hidden.Series)

	require.NoError(t, conn.WriteJSON(map[string]any{"command": "reinitialize"}))
	ack := readUntil(t, conn, func(fr frame) bool { return fr.Op == "ack" || fr.Op == "error" })
	assert.Equal(t, "ack", ack.Op)

	require.NoError(t, conn.WriteJSON(map[string]any{"command": "dance"}))
	bad := readUntil(t, conn, func(fr frame) bool { return fr.Op == "error" })
	assert.Equal(t, "dance", bad.Command)

	var series struct {
		Series []seriesInfo `json:"series"`
	}
	assert.Equal(t, http.StatusOK, f.getJSON(t, "/api/charts/7/series", &series))
	assert.Len(t, series.Series, 2)

	var charts map[string][]int64
	f.getJSON(t, "/api/charts", &charts)
	assert.Equal(t, []int64{7}, charts["open"])
	assert.Equal(t, []int64{7}, charts["configured"])

	conn.Close()
	assert.Eventually(t, func() bool { return len(f.reg.ChartIDs()) == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return f.feed.Subscribers(klineKey) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestTwoSessionsShareChart(t *testing.T) {
	f := newFixture(t, nil)
	isFull := func(fr frame) bool { return fr.Op == "set_full" && fr.Series == klineKey && len(fr.Points) == 100 }

	a := f.dial(t, "/ws/charts/7")
	readUntil(t, a, isFull)
	b := f.dial(t, "/ws/charts/7")
	readUntil(t, b, isFull)

	f.feed.PublishKline(klineKey, models.NewBarPoint(300*60, models.Bar{Close: 1}))
	for _, conn := range []*websocket.Conn{a, b} {
		up := readUntil(t, conn, func(fr frame) bool { return fr.Op == "append" })
		assert.Equal(t, int64(300*60), up.Point.Time)
	}

	a.Close()
	assert.Eventually(t, func() bool {
		f.srv.stateMutex.RLock()
		defer f.srv.stateMutex.RUnlock()
		return len(f.srv.sessions) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int64{7}, f.reg.ChartIDs())

	f.feed.PublishKline(klineKey, models.NewBarPoint(301*60, models.Bar{Close: 2}))
	up := readUntil(t, b, func(fr frame) bool { return fr.Op == "append" })
	assert.Equal(t, int64(301*60), up.Point.Time)

	b.Close()
	assert.Eventually(t, func() bool { return len(f.reg.ChartIDs()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestEventSocket(t *testing.T) {
	release := make(chan struct{})
	var hits atomic.Int32
	sse := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		flusher.Flush()
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		for _, payload := range []string{
			`{"event":"strategy-running-log","operationKey":"op-1","cycleId":1,"datetime":"2024-01-01 00:00:00","level":"info","message":"skip me","nodeId":"n2","handleId":"h1"}`,
			`{"event":"strategy-running-log","operationKey":"op-1","cycleId":2,"datetime":"2024-01-01 00:01:00","level":"info","message":"hello","nodeId":"n1","handleId":"h1"}`,
		} {
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
		<-r.Context().Done()
	}))
	t.Cleanup(sse.Close)

	mgr, err := push.NewManager([]models.MChannelConfig{{Topic: push.TopicRunningLog, URL: sse.URL, Enabled: true}}, 16, nil, nil)
	require.NoError(t, err)
	f := newFixture(t, mgr)

	var bad map[string]any
	assert.Equal(t, http.StatusBadRequest, f.getJSON(t, "/ws/events/"+push.TopicRunningLog+"?kind=nope", &bad))
	assert.Equal(t, http.StatusNotFound, f.getJSON(t, "/ws/events/unknown?kind=strategy-running-log", &bad))

	conn := f.dial(t, "/ws/events/"+push.TopicRunningLog+"?kind=strategy-running-log&key=op-1&nodeId=n1&handleId=h1")
	require.Eventually(t, func() bool { return hits.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	close(release)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got struct {
		Kind   string          `json:"kind"`
		Key    string          `json:"key"`
		Origin map[string]any  `json:"origin"`
		Text   string          `json:"text"`
		Event  json.RawMessage `json:"event"`
	}
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "strategy-running-log", got.Kind)
	assert.Equal(t, "op-1", got.Key)
	assert.Equal(t, "n1", got.Origin["nodeId"])
	assert.Contains(t, got.Text, "hello")
}
