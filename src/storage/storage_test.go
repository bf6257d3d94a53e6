package storage

import (
	"context"
	"os"
	"testing"

	"chart-sync/src/interfaces"
	"chart-sync/src/logger"
	"chart-sync/src/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	klineKey = "BTCUSDT@1m"
	bollKey  = "BTCUSDT@1m:BOLL(period=20,std=2)"
)

func openDB(t *testing.T, cfg *models.MConfig) interfaces.IDatabase {
	t.Helper()
	db, err := NewDatabase(cfg, logger.NewNopLogger("storage"))
	require.NoError(t, err)
	require.NoError(t, db.Initialize())
	t.Cleanup(func() { db.Close() })
	return db
}

func backends(t *testing.T) map[string]interfaces.IDatabase {
	t.Helper()
	dbs := map[string]interfaces.IDatabase{
		"memory": openDB(t, &models.MConfig{Storage: models.MStorageConfig{DBType: "memory"}}),
		"sqlite": openDB(t, &models.MConfig{Storage: models.MStorageConfig{DBType: "sqlite", DBPath: ":memory:"}}),
	}
	if dsn := os.Getenv("CHART_SYNC_TEST_POSTGRES_DSN"); dsn != "" {
		dbs["postgres"] = openDB(t, &models.MConfig{Name: "chart_sync_test", Storage: models.MStorageConfig{DBType: "postgres", DBConnectionString: dsn}})
	}
	if addr := os.Getenv("CHART_SYNC_TEST_REDIS_ADDR"); addr != "" {
		dbs["redis"] = openDB(t, &models.MConfig{Storage: models.MStorageConfig{DBType: "redis", RedisAddr: addr, RedisDB: 15}})
	}
	return dbs
}

func klineRecords(from int64, n int) []models.HistoryRecord {
	out := make([]models.HistoryRecord, n)
	for i := range out {
		t := from + int64(i)*60
		out[i] = models.HistoryRecord{Time: t, Bar: &models.Bar{Open: 1, High: 2, Low: 0.5, Close: float64(t), Volume: 3}}
	}
	return out
}

func TestChartConfigRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, db := range backends(t) {
		t.Run(name, func(t *testing.T) {
			cfg, err := db.GetChartConfig(ctx, 7)
			require.NoError(t, err)
			assert.Nil(t, cfg)

			want := &models.ChartConfig{
				ChartID: 7,
				Kline:   klineKey,
				Indicators: []models.IndicatorSeries{
					{Key: bollKey, Pane: models.PaneMain, Channels: []models.ChannelStyle{{Name: "upper", Color: "#f00"}, {Name: "lower"}}},
				},
			}
			require.NoError(t, db.SaveChartConfig(ctx, want))
			require.NoError(t, db.SaveChartConfig(ctx, &models.ChartConfig{ChartID: 3, Kline: "ETHUSDT@5m"}))

			got, err := db.GetChartConfig(ctx, 7)
			require.NoError(t, err)
			assert.Equal(t, want, got)

			want.Indicators = nil
			require.NoError(t, db.SaveChartConfig(ctx, want))
			got, err = db.GetChartConfig(ctx, 7)
			require.NoError(t, err)
			assert.Empty(t, got.Indicators)

			ids, err := db.ListChartIDs(ctx)
			require.NoError(t, err)
			assert.Equal(t, []int64{3, 7}, ids)
		})
	}
}

func TestFetchHistoryPages(t *testing.T) {
	ctx := context.Background()
	for name, db := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, db.SaveHistoryBulk(ctx, klineKey, klineRecords(0, 10)))

			testCases := []struct {
				name   string
				before int64
				limit  int
				want   []int64
			}{
				{name: "latest page", before: 0, limit: 3, want: []int64{420, 480, 540}},
				{name: "anchor included", before: 300, limit: 3, want: []int64{180, 240, 300}},
				{name: "between points", before: 330, limit: 2, want: []int64{240, 300}},
				{name: "short page", before: 60, limit: 5, want: []int64{0, 60}},
				{name: "nothing older", before: -1, limit: 5, want: nil},
			}

			for _, tc := range testCases {
				t.Run(tc.name, func(t *testing.T) {
					records, err := db.FetchHistory(ctx, models.HistoryRequest{SeriesID: klineKey, Before: tc.before, Limit: tc.limit})
					require.NoError(t, err)
					var times []int64
					for _, r := range records {
						times = append(times, r.Time)
					}
					assert.Equal(t, tc.want, times)
				})
			}
		})
	}
}

func TestSaveHistoryUpserts(t *testing.T) {
	ctx := context.Background()
	for name, db := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, db.SaveHistoryBulk(ctx, bollKey, []models.HistoryRecord{
				{Time: 60, Values: map[string]float64{"upper": 2, "lower": 1}},
				{Time: 120, Values: map[string]float64{"upper": 3, "lower": 1}},
			}))
			require.NoError(t, db.SaveHistoryBulk(ctx, bollKey, []models.HistoryRecord{
				{Time: 120, Values: map[string]float64{"upper": 4, "lower": 2}},
			}))

			records, err := db.FetchHistory(ctx, models.HistoryRequest{SeriesID: bollKey, Limit: 10})
			require.NoError(t, err)
			require.Len(t, records, 2)
			assert.Nil(t, records[1].Bar)
			assert.Equal(t, map[string]float64{"upper": 4, "lower": 2}, records[1].Values)

			klines, err := db.FetchHistory(ctx, models.HistoryRequest{SeriesID: klineKey, Limit: 10})
			require.NoError(t, err)
			assert.Empty(t, klines)
		})
	}
}

func TestNewDatabaseRejectsUnknownType(t *testing.T) {
	_, err := NewDatabase(&models.MConfig{Storage: models.MStorageConfig{DBType: "cassandra"}}, nil)
	assert.Error(t, err)
}
