package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"time"

	"chart-sync/src/interfaces"
	"chart-sync/src/logger"
	"chart-sync/src/models"
)

const (
	indicatorPeriod = 20
	bollStd         = 2.0
)

// feedSeries is the live state of one seeded kline and its indicators.
type feedSeries struct {
	klineKey string
	smaKey   string
	bollKey  string
	step     int64

	// bar is the open bar; closes holds closed bar closes, newest last.
	bar     models.Bar
	barTime int64
	closes  []float64
	rnd     *rand.Rand
}

// -----------------------------------------------------------------------------

func newFeedSeries(klineKey string, seed int64) (*feedSeries, error) {
	key, err := models.ParseSeriesKey(klineKey)
	if err != nil {
		return nil, err
	}
	if key.Kind != models.KindKline {
		return nil, fmt.Errorf("feed series %s is not a kline key", klineKey)
	}
	step, err := intervalSeconds(key.Interval)
	if err != nil {
		return nil, err
	}

	return &feedSeries{
		klineKey: klineKey,
		smaKey:   models.NewIndicatorKey(key.Symbol, key.Interval, "SMA", map[string]string{"period": strconv.Itoa(indicatorPeriod)}).String(),
		bollKey: models.NewIndicatorKey(key.Symbol, key.Interval, "BOLL", map[string]string{
			"period": strconv.Itoa(indicatorPeriod),
			"std":    strconv.FormatFloat(bollStd, 'f', -1, 64),
		}).String(),
		step: step,
		rnd:  rand.New(rand.NewSource(seed)),
	}, nil
}

// -----------------------------------------------------------------------------

// intervalSeconds parses intervals such as 30s, 1m, 4h or 1d.
func intervalSeconds(interval string) (int64, error) {
	if len(interval) < 2 {
		return 0, fmt.Errorf("invalid interval %q", interval)
	}
	n, err := strconv.ParseInt(interval[:len(interval)-1], 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid interval %q", interval)
	}
	switch interval[len(interval)-1] {
	case 's':
		return n, nil
	case 'm':
		return n * 60, nil
	case 'h':
		return n * 3600, nil
	case 'd':
		return n * 86400, nil
	}
	return 0, fmt.Errorf("invalid interval %q", interval)
}

// -----------------------------------------------------------------------------

// chartConfig declares the chart served for this series.
func (s *feedSeries) chartConfig(chartID int64) *models.ChartConfig {
	return &models.ChartConfig{
		ChartID: chartID,
		Kline:   s.klineKey,
		Indicators: []models.IndicatorSeries{
			{Key: s.smaKey, Pane: models.PaneMain, Channels: []models.ChannelStyle{{Color: "#f5a623", LineWidth: 1}}},
			{Key: s.bollKey, Pane: models.PaneMain, Channels: []models.ChannelStyle{
				{Name: "upper", Color: "#4a90e2"},
				{Name: "middle", Color: "#9b9b9b"},
				{Name: "lower", Color: "#4a90e2"},
			}},
		},
	}
}

// -----------------------------------------------------------------------------

// walk moves the open bar by one random tick.
func (s *feedSeries) walk() {
	c := s.bar.Close * (1 + s.rnd.NormFloat64()*0.001)
	s.bar.Close = math.Round(c*100) / 100
	s.bar.High = math.Max(s.bar.High, s.bar.Close)
	s.bar.Low = math.Min(s.bar.Low, s.bar.Close)
	s.bar.Volume += math.Round(s.rnd.Float64()*1000) / 100
}

// -----------------------------------------------------------------------------

// openBar starts a new bar at t from the previous close.
func (s *feedSeries) openBar(t int64) {
	s.barTime = t
	s.bar = models.Bar{Open: s.bar.Close, High: s.bar.Close, Low: s.bar.Close, Close: s.bar.Close}
}

// -----------------------------------------------------------------------------

// closeBar moves the open bar into the closed window.
func (s *feedSeries) closeBar() {
	s.closes = append(s.closes, s.bar.Close)
	if len(s.closes) > indicatorPeriod {
		s.closes = s.closes[len(s.closes)-indicatorPeriod:]
	}
}

// -----------------------------------------------------------------------------

// indicators computes SMA and BOLL over the last closed bars plus the open bar.
// ok is false until enough bars exist.
func (s *feedSeries) indicators() (sma float64, boll map[string]float64, ok bool) {
	window := make([]float64, 0, indicatorPeriod)
	if n := len(s.closes); n >= indicatorPeriod-1 {
		window = append(window, s.closes[n-indicatorPeriod+1:]...)
	} else {
		return 0, nil, false
	}
	window = append(window, s.bar.Close)

	var sum float64
	for _, c := range window {
		sum += c
	}
	mean := sum / float64(len(window))

	var sq float64
	for _, c := range window {
		sq += (c - mean) * (c - mean)
	}
	sd := math.Sqrt(sq / float64(len(window)))

	return mean, map[string]float64{
		"upper":  mean + bollStd*sd,
		"middle": mean,
		"lower":  mean - bollStd*sd,
	}, true
}

// -----------------------------------------------------------------------------

// records renders the open bar and its indicators as history rows.
func (s *feedSeries) records() (kline, sma, boll []models.HistoryRecord) {
	bar := s.bar
	kline = []models.HistoryRecord{{Time: s.barTime, Bar: &bar}}
	if v, b, ok := s.indicators(); ok {
		sma = []models.HistoryRecord{{Time: s.barTime, Values: map[string]float64{"": v}}}
		boll = []models.HistoryRecord{{Time: s.barTime, Values: b}}
	}
	return kline, sma, boll
}

// -----------------------------------------------------------------------------

// seed generates bars of history ending before now, or resumes from the
// latest stored bar when the series already has history.
func (s *feedSeries) seed(ctx context.Context, db interfaces.IDatabase, bars int, now int64) error {
	latest, err := db.FetchHistory(ctx, models.HistoryRequest{SeriesID: s.klineKey, Limit: indicatorPeriod})
	if err != nil {
		return err
	}
	if len(latest) > 0 {
		for _, rec := range latest {
			if rec.Bar != nil {
				s.bar = *rec.Bar
				s.closeBar()
			}
		}
		s.openBar(latest[len(latest)-1].Time + s.step)
		return nil
	}

	var klines, smas, bolls []models.HistoryRecord
	start := now/s.step*s.step - int64(bars)*s.step
	s.bar = models.Bar{Close: 100}
	for i := 0; i < bars; i++ {
		s.openBar(start + int64(i)*s.step)
		for t := 0; t < 10; t++ {
			s.walk()
		}
		k, m, b := s.records()
		klines, smas, bolls = append(klines, k...), append(smas, m...), append(bolls, b...)
		s.closeBar()
	}
	s.openBar(start + int64(bars)*s.step)

	for id, recs := range map[string][]models.HistoryRecord{s.klineKey: klines, s.smaKey: smas, s.bollKey: bolls} {
		if err := db.SaveHistoryBulk(ctx, id, recs); err != nil {
			return err
		}
	}
	return nil
}

// -----------------------------------------------------------------------------

// seedAll prepares one chart per kline key. Chart ids follow the key order,
// starting at 1.
func seedAll(ctx context.Context, db interfaces.IDatabase, keys []string, bars int, now int64, log *logger.Logger) ([]*feedSeries, error) {
	feeds := make([]*feedSeries, 0, len(keys))
	for i, key := range keys {
		s, err := newFeedSeries(key, time.Now().UnixNano()+int64(i))
		if err != nil {
			return nil, err
		}
		if err := s.seed(ctx, db, bars, now); err != nil {
			return nil, fmt.Errorf("seeding %s: %w", key, err)
		}

		chartID := int64(i + 1)
		if err := db.SaveChartConfig(ctx, s.chartConfig(chartID)); err != nil {
			return nil, fmt.Errorf("saving chart %d: %w", chartID, err)
		}
		log.Info("Chart %d serves %s from %d", chartID, key, s.barTime)
		feeds = append(feeds, s)
	}
	return feeds, nil
}
