package storage

import (
	"context"
	"sort"
	"sync"

	"chart-sync/src/models"
)

// MemoryDB is a process-local database, used for development and tests.
type MemoryDB struct {
	mu      sync.RWMutex
	configs map[int64]*models.ChartConfig
	series  map[string][]models.HistoryRecord
}

// -----------------------------------------------------------------------------

func NewMemoryDB() *MemoryDB {
	return &MemoryDB{
		configs: make(map[int64]*models.ChartConfig),
		series:  make(map[string][]models.HistoryRecord),
	}
}

func (d *MemoryDB) Initialize() error { return nil }
func (d *MemoryDB) Close() error      { return nil }

// -----------------------------------------------------------------------------

func (d *MemoryDB) GetChartConfig(_ context.Context, chartID int64) (*models.ChartConfig, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	cfg, ok := d.configs[chartID]
	if !ok {
		return nil, nil
	}
	cp := *cfg
	cp.Indicators = append([]models.IndicatorSeries(nil), cfg.Indicators...)
	return &cp, nil
}

// -----------------------------------------------------------------------------

func (d *MemoryDB) SaveChartConfig(_ context.Context, cfg *models.ChartConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	cp := *cfg
	cp.Indicators = append([]models.IndicatorSeries(nil), cfg.Indicators...)
	d.configs[cfg.ChartID] = &cp
	return nil
}

// -----------------------------------------------------------------------------

func (d *MemoryDB) ListChartIDs(_ context.Context) ([]int64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ids := make([]int64, 0, len(d.configs))
	for id := range d.configs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// -----------------------------------------------------------------------------

func (d *MemoryDB) FetchHistory(_ context.Context, req models.HistoryRequest) ([]models.HistoryRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	all := d.series[req.SeriesID]
	end := len(all)
	if req.Before != 0 {
		end = sort.Search(len(all), func(i int) bool { return all[i].Time > req.Before })
	}
	start := end - req.Limit
	if start < 0 {
		start = 0
	}
	return append([]models.HistoryRecord(nil), all[start:end]...), nil
}

// -----------------------------------------------------------------------------

func (d *MemoryDB) SaveHistoryBulk(_ context.Context, seriesID string, records []models.HistoryRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	byTime := make(map[int64]models.HistoryRecord, len(d.series[seriesID])+len(records))
	for _, rec := range d.series[seriesID] {
		byTime[rec.Time] = rec
	}
	for _, rec := range records {
		byTime[rec.Time] = rec
	}

	merged := make([]models.HistoryRecord, 0, len(byTime))
	for _, rec := range byTime {
		merged = append(merged, rec)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Time < merged[j].Time })
	d.series[seriesID] = merged
	return nil
}
