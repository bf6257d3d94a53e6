package history

import (
	"context"
	"sync"
	"time"

	"chart-sync/src/helpers"
	"chart-sync/src/interfaces"
	"chart-sync/src/logger"
	"chart-sync/src/models"

	"github.com/pkg/errors"
)

// Target is the part of a series store the loaders drive.
type Target interface {
	ChartID() int64
	Generation() uint64
	SeriesKeys() []string
	VisibleSeriesKeys() []string
	EarliestTime(key string) (int64, bool)
	InstallRecords(gen uint64, key string, records []models.HistoryRecord) error
	PrependRecords(gen uint64, key string, records []models.HistoryRecord) (int, error)
}

// Options tune the backfill trigger.
type Options struct {
	PageSize    int
	Threshold   float64
	SettleDelay time.Duration
}

type loadKey struct {
	chartID int64
	series  string
}

type loadState struct {
	loading      bool
	exhausted    bool
	exhaustedGen uint64
}

// -----------------------------------------------------------------------------

// Loader pages older history into a store when the visible range nears the
// start of what is loaded. Each (chart, series) pair has its own guard, so at
// most one page request is in flight per pair.
type Loader struct {
	fetcher interfaces.IHistoryFetcher
	opts    Options
	logger  *logger.Logger

	mu     sync.Mutex
	states map[loadKey]*loadState
	wg     sync.WaitGroup
}

// -----------------------------------------------------------------------------

func NewLoader(fetcher interfaces.IHistoryFetcher, opts Options, log *logger.Logger) *Loader {
	if log == nil {
		log = logger.NewNopLogger("history")
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	return &Loader{
		fetcher: fetcher,
		opts:    opts,
		logger:  log,
		states:  make(map[loadKey]*loadState),
	}
}

// -----------------------------------------------------------------------------

// OnVisibleRange starts a backfill for the kline and every visible indicator
// when the left edge of rng is within the threshold. The kline is paged back
// even while hidden since the logical range is indexed by its bars. It
// returns the series keys for which a request was started.
func (l *Loader) OnVisibleRange(ctx context.Context, target Target, rng models.LogicalRange) []string {
	if rng.From > l.opts.Threshold {
		return nil
	}
	all := target.SeriesKeys()
	if len(all) == 0 {
		return nil
	}

	keys := []string{all[0]}
	for _, key := range target.VisibleSeriesKeys() {
		if key != all[0] {
			keys = append(keys, key)
		}
	}

	var started []string
	for _, key := range keys {
		if l.Backfill(ctx, target, key) {
			started = append(started, key)
		}
	}
	return started
}

// -----------------------------------------------------------------------------

// Backfill requests one page older than the earliest loaded point of key.
// It returns false when the pair is already loading, exhausted for the
// current generation, or has nothing loaded yet to page back from.
func (l *Loader) Backfill(ctx context.Context, target Target, key string) bool {
	earliest, ok := target.EarliestTime(key)
	if !ok {
		return false
	}
	gen := target.Generation()

	k := loadKey{chartID: target.ChartID(), series: key}

	l.mu.Lock()
	st, exists := l.states[k]
	if !exists {
		st = &loadState{}
		l.states[k] = st
	}
	if st.loading || (st.exhausted && st.exhaustedGen == gen) {
		l.mu.Unlock()
		return false
	}
	st.loading = true
	st.exhausted = false
	l.mu.Unlock()

	l.wg.Add(1)
	go l.run(ctx, target, st, key, gen, earliest)
	return true
}

// -----------------------------------------------------------------------------

func (l *Loader) run(ctx context.Context, target Target, st *loadState, key string, gen uint64, before int64) {
	defer l.wg.Done()

	req := models.HistoryRequest{SeriesID: key, Before: before, Limit: l.opts.PageSize}
	records, err := l.fetcher.FetchHistory(ctx, req)
	if err != nil {
		l.logger.Error("Chart %d: history fetch for %s failed: %v", target.ChartID(), key, err)
		l.release(st)
		return
	}

	added, err := target.PrependRecords(gen, key, records)
	if err != nil {
		if errors.Is(err, helpers.ErrStaleGeneration) || errors.Is(err, helpers.ErrStoreReleased) {
			l.logger.Debug("Chart %d: discarding page for %s: %v", target.ChartID(), key, err)
		} else {
			l.logger.Error("Chart %d: merging page for %s failed: %v", target.ChartID(), key, err)
		}
		l.release(st)
		return
	}

	if added == 0 {
		l.logger.Info("Chart %d: history for %s exhausted before %d", target.ChartID(), key, before)
		l.mu.Lock()
		st.exhausted = true
		st.exhaustedGen = gen
		st.loading = false
		l.mu.Unlock()
		return
	}

	l.logger.Debug("Chart %d: prepended %d points to %s", target.ChartID(), added, key)
	if l.opts.SettleDelay <= 0 {
		l.release(st)
		return
	}
	l.wg.Add(1)
	time.AfterFunc(l.opts.SettleDelay, func() {
		defer l.wg.Done()
		l.release(st)
	})
}

// -----------------------------------------------------------------------------

func (l *Loader) release(st *loadState) {
	l.mu.Lock()
	st.loading = false
	l.mu.Unlock()
}

// -----------------------------------------------------------------------------

// Loading reports whether a backfill for the pair is in flight or settling.
func (l *Loader) Loading(chartID int64, key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.states[loadKey{chartID: chartID, series: key}]
	return ok && st.loading
}

// -----------------------------------------------------------------------------

// Exhausted reports whether the series ran out of older history.
func (l *Loader) Exhausted(chartID int64, key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.states[loadKey{chartID: chartID, series: key}]
	return ok && st.exhausted
}

// -----------------------------------------------------------------------------

// Forget drops the guards of a chart. In-flight requests keep their own
// state and are discarded by the store's generation check.
func (l *Loader) Forget(chartID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k := range l.states {
		if k.chartID == chartID {
			delete(l.states, k)
		}
	}
}

// -----------------------------------------------------------------------------

// Wait blocks until every started request and settle timer has finished.
func (l *Loader) Wait() {
	l.wg.Wait()
}
