package registry

import (
	"context"
	"sort"
	"sync"

	"chart-sync/src/helpers"
	"chart-sync/src/history"
	"chart-sync/src/interfaces"
	"chart-sync/src/logger"
	"chart-sync/src/models"
	"chart-sync/src/series"
)

type entry struct {
	store *series.Store

	// unwatch holds the viewport watcher of every attached view.
	unwatch map[interfaces.IChartView]func()
}

// -----------------------------------------------------------------------------

// Registry owns the series store of every open chart, keyed by chart id.
type Registry struct {
	ctx     context.Context
	configs interfaces.IConfigStore
	feed    series.Feed
	opts    series.Options
	loader  *history.Loader
	initial *history.InitialLoader
	Logger  *logger.Logger

	mu     sync.Mutex
	stores map[int64]*entry
}

// -----------------------------------------------------------------------------

// NewRegistry builds an empty registry. Backfills started from viewport
// events run under ctx, not under the request that opened the chart.
// loader and initial may be nil when no history source is configured.
func NewRegistry(ctx context.Context, configs interfaces.IConfigStore, feed series.Feed, opts series.Options,
	loader *history.Loader, initial *history.InitialLoader, log *logger.Logger) *Registry {
	if log == nil {
		log = logger.NewNopLogger("registry")
	}
	return &Registry{
		ctx:     ctx,
		configs: configs,
		feed:    feed,
		opts:    opts,
		loader:  loader,
		initial: initial,
		Logger:  log,
		stores:  make(map[int64]*entry),
	}
}

// -----------------------------------------------------------------------------

// Get returns the store of a chart, building and subscribing it on first use.
// A chart without config yields helpers.ErrUnknownChart.
func (r *Registry) Get(ctx context.Context, chartID int64) (*series.Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.stores[chartID]; ok {
		return e.store, nil
	}

	store := series.NewStore(chartID, r.configs, r.feed, r.opts, r.Logger)
	if err := store.SyncChartConfig(ctx); err != nil {
		store.Close()
		return nil, err
	}

	r.stores[chartID] = &entry{store: store, unwatch: make(map[interfaces.IChartView]func())}
	r.Logger.Info("Opened store for chart %d", chartID)
	return store, nil
}

// -----------------------------------------------------------------------------

// Lookup returns the store of an open chart without building one.
func (r *Registry) Lookup(chartID int64) (*series.Store, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.stores[chartID]
	if !ok {
		return nil, false
	}
	return e.store, true
}

// -----------------------------------------------------------------------------

// Open gets the chart's store, attaches view to it and wires viewport changes
// to the backfill loader. The first view of a chart installs the latest history
// page; later views are rendered from what is already loaded. A failed initial
// load is logged; the chart still receives live updates.
func (r *Registry) Open(ctx context.Context, chartID int64, view interfaces.IChartView) (*series.Store, error) {
	store, err := r.Get(ctx, chartID)
	if err != nil {
		return nil, err
	}

	store.AttachView(view)

	var unwatch func()
	if r.loader != nil {
		unwatch = view.OnVisibleRangeChanged(func(rng models.LogicalRange) {
			r.loader.OnVisibleRange(r.ctx, store, rng)
		})
	}

	r.mu.Lock()
	if e, ok := r.stores[chartID]; ok && e.store == store {
		if prev := e.unwatch[view]; prev != nil {
			prev()
		}
		if unwatch != nil {
			e.unwatch[view] = unwatch
		}
	} else if unwatch != nil {
		// released while attaching
		unwatch()
	}
	r.mu.Unlock()

	if !loaded(store) {
		r.loadInitial(ctx, store)
	}
	return store, nil
}

// -----------------------------------------------------------------------------

// Detach removes one view from an open chart and stops its viewport watcher.
// The store stays open; Release closes it.
func (r *Registry) Detach(chartID int64, view interfaces.IChartView) {
	r.mu.Lock()
	e, ok := r.stores[chartID]
	var unwatch func()
	if ok {
		unwatch = e.unwatch[view]
		delete(e.unwatch, view)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	if unwatch != nil {
		unwatch()
	}
	e.store.DetachView(view)
}

// -----------------------------------------------------------------------------

// loaded reports whether any series of the store holds points.
func loaded(store *series.Store) bool {
	for _, key := range store.SeriesKeys() {
		if _, ok := store.EarliestTime(key); ok {
			return true
		}
	}
	return false
}

// -----------------------------------------------------------------------------

func (r *Registry) loadInitial(ctx context.Context, store *series.Store) {
	if r.initial == nil {
		return
	}
	if err := r.initial.Load(ctx, store); err != nil {
		r.Logger.Warning("Chart %d: initial history load incomplete: %v", store.ChartID(), err)
	}
}

// -----------------------------------------------------------------------------

// Reinitialize empties the chart's buffers, re-reads its config and installs
// fresh history. Fetches started before the call are discarded.
func (r *Registry) Reinitialize(ctx context.Context, chartID int64) error {
	store, ok := r.Lookup(chartID)
	if !ok {
		return helpers.Wrap(helpers.ErrUnknownChart, "chart %d is not open", chartID)
	}

	store.Reset()
	if err := store.SyncChartConfig(ctx); err != nil {
		return err
	}
	r.loadInitial(ctx, store)
	return nil
}

// -----------------------------------------------------------------------------

// Release closes the chart's store, which cancels all of its routing
// subscriptions, and forgets it. Unknown ids are ignored.
func (r *Registry) Release(chartID int64) {
	r.mu.Lock()
	e, ok := r.stores[chartID]
	if ok {
		delete(r.stores, chartID)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	for _, unwatch := range e.unwatch {
		unwatch()
	}
	e.store.Close()
	if r.loader != nil {
		r.loader.Forget(chartID)
	}
	r.Logger.Info("Released store for chart %d", chartID)
}

// -----------------------------------------------------------------------------

// ChartIDs lists open charts in ascending order.
func (r *Registry) ChartIDs() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]int64, 0, len(r.stores))
	for id := range r.stores {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// -----------------------------------------------------------------------------

// CloseAll releases every open chart.
func (r *Registry) CloseAll() {
	for _, id := range r.ChartIDs() {
		r.Release(id)
	}
}
