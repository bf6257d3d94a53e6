package history

import (
	"context"

	"chart-sync/src/helpers"
	"chart-sync/src/interfaces"
	"chart-sync/src/logger"
	"chart-sync/src/models"

	"golang.org/x/sync/errgroup"
)

const maxParallelFetches = 4

// InitialLoader installs the latest page of every series of a chart.
type InitialLoader struct {
	fetcher  interfaces.IHistoryFetcher
	pageSize int
	logger   *logger.Logger
}

// -----------------------------------------------------------------------------

func NewInitialLoader(fetcher interfaces.IHistoryFetcher, pageSize int, log *logger.Logger) *InitialLoader {
	if log == nil {
		log = logger.NewNopLogger("history.initial")
	}
	if pageSize <= 0 {
		pageSize = 100
	}
	return &InitialLoader{fetcher: fetcher, pageSize: pageSize, logger: log}
}

// -----------------------------------------------------------------------------

// Load fetches every series concurrently. A failing series does not stop the
// others; the first error is returned once all have finished.
func (l *InitialLoader) Load(ctx context.Context, target Target) error {
	gen := target.Generation()

	var g errgroup.Group
	g.SetLimit(maxParallelFetches)

	for _, key := range target.SeriesKeys() {
		g.Go(func() error {
			req := models.HistoryRequest{SeriesID: key, Limit: l.pageSize}
			records, err := l.fetcher.FetchHistory(ctx, req)
			if err != nil {
				l.logger.Error("Chart %d: initial history for %s failed: %v", target.ChartID(), key, err)
				return helpers.NewError(helpers.KindFetch, err, "initial history for %s", key)
			}
			if err := target.InstallRecords(gen, key, records); err != nil {
				return err
			}
			l.logger.Debug("Chart %d: installed %d records for %s", target.ChartID(), len(records), key)
			return nil
		})
	}
	return g.Wait()
}
