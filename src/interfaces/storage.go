package interfaces

import (
	"context"

	"chart-sync/src/models"
)

// -----------------------------------------------------------------------------
// IConfigStore is the read side of chart configuration.
// -----------------------------------------------------------------------------

type IConfigStore interface {

	// GetChartConfig returns nil, nil for an unknown chart.
	GetChartConfig(ctx context.Context, chartID int64) (*models.ChartConfig, error)
}

// -----------------------------------------------------------------------------
// IHistoryFetcher returns one page of history, oldest first.
// -----------------------------------------------------------------------------

type IHistoryFetcher interface {
	FetchHistory(ctx context.Context, req models.HistoryRequest) ([]models.HistoryRecord, error)
}
