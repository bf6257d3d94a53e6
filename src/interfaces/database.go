package interfaces

import (
	"context"

	"chart-sync/src/models"
)

// -----------------------------------------------------------------------------
// IDatabase defines the contract for storage operations.
// -----------------------------------------------------------------------------

type IDatabase interface {
	IConfigStore
	IHistoryFetcher

	// -----------------------------------------------------------------------------

	// Initialize sets up the database schema and tables.
	Initialize() error

	// -----------------------------------------------------------------------------

	// SaveChartConfig inserts or replaces a chart configuration.
	SaveChartConfig(ctx context.Context, cfg *models.ChartConfig) error

	// -----------------------------------------------------------------------------

	// ListChartIDs returns every configured chart id in ascending order.
	ListChartIDs(ctx context.Context) ([]int64, error)

	// -----------------------------------------------------------------------------

	// SaveHistoryBulk upserts history records of one series.
	SaveHistoryBulk(ctx context.Context, seriesID string, records []models.HistoryRecord) error

	// -----------------------------------------------------------------------------

	// Close the database connection
	Close() error
}
