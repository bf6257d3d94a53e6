package interfaces

import "chart-sync/src/models"

// -----------------------------------------------------------------------------
// IViewSink is the passive rendering target of one series buffer.
// -----------------------------------------------------------------------------

type IViewSink interface {

	// SetFullSeries replaces everything the sink shows.
	SetFullSeries(points []models.Point)

	// -----------------------------------------------------------------------------

	// AppendPoint adds a point after the last one.
	AppendPoint(point models.Point)

	// -----------------------------------------------------------------------------

	// UpdateLastPoint replaces the last point in place.
	UpdateLastPoint(point models.Point)
}

// -----------------------------------------------------------------------------
// IChartView is the rendering side of one chart: it owns the viewport and hands
// out one sink per buffer.
// -----------------------------------------------------------------------------

type IChartView interface {

	// Sink returns the sink bound to a buffer. Repeated calls for the same id
	// return a sink that renders into the same series.
	Sink(id models.BufferID) IViewSink

	// -----------------------------------------------------------------------------

	// GetVisibleLogicalRange returns nil while nothing is rendered.
	GetVisibleLogicalRange() *models.LogicalRange

	// -----------------------------------------------------------------------------

	// OnVisibleRangeChanged registers a viewport callback and returns its
	// unsubscribe function.
	OnVisibleRangeChanged(cb func(models.LogicalRange)) (unsubscribe func())
}
