package series

import (
	"chart-sync/src/interfaces"
	"chart-sync/src/models"
)

// nullSink is bound to buffers while no view is attached.
type nullSink struct{}

func (nullSink) SetFullSeries([]models.Point) {}
func (nullSink) AppendPoint(models.Point)     {}
func (nullSink) UpdateLastPoint(models.Point) {}

var _ interfaces.IViewSink = nullSink{}

// multiSink fans every operation out to the sinks of several views.
type multiSink []interfaces.IViewSink

func (m multiSink) SetFullSeries(points []models.Point) {
	for _, s := range m {
		s.SetFullSeries(copyPoints(points))
	}
}

func (m multiSink) AppendPoint(p models.Point) {
	for _, s := range m {
		s.AppendPoint(p)
	}
}

func (m multiSink) UpdateLastPoint(p models.Point) {
	for _, s := range m {
		s.UpdateLastPoint(p)
	}
}

var _ interfaces.IViewSink = multiSink(nil)
