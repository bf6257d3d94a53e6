package router

import (
	"context"

	"chart-sync/src/helpers"
	"chart-sync/src/logger"
	"chart-sync/src/models"
	"chart-sync/src/stream"
)

// Source opens a raw message subscription bound to ctx.
type Source func(ctx context.Context) *stream.Subscription[models.Message]

// Router turns one heterogeneous message stream into typed streams filtered by
// kind, routing key and origin handle. Every stream it returns owns its own
// upstream subscription; closing it never affects other consumers.
type Router struct {
	source Source
	size   int
	log    *logger.Logger
}

// -----------------------------------------------------------------------------

func NewRouter(source Source, bufferSize int, log *logger.Logger) *Router {
	if log == nil {
		log = logger.NewNopLogger("router")
	}
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &Router{source: source, size: bufferSize, log: log}
}

// -----------------------------------------------------------------------------

// StreamForKind yields every message of one kind, decoded. Messages that fail
// to decode are logged and skipped.
func (r *Router) StreamForKind(ctx context.Context, kind EventKind) *stream.Subscription[Event] {
	return r.filtered(ctx, kind, func(Event) bool { return true })
}

// -----------------------------------------------------------------------------

// StreamForKey narrows StreamForKind to one routing key.
func (r *Router) StreamForKey(ctx context.Context, kind EventKind, key string) *stream.Subscription[Event] {
	key = canonicalKey(key)
	return r.filtered(ctx, kind, func(ev Event) bool { return ev.RoutingKey() == key })
}

// -----------------------------------------------------------------------------

// NodeOutputStream narrows StreamForKey to events emitted by one node handle.
// Events without an origin never match.
func (r *Router) NodeOutputStream(ctx context.Context, kind EventKind, key string, handle Handle) *stream.Subscription[Event] {
	key = canonicalKey(key)
	return r.filtered(ctx, kind, func(ev Event) bool {
		return ev.RoutingKey() == key && MatchesHandle(ev, handle)
	})
}

// MatchesHandle is the origin filter applied by NodeOutputStream.
func MatchesHandle(ev Event, handle Handle) bool {
	o, ok := ev.(Originated)
	return ok && o.Origin() == handle
}

// -----------------------------------------------------------------------------

// KlineStream projects a kline series onto its points.
func (r *Router) KlineStream(ctx context.Context, key string) *stream.Subscription[[]models.Point] {
	src := r.StreamForKey(ctx, KindKlineUpdate, key)
	return stream.Pipe(ctx, src, r.size, func(ev Event) ([]models.Point, bool) {
		p := &projector{}
		ev.Accept(p)
		return p.points, p.points != nil
	})
}

// -----------------------------------------------------------------------------

// IndicatorStream projects an indicator series onto its points per channel.
func (r *Router) IndicatorStream(ctx context.Context, key string) *stream.Subscription[map[string][]models.Point] {
	src := r.StreamForKey(ctx, KindIndicatorUpdate, key)
	return stream.Pipe(ctx, src, r.size, func(ev Event) (map[string][]models.Point, bool) {
		p := &projector{}
		ev.Accept(p)
		return p.channels, p.channels != nil
	})
}

// -----------------------------------------------------------------------------

func (r *Router) filtered(ctx context.Context, kind EventKind, keep func(Event) bool) *stream.Subscription[Event] {
	raw := r.source(ctx)
	return stream.Pipe(ctx, raw, r.size, func(msg models.Message) (Event, bool) {
		if EventKind(msg.Event) != kind {
			if !Known(EventKind(msg.Event)) {
				r.log.Debug("ignoring unknown event kind %q on %s", msg.Event, msg.Topic)
			}
			return nil, false
		}

		ev, err := Decode(msg)
		if err != nil {
			r.log.Warning("%v", helpers.NewError(helpers.KindDecode, err, "%s message on %s", msg.Event, msg.Topic))
			return nil, false
		}
		if !keep(ev) {
			return nil, false
		}
		return ev, true
	})
}

// -----------------------------------------------------------------------------

// projector extracts the consumer payload out of market events.
type projector struct {
	points   []models.Point
	channels map[string][]models.Point
}

func (p *projector) VisitKlineUpdate(e *KlineUpdate) { p.points = e.Points() }

func (p *projector) VisitIndicatorUpdate(e *IndicatorUpdate) { p.channels = e.Channels() }

func (p *projector) VisitRunningLog(*RunningLog) {}

func (p *projector) VisitStateLog(*StateLog) {}

func (p *projector) VisitNodeTestOutput(*NodeTestOutput) {}
