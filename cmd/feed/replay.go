package main

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"chart-sync/src/interfaces"
	"chart-sync/src/logger"
	"chart-sync/src/models"
	"chart-sync/src/push"
	"chart-sync/src/router"
	"chart-sync/src/stream"
)

const (
	ticksPerBar   = 5
	stateLogEvery = 10
)

// replayer advances every feed series once per tick and broadcasts the
// resulting events on one hub per push topic.
type replayer struct {
	db     interfaces.IDatabase
	feeds  []*feedSeries
	hubs   map[string]*stream.Hub[[]byte]
	logger *logger.Logger
	cycle  int64
}

// -----------------------------------------------------------------------------

func newReplayer(db interfaces.IDatabase, feeds []*feedSeries, buffer int, log *logger.Logger) *replayer {
	hubs := make(map[string]*stream.Hub[[]byte])
	for _, topic := range []string{push.TopicMarket, push.TopicRunningLog, push.TopicStateLog, push.TopicTest} {
		hubs[topic] = stream.NewHub[[]byte](topic, buffer, log.Named(topic))
	}
	return &replayer{db: db, feeds: feeds, hubs: hubs, logger: log}
}

// -----------------------------------------------------------------------------

// Hub returns the broadcast hub of a topic.
func (r *replayer) Hub(topic string) (*stream.Hub[[]byte], bool) {
	h, ok := r.hubs[topic]
	return h, ok
}

// -----------------------------------------------------------------------------

func (r *replayer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

// -----------------------------------------------------------------------------

func (r *replayer) tick(ctx context.Context) {
	r.cycle++
	now := time.Now().UTC().Format(models.DatetimeLayout)

	for _, s := range r.feeds {
		s.walk()
		r.publishBar(s)

		r.publish(push.TopicRunningLog, router.RunningLog{
			OperationKey: s.klineKey,
			CycleID:      r.cycle,
			Datetime:     now,
			Level:        "info",
			Message:      "close " + formatPrice(s.bar.Close),
			Handle:       router.Handle{NodeID: "feed", HandleID: s.klineKey},
		}, router.KindRunningLog)

		r.publish(push.TopicTest, router.NodeTestOutput{
			OperationKey: s.klineKey,
			Datetime:     now,
			Data:         mustJSON(s.bar),
			Handle:       router.Handle{NodeID: "feed", HandleID: s.klineKey},
		}, router.KindNodeTestOutput)

		if r.cycle%ticksPerBar == 0 {
			r.persist(ctx, s)
			s.closeBar()
			s.openBar(s.barTime + s.step)
			r.publishBar(s)
		}
	}

	if r.cycle%stateLogEvery == 0 {
		r.publish(push.TopicStateLog, router.StateLog{
			OperationKey: "feed",
			StrategyID:   1,
			Datetime:     now,
			State:        "running",
			Message:      "cycle " + strconv.FormatInt(r.cycle, 10),
			Handle:       router.Handle{NodeID: "feed", HandleID: "state"},
		}, router.KindStateLog)
	}
}

// -----------------------------------------------------------------------------

// publishBar emits the open bar and its indicators on the market topic.
func (r *replayer) publishBar(s *feedSeries) {
	kline, sma, boll := s.records()

	r.publish(push.TopicMarket, router.KlineUpdate{
		KlineKey: s.klineKey,
		Kline:    wirePoints(kline),
	}, router.KindKlineUpdate)

	if len(sma) == 0 {
		return
	}
	r.publish(push.TopicMarket, router.IndicatorUpdate{
		IndicatorKey:   s.smaKey,
		IndicatorValue: mustJSON(wirePoints(sma)),
	}, router.KindIndicatorUpdate)

	channels := make(map[string][]models.WirePoint)
	for name, v := range boll[0].Values {
		channels[name] = wirePoints([]models.HistoryRecord{{Time: boll[0].Time, Values: map[string]float64{"": v}}})
	}
	r.publish(push.TopicMarket, router.IndicatorUpdate{
		IndicatorKey:   s.bollKey,
		IndicatorValue: mustJSON(channels),
	}, router.KindIndicatorUpdate)
}

// -----------------------------------------------------------------------------

// persist stores the closing bar so later history pages include it.
func (r *replayer) persist(ctx context.Context, s *feedSeries) {
	kline, sma, boll := s.records()
	for id, recs := range map[string][]models.HistoryRecord{s.klineKey: kline, s.smaKey: sma, s.bollKey: boll} {
		if len(recs) == 0 {
			continue
		}
		if err := r.db.SaveHistoryBulk(ctx, id, recs); err != nil {
			r.logger.Error("Persisting %s at %d: %v", id, s.barTime, err)
		}
	}
}

// -----------------------------------------------------------------------------

// publish encodes an event with its discriminant and broadcasts it.
func (r *replayer) publish(topic string, event interface{}, kind router.EventKind) {
	body, err := json.Marshal(event)
	if err != nil {
		r.logger.Error("Encoding %s: %v", kind, err)
		return
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		r.logger.Error("Encoding %s: %v", kind, err)
		return
	}
	fields["event"] = mustJSON(string(kind))

	payload, err := json.Marshal(fields)
	if err != nil {
		r.logger.Error("Encoding %s: %v", kind, err)
		return
	}
	r.hubs[topic].Broadcast(payload)
}

// -----------------------------------------------------------------------------

func (r *replayer) Close() {
	for _, h := range r.hubs {
		h.Close()
	}
}

// -----------------------------------------------------------------------------

func wirePoints(recs []models.HistoryRecord) []models.WirePoint {
	out := make([]models.WirePoint, 0, len(recs))
	for _, rec := range recs {
		out = append(out, models.NewWirePoint(rec))
	}
	return out
}

func mustJSON(v interface{}) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
