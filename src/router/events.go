package router

import (
	"encoding/json"
	"fmt"

	"chart-sync/src/models"
)

// EventKind is the "event" discriminant of a push message.
type EventKind string

const (
	KindKlineUpdate     EventKind = "kline-update"
	KindIndicatorUpdate EventKind = "indicator-update"
	KindRunningLog      EventKind = "strategy-running-log"
	KindStateLog        EventKind = "strategy-state-log"
	KindNodeTestOutput  EventKind = "node-test-output"
)

// Event is the closed set of typed push events.
type Event interface {
	Kind() EventKind
	RoutingKey() string
	Accept(v Visitor)
}

// Visitor has one method per event kind. Adding a kind breaks every visitor
// until it handles the new kind.
type Visitor interface {
	VisitKlineUpdate(e *KlineUpdate)
	VisitIndicatorUpdate(e *IndicatorUpdate)
	VisitRunningLog(e *RunningLog)
	VisitStateLog(e *StateLog)
	VisitNodeTestOutput(e *NodeTestOutput)
}

// Handle identifies a node output a listener is wired to.
type Handle struct {
	NodeID   string `json:"nodeId"`
	HandleID string `json:"handleId"`
}

// Originated is implemented by events that carry the handle they came from.
type Originated interface {
	Origin() Handle
}

// -----------------------------------------------------------------------------
// Market events
// -----------------------------------------------------------------------------

type KlineUpdate struct {
	KlineKey string             `json:"klineKey"`
	Kline    []models.WirePoint `json:"kline"`

	points []models.Point
}

func (e *KlineUpdate) Kind() EventKind        { return KindKlineUpdate }
func (e *KlineUpdate) RoutingKey() string     { return e.KlineKey }
func (e *KlineUpdate) Accept(v Visitor)       { v.VisitKlineUpdate(e) }
func (e *KlineUpdate) Points() []models.Point { return e.points }

// IndicatorUpdate carries one array of points per value channel. A bare array
// is a single-value indicator and lands on the unnamed channel.
type IndicatorUpdate struct {
	IndicatorKey   string          `json:"indicatorKey"`
	IndicatorValue json.RawMessage `json:"indicatorValue"`

	channels map[string][]models.Point
}

func (e *IndicatorUpdate) Kind() EventKind    { return KindIndicatorUpdate }
func (e *IndicatorUpdate) RoutingKey() string { return e.IndicatorKey }
func (e *IndicatorUpdate) Accept(v Visitor)   { v.VisitIndicatorUpdate(e) }

// Channels returns the decoded points per channel.
func (e *IndicatorUpdate) Channels() map[string][]models.Point { return e.channels }

// -----------------------------------------------------------------------------
// Strategy events
// -----------------------------------------------------------------------------

type RunningLog struct {
	OperationKey string `json:"operationKey"`
	CycleID      int64  `json:"cycleId"`
	Datetime     string `json:"datetime"`
	Level        string `json:"level"`
	Message      string `json:"message"`
	Handle
}

func (e *RunningLog) Kind() EventKind    { return KindRunningLog }
func (e *RunningLog) RoutingKey() string { return e.OperationKey }
func (e *RunningLog) Accept(v Visitor)   { v.VisitRunningLog(e) }
func (e *RunningLog) Origin() Handle     { return e.Handle }

type StateLog struct {
	OperationKey string `json:"operationKey"`
	StrategyID   int64  `json:"strategyId"`
	Datetime     string `json:"datetime"`
	State        string `json:"state"`
	Message      string `json:"message"`
	Handle
}

func (e *StateLog) Kind() EventKind    { return KindStateLog }
func (e *StateLog) RoutingKey() string { return e.OperationKey }
func (e *StateLog) Accept(v Visitor)   { v.VisitStateLog(e) }
func (e *StateLog) Origin() Handle     { return e.Handle }

type NodeTestOutput struct {
	OperationKey string          `json:"operationKey"`
	Datetime     string          `json:"datetime"`
	Data         json.RawMessage `json:"data"`
	Handle
}

func (e *NodeTestOutput) Kind() EventKind    { return KindNodeTestOutput }
func (e *NodeTestOutput) RoutingKey() string { return e.OperationKey }
func (e *NodeTestOutput) Accept(v Visitor)   { v.VisitNodeTestOutput(e) }
func (e *NodeTestOutput) Origin() Handle     { return e.Handle }

// -----------------------------------------------------------------------------
// Decoding
// -----------------------------------------------------------------------------

type decoder func(payload []byte) (Event, error)

var decoders = map[EventKind]decoder{
	KindKlineUpdate:     decodeKline,
	KindIndicatorUpdate: decodeIndicator,
	KindRunningLog:      decodeInto[RunningLog],
	KindStateLog:        decodeInto[StateLog],
	KindNodeTestOutput:  decodeInto[NodeTestOutput],
}

// Known reports whether a decoder exists for kind.
func Known(kind EventKind) bool {
	_, ok := decoders[kind]
	return ok
}

// Decode turns a message into its typed event.
func Decode(msg models.Message) (Event, error) {
	dec, ok := decoders[EventKind(msg.Event)]
	if !ok {
		return nil, fmt.Errorf("unknown event kind %q", msg.Event)
	}
	return dec(msg.Payload)
}

// -----------------------------------------------------------------------------

func decodeInto[T any, PT interface {
	*T
	Event
}](payload []byte) (Event, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, err
	}
	return PT(&v), nil
}

// -----------------------------------------------------------------------------

func decodeKline(payload []byte) (Event, error) {
	var e KlineUpdate
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, err
	}
	if e.KlineKey == "" {
		return nil, fmt.Errorf("kline-update without klineKey")
	}
	e.KlineKey = canonicalKey(e.KlineKey)

	e.points = make([]models.Point, 0, len(e.Kline))
	for i, w := range e.Kline {
		p, err := w.Point()
		if err != nil {
			return nil, fmt.Errorf("kline[%d]: %w", i, err)
		}
		if p.Bar == nil {
			return nil, fmt.Errorf("kline[%d]: missing close", i)
		}
		e.points = append(e.points, p)
	}
	return &e, nil
}

// -----------------------------------------------------------------------------

func decodeIndicator(payload []byte) (Event, error) {
	var e IndicatorUpdate
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, err
	}
	if e.IndicatorKey == "" {
		return nil, fmt.Errorf("indicator-update without indicatorKey")
	}
	e.IndicatorKey = canonicalKey(e.IndicatorKey)

	raw := map[string][]models.WirePoint{}
	var single []models.WirePoint
	if err := json.Unmarshal(e.IndicatorValue, &single); err == nil {
		raw[""] = single
	} else if err := json.Unmarshal(e.IndicatorValue, &raw); err != nil {
		return nil, fmt.Errorf("indicatorValue: %w", err)
	}

	e.channels = make(map[string][]models.Point, len(raw))
	for ch, wires := range raw {
		points := make([]models.Point, 0, len(wires))
		for i, w := range wires {
			p, err := w.Point()
			if err != nil {
				return nil, fmt.Errorf("indicatorValue[%s][%d]: %w", ch, i, err)
			}
			points = append(points, p)
		}
		e.channels[ch] = points
	}
	return &e, nil
}

// -----------------------------------------------------------------------------

// canonicalKey normalizes parseable series keys so that param order does not
// affect routing. Unparseable keys are kept as sent.
func canonicalKey(raw string) string {
	if k, err := models.ParseSeriesKey(raw); err == nil {
		return k.String()
	}
	return raw
}
