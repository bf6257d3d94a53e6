package server

import (
	"context"
	"fmt"
	"time"

	"chart-sync/src/router"
	"chart-sync/src/stream"

	"github.com/gorilla/websocket"
)

// eventFrame is the outbound form of a routed event.
type eventFrame struct {
	Kind   router.EventKind `json:"kind"`
	Key    string           `json:"key"`
	Origin *router.Handle   `json:"origin,omitempty"`
	Text   string           `json:"text,omitempty"`
	Event  router.Event     `json:"event"`
}

func newEventFrame(ev router.Event) eventFrame {
	f := eventFrame{Kind: ev.Kind(), Key: ev.RoutingKey(), Event: ev}
	if o, ok := ev.(router.Originated); ok {
		h := o.Origin()
		f.Origin = &h
	}
	r := &textRenderer{}
	ev.Accept(r)
	f.Text = r.text
	return f
}

// -----------------------------------------------------------------------------

// textRenderer writes a one-line summary of an event.
type textRenderer struct {
	text string
}

func (r *textRenderer) VisitKlineUpdate(e *router.KlineUpdate) {
	r.text = fmt.Sprintf("%s: %d bars", e.KlineKey, len(e.Points()))
}

func (r *textRenderer) VisitIndicatorUpdate(e *router.IndicatorUpdate) {
	r.text = fmt.Sprintf("%s: %d channels", e.IndicatorKey, len(e.Channels()))
}

func (r *textRenderer) VisitRunningLog(e *router.RunningLog) {
	r.text = fmt.Sprintf("[%s] %s cycle %d: %s", e.Level, e.Datetime, e.CycleID, e.Message)
}

func (r *textRenderer) VisitStateLog(e *router.StateLog) {
	r.text = fmt.Sprintf("%s strategy %d -> %s: %s", e.Datetime, e.StrategyID, e.State, e.Message)
}

func (r *textRenderer) VisitNodeTestOutput(e *router.NodeTestOutput) {
	r.text = fmt.Sprintf("%s %s/%s: %s", e.Datetime, e.NodeID, e.HandleID, e.Data)
}

// -----------------------------------------------------------------------------

func eventWritePump(conn *websocket.Conn, sub *stream.Subscription[router.Event], cancel context.CancelFunc) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sub.Close()
		cancel()
		conn.Close()
	}()

	for {
		select {
		case ev, ok := <-sub.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteJSON(newEventFrame(ev)); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// -----------------------------------------------------------------------------

// eventReadPump discards inbound frames and cancels the stream on disconnect.
func eventReadPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
