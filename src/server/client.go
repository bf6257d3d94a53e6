package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"chart-sync/src/interfaces"
	"chart-sync/src/logger"
	"chart-sync/src/models"
	"chart-sync/src/registry"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// -----------------------------------------------------------------------------
// Constants
// -----------------------------------------------------------------------------

const (
	writeWait      = 2 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 1024
)

// -----------------------------------------------------------------------------
// Frames
// -----------------------------------------------------------------------------

type fullFrame struct {
	Op      string         `json:"op"`
	Series  string         `json:"series"`
	Channel string         `json:"channel,omitempty"`
	Points  []models.Point `json:"points"`
}

type pointFrame struct {
	Op      string       `json:"op"`
	Series  string       `json:"series"`
	Channel string       `json:"channel,omitempty"`
	Point   models.Point `json:"point"`
}

type statusFrame struct {
	Op      string `json:"op"`
	Command string `json:"command,omitempty"`
	Message string `json:"message,omitempty"`
}

// viewCommand is one inbound message of a chart session.
type viewCommand struct {
	Command string  `json:"command"`
	From    float64 `json:"from"`
	To      float64 `json:"to"`
	Series  string  `json:"series"`
	Visible bool    `json:"visible"`
}

// -----------------------------------------------------------------------------
// Session
// -----------------------------------------------------------------------------

// Session is one chart rendered by a remote client over a WebSocket. It is
// the chart's view: sink operations become outbound frames and visible_range
// commands drive the viewport callbacks.
type Session struct {
	ID       string
	ChartID  int64
	conn     *websocket.Conn
	registry *registry.Registry
	logger   *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	send   chan any
	once   sync.Once

	mu        sync.Mutex
	rng       *models.LogicalRange
	watchers  map[int]func(models.LogicalRange)
	nextWatch int
}

// -----------------------------------------------------------------------------

func newSession(ctx context.Context, chartID int64, conn *websocket.Conn, reg *registry.Registry, log *logger.Logger) *Session {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(ctx)
	return &Session{
		ID:       id,
		ChartID:  chartID,
		conn:     conn,
		registry: reg,
		logger:   log.With("session", id, "chartId", chartID),
		ctx:      ctx,
		cancel:   cancel,
		send:     make(chan any, sendBuffer),
		watchers: make(map[int]func(models.LogicalRange)),
	}
}

// -----------------------------------------------------------------------------
// View
// -----------------------------------------------------------------------------

func (s *Session) Sink(id models.BufferID) interfaces.IViewSink {
	return &sessionSink{session: s, id: id}
}

func (s *Session) GetVisibleLogicalRange() *models.LogicalRange {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rng == nil {
		return nil
	}
	r := *s.rng
	return &r
}

func (s *Session) OnVisibleRangeChanged(cb func(models.LogicalRange)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextWatch
	s.nextWatch++
	s.watchers[id] = cb
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.watchers, id)
	}
}

// -----------------------------------------------------------------------------

func (s *Session) setVisibleRange(rng models.LogicalRange) {
	s.mu.Lock()
	s.rng = &rng
	cbs := make([]func(models.LogicalRange), 0, len(s.watchers))
	for _, cb := range s.watchers {
		cbs = append(cbs, cb)
	}
	s.mu.Unlock()

	for _, cb := range cbs {
		cb(rng)
	}
}

// -----------------------------------------------------------------------------

// enqueue never blocks: sinks are called under the store lock. A client that
// cannot keep up is disconnected.
func (s *Session) enqueue(frame any) {
	select {
	case <-s.ctx.Done():
		return
	default:
	}

	select {
	case s.send <- frame:
	default:
		s.logger.Warning("Client too slow, disconnecting")
		s.Close()
	}
}

// -----------------------------------------------------------------------------

// Close ends the session. The read pump notices and unregisters it.
func (s *Session) Close() {
	s.once.Do(func() {
		s.cancel()
		s.conn.Close()
	})
}

// -----------------------------------------------------------------------------

type sessionSink struct {
	session *Session
	id      models.BufferID
}

func (k *sessionSink) SetFullSeries(points []models.Point) {
	if points == nil {
		points = []models.Point{}
	}
	k.session.enqueue(fullFrame{Op: "set_full", Series: k.id.Series, Channel: k.id.Channel, Points: points})
}

func (k *sessionSink) AppendPoint(p models.Point) {
	k.session.enqueue(pointFrame{Op: "append", Series: k.id.Series, Channel: k.id.Channel, Point: p})
}

func (k *sessionSink) UpdateLastPoint(p models.Point) {
	k.session.enqueue(pointFrame{Op: "update_last", Series: k.id.Series, Channel: k.id.Channel, Point: p})
}

// -----------------------------------------------------------------------------
// readPump - handles incoming commands from the client
// Act as a Watchdog for the connection
// -----------------------------------------------------------------------------

func (s *Session) readPump() {
	defer s.Close()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Info("WebSocket error: %v", err)
			}
			return
		}
		s.handleCommand(message)
	}
}

// -----------------------------------------------------------------------------
// writePump - sends frames to the client
// -----------------------------------------------------------------------------

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Close()
	}()

	for {
		select {
		case frame := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(frame); err != nil {
				s.logger.Info("Write error: %v", err)
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-s.ctx.Done():
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// -----------------------------------------------------------------------------
// Command Handling
// -----------------------------------------------------------------------------

func (s *Session) handleCommand(message []byte) {
	var cmd viewCommand
	if err := json.Unmarshal(message, &cmd); err != nil {
		s.logger.Info("Failed to parse client command: %v", err)
		s.enqueue(statusFrame{Op: "error", Message: "malformed command"})
		return
	}

	switch cmd.Command {
	case "visible_range":
		s.setVisibleRange(models.LogicalRange{From: cmd.From, To: cmd.To})

	case "set_visible":
		store, ok := s.registry.Lookup(s.ChartID)
		if !ok {
			return
		}
		store.SetVisible(cmd.Series, cmd.Visible)

	case "sync_config":
		store, ok := s.registry.Lookup(s.ChartID)
		if !ok {
			return
		}
		if err := store.SyncChartConfig(s.ctx); err != nil {
			s.enqueue(statusFrame{Op: "error", Command: cmd.Command, Message: err.Error()})
			return
		}
		s.enqueue(statusFrame{Op: "ack", Command: cmd.Command})

	case "reinitialize":
		if err := s.registry.Reinitialize(s.ctx, s.ChartID); err != nil {
			s.enqueue(statusFrame{Op: "error", Command: cmd.Command, Message: err.Error()})
			return
		}
		s.enqueue(statusFrame{Op: "ack", Command: cmd.Command})

	default:
		s.enqueue(statusFrame{Op: "error", Command: cmd.Command, Message: "unknown command"})
	}
}
