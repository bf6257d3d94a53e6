package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"chart-sync/src/helpers"
	"chart-sync/src/models"
	"chart-sync/src/router"
	"chart-sync/src/stream"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// -----------------------------------------------------------------------------
// Session Registration
// -----------------------------------------------------------------------------

func (s *Server) register(sess *Session) {
	s.stateMutex.Lock()
	defer s.stateMutex.Unlock()

	s.sessions[sess.ID] = sess
	s.chartViews[sess.ChartID]++
}

// -----------------------------------------------------------------------------

// unregister forgets a session and releases its chart once no other session
// renders it.
func (s *Server) unregister(sess *Session) {
	s.stateMutex.Lock()
	if _, ok := s.sessions[sess.ID]; !ok {
		s.stateMutex.Unlock()
		return
	}
	delete(s.sessions, sess.ID)
	s.chartViews[sess.ChartID]--
	last := s.chartViews[sess.ChartID] <= 0
	if last {
		delete(s.chartViews, sess.ChartID)
	}
	s.stateMutex.Unlock()

	s.deps.Registry.Detach(sess.ChartID, sess)
	if last {
		s.deps.Registry.Release(sess.ChartID)
	}
	s.Logger.Info("Session %s for chart %d closed", sess.ID, sess.ChartID)
}

// -----------------------------------------------------------------------------
// WebSocket Handlers
// -----------------------------------------------------------------------------

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// -----------------------------------------------------------------------------

func (s *Server) handleChartSocket(c *gin.Context) {
	chartID, err := strconv.ParseInt(c.Param("chartId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chart id"})
		return
	}

	// Resolve the chart before upgrading so an unknown chart is a plain 404
	if _, err := s.deps.Registry.Get(c.Request.Context(), chartID); err != nil {
		if errors.Is(err, helpers.ErrUnknownChart) {
			c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("unknown chart %d", chartID)})
			return
		}
		s.Logger.Error("Failed to open chart %d: %v", chartID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.Logger.Info("Failed to upgrade websocket: %v", err)
		s.releaseIfUnviewed(chartID)
		return
	}

	sess := newSession(s.ctx, chartID, conn, s.deps.Registry, s.Logger)
	s.register(sess)
	s.Logger.Info("Session %s opened for chart %d", sess.ID, chartID)

	go sess.writePump()
	go func() {
		defer s.unregister(sess)

		if _, err := s.deps.Registry.Open(sess.ctx, chartID, sess); err != nil {
			s.Logger.Error("Failed to attach session %s: %v", sess.ID, err)
			sess.Close()
			return
		}
		sess.readPump()
	}()
}

// -----------------------------------------------------------------------------

func (s *Server) releaseIfUnviewed(chartID int64) {
	s.stateMutex.RLock()
	viewed := s.chartViews[chartID] > 0
	s.stateMutex.RUnlock()

	if !viewed {
		s.deps.Registry.Release(chartID)
	}
}

// -----------------------------------------------------------------------------

// handleEventSocket streams decoded events of one topic, filtered by the
// kind, key, nodeId and handleId query parameters.
func (s *Server) handleEventSocket(c *gin.Context) {
	topic := c.Param("topic")
	if s.deps.Push == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no push channels"})
		return
	}
	if _, err := s.deps.Push.Client(topic); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	kind := router.EventKind(c.Query("kind"))
	if !router.Known(kind) {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown event kind %q", kind)})
		return
	}
	key := c.Query("key")
	handle := router.Handle{NodeID: c.Query("nodeId"), HandleID: c.Query("handleId")}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.Logger.Info("Failed to upgrade websocket: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	rt := router.NewRouter(func(ctx context.Context) *stream.Subscription[models.Message] {
		return s.deps.Push.CreateStream(ctx, topic)
	}, sendBuffer, s.Logger)

	var sub *stream.Subscription[router.Event]
	switch {
	case key == "":
		sub = rt.StreamForKind(ctx, kind)
	case handle.NodeID != "" || handle.HandleID != "":
		sub = rt.NodeOutputStream(ctx, kind, key, handle)
	default:
		sub = rt.StreamForKey(ctx, kind, key)
	}

	go eventWritePump(conn, sub, cancel)
	go eventReadPump(conn, cancel)
}
