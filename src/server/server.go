package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"chart-sync/src/helpers"
	"chart-sync/src/interfaces"
	"chart-sync/src/logger"
	"chart-sync/src/models"
	"chart-sync/src/push"
	"chart-sync/src/registry"

	"github.com/gin-gonic/gin"
)

const defaultHistoryLimit = 100

// ChartLister lists the charts that have a stored configuration.
type ChartLister interface {
	ListChartIDs(ctx context.Context) ([]int64, error)
}

// Deps are the engine components the gateway exposes. Push, History and
// Charts may be nil; the matching endpoints then report them as unavailable.
type Deps struct {
	Registry *registry.Registry
	Push     *push.Manager
	History  interfaces.IHistoryFetcher
	Charts   ChartLister
}

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

type Server struct {
	Config *models.MConfig
	Logger *logger.Logger
	engine *gin.Engine
	http   *http.Server
	deps   Deps

	ctx    context.Context
	cancel context.CancelFunc

	// Open view sessions, keyed by session id
	sessions   map[string]*Session
	chartViews map[int64]int
	stateMutex sync.RWMutex
}

// -----------------------------------------------------------------------------
// Constructor
// -----------------------------------------------------------------------------

func NewServer(cfg *models.MConfig, log *logger.Logger, deps Deps) *Server {
	// Set Gin mode
	if cfg.LogLevel != "DEBUG" {
		gin.SetMode(gin.ReleaseMode)
	}
	if log == nil {
		log = logger.NewNopLogger("server")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		Config:     cfg,
		Logger:     log,
		engine:     gin.New(),
		deps:       deps,
		ctx:        ctx,
		cancel:     cancel,
		sessions:   make(map[string]*Session),
		chartViews: make(map[int64]int),
	}
	s.engine.Use(gin.Recovery())
	s.http = &http.Server{Addr: fmt.Sprintf("%s:%d", cfg.Host, cfg.Port), Handler: s.engine}

	// Add CORS Middleware
	s.engine.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if strings.HasPrefix(origin, "http://127.0.0.1:") || strings.HasPrefix(origin, "http://localhost:") {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	// setup web routes
	s.setupRoutes()
	return s
}

// -----------------------------------------------------------------------------
// Route Setup
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// REST API endpoints
	s.engine.GET("/api/health", s.getHealth)
	s.engine.GET("/api/charts", s.getCharts)
	s.engine.GET("/api/charts/:chartId/series", s.getChartSeries)
	s.engine.GET("/api/history", s.getHistory)

	// WebSocket endpoints
	s.engine.GET("/ws/charts/:chartId", s.handleChartSocket)
	s.engine.GET("/ws/events/:topic", s.handleEventSocket)
}

// -----------------------------------------------------------------------------
// Server Lifecycle
// -----------------------------------------------------------------------------

// Handler exposes the engine, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// -----------------------------------------------------------------------------

func (s *Server) Start() error {
	s.Logger.Info("Starting server on %s", s.http.Addr)

	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// -----------------------------------------------------------------------------

// Stop closes every session and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.cancel()

	s.stateMutex.RLock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.stateMutex.RUnlock()

	for _, sess := range sessions {
		sess.Close()
	}

	return s.http.Shutdown(ctx)
}

// -----------------------------------------------------------------------------
// Route Handlers
// -----------------------------------------------------------------------------

func (s *Server) getHealth(c *gin.Context) {
	s.stateMutex.RLock()
	connections := len(s.sessions)
	s.stateMutex.RUnlock()

	channels := map[string]models.ConnectionState{}
	if s.deps.Push != nil {
		channels = s.deps.Push.States()
	}

	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"connections": connections,
		"charts":      len(s.deps.Registry.ChartIDs()),
		"channels":    channels,
		"timestamp":   time.Now().Unix(),
	})
}

// -----------------------------------------------------------------------------

func (s *Server) getCharts(c *gin.Context) {
	resp := gin.H{"open": s.deps.Registry.ChartIDs()}

	if s.deps.Charts != nil {
		ids, err := s.deps.Charts.ListChartIDs(c.Request.Context())
		if err != nil {
			s.Logger.Error("Failed to list charts: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list charts"})
			return
		}
		resp["configured"] = ids
	}

	c.JSON(http.StatusOK, resp)
}

// -----------------------------------------------------------------------------

type seriesInfo struct {
	Series  string `json:"series"`
	Channel string `json:"channel,omitempty"`
	Visible bool   `json:"visible"`
	Length  int    `json:"length"`
	First   int64  `json:"first,omitempty"`
	Last    int64  `json:"last,omitempty"`
}

func (s *Server) getChartSeries(c *gin.Context) {
	chartID, err := strconv.ParseInt(c.Param("chartId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chart id"})
		return
	}

	store, ok := s.deps.Registry.Lookup(chartID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("chart %d is not open", chartID)})
		return
	}

	ids := store.BufferIDs()
	infos := make([]seriesInfo, 0, len(ids))
	for _, id := range ids {
		points := store.Snapshot(id)
		info := seriesInfo{Series: id.Series, Channel: id.Channel, Visible: store.IsVisible(id.Series), Length: len(points)}
		if len(points) > 0 {
			info.First = points[0].Time
			info.Last = points[len(points)-1].Time
		}
		infos = append(infos, info)
	}

	c.JSON(http.StatusOK, gin.H{
		"chartId":    chartID,
		"generation": store.Generation(),
		"series":     infos,
	})
}

// -----------------------------------------------------------------------------

// getHistory serves history pages from storage with the same contract the
// history loader expects from a remote backend.
func (s *Server) getHistory(c *gin.Context) {
	if s.deps.History == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no history source"})
		return
	}

	seriesID := c.Query("seriesId")
	if seriesID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "seriesId is required"})
		return
	}

	before, err := parseBefore(c.Query("beforeTimestamp"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
	}

	records, err := s.deps.History.FetchHistory(c.Request.Context(), models.HistoryRequest{SeriesID: seriesID, Before: before, Limit: limit})
	if err != nil {
		s.Logger.Error("History for %s failed: %v", seriesID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history fetch failed", "kind": helpers.KindOf(err)})
		return
	}

	points := make([]models.WirePoint, 0, len(records))
	for _, rec := range records {
		points = append(points, models.NewWirePoint(rec))
	}
	c.JSON(http.StatusOK, points)
}

// -----------------------------------------------------------------------------

// parseBefore accepts an empty cursor, RFC3339 / datetime strings or unix time.
func parseBefore(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	if t, err := models.ParseDatetime(raw); err == nil {
		return t, nil
	}
	if t, err := models.ParseTimestamp([]byte(raw)); err == nil {
		return t, nil
	}
	return 0, fmt.Errorf("invalid beforeTimestamp %q", raw)
}
