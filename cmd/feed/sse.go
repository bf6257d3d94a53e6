package main

import (
	"io"
	"net/http"
	"strconv"

	"chart-sync/src/logger"

	"github.com/gin-gonic/gin"
)

// -----------------------------------------------------------------------------

// newEngine serves GET /events/:topic as text/event-stream.
func newEngine(rp *replayer, log *logger.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/events/:topic", func(c *gin.Context) {
		topic := c.Param("topic")
		hub, ok := rp.Hub(topic)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown topic " + topic})
			return
		}

		sub := hub.Subscription(c.Request.Context())
		defer sub.Close()
		log.Info("Subscriber joined %s", topic)

		c.Header("Cache-Control", "no-cache")
		c.Stream(func(w io.Writer) bool {
			payload, ok := <-sub.C
			if !ok {
				return false
			}
			c.SSEvent("message", string(payload))
			return true
		})
		log.Info("Subscriber left %s", topic)
	})

	return engine
}

// -----------------------------------------------------------------------------

func formatPrice(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
