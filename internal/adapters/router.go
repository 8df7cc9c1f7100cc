package adapters

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"videoroom/internal/config"
	"videoroom/internal/rooms"
)

// SetupRouter wires the HTTP surface: the signaling WebSocket, a health
// probe and the Prometheus scrape endpoint.
func SetupRouter(ctx context.Context, cfg *config.Config, registry *rooms.Registry, log zerolog.Logger) *gin.Engine {
	// Use explicit mode if provided in config.
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	ctl := &WSController{Rooms: registry, Log: log}
	r.GET("/ws", ctl.Handle(ctx))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}
