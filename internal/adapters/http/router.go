package http

import (
	"context"
	"net/http"
	"time"

	"github.com/dkeye/ezstream/internal/adapters/signal"
	"github.com/dkeye/ezstream/internal/app/orch"
	"github.com/dkeye/ezstream/internal/config"
	"github.com/dkeye/ezstream/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// StreamStats is the part of the transcode supervisor the health check reads.
type StreamStats interface {
	Active() int
}

// SetupRouter builds the engine. The returned controller lets the caller wait
// for websocket connections to finish cleanup once ctx is cancelled.
func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator, streams StreamStats) (*gin.Engine, *signal.SignalWSController) {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(OriginFilter(cfg.OriginAllowed))

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 7, HttpOnly: true, SameSite: http.SameSiteLaxMode})
	r.Use(sessions.Sessions("EzStreamSession", store))
	r.Use(ClientTokenMiddleware())

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})

	started := time.Now()
	r.GET("/health", func(c *gin.Context) {
		body := gin.H{
			"status":      "ok",
			"uptime":      time.Since(started).Round(time.Second).String(),
			"connections": o.Registry.Count(),
			"rooms":       len(o.ListRooms()),
		}
		if streams != nil {
			body["streams"] = streams.Active()
		}
		c.JSON(http.StatusOK, body)
	})

	settings := signal.Settings{
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
		PongWait:   cfg.PongWait,
		WriteWait:  cfg.WriteWait,
		SendBuffer: cfg.SendBuffer,
	}
	ctrl := signal.NewSignalWSController(o, signal.NewJoinLimiter(cfg.JoinRate, cfg.JoinBurst), settings)
	ws := func(c *gin.Context) {
		log.Debug().Str("module", "adapters.http").Str("client", c.GetString(clientTokenKey)).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c)
	}
	r.GET("/socket", ws)

	api := r.Group("/api")
	api.GET("/ws/signal", ws)
	api.GET("/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, o.ListRooms())
	})
	api.GET("/rooms/:id", func(c *gin.Context) {
		room, err := domain.ParseRoomID(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		peers := o.RoomPeers(room)
		if len(peers) == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": room, "peers": peers})
	})
	iceServers := cfg.WebRTCICEServers()
	api.GET("/ice-servers", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"iceServers": iceServers})
	})

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")
	return r, ctrl
}
