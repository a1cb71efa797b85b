package signal

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/ezstream/internal/app/orch"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type Settings struct {
	ReadLimit  int64
	PingPeriod time.Duration
	PongWait   time.Duration
	WriteWait  time.Duration
	SendBuffer int
}

func DefaultSettings() Settings {
	return Settings{
		ReadLimit:  10_000_000,
		PingPeriod: 54 * time.Second,
		PongWait:   60 * time.Second,
		WriteWait:  10 * time.Second,
		SendBuffer: 64,
	}
}

type SignalWSController struct {
	Orch     *orch.Orchestrator
	Limiter  *JoinLimiter
	Settings Settings

	// live counts connections whose readPump has not finished cleanup.
	live sync.WaitGroup
}

func NewSignalWSController(o *orch.Orchestrator, limiter *JoinLimiter, settings Settings) *SignalWSController {
	return &SignalWSController{
		Orch:     o,
		Limiter:  limiter,
		Settings: settings,
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin checking is handled by middleware.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and runs the connection until either
// side goes away or ctx is cancelled.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	token := c.GetString("client_token")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(ctl.Settings.ReadLimit)

	ctl.live.Add(1)
	conn := newWsSignalConn(ws, ctl.Settings.SendBuffer)
	ctx, cancel := context.WithCancel(ctx)
	id := ctl.Orch.Connect(conn, token, cancel)

	log.Info().Str("module", "signal").Str("conn", string(id)).Str("client", token).Str("remote", c.Request.RemoteAddr).Msg("new WS connection")

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, id, conn)
}

// Wait blocks until every connection has run its disconnect cleanup, or ctx
// ends. Connections only wind down once the ctx given to HandleSignal is
// cancelled; the HTTP server's Shutdown does not track hijacked sockets.
func (ctl *SignalWSController) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		ctl.live.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
