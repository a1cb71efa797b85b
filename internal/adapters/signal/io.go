package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dkeye/ezstream/internal/app/orch"
	"github.com/dkeye/ezstream/internal/core"
	"github.com/dkeye/ezstream/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.Settings.PingPeriod)
	defer func() {
		ticker.Stop()
		// Unblocks readPump.
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(ctl.Settings.WriteWait))
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.Settings.WriteWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.Settings.WriteWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().Err(err).Str("module", "signal").Msg("ping failed")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, id domain.ConnID, c *WsSignalConn) {
	defer func() {
		cancel()
		ctl.Orch.Disconnect(id)
		ctl.Limiter.Forget(id)
		c.Close()
		log.Info().Str("module", "signal").Str("conn", string(id)).Msg("readPump closing")
		ctl.live.Done()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(ctl.Settings.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(ctl.Settings.PongWait))
	})

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.Warn().Err(err).Str("module", "signal").Str("conn", string(id)).Msg("readPump read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(ctl.Settings.PongWait))

		if kind == websocket.BinaryMessage {
			ctl.Orch.FeedStream(id, data)
			continue
		}
		msg, err := core.DecodeMessage(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "signal").Str("conn", string(id)).Msg("bad message")
			continue
		}
		ctl.dispatch(id, c, msg)
	}
}

// dispatch handles one inbound event. A panic in a handler is contained to
// that event; the connection stays up.
func (ctl *SignalWSController) dispatch(id domain.ConnID, c *WsSignalConn, msg core.Message) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("module", "signal").Str("conn", string(id)).Str("event", msg.Event).Interface("panic", r).Msg("handler panic")
		}
	}()

	switch msg.Event {
	case domain.EventJoinRoom:
		ctl.handleJoin(id, c, msg.Data)
	case domain.EventLeaveRoom:
		ctl.Orch.Leave(id)
	case domain.EventScreenShareStarted:
		ctl.Orch.SetScreenSharing(id, roomHint(msg.Data), true)
	case domain.EventScreenShareStopped:
		ctl.Orch.SetScreenSharing(id, roomHint(msg.Data), false)
	case domain.EventStreamStart:
		ctl.Orch.StartStream(id, msg.Data)
	case domain.EventStreamStop:
		ctl.Orch.StopStream(id)
	case domain.EventStreamData:
		log.Warn().Str("module", "signal").Str("conn", string(id)).Msg("stream:data must be sent as a binary frame")
	default:
		if orch.IsSignal(msg.Event) {
			ctl.Orch.Forward(msg.Event, id, msg.Data)
			return
		}
		log.Warn().Str("module", "signal").Str("conn", string(id)).Str("event", msg.Event).Msg("unknown event")
	}
}

func (ctl *SignalWSController) handleJoin(id domain.ConnID, c *WsSignalConn, data json.RawMessage) {
	if !ctl.Limiter.Allow(id) {
		log.Warn().Str("module", "signal").Str("conn", string(id)).Msg("join rate limited")
		if frame, err := core.EncodeMessage(domain.EventError, domain.JoinFailedMessage); err == nil {
			_ = c.TrySend(frame)
		}
		return
	}
	var room string
	if err := json.Unmarshal(data, &room); err != nil {
		log.Debug().Err(err).Str("module", "signal").Str("conn", string(id)).Msg("join-room payload is not a string")
	}
	_ = ctl.Orch.Join(id, room)
}

// roomHint accepts either a bare room id or {"roomId": "..."}.
func roomHint(data json.RawMessage) string {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s
	}
	var obj struct {
		RoomID string `json:"roomId"`
	}
	if err := json.Unmarshal(data, &obj); err == nil {
		return obj.RoomID
	}
	return ""
}
