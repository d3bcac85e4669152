package api

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/1sec-project/socsim/internal/core"
	"github.com/gorilla/websocket"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = 30 * time.Second
)

// checkStreamOrigin accepts same-host origins, or origins on the CORS allow list.
func (s *Server) checkStreamOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.engine.Config.Server.CORSOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// handleStream upgrades to a WebSocket and forwards hub notifications as JSON
// until the client goes away. ?topics=a,b limits the forwarded topics.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	topics := make(map[core.Topic]bool)
	for _, t := range strings.Split(r.URL.Query().Get("topics"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			topics[core.Topic(t)] = true
		}
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkStreamOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Str("remote_addr", r.RemoteAddr).Msg("failed to upgrade to WebSocket")
		return
	}
	defer conn.Close()

	notifications, unsubscribe := s.engine.Hub.Subscribe(256)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	go readPump(conn, cancel)

	s.logger.Info().Str("remote_addr", r.RemoteAddr).Int("topics", len(topics)).Msg("stream client connected")
	defer s.logger.Info().Str("remote_addr", r.RemoteAddr).Msg("stream client disconnected")

	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(streamWriteWait))
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		case n, ok := <-notifications:
			if !ok {
				return
			}
			if len(topics) > 0 && !topics[n.Topic] {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(n); err != nil {
				s.logger.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("stream write failed")
				return
			}
		}
	}
}

// readPump drains client frames so pongs and close frames are processed.
func readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
