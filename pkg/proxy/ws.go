package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/lkarlslund/agentrelay/pkg/stream"
)

const (
	wsReadTimeout  = 60 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 25 * time.Second
	wsMaxMessage   = 64 << 10
)

type wsInbound struct {
	Message string `json:"message"`
}

type wsFrame struct {
	Content string `json:"content,omitempty"`
	Done    bool   `json:"done,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(req *http.Request) bool {
			origin := strings.TrimSpace(req.Header.Get("Origin"))
			if origin == "" {
				return true
			}
			return s.allowedOrigin(origin) != ""
		},
	}
}

// handleWebsocket relays messages for one session over a websocket. Each
// client message {"message": "..."} is answered with {"content": "..."}
// frames and a final {"done": true}, or {"error": "..."}.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("sessionId"))
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, msgMissingSession)
		return
	}
	up := s.upgrader()
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		log.Debug("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wsMaxMessage)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	incoming := make(chan string, 4)
	go func() {
		defer close(incoming)
		defer cancel()
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
			var msg wsInbound
			if err := json.Unmarshal(payload, &msg); err != nil {
				msg.Message = ""
			}
			select {
			case incoming <- msg.Message:
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		t := time.NewTicker(wsPingInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second)); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	log.Info("websocket relay opened", "session", sessionID)
	defer log.Info("websocket relay closed", "session", sessionID)
	for {
		select {
		case <-ctx.Done():
			return
		case text, ok := <-incoming:
			if !ok {
				return
			}
			if err := s.relayWebsocketMessage(ctx, conn, sessionID, text); err != nil {
				log.Debug("websocket write failed", "session", sessionID, "err", err)
				return
			}
		}
	}
}

// relayWebsocketMessage sends text on the session and writes the translated
// reply to conn. The returned error is a failure to write to the client.
func (s *Server) relayWebsocketMessage(ctx context.Context, conn *websocket.Conn, sessionID, text string) error {
	if text == "" {
		return writeWSFrame(conn, wsFrame{Error: msgMissingMessage})
	}
	body, err := s.openStream(ctx, sessionID, text)
	if err != nil {
		_, msg := upstreamErrorResponse(err, msgSendFailed)
		return writeWSFrame(conn, wsFrame{Error: msg})
	}
	defer body.Close()
	s.metrics.MessageSent("websocket")

	start := time.Now()
	for piece, err := range stream.Translate(body, stream.WithObserver(s.metrics)) {
		if err != nil {
			failed := ctx.Err() == nil
			s.metrics.StreamFinished(time.Since(start), failed)
			if !failed {
				return ctx.Err()
			}
			log.Error("agent stream broke", "session", sessionID, "err", err)
			return writeWSFrame(conn, wsFrame{Error: msgSendFailed})
		}
		if err := writeWSFrame(conn, wsFrame{Content: piece}); err != nil {
			s.metrics.StreamFinished(time.Since(start), false)
			return err
		}
	}
	s.metrics.StreamFinished(time.Since(start), false)
	return writeWSFrame(conn, wsFrame{Done: true})
}

func writeWSFrame(conn *websocket.Conn, f wsFrame) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(f)
}
