package api

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rendis/chispa/internal/shellsession"
	"github.com/rendis/chispa/pkg/schema"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// clientMessage is the envelope for every client → server message.
type clientMessage struct {
	Type      string `json:"type"`
	RunID     int64  `json:"run_id"`
	Command   string `json:"command"`
	Directory string `json:"directory"`
}

// wsConn wraps a websocket connection with a write lock so that event
// forwarders and the read loop never interleave frames.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// handleWS authenticates and upgrades the realtime channel. Invalid or
// missing tokens are rejected before the upgrade.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	claims, err := s.deps.Issuer.VerifyHeader(r.Header.Get("Authorization"))
	if err != nil {
		writeRuntimeError(w, err)
		return
	}

	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := &wsConn{conn: raw}
	defer raw.Close()

	sid := uuid.NewString()
	logger := s.deps.Logger.With("sid", sid, "user_id", claims.UserID)
	logger.InfoContext(r.Context(), "realtime client connected")

	if err := conn.send(map[string]string{
		"type":   "connection_response",
		"status": "ok",
		"sid":    sid,
	}); err != nil {
		return
	}

	// Room subscriptions live for the duration of the connection.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var shell *shellsession.InteractiveShell
	subscribed := map[int64]bool{}

	for {
		var msg clientMessage
		if err := raw.ReadJSON(&msg); err != nil {
			logger.InfoContext(ctx, "realtime client disconnected")
			return
		}

		switch msg.Type {
		case "subscribe_to_run":
			if subscribed[msg.RunID] {
				continue
			}
			if err := s.subscribeRun(ctx, conn, msg.RunID); err != nil {
				conn.send(map[string]string{"type": "error", "error": err.Error()})
				continue
			}
			subscribed[msg.RunID] = true
			conn.send(map[string]any{
				"type":   "subscription_response",
				"status": "ok",
				"run_id": msg.RunID,
			})

		case "shell_command":
			if s.deps.InteractiveDir == "" {
				conn.send(map[string]string{"type": "error", "error": "interactive shell is disabled"})
				continue
			}
			if shell == nil {
				shell = shellsession.NewInteractiveShell(s.deps.InteractiveDir)
			}
			result := shell.Execute(ctx, msg.Command)
			conn.send(map[string]string{
				"type":   "shell_response",
				"status": result.Status,
				"output": result.Output,
			})

		case "analyze_directory":
			if s.deps.InteractiveDir == "" {
				conn.send(map[string]string{"type": "error", "error": "interactive shell is disabled"})
				continue
			}
			base := s.deps.InteractiveDir
			if shell != nil {
				base = shell.Dir()
			}
			conn.send(s.analyzeDirectory(base, msg.Directory))

		default:
			conn.send(map[string]string{"type": "error", "error": "unknown message type: " + msg.Type})
		}
	}
}

// subscribeRun attaches the connection to the run's room and forwards its
// events until the connection goes away.
func (s *Server) subscribeRun(ctx context.Context, conn *wsConn, runID int64) error {
	events, unsubscribe, err := s.deps.Hub.Subscribe(ctx, schema.RoomForRun(runID))
	if err != nil {
		return err
	}
	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				frame := map[string]any{}
				if err := json.Unmarshal(ev.Payload, &frame); err != nil {
					continue
				}
				frame["type"] = ev.Type
				if err := conn.send(frame); err != nil {
					return
				}
			}
		}
	}()
	return nil
}

func (s *Server) analyzeDirectory(base, dir string) map[string]string {
	target := base
	if dir != "" && dir != "." {
		if filepath.IsAbs(dir) {
			return map[string]string{"type": "analysis_response", "status": "error", "output": "directory must be relative"}
		}
		for _, seg := range strings.Split(filepath.ToSlash(dir), "/") {
			if seg == ".." {
				return map[string]string{"type": "analysis_response", "status": "error", "output": "path traversal not allowed: " + dir}
			}
		}
		target = filepath.Join(base, dir)
	}
	analyzer, err := shellsession.NewDirectoryAnalyzer(target)
	if err != nil {
		return map[string]string{"type": "analysis_response", "status": "error", "output": err.Error()}
	}
	analysis, err := analyzer.Analyze()
	if err != nil {
		return map[string]string{"type": "analysis_response", "status": "error", "output": err.Error()}
	}
	return map[string]string{"type": "analysis_response", "status": "ok", "output": analysis.Render()}
}
