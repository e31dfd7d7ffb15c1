package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentbridge/bridge/internal/auth"
	"github.com/agentbridge/bridge/internal/metrics"
	"github.com/agentbridge/bridge/internal/task"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendBuffer = 64
)

// wsFrame is the single message shape on the wire, both directions.
type wsFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type wsOutbound struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Hub tracks live WebSocket peers and fans completion records out to them.
type Hub struct {
	server  *Server
	token   string // empty disables the token gate
	origins map[string]struct{}

	mu    sync.RWMutex
	peers map[*wsPeer]struct{}

	upgrader websocket.Upgrader
}

// wsPeer is one upgraded connection. identity is captured once at upgrade
// time and billed for every task frame the peer submits.
type wsPeer struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan wsOutbound
	identity *auth.Identity
	remote   string
	closed   sync.Once
}

func newHub(s *Server, token string, allowedOrigins []string) *Hub {
	h := &Hub{
		server:  s,
		token:   token,
		origins: make(map[string]struct{}, len(allowedOrigins)),
		peers:   make(map[*wsPeer]struct{}),
	}
	for _, o := range allowedOrigins {
		h.origins[o] = struct{}{}
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// checkOrigin admits non-browser clients (no Origin header) and any origin on
// the allow list. An empty list admits everything.
func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.origins) == 0 {
		return true
	}
	_, ok := h.origins[origin]
	return ok
}

// HandleUpgrade authenticates and upgrades one connection. The token gate
// runs before the upgrade so a rejected client gets a plain HTTP status; the
// token travels in the Authorization header, never the query string.
func (h *Hub) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	var ident *auth.Identity
	if h.token != "" {
		// Dedicated WS token: the header satisfies auth by itself.
		presented := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if presented == r.Header.Get("Authorization") || !auth.ConstantTimeTokenEqual(presented, h.token) {
			writeError(w, errUnauthorized(h.server.resolver.Schemes()))
			return
		}
		ident = &auth.Identity{ID: "operator", Scheme: auth.SchemeBearer}
	} else {
		var apiErr *apiError
		ident, apiErr = h.server.resolveIdentity(r)
		if apiErr != nil {
			writeError(w, apiErr)
			return
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.server.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	p := &wsPeer{
		hub:      h,
		conn:     conn,
		send:     make(chan wsOutbound, wsSendBuffer),
		identity: ident,
		remote:   peerAddr(r),
	}

	h.mu.Lock()
	h.peers[p] = struct{}{}
	h.mu.Unlock()
	metrics.WSConnections.Inc()
	h.server.logger.Info("websocket peer connected", "remote", p.remote)

	go p.writePump()
	go p.readPump()
}

func (h *Hub) remove(p *wsPeer) {
	h.mu.Lock()
	_, ok := h.peers[p]
	delete(h.peers, p)
	h.mu.Unlock()
	if ok {
		metrics.WSConnections.Dec()
		h.server.logger.Info("websocket peer disconnected", "remote", p.remote)
	}
}

// Broadcast fans one terminal record out to every peer. Registered as the
// registry completion hook, so it runs outside the registry lock. A peer with
// a full send buffer misses the frame rather than stalling the others.
func (h *Hub) Broadcast(rec *task.Completed) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for p := range h.peers {
		select {
		case p.send <- wsOutbound{Type: "result", Payload: rec}:
		default:
			h.server.logger.Warn("websocket send buffer full, dropping frame",
				"remote", p.remote, "task_id", rec.TaskID)
		}
	}
}

func (p *wsPeer) close() {
	p.closed.Do(func() {
		p.hub.remove(p)
		p.conn.Close()
	})
}

// writePump owns all writes on the connection: queued frames and keepalive
// pings.
func (p *wsPeer) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		p.close()
	}()

	for {
		select {
		case out, ok := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.conn.WriteJSON(out); err != nil {
				return
			}
		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes inbound frames until the connection drops.
func (p *wsPeer) readPump() {
	defer p.close()

	p.conn.SetReadLimit(maxBodyBytes)
	p.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	p.conn.SetPongHandler(func(string) error {
		p.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			p.reply(wsOutbound{Type: "error", Payload: map[string]string{
				"code":  "VALIDATION_ERROR",
				"error": "malformed frame",
			}})
			continue
		}

		switch frame.Type {
		case "task":
			p.handleTaskFrame(frame.Payload)
		case "ping":
			p.reply(wsOutbound{Type: "pong"})
		default:
			p.reply(wsOutbound{Type: "error", Payload: map[string]string{
				"code":  "VALIDATION_ERROR",
				"error": "unknown frame type: " + frame.Type,
			}})
		}
	}
}

// handleTaskFrame admits a submission carried in a task frame. The admission
// pipeline is the same one the HTTP surfaces run; the result arrives later
// via Broadcast.
func (p *wsPeer) handleTaskFrame(payload json.RawMessage) {
	var sub task.Submission
	if len(payload) == 0 || json.Unmarshal(payload, &sub) != nil {
		p.reply(wsOutbound{Type: "error", Payload: map[string]string{
			"code":  "VALIDATION_ERROR",
			"error": "task frame payload must be a submission object",
		}})
		return
	}

	_, apiErr := p.hub.server.admitWS(&sub, p.identity, p.remote)
	if apiErr != nil {
		p.reply(wsOutbound{Type: "error", Payload: apiErr})
		return
	}
	p.reply(wsOutbound{Type: "accepted", Payload: map[string]string{
		"task_id": sub.TaskID,
		"status":  "running",
	}})
}

func (p *wsPeer) reply(out wsOutbound) {
	select {
	case p.send <- out:
	default:
	}
}
