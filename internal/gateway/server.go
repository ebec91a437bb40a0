package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"taskbroker/internal/storage"
	"taskbroker/pkg/logx"
	"taskbroker/pkg/wire"
)

var tracer = otel.Tracer("taskbroker/gateway")

// FrameHandler processes a frame received from a connected agent. It is
// typically the message router.
type FrameHandler interface {
	HandleFrame(agentID string, frame wire.Frame)
}

// Server is the websocket endpoint agents dial into.
type Server struct {
	registry *Registry
	store    *storage.Store
	handler  FrameHandler
	upgrader websocket.Upgrader
	logger   *logx.Logger

	onConnect    func(agentID string)
	onDisconnect func(agentID string)
}

// NewServer creates a Server backed by store (for auth and offline-queue
// drain on reconnect). handler may be nil at construction time - wiring the
// message router tends to need the gateway itself as a Sender first - in
// which case SetHandler must be called before ServeHTTP is reachable.
func NewServer(store *storage.Store, handler FrameHandler) *Server {
	return &Server{
		registry: NewRegistry(),
		store:    store,
		handler:  handler,
		logger:   logx.NewLogger("gateway"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// SetHandler installs the frame handler, used when the handler (typically
// the message router) itself depends on this Server as a command Sender.
func (s *Server) SetHandler(handler FrameHandler) {
	s.handler = handler
}

// Registry exposes the connection registry so other components (the
// command service, sync orchestrator) can send frames to agents.
func (s *Server) Registry() *Registry {
	return s.registry
}

// ResolveAgent implements the command service's agent-selection contract
// by delegating to the registry's two-stage Resolve.
func (s *Server) ResolveAgent(preferred string) (agentID string, online bool) {
	return s.registry.Resolve(preferred)
}

// SendOrEnqueue delivers a frame to agentID if it is currently connected;
// otherwise the payload is durably queued with ttl and redelivered the next
// time that agent connects. queued reports which path was
// taken so the caller can surface "queued for offline delivery" to the
// chat user.
func (s *Server) SendOrEnqueue(agentID string, frameType wire.Type, payload any, ttl time.Duration) (queued bool, err error) {
	frame, err := wire.Encode(frameType, payload)
	if err != nil {
		return false, err
	}

	if s.registry.Send(agentID, frame) {
		return false, nil
	}

	if _, err := s.store.EnqueueOffline(agentID, string(frameType), frame.Payload, ttl); err != nil {
		return false, err
	}
	return true, nil
}

// Broadcast sends a frame to every currently-connected agent. Used for
// task-cancel, where only the agent actually holding the task will act and
// the broker doesn't track which one that is after "auto" dispatch.
func (s *Server) Broadcast(frameType wire.Type, payload any) error {
	frame, err := wire.Encode(frameType, payload)
	if err != nil {
		return err
	}
	s.registry.Broadcast(frame)
	return nil
}

// DrainConnected re-runs the offline-queue drain for every currently
// connected agent, the periodic-tick half of the drain protocol (connect
// time being the other). A frame enqueued while an agent's send buffer was
// momentarily full is picked up here instead of waiting for a reconnect.
func (s *Server) DrainConnected() {
	for _, c := range s.registry.snapshot() {
		s.drainOffline(c)
	}
}

// OnConnect registers a callback invoked each time an agent establishes a
// session. It runs synchronously on the connection's handler goroutine,
// before the offline-queue drain and the pumps start.
func (s *Server) OnConnect(fn func(agentID string)) {
	s.onConnect = fn
}

// OnDisconnect registers a callback invoked each time an agent's session
// ends.
func (s *Server) OnDisconnect(fn func(agentID string)) {
	s.onDisconnect = fn
}

// ServeHTTP upgrades the connection and authenticates the agent via the
// X-Agent-Id / X-Api-Key headers before admitting it to the registry.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_, span := tracer.Start(r.Context(), "gateway.accept")
	defer span.End()

	agentID := r.Header.Get("X-Agent-Id")
	apiKey := r.Header.Get("X-Api-Key")
	span.SetAttributes(attribute.String("agent.id", agentID))
	if agentID == "" || apiKey == "" {
		span.SetStatus(codes.Error, "missing agent credentials")
		http.Error(w, "missing agent credentials", http.StatusUnauthorized)
		return
	}

	ok, err := s.store.VerifyAPIKey(agentID, apiKey)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error("verify api key for %s: %v", agentID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !ok {
		span.SetStatus(codes.Error, "invalid credentials")
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		span.RecordError(err)
		s.logger.Warn("upgrade failed for %s: %v", agentID, err)
		return
	}

	c := &conn{
		agentID:     agentID,
		ws:          ws,
		send:        make(chan wire.Frame, sendBufSize),
		connectedAt: time.Now(),
		lastSeen:    time.Now(),
	}

	if old := s.registry.register(c); old != nil {
		_ = old.ws.Close()
	}
	s.logger.Info("agent %s connected", agentID)
	if s.onConnect != nil {
		s.onConnect(agentID)
	}

	go s.drainOffline(c)
	go s.writePump(c)
	s.readPump(c)
}

// drainOffline redelivers queued messages in FIFO order, stopping at the
// first send failure so later messages are never observed before earlier
// ones (head-of-line blocking is intentional).
func (s *Server) drainOffline(c *conn) {
	entries, err := s.store.PendingForAgent(c.agentID)
	if err != nil {
		s.logger.Error("load offline queue for %s: %v", c.agentID, err)
		return
	}
	for _, e := range entries {
		frame := wire.Frame{Type: wire.Type(e.MessageType), Payload: json.RawMessage(e.Payload)}
		select {
		case c.send <- frame:
			if err := s.store.MarkDelivered(e.ID); err != nil {
				s.logger.Error("mark offline message %d delivered: %v", e.ID, err)
			}
		default:
			s.logger.Warn("send buffer full draining offline queue for %s, stopping", c.agentID)
			return
		}
	}
}

func (s *Server) readPump(c *conn) {
	defer func() {
		s.registry.unregister(c)
		_ = c.ws.Close()
		s.logger.Info("agent %s disconnected", c.agentID)
		if s.onDisconnect != nil {
			s.onDisconnect(c.agentID)
		}
	}()

	c.ws.SetReadDeadline(time.Now().Add(readDeadline))
	c.ws.SetPongHandler(func(string) error {
		c.touch()
		c.ws.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})
	c.ws.SetPingHandler(func(string) error {
		c.touch()
		c.ws.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("read error from %s: %v", c.agentID, err)
			}
			return
		}
		c.touch()
		c.ws.SetReadDeadline(time.Now().Add(readDeadline))

		var frame wire.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.logger.Warn("malformed frame from %s: %v", c.agentID, err)
			continue
		}
		s.handler.HandleFrame(c.agentID, frame)
	}
}

func (s *Server) writePump(c *conn) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("writePump panic for %s (recovered): %v", c.agentID, r)
		}
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := json.Marshal(frame)
			if err != nil {
				s.logger.Error("marshal frame for %s: %v", c.agentID, err)
				continue
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
