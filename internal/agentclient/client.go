// Package agentclient is the agent-side half of the duplex connection: dial
// the broker, authenticate, drive one coding-agent invocation per
// task-submit frame through internal/executor, and stream frames back. It
// mirrors the same connection-pump discipline as internal/gateway
// (registry.go's send channel + reader/writer goroutines), but from the
// dialing side, pairing a long-lived connection with a reconnect loop
// around it.
package agentclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"taskbroker/internal/executor"
	"taskbroker/pkg/config"
	"taskbroker/pkg/logx"
	"taskbroker/pkg/wire"
)

const (
	writeDeadline    = 10 * time.Second
	statusEvery      = 20 * time.Second
	reconnectBase    = time.Second
	reconnectMax     = 30 * time.Second
	sendBufSize      = 256
)

// Client owns the agent's single connection to the broker, reconnecting
// with backoff whenever it drops.
type Client struct {
	cfg    config.AgentConfig
	apiKey string
	exec   *executor.Executor
	logger *logx.Logger

	mu         sync.Mutex
	active     map[string]context.CancelFunc
	conn       *websocket.Conn
	send       chan wire.Frame
	restarting bool
}

// New creates a Client for cfg, authenticating with apiKey.
func New(cfg config.AgentConfig, apiKey string) *Client {
	return &Client{
		cfg:    cfg,
		apiKey: apiKey,
		exec:   executor.New(),
		logger: logx.NewLogger("agentclient"),
		active: make(map[string]context.CancelFunc),
	}
}

// Run dials the broker and services frames until ctx is cancelled,
// reconnecting with exponential backoff on every disconnect.
func (c *Client) Run(ctx context.Context) error {
	backoff := reconnectBase
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := c.runOnce(ctx); err != nil {
			c.logger.Warn("connection to broker lost: %v (retrying in %s)", err, backoff)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	u, err := url.Parse(c.cfg.BrokerURL)
	if err != nil {
		return fmt.Errorf("agentclient: parse broker url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	header := http.Header{}
	header.Set("X-Agent-Id", c.cfg.AgentID)
	header.Set("X-Api-Key", c.apiKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return fmt.Errorf("agentclient: dial %s: %w", u.String(), err)
	}
	c.logger.Info("connected to broker at %s as %s", u.String(), c.cfg.AgentID)

	c.mu.Lock()
	c.conn = conn
	c.send = make(chan wire.Frame, sendBufSize)
	c.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); c.writePump(runCtx, conn) }()
	go func() { defer wg.Done(); c.statusPump(runCtx) }()

	err = c.readPump(conn)
	cancel()
	_ = conn.Close()
	wg.Wait()

	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()

	return err
}

func (c *Client) readPump(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var frame wire.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("malformed frame from broker: %v", err)
			continue
		}
		c.dispatch(frame)
	}
}

func (c *Client) writePump(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			data, err := json.Marshal(frame)
			if err != nil {
				c.logger.Error("marshal outbound frame: %v", err)
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

func (c *Client) statusPump(ctx context.Context) {
	ticker := time.NewTicker(statusEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.emit(wire.TypeAgentStatus, wire.AgentStatusPayload{
				Status:        c.statusNow(),
				ActiveTaskIDs: c.activeTaskIDs(),
				Ts:            time.Now().UnixMilli(),
			})
		}
	}
}

func (c *Client) statusNow() wire.AgentStatus {
	if len(c.activeTaskIDs()) > 0 {
		return wire.AgentStatusBusy
	}
	return wire.AgentStatusOnline
}

func (c *Client) activeTaskIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.active))
	for id := range c.active {
		ids = append(ids, id)
	}
	return ids
}

// emit best-effort enqueues a frame for the writer; if the connection is
// currently down the frame is dropped (the broker's offline queue is the
// durability mechanism for broker->agent frames, not the reverse).
func (c *Client) emit(t wire.Type, payload any) {
	frame, err := wire.Encode(t, payload)
	if err != nil {
		c.logger.Error("encode %s frame: %v", t, err)
		return
	}
	c.mu.Lock()
	ch := c.send
	c.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- frame:
	default:
		c.logger.Warn("send buffer full, dropping %s frame", t)
	}
}

func (c *Client) dispatch(frame wire.Frame) {
	switch frame.Type {
	case wire.TypeTaskSubmit:
		var p wire.TaskSubmitPayload
		if err := frame.Decode(&p); err != nil {
			c.logger.Error("decode task-submit: %v", err)
			return
		}
		go c.runTask(p)
	case wire.TypeTaskCancel:
		var p wire.TaskCancelPayload
		if err := frame.Decode(&p); err != nil {
			c.logger.Error("decode task-cancel: %v", err)
			return
		}
		c.cancelTask(p.TaskID, p.Reason)
	case wire.TypeDeployRequest:
		var p wire.DeployRequestPayload
		if err := frame.Decode(&p); err != nil {
			c.logger.Error("decode deploy-request: %v", err)
			return
		}
		go c.runDeploy(p)
	case wire.TypePathValidateReq:
		var p wire.PathValidateRequestPayload
		if err := frame.Decode(&p); err != nil {
			c.logger.Error("decode path-validate-request: %v", err)
			return
		}
		go c.runPathValidate(p)
	case wire.TypeSystemRestart:
		var p wire.SystemRestartPayload
		if err := frame.Decode(&p); err != nil {
			c.logger.Error("decode system-restart: %v", err)
			return
		}
		c.handleRestart(p)
	default:
		c.logger.Warn("unrecognized frame type %q from broker", frame.Type)
	}
}

// handleRestart closes the connection so the broker observes the
// offline->online edge its sync orchestrator waits on for a two-phase
// restart, then lets Run's reconnect loop bring it back. In-flight tasks
// are not cancelled.
func (c *Client) handleRestart(p wire.SystemRestartPayload) {
	c.logger.Info("restart requested: %s (rebuild=%v)", p.Reason, p.Rebuild)
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func truncateError(err error) string {
	if err == nil {
		return ""
	}
	s := err.Error()
	if len(s) > 2000 {
		s = s[:2000]
	}
	return strings.TrimSpace(s)
}
