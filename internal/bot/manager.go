// Copyright 2026 The OneIDP Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bot implements the OneBot v11 WebSocket transport. The
// manager can run as an outbound client (dialing the OneBot peer with
// reconnect backoff) and as an inbound server (accepting dials from
// the peer) at the same time; RPC responses are correlated with
// requests through per-call echo tokens.
package bot

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/oneidp/oneidp/internal/audit"
	"github.com/oneidp/oneidp/internal/observability/logger"
)

const (
	writeWait   = 10 * time.Second
	pingPeriod  = 30 * time.Second
	pingTimeout = 10 * time.Second
	pongWait    = pingPeriod + pingTimeout

	rpcTimeout = 30 * time.Second

	reconnectInitial = 5 * time.Second
	reconnectMax     = 60 * time.Second

	// closePolicyViolation per OneBot convention for a bad bearer token
	closeBadToken = 4001

	maxFrameSize = 512 * 1024
)

var (
	ErrNoConnection = errors.New("no live bot connection")
	ErrRPCTimeout   = errors.New("bot rpc timed out")
	ErrStopped      = errors.New("bot transport stopped")
)

// Config holds both transport modes.
type Config struct {
	ClientEnabled     bool
	ClientURL         string
	ClientAccessToken string

	ServerEnabled     bool
	ServerAddr        string
	ServerAccessToken string
}

// EventHandler consumes decoded OneBot events. Each event runs in its
// own goroutine; the handler must tolerate concurrency.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev *Event)
}

// conn wraps a websocket connection with a write mutex. gorilla
// connections allow one concurrent writer only.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

// Manager runs the transport and owns the pending-RPC map.
type Manager struct {
	cfg         Config
	handler     EventHandler
	auditLogger audit.Logger

	mu      sync.Mutex
	client  *conn            // outbound connection, nil while down
	peers   map[string]*conn // inbound connections keyed by remote addr
	pending map[string]chan map[string]any
	stopped bool

	httpServer *http.Server
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	rpcTimeout time.Duration
	upgrader   websocket.Upgrader
}

// NewManager creates a new transport manager.
func NewManager(cfg Config, auditLogger audit.Logger) *Manager {
	return &Manager{
		cfg:         cfg,
		auditLogger: auditLogger,
		peers:       make(map[string]*conn),
		pending:     make(map[string]chan map[string]any),
		rpcTimeout:  rpcTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// SetHandler installs the event consumer. Must be called before Start.
func (m *Manager) SetHandler(h EventHandler) {
	m.handler = h
}

// Start launches the enabled transport modes. It returns immediately;
// supervision runs in background goroutines until Stop.
func (m *Manager) Start(ctx context.Context) error {
	ctx, m.cancel = context.WithCancel(ctx)

	if m.cfg.ClientEnabled {
		m.wg.Add(1)
		go m.runClient(ctx)
	}

	if m.cfg.ServerEnabled {
		mux := http.NewServeMux()
		mux.HandleFunc("/", m.handleInbound)
		m.httpServer = &http.Server{Addr: m.cfg.ServerAddr, Handler: mux}

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			slog.Info("bot websocket server listening", logger.Component("bot"), logger.String("addr", m.cfg.ServerAddr))
			if err := m.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("bot websocket server failed", logger.Component("bot"), logger.Error(err))
			}
		}()
	}

	return nil
}

// runClient is the outbound supervisor: dial, pump, and on any exit
// sleep the current backoff delay and try again. The delay starts at
// 5s, doubles per failed attempt, caps at 60s, and resets after a
// successful connect.
func (m *Manager) runClient(ctx context.Context) {
	defer m.wg.Done()

	delay := reconnectInitial
	for {
		if ctx.Err() != nil {
			return
		}

		header := http.Header{}
		if m.cfg.ClientAccessToken != "" {
			header.Set("Authorization", "Bearer "+m.cfg.ClientAccessToken)
		}

		ws, _, err := websocket.DefaultDialer.DialContext(ctx, m.cfg.ClientURL, header)
		if err != nil {
			slog.Warn("bot client dial failed",
				logger.Component("bot"),
				logger.String("url", m.cfg.ClientURL),
				logger.Error(err),
				slog.Duration("retry_in", delay))
			if !sleepCtx(ctx, delay) {
				return
			}
			delay = min(delay*2, reconnectMax)
			continue
		}

		c := &conn{ws: ws}
		m.mu.Lock()
		m.client = c
		m.mu.Unlock()
		delay = reconnectInitial

		slog.Info("bot client connected", logger.Component("bot"), logger.String("url", m.cfg.ClientURL))
		m.auditLogger.Log(ctx, audit.Event{Type: audit.TypeBotConnected, Resource: "ws_client"})

		m.pump(ctx, c)

		m.mu.Lock()
		m.client = nil
		m.mu.Unlock()

		m.auditLogger.Log(ctx, audit.Event{Type: audit.TypeBotDropped, Resource: "ws_client"})

		if !sleepCtx(ctx, delay) {
			return
		}
		delay = min(delay*2, reconnectMax)
	}
}

// handleInbound upgrades an incoming OneBot connection, enforcing the
// bearer token when one is configured.
func (m *Manager) handleInbound(w http.ResponseWriter, r *http.Request) {
	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	if m.cfg.ServerAccessToken != "" {
		if r.Header.Get("Authorization") != "Bearer "+m.cfg.ServerAccessToken {
			msg := websocket.FormatCloseMessage(closeBadToken, "invalid access token")
			_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			_ = ws.Close()
			return
		}
	}

	addr := r.RemoteAddr
	c := &conn{ws: ws}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		_ = ws.Close()
		return
	}
	m.peers[addr] = c
	m.mu.Unlock()

	slog.Info("bot peer connected", logger.Component("bot"), logger.RemoteAddr(addr))
	m.auditLogger.Log(r.Context(), audit.Event{Type: audit.TypeBotConnected, Resource: "ws_server", IPAddress: addr})

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.pump(context.Background(), c)

		m.mu.Lock()
		delete(m.peers, addr)
		m.mu.Unlock()
		slog.Info("bot peer disconnected", logger.Component("bot"), logger.RemoteAddr(addr))
	}()
}

// pump reads frames until the connection dies. A background ticker
// keeps the connection alive with pings.
func (m *Manager) pump(ctx context.Context, c *conn) {
	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.mu.Lock()
				_ = c.ws.SetWriteDeadline(time.Now().Add(pingTimeout))
				err := c.ws.WriteMessage(websocket.PingMessage, nil)
				c.mu.Unlock()
				if err != nil {
					_ = c.ws.Close()
					return
				}
			case <-done:
				return
			case <-ctx.Done():
				_ = c.ws.Close()
				return
			}
		}
	}()

	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("bot connection read failed", logger.Component("bot"), logger.Error(err))
			}
			_ = c.ws.Close()
			return
		}
		m.handleFrame(ctx, data)
	}
}

// handleFrame classifies one JSON frame: an echo field resolves a
// pending RPC, a post_type field dispatches an event. The reader never
// blocks on a handler.
func (m *Manager) handleFrame(ctx context.Context, data []byte) {
	var probe struct {
		Echo     string `json:"echo"`
		PostType string `json:"post_type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		slog.Debug("bot frame is not valid json", logger.Component("bot"), logger.Error(err))
		return
	}

	if probe.Echo != "" {
		var body map[string]any
		if err := json.Unmarshal(data, &body); err != nil {
			return
		}
		m.mu.Lock()
		ch, ok := m.pending[probe.Echo]
		if ok {
			delete(m.pending, probe.Echo)
		}
		m.mu.Unlock()
		if ok {
			ch <- body
		}
		// Unknown echo frames are dropped.
		return
	}

	if probe.PostType != "" {
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			slog.Debug("bot event decode failed", logger.Component("bot"), logger.Error(err))
			return
		}
		if m.handler != nil {
			go m.handler.HandleEvent(ctx, &ev)
		}
	}
}

// CallAPI performs one OneBot RPC. The outbound connection is
// preferred; otherwise each live inbound peer is tried in turn.
func (m *Manager) CallAPI(ctx context.Context, action string, params map[string]any) (map[string]any, error) {
	echo := newEcho(action)
	frame := map[string]any{
		"action": action,
		"params": params,
		"echo":   echo,
	}

	ch := make(chan map[string]any, 1)
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil, ErrStopped
	}
	m.pending[echo] = ch
	conns := m.liveConnsLocked()
	m.mu.Unlock()

	cleanup := func() {
		m.mu.Lock()
		delete(m.pending, echo)
		m.mu.Unlock()
	}

	sent := false
	for _, c := range conns {
		if err := c.writeJSON(frame); err == nil {
			sent = true
			break
		}
	}
	if !sent {
		cleanup()
		return nil, ErrNoConnection
	}

	timer := time.NewTimer(m.rpcTimeout)
	defer timer.Stop()

	select {
	case body, ok := <-ch:
		if !ok {
			return nil, ErrStopped
		}
		return body, nil
	case <-timer.C:
		cleanup()
		slog.Warn("bot rpc timed out", logger.Component("bot"), logger.Action(action), logger.Echo(echo))
		return nil, ErrRPCTimeout
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	}
}

// liveConnsLocked returns send candidates, outbound connection first.
// Caller holds m.mu.
func (m *Manager) liveConnsLocked() []*conn {
	var conns []*conn
	if m.client != nil {
		conns = append(conns, m.client)
	}
	for _, c := range m.peers {
		conns = append(conns, c)
	}
	return conns
}

// SendGroupMsg sends a group message.
func (m *Manager) SendGroupMsg(ctx context.Context, groupID int64, message string) error {
	_, err := m.CallAPI(ctx, "send_group_msg", map[string]any{
		"group_id":    groupID,
		"message":     message,
		"auto_escape": false,
	})
	return err
}

// SendPrivateMsg sends a private message.
func (m *Manager) SendPrivateMsg(ctx context.Context, userID int64, message string) error {
	_, err := m.CallAPI(ctx, "send_private_msg", map[string]any{
		"user_id":     userID,
		"message":     message,
		"auto_escape": false,
	})
	return err
}

// Stop closes everything and fails outstanding RPCs.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	m.stopped = true
	if m.client != nil {
		_ = m.client.ws.Close()
	}
	for _, c := range m.peers {
		_ = c.ws.Close()
	}
	for echo, ch := range m.pending {
		close(ch)
		delete(m.pending, echo)
	}
	m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
	}
	if m.httpServer != nil {
		_ = m.httpServer.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// newEcho allocates the per-call correlation token.
func newEcho(action string) string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		panic("bot: crypto/rand unavailable: " + err.Error())
	}
	return fmt.Sprintf("%s_%s", action, hex.EncodeToString(b))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
