// Package ws WebSocket 传输适配器，挂在 gin 路由上
package ws

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"realtimeCollab/backend/internal/httpapi/middleware"
	"realtimeCollab/backend/internal/protocol"
	"realtimeCollab/backend/internal/transport"
)

type Options struct {
	SendBuffer int
	WriteWait  time.Duration
	ReadLimit  int64
	// 允许的 Origin 前缀，空表示不限制
	AllowedOrigins []string
	Logger         *zap.Logger
}

// Manager 实现 transport.Adapter
type Manager struct {
	opts     Options
	upgrader websocket.Upgrader
	codecs   *protocol.Registry
	logger   *zap.Logger

	mu    sync.RWMutex
	sink  transport.Sink
	ctx   context.Context
	conns map[*Conn]struct{}
}

func NewManager(codecs *protocol.Registry, opts Options) *Manager {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = 10 * time.Second
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 1 << 20
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	m := &Manager{
		opts:   opts,
		codecs: codecs,
		logger: opts.Logger.Named("ws"),
		conns:  make(map[*Conn]struct{}),
	}
	m.upgrader = websocket.Upgrader{CheckOrigin: m.checkOrigin}
	return m
}

func (m *Manager) checkOrigin(r *http.Request) bool {
	if len(m.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" { // 一些环境可能不发送 Origin，或为 "null"
		return true
	}
	for _, p := range m.opts.AllowedOrigins {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}

func (m *Manager) Kind() transport.Kind { return transport.KindSocket }

// Serve 记下引擎，阻塞到 ctx 结束后关闭所有连接
func (m *Manager) Serve(ctx context.Context, sink transport.Sink) error {
	m.mu.Lock()
	m.sink, m.ctx = sink, ctx
	m.mu.Unlock()

	<-ctx.Done()

	m.mu.Lock()
	m.sink = nil
	conns := make([]*Conn, 0, len(m.conns))
	for c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
	return nil
}

// WebSocketConnect gin 路由：升级连接，交给引擎，阻塞到连接关闭
func (m *Manager) WebSocketConnect(c *gin.Context) {
	m.mu.RLock()
	sink, ctx := m.sink, m.ctx
	m.mu.RUnlock()
	if sink == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "socket transport not running"})
		return
	}

	wsConn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.logger.Info("websocket upgrade failed", zap.String("origin", c.Request.Header.Get("Origin")), zap.Error(err))
		return
	}
	wsConn.SetReadLimit(m.opts.ReadLimit)

	conn := newConn(wsConn, transport.ConnInfo{
		Credential: middleware.CredentialOf(c),
		RemoteAddr: c.ClientIP(),
	}, m.codecs, m.opts, m.logger)
	m.track(conn, true)
	defer m.track(conn, false)

	// 先启动写循环，确保欢迎消息可以被及时发送
	go conn.writeLoop(sink)
	if _, err := sink.Connect(ctx, conn); err != nil {
		_ = conn.Close()
		return
	}

	// 最后再进入读循环（阻塞至连接关闭）
	cause := conn.readLoop(ctx, sink)
	if websocket.IsCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway) || errors.Is(cause, net.ErrClosed) {
		cause = nil
	}
	sink.Disconnect(conn, cause)
	_ = conn.Close()
}

func (m *Manager) track(c *Conn, add bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if add {
		m.conns[c] = struct{}{}
	} else {
		delete(m.conns, c)
	}
}

func (m *Manager) running() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sink != nil
}

// Len 当前连接数
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}
