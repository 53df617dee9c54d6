// Package longpoll HTTP 长轮询传输适配器：open 建链路，send 上行，recv 挂起等待下行，close 断开
package longpoll

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"realtimeCollab/backend/internal/httpapi/middleware"
	"realtimeCollab/backend/internal/protocol"
	"realtimeCollab/backend/internal/transport"
)

type Options struct {
	// 单次 recv 最长挂起时间
	PollWait time.Duration
	// 单次 recv 最多带回的信封数
	MaxBatch    int
	MaxBodySize int64
	Logger      *zap.Logger
}

// Adapter 实现 transport.Adapter
type Adapter struct {
	opts   Options
	codecs *protocol.Registry
	logger *zap.Logger

	mu    sync.RWMutex
	sink  transport.Sink
	ctx   context.Context
	links map[string]*pollLink
}

func New(codecs *protocol.Registry, opts Options) *Adapter {
	if opts.PollWait <= 0 {
		opts.PollWait = 25 * time.Second
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = 64
	}
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = 1 << 20
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Adapter{
		opts:   opts,
		codecs: codecs,
		logger: opts.Logger.Named("longpoll"),
		links:  make(map[string]*pollLink),
	}
}

func (a *Adapter) Kind() transport.Kind { return transport.KindLongPoll }

func (a *Adapter) Serve(ctx context.Context, sink transport.Sink) error {
	a.mu.Lock()
	a.sink, a.ctx = sink, ctx
	a.mu.Unlock()

	<-ctx.Done()

	a.mu.Lock()
	a.sink = nil
	links := make([]*pollLink, 0, len(a.links))
	for _, l := range a.links {
		links = append(links, l)
	}
	a.mu.Unlock()
	for _, l := range links {
		_ = l.Close()
	}
	return nil
}

// Mount 注册路由
func (a *Adapter) Mount(rg *gin.RouterGroup) {
	rg.POST("/open", a.open)
	rg.POST("/:link/send", a.send)
	rg.GET("/:link/recv", a.recv)
	rg.POST("/:link/close", a.close)
}

func (a *Adapter) running() (transport.Sink, context.Context, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sink, a.ctx, a.sink != nil
}

func (a *Adapter) lookup(c *gin.Context) (*pollLink, bool) {
	a.mu.RLock()
	l := a.links[c.Param("link")]
	a.mu.RUnlock()
	if l == nil {
		c.JSON(http.StatusGone, gin.H{"error": "unknown or expired link"})
		return nil, false
	}
	return l, true
}

func (a *Adapter) forget(id string) {
	a.mu.Lock()
	delete(a.links, id)
	a.mu.Unlock()
}

func (a *Adapter) open(c *gin.Context) {
	sink, ctx, ok := a.running()
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "long-poll transport not running"})
		return
	}
	l := newPollLink(uuid.NewString(), transport.ConnInfo{
		Credential: middleware.CredentialOf(c),
		RemoteAddr: c.ClientIP(),
	}, a.opts.MaxBatch, a.forget)
	a.mu.Lock()
	a.links[l.id] = l
	a.mu.Unlock()

	if _, err := sink.Connect(ctx, l); err != nil {
		_ = l.Close()
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"link_id":      l.id,
		"poll_wait_ms": a.opts.PollWait.Milliseconds(),
	})
}

// send 上行：单个信封或信封数组，按 Content-Type 选择 JSON / CBOR
func (a *Adapter) send(c *gin.Context) {
	sink, ctx, ok := a.running()
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "long-poll transport not running"})
		return
	}
	l, ok := a.lookup(c)
	if !ok {
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, a.opts.MaxBodySize))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read body failed"})
		return
	}
	codec := a.codecs.Negotiate(c.ContentType())
	var batch []protocol.Envelope
	if err := codec.Unmarshal(body, &batch); err != nil {
		var one protocol.Envelope
		if err := codec.Unmarshal(body, &one); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "undecodable envelope"})
			return
		}
		batch = []protocol.Envelope{one}
	}

	for _, env := range batch {
		if err := sink.Receive(ctx, l, env); err != nil {
			a.logger.Debug("receive failed", zap.String("link_id", l.id), zap.Error(err))
			c.JSON(http.StatusGone, gin.H{"error": "link is no longer bound to a session"})
			return
		}
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": len(batch)})
}

// recv 下行：挂起到有消息或超时，超时返回空数组
func (a *Adapter) recv(c *gin.Context) {
	sink, _, ok := a.running()
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "long-poll transport not running"})
		return
	}
	l, ok := a.lookup(c)
	if !ok {
		return
	}
	wait := a.opts.PollWait
	if v := c.Query("wait_ms"); v != "" {
		if d, err := time.ParseDuration(v + "ms"); err == nil && d > 0 && d < wait {
			wait = d
		}
	}

	envs, err := l.poll(c.Request.Context(), wait, func() { sink.Ready(l) })
	switch {
	case errors.Is(err, ErrPollInFlight):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case errors.Is(err, ErrLinkClosed):
		c.JSON(http.StatusGone, gin.H{"error": err.Error()})
		return
	}
	// 客户端已经走了，这一批原样放回会话队列
	if err := c.Request.Context().Err(); err != nil {
		sink.Requeue(l, envs)
		return
	}
	if envs == nil {
		envs = []protocol.Envelope{}
	}

	codec := a.codecs.Negotiate(accept(c.GetHeader("Accept")))
	data, err := codec.Marshal(envs)
	if err != nil {
		a.logger.Error("encode poll batch failed", zap.String("link_id", l.id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.Header("Content-Type", codec.ContentType())
	c.Status(http.StatusOK)
	if _, err := c.Writer.Write(data); err != nil {
		a.logger.Debug("write poll batch failed, requeued",
			zap.String("link_id", l.id), zap.Int("count", len(envs)), zap.Error(err))
		sink.Requeue(l, envs)
	}
}

func (a *Adapter) close(c *gin.Context) {
	sink, _, ok := a.running()
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "long-poll transport not running"})
		return
	}
	l, ok := a.lookup(c)
	if !ok {
		return
	}
	sink.Disconnect(l, nil)
	_ = l.Close()
	c.Status(http.StatusNoContent)
}

// accept 只认第一个媒体类型
func accept(header string) string {
	if i := strings.IndexByte(header, ','); i >= 0 {
		header = header[:i]
	}
	return strings.TrimSpace(header)
}
