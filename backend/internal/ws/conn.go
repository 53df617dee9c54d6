package ws

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"realtimeCollab/backend/internal/protocol"
	"realtimeCollab/backend/internal/transport"
)

type frame struct {
	kind int
	data []byte
}

// Conn 一条 WebSocket 连接，实现 transport.Link。
// 读循环把帧解码成信封交给引擎；写循环独占写端，消费 send 通道。
type Conn struct {
	id   string
	ws   *websocket.Conn
	info transport.ConnInfo

	// chan 是有界的出站队列，满了就让引擎把消息放进 pending 队列
	send chan frame
	done chan struct{}
	once sync.Once

	codecs *protocol.Registry
	// 客户端发过二进制帧之后，出站也改用 CBOR
	binary atomic.Bool
	// 出站队列曾经满过，写空之后要通知引擎冲刷
	congested atomic.Bool

	writeWait time.Duration
	logger    *zap.Logger
}

func newConn(ws *websocket.Conn, info transport.ConnInfo, codecs *protocol.Registry, opts Options, logger *zap.Logger) *Conn {
	return &Conn{
		id:        uuid.NewString(),
		ws:        ws,
		info:      info,
		send:      make(chan frame, opts.SendBuffer),
		done:      make(chan struct{}),
		codecs:    codecs,
		writeWait: opts.WriteWait,
		logger:    logger,
	}
}

func (c *Conn) ID() string               { return c.id }
func (c *Conn) Kind() transport.Kind     { return transport.KindSocket }
func (c *Conn) Info() transport.ConnInfo { return c.info }

// Send 不阻塞：编码后放进 send 通道
func (c *Conn) Send(env protocol.Envelope) error {
	select {
	case <-c.done:
		return transport.ErrClosed
	default:
	}

	kind, codec := websocket.TextMessage, c.codecs.Get(protocol.ContentTypeJSON)
	if c.binary.Load() {
		kind, codec = websocket.BinaryMessage, c.codecs.Get(protocol.ContentTypeCBOR)
	}
	data, err := codec.Marshal(env)
	if err != nil {
		return err
	}

	select {
	case c.send <- frame{kind: kind, data: data}:
		return nil
	case <-c.done:
		return transport.ErrClosed
	default:
		// 如果队列满了，交给引擎排队
		c.congested.Store(true)
		return transport.ErrUnavailable
	}
}

func (c *Conn) Close() error {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = c.ws.Close()
	})
	return nil
}

func (c *Conn) writeLoop(sink transport.Sink) {
	for {
		select {
		case <-c.done:
			return
		case f := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.ws.WriteMessage(f.kind, f.data); err != nil {
				c.logger.Debug("write frame failed", zap.String("link_id", c.id), zap.Error(err))
				_ = c.Close()
				return
			}
			if len(c.send) == 0 && c.congested.CompareAndSwap(true, false) {
				sink.Ready(c)
			}
		}
	}
}

// readLoop 阻塞到连接断开，返回断开原因
func (c *Conn) readLoop(ctx context.Context, sink transport.Sink) error {
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}

		codec := c.codecs.Get(protocol.ContentTypeJSON)
		if kind == websocket.BinaryMessage {
			c.binary.Store(true)
			codec = c.codecs.Get(protocol.ContentTypeCBOR)
		}
		var env protocol.Envelope
		if err := codec.Unmarshal(data, &env); err != nil {
			c.logger.Debug("undecodable frame", zap.String("link_id", c.id), zap.Error(err))
			c.reject(err)
			continue
		}
		if err := sink.Receive(ctx, c, env); err != nil {
			// 链路已经被引擎摘下（例如被新连接替换），没有必要再读
			c.logger.Debug("receive failed", zap.String("link_id", c.id), zap.Error(err))
			return err
		}
	}
}

// reject 解不开的帧没有 id 可回，只能单独回一条 error
func (c *Conn) reject(cause error) {
	env, err := protocol.New(protocol.TypeError, "invalid_frame", protocol.Failure(protocol.KindInvalidCommand, "undecodable frame"))
	if err != nil {
		return
	}
	if err := c.Send(env); err != nil && !errors.Is(err, transport.ErrUnavailable) {
		c.logger.Debug("reject not sent", zap.NamedError("cause", cause), zap.Error(err))
	}
}
