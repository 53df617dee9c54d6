// Package rpcstream gRPC 双向流传输适配器。服务 duplex.Duplex/Exchange 的
// 每一帧都是 google.protobuf.Struct，结构与 JSON 信封相同，因此不需要生成代码。
package rpcstream

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"realtimeCollab/backend/internal/protocol"
	"realtimeCollab/backend/internal/transport"
)

const (
	ServiceName    = "duplex.Duplex"
	ExchangeMethod = "/duplex.Duplex/Exchange"
)

type exchangeServer interface {
	Exchange(stream grpc.ServerStream) error
}

func exchangeHandler(srv any, stream grpc.ServerStream) error {
	return srv.(exchangeServer).Exchange(stream)
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*exchangeServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Exchange",
		Handler:       exchangeHandler,
		ServerStreams: true,
		ClientStreams: true,
	}},
	Metadata: "duplex.proto",
}

type Options struct {
	// Addr 监听地址；Listener 非空时优先使用（测试用 bufconn）
	Addr       string
	Listener   net.Listener
	SendBuffer int
	Logger     *zap.Logger
	ServerOpts []grpc.ServerOption
}

// Server 实现 transport.Adapter
type Server struct {
	opts   Options
	logger *zap.Logger

	mu   sync.RWMutex
	sink transport.Sink
	ctx  context.Context
}

func New(opts Options) *Server {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Server{opts: opts, logger: opts.Logger.Named("rpcstream")}
}

func (s *Server) Kind() transport.Kind { return transport.KindRPCStream }

func (s *Server) Serve(ctx context.Context, sink transport.Sink) error {
	lis := s.opts.Listener
	if lis == nil {
		var err error
		if lis, err = net.Listen("tcp", s.opts.Addr); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.sink, s.ctx = sink, ctx
	s.mu.Unlock()

	srv := grpc.NewServer(s.opts.ServerOpts...)
	srv.RegisterService(&ServiceDesc, s)

	go func() {
		<-ctx.Done()
		srv.Stop()
	}()
	s.logger.Info("grpc stream listening", zap.String("addr", lis.Addr().String()))
	if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Exchange 一条双向流对应一条链路
func (s *Server) Exchange(stream grpc.ServerStream) error {
	s.mu.RLock()
	sink, ctx := s.sink, s.ctx
	s.mu.RUnlock()
	if sink == nil {
		return status.Error(codes.Unavailable, "rpc stream transport not running")
	}

	link := &streamLink{
		id:     uuid.NewString(),
		stream: stream,
		info:   connInfo(stream.Context()),
		send:   make(chan *structpb.Struct, s.opts.SendBuffer),
		done:   make(chan struct{}),
	}
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		link.writeLoop(sink, s.logger)
	}()
	if _, err := sink.Connect(ctx, link); err != nil {
		_ = link.Close()
		<-writerDone
		return status.Error(codes.ResourceExhausted, err.Error())
	}

	frames := make(chan *structpb.Struct)
	recvErr := make(chan error, 1)
	go func() {
		for {
			msg := new(structpb.Struct)
			if err := stream.RecvMsg(msg); err != nil {
				recvErr <- err
				return
			}
			select {
			case frames <- msg:
			case <-link.done:
				return
			}
		}
	}()

	var cause error
loop:
	for {
		select {
		case <-link.done:
			// 引擎关掉了链路（被替换、超时或关停）
			break loop
		case err := <-recvErr:
			if !errors.Is(err, io.EOF) {
				cause = err
			}
			break loop
		case msg := <-frames:
			env, err := Decode(msg)
			if err != nil {
				s.logger.Debug("undecodable frame", zap.String("link_id", link.id), zap.Error(err))
				continue
			}
			if err := sink.Receive(ctx, link, env); err != nil {
				cause = err
				break loop
			}
		}
	}
	sink.Disconnect(link, cause)
	_ = link.Close()
	// handler 返回后不能再 SendMsg
	<-writerDone
	return nil
}

func connInfo(ctx context.Context) transport.ConnInfo {
	var info transport.ConnInfo
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		info.RemoteAddr = p.Addr.String()
	}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get("authorization"); len(v) > 0 {
			token := strings.TrimSpace(v[0])
			if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
				token = strings.TrimSpace(token[7:])
			}
			info.Credential = token
		}
	}
	return info
}

// streamLink 写循环独占 SendMsg；读在 Exchange 里
type streamLink struct {
	id     string
	stream grpc.ServerStream
	info   transport.ConnInfo
	send   chan *structpb.Struct
	done   chan struct{}
	once   sync.Once

	mu        sync.Mutex
	congested bool
}

func (l *streamLink) ID() string               { return l.id }
func (l *streamLink) Kind() transport.Kind     { return transport.KindRPCStream }
func (l *streamLink) Info() transport.ConnInfo { return l.info }

func (l *streamLink) Send(env protocol.Envelope) error {
	select {
	case <-l.done:
		return transport.ErrClosed
	default:
	}
	frame, err := Encode(env)
	if err != nil {
		return err
	}
	select {
	case l.send <- frame:
		return nil
	case <-l.done:
		return transport.ErrClosed
	default:
		l.mu.Lock()
		l.congested = true
		l.mu.Unlock()
		return transport.ErrUnavailable
	}
}

func (l *streamLink) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *streamLink) writeLoop(sink transport.Sink, logger *zap.Logger) {
	for {
		select {
		case <-l.done:
			return
		case frame := <-l.send:
			if err := l.stream.SendMsg(frame); err != nil {
				logger.Debug("send frame failed", zap.String("link_id", l.id), zap.Error(err))
				_ = l.Close()
				return
			}
			l.mu.Lock()
			flush := l.congested && len(l.send) == 0
			if flush {
				l.congested = false
			}
			l.mu.Unlock()
			if flush {
				sink.Ready(l)
			}
		}
	}
}

// NewClientStream 客户端打开一条 Exchange 流，测试和 Go 客户端共用
func NewClientStream(ctx context.Context, cc grpc.ClientConnInterface, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	return cc.NewStream(ctx, &ServiceDesc.Streams[0], ExchangeMethod, opts...)
}
