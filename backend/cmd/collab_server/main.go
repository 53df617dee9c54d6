package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"realtimeCollab/backend/config"
	"realtimeCollab/backend/internal/authz"
	"realtimeCollab/backend/internal/cache"
	"realtimeCollab/backend/internal/collab"
	"realtimeCollab/backend/internal/command"
	"realtimeCollab/backend/internal/duplex"
	"realtimeCollab/backend/internal/httpapi/handlers"
	"realtimeCollab/backend/internal/httpapi/middleware"
	"realtimeCollab/backend/internal/longpoll"
	"realtimeCollab/backend/internal/observability"
	"realtimeCollab/backend/internal/protocol"
	"realtimeCollab/backend/internal/rpcstream"
	"realtimeCollab/backend/internal/session"
	"realtimeCollab/backend/internal/store"
	"realtimeCollab/backend/internal/transport"
	"realtimeCollab/backend/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		log.Fatalf("init logger failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("collab server exited", zap.Error(err))
	}
	logger.Info("collab server stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	started := time.Now()
	codecs, err := protocol.NewRegistry()
	if err != nil {
		return err
	}

	// === 可选依赖：Redis / MySQL / Postgres / Kafka ===
	var presence cache.Presence
	if cfg.Redis.Addr != "" {
		rdb := cache.NewClient(strings.Split(cfg.Redis.Addr, ","), cfg.Redis.Password)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rdb.Close()
		presence = cache.NewRedisPresence(rdb)
	}

	feed := collab.NewCommitFeed(logger.Named("feed"))
	defer feed.Close()
	var (
		sinks      []func(context.Context) error
		oplogSinks []*store.OpLogSink
	)

	var shares *store.ShareStore
	if cfg.Mysql.DSN != "" {
		gdb, err := store.InitMySQL(cfg.Mysql.DSN)
		if err != nil {
			return fmt.Errorf("connect mysql (gorm): %w", err)
		}
		shares = store.NewShareStore(gdb)
		if err := shares.Migrate(); err != nil {
			return fmt.Errorf("migrate share_grants: %w", err)
		}

		db, err := store.OpenMySQL(ctx, cfg.Mysql.DSN)
		if err != nil {
			return err
		}
		defer db.Close()
		oplog := store.NewMySQLOpLog(db)
		if err := oplog.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate document_ops: %w", err)
		}
		events := feed.Subscribe("mysql_oplog", cfg.Collab.FeedBuffer)
		sink := store.NewOpLogSink(oplog, store.SinkOptions{}, logger)
		oplogSinks = append(oplogSinks, sink)
		sinks = append(sinks, func(ctx context.Context) error { return sink.Consume(ctx, events) })
	}
	if cfg.Postgres.URL != "" {
		pool, err := store.OpenPostgres(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
		defer pool.Close()
		oplog := store.NewPostgresOpLog(pool)
		if err := oplog.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate document_ops: %w", err)
		}
		events := feed.Subscribe("postgres_oplog", cfg.Collab.FeedBuffer)
		sink := store.NewOpLogSink(oplog, store.SinkOptions{}, logger)
		oplogSinks = append(oplogSinks, sink)
		sinks = append(sinks, func(ctx context.Context) error { return sink.Consume(ctx, events) })
	}
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := collab.NewSyncProducer(cfg.Kafka.Brokers, cfg.Kafka.ClientID)
		if err != nil {
			return fmt.Errorf("connect kafka: %w", err)
		}
		defer producer.Close()
		// Kafka 本地队列 + worker 重试发送
		dispatcher := collab.NewKafkaDispatcher(producer, cfg.Kafka.Topic, collab.NewSemaphoreControl(0),
			collab.KafkaDispatcherOptions{
				QueueSize:   10_000,
				Workers:     4,
				MaxRetry:    3,
				BaseBackoff: 50 * time.Millisecond,
				MaxBackoff:  1 * time.Second,
			}, logger)
		events := feed.Subscribe("kafka", cfg.Collab.FeedBuffer)
		sinks = append(sinks, func(ctx context.Context) error { return dispatcher.Consume(ctx, events) })
	}

	// === 权限来源 ===
	var perms duplex.PermissionSource = authz.Static{}
	if cfg.Auth.Path != "" {
		perms = authz.NewVerifier(cfg.Auth.Path, authz.VerifierOptions{CacheTTL: cfg.Auth.CacheTTL, Logger: logger})
	} else {
		logger.Warn("auth.path is empty, credentials are trusted as user ids")
	}

	// === 引擎、房间、路由 ===
	registry := session.NewRegistry(session.Options{
		MaxSessions:   cfg.Engine.MaxSessions,
		QueueCapacity: cfg.Engine.PendingCapacity,
	})
	var rooms *collab.Rooms
	engine := duplex.New(registry, duplex.Options{
		HeartbeatInterval: cfg.Engine.HeartbeatInterval,
		Policy: session.Policy{
			HandshakeTimeout: cfg.Engine.HandshakeTimeout,
			HeartbeatTimeout: cfg.Engine.HeartbeatTimeout,
			Grace:            cfg.Engine.Grace,
		},
		SweepInterval: cfg.Engine.SweepInterval,
		Permissions:   perms,
		Logger:        logger,
		OnHeartbeat: func(sid string) {
			if presence == nil {
				return
			}
			docs := rooms.DocumentsOf(sid)
			if len(docs) == 0 {
				return
			}
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				if err := presence.Refresh(ctx, docs, sid, cfg.Collab.PresenceTTL); err != nil {
					logger.Debug("refresh presence failed", zap.String("session_id", sid), zap.Error(err))
				}
			}()
		},
	})
	rooms = collab.NewRooms(collab.Options{
		HistoryDepth: cfg.Collab.HistoryDepth,
		Feed:         feed,
		Notifier:     engine,
		Logger:       logger,
	})
	defer rooms.Close()
	// 提交流丢掉的版本从房间里补拉
	for _, sink := range oplogSinks {
		sink.WithBackfill(rooms)
	}
	if presence != nil {
		engine.Observe(presenceJanitor{rooms: rooms, presence: presence, logger: logger})
	}
	engine.Observe(rooms)

	router := command.NewRouter(engine, engine, command.Options{
		Timeout:   cfg.Engine.CommandTimeout,
		Semaphore: collab.NewSemaphoreControl(0),
		Logger:    logger,
	})
	deps := command.Deps{
		Rooms:       rooms,
		Sessions:    engine,
		Sender:      engine,
		Presence:    presence,
		PresenceTTL: cfg.Collab.PresenceTTL,
		Validator:   validator.New(),
		Logger:      logger,
	}
	if shares != nil {
		deps.Shares = shares
	}
	command.RegisterBuiltins(router, deps)
	engine.OnReceive(router.HandleEnvelope)

	// === 三种传输 ===
	socket := ws.NewManager(codecs, ws.Options{
		SendBuffer:     cfg.Engine.SendBuffer,
		AllowedOrigins: cfg.Running.AllowedOrigins,
		Logger:         logger,
	})
	poll := longpoll.New(codecs, longpoll.Options{PollWait: cfg.Engine.PollWait, Logger: logger})
	stream := rpcstream.New(rpcstream.Options{Addr: cfg.Running.GRPCAddr, SendBuffer: cfg.Engine.SendBuffer, Logger: logger})
	for _, a := range []transport.Adapter{socket, poll, stream} {
		if err := engine.RegisterAdapter(a.Kind(), a); err != nil {
			return err
		}
	}

	// === HTTP ===
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	corsCfg := cors.DefaultConfig()
	if len(cfg.Running.AllowedOrigins) > 0 {
		corsCfg.AllowOrigins = cfg.Running.AllowedOrigins
	} else {
		corsCfg.AllowAllOrigins = true
	}
	corsCfg.AddAllowHeaders("Authorization")
	r.Use(cors.New(corsCfg))

	health := handlers.Health{Sessions: engine, Feed: feed, Rooms: rooms, Started: started}
	docs := handlers.Documents{Rooms: rooms, Sessions: engine, Logger: logger}
	if shares != nil {
		docs.Shares = shares
	}
	if presence != nil {
		docs.Presence = presence
	}

	group := r.Group("/collab")
	group.GET("/healthz", health.Healthz)
	// 凭证在握手时由权限来源校验，这里只负责取出来
	group.GET("/ws", middleware.Credential(false), socket.WebSocketConnect)
	poll.Mount(group.Group("/poll", middleware.Credential(false)))
	api := group.Group("/", middleware.Credential(true))
	api.GET("/documents/:id", docs.GetDocument)
	api.GET("/documents/:id/shares", docs.ListShares)
	api.GET("/documents/:id/presence", docs.ListPresence)
	api.GET("/presence/documents", docs.ActiveDocuments)
	api.GET("/sessions/:id", docs.GetSession)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Running.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Run(gctx) })
	for _, sink := range sinks {
		g.Go(func() error { return sink(gctx) })
	}
	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		engine.Close()
		feed.Close()
		return err
	})
	return g.Wait()
}

// presenceJanitor 会话关闭时清理它在 Redis 里的在线记录；要排在 rooms 之前观察
type presenceJanitor struct {
	rooms    *collab.Rooms
	presence cache.Presence
	logger   *zap.Logger
}

func (j presenceJanitor) SessionClosed(sid string) {
	docs := j.rooms.DocumentsOf(sid)
	if len(docs) == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		for _, doc := range docs {
			if err := j.presence.RemoveMember(ctx, doc, sid); err != nil {
				j.logger.Debug("remove presence failed", zap.String("document_id", doc), zap.String("session_id", sid), zap.Error(err))
			}
		}
	}()
}
