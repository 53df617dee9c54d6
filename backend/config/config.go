package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type LogConfig struct {
	Level       string   `mapstructure:"level"`
	Format      string   `mapstructure:"format"` // json | console
	Outputs     []string `mapstructure:"outputs"`
	Development bool     `mapstructure:"development"`
	Rotation    struct {
		Enable     bool   `mapstructure:"enable"`
		Filename   string `mapstructure:"filename"`
		MaxSizeMB  int    `mapstructure:"max_size_mb"`
		MaxBackups int    `mapstructure:"max_backups"`
		MaxAgeDays int    `mapstructure:"max_age_days"`
		Compress   bool   `mapstructure:"compress"`
	} `mapstructure:"rotation"`
}

type Config struct {
	Running struct {
		Port     int    `mapstructure:"port"`
		GRPCAddr string `mapstructure:"grpc_addr"`
		// 空表示允许所有来源
		AllowedOrigins []string `mapstructure:"allowed_origins"`
	} `mapstructure:"running"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
	} `mapstructure:"redis"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Postgres struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"postgres"`
	Kafka struct {
		Brokers  []string `mapstructure:"brokers"`
		Topic    string   `mapstructure:"topic"`
		ClientID string   `mapstructure:"client_id"`
	} `mapstructure:"kafka"`
	Auth struct {
		// 鉴权服务地址，不带路径；为空时使用本地静态权限
		Path     string        `mapstructure:"path"`
		CacheTTL time.Duration `mapstructure:"cache_ttl"`
	} `mapstructure:"auth"`
	Engine struct {
		HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
		HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`
		HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
		Grace             time.Duration `mapstructure:"grace"`
		SweepInterval     time.Duration `mapstructure:"sweep_interval"`
		CommandTimeout    time.Duration `mapstructure:"command_timeout"`
		PendingCapacity   int           `mapstructure:"pending_capacity"`
		MaxSessions       int           `mapstructure:"max_sessions"`
		PollWait          time.Duration `mapstructure:"poll_wait"`
		SendBuffer        int           `mapstructure:"send_buffer"`
	} `mapstructure:"engine"`
	Collab struct {
		HistoryDepth int           `mapstructure:"history_depth"`
		FeedBuffer   int           `mapstructure:"feed_buffer"`
		PresenceTTL  time.Duration `mapstructure:"presence_ttl"`
	} `mapstructure:"collab"`
	Log LogConfig `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 8080)
	v.SetDefault("running.grpc_addr", ":9090")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("mysql.dsn", "")
	v.SetDefault("postgres.url", "")
	v.SetDefault("auth.path", "")
	v.SetDefault("kafka.topic", "collab.ops")
	v.SetDefault("kafka.client_id", "collab-server")
	v.SetDefault("auth.cache_ttl", 30*time.Second)

	v.SetDefault("engine.heartbeat_interval", 15*time.Second)
	v.SetDefault("engine.heartbeat_timeout", time.Duration(0))
	v.SetDefault("engine.handshake_timeout", 10*time.Second)
	v.SetDefault("engine.grace", 60*time.Second)
	v.SetDefault("engine.sweep_interval", time.Second)
	v.SetDefault("engine.command_timeout", 5*time.Second)
	v.SetDefault("engine.pending_capacity", 256)
	v.SetDefault("engine.max_sessions", 10000)
	v.SetDefault("engine.poll_wait", 25*time.Second)
	v.SetDefault("engine.send_buffer", 64)

	v.SetDefault("collab.history_depth", 50)
	v.SetDefault("collab.feed_buffer", 1024)
	v.SetDefault("collab.presence_ttl", 60*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.outputs", []string{"stdout"})
}

// Load 读取 collabConfig.yaml（找不到文件时只用默认值和环境变量），
// 环境变量 COLLAB_ENGINE_POLL_WAIT 覆盖 engine.poll_wait，以此类推。
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("collabConfig")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		// 兼容从项目根目录或 backend 目录启动
		paths = []string{"./backend/config", "./config", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvPrefix("COLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	// 心跳超时默认是两个心跳周期
	if cfg.Engine.HeartbeatTimeout <= 0 {
		cfg.Engine.HeartbeatTimeout = 2 * cfg.Engine.HeartbeatInterval
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Running.Port <= 0 || c.Running.Port > 65535 {
		return fmt.Errorf("config: running.port %d out of range", c.Running.Port)
	}
	if c.Engine.HeartbeatInterval <= 0 {
		return errors.New("config: engine.heartbeat_interval must be positive")
	}
	if c.Engine.HeartbeatTimeout < c.Engine.HeartbeatInterval {
		return errors.New("config: engine.heartbeat_timeout must not be shorter than heartbeat_interval")
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return errors.New("config: kafka.topic is required when brokers are set")
	}
	return nil
}
