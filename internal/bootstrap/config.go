package bootstrap

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"collaborative-canvas/internal/hub"
)

// Config 结构体用于存储从环境变量或文件加载的配置
type Config struct {
	ServerPort        string `yaml:"server_port"`
	AppEnv            string `yaml:"app_env"` // development / production
	LogLevel          string `yaml:"log_level"`
	CORSAllowedOrigin string `yaml:"cors_allowed_origin"`

	DBDriver   string `yaml:"db_driver"` // mysql / sqlite
	DBUser     string `yaml:"db_user"`
	DBPassword string `yaml:"db_password"`
	DBHost     string `yaml:"db_host"`
	DBPort     string `yaml:"db_port"`
	DBName     string `yaml:"db_name"`
	SQLitePath string `yaml:"sqlite_path"`

	// RedisAddr 为空时以进程内模式运行：无队列，状态保存在内存
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	KeyPrefix     string `yaml:"redis_key_prefix"`

	// JWTSecret 为空时不启用认证
	JWTSecret       string        `yaml:"jwt_secret"`
	RateLimitMax    int           `yaml:"rate_limit_max"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window"`

	ExcludeSender     bool              `yaml:"exclude_sender"`
	PersistPolicy     hub.PersistPolicy `yaml:"persist_policy"`
	RoomIdleTTL       time.Duration     `yaml:"room_idle_ttl"`
	RoomSweepInterval time.Duration     `yaml:"room_sweep_interval"`
	PingInterval      time.Duration     `yaml:"ping_interval"`
	PongWait          time.Duration     `yaml:"pong_wait"`
	WriteWait         time.Duration     `yaml:"write_wait"`
	MaxMessageSize    int64             `yaml:"max_message_size"`
	SendBufferSize    int               `yaml:"send_buffer_size"`
	WorkerConcurrency int               `yaml:"worker_concurrency"`
}

// defaultConfig 返回所有键的默认值
func defaultConfig() *Config {
	relay := hub.DefaultOptions()
	return &Config{
		ServerPort:        "8080",
		AppEnv:            "development",
		LogLevel:          "info",
		CORSAllowedOrigin: "http://localhost:3000",
		DBDriver:          "sqlite",
		DBHost:            "127.0.0.1",
		DBPort:            "3306",
		DBName:            "canvas_db",
		SQLitePath:        "canvas.db",
		KeyPrefix:         "cv:",
		RateLimitMax:      100,
		RateLimitWindow:   time.Second,
		ExcludeSender:     relay.ExcludeSender,
		PersistPolicy:     relay.PersistPolicy,
		RoomIdleTTL:       relay.IdleTTL,
		RoomSweepInterval: relay.SweepInterval,
		PingInterval:      relay.PingInterval,
		PongWait:          relay.PongWait,
		WriteWait:         relay.WriteWait,
		MaxMessageSize:    relay.MaxMessageSize,
		SendBufferSize:    relay.SendBufferSize,
		WorkerConcurrency: 10,
	}
}

// LoadConfig 依次加载 .env、环境变量和 CONFIG_FILE 指定的 YAML 文件，后者覆盖前者
func LoadConfig() (*Config, error) {
	// 优先加载 .env 文件 (如果存在)
	_ = godotenv.Load()

	cfg := defaultConfig()
	applyEnv(cfg)

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := applyYAML(cfg, path); err != nil {
			return nil, err
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				logrus.Warnf("Invalid %s '%s', using default %d", key, v, *dst)
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				logrus.Warnf("Invalid %s '%s', using default %s", key, v, *dst)
				return
			}
			*dst = d
		}
	}

	str("SERVER_PORT", &cfg.ServerPort)
	str("APP_ENV", &cfg.AppEnv)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("CORS_ALLOWED_ORIGIN", &cfg.CORSAllowedOrigin)
	str("DB_DRIVER", &cfg.DBDriver)
	str("DB_USER", &cfg.DBUser)
	str("DB_PASSWORD", &cfg.DBPassword)
	str("DB_HOST", &cfg.DBHost)
	str("DB_PORT", &cfg.DBPort)
	str("DB_NAME", &cfg.DBName)
	str("SQLITE_PATH", &cfg.SQLitePath)
	str("REDIS_ADDR", &cfg.RedisAddr)
	str("REDIS_PASSWORD", &cfg.RedisPassword)
	integer("REDIS_DB", &cfg.RedisDB)
	str("REDIS_KEY_PREFIX", &cfg.KeyPrefix)
	str("JWT_SECRET", &cfg.JWTSecret)
	integer("RATE_LIMIT_MAX", &cfg.RateLimitMax)
	duration("RATE_LIMIT_WINDOW", &cfg.RateLimitWindow)
	duration("ROOM_IDLE_TTL", &cfg.RoomIdleTTL)
	duration("ROOM_SWEEP_INTERVAL", &cfg.RoomSweepInterval)
	duration("PING_INTERVAL", &cfg.PingInterval)
	duration("PONG_WAIT", &cfg.PongWait)
	duration("WRITE_WAIT", &cfg.WriteWait)
	integer("SEND_BUFFER_SIZE", &cfg.SendBufferSize)
	integer("WORKER_CONCURRENCY", &cfg.WorkerConcurrency)

	if v := os.Getenv("MAX_MESSAGE_SIZE"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			logrus.Warnf("Invalid MAX_MESSAGE_SIZE '%s', using default %d", v, cfg.MaxMessageSize)
		} else {
			cfg.MaxMessageSize = n
		}
	}
	if v := os.Getenv("EXCLUDE_SENDER"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			logrus.Warnf("Invalid EXCLUDE_SENDER '%s', using default %t", v, cfg.ExcludeSender)
		} else {
			cfg.ExcludeSender = b
		}
	}
	if v := os.Getenv("PERSIST_POLICY"); v != "" {
		cfg.PersistPolicy = hub.PersistPolicy(strings.ToLower(v))
	}
}

// applyYAML 用 YAML 文件中出现的键覆盖当前配置，未出现的键保持不变
func applyYAML(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (cfg *Config) validate() error {
	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		logrus.Warnf("Invalid LOG_LEVEL '%s', using default 'info'", cfg.LogLevel)
		cfg.LogLevel = "info"
	}

	switch cfg.DBDriver {
	case "sqlite":
	case "mysql":
		if cfg.DBUser == "" {
			return fmt.Errorf("environment variable DB_USER must be set when DB_DRIVER=mysql")
		}
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q (expected mysql or sqlite)", cfg.DBDriver)
	}

	if cfg.PersistPolicy != hub.PersistPerEvent && cfg.PersistPolicy != hub.PersistOnLeave {
		logrus.Warnf("Invalid PERSIST_POLICY '%s', using default '%s'", cfg.PersistPolicy, hub.PersistPerEvent)
		cfg.PersistPolicy = hub.PersistPerEvent
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = hub.DefaultOptions().PongWait
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.PongWait {
		logrus.Warnf("PING_INTERVAL %s must be shorter than PONG_WAIT %s, using 9/10 of it", cfg.PingInterval, cfg.PongWait)
		cfg.PingInterval = cfg.PongWait * 9 / 10
	}
	if cfg.RateLimitMax <= 0 || cfg.RateLimitWindow <= 0 {
		logrus.Warn("Invalid rate limit settings, using 100 requests per second")
		cfg.RateLimitMax, cfg.RateLimitWindow = 100, time.Second
	}
	return nil
}

// HubOptions 把配置转换为 Hub 的运行参数
func (cfg *Config) HubOptions() hub.Options {
	return hub.Options{
		ExcludeSender:  cfg.ExcludeSender,
		PersistPolicy:  cfg.PersistPolicy,
		IdleTTL:        cfg.RoomIdleTTL,
		SweepInterval:  cfg.RoomSweepInterval,
		WriteWait:      cfg.WriteWait,
		PongWait:       cfg.PongWait,
		PingInterval:   cfg.PingInterval,
		MaxMessageSize: cfg.MaxMessageSize,
		SendBufferSize: cfg.SendBufferSize,
	}
}
