package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	httpHandler "collaborative-canvas/internal/handler/http"
	wsHandler "collaborative-canvas/internal/handler/websocket"
	"collaborative-canvas/internal/hub"
	gormpersistence "collaborative-canvas/internal/infra/persistence/gorm"
	"collaborative-canvas/internal/infra/setup"
	memorystate "collaborative-canvas/internal/infra/state/memory"
	redisstate "collaborative-canvas/internal/infra/state/redis"
	"collaborative-canvas/internal/middleware"
	"collaborative-canvas/internal/repository"
	"collaborative-canvas/internal/service"
	"collaborative-canvas/internal/worker"
)

// App 结构体包含应用的所有组件和配置
type App struct {
	Config      *Config
	Log         *logrus.Logger
	DB          *gorm.DB
	RedisClient *redis.Client        // 进程内模式下为 nil
	AsynqClient *asynq.Client        // 进程内模式下为 nil
	AsynqServer *worker.WorkerServer // 进程内模式下为 nil
	Gateway     *service.PersistenceGateway
	Hub         *hub.Hub
	Router      *gin.Engine
	HttpServer  *http.Server

	stopReaper context.CancelFunc
}

// NewApp 加载配置并创建应用
func NewApp() (*App, error) {
	cfg, err := LoadConfig()
	if err != nil {
		// 使用标准输出记录启动时错误，因为 logger 还未配置
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return nil, err
	}
	return NewAppWithConfig(cfg)
}

// NewAppWithConfig 根据给定配置创建并初始化应用的所有组件
func NewAppWithConfig(cfg *Config) (*App, error) {
	// 1. 初始化 Logger
	log := newLogger(cfg)
	log.Info("Configuration loaded successfully")

	// 2. 初始化数据库
	db, err := setup.InitDB(setup.DBOptions{
		Driver:     cfg.DBDriver,
		User:       cfg.DBUser,
		Password:   cfg.DBPassword,
		Host:       cfg.DBHost,
		Port:       cfg.DBPort,
		Name:       cfg.DBName,
		SQLitePath: cfg.SQLitePath,
		Debug:      cfg.LogLevel == "debug",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init DB: %w", err)
	}
	if err := setup.MigrateDB(db); err != nil {
		closeDB(db, log)
		return nil, fmt.Errorf("failed to migrate DB: %w", err)
	}
	log.Info("Database initialized and migrated")

	app := &App{Config: cfg, Log: log, DB: db}

	// 3. 状态存储与任务队列：配置了 Redis 时使用 Redis + asynq，否则全部在进程内完成
	var (
		state    repository.StateRepository
		enqueuer service.Enqueuer
	)
	if cfg.RedisAddr != "" {
		redisClient, err := setup.InitRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			closeDB(db, log)
			return nil, fmt.Errorf("failed to init Redis: %w", err)
		}
		app.RedisClient = redisClient
		state = redisstate.NewRedisStateRepository(redisClient, cfg.KeyPrefix)
		app.AsynqClient = asynq.NewClient(redisClientOpt(cfg))
		enqueuer = app.AsynqClient
		log.Info("Redis state and asynq client initialized")
	} else {
		state = memorystate.NewMemoryStateRepository()
		log.Warn("REDIS_ADDR not set, running persistence writes in-process")
	}

	// 4. 持久化网关与 Hub
	drawingRepo := gormpersistence.NewGormDrawingRepository(db)
	app.Gateway = service.NewPersistenceGateway(drawingRepo, state, enqueuer)
	app.Hub = hub.NewHub(app.Gateway, cfg.HubOptions())
	log.WithFields(logrus.Fields{
		"exclude_sender": cfg.ExcludeSender,
		"persist_policy": cfg.PersistPolicy,
		"idle_ttl":       cfg.RoomIdleTTL,
	}).Info("Hub initialized")

	if app.AsynqClient != nil {
		app.AsynqServer = worker.NewWorkerServer(redisClientOpt(cfg), app.Gateway, cfg.WorkerConcurrency, log)
	}

	// 5. 路由
	app.Router = newRouter(cfg, log, app.Hub, state)
	app.HttpServer = &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           app.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Info("Application assembled successfully")
	return app, nil
}

func newLogger(cfg *Config) *logrus.Logger {
	log := logrus.New()
	if cfg.AppEnv == "production" {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, _ := logrus.ParseLevel(cfg.LogLevel) // 已在 LoadConfig 中验证
	log.SetLevel(level)
	log.SetOutput(os.Stdout)
	// 其他包通过 logrus 标准 logger 记录日志，保持同样的格式和级别
	logrus.SetFormatter(log.Formatter)
	logrus.SetLevel(level)
	return log
}

func redisClientOpt(cfg *Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
}

func newRouter(cfg *Config, log *logrus.Logger, h *hub.Hub, limiter middleware.RateLimiter) *gin.Engine {
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware(log))
	router.Use(CORSMiddleware(cfg.CORSAllowedOrigin))

	router.GET("/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"message": "pong"}) })

	protected := []gin.HandlerFunc{middleware.RateLimit(limiter, cfg.RateLimitMax, cfg.RateLimitWindow)}
	if cfg.JWTSecret != "" {
		protected = append(protected, middleware.Auth(cfg.JWTSecret))
	} else {
		log.Warn("JWT_SECRET not set, relay endpoints accept anonymous clients")
	}

	roomHandler := httpHandler.NewRoomHandler(h)
	api := router.Group("/api", protected...)
	{
		api.GET("/stats", roomHandler.Stats)
		api.GET("/rooms/:roomId", roomHandler.GetRoom)
	}

	ws := wsHandler.NewWebSocketHandler(h, cfg.CORSAllowedOrigin)
	router.GET("/ws", append(protected, ws.HandleConnection)...)
	return router
}

// Start 启动应用的所有后台 Goroutine 和 HTTP 服务器
func (a *App) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	a.stopReaper = cancel
	go a.Hub.Run(ctx)
	a.Log.Info("Room reaper started")

	if a.AsynqServer != nil {
		go a.AsynqServer.Start()
		a.Log.Info("Asynq worker server routine started")
	}

	go func() {
		a.Log.Infof("HTTP server starting to listen on %s", a.HttpServer.Addr)
		if err := a.HttpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Log.Fatalf("Failed to start HTTP server: %v", err)
		}
		a.Log.Info("HTTP server stopped listening.")
	}()
}

// Shutdown 优雅地关闭应用：先断开客户端并冲刷房间状态，再等待后台写入，最后释放基础设施
func (a *App) Shutdown() {
	a.Log.Info("Shutting down application...")

	if a.stopReaper != nil {
		a.stopReaper()
	}
	a.Hub.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.HttpServer.Shutdown(ctx); err != nil {
		a.Log.Errorf("Error shutting down HTTP server: %v", err)
	} else {
		a.Log.Info("HTTP server shut down gracefully.")
	}

	// 等待已派发的追加/清空写入落地或入队
	a.Gateway.Wait()
	a.Log.Info("Pending persistence writes drained.")

	if a.AsynqServer != nil {
		a.AsynqServer.Shutdown()
	}
	if a.AsynqClient != nil {
		if err := a.AsynqClient.Close(); err != nil {
			a.Log.Errorf("Error closing Asynq client: %v", err)
		}
	}
	if a.RedisClient != nil {
		if err := a.RedisClient.Close(); err != nil {
			a.Log.Errorf("Error closing Redis connection: %v", err)
		}
	}
	closeDB(a.DB, a.Log)
	a.Log.Info("Application shutdown complete.")
}

func closeDB(db *gorm.DB, log *logrus.Logger) {
	sqlDB, err := db.DB()
	if err != nil {
		return
	}
	if err := sqlDB.Close(); err != nil {
		log.Errorf("Error closing database connection: %v", err)
	}
}

// CORSMiddleware 为 HTTP 接口设置跨域响应头
func CORSMiddleware(allowedOrigin string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// LoggerMiddleware 创建一个 Gin 中间件用于记录请求日志
func LoggerMiddleware(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		c.Next()
		latency := time.Since(startTime)
		statusCode := c.Writer.Status()
		path := c.Request.URL.Path

		entry := log.WithFields(logrus.Fields{
			"status_code": statusCode,
			"latency_ms":  latency.Milliseconds(),
			"client_ip":   c.ClientIP(),
			"method":      c.Request.Method,
			"path":        path,
		})

		// 不记录 query，token 可能通过 ?token= 传递
		if errorMessage := c.Errors.ByType(gin.ErrorTypePrivate).String(); errorMessage != "" {
			entry.Error(errorMessage)
			return
		}
		switch {
		case statusCode >= 500:
			entry.Error("Server error")
		case statusCode >= 400:
			entry.Warn("Client error")
		default:
			entry.Info("Request handled")
		}
	}
}
