// Package main 是应用程序的入口点。
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"adsinsight-go/internal/config"
	"adsinsight-go/internal/consumer"
	"adsinsight-go/internal/handler"
	"adsinsight-go/internal/middleware"
	"adsinsight-go/internal/model"
	"adsinsight-go/internal/pipeline"
	"adsinsight-go/internal/relay"
	"adsinsight-go/internal/repository"
	"adsinsight-go/internal/service"
	"adsinsight-go/pkg/database"
	"adsinsight-go/pkg/gemini"
	"adsinsight-go/pkg/kafka"
	"adsinsight-go/pkg/log"
	"adsinsight-go/pkg/secret"
	"adsinsight-go/pkg/storage"
	"adsinsight-go/pkg/token"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

func main() {
	// 1. 初始化配置
	configPath := "./configs/config.yaml"
	if p := os.Getenv("ADSINSIGHT_CONFIG"); p != "" {
		configPath = p
	}
	config.Init(configPath)
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	// 3. 初始化数据库、Redis 和对象存储
	database.Init(cfg.Database.Driver, cfg.Database.MySQL.DSN, cfg.Database.SQLite.Path)
	database.Migrate(&model.ChatSession{}, &model.ChatMessage{}, &model.AISettings{})
	database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
	storage.InitMinIO(cfg.MinIO)

	// 4. 初始化 Repository
	sessionRepo := repository.NewSessionRepository(database.DB)
	messageRepo := repository.NewMessageRepository(database.DB)
	settingsRepo := repository.NewAISettingsRepository(database.DB)
	messageCache := repository.NewMessageCache(database.RDB, cfg.Database.Redis.TTL)

	// 5. 初始化 Service (依赖注入)
	settingsKey := cfg.Secrets.SettingsKey
	if settingsKey == "" {
		log.Warnf("secrets.settings_key 未配置，使用 JWT 密钥加密 AI 设置")
		settingsKey = cfg.JWT.Secret
	}
	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpireHours)
	var exporter service.TranscriptExporter
	if e := storage.NewTranscriptExporter(storage.MinioClient, cfg.MinIO.BucketName); e != nil {
		exporter = e
	}
	sessionService := service.NewSessionService(sessionRepo, messageRepo, messageCache, exporter)
	settingsService := service.NewAISettingsService(settingsRepo, secret.NewBox(settingsKey))

	// 6. 初始化持久化队列：memory 模式直接落库，kafka 模式先写入 Kafka 再由消费者组落库
	processor := pipeline.NewProcessor(sessionService)
	queueCfg := pipeline.QueueConfig{Workers: cfg.Persist.Workers, QueueSize: cfg.Persist.QueueSize}
	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	defer stopConsumer()
	var queue *pipeline.Queue
	if cfg.Persist.Mode == "kafka" {
		kafka.InitProducer(cfg.Kafka)
		queue = pipeline.NewQueue(pipeline.KafkaForwarder{}, queueCfg)
		// 7. 启动后台 Kafka 消费者
		go kafka.StartConsumer(consumerCtx, cfg.Kafka, processor)
	} else {
		queue = pipeline.NewQueue(processor, queueCfg)
	}

	// 8. 中继与消费端
	translator := relay.NewTranslator(gemini.NewClient(gemini.Config{
		BaseURL:        cfg.Gemini.BaseURL,
		RequestTimeout: cfg.Gemini.RequestTimeout,
	}), cfg.Gemini.DefaultModel)
	consumerOpts := consumer.Options{
		MaxCarryBytes:    cfg.Chat.MaxCarryBytes,
		MaxFrameRetries:  cfg.Chat.MaxFrameRetries,
		MaxHistory:       cfg.Relay.MaxHistory,
		TitleEveryTurns:  cfg.Chat.TitleEveryTurns,
		TitleMaxLen:      cfg.Chat.TitleMaxLen,
		TitleRecentTurns: cfg.Chat.TitleRecentTurns,
	}

	// 9. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	corsCfg := cors.DefaultConfig()
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "Authorization")
	if len(cfg.Server.AllowOrigins) > 0 {
		corsCfg.AllowOrigins = cfg.Server.AllowOrigins
	} else {
		corsCfg.AllowAllOrigins = true
	}
	// CORS 挂在引擎上，预检请求没有对应的路由
	r.Use(middleware.RequestLogger(), gin.Recovery(), cors.New(corsCfg))

	// 10. 注册路由
	apiV1 := r.Group("/api/v1")
	{
		// 中继本身无状态，凭证随请求提供
		apiV1.POST("/analyze-ads", handler.NewRelayHandler(translator).AnalyzeAds)

		authed := apiV1.Group("/")
		authed.Use(middleware.AuthMiddleware(jwtManager))
		{
			sessionHandler := handler.NewSessionHandler(sessionService, cfg.MinIO.BucketName)
			sessions := authed.Group("/sessions")
			{
				sessions.GET("", sessionHandler.ListSessions)
				sessions.POST("", sessionHandler.CreateSession)
				sessions.GET("/:id/messages", sessionHandler.ListMessages)
				sessions.POST("/:id/messages", sessionHandler.AppendMessage)
				sessions.PUT("/:id/title", sessionHandler.RenameSession)
				sessions.POST("/:id/archive", sessionHandler.ArchiveSession)
				sessions.DELETE("/:id", sessionHandler.DeleteSession)
				sessions.GET("/:id/transcript", sessionHandler.TranscriptURL)
			}

			settingsHandler := handler.NewAISettingsHandler(settingsService)
			authed.GET("/ai-settings", settingsHandler.Get)
			authed.PUT("/ai-settings", settingsHandler.Save)
			authed.DELETE("/ai-settings", settingsHandler.Delete)
		}
	}

	// Chat 路由 (WebSocket)
	chatHandler := handler.NewChatHandler(sessionService, settingsService, consumer.NewHTTPRelay(cfg.Relay.URL),
		queue, consumerOpts, jwtManager)
	apiV1.GET("/chat/websocket-token", middleware.AuthMiddleware(jwtManager), chatHandler.GetWebsocketToken)
	r.GET("/chat/:token", chatHandler.Handle)

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("HTTP 服务器关闭失败: %v", err)
	}
	// 先排空本地队列，再停止生产者与消费者
	if err := queue.Close(ctx); err != nil {
		log.Errorf("持久化队列未能在超时前排空: %v", err)
	}
	if cfg.Persist.Mode == "kafka" {
		if err := kafka.CloseProducer(); err != nil {
			log.Errorf("关闭 Kafka 生产者失败: %v", err)
		}
	}
	stopConsumer()
	log.Info("服务已优雅关闭")
}
