package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pu-ac-cn/cas-server/internal/config"
	"github.com/pu-ac-cn/cas-server/internal/database"
	"github.com/pu-ac-cn/cas-server/internal/handler"
	"github.com/pu-ac-cn/cas-server/internal/middleware"
	"github.com/pu-ac-cn/cas-server/internal/model"
	"github.com/pu-ac-cn/cas-server/internal/redis"
	"github.com/pu-ac-cn/cas-server/internal/repository"
	"github.com/pu-ac-cn/cas-server/internal/service"
	"github.com/pu-ac-cn/cas-server/internal/store"
	"github.com/pu-ac-cn/cas-server/pkg/response"
)

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	// 初始化数据库连接
	if err := database.Init(&cfg.Database); err != nil {
		log.Fatalf("初始化数据库失败: %v", err)
	}
	defer database.Close()
	log.Println("数据库连接成功")

	// 初始化 Redis 连接
	if err := redis.Init(&cfg.Redis); err != nil {
		log.Fatalf("初始化 Redis 失败: %v", err)
	}
	defer redis.Close()
	log.Println("Redis 连接成功")

	// 自动迁移数据库表
	if err := database.AutoMigrate(&model.User{}); err != nil {
		log.Fatalf("数据库迁移失败: %v", err)
	}
	log.Println("数据库迁移完成")

	logger := middleware.GetLogger()

	// 生成 RSA 密钥对（生产环境应从配置文件加载）
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		log.Fatalf("生成 RSA 密钥失败: %v", err)
	}

	// 票据存储
	ticketStore := store.NewRedisStore(redis.GetClient(), cfg.Ticket.Grace)

	// 服务白名单
	registry, err := service.NewServiceRegistry(cfg.Services, logger)
	if err != nil {
		log.Fatalf("构建服务白名单失败: %v", err)
	}

	// 初始化 Repository 与 Service
	userRepo := repository.NewUserRepository(database.GetDB())
	authService := service.NewAuthService(userRepo)

	ticketService := service.NewTicketService(ticketStore, registry, &service.TicketServiceConfig{
		Expiry:            cfg.Ticket.Expiry,
		TGTExpiry:         cfg.Ticket.TGTExpiry,
		LoginTicketExpiry: cfg.Ticket.LoginTicketExpiry,
		IDLength:          cfg.Ticket.IDLength,
		VerifyCallback:    cfg.Proxy.VerifyCallback,
		RequireHTTPS:      cfg.Server.Mode == "release",
	})
	validationService := service.NewValidationService(ticketStore, nil, logger)
	proxyService := service.NewProxyService(ticketStore, ticketService)
	logoutDispatcher := service.NewLogoutDispatcher(ticketStore, &service.LogoutDispatcherConfig{
		Concurrency: cfg.SLO.Concurrency,
		Timeout:     cfg.SLO.Timeout,
		Issuer:      cfg.JWT.Issuer,
		SigningKey:  privateKey,
	}, logger)

	// 过期票据清理；开启单点登出时会话过期同样触发登出通知
	var sweepDispatcher service.LogoutDispatcher
	if cfg.SLO.Enabled {
		sweepDispatcher = logoutDispatcher
	}
	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	sweeper := service.NewSweeper(ticketStore, sweepDispatcher, cfg.Ticket.SweepInterval, logger)
	go sweeper.Run(sweepCtx)

	// 初始化 Handler
	casHandler := handler.NewCASHandler(
		authService,
		ticketService,
		validationService,
		proxyService,
		logoutDispatcher,
		registry,
		ticketStore,
		&handler.CASHandlerConfig{
			SLOEnabled:      cfg.SLO.Enabled,
			FollowLogoutURL: cfg.Logout.FollowURL,
			CookieSecure:    cfg.Server.Mode == "release",
		},
		logger,
	)

	// 设置 Gin 模式
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	// 创建路由
	router := gin.New()

	// 全局中间件
	router.Use(middleware.Logger())
	router.Use(middleware.Recovery())

	// 健康检查
	router.GET("/health", func(c *gin.Context) {
		// 检查数据库连接
		dbStatus := "ok"
		if err := database.Ping(); err != nil {
			dbStatus = "error"
		}

		// 检查 Redis 连接
		redisStatus := "ok"
		redisClient := redis.GetClient()
		if redisClient == nil {
			redisStatus = "error"
		} else if err := redisClient.Ping(c.Request.Context()).Err(); err != nil {
			redisStatus = "error"
		}

		response.Success(c, gin.H{
			"status":   "ok",
			"time":     time.Now().Format(time.RFC3339),
			"database": dbStatus,
			"redis":    redisStatus,
		})
	})

	// CAS 协议端点
	casHandler.RegisterRoutes(router)

	// 创建 HTTP 服务器
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// 启动服务器
	go func() {
		log.Printf("服务启动，监听地址: %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("服务启动失败: %v", err)
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("正在关闭服务...")

	// 停止清理循环
	stopSweeper()

	// 优雅关闭，等待 5 秒
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("服务关闭失败: %v", err)
	}

	// 关闭数据库和 Redis 连接
	database.Close()
	redis.Close()

	log.Println("服务已关闭")
}
