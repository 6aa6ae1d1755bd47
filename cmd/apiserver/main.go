package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	redisDriver "github.com/redis/go-redis/v9"

	"chat-go/internal/config"
	"chat-go/internal/events"
	"chat-go/internal/handlers/apiserver"
	"chat-go/internal/imtypes"
	appKafka "chat-go/internal/kafka"
	"chat-go/internal/middleware"
	appRedis "chat-go/internal/redis"
	"chat-go/internal/services"
	"chat-go/internal/storage"
)

func main() {
	// 1. 加载配置
	cfg, err := config.LoadConfig("")
	if err != nil {
		log.Fatalf("无法加载配置: %v", err)
	}
	log.Println("API 服务器配置加载成功。")

	// 2. 初始化数据库连接
	db, err := storage.InitDB(cfg.Database)
	if err != nil {
		log.Fatalf("无法初始化数据库: %v", err)
	}
	log.Println("API 服务器数据库连接成功。")

	// (可选) 表结构迁移
	if err := storage.AutoMigrateTables(db); err != nil {
		log.Printf("警告：API 服务器数据库表迁移可能失败: %v", err)
	} else {
		log.Println("API 服务器数据库表迁移成功 (如果执行)。")
	}

	// 3. 初始化 Redis Client
	redisClient := redisDriver.NewClient(&redisDriver.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if _, err = redisClient.Ping(context.Background()).Result(); err != nil {
		log.Fatalf("无法连接到 Redis: %v", err)
	}
	log.Println("成功连接到 Redis")

	// 4. 初始化 TokenBlacklist 服务
	tokenBlacklistService := appRedis.NewRedisTokenBlacklist(redisClient)

	// 5. 初始化 Repositories
	userRepo := storage.NewGormUserRepository(db)
	convoRepo := storage.NewGormConversationRepository(db)
	msgRepo := storage.NewGormMessageRepository(db)

	// 6. 初始化 Kafka 生产者和事件发布器
	kfkProducer, err := appKafka.NewConfluentKafkaProducer(cfg.Kafka)
	if err != nil {
		log.Fatalf("无法创建 Kafka 生产者: %v", err)
	}
	defer kfkProducer.Close()
	log.Println("Kafka 生产者初始化成功 (API Server)。")

	emitter := events.NewKafkaEmitter(kfkProducer, cfg.Kafka.EventsTopic)

	// 7. 初始化 Services
	authService := services.NewAuthService(userRepo, cfg)
	userService := services.NewUserService(userRepo)
	conversationService := services.NewConversationService(convoRepo, msgRepo, userRepo, emitter, cfg.Chat)
	messageService := services.NewMessageService(msgRepo, convoRepo, emitter, cfg.Chat)

	// 7.1 初始化存储服务
	var storageService imtypes.StorageService
	storageBaseURL := "/uploads"
	if cfg.Storage.Type == "local" {
		storageService, err = storage.NewLocalStorageService(cfg.Storage, storageBaseURL)
		if err != nil {
			log.Fatalf("无法初始化本地存储服务: %v", err)
		}
		log.Println("本地存储服务初始化成功。")
	} else {
		log.Fatalf("不支持的存储类型: %s", cfg.Storage.Type)
	}

	// 8. 初始化 Handlers
	authHandler := apiserver.NewAuthHandler(authService, tokenBlacklistService)
	userHandler := apiserver.NewUserHandler(userService)
	convoHandler := apiserver.NewConversationHandler(conversationService)
	messageHandler := apiserver.NewMessageHandler(messageService)
	uploadHandler := apiserver.NewUploadHandler(storageService, cfg.Storage)

	// 9. 设置 HTTP 路由
	r := mux.NewRouter()

	// 9.1 认证路由
	authRouter := r.PathPrefix("/auth").Subrouter()
	authRouter.HandleFunc("/register", authHandler.Register).Methods(http.MethodPost)
	authRouter.HandleFunc("/login", authHandler.Login).Methods(http.MethodPost)

	authMW := middleware.AuthMiddleware(cfg.Auth.JWTSecretKey, tokenBlacklistService)

	// 9.2 API 子路由 (需要认证)
	apiRouter := r.PathPrefix("/api/v1").Subrouter()
	apiRouter.Use(authMW)

	apiRouter.HandleFunc("/auth/logout", authHandler.LogoutHandler).Methods(http.MethodPost)

	// 用户路由
	apiRouter.HandleFunc("/users/me", userHandler.GetMyProfileHandler).Methods(http.MethodGet)
	apiRouter.HandleFunc("/users/me", userHandler.UpdateMyProfileHandler).Methods(http.MethodPut)
	apiRouter.HandleFunc("/users/search", userHandler.SearchUsersHandler).Methods(http.MethodGet)

	// 会话路由
	apiRouter.HandleFunc("/conversations", convoHandler.ListConversationsHandler).Methods(http.MethodGet)
	apiRouter.HandleFunc("/conversations/direct", convoHandler.CreateDirectConversationHandler).Methods(http.MethodPost)
	apiRouter.HandleFunc("/conversations/group", convoHandler.CreateGroupConversationHandler).Methods(http.MethodPost)
	apiRouter.HandleFunc("/conversations/stats", convoHandler.GetStatsHandler).Methods(http.MethodGet)
	apiRouter.HandleFunc("/conversations/{conversationID:[0-9]+}", convoHandler.GetConversationHandler).Methods(http.MethodGet)
	apiRouter.HandleFunc("/conversations/{conversationID:[0-9]+}", convoHandler.UpdateConversationHandler).Methods(http.MethodPut)
	apiRouter.HandleFunc("/conversations/{conversationID:[0-9]+}/archive", convoHandler.ArchiveConversationHandler).Methods(http.MethodPost)
	apiRouter.HandleFunc("/conversations/{conversationID:[0-9]+}/mute", convoHandler.MuteConversationHandler).Methods(http.MethodPost)
	apiRouter.HandleFunc("/conversations/{conversationID:[0-9]+}/leave", convoHandler.LeaveConversationHandler).Methods(http.MethodPost)
	apiRouter.HandleFunc("/conversations/{conversationID:[0-9]+}/members", convoHandler.GetMembersHandler).Methods(http.MethodGet)
	apiRouter.HandleFunc("/conversations/{conversationID:[0-9]+}/members", convoHandler.AddMembersHandler).Methods(http.MethodPost)
	apiRouter.HandleFunc("/conversations/{conversationID:[0-9]+}/members/{userID:[0-9]+}", convoHandler.RemoveMemberHandler).Methods(http.MethodDelete)
	apiRouter.HandleFunc("/conversations/{conversationID:[0-9]+}/members/{userID:[0-9]+}/role", convoHandler.UpdateMemberRoleHandler).Methods(http.MethodPut)
	apiRouter.HandleFunc("/conversations/{conversationID:[0-9]+}/typing", convoHandler.SetTypingHandler).Methods(http.MethodPost)
	apiRouter.HandleFunc("/conversations/{conversationID:[0-9]+}/typing", convoHandler.GetTypingUsersHandler).Methods(http.MethodGet)

	// 消息路由
	apiRouter.HandleFunc("/conversations/{conversationID:[0-9]+}/messages", messageHandler.ListMessagesHandler).Methods(http.MethodGet)
	apiRouter.HandleFunc("/conversations/{conversationID:[0-9]+}/messages", messageHandler.SendMessageHandler).Methods(http.MethodPost)
	apiRouter.HandleFunc("/conversations/{conversationID:[0-9]+}/messages/stats", messageHandler.GetMessageStatsHandler).Methods(http.MethodGet)
	apiRouter.HandleFunc("/conversations/{conversationID:[0-9]+}/read", messageHandler.MarkAsReadHandler).Methods(http.MethodPost)
	apiRouter.HandleFunc("/messages/search", messageHandler.SearchMessagesHandler).Methods(http.MethodGet)
	apiRouter.HandleFunc("/messages/{messageID:[0-9]+}", messageHandler.EditMessageHandler).Methods(http.MethodPut)
	apiRouter.HandleFunc("/messages/{messageID:[0-9]+}", messageHandler.DeleteMessageHandler).Methods(http.MethodDelete)
	apiRouter.HandleFunc("/messages/{messageID:[0-9]+}/reactions", messageHandler.ToggleReactionHandler).Methods(http.MethodPost)
	apiRouter.HandleFunc("/messages/{messageID:[0-9]+}/reactions", messageHandler.RemoveReactionHandler).Methods(http.MethodDelete)
	apiRouter.HandleFunc("/messages/{messageID:[0-9]+}/reactions", messageHandler.GetReactionCountsHandler).Methods(http.MethodGet)
	apiRouter.HandleFunc("/messages/{messageID:[0-9]+}/receipts", messageHandler.GetReadReceiptStatsHandler).Methods(http.MethodGet)

	// 文件上传路由
	apiRouter.HandleFunc("/upload", uploadHandler.UploadFileHandler).Methods(http.MethodPost)

	// 9.3 公开路由 (不需要认证)
	r.HandleFunc("/users/{userID:[0-9]+}", userHandler.GetUserProfileHandler).Methods(http.MethodGet)

	// 9.4 静态文件服务路由 - 用于访问上传的文件
	if cfg.Storage.Type == "local" {
		staticPath := strings.TrimSuffix(storageBaseURL, "/") + "/"
		localDir := http.Dir(cfg.Storage.LocalPath)
		r.PathPrefix(staticPath).Handler(http.StripPrefix(staticPath, http.FileServer(localDir)))
		log.Printf("提供静态文件服务于 %s -> %s", staticPath, cfg.Storage.LocalPath)
	}

	// 10. 启动正在输入指示的后台清理
	sweepCtx, cancelSweep := context.WithCancel(context.Background())
	defer cancelSweep()
	go func() {
		ticker := time.NewTicker(cfg.Chat.TypingSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				log.Println("正在输入指示清理 goroutine 已停止。")
				return
			case <-ticker.C:
				if n, err := conversationService.SweepTypingIndicators(sweepCtx); err != nil {
					log.Printf("警告: 清理过期的正在输入指示失败: %v", err)
				} else if n > 0 {
					log.Printf("已清理 %d 条过期的正在输入指示", n)
				}
			}
		}
	}()

	// 11. 启动 HTTP 服务器并实现优雅关闭
	serverAddr := fmt.Sprintf("%s:%s", cfg.APIServer.Host, cfg.APIServer.Port)

	corsOptions := []handlers.CORSOption{
		handlers.AllowedOrigins(cfg.APIServer.CORS.AllowedOrigins),
		handlers.AllowedMethods(cfg.APIServer.CORS.AllowedMethods),
		handlers.AllowedHeaders(cfg.APIServer.CORS.AllowedHeaders),
		handlers.ExposedHeaders(cfg.APIServer.CORS.ExposedHeaders),
		handlers.MaxAge(cfg.APIServer.CORS.MaxAge),
	}
	if cfg.APIServer.CORS.AllowCredentials {
		corsOptions = append(corsOptions, handlers.AllowCredentials())
	}
	corsHandler := handlers.CORS(corsOptions...)(r)

	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      corsHandler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  time.Second * 60,
	}

	go func() {
		log.Printf("API 服务器启动于 %s", serverAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("API 服务器启动失败: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("收到关闭信号，正在关闭 API 服务器...")

	cancelSweep()

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if err := srv.Shutdown(ctxShutdown); err != nil {
		log.Fatalf("API 服务器强制关闭: %v", err)
	}

	log.Println("API 服务器已成功关闭")
}
