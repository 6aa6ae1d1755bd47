package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	confluentKafka "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	redisDriver "github.com/redis/go-redis/v9"

	"chat-go/internal/config"
	"chat-go/internal/events"
	"chat-go/internal/handlers/chatserver"
	appKafka "chat-go/internal/kafka"
	appRedis "chat-go/internal/redis"
	"chat-go/internal/services"
	"chat-go/internal/storage"
	"chat-go/internal/websocket"
)

func main() {
	// 1. 加载配置
	cfg, err := config.LoadConfig("")
	if err != nil {
		log.Fatalf("无法加载配置: %v", err)
	}
	log.Println("Chat 服务器配置加载成功。")

	// 2. 初始化数据库连接
	db, err := storage.InitDB(cfg.Database)
	if err != nil {
		log.Fatalf("无法初始化数据库: %v", err)
	}
	log.Println("Chat 服务器数据库连接成功。")

	// 3. 初始化 Redis Client (令牌黑名单检查)
	redisClient := redisDriver.NewClient(&redisDriver.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if _, err = redisClient.Ping(context.Background()).Result(); err != nil {
		log.Fatalf("无法连接到 Redis: %v", err)
	}
	tokenBlacklist := appRedis.NewRedisTokenBlacklist(redisClient)

	// 4. 初始化 Repositories 和 Services
	convoRepo := storage.NewGormConversationRepository(db)
	msgRepo := storage.NewGormMessageRepository(db)
	userRepo := storage.NewGormUserRepository(db)

	// Chat 服务器本身不发事件，用空发布器即可。
	conversationService := services.NewConversationService(convoRepo, msgRepo, userRepo, events.NopEmitter{}, cfg.Chat)

	// 5. 初始化 WebSocket Hub
	hub := websocket.NewHub()
	go hub.Run()
	log.Println("WebSocket Hub 已启动。")

	// 6. 初始化 WebSocket Handler
	wsHandler := chatserver.NewWebSocketHandler(hub, conversationService, tokenBlacklist, cfg)

	// 7. 初始化事件消费者：把会话事件扇出给在线成员
	eventsConsumer, err := appKafka.NewConfluentKafkaConsumer(cfg.Kafka)
	if err != nil {
		log.Fatalf("无法创建事件 Kafka 消费者: %v", err)
	}
	defer eventsConsumer.Close()

	consumerCtx, cancelConsumers := context.WithCancel(context.Background())
	defer cancelConsumers()

	go func() {
		log.Printf("Kafka 事件消费者 goroutine 启动，监听 topic: %s", cfg.Kafka.EventsTopic)
		topics := []string{cfg.Kafka.EventsTopic}
		if err := eventsConsumer.Consume(consumerCtx, topics, cfg.Kafka.ConsumerGroup,
			func(ctx context.Context, kafkaMsg *confluentKafka.Message) error {
				var event events.Event
				if err := json.Unmarshal(kafkaMsg.Value, &event); err != nil {
					log.Printf("错误: 无法反序列化会话事件: %v, 原始值: %s", err, string(kafkaMsg.Value))
					return nil // 跳过坏消息，不阻塞消费
				}

				memberIDs, err := convoRepo.GetActiveMemberIDs(ctx, event.ConversationID)
				if err != nil {
					return fmt.Errorf("查询会话 %d 成员失败: %w", event.ConversationID, err)
				}

				for _, userID := range memberIDs {
					// 操作者自己不需要回显事件
					if userID == event.ActorID {
						continue
					}
					hub.DeliverToUser(userID, kafkaMsg.Value)
				}
				return nil
			}); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("Kafka 事件消费者错误: %v", err)
		}
		log.Println("Kafka 事件消费者 goroutine 已停止。")
	}()

	// 8. 配置 HTTP 服务器路由
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/chat", wsHandler.ServeWS)
	mux.HandleFunc("/ws/chat/", wsHandler.ServeWS)

	// 9. 启动 HTTP 服务器
	serverAddr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{Addr: serverAddr, Handler: mux}

	go func() {
		log.Printf("Chat HTTP 服务器启动于 %s, WebSocket 路径: %s", serverAddr, cfg.Server.WebSocketPath)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Chat 服务器启动失败: %v", err)
		}
	}()

	// 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Chat 服务器准备关闭...")

	cancelConsumers()
	log.Println("正在等待 Kafka 消费者停止...")

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()

	if err := httpServer.Shutdown(ctxShutdown); err != nil {
		log.Fatalf("Chat 服务器关闭失败: %v", err)
	}
	log.Println("Chat 服务器已优雅关闭。")
}
