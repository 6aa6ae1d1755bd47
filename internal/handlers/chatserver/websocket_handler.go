package chatserver

import (
	"context"
	"log"
	"net/http"

	"chat-go/internal/auth"
	"chat-go/internal/config"
	"chat-go/internal/services"
	ws "chat-go/internal/websocket"
)

// WebSocketHandler 负责处理 WebSocket 连接请求。
type WebSocketHandler struct {
	hub          *ws.Hub
	convoService services.ConversationService
	blacklist    auth.TokenBlacklist
	cfg          config.Config
}

// NewWebSocketHandler 创建一个新的 WebSocketHandler 实例。
func NewWebSocketHandler(hub *ws.Hub, convoService services.ConversationService, blacklist auth.TokenBlacklist, cfg config.Config) *WebSocketHandler {
	return &WebSocketHandler{
		hub:          hub,
		convoService: convoService,
		blacklist:    blacklist,
		cfg:          cfg,
	}
}

// ServeWS 处理传入的 WebSocket 请求。
// 它将 HTTP 连接升级为 WebSocket 连接，并为该连接创建一个新的客户端。
func (h *WebSocketHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	// 通过 token 查询参数认证，拒绝匿名连接
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "缺少认证令牌", http.StatusUnauthorized)
		return
	}

	claims, err := auth.ValidateToken(r.Context(), token, h.cfg.Auth.JWTSecretKey, h.blacklist)
	if err != nil {
		log.Printf("WebSocket 连接尝试失败：令牌无效: %v", err)
		http.Error(w, "令牌无效", http.StatusUnauthorized)
		return
	}
	log.Printf("用户 %s (ID: %d) 尝试连接 WebSocket", claims.Username, claims.UserID)

	// 上行帧处理：目前只有正在输入指示
	frameHandler := func(ctx context.Context, userID uint, frame ws.ClientFrame) error {
		switch frame.Type {
		case ws.FrameTyping:
			return h.convoService.SetTyping(ctx, frame.ConversationID, userID)
		default:
			log.Printf("收到未知类型的帧: %s (客户端: %d)", frame.Type, userID)
			return nil
		}
	}

	ws.ServeWsPerConnection(h.hub, frameHandler, claims.UserID, w, r, h.cfg.WebSocket)
}
