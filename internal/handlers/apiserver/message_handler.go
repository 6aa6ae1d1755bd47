package apiserver

import (
	"encoding/json"
	"net/http"
	"time"

	"chat-go/internal/middleware"
	"chat-go/internal/models"
	"chat-go/internal/services"
	"chat-go/internal/storage"
)

// MessageHandler 封装了消息相关的 HTTP 处理器方法。
type MessageHandler struct {
	messageService services.MessageService
}

// NewMessageHandler 创建一个新的 MessageHandler 实例。
func NewMessageHandler(messageService services.MessageService) *MessageHandler {
	return &MessageHandler{messageService: messageService}
}

// ListMessagesHandler 获取会话消息（游标分页，默认从最新往回翻）。
func (h *MessageHandler) ListMessagesHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeJSONError(w, "用户未认证", http.StatusUnauthorized)
		return
	}
	conversationID, err := pathUint(r, "conversationID")
	if err != nil {
		writeJSONError(w, "无效的会话ID格式", http.StatusBadRequest)
		return
	}

	cursor, err := queryUint(r, "cursor")
	if err != nil {
		writeJSONError(w, "无效的游标格式", http.StatusBadRequest)
		return
	}
	opts := storage.MessageQueryOptions{
		Limit:  queryInt(r, "limit", 50),
		Cursor: cursor,
	}
	if d := r.URL.Query().Get("direction"); d == string(storage.DirectionForward) {
		opts.Direction = storage.DirectionForward
	}

	page, err := h.messageService.GetConversationMessages(r.Context(), conversationID, userID, opts)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, page)
}

// SendMessageHandler 向会话发送消息。
func (h *MessageHandler) SendMessageHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeJSONError(w, "用户未认证", http.StatusUnauthorized)
		return
	}
	conversationID, err := pathUint(r, "conversationID")
	if err != nil {
		writeJSONError(w, "无效的会话ID格式", http.StatusBadRequest)
		return
	}

	var input services.SendMessageInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeJSONError(w, "请求体无效", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	msg, err := h.messageService.SendMessage(r.Context(), conversationID, userID, input)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, msg)
}

// EditMessageRequest 是编辑消息的请求结构体。
type EditMessageRequest struct {
	Content string `json:"content"`
}

// EditMessageHandler 编辑消息内容。
func (h *MessageHandler) EditMessageHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeJSONError(w, "用户未认证", http.StatusUnauthorized)
		return
	}
	messageID, err := pathUint(r, "messageID")
	if err != nil {
		writeJSONError(w, "无效的消息ID格式", http.StatusBadRequest)
		return
	}

	var req EditMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "请求体无效", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	msg, err := h.messageService.EditMessage(r.Context(), messageID, userID, req.Content)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, msg)
}

// DeleteMessageHandler 删除消息。forEveryone=true 时对所有人删除。
func (h *MessageHandler) DeleteMessageHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeJSONError(w, "用户未认证", http.StatusUnauthorized)
		return
	}
	messageID, err := pathUint(r, "messageID")
	if err != nil {
		writeJSONError(w, "无效的消息ID格式", http.StatusBadRequest)
		return
	}

	forEveryone := r.URL.Query().Get("forEveryone") == "true"
	if err := h.messageService.DeleteMessage(r.Context(), messageID, userID, forEveryone); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"message": "消息已删除"})
}

// MarkAsReadRequest 是标记已读的请求结构体，messageId 缺省表示全部标记。
type MarkAsReadRequest struct {
	MessageID *uint `json:"messageId,omitempty"`
}

// MarkAsReadHandler 推进会话的已读位置。
func (h *MessageHandler) MarkAsReadHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeJSONError(w, "用户未认证", http.StatusUnauthorized)
		return
	}
	conversationID, err := pathUint(r, "conversationID")
	if err != nil {
		writeJSONError(w, "无效的会话ID格式", http.StatusBadRequest)
		return
	}

	var req MarkAsReadRequest
	if r.Body != nil {
		// 空请求体等价于全部标记
		_ = json.NewDecoder(r.Body).Decode(&req)
		defer r.Body.Close()
	}

	count, err := h.messageService.MarkAsRead(r.Context(), conversationID, userID, req.MessageID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]int64{"markedCount": count})
}

// GetReadReceiptStatsHandler 获取消息的已读统计。
func (h *MessageHandler) GetReadReceiptStatsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeJSONError(w, "用户未认证", http.StatusUnauthorized)
		return
	}
	messageID, err := pathUint(r, "messageID")
	if err != nil {
		writeJSONError(w, "无效的消息ID格式", http.StatusBadRequest)
		return
	}

	stats, err := h.messageService.GetReadReceiptStats(r.Context(), messageID, userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, stats)
}

// ReactionRequest 是回应操作的请求结构体。
type ReactionRequest struct {
	Emoji string `json:"emoji"`
}

// ToggleReactionHandler 切换当前用户对消息的回应。
func (h *MessageHandler) ToggleReactionHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeJSONError(w, "用户未认证", http.StatusUnauthorized)
		return
	}
	messageID, err := pathUint(r, "messageID")
	if err != nil {
		writeJSONError(w, "无效的消息ID格式", http.StatusBadRequest)
		return
	}

	var req ReactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "请求体无效", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	action, err := h.messageService.ToggleReaction(r.Context(), messageID, userID, req.Emoji)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"action": action, "emoji": req.Emoji})
}

// RemoveReactionHandler 显式移除当前用户对消息的回应。
func (h *MessageHandler) RemoveReactionHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeJSONError(w, "用户未认证", http.StatusUnauthorized)
		return
	}
	messageID, err := pathUint(r, "messageID")
	if err != nil {
		writeJSONError(w, "无效的消息ID格式", http.StatusBadRequest)
		return
	}

	emoji := r.URL.Query().Get("emoji")
	if err := h.messageService.RemoveReaction(r.Context(), messageID, userID, emoji); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"message": "回应已移除"})
}

// GetReactionCountsHandler 获取消息的回应聚合。
func (h *MessageHandler) GetReactionCountsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeJSONError(w, "用户未认证", http.StatusUnauthorized)
		return
	}
	messageID, err := pathUint(r, "messageID")
	if err != nil {
		writeJSONError(w, "无效的消息ID格式", http.StatusBadRequest)
		return
	}

	counts, err := h.messageService.GetReactionCounts(r.Context(), messageID, userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, counts)
}

// SearchMessagesHandler 在当前用户可见的会话内搜索消息。
func (h *MessageHandler) SearchMessagesHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeJSONError(w, "用户未认证", http.StatusUnauthorized)
		return
	}

	query := r.URL.Query().Get("q")
	conversationID, err := queryUint(r, "conversationId")
	if err != nil {
		writeJSONError(w, "无效的会话ID格式", http.StatusBadRequest)
		return
	}
	senderID, err := queryUint(r, "senderId")
	if err != nil {
		writeJSONError(w, "无效的用户ID格式", http.StatusBadRequest)
		return
	}
	cursor, err := queryUint(r, "cursor")
	if err != nil {
		writeJSONError(w, "无效的游标格式", http.StatusBadRequest)
		return
	}

	input := services.SearchInput{
		ConversationID: conversationID,
		SenderID:       senderID,
		Cursor:         cursor,
		Limit:          queryInt(r, "limit", 20),
	}
	if t := r.URL.Query().Get("type"); t != "" {
		msgType := models.MessageType(t)
		input.Type = &msgType
	}
	if from := r.URL.Query().Get("dateFrom"); from != "" {
		if ts, err := time.Parse(time.RFC3339, from); err == nil {
			input.DateFrom = &ts
		}
	}
	if to := r.URL.Query().Get("dateTo"); to != "" {
		if ts, err := time.Parse(time.RFC3339, to); err == nil {
			input.DateTo = &ts
		}
	}

	result, err := h.messageService.SearchMessages(r.Context(), userID, query, input)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, result)
}

// GetMessageStatsHandler 获取会话的消息聚合统计。
func (h *MessageHandler) GetMessageStatsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeJSONError(w, "用户未认证", http.StatusUnauthorized)
		return
	}
	conversationID, err := pathUint(r, "conversationID")
	if err != nil {
		writeJSONError(w, "无效的会话ID格式", http.StatusBadRequest)
		return
	}

	stats, err := h.messageService.GetMessageStats(r.Context(), conversationID, userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, stats)
}
