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

// ConversationHandler 封装了会话相关的 HTTP 处理器方法。
type ConversationHandler struct {
	convoService services.ConversationService
}

// NewConversationHandler 创建一个新的 ConversationHandler 实例。
func NewConversationHandler(convoService services.ConversationService) *ConversationHandler {
	return &ConversationHandler{convoService: convoService}
}

// ListConversationsHandler 获取当前用户的会话列表（分页）。
func (h *ConversationHandler) ListConversationsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeJSONError(w, "用户未认证", http.StatusUnauthorized)
		return
	}

	opts := storage.ConversationQueryOptions{
		Page:   queryInt(r, "page", 1),
		Limit:  queryInt(r, "limit", 20),
		Search: r.URL.Query().Get("search"),
	}
	if t := r.URL.Query().Get("type"); t != "" {
		convType := models.ConversationType(t)
		opts.Type = &convType
	}
	if a := r.URL.Query().Get("archived"); a != "" {
		archived := a == "true"
		opts.IsArchived = &archived
	}

	views, total, err := h.convoService.GetUserConversations(r.Context(), userID, opts)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"conversations": views,
		"total":         total,
		"page":          opts.Page,
		"limit":         opts.Limit,
	})
}

// CreateDirectConversationRequest 是获取/创建单聊会话的请求结构体。
type CreateDirectConversationRequest struct {
	TargetID uint `json:"targetId"`
}

// CreateDirectConversationHandler 获取或创建与目标用户的单聊会话。
func (h *ConversationHandler) CreateDirectConversationHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeJSONError(w, "用户未认证", http.StatusUnauthorized)
		return
	}

	var req CreateDirectConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "请求体无效", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if req.TargetID == 0 {
		writeJSONError(w, "目标用户ID不能为空", http.StatusBadRequest)
		return
	}

	conv, created, err := h.convoService.GetOrCreateDirectConversation(r.Context(), userID, req.TargetID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSONResponse(w, status, map[string]interface{}{
		"conversation": conv,
		"created":      created,
	})
}

// CreateGroupConversationHandler 创建群聊会话。
func (h *ConversationHandler) CreateGroupConversationHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeJSONError(w, "用户未认证", http.StatusUnauthorized)
		return
	}

	var input services.CreateGroupInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeJSONError(w, "请求体无效", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	conv, err := h.convoService.CreateGroupConversation(r.Context(), userID, input)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, conv)
}

// GetConversationHandler 获取单个会话的详情视图。
func (h *ConversationHandler) GetConversationHandler(w http.ResponseWriter, r *http.Request) {
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

	view, err := h.convoService.GetConversationByID(r.Context(), conversationID, userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, view)
}

// UpdateConversationHandler 修改群聊资料。
func (h *ConversationHandler) UpdateConversationHandler(w http.ResponseWriter, r *http.Request) {
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

	var input services.UpdateConversationInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeJSONError(w, "请求体无效", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	conv, err := h.convoService.UpdateConversation(r.Context(), conversationID, userID, input)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, conv)
}

// ArchiveConversationRequest 是归档/取消归档的请求结构体。
type ArchiveConversationRequest struct {
	Archived bool `json:"archived"`
}

// ArchiveConversationHandler 归档或取消归档会话。
func (h *ConversationHandler) ArchiveConversationHandler(w http.ResponseWriter, r *http.Request) {
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

	var req ArchiveConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "请求体无效", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if err := h.convoService.SetArchived(r.Context(), conversationID, userID, req.Archived); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]bool{"archived": req.Archived})
}

// MuteConversationRequest 是免打扰设置的请求结构体。
type MuteConversationRequest struct {
	Muted bool       `json:"muted"`
	Until *time.Time `json:"until,omitempty"`
}

// MuteConversationHandler 设置会话免打扰。
func (h *ConversationHandler) MuteConversationHandler(w http.ResponseWriter, r *http.Request) {
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

	var req MuteConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "请求体无效", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if err := h.convoService.SetMuted(r.Context(), conversationID, userID, req.Muted, req.Until); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]bool{"muted": req.Muted})
}

// LeaveConversationHandler 退出会话。
func (h *ConversationHandler) LeaveConversationHandler(w http.ResponseWriter, r *http.Request) {
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

	if err := h.convoService.LeaveConversation(r.Context(), conversationID, userID); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"message": "已退出会话"})
}

// GetMembersHandler 获取会话成员列表。
func (h *ConversationHandler) GetMembersHandler(w http.ResponseWriter, r *http.Request) {
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

	members, err := h.convoService.GetConversationMembers(r.Context(), conversationID, userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, members)
}

// AddMembersRequest 是添加成员的请求结构体。
type AddMembersRequest struct {
	MemberIDs []uint `json:"memberIds"`
}

// AddMembersHandler 向群聊添加成员。
func (h *ConversationHandler) AddMembersHandler(w http.ResponseWriter, r *http.Request) {
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

	var req AddMembersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "请求体无效", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	added, err := h.convoService.AddMembers(r.Context(), conversationID, userID, req.MemberIDs)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{"addedMemberIds": added})
}

// RemoveMemberHandler 把成员移出群聊。
func (h *ConversationHandler) RemoveMemberHandler(w http.ResponseWriter, r *http.Request) {
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
	targetID, err := pathUint(r, "userID")
	if err != nil {
		writeJSONError(w, "无效的用户ID格式", http.StatusBadRequest)
		return
	}

	if err := h.convoService.RemoveMember(r.Context(), conversationID, userID, targetID); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"message": "成员已移除"})
}

// UpdateMemberRoleRequest 是修改成员角色的请求结构体。
type UpdateMemberRoleRequest struct {
	Role models.MemberRole `json:"role"`
}

// UpdateMemberRoleHandler 修改群聊成员的角色。
func (h *ConversationHandler) UpdateMemberRoleHandler(w http.ResponseWriter, r *http.Request) {
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
	targetID, err := pathUint(r, "userID")
	if err != nil {
		writeJSONError(w, "无效的用户ID格式", http.StatusBadRequest)
		return
	}

	var req UpdateMemberRoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "请求体无效", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if err := h.convoService.UpdateMemberRole(r.Context(), conversationID, userID, targetID, req.Role); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{"role": req.Role})
}

// GetStatsHandler 获取当前用户的会话聚合统计。
func (h *ConversationHandler) GetStatsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeJSONError(w, "用户未认证", http.StatusUnauthorized)
		return
	}

	stats, err := h.convoService.GetConversationStats(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, stats)
}

// SetTypingHandler 上报正在输入状态。
func (h *ConversationHandler) SetTypingHandler(w http.ResponseWriter, r *http.Request) {
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

	if err := h.convoService.SetTyping(r.Context(), conversationID, userID); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusNoContent, nil)
}

// GetTypingUsersHandler 获取会话里正在输入的其他用户。
func (h *ConversationHandler) GetTypingUsersHandler(w http.ResponseWriter, r *http.Request) {
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

	userIDs, err := h.convoService.GetTypingUsers(r.Context(), conversationID, userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{"typingUserIds": userIDs})
}
