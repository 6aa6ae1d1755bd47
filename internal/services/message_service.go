package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"chat-go/internal/config"
	"chat-go/internal/events"
	"chat-go/internal/models"
	"chat-go/internal/storage"
)

// AttachmentInput 是发送消息时附带的附件元数据。
// 文件本体已由存储服务上传，这里只引用 URL。
type AttachmentInput struct {
	Type         models.AttachmentType `json:"type"`
	FileName     string                `json:"fileName"`
	FileURL      string                `json:"fileUrl"`
	FileSize     int64                 `json:"fileSize"`
	Width        *int                  `json:"width,omitempty"`
	Height       *int                  `json:"height,omitempty"`
	Duration     *int                  `json:"duration,omitempty"`
	ThumbnailURL string                `json:"thumbnailUrl,omitempty"`
}

// SendMessageInput 是发送消息的输入。
type SendMessageInput struct {
	Content     string             `json:"content"`
	Type        models.MessageType `json:"type,omitempty"`
	ReplyToID   *uint              `json:"replyToId,omitempty"`
	Attachments []AttachmentInput  `json:"attachments,omitempty"`
}

// SearchInput 是消息搜索的过滤条件。ConversationID 非 nil 时只搜该会话。
type SearchInput struct {
	ConversationID *uint
	Type           *models.MessageType
	SenderID       *uint
	DateFrom       *time.Time
	DateTo         *time.Time
	Limit          int
	Cursor         *uint
}

// MessageView 是带观察者视角字段的消息视图。
type MessageView struct {
	*models.Message
	IsReadByCurrentUser bool `json:"isReadByCurrentUser"`
	ReadByCount         int  `json:"readByCount"`
}

// MessagePageView 是一页消息视图。
type MessagePageView struct {
	Messages   []*MessageView `json:"messages"`
	HasMore    bool           `json:"hasMore"`
	NextCursor *uint          `json:"nextCursor,omitempty"`
}

// ReadReceiptStats 是某条消息的已读统计。
// 分母是除作者外的活跃成员数，向下钳制为零（此时阅读比例为 0）。
type ReadReceiptStats struct {
	MessageID       uint                  `json:"messageId"`
	ReadCount       int                   `json:"readCount"`
	TotalRecipients int64                 `json:"totalRecipients"`
	ReadPercentage  float64               `json:"readPercentage"`
	Readers         []*models.ReadReceipt `json:"readers"`
}

// 回应切换的结果。
const (
	ReactionAdded   = "added"
	ReactionRemoved = "removed"
)

// MessageService 定义了消息相关服务的接口。
type MessageService interface {
	GetConversationMessages(ctx context.Context, conversationID, userID uint, opts storage.MessageQueryOptions) (*MessagePageView, error)
	SendMessage(ctx context.Context, conversationID, senderID uint, input SendMessageInput) (*models.Message, error)
	EditMessage(ctx context.Context, messageID, userID uint, content string) (*models.Message, error)
	DeleteMessage(ctx context.Context, messageID, userID uint, forEveryone bool) error

	// MarkAsRead 批量推进已读位置，返回新标记的消息数。
	// messageID 非 nil 时只标记到该消息为止。
	MarkAsRead(ctx context.Context, conversationID, userID uint, messageID *uint) (int64, error)
	GetReadReceiptStats(ctx context.Context, messageID, userID uint) (*ReadReceiptStats, error)

	// ToggleReaction 切换回应：已存在则移除，否则添加。返回实际执行的动作。
	ToggleReaction(ctx context.Context, messageID, userID uint, emoji string) (string, error)
	RemoveReaction(ctx context.Context, messageID, userID uint, emoji string) error
	GetReactionCounts(ctx context.Context, messageID, userID uint) ([]storage.ReactionCount, error)

	SearchMessages(ctx context.Context, userID uint, query string, input SearchInput) (*storage.SearchResult, error)
	GetMessageStats(ctx context.Context, conversationID, userID uint) (*storage.MessageStats, error)
}

// messageService 是 MessageService 的实现。
type messageService struct {
	msgRepo   storage.MessageRepository
	convoRepo storage.ConversationRepository
	emitter   events.Emitter
	cfg       config.ChatConfig
}

// NewMessageService 创建一个新的 MessageService 实例。
func NewMessageService(msgRepo storage.MessageRepository, convoRepo storage.ConversationRepository, emitter events.Emitter, cfg config.ChatConfig) MessageService {
	return &messageService{
		msgRepo:   msgRepo,
		convoRepo: convoRepo,
		emitter:   emitter,
		cfg:       cfg,
	}
}

// GetConversationMessages 返回会话的消息分页，带观察者视角的已读字段。
func (s *messageService) GetConversationMessages(ctx context.Context, conversationID, userID uint, opts storage.MessageQueryOptions) (*MessagePageView, error) {
	if err := s.requireActiveMember(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}

	page, err := s.msgRepo.GetConversationMessages(ctx, conversationID, opts)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidCursor) {
			return nil, NewValidationError("无效的消息游标")
		}
		return nil, err
	}

	views := make([]*MessageView, 0, len(page.Messages))
	for _, msg := range page.Messages {
		views = append(views, buildMessageView(msg, userID))
	}
	return &MessagePageView{
		Messages:   views,
		HasMore:    page.HasMore,
		NextCursor: page.NextCursor,
	}, nil
}

// SendMessage 校验并写入新消息，维护会话预览和未读计数。
func (s *messageService) SendMessage(ctx context.Context, conversationID, senderID uint, input SendMessageInput) (*models.Message, error) {
	if err := s.requireActiveMember(ctx, conversationID, senderID); err != nil {
		return nil, err
	}

	msgType := input.Type
	if msgType == "" {
		msgType = models.TextMessageType
	}
	if !models.IsValidMessageType(msgType) {
		return nil, NewValidationError("无效的消息类型: %s", msgType)
	}

	content := strings.TrimSpace(input.Content)
	if content == "" && len(input.Attachments) == 0 {
		return nil, NewValidationError("消息内容和附件不能同时为空")
	}
	if len([]rune(content)) > s.cfg.MaxContentLength {
		return nil, NewValidationError("消息内容超过 %d 字符上限", s.cfg.MaxContentLength)
	}
	if err := s.validateAttachments(input.Attachments); err != nil {
		return nil, err
	}

	if input.ReplyToID != nil {
		target, err := s.msgRepo.GetByID(ctx, *input.ReplyToID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, NewValidationError("被回复的消息不存在")
			}
			return nil, fmt.Errorf("查询被回复消息失败: %w", err)
		}
		if target.ConversationID != conversationID {
			return nil, NewValidationError("被回复的消息不在当前会话中")
		}
		if target.DeletedForEveryone {
			return nil, NewValidationError("被回复的消息已被删除")
		}
	}

	msg := &models.Message{
		ConversationID: conversationID,
		SenderID:       senderID,
		Type:           msgType,
		Content:        content,
		ReplyToID:      input.ReplyToID,
	}
	for _, a := range input.Attachments {
		msg.Attachments = append(msg.Attachments, models.Attachment{
			Type:         a.Type,
			FileName:     a.FileName,
			FileURL:      a.FileURL,
			FileSize:     a.FileSize,
			Width:        a.Width,
			Height:       a.Height,
			Duration:     a.Duration,
			ThumbnailURL: a.ThumbnailURL,
		})
	}

	if err := s.msgRepo.Create(ctx, msg); err != nil {
		return nil, fmt.Errorf("存储消息到数据库失败: %w", err)
	}

	// 维护会话侧的派生状态。发送者自动已读自己的消息。
	at := msg.CreatedAt
	if err := s.convoRepo.SetLastMessage(ctx, conversationID, MessagePreview(msg, s.cfg.PreviewLength), &at); err != nil {
		return nil, fmt.Errorf("刷新会话预览失败: %w", err)
	}
	if err := s.convoRepo.IncrementUnreadCounts(ctx, conversationID, senderID); err != nil {
		return nil, fmt.Errorf("更新未读计数失败: %w", err)
	}
	if err := s.msgRepo.MarkAsRead(ctx, msg.ID, senderID, at); err != nil {
		return nil, fmt.Errorf("写入发送者已读回执失败: %w", err)
	}

	s.emitter.Emit(ctx, &events.Event{
		Type:           events.MessageCreated,
		ConversationID: conversationID,
		ActorID:        senderID,
		EntityID:       msg.ID,
		Payload:        map[string]interface{}{"messageType": string(msgType)},
	})
	return msg, nil
}

// EditMessage 编辑自己的消息。窗口、删除状态和类型都会被校验；
// 去掉首尾空白后与原文相同的编辑是无操作，不发事件。
func (s *messageService) EditMessage(ctx context.Context, messageID, userID uint, content string) (*models.Message, error) {
	msg, err := s.loadMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if err := s.requireActiveMember(ctx, msg.ConversationID, userID); err != nil {
		return nil, err
	}
	if msg.SenderID != userID {
		return nil, NewForbiddenError("只能编辑自己的消息")
	}
	if msg.IsDeleted {
		return nil, NewConflictError("已删除的消息不能编辑")
	}
	if msg.Type == models.SystemMessageType {
		return nil, NewValidationError("系统消息不能编辑")
	}
	if strings.TrimSpace(msg.Content) == "" && len(msg.Attachments) > 0 {
		return nil, NewValidationError("纯附件消息不能编辑")
	}
	if time.Since(msg.CreatedAt) > s.cfg.EditWindow {
		return nil, NewValidationError("超出编辑窗口，消息不能再编辑")
	}

	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return nil, NewValidationError("消息内容不能为空")
	}
	if len([]rune(trimmed)) > s.cfg.MaxContentLength {
		return nil, NewValidationError("消息内容超过 %d 字符上限", s.cfg.MaxContentLength)
	}
	if trimmed == msg.Content {
		return msg, nil
	}

	now := time.Now()
	msg.Content = trimmed
	msg.IsEdited = true
	msg.EditedAt = &now
	if err := s.msgRepo.Update(ctx, msg); err != nil {
		return nil, fmt.Errorf("更新消息失败: %w", err)
	}

	// 编辑的是会话最新消息时同步刷新预览。
	if last, err := s.msgRepo.GetLastNonDeletedMessage(ctx, msg.ConversationID); err == nil && last != nil && last.ID == msg.ID {
		at := msg.CreatedAt
		if err := s.convoRepo.SetLastMessage(ctx, msg.ConversationID, MessagePreview(msg, s.cfg.PreviewLength), &at); err != nil {
			return nil, fmt.Errorf("刷新会话预览失败: %w", err)
		}
	}

	s.emitter.Emit(ctx, &events.Event{
		Type:           events.MessageEdited,
		ConversationID: msg.ConversationID,
		ActorID:        userID,
		EntityID:       msg.ID,
	})
	return msg, nil
}

// DeleteMessage 软删除消息。作者可删自己的消息；
// 管理员可在窗口内代删他人消息，但只允许为所有人删除。
func (s *messageService) DeleteMessage(ctx context.Context, messageID, userID uint, forEveryone bool) error {
	msg, err := s.loadMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if err := s.requireActiveMember(ctx, msg.ConversationID, userID); err != nil {
		return err
	}
	if msg.IsDeleted {
		return NewConflictError("消息已删除")
	}

	if msg.SenderID != userID {
		role, err := s.convoRepo.GetMemberRole(ctx, msg.ConversationID, userID)
		if err != nil {
			return fmt.Errorf("查询成员角色失败: %w", err)
		}
		if role == nil || *role != models.RoleAdmin {
			return NewForbiddenError("只能删除自己的消息")
		}
		if !forEveryone {
			return NewForbiddenError("管理员只能为所有人删除消息")
		}
		if time.Since(msg.CreatedAt) > s.cfg.AdminDeleteWindow {
			return NewForbiddenError("超出管理员删除窗口")
		}
	}

	// 软删除和预览重算在同一个事务里提交：
	// 取最新的未删除消息，没有则用删除占位。
	now := time.Now()
	deletedAt := msg.CreatedAt
	err = s.msgRepo.MarkDeletedWithPreview(ctx, messageID, msg.ConversationID, forEveryone, now,
		func(last *models.Message) (string, *time.Time) {
			if last != nil {
				at := last.CreatedAt
				return MessagePreview(last, s.cfg.PreviewLength), &at
			}
			at := deletedAt
			return deletedMessagePreview, &at
		})
	if err != nil {
		return fmt.Errorf("删除消息失败: %w", err)
	}

	s.emitter.Emit(ctx, &events.Event{
		Type:           events.MessageDeleted,
		ConversationID: msg.ConversationID,
		ActorID:        userID,
		EntityID:       messageID,
		Payload:        map[string]interface{}{"forEveryone": forEveryone},
	})
	return nil
}

// MarkAsRead 推进调用者在会话中的已读位置。
// 指向自己消息的标记请求直接返回 0，不算错误。
func (s *messageService) MarkAsRead(ctx context.Context, conversationID, userID uint, messageID *uint) (int64, error) {
	if err := s.requireActiveMember(ctx, conversationID, userID); err != nil {
		return 0, err
	}

	if messageID != nil {
		msg, err := s.loadMessage(ctx, *messageID)
		if err != nil {
			if IsKind(err, KindNotFound) {
				return 0, NewValidationError("无效的消息ID")
			}
			return 0, err
		}
		if msg.ConversationID != conversationID {
			return 0, NewValidationError("消息不在当前会话中")
		}
		if msg.SenderID == userID {
			return 0, nil
		}
	}

	now := time.Now()
	count, err := s.msgRepo.MarkConversationAsRead(ctx, conversationID, userID, messageID, now)
	if err != nil {
		return 0, err
	}
	if err := s.convoRepo.UpdateMemberLastRead(ctx, conversationID, userID, now); err != nil {
		return 0, fmt.Errorf("更新已读位置失败: %w", err)
	}

	s.emitter.Emit(ctx, &events.Event{
		Type:           events.ReadReceiptAdvanced,
		ConversationID: conversationID,
		ActorID:        userID,
		Payload:        map[string]interface{}{"marked": count},
	})
	return count, nil
}

// GetReadReceiptStats 返回消息的已读统计，作者和管理员可见。
func (s *messageService) GetReadReceiptStats(ctx context.Context, messageID, userID uint) (*ReadReceiptStats, error) {
	msg, err := s.loadMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if err := s.requireActiveMember(ctx, msg.ConversationID, userID); err != nil {
		return nil, err
	}
	if msg.SenderID != userID {
		role, err := s.convoRepo.GetMemberRole(ctx, msg.ConversationID, userID)
		if err != nil {
			return nil, fmt.Errorf("查询成员角色失败: %w", err)
		}
		if role == nil || *role != models.RoleAdmin {
			return nil, NewForbiddenError("只有作者或管理员可以查看已读统计")
		}
	}

	receipts, err := s.msgRepo.GetReadReceipts(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("查询已读回执失败: %w", err)
	}
	memberCount, err := s.convoRepo.CountActiveMembers(ctx, msg.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("统计成员数量失败: %w", err)
	}

	// 排除作者后的接收者数，钳制为非负。
	recipients := memberCount - 1
	if recipients < 0 {
		recipients = 0
	}

	// 作者自己的回执不计入阅读数。
	readCount := 0
	for _, r := range receipts {
		if r.UserID != msg.SenderID {
			readCount++
		}
	}

	stats := &ReadReceiptStats{
		MessageID:       messageID,
		ReadCount:       readCount,
		TotalRecipients: recipients,
		Readers:         receipts,
	}
	if recipients > 0 {
		stats.ReadPercentage = float64(readCount) / float64(recipients) * 100
	}
	return stats, nil
}

// ToggleReaction 切换回应。两次相同调用互相抵消。
func (s *messageService) ToggleReaction(ctx context.Context, messageID, userID uint, emoji string) (string, error) {
	msg, err := s.loadMessage(ctx, messageID)
	if err != nil {
		return "", err
	}
	if err := s.requireActiveMember(ctx, msg.ConversationID, userID); err != nil {
		return "", err
	}
	// 仅发送者删除的消息对其他成员仍然可见，可以继续回应。
	if msg.DeletedForEveryone {
		return "", NewConflictError("不能回应已删除的消息")
	}
	if !isAllowedReactionEmoji(emoji) {
		return "", NewValidationError("不支持的回应表情")
	}

	has, err := s.msgRepo.HasReaction(ctx, messageID, userID, emoji)
	if err != nil {
		return "", fmt.Errorf("查询回应失败: %w", err)
	}

	if has {
		if _, err := s.msgRepo.RemoveReaction(ctx, messageID, userID, emoji); err != nil {
			return "", fmt.Errorf("移除回应失败: %w", err)
		}
		s.emitter.Emit(ctx, &events.Event{
			Type:           events.ReactionRemoved,
			ConversationID: msg.ConversationID,
			ActorID:        userID,
			EntityID:       messageID,
			Payload:        map[string]interface{}{"emoji": emoji},
		})
		return ReactionRemoved, nil
	}

	reaction := &models.Reaction{MessageID: messageID, UserID: userID, Emoji: emoji}
	if err := s.msgRepo.AddReaction(ctx, reaction); err != nil {
		return "", fmt.Errorf("添加回应失败: %w", err)
	}
	s.emitter.Emit(ctx, &events.Event{
		Type:           events.ReactionAdded,
		ConversationID: msg.ConversationID,
		ActorID:        userID,
		EntityID:       messageID,
		Payload:        map[string]interface{}{"emoji": emoji},
	})
	return ReactionAdded, nil
}

// RemoveReaction 显式移除回应，回应不存在时返回 NotFound。
func (s *messageService) RemoveReaction(ctx context.Context, messageID, userID uint, emoji string) error {
	msg, err := s.loadMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if err := s.requireActiveMember(ctx, msg.ConversationID, userID); err != nil {
		return err
	}

	removed, err := s.msgRepo.RemoveReaction(ctx, messageID, userID, emoji)
	if err != nil {
		return fmt.Errorf("移除回应失败: %w", err)
	}
	if !removed {
		return NewNotFoundError("回应不存在")
	}

	s.emitter.Emit(ctx, &events.Event{
		Type:           events.ReactionRemoved,
		ConversationID: msg.ConversationID,
		ActorID:        userID,
		EntityID:       messageID,
		Payload:        map[string]interface{}{"emoji": emoji},
	})
	return nil
}

// GetReactionCounts 返回消息按表情聚合的回应统计。
func (s *messageService) GetReactionCounts(ctx context.Context, messageID, userID uint) ([]storage.ReactionCount, error) {
	msg, err := s.loadMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if err := s.requireActiveMember(ctx, msg.ConversationID, userID); err != nil {
		return nil, err
	}
	return s.msgRepo.GetReactionCounts(ctx, messageID)
}

// SearchMessages 在调用者可见的会话集合内搜索。
// 指定了集合外的会话 ID 时拒绝；可见集合为空时直接返回空结果。
func (s *messageService) SearchMessages(ctx context.Context, userID uint, query string, input SearchInput) (*storage.SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, NewValidationError("搜索内容不能为空")
	}

	conversationIDs, err := s.convoRepo.GetUserConversationIDs(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("查询用户会话失败: %w", err)
	}

	if input.ConversationID != nil {
		found := false
		for _, id := range conversationIDs {
			if id == *input.ConversationID {
				found = true
				break
			}
		}
		if !found {
			return nil, NewForbiddenError("不是会话成员")
		}
		conversationIDs = []uint{*input.ConversationID}
	}

	if len(conversationIDs) == 0 {
		return &storage.SearchResult{
			Messages: []*models.Message{},
			Facets: &storage.SearchFacets{
				ByType:         map[models.MessageType]int64{},
				BySender:       map[uint]int64{},
				ByConversation: map[uint]int64{},
			},
		}, nil
	}

	return s.msgRepo.SearchMessages(ctx, conversationIDs, strings.TrimSpace(query), storage.SearchOptions{
		Limit:    input.Limit,
		Cursor:   input.Cursor,
		Type:     input.Type,
		SenderID: input.SenderID,
		DateFrom: input.DateFrom,
		DateTo:   input.DateTo,
	})
}

// GetMessageStats 返回会话的消息聚合统计，成员可见。
func (s *messageService) GetMessageStats(ctx context.Context, conversationID, userID uint) (*storage.MessageStats, error) {
	if err := s.requireActiveMember(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	return s.msgRepo.GetMessageStats(ctx, conversationID)
}

// requireActiveMember 校验调用者是会话的活跃成员。
func (s *messageService) requireActiveMember(ctx context.Context, conversationID, userID uint) error {
	active, err := s.convoRepo.IsActiveMember(ctx, conversationID, userID)
	if err != nil {
		return fmt.Errorf("检查成员状态失败: %w", err)
	}
	if !active {
		return NewForbiddenError("不是会话成员")
	}
	return nil
}

// loadMessage 加载消息并把记录缺失翻译为 NotFound。
func (s *messageService) loadMessage(ctx context.Context, messageID uint) (*models.Message, error) {
	msg, err := s.msgRepo.GetByID(ctx, messageID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NewNotFoundError("消息不存在")
		}
		return nil, fmt.Errorf("查询消息失败: %w", err)
	}
	return msg, nil
}

// validateAttachments 校验附件数量、类型和大小。
func (s *messageService) validateAttachments(attachments []AttachmentInput) error {
	if len(attachments) > s.cfg.MaxAttachments {
		return NewValidationError("附件数量超过上限 %d", s.cfg.MaxAttachments)
	}
	maxSize := int64(s.cfg.MaxAttachmentSizeMB) << 20
	for _, a := range attachments {
		if !models.IsValidAttachmentType(a.Type) {
			return NewValidationError("无效的附件类型: %s", a.Type)
		}
		if strings.TrimSpace(a.FileName) == "" || strings.TrimSpace(a.FileURL) == "" {
			return NewValidationError("附件缺少文件名或 URL")
		}
		if a.FileSize <= 0 || a.FileSize > maxSize {
			return NewValidationError("附件大小必须在 1 字节到 %d MB 之间", s.cfg.MaxAttachmentSizeMB)
		}
	}
	return nil
}

// buildMessageView 计算观察者视角的消息视图。
// 为所有人删除的消息不再暴露附件和回应。
func buildMessageView(msg *models.Message, viewerID uint) *MessageView {
	if msg.DeletedForEveryone {
		msg.Attachments = nil
		msg.Reactions = nil
	}
	view := &MessageView{Message: msg}
	for _, r := range msg.ReadReceipts {
		if r.UserID == msg.SenderID {
			continue
		}
		view.ReadByCount++
		if r.UserID == viewerID {
			view.IsReadByCurrentUser = true
		}
	}
	if msg.SenderID == viewerID {
		view.IsReadByCurrentUser = true
	}
	return view
}
