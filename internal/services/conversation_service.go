package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"gorm.io/gorm"

	"chat-go/internal/config"
	"chat-go/internal/events"
	"chat-go/internal/models"
	"chat-go/internal/storage"
)

// CreateGroupInput 是创建群聊的输入。
type CreateGroupInput struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
	MemberIDs   []uint `json:"memberIds"`
}

// UpdateConversationInput 是修改群资料的输入，nil 字段表示不修改。
type UpdateConversationInput struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	AvatarURL   *string `json:"avatarUrl,omitempty"`
}

// ConversationView 是面向调用者的会话视图，带按观察者计算的字段。
type ConversationView struct {
	*models.Conversation
	DisplayName        string            `json:"displayName"`
	DisplayAvatar      string            `json:"displayAvatar,omitempty"`
	MemberCount        int               `json:"memberCount"`
	UnreadCount        int               `json:"unreadCount"`
	CurrentUserRole    models.MemberRole `json:"currentUserRole"`
	IsCurrentUserAdmin bool              `json:"isCurrentUserAdmin"`
}

// ConversationService 定义了会话相关服务的接口。
type ConversationService interface {
	// GetOrCreateDirectConversation 获取或创建两个用户之间的单聊会话。
	// 返回会话对象以及一个布尔值，指示会话是否是新创建的。
	GetOrCreateDirectConversation(ctx context.Context, userID, otherUserID uint) (*models.Conversation, bool, error)
	CreateGroupConversation(ctx context.Context, creatorID uint, input CreateGroupInput) (*models.Conversation, error)
	UpdateConversation(ctx context.Context, conversationID, userID uint, input UpdateConversationInput) (*models.Conversation, error)
	SetArchived(ctx context.Context, conversationID, userID uint, archived bool) error
	SetMuted(ctx context.Context, conversationID, userID uint, muted bool, until *time.Time) error
	LeaveConversation(ctx context.Context, conversationID, userID uint) error

	AddMembers(ctx context.Context, conversationID, actorID uint, memberIDs []uint) ([]uint, error)
	RemoveMember(ctx context.Context, conversationID, actorID, targetID uint) error
	UpdateMemberRole(ctx context.Context, conversationID, actorID, targetID uint, role models.MemberRole) error

	GetUserConversations(ctx context.Context, userID uint, opts storage.ConversationQueryOptions) ([]*ConversationView, int64, error)
	GetConversationByID(ctx context.Context, conversationID, userID uint) (*ConversationView, error)
	GetConversationMembers(ctx context.Context, conversationID, userID uint) ([]*models.ConversationMember, error)
	GetConversationStats(ctx context.Context, userID uint) (*storage.ConversationStats, error)

	SetTyping(ctx context.Context, conversationID, userID uint) error
	GetTypingUsers(ctx context.Context, conversationID, userID uint) ([]uint, error)
	// SweepTypingIndicators 清理所有已过期的正在输入指示，返回清理行数。
	SweepTypingIndicators(ctx context.Context) (int64, error)
}

// conversationService 是 ConversationService 的实现。
type conversationService struct {
	convoRepo storage.ConversationRepository
	msgRepo   storage.MessageRepository
	userRepo  storage.UserRepository
	emitter   events.Emitter
	cfg       config.ChatConfig
}

// NewConversationService 创建一个新的 ConversationService 实例。
func NewConversationService(convoRepo storage.ConversationRepository, msgRepo storage.MessageRepository, userRepo storage.UserRepository, emitter events.Emitter, cfg config.ChatConfig) ConversationService {
	return &conversationService{
		convoRepo: convoRepo,
		msgRepo:   msgRepo,
		userRepo:  userRepo,
		emitter:   emitter,
		cfg:       cfg,
	}
}

// GetOrCreateDirectConversation 幂等地返回两人之间的 direct 会话。
// 任一方退出过时复活双方的成员行，而不是新建会话。
func (s *conversationService) GetOrCreateDirectConversation(ctx context.Context, userID, otherUserID uint) (*models.Conversation, bool, error) {
	if userID == otherUserID {
		return nil, false, NewValidationError("不能与自己创建会话")
	}
	if err := s.requireActiveUsers(ctx, []uint{otherUserID}); err != nil {
		return nil, false, err
	}

	existing, err := s.convoRepo.FindDirectConversation(ctx, userID, otherUserID)
	if err != nil {
		return nil, false, fmt.Errorf("查找单聊会话失败: %w", err)
	}
	if existing != nil {
		// 成员行可能被软退出过，复活两侧。
		now := time.Now()
		for _, uid := range []uint{userID, otherUserID} {
			member := &models.ConversationMember{
				ConversationID: existing.ID,
				UserID:         uid,
				Role:           models.RoleMember,
				IsActive:       true,
				JoinedAt:       now,
			}
			if err := s.convoRepo.UpsertMember(ctx, member); err != nil {
				return nil, false, err
			}
		}
		return existing, false, nil
	}

	conv := &models.Conversation{Type: models.DirectConversation}
	now := time.Now()
	members := []*models.ConversationMember{
		{UserID: userID, Role: models.RoleMember, IsActive: true, JoinedAt: now},
		{UserID: otherUserID, Role: models.RoleMember, IsActive: true, JoinedAt: now},
	}
	if err := s.convoRepo.CreateConversation(ctx, conv, members); err != nil {
		return nil, false, err
	}

	s.emitter.Emit(ctx, &events.Event{
		Type:           events.ConversationCreated,
		ConversationID: conv.ID,
		ActorID:        userID,
		Payload:        map[string]interface{}{"type": models.DirectConversation},
	})
	return conv, true, nil
}

// CreateGroupConversation 创建群聊：创建者自动成为群主和 admin。
func (s *conversationService) CreateGroupConversation(ctx context.Context, creatorID uint, input CreateGroupInput) (*models.Conversation, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, NewValidationError("群名称不能为空")
	}

	memberIDs := dedupeIDs(input.MemberIDs, creatorID)
	if err := s.requireActiveUsers(ctx, memberIDs); err != nil {
		return nil, err
	}

	total := len(memberIDs) + 1
	if total < s.cfg.MinGroupMembers {
		return nil, NewValidationError("群聊至少需要 %d 名成员（含群主）", s.cfg.MinGroupMembers)
	}
	if total > s.cfg.MaxGroupMembers {
		return nil, NewValidationError("群成员数量超过上限 %d", s.cfg.MaxGroupMembers)
	}

	ownerID := creatorID
	conv := &models.Conversation{
		Type:        models.GroupConversation,
		Name:        &name,
		Description: strings.TrimSpace(input.Description),
		AvatarURL:   input.AvatarURL,
		OwnerID:     &ownerID,
	}

	now := time.Now()
	members := make([]*models.ConversationMember, 0, total)
	members = append(members, &models.ConversationMember{
		UserID:   creatorID,
		Role:     models.RoleAdmin,
		IsActive: true,
		JoinedAt: now,
	})
	for _, uid := range memberIDs {
		members = append(members, &models.ConversationMember{
			UserID:   uid,
			Role:     models.RoleMember,
			IsActive: true,
			JoinedAt: now,
		})
	}

	if err := s.convoRepo.CreateConversation(ctx, conv, members); err != nil {
		return nil, err
	}

	s.postSystemMessage(ctx, conv.ID, creatorID, fmt.Sprintf("%s 创建了群聊", s.displayName(ctx, creatorID)))
	s.emitter.Emit(ctx, &events.Event{
		Type:           events.ConversationCreated,
		ConversationID: conv.ID,
		ActorID:        creatorID,
		Payload:        map[string]interface{}{"type": models.GroupConversation, "memberIds": memberIDs},
	})
	return conv, nil
}

// UpdateConversation 修改群资料，只有 admin 可以操作。
func (s *conversationService) UpdateConversation(ctx context.Context, conversationID, userID uint, input UpdateConversationInput) (*models.Conversation, error) {
	conv, err := s.loadForUser(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if conv.Type != models.GroupConversation {
		return nil, NewValidationError("单聊会话不能修改资料")
	}
	if err := s.requireRole(ctx, conversationID, userID, models.RoleAdmin); err != nil {
		return nil, err
	}

	var changed []string
	if input.Name != nil {
		name := strings.TrimSpace(*input.Name)
		if name == "" {
			return nil, NewValidationError("群名称不能为空")
		}
		conv.Name = &name
		changed = append(changed, "名称")
	}
	if input.Description != nil {
		// 空描述表示清空
		conv.Description = strings.TrimSpace(*input.Description)
		changed = append(changed, "简介")
	}
	if input.AvatarURL != nil {
		conv.AvatarURL = *input.AvatarURL
		changed = append(changed, "头像")
	}
	if len(changed) == 0 {
		return conv, nil
	}

	if err := s.convoRepo.UpdateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("更新会话失败: %w", err)
	}

	s.postSystemMessage(ctx, conversationID, userID,
		fmt.Sprintf("%s 修改了群%s", s.displayName(ctx, userID), strings.Join(changed, "、")))
	s.emitter.Emit(ctx, &events.Event{
		Type:           events.ConversationUpdated,
		ConversationID: conversationID,
		ActorID:        userID,
		Payload:        map[string]interface{}{"changed": changed},
	})
	return conv, nil
}

// SetArchived 归档或取消归档会话，任何活跃成员都可以操作。
func (s *conversationService) SetArchived(ctx context.Context, conversationID, userID uint, archived bool) error {
	if _, err := s.loadForUser(ctx, conversationID, userID); err != nil {
		return err
	}
	if err := s.convoRepo.SetArchived(ctx, conversationID, archived); err != nil {
		return fmt.Errorf("设置归档状态失败: %w", err)
	}
	s.emitter.Emit(ctx, &events.Event{
		Type:           events.ConversationArchived,
		ConversationID: conversationID,
		ActorID:        userID,
		Payload:        map[string]interface{}{"archived": archived},
	})
	return nil
}

// SetMuted 设置调用者自己在会话中的免打扰。
func (s *conversationService) SetMuted(ctx context.Context, conversationID, userID uint, muted bool, until *time.Time) error {
	if _, err := s.loadForUser(ctx, conversationID, userID); err != nil {
		return err
	}
	if err := s.convoRepo.SetMuted(ctx, conversationID, userID, muted, until); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return NewNotFoundError("会话不存在")
		}
		return fmt.Errorf("设置免打扰失败: %w", err)
	}
	return nil
}

// LeaveConversation 退出会话。群主退出时先转移所有权；
// 最后一名成员退出时归档整个会话。
func (s *conversationService) LeaveConversation(ctx context.Context, conversationID, userID uint) error {
	conv, err := s.loadForUser(ctx, conversationID, userID)
	if err != nil {
		return err
	}

	if err := s.convoRepo.DeactivateMember(ctx, conversationID, userID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return NewNotFoundError("会话不存在")
		}
		return fmt.Errorf("退出会话失败: %w", err)
	}

	if conv.Type == models.GroupConversation {
		if err := s.handleGroupLeave(ctx, conv, userID); err != nil {
			return err
		}
	}

	s.emitter.Emit(ctx, &events.Event{
		Type:           events.MemberLeft,
		ConversationID: conversationID,
		ActorID:        userID,
		EntityID:       userID,
	})
	return nil
}

// handleGroupLeave 处理群聊退出的后续动作（系统消息、所有权转移、归档）。
// 系统消息是尽力而为的；归档和所有权转移是主要效果，失败向上返回。
func (s *conversationService) handleGroupLeave(ctx context.Context, conv *models.Conversation, userID uint) error {
	remaining, err := s.convoRepo.GetConversationMembers(ctx, conv.ID, true)
	if err != nil {
		return fmt.Errorf("查询剩余成员失败: %w", err)
	}

	// 最后一人退出也要留下退群记录，所以在归档分支之前发。
	s.postSystemMessage(ctx, conv.ID, userID, fmt.Sprintf("%s 退出了群聊", s.displayName(ctx, userID)))

	if len(remaining) == 0 {
		// 空群：归档并清空群主。
		if err := s.convoRepo.SetArchived(ctx, conv.ID, true); err != nil {
			return fmt.Errorf("归档空群失败: %w", err)
		}
		if err := s.convoRepo.SetOwner(ctx, conv.ID, nil); err != nil {
			return fmt.Errorf("清空群主失败: %w", err)
		}
		return nil
	}

	if conv.OwnerID == nil || *conv.OwnerID != userID {
		return nil
	}

	// 群主退出：优先选剩余的第一个 admin，否则按加入顺序选第一人并提升。
	// remaining 已按角色和加入时间排序，直接取第一个即可。
	successor := remaining[0]
	if successor.Role != models.RoleAdmin {
		if err := s.convoRepo.UpdateMemberRole(ctx, conv.ID, successor.UserID, models.RoleAdmin); err != nil {
			return fmt.Errorf("提升新群主角色失败: %w", err)
		}
	}
	newOwnerID := successor.UserID
	if err := s.convoRepo.SetOwner(ctx, conv.ID, &newOwnerID); err != nil {
		return fmt.Errorf("转移群主失败: %w", err)
	}

	s.postSystemMessage(ctx, conv.ID, userID,
		fmt.Sprintf("%s 成为新群主", s.displayName(ctx, newOwnerID)))
	s.emitter.Emit(ctx, &events.Event{
		Type:           events.OwnershipTransferred,
		ConversationID: conv.ID,
		ActorID:        userID,
		EntityID:       newOwnerID,
	})
	return nil
}

// AddMembers 批量拉人进群，admin 和 moderator 可以操作。
// 返回真正新加入的用户 ID（已在群里的被跳过）。
func (s *conversationService) AddMembers(ctx context.Context, conversationID, actorID uint, memberIDs []uint) ([]uint, error) {
	conv, err := s.loadForUser(ctx, conversationID, actorID)
	if err != nil {
		return nil, err
	}
	if conv.Type != models.GroupConversation {
		return nil, NewValidationError("单聊会话不能添加成员")
	}
	if err := s.requireRole(ctx, conversationID, actorID, models.RoleModerator); err != nil {
		return nil, err
	}

	candidates := dedupeIDs(memberIDs, actorID)
	if len(candidates) == 0 {
		return nil, NewValidationError("成员列表不能为空")
	}
	if err := s.requireActiveUsers(ctx, candidates); err != nil {
		return nil, err
	}

	// 跳过已在群里的用户后再检查容量。
	var toAdd []uint
	for _, uid := range candidates {
		active, err := s.convoRepo.IsActiveMember(ctx, conversationID, uid)
		if err != nil {
			return nil, fmt.Errorf("检查成员状态失败: %w", err)
		}
		if !active {
			toAdd = append(toAdd, uid)
		}
	}
	if len(toAdd) == 0 {
		return []uint{}, nil
	}

	current, err := s.convoRepo.CountActiveMembers(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("统计成员数量失败: %w", err)
	}
	if current+int64(len(toAdd)) > int64(s.cfg.MaxGroupMembers) {
		return nil, NewValidationError("群成员数量超过上限 %d", s.cfg.MaxGroupMembers)
	}

	now := time.Now()
	for _, uid := range toAdd {
		member := &models.ConversationMember{
			ConversationID: conversationID,
			UserID:         uid,
			Role:           models.RoleMember,
			IsActive:       true,
			JoinedAt:       now,
		}
		if err := s.convoRepo.UpsertMember(ctx, member); err != nil {
			return nil, err
		}
		s.emitter.Emit(ctx, &events.Event{
			Type:           events.MemberAdded,
			ConversationID: conversationID,
			ActorID:        actorID,
			EntityID:       uid,
		})
	}

	s.postSystemMessage(ctx, conversationID, actorID,
		fmt.Sprintf("%s 将 %s 加入了群聊", s.displayName(ctx, actorID), s.displayNames(ctx, toAdd)))
	return toAdd, nil
}

// RemoveMember 把成员移出群聊，只有 admin 可以操作，群主不可被移除。
func (s *conversationService) RemoveMember(ctx context.Context, conversationID, actorID, targetID uint) error {
	conv, err := s.loadForUser(ctx, conversationID, actorID)
	if err != nil {
		return err
	}
	if conv.Type != models.GroupConversation {
		return NewValidationError("单聊会话不能移除成员")
	}
	if err := s.requireRole(ctx, conversationID, actorID, models.RoleAdmin); err != nil {
		return err
	}
	if targetID == actorID {
		return NewValidationError("不能移除自己，请使用退出群聊")
	}
	if conv.OwnerID != nil && *conv.OwnerID == targetID {
		return NewForbiddenError("不能移除群主")
	}

	if err := s.convoRepo.DeactivateMember(ctx, conversationID, targetID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return NewNotFoundError("用户 %d 不是群成员", targetID)
		}
		return fmt.Errorf("移除成员失败: %w", err)
	}

	s.postSystemMessage(ctx, conversationID, actorID,
		fmt.Sprintf("%s 将 %s 移出了群聊", s.displayName(ctx, actorID), s.displayName(ctx, targetID)))
	s.emitter.Emit(ctx, &events.Event{
		Type:           events.MemberRemoved,
		ConversationID: conversationID,
		ActorID:        actorID,
		EntityID:       targetID,
	})
	return nil
}

// UpdateMemberRole 修改成员角色，只有 admin 可以操作。
// 群主的角色不可修改；目标已是该角色时静默成功。
func (s *conversationService) UpdateMemberRole(ctx context.Context, conversationID, actorID, targetID uint, role models.MemberRole) error {
	switch role {
	case models.RoleAdmin, models.RoleModerator, models.RoleMember:
	default:
		return NewValidationError("无效的成员角色: %s", role)
	}

	conv, err := s.loadForUser(ctx, conversationID, actorID)
	if err != nil {
		return err
	}
	if conv.Type != models.GroupConversation {
		return NewValidationError("单聊会话没有成员角色")
	}
	if err := s.requireRole(ctx, conversationID, actorID, models.RoleAdmin); err != nil {
		return err
	}
	if targetID == actorID {
		return NewValidationError("不能修改自己的角色")
	}
	if conv.OwnerID != nil && *conv.OwnerID == targetID {
		return NewForbiddenError("不能修改群主的角色")
	}

	current, err := s.convoRepo.GetMemberRole(ctx, conversationID, targetID)
	if err != nil {
		return fmt.Errorf("查询成员角色失败: %w", err)
	}
	if current == nil {
		return NewNotFoundError("用户 %d 不是群成员", targetID)
	}
	if *current == role {
		return nil
	}

	if err := s.convoRepo.UpdateMemberRole(ctx, conversationID, targetID, role); err != nil {
		return fmt.Errorf("修改成员角色失败: %w", err)
	}

	s.postSystemMessage(ctx, conversationID, actorID,
		fmt.Sprintf("%s 将 %s 设为 %s", s.displayName(ctx, actorID), s.displayName(ctx, targetID), role))
	s.emitter.Emit(ctx, &events.Event{
		Type:           events.MemberRoleChanged,
		ConversationID: conversationID,
		ActorID:        actorID,
		EntityID:       targetID,
		Payload:        map[string]interface{}{"role": role},
	})
	return nil
}

// GetUserConversations 返回用户的会话列表视图。
func (s *conversationService) GetUserConversations(ctx context.Context, userID uint, opts storage.ConversationQueryOptions) ([]*ConversationView, int64, error) {
	conversations, total, err := s.convoRepo.GetUserConversations(ctx, userID, opts)
	if err != nil {
		return nil, 0, err
	}
	views := make([]*ConversationView, 0, len(conversations))
	for _, conv := range conversations {
		views = append(views, s.buildView(conv, userID))
	}
	return views, total, nil
}

// GetConversationByID 返回单个会话视图。
// 对调用者不可见的会话一律返回 NotFound，不区分"不存在"与"无权"。
func (s *conversationService) GetConversationByID(ctx context.Context, conversationID, userID uint) (*ConversationView, error) {
	conv, err := s.loadForUser(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	return s.buildView(conv, userID), nil
}

// GetConversationMembers 返回会话的活跃成员列表（成员可见）。
func (s *conversationService) GetConversationMembers(ctx context.Context, conversationID, userID uint) ([]*models.ConversationMember, error) {
	if _, err := s.loadForUser(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	return s.convoRepo.GetConversationMembers(ctx, conversationID, true)
}

// GetConversationStats 返回用户所有会话的聚合统计。
func (s *conversationService) GetConversationStats(ctx context.Context, userID uint) (*storage.ConversationStats, error) {
	return s.convoRepo.GetConversationStats(ctx, userID)
}

// SetTyping 刷新调用者的正在输入指示。
func (s *conversationService) SetTyping(ctx context.Context, conversationID, userID uint) error {
	if _, err := s.loadForUser(ctx, conversationID, userID); err != nil {
		return err
	}
	expiresAt := time.Now().Add(s.cfg.TypingTTL)
	if err := s.convoRepo.UpsertTypingIndicator(ctx, conversationID, userID, expiresAt); err != nil {
		return fmt.Errorf("写入输入指示失败: %w", err)
	}
	s.emitter.Emit(ctx, &events.Event{
		Type:           events.TypingStarted,
		ConversationID: conversationID,
		ActorID:        userID,
		EntityID:       userID,
	})
	return nil
}

// GetTypingUsers 返回会话中正在输入的其他用户。
func (s *conversationService) GetTypingUsers(ctx context.Context, conversationID, userID uint) ([]uint, error) {
	if _, err := s.loadForUser(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	ids, err := s.convoRepo.GetTypingUserIDs(ctx, conversationID, time.Now())
	if err != nil {
		return nil, fmt.Errorf("查询输入指示失败: %w", err)
	}
	filtered := make([]uint, 0, len(ids))
	for _, id := range ids {
		if id != userID {
			filtered = append(filtered, id)
		}
	}
	return filtered, nil
}

// SweepTypingIndicators 由后台定时任务调用。
func (s *conversationService) SweepTypingIndicators(ctx context.Context) (int64, error) {
	return s.convoRepo.DeleteExpiredTypingIndicators(ctx, time.Now())
}

// loadForUser 加载会话并做可见性检查，统一翻译 NotFound。
func (s *conversationService) loadForUser(ctx context.Context, conversationID, userID uint) (*models.Conversation, error) {
	conv, err := s.convoRepo.GetConversationForUser(ctx, conversationID, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NewNotFoundError("会话不存在")
		}
		return nil, fmt.Errorf("查询会话失败: %w", err)
	}
	return conv, nil
}

// requireRole 检查调用者的角色权重不低于要求的角色。
func (s *conversationService) requireRole(ctx context.Context, conversationID, userID uint, minimum models.MemberRole) error {
	role, err := s.convoRepo.GetMemberRole(ctx, conversationID, userID)
	if err != nil {
		return fmt.Errorf("查询成员角色失败: %w", err)
	}
	if role == nil || models.RoleRank(*role) < models.RoleRank(minimum) {
		return NewForbiddenError("没有执行该操作的权限")
	}
	return nil
}

// requireActiveUsers 校验用户都存在且处于 active 状态。
func (s *conversationService) requireActiveUsers(ctx context.Context, ids []uint) error {
	if len(ids) == 0 {
		return nil
	}
	users, err := s.userRepo.GetByIDs(ctx, ids)
	if err != nil {
		return fmt.Errorf("查询用户失败: %w", err)
	}
	byID := make(map[uint]*models.User, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}
	for _, id := range ids {
		u, ok := byID[id]
		if !ok {
			return NewValidationError("用户 %d 不存在", id)
		}
		if !u.IsActive() {
			return NewValidationError("用户 %d 已停用", id)
		}
	}
	return nil
}

// buildView 计算观察者视角的会话视图字段。
func (s *conversationService) buildView(conv *models.Conversation, viewerID uint) *ConversationView {
	view := &ConversationView{
		Conversation:  conv,
		DisplayName:   conv.DisplayNameFor(viewerID),
		DisplayAvatar: conv.DisplayAvatarFor(viewerID),
		MemberCount:   len(conv.Members),
	}
	for i := range conv.Members {
		m := &conv.Members[i]
		if m.UserID == viewerID {
			view.UnreadCount = m.UnreadCount
			view.CurrentUserRole = m.Role
			view.IsCurrentUserAdmin = m.Role == models.RoleAdmin
			break
		}
	}
	return view
}

// postSystemMessage 插入系统消息并刷新会话预览。
// 系统消息是尽力而为的：失败只记日志，不影响主操作。
func (s *conversationService) postSystemMessage(ctx context.Context, conversationID, actorID uint, content string) {
	msg := &models.Message{
		ConversationID: conversationID,
		SenderID:       actorID,
		Type:           models.SystemMessageType,
		Content:        content,
	}
	if err := s.msgRepo.Create(ctx, msg); err != nil {
		log.Printf("警告: 写入系统消息失败 (会话 %d): %v", conversationID, err)
		return
	}
	at := msg.CreatedAt
	if err := s.convoRepo.SetLastMessage(ctx, conversationID, previewText(content, s.cfg.PreviewLength), &at); err != nil {
		log.Printf("警告: 刷新会话预览失败 (会话 %d): %v", conversationID, err)
	}
}

// displayName 返回用户的展示名，查不到时退化为 ID。
func (s *conversationService) displayName(ctx context.Context, userID uint) string {
	info, err := s.userRepo.GetBasicInfoByID(ctx, userID)
	if err != nil {
		return fmt.Sprintf("用户 %d", userID)
	}
	if info.Nickname != "" {
		return info.Nickname
	}
	return info.Username
}

// displayNames 拼接多个用户的展示名。
func (s *conversationService) displayNames(ctx context.Context, userIDs []uint) string {
	names := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		names = append(names, s.displayName(ctx, id))
	}
	return strings.Join(names, "、")
}

// dedupeIDs 去重并剔除 exclude。
func dedupeIDs(ids []uint, exclude uint) []uint {
	seen := make(map[uint]struct{}, len(ids))
	var out []uint
	for _, id := range ids {
		if id == exclude {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
