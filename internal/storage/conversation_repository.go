package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"chat-go/internal/models"
)

// ConversationQueryOptions 是会话列表查询的过滤与分页选项。
type ConversationQueryOptions struct {
	Page       int
	Limit      int
	Type       *models.ConversationType
	Search     string // 按群名模糊匹配（大小写不敏感）
	IsArchived *bool
}

// ConversationStats 是某用户所有会话的聚合统计。
type ConversationStats struct {
	TotalUnread   int64 `json:"totalUnread"`
	DirectCount   int64 `json:"directCount"`
	GroupCount    int64 `json:"groupCount"`
	ArchivedCount int64 `json:"archivedCount"`
}

// ConversationRepository defines the interface for conversation data operations.
type ConversationRepository interface {
	CreateConversation(ctx context.Context, conv *models.Conversation, members []*models.ConversationMember) error
	GetConversationByID(ctx context.Context, id uint) (*models.Conversation, error)
	// GetConversationForUser 只在调用者是活跃成员时返回会话，否则返回 gorm.ErrRecordNotFound。
	GetConversationForUser(ctx context.Context, id, userID uint) (*models.Conversation, error)
	GetUserConversations(ctx context.Context, userID uint, opts ConversationQueryOptions) ([]*models.Conversation, int64, error)
	UpdateConversation(ctx context.Context, conv *models.Conversation) error
	SetLastMessage(ctx context.Context, conversationID uint, text string, at *time.Time) error
	SetArchived(ctx context.Context, conversationID uint, archived bool) error
	SetOwner(ctx context.Context, conversationID uint, ownerID *uint) error

	// UpsertMember 以单条原子写插入成员；若 (conversation_id, user_id) 已存在则
	// 复活该行（is_active、role、joined_at、清零未读）。
	UpsertMember(ctx context.Context, member *models.ConversationMember) error
	DeactivateMember(ctx context.Context, conversationID, userID uint) error
	UpdateMemberRole(ctx context.Context, conversationID, userID uint, role models.MemberRole) error
	UpdateMemberLastRead(ctx context.Context, conversationID, userID uint, at time.Time) error
	IncrementUnreadCounts(ctx context.Context, conversationID, excludeUserID uint) error
	SetMuted(ctx context.Context, conversationID, userID uint, muted bool, until *time.Time) error

	IsActiveMember(ctx context.Context, conversationID, userID uint) (bool, error)
	// GetMemberRole 返回活跃成员的角色，非成员或已退出返回 nil。
	GetMemberRole(ctx context.Context, conversationID, userID uint) (*models.MemberRole, error)
	GetMember(ctx context.Context, conversationID, userID uint) (*models.ConversationMember, error)
	// GetConversationMembers 返回成员列表，按角色（admin 优先）再按加入时间排序。
	GetConversationMembers(ctx context.Context, conversationID uint, activeOnly bool) ([]*models.ConversationMember, error)
	CountActiveMembers(ctx context.Context, conversationID uint) (int64, error)

	// FindDirectConversation 查找两个用户之间的 direct 会话，不存在时返回 (nil, nil)。
	FindDirectConversation(ctx context.Context, userID1, userID2 uint) (*models.Conversation, error)
	GetUserConversationIDs(ctx context.Context, userID uint) ([]uint, error)
	GetActiveMemberIDs(ctx context.Context, conversationID uint) ([]uint, error)
	GetConversationStats(ctx context.Context, userID uint) (*ConversationStats, error)

	UpsertTypingIndicator(ctx context.Context, conversationID, userID uint, expiresAt time.Time) error
	GetTypingUserIDs(ctx context.Context, conversationID uint, now time.Time) ([]uint, error)
	DeleteExpiredTypingIndicators(ctx context.Context, now time.Time) (int64, error)

	GetDB() *gorm.DB
}

// gormConversationRepository implements ConversationRepository using GORM.
type gormConversationRepository struct {
	db *gorm.DB
}

// NewGormConversationRepository creates a new GORM-based ConversationRepository.
func NewGormConversationRepository(db *gorm.DB) ConversationRepository {
	return &gormConversationRepository{db: db}
}

// CreateConversation 在一个事务中创建会话及其全部初始成员。
func (r *gormConversationRepository) CreateConversation(ctx context.Context, conv *models.Conversation, members []*models.ConversationMember) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(conv).Error; err != nil {
			return fmt.Errorf("创建会话失败: %w", err)
		}
		for _, m := range members {
			m.ConversationID = conv.ID
			if err := tx.Create(m).Error; err != nil {
				return fmt.Errorf("创建会话成员失败 (用户 %d): %w", m.UserID, err)
			}
		}
		return nil
	})
}

// GetConversationByID retrieves a conversation with its active members preloaded.
func (r *gormConversationRepository) GetConversationByID(ctx context.Context, id uint) (*models.Conversation, error) {
	var conv models.Conversation
	err := r.db.WithContext(ctx).
		Preload("Members", "is_active = ?", true).
		Preload("Members.User").
		First(&conv, id).Error
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// GetConversationForUser 通过成员表连接做可见性过滤：
// 非成员看不出会话存在与不存在的区别。
func (r *gormConversationRepository) GetConversationForUser(ctx context.Context, id, userID uint) (*models.Conversation, error) {
	var conv models.Conversation
	err := r.db.WithContext(ctx).
		Joins("JOIN conversation_members cm ON cm.conversation_id = conversations.id").
		Where("conversations.id = ? AND cm.user_id = ? AND cm.is_active = ?", id, userID, true).
		Preload("Members", "is_active = ?", true).
		Preload("Members.User").
		First(&conv).Error
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// GetUserConversations 返回用户参与的会话分页，按最后活动时间倒序。
// last_message_at 为空的新会话按 updated_at 排在相应位置。
func (r *gormConversationRepository) GetUserConversations(ctx context.Context, userID uint, opts ConversationQueryOptions) ([]*models.Conversation, int64, error) {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Page <= 0 {
		opts.Page = 1
	}

	query := r.db.WithContext(ctx).Model(&models.Conversation{}).
		Joins("JOIN conversation_members cm ON cm.conversation_id = conversations.id").
		Where("cm.user_id = ? AND cm.is_active = ?", userID, true)

	if opts.Type != nil {
		query = query.Where("conversations.type = ?", *opts.Type)
	}
	if opts.IsArchived != nil {
		query = query.Where("conversations.is_archived = ?", *opts.IsArchived)
	}
	if s := strings.TrimSpace(opts.Search); s != "" {
		// 匹配群名，或任一活跃成员的用户名/昵称/邮箱（覆盖单聊按对方搜索）
		pattern := "%" + strings.ToLower(s) + "%"
		query = query.Where(
			`(LOWER(conversations.name) LIKE ?
			OR EXISTS (
				SELECT 1 FROM conversation_members sm
				JOIN users su ON su.id = sm.user_id
				WHERE sm.conversation_id = conversations.id AND sm.is_active = true
				AND (LOWER(su.username) LIKE ? OR LOWER(su.nickname) LIKE ? OR LOWER(su.email) LIKE ?)
			))`,
			pattern, pattern, pattern, pattern)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("统计会话数量失败: %w", err)
	}

	var conversations []*models.Conversation
	err := query.
		Order("conversations.last_message_at DESC NULLS LAST, conversations.updated_at DESC").
		Offset((opts.Page - 1) * opts.Limit).
		Limit(opts.Limit).
		Preload("Members", "is_active = ?", true).
		Preload("Members.User").
		Find(&conversations).Error
	if err != nil {
		return nil, 0, fmt.Errorf("查询用户会话列表失败: %w", err)
	}
	return conversations, total, nil
}

// UpdateConversation saves the conversation's mutable fields.
func (r *gormConversationRepository) UpdateConversation(ctx context.Context, conv *models.Conversation) error {
	if conv.ID == 0 {
		return gorm.ErrMissingWhereClause
	}
	return r.db.WithContext(ctx).Save(conv).Error
}

// SetLastMessage 更新会话的最后消息预览。at 为 nil 时清空时间戳。
func (r *gormConversationRepository) SetLastMessage(ctx context.Context, conversationID uint, text string, at *time.Time) error {
	return r.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("id = ?", conversationID).
		Updates(map[string]interface{}{
			"last_message_text": text,
			"last_message_at":   at,
		}).Error
}

// SetArchived 设置会话的归档标记。
func (r *gormConversationRepository) SetArchived(ctx context.Context, conversationID uint, archived bool) error {
	res := r.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("id = ?", conversationID).
		Update("is_archived", archived)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// SetOwner 更新会话的群主，ownerID 为 nil 时清空（空群归档时使用）。
func (r *gormConversationRepository) SetOwner(ctx context.Context, conversationID uint, ownerID *uint) error {
	return r.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("id = ?", conversationID).
		Update("owner_id", ownerID).Error
}

// UpsertMember 用 ON CONFLICT 做插入或复活，避免读-改-写竞态。
func (r *gormConversationRepository) UpsertMember(ctx context.Context, member *models.ConversationMember) error {
	if member.JoinedAt.IsZero() {
		member.JoinedAt = time.Now()
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "conversation_id"}, {Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"is_active":    true,
			"role":         member.Role,
			"joined_at":    member.JoinedAt,
			"unread_count": 0,
			"updated_at":   time.Now(),
		}),
	}).Create(member).Error
	if err != nil {
		return fmt.Errorf("写入会话成员失败 (会话 %d, 用户 %d): %w", member.ConversationID, member.UserID, err)
	}
	return nil
}

// DeactivateMember 将成员置为非活跃（软退出）。成员不存在时返回 gorm.ErrRecordNotFound。
func (r *gormConversationRepository) DeactivateMember(ctx context.Context, conversationID, userID uint) error {
	res := r.db.WithContext(ctx).Model(&models.ConversationMember{}).
		Where("conversation_id = ? AND user_id = ? AND is_active = ?", conversationID, userID, true).
		Update("is_active", false)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// UpdateMemberRole 修改活跃成员的角色。
func (r *gormConversationRepository) UpdateMemberRole(ctx context.Context, conversationID, userID uint, role models.MemberRole) error {
	res := r.db.WithContext(ctx).Model(&models.ConversationMember{}).
		Where("conversation_id = ? AND user_id = ? AND is_active = ?", conversationID, userID, true).
		Update("role", role)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// UpdateMemberLastRead 推进成员的已读时间并清零未读计数。
func (r *gormConversationRepository) UpdateMemberLastRead(ctx context.Context, conversationID, userID uint, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.ConversationMember{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Updates(map[string]interface{}{
			"last_read_at": at,
			"unread_count": 0,
		}).Error
}

// IncrementUnreadCounts 给除发送者外的所有活跃成员的未读计数原子加一。
func (r *gormConversationRepository) IncrementUnreadCounts(ctx context.Context, conversationID, excludeUserID uint) error {
	return r.db.WithContext(ctx).Model(&models.ConversationMember{}).
		Where("conversation_id = ? AND user_id <> ? AND is_active = ?", conversationID, excludeUserID, true).
		Update("unread_count", gorm.Expr("unread_count + 1")).Error
}

// SetMuted 设置成员的免打扰标记。
func (r *gormConversationRepository) SetMuted(ctx context.Context, conversationID, userID uint, muted bool, until *time.Time) error {
	res := r.db.WithContext(ctx).Model(&models.ConversationMember{}).
		Where("conversation_id = ? AND user_id = ? AND is_active = ?", conversationID, userID, true).
		Updates(map[string]interface{}{
			"is_muted":    muted,
			"muted_until": until,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// IsActiveMember reports whether the user is an active member of the conversation.
func (r *gormConversationRepository) IsActiveMember(ctx context.Context, conversationID, userID uint) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.ConversationMember{}).
		Where("conversation_id = ? AND user_id = ? AND is_active = ?", conversationID, userID, true).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetMemberRole 返回活跃成员的角色；非成员或已退出返回 (nil, nil)。
func (r *gormConversationRepository) GetMemberRole(ctx context.Context, conversationID, userID uint) (*models.MemberRole, error) {
	var member models.ConversationMember
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND user_id = ? AND is_active = ?", conversationID, userID, true).
		First(&member).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &member.Role, nil
}

// GetMember retrieves the membership row regardless of its active flag.
func (r *gormConversationRepository) GetMember(ctx context.Context, conversationID, userID uint) (*models.ConversationMember, error) {
	var member models.ConversationMember
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		First(&member).Error
	if err != nil {
		return nil, err
	}
	return &member, nil
}

// GetConversationMembers 返回成员列表，admin 在前，同角色按加入时间升序。
func (r *gormConversationRepository) GetConversationMembers(ctx context.Context, conversationID uint, activeOnly bool) ([]*models.ConversationMember, error) {
	query := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID)
	if activeOnly {
		query = query.Where("is_active = ?", true)
	}
	var members []*models.ConversationMember
	err := query.
		Order("CASE role WHEN 'admin' THEN 0 WHEN 'moderator' THEN 1 ELSE 2 END, joined_at ASC").
		Preload("User").
		Find(&members).Error
	if err != nil {
		return nil, fmt.Errorf("查询会话成员失败 (会话 %d): %w", conversationID, err)
	}
	return members, nil
}

// CountActiveMembers counts the active members of the conversation.
func (r *gormConversationRepository) CountActiveMembers(ctx context.Context, conversationID uint) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.ConversationMember{}).
		Where("conversation_id = ? AND is_active = ?", conversationID, true).
		Count(&count).Error
	return count, err
}

// FindDirectConversation 通过对成员表做两次连接来定位两人之间的 direct 会话。
// 退出过的 direct 会话也算命中，成员行复活即可继续使用。
func (r *gormConversationRepository) FindDirectConversation(ctx context.Context, userID1, userID2 uint) (*models.Conversation, error) {
	var conv models.Conversation
	err := r.db.WithContext(ctx).
		Joins("JOIN conversation_members m1 ON m1.conversation_id = conversations.id AND m1.user_id = ?", userID1).
		Joins("JOIN conversation_members m2 ON m2.conversation_id = conversations.id AND m2.user_id = ?", userID2).
		Where("conversations.type = ?", models.DirectConversation).
		First(&conv).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &conv, nil
}

// GetUserConversationIDs 返回用户所有活跃成员身份对应的会话 ID。
func (r *gormConversationRepository) GetUserConversationIDs(ctx context.Context, userID uint) ([]uint, error) {
	var ids []uint
	err := r.db.WithContext(ctx).Model(&models.ConversationMember{}).
		Where("user_id = ? AND is_active = ?", userID, true).
		Pluck("conversation_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// GetActiveMemberIDs 返回会话所有活跃成员的用户 ID，用于事件扇出。
func (r *gormConversationRepository) GetActiveMemberIDs(ctx context.Context, conversationID uint) ([]uint, error) {
	var ids []uint
	err := r.db.WithContext(ctx).Model(&models.ConversationMember{}).
		Where("conversation_id = ? AND is_active = ?", conversationID, true).
		Pluck("user_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// GetConversationStats 并发执行各项聚合查询后合并结果。
func (r *gormConversationRepository) GetConversationStats(ctx context.Context, userID uint) (*ConversationStats, error) {
	stats := &ConversationStats{}
	var wg sync.WaitGroup
	errs := make([]error, 4)

	wg.Add(4)
	go func() {
		defer wg.Done()
		var total *int64
		errs[0] = r.db.WithContext(ctx).Model(&models.ConversationMember{}).
			Where("user_id = ? AND is_active = ?", userID, true).
			Select("SUM(unread_count)").
			Scan(&total).Error
		if total != nil {
			stats.TotalUnread = *total
		}
	}()
	go func() {
		defer wg.Done()
		errs[1] = r.countUserConversations(ctx, userID, models.DirectConversation, nil, &stats.DirectCount)
	}()
	go func() {
		defer wg.Done()
		errs[2] = r.countUserConversations(ctx, userID, models.GroupConversation, nil, &stats.GroupCount)
	}()
	go func() {
		defer wg.Done()
		archived := true
		errs[3] = r.countUserConversations(ctx, userID, "", &archived, &stats.ArchivedCount)
	}()
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("统计会话失败: %w", err)
		}
	}
	return stats, nil
}

func (r *gormConversationRepository) countUserConversations(ctx context.Context, userID uint, convType models.ConversationType, archived *bool, out *int64) error {
	query := r.db.WithContext(ctx).Model(&models.Conversation{}).
		Joins("JOIN conversation_members cm ON cm.conversation_id = conversations.id").
		Where("cm.user_id = ? AND cm.is_active = ?", userID, true)
	if convType != "" {
		query = query.Where("conversations.type = ?", convType)
	}
	if archived != nil {
		query = query.Where("conversations.is_archived = ?", *archived)
	}
	return query.Count(out).Error
}

// UpsertTypingIndicator 写入或刷新正在输入指示的过期时间。
func (r *gormConversationRepository) UpsertTypingIndicator(ctx context.Context, conversationID, userID uint, expiresAt time.Time) error {
	indicator := &models.TypingIndicator{
		ConversationID: conversationID,
		UserID:         userID,
		ExpiresAt:      expiresAt,
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "conversation_id"}, {Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"expires_at": expiresAt,
			"updated_at": time.Now(),
		}),
	}).Create(indicator).Error
}

// GetTypingUserIDs 返回会话中未过期的正在输入用户。
func (r *gormConversationRepository) GetTypingUserIDs(ctx context.Context, conversationID uint, now time.Time) ([]uint, error) {
	var ids []uint
	err := r.db.WithContext(ctx).Model(&models.TypingIndicator{}).
		Where("conversation_id = ? AND expires_at > ?", conversationID, now).
		Order("updated_at ASC").
		Pluck("user_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// DeleteExpiredTypingIndicators 删除所有已过期的正在输入指示，返回删除行数。
func (r *gormConversationRepository) DeleteExpiredTypingIndicators(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("expires_at <= ?", now).
		Delete(&models.TypingIndicator{})
	return res.RowsAffected, res.Error
}

// GetDB returns the underlying gorm.DB instance
func (r *gormConversationRepository) GetDB() *gorm.DB {
	return r.db
}
