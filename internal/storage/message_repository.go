package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"chat-go/internal/models"
)

// ErrInvalidCursor 表示分页游标指向的消息不存在。
// 会话消息列表把它当作协议错误上抛；搜索则静默忽略过期游标。
var ErrInvalidCursor = errors.New("无效的消息游标")

// 分页方向。backward 是默认方向（从锚点往更早的消息翻）。
const (
	DirectionBackward = "backward"
	DirectionForward  = "forward"
)

// MessageQueryOptions 是会话消息列表的查询选项。
type MessageQueryOptions struct {
	Limit     int
	Cursor    *uint  // 锚点消息 ID，nil 表示从最新开始
	Direction string // backward / forward
	Type      *models.MessageType
}

// MessagePage 是一页消息及翻页信息。
type MessagePage struct {
	Messages   []*models.Message `json:"messages"`
	HasMore    bool              `json:"hasMore"`
	NextCursor *uint             `json:"nextCursor,omitempty"`
}

// SearchOptions 是消息搜索的过滤选项。
type SearchOptions struct {
	Limit    int
	Cursor   *uint
	Type     *models.MessageType
	SenderID *uint
	DateFrom *time.Time
	DateTo   *time.Time
}

// SearchFacets 是搜索结果在各维度上的命中分布（不受游标影响）。
type SearchFacets struct {
	ByType         map[models.MessageType]int64 `json:"byType"`
	BySender       map[uint]int64               `json:"bySender"`
	ByConversation map[uint]int64               `json:"byConversation"`
}

// SearchResult 是一页搜索结果及分面统计。
type SearchResult struct {
	Messages   []*models.Message `json:"messages"`
	HasMore    bool              `json:"hasMore"`
	NextCursor *uint             `json:"nextCursor,omitempty"`
	Facets     *SearchFacets     `json:"facets"`
}

// ReactionCount 是某条消息上按表情聚合的回应统计。
type ReactionCount struct {
	Emoji   string `json:"emoji"`
	Count   int64  `json:"count"`
	UserIDs []uint `json:"userIds"`
}

// MessageStats 是某会话的消息聚合统计。
// MediaCount 统计未删除的图片、视频、音频和文件消息。
type MessageStats struct {
	TotalCount     int64                        `json:"totalCount"`
	DeletedCount   int64                        `json:"deletedCount"`
	MediaCount     int64                        `json:"mediaCount"`
	ByType         map[models.MessageType]int64 `json:"byType"`
	FirstMessageAt *time.Time                   `json:"firstMessageAt,omitempty"`
	LastMessageAt  *time.Time                   `json:"lastMessageAt,omitempty"`
}

// MessageRepository 定义了消息数据操作的接口。
type MessageRepository interface {
	Create(ctx context.Context, message *models.Message) error
	GetByID(ctx context.Context, id uint) (*models.Message, error)
	Update(ctx context.Context, message *models.Message) error
	// MarkDeleted 软删除消息；forEveryone 时同时清空正文。
	MarkDeleted(ctx context.Context, id uint, forEveryone bool, at time.Time) error
	// MarkDeletedWithPreview 在单个事务里软删除消息并刷新会话的最后消息预览。
	// derive 在删除生效后收到会话最新的未删除消息（可能为 nil），返回新的预览文本和时间。
	MarkDeletedWithPreview(ctx context.Context, id, conversationID uint, forEveryone bool, at time.Time, derive func(last *models.Message) (string, *time.Time)) error

	// GetConversationMessages 按 (created_at, id) 键集分页。
	// 游标指向的消息不存在时返回 ErrInvalidCursor。
	GetConversationMessages(ctx context.Context, conversationID uint, opts MessageQueryOptions) (*MessagePage, error)
	// SearchMessages 在给定会话集合内做大小写不敏感的子串搜索。
	// 过期游标静默忽略（消息可能在两次请求之间被删除）。
	SearchMessages(ctx context.Context, conversationIDs []uint, query string, opts SearchOptions) (*SearchResult, error)
	// GetLastNonDeletedMessage 返回会话中最新的未删除消息，没有时返回 (nil, nil)。
	GetLastNonDeletedMessage(ctx context.Context, conversationID uint) (*models.Message, error)
	GetMessageStats(ctx context.Context, conversationID uint) (*MessageStats, error)

	AddReaction(ctx context.Context, reaction *models.Reaction) error
	RemoveReaction(ctx context.Context, messageID, userID uint, emoji string) (bool, error)
	HasReaction(ctx context.Context, messageID, userID uint, emoji string) (bool, error)
	GetReactionCounts(ctx context.Context, messageID uint) ([]ReactionCount, error)

	// MarkAsRead 写入单条已读回执，重复标记是幂等的。
	MarkAsRead(ctx context.Context, messageID, userID uint, at time.Time) error
	// MarkConversationAsRead 批量写入会话内他人消息的已读回执，
	// 跳过已有回执，返回新写入的行数。upToMessageID 非 nil 时
	// 只标记 (created_at, id) 不晚于锚点消息的那些。
	MarkConversationAsRead(ctx context.Context, conversationID, userID uint, upToMessageID *uint, at time.Time) (int64, error)
	GetReadReceipts(ctx context.Context, messageID uint) ([]*models.ReadReceipt, error)
	// GetUnreadCount 按已读回执实时计算某用户在会话中的未读消息数，
	// 用于核对成员行上冗余维护的 unread_count。
	GetUnreadCount(ctx context.Context, conversationID, userID uint) (int64, error)
	IsMessageAuthor(ctx context.Context, messageID, userID uint) (bool, error)
}

// gormMessageRepository 使用 GORM 实现 MessageRepository。
type gormMessageRepository struct {
	db *gorm.DB
}

// NewGormMessageRepository 创建一个新的基于 GORM 的 MessageRepository。
func NewGormMessageRepository(db *gorm.DB) MessageRepository {
	return &gormMessageRepository{db: db}
}

// Create 在数据库中创建一条新的消息记录（附件随消息一起写入）。
func (r *gormMessageRepository) Create(ctx context.Context, message *models.Message) error {
	return r.db.WithContext(ctx).Create(message).Error
}

// GetByID 通过ID检索消息，带发送者、附件、回应和已读回执。
func (r *gormMessageRepository) GetByID(ctx context.Context, id uint) (*models.Message, error) {
	var message models.Message
	err := r.db.WithContext(ctx).
		Preload("Sender").
		Preload("Attachments").
		Preload("Reactions").
		Preload("ReadReceipts").
		First(&message, id).Error
	if err != nil {
		return nil, err
	}
	return &message, nil
}

// Update 保存消息的全部字段。
func (r *gormMessageRepository) Update(ctx context.Context, message *models.Message) error {
	if message.ID == 0 {
		return gorm.ErrMissingWhereClause
	}
	return r.db.WithContext(ctx).Omit("Sender", "Attachments", "Reactions", "ReadReceipts", "ReplyTo").
		Save(message).Error
}

// MarkDeleted 置软删除标记。forEveryone 时清空正文，附件元数据保留但不再对外返回。
func (r *gormMessageRepository) MarkDeleted(ctx context.Context, id uint, forEveryone bool, at time.Time) error {
	return markDeletedTx(r.db.WithContext(ctx), id, forEveryone, at)
}

func markDeletedTx(tx *gorm.DB, id uint, forEveryone bool, at time.Time) error {
	updates := map[string]interface{}{
		"is_deleted":           true,
		"deleted_at":           at,
		"deleted_for_everyone": forEveryone,
	}
	if forEveryone {
		updates["content"] = ""
	}
	res := tx.Model(&models.Message{}).
		Where("id = ?", id).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// MarkDeletedWithPreview 把软删除和会话预览刷新放进同一个事务，
// 任一步失败整体回滚，不会留下指向已删内容的预览。
func (r *gormMessageRepository) MarkDeletedWithPreview(ctx context.Context, id, conversationID uint, forEveryone bool, at time.Time, derive func(last *models.Message) (string, *time.Time)) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := markDeletedTx(tx, id, forEveryone, at); err != nil {
			return err
		}

		var last *models.Message
		var latest models.Message
		err := tx.
			Where("conversation_id = ? AND is_deleted = ?", conversationID, false).
			Order("created_at DESC, id DESC").
			First(&latest).Error
		if err == nil {
			last = &latest
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("查询最新未删除消息失败: %w", err)
		}

		preview, previewAt := derive(last)
		return tx.Model(&models.Conversation{}).
			Where("id = ?", conversationID).
			Updates(map[string]interface{}{
				"last_message_text": preview,
				"last_message_at":   previewAt,
			}).Error
	})
}

// GetConversationMessages 用 (created_at, id) 复合键做键集分页，
// 比 OFFSET 在深翻页时稳定且不受并发插入影响。
func (r *gormMessageRepository) GetConversationMessages(ctx context.Context, conversationID uint, opts MessageQueryOptions) (*MessagePage, error) {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Direction == "" {
		opts.Direction = DirectionBackward
	}

	query := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("conversation_id = ?", conversationID)
	if opts.Type != nil {
		query = query.Where("type = ?", *opts.Type)
	}

	if opts.Cursor != nil {
		var anchor models.Message
		err := r.db.WithContext(ctx).
			Select("id", "created_at").
			Where("id = ? AND conversation_id = ?", *opts.Cursor, conversationID).
			First(&anchor).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, ErrInvalidCursor
			}
			return nil, fmt.Errorf("查询游标消息失败: %w", err)
		}
		if opts.Direction == DirectionForward {
			query = query.Where("(created_at, id) > (?, ?)", anchor.CreatedAt, anchor.ID)
		} else {
			query = query.Where("(created_at, id) < (?, ?)", anchor.CreatedAt, anchor.ID)
		}
	}

	if opts.Direction == DirectionForward {
		query = query.Order("created_at ASC, id ASC")
	} else {
		query = query.Order("created_at DESC, id DESC")
	}

	var messages []*models.Message
	err := query.
		Limit(opts.Limit + 1). // 多取一条探测是否还有下一页
		Preload("Sender").
		Preload("Attachments").
		Preload("Reactions").
		Preload("ReadReceipts").
		Preload("ReplyTo").
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("查询会话消息失败: %w", err)
	}

	page := &MessagePage{}
	if len(messages) > opts.Limit {
		page.HasMore = true
		messages = messages[:opts.Limit]
	}
	page.Messages = messages
	if len(messages) > 0 {
		last := messages[len(messages)-1].ID
		page.NextCursor = &last
	}
	return page, nil
}

// buildSearchQuery 构造搜索的基础过滤条件（不含游标），供结果页和分面共用。
func (r *gormMessageRepository) buildSearchQuery(ctx context.Context, conversationIDs []uint, search string, opts SearchOptions) *gorm.DB {
	query := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("conversation_id IN ?", conversationIDs).
		Where("is_deleted = ?", false).
		Where("type <> ?", models.SystemMessageType).
		Where("LOWER(content) LIKE ?", "%"+strings.ToLower(search)+"%")
	if opts.Type != nil {
		query = query.Where("type = ?", *opts.Type)
	}
	if opts.SenderID != nil {
		query = query.Where("sender_id = ?", *opts.SenderID)
	}
	if opts.DateFrom != nil {
		query = query.Where("created_at >= ?", *opts.DateFrom)
	}
	if opts.DateTo != nil {
		query = query.Where("created_at <= ?", *opts.DateTo)
	}
	return query
}

// SearchMessages 执行子串搜索并统计分面。
// 分面在全部命中上统计，不随分页变化。
func (r *gormMessageRepository) SearchMessages(ctx context.Context, conversationIDs []uint, search string, opts SearchOptions) (*SearchResult, error) {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}

	query := r.buildSearchQuery(ctx, conversationIDs, search, opts)

	if opts.Cursor != nil {
		var anchor models.Message
		err := r.db.WithContext(ctx).
			Select("id", "created_at").
			Where("id = ?", *opts.Cursor).
			First(&anchor).Error
		if err == nil {
			query = query.Where("(created_at, id) < (?, ?)", anchor.CreatedAt, anchor.ID)
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("查询搜索游标失败: %w", err)
		}
		// 游标消息已不存在时从头开始，搜索结果本身就允许两次请求间漂移。
	}

	var messages []*models.Message
	err := query.
		Order("created_at DESC, id DESC").
		Limit(opts.Limit + 1).
		Preload("Sender").
		Preload("Attachments").
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("搜索消息失败: %w", err)
	}

	result := &SearchResult{}
	if len(messages) > opts.Limit {
		result.HasMore = true
		messages = messages[:opts.Limit]
	}
	result.Messages = messages
	if len(messages) > 0 {
		last := messages[len(messages)-1].ID
		result.NextCursor = &last
	}

	facets, err := r.searchFacets(ctx, conversationIDs, search, opts)
	if err != nil {
		return nil, err
	}
	result.Facets = facets
	return result, nil
}

func (r *gormMessageRepository) searchFacets(ctx context.Context, conversationIDs []uint, search string, opts SearchOptions) (*SearchFacets, error) {
	facets := &SearchFacets{
		ByType:         make(map[models.MessageType]int64),
		BySender:       make(map[uint]int64),
		ByConversation: make(map[uint]int64),
	}

	var typeRows []struct {
		Type  models.MessageType
		Count int64
	}
	err := r.buildSearchQuery(ctx, conversationIDs, search, opts).
		Select("type, COUNT(*) AS count").
		Group("type").
		Scan(&typeRows).Error
	if err != nil {
		return nil, fmt.Errorf("统计搜索类型分面失败: %w", err)
	}
	for _, row := range typeRows {
		facets.ByType[row.Type] = row.Count
	}

	var senderRows []struct {
		SenderID uint
		Count    int64
	}
	err = r.buildSearchQuery(ctx, conversationIDs, search, opts).
		Select("sender_id, COUNT(*) AS count").
		Group("sender_id").
		Scan(&senderRows).Error
	if err != nil {
		return nil, fmt.Errorf("统计搜索发送者分面失败: %w", err)
	}
	for _, row := range senderRows {
		facets.BySender[row.SenderID] = row.Count
	}

	var convRows []struct {
		ConversationID uint
		Count          int64
	}
	err = r.buildSearchQuery(ctx, conversationIDs, search, opts).
		Select("conversation_id, COUNT(*) AS count").
		Group("conversation_id").
		Scan(&convRows).Error
	if err != nil {
		return nil, fmt.Errorf("统计搜索会话分面失败: %w", err)
	}
	for _, row := range convRows {
		facets.ByConversation[row.ConversationID] = row.Count
	}

	return facets, nil
}

// GetLastNonDeletedMessage 用于删除消息后重算会话预览。
func (r *gormMessageRepository) GetLastNonDeletedMessage(ctx context.Context, conversationID uint) (*models.Message, error) {
	var message models.Message
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND is_deleted = ?", conversationID, false).
		Order("created_at DESC, id DESC").
		First(&message).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &message, nil
}

// GetMessageStats 返回会话内消息的聚合统计。
func (r *gormMessageRepository) GetMessageStats(ctx context.Context, conversationID uint) (*MessageStats, error) {
	stats := &MessageStats{ByType: make(map[models.MessageType]int64)}

	var summary struct {
		Total   int64
		Deleted int64
		First   *time.Time
		Last    *time.Time
	}
	err := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("conversation_id = ?", conversationID).
		Select("COUNT(*) AS total, COUNT(*) FILTER (WHERE is_deleted) AS deleted, MIN(created_at) AS first, MAX(created_at) AS last").
		Scan(&summary).Error
	if err != nil {
		return nil, fmt.Errorf("统计会话消息失败: %w", err)
	}
	stats.TotalCount = summary.Total
	stats.DeletedCount = summary.Deleted
	stats.FirstMessageAt = summary.First
	stats.LastMessageAt = summary.Last

	var typeRows []struct {
		Type  models.MessageType
		Count int64
	}
	err = r.db.WithContext(ctx).Model(&models.Message{}).
		Where("conversation_id = ? AND is_deleted = ?", conversationID, false).
		Select("type, COUNT(*) AS count").
		Group("type").
		Scan(&typeRows).Error
	if err != nil {
		return nil, fmt.Errorf("统计消息类型失败: %w", err)
	}
	for _, row := range typeRows {
		stats.ByType[row.Type] = row.Count
		switch row.Type {
		case models.ImageMessageType, models.VideoMessageType, models.AudioMessageType, models.FileMessageType:
			stats.MediaCount += row.Count
		}
	}
	return stats, nil
}

// AddReaction 写入回应；同键重复写入不产生新行，只刷新时间戳。
func (r *gormMessageRepository) AddReaction(ctx context.Context, reaction *models.Reaction) error {
	if reaction.CreatedAt.IsZero() {
		reaction.CreatedAt = time.Now()
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "message_id"}, {Name: "user_id"}, {Name: "emoji"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"created_at": reaction.CreatedAt}),
	}).Create(reaction).Error
}

// RemoveReaction 删除回应，返回是否真的删除了一行。
func (r *gormMessageRepository) RemoveReaction(ctx context.Context, messageID, userID uint, emoji string) (bool, error) {
	res := r.db.WithContext(ctx).
		Where("message_id = ? AND user_id = ? AND emoji = ?", messageID, userID, emoji).
		Delete(&models.Reaction{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// HasReaction reports whether the user already reacted with the emoji.
func (r *gormMessageRepository) HasReaction(ctx context.Context, messageID, userID uint, emoji string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Reaction{}).
		Where("message_id = ? AND user_id = ? AND emoji = ?", messageID, userID, emoji).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetReactionCounts 按表情聚合回应，用户顺序按回应时间。
func (r *gormMessageRepository) GetReactionCounts(ctx context.Context, messageID uint) ([]ReactionCount, error) {
	var reactions []models.Reaction
	err := r.db.WithContext(ctx).
		Where("message_id = ?", messageID).
		Order("created_at ASC").
		Find(&reactions).Error
	if err != nil {
		return nil, err
	}

	var order []string
	grouped := make(map[string]*ReactionCount)
	for _, reaction := range reactions {
		rc, ok := grouped[reaction.Emoji]
		if !ok {
			rc = &ReactionCount{Emoji: reaction.Emoji}
			grouped[reaction.Emoji] = rc
			order = append(order, reaction.Emoji)
		}
		rc.Count++
		rc.UserIDs = append(rc.UserIDs, reaction.UserID)
	}

	counts := make([]ReactionCount, 0, len(order))
	for _, emoji := range order {
		counts = append(counts, *grouped[emoji])
	}
	return counts, nil
}

// MarkAsRead 写入已读回执；已存在时保留最早的 read_at。
func (r *gormMessageRepository) MarkAsRead(ctx context.Context, messageID, userID uint, at time.Time) error {
	receipt := &models.ReadReceipt{MessageID: messageID, UserID: userID, ReadAt: at}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "message_id"}, {Name: "user_id"}},
		DoNothing: true,
	}).Create(receipt).Error
}

// MarkConversationAsRead 用一条 INSERT ... SELECT 批量写回执，
// 自己发的消息不标记，已有回执的行被 ON CONFLICT 跳过。
// 上界按锚点消息的 (created_at, id) 截断，和消息列表的排序键一致。
func (r *gormMessageRepository) MarkConversationAsRead(ctx context.Context, conversationID, userID uint, upToMessageID *uint, at time.Time) (int64, error) {
	sql := `INSERT INTO read_receipts (message_id, user_id, read_at)
		SELECT m.id, ?, ? FROM messages m
		WHERE m.conversation_id = ? AND m.sender_id <> ?`
	args := []interface{}{userID, at, conversationID, userID}
	if upToMessageID != nil {
		var anchor models.Message
		err := r.db.WithContext(ctx).
			Select("id", "created_at").
			Where("id = ?", *upToMessageID).
			First(&anchor).Error
		if err != nil {
			return 0, fmt.Errorf("查询已读上界消息失败: %w", err)
		}
		sql += ` AND (m.created_at, m.id) <= (?, ?)`
		args = append(args, anchor.CreatedAt, anchor.ID)
	}
	sql += ` ON CONFLICT (message_id, user_id) DO NOTHING`

	res := r.db.WithContext(ctx).Exec(sql, args...)
	if res.Error != nil {
		return 0, fmt.Errorf("批量标记已读失败: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// GetReadReceipts 返回消息的全部已读回执，按已读时间排序。
func (r *gormMessageRepository) GetReadReceipts(ctx context.Context, messageID uint) ([]*models.ReadReceipt, error) {
	var receipts []*models.ReadReceipt
	err := r.db.WithContext(ctx).
		Where("message_id = ?", messageID).
		Order("read_at ASC").
		Find(&receipts).Error
	if err != nil {
		return nil, err
	}
	return receipts, nil
}

// GetUnreadCount 按回执实时计算未读数。
// 系统消息和已删除消息不计入未读，与发送路径的增量逻辑一致。
func (r *gormMessageRepository) GetUnreadCount(ctx context.Context, conversationID, userID uint) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("conversation_id = ? AND sender_id <> ?", conversationID, userID).
		Where("type <> ? AND is_deleted = ?", models.SystemMessageType, false).
		Where("NOT EXISTS (SELECT 1 FROM read_receipts rr WHERE rr.message_id = messages.id AND rr.user_id = ?)", userID).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("统计未读消息失败: %w", err)
	}
	return count, nil
}

// IsMessageAuthor 判断用户是否是消息的作者，消息不存在时返回 false。
func (r *gormMessageRepository) IsMessageAuthor(ctx context.Context, messageID, userID uint) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("id = ? AND sender_id = ?", messageID, userID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("查询消息作者失败: %w", err)
	}
	return count > 0, nil
}
