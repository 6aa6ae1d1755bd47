package services

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"

	"chat-go/internal/config"
	"chat-go/internal/events"
	"chat-go/internal/models"
	"chat-go/internal/storage"
)

// 测试用的业务配置，和生产默认值保持一致的量级。
func testChatConfig() config.ChatConfig {
	return config.ChatConfig{
		MaxGroupMembers:     100,
		MinGroupMembers:     3,
		MaxContentLength:    10000,
		MaxAttachments:      10,
		MaxAttachmentSizeMB: 100,
		EditWindow:          24 * time.Hour,
		AdminDeleteWindow:   24 * time.Hour,
		TypingTTL:           10 * time.Second,
		TypingSweepInterval: 30 * time.Second,
		PreviewLength:       100,
	}
}

// captureEmitter 记录发出的全部事件，供断言使用。
type captureEmitter struct {
	mu     sync.Mutex
	events []*events.Event
}

func (e *captureEmitter) Emit(ctx context.Context, event *events.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
}

func (e *captureEmitter) byType(t events.EventType) []*events.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*events.Event
	for _, ev := range e.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type memberKey struct {
	conversationID uint
	userID         uint
}

// fakeConversationRepo 是 ConversationRepository 的内存实现。
// setOwnerErr 非 nil 时 SetOwner 直接失败，用来模拟存储层写入故障。
type fakeConversationRepo struct {
	nextID        uint
	conversations map[uint]*models.Conversation
	members       map[memberKey]*models.ConversationMember
	typing        map[memberKey]time.Time

	setOwnerErr error
}

func newFakeConversationRepo() *fakeConversationRepo {
	return &fakeConversationRepo{
		conversations: make(map[uint]*models.Conversation),
		members:       make(map[memberKey]*models.ConversationMember),
		typing:        make(map[memberKey]time.Time),
	}
}

func (r *fakeConversationRepo) CreateConversation(ctx context.Context, conv *models.Conversation, members []*models.ConversationMember) error {
	r.nextID++
	conv.ID = r.nextID
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now()
	}
	r.conversations[conv.ID] = conv
	for _, m := range members {
		m.ConversationID = conv.ID
		copied := *m
		r.members[memberKey{conv.ID, m.UserID}] = &copied
	}
	return nil
}

func (r *fakeConversationRepo) GetConversationByID(ctx context.Context, id uint) (*models.Conversation, error) {
	conv, ok := r.conversations[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return r.withMembers(conv), nil
}

func (r *fakeConversationRepo) GetConversationForUser(ctx context.Context, id, userID uint) (*models.Conversation, error) {
	conv, ok := r.conversations[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	m, ok := r.members[memberKey{id, userID}]
	if !ok || !m.IsActive {
		return nil, gorm.ErrRecordNotFound
	}
	return r.withMembers(conv), nil
}

// withMembers 返回带活跃成员快照的浅拷贝，模拟预加载。
func (r *fakeConversationRepo) withMembers(conv *models.Conversation) *models.Conversation {
	copied := *conv
	copied.Members = nil
	for key, m := range r.members {
		if key.conversationID == conv.ID && m.IsActive {
			copied.Members = append(copied.Members, *m)
		}
	}
	sort.Slice(copied.Members, func(i, j int) bool {
		return copied.Members[i].UserID < copied.Members[j].UserID
	})
	return &copied
}

func (r *fakeConversationRepo) GetUserConversations(ctx context.Context, userID uint, opts storage.ConversationQueryOptions) ([]*models.Conversation, int64, error) {
	var out []*models.Conversation
	for _, conv := range r.conversations {
		m, ok := r.members[memberKey{conv.ID, userID}]
		if !ok || !m.IsActive {
			continue
		}
		if opts.Type != nil && conv.Type != *opts.Type {
			continue
		}
		if opts.IsArchived != nil && conv.IsArchived != *opts.IsArchived {
			continue
		}
		if opts.Search != "" {
			if conv.Name == nil || !strings.Contains(strings.ToLower(*conv.Name), strings.ToLower(opts.Search)) {
				continue
			}
		}
		out = append(out, r.withMembers(conv))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, int64(len(out)), nil
}

func (r *fakeConversationRepo) UpdateConversation(ctx context.Context, conv *models.Conversation) error {
	if _, ok := r.conversations[conv.ID]; !ok {
		return gorm.ErrRecordNotFound
	}
	copied := *conv
	copied.Members = nil
	r.conversations[conv.ID] = &copied
	return nil
}

func (r *fakeConversationRepo) SetLastMessage(ctx context.Context, conversationID uint, text string, at *time.Time) error {
	conv, ok := r.conversations[conversationID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	conv.LastMessageText = text
	conv.LastMessageAt = at
	return nil
}

func (r *fakeConversationRepo) SetArchived(ctx context.Context, conversationID uint, archived bool) error {
	conv, ok := r.conversations[conversationID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	conv.IsArchived = archived
	return nil
}

func (r *fakeConversationRepo) SetOwner(ctx context.Context, conversationID uint, ownerID *uint) error {
	if r.setOwnerErr != nil {
		return r.setOwnerErr
	}
	conv, ok := r.conversations[conversationID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	conv.OwnerID = ownerID
	return nil
}

func (r *fakeConversationRepo) UpsertMember(ctx context.Context, member *models.ConversationMember) error {
	key := memberKey{member.ConversationID, member.UserID}
	if existing, ok := r.members[key]; ok {
		existing.IsActive = true
		existing.Role = member.Role
		existing.JoinedAt = member.JoinedAt
		existing.UnreadCount = 0
		return nil
	}
	copied := *member
	r.members[key] = &copied
	return nil
}

func (r *fakeConversationRepo) DeactivateMember(ctx context.Context, conversationID, userID uint) error {
	m, ok := r.members[memberKey{conversationID, userID}]
	if !ok || !m.IsActive {
		return gorm.ErrRecordNotFound
	}
	m.IsActive = false
	return nil
}

func (r *fakeConversationRepo) UpdateMemberRole(ctx context.Context, conversationID, userID uint, role models.MemberRole) error {
	m, ok := r.members[memberKey{conversationID, userID}]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	m.Role = role
	return nil
}

func (r *fakeConversationRepo) UpdateMemberLastRead(ctx context.Context, conversationID, userID uint, at time.Time) error {
	m, ok := r.members[memberKey{conversationID, userID}]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	m.LastReadAt = &at
	m.UnreadCount = 0
	return nil
}

func (r *fakeConversationRepo) IncrementUnreadCounts(ctx context.Context, conversationID, excludeUserID uint) error {
	for key, m := range r.members {
		if key.conversationID == conversationID && m.IsActive && key.userID != excludeUserID {
			m.UnreadCount++
		}
	}
	return nil
}

func (r *fakeConversationRepo) SetMuted(ctx context.Context, conversationID, userID uint, muted bool, until *time.Time) error {
	m, ok := r.members[memberKey{conversationID, userID}]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	m.IsMuted = muted
	m.MutedUntil = until
	return nil
}

func (r *fakeConversationRepo) IsActiveMember(ctx context.Context, conversationID, userID uint) (bool, error) {
	m, ok := r.members[memberKey{conversationID, userID}]
	return ok && m.IsActive, nil
}

func (r *fakeConversationRepo) GetMemberRole(ctx context.Context, conversationID, userID uint) (*models.MemberRole, error) {
	m, ok := r.members[memberKey{conversationID, userID}]
	if !ok || !m.IsActive {
		return nil, nil
	}
	role := m.Role
	return &role, nil
}

func (r *fakeConversationRepo) GetMember(ctx context.Context, conversationID, userID uint) (*models.ConversationMember, error) {
	m, ok := r.members[memberKey{conversationID, userID}]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return m, nil
}

func (r *fakeConversationRepo) GetConversationMembers(ctx context.Context, conversationID uint, activeOnly bool) ([]*models.ConversationMember, error) {
	var out []*models.ConversationMember
	for key, m := range r.members {
		if key.conversationID != conversationID {
			continue
		}
		if activeOnly && !m.IsActive {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := models.RoleRank(out[i].Role), models.RoleRank(out[j].Role)
		if ri != rj {
			return ri > rj
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out, nil
}

func (r *fakeConversationRepo) CountActiveMembers(ctx context.Context, conversationID uint) (int64, error) {
	var n int64
	for key, m := range r.members {
		if key.conversationID == conversationID && m.IsActive {
			n++
		}
	}
	return n, nil
}

func (r *fakeConversationRepo) FindDirectConversation(ctx context.Context, userID1, userID2 uint) (*models.Conversation, error) {
	for _, conv := range r.conversations {
		if conv.Type != models.DirectConversation {
			continue
		}
		_, has1 := r.members[memberKey{conv.ID, userID1}]
		_, has2 := r.members[memberKey{conv.ID, userID2}]
		if has1 && has2 {
			return conv, nil
		}
	}
	return nil, nil
}

func (r *fakeConversationRepo) GetUserConversationIDs(ctx context.Context, userID uint) ([]uint, error) {
	var ids []uint
	for key, m := range r.members {
		if key.userID == userID && m.IsActive {
			ids = append(ids, key.conversationID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (r *fakeConversationRepo) GetActiveMemberIDs(ctx context.Context, conversationID uint) ([]uint, error) {
	var ids []uint
	for key, m := range r.members {
		if key.conversationID == conversationID && m.IsActive {
			ids = append(ids, key.userID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (r *fakeConversationRepo) GetConversationStats(ctx context.Context, userID uint) (*storage.ConversationStats, error) {
	stats := &storage.ConversationStats{}
	for key, m := range r.members {
		if key.userID != userID || !m.IsActive {
			continue
		}
		conv := r.conversations[key.conversationID]
		stats.TotalUnread += int64(m.UnreadCount)
		switch conv.Type {
		case models.DirectConversation:
			stats.DirectCount++
		case models.GroupConversation:
			stats.GroupCount++
		}
		if conv.IsArchived {
			stats.ArchivedCount++
		}
	}
	return stats, nil
}

func (r *fakeConversationRepo) UpsertTypingIndicator(ctx context.Context, conversationID, userID uint, expiresAt time.Time) error {
	r.typing[memberKey{conversationID, userID}] = expiresAt
	return nil
}

func (r *fakeConversationRepo) GetTypingUserIDs(ctx context.Context, conversationID uint, now time.Time) ([]uint, error) {
	var ids []uint
	for key, expires := range r.typing {
		if key.conversationID == conversationID && expires.After(now) {
			ids = append(ids, key.userID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (r *fakeConversationRepo) DeleteExpiredTypingIndicators(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	for key, expires := range r.typing {
		if !expires.After(now) {
			delete(r.typing, key)
			n++
		}
	}
	return n, nil
}

func (r *fakeConversationRepo) GetDB() *gorm.DB { return nil }

type reactionKey struct {
	messageID uint
	userID    uint
	emoji     string
}

type receiptKey struct {
	messageID uint
	userID    uint
}

// fakeMessageRepo 是 MessageRepository 的内存实现。
// convo 用于在删除事务里更新会话预览；
// deletePreviewErr 非 nil 时整个删除事务失败且不落任何修改，模拟回滚。
type fakeMessageRepo struct {
	nextID    uint
	messages  map[uint]*models.Message
	reactions map[reactionKey]time.Time
	receipts  map[receiptKey]time.Time

	convo            *fakeConversationRepo
	deletePreviewErr error
}

func newFakeMessageRepo() *fakeMessageRepo {
	return &fakeMessageRepo{
		messages:  make(map[uint]*models.Message),
		reactions: make(map[reactionKey]time.Time),
		receipts:  make(map[receiptKey]time.Time),
	}
}

func (r *fakeMessageRepo) Create(ctx context.Context, message *models.Message) error {
	r.nextID++
	message.ID = r.nextID
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now()
	}
	copied := *message
	r.messages[message.ID] = &copied
	return nil
}

func (r *fakeMessageRepo) GetByID(ctx context.Context, id uint) (*models.Message, error) {
	msg, ok := r.messages[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *msg
	return &copied, nil
}

func (r *fakeMessageRepo) Update(ctx context.Context, message *models.Message) error {
	if _, ok := r.messages[message.ID]; !ok {
		return gorm.ErrRecordNotFound
	}
	copied := *message
	r.messages[message.ID] = &copied
	return nil
}

func (r *fakeMessageRepo) MarkDeleted(ctx context.Context, id uint, forEveryone bool, at time.Time) error {
	msg, ok := r.messages[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	msg.IsDeleted = true
	msg.DeletedAt = &at
	msg.DeletedForEveryone = forEveryone
	if forEveryone {
		msg.Content = ""
	}
	return nil
}

func (r *fakeMessageRepo) MarkDeletedWithPreview(ctx context.Context, id, conversationID uint, forEveryone bool, at time.Time, derive func(last *models.Message) (string, *time.Time)) error {
	if _, ok := r.messages[id]; !ok {
		return gorm.ErrRecordNotFound
	}
	if r.deletePreviewErr != nil {
		return r.deletePreviewErr
	}
	if err := r.MarkDeleted(ctx, id, forEveryone, at); err != nil {
		return err
	}
	last, err := r.GetLastNonDeletedMessage(ctx, conversationID)
	if err != nil {
		return err
	}
	preview, previewAt := derive(last)
	if r.convo != nil {
		return r.convo.SetLastMessage(ctx, conversationID, preview, previewAt)
	}
	return nil
}

// sortedConversationMessages 返回会话内按 (created_at, id) 升序的消息。
func (r *fakeMessageRepo) sortedConversationMessages(conversationID uint) []*models.Message {
	var out []*models.Message
	for _, msg := range r.messages {
		if msg.ConversationID == conversationID {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *fakeMessageRepo) GetConversationMessages(ctx context.Context, conversationID uint, opts storage.MessageQueryOptions) (*storage.MessagePage, error) {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Direction == "" {
		opts.Direction = storage.DirectionBackward
	}

	all := r.sortedConversationMessages(conversationID)
	if opts.Direction == storage.DirectionBackward {
		for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
			all[i], all[j] = all[j], all[i]
		}
	}

	if opts.Cursor != nil {
		anchor, ok := r.messages[*opts.Cursor]
		if !ok || anchor.ConversationID != conversationID {
			return nil, storage.ErrInvalidCursor
		}
		idx := -1
		for i, msg := range all {
			if msg.ID == anchor.ID {
				idx = i
				break
			}
		}
		all = all[idx+1:]
	}

	if opts.Type != nil {
		filtered := all[:0:0]
		for _, msg := range all {
			if msg.Type == *opts.Type {
				filtered = append(filtered, msg)
			}
		}
		all = filtered
	}

	page := &storage.MessagePage{}
	if len(all) > opts.Limit {
		page.HasMore = true
		all = all[:opts.Limit]
	}
	for _, msg := range all {
		copied := *msg
		copied.ReadReceipts = r.receiptsFor(msg.ID)
		page.Messages = append(page.Messages, &copied)
	}
	if len(page.Messages) > 0 {
		last := page.Messages[len(page.Messages)-1].ID
		page.NextCursor = &last
	}
	return page, nil
}

func (r *fakeMessageRepo) receiptsFor(messageID uint) []models.ReadReceipt {
	var out []models.ReadReceipt
	for key, at := range r.receipts {
		if key.messageID == messageID {
			out = append(out, models.ReadReceipt{MessageID: key.messageID, UserID: key.userID, ReadAt: at})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (r *fakeMessageRepo) SearchMessages(ctx context.Context, conversationIDs []uint, query string, opts storage.SearchOptions) (*storage.SearchResult, error) {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	inSet := make(map[uint]bool, len(conversationIDs))
	for _, id := range conversationIDs {
		inSet[id] = true
	}

	var hits []*models.Message
	for _, msg := range r.messages {
		if !inSet[msg.ConversationID] || msg.IsDeleted || msg.Type == models.SystemMessageType {
			continue
		}
		if !strings.Contains(strings.ToLower(msg.Content), strings.ToLower(query)) {
			continue
		}
		if opts.Type != nil && msg.Type != *opts.Type {
			continue
		}
		if opts.SenderID != nil && msg.SenderID != *opts.SenderID {
			continue
		}
		if opts.DateFrom != nil && msg.CreatedAt.Before(*opts.DateFrom) {
			continue
		}
		if opts.DateTo != nil && msg.CreatedAt.After(*opts.DateTo) {
			continue
		}
		hits = append(hits, msg)
	}
	sort.Slice(hits, func(i, j int) bool {
		if !hits[i].CreatedAt.Equal(hits[j].CreatedAt) {
			return hits[i].CreatedAt.After(hits[j].CreatedAt)
		}
		return hits[i].ID > hits[j].ID
	})

	result := &storage.SearchResult{
		Messages: []*models.Message{},
		Facets: &storage.SearchFacets{
			ByType:         map[models.MessageType]int64{},
			BySender:       map[uint]int64{},
			ByConversation: map[uint]int64{},
		},
	}
	for _, msg := range hits {
		result.Facets.ByType[msg.Type]++
		result.Facets.BySender[msg.SenderID]++
		result.Facets.ByConversation[msg.ConversationID]++
	}

	// 过期游标静默忽略，从头开始。
	if opts.Cursor != nil {
		if _, ok := r.messages[*opts.Cursor]; ok {
			for i, msg := range hits {
				if msg.ID == *opts.Cursor {
					hits = hits[i+1:]
					break
				}
			}
		}
	}

	if len(hits) > opts.Limit {
		result.HasMore = true
		hits = hits[:opts.Limit]
	}
	for _, msg := range hits {
		copied := *msg
		result.Messages = append(result.Messages, &copied)
	}
	if len(result.Messages) > 0 {
		last := result.Messages[len(result.Messages)-1].ID
		result.NextCursor = &last
	}
	return result, nil
}

func (r *fakeMessageRepo) GetLastNonDeletedMessage(ctx context.Context, conversationID uint) (*models.Message, error) {
	all := r.sortedConversationMessages(conversationID)
	for i := len(all) - 1; i >= 0; i-- {
		if !all[i].IsDeleted {
			copied := *all[i]
			return &copied, nil
		}
	}
	return nil, nil
}

func (r *fakeMessageRepo) GetMessageStats(ctx context.Context, conversationID uint) (*storage.MessageStats, error) {
	stats := &storage.MessageStats{ByType: map[models.MessageType]int64{}}
	for _, msg := range r.sortedConversationMessages(conversationID) {
		stats.TotalCount++
		if msg.IsDeleted {
			stats.DeletedCount++
		}
		stats.ByType[msg.Type]++
		at := msg.CreatedAt
		if stats.FirstMessageAt == nil {
			stats.FirstMessageAt = &at
		}
		stats.LastMessageAt = &at
	}
	return stats, nil
}

func (r *fakeMessageRepo) AddReaction(ctx context.Context, reaction *models.Reaction) error {
	r.reactions[reactionKey{reaction.MessageID, reaction.UserID, reaction.Emoji}] = time.Now()
	return nil
}

func (r *fakeMessageRepo) RemoveReaction(ctx context.Context, messageID, userID uint, emoji string) (bool, error) {
	key := reactionKey{messageID, userID, emoji}
	if _, ok := r.reactions[key]; !ok {
		return false, nil
	}
	delete(r.reactions, key)
	return true, nil
}

func (r *fakeMessageRepo) HasReaction(ctx context.Context, messageID, userID uint, emoji string) (bool, error) {
	_, ok := r.reactions[reactionKey{messageID, userID, emoji}]
	return ok, nil
}

func (r *fakeMessageRepo) GetReactionCounts(ctx context.Context, messageID uint) ([]storage.ReactionCount, error) {
	byEmoji := make(map[string][]uint)
	for key := range r.reactions {
		if key.messageID == messageID {
			byEmoji[key.emoji] = append(byEmoji[key.emoji], key.userID)
		}
	}
	var out []storage.ReactionCount
	for emoji, userIDs := range byEmoji {
		sort.Slice(userIDs, func(i, j int) bool { return userIDs[i] < userIDs[j] })
		out = append(out, storage.ReactionCount{Emoji: emoji, Count: int64(len(userIDs)), UserIDs: userIDs})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Emoji < out[j].Emoji })
	return out, nil
}

func (r *fakeMessageRepo) MarkAsRead(ctx context.Context, messageID, userID uint, at time.Time) error {
	key := receiptKey{messageID, userID}
	if _, ok := r.receipts[key]; !ok {
		r.receipts[key] = at
	}
	return nil
}

func (r *fakeMessageRepo) MarkConversationAsRead(ctx context.Context, conversationID, userID uint, upToMessageID *uint, at time.Time) (int64, error) {
	var bound *models.Message
	if upToMessageID != nil {
		anchor, ok := r.messages[*upToMessageID]
		if !ok {
			return 0, gorm.ErrRecordNotFound
		}
		bound = anchor
	}
	var count int64
	for _, msg := range r.sortedConversationMessages(conversationID) {
		if msg.SenderID == userID {
			continue
		}
		// 上界按 (created_at, id) 截断，和消息列表的排序键一致。
		if bound != nil {
			if msg.CreatedAt.After(bound.CreatedAt) ||
				(msg.CreatedAt.Equal(bound.CreatedAt) && msg.ID > bound.ID) {
				continue
			}
		}
		key := receiptKey{msg.ID, userID}
		if _, ok := r.receipts[key]; ok {
			continue
		}
		r.receipts[key] = at
		count++
	}
	return count, nil
}

func (r *fakeMessageRepo) GetUnreadCount(ctx context.Context, conversationID, userID uint) (int64, error) {
	var count int64
	for _, msg := range r.sortedConversationMessages(conversationID) {
		if msg.SenderID == userID || msg.IsDeleted || msg.Type == models.SystemMessageType {
			continue
		}
		if _, ok := r.receipts[receiptKey{msg.ID, userID}]; !ok {
			count++
		}
	}
	return count, nil
}

func (r *fakeMessageRepo) IsMessageAuthor(ctx context.Context, messageID, userID uint) (bool, error) {
	msg, ok := r.messages[messageID]
	return ok && msg.SenderID == userID, nil
}

func (r *fakeMessageRepo) GetReadReceipts(ctx context.Context, messageID uint) ([]*models.ReadReceipt, error) {
	var out []*models.ReadReceipt
	for key, at := range r.receipts {
		if key.messageID == messageID {
			out = append(out, &models.ReadReceipt{MessageID: key.messageID, UserID: key.userID, ReadAt: at})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// fakeUserRepo 是 UserRepository 的内存实现。
type fakeUserRepo struct {
	nextID uint
	users  map[uint]*models.User
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{users: make(map[uint]*models.User)}
}

// addUser 直接塞入一个活跃用户，返回其 ID。
func (r *fakeUserRepo) addUser(username string) uint {
	r.nextID++
	r.users[r.nextID] = &models.User{
		BaseModel: models.BaseModel{ID: r.nextID},
		Username:  username,
		Email:     username + "@example.com",
		Status:    models.UserStatusActive,
	}
	return r.nextID
}

func (r *fakeUserRepo) Create(ctx context.Context, user *models.User) error {
	r.nextID++
	user.ID = r.nextID
	r.users[user.ID] = user
	return nil
}

func (r *fakeUserRepo) GetByID(ctx context.Context, id uint) (*models.User, error) {
	u, ok := r.users[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return u, nil
}

func (r *fakeUserRepo) GetByIDs(ctx context.Context, ids []uint) ([]*models.User, error) {
	var out []*models.User
	for _, id := range ids {
		if u, ok := r.users[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func (r *fakeUserRepo) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	for _, u := range r.users {
		if u.Username == username {
			return u, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeUserRepo) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	for _, u := range r.users {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeUserRepo) Update(ctx context.Context, user *models.User) error {
	if _, ok := r.users[user.ID]; !ok {
		return gorm.ErrRecordNotFound
	}
	r.users[user.ID] = user
	return nil
}

func (r *fakeUserRepo) SearchUsers(ctx context.Context, query string, currentUserID uint) ([]models.User, error) {
	var out []models.User
	for _, u := range r.users {
		if u.ID == currentUserID {
			continue
		}
		if strings.Contains(strings.ToLower(u.Username), strings.ToLower(query)) {
			out = append(out, *u)
		}
	}
	return out, nil
}

func (r *fakeUserRepo) GetBasicInfoByID(ctx context.Context, id uint) (*models.UserBasicInfo, error) {
	u, ok := r.users[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &models.UserBasicInfo{ID: u.ID, Username: u.Username, Nickname: u.Nickname, AvatarURL: u.AvatarURL}, nil
}

func (r *fakeUserRepo) GetMultipleBasicInfoByIDs(ctx context.Context, userIDs []uint) ([]*models.UserBasicInfo, error) {
	var out []*models.UserBasicInfo
	for _, id := range userIDs {
		if info, err := r.GetBasicInfoByID(ctx, id); err == nil {
			out = append(out, info)
		}
	}
	return out, nil
}

func (r *fakeUserRepo) GetDB() *gorm.DB { return nil }
