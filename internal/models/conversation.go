package models

import "time"

// ConversationType 表示会话的类型。
type ConversationType string

const (
	DirectConversation ConversationType = "direct" // 一对一会话
	GroupConversation  ConversationType = "group"  // 群聊会话
)

// MemberRole 表示成员在会话中的角色。
type MemberRole string

const (
	RoleAdmin     MemberRole = "admin"
	RoleModerator MemberRole = "moderator"
	RoleMember    MemberRole = "member"
)

// RoleRank 返回角色的排序权重，admin 最高。
// 用于成员列表排序和角色比较。
func RoleRank(role MemberRole) int {
	switch role {
	case RoleAdmin:
		return 3
	case RoleModerator:
		return 2
	default:
		return 1
	}
}

// Conversation 代表一个会话（单聊或群聊）。
// direct 会话没有自己的名称和头像，展示时用对方用户的资料替代。
type Conversation struct {
	BaseModel
	Type        ConversationType `gorm:"type:varchar(20);not null;index" json:"type"`
	Name        *string          `gorm:"type:varchar(255)" json:"name,omitempty"`
	Description string           `gorm:"type:text" json:"description,omitempty"`
	AvatarURL   string           `gorm:"type:varchar(255)" json:"avatarUrl,omitempty"`
	OwnerID     *uint            `gorm:"index" json:"ownerId,omitempty"`
	IsArchived  bool             `gorm:"default:false" json:"isArchived"`

	// 冗余存储的最后一条消息预览，发送/编辑/删除消息时维护。
	LastMessageText string     `gorm:"type:varchar(255)" json:"lastMessageText,omitempty"`
	LastMessageAt   *time.Time `gorm:"index" json:"lastMessageAt,omitempty"`

	Members []ConversationMember `gorm:"foreignKey:ConversationID" json:"members,omitempty"`
	Owner   *User                `gorm:"foreignKey:OwnerID" json:"owner,omitempty"`
}

// TableName 指定 Conversation 模型的表名。
func (Conversation) TableName() string {
	return "conversations"
}

// DisplayNameFor 返回会话对某个观察者的展示名称。
// 群聊返回群名，单聊返回对方的昵称或用户名（成员需已预加载）。
func (c *Conversation) DisplayNameFor(viewerID uint) string {
	if c.Type == GroupConversation {
		if c.Name != nil {
			return *c.Name
		}
		return ""
	}
	for i := range c.Members {
		m := &c.Members[i]
		if m.UserID != viewerID && m.User != nil {
			if m.User.Nickname != "" {
				return m.User.Nickname
			}
			return m.User.Username
		}
	}
	return ""
}

// DisplayAvatarFor 返回会话对某个观察者的展示头像。
func (c *Conversation) DisplayAvatarFor(viewerID uint) string {
	if c.Type == GroupConversation {
		return c.AvatarURL
	}
	for i := range c.Members {
		m := &c.Members[i]
		if m.UserID != viewerID && m.User != nil {
			return m.User.AvatarURL
		}
	}
	return ""
}

// ConversationMember 代表用户在会话中的成员关系。
// 退出会话不删除记录，仅置 is_active = false，重新加入时复活该行。
type ConversationMember struct {
	ConversationID uint       `gorm:"primaryKey;autoIncrement:false" json:"conversationId"`
	UserID         uint       `gorm:"primaryKey;autoIncrement:false" json:"userId"`
	Role           MemberRole `gorm:"type:varchar(20);not null;default:'member'" json:"role"`
	IsActive       bool       `gorm:"not null;default:true;index" json:"isActive"`
	JoinedAt       time.Time  `gorm:"not null" json:"joinedAt"`
	LastReadAt     *time.Time `json:"lastReadAt,omitempty"`
	UnreadCount    int        `gorm:"not null;default:0" json:"unreadCount"`
	IsMuted        bool       `gorm:"not null;default:false" json:"isMuted"`
	MutedUntil     *time.Time `json:"mutedUntil,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`

	User *User `gorm:"foreignKey:UserID" json:"user,omitempty"`
}

// TableName 指定 ConversationMember 模型的表名。
func (ConversationMember) TableName() string {
	return "conversation_members"
}

// TypingIndicator 记录某用户正在某会话中输入，带过期时间。
// 过期的行由后台定时任务清理，读取时按 expires_at 过滤。
type TypingIndicator struct {
	ConversationID uint      `gorm:"primaryKey;autoIncrement:false" json:"conversationId"`
	UserID         uint      `gorm:"primaryKey;autoIncrement:false" json:"userId"`
	ExpiresAt      time.Time `gorm:"not null;index" json:"expiresAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// TableName 指定 TypingIndicator 模型的表名。
func (TypingIndicator) TableName() string {
	return "typing_indicators"
}
