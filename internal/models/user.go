package models

import "time"

// 用户账号状态。
const (
	UserStatusActive   = "active"
	UserStatusInactive = "inactive"
)

// User 代表系统中的用户。
// 对会话/消息核心而言用户目录是只读的，写操作只发生在认证和资料接口。
type User struct {
	BaseModel
	Username     string     `gorm:"type:varchar(100);uniqueIndex;not null" json:"username"`
	PasswordHash string     `gorm:"type:varchar(255);not null" json:"-"` // 不暴露密码哈希
	Email        string     `gorm:"type:varchar(100);uniqueIndex" json:"email,omitempty"`
	Nickname     string     `gorm:"type:varchar(100)" json:"nickname,omitempty"`
	AvatarURL    string     `gorm:"type:varchar(255)" json:"avatarUrl,omitempty"`
	Status       string     `gorm:"type:varchar(20);default:'active'" json:"status,omitempty"`
	LastSeenAt   *time.Time `json:"lastSeenAt,omitempty"`
	Bio          string     `gorm:"type:text" json:"bio,omitempty"`
}

// IsActive 判断用户是否可被拉入会话。
func (u *User) IsActive() bool {
	return u.Status == UserStatusActive
}

// DisplayName 返回用户的展示名，优先昵称。
func (u *User) DisplayName() string {
	if u.Nickname != "" {
		return u.Nickname
	}
	return u.Username
}

// UserBasicInfo holds minimal public information about a user.
// Used for member lists and message sender previews.
type UserBasicInfo struct {
	ID        uint   `json:"id"`
	Username  string `json:"username"`
	Nickname  string `json:"nickname,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// TableName 指定 User 模型的表名。
func (User) TableName() string {
	return "users"
}
