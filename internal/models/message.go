package models

import "time"

// MessageType 定义了存储在数据库中的消息类型。
type MessageType string

const (
	TextMessageType     MessageType = "text"
	ImageMessageType    MessageType = "image"
	VideoMessageType    MessageType = "video"
	AudioMessageType    MessageType = "audio"
	FileMessageType     MessageType = "file"
	StickerMessageType  MessageType = "sticker"
	SystemMessageType   MessageType = "system" // 系统通知，不计入未读
	LocationMessageType MessageType = "location"
	ContactMessageType  MessageType = "contact"
)

// IsValidMessageType 判断给定的消息类型是否是客户端可发送的合法类型。
// system 类型只能由服务端生成。
func IsValidMessageType(t MessageType) bool {
	switch t {
	case TextMessageType, ImageMessageType, VideoMessageType, AudioMessageType,
		FileMessageType, StickerMessageType, LocationMessageType, ContactMessageType:
		return true
	}
	return false
}

// Message 代表存储在数据库中的聊天消息。
// 删除是软删除：保留行，置 is_deleted，deleted_for_everyone 时清空内容。
// 不嵌入 BaseModel，因为这里的删除语义是业务字段而非 gorm 软删除。
type Message struct {
	ID             uint        `gorm:"primarykey" json:"id"`
	ConversationID uint        `gorm:"index;not null" json:"conversationId"`
	SenderID       uint        `gorm:"index;not null" json:"senderId"`
	Type           MessageType `gorm:"type:varchar(20);not null;default:'text'" json:"type"`
	Content        string      `gorm:"type:text" json:"content"`
	ReplyToID      *uint       `gorm:"index" json:"replyToId,omitempty"`

	IsEdited bool       `gorm:"not null;default:false" json:"isEdited"`
	EditedAt *time.Time `json:"editedAt,omitempty"`

	IsDeleted          bool       `gorm:"not null;default:false;index" json:"isDeleted"`
	DeletedAt          *time.Time `json:"deletedAt,omitempty"`
	DeletedForEveryone bool       `gorm:"not null;default:false" json:"deletedForEveryone"`

	CreatedAt time.Time `gorm:"index" json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// 关联关系
	Sender       *User        `gorm:"foreignKey:SenderID" json:"sender,omitempty"`
	ReplyTo      *Message     `gorm:"foreignKey:ReplyToID" json:"replyTo,omitempty"`
	Attachments  []Attachment `gorm:"foreignKey:MessageID" json:"attachments,omitempty"`
	Reactions    []Reaction   `gorm:"foreignKey:MessageID" json:"reactions,omitempty"`
	ReadReceipts []ReadReceipt `gorm:"foreignKey:MessageID" json:"readReceipts,omitempty"`
}

// TableName 指定 Message 模型的表名。
func (Message) TableName() string {
	return "messages"
}

// AttachmentType 定义了附件的类型。
type AttachmentType string

const (
	ImageAttachment    AttachmentType = "image"
	VideoAttachment    AttachmentType = "video"
	AudioAttachment    AttachmentType = "audio"
	DocumentAttachment AttachmentType = "document"
)

// IsValidAttachmentType 判断附件类型是否合法。
func IsValidAttachmentType(t AttachmentType) bool {
	switch t {
	case ImageAttachment, VideoAttachment, AudioAttachment, DocumentAttachment:
		return true
	}
	return false
}

// Attachment 代表消息的附件元数据。
// 只存储 URL 和元数据，文件本体由存储服务负责。
type Attachment struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	MessageID uint           `gorm:"index;not null" json:"messageId"`
	Type      AttachmentType `gorm:"type:varchar(20);not null" json:"type"`
	FileName  string         `gorm:"type:varchar(255);not null" json:"fileName"`
	FileURL   string         `gorm:"type:varchar(512);not null" json:"fileUrl"`
	FileSize  int64          `gorm:"not null" json:"fileSize"`

	// 可选的媒体元数据
	Width        *int    `json:"width,omitempty"`
	Height       *int    `json:"height,omitempty"`
	Duration     *int    `json:"duration,omitempty"` // 秒
	ThumbnailURL string  `gorm:"type:varchar(512)" json:"thumbnailUrl,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// TableName 指定 Attachment 模型的表名。
func (Attachment) TableName() string {
	return "attachments"
}

// Reaction 代表用户对消息的表情回应。
// 同一用户对同一消息的同一表情只有一行（复合主键保证）。
type Reaction struct {
	MessageID uint      `gorm:"primaryKey;autoIncrement:false" json:"messageId"`
	UserID    uint      `gorm:"primaryKey;autoIncrement:false" json:"userId"`
	Emoji     string    `gorm:"primaryKey;type:varchar(32)" json:"emoji"`
	CreatedAt time.Time `json:"createdAt"`
}

// TableName 指定 Reaction 模型的表名。
func (Reaction) TableName() string {
	return "reactions"
}

// ReadReceipt 代表某用户已读某条消息。
type ReadReceipt struct {
	MessageID uint      `gorm:"primaryKey;autoIncrement:false" json:"messageId"`
	UserID    uint      `gorm:"primaryKey;autoIncrement:false" json:"userId"`
	ReadAt    time.Time `gorm:"not null" json:"readAt"`
}

// TableName 指定 ReadReceipt 模型的表名。
func (ReadReceipt) TableName() string {
	return "read_receipts"
}
