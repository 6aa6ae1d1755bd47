package services

import (
	"strings"

	"chat-go/internal/models"
)

// 删除消息后的会话预览占位文本。
const deletedMessagePreview = "[消息已删除]"

// previewText 把正文截断为最多 limit 个字符，超出时加省略号。
// 按 rune 截断，避免把多字节字符切半。
func previewText(content string, limit int) string {
	runes := []rune(strings.TrimSpace(content))
	if limit <= 0 || len(runes) <= limit {
		return string(runes)
	}
	return string(runes[:limit]) + "…"
}

// MessagePreview 为会话列表推导某条消息的预览文本。
// 优先级：删除占位 > 正文截断 > 附件占位 > 类型占位。
// 导出给运维工具复用，保证重算出的预览和在线路径一致。
func MessagePreview(msg *models.Message, limit int) string {
	if msg == nil {
		return ""
	}
	if msg.IsDeleted {
		return deletedMessagePreview
	}
	if strings.TrimSpace(msg.Content) != "" {
		return previewText(msg.Content, limit)
	}
	if len(msg.Attachments) > 0 {
		switch msg.Attachments[0].Type {
		case models.ImageAttachment:
			return "[图片]"
		case models.VideoAttachment:
			return "[视频]"
		case models.AudioAttachment:
			return "[语音]"
		default:
			return "[文件]"
		}
	}
	switch msg.Type {
	case models.StickerMessageType:
		return "[表情]"
	case models.LocationMessageType:
		return "[位置]"
	case models.ContactMessageType:
		return "[名片]"
	default:
		return "[消息]"
	}
}
