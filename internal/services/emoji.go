package services

// 常用回应表情的显式白名单。
// 白名单外的输入退回到 Unicode 区段检查。
var namedReactionEmoji = map[string]struct{}{
	"👍": {}, "👎": {}, "❤️": {}, "😂": {}, "😮": {},
	"😢": {}, "😡": {}, "🙏": {}, "🎉": {}, "🔥": {},
}

// 单个回应最多允许的 rune 数（含组合用的变体选择符和 ZWJ）。
const maxReactionRunes = 8

// isAllowedReactionEmoji 判断字符串是否是可用作回应的表情。
// 任意文本、空串和超长组合都被拒绝。
func isAllowedReactionEmoji(emoji string) bool {
	if emoji == "" {
		return false
	}
	if _, ok := namedReactionEmoji[emoji]; ok {
		return true
	}

	runes := []rune(emoji)
	if len(runes) > maxReactionRunes {
		return false
	}
	hasEmojiRune := false
	for _, r := range runes {
		switch {
		case isEmojiRune(r):
			hasEmojiRune = true
		case r == 0xFE0F || r == 0x200D:
			// 变体选择符与零宽连接符只允许作为组合的一部分
		default:
			return false
		}
	}
	return hasEmojiRune
}

// isEmojiRune 检查 rune 是否落在常见表情的 Unicode 区段内。
func isEmojiRune(r rune) bool {
	switch {
	case r >= 0x1F300 && r <= 0x1FAFF: // 杂项符号、表情、补充符号
		return true
	case r >= 0x2600 && r <= 0x27BF: // 杂项符号与装饰符号
		return true
	case r >= 0x1F1E6 && r <= 0x1F1FF: // 区域指示符（旗帜）
		return true
	case r == 0x2764: // 红心基础码位
		return true
	}
	return false
}
