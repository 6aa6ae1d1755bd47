package events

import (
	"context"
	"time"
)

// EventType 标识一次状态变更的种类。
type EventType string

const (
	ConversationCreated  EventType = "conversation.created"
	ConversationUpdated  EventType = "conversation.updated"
	ConversationArchived EventType = "conversation.archived"
	MemberAdded          EventType = "member.added"
	MemberRemoved        EventType = "member.removed"
	MemberLeft           EventType = "member.left"
	MemberRoleChanged    EventType = "member.role_changed"
	OwnershipTransferred EventType = "member.ownership_transferred"
	MessageCreated       EventType = "message.created"
	MessageEdited        EventType = "message.edited"
	MessageDeleted       EventType = "message.deleted"
	ReactionAdded        EventType = "reaction.added"
	ReactionRemoved      EventType = "reaction.removed"
	ReadReceiptAdvanced  EventType = "read_receipt.advanced"
	TypingStarted        EventType = "typing.started"
)

// Event 是推送到事件主题的载荷。
// ConversationID 同时作为 Kafka 分区键，保证单会话内事件有序。
type Event struct {
	Type           EventType              `json:"type"`
	ConversationID uint                   `json:"conversationId"`
	ActorID        uint                   `json:"actorId"`            // 触发变更的用户
	EntityID       uint                   `json:"entityId,omitempty"` // 消息 ID / 成员用户 ID 等
	OccurredAt     time.Time              `json:"occurredAt"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
}

// Emitter 在每次状态变更后发布事件。
// 发布是尽力而为的：实现内部记录失败，绝不让主操作失败。
type Emitter interface {
	Emit(ctx context.Context, event *Event)
}

// NopEmitter 丢弃所有事件，测试用。
type NopEmitter struct{}

// Emit implements Emitter.
func (NopEmitter) Emit(ctx context.Context, event *Event) {}
