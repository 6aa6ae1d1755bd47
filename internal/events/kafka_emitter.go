package events

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"time"

	"chat-go/internal/kafka"
)

// kafkaEmitter 把事件序列化后发到 Kafka 事件主题。
type kafkaEmitter struct {
	producer kafka.MessageProducer
	topic    string
}

// NewKafkaEmitter 创建一个基于 Kafka 的事件发布器。
func NewKafkaEmitter(producer kafka.MessageProducer, topic string) Emitter {
	return &kafkaEmitter{producer: producer, topic: topic}
}

// Emit 发布事件。失败只记日志，不向调用方报告。
func (e *kafkaEmitter) Emit(ctx context.Context, event *Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("错误: 无法序列化事件 %s (会话 %d): %v", event.Type, event.ConversationID, err)
		return
	}

	// 以会话 ID 作为分区键，同一会话的事件落在同一分区。
	key := []byte(strconv.FormatUint(uint64(event.ConversationID), 10))
	if err := e.producer.SendMessage(ctx, e.topic, key, payload); err != nil {
		log.Printf("警告: 发布事件 %s 失败 (会话 %d): %v", event.Type, event.ConversationID, err)
	}
}
