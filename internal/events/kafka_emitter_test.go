package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

// recordingProducer 记录发出的消息，供断言使用。
type recordingProducer struct {
	topic   string
	key     []byte
	value   []byte
	sendErr error
}

func (p *recordingProducer) SendMessage(ctx context.Context, topic string, key []byte, value []byte) error {
	p.topic = topic
	p.key = key
	p.value = value
	return p.sendErr
}

func (p *recordingProducer) Close() {}

func TestKafkaEmitter_PublishesJSONWithPartitionKey(t *testing.T) {
	producer := &recordingProducer{}
	emitter := NewKafkaEmitter(producer, "conversation-events")

	emitter.Emit(context.Background(), &Event{
		Type:           MessageCreated,
		ConversationID: 42,
		ActorID:        7,
		EntityID:       100,
		Payload:        map[string]interface{}{"messageType": "text"},
	})

	require.Equal(t, "conversation-events", producer.topic)
	// 分区键是会话 ID，保证单会话内事件有序
	require.Equal(t, []byte("42"), producer.key)

	var decoded Event
	require.NoError(t, json.Unmarshal(producer.value, &decoded))
	require.Equal(t, MessageCreated, decoded.Type)
	require.EqualValues(t, 42, decoded.ConversationID)
	require.EqualValues(t, 7, decoded.ActorID)
	require.EqualValues(t, 100, decoded.EntityID)
	require.False(t, decoded.OccurredAt.IsZero(), "发布时应补上事件时间")
}

func TestKafkaEmitter_SendFailureIsSwallowed(t *testing.T) {
	producer := &recordingProducer{sendErr: errors.New("broker 不可用")}
	emitter := NewKafkaEmitter(producer, "conversation-events")

	// 发布失败不能影响主操作，Emit 没有返回值可断言，不 panic 即可
	emitter.Emit(context.Background(), &Event{Type: TypingStarted, ConversationID: 1, ActorID: 2})
	require.NotNil(t, producer.value)
}
