package broker

import (
	"context"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitBrokers(t *testing.T) {
	assert.Equal(t, []string{"a:9092", "b:9092"}, SplitBrokers(" a:9092, ,b:9092 ,"))
	assert.Empty(t, SplitBrokers(""))
	assert.Empty(t, SplitBrokers(" , "))
}

func TestKafkaTransport_OpenProducer_Config(t *testing.T) {
	k := NewKafkaTransport("kafka:9092")
	h, err := k.OpenProducer("applications")
	require.NoError(t, err)
	defer h.Close()

	kp, ok := h.(*kafkaProducer)
	require.True(t, ok)
	assert.Equal(t, "applications", kp.w.Topic)
	assert.Equal(t, kafka.RequireAll, kp.w.RequiredAcks)
	assert.False(t, kp.w.AllowAutoTopicCreation)
}

func TestKafkaTransport_NoBrokers(t *testing.T) {
	k := &KafkaTransport{}
	_, err := k.OpenProducer("applications")
	assert.Error(t, err)

	_, err = k.ListTopics(context.Background())
	assert.ErrorContains(t, err, "no brokers")

	err = k.CreateTopic(context.Background(), TopicSpec{Name: "x", Partitions: 1, ReplicationFactor: 1})
	assert.Error(t, err)

	_, err = NewKafkaTransport("kafka:9092").OpenProducer("")
	assert.Error(t, err)
}

func TestKafkaTransport_DialCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewKafkaTransport("127.0.0.1:1").ListTopics(ctx)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRejected)
}

func TestClassifyKafka(t *testing.T) {
	assert.NoError(t, classifyKafka(nil))

	err := classifyKafka(kafka.MessageSizeTooLarge)
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, ReasonRejected, sendFailure(err).Reason)

	err = classifyKafka(kafka.WriteErrors{nil, kafka.NotEnoughReplicas})
	assert.ErrorIs(t, err, ErrRejected)

	netErr := errors.New("dial tcp 10.0.0.1:9092: i/o timeout")
	err = classifyKafka(netErr)
	assert.Same(t, netErr, err)
	assert.Equal(t, ReasonUnreachable, sendFailure(err).Reason)
}
