package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaTransport talks to a Kafka cluster through segmentio/kafka-go.
type KafkaTransport struct {
	Brokers []string
	Dialer  *kafka.Dialer
	// WriteTimeout bounds a single produce request (default 10s).
	WriteTimeout time.Duration
}

// NewKafkaTransport builds a transport for a comma-separated broker list such
// as "kafka-1:9092,kafka-2:9092".
func NewKafkaTransport(brokerList string) *KafkaTransport {
	return &KafkaTransport{
		Brokers: SplitBrokers(brokerList),
		Dialer: &kafka.Dialer{
			Timeout:   10 * time.Second,
			DualStack: true,
		},
		WriteTimeout: 10 * time.Second,
	}
}

// SplitBrokers parses a comma-separated broker list, dropping blanks.
func SplitBrokers(list string) []string {
	var out []string
	for _, b := range strings.Split(list, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

func (k *KafkaTransport) dialer() *kafka.Dialer {
	if k.Dialer != nil {
		return k.Dialer
	}
	return kafka.DefaultDialer
}

// dial connects to the first reachable bootstrap broker.
func (k *KafkaTransport) dial(ctx context.Context) (*kafka.Conn, error) {
	if len(k.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	var lastErr error
	for _, addr := range k.Brokers {
		conn, err := k.dialer().DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("kafka: dial %s: %w", strings.Join(k.Brokers, ","), lastErr)
}

// ListTopics returns the sorted, de-duplicated topic names known to the
// cluster.
func (k *KafkaTransport) ListTopics(ctx context.Context) ([]string, error) {
	conn, err := k.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	applyDeadline(ctx, conn)
	parts, err := conn.ReadPartitions()
	if err != nil {
		return nil, fmt.Errorf("kafka: read partitions: %w", err)
	}
	seen := make(map[string]struct{}, len(parts))
	topics := make([]string, 0, len(parts))
	for _, p := range parts {
		if _, ok := seen[p.Topic]; ok {
			continue
		}
		seen[p.Topic] = struct{}{}
		topics = append(topics, p.Topic)
	}
	sort.Strings(topics)
	return topics, nil
}

// CreateTopic sends a create request to the controller. A topic that already
// exists counts as success.
func (k *KafkaTransport) CreateTopic(ctx context.Context, spec TopicSpec) error {
	conn, err := k.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	applyDeadline(ctx, conn)
	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("kafka: find controller: %w", err)
	}
	addr := net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port))
	ctrl, err := k.dialer().DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("kafka: dial controller %s: %w", addr, err)
	}
	defer ctrl.Close()

	applyDeadline(ctx, ctrl)
	err = ctrl.CreateTopics(kafka.TopicConfig{
		Topic:             spec.Name,
		NumPartitions:     spec.Partitions,
		ReplicationFactor: spec.ReplicationFactor,
	})
	if err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("kafka: create topic %q: %w", spec.Name, err)
	}
	return nil
}

// adminTimeout bounds admin round trips when ctx carries no deadline.
const adminTimeout = 10 * time.Second

// applyDeadline bounds every read and write on conn by ctx's deadline, or by
// adminTimeout from now.
func applyDeadline(ctx context.Context, conn *kafka.Conn) {
	dl, ok := ctx.Deadline()
	if !ok {
		dl = time.Now().Add(adminTimeout)
	}
	_ = conn.SetDeadline(dl)
}

// OpenProducer returns a synchronous writer that waits for all in-sync
// replicas to acknowledge each message.
func (k *KafkaTransport) OpenProducer(topic string) (Producer, error) {
	if len(k.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	if topic == "" {
		return nil, errors.New("kafka: empty topic")
	}
	timeout := k.WriteTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(k.Brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		WriteTimeout:           timeout,
		BatchSize:              1,
		AllowAutoTopicCreation: false,
	}
	return &kafkaProducer{w: w}, nil
}

type kafkaProducer struct {
	w *kafka.Writer
}

func (p *kafkaProducer) Send(ctx context.Context, key, value []byte) error {
	return classifyKafka(p.w.WriteMessages(ctx, kafka.Message{Key: key, Value: value}))
}

func (p *kafkaProducer) Close() error { return p.w.Close() }

// classifyKafka marks errors returned by the broker itself with ErrRejected.
// Network and context failures pass through unchanged.
func classifyKafka(err error) error {
	if err == nil {
		return nil
	}
	var we kafka.WriteErrors
	if errors.As(err, &we) {
		for _, e := range we {
			if e != nil {
				err = e
				break
			}
		}
	}
	var kerr kafka.Error
	if errors.As(err, &kerr) {
		return fmt.Errorf("%w: %v", ErrRejected, kerr)
	}
	return err
}
