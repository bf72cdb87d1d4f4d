package mq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

const (
	headerID        = "x-message-id"
	headerTimestamp = "x-message-ts"
)

// KafkaConfig defines configuration for the Kafka implementation.
type KafkaConfig struct {
	Brokers       []string      `yaml:"brokers"`
	ClientID      string        `yaml:"clientID"`
	ConsumerGroup string        `yaml:"consumerGroup"`
	MinBytes      int           `yaml:"minBytes"`
	MaxBytes      int           `yaml:"maxBytes"`
	MaxWait       time.Duration `yaml:"maxWait"`
	BatchTimeout  time.Duration `yaml:"batchTimeout"`
	DialTimeout   time.Duration `yaml:"dialTimeout"`
	ReadTimeout   time.Duration `yaml:"readTimeout"`
	WriteTimeout  time.Duration `yaml:"writeTimeout"`
	RequiredAcks  int           `yaml:"requiredAcks"`
}

type subscription struct {
	topic   string
	handler HandlerFunc
	reader  *kafka.Reader
	cancel  context.CancelFunc
}

// KafkaQueue implements MessageQueue using segmentio/kafka-go.
type KafkaQueue struct {
	cfg    KafkaConfig
	writer *kafka.Writer

	mu      sync.Mutex
	subs    []*subscription
	started bool
	wg      sync.WaitGroup
}

// NewKafkaQueue creates a Kafka-backed message queue.
func NewKafkaQueue(cfg KafkaConfig) (*KafkaQueue, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	if cfg.MinBytes <= 0 {
		cfg.MinBytes = 1
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 10 << 20
	}
	if cfg.MaxWait == 0 {
		cfg.MaxWait = 500 * time.Millisecond
	}
	if cfg.BatchTimeout == 0 {
		cfg.BatchTimeout = 50 * time.Millisecond
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: cfg.BatchTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		WriteTimeout: cfg.WriteTimeout,
	}

	return &KafkaQueue{cfg: cfg, writer: writer}, nil
}

func (q *KafkaQueue) Publish(ctx context.Context, topic string, message *Message) error {
	if topic == "" {
		return fmt.Errorf("topic is required")
	}
	if message == nil {
		return fmt.Errorf("message is required")
	}
	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now()
	}

	headers := []kafka.Header{
		{Key: headerID, Value: []byte(message.ID)},
		{Key: headerTimestamp, Value: []byte(message.Timestamp.UTC().Format(time.RFC3339Nano))},
	}
	for k, v := range message.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	return q.writer.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     []byte(message.ID),
		Value:   message.Body,
		Headers: headers,
	})
}

func (q *KafkaQueue) Subscribe(ctx context.Context, topic string, handler HandlerFunc) error {
	if topic == "" {
		return fmt.Errorf("topic is required")
	}
	if handler == nil {
		return fmt.Errorf("handler is required")
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return fmt.Errorf("cannot subscribe after Start")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  q.cfg.Brokers,
		GroupID:  q.cfg.ConsumerGroup,
		Topic:    topic,
		MinBytes: q.cfg.MinBytes,
		MaxBytes: q.cfg.MaxBytes,
		MaxWait:  q.cfg.MaxWait,
	})

	q.subs = append(q.subs, &subscription{
		topic:   topic,
		handler: handler,
		reader:  reader,
	})
	return nil
}

func (q *KafkaQueue) Start() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return fmt.Errorf("already started")
	}
	q.started = true

	for _, sub := range q.subs {
		q.wg.Add(1)
		go q.consumeLoop(sub)
	}
	return nil
}

func (q *KafkaQueue) consumeLoop(sub *subscription) {
	defer q.wg.Done()
	ctx, cancel := context.WithCancel(context.Background())
	sub.cancel = cancel

	for {
		msg, err := sub.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			continue
		}

		message := &Message{
			Body:      msg.Value,
			Headers:   make(map[string]string, len(msg.Headers)),
			Timestamp: msg.Time,
		}
		for _, h := range msg.Headers {
			switch h.Key {
			case headerID:
				message.ID = string(h.Value)
			case headerTimestamp:
				// timestamp already taken from the kafka record
			default:
				message.Headers[h.Key] = string(h.Value)
			}
		}

		if err := sub.handler(ctx, message); err == nil {
			_ = sub.reader.CommitMessages(ctx, msg)
		}
	}
}

func (q *KafkaQueue) Stop() error {
	q.mu.Lock()
	subs := q.subs
	q.started = false
	q.mu.Unlock()

	for _, sub := range subs {
		if sub.cancel != nil {
			sub.cancel()
		}
		_ = sub.reader.Close()
	}
	q.wg.Wait()
	return nil
}

func (q *KafkaQueue) Ping(ctx context.Context) error {
	dialer := &kafka.Dialer{Timeout: q.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", q.cfg.Brokers[0])
	if err != nil {
		return err
	}
	return conn.Close()
}

func (q *KafkaQueue) Close() error {
	_ = q.Stop()
	return q.writer.Close()
}
