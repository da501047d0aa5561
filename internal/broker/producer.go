package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/richardliu001/warehouse-outbox/internal/config"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes key/payload pairs to one topic with all-replica acks.
// It is safe for concurrent use.
type Producer struct {
	writer   messageWriter
	topic    string
	timeout  time.Duration
	attempts int
	sleep    sleepFunc
	log      *zap.SugaredLogger
}

// NewProducer builds a kafka writer for the pipeline's topic.
func NewProducer(cfg config.PipelineConfig, logger *zap.SugaredLogger) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("%w: pipeline %q has no brokers", ErrClientCreation, cfg.Name)
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("%w: pipeline %q has no topic", ErrClientCreation, cfg.Name)
	}
	w := &kafka.Writer{
		Addr:            kafka.TCP(cfg.Brokers...),
		Topic:           cfg.Topic,
		Balancer:        &kafka.Hash{},
		RequiredAcks:    kafka.RequireAll,
		Compression:     kafka.Snappy,
		MaxAttempts:     3,
		WriteBackoffMin: 500 * time.Millisecond,
		BatchSize:       100,
		BatchBytes:      1 << 20,
		BatchTimeout:    5 * time.Millisecond,
		WriteTimeout:    cfg.Timeout(),
	}
	return newProducer(w, cfg, logger), nil
}

func newProducer(w messageWriter, cfg config.PipelineConfig, logger *zap.SugaredLogger) *Producer {
	attempts := cfg.SendAttempts
	if attempts <= 0 {
		attempts = 3
	}
	return &Producer{
		writer:   w,
		topic:    cfg.Topic,
		timeout:  cfg.Timeout(),
		attempts: attempts,
		sleep:    sleepContext,
		log:      logger,
	}
}

// Send publishes once and waits for the broker ack or the configured timeout.
func (p *Producer) Send(ctx context.Context, key, payload []byte) error {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	msg := kafka.Message{Key: key, Value: payload, Time: time.Now()}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("%w: topic %s: %v", ErrMessageSend, p.topic, err)
	}
	return nil
}

// SendWithRetry calls Send up to the configured number of attempts, waiting
// ProducerDelay(n) after the n-th failure. It returns the last error.
func (p *Producer) SendWithRetry(ctx context.Context, key, payload []byte) error {
	var err error
	for attempt := 1; attempt <= p.attempts; attempt++ {
		if err = p.Send(ctx, key, payload); err == nil {
			return nil
		}
		p.log.Warnf("send attempt %d/%d key=%s failed: %v", attempt, p.attempts, key, err)
		if attempt == p.attempts {
			break
		}
		if serr := p.sleep(ctx, ProducerDelay(attempt)); serr != nil {
			return err
		}
	}
	return err
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
