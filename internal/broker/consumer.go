package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/richardliu001/warehouse-outbox/internal/config"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads one topic as part of a consumer group and hands every
// message to a Handler. Offsets are committed only after the handler
// succeeds.
type Consumer struct {
	reader     messageReader
	handler    Handler
	name       string
	topic      string
	maxRetries int
	errorDelay time.Duration
	sleep      sleepFunc
	log        *zap.SugaredLogger
}

// NewConsumer joins the pipeline's consumer group. With CommitAsync offsets
// are flushed in the background every second; with CommitSync every commit
// waits for the broker.
func NewConsumer(cfg config.PipelineConfig, handler Handler, logger *zap.SugaredLogger) (*Consumer, error) {
	if handler == nil {
		return nil, fmt.Errorf("%w: pipeline %q has no handler", ErrClientCreation, cfg.Name)
	}
	rc := kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.GroupID,
		Topic:          cfg.Topic,
		StartOffset:    kafka.FirstOffset,
		SessionTimeout: 6 * time.Second,
		MaxWait:        500 * time.Millisecond,
	}
	if cfg.CommitMode != config.CommitSync {
		rc.CommitInterval = time.Second
	}
	if err := rc.Validate(); err != nil {
		return nil, fmt.Errorf("%w: pipeline %q: %v", ErrClientCreation, cfg.Name, err)
	}
	return newConsumer(kafka.NewReader(rc), handler, cfg, logger), nil
}

func newConsumer(r messageReader, handler Handler, cfg config.PipelineConfig, logger *zap.SugaredLogger) *Consumer {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &Consumer{
		reader:     r,
		handler:    handler,
		name:       cfg.Name,
		topic:      cfg.Topic,
		maxRetries: maxRetries,
		errorDelay: receiveErrorDelay,
		sleep:      sleepContext,
		log:        logger,
	}
}

// Start consumes until ctx is cancelled. Transport and handler errors are
// logged and never stop the loop.
//
// A message whose handler exhausts its retries is skipped without a commit.
// Kafka offsets are per-partition watermarks, so a later successful commit on
// the same partition also covers the skipped message: it is redelivered after
// a restart only if nothing after it was committed.
func (c *Consumer) Start(ctx context.Context) error {
	c.log.Infof("consumer %s started topic=%s", c.name, c.topic)
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Errorf("receive from %s: %v", c.topic, err)
			if c.sleep(ctx, c.errorDelay) != nil {
				return nil
			}
			continue
		}

		if err := c.processWithRetry(ctx, msg.Key, msg.Value); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Errorf("skip %s partition=%d offset=%d: %v", c.topic, msg.Partition, msg.Offset, err)
			if c.sleep(ctx, c.errorDelay) != nil {
				return nil
			}
			continue
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.log.Errorf("commit %s partition=%d offset=%d: %v", c.topic, msg.Partition, msg.Offset, err)
		}
	}
}

func (c *Consumer) processWithRetry(ctx context.Context, key, payload []byte) error {
	var err error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		if err = c.handler.Handle(ctx, key, payload); err == nil {
			return nil
		}
		c.log.Warnf("handler attempt %d/%d failed: %v", attempt, c.maxRetries, err)
		if attempt == c.maxRetries {
			break
		}
		if serr := c.sleep(ctx, ConsumerDelay(attempt)); serr != nil {
			return serr
		}
	}
	return fmt.Errorf("%w: max retries (%d) exceeded: %v", ErrMessageDelivery, c.maxRetries, err)
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
