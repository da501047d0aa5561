package broker

import (
	"context"
	"time"
)

const (
	producerRetryBase = time.Second
	consumerRetryBase = 100 * time.Millisecond
	// receiveErrorDelay is the pause after a transport error or an exhausted message.
	receiveErrorDelay = time.Second
)

// ProducerDelay is the wait after the n-th failed publish (1-based): 2^n seconds.
func ProducerDelay(n int) time.Duration {
	return producerRetryBase << uint(n)
}

// ConsumerDelay is the wait after the n-th failed handler call (1-based): 100ms * 2^(n-1).
func ConsumerDelay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	return consumerRetryBase << uint(n-1)
}

type sleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
