package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/richardliu001/warehouse-outbox/internal/config"
	"github.com/richardliu001/warehouse-outbox/internal/logger"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testLogger(t *testing.T) *zap.SugaredLogger {
	t.Helper()
	log, err := logger.NewLogger("error")
	require.NoError(t, err)
	return log
}

// recordSleep captures requested delays without waiting.
type recordSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordSleep) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *recordSleep) got() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func TestBackoffSchedules(t *testing.T) {
	assert.Equal(t, 2*time.Second, ProducerDelay(1))
	assert.Equal(t, 4*time.Second, ProducerDelay(2))
	assert.Equal(t, 8*time.Second, ProducerDelay(3))

	assert.Equal(t, 100*time.Millisecond, ConsumerDelay(1))
	assert.Equal(t, 200*time.Millisecond, ConsumerDelay(2))
	assert.Equal(t, 400*time.Millisecond, ConsumerDelay(3))
	assert.Equal(t, 800*time.Millisecond, ConsumerDelay(4))
}

// --- producer ---

type fakeWriter struct {
	mu       sync.Mutex
	failures int
	calls    int
	written  []kafka.Message
	deadline bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	_, w.deadline = ctx.Deadline()
	if w.failures < 0 || w.calls <= w.failures {
		return errors.New("leader not available")
	}
	w.written = append(w.written, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func newTestProducer(t *testing.T, w *fakeWriter, attempts int) (*Producer, *recordSleep) {
	cfg := config.InboundPipeline()
	cfg.SendAttempts = attempts
	p := newProducer(w, cfg, testLogger(t))
	rs := &recordSleep{}
	p.sleep = rs.sleep
	return p, rs
}

func TestProducer_Send(t *testing.T) {
	w := &fakeWriter{}
	p, _ := newTestProducer(t, w, 3)

	require.NoError(t, p.Send(context.Background(), []byte("42"), []byte("p1")))
	require.Len(t, w.written, 1)
	assert.Equal(t, "42", string(w.written[0].Key))
	assert.Equal(t, "p1", string(w.written[0].Value))
	assert.True(t, w.deadline, "send must be bounded by the pipeline timeout")
}

func TestProducer_SendWithRetry_RecoversAfterFailures(t *testing.T) {
	w := &fakeWriter{failures: 2}
	p, rs := newTestProducer(t, w, 3)

	require.NoError(t, p.SendWithRetry(context.Background(), []byte("1"), []byte("x")))
	assert.Equal(t, 3, w.calls)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, rs.got())
}

func TestProducer_SendWithRetry_Exhausted(t *testing.T) {
	w := &fakeWriter{failures: -1}
	p, rs := newTestProducer(t, w, 3)

	err := p.SendWithRetry(context.Background(), []byte("1"), []byte("x"))
	assert.ErrorIs(t, err, ErrMessageSend)
	assert.Equal(t, 3, w.calls)
	// no wait after the final attempt
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, rs.got())
}

func TestProducer_SendWithRetry_StopsOnCancel(t *testing.T) {
	w := &fakeWriter{failures: -1}
	p, _ := newTestProducer(t, w, 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.SendWithRetry(ctx, []byte("1"), []byte("x"))
	assert.ErrorIs(t, err, ErrMessageSend)
	assert.Equal(t, 1, w.calls)
}

func TestNewProducer_InvalidConfig(t *testing.T) {
	cfg := config.InboundPipeline()
	cfg.Brokers = nil
	_, err := NewProducer(cfg, testLogger(t))
	assert.ErrorIs(t, err, ErrClientCreation)

	cfg = config.InboundPipeline()
	cfg.Topic = ""
	_, err = NewProducer(cfg, testLogger(t))
	assert.ErrorIs(t, err, ErrClientCreation)

	p, err := NewProducer(config.InboundPipeline(), testLogger(t))
	require.NoError(t, err)
	assert.NoError(t, p.Close())
}

// --- consumer ---

type fetchResult struct {
	msg kafka.Message
	err error
}

type fakeReader struct {
	mu      sync.Mutex
	queue   []fetchResult
	commits []kafka.Message
	drained chan struct{}
	once    sync.Once
}

func newFakeReader(results ...fetchResult) *fakeReader {
	return &fakeReader{queue: results, drained: make(chan struct{})}
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.queue) > 0 {
		next := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return next.msg, next.err
	}
	r.mu.Unlock()
	r.once.Do(func() { close(r.drained) })
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commits = append(r.commits, msgs...)
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) committedOffsets() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int64, 0, len(r.commits))
	for _, m := range r.commits {
		out = append(out, m.Offset)
	}
	return out
}

// flakyHandler fails the first failures[key] calls for each key.
type flakyHandler struct {
	mu       sync.Mutex
	failures map[string]int
	calls    map[string]int
}

func newFlakyHandler(failures map[string]int) *flakyHandler {
	return &flakyHandler{failures: failures, calls: map[string]int{}}
}

func (h *flakyHandler) Handle(_ context.Context, key, _ []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	k := string(key)
	h.calls[k]++
	if h.calls[k] <= h.failures[k] {
		return errors.New("downstream unavailable")
	}
	return nil
}

func runConsumer(t *testing.T, r *fakeReader, h Handler, maxRetries int) *recordSleep {
	t.Helper()
	cfg := config.FulfillmentPipeline()
	cfg.MaxRetries = maxRetries
	c := newConsumer(r, h, cfg, testLogger(t))
	rs := &recordSleep{}
	c.sleep = rs.sleep

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	select {
	case <-r.drained:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not drain the reader")
	}
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop after cancel")
	}
	return rs
}

func msg(key string, offset int64) fetchResult {
	return fetchResult{msg: kafka.Message{Key: []byte(key), Value: []byte("v"), Offset: offset}}
}

func TestConsumer_CommitAfterSuccess(t *testing.T) {
	r := newFakeReader(msg("a", 0))
	h := newFlakyHandler(map[string]int{"a": 2})

	rs := runConsumer(t, r, h, 5)

	assert.Equal(t, 3, h.calls["a"])
	assert.Equal(t, []int64{0}, r.committedOffsets())
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, rs.got())
}

func TestConsumer_ExhaustedRetriesSkipsWithoutCommit(t *testing.T) {
	r := newFakeReader(msg("a", 0))
	h := newFlakyHandler(map[string]int{"a": 100})

	rs := runConsumer(t, r, h, 3)

	assert.Equal(t, 3, h.calls["a"])
	assert.Empty(t, r.committedOffsets())
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond, 200 * time.Millisecond, receiveErrorDelay,
	}, rs.got())
}

func TestConsumer_SkippedMessageFollowedByCommit(t *testing.T) {
	r := newFakeReader(msg("bad", 0), msg("good", 1))
	h := newFlakyHandler(map[string]int{"bad": 100})

	runConsumer(t, r, h, 2)

	// only the later offset is committed; as a watermark it also covers offset 0
	assert.Equal(t, []int64{1}, r.committedOffsets())
	assert.Equal(t, 2, h.calls["bad"])
	assert.Equal(t, 1, h.calls["good"])
}

func TestConsumer_TransportErrorDoesNotStopLoop(t *testing.T) {
	r := newFakeReader(
		fetchResult{err: errors.New("broker connection reset")},
		msg("a", 5),
	)
	h := newFlakyHandler(nil)

	rs := runConsumer(t, r, h, 3)

	assert.Equal(t, []int64{5}, r.committedOffsets())
	assert.Equal(t, []time.Duration{receiveErrorDelay}, rs.got())
}

func TestNewConsumer_InvalidConfig(t *testing.T) {
	log := testLogger(t)
	_, err := NewConsumer(config.InboundPipeline(), nil, log)
	assert.ErrorIs(t, err, ErrClientCreation)

	cfg := config.InboundPipeline()
	cfg.Brokers = nil
	_, err = NewConsumer(cfg, NewLogHandler("inbound", log), log)
	assert.ErrorIs(t, err, ErrClientCreation)
}

func TestHandlerFunc(t *testing.T) {
	var got string
	h := HandlerFunc(func(_ context.Context, key, payload []byte) error {
		got = string(key) + ":" + string(payload)
		return nil
	})
	require.NoError(t, h.Handle(context.Background(), []byte("k"), []byte("v")))
	assert.Equal(t, "k:v", got)
	assert.NoError(t, NewLogHandler("inbound", testLogger(t)).Handle(context.Background(), []byte("k"), []byte("v")))
}
