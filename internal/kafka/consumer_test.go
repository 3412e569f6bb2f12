package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeReader serves queued messages, then blocks until ctx ends.
type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	fetchErrs []error
	committed []kafka.Message
	closed    bool
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	if len(f.fetchErrs) > 0 {
		err := f.fetchErrs[0]
		f.fetchErrs = f.fetchErrs[1:]
		f.mu.Unlock()
		return kafka.Message{}, err
	}
	if len(f.queue) > 0 {
		msg := f.queue[0]
		f.queue = f.queue[1:]
		f.mu.Unlock()
		return msg, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (f *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = append(f.committed, msgs...)
	return nil
}

func (f *fakeReader) Close() error {
	f.closed = true
	return nil
}

func (f *fakeReader) commits() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []int64{}
	for _, m := range f.committed {
		out = append(out, m.Offset)
	}
	return out
}

func newTestConsumer(r MessageReader, h Handler) *Consumer {
	c := NewConsumer(r, h)
	c.minBackoff = time.Millisecond
	c.maxBackoff = 4 * time.Millisecond
	return c
}

func runUntil(t *testing.T, c *Consumer, done func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()

	require.Eventually(t, done, 2*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-errCh)
}

func TestConsumerCommitsInOrder(t *testing.T) {
	reader := &fakeReader{queue: []kafka.Message{{Offset: 1}, {Offset: 2}, {Offset: 3}}}
	var seen []int64
	c := newTestConsumer(reader, HandlerFunc(func(_ context.Context, msg kafka.Message) error {
		seen = append(seen, msg.Offset)
		return nil
	}))

	runUntil(t, c, func() bool { return len(reader.commits()) == 3 })
	assert.Equal(t, []int64{1, 2, 3}, seen)
	assert.Equal(t, []int64{1, 2, 3}, reader.commits())
	assert.Equal(t, uint64(3), c.Stats().Committed)
}

func TestConsumerRetriesTransientFailure(t *testing.T) {
	reader := &fakeReader{queue: []kafka.Message{{Offset: 7}, {Offset: 8}}}
	var mu sync.Mutex
	attempts := map[int64]int{}
	c := newTestConsumer(reader, HandlerFunc(func(_ context.Context, msg kafka.Message) error {
		mu.Lock()
		defer mu.Unlock()
		attempts[msg.Offset]++
		if msg.Offset == 7 && attempts[7] < 3 {
			return errors.New("store unavailable")
		}
		return nil
	}))

	runUntil(t, c, func() bool { return len(reader.commits()) == 2 })
	assert.Equal(t, []int64{7, 8}, reader.commits())
	mu.Lock()
	assert.Equal(t, 3, attempts[7])
	mu.Unlock()
	assert.Equal(t, uint64(2), c.Stats().Retries)
}

func TestConsumerSurvivesFetchErrors(t *testing.T) {
	reader := &fakeReader{
		fetchErrs: []error{errors.New("broker down"), errors.New("broker down")},
		queue:     []kafka.Message{{Offset: 1}},
	}
	c := newTestConsumer(reader, HandlerFunc(func(context.Context, kafka.Message) error { return nil }))

	runUntil(t, c, func() bool { return len(reader.commits()) == 1 })
}

func TestConsumerSkipsPanickingMessage(t *testing.T) {
	reader := &fakeReader{queue: []kafka.Message{{Offset: 1}, {Offset: 2}}}
	c := newTestConsumer(reader, HandlerFunc(func(_ context.Context, msg kafka.Message) error {
		if msg.Offset == 1 {
			panic("bad rule")
		}
		return nil
	}))

	runUntil(t, c, func() bool { return len(reader.commits()) == 2 })
	assert.Equal(t, uint64(1), c.Stats().Panics)
}

func TestConsumerLeavesMessageUncommittedOnShutdown(t *testing.T) {
	reader := &fakeReader{queue: []kafka.Message{{Offset: 1}}}
	calls := make(chan struct{}, 100)
	c := newTestConsumer(reader, HandlerFunc(func(context.Context, kafka.Message) error {
		calls <- struct{}{}
		return errors.New("still down")
	}))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()
	<-calls
	cancel()

	require.NoError(t, <-errCh)
	assert.Empty(t, reader.commits())
}

func TestNextBackoffCaps(t *testing.T) {
	assert.Equal(t, 2*time.Second, nextBackoff(time.Second, 30*time.Second))
	assert.Equal(t, 30*time.Second, nextBackoff(20*time.Second, 30*time.Second))
}
