package ingress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/hato/router"
)

func TestLimiterHardCeiling(t *testing.T) {
	l := NewLimiter(2, 1)

	release1, err := l.Begin()
	require.NoError(t, err)
	release2, err := l.Begin()
	require.NoError(t, err)

	_, err = l.Begin()
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	assert.Equal(t, int64(2), l.InFlight())

	release1()
	release3, err := l.Begin()
	require.NoError(t, err)

	release2()
	release3()
	assert.Equal(t, int64(0), l.InFlight())
}

func TestLimiterReleaseIsIdempotent(t *testing.T) {
	l := NewLimiter(1, 1)

	release, err := l.Begin()
	require.NoError(t, err)
	release()
	release()
	assert.Equal(t, int64(0), l.InFlight())

	// The freed slot must be admittable again.
	release, err = l.Begin()
	require.NoError(t, err)
	release()
}

func TestLimiterSoftSlots(t *testing.T) {
	l := NewLimiter(10, 1)
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx))

	blockedCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := l.Acquire(blockedCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	l.Release()
	require.NoError(t, l.Acquire(ctx))
	l.Release()
}

func TestLimiterWaitDrains(t *testing.T) {
	l := NewLimiter(4, 4)

	var mu sync.Mutex
	var finished int
	for i := 0; i < 4; i++ {
		release, err := l.Begin()
		require.NoError(t, err)
		go func() {
			time.Sleep(10 * time.Millisecond)
			mu.Lock()
			finished++
			mu.Unlock()
			release()
		}()
	}

	l.Wait()
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 4, finished, "Wait must not return before all releases")
}

type countingProcessor struct {
	mu        sync.Mutex
	envelopes []*router.Envelope
	err       error
}

func (p *countingProcessor) Process(ctx context.Context, env *router.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envelopes = append(p.envelopes, env)
	return p.err
}

type allowAll struct{}

func (allowAll) IsAllowed(string) bool { return true }

func TestProcessDeliversToEveryRecipient(t *testing.T) {
	processor := &countingProcessor{}
	b := &Backend{
		appCtx:    context.Background(),
		procCtx:   context.Background(),
		admission: allowAll{},
		processor: processor,
		limiter:   NewLimiter(4, 2),
	}

	release, err := b.limiter.Begin()
	require.NoError(t, err)
	b.process(release, "sender@remote.net", []string{"a@example.com", "b@example.com"}, []byte("raw"))

	b.limiter.Wait()
	processor.mu.Lock()
	defer processor.mu.Unlock()
	require.Len(t, processor.envelopes, 2)
	assert.Equal(t, "a@example.com", processor.envelopes[0].Recipient)
	assert.Equal(t, "b@example.com", processor.envelopes[1].Recipient)
}

func TestProcessReleasesSlotOnFailure(t *testing.T) {
	processor := &countingProcessor{err: errors.New("routing failed")}
	b := &Backend{
		appCtx:    context.Background(),
		procCtx:   context.Background(),
		admission: allowAll{},
		processor: processor,
		limiter:   NewLimiter(1, 1),
	}

	release, err := b.limiter.Begin()
	require.NoError(t, err)
	b.process(release, "sender@remote.net", []string{"a@example.com"}, []byte("raw"))

	assert.Equal(t, int64(0), b.limiter.InFlight(), "failed processing must still free the slot")
}
