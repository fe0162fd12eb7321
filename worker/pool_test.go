package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahwlsqja/pbft-ledger/metrics"
)

func TestPoolRunsAndCounts(t *testing.T) {
	p := New("test", 4, nil, metrics.NewMetrics("test", nil))

	var sum atomic.Int64
	for i := 1; i <= 100; i++ {
		i := i
		require.NoError(t, p.Submit(context.Background(), func() error {
			sum.Add(int64(i))
			return nil
		}))
	}
	require.NoError(t, p.Submit(context.Background(), func() error { return errors.New("boom") }))
	require.NoError(t, p.Submit(context.Background(), func() error { panic("handler bug") }))
	p.Wait()

	assert.Equal(t, int64(5050), sum.Load())
	stats := p.Stats()
	assert.Equal(t, int64(100), stats.Completed)
	assert.Equal(t, int64(2), stats.Failed, "errors and panics are both failures")
	assert.Equal(t, int64(0), stats.Active)
}

func TestPoolBackpressure(t *testing.T) {
	p := New("bp", 2, nil, nil)
	release := make(chan struct{})

	var running atomic.Int64
	var peak atomic.Int64
	block := func() error {
		n := running.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return nil
	}

	require.NoError(t, p.Submit(context.Background(), block))
	require.NoError(t, p.Submit(context.Background(), block))

	// 풀이 가득 찼으므로 세 번째 제출은 ctx 만료까지 대기
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := p.Submit(ctx, block)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	p.Wait()
	assert.Equal(t, int64(2), peak.Load())
}

func TestPoolClose(t *testing.T) {
	p := New("closing", 1, nil, nil)
	require.NoError(t, p.Submit(context.Background(), func() error { return nil }))
	p.Close()
	assert.ErrorIs(t, p.Submit(context.Background(), func() error { return nil }), ErrPoolClosed)
}
