package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerSubmitNarrowestEndWins(t *testing.T) {
	sched := newCompactionScheduler(func(ctx context.Context, ns string, start, end Bound) error {
		return nil
	}, zerolog.Nop())
	defer sched.close()

	sched.submit("ns", LowerBound([]byte("a")), UpperBound([]byte("z")))
	sched.submit("ns", LowerBound([]byte("a")), UpperBound([]byte("m")))

	sched.mu.Lock()
	list := sched.hints["ns"]
	sched.mu.Unlock()
	require.Len(t, list, 1)
	assert.Equal(t, []byte("m"), list[0].end.Key)
}

func TestSchedulerCoalesceFusesTouchingHints(t *testing.T) {
	sched := newCompactionScheduler(func(ctx context.Context, ns string, start, end Bound) error {
		return nil
	}, zerolog.Nop())
	defer sched.close()

	sched.mu.Lock()
	sched.hints["ns"] = []*hintEntry{
		{start: LowerBound([]byte("a")), end: UpperBound([]byte("m"))},
		{start: LowerBound([]byte("m")), end: UpperBound([]byte("z"))},
	}
	sched.mu.Unlock()

	fused := sched.coalesce("ns")
	require.NotNil(t, fused)
	assert.Equal(t, []byte("a"), fused.start.Key)
	assert.Equal(t, []byte("z"), fused.end.Key)

	sched.mu.Lock()
	remaining := len(sched.hints["ns"])
	sched.mu.Unlock()
	assert.Equal(t, 0, remaining)
}

func TestSchedulerCoalesceLeavesNonTouchingHintsSeparate(t *testing.T) {
	sched := newCompactionScheduler(func(ctx context.Context, ns string, start, end Bound) error {
		return nil
	}, zerolog.Nop())
	defer sched.close()

	sched.mu.Lock()
	sched.hints["ns"] = []*hintEntry{
		{start: LowerBound([]byte("a")), end: UpperBound([]byte("b"))},
		{start: LowerBound([]byte("m")), end: UpperBound([]byte("z"))},
	}
	sched.mu.Unlock()

	fused := sched.coalesce("ns")
	require.NotNil(t, fused)
	assert.Equal(t, []byte("a"), fused.start.Key)
	assert.Equal(t, []byte("b"), fused.end.Key)

	sched.mu.Lock()
	remaining := sched.hints["ns"]
	sched.mu.Unlock()
	require.Len(t, remaining, 1)
	assert.Equal(t, []byte("m"), remaining[0].start.Key)
}

func TestSchedulerDispatchesAndRunsWork(t *testing.T) {
	var mu sync.Mutex
	var calls []string

	sched := newCompactionScheduler(func(ctx context.Context, ns string, start, end Bound) error {
		mu.Lock()
		calls = append(calls, ns)
		mu.Unlock()
		return nil
	}, zerolog.Nop())
	defer sched.close()

	sched.submit("orders", LowerBound([]byte("a")), UpperBound([]byte("z")))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 1
	}, time.Second, 10*time.Millisecond)

	stats := sched.snapshotStats()
	assert.Equal(t, int64(1), stats.CompactionCount)
}

func TestSchedulerSubmitManualBypassesQueue(t *testing.T) {
	called := false
	sched := newCompactionScheduler(func(ctx context.Context, ns string, start, end Bound) error {
		called = true
		return nil
	}, zerolog.Nop())
	defer sched.close()

	err := sched.submitManual(context.Background(), "orders", LowerBound([]byte("a")), UpperBound([]byte("z")))
	require.NoError(t, err)
	assert.True(t, called)
}
