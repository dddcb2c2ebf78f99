package queue

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func setupQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis, *testClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clock := newTestClock()
	q := NewRedisQueue(rdb,
		WithPrefix("test"),
		WithVisibilityTimeout(time.Minute),
		WithLogger(quietLogger()),
		WithClock(clock.Now),
	)
	return q, mr, clock
}

func newJob(id, jobType string, p Priority) *Message {
	msg := NewMessage(jobType, `{"n":1}`, p, 3)
	msg.JobID = id
	return msg
}

func TestDequeue_EmptyReturnsNil(t *testing.T) {
	q, _, _ := setupQueue(t)

	msg, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestDequeue_HighestPriorityFirst(t *testing.T) {
	q, _, clock := setupQueue(t)
	ctx := context.Background()

	for i, p := range []Priority{PriorityLow, PriorityCritical, PriorityNormal, PriorityHigh} {
		require.NoError(t, q.Enqueue(ctx, newJob(p.String(), "email", p)))
		clock.Advance(time.Duration(i+1) * time.Millisecond)
	}

	var got []string
	for i := 0; i < 4; i++ {
		msg, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, msg)
		got = append(got, msg.JobID)
	}
	assert.Equal(t, []string{"critical", "high", "normal", "low"}, got)
}

func TestDequeue_SamePriorityInEntryOrder(t *testing.T) {
	q, _, clock := setupQueue(t)
	ctx := context.Background()

	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, q.Enqueue(ctx, newJob(id, "email", PriorityNormal)))
		clock.Advance(time.Millisecond)
	}

	for _, want := range []string{"c", "a", "b"} {
		msg, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, msg)
		assert.Equal(t, want, msg.JobID)
	}
}

func TestRequeue_DelayedUntilPromoted(t *testing.T) {
	q, _, clock := setupQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, newJob("1", "email", PriorityNormal)))
	require.NoError(t, q.Enqueue(ctx, newJob("2", "email", PriorityCritical)))

	msg, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "2", msg.JobID)

	msg.RetryCount = 1
	require.NoError(t, q.Requeue(ctx, msg, 10*time.Second))

	// Only job 1 is eligible right now.
	next, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "1", next.JobID)

	none, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)

	promoted, err := q.PromoteDue(ctx, clock.Now().Add(5*time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, promoted)

	clock.Advance(10 * time.Second)
	promoted, err = q.PromoteDue(ctx, clock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, promoted, 1)

	again, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, "2", again.JobID)
	assert.Equal(t, 1, again.RetryCount)
	assert.Equal(t, 3, again.MaxRetries)
}

func TestRequeue_NoDelayGoesStraightToMain(t *testing.T) {
	q, _, _ := setupQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, newJob("1", "email", PriorityNormal)))
	msg, err := q.Dequeue(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Requeue(ctx, msg, 0))

	st, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Main: 1}, st)
}

func TestRequeue_RefusesJobAlreadyWaiting(t *testing.T) {
	q, _, _ := setupQueue(t)
	ctx := context.Background()

	msg := newJob("1", "email", PriorityNormal)
	require.NoError(t, q.Enqueue(ctx, msg))

	err := q.Requeue(ctx, msg, time.Second)
	assert.ErrorIs(t, err, ErrDuplicateJob)
}

func TestEnqueue_DuplicateJobID(t *testing.T) {
	q, _, _ := setupQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, newJob("dup", "email", PriorityNormal)))
	err := q.Enqueue(ctx, newJob("dup", "email", PriorityHigh))
	assert.ErrorIs(t, err, ErrDuplicateJob)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestEnqueue_RejectsInvalidPriority(t *testing.T) {
	q, _, _ := setupQueue(t)

	err := q.Enqueue(context.Background(), newJob("x", "email", Priority(9)))
	assert.ErrorIs(t, err, ErrInvalidPriority)
}

func TestDequeue_ConcurrentClaimsAreUnique(t *testing.T) {
	q, _, _ := setupQueue(t)
	ctx := context.Background()

	const n = 50
	for i := 0; i < n; i++ {
		require.NoError(t, q.Enqueue(ctx, NewMessage("email", "", PriorityNormal, 3)))
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				msg, err := q.Dequeue(ctx)
				if err != nil || msg == nil {
					return
				}
				mu.Lock()
				seen[msg.JobID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
	for id, c := range seen {
		assert.Equal(t, 1, c, "job %s claimed more than once", id)
	}
}

func TestAcknowledge_RemovesClaim(t *testing.T) {
	q, mr, _ := setupQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, newJob("1", "email", PriorityNormal)))
	msg, err := q.Dequeue(ctx)
	require.NoError(t, err)

	st, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.InFlight)

	require.NoError(t, q.Acknowledge(ctx, msg))

	st, err = q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, st)
	assert.False(t, mr.Exists("test:jobs"))
}

func TestReclaimExpired_ReturnsStalledClaims(t *testing.T) {
	q, _, clock := setupQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, newJob("1", "email", PriorityNormal)))
	_, err := q.Dequeue(ctx)
	require.NoError(t, err)

	reclaimed, err := q.ReclaimExpired(ctx, clock.Now().Add(30*time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, reclaimed)

	clock.Advance(2 * time.Minute)
	reclaimed, err = q.ReclaimExpired(ctx, clock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, 0, reclaimed[0].RetryCount)

	msg, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "1", msg.JobID)
}

func TestDequeue_SkipsUndecodableBody(t *testing.T) {
	q, mr, clock := setupQueue(t)
	ctx := context.Background()

	mr.HSet("test:jobs", "bad", "{not json")
	_, err := mr.ZAdd("test:main", 1, "bad")
	require.NoError(t, err)
	clock.Advance(time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, newJob("good", "email", PriorityLow)))

	msg, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "good", msg.JobID)

	st, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{InFlight: 1, DeadLetter: 1}, st)

	none, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestDequeue_SkipsEntryWithoutBody(t *testing.T) {
	q, mr, _ := setupQueue(t)
	ctx := context.Background()

	_, err := mr.ZAdd("test:main", 1, "ghost")
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, newJob("real", "email", PriorityLow)))

	msg, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "real", msg.JobID)

	st, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{InFlight: 1}, st)
}

func TestSchedule_SetsScheduledAt(t *testing.T) {
	q, _, clock := setupQueue(t)
	ctx := context.Background()

	at := clock.Now().Add(time.Hour)
	msg := newJob("later", "report", PriorityLow)
	require.NoError(t, q.Schedule(ctx, msg, at))
	require.NotNil(t, msg.ScheduledAt)
	assert.True(t, msg.ScheduledAt.Equal(at))

	st, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Delayed)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestPromoteDue_RespectsLimit(t *testing.T) {
	q, _, clock := setupQueue(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Schedule(ctx, NewMessage("report", "", PriorityNormal, 3), clock.Now()))
	}

	promoted, err := q.PromoteDue(ctx, clock.Now(), 3)
	require.NoError(t, err)
	assert.Len(t, promoted, 3)

	st, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.Main)
	assert.Equal(t, int64(2), st.Delayed)
}
