package events

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"rag-tutor/internal/models"
)

func next(t *testing.T, s *Subscription) models.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	e, err := s.Next(ctx)
	require.NoError(t, err)
	return e
}

func TestBusDeliversInOrderToAllSubscribers(t *testing.T) {
	b := NewBus()
	s1 := b.Subscribe()
	s2 := b.Subscribe()
	defer s1.Unsubscribe()
	defer s2.Unsubscribe()

	b.Emit(models.PhaseSession, models.EventInfo, "new session")
	b.Emit(models.PhaseIngestion, models.EventInfo, "ingesting")
	b.Emit(models.PhaseChunking, models.EventSuccess, "chunked")

	for _, s := range []*Subscription{s1, s2} {
		assert.Equal(t, models.PhaseSession, next(t, s).Phase)
		assert.Equal(t, models.PhaseIngestion, next(t, s).Phase)
		assert.Equal(t, models.PhaseChunking, next(t, s).Phase)
	}
}

func TestBusStampsDefaults(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	b := NewBus(WithClock(func() time.Time { return fixed }))
	s := b.Subscribe()
	defer s.Unsubscribe()

	b.Emit(models.PhaseEmbedding, models.EventInfo, "embedding", WithProgress(1.7), WithSession("s1"))
	e := next(t, s)

	assert.Equal(t, fixed, e.Timestamp)
	assert.Equal(t, "progress", e.Animation)
	assert.Equal(t, "s1", e.SessionID)
	require.NotNil(t, e.Progress)
	assert.Equal(t, 1.0, *e.Progress)
	assert.Equal(t, "Converting text chunks to vector embeddings", e.Explanation)
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	b := NewBus(WithQueueSize(3))
	slow := b.Subscribe()
	fast := b.Subscribe(WithSubscriberQueue(100))
	defer slow.Unsubscribe()
	defer fast.Unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Emit(models.PhaseSystem, models.EventInfo, fmt.Sprint(i))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	assert.EqualValues(t, 7, slow.Dropped())
	assert.Equal(t, "7", next(t, slow).Message)
	assert.Equal(t, "8", next(t, slow).Message)
	assert.Equal(t, "9", next(t, slow).Message)

	assert.Zero(t, fast.Dropped())
	assert.Equal(t, 10, fast.Len())
}

func TestUnsubscribe(t *testing.T) {
	b := NewBus()
	s := b.Subscribe()
	assert.Equal(t, 1, b.Subscribers())

	s.Unsubscribe()
	s.Unsubscribe()
	assert.Equal(t, 0, b.Subscribers())

	b.Emit(models.PhaseSystem, models.EventInfo, "after")
	_, err := s.Next(context.Background())
	assert.ErrorIs(t, err, ErrUnsubscribed)
}

func TestNextHonoursContext(t *testing.T) {
	b := NewBus()
	s := b.Subscribe()
	defer s.Unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNextWakesOnPublish(t *testing.T) {
	b := NewBus()
	s := b.Subscribe()
	defer s.Unsubscribe()

	got := make(chan models.Event, 1)
	go func() {
		e, err := s.Next(context.Background())
		if err == nil {
			got <- e
		}
	}()

	time.Sleep(10 * time.Millisecond)
	b.Emit(models.PhaseRetrieval, models.EventInfo, "searching")

	select {
	case e := <-got:
		assert.Equal(t, "searching", e.Message)
	case <-time.After(time.Second):
		t.Fatal("subscriber was not woken")
	}
}

func TestBacklogReplay(t *testing.T) {
	b := NewBus(WithBacklog(2))
	b.Emit(models.PhaseSystem, models.EventInfo, "one")
	b.Emit(models.PhaseSystem, models.EventInfo, "two")
	b.Emit(models.PhaseSystem, models.EventInfo, "three")

	late := b.Subscribe(WithReplay())
	defer late.Unsubscribe()
	assert.Equal(t, "two", next(t, late).Message)
	assert.Equal(t, "three", next(t, late).Message)

	plain := b.Subscribe()
	defer plain.Unsubscribe()
	assert.Equal(t, 0, plain.Len())
}

func TestConcurrentPublishersKeepPerSubscriberOrderConsistent(t *testing.T) {
	b := NewBus(WithQueueSize(1000))
	s1 := b.Subscribe()
	s2 := b.Subscribe()
	defer s1.Unsubscribe()
	defer s2.Unsubscribe()

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				b.Emit(models.PhaseSystem, models.EventInfo, fmt.Sprintf("%d-%d", p, i))
			}
		}(p)
	}
	wg.Wait()

	for i := 0; i < 200; i++ {
		assert.Equal(t, next(t, s1).Message, next(t, s2).Message)
	}
}

func TestExplain(t *testing.T) {
	detail := Explain(models.PhaseEmbedding, LevelDetail, map[string]string{"model_name": "hash-384", "dimension": "384"})
	assert.Contains(t, detail, "(hash-384)")
	assert.Contains(t, detail, "384-dimensional")

	assert.Empty(t, Explain(models.PhaseSystem, LevelBrief, nil))
	assert.Equal(t, "Process complete", Explain(models.PhaseComplete, LevelBrief, nil))

	assert.Equal(t, "none", DefaultAnimation(models.PhaseSession))
	assert.Equal(t, "typing", DefaultAnimation(models.PhaseGeneration))
}

func TestEmitExplanationOverride(t *testing.T) {
	b := NewBus()
	s := b.Subscribe()
	defer s.Unsubscribe()

	b.Emit(models.PhaseChunking, models.EventInfo, "x", WithExplanation(""))
	assert.Empty(t, next(t, s).Explanation)
}

func TestRunLogSink(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	b := NewBus()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunLogSink(ctx, b, zap.New(core))
		close(done)
	}()

	require.Eventually(t, func() bool { return b.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	b.Emit(models.PhaseError, models.EventError, "extraction failed", WithSession("s9"))

	require.Eventually(t, func() bool { return logs.Len() == 1 }, time.Second, 5*time.Millisecond)
	entry := logs.All()[0]
	assert.Equal(t, "extraction failed", entry.Message)
	assert.Equal(t, zap.ErrorLevel, entry.Level)
	assert.Equal(t, "s9", entry.ContextMap()["session_id"])

	cancel()
	<-done
	assert.Equal(t, 0, b.Subscribers())
}

func TestBusClose(t *testing.T) {
	b := NewBus()
	s := b.Subscribe()

	b.Close()
	<-s.Done()
	assert.Equal(t, 0, b.Subscribers())

	b.Emit(models.PhaseSystem, models.EventInfo, "after close")
	late := b.Subscribe()
	_, err := late.Next(context.Background())
	assert.ErrorIs(t, err, ErrUnsubscribed)
	late.Close()
}
