package inmemoryjobs

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/specialistvlad/promptgrid/internal/job"
	"github.com/specialistvlad/promptgrid/internal/jobstore"
	"github.com/specialistvlad/promptgrid/internal/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func addJob(t *testing.T, s *Store, remoteID string) {
	t.Helper()
	require.NoError(t, s.Add(context.Background(), job.New("local-"+remoteID, remoteID, t0, time.Minute)))
}

func TestAddAndGet(t *testing.T) {
	s := New()
	ctx := context.Background()
	addJob(t, s, "abc")

	j, ok := s.Get(ctx, "abc")
	require.True(t, ok)
	assert.Equal(t, job.StateSubmitted, j.State)
	assert.Equal(t, "local-abc", j.LocalID)

	err := s.Add(ctx, job.New("other", "abc", t0, time.Minute))
	require.ErrorIs(t, err, jobstore.ErrDuplicate)

	_, ok = s.Get(ctx, "missing")
	assert.False(t, ok)
}

func TestGetReturnsCopy(t *testing.T) {
	s := New()
	addJob(t, s, "abc")

	j, _ := s.Get(context.Background(), "abc")
	j.State = job.StateFailed

	again, _ := s.Get(context.Background(), "abc")
	assert.Equal(t, job.StateSubmitted, again.State)
}

func TestObserve(t *testing.T) {
	s := New()
	ctx := context.Background()
	addJob(t, s, "abc")

	assert.True(t, s.Observe(ctx, "abc", job.StateQueued))
	assert.False(t, s.Observe(ctx, "abc", job.StateQueued), "same state is not a change")
	assert.True(t, s.Observe(ctx, "abc", job.StateRunning))
	assert.False(t, s.Observe(ctx, "abc", job.StateQueued), "running does not go back to queued")
	assert.False(t, s.Observe(ctx, "abc", job.StateSucceeded), "terminal states need Resolve")
	assert.False(t, s.Observe(ctx, "nope", job.StateRunning))

	j, _ := s.Get(ctx, "abc")
	assert.Equal(t, job.StateRunning, j.State)
	assert.True(t, j.Observed)
}

func TestResolveOnce(t *testing.T) {
	s := New()
	ctx := context.Background()
	addJob(t, s, "abc")

	done, err := s.Done(ctx, "abc")
	require.NoError(t, err)

	failure := &remote.ExecutionError{Message: "boom"}
	require.True(t, s.Resolve(ctx, "abc", jobstore.Resolution{State: job.StateFailed, Source: job.SourcePush, Failure: failure, At: t0}))
	require.False(t, s.Resolve(ctx, "abc", jobstore.Resolution{State: job.StateSucceeded, Source: job.SourcePull, At: t0}))
	require.False(t, s.Observe(ctx, "abc", job.StateRunning))

	select {
	case <-done:
	default:
		t.Fatal("done channel not closed")
	}

	j, _ := s.Get(ctx, "abc")
	assert.Equal(t, job.StateFailed, j.State)
	assert.Equal(t, job.SourcePush, j.Source)
	assert.Same(t, failure, j.Failure)
	assert.Empty(t, s.InFlight(ctx))
}

func TestResolveIgnoresNonTerminalAndUnknown(t *testing.T) {
	s := New()
	ctx := context.Background()
	addJob(t, s, "abc")

	assert.False(t, s.Resolve(ctx, "abc", jobstore.Resolution{State: job.StateRunning}))
	assert.False(t, s.Resolve(ctx, "gone", jobstore.Resolution{State: job.StateSucceeded}))
}

func TestConcurrentResolveHasSingleWinner(t *testing.T) {
	s := New()
	ctx := context.Background()
	addJob(t, s, "abc")

	states := []job.State{job.StateSucceeded, job.StateFailed, job.StateTimedOut, job.StateLostConnection}
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if s.Resolve(ctx, "abc", jobstore.Resolution{State: states[i%len(states)], At: t0}) {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	j, _ := s.Get(ctx, "abc")
	assert.True(t, j.State.Terminal())
}

func TestSetPushDegraded(t *testing.T) {
	s := New()
	ctx := context.Background()
	addJob(t, s, "a")
	addJob(t, s, "b")
	s.Resolve(ctx, "b", jobstore.Resolution{State: job.StateSucceeded})

	assert.Equal(t, 1, s.SetPushDegraded(ctx, true))
	assert.Equal(t, 0, s.SetPushDegraded(ctx, true))

	a, _ := s.Get(ctx, "a")
	b, _ := s.Get(ctx, "b")
	assert.True(t, a.PushDegraded)
	assert.False(t, b.PushDegraded)

	assert.Equal(t, 1, s.SetPushDegraded(ctx, false))
}

func TestInFlightOrderAndRemove(t *testing.T) {
	s := New()
	ctx := context.Background()
	for i := 3; i >= 1; i-- {
		require.NoError(t, s.Add(ctx, job.New("l", fmt.Sprintf("j%d", i), t0.Add(time.Duration(i)*time.Second), time.Minute)))
	}

	var ids []string
	for _, j := range s.InFlight(ctx) {
		ids = append(ids, j.RemoteID)
	}
	assert.Equal(t, []string{"j1", "j2", "j3"}, ids)

	assert.True(t, s.Remove(ctx, "j2"))
	assert.False(t, s.Remove(ctx, "j2"))
	assert.Equal(t, 2, s.Len(ctx))

	_, err := s.Done(ctx, "j2")
	assert.ErrorIs(t, err, jobstore.ErrNotFound)
	assert.False(t, s.Resolve(ctx, "j2", jobstore.Resolution{State: job.StateSucceeded}), "removed jobs ignore late signals")
}
