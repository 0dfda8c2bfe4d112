package tracker

import (
	"context"

	"github.com/specialistvlad/promptgrid/internal/job"
)

func (t *Tracker) pollLoop(ctx context.Context) error {
	ticker := t.clock.Ticker(t.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.pollOnce(ctx)
		}
	}
}

func (t *Tracker) sweepLoop(ctx context.Context) error {
	ticker := t.clock.Ticker(t.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.sweepOnce(ctx)
		}
	}
}

// pollOnce reads the queue once and reconciles every in-flight job with it.
// A job that was seen pending or running and is now absent from both lists
// has finished. A job never seen in the queue is only resolved when its
// history record says how it ended.
func (t *Tracker) pollOnce(ctx context.Context) {
	jobs := t.store.InFlight(ctx)
	if len(jobs) == 0 {
		return
	}

	snap, err := t.remote.Queue(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		t.metrics.PullCycle("failed")
		t.pullFailed(ctx, err)
		return
	}
	t.metrics.PullCycle("ok")
	t.mu.Lock()
	t.pullFails = 0
	t.mu.Unlock()

	for _, j := range jobs {
		switch {
		case snap.IsRunning(j.RemoteID):
			t.observe(ctx, j.RemoteID, job.StateRunning)
		case snap.IsPending(j.RemoteID):
			t.observe(ctx, j.RemoteID, job.StateQueued)
		case j.Observed:
			t.absentAfterPresence(ctx, j)
		default:
			t.probeHistory(ctx, j)
		}
	}
}

// absentAfterPresence resolves a job that left the queue. The history record
// only refines the verdict when it explicitly reports an error.
func (t *Tracker) absentAfterPresence(ctx context.Context, j job.Job) {
	rec, ok, err := t.remote.History(ctx, j.RemoteID)
	if err != nil {
		t.logger.Debug("History lookup failed, trusting queue absence.", "remote_id", j.RemoteID, "error", err)
	}
	if err == nil && ok && rec.Errored() {
		t.resolve(ctx, j.RemoteID, job.StateFailed, job.SourceHistory, rec.ExecutionError())
		return
	}
	t.resolve(ctx, j.RemoteID, job.StateSucceeded, job.SourcePull, nil)
}

// probeHistory looks for a record of a job that finished before any poll saw
// it. Without one the job keeps waiting and eventually times out.
func (t *Tracker) probeHistory(ctx context.Context, j job.Job) {
	rec, ok, err := t.remote.History(ctx, j.RemoteID)
	if err != nil || !ok {
		return
	}
	switch {
	case rec.Errored():
		t.resolve(ctx, j.RemoteID, job.StateFailed, job.SourceHistory, rec.ExecutionError())
	case rec.Succeeded():
		t.resolve(ctx, j.RemoteID, job.StateSucceeded, job.SourceHistory, nil)
	}
}

// pullFailed counts a failed poll and declares total loss once polling and
// the push channel are both gone. Only failures while push is down count.
func (t *Tracker) pullFailed(ctx context.Context, err error) {
	t.mu.Lock()
	pushUp := t.state == pushUp
	if pushUp {
		t.pullFails = 0
	} else {
		t.pullFails++
	}
	fails := t.pullFails
	t.mu.Unlock()

	t.logger.Warn("Queue poll failed.", "consecutive_failures", fails, "push_connected", pushUp, "error", err)
	if fails < t.cfg.MaxPullFailures || pushUp {
		return
	}
	for _, j := range t.store.InFlight(ctx) {
		t.resolve(ctx, j.RemoteID, job.StateLostConnection, job.SourceMonitor, nil)
	}
}

// sweepOnce times out every in-flight job past its deadline.
func (t *Tracker) sweepOnce(ctx context.Context) {
	now := t.clock.Now()
	for _, j := range t.store.InFlight(ctx) {
		if j.Overdue(now) {
			t.resolve(ctx, j.RemoteID, job.StateTimedOut, job.SourceDeadline, nil)
		}
	}
}
