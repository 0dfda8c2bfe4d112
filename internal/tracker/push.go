package tracker

import (
	"context"
	"time"

	"github.com/specialistvlad/promptgrid/internal/job"
	"github.com/specialistvlad/promptgrid/internal/remote"
	"github.com/specialistvlad/promptgrid/internal/retry"
)

type bufferedEvent struct {
	remote.Event
	at time.Time
}

// connect dials the push channel once. On failure it hands over to the
// background reconnection loop. The caller has set t.state to pushDialing.
func (t *Tracker) connect(ctx context.Context) {
	conn, err := t.remote.DialPush(ctx)
	if err != nil {
		t.logger.Warn("Push channel unavailable, relying on queue polling.", "error", err)
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.closed {
			return
		}
		t.markDegraded(true)
		t.state = pushReconnecting
		t.group.Go(func() error { return t.reconnectLoop(t.ctx) })
		return
	}
	t.install(conn)
}

// install makes conn the active push channel and starts its reader.
func (t *Tracker) install(conn remote.PushStream) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		_ = conn.Close()
		return
	}
	t.conn = conn
	t.state = pushUp
	t.markDegraded(false)
	t.metrics.SetPushConnected(true)
	t.group.Go(func() error { return t.readLoop(t.ctx, conn) })
	t.logger.Info("Push channel connected.")
}

// markDegraded flags in-flight jobs. Callers hold t.mu.
func (t *Tracker) markDegraded(degraded bool) {
	if n := t.store.SetPushDegraded(context.Background(), degraded); n > 0 {
		t.logger.Debug("Updated push liveness of in-flight jobs.", "degraded", degraded, "jobs", n)
	}
}

// readLoop dispatches frames until the connection drops.
func (t *Tracker) readLoop(ctx context.Context, conn remote.PushStream) error {
	for {
		ev, err := conn.ReadEvent()
		if err != nil {
			t.dropped(conn, err)
			return nil
		}
		t.handle(ctx, ev)
	}
}

// dropped reacts to a lost push connection.
func (t *Tracker) dropped(conn remote.PushStream, cause error) {
	_ = conn.Close()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.conn != conn {
		return
	}
	t.conn = nil
	t.state = pushReconnecting
	t.pullFails = 0
	t.metrics.SetPushConnected(false)
	t.markDegraded(true)
	t.logger.Warn("Push channel dropped, reconnecting.", "error", cause)
	t.group.Go(func() error { return t.reconnectLoop(t.ctx) })
}

// reconnectLoop redials with the reconnect policy. When attempts run out the
// channel stays down until the next Open.
func (t *Tracker) reconnectLoop(ctx context.Context) error {
	var conn remote.PushStream
	err := t.cfg.Reconnect.Do(ctx, func(ctx context.Context) error {
		c, err := t.remote.DialPush(ctx)
		if err != nil {
			t.metrics.Reconnect("failed")
			return err
		}
		t.metrics.Reconnect("ok")
		conn = c
		return nil
	},
		retry.WithClock(t.clock),
		retry.WithNotify(func(err error, attempt int, delay time.Duration) {
			t.logger.Debug("Push reconnect attempt failed.", "attempt", attempt, "retry_in", delay, "error", err)
		}),
	)
	if err != nil {
		if ctx.Err() == nil {
			t.logger.Error("Giving up on push channel until the next submission.", "error", err)
		}
		t.mu.Lock()
		if !t.closed {
			t.state = pushDown
		}
		t.mu.Unlock()
		return nil
	}
	t.install(conn)
	return nil
}

// handle routes one frame. Frames for prompts not yet registered are
// buffered for replay.
func (t *Tracker) handle(ctx context.Context, ev remote.Event) {
	switch {
	case ev.Binary:
		return
	case ev.Malformed:
		t.logger.Debug("Ignoring malformed push frame.", "payload", string(ev.Data))
		return
	case ev.PromptID == "":
		return
	}

	t.replayMu.Lock()
	defer t.replayMu.Unlock()
	if _, ok := t.store.Get(ctx, ev.PromptID); !ok {
		t.buffer(ev)
		return
	}
	t.apply(ctx, ev)
}

// apply moves the job named by ev according to the frame's type.
func (t *Tracker) apply(ctx context.Context, ev remote.Event) {
	switch ev.Type {
	case remote.EventExecutionStart, remote.EventExecutionCached, remote.EventProgress:
		t.observe(ctx, ev.PromptID, job.StateRunning)
	case remote.EventExecuting:
		if ev.Done() {
			t.resolve(ctx, ev.PromptID, job.StateSucceeded, job.SourcePush, nil)
			return
		}
		t.observe(ctx, ev.PromptID, job.StateRunning)
	case remote.EventExecuted, remote.EventExecutionSuccess:
		t.resolve(ctx, ev.PromptID, job.StateSucceeded, job.SourcePush, nil)
	case remote.EventExecutionError, remote.EventExecutionInterrupted:
		t.resolve(ctx, ev.PromptID, job.StateFailed, job.SourcePush, ev.ExecutionError())
	default:
		t.logger.Debug("Ignoring push frame.", "type", ev.Type, "remote_id", ev.PromptID)
	}
}

func (t *Tracker) observe(ctx context.Context, remoteID string, state job.State) {
	if t.store.Observe(ctx, remoteID, state) {
		t.logger.Debug("Job state changed.", "remote_id", remoteID, "state", state.String())
	}
}

// buffer keeps ev for a later Track. Callers hold t.replayMu.
func (t *Tracker) buffer(ev remote.Event) {
	if t.cfg.ReplayLimit == 0 {
		return
	}
	now := t.clock.Now()
	t.pruneReplay(now)
	if len(t.replay) >= t.cfg.ReplayLimit {
		t.replay = t.replay[1:]
	}
	t.replay = append(t.replay, bufferedEvent{Event: ev, at: now})
}

// takeReplay removes and returns the buffered frames for remoteID, oldest
// first. Callers hold t.replayMu.
func (t *Tracker) takeReplay(remoteID string) []remote.Event {
	t.pruneReplay(t.clock.Now())
	var out []remote.Event
	kept := t.replay[:0]
	for _, b := range t.replay {
		if b.PromptID == remoteID {
			out = append(out, b.Event)
			continue
		}
		kept = append(kept, b)
	}
	t.replay = kept
	return out
}

func (t *Tracker) pruneReplay(now time.Time) {
	if t.cfg.ReplayTTL <= 0 {
		return
	}
	i := 0
	for i < len(t.replay) && now.Sub(t.replay[i].at) > t.cfg.ReplayTTL {
		i++
	}
	t.replay = t.replay[i:]
}
