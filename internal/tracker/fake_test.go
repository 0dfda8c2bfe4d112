package tracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/specialistvlad/promptgrid/internal/inmemoryjobs"
	"github.com/specialistvlad/promptgrid/internal/job"
	"github.com/specialistvlad/promptgrid/internal/remote"
	"github.com/specialistvlad/promptgrid/internal/retry"
	"github.com/specialistvlad/promptgrid/internal/testutil"
	"github.com/stretchr/testify/require"
)

var errConnectionRefused = errors.New("connection refused")

// fakeRemote is a scriptable stand-in for the execution server.
type fakeRemote struct {
	mu           sync.Mutex
	running      []string
	pending      []string
	queueErr     error
	queueCalls   int
	history      map[string]*remote.HistoryRecord
	historyCalls int
	dialErrs     []error // consumed one per dial; the last one sticks
	dials        int
	streams      []*fakeStream
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{history: map[string]*remote.HistoryRecord{}}
}

func (f *fakeRemote) setQueue(running, pending []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running, f.pending = running, pending
}

func (f *fakeRemote) setQueueErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queueErr = err
}

func (f *fakeRemote) setHistory(id string, rec *remote.HistoryRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history[id] = rec
}

func (f *fakeRemote) setDialErrs(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dialErrs = errs
}

func (f *fakeRemote) queueCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queueCalls
}

func (f *fakeRemote) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

// stream returns the most recently dialled stream.
func (f *fakeRemote) stream(t *testing.T) *fakeStream {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.streams, "no push stream was dialled")
	return f.streams[len(f.streams)-1]
}

func (f *fakeRemote) Queue(context.Context) (remote.QueueSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queueCalls++
	if f.queueErr != nil {
		return remote.QueueSnapshot{}, f.queueErr
	}
	snap := remote.QueueSnapshot{Pending: map[string]struct{}{}, Running: map[string]struct{}{}}
	for _, id := range f.running {
		snap.Running[id] = struct{}{}
	}
	for _, id := range f.pending {
		snap.Pending[id] = struct{}{}
	}
	return snap, nil
}

func (f *fakeRemote) History(_ context.Context, id string) (*remote.HistoryRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.historyCalls++
	rec, ok := f.history[id]
	return rec, ok, nil
}

func (f *fakeRemote) DialPush(context.Context) (remote.PushStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	if len(f.dialErrs) > 0 {
		err := f.dialErrs[0]
		if len(f.dialErrs) > 1 {
			f.dialErrs = f.dialErrs[1:]
		}
		if err != nil {
			return nil, err
		}
	}
	s := &fakeStream{events: make(chan remote.Event, 64), closed: make(chan struct{})}
	f.streams = append(f.streams, s)
	return s, nil
}

type fakeStream struct {
	events chan remote.Event
	closed chan struct{}
	once   sync.Once
}

func (s *fakeStream) ReadEvent() (remote.Event, error) {
	select {
	case ev := <-s.events:
		return ev, nil
	case <-s.closed:
		return remote.Event{}, io.EOF
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// emit queues a JSON frame as the server would send it.
func (s *fakeStream) emit(eventType, promptID string, extra ...string) {
	data := fmt.Sprintf(`{"prompt_id": %q`, promptID)
	for i := 0; i+1 < len(extra); i += 2 {
		data += fmt.Sprintf(`, %q: %s`, extra[i], extra[i+1])
	}
	data += "}"
	s.events <- remote.ParseEvent([]byte(fmt.Sprintf(`{"type": %q, "data": %s}`, eventType, data)))
}

func (s *fakeStream) drop() {
	_ = s.Close()
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Reconnect = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2, Ceiling: 5 * time.Millisecond}
	return cfg
}

type harness struct {
	t       *testing.T
	tracker *Tracker
	remote  *fakeRemote
	clock   *clock.Mock
	logs    *testutil.SafeBuffer
}

// newHarness builds a tracker over a fake remote. With useMock the tracker
// runs on a mock clock; otherwise on the real one.
func newHarness(t *testing.T, useMock bool, cfg Config) *harness {
	t.Helper()
	logger, logs := testutil.NewLogger(t)
	h := &harness{t: t, remote: newFakeRemote(), logs: logs}

	opts := []Option{WithLogger(logger)}
	if useMock {
		h.clock = clock.NewMock()
		h.clock.Set(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
		opts = append(opts, WithClock(h.clock))
	}
	tr, err := New(h.remote, inmemoryjobs.New(), cfg, opts...)
	require.NoError(t, err)
	h.tracker = tr
	t.Cleanup(func() { require.NoError(t, tr.Close()) })
	return h
}

func (h *harness) now() time.Time {
	if h.clock != nil {
		return h.clock.Now()
	}
	return time.Now()
}

// track registers a job with the given timeout.
func (h *harness) track(remoteID string, timeout time.Duration) {
	h.t.Helper()
	require.NoError(h.t, h.tracker.Track(context.Background(), job.New("local-"+remoteID, remoteID, h.now(), timeout)))
}

func (h *harness) job(remoteID string) job.Job {
	h.t.Helper()
	j, ok := h.tracker.Job(context.Background(), remoteID)
	require.True(h.t, ok, "job %s is not tracked", remoteID)
	return j
}

func (h *harness) waitReport(remoteID string) job.Report {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err := h.tracker.Wait(ctx, remoteID)
	require.NoError(h.t, err)
	return r
}
