package artifacts

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/specialistvlad/promptgrid/internal/job"
	"github.com/specialistvlad/promptgrid/internal/remote"
	"github.com/specialistvlad/promptgrid/internal/retry"
	"github.com/specialistvlad/promptgrid/internal/telemetry"
	"github.com/specialistvlad/promptgrid/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const record = `{
	"outputs": {
		"9":  {"images": [
			{"filename": "ComfyUI_00001_.png", "subfolder": "", "type": "output"},
			{"filename": "ComfyUI_00002_.png", "subfolder": "", "type": "output"}
		]},
		"12": {"text": ["a castle at dusk"]},
		"4":  {"gifs": [{"filename": "anim.webp", "subfolder": "video", "type": "output"}]}
	},
	"status": {"status_str": "success", "completed": true, "messages": []}
}`

func succeeded(id string) job.Report {
	return job.Report{RemoteID: id, State: job.StateSucceeded, Reason: job.ReasonCompleted}
}

func newRetriever(t *testing.T, fs *testutil.FakeServer, opts ...Option) *Retriever {
	t.Helper()
	client, err := remote.New(fs.Addr(), "client-1")
	require.NoError(t, err)
	logger, _ := testutil.NewLogger(t)
	base := []Option{
		WithLogger(logger),
		WithGrace(retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2, Ceiling: 4 * time.Millisecond}),
	}
	r, err := New(client, append(base, opts...)...)
	require.NoError(t, err)
	return r
}

func TestRetrieve_CollectsOutputsInServerOrder(t *testing.T) {
	fs := testutil.NewFakeServer(t)
	fs.SetHistory("abc", json.RawMessage(record))
	fs.SetFile("ComfyUI_00001_.png", []byte("png-1"))
	fs.SetFile("ComfyUI_00002_.png", []byte("png-2"))
	fs.SetFile("anim.webp", []byte("webp"))
	metrics := telemetry.New()

	set, err := newRetriever(t, fs, WithMetrics(metrics)).Retrieve(context.Background(), succeeded("abc"))
	require.NoError(t, err)

	assert.Equal(t, "abc", set.PromptID)
	assert.Equal(t, []string{"9", "4"}, set.Order)
	assert.Equal(t, 3, set.Len())

	type summary struct{ Node, Kind, File, Data string }
	var got []summary
	for _, a := range set.All() {
		got = append(got, summary{a.Node, a.Kind, a.Ref.Filename, string(a.Data)})
	}
	want := []summary{
		{"9", "images", "ComfyUI_00001_.png", "png-1"},
		{"9", "images", "ComfyUI_00002_.png", "png-2"},
		{"4", "gifs", "anim.webp", "webp"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("artifacts mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, map[string][]string{"12": {"a castle at dusk"}}, set.Texts)
	assert.Equal(t, "video", set.Outputs["4"][0].Ref.Subfolder)
	assert.Equal(t, 3, fs.Hits("/view"))
}

func TestRetrieve_RejectsUnsuccessfulJobs(t *testing.T) {
	fs := testutil.NewFakeServer(t)
	r := newRetriever(t, fs)

	for _, state := range []job.State{job.StateFailed, job.StateTimedOut, job.StateLostConnection} {
		_, err := r.Retrieve(context.Background(), job.Report{RemoteID: "x", State: state})
		assert.ErrorIs(t, err, ErrNotSucceeded, state.String())
	}
	assert.Zero(t, fs.Hits("/history"))
}

func TestRetrieve_MissingRecordAfterGrace(t *testing.T) {
	fs := testutil.NewFakeServer(t)

	_, err := newRetriever(t, fs).Retrieve(context.Background(), succeeded("gone"))

	var notFound *HistoryNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "gone", notFound.PromptID)
	assert.Equal(t, 3, fs.Hits("/history"))
}

func TestRetrieve_MissingRecordRightAfterResolution(t *testing.T) {
	cases := []struct {
		name      string
		resolved  time.Duration // how long ago the job resolved
		retryable bool
	}{
		{"just resolved", time.Second, true},
		{"resolved long ago", 10 * time.Minute, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fs := testutil.NewFakeServer(t)
			report := succeeded("late")
			report.Source = job.SourcePush
			report.ResolvedAt = time.Now().Add(-tc.resolved)

			_, err := newRetriever(t, fs, WithRecordLag(time.Minute)).Retrieve(context.Background(), report)

			if tc.retryable {
				var unavailable *ArtifactsUnavailableError
				require.ErrorAs(t, err, &unavailable)
				assert.True(t, unavailable.Retryable())
				assert.Equal(t, "history record not written yet", unavailable.Reason)
				return
			}
			var notFound *HistoryNotFoundError
			require.ErrorAs(t, err, &notFound)
		})
	}
}

func TestNew_RejectsNegativeRecordLag(t *testing.T) {
	_, err := New(nil, WithRecordLag(-time.Second))
	require.Error(t, err)
}

func TestRetrieve_RecordAppearsDuringGrace(t *testing.T) {
	fs := testutil.NewFakeServer(t)
	fs.SetFile("ComfyUI_00001_.png", []byte("png-1"))
	fs.SetFile("ComfyUI_00002_.png", []byte("png-2"))
	fs.SetFile("anim.webp", []byte("webp"))

	calls := 0
	r := newRetriever(t, fs, WithGrace(retry.Policy{MaxAttempts: 5, BaseDelay: 5 * time.Millisecond, Multiplier: 1, Ceiling: 5 * time.Millisecond}))
	r.remote = &lagging{Remote: r.remote, before: func() {
		calls++
		if calls == 2 {
			fs.SetHistory("late", json.RawMessage(record))
		}
	}}

	set, err := r.Retrieve(context.Background(), succeeded("late"))
	require.NoError(t, err)
	assert.Equal(t, 3, set.Len())
	assert.Equal(t, 2, fs.Hits("/history"))
}

// lagging runs a hook before each history read.
type lagging struct {
	Remote
	before func()
}

func (l *lagging) History(ctx context.Context, id string) (*remote.HistoryRecord, bool, error) {
	l.before()
	return l.Remote.History(ctx, id)
}

func TestRetrieve_RecordWithoutOutputsIsRetryable(t *testing.T) {
	fs := testutil.NewFakeServer(t)
	fs.SetHistory("empty", json.RawMessage(`{"outputs": {}, "status": {"status_str": "success", "completed": true}}`))

	_, err := newRetriever(t, fs).Retrieve(context.Background(), succeeded("empty"))

	var unavailable *ArtifactsUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.True(t, unavailable.Retryable())
	assert.Contains(t, err.Error(), "no outputs")
}

func TestRetrieve_DownloadFailureIsRetryable(t *testing.T) {
	fs := testutil.NewFakeServer(t)
	fs.SetHistory("abc", json.RawMessage(record))
	fs.SetFile("ComfyUI_00001_.png", []byte("png-1"))

	_, err := newRetriever(t, fs).Retrieve(context.Background(), succeeded("abc"))

	var unavailable *ArtifactsUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.True(t, remote.IsNotFound(errors.Unwrap(unavailable)))
	assert.Contains(t, err.Error(), "ComfyUI_00002_.png")
}

func TestSet_Save(t *testing.T) {
	set := &Set{PromptID: "abc", Outputs: map[string][]Artifact{}, Texts: map[string][]string{}}
	set.add("9", Artifact{Node: "9", Kind: "images", Ref: remote.FileRef{Filename: "a.png"}, Data: []byte("A")})
	set.add("9", Artifact{Node: "9", Kind: "images", Ref: remote.FileRef{Filename: "b.png"}, Data: []byte("B")})
	set.add("4", Artifact{Node: "4", Kind: "gifs", Ref: remote.FileRef{Filename: "../escape.webp"}, Data: []byte("C")})

	dir := filepath.Join(t.TempDir(), "out")
	paths, err := set.Save(dir)
	require.NoError(t, err)

	want := []string{
		filepath.Join(dir, "9_0_a.png"),
		filepath.Join(dir, "9_1_b.png"),
		filepath.Join(dir, "4_0_escape.webp"),
	}
	assert.Equal(t, want, paths)
	data, err := os.ReadFile(want[2])
	require.NoError(t, err)
	assert.Equal(t, "C", string(data))
}

func TestSet_SaveKeepsNodeIDsInsideDir(t *testing.T) {
	set := &Set{PromptID: "abc", Outputs: map[string][]Artifact{}, Texts: map[string][]string{}}
	set.add("../../evil", Artifact{Ref: remote.FileRef{Filename: "a.png"}, Data: []byte("A")})
	set.add("sub/9", Artifact{Ref: remote.FileRef{Filename: "b.png"}, Data: []byte("B")})
	set.add("..", Artifact{Ref: remote.FileRef{Filename: ".."}, Data: []byte("C")})

	root := t.TempDir()
	dir := filepath.Join(root, "out")
	paths, err := set.Save(dir)
	require.NoError(t, err)

	assert.Equal(t, []string{
		filepath.Join(dir, "evil_0_a.png"),
		filepath.Join(dir, "9_0_b.png"),
		filepath.Join(dir, "__0__"),
	}, paths)
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	require.Len(t, entries, 1, "nothing is written next to the output directory")
}
