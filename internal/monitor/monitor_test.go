package monitor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"vigil/internal/correct"
	"vigil/internal/learn"
	"vigil/internal/renderer"
	"vigil/internal/score"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testAnalyzer(t *testing.T) *score.Analyzer {
	t.Helper()
	a, err := score.NewAnalyzer(score.Thresholds{
		MinWidth:        8,
		MinHeight:       8,
		MinDuration:     0.1,
		MaxFileSizeMB:   500,
		MinFrameRate:    1,
		MinOverallScore: 0.7,
	}, 64)
	require.NoError(t, err)
	return a
}

func sharpPNG(t *testing.T, size int) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			if (x+y)%2 == 0 {
				img.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func flatPNG(t *testing.T, v uint8, size int) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, size, size))
	for i := range img.Pix {
		img.Pix[i] = v
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type fakeSubmitter struct {
	mu     sync.Mutex
	graphs []map[string]any
	err    error
}

func (f *fakeSubmitter) Submit(_ context.Context, g map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.graphs = append(f.graphs, g)
	return fmt.Sprintf("resub-%d", len(f.graphs)), nil
}

func (f *fakeSubmitter) calls() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.graphs...)
}

type countingNotifier struct {
	mu    sync.Mutex
	count int
}

func (n *countingNotifier) Notify(context.Context, string, string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.count++
}

func (n *countingNotifier) calls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.count
}

type fixture struct {
	fs        afero.Fs
	store     *learn.MemStore
	engine    *correct.Engine
	submitter *fakeSubmitter
	notifier  *countingNotifier
	monitor   *Monitor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fs := afero.NewMemMapFs()
	st := learn.NewMemStore()
	eng := correct.NewEngine(st, nil, correct.Config{})
	sub := &fakeSubmitter{}
	not := &countingNotifier{}
	m, err := New(testAnalyzer(t), eng, st, sub, []string{"output"}, "archive",
		WithFS(fs), WithNotifier(not))
	require.NoError(t, err)
	return &fixture{fs: fs, store: st, engine: eng, submitter: sub, notifier: not, monitor: m}
}

// feed runs the monitor over the given events and waits for it to drain.
func feed(t *testing.T, m *Monitor, events ...renderer.Event) {
	t.Helper()
	ch := make(chan renderer.Event, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Run(ctx, ch))
}

func TestRun_PassArchivesAndRecords(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, afero.WriteFile(f.fs, "output/job-1_00001.png", sharpPNG(t, 64), 0o644))

	params := map[string]any{"steps": 20.0, "positive": "a castle on a hill"}
	f.monitor.Track("job-1", params)

	feed(t, f.monitor, renderer.Event{Type: renderer.EventExecuted, CorrelationID: "job-1"})

	archived, err := afero.Exists(f.fs, "archive/job-1_00001.png")
	require.NoError(t, err)
	assert.True(t, archived, "accepted artifact should be archived")

	a, err := f.store.GetAssessment("job-1")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.True(t, a.Passes)

	best, err := f.store.BestParameters(learn.Fingerprint(params))
	require.NoError(t, err)
	require.NotNil(t, best, "passing outcome should feed the learning store")

	assert.Equal(t, 1, f.notifier.calls())
}

func TestRun_FailCorrectsAndResubmits(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, afero.WriteFile(f.fs, "output/job-2_00001.png", flatPNG(t, 128, 64), 0o644))

	params := map[string]any{
		"steps": 20.0, "cfg": 7.0, "sampler": "euler",
		"positive": "a castle on a hill at golden hour",
	}
	f.monitor.Track("job-2", params)

	feed(t, f.monitor, renderer.Event{Type: renderer.EventExecuted, CorrelationID: "job-2"})

	calls := f.submitter.calls()
	require.Len(t, calls, 1, "failed artifact should be resubmitted once")
	steps, ok := calls[0]["steps"].(float64)
	require.True(t, ok)
	assert.Equal(t, 30.0, steps)
	assert.NotEqual(t, "euler", calls[0]["sampler"])

	recs, err := f.store.CorrectionsFor("job-2")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "resub-1", recs[0].CorrectedArtifactID)
}

func TestRun_DuplicateEventsDeduped(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, afero.WriteFile(f.fs, "output/job-3_00001.png", sharpPNG(t, 64), 0o644))
	f.monitor.Track("job-3", map[string]any{"positive": "dunes"})

	ev := renderer.Event{Type: renderer.EventExecuted, CorrelationID: "job-3"}
	feed(t, f.monitor, ev, ev)

	assert.Equal(t, 1, f.notifier.calls(), "identical bytes must be handled once")
}

func TestRun_UntrackedFailIsNotResubmitted(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, afero.WriteFile(f.fs, "output/job-4_00001.png", flatPNG(t, 40, 64), 0o644))

	feed(t, f.monitor, renderer.Event{Type: renderer.EventExecuted, CorrelationID: "job-4"})

	assert.Empty(t, f.submitter.calls())
	a, err := f.store.GetAssessment("job-4")
	require.NoError(t, err)
	require.NotNil(t, a, "assessment is persisted even without tracked parameters")
	assert.False(t, a.Passes)
}

func TestRun_AttemptCapStopsResubmission(t *testing.T) {
	f := newFixture(t)
	params := map[string]any{"steps": 20.0, "positive": "a harbor"}
	res := &score.ScoreResult{Passes: false, Reasons: []score.Reason{score.QualityTooLow(0.2, 0.7)}}
	for i := 0; i < correct.DefaultMaxAttempts; i++ {
		corr, err := f.engine.Correct(context.Background(), "job-5", params, res)
		require.NoError(t, err)
		require.NoError(t, f.engine.Commit(corr, fmt.Sprintf("pre-%d", i)))
	}

	require.NoError(t, afero.WriteFile(f.fs, "output/job-5_00001.png", flatPNG(t, 90, 64), 0o644))
	f.monitor.Track("job-5", params)
	feed(t, f.monitor, renderer.Event{Type: renderer.EventExecuted, CorrelationID: "job-5"})

	assert.Empty(t, f.submitter.calls(), "exhausted origin must not resubmit")
	alerts, err := f.store.ListAlerts(5)
	require.NoError(t, err)
	require.NotEmpty(t, alerts)
	assert.Equal(t, "manual_review", alerts[0].AlertType)
}

func TestRun_ResubmitFailureRaisesAlert(t *testing.T) {
	f := newFixture(t)
	f.submitter.err = errors.New("renderer timeout")
	require.NoError(t, afero.WriteFile(f.fs, "output/job-6_00001.png", flatPNG(t, 128, 64), 0o644))
	f.monitor.Track("job-6", map[string]any{"steps": 20.0, "positive": "a pier"})

	feed(t, f.monitor, renderer.Event{Type: renderer.EventExecuted, CorrelationID: "job-6"})

	alerts, err := f.store.ListAlerts(5)
	require.NoError(t, err)
	require.NotEmpty(t, alerts)
	assert.Equal(t, "resubmit_failed", alerts[0].AlertType)
}

func TestRun_RenderErrorRecordsFailure(t *testing.T) {
	f := newFixture(t)
	params := map[string]any{"positive": "a storm over the sea"}
	f.monitor.Track("job-7", params)

	feed(t, f.monitor, renderer.Event{Type: renderer.EventError, CorrelationID: "job-7", NodeID: "n4"})

	fails, err := f.store.RecentFailures(learn.Fingerprint(params))
	require.NoError(t, err)
	require.Len(t, fails, 1)
	assert.Contains(t, fails[0].Reasons[0], "render error")
}

func TestNewestMatch_PicksMostRecent(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, afero.WriteFile(f.fs, "output/job-8_00001.png", []byte("old"), 0o644))
	require.NoError(t, afero.WriteFile(f.fs, "output/job-8_00002.png", []byte("new"), 0o644))
	now := time.Now()
	require.NoError(t, f.fs.Chtimes("output/job-8_00001.png", now.Add(-time.Hour), now.Add(-time.Hour)))
	require.NoError(t, f.fs.Chtimes("output/job-8_00002.png", now, now))

	path, ok := f.monitor.newestMatch("job-8")
	require.True(t, ok)
	assert.Equal(t, "output/job-8_00002.png", path)
}

func TestLocate_ManifestWins(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, afero.WriteFile(f.fs, "output/custom_name.png", []byte("x"), 0o644))

	ev := renderer.Event{
		Type:          renderer.EventExecuted,
		CorrelationID: "job-9",
		Value:         []byte(`{"outputs":[{"kind":"image","filename":"custom_name.png"}]}`),
	}
	path, ok := f.monitor.locate(ev)
	require.True(t, ok)
	assert.Equal(t, "output/custom_name.png", path)
}

// pruneCountingStore records retention sweeps so tests can observe them.
type pruneCountingStore struct {
	*learn.MemStore
	mu     sync.Mutex
	prunes int
}

func (s *pruneCountingStore) PruneExpired(now time.Time) (int64, error) {
	s.mu.Lock()
	s.prunes++
	s.mu.Unlock()
	return s.MemStore.PruneExpired(now)
}

func (s *pruneCountingStore) sweeps() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prunes
}

func TestRun_SweepsRetentionOnEntry(t *testing.T) {
	st := &pruneCountingStore{MemStore: learn.NewMemStore()}
	eng := correct.NewEngine(st, nil, correct.Config{})
	m, err := New(testAnalyzer(t), eng, st, nil, []string{"output"}, "",
		WithFS(afero.NewMemMapFs()))
	require.NoError(t, err)

	feed(t, m)

	assert.GreaterOrEqual(t, st.sweeps(), 1, "retention windows are enforced by the monitor loop")
}
