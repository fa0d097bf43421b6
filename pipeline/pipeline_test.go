package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gaugewatch/checkpoint"
	"gaugewatch/clean"
	"gaugewatch/device"
	"gaugewatch/ingest"
	"gaugewatch/plot"
	"gaugewatch/record"
	"gaugewatch/source"
	"gaugewatch/storage"
)

var (
	start = time.Date(2022, 1, 13, 22, 0, 0, 0, time.UTC)
	now   = time.Date(2022, 2, 1, 12, 0, 0, 0, time.UTC)
)

// fakeSource returns n readings one minute apart after the requested start.
type fakeSource struct {
	mu      sync.Mutex
	authErr error
	n       map[string]int
	values  map[string][]float64
	fetches int
}

func (s *fakeSource) Authenticate(context.Context) error { return s.authErr }

func (s *fakeSource) Fetch(_ context.Context, id string, from, _ time.Time) (*source.Series, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	out := &source.Series{}
	for i := 0; i < s.n[id]; i++ {
		out.Times = append(out.Times, record.FormatTime(from.Add(time.Duration(i)*time.Minute)))
		v := float64(i % clean.BatchSize)
		if vals := s.values[id]; vals != nil {
			v = vals[i]
		}
		out.Values = append(out.Values, v)
	}
	return out, nil
}

type fakeRenderer struct {
	calls int
	err   error
}

func (r *fakeRenderer) Render(device.Catalog) error {
	r.calls++
	return r.err
}

type fakePublisher struct {
	paths []string
}

func (p *fakePublisher) Upload(paths ...string) error {
	p.paths = append(p.paths, paths...)
	return nil
}

type memJournal struct {
	cycles []*storage.Cycle
}

func (j *memJournal) Save(_ context.Context, c *storage.Cycle) error {
	j.cycles = append(j.cycles, c)
	return nil
}

func (j *memJournal) Query(context.Context, string, time.Time, time.Time) ([]storage.Entry, error) {
	return nil, nil
}

func (j *memJournal) Close() error { return nil }

func newPipeline(t *testing.T, src *fakeSource) (*Pipeline, *fakeRenderer, *memJournal) {
	t.Helper()
	dir := t.TempDir()
	catalog := device.Catalog{
		{Location: device.Highway, Position: 1, Type: device.StrainGauge, ID: "sg1", Calibration: device.Linear(3.4, -338), Start: start},
		{Location: device.Highway, Position: 1, Type: device.Thermistor, ID: "th1", Start: start},
	}
	store := checkpoint.NewFileStore(filepath.Join(dir, "checkpoints.json"), catalog.Starts())
	f := ingest.NewFetcher(src, store, dir, nil)
	f.Now = func() time.Time { return now }

	r := &fakeRenderer{}
	j := &memJournal{}
	return &Pipeline{
		Catalog:  catalog,
		DataDir:  dir,
		Fetcher:  f,
		Renderer: r,
		Journal:  j,
		Now:      func() time.Time { return now },
	}, r, j
}

func TestRunFetchesCleansAndRenders(t *testing.T) {
	src := &fakeSource{n: map[string]int{"sg1": 2*clean.BatchSize + 3, "th1": clean.BatchSize}}
	p, r, j := newPipeline(t, src)

	rep, err := p.Run(context.Background(), true)
	require.NoError(t, err)
	require.Empty(t, rep.Failed())
	require.Equal(t, 1, r.calls)

	sg, err := record.ReadAll(record.Path(p.DataDir, p.Catalog[0], record.Cleaned))
	require.NoError(t, err)
	require.Len(t, sg, 2)
	require.InDelta(t, -314.2, sg[0].Value, 1e-9)
	require.Equal(t, start.Add(time.Second+7*time.Minute), sg[0].Time)

	th, err := record.ReadAll(record.Path(p.DataDir, p.Catalog[1], record.Cleaned))
	require.NoError(t, err)
	require.Len(t, th, 1)
	require.Equal(t, 7.0, th[0].Value)

	require.Len(t, j.cycles, 1)
	require.Equal(t, rep.CycleID, j.cycles[0].ID)
	require.True(t, j.cycles[0].Restart)
	require.Len(t, j.cycles[0].Entries, 4)
	require.Equal(t, storage.PhaseFetch, j.cycles[0].Entries[0].Phase)
	require.Equal(t, 2*clean.BatchSize+3, j.cycles[0].Entries[0].Count)
	require.Equal(t, storage.PhaseClean, j.cycles[0].Entries[2].Phase)
}

func TestRunCleaningIsIdempotent(t *testing.T) {
	src := &fakeSource{n: map[string]int{"sg1": 3 * clean.BatchSize, "th1": clean.BatchSize}}
	p, _, _ := newPipeline(t, src)
	_, err := p.Run(context.Background(), true)
	require.NoError(t, err)
	path := record.Path(p.DataDir, p.Catalog[0], record.Cleaned)
	first, err := os.ReadFile(path)
	require.NoError(t, err)

	_, err = p.Clean(context.Background())
	require.NoError(t, err)
	second, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestRunAuthenticationIsFatal(t *testing.T) {
	src := &fakeSource{authErr: source.ErrAuthentication}
	p, r, j := newPipeline(t, src)

	_, err := p.Run(context.Background(), true)
	require.ErrorIs(t, err, source.ErrAuthentication)
	require.Zero(t, src.fetches)
	require.Zero(t, r.calls)
	require.Len(t, j.cycles, 1)
	require.NotEmpty(t, j.cycles[0].Err)
}

func TestRunCheckpointUnavailableIsFatal(t *testing.T) {
	p, r, _ := newPipeline(t, &fakeSource{})
	_, err := p.Run(context.Background(), false)
	require.ErrorIs(t, err, checkpoint.ErrUnavailable)
	require.Zero(t, r.calls)
}

func TestCleanStopsOnlyTheCorruptDevice(t *testing.T) {
	p, _, _ := newPipeline(t, &fakeSource{})
	bad := make([]record.Reading, clean.BatchSize)
	good := make([]record.Reading, clean.BatchSize)
	for i := range bad {
		bad[i] = record.Reading{Time: start.Add(time.Duration(clean.BatchSize-i) * time.Second), Value: 1}
		good[i] = record.Reading{Time: start.Add(time.Duration(i) * time.Second), Value: 1}
	}
	require.NoError(t, record.Append(record.Path(p.DataDir, p.Catalog[0], record.Raw), bad))
	require.NoError(t, record.Append(record.Path(p.DataDir, p.Catalog[1], record.Raw), good))

	results, err := p.Clean(context.Background())
	require.NoError(t, err)
	require.ErrorIs(t, results[0].Err, clean.ErrOutOfOrder)
	require.NoError(t, results[1].Err)
	require.Equal(t, 1, results[1].Written)

	rep := &Report{Clean: results}
	require.Len(t, rep.Failed(), 1)
}

func TestRunRenderErrorIsFatal(t *testing.T) {
	src := &fakeSource{n: map[string]int{"sg1": 1, "th1": 1}}
	p, r, _ := newPipeline(t, src)
	r.err = errors.New("disk full")

	_, err := p.Run(context.Background(), true)
	require.ErrorContains(t, err, "disk full")
}

func TestRunPublishesChartAndCleanedRecords(t *testing.T) {
	src := &fakeSource{n: map[string]int{"sg1": 1, "th1": 1}}
	p, _, _ := newPipeline(t, src)
	pub := &fakePublisher{}
	p.Publisher = pub
	p.Outputs = []string{"plot.html"}

	_, err := p.Run(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, []string{
		"plot.html",
		record.Path(p.DataDir, p.Catalog[0], record.Cleaned),
		record.Path(p.DataDir, p.Catalog[1], record.Cleaned),
	}, pub.paths)
}

func TestRunPublishesAroundADeviceWithoutCleanedRecord(t *testing.T) {
	src := &fakeSource{n: map[string]int{"th1": clean.BatchSize}}
	p, _, _ := newPipeline(t, src)
	chart := filepath.Join(p.DataDir, "plot.html")
	p.Renderer = &plot.HTML{DataDir: p.DataDir, Path: chart}
	p.Outputs = []string{chart}
	pub := &fakePublisher{}
	p.Publisher = pub

	store := checkpoint.NewFileStore(filepath.Join(p.DataDir, "checkpoints.json"), p.Catalog.Starts())
	require.NoError(t, store.Save(checkpoint.Marks{"sg1": start, "th1": start}))
	bad := make([]record.Reading, clean.BatchSize)
	for i := range bad {
		bad[i] = record.Reading{Time: start.Add(-time.Duration(i+1) * time.Second), Value: 1}
	}
	require.NoError(t, record.Append(record.Path(p.DataDir, p.Catalog[0], record.Raw), bad))

	rep, err := p.Run(context.Background(), false)
	require.NoError(t, err)
	failed := rep.Failed()
	require.Len(t, failed, 1)
	require.ErrorIs(t, failed[0], clean.ErrOutOfOrder)

	require.Equal(t, []string{chart, record.Path(p.DataDir, p.Catalog[1], record.Cleaned)}, pub.paths)
	b, err := os.ReadFile(chart)
	require.NoError(t, err)
	require.Contains(t, string(b), "highway_1_thermistor")
}

func TestScheduleRunsImmediatelyThenIncrementally(t *testing.T) {
	src := &fakeSource{n: map[string]int{"sg1": 1, "th1": 1}}
	p, _, j := newPipeline(t, src)

	ctx, cancel := context.WithCancel(context.Background())
	var done atomic.Bool
	go func() {
		require.NoError(t, p.Schedule(ctx, "@every 1s", true))
		done.Store(true)
	}()

	require.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return src.fetches >= 4
	}, 5*time.Second, 50*time.Millisecond)
	cancel()
	require.Eventually(t, done.Load, 5*time.Second, 50*time.Millisecond)

	require.GreaterOrEqual(t, len(j.cycles), 2)
	require.True(t, j.cycles[0].Restart)
	require.False(t, j.cycles[1].Restart)
}

func TestScheduleRejectsBadSpec(t *testing.T) {
	p, _, _ := newPipeline(t, &fakeSource{})
	err := p.Schedule(context.Background(), "every now and then", false)
	require.ErrorContains(t, err, "schedule")
}
