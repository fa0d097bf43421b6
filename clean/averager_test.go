package clean

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gaugewatch/device"
	"gaugewatch/record"
)

var base = time.Date(2022, 1, 13, 22, 0, 0, 0, time.UTC)

// series returns n readings one second apart with values produced by value.
func series(n int, value func(i int) float64) []record.Reading {
	out := make([]record.Reading, n)
	for i := range out {
		out[i] = record.Reading{Time: base.Add(time.Duration(i) * time.Second), Value: value(i)}
	}
	return out
}

func TestAverageTrimmedMeanWithCalibration(t *testing.T) {
	in := series(BatchSize, func(i int) float64 { return float64(i) })

	out, err := Average(in, device.Identity())
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, 7.0, out[0].Value)
	require.Equal(t, in[BatchSize/2].Time, out[0].Time)

	out, err = Average(in, device.Linear(3.4, -338))
	require.NoError(t, err)
	require.InDelta(t, -314.2, out[0].Value, 1e-9)
}

func TestAverageDiscardsOutliers(t *testing.T) {
	// Shuffled window with extreme values that must be trimmed away.
	values := []float64{1000, 3, -1000, 4, 999, 5, -999, 6, 998, 7, -998, 500, -500, 2, 8}
	in := series(BatchSize, func(i int) float64 { return values[i] })

	out, err := Average(in, device.Identity())
	require.NoError(t, err)
	require.Len(t, out, 1)
	// sorted middle five: 3 4 5 6 7
	require.Equal(t, 5.0, out[0].Value)
}

func TestAverageOutputCount(t *testing.T) {
	for _, k := range []int{0, 1, 2, 5} {
		in := series(k*BatchSize, func(i int) float64 { return float64(i % BatchSize) })
		out, err := Average(in, device.Identity())
		require.NoError(t, err)
		require.Len(t, out, k)
		for j, r := range out {
			require.Equal(t, 7.0, r.Value)
			require.Equal(t, in[j*BatchSize+BatchSize/2].Time, r.Time)
		}
	}
}

func TestAverageDropsPartialWindow(t *testing.T) {
	in := series(2*BatchSize+BatchSize-1, func(i int) float64 { return 1 })
	out, err := Average(in, device.Identity())
	require.NoError(t, err)
	require.Len(t, out, 2)
}

func TestAverageRejectsOutOfOrderWindow(t *testing.T) {
	in := series(BatchSize, func(i int) float64 { return float64(i) })
	in[0].Time, in[1].Time = base.Add(2*time.Second), base.Add(time.Second)

	_, err := Average(in, device.Identity())
	require.ErrorIs(t, err, ErrOutOfOrder)

	var ooo *OutOfOrderError
	require.True(t, errors.As(err, &ooo))
	require.Equal(t, 0, ooo.Start)
}

func TestAverageReportsOffendingWindowStart(t *testing.T) {
	in := series(3*BatchSize, func(i int) float64 { return float64(i) })
	in[BatchSize+4].Time = base

	_, err := Average(in, device.Identity())
	var ooo *OutOfOrderError
	require.True(t, errors.As(err, &ooo))
	require.Equal(t, BatchSize, ooo.Start)
	require.Contains(t, err.Error(), "line 17")
}

func TestAverageAllowsEqualTimestamps(t *testing.T) {
	in := series(BatchSize, func(i int) float64 { return 2 })
	for i := range in {
		in[i].Time = base
	}
	out, err := Average(in, device.Identity())
	require.NoError(t, err)
	require.Len(t, out, 1)
}

func TestAveragerPending(t *testing.T) {
	a := NewAverager(device.Identity())
	for i, r := range series(BatchSize+3, func(i int) float64 { return 1 }) {
		_, ok, err := a.Push(r)
		require.NoError(t, err)
		require.Equal(t, i == BatchSize-1, ok)
	}
	require.Equal(t, 3, a.Pending())
}

func TestFileIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "raw.csv")
	dst := filepath.Join(dir, "cleaned.csv")
	require.NoError(t, record.Create(src))
	require.NoError(t, record.Append(src, series(2*BatchSize+4, func(i int) float64 { return float64(i%7) * 1.1 })))

	n, err := File(src, dst, device.Linear(3.4, -338))
	require.NoError(t, err)
	require.Equal(t, 2, n)
	first, err := os.ReadFile(dst)
	require.NoError(t, err)

	n, err = File(src, dst, device.Linear(3.4, -338))
	require.NoError(t, err)
	require.Equal(t, 2, n)
	second, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, first, second)

	got, err := record.ReadAll(dst)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, base.Add(7*time.Second), got[0].Time)
}

func TestFileKeepsPreviousOutputOnCorruptInput(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "raw.csv")
	dst := filepath.Join(dir, "cleaned.csv")
	require.NoError(t, record.Replace(dst, []record.Reading{{Time: base, Value: 1}}))
	before, err := os.ReadFile(dst)
	require.NoError(t, err)

	in := series(BatchSize, func(i int) float64 { return float64(i) })
	in[5].Time = base.Add(-time.Hour)
	require.NoError(t, record.Append(src, in))

	_, err = File(src, dst, device.Identity())
	require.ErrorIs(t, err, ErrOutOfOrder)

	after, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestFileHeaderOnlySource(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "raw.csv")
	dst := filepath.Join(dir, "cleaned.csv")
	require.NoError(t, record.Create(src))

	n, err := File(src, dst, device.Identity())
	require.NoError(t, err)
	require.Zero(t, n)
	b, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, "datetime,value\n", string(b))
}
