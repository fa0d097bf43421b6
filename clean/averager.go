// Package clean turns raw sensor records into down-sampled, calibrated series.
//
// Readings are grouped into consecutive windows of BatchSize samples. Each
// full window becomes one reading: the timestamp of its middle sample and the
// calibrated mean of its values after dropping the TrimCount lowest and
// highest. A trailing partial window is discarded.
package clean

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"gaugewatch/device"
	"gaugewatch/record"
)

const (
	BatchSize = 15
	TrimCount = 5
)

// ErrOutOfOrder matches every *OutOfOrderError.
var ErrOutOfOrder = errors.New("readings out of order")

// OutOfOrderError reports a window whose timestamps decrease.
type OutOfOrderError struct {
	Start int // 0-based index of the window's first reading
}

func (e *OutOfOrderError) Error() string {
	// line 1 of a record file is the header
	return fmt.Sprintf("%d readings starting at line %d are not in time order", BatchSize, e.Start+2)
}

func (e *OutOfOrderError) Is(target error) bool {
	return target == ErrOutOfOrder
}

// Averager consumes readings one at a time and emits a reading per window.
type Averager struct {
	cal    device.Calibration
	window []record.Reading
	seen   int
}

// NewAverager returns an Averager that calibrates its output with cal.
func NewAverager(cal device.Calibration) *Averager {
	return &Averager{cal: cal, window: make([]record.Reading, 0, BatchSize)}
}

// Push adds r to the current window. When the window fills, the reduced
// reading is returned with ok set.
func (a *Averager) Push(r record.Reading) (out record.Reading, ok bool, err error) {
	a.window = append(a.window, r)
	a.seen++
	if len(a.window) < BatchSize {
		return record.Reading{}, false, nil
	}
	start := a.seen - BatchSize
	out, err = reduce(a.window, a.cal, start)
	a.window = a.window[:0]
	if err != nil {
		return record.Reading{}, false, err
	}
	return out, true, nil
}

// Pending is the number of readings waiting for their window to fill.
func (a *Averager) Pending() int {
	return len(a.window)
}

func reduce(window []record.Reading, cal device.Calibration, start int) (record.Reading, error) {
	values := make([]float64, len(window))
	for i, r := range window {
		if i > 0 && r.Time.Before(window[i-1].Time) {
			return record.Reading{}, &OutOfOrderError{Start: start}
		}
		values[i] = r.Value
	}
	sort.Float64s(values)

	var sum float64
	for _, v := range values[TrimCount : BatchSize-TrimCount] {
		sum += v
	}
	mean := sum / float64(BatchSize-2*TrimCount)

	return record.Reading{
		Time:  window[BatchSize/2].Time,
		Value: cal.Apply(mean),
	}, nil
}

// Average reduces readings in memory. On error no output is returned.
func Average(readings []record.Reading, cal device.Calibration) ([]record.Reading, error) {
	a := NewAverager(cal)
	out := make([]record.Reading, 0, len(readings)/BatchSize)
	for _, r := range readings {
		reduced, ok, err := a.Push(r)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, reduced)
		}
	}
	return out, nil
}

// File reprocesses the raw record src from scratch and replaces the cleaned
// record dst. When src is corrupt dst keeps its previous contents.
// It returns the number of readings written.
func File(src, dst string, cal device.Calibration) (int, error) {
	r, err := record.Open(src)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	a := NewAverager(cal)
	var out []record.Reading
	for {
		rd, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("%s: %w", src, err)
		}
		reduced, ok, err := a.Push(rd)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", src, err)
		}
		if ok {
			out = append(out, reduced)
		}
	}

	if err := record.Replace(dst, out); err != nil {
		return 0, err
	}
	return len(out), nil
}
