// Package ingest appends new sensor history to raw records and advances the
// per-device checkpoints.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"gaugewatch/checkpoint"
	"gaugewatch/device"
	"gaugewatch/logger"
	"gaugewatch/record"
	"gaugewatch/source"
)

// DefaultMargin is added to the current time to form the end of a fetch
// window, so that a remote clock running ahead of ours loses no data.
const DefaultMargin = 24 * time.Hour

var (
	// ErrResponseShape means timestamps and values differ in length or a
	// timestamp cannot be parsed.
	ErrResponseShape = errors.New("malformed response")
	// ErrResponseOrder means the source returned timestamps that decrease.
	ErrResponseOrder = errors.New("response not in time order")
)

// Result is the outcome of one device in a poll cycle.
type Result struct {
	Device   device.Device
	Start    time.Time // requested window
	End      time.Time
	Appended int
	Skipped  int       // readings already present in the raw record
	Mark     time.Time // checkpoint after the cycle
	Err      error
}

// Report collects the results of one poll cycle.
type Report struct {
	Restart bool
	Results []Result
	Marks   checkpoint.Marks
}

// Failed returns the results that carry an error.
func (r *Report) Failed() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.Err != nil {
			out = append(out, res)
		}
	}
	return out
}

// Fetcher drives the incremental fetch protocol for every device.
type Fetcher struct {
	Source  source.Source
	Store   checkpoint.Store
	DataDir string
	Margin  time.Duration
	Now     func() time.Time // wall clock, injected for tests
	Log     *zap.Logger
}

// NewFetcher returns a Fetcher using the real clock and DefaultMargin.
func NewFetcher(src source.Source, store checkpoint.Store, dataDir string, log *zap.Logger) *Fetcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Fetcher{
		Source:  src,
		Store:   store,
		DataDir: dataDir,
		Margin:  DefaultMargin,
		Now:     time.Now,
		Log:     log,
	}
}

// Run authenticates, loads checkpoints, updates every device of catalog in
// order and saves the new checkpoints once at the end. Per-device failures are
// reported in the returned Report and leave that device's checkpoint alone;
// authentication and checkpoint errors abort the cycle. Cancellation stops
// before the next device but still saves the checkpoints reached so far.
func (f *Fetcher) Run(ctx context.Context, catalog device.Catalog, restart bool) (*Report, error) {
	if err := f.Source.Authenticate(ctx); err != nil {
		return nil, err
	}
	marks, err := f.Store.Load(restart)
	if err != nil {
		return nil, err
	}
	if restart {
		f.Log.Info("restarting ingestion from configured start times")
	}

	report := &Report{Restart: restart, Marks: marks}
	var cancelled error
	for _, d := range catalog {
		if cancelled = ctx.Err(); cancelled != nil {
			f.Log.Warn("cycle cancelled", zap.Error(cancelled))
			break
		}
		res := f.update(ctx, d, marks, restart)
		if res.Err != nil {
			logger.ForDevice(f.Log, d).Error("device update failed", zap.Error(res.Err))
		}
		report.Results = append(report.Results, res)
	}

	// marks never pass an unappended reading; save them on cancellation too
	if err := f.Store.Save(marks); err != nil {
		return report, errors.Join(cancelled, fmt.Errorf("save checkpoints: %w", err))
	}
	f.Log.Info("checkpoints saved", zap.Int("devices", len(marks)))
	return report, cancelled
}

func (f *Fetcher) update(ctx context.Context, d device.Device, marks checkpoint.Marks, restart bool) Result {
	log := logger.ForDevice(f.Log, d)
	path := record.Path(f.DataDir, d, record.Raw)
	mark, ok := marks[d.ID]
	if !ok {
		mark = d.Start
	}
	res := Result{Device: d, Mark: mark}

	if restart {
		if err := record.Create(path); err != nil {
			res.Err = err
			return res
		}
		log.Info("raw record recreated", zap.String("path", path))
	}

	res.Start = mark.Add(time.Second)
	res.End = f.Now().Add(f.Margin)

	// A cycle interrupted before its checkpoint save leaves readings newer
	// than mark in the record; never append those twice.
	floor := mark
	if !restart {
		last, ok, err := record.Last(path)
		if err != nil {
			res.Err = err
			return res
		}
		if ok && last.Time.After(floor) {
			floor = last.Time
		}
	}

	series, err := f.Source.Fetch(ctx, d.ID, res.Start, res.End)
	if err != nil {
		res.Err = err
		return res
	}
	readings, skipped, err := decode(series, floor)
	if err != nil {
		res.Err = fmt.Errorf("sensor %s: %w", d.ID, err)
		return res
	}
	res.Skipped = skipped
	if skipped > 0 {
		log.Warn("dropped readings already ingested", zap.Int("skipped", skipped))
	}
	if len(readings) == 0 {
		log.Info("no new readings")
		return res
	}

	if err := record.Append(path, readings); err != nil {
		res.Err = err
		return res
	}
	res.Appended = len(readings)
	res.Mark = readings[len(readings)-1].Time
	marks[d.ID] = res.Mark

	log.Info("raw record updated",
		zap.String("path", path),
		zap.Int("appended", res.Appended),
		zap.String("checkpoint", record.FormatTime(res.Mark)))
	return res
}

// decode validates a response and returns the readings newer than floor.
func decode(s *source.Series, floor time.Time) (readings []record.Reading, skipped int, err error) {
	if s == nil {
		return nil, 0, nil
	}
	if len(s.Times) != len(s.Values) {
		return nil, 0, fmt.Errorf("%w: %d timestamps, %d values", ErrResponseShape, len(s.Times), len(s.Values))
	}

	readings = make([]record.Reading, 0, len(s.Times))
	var prev time.Time
	for i, raw := range s.Times {
		ts, err := record.ParseTime(raw)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: timestamp %d: %v", ErrResponseShape, i, err)
		}
		if i > 0 && ts.Before(prev) {
			return nil, 0, fmt.Errorf("%w: %s follows %s", ErrResponseOrder, raw, record.FormatTime(prev))
		}
		prev = ts
		if !ts.After(floor) {
			skipped++
			continue
		}
		// repeated timestamps keep the first reading
		floor = ts
		readings = append(readings, record.Reading{Time: ts, Value: s.Values[i]})
	}
	return readings, skipped, nil
}
