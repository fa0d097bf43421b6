// Package pipeline runs the poll cycle: fetch every device, clean every raw
// record, then hand the cleaned records to the renderer and publisher.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gaugewatch/clean"
	"gaugewatch/device"
	"gaugewatch/ingest"
	"gaugewatch/logger"
	"gaugewatch/record"
	"gaugewatch/storage"
)

// Renderer consumes the cleaned records of a catalog.
type Renderer interface {
	Render(catalog device.Catalog) error
}

// Publisher ships finished files elsewhere.
type Publisher interface {
	Upload(paths ...string) error
}

// CleanResult is the outcome of the cleaning pass for one device.
type CleanResult struct {
	Device  device.Device
	Written int
	Err     error
}

// Report summarises one full cycle.
type Report struct {
	CycleID  string
	Started  time.Time
	Finished time.Time
	Fetch    *ingest.Report
	Clean    []CleanResult
}

// Failed lists the per-device errors of both passes.
func (r *Report) Failed() []error {
	var errs []error
	if r.Fetch != nil {
		for _, res := range r.Fetch.Failed() {
			errs = append(errs, fmt.Errorf("fetch %s: %w", res.Device.Label(), res.Err))
		}
	}
	for _, res := range r.Clean {
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("clean %s: %w", res.Device.Label(), res.Err))
		}
	}
	return errs
}

// Pipeline wires the passes together. Renderer, Publisher and Journal are optional.
type Pipeline struct {
	Catalog   device.Catalog
	DataDir   string
	Fetcher   *ingest.Fetcher
	Renderer  Renderer
	Publisher Publisher
	Outputs   []string // extra files handed to the Publisher, e.g. the chart
	Journal   storage.Store
	Log       *zap.Logger
	Now       func() time.Time
}

func (p *Pipeline) log() *zap.Logger {
	if p.Log == nil {
		return zap.NewNop()
	}
	return p.Log
}

func (p *Pipeline) now() time.Time {
	if p.Now == nil {
		return time.Now()
	}
	return p.Now()
}

// Fetch runs the incremental fetch pass over every device.
func (p *Pipeline) Fetch(ctx context.Context, restart bool) (*ingest.Report, error) {
	return p.Fetcher.Run(ctx, p.Catalog, restart)
}

// Clean rebuilds every cleaned record from its raw record. A corrupt raw
// record stops the work for its device only.
func (p *Pipeline) Clean(ctx context.Context) ([]CleanResult, error) {
	results := make([]CleanResult, 0, len(p.Catalog))
	for _, d := range p.Catalog {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		log := logger.ForDevice(p.log(), d)
		src := record.Path(p.DataDir, d, record.Raw)
		dst := record.Path(p.DataDir, d, record.Cleaned)

		n, err := clean.File(src, dst, d.Calibration)
		results = append(results, CleanResult{Device: d, Written: n, Err: err})
		switch {
		case errors.Is(err, clean.ErrOutOfOrder):
			log.Error("raw record is out of order, inspect it manually", zap.String("path", src), zap.Error(err))
		case err != nil:
			log.Error("cleaning failed", zap.Error(err))
		default:
			log.Info("cleaned record written", zap.String("path", dst), zap.Int("readings", n))
		}
	}
	return results, nil
}

// Render hands the cleaned records to the renderer, if any.
func (p *Pipeline) Render(context.Context) error {
	if p.Renderer == nil {
		return nil
	}
	if err := p.Renderer.Render(p.Catalog); err != nil {
		return fmt.Errorf("render: %w", err)
	}
	return nil
}

// Run performs fetch-all, clean-all and render, then publishes and journals
// the cycle. Per-device failures are reported, not returned.
func (p *Pipeline) Run(ctx context.Context, restart bool) (*Report, error) {
	rep := &Report{CycleID: uuid.NewString(), Started: p.now()}
	log := p.log().With(zap.String("cycle", rep.CycleID))
	log.Info("cycle started", zap.Bool("restart", restart), zap.Int("devices", len(p.Catalog)))

	err := p.run(ctx, rep, restart)
	rep.Finished = p.now()
	p.journal(ctx, rep, restart, err, log)

	if err != nil {
		log.Error("cycle aborted", zap.Error(err))
		return rep, err
	}
	log.Info("cycle finished",
		zap.Int("failures", len(rep.Failed())),
		zap.Duration("took", rep.Finished.Sub(rep.Started)))
	return rep, nil
}

func (p *Pipeline) run(ctx context.Context, rep *Report, restart bool) error {
	fetched, err := p.Fetch(ctx, restart)
	rep.Fetch = fetched
	if err != nil {
		return err
	}

	rep.Clean, err = p.Clean(ctx)
	if err != nil {
		return err
	}

	if err := p.Render(ctx); err != nil {
		return err
	}

	if p.Publisher != nil {
		paths := append([]string{}, p.Outputs...)
		for _, d := range p.Catalog {
			path := record.Path(p.DataDir, d, record.Cleaned)
			if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
				logger.ForDevice(p.log(), d).Warn("no cleaned record to publish")
				continue
			}
			paths = append(paths, path)
		}
		if err := p.Publisher.Upload(paths...); err != nil {
			return fmt.Errorf("publish: %w", err)
		}
	}
	return nil
}

// journal records the cycle; a journal failure is logged and never fails the cycle.
func (p *Pipeline) journal(ctx context.Context, rep *Report, restart bool, runErr error, log *zap.Logger) {
	if p.Journal == nil {
		return
	}
	c := &storage.Cycle{
		ID:         rep.CycleID,
		StartedAt:  rep.Started,
		FinishedAt: rep.Finished,
		Restart:    restart,
	}
	if runErr != nil {
		c.Err = runErr.Error()
	}
	if rep.Fetch != nil {
		for _, res := range rep.Fetch.Results {
			mark := res.Mark
			e := storage.Entry{
				DeviceID:   res.Device.ID,
				Label:      res.Device.Label(),
				Phase:      storage.PhaseFetch,
				At:         rep.Finished,
				Count:      res.Appended,
				Checkpoint: &mark,
			}
			if res.Err != nil {
				e.Err = res.Err.Error()
			}
			c.Entries = append(c.Entries, e)
		}
	}
	for _, res := range rep.Clean {
		e := storage.Entry{
			DeviceID: res.Device.ID,
			Label:    res.Device.Label(),
			Phase:    storage.PhaseClean,
			At:       rep.Finished,
			Count:    res.Written,
		}
		if res.Err != nil {
			e.Err = res.Err.Error()
		}
		c.Entries = append(c.Entries, e)
	}
	// the journal outlives a cancelled cycle
	if err := p.Journal.Save(context.WithoutCancel(ctx), c); err != nil {
		log.Warn("journal write failed", zap.Error(err))
	}
}
