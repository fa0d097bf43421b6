package pipeline

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	log *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}

// Schedule runs one cycle immediately with the given restart flag, then an
// incremental cycle at every activation of spec until ctx is done. A cycle
// still running when the next activation fires makes that activation skip.
func (p *Pipeline) Schedule(ctx context.Context, spec string, restart bool) error {
	log := p.log()
	cl := cronLogger{log: log}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	first := true
	entry, err := c.AddFunc(spec, func() {
		r := restart && first
		first = false
		if _, err := p.Run(ctx, r); err != nil {
			log.Error("scheduled cycle failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %q: %w", spec, err)
	}

	log.Info("scheduler started", zap.String("schedule", spec))
	c.Start()
	// the first cycle does not wait for the schedule
	c.Entry(entry).WrappedJob.Run()

	<-ctx.Done()
	<-c.Stop().Done()
	log.Info("scheduler stopped")
	return nil
}
