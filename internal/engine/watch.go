package engine

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/courseforge/internal/common"
)

// RunWatchLoop runs fn immediately, then again on every tick matching the
// cron schedule, until ctx is cancelled. Each scheduled run is SafeGo-wrapped
// so a panic during one scan doesn't take down the watch loop.
func RunWatchLoop(ctx context.Context, schedule string, logger arbor.ILogger, fn func(ctx context.Context) error) error {
	run := func() {
		if err := fn(ctx); err != nil {
			logger.Error().Err(err).Msg("watch scan failed")
		}
	}
	run()

	c := cron.New(cron.WithParser(cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)))
	if _, err := c.AddFunc(schedule, func() {
		common.SafeGoWithContext(ctx, logger, "watch-scan", run)
	}); err != nil {
		return err
	}

	c.Start()
	defer c.Stop()

	<-ctx.Done()
	return nil
}
