package app

import (
	"context"
	"strings"
	"time"

	"crosspost/internal/publish"
	logx "crosspost/pkg/logx"
)

// restoreFromStore rebuilds dispatch state from persisted posts at boot.
// One-shot scheduled posts get their job back (past-due runs on the next
// tick), recurring posts re-register their cron entry, and posts caught
// mid-delivery by the previous shutdown are queued to run again now.
// Retry counts do not survive a restart.
func (a *App) restoreFromStore(ctx context.Context) error {
	if !a.dispatch.Enabled() {
		a.log.Info("dispatch disabled; stored schedules not restored")
		return nil
	}

	posts, err := a.store.ListPosts(ctx, "", 0)
	if err != nil {
		return err
	}

	var oneShot, recurring, inFlight int
	for i := range posts {
		p := &posts[i]
		switch p.Status {
		case publish.PostScheduled:
			if expr := strings.TrimSpace(p.Recurrence); expr != "" {
				if err := a.dispatch.ScheduleRecurring(p.ID, expr); err != nil {
					a.log.Warn("stored recurrence not restored",
						logx.String("post", p.ID), logx.String("cron", expr), logx.Err(err))
				} else {
					recurring++
				}
			}
			if !p.ScheduledAt.IsZero() {
				if _, err := a.dispatch.Restore(p.ID, p.ScheduledAt, 0); err != nil {
					a.log.Warn("stored schedule not restored", logx.String("post", p.ID), logx.Err(err))
					continue
				}
				oneShot++
			}
		case publish.PostPosting:
			// The previous process went down mid-delivery. Queue the post
			// again now; delivery across restarts is at-least-once.
			if _, err := a.dispatch.Restore(p.ID, time.Now(), 0); err != nil {
				a.log.Warn("in-flight post not restored", logx.String("post", p.ID), logx.Err(err))
				continue
			}
			inFlight++
		}
	}

	if oneShot+recurring+inFlight > 0 {
		a.log.Info("schedule restored from store",
			logx.Int("one_shot", oneShot),
			logx.Int("recurring", recurring),
			logx.Int("in_flight", inFlight),
		)
	}
	return nil
}
