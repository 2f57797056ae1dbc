package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"crosspost/internal/publish"
	logx "crosspost/pkg/logx"
)

// CreatePost validates, persists and schedules a new post.
//
// Validation runs the platform adapter's compose-time checks for every
// selected account, so credential and size problems surface before a job
// exists. A post with status draft is persisted without scheduling;
// anything else becomes scheduled and needs a due time, a recurrence, or
// both. The post ID is assigned when empty.
func (a *App) CreatePost(ctx context.Context, p *publish.Post) error {
	if p == nil {
		return publish.NewError(publish.KindValidation, "nil_post", "post is nil")
	}
	if err := a.validatePost(p); err != nil {
		return err
	}

	switch p.Status {
	case publish.PostDraft:
	case "", publish.PostScheduled:
		p.Status = publish.PostScheduled
		if p.ScheduledAt.IsZero() && strings.TrimSpace(p.Recurrence) == "" {
			return publish.NewError(publish.KindInvalidSchedule, "no_schedule",
				"scheduled post needs scheduled_at, recurrence, or both")
		}
	default:
		return publish.NewError(publish.KindValidation, "bad_status",
			fmt.Sprintf("posts are created as draft or scheduled, not %q", p.Status))
	}

	if strings.TrimSpace(p.ID) == "" {
		p.ID = uuid.NewString()
	}

	if err := a.store.CreatePost(ctx, p); err != nil {
		return err
	}
	if p.Status == publish.PostDraft {
		a.log.Info("draft saved", logx.String("post", p.ID))
		return nil
	}

	if err := a.schedulePost(p); err != nil {
		// Roll back so a post that could not be scheduled does not linger
		// as a scheduled row the engine will never pick up.
		if derr := a.store.DeletePost(ctx, p.ID); derr != nil {
			a.log.Warn("rollback of unscheduled post failed", logx.String("post", p.ID), logx.Err(derr))
		}
		return err
	}
	return nil
}

// UpdatePost replaces a post's content, account selection and schedule.
// Posts with a delivery in flight cannot be edited. Editing a failed or
// partial post back to scheduled is the manual-retry path; if the new
// schedule cannot be registered the post is parked as a draft.
func (a *App) UpdatePost(ctx context.Context, p *publish.Post) error {
	if p == nil || strings.TrimSpace(p.ID) == "" {
		return publish.NewError(publish.KindValidation, "nil_post", "post id is required")
	}
	existing, err := a.store.GetPost(ctx, p.ID)
	if err != nil {
		return err
	}
	if existing.Status == publish.PostPosting {
		return publish.NewError(publish.KindValidation, "delivery_in_flight",
			"post has a delivery in flight; cancel it first")
	}
	if err := a.validatePost(p); err != nil {
		return err
	}

	switch p.Status {
	case publish.PostDraft:
	case "", publish.PostScheduled:
		p.Status = publish.PostScheduled
		if p.ScheduledAt.IsZero() && strings.TrimSpace(p.Recurrence) == "" {
			return publish.NewError(publish.KindInvalidSchedule, "no_schedule",
				"scheduled post needs scheduled_at, recurrence, or both")
		}
	default:
		return publish.NewError(publish.KindValidation, "bad_status",
			fmt.Sprintf("posts are updated to draft or scheduled, not %q", p.Status))
	}

	// Drop the old schedule before persisting the new shape.
	a.dispatch.RemoveRecurring(p.ID)
	a.dispatch.CancelByPost(p.ID)

	p.CreatedAt = existing.CreatedAt
	if err := a.store.UpdatePost(ctx, p); err != nil {
		return err
	}
	if p.Status == publish.PostDraft {
		return nil
	}

	if err := a.schedulePost(p); err != nil {
		if serr := a.store.UpdatePostStatus(ctx, p.ID, publish.PostDraft, time.Time{}); serr != nil {
			a.log.Warn("parking unscheduled post as draft failed", logx.String("post", p.ID), logx.Err(serr))
		}
		return err
	}
	return nil
}

// CancelPost unschedules a post: its recurrence is dropped, pending jobs
// are cancelled and the post is parked as a draft. An attempt already in
// flight is not interrupted and still settles the post with its real
// outcome.
func (a *App) CancelPost(ctx context.Context, id string) error {
	if _, err := a.store.GetPost(ctx, id); err != nil {
		return err
	}
	a.dispatch.RemoveRecurring(id)
	n := a.dispatch.CancelByPost(id)
	if err := a.store.UpdatePostStatus(ctx, id, publish.PostDraft, time.Time{}); err != nil {
		return err
	}
	a.log.Info("post unscheduled", logx.String("post", id), logx.Int("jobs_cancelled", n))
	return nil
}

// DeletePost removes a post, its recurrence and any pending jobs. A job
// already running resolves against the store and fails as post_not_found.
func (a *App) DeletePost(ctx context.Context, id string) error {
	a.dispatch.RemoveRecurring(id)
	a.dispatch.CancelByPost(id)
	if err := a.store.DeletePost(ctx, id); err != nil {
		return err
	}
	a.log.Info("post deleted", logx.String("post", id))
	return nil
}

// PublishNow queues a post for immediate delivery. Posts that already
// delivered (fully or partially) are refused: re-sending to platforms
// that accepted the post once is never safe.
func (a *App) PublishNow(ctx context.Context, id string) error {
	p, err := a.store.GetPost(ctx, id)
	if err != nil {
		return err
	}
	switch p.Status {
	case publish.PostPosted, publish.PostPartial:
		return publish.NewError(publish.KindValidation, "post_already_delivered",
			fmt.Sprintf("post is %s; compose a new post instead", p.Status))
	case publish.PostPosting:
		return publish.NewError(publish.KindValidation, "delivery_in_flight",
			"post already has a delivery in flight")
	}
	if err := a.store.UpdatePostStatus(ctx, id, publish.PostScheduled, time.Time{}); err != nil {
		return err
	}
	if _, err := a.dispatch.Schedule(id, time.Now()); err != nil {
		return err
	}
	return nil
}

// Post returns a post together with its persisted per-target results.
func (a *App) Post(ctx context.Context, id string) (*publish.Post, []publish.Target, error) {
	p, err := a.store.GetPost(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	targets, err := a.store.TargetResults(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return p, targets, nil
}

// Posts lists posts by status ("" for all), soonest schedule first.
func (a *App) Posts(ctx context.Context, status publish.PostStatus, limit int) ([]publish.Post, error) {
	return a.store.ListPosts(ctx, status, limit)
}

// validatePost checks content and account selection, running each selected
// account's adapter validation.
func (a *App) validatePost(p *publish.Post) error {
	if p.Content.Empty() {
		return publish.NewError(publish.KindValidation, "empty_content", "post has no body or media")
	}
	if len(p.AccountIDs) == 0 {
		return publish.NewError(publish.KindValidation, "no_accounts", "post selects no accounts")
	}
	seen := make(map[string]struct{}, len(p.AccountIDs))
	for _, id := range p.AccountIDs {
		if strings.TrimSpace(id) == "" {
			return publish.NewError(publish.KindValidation, "empty_account_id", "post selects an empty account id")
		}
		if _, dup := seen[id]; dup {
			return publish.NewError(publish.KindValidation, "duplicate_account",
				fmt.Sprintf("account %q selected twice", id))
		}
		seen[id] = struct{}{}

		acct, ok := a.accounts.Account(id)
		if !ok {
			return publish.NewError(publish.KindValidation, "unknown_account",
				fmt.Sprintf("account %q is not configured", id))
		}
		ad, ok := a.registry.For(acct.Platform)
		if !ok {
			return publish.NewError(publish.KindValidation, "platform_unavailable",
				fmt.Sprintf("no adapter registered for %s", acct.Platform))
		}
		if err := ad.Validate(acct, p.Content); err != nil {
			return fmt.Errorf("account %s: %w", id, err)
		}
	}
	return nil
}

// schedulePost registers the dispatch side of a scheduled post: the cron
// entry for a recurrence, the one-shot job for a due time, or both.
func (a *App) schedulePost(p *publish.Post) error {
	if expr := strings.TrimSpace(p.Recurrence); expr != "" {
		if err := a.dispatch.ScheduleRecurring(p.ID, expr); err != nil {
			return fmt.Errorf("recurrence %q: %w", expr, err)
		}
	}
	if !p.ScheduledAt.IsZero() {
		if _, err := a.dispatch.Schedule(p.ID, p.ScheduledAt); err != nil {
			a.dispatch.RemoveRecurring(p.ID)
			return err
		}
	}
	return nil
}
