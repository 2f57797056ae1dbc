package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"crosspost/internal/publish"
	logx "crosspost/pkg/logx"
)

func testDrivers(t *testing.T, fn func(t *testing.T, st Store)) {
	t.Helper()
	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			st, err := Open(Config{Driver: driver, Path: filepath.Join(t.TempDir(), "data.db")}, logx.Nop())
			if err != nil {
				t.Fatalf("Open(%s): %v", driver, err)
			}
			if st == nil {
				t.Fatalf("Open(%s) returned nil store", driver)
			}
			t.Cleanup(func() { _ = st.Close() })
			fn(t, st)
		})
	}
}

func samplePost(id string) *publish.Post {
	return &publish.Post{
		ID:          id,
		Content:     publish.Content{Body: "release day!", Media: []string{"shot.png"}},
		AccountIDs:  []string{"tg-main", "masto-main"},
		Status:      publish.PostScheduled,
		ScheduledAt: time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: ""}, logx.Nop())
	if err != nil || st != nil {
		t.Fatalf("Open(none) = %v, %v; want nil, nil", st, err)
	}
	if _, err := Open(Config{Driver: "bogus", Path: "x"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestPostCRUD(t *testing.T) {
	t.Parallel()
	testDrivers(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		want := samplePost("p1")
		if err := st.CreatePost(ctx, want); err != nil {
			t.Fatalf("CreatePost: %v", err)
		}

		got, err := st.GetPost(ctx, "p1")
		if err != nil {
			t.Fatalf("GetPost: %v", err)
		}
		if got.Content.Body != want.Content.Body {
			t.Fatalf("Body = %q, want %q", got.Content.Body, want.Content.Body)
		}
		if len(got.Content.Media) != 1 || got.Content.Media[0] != "shot.png" {
			t.Fatalf("Media = %v", got.Content.Media)
		}
		if len(got.AccountIDs) != 2 || got.AccountIDs[0] != "tg-main" || got.AccountIDs[1] != "masto-main" {
			t.Fatalf("AccountIDs = %v, want selection order preserved", got.AccountIDs)
		}
		if got.Status != publish.PostScheduled {
			t.Fatalf("Status = %s", got.Status)
		}
		if got.ScheduledAt.UnixMilli() != want.ScheduledAt.UnixMilli() {
			t.Fatalf("ScheduledAt = %v, want %v", got.ScheduledAt, want.ScheduledAt)
		}
		if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
			t.Fatal("timestamps not set on create")
		}

		got.Content.Body = "edited"
		if err := st.UpdatePost(ctx, got); err != nil {
			t.Fatalf("UpdatePost: %v", err)
		}
		got2, err := st.GetPost(ctx, "p1")
		if err != nil || got2.Content.Body != "edited" {
			t.Fatalf("after update: %+v, %v", got2, err)
		}

		if err := st.DeletePost(ctx, "p1"); err != nil {
			t.Fatalf("DeletePost: %v", err)
		}
		if _, err := st.GetPost(ctx, "p1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("GetPost after delete = %v, want ErrNotFound", err)
		}
		if err := st.DeletePost(ctx, "p1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("DeletePost twice = %v, want ErrNotFound", err)
		}
		if err := st.UpdatePost(ctx, want); !errors.Is(err, ErrNotFound) {
			t.Fatalf("UpdatePost on missing = %v, want ErrNotFound", err)
		}
	})
}

func TestUpdatePostStatusKeepsPostedAt(t *testing.T) {
	t.Parallel()
	testDrivers(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		if err := st.CreatePost(ctx, samplePost("p1")); err != nil {
			t.Fatalf("CreatePost: %v", err)
		}

		if err := st.UpdatePostStatus(ctx, "p1", publish.PostPosting, time.Time{}); err != nil {
			t.Fatalf("UpdatePostStatus(posting): %v", err)
		}
		postedAt := time.Now()
		if err := st.UpdatePostStatus(ctx, "p1", publish.PostPosted, postedAt); err != nil {
			t.Fatalf("UpdatePostStatus(posted): %v", err)
		}

		got, err := st.GetPost(ctx, "p1")
		if err != nil {
			t.Fatalf("GetPost: %v", err)
		}
		if got.Status != publish.PostPosted {
			t.Fatalf("Status = %s, want posted", got.Status)
		}
		if got.PostedAt.UnixMilli() != postedAt.UnixMilli() {
			t.Fatalf("PostedAt = %v, want %v", got.PostedAt, postedAt)
		}

		// A later zero-timestamp update must not wipe the posted time.
		if err := st.UpdatePostStatus(ctx, "p1", publish.PostPosted, time.Time{}); err != nil {
			t.Fatalf("UpdatePostStatus(zero): %v", err)
		}
		got, _ = st.GetPost(ctx, "p1")
		if got.PostedAt.UnixMilli() != postedAt.UnixMilli() {
			t.Fatalf("PostedAt after zero update = %v, want %v", got.PostedAt, postedAt)
		}

		if err := st.UpdatePostStatus(ctx, "ghost", publish.PostFailed, time.Time{}); !errors.Is(err, ErrNotFound) {
			t.Fatalf("UpdatePostStatus on missing = %v, want ErrNotFound", err)
		}
	})
}

func TestTargetResultsUpsert(t *testing.T) {
	t.Parallel()
	testDrivers(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		if err := st.CreatePost(ctx, samplePost("p1")); err != nil {
			t.Fatalf("CreatePost: %v", err)
		}

		first := []publish.Target{
			{ID: "t1", PostID: "p1", AccountID: "tg-main", Platform: publish.PlatformTelegram,
				Status: publish.TargetFailed, ErrorKind: publish.KindNetwork, ErrorMessage: "timeout", RetryCount: 1, UpdatedAt: time.Now()},
			{ID: "t2", PostID: "p1", AccountID: "masto-main", Platform: publish.PlatformMastodon,
				Status: publish.TargetSuccess, RemoteID: "m-1", UpdatedAt: time.Now()},
		}
		if err := st.RecordTargetResults(ctx, "p1", first); err != nil {
			t.Fatalf("RecordTargetResults: %v", err)
		}

		retry := []publish.Target{
			{ID: "t1", PostID: "p1", AccountID: "tg-main", Platform: publish.PlatformTelegram,
				Status: publish.TargetSuccess, RemoteID: "tg-9", RetryCount: 1, UpdatedAt: time.Now()},
		}
		if err := st.RecordTargetResults(ctx, "p1", retry); err != nil {
			t.Fatalf("RecordTargetResults(retry): %v", err)
		}

		got, err := st.TargetResults(ctx, "p1")
		if err != nil {
			t.Fatalf("TargetResults: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("got %d rows, want 2 (retry must upsert, not stack)", len(got))
		}
		byID := map[string]publish.Target{}
		for _, tgt := range got {
			byID[tgt.ID] = tgt
		}
		if byID["t1"].Status != publish.TargetSuccess || byID["t1"].RemoteID != "tg-9" {
			t.Fatalf("t1 = %+v, want updated success row", byID["t1"])
		}
		if byID["t1"].ErrorMessage != "" {
			t.Fatalf("t1 kept stale error %q", byID["t1"].ErrorMessage)
		}
		if byID["t2"].RemoteID != "m-1" {
			t.Fatalf("t2 = %+v", byID["t2"])
		}

		if rs, err := st.TargetResults(ctx, "nothing"); err != nil || len(rs) != 0 {
			t.Fatalf("TargetResults(unknown) = %v, %v", rs, err)
		}
	})
}

func TestListPostsFilterAndOrder(t *testing.T) {
	t.Parallel()
	testDrivers(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		base := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)

		mk := func(id string, status publish.PostStatus, at time.Time) {
			p := samplePost(id)
			p.Status = status
			p.ScheduledAt = at
			if err := st.CreatePost(ctx, p); err != nil {
				t.Fatalf("CreatePost(%s): %v", id, err)
			}
		}
		mk("later", publish.PostScheduled, base.Add(2*time.Hour))
		mk("sooner", publish.PostScheduled, base)
		mk("done", publish.PostPosted, base.Add(time.Hour))

		scheduled, err := st.ListPosts(ctx, publish.PostScheduled, 0)
		if err != nil {
			t.Fatalf("ListPosts: %v", err)
		}
		if len(scheduled) != 2 || scheduled[0].ID != "sooner" || scheduled[1].ID != "later" {
			ids := make([]string, 0, len(scheduled))
			for _, p := range scheduled {
				ids = append(ids, p.ID)
			}
			t.Fatalf("scheduled list = %v, want [sooner later]", ids)
		}

		all, err := st.ListPosts(ctx, "", 0)
		if err != nil || len(all) != 3 {
			t.Fatalf("ListPosts(all) = %d posts, %v", len(all), err)
		}
		limited, err := st.ListPosts(ctx, "", 2)
		if err != nil || len(limited) != 2 {
			t.Fatalf("ListPosts(limit 2) = %d posts, %v", len(limited), err)
		}
	})
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := Config{Driver: "file", Path: filepath.Join(dir, "data.db")}
	ctx := context.Background()

	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := st.CreatePost(ctx, samplePost("p1")); err != nil {
		t.Fatalf("CreatePost: %v", err)
	}
	if err := st.UpdatePostStatus(ctx, "p1", publish.PostPosting, time.Time{}); err != nil {
		t.Fatalf("UpdatePostStatus: %v", err)
	}
	if err := st.RecordTargetResults(ctx, "p1", []publish.Target{
		{ID: "t1", PostID: "p1", AccountID: "tg-main", Platform: publish.PlatformTelegram, Status: publish.TargetFailed, ErrorMessage: "boom", UpdatedAt: time.Now()},
	}); err != nil {
		t.Fatalf("RecordTargetResults: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st2, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()

	got, err := st2.GetPost(ctx, "p1")
	if err != nil {
		t.Fatalf("GetPost after reopen: %v", err)
	}
	if got.Status != publish.PostPosting {
		t.Fatalf("Status after reopen = %s, want posting", got.Status)
	}
	rs, err := st2.TargetResults(ctx, "p1")
	if err != nil || len(rs) != 1 || rs[0].ErrorMessage != "boom" {
		t.Fatalf("TargetResults after reopen = %+v, %v", rs, err)
	}
}
