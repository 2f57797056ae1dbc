package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"crosspost/internal/publish"
	logx "crosspost/pkg/logx"
)

// Store is the persistence API used by the app and the dispatch engine.
// UpdatePostStatus and RecordTargetResults make every Store a valid
// dispatch.StatusSink.
type Store interface {
	CreatePost(ctx context.Context, p *publish.Post) error
	GetPost(ctx context.Context, id string) (*publish.Post, error)
	UpdatePost(ctx context.Context, p *publish.Post) error
	DeletePost(ctx context.Context, id string) error

	// ListPosts returns posts with the given status (all statuses when
	// empty), ordered by scheduled time then creation time. limit <= 0
	// means no limit.
	ListPosts(ctx context.Context, status publish.PostStatus, limit int) ([]publish.Post, error)

	UpdatePostStatus(ctx context.Context, id string, status publish.PostStatus, postedAt time.Time) error

	// RecordTargetResults upserts the per-target outcome rows for a post.
	// Rows are keyed by target ID, so a retried attempt overwrites the
	// previous attempt's row instead of stacking duplicates.
	RecordTargetResults(ctx context.Context, postID string, targets []publish.Target) error
	TargetResults(ctx context.Context, postID string) ([]publish.Target, error)

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
