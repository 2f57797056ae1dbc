package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"crosspost/internal/publish"
	logx "crosspost/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) CreatePost(ctx context.Context, p *publish.Post) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	media, err := jsonList(p.Content.Media)
	if err != nil {
		return err
	}
	ids, err := jsonList(p.AccountIDs)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO posts(id, body, media, account_ids, status, recurrence, scheduled_at, posted_at, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Content.Body, nullStr(media), ids, string(p.Status), nullStr(p.Recurrence),
		milli(p.ScheduledAt), milli(p.PostedAt), milli(p.CreatedAt), milli(p.UpdatedAt),
	)
	return err
}

func (s *sqliteStore) GetPost(ctx context.Context, id string) (*publish.Post, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, body, media, account_ids, status, recurrence, scheduled_at, posted_at, created_at, updated_at
		 FROM posts WHERE id = ?`, id)
	p, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *sqliteStore) UpdatePost(ctx context.Context, p *publish.Post) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	p.UpdatedAt = time.Now()

	media, err := jsonList(p.Content.Media)
	if err != nil {
		return err
	}
	ids, err := jsonList(p.AccountIDs)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE posts SET body=?, media=?, account_ids=?, status=?, recurrence=?, scheduled_at=?, posted_at=?, updated_at=?
		 WHERE id=?`,
		p.Content.Body, nullStr(media), ids, string(p.Status), nullStr(p.Recurrence),
		milli(p.ScheduledAt), milli(p.PostedAt), milli(p.UpdatedAt), p.ID,
	)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (s *sqliteStore) DeletePost(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM posts WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if err := affectedOrNotFound(res); err != nil {
		return err
	}
	_, _ = s.db.ExecContext(ctx, `DELETE FROM target_results WHERE post_id = ?`, id)
	return nil
}

func (s *sqliteStore) ListPosts(ctx context.Context, status publish.PostStatus, limit int) ([]publish.Post, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	q := `SELECT id, body, media, account_ids, status, recurrence, scheduled_at, posted_at, created_at, updated_at FROM posts`
	args := []any{}
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY scheduled_at ASC, created_at ASC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []publish.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpdatePostStatus(ctx context.Context, id string, status publish.PostStatus, postedAt time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE posts SET status=?, posted_at=CASE WHEN ? > 0 THEN ? ELSE posted_at END, updated_at=? WHERE id=?`,
		string(status), milli(postedAt), milli(postedAt), time.Now().UnixMilli(), id,
	)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (s *sqliteStore) RecordTargetResults(ctx context.Context, postID string, targets []publish.Target) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if len(targets) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, t := range targets {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO target_results(id, post_id, account_id, account_name, platform, status, remote_id, remote_url, error_kind, error_code, error_message, retry_count, updated_at)
			 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)
			 ON CONFLICT(id) DO UPDATE SET
			   status=excluded.status, remote_id=excluded.remote_id, remote_url=excluded.remote_url,
			   error_kind=excluded.error_kind, error_code=excluded.error_code, error_message=excluded.error_message,
			   retry_count=excluded.retry_count, updated_at=excluded.updated_at`,
			t.ID, postID, t.AccountID, nullStr(t.AccountName), string(t.Platform), string(t.Status),
			nullStr(t.RemoteID), nullStr(t.RemoteURL), nullStr(string(t.ErrorKind)), nullStr(t.ErrorCode),
			nullStr(t.ErrorMessage), t.RetryCount, milli(t.UpdatedAt),
		)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) TargetResults(ctx context.Context, postID string) ([]publish.Target, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, post_id, account_id, account_name, platform, status, remote_id, remote_url, error_kind, error_code, error_message, retry_count, updated_at
		 FROM target_results WHERE post_id = ? ORDER BY updated_at ASC, id ASC`, postID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []publish.Target
	for rows.Next() {
		var t publish.Target
		var name, remoteID, remoteURL, kind, code, msg sql.NullString
		var platform, status string
		var updated int64
		if err := rows.Scan(&t.ID, &t.PostID, &t.AccountID, &name, &platform, &status,
			&remoteID, &remoteURL, &kind, &code, &msg, &t.RetryCount, &updated); err != nil {
			return nil, err
		}
		t.AccountName = name.String
		t.Platform = publish.PlatformKind(platform)
		t.Status = publish.TargetStatus(status)
		t.RemoteID = remoteID.String
		t.RemoteURL = remoteURL.String
		t.ErrorKind = publish.ErrorKind(kind.String)
		t.ErrorCode = code.String
		t.ErrorMessage = msg.String
		t.UpdatedAt = fromMilli(updated)
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(row rowScanner) (*publish.Post, error) {
	var p publish.Post
	var media, recurrence sql.NullString
	var ids, status string
	var scheduled, posted, created, updated int64
	if err := row.Scan(&p.ID, &p.Content.Body, &media, &ids, &status, &recurrence,
		&scheduled, &posted, &created, &updated); err != nil {
		return nil, err
	}
	if media.Valid && media.String != "" {
		if err := json.Unmarshal([]byte(media.String), &p.Content.Media); err != nil {
			return nil, fmt.Errorf("decode media for post %s: %w", p.ID, err)
		}
	}
	if err := json.Unmarshal([]byte(ids), &p.AccountIDs); err != nil {
		return nil, fmt.Errorf("decode account_ids for post %s: %w", p.ID, err)
	}
	p.Status = publish.PostStatus(status)
	p.Recurrence = recurrence.String
	p.ScheduledAt = fromMilli(scheduled)
	p.PostedAt = fromMilli(posted)
	p.CreatedAt = fromMilli(created)
	p.UpdatedAt = fromMilli(updated)
	return &p, nil
}

func affectedOrNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func jsonList(v []string) (string, error) {
	if len(v) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func milli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
