package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"crosspost/internal/publish"
	logx "crosspost/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.posts.snapshot.json (periodic snapshot of full state)
//   - <prefix>.posts.journal.jsonl (append-only journal)
//
// The journal is periodically compacted into the snapshot. Every write
// goes through the same journal record that replay uses, so a restart
// reconstructs exactly the in-memory state.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journalFile  *os.File

	posts   map[string]publish.Post
	results map[string][]publish.Target

	writes int
}

const (
	opPost    = "post"
	opStatus  = "status"
	opDelete  = "delete"
	opTargets = "targets"

	compactEvery = 256
)

type journalRecord struct {
	Op        string             `json:"op"`
	Post      *publish.Post      `json:"post,omitempty"`
	PostID    string             `json:"post_id,omitempty"`
	Status    publish.PostStatus `json:"status,omitempty"`
	PostedAt  int64              `json:"posted_at,omitempty"`
	UpdatedAt int64              `json:"updated_at,omitempty"`
	Targets   []publish.Target   `json:"targets,omitempty"`
}

type fileState struct {
	Posts   map[string]publish.Post     `json:"posts"`
	Results map[string][]publish.Target `json:"results"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".posts.snapshot.json"
	journalPath := prefix + ".posts.journal.jsonl"

	st := &fileStore{
		log:          log,
		snapshotPath: snapPath,
		posts:        map[string]publish.Post{},
		results:      map[string][]publish.Target{},
	}
	_ = st.loadSnapshot(snapPath)
	_ = st.replayJournal(journalPath)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	st.journalFile = jf
	return st, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	err := s.journalFile.Close()
	s.journalFile = nil
	return err
}

func (s *fileStore) CreatePost(ctx context.Context, p *publish.Post) error {
	_ = ctx
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.posts[p.ID]; exists {
		return fmt.Errorf("post %s already exists", p.ID)
	}
	cp := *p
	cp.Accounts = nil
	return s.appendLocked(journalRecord{Op: opPost, Post: &cp})
}

func (s *fileStore) GetPost(ctx context.Context, id string) (*publish.Post, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := p
	return &cp, nil
}

func (s *fileStore) UpdatePost(ctx context.Context, p *publish.Post) error {
	_ = ctx
	p.UpdatedAt = time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.posts[p.ID]; !ok {
		return ErrNotFound
	}
	cp := *p
	cp.Accounts = nil
	return s.appendLocked(journalRecord{Op: opPost, Post: &cp})
}

func (s *fileStore) DeletePost(ctx context.Context, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.posts[id]; !ok {
		return ErrNotFound
	}
	return s.appendLocked(journalRecord{Op: opDelete, PostID: id})
}

func (s *fileStore) ListPosts(ctx context.Context, status publish.PostStatus, limit int) ([]publish.Post, error) {
	_ = ctx
	s.mu.Lock()
	out := make([]publish.Post, 0, len(s.posts))
	for _, p := range s.posts {
		if status != "" && p.Status != status {
			continue
		}
		out = append(out, p)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, k int) bool {
		if !out[i].ScheduledAt.Equal(out[k].ScheduledAt) {
			return out[i].ScheduledAt.Before(out[k].ScheduledAt)
		}
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.Before(out[k].CreatedAt)
		}
		return out[i].ID < out[k].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fileStore) UpdatePostStatus(ctx context.Context, id string, status publish.PostStatus, postedAt time.Time) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.posts[id]; !ok {
		return ErrNotFound
	}
	return s.appendLocked(journalRecord{
		Op:        opStatus,
		PostID:    id,
		Status:    status,
		PostedAt:  milli(postedAt),
		UpdatedAt: time.Now().UnixMilli(),
	})
}

func (s *fileStore) RecordTargetResults(ctx context.Context, postID string, targets []publish.Target) error {
	_ = ctx
	if len(targets) == 0 {
		return nil
	}
	cp := make([]publish.Target, len(targets))
	copy(cp, targets)

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(journalRecord{Op: opTargets, PostID: postID, Targets: cp})
}

func (s *fileStore) TargetResults(ctx context.Context, postID string) ([]publish.Target, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.results[postID]
	if !ok {
		return nil, nil
	}
	out := make([]publish.Target, len(rs))
	copy(out, rs)
	return out, nil
}

// appendLocked journals the record, applies it to in-memory state, and
// compacts when enough writes accumulated. Call with s.mu held.
func (s *fileStore) appendLocked(r journalRecord) error {
	if s.journalFile == nil {
		return errors.New("posts journal closed")
	}
	if err := json.NewEncoder(s.journalFile).Encode(r); err != nil {
		return err
	}
	s.applyLocked(r)
	s.writes++
	if s.writes%compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("posts compact failed", logx.Any("err", err))
		}
	}
	return nil
}

func (s *fileStore) applyLocked(r journalRecord) {
	switch r.Op {
	case opPost:
		if r.Post != nil {
			s.posts[r.Post.ID] = *r.Post
		}
	case opStatus:
		p, ok := s.posts[r.PostID]
		if !ok {
			return
		}
		p.Status = r.Status
		if r.PostedAt > 0 {
			p.PostedAt = fromMilli(r.PostedAt)
		}
		if r.UpdatedAt > 0 {
			p.UpdatedAt = fromMilli(r.UpdatedAt)
		}
		s.posts[r.PostID] = p
	case opDelete:
		delete(s.posts, r.PostID)
		delete(s.results, r.PostID)
	case opTargets:
		rs := s.results[r.PostID]
		for _, t := range r.Targets {
			replaced := false
			for i := range rs {
				if rs[i].ID == t.ID {
					rs[i] = t
					replaced = true
					break
				}
			}
			if !replaced {
				rs = append(rs, t)
			}
		}
		s.results[r.PostID] = rs
	}
}

func (s *fileStore) compactLocked() error {
	state := fileState{Posts: s.posts, Results: s.results}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(state); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func (s *fileStore) loadSnapshot(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var state fileState
	if err := json.NewDecoder(f).Decode(&state); err != nil {
		return err
	}
	if state.Posts != nil {
		s.posts = state.Posts
	}
	if state.Results != nil {
		s.results = state.Results
	}
	return nil
}

func (s *fileStore) replayJournal(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		s.applyLocked(r)
	}
	return sc.Err()
}
