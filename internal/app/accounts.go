package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"crosspost/internal/config"
	"crosspost/internal/publish"
	"crosspost/internal/storage"
)

// accountDirectory is the live view of configured publishing accounts.
// Config reloads swap the whole set atomically, so a dispatch attempt
// never sees a half-updated account.
type accountDirectory struct {
	mu   sync.RWMutex
	byID map[string]publish.Account
}

func newAccountDirectory() *accountDirectory {
	return &accountDirectory{byID: make(map[string]publish.Account)}
}

// buildAccounts converts and validates the config account list. It is also
// used by the config validator so a bad reload is rejected before commit.
func buildAccounts(list []config.AccountConfig) (map[string]publish.Account, error) {
	out := make(map[string]publish.Account, len(list))
	for i, ac := range list {
		id := strings.TrimSpace(ac.ID)
		if id == "" {
			return nil, fmt.Errorf("accounts[%d].id is required", i)
		}
		if _, dup := out[id]; dup {
			return nil, fmt.Errorf("accounts[%d]: duplicate id %q", i, id)
		}
		kind := publish.ParsePlatform(ac.Platform)
		if kind == publish.PlatformUnknown {
			return nil, fmt.Errorf("accounts[%d] (%s): unknown platform %q", i, id, ac.Platform)
		}
		creds := make(map[string]string, len(ac.Credentials))
		for k, v := range ac.Credentials {
			creds[k] = v
		}
		out[id] = publish.Account{
			ID:          id,
			Platform:    kind,
			Name:        strings.TrimSpace(ac.Name),
			Credentials: creds,
		}
	}
	return out, nil
}

// Rebuild swaps in the account set from an already-validated config.
func (d *accountDirectory) Rebuild(list []config.AccountConfig) error {
	m, err := buildAccounts(list)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.byID = m
	d.mu.Unlock()
	return nil
}

// Account returns the account for id. It satisfies notify.AccountSource.
func (d *accountDirectory) Account(id string) (publish.Account, bool) {
	d.mu.RLock()
	a, ok := d.byID[id]
	d.mu.RUnlock()
	return a, ok
}

// IDs returns the configured account IDs, sorted.
func (d *accountDirectory) IDs() []string {
	d.mu.RLock()
	ids := make([]string, 0, len(d.byID))
	for id := range d.byID {
		ids = append(ids, id)
	}
	d.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// postResolver loads a post from storage and attaches the current
// credentials for its selected accounts. An account removed from config
// since the post was composed resolves as unknown, so only that target
// fails instead of the whole job.
type postResolver struct {
	store    storage.Store
	accounts *accountDirectory
}

func (r *postResolver) ResolvePost(ctx context.Context, postID string) (*publish.Post, error) {
	p, err := r.store.GetPost(ctx, postID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, publish.NewError(publish.KindPostNotFound, "post_missing",
				fmt.Sprintf("post %s no longer exists", postID))
		}
		return nil, err
	}
	p.Accounts = make([]publish.Account, 0, len(p.AccountIDs))
	for _, id := range p.AccountIDs {
		a, ok := r.accounts.Account(id)
		if !ok {
			a = publish.Account{ID: id, Platform: publish.PlatformUnknown}
		}
		p.Accounts = append(p.Accounts, a)
	}
	return p, nil
}
