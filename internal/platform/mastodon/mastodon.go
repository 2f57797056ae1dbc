// Package mastodon publishes posts to a Mastodon (or API-compatible) server
// over its REST API. Media files are uploaded first, then attached to the
// status by id.
package mastodon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"crosspost/internal/platform"
	"crosspost/internal/publish"
	logx "crosspost/pkg/logx"
)

const (
	defaultCharLimit = 500
	maxAttachments   = 4
)

type Config struct {
	// Timeout bounds each API call. Zero means 15s.
	Timeout time.Duration
	// CharLimit overrides the server's status length limit (default 500).
	CharLimit int
}

type Adapter struct {
	cfg  Config
	log  logx.Logger
	http *http.Client
}

func New(cfg Config, log logx.Logger) *Adapter {
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Adapter{cfg: cfg, log: log, http: &http.Client{Timeout: timeout}}
}

func (a *Adapter) Kind() publish.PlatformKind { return publish.PlatformMastodon }

func (a *Adapter) charLimit() int {
	if a.cfg.CharLimit > 0 {
		return a.cfg.CharLimit
	}
	return defaultCharLimit
}

func (a *Adapter) Validate(account publish.Account, content publish.Content) error {
	if account.Credential("server") == "" {
		return publish.NewError(publish.KindNotAuthenticated, "missing_server", "mastodon account has no server URL")
	}
	if account.Credential("access_token") == "" {
		return publish.NewError(publish.KindNotAuthenticated, "missing_token", "mastodon account has no access token")
	}
	if content.Empty() {
		return publish.NewError(publish.KindValidation, "empty_content", "post has no body and no media")
	}
	if n := len([]rune(content.Body)); n > a.charLimit() {
		return publish.Errorf(publish.KindValidation, "body_too_long", "body is %d chars, limit is %d", n, a.charLimit())
	}
	if len(content.Media) > maxAttachments {
		return publish.Errorf(publish.KindValidation, "too_many_attachments", "%d attachments, mastodon allows %d", len(content.Media), maxAttachments)
	}
	for _, m := range content.Media {
		if strings.HasPrefix(m, "http://") || strings.HasPrefix(m, "https://") {
			return publish.NewError(publish.KindValidation, "remote_media", "mastodon media must be local files")
		}
	}
	return nil
}

func (a *Adapter) Publish(ctx context.Context, account publish.Account, content publish.Content) (*platform.Result, error) {
	if err := a.Validate(account, content); err != nil {
		return nil, err
	}
	server := strings.TrimRight(account.Credential("server"), "/")
	token := account.Credential("access_token")

	mediaIDs := make([]string, 0, len(content.Media))
	for _, m := range content.Media {
		id, err := a.uploadMedia(ctx, server, token, m)
		if err != nil {
			return nil, err
		}
		mediaIDs = append(mediaIDs, id)
	}

	payload := struct {
		Status   string   `json:"status"`
		MediaIDs []string `json:"media_ids,omitempty"`
	}{Status: content.Body, MediaIDs: mediaIDs}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, publish.WrapError(publish.KindUnknown, "encode", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, server+"/api/v1/statuses", bytes.NewReader(body))
	if err != nil {
		return nil, publish.WrapError(publish.KindValidation, "bad_server_url", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, publish.Classify(err)
	}
	defer resp.Body.Close()

	quota := platform.ParseHTTPRateLimit(resp.Header)

	if resp.StatusCode/100 != 2 {
		perr := classifyStatus(resp)
		if quota != nil {
			// Keep the observation even on failures so the tracker learns
			// about exhausted windows from the 429 itself.
			perr.Message = fmt.Sprintf("%s (remaining=%d)", perr.Message, quota.Remaining)
		}
		return nil, perr
	}

	var status struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&status); err != nil {
		return nil, publish.WrapError(publish.KindPlatform, "bad_response", err)
	}

	a.log.Debug("status created", logx.String("account", account.ID), logx.String("remote_id", status.ID))
	return &platform.Result{RemoteID: status.ID, RemoteURL: status.URL, RateLimit: quota}, nil
}

// uploadMedia pushes one local file through /api/v2/media and returns the
// attachment id.
func (a *Adapter) uploadMedia(ctx context.Context, server, token, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", publish.WrapError(publish.KindValidation, "media_unreadable", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return "", publish.WrapError(publish.KindUnknown, "multipart", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", publish.WrapError(publish.KindValidation, "media_unreadable", err)
	}
	if err := mw.Close(); err != nil {
		return "", publish.WrapError(publish.KindUnknown, "multipart", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, server+"/api/v2/media", &buf)
	if err != nil {
		return "", publish.WrapError(publish.KindValidation, "bad_server_url", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := a.http.Do(req)
	if err != nil {
		return "", publish.Classify(err)
	}
	defer resp.Body.Close()

	// 202 means the server is still processing the attachment; the id is
	// already usable for status creation.
	if resp.StatusCode/100 != 2 {
		return "", classifyStatus(resp)
	}

	var media struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&media); err != nil {
		return "", publish.WrapError(publish.KindPlatform, "bad_response", err)
	}
	if media.ID == "" {
		return "", publish.NewError(publish.KindPlatform, "bad_response", "media upload returned no id")
	}
	return media.ID, nil
}

// classifyStatus maps an API error response onto the shared taxonomy.
func classifyStatus(resp *http.Response) *publish.Error {
	msg := apiErrorMessage(resp)
	code := fmt.Sprintf("http_%d", resp.StatusCode)
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return publish.NewError(publish.KindNotAuthenticated, code, msg)
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return publish.NewError(publish.KindValidation, code, msg)
	case resp.StatusCode == http.StatusTooManyRequests:
		perr := publish.NewError(publish.KindRateLimited, code, msg)
		if d := platform.ParseRetryAfter(resp.Header); d > 0 {
			return perr.WithRetryAfter(d)
		}
		if info := platform.ParseHTTPRateLimit(resp.Header); info != nil {
			return perr.WithRetryAfter(time.Until(info.ResetAt))
		}
		return perr
	case resp.StatusCode >= 500:
		return publish.NewError(publish.KindPlatform, code, msg)
	default:
		return publish.NewError(publish.KindPlatform, code, msg)
	}
}

func apiErrorMessage(resp *http.Response) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err == nil && body.Error != "" {
		return body.Error
	}
	return resp.Status
}
