// Package discord publishes posts through Discord webhooks. A webhook URL is
// the whole credential; there is no token exchange.
package discord

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
	contentLimit = 2000
	maxFiles     = 10
)

type Config struct {
	// Timeout bounds each webhook call. Zero means 15s.
	Timeout time.Duration
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

func (a *Adapter) Kind() publish.PlatformKind { return publish.PlatformDiscord }

func (a *Adapter) Validate(account publish.Account, content publish.Content) error {
	url := account.Credential("webhook_url")
	if url == "" {
		return publish.NewError(publish.KindNotAuthenticated, "missing_webhook", "discord account has no webhook_url")
	}
	if !strings.HasPrefix(url, "https://") {
		return publish.NewError(publish.KindNotAuthenticated, "bad_webhook", "discord webhook_url must be https")
	}
	if content.Empty() {
		return publish.NewError(publish.KindValidation, "empty_content", "post has no body and no media")
	}
	if n := len([]rune(content.Body)); n > contentLimit {
		return publish.Errorf(publish.KindValidation, "body_too_long", "body is %d chars, discord allows %d", n, contentLimit)
	}
	if len(content.Media) > maxFiles {
		return publish.Errorf(publish.KindValidation, "too_many_attachments", "%d attachments, discord allows %d", len(content.Media), maxFiles)
	}
	for _, m := range content.Media {
		if strings.HasPrefix(m, "http://") || strings.HasPrefix(m, "https://") {
			return publish.NewError(publish.KindValidation, "remote_media", "discord media must be local files")
		}
	}
	return nil
}

func (a *Adapter) Publish(ctx context.Context, account publish.Account, content publish.Content) (*platform.Result, error) {
	if err := a.Validate(account, content); err != nil {
		return nil, err
	}

	// wait=true makes the webhook return the created message instead of 204,
	// which is the only way to learn the remote id.
	url := account.Credential("webhook_url")
	if strings.Contains(url, "?") {
		url += "&wait=true"
	} else {
		url += "?wait=true"
	}

	var req *http.Request
	var err error
	if len(content.Media) > 0 {
		req, err = a.multipartRequest(ctx, url, content)
	} else {
		payload, merr := json.Marshal(map[string]string{"content": content.Body})
		if merr != nil {
			return nil, publish.WrapError(publish.KindUnknown, "encode", merr)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if req != nil {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	if err != nil {
		return nil, publish.WrapError(publish.KindValidation, "bad_webhook", err)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, publish.Classify(err)
	}
	defer resp.Body.Close()

	quota := platform.ParseHTTPRateLimit(resp.Header)

	if resp.StatusCode/100 != 2 {
		return nil, classifyStatus(resp)
	}

	var msg struct {
		ID        string `json:"id"`
		ChannelID string `json:"channel_id"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&msg); err != nil {
		return nil, publish.WrapError(publish.KindPlatform, "bad_response", err)
	}

	a.log.Debug("webhook message created", logx.String("account", account.ID), logx.String("remote_id", msg.ID))
	return &platform.Result{RemoteID: msg.ID, RateLimit: quota}, nil
}

func (a *Adapter) multipartRequest(ctx context.Context, url string, content publish.Content) (*http.Request, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	payload, err := json.Marshal(map[string]string{"content": content.Body})
	if err != nil {
		return nil, err
	}
	if err := mw.WriteField("payload_json", string(payload)); err != nil {
		return nil, err
	}

	for i, path := range content.Media {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		part, err := mw.CreateFormFile(fmt.Sprintf("files[%d]", i), filepath.Base(path))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		f.Close()
		if err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req, nil
}

func classifyStatus(resp *http.Response) *publish.Error {
	code := fmt.Sprintf("http_%d", resp.StatusCode)
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	msg := apiErrorMessage(body, resp.Status)

	switch {
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusNotFound:
		// A 404 here means the webhook was deleted; the credential is dead.
		return publish.NewError(publish.KindNotAuthenticated, code, msg)
	case resp.StatusCode == http.StatusBadRequest:
		return publish.NewError(publish.KindValidation, code, msg)
	case resp.StatusCode == http.StatusTooManyRequests:
		perr := publish.NewError(publish.KindRateLimited, code, msg)
		if d := retryAfterFromBody(body); d > 0 {
			return perr.WithRetryAfter(d)
		}
		if d := platform.ParseRetryAfter(resp.Header); d > 0 {
			return perr.WithRetryAfter(d)
		}
		return perr
	default:
		return publish.NewError(publish.KindPlatform, code, msg)
	}
}

func apiErrorMessage(body []byte, fallback string) string {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		return payload.Message
	}
	return fallback
}

// retryAfterFromBody reads Discord's JSON retry hint, which is fractional
// seconds in current API versions.
func retryAfterFromBody(body []byte) time.Duration {
	var payload struct {
		RetryAfter float64 `json:"retry_after"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.RetryAfter <= 0 {
		return 0
	}
	return time.Duration(payload.RetryAfter * float64(time.Second))
}
