// Package telegram publishes posts to Telegram chats and channels via the
// Bot API. One bot client is kept per token; accounts sharing a token share
// the client.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"crosspost/internal/platform"
	"crosspost/internal/publish"
	logx "crosspost/pkg/logx"
)

const (
	// Bot API hard limits. Validation rejects anything over these; the
	// publisher never chunks a post across multiple messages.
	textLimit    = 4096
	captionLimit = 1024
)

type Config struct {
	// Timeout bounds each Bot API HTTP call. Zero means telebot's default.
	Timeout time.Duration
}

type Adapter struct {
	cfg Config
	log logx.Logger

	mu   sync.Mutex
	bots map[string]*tele.Bot // keyed by token
}

func New(cfg Config, log logx.Logger) *Adapter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{cfg: cfg, log: log, bots: make(map[string]*tele.Bot)}
}

func (a *Adapter) Kind() publish.PlatformKind { return publish.PlatformTelegram }

// Validate checks credentials and Bot API size limits without touching the
// network.
func (a *Adapter) Validate(account publish.Account, content publish.Content) error {
	if account.Credential("token") == "" {
		return publish.NewError(publish.KindNotAuthenticated, "missing_token", "telegram account has no bot token")
	}
	if account.Credential("chat_id") == "" {
		return publish.NewError(publish.KindNotAuthenticated, "missing_chat_id", "telegram account has no chat_id")
	}
	if content.Empty() {
		return publish.NewError(publish.KindValidation, "empty_content", "post has no body and no media")
	}
	body := []rune(content.Body)
	if len(content.Media) > 0 {
		if len(body) > captionLimit {
			return publish.Errorf(publish.KindValidation, "caption_too_long", "caption is %d chars, telegram allows %d with media", len(body), captionLimit)
		}
		return nil
	}
	if len(body) > textLimit {
		return publish.Errorf(publish.KindValidation, "body_too_long", "body is %d chars, telegram allows %d", len(body), textLimit)
	}
	return nil
}

func (a *Adapter) Publish(ctx context.Context, account publish.Account, content publish.Content) (*platform.Result, error) {
	if err := a.Validate(account, content); err != nil {
		return nil, err
	}

	bot, err := a.bot(account.Credential("token"))
	if err != nil {
		return nil, err
	}
	to := recipient(account.Credential("chat_id"))

	if err := ctx.Err(); err != nil {
		return nil, publish.Classify(err)
	}

	var msg *tele.Message
	if len(content.Media) > 0 {
		photo := &tele.Photo{File: mediaFile(content.Media[0]), Caption: content.Body}
		msg, err = bot.Send(to, photo)
		if err == nil {
			// Remaining attachments go out as bare photos; the post text
			// already rode along as the first caption.
			for _, m := range content.Media[1:] {
				if ctx.Err() != nil {
					break
				}
				if _, e := bot.Send(to, &tele.Photo{File: mediaFile(m)}); e != nil {
					a.log.Warn("extra media failed", logx.String("account", account.ID), logx.Err(e))
					break
				}
			}
		}
	} else {
		msg, err = bot.Send(to, content.Body, &tele.SendOptions{DisableWebPagePreview: true})
	}
	if err != nil {
		return nil, classifyError(err)
	}

	return &platform.Result{
		RemoteID:  strconv.Itoa(msg.ID),
		RemoteURL: messageURL(msg),
	}, nil
}

// bot returns the cached client for a token, creating it on first use.
// telebot verifies the token with getMe, so a bad token surfaces here.
func (a *Adapter) bot(token string) (*tele.Bot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if b, ok := a.bots[token]; ok {
		return b, nil
	}
	settings := tele.Settings{Token: token}
	if a.cfg.Timeout > 0 {
		settings.Client = &http.Client{Timeout: a.cfg.Timeout}
	}
	b, err := tele.NewBot(settings)
	if err != nil {
		return nil, classifyError(err)
	}
	a.bots[token] = b
	return b, nil
}

// chatRecipient lets "@channelname" targets pass through untouched while
// numeric ids stay numeric.
type chatRecipient string

func (r chatRecipient) Recipient() string { return string(r) }

func recipient(chatID string) tele.Recipient {
	chatID = strings.TrimSpace(chatID)
	if id, err := strconv.ParseInt(chatID, 10, 64); err == nil {
		return tele.ChatID(id)
	}
	return chatRecipient(chatID)
}

func mediaFile(ref string) tele.File {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return tele.FromURL(ref)
	}
	return tele.FromDisk(ref)
}

func messageURL(msg *tele.Message) string {
	if msg == nil || msg.Chat == nil || msg.Chat.Username == "" {
		return ""
	}
	return "https://t.me/" + msg.Chat.Username + "/" + strconv.Itoa(msg.ID)
}

// classifyError maps telebot failures onto the shared taxonomy.
func classifyError(err error) *publish.Error {
	if err == nil {
		return nil
	}

	// Real flood responses arrive as tele.FloodError, a value type whose
	// inner *Error is unexported and not unwrappable, so it must be
	// matched before the *tele.Error branch.
	var fe tele.FloodError
	if errors.As(err, &fe) {
		return publish.Errorf(publish.KindRateLimited, "telegram_429",
			"telegram flood control: retry after %ds", fe.RetryAfter).
			WithRetryAfter(time.Duration(fe.RetryAfter) * time.Second)
	}

	var te *tele.Error
	if errors.As(err, &te) {
		switch {
		case te.Code == 401 || te.Code == 403:
			return publish.WrapError(publish.KindNotAuthenticated, "telegram_"+strconv.Itoa(te.Code), err)
		case te.Code == 429:
			return publish.WrapError(publish.KindRateLimited, "telegram_429", err).
				WithRetryAfter(floodRetryAfter(te.Description))
		case te.Code == 400:
			return publish.WrapError(publish.KindValidation, "telegram_400", err)
		case te.Code >= 500:
			return publish.WrapError(publish.KindPlatform, "telegram_"+strconv.Itoa(te.Code), err)
		}
	}

	return publish.Classify(err)
}

// floodRetryAfter pulls the reset hint out of a 429 description, which the
// Bot API phrases as "Too Many Requests: retry after N".
func floodRetryAfter(desc string) time.Duration {
	const marker = "retry after "
	i := strings.LastIndex(strings.ToLower(desc), marker)
	if i < 0 {
		return 0
	}
	rest := strings.TrimSpace(desc[i+len(marker):])
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	secs, err := strconv.Atoi(rest[:end])
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
