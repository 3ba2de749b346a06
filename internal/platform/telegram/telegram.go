// Package telegram publishes to channels and groups through the Bot API.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	tele "gopkg.in/telebot.v4"

	"github.com/publicboost/boost-publisher/internal/domain"
	"github.com/publicboost/boost-publisher/internal/platform"
)

const (
	DefaultAPIURL = "https://api.telegram.org"

	// Bot API limits, counted in characters.
	MaxCaptionLength = 1024
	MaxTextLength    = 4096
)

type Config struct {
	APIURL     string
	HTTPClient *http.Client
}

type Adapter struct {
	apiURL string
	client *http.Client
}

var (
	_ platform.Publisher    = (*Adapter)(nil)
	_ platform.StatsFetcher = (*Adapter)(nil)
)

func New(cfg Config) *Adapter {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Adapter{apiURL: strings.TrimRight(cfg.APIURL, "/"), client: client}
}

func (a *Adapter) Platform() domain.Platform { return domain.PlatformTelegram }

// chat is a channel or group addressed by numeric id or @username.
type chat string

func (c chat) Recipient() string { return string(c) }

// bot builds an offline client for the community's token. Offline skips
// the getMe round trip, so construction never touches the network.
func (a *Adapter) bot(cred domain.Credential) (*tele.Bot, error) {
	if cred.BotToken == "" {
		return nil, domain.CredentialUnavailable("telegram bot token missing", nil)
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cred.BotToken,
		URL:     a.apiURL,
		Client:  a.client,
		Offline: true,
	})
	if err != nil {
		return nil, domain.CredentialUnavailable("invalid telegram bot settings", err)
	}
	return b, nil
}

// Publish sends the post and returns "<chat>:<message_id>" of the first
// message delivered. The Bot API has no context support, so the client
// timeout bounds each call; a cancelled context is only honoured before
// the first request.
func (a *Adapter) Publish(ctx context.Context, cred domain.Credential, target platform.Target, content domain.Content) (string, error) {
	if content.Empty() {
		return "", domain.Permanent("post has no content", nil)
	}
	if n := utf8.RuneCountInString(content.Text); n > MaxTextLength {
		return "", domain.Permanent(fmt.Sprintf("text is %d characters, telegram allows %d", n, MaxTextLength), nil)
	}
	if target.ExternalID == "" {
		return "", domain.Permanent("telegram chat id missing", nil)
	}
	b, err := a.bot(cred)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", domain.Transient("publish cancelled", err)
	}

	to := chat(target.ExternalID)
	var first *tele.Message

	switch {
	case content.ImageURL == "":
		first, err = b.Send(to, content.Text)
	case utf8.RuneCountInString(content.Text) <= MaxCaptionLength:
		first, err = b.Send(to, &tele.Photo{File: tele.FromURL(content.ImageURL), Caption: content.Text})
	default:
		first, err = b.Send(to, &tele.Photo{File: tele.FromURL(content.ImageURL)})
		if err != nil {
			break
		}
		if _, err := b.Send(to, content.Text); err != nil {
			// the photo is live, so the attempt must not be retried
			photo := messageID(target.ExternalID, first)
			return "", domain.Permanent(fmt.Sprintf("telegram photo %s delivered but text failed", photo), classify(err, cred.BotToken))
		}
	}
	if err != nil {
		return "", classify(err, cred.BotToken)
	}
	return messageID(target.ExternalID, first), nil
}

func messageID(chatID string, m *tele.Message) string {
	if m != nil && m.Chat != nil && m.Chat.ID != 0 {
		chatID = strconv.FormatInt(m.Chat.ID, 10)
	}
	id := 0
	if m != nil {
		id = m.ID
	}
	return fmt.Sprintf("%s:%d", chatID, id)
}

// FetchStats reads the chat member count.
func (a *Adapter) FetchStats(ctx context.Context, cred domain.Credential, target platform.Target) ([]platform.Metric, error) {
	b, err := a.bot(cred)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, domain.Transient("stats cancelled", err)
	}

	data, err := b.Raw("getChatMemberCount", map[string]string{"chat_id": target.ExternalID})
	if err != nil {
		return nil, classify(err, cred.BotToken)
	}
	var resp struct {
		Result int64 `json:"result"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, domain.Transient("malformed telegram response", err)
	}
	return []platform.Metric{{
		Name:     "members_count",
		Value:    decimal.NewFromInt(resp.Result),
		Metadata: map[string]string{"chat_id": target.ExternalID},
	}}, nil
}

var (
	trailingCode = regexp.MustCompile(`\((\d{3})\)$`)
	retryAfter   = regexp.MustCompile(`retry after (\d+)`)
)

// classify maps telebot failures onto the error taxonomy and strips the
// bot token, which telebot embeds in request URLs, from the cause.
func classify(err error, token string) error {
	cause := scrub(err, token)

	var flood tele.FloodError
	if errors.As(err, &flood) {
		return domain.TransientAfter("telegram flood control", time.Duration(flood.RetryAfter)*time.Second, cause)
	}

	code := 0
	msg := ""
	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		code, msg = apiErr.Code, apiErr.Description
	} else if m := trailingCode.FindStringSubmatch(err.Error()); m != nil {
		code, _ = strconv.Atoi(m[1])
		msg = strings.TrimPrefix(strings.TrimSuffix(err.Error(), " "+m[0]), "telegram: ")
	}

	switch {
	case code == http.StatusTooManyRequests:
		var after time.Duration
		if m := retryAfter.FindStringSubmatch(msg); m != nil {
			secs, _ := strconv.Atoi(m[1])
			after = time.Duration(secs) * time.Second
		}
		return domain.TransientAfter("telegram rate limited", after, cause)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return domain.CredentialUnavailable(fmt.Sprintf("telegram %d: %s", code, msg), cause)
	case code == http.StatusBadRequest:
		return domain.Permanent(fmt.Sprintf("telegram 400: %s", msg), cause)
	case code >= 500:
		return domain.Transient(fmt.Sprintf("telegram %d", code), cause)
	case code != 0:
		return domain.Permanent(fmt.Sprintf("telegram %d: %s", code, msg), cause)
	}
	c := domain.Classify(cause)
	if c.Message == "" {
		c = domain.Transient("telegram request failed", cause)
	}
	return c
}

type scrubbedError struct {
	msg string
	err error
}

func (e *scrubbedError) Error() string { return e.msg }
func (e *scrubbedError) Unwrap() error { return e.err }

// scrub keeps the chain for errors.Is but replaces the message text.
// Classification must look at the original err.
func scrub(err error, token string) error {
	if token == "" || !strings.Contains(err.Error(), token) {
		return err
	}
	return &scrubbedError{msg: strings.ReplaceAll(err.Error(), token, "<bot-token>"), err: err}
}
