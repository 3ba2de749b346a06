package telegram

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/publicboost/boost-publisher/internal/domain"
	"github.com/publicboost/boost-publisher/internal/platform"
)

const testToken = "123456:secret-bot-token"

var cred = domain.Credential{Kind: domain.CredentialBot, BotToken: testToken}

type call struct {
	method string
	params map[string]any
}

type fakeBotAPI struct {
	mu    sync.Mutex
	calls []call
	reply func(method string) string
}

func (f *fakeBotAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	prefix := "/bot" + testToken + "/"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		http.NotFound(w, r)
		return
	}
	method := strings.TrimPrefix(r.URL.Path, prefix)

	params := map[string]any{}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &params)
	} else if err := r.ParseMultipartForm(1 << 20); err == nil {
		for k, v := range r.MultipartForm.Value {
			params[k] = v[0]
		}
	} else if values, err := url.ParseQuery(r.URL.RawQuery); err == nil {
		for k := range values {
			params[k] = values.Get(k)
		}
	}

	f.mu.Lock()
	f.calls = append(f.calls, call{method: method, params: params})
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	io.WriteString(w, f.reply(method))
}

func (f *fakeBotAPI) methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.method
	}
	return out
}

const (
	textReply  = `{"ok":true,"result":{"message_id":41,"date":1,"chat":{"id":-1001,"type":"channel"},"text":"hi"}}`
	photoReply = `{"ok":true,"result":{"message_id":40,"date":1,"chat":{"id":-1001,"type":"channel"},"photo":[{"file_id":"f1","file_unique_id":"u1","width":1,"height":1}]}}`
)

func okReplies(method string) string {
	if method == "sendPhoto" {
		return photoReply
	}
	return textReply
}

func newTestAdapter(t *testing.T, reply func(string) string) (*Adapter, *fakeBotAPI) {
	t.Helper()
	api := &fakeBotAPI{reply: reply}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	return New(Config{APIURL: srv.URL, HTTPClient: srv.Client()}), api
}

func TestPublishTextMessage(t *testing.T) {
	a, api := newTestAdapter(t, okReplies)

	id, err := a.Publish(context.Background(), cred, platform.Target{ExternalID: "-1001"}, domain.Content{Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "-1001:41", id)
	assert.Equal(t, []string{"sendMessage"}, api.methods())
	assert.Equal(t, "hi", api.calls[0].params["text"])
}

func TestPublishPhotoWithCaption(t *testing.T) {
	a, api := newTestAdapter(t, okReplies)

	id, err := a.Publish(context.Background(), cred, platform.Target{ExternalID: "-1001"},
		domain.Content{Text: "caption", ImageURL: "https://cdn.example/a.jpg"})
	require.NoError(t, err)
	assert.Equal(t, "-1001:40", id)
	assert.Equal(t, []string{"sendPhoto"}, api.methods())
}

func TestPublishLongCaptionSplitsIntoTwoMessages(t *testing.T) {
	a, api := newTestAdapter(t, okReplies)

	text := strings.Repeat("я", MaxCaptionLength+1)
	id, err := a.Publish(context.Background(), cred, platform.Target{ExternalID: "-1001"},
		domain.Content{Text: text, ImageURL: "https://cdn.example/a.jpg"})
	require.NoError(t, err)
	assert.Equal(t, "-1001:40", id)
	assert.Equal(t, []string{"sendPhoto", "sendMessage"}, api.methods())
}

func TestFailedFollowUpTextDoesNotResendPhoto(t *testing.T) {
	a, api := newTestAdapter(t, func(method string) string {
		if method == "sendMessage" {
			return `{"ok":false,"error_code":502,"description":"Bad Gateway"}`
		}
		return photoReply
	})

	text := strings.Repeat("я", MaxCaptionLength+1)
	_, err := a.Publish(context.Background(), cred, platform.Target{ExternalID: "-1001"},
		domain.Content{Text: text, ImageURL: "https://cdn.example/a.jpg"})
	require.Error(t, err)
	assert.Equal(t, domain.KindPermanent, domain.KindOf(err), "a retry would post the photo twice")
	de := domain.Classify(err)
	require.NotNil(t, de)
	assert.Contains(t, de.SafeMessage(), "-1001:40")
	assert.NotContains(t, err.Error(), testToken)
	assert.Equal(t, []string{"sendPhoto", "sendMessage"}, api.methods())
}

func TestCaptionLimitCountsCharactersNotBytes(t *testing.T) {
	a, api := newTestAdapter(t, okReplies)

	// 1024 Cyrillic characters are 2048 bytes and still fit a caption
	text := strings.Repeat("я", MaxCaptionLength)
	_, err := a.Publish(context.Background(), cred, platform.Target{ExternalID: "-1001"},
		domain.Content{Text: text, ImageURL: "https://cdn.example/a.jpg"})
	require.NoError(t, err)
	assert.Equal(t, []string{"sendPhoto"}, api.methods())
}

func TestPublishRejectsOversizedTextWithoutCalling(t *testing.T) {
	a, api := newTestAdapter(t, okReplies)

	_, err := a.Publish(context.Background(), cred, platform.Target{ExternalID: "-1001"},
		domain.Content{Text: strings.Repeat("a", MaxTextLength+1)})
	assert.Equal(t, domain.KindPermanent, domain.KindOf(err))
	assert.Empty(t, api.methods())
}

func TestPublishWithoutBotToken(t *testing.T) {
	a, api := newTestAdapter(t, okReplies)

	_, err := a.Publish(context.Background(), domain.Credential{Kind: domain.CredentialBot}, platform.Target{ExternalID: "-1001"}, domain.Content{Text: "x"})
	assert.Equal(t, domain.KindCredentialUnavailable, domain.KindOf(err))
	assert.Empty(t, api.methods())
}

func TestPublishClassifiesBotAPIErrors(t *testing.T) {
	cases := []struct {
		name  string
		reply string
		kind  domain.ErrorKind
	}{
		{"unauthorized", `{"ok":false,"error_code":401,"description":"Unauthorized"}`, domain.KindCredentialUnavailable},
		{"kicked", `{"ok":false,"error_code":403,"description":"Forbidden: bot was kicked from the channel chat"}`, domain.KindCredentialUnavailable},
		{"bad request", `{"ok":false,"error_code":400,"description":"Bad Request: message text is empty"}`, domain.KindPermanent},
		{"server", `{"ok":false,"error_code":502,"description":"Bad Gateway"}`, domain.KindTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a, _ := newTestAdapter(t, func(string) string { return tc.reply })
			_, err := a.Publish(context.Background(), cred, platform.Target{ExternalID: "-1001"}, domain.Content{Text: "x"})
			require.Error(t, err)
			assert.Equal(t, tc.kind, domain.KindOf(err))
			assert.NotContains(t, err.Error(), testToken)
		})
	}
}

func TestFloodControlCarriesRetryAfter(t *testing.T) {
	a, _ := newTestAdapter(t, func(string) string {
		return `{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 17","parameters":{"retry_after":17}}`
	})
	_, err := a.Publish(context.Background(), cred, platform.Target{ExternalID: "-1001"}, domain.Content{Text: "x"})
	de := domain.Classify(err)
	require.NotNil(t, de)
	assert.Equal(t, domain.KindTransient, de.Kind)
	assert.Equal(t, 17*time.Second, de.RetryAfter)
}

func TestNetworkErrorIsTransientAndScrubbed(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	a := New(Config{APIURL: srv.URL})

	_, err := a.Publish(context.Background(), cred, platform.Target{ExternalID: "-1001"}, domain.Content{Text: "x"})
	require.Error(t, err)
	assert.Equal(t, domain.KindTransient, domain.KindOf(err))
	assert.NotContains(t, err.Error(), testToken)
}

func TestFetchStatsMemberCount(t *testing.T) {
	a, api := newTestAdapter(t, func(string) string { return `{"ok":true,"result":2048}` })

	metrics, err := a.FetchStats(context.Background(), cred, platform.Target{ExternalID: "@boostchannel"})
	require.NoError(t, err)
	require.Len(t, metrics, 1)
	assert.Equal(t, "members_count", metrics[0].Name)
	assert.Equal(t, int64(2048), metrics[0].Value.IntPart())
	assert.Equal(t, []string{"getChatMemberCount"}, api.methods())
	assert.Equal(t, "@boostchannel", api.calls[0].params["chat_id"])
}
