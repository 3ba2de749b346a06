package vk

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/publicboost/boost-publisher/internal/domain"
)

type apiError struct {
	Code    int    `json:"error_code"`
	Message string `json:"error_msg"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("vk api error %d: %s", e.Code, e.Message)
}

type envelope struct {
	Response json.RawMessage `json:"response"`
	Error    *apiError       `json:"error"`
}

// call invokes an API method. Tokens travel in the form body, never in the
// URL, so transport errors cannot leak them.
func (a *Adapter) call(ctx context.Context, method, token string, params url.Values, out any) error {
	if token == "" {
		return domain.CredentialUnavailable("vk access token missing", nil)
	}
	params.Set("access_token", token)
	params.Set("v", a.version)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiURL+"/method/"+method, strings.NewReader(params.Encode()))
	if err != nil {
		return domain.Permanent("failed to build vk request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(req)
	if err != nil {
		return domain.Transient("vk unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		io.Copy(io.Discard, resp.Body)
		return domain.Transient(fmt.Sprintf("vk http %d", resp.StatusCode), nil)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return domain.Transient("malformed vk response", err)
	}
	if env.Error != nil {
		return classify(env.Error)
	}
	if resp.StatusCode != http.StatusOK {
		return domain.Permanent(fmt.Sprintf("vk http %d", resp.StatusCode), nil)
	}
	if out != nil {
		if err := json.Unmarshal(env.Response, out); err != nil {
			return domain.Transient("malformed vk response", err)
		}
	}
	return nil
}

// classify maps VK API error codes onto the error taxonomy.
func classify(e *apiError) error {
	msg := fmt.Sprintf("vk error %d: %s", e.Code, e.Message)
	switch e.Code {
	case 5: // user authorization failed: token invalid or expired
		return domain.CredentialExpired(msg, e)
	case 6, 9, 10, 29: // rate limits, flood control, internal error
		return domain.Transient(msg, e)
	case 15, 27, 203, 260: // access denied, group token refused, no group access
		return domain.CredentialUnavailable(msg, e)
	}
	return domain.Permanent(msg, e)
}
