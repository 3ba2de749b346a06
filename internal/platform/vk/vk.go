// Package vk publishes to VK community walls through the VK API and
// refreshes user tokens through VK ID.
package vk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/oauth2"

	"github.com/publicboost/boost-publisher/internal/domain"
	"github.com/publicboost/boost-publisher/internal/platform"
)

const (
	DefaultAPIURL   = "https://api.vk.com"
	DefaultOAuthURL = "https://id.vk.com"
	DefaultVersion  = "5.199"
)

type Config struct {
	APIURL       string
	OAuthURL     string
	Version      string
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
}

type Adapter struct {
	apiURL  string
	version string
	oauth   oauth2.Config
	client  *http.Client
	now     func() time.Time
}

var (
	_ platform.Publisher    = (*Adapter)(nil)
	_ platform.Refresher    = (*Adapter)(nil)
	_ platform.StatsFetcher = (*Adapter)(nil)
)

func New(cfg Config) *Adapter {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.OAuthURL == "" {
		cfg.OAuthURL = DefaultOAuthURL
	}
	if cfg.Version == "" {
		cfg.Version = DefaultVersion
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Adapter{
		apiURL:  strings.TrimRight(cfg.APIURL, "/"),
		version: cfg.Version,
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  strings.TrimRight(cfg.OAuthURL, "/") + "/oauth2/auth",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		client: client,
		now:    time.Now,
	}
}

func (a *Adapter) Platform() domain.Platform { return domain.PlatformVK }

// groupID normalises "-123", "123" and "club123" to "123".
func groupID(externalID string) (string, error) {
	id := strings.TrimPrefix(strings.TrimPrefix(externalID, "-"), "club")
	if _, err := strconv.ParseUint(id, 10, 64); err != nil || id == "" {
		return "", domain.Permanent(fmt.Sprintf("invalid vk group id %q", externalID), nil)
	}
	return id, nil
}

// Publish posts to the community wall on behalf of the group. The returned
// id is "-<group>_<post>", the form VK uses in wall links.
func (a *Adapter) Publish(ctx context.Context, cred domain.Credential, target platform.Target, content domain.Content) (string, error) {
	if content.Empty() {
		return "", domain.Permanent("post has no content", nil)
	}
	group, err := groupID(target.ExternalID)
	if err != nil {
		return "", err
	}

	params := url.Values{}
	params.Set("owner_id", "-"+group)
	params.Set("from_group", "1")
	if content.Text != "" {
		params.Set("message", content.Text)
	}
	if content.ImageURL != "" {
		params.Set("attachments", content.ImageURL)
	}

	var out struct {
		PostID int64 `json:"post_id"`
	}
	if err := a.call(ctx, "wall.post", cred.AccessToken, params, &out); err != nil {
		return "", err
	}
	if out.PostID == 0 {
		return "", domain.Transient("vk returned no post id", nil)
	}
	return fmt.Sprintf("-%s_%d", group, out.PostID), nil
}

// Refresh runs the OAuth refresh grant. VK rotates the refresh token on
// every exchange, so both tokens are replaced.
func (a *Adapter) Refresh(ctx context.Context, cred domain.Credential) (domain.Credential, error) {
	if cred.RefreshToken == "" {
		return domain.Credential{}, domain.CredentialExpired("no refresh token", nil)
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.client)
	src := a.oauth.TokenSource(ctx, &oauth2.Token{
		RefreshToken: cred.RefreshToken,
		Expiry:       a.now().Add(-time.Minute),
	})
	tok, err := src.Token()
	if err != nil {
		return domain.Credential{}, classifyRefresh(err)
	}

	expires := tok.Expiry
	if expires.IsZero() {
		expires = a.now().Add(domain.VKTokenLifetime)
	}
	refresh := tok.RefreshToken
	if refresh == "" {
		refresh = cred.RefreshToken
	}
	return domain.Credential{
		Kind:         domain.CredentialOAuth,
		AccessToken:  tok.AccessToken,
		RefreshToken: refresh,
		ExpiresAt:    &expires,
	}, nil
}

func classifyRefresh(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.Response != nil && re.Response.StatusCode >= 500 {
			return domain.Transient(fmt.Sprintf("vk oauth http %d", re.Response.StatusCode), err)
		}
		switch re.ErrorCode {
		case "temporarily_unavailable", "server_error", "slow_down":
			return domain.Transient("vk oauth temporarily unavailable", err)
		}
		msg := "vk refresh rejected"
		if re.ErrorCode != "" {
			msg += ": " + re.ErrorCode
		}
		return domain.CredentialExpired(msg, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return domain.Transient("vk oauth unreachable", err)
	}
	return domain.CredentialExpired("vk refresh failed", err)
}

// FetchStats reads the member count of the group.
func (a *Adapter) FetchStats(ctx context.Context, cred domain.Credential, target platform.Target) ([]platform.Metric, error) {
	group, err := groupID(target.ExternalID)
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("group_id", group)
	params.Set("fields", "members_count")

	var raw json.RawMessage
	if err := a.call(ctx, "groups.getById", cred.AccessToken, params, &raw); err != nil {
		return nil, err
	}

	type groupInfo struct {
		ID           int64 `json:"id"`
		MembersCount int64 `json:"members_count"`
	}
	var groups []groupInfo
	// 5.139+ wraps the list in {"groups": [...]}
	var wrapped struct {
		Groups []groupInfo `json:"groups"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Groups != nil {
		groups = wrapped.Groups
	} else if err := json.Unmarshal(raw, &groups); err != nil {
		return nil, domain.Transient("malformed vk groups.getById response", err)
	}
	if len(groups) == 0 {
		return nil, domain.Permanent("vk group not found", nil)
	}

	return []platform.Metric{{
		Name:     "members_count",
		Value:    decimal.NewFromInt(groups[0].MembersCount),
		Metadata: map[string]string{"group_id": group},
	}}, nil
}
