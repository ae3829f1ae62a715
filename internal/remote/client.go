// Package remote is the client of the shop's REST API: group membership and
// phone-book lookups.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/matheus3301/posync/internal/errs"
)

// User is an account known to the API.
type User struct {
	ID       string `json:"id"`
	Mobile   string `json:"mobile"`
	FullName string `json:"full_name"`
}

// GroupMember is one row of a group's membership. User is nil for members
// whose account was deleted.
type GroupMember struct {
	User    *User `json:"user"`
	IsAdmin bool  `json:"is_admin"`
}

// Client is the subset of the API the sync core needs.
type Client interface {
	GetGroupMembers(ctx context.Context, groupID string) ([]GroupMember, error)
	GetUserDetails(ctx context.Context, mobiles []string) ([]User, error)
}

// HTTPClient implements Client over HTTP with bearer authentication.
type HTTPClient struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
	// Retries bounds the extra attempts for 5xx and network failures.
	Retries uint64
}

var _ Client = (*HTTPClient)(nil)

// New returns a client for baseURL.
func New(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 15 * time.Second},
		Retries: 2,
	}
}

func (c *HTTPClient) GetGroupMembers(ctx context.Context, groupID string) ([]GroupMember, error) {
	var out []GroupMember
	err := c.do(ctx, http.MethodGet, "/groups/"+url.PathEscape(groupID)+"/members", nil, &out)
	if err != nil {
		return nil, fmt.Errorf("group %s members: %w", groupID, err)
	}
	return out, nil
}

func (c *HTTPClient) GetUserDetails(ctx context.Context, mobiles []string) ([]User, error) {
	if len(mobiles) == 0 {
		return nil, nil
	}
	var out []User
	err := c.do(ctx, http.MethodPost, "/users/details", map[string][]string{"mobiles": mobiles}, &out)
	if err != nil {
		return nil, fmt.Errorf("user details: %w", err)
	}
	return out, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return err
		}
	}

	b := retry.WithMaxRetries(c.Retries, retry.NewExponential(200*time.Millisecond))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.Token != "" {
			req.Header.Set("Authorization", "Bearer "+c.Token)
		}

		resp, err := c.HTTP.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer func() { _ = resp.Body.Close() }()

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return errs.ErrUnauthorized
		case resp.StatusCode == http.StatusNotFound:
			return errs.ErrNotFound
		case resp.StatusCode >= 500:
			return retry.RetryableError(fmt.Errorf("%s %s: %s", method, path, resp.Status))
		case resp.StatusCode >= 300:
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, bytes.TrimSpace(msg))
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
		return nil
	})
}
