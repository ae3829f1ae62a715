// Package remotetest provides an in-memory remote.Client for tests.
package remotetest

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/posync/internal/errs"
	"github.com/matheus3301/posync/internal/remote"
)

// Client serves group memberships and users from maps.
type Client struct {
	mu     sync.Mutex
	groups map[string][]remote.GroupMember
	users  map[string]remote.User

	// Lookups records the mobiles of every GetUserDetails call.
	Lookups [][]string
	// Err fails every call when set.
	Err error
}

var _ remote.Client = (*Client)(nil)

func New() *Client {
	return &Client{groups: make(map[string][]remote.GroupMember), users: make(map[string]remote.User)}
}

// SetGroup registers the membership rows of groupID.
func (c *Client) SetGroup(groupID string, rows ...remote.GroupMember) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.groups[groupID] = rows
}

// AddUser registers a user returned by GetUserDetails.
func (c *Client) AddUser(u remote.User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.users[u.Mobile] = u
}

func (c *Client) GetGroupMembers(_ context.Context, groupID string) ([]remote.GroupMember, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return nil, c.Err
	}
	rows, ok := c.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("group %s: %w", groupID, errs.ErrNotFound)
	}
	return slices.Clone(rows), nil
}

func (c *Client) GetUserDetails(_ context.Context, mobiles []string) ([]remote.User, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Lookups = append(c.Lookups, slices.Clone(mobiles))
	if c.Err != nil {
		return nil, c.Err
	}
	var out []remote.User
	for _, m := range mobiles {
		if u, ok := c.users[m]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}
