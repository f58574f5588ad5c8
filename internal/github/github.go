// Package github is a thin client for the pieces of the GitHub API the
// service needs: accepting the repository invitation that grants it write
// access to a tracked repo.
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	logx "speedtrackerd/pkg/logx"
)

const defaultBaseURL = "https://api.github.com"

// ErrNoInvitation is returned when no pending invitation matches the repo.
var ErrNoInvitation = errors.New("no pending invitation for repository")

type Config struct {
	Token   string
	BaseURL string
}

type Client struct {
	token   string
	baseURL string
	http    *http.Client
	log     logx.Logger
}

func New(cfg Config, log logx.Logger) *Client {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultBaseURL
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		token:   cfg.Token,
		baseURL: base,
		http:    &http.Client{Timeout: 15 * time.Second},
		log:     log,
	}
}

// Enabled reports whether a token is configured.
func (c *Client) Enabled() bool { return strings.TrimSpace(c.token) != "" }

type invitation struct {
	ID         int64 `json:"id"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// AcceptInvitation finds the pending repository invitation for owner/repo
// and accepts it.
func (c *Client) AcceptInvitation(ctx context.Context, owner, repo string) error {
	var invites []invitation
	if err := c.do(ctx, http.MethodGet, "/user/repository_invitations", &invites); err != nil {
		return fmt.Errorf("list invitations: %w", err)
	}

	fullName := owner + "/" + repo
	for _, inv := range invites {
		if inv.Repository.FullName != fullName {
			continue
		}
		path := fmt.Sprintf("/user/repository_invitations/%d", inv.ID)
		if err := c.do(ctx, http.MethodPatch, path, nil); err != nil {
			return fmt.Errorf("accept invitation %d: %w", inv.ID, err)
		}
		c.log.Info("repository invitation accepted", logx.String("repo", fullName))
		return nil
	}
	return fmt.Errorf("%w: %s", ErrNoInvitation, fullName)
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: http %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
