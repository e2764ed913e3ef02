// MIT License
//
// Copyright (c) 2025 Mike Lane
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package sourcehost

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"sort"
	"time"

	"github.com/google/go-github/v66/github"

	"github.com/coolkev/cicd-controller/internal/cicderr"
)

// RetryConfig defines the retry behavior for API calls.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

// Credential is one installation credential in the pool a client draws
// from. When more than one is usable, selection is deterministic:
// lexicographically smallest Name wins.
type Credential struct {
	Name  string
	Token string
}

// client implements Client over go-github, with retry-with-backoff and a
// deterministic credential pool.
type client struct {
	github      *github.Client
	credentials []Credential
	retry       RetryConfig
}

// NewClient builds a source-host client backed by the given credential
// pool. The pool must be non-empty.
func NewClient(credentials []Credential) (Client, error) {
	if len(credentials) == 0 {
		return nil, cicderr.New("NewClient", cicderr.InvalidInput, fmt.Errorf("at least one credential is required"))
	}

	sorted := make([]Credential, len(credentials))
	copy(sorted, credentials)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	token := sorted[0].Token
	httpClient := github.NewClient(nil).Client()
	httpClient.Transport = &github.BasicAuthTransport{
		Username: "token",
		Password: token,
	}

	return &client{
		github:      github.NewClient(httpClient),
		credentials: sorted,
		retry: RetryConfig{
			MaxRetries:     5,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     60 * time.Second,
			BackoffFactor:  2.0,
		},
	}, nil
}

func (c *client) ResolveBranch(ctx context.Context, owner, repo, branch string) (string, error) {
	var b *github.Branch
	var resp *github.Response
	err := c.executeWithRetry(ctx, func() error {
		var err error
		b, resp, err = c.github.Repositories.GetBranch(ctx, owner, repo, branch, 0)
		return err
	})
	if err != nil {
		if isNotFound(err) || (resp != nil && resp.Response != nil && resp.StatusCode == http.StatusNotFound) {
			return "", cicderr.New("ResolveBranch", cicderr.NotFound, err)
		}
		return "", cicderr.New("ResolveBranch", cicderr.Upstream, err)
	}
	if b.Commit == nil {
		return "", cicderr.New("ResolveBranch", cicderr.Upstream, fmt.Errorf("branch %s has no head commit", branch))
	}
	return b.Commit.GetSHA(), nil
}

func (c *client) ListTree(ctx context.Context, owner, repo, sha, path string) ([]TreeEntry, error) {
	opts := &github.RepositoryContentGetOptions{Ref: sha}

	var dirContents []*github.RepositoryContent
	err := c.executeWithRetry(ctx, func() error {
		var err error
		_, dirContents, _, err = c.github.Repositories.GetContents(ctx, owner, repo, path, opts)
		return err
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, cicderr.New("ListTree", cicderr.Upstream, err)
	}

	entries := make([]TreeEntry, 0, len(dirContents))
	for _, entry := range dirContents {
		entries = append(entries, TreeEntry{
			Path: entry.GetPath(),
			Type: entry.GetType(),
			SHA:  entry.GetSHA(),
			Size: entry.GetSize(),
		})
	}
	return entries, nil
}

func (c *client) GetBlob(ctx context.Context, owner, repo, sha, path string) ([]byte, error) {
	opts := &github.RepositoryContentGetOptions{Ref: sha}

	var fileContent *github.RepositoryContent
	err := c.executeWithRetry(ctx, func() error {
		var err error
		fileContent, _, _, err = c.github.Repositories.GetContents(ctx, owner, repo, path, opts)
		return err
	})
	if err != nil {
		if isNotFound(err) {
			return nil, cicderr.New("GetBlob", cicderr.NotFound, err)
		}
		return nil, cicderr.New("GetBlob", cicderr.Upstream, err)
	}
	if fileContent == nil {
		return nil, cicderr.New("GetBlob", cicderr.NotFound, fmt.Errorf("%s is not a file", path))
	}

	content, err := fileContent.GetContent()
	if err != nil {
		return nil, cicderr.New("GetBlob", cicderr.DataCorruption, err)
	}
	return []byte(content), nil
}

func (c *client) executeWithRetry(ctx context.Context, operation func() error) error {
	var lastErr error

	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		lastErr = operation()
		if lastErr == nil {
			return nil
		}

		if !isRetryable(lastErr) {
			return lastErr
		}
		if attempt == c.retry.MaxRetries {
			break
		}

		backoff := c.calculateBackoff(attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}

	return fmt.Errorf("operation failed after %d retries: %w", c.retry.MaxRetries, lastErr)
}

func (c *client) calculateBackoff(attempt int) time.Duration {
	multiplier := 1 << uint(attempt)
	base := float64(c.retry.InitialBackoff) * float64(multiplier)
	jitter := (rand.Float64() * 0.4) - 0.2
	backoff := time.Duration(base * (1 + jitter))
	if backoff > c.retry.MaxBackoff {
		backoff = c.retry.MaxBackoff
	}
	return backoff
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if ghErr, ok := err.(*github.ErrorResponse); ok {
		switch ghErr.Response.StatusCode {
		case http.StatusTooManyRequests,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		case http.StatusForbidden:
			if ghErr.Message == "API rate limit exceeded" {
				return true
			}
		}
	}
	return false
}

func isNotFound(err error) bool {
	ghErr, ok := err.(*github.ErrorResponse)
	return ok && ghErr.Response != nil && ghErr.Response.StatusCode == http.StatusNotFound
}
