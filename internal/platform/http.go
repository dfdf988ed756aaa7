package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"content-publisher/internal/config"
	"content-publisher/internal/models"
)

// client is the shared HTTP plumbing each adapter embeds. It owns one platform's endpoint and token.
type client struct {
	platform string
	baseURL  string
	token    string
	account  string
	http     *http.Client
}

func newClient(platform string, cfg config.PlatformConfig, timeout time.Duration) client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return client{
		platform: platform,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		token:    cfg.AccessToken,
		account:  cfg.AccountID,
		http:     &http.Client{Timeout: timeout},
	}
}

// apiError is a non-2xx reply.
type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("status %d: %s", e.status, e.body)
}

// postJSON sends body and decodes a 2xx reply into out. The reply headers are returned for
// platforms that carry the created id there.
func (c client) postJSON(ctx context.Context, path string, body any, idempotencyKey string, out any) (http.Header, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, &apiError{status: resp.StatusCode, body: strings.TrimSpace(string(payload))}
	}
	if out != nil && len(payload) > 0 {
		if err := json.Unmarshal(payload, out); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.Header, nil
}

// failure normalizes a transport or API error into a PublishResult.
func (c client) failure(err error) models.PublishResult {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		res := models.PublishResult{
			Error:        fmt.Sprintf("%s: %s", c.platform, apiErr.Error()),
			ErrorDetails: map[string]any{"status": apiErr.status, "body": apiErr.body},
		}
		switch {
		case apiErr.status == http.StatusTooManyRequests:
			res.ErrorCode, res.Retryable = models.CodeRateLimited, true
		case apiErr.status == http.StatusUnauthorized || apiErr.status == http.StatusForbidden:
			res.ErrorCode = models.CodeUnauthorized
		case apiErr.status >= http.StatusInternalServerError:
			res.ErrorCode, res.Retryable = models.CodeUpstream, true
		default:
			res.ErrorCode = models.CodeRejected
		}
		return res
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		// the platform may or may not have created the post
		return models.PublishResult{
			Error:        fmt.Sprintf("%s: request timed out: %v", c.platform, err),
			ErrorCode:    models.CodeTimeout,
			ErrorDetails: map[string]any{"ambiguous": true},
			Retryable:    true,
		}
	}
	return models.Failed(models.CodeNetwork, fmt.Sprintf("%s: %v", c.platform, err), true)
}

// missingCredentials is a permanent failure: retrying cannot fix configuration.
func (c client) missingCredentials(needAccount bool) (models.PublishResult, bool) {
	if c.token == "" {
		return models.Failed(models.CodeUnauthorized, c.platform+": no access token configured", false), true
	}
	if needAccount && c.account == "" {
		return models.Failed(models.CodeUnauthorized, c.platform+": no account id configured", false), true
	}
	return models.PublishResult{}, false
}

func published(id, url string) models.PublishResult {
	return models.PublishResult{Success: true, PlatformPostID: id, PlatformURL: url}
}

// composeText appends the link and any hashtags the text does not already contain.
func composeText(content models.Content) string {
	var b strings.Builder
	b.WriteString(content.Text)
	if content.Link != "" && !strings.Contains(content.Text, content.Link) {
		b.WriteString("\n\n")
		b.WriteString(content.Link)
	}
	lower := strings.ToLower(content.Text)
	var tags []string
	for _, h := range content.Hashtags {
		tag := "#" + strings.TrimPrefix(strings.TrimSpace(h), "#")
		if tag == "#" || strings.Contains(lower, strings.ToLower(tag)) {
			continue
		}
		tags = append(tags, tag)
	}
	if len(tags) > 0 {
		b.WriteString("\n\n")
		b.WriteString(strings.Join(tags, " "))
	}
	return b.String()
}
