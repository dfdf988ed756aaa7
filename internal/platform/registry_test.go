package platform

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"content-publisher/internal/logging"
	"content-publisher/internal/models"
	"content-publisher/internal/ratelimit"
)

type stubLimiter struct {
	decision ratelimit.Decision
	err      error
	keys     []string
}

func (s *stubLimiter) Take(_ context.Context, key string) (ratelimit.Decision, error) {
	s.keys = append(s.keys, key)
	return s.decision, s.err
}

type panicAdapter struct{}

func (panicAdapter) Name() string { return "facebook" }

func (panicAdapter) Publish(context.Context, models.PublishRequest) models.PublishResult {
	panic("boom")
}

func TestRegistry_SupportsAndCheck(t *testing.T) {
	reg := NewRegistry(logging.Discard(), nil, NewMock("twitter"), NewMock("linkedin"))

	assert.True(t, reg.Supports("twitter"))
	assert.False(t, reg.Supports("myspace"))
	assert.Equal(t, []string{"linkedin", "twitter"}, reg.Platforms())

	require.NoError(t, reg.Check([]string{"twitter", "linkedin"}))

	var cfgErr *models.ConfigurationError
	require.ErrorAs(t, reg.Check([]string{"twitter", "myspace"}), &cfgErr)
	assert.Equal(t, "myspace", cfgErr.Platform)

	var reqErr models.RequestError
	require.ErrorAs(t, reg.Check(nil), &reqErr)
}

func TestRegistry_PublishRoutesByPlatform(t *testing.T) {
	tw, li := NewMock("twitter"), NewMock("linkedin")
	reg := NewRegistry(logging.Discard(), nil, tw, li)

	res := reg.Publish(context.Background(), models.PublishRequest{JobID: "j1", Platform: "linkedin"})
	require.True(t, res.Success)
	assert.Equal(t, 0, tw.Calls())
	assert.Equal(t, 1, li.Calls())
}

func TestRegistry_UnsupportedPlatformIsPermanent(t *testing.T) {
	reg := NewRegistry(logging.Discard(), nil)

	res := reg.Publish(context.Background(), models.PublishRequest{Platform: "myspace"})
	assert.False(t, res.Success)
	assert.False(t, res.Retryable)
}

func TestRegistry_RateLimited(t *testing.T) {
	tw := NewMock("twitter")
	limiter := &stubLimiter{decision: ratelimit.Decision{RetryAfter: 1500 * time.Millisecond}}
	reg := NewRegistry(logging.Discard(), limiter, tw)

	res := reg.Publish(context.Background(), models.PublishRequest{Platform: "twitter", BrandID: "b1"})
	assert.False(t, res.Success)
	assert.True(t, res.Retryable)
	assert.Equal(t, models.CodeRateLimited, res.ErrorCode)
	assert.Equal(t, 0, tw.Calls())
	assert.Equal(t, int64(1500), res.ErrorDetails["retry_after_ms"])
	assert.Equal(t, []string{"rl:platform:twitter:b1"}, limiter.keys)
}

func TestRegistry_LimiterErrorFailsOpen(t *testing.T) {
	tw := NewMock("twitter")
	reg := NewRegistry(logging.Discard(), &stubLimiter{err: errors.New("redis down")}, tw)

	res := reg.Publish(context.Background(), models.PublishRequest{Platform: "twitter"})
	assert.True(t, res.Success)
	assert.Equal(t, 1, tw.Calls())
}

func TestRegistry_AdapterPanicBecomesResult(t *testing.T) {
	reg := NewRegistry(logging.Discard(), nil, panicAdapter{})

	res := reg.Publish(context.Background(), models.PublishRequest{Platform: "facebook"})
	assert.False(t, res.Success)
	assert.True(t, res.Retryable)
	assert.Contains(t, res.Error, "boom")
}

func TestMock_ScriptThenSuccess(t *testing.T) {
	m := NewMock("tiktok", models.Failed(models.CodeNetwork, "down", true))

	first := m.Publish(context.Background(), models.PublishRequest{})
	second := m.Publish(context.Background(), models.PublishRequest{})

	assert.False(t, first.Success)
	assert.True(t, second.Success)
	assert.Equal(t, "mock-tiktok-2", second.PlatformPostID)
	assert.Len(t, m.Requests(), 2)
}
