package platform

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"content-publisher/internal/config"
	"content-publisher/internal/models"
)

type recorded struct {
	path   string
	header http.Header
	body   map[string]any
}

type fakePlatform struct {
	mu    sync.Mutex
	calls []recorded
	srv   *httptest.Server
}

func newFakePlatform(t *testing.T, handler func(w http.ResponseWriter, r *http.Request, n int)) *fakePlatform {
	t.Helper()
	f := &fakePlatform{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.calls = append(f.calls, recorded{path: r.URL.Path, header: r.Header.Clone(), body: body})
		n := len(f.calls)
		f.mu.Unlock()
		handler(w, r, n)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakePlatform) cfg() config.PlatformConfig {
	return config.PlatformConfig{BaseURL: f.srv.URL, AccessToken: "tok", AccountID: "acct"}
}

func (f *fakePlatform) recorded() []recorded {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recorded(nil), f.calls...)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func request(content models.Content) models.PublishRequest {
	return models.PublishRequest{JobID: "job-1", BrandID: "b1", Content: content, IdempotencyKey: "job-1:x"}
}

func TestTwitter_PublishSendsAuthAndIdempotencyKey(t *testing.T) {
	fp := newFakePlatform(t, func(w http.ResponseWriter, _ *http.Request, _ int) {
		writeJSON(w, http.StatusCreated, map[string]any{"data": map[string]any{"id": "123"}})
	})
	tw := NewTwitter(fp.cfg(), time.Second)

	res := tw.Publish(context.Background(), request(models.Content{Text: "hello", Hashtags: []string{"go"}}))

	require.True(t, res.Success, res.Error)
	assert.Equal(t, "123", res.PlatformPostID)
	assert.Equal(t, "https://twitter.com/i/web/status/123", res.PlatformURL)
	calls := fp.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "/2/tweets", calls[0].path)
	assert.Equal(t, "Bearer tok", calls[0].header.Get("Authorization"))
	assert.Equal(t, "job-1:x", calls[0].header.Get("Idempotency-Key"))
	assert.Equal(t, "hello\n\n#go", calls[0].body["text"])
}

func TestTwitter_LongTextPostsThread(t *testing.T) {
	fp := newFakePlatform(t, func(w http.ResponseWriter, _ *http.Request, n int) {
		writeJSON(w, http.StatusCreated, map[string]any{"data": map[string]any{"id": strings.Repeat("9", n)}})
	})
	tw := NewTwitter(fp.cfg(), time.Second)
	text := strings.TrimSpace(strings.Repeat("word ", 100))

	res := tw.Publish(context.Background(), request(models.Content{Text: text}))

	require.True(t, res.Success, res.Error)
	assert.Equal(t, "9", res.PlatformPostID)
	calls := fp.recorded()
	require.Len(t, calls, 2)
	assert.Nil(t, calls[0].body["reply"])
	assert.Equal(t, map[string]any{"in_reply_to_tweet_id": "9"}, calls[1].body["reply"])
	assert.Equal(t, "job-1:x:1", calls[1].header.Get("Idempotency-Key"))
}

func TestHTTPFailureClassification(t *testing.T) {
	cases := []struct {
		status    int
		code      string
		retryable bool
	}{
		{http.StatusTooManyRequests, models.CodeRateLimited, true},
		{http.StatusUnauthorized, models.CodeUnauthorized, false},
		{http.StatusForbidden, models.CodeUnauthorized, false},
		{http.StatusBadRequest, models.CodeRejected, false},
		{http.StatusBadGateway, models.CodeUpstream, true},
	}
	for _, tc := range cases {
		fp := newFakePlatform(t, func(w http.ResponseWriter, _ *http.Request, _ int) {
			writeJSON(w, tc.status, map[string]any{"error": "nope"})
		})
		res := NewTwitter(fp.cfg(), time.Second).Publish(context.Background(), request(models.Content{Text: "x"}))
		assert.False(t, res.Success)
		assert.Equal(t, tc.code, res.ErrorCode, "status %d", tc.status)
		assert.Equal(t, tc.retryable, res.Retryable, "status %d", tc.status)
		assert.Equal(t, tc.status, res.ErrorDetails["status"])
	}
}

func TestHTTPTimeoutIsAmbiguousAndRetryable(t *testing.T) {
	release := make(chan struct{})
	fp := newFakePlatform(t, func(w http.ResponseWriter, _ *http.Request, _ int) {
		<-release
	})
	defer close(release)

	res := NewTwitter(fp.cfg(), 50*time.Millisecond).Publish(context.Background(), request(models.Content{Text: "x"}))

	assert.False(t, res.Success)
	assert.True(t, res.Retryable)
	assert.Equal(t, models.CodeTimeout, res.ErrorCode)
	assert.Equal(t, true, res.ErrorDetails["ambiguous"])
}

func TestMissingCredentialsArePermanent(t *testing.T) {
	res := NewLinkedIn(config.PlatformConfig{BaseURL: "http://unused", AccessToken: "tok"}, time.Second).
		Publish(context.Background(), request(models.Content{Text: "x"}))
	assert.False(t, res.Success)
	assert.False(t, res.Retryable)
	assert.Equal(t, models.CodeUnauthorized, res.ErrorCode)

	res = NewTwitter(config.PlatformConfig{BaseURL: "http://unused"}, time.Second).
		Publish(context.Background(), request(models.Content{Text: "x"}))
	assert.False(t, res.Retryable)
}

func TestLinkedIn_ReadsURNFromHeader(t *testing.T) {
	fp := newFakePlatform(t, func(w http.ResponseWriter, _ *http.Request, _ int) {
		w.Header().Set("x-restli-id", "urn:li:share:42")
		w.WriteHeader(http.StatusCreated)
	})

	res := NewLinkedIn(fp.cfg(), time.Second).Publish(context.Background(), request(models.Content{Text: "hi", Link: "https://example.com"}))

	require.True(t, res.Success, res.Error)
	assert.Equal(t, "urn:li:share:42", res.PlatformPostID)
	calls := fp.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "urn:li:organization:acct", calls[0].body["author"])
	assert.Equal(t, "hi", calls[0].body["commentary"])
}

func TestFacebook_PhotoPostWhenImagePresent(t *testing.T) {
	fp := newFakePlatform(t, func(w http.ResponseWriter, _ *http.Request, _ int) {
		writeJSON(w, http.StatusOK, map[string]any{"id": "photo", "post_id": "acct_77"})
	})

	res := NewFacebook(fp.cfg(), time.Second).Publish(context.Background(), request(models.Content{Text: "pic", Images: []string{"https://img/1.jpg"}}))

	require.True(t, res.Success, res.Error)
	assert.Equal(t, "acct_77", res.PlatformPostID)
	assert.Equal(t, "/v19.0/acct/photos", fp.recorded()[0].path)
}

type fakeStager struct {
	keys []string
	err  error
}

func (f *fakeStager) Stage(_ context.Context, platform, key, src string) (string, error) {
	f.keys = append(f.keys, key)
	if f.err != nil {
		return "", f.err
	}
	return "https://cdn/" + platform + "/" + key, nil
}

func TestInstagram_ContainerThenPublish(t *testing.T) {
	fp := newFakePlatform(t, func(w http.ResponseWriter, r *http.Request, n int) {
		if strings.HasSuffix(r.URL.Path, "/media_publish") {
			writeJSON(w, http.StatusOK, map[string]any{"id": "ig-media"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": "container"})
	})
	stager := &fakeStager{}

	res := NewInstagram(fp.cfg(), time.Second, stager).Publish(context.Background(), request(models.Content{Text: "cap", Images: []string{"https://src/a.jpg"}}))

	require.True(t, res.Success, res.Error)
	assert.Equal(t, "ig-media", res.PlatformPostID)
	assert.Equal(t, []string{"job-1-0"}, stager.keys)
	calls := fp.recorded()
	require.Len(t, calls, 2)
	assert.Equal(t, "https://cdn/instagram/job-1-0", calls[0].body["image_url"])
	assert.Equal(t, "container", calls[1].body["creation_id"])
}

func TestInstagram_StagingFailureIsRetryableMediaError(t *testing.T) {
	res := NewInstagram(config.PlatformConfig{BaseURL: "http://unused", AccessToken: "tok", AccountID: "a"}, time.Second, &fakeStager{err: errors.New("s3 down")}).
		Publish(context.Background(), request(models.Content{Images: []string{"https://src/a.jpg"}}))

	assert.False(t, res.Success)
	assert.True(t, res.Retryable)
	assert.Equal(t, models.CodeMedia, res.ErrorCode)
}

func TestTikTok_RequiresVideo(t *testing.T) {
	res := NewTikTok(config.PlatformConfig{BaseURL: "http://unused", AccessToken: "tok"}, time.Second).
		Publish(context.Background(), request(models.Content{Text: "x"}))

	assert.False(t, res.Success)
	assert.False(t, res.Retryable)
	assert.Equal(t, models.CodeMedia, res.ErrorCode)
}

func TestTikTok_PullFromURL(t *testing.T) {
	fp := newFakePlatform(t, func(w http.ResponseWriter, _ *http.Request, _ int) {
		writeJSON(w, http.StatusOK, map[string]any{
			"data":  map[string]any{"publish_id": "v_pub_1"},
			"error": map[string]any{"code": "ok"},
		})
	})

	res := NewTikTok(fp.cfg(), time.Second).Publish(context.Background(), request(models.Content{Text: "dance", Videos: []string{"https://v/1.mp4"}}))

	require.True(t, res.Success, res.Error)
	assert.Equal(t, "v_pub_1", res.PlatformPostID)
	src := fp.recorded()[0].body["source_info"].(map[string]any)
	assert.Equal(t, "PULL_FROM_URL", src["source"])
}

func TestComposeText(t *testing.T) {
	got := composeText(models.Content{
		Text:     "Launch day #Go",
		Link:     "https://example.com",
		Hashtags: []string{"go", "#release", " "},
	})
	assert.Equal(t, "Launch day #Go\n\nhttps://example.com\n\n#release", got)
}

func TestSplitThread(t *testing.T) {
	assert.Equal(t, []string{"short"}, splitThread("short", 280))

	parts := splitThread(strings.Repeat("ab ", 10), 8)
	for _, p := range parts {
		assert.LessOrEqual(t, len([]rune(p)), 8)
	}
	assert.Equal(t, strings.Repeat("ab ", 10), strings.Join(parts, " ")+" ")
}
