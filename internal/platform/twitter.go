package platform

import (
	"context"
	"fmt"
	"strings"
	"time"

	"content-publisher/internal/config"
	"content-publisher/internal/models"
)

const tweetLimit = 280

// Twitter posts through the v2 tweets endpoint. Text over the tweet limit is posted as a
// reply chain.
type Twitter struct {
	client
}

func NewTwitter(cfg config.PlatformConfig, timeout time.Duration) *Twitter {
	return &Twitter{client: newClient("twitter", cfg, timeout)}
}

func (t *Twitter) Name() string { return "twitter" }

type tweetRequest struct {
	Text  string      `json:"text"`
	Reply *tweetReply `json:"reply,omitempty"`
}

type tweetReply struct {
	InReplyToTweetID string `json:"in_reply_to_tweet_id"`
}

type tweetResponse struct {
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (t *Twitter) Publish(ctx context.Context, req models.PublishRequest) models.PublishResult {
	if res, missing := t.missingCredentials(false); missing {
		return res
	}

	parts := splitThread(composeText(req.Content), tweetLimit)
	var rootID, prevID string
	for i, part := range parts {
		body := tweetRequest{Text: part}
		if prevID != "" {
			body.Reply = &tweetReply{InReplyToTweetID: prevID}
		}
		key := req.IdempotencyKey
		if i > 0 {
			key = fmt.Sprintf("%s:%d", req.IdempotencyKey, i)
		}
		var out tweetResponse
		if _, err := t.postJSON(ctx, "/2/tweets", body, key, &out); err != nil {
			res := t.failure(err)
			if rootID != "" {
				// the head of the thread is live; a retry re-posts from the top
				res.ErrorDetails = withDetail(res.ErrorDetails, "partial_thread_root", rootID)
			}
			return res
		}
		if rootID == "" {
			rootID = out.Data.ID
		}
		prevID = out.Data.ID
	}
	return published(rootID, "https://twitter.com/i/web/status/"+rootID)
}

// splitThread breaks text into rune-bounded chunks at word boundaries.
func splitThread(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}
	var parts []string
	for len(runes) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if runes[i] == ' ' || runes[i] == '\n' {
				cut = i
				break
			}
		}
		parts = append(parts, strings.TrimSpace(string(runes[:cut])))
		runes = []rune(strings.TrimSpace(string(runes[cut:])))
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}

func withDetail(details map[string]any, key string, value any) map[string]any {
	if details == nil {
		details = map[string]any{}
	}
	details[key] = value
	return details
}
