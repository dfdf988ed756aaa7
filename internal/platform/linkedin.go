package platform

import (
	"context"
	"time"

	"content-publisher/internal/config"
	"content-publisher/internal/models"
)

// LinkedIn publishes organization posts. The created URN comes back in the x-restli-id header.
type LinkedIn struct {
	client
}

func NewLinkedIn(cfg config.PlatformConfig, timeout time.Duration) *LinkedIn {
	return &LinkedIn{client: newClient("linkedin", cfg, timeout)}
}

func (l *LinkedIn) Name() string { return "linkedin" }

type linkedInPost struct {
	Author         string             `json:"author"`
	Commentary     string             `json:"commentary"`
	Visibility     string             `json:"visibility"`
	LifecycleState string             `json:"lifecycleState"`
	Distribution   linkedInDistrib    `json:"distribution"`
	Content        *linkedInPostMedia `json:"content,omitempty"`
}

type linkedInDistrib struct {
	FeedDistribution string `json:"feedDistribution"`
}

type linkedInPostMedia struct {
	Article *linkedInArticle `json:"article,omitempty"`
}

type linkedInArticle struct {
	Source string `json:"source"`
}

func (l *LinkedIn) Publish(ctx context.Context, req models.PublishRequest) models.PublishResult {
	if res, missing := l.missingCredentials(true); missing {
		return res
	}

	post := linkedInPost{
		Author:         "urn:li:organization:" + l.account,
		Commentary:     composeText(models.Content{Text: req.Content.Text, Hashtags: req.Content.Hashtags}),
		Visibility:     "PUBLIC",
		LifecycleState: "PUBLISHED",
		Distribution:   linkedInDistrib{FeedDistribution: "MAIN_FEED"},
	}
	if req.Content.Link != "" {
		post.Content = &linkedInPostMedia{Article: &linkedInArticle{Source: req.Content.Link}}
	}

	header, err := l.postJSON(ctx, "/rest/posts", post, req.IdempotencyKey, nil)
	if err != nil {
		return l.failure(err)
	}
	urn := header.Get("x-restli-id")
	if urn == "" {
		return models.Failed(models.CodeUpstream, "linkedin: response missing x-restli-id", true)
	}
	return published(urn, "https://www.linkedin.com/feed/update/"+urn)
}
