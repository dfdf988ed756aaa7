package platform

import (
	"context"
	"fmt"
	"time"

	"content-publisher/internal/config"
	"content-publisher/internal/models"
)

// MediaStager re-hosts a media URL somewhere the platform can fetch it from.
type MediaStager interface {
	Stage(ctx context.Context, platform, key, sourceURL string) (string, error)
}

// Instagram uses the two-step container flow: create a media container, then publish it.
type Instagram struct {
	client
	stager MediaStager
}

// NewInstagram builds the adapter. stager may be nil, in which case media URLs are passed through.
func NewInstagram(cfg config.PlatformConfig, timeout time.Duration, stager MediaStager) *Instagram {
	return &Instagram{client: newClient("instagram", cfg, timeout), stager: stager}
}

func (i *Instagram) Name() string { return "instagram" }

func (i *Instagram) Publish(ctx context.Context, req models.PublishRequest) models.PublishResult {
	if res, missing := i.missingCredentials(true); missing {
		return res
	}
	caption := composeText(models.Content{Text: req.Content.Text, Hashtags: req.Content.Hashtags})
	base := graphVersion + "/" + i.account

	var container graphID
	switch {
	case len(req.Content.Videos) > 0:
		if _, err := i.postJSON(ctx, base+"/media", map[string]any{
			"media_type": "REELS",
			"video_url":  req.Content.Videos[0],
			"caption":    caption,
		}, req.IdempotencyKey, &container); err != nil {
			return i.failure(err)
		}
	case len(req.Content.Images) == 1:
		url, res, ok := i.stage(ctx, req, 0)
		if !ok {
			return res
		}
		if _, err := i.postJSON(ctx, base+"/media", map[string]any{
			"image_url": url,
			"caption":   caption,
		}, req.IdempotencyKey, &container); err != nil {
			return i.failure(err)
		}
	case len(req.Content.Images) > 1:
		children := make([]string, 0, len(req.Content.Images))
		for n := range req.Content.Images {
			url, res, ok := i.stage(ctx, req, n)
			if !ok {
				return res
			}
			var child graphID
			if _, err := i.postJSON(ctx, base+"/media", map[string]any{
				"image_url":        url,
				"is_carousel_item": true,
			}, fmt.Sprintf("%s:item:%d", req.IdempotencyKey, n), &child); err != nil {
				return i.failure(err)
			}
			children = append(children, child.ID)
		}
		if _, err := i.postJSON(ctx, base+"/media", map[string]any{
			"media_type": "CAROUSEL",
			"children":   children,
			"caption":    caption,
		}, req.IdempotencyKey, &container); err != nil {
			return i.failure(err)
		}
	default:
		return models.Failed(models.CodeMedia, "instagram: at least one image or video is required", false)
	}

	var out graphID
	if _, err := i.postJSON(ctx, base+"/media_publish", map[string]any{"creation_id": container.ID}, req.IdempotencyKey+":publish", &out); err != nil {
		return i.failure(err)
	}
	if out.ID == "" {
		return models.Failed(models.CodeUpstream, "instagram: response missing media id", true)
	}
	return published(out.ID, "")
}

func (i *Instagram) stage(ctx context.Context, req models.PublishRequest, n int) (string, models.PublishResult, bool) {
	src := req.Content.Images[n]
	if i.stager == nil {
		return src, models.PublishResult{}, true
	}
	url, err := i.stager.Stage(ctx, i.platform, fmt.Sprintf("%s-%d", req.JobID, n), src)
	if err != nil {
		return "", models.Failed(models.CodeMedia, fmt.Sprintf("instagram: stage media: %v", err), true), false
	}
	return url, models.PublishResult{}, true
}
