package platform

import (
	"context"
	"time"

	"content-publisher/internal/config"
	"content-publisher/internal/models"
)

const graphVersion = "/v19.0"

// Facebook publishes to a page feed, or as a photo post when the content carries an image.
type Facebook struct {
	client
}

func NewFacebook(cfg config.PlatformConfig, timeout time.Duration) *Facebook {
	return &Facebook{client: newClient("facebook", cfg, timeout)}
}

func (f *Facebook) Name() string { return "facebook" }

type graphID struct {
	ID     string `json:"id"`
	PostID string `json:"post_id"`
}

func (f *Facebook) Publish(ctx context.Context, req models.PublishRequest) models.PublishResult {
	if res, missing := f.missingCredentials(true); missing {
		return res
	}

	var (
		out  graphID
		err  error
		text = composeText(models.Content{Text: req.Content.Text, Hashtags: req.Content.Hashtags})
	)
	if len(req.Content.Images) > 0 {
		_, err = f.postJSON(ctx, graphVersion+"/"+f.account+"/photos", map[string]any{
			"url":     req.Content.Images[0],
			"caption": text,
		}, req.IdempotencyKey, &out)
	} else {
		body := map[string]any{"message": text}
		if req.Content.Link != "" {
			body["link"] = req.Content.Link
		}
		_, err = f.postJSON(ctx, graphVersion+"/"+f.account+"/feed", body, req.IdempotencyKey, &out)
	}
	if err != nil {
		return f.failure(err)
	}

	id := out.PostID
	if id == "" {
		id = out.ID
	}
	if id == "" {
		return models.Failed(models.CodeUpstream, "facebook: response missing id", true)
	}
	return published(id, "https://www.facebook.com/"+id)
}
