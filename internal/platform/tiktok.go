package platform

import (
	"context"
	"time"

	"content-publisher/internal/config"
	"content-publisher/internal/models"
)

// TikTok uses direct post with PULL_FROM_URL. Publishing completes asynchronously on TikTok's
// side, so the returned id is the publish id.
type TikTok struct {
	client
}

func NewTikTok(cfg config.PlatformConfig, timeout time.Duration) *TikTok {
	return &TikTok{client: newClient("tiktok", cfg, timeout)}
}

func (t *TikTok) Name() string { return "tiktok" }

type tiktokInitRequest struct {
	PostInfo struct {
		Title         string `json:"title"`
		PrivacyLevel  string `json:"privacy_level"`
		DisableDuet   bool   `json:"disable_duet"`
		DisableStitch bool   `json:"disable_stitch"`
	} `json:"post_info"`
	SourceInfo struct {
		Source   string `json:"source"`
		VideoURL string `json:"video_url"`
	} `json:"source_info"`
}

type tiktokInitResponse struct {
	Data struct {
		PublishID string `json:"publish_id"`
	} `json:"data"`
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (t *TikTok) Publish(ctx context.Context, req models.PublishRequest) models.PublishResult {
	if res, missing := t.missingCredentials(false); missing {
		return res
	}
	if len(req.Content.Videos) == 0 {
		return models.Failed(models.CodeMedia, "tiktok: a video is required", false)
	}

	var body tiktokInitRequest
	body.PostInfo.Title = composeText(models.Content{Text: req.Content.Text, Hashtags: req.Content.Hashtags})
	body.PostInfo.PrivacyLevel = "PUBLIC_TO_EVERYONE"
	body.SourceInfo.Source = "PULL_FROM_URL"
	body.SourceInfo.VideoURL = req.Content.Videos[0]

	var out tiktokInitResponse
	if _, err := t.postJSON(ctx, "/v2/post/publish/video/init/", body, req.IdempotencyKey, &out); err != nil {
		return t.failure(err)
	}
	if out.Error.Code != "" && out.Error.Code != "ok" {
		return models.PublishResult{
			Error:        "tiktok: " + out.Error.Message,
			ErrorCode:    models.CodeRejected,
			ErrorDetails: map[string]any{"tiktok_code": out.Error.Code},
		}
	}
	if out.Data.PublishID == "" {
		return models.Failed(models.CodeUpstream, "tiktok: response missing publish_id", true)
	}
	return published(out.Data.PublishID, "")
}
