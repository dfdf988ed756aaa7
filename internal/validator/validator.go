package validator

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"content-publisher/internal/models"
)

const (
	// nearLimitRatio is the share of a hard limit above which a warning is emitted.
	nearLimitRatio = 0.9
	// pastScheduleGrace tolerates schedules a caller computed as "now" a moment ago.
	pastScheduleGrace = time.Minute
)

var hashtagPattern = regexp.MustCompile(`#([\p{L}\p{N}_]+)`)

// Validator checks content against the per-platform limits table. It holds no mutable state.
type Validator struct {
	limits map[string]Limits
}

// New builds a validator over the given table; nil means DefaultLimits.
func New(limits map[string]Limits) *Validator {
	if limits == nil {
		limits = DefaultLimits()
	}
	return &Validator{limits: limits}
}

// Supports reports whether a limits row exists for platform.
func (v *Validator) Supports(platform string) bool {
	_, ok := v.limits[platform]
	return ok
}

// ValidateAll runs Validate for every platform and concatenates the results.
func (v *Validator) ValidateAll(platforms []string, content models.Content, scheduledAt *time.Time, now time.Time) []models.ValidationResult {
	var out []models.ValidationResult
	for _, p := range platforms {
		out = append(out, v.Validate(p, content, scheduledAt, now)...)
	}
	return out
}

// Validate returns one result per checked field for a single platform.
func (v *Validator) Validate(platform string, content models.Content, scheduledAt *time.Time, now time.Time) []models.ValidationResult {
	lim, ok := v.limits[platform]
	if !ok {
		return []models.ValidationResult{{
			Platform: platform,
			Field:    "platform",
			Status:   models.ValidationError,
			Message:  fmt.Sprintf("platform %q is not supported", platform),
		}}
	}

	out := []models.ValidationResult{
		checkText(platform, lim, content),
		checkCount(platform, "images", len(content.Images), lim.MaxImages),
		checkCount(platform, "videos", len(content.Videos), lim.MaxVideos),
		checkHashtags(platform, lim, content),
		checkSchedule(platform, lim, scheduledAt, now),
	}
	if r, ok := checkRequiredMedia(platform, lim, content); ok {
		out = append(out, r)
	}
	return out
}

func checkText(platform string, lim Limits, content models.Content) models.ValidationResult {
	r := models.ValidationResult{Platform: platform, Field: "text"}
	n := utf8.RuneCountInString(content.Text)
	switch {
	case n == 0 && len(content.Images) == 0 && len(content.Videos) == 0:
		r.Status = models.ValidationError
		r.Message = "content has no text or media"
	case n > lim.MaxTextLength:
		r.Status = models.ValidationError
		r.Message = fmt.Sprintf("text is %d characters, limit is %d", n, lim.MaxTextLength)
		if lim.SupportsThreads {
			parts := (n + lim.MaxTextLength - 1) / lim.MaxTextLength
			r.Suggestion = fmt.Sprintf("split the text into a thread of %d posts", parts)
		} else {
			r.Suggestion = fmt.Sprintf("shorten the text by %d characters", n-lim.MaxTextLength)
		}
	case float64(n) > float64(lim.MaxTextLength)*nearLimitRatio:
		r.Status = models.ValidationWarning
		r.Message = fmt.Sprintf("text is %d of %d characters", n, lim.MaxTextLength)
		if lim.SupportsThreads {
			r.Suggestion = "consider posting as a thread"
		}
	default:
		r.Status = models.ValidationValid
		r.Message = "text length ok"
	}
	return r
}

func checkCount(platform, field string, n, max int) models.ValidationResult {
	r := models.ValidationResult{Platform: platform, Field: field}
	switch {
	case n > max:
		r.Status = models.ValidationError
		if max == 0 {
			r.Message = fmt.Sprintf("%s are not supported", field)
		} else {
			r.Message = fmt.Sprintf("%d %s attached, limit is %d", n, field, max)
		}
		r.Suggestion = fmt.Sprintf("remove %d %s", n-max, field)
	case max > 1 && n > 0 && float64(n) > float64(max)*nearLimitRatio:
		r.Status = models.ValidationWarning
		r.Message = fmt.Sprintf("%d of %d %s attached", n, max, field)
	default:
		r.Status = models.ValidationValid
		r.Message = field + " ok"
	}
	return r
}

func checkHashtags(platform string, lim Limits, content models.Content) models.ValidationResult {
	r := models.ValidationResult{Platform: platform, Field: "hashtags"}
	n := CountHashtags(content)
	switch {
	case n > lim.MaxHashtags:
		r.Status = models.ValidationError
		r.Message = fmt.Sprintf("%d hashtags, limit is %d", n, lim.MaxHashtags)
		r.Suggestion = fmt.Sprintf("remove %d hashtags", n-lim.MaxHashtags)
	case lim.IdealHashtags > 0 && n > lim.IdealHashtags:
		r.Status = models.ValidationWarning
		r.Message = fmt.Sprintf("%d hashtags is above the recommended %d for %s", n, lim.IdealHashtags, platform)
		r.Suggestion = fmt.Sprintf("keep to %d hashtags or fewer", lim.IdealHashtags)
	case n < lim.MinHashtags:
		r.Status = models.ValidationWarning
		r.Message = fmt.Sprintf("posts on %s usually carry at least %d hashtags", platform, lim.MinHashtags)
		r.Suggestion = "add relevant hashtags to improve reach"
	default:
		r.Status = models.ValidationValid
		r.Message = "hashtags ok"
	}
	return r
}

func checkSchedule(platform string, lim Limits, scheduledAt *time.Time, now time.Time) models.ValidationResult {
	r := models.ValidationResult{Platform: platform, Field: "scheduledAt", Status: models.ValidationValid, Message: "publish immediately"}
	if scheduledAt == nil {
		return r
	}
	horizon := now.Add(time.Duration(lim.MaxScheduleDays) * 24 * time.Hour)
	switch {
	case scheduledAt.Before(now.Add(-pastScheduleGrace)):
		r.Status = models.ValidationError
		r.Message = "scheduled time is in the past"
		r.Suggestion = "pick a future time or publish immediately"
	case scheduledAt.After(horizon):
		r.Status = models.ValidationError
		r.Message = fmt.Sprintf("%s allows scheduling at most %d days ahead", platform, lim.MaxScheduleDays)
	default:
		r.Message = "schedule ok"
	}
	return r
}

func checkRequiredMedia(platform string, lim Limits, content models.Content) (models.ValidationResult, bool) {
	switch {
	case lim.RequiresVideo && len(content.Videos) == 0:
		return models.ValidationResult{
			Platform: platform,
			Field:    "videos",
			Status:   models.ValidationError,
			Message:  platform + " posts require a video",
		}, true
	case lim.RequiresMedia && len(content.Images)+len(content.Videos) == 0:
		return models.ValidationResult{
			Platform: platform,
			Field:    "media",
			Status:   models.ValidationError,
			Message:  platform + " posts require at least one image or video",
		}, true
	}
	return models.ValidationResult{}, false
}

// CountHashtags counts distinct hashtags across the explicit list and the text body.
func CountHashtags(content models.Content) int {
	seen := map[string]struct{}{}
	for _, h := range content.Hashtags {
		h = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(h), "#"))
		if h != "" {
			seen[h] = struct{}{}
		}
	}
	for _, m := range hashtagPattern.FindAllStringSubmatch(content.Text, -1) {
		seen[strings.ToLower(m[1])] = struct{}{}
	}
	return len(seen)
}
