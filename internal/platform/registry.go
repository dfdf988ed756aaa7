package platform

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"content-publisher/internal/models"
	"content-publisher/internal/ratelimit"
)

// Adapter publishes content to exactly one external platform. Implementations never return an
// error: failures come back as a PublishResult with Success=false.
type Adapter interface {
	Name() string
	Publish(ctx context.Context, req models.PublishRequest) models.PublishResult
}

// Registry selects the adapter for a platform name. The set of adapters is fixed at construction.
type Registry struct {
	adapters map[string]Adapter
	limiter  ratelimit.Limiter
	log      logrus.FieldLogger
}

// NewRegistry indexes adapters by Name. limiter may be nil.
func NewRegistry(log logrus.FieldLogger, limiter ratelimit.Limiter, adapters ...Adapter) *Registry {
	r := &Registry{
		adapters: make(map[string]Adapter, len(adapters)),
		limiter:  limiter,
		log:      log,
	}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

// Supports reports whether an adapter is registered for name.
func (r *Registry) Supports(name string) bool {
	_, ok := r.adapters[name]
	return ok
}

// Platforms lists registered platform names, sorted.
func (r *Registry) Platforms() []string {
	out := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Check returns a ConfigurationError for the first platform without an adapter.
func (r *Registry) Check(platforms []string) error {
	if len(platforms) == 0 {
		return models.RequestError("at least one platform is required")
	}
	for _, p := range platforms {
		if !r.Supports(p) {
			return &models.ConfigurationError{Platform: p}
		}
	}
	return nil
}

// Publish routes req to its adapter after the per-platform rate limit.
func (r *Registry) Publish(ctx context.Context, req models.PublishRequest) (res models.PublishResult) {
	adapter, ok := r.adapters[req.Platform]
	if !ok {
		return models.Failed("unsupported_platform", (&models.ConfigurationError{Platform: req.Platform}).Error(), false)
	}

	if r.limiter != nil {
		d, err := r.limiter.Take(ctx, ratelimit.PlatformKey(req.Platform, req.BrandID))
		switch {
		case err != nil:
			r.log.WithError(err).WithField("platform", req.Platform).Warn("platform rate limit check failed, dispatching anyway")
		case !d.Allowed:
			limited := models.Failed(models.CodeRateLimited, fmt.Sprintf("%s dispatch rate exceeded", req.Platform), true)
			if d.RetryAfter > 0 {
				limited.ErrorDetails = map[string]any{"retry_after_ms": d.RetryAfter.Milliseconds()}
			}
			return limited
		}
	}

	defer func() {
		if p := recover(); p != nil {
			r.log.WithFields(logrus.Fields{"platform": req.Platform, "job_id": req.JobID}).Errorf("adapter panic: %v", p)
			res = models.Failed("adapter_panic", fmt.Sprintf("adapter panic: %v", p), true)
		}
	}()
	return adapter.Publish(ctx, req)
}
