package platform

import (
	"content-publisher/internal/config"
)

// Adapters builds one adapter per supported platform. ADAPTER_MODE=mock swaps every platform
// for an always-succeeding Mock.
func Adapters(cfg config.Config, stager MediaStager) []Adapter {
	if cfg.AdapterMode == "mock" {
		out := make([]Adapter, 0, len(config.SupportedPlatforms))
		for _, p := range config.SupportedPlatforms {
			out = append(out, NewMock(p))
		}
		return out
	}
	timeout := cfg.DispatchTimeout
	return []Adapter{
		NewTwitter(cfg.Platforms["twitter"], timeout),
		NewLinkedIn(cfg.Platforms["linkedin"], timeout),
		NewFacebook(cfg.Platforms["facebook"], timeout),
		NewInstagram(cfg.Platforms["instagram"], timeout, stager),
		NewTikTok(cfg.Platforms["tiktok"], timeout),
	}
}
