package models

// PublishRequest is what an adapter receives for a single platform call.
type PublishRequest struct {
	JobID          string
	BrandID        string
	Platform       string
	Content        Content
	IdempotencyKey string
}

// PublishResult is the outcome of one adapter call. Adapters return it instead of an error.
type PublishResult struct {
	Success        bool           `json:"success"`
	PlatformPostID string         `json:"platform_post_id,omitempty"`
	PlatformURL    string         `json:"platform_url,omitempty"`
	Error          string         `json:"error,omitempty"`
	ErrorCode      string         `json:"error_code,omitempty"`
	ErrorDetails   map[string]any `json:"error_details,omitempty"`
	// Retryable marks transient failures. Permanent failures skip the remaining retry budget.
	Retryable bool `json:"retryable"`
}

// Error codes shared by adapters.
const (
	CodeTimeout      = "timeout"
	CodeRateLimited  = "rate_limited"
	CodeNetwork      = "network_error"
	CodeUnauthorized = "unauthorized"
	CodeRejected     = "rejected"
	CodeUpstream     = "upstream_error"
	CodeMedia        = "media_error"
)

// Failed builds a failed result.
func Failed(code, msg string, retryable bool) PublishResult {
	return PublishResult{Success: false, Error: msg, ErrorCode: code, Retryable: retryable}
}

// ValidationStatus is the severity of one validation finding.
type ValidationStatus string

const (
	ValidationValid   ValidationStatus = "valid"
	ValidationWarning ValidationStatus = "warning"
	ValidationError   ValidationStatus = "error"
)

// ValidationResult describes one field check for one platform.
type ValidationResult struct {
	Platform   string           `json:"platform,omitempty"`
	Field      string           `json:"field"`
	Status     ValidationStatus `json:"status"`
	Message    string           `json:"message"`
	Suggestion string           `json:"suggestion,omitempty"`
}

// HasErrors reports whether any result is error-level.
func HasErrors(results []ValidationResult) bool {
	for _, r := range results {
		if r.Status == ValidationError {
			return true
		}
	}
	return false
}
