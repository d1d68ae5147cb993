package deploy

import (
	"encoding/json"
	"time"

	"github.com/ahmtydn/publish-store/internal/domain"
)

// Summary is the JSON-serializable deployment report handed to the
// invoking pipeline.
type Summary struct {
	DeploymentID string            `json:"deployment_id"`
	Platform     domain.Platform   `json:"platform"`
	Status       string            `json:"status"`
	StartedAt    time.Time         `json:"started_at"`
	CompletedAt  time.Time         `json:"completed_at"`
	DurationMs   int64             `json:"duration_ms"`
	StoreURL     string            `json:"store_url,omitempty"`
	VersionCode  string            `json:"version_code,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Error        *SummaryError     `json:"error,omitempty"`
}

// SummaryError is the redacted failure detail inside a Summary.
type SummaryError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Operation string `json:"operation,omitempty"`
	Retryable bool   `json:"retryable"`
}

// Summarize converts a terminal result into its report form.
func Summarize(result *domain.DeploymentResult) Summary {
	summary := Summary{
		DeploymentID: result.ID,
		Platform:     result.Platform,
		Status:       result.Status,
		StartedAt:    result.StartedAt,
		CompletedAt:  result.CompletedAt,
		DurationMs:   result.Duration.Milliseconds(),
		StoreURL:     result.StoreURL,
		VersionCode:  result.VersionCode,
		Metadata:     result.Metadata,
	}
	if result.Err != nil {
		summary.Error = &SummaryError{
			Code:      result.Err.Code,
			Message:   result.Err.Message,
			Operation: result.Err.Op,
			Retryable: result.Err.Retryable,
		}
	}
	return summary
}

// MarshalIndent renders the summary for stdout or a report file.
func (s Summary) MarshalIndent() ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}
