package domain

import (
	"time"

	"github.com/google/uuid"
)

// Platform identifies the target distribution store.
type Platform string

const (
	AndroidStore Platform = "android"
	AppleStore   Platform = "ios"
)

// Valid reports whether p names a supported store.
func (p Platform) Valid() bool {
	return p == AndroidStore || p == AppleStore
}

// Deployment status values.
const (
	StatusInProgress = "in_progress"
	StatusSuccess    = "success"
	StatusFailed     = "failed"
	StatusSkipped    = "skipped"
)

// AndroidCredentials carries the Play Console target and the decoded
// service account payload.
type AndroidCredentials struct {
	PackageName        string
	Track              string
	ServiceAccountJSON []byte
}

// AppleCredentials carries the App Store Connect target and API key
// material. PrivateKey holds the PEM-encoded .p8 contents.
type AppleCredentials struct {
	BundleID   string
	IssuerID   string
	KeyID      string
	PrivateKey []byte
}

// DeploymentRequest is the immutable input for one deployment attempt.
// Exactly one credential set is present, matching Platform.
type DeploymentRequest struct {
	Platform     Platform
	AppVersion   string
	BuildNumber  string
	ReleaseNotes string
	ArtifactPath string
	DryRun       bool
	Timeout      time.Duration
	Android      *AndroidCredentials
	Apple        *AppleCredentials
}

// ArtifactDescriptor describes the artifact file as observed on disk.
// Computed once per attempt and never mutated.
type ArtifactDescriptor struct {
	BaseName  string `json:"base_name"`
	Extension string `json:"extension"`
	Size      int64  `json:"size"`
	Checksum  string `json:"checksum"`
}

// DeploymentResult records the outcome of one deployment attempt. It is
// created with status in_progress and replaced with a terminal copy on
// completion; it is never shared across concurrent attempts.
type DeploymentResult struct {
	ID          string            `json:"id"`
	Platform    Platform          `json:"platform"`
	Status      string            `json:"status"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt time.Time         `json:"completed_at,omitzero"`
	Duration    time.Duration     `json:"duration"`
	StoreURL    string            `json:"store_url,omitempty"`
	VersionCode string            `json:"version_code,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Err         *Error            `json:"-"`
}

// NewResult starts an in-progress result for one attempt.
func NewResult(platform Platform) *DeploymentResult {
	return &DeploymentResult{
		ID:        uuid.NewString(),
		Platform:  platform,
		Status:    StatusInProgress,
		StartedAt: time.Now().UTC(),
		Metadata:  map[string]string{},
	}
}

// Complete returns a terminal copy of r with the given status.
func (r *DeploymentResult) Complete(status string, err *Error) *DeploymentResult {
	done := *r
	done.Status = status
	done.CompletedAt = time.Now().UTC()
	done.Duration = done.CompletedAt.Sub(done.StartedAt)
	done.Err = err
	return &done
}

// RetryPolicy configures bounded, deterministic retry behavior. It is
// shared read-only across calls and never mutated at runtime.
type RetryPolicy struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Retryable     func(error) bool
}

// DefaultRetryPolicy matches the store clients' needs: three attempts
// with a doubling delay capped at ten seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   3,
		InitialDelay:  time.Second,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2,
		Retryable:     IsRetryable,
	}
}

// DelayBefore returns the wait preceding attempt number attempt
// (1-based). There is no delay before the first attempt, and no jitter.
func (p RetryPolicy) DelayBefore(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	delay := p.InitialDelay
	for i := 2; i < attempt; i++ {
		delay = time.Duration(float64(delay) * p.BackoffFactor)
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}
