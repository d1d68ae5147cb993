package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Kind groups deployment failures into the categories the orchestrator
// reports to the pipeline.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindAuthentication Kind = "authentication"
	KindArtifact       Kind = "artifact"
	KindNetwork        Kind = "network"
	KindTimeout        Kind = "timeout"
	KindDeployment     Kind = "deployment"
)

// Error codes surfaced in the deployment summary.
const (
	CodeInvalidInput        = "INVALID_INPUT"
	CodeInvalidCredentials  = "INVALID_CREDENTIALS"
	CodeAuthFailed          = "AUTHENTICATION_FAILED"
	CodeArtifactNotFound    = "ARTIFACT_NOT_FOUND"
	CodeInvalidArtifactType = "INVALID_ARTIFACT_TYPE"
	CodeArtifactTooLarge    = "ARTIFACT_TOO_LARGE"
	CodeNetwork             = "NETWORK_ERROR"
	CodeTimeout             = "TIMEOUT"
	CodeAborted             = "ABORTED"
	CodeDuplicateBuild      = "DUPLICATE_BUILD"
	CodeInvalidSigning      = "INVALID_SIGNING"
	CodeBundleMismatch      = "BUNDLE_ID_MISMATCH"
	CodeProcessingRejected  = "PROCESSING_REJECTED"
	CodeUploadFailed        = "UPLOAD_FAILED"
	CodeDeploymentFailed    = "DEPLOYMENT_FAILED"
)

// Error is the single failure type crossing the deployer boundary.
// Platform errors are wrapped into it exactly once, with the lifecycle
// operation that failed recorded in Op.
type Error struct {
	Kind      Kind
	Code      string
	Message   string
	Op        string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// NewValidation reports malformed input or credential structure.
func NewValidation(code, msg string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: msg}
}

// NewAuthentication reports a rejected credential or failed signing.
func NewAuthentication(msg string, cause error) *Error {
	return &Error{Kind: KindAuthentication, Code: CodeAuthFailed, Message: msg, Err: cause}
}

// NewArtifact reports a missing, mistyped, or oversized artifact.
func NewArtifact(code, msg string) *Error {
	return &Error{Kind: KindArtifact, Code: code, Message: msg}
}

// NewNetwork reports a transport failure or retryable server condition.
func NewNetwork(msg string, cause error) *Error {
	return &Error{Kind: KindNetwork, Code: CodeNetwork, Message: msg, Retryable: true, Err: cause}
}

// NewTimeout reports a bounded operation exceeding its deadline.
func NewTimeout(msg string) *Error {
	return &Error{Kind: KindTimeout, Code: CodeTimeout, Message: msg, Retryable: true}
}

// NewAborted reports external cancellation, distinct from a deadline.
func NewAborted(msg string, cause error) *Error {
	return &Error{Kind: KindDeployment, Code: CodeAborted, Message: msg, Err: cause}
}

// NewDeployment reports a platform-specific failure with explicit
// retryability.
func NewDeployment(code, msg string, retryable bool, cause error) *Error {
	return &Error{Kind: KindDeployment, Code: code, Message: msg, Retryable: retryable, Err: cause}
}

// AsError extracts a *Error from err's chain, or nil.
func AsError(err error) *Error {
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	return nil
}

// IsRetryable reports whether an attempt that failed with err is worth
// repeating. Unclassified errors fall back to the message heuristic.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if de := AsError(err); de != nil {
		return de.Retryable
	}
	return RetryableMessage(err.Error())
}

// RetryableMessage classifies a failure by its text when no structured
// kind is available: transient network conditions, rate limiting, and
// server-side errors are worth another attempt.
func RetryableMessage(msg string) bool {
	m := strings.ToLower(msg)
	for _, needle := range []string{
		"network", "timeout", "connection reset",
		"rate limit", "429", "too many requests",
		"500", "502", "503", "504",
	} {
		if strings.Contains(m, needle) {
			return true
		}
	}
	return false
}
