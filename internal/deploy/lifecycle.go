// Package deploy defines the platform deployer contract, the shared
// deployment lifecycle, and the orchestrator that drives one attempt.
package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ahmtydn/publish-store/internal/domain"
)

// Deployer is the contract every store implementation satisfies. A
// deployer instance serves exactly one deployment attempt.
type Deployer interface {
	Deploy(ctx context.Context, req *domain.DeploymentRequest) (*domain.DeploymentResult, error)
	ValidateArtifact(ctx context.Context, req *domain.DeploymentRequest) (*domain.ArtifactDescriptor, error)
}

// Lifecycle steps recorded on wrapped errors.
const (
	OpValidate     = "validate"
	OpAuthenticate = "authenticate"
	OpUpload       = "upload"
	OpDryRun       = "dry_run"
)

// Lifecycle runs the shared validate/authenticate/upload sequence that
// both platforms parameterize. Hooks mutate the in-progress result;
// the lifecycle owns wrapping failures exactly once with deployment
// context.
type Lifecycle struct {
	Platform domain.Platform
	Logger   *slog.Logger

	// Validate checks the artifact and returns its descriptor.
	Validate func(ctx context.Context, req *domain.DeploymentRequest) (*domain.ArtifactDescriptor, error)
	// Authenticate establishes the platform client for this attempt.
	// Also used by the dry-run path as the credential/reachability
	// check; it must not mutate remote state.
	Authenticate func(ctx context.Context, req *domain.DeploymentRequest) error
	// Upload executes the platform upload protocol, recording store
	// URL, version code, and metadata on result.
	Upload func(ctx context.Context, req *domain.DeploymentRequest, desc *domain.ArtifactDescriptor, result *domain.DeploymentResult) error
	// DryRunURL produces the synthetic informational URL reported for
	// a dry run.
	DryRunURL func(req *domain.DeploymentRequest) string
}

// Run executes one attempt and returns the terminal result. The
// returned error, when non-nil, is always a *domain.Error carrying the
// failed operation; the same error is recorded on the result.
func (l *Lifecycle) Run(ctx context.Context, req *domain.DeploymentRequest) (*domain.DeploymentResult, error) {
	result := domain.NewResult(l.Platform)
	l.Logger.Info("deployment started",
		"deployment_id", result.ID,
		"platform", l.Platform,
		"version", req.AppVersion,
		"dry_run", req.DryRun,
	)

	if req.DryRun {
		return l.dryRun(ctx, req, result)
	}

	desc, err := l.Validate(ctx, req)
	if err != nil {
		return l.fail(req, result, OpValidate, err)
	}
	result.Metadata["artifact_checksum"] = desc.Checksum
	result.Metadata["artifact_size"] = fmt.Sprintf("%d", desc.Size)

	if err := l.Authenticate(ctx, req); err != nil {
		return l.fail(req, result, OpAuthenticate, err)
	}

	if err := l.Upload(ctx, req, desc, result); err != nil {
		return l.fail(req, result, OpUpload, err)
	}

	done := result.Complete(domain.StatusSuccess, nil)
	l.Logger.Info("deployment succeeded",
		"deployment_id", done.ID,
		"platform", l.Platform,
		"duration", done.Duration,
		"store_url", done.StoreURL,
	)
	return done, nil
}

// dryRun validates the artifact and checks credentials without any
// state-changing remote call.
func (l *Lifecycle) dryRun(ctx context.Context, req *domain.DeploymentRequest, result *domain.DeploymentResult) (*domain.DeploymentResult, error) {
	desc, err := l.Validate(ctx, req)
	if err != nil {
		return l.fail(req, result, OpDryRun, err)
	}
	if err := l.Authenticate(ctx, req); err != nil {
		return l.fail(req, result, OpDryRun, err)
	}

	result.Metadata["dryRun"] = "true"
	result.Metadata["artifact_checksum"] = desc.Checksum
	result.StoreURL = l.DryRunURL(req)
	done := result.Complete(domain.StatusSuccess, nil)
	l.Logger.Info("dry run passed", "deployment_id", done.ID, "platform", l.Platform)
	return done, nil
}

// fail wraps err once with deployment context and returns the terminal
// failed result. Errors that are already *domain.Error keep their kind
// and code; only the operation label and retryability heuristic are
// applied.
func (l *Lifecycle) fail(req *domain.DeploymentRequest, result *domain.DeploymentResult, op string, err error) (*domain.DeploymentResult, error) {
	elapsed := time.Since(result.StartedAt)

	wrapped := domain.AsError(err)
	if wrapped == nil {
		wrapped = domain.NewDeployment(domain.CodeDeploymentFailed, err.Error(), domain.RetryableMessage(err.Error()), err)
	}
	if wrapped.Op == "" {
		wrapped.Op = op
	}

	l.Logger.Error("deployment failed",
		"deployment_id", result.ID,
		"platform", l.Platform,
		"operation", wrapped.Op,
		"version", req.AppVersion,
		"dry_run", req.DryRun,
		"elapsed", elapsed,
		"code", wrapped.Code,
		"retryable", wrapped.Retryable,
		"error", wrapped.Message,
	)
	return result.Complete(domain.StatusFailed, wrapped), wrapped
}
