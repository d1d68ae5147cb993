package deploy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ahmtydn/publish-store/internal/domain"
	"github.com/ahmtydn/publish-store/internal/retry"
)

// Factory builds a fresh single-use deployer for one attempt.
type Factory func(logger *slog.Logger) Deployer

// Service selects the platform deployer, enforces the global timeout,
// and normalizes every failure into the shared taxonomy. It is safe to
// invoke concurrently for independent requests; each attempt owns its
// deployer instance.
type Service struct {
	factories map[domain.Platform]Factory
	logger    *slog.Logger
}

// New returns an orchestrator over the given per-platform factories.
func New(logger *slog.Logger, factories map[domain.Platform]Factory) Service {
	return Service{factories: factories, logger: logger}
}

// Run executes one deployment attempt end to end. The returned result
// is always terminal; the error, when non-nil, is a *domain.Error.
func (s Service) Run(ctx context.Context, req *domain.DeploymentRequest) (*domain.DeploymentResult, error) {
	factory, ok := s.factories[req.Platform]
	if !ok {
		err := domain.NewValidation(domain.CodeInvalidInput, fmt.Sprintf("unsupported platform %q", req.Platform))
		return failedResult(req.Platform, err), err
	}
	if err := validateRequest(req); err != nil {
		return failedResult(req.Platform, err), err
	}

	deployer := factory(s.logger)

	// The result is handed off through a channel so a deployer that
	// settles after the deadline can never be observed.
	results := make(chan *domain.DeploymentResult, 1)
	err := retry.Deadline(ctx, req.Timeout, func(ctx context.Context) error {
		res, err := deployer.Deploy(ctx, req)
		results <- res
		return err
	})

	var result *domain.DeploymentResult
	if de := domain.AsError(err); de == nil || (de.Code != domain.CodeTimeout && de.Code != domain.CodeAborted) {
		select {
		case result = <-results:
		default:
		}
	}

	if err != nil {
		wrapped := domain.AsError(err)
		if wrapped == nil {
			wrapped = domain.NewDeployment(domain.CodeDeploymentFailed, err.Error(), domain.RetryableMessage(err.Error()), err)
		}
		if result == nil {
			result = failedResult(req.Platform, wrapped)
		}
		return result, wrapped
	}
	return result, nil
}

// validateRequest re-checks the invariants the binding layer cannot:
// exactly one credential set, matching the platform.
func validateRequest(req *domain.DeploymentRequest) *domain.Error {
	switch req.Platform {
	case domain.AndroidStore:
		if req.Android == nil || req.Apple != nil {
			return domain.NewValidation(domain.CodeInvalidCredentials, "android deployment requires exactly the android credential set")
		}
	case domain.AppleStore:
		if req.Apple == nil || req.Android != nil {
			return domain.NewValidation(domain.CodeInvalidCredentials, "ios deployment requires exactly the apple credential set")
		}
	}
	if req.Timeout <= 0 {
		return domain.NewValidation(domain.CodeInvalidInput, "deployment timeout must be positive")
	}
	return nil
}

func failedResult(platform domain.Platform, err *domain.Error) *domain.DeploymentResult {
	return domain.NewResult(platform).Complete(domain.StatusFailed, err)
}
