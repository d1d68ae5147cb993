package deploy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ahmtydn/publish-store/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

type hookCalls struct {
	validate     int
	authenticate int
	upload       int
}

func newLifecycle(calls *hookCalls, uploadErr error) *Lifecycle {
	return &Lifecycle{
		Platform: domain.AndroidStore,
		Logger:   testLogger(),
		Validate: func(ctx context.Context, req *domain.DeploymentRequest) (*domain.ArtifactDescriptor, error) {
			calls.validate++
			return &domain.ArtifactDescriptor{BaseName: "app.aab", Size: 1024, Checksum: "abc"}, nil
		},
		Authenticate: func(ctx context.Context, req *domain.DeploymentRequest) error {
			calls.authenticate++
			return nil
		},
		Upload: func(ctx context.Context, req *domain.DeploymentRequest, desc *domain.ArtifactDescriptor, result *domain.DeploymentResult) error {
			calls.upload++
			return uploadErr
		},
		DryRunURL: func(req *domain.DeploymentRequest) string {
			return "https://example.com/dry-run"
		},
	}
}

func baseRequest(dryRun bool) *domain.DeploymentRequest {
	return &domain.DeploymentRequest{
		Platform:   domain.AndroidStore,
		AppVersion: "2.0.0",
		DryRun:     dryRun,
		Timeout:    time.Minute,
	}
}

func TestLifecycleSuccessRecordsArtifactMetadata(t *testing.T) {
	calls := &hookCalls{}
	result, err := newLifecycle(calls, nil).Run(context.Background(), baseRequest(false))
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.Status != domain.StatusSuccess {
		t.Fatalf("expected success, got %s", result.Status)
	}
	if result.Metadata["artifact_checksum"] != "abc" {
		t.Fatalf("expected checksum metadata, got %v", result.Metadata)
	}
	if calls.validate != 1 || calls.authenticate != 1 || calls.upload != 1 {
		t.Fatalf("unexpected hook calls %+v", calls)
	}
	if result.CompletedAt.IsZero() || result.Duration < 0 {
		t.Fatalf("terminal result missing timing: %+v", result)
	}
}

func TestLifecycleDryRunSkipsUpload(t *testing.T) {
	calls := &hookCalls{}
	result, err := newLifecycle(calls, nil).Run(context.Background(), baseRequest(true))
	if err != nil {
		t.Fatalf("dry run failed: %v", err)
	}
	if result.Metadata["dryRun"] != "true" {
		t.Fatalf("expected dryRun metadata, got %v", result.Metadata)
	}
	if result.StoreURL != "https://example.com/dry-run" {
		t.Fatalf("expected synthetic url, got %q", result.StoreURL)
	}
	if calls.upload != 0 {
		t.Fatal("dry run must not upload")
	}
	if calls.authenticate != 1 {
		t.Fatal("dry run must still check credentials")
	}
}

func TestLifecycleWrapsPlainErrorOnce(t *testing.T) {
	cause := errors.New("connection reset by peer")
	calls := &hookCalls{}
	result, err := newLifecycle(calls, cause).Run(context.Background(), baseRequest(false))

	de := domain.AsError(err)
	if de == nil {
		t.Fatalf("expected wrapped domain error, got %v", err)
	}
	if de.Op != OpUpload {
		t.Fatalf("expected operation %q, got %q", OpUpload, de.Op)
	}
	if !de.Retryable {
		t.Fatal("connection reset should classify as retryable")
	}
	if !errors.Is(err, cause) {
		t.Fatal("original cause lost in wrapping")
	}
	if result.Err != de {
		t.Fatal("result must carry the same terminal error")
	}
}

func TestLifecyclePreservesStructuredErrors(t *testing.T) {
	structured := domain.NewDeployment(domain.CodeDuplicateBuild, "build 87 already uploaded", false, nil)
	calls := &hookCalls{}
	_, err := newLifecycle(calls, structured).Run(context.Background(), baseRequest(false))

	de := domain.AsError(err)
	if de != structured {
		t.Fatalf("expected the structured error unchanged, got %v", err)
	}
	if de.Op != OpUpload {
		t.Fatalf("expected operation label applied, got %q", de.Op)
	}
	if de.Retryable {
		t.Fatal("explicit retryability must not be overridden by the heuristic")
	}
}

func TestLifecycleNonRetryableMessage(t *testing.T) {
	calls := &hookCalls{}
	_, err := newLifecycle(calls, errors.New("invalid provisioning data")).Run(context.Background(), baseRequest(false))
	de := domain.AsError(err)
	if de == nil || de.Retryable {
		t.Fatalf("expected non-retryable failure, got %v", err)
	}
}
