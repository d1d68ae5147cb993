package appstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/ahmtydn/publish-store/internal/artifact"
	"github.com/ahmtydn/publish-store/internal/deploy"
	"github.com/ahmtydn/publish-store/internal/domain"
	"github.com/ahmtydn/publish-store/internal/httpclient"
)

const (
	defaultPollInterval = 30 * time.Second
	defaultMaxWait      = 15 * time.Minute
)

// Deployer drives one App Store Connect deployment attempt: mint a
// signed token, verify access, resolve the app, run the upload tool,
// and poll until the store finishes processing the build.
type Deployer struct {
	logger       *slog.Logger
	baseURL      string
	httpOpts     []httpclient.Option
	runner       Runner
	pollInterval time.Duration
	maxWait      time.Duration
	client       *client
	now          func() time.Time
}

// Option customises a Deployer, mainly for tests.
type Option func(*Deployer)

// WithBaseURL points the API client at a different host.
func WithBaseURL(base string) Option {
	return func(d *Deployer) { d.baseURL = base }
}

// WithHTTPOptions forwards options to the underlying HTTP client.
func WithHTTPOptions(opts ...httpclient.Option) Option {
	return func(d *Deployer) { d.httpOpts = opts }
}

// WithRunner replaces the transporter invocation.
func WithRunner(r Runner) Option {
	return func(d *Deployer) { d.runner = r }
}

// WithPolling adjusts the processing poll cadence and the maximum wait.
func WithPolling(interval, maxWait time.Duration) Option {
	return func(d *Deployer) {
		d.pollInterval = interval
		d.maxWait = maxWait
	}
}

// New returns a single-use App Store Connect deployer.
func New(logger *slog.Logger, opts ...Option) *Deployer {
	d := &Deployer{
		logger:       logger,
		baseURL:      defaultBaseURL,
		pollInterval: defaultPollInterval,
		maxWait:      defaultMaxWait,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.runner == nil {
		d.runner = NewRunner(logger)
	}
	return d
}

// ValidateArtifact checks the artifact against App Store requirements.
func (d *Deployer) ValidateArtifact(ctx context.Context, req *domain.DeploymentRequest) (*domain.ArtifactDescriptor, error) {
	return artifact.Validate(req.ArtifactPath, domain.AppleStore)
}

// Deploy runs the shared lifecycle with the App Store Connect hooks.
func (d *Deployer) Deploy(ctx context.Context, req *domain.DeploymentRequest) (*domain.DeploymentResult, error) {
	lifecycle := &deploy.Lifecycle{
		Platform:     domain.AppleStore,
		Logger:       d.logger,
		Validate:     d.ValidateArtifact,
		Authenticate: d.authenticate,
		Upload:       d.upload,
		DryRunURL: func(req *domain.DeploymentRequest) string {
			return fmt.Sprintf("https://appstoreconnect.apple.com/dry-run/%s", req.Apple.BundleID)
		},
	}
	return lifecycle.Run(ctx, req)
}

// authenticate mints the per-attempt signed token and proves it with a
// single read call. It doubles as the dry-run credential check.
func (d *Deployer) authenticate(ctx context.Context, req *domain.DeploymentRequest) error {
	token, err := mintToken(req.Apple, d.now())
	if err != nil {
		return err
	}
	client, err := newClient(d.baseURL, token, d.logger, d.httpOpts)
	if err != nil {
		return err
	}
	if err := client.verifyAccess(ctx); err != nil {
		return err
	}
	d.client = client
	return nil
}

func (d *Deployer) upload(ctx context.Context, req *domain.DeploymentRequest, desc *domain.ArtifactDescriptor, result *domain.DeploymentResult) error {
	creds := req.Apple

	app, err := d.client.resolveApp(ctx, creds.BundleID)
	if err != nil {
		return err
	}
	result.Metadata["bundle_id"] = creds.BundleID
	result.Metadata["app_id"] = app.ID
	d.logger.Info("app resolved", "deployment_id", result.ID, "bundle_id", creds.BundleID, "app_id", app.ID)

	// Snapshot the newest visible build so the poll cannot mistake a
	// previous release's build for the one about to be uploaded.
	prior, err := d.client.latestBuild(ctx, app.ID)
	if err != nil {
		return err
	}
	var priorBuildID string
	if prior != nil {
		priorBuildID = prior.ID
	}

	if err := d.runTransporter(ctx, req, result); err != nil {
		return err
	}

	build, err := d.awaitProcessing(ctx, app.ID, priorBuildID, result)
	if err != nil {
		return err
	}

	result.VersionCode = build.Attributes.Version
	result.Metadata["build_id"] = build.ID
	result.Metadata["build_version"] = build.Attributes.Version
	result.StoreURL = fmt.Sprintf("https://appstoreconnect.apple.com/apps/%s/testflight/ios", app.ID)
	return nil
}

// runTransporter writes the API key to a private temporary location,
// invokes the upload tool, and removes the key on every exit path. The
// key file never outlives the single invocation.
func (d *Deployer) runTransporter(ctx context.Context, req *domain.DeploymentRequest, result *domain.DeploymentResult) error {
	keyDir, err := os.MkdirTemp("", "publish-store-"+uuid.NewString())
	if err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(keyDir); err != nil {
			d.logger.Warn("api key cleanup failed", "deployment_id", result.ID, "error", err)
		}
	}()

	keyPath := filepath.Join(keyDir, "AuthKey_"+req.Apple.KeyID+".p8")
	if err := os.WriteFile(keyPath, req.Apple.PrivateKey, 0o600); err != nil {
		return fmt.Errorf("write api key: %w", err)
	}

	output, err := d.runner.Upload(ctx, UploadRequest{
		ArtifactPath: req.ArtifactPath,
		IssuerID:     req.Apple.IssuerID,
		KeyID:        req.Apple.KeyID,
		KeyDir:       keyDir,
	})
	if err != nil {
		classified := classifyDiagnostics(output)
		d.logger.Error("upload tool failed",
			"deployment_id", result.ID,
			"code", classified.Code,
			"diagnostics", redactDiagnostics(output),
		)
		return classified
	}
	d.logger.Info("binary uploaded", "deployment_id", result.ID, "bundle_id", req.Apple.BundleID)
	return nil
}

// awaitProcessing polls the store at a fixed interval until the new
// build leaves PROCESSING or the maximum wait elapses. The build
// identified by priorBuildID predates the upload; while it is still the
// newest one visible, the uploaded binary has not appeared yet.
func (d *Deployer) awaitProcessing(ctx context.Context, appID, priorBuildID string, result *domain.DeploymentResult) (*buildResource, error) {
	deadline := d.now().Add(d.maxWait)
	for {
		build, err := d.client.latestBuild(ctx, appID)
		if err != nil {
			return nil, err
		}
		if build != nil && build.ID != priorBuildID {
			switch build.Attributes.ProcessingState {
			case stateValid:
				return build, nil
			case stateInvalid, stateFailed:
				return nil, domain.NewDeployment(domain.CodeProcessingRejected,
					fmt.Sprintf("store processing ended in state %s", build.Attributes.ProcessingState), false, nil)
			}
			result.Metadata["processing_state"] = build.Attributes.ProcessingState
		}

		if !d.now().Before(deadline) {
			return nil, domain.NewTimeout(fmt.Sprintf("build still processing after %s", d.maxWait))
		}
		select {
		case <-ctx.Done():
			return nil, domain.NewAborted("processing wait cancelled", ctx.Err())
		case <-time.After(d.pollInterval):
		}
	}
}
