package playstore

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/ahmtydn/publish-store/internal/artifact"
	"github.com/ahmtydn/publish-store/internal/deploy"
	"github.com/ahmtydn/publish-store/internal/domain"
	"github.com/ahmtydn/publish-store/internal/httpclient"
)

// Deployer drives one Play Console deployment attempt through the
// session state machine: open edit, upload bundle, assign track,
// commit, with a compensating delete on any pre-commit failure.
type Deployer struct {
	logger   *slog.Logger
	baseURL  string
	httpOpts []httpclient.Option
	client   *client
}

// Option customises a Deployer, mainly for tests.
type Option func(*Deployer)

// WithBaseURL points the edits client at a different API host.
func WithBaseURL(base string) Option {
	return func(d *Deployer) { d.baseURL = base }
}

// WithHTTPOptions forwards options to every underlying HTTP client.
func WithHTTPOptions(opts ...httpclient.Option) Option {
	return func(d *Deployer) { d.httpOpts = opts }
}

// New returns a single-use Play Console deployer.
func New(logger *slog.Logger, opts ...Option) *Deployer {
	d := &Deployer{logger: logger, baseURL: defaultBaseURL}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ValidateArtifact checks the artifact against Play requirements.
func (d *Deployer) ValidateArtifact(ctx context.Context, req *domain.DeploymentRequest) (*domain.ArtifactDescriptor, error) {
	return artifact.Validate(req.ArtifactPath, domain.AndroidStore)
}

// Deploy runs the shared lifecycle with the Play-specific hooks.
func (d *Deployer) Deploy(ctx context.Context, req *domain.DeploymentRequest) (*domain.DeploymentResult, error) {
	lifecycle := &deploy.Lifecycle{
		Platform:     domain.AndroidStore,
		Logger:       d.logger,
		Validate:     d.ValidateArtifact,
		Authenticate: d.authenticate,
		Upload:       d.upload,
		DryRunURL: func(req *domain.DeploymentRequest) string {
			return fmt.Sprintf("https://play.google.com/console/dry-run/%s", req.Android.PackageName)
		},
	}
	return lifecycle.Run(ctx, req)
}

// authenticate validates the decoded service account structurally and
// exchanges it for an access token. The exchange doubles as the
// dry-run reachability check; it mutates no remote state.
func (d *Deployer) authenticate(ctx context.Context, req *domain.DeploymentRequest) error {
	account, err := parseServiceAccount(req.Android.ServiceAccountJSON)
	if err != nil {
		return err
	}
	api, _, err := authenticate(ctx, account, d.baseURL, d.logger, d.httpOpts)
	if err != nil {
		return err
	}
	d.client = &client{api: api, packageName: req.Android.PackageName}
	return nil
}

// upload walks the edit session state machine. Any failure after the
// session opens triggers a best-effort delete of the session; delete
// failures are logged and swallowed because the original failure
// already determines the outcome.
func (d *Deployer) upload(ctx context.Context, req *domain.DeploymentRequest, desc *domain.ArtifactDescriptor, result *domain.DeploymentResult) error {
	creds := req.Android

	editID, err := d.client.insertEdit(ctx)
	if err != nil {
		return err
	}
	d.logger.Info("edit session opened", "deployment_id", result.ID, "package", creds.PackageName, "edit_id", editID)

	versionCode, err := d.client.uploadBundle(ctx, editID, req.ArtifactPath)
	if err != nil {
		d.discardEdit(ctx, editID, result)
		return err
	}
	// Keep partial progress visible even if a later transition fails.
	result.VersionCode = strconv.FormatInt(versionCode, 10)
	result.Metadata["version_code"] = result.VersionCode
	d.logger.Info("bundle uploaded", "deployment_id", result.ID, "edit_id", editID, "version_code", versionCode)

	releaseName := req.AppVersion
	if req.BuildNumber != "" {
		releaseName = fmt.Sprintf("%s (%s)", req.AppVersion, req.BuildNumber)
	}
	if err := d.client.setTrack(ctx, editID, creds.Track, releaseName, req.ReleaseNotes, versionCode); err != nil {
		d.discardEdit(ctx, editID, result)
		return err
	}
	d.logger.Info("track assigned", "deployment_id", result.ID, "edit_id", editID, "track", creds.Track)

	if err := d.client.commitEdit(ctx, editID); err != nil {
		d.discardEdit(ctx, editID, result)
		return err
	}

	result.StoreURL = fmt.Sprintf("https://play.google.com/store/apps/details?id=%s", creds.PackageName)
	result.Metadata["package_name"] = creds.PackageName
	result.Metadata["track"] = creds.Track
	result.Metadata["edit_id"] = editID
	return nil
}

func (d *Deployer) discardEdit(ctx context.Context, editID string, result *domain.DeploymentResult) {
	if err := d.client.deleteEdit(ctx, editID); err != nil {
		d.logger.Warn("edit session cleanup failed",
			"deployment_id", result.ID, "edit_id", editID, "error", err)
		return
	}
	d.logger.Info("edit session discarded", "deployment_id", result.ID, "edit_id", editID)
}
