package appstore

import (
	"context"
	"log/slog"
	"os/exec"
	"time"
)

// UploadRequest describes one transporter invocation. KeyDir holds the
// ephemeral AuthKey_<KeyID>.p8 written just before the call; the caller
// owns its lifecycle.
type UploadRequest struct {
	ArtifactPath string
	IssuerID     string
	KeyID        string
	KeyDir       string
}

// Runner invokes the platform upload tool out of process and returns
// its combined diagnostic output.
type Runner interface {
	Upload(ctx context.Context, req UploadRequest) (string, error)
}

// altoolRunner shells out to `xcrun altool --upload-app`. The API key
// is located through the private-keys directory convention, so the key
// material never appears on the command line.
type altoolRunner struct {
	logger *slog.Logger
}

// NewRunner returns the production transporter runner.
func NewRunner(logger *slog.Logger) Runner {
	return &altoolRunner{logger: logger}
}

func (r *altoolRunner) Upload(ctx context.Context, req UploadRequest) (string, error) {
	cmd := exec.CommandContext(ctx, "xcrun", "altool",
		"--upload-app",
		"-f", req.ArtifactPath,
		"-t", "ios",
		"--apiKey", req.KeyID,
		"--apiIssuer", req.IssuerID,
		"--output-format", "json",
	)
	cmd.Env = append(cmd.Environ(), "API_PRIVATE_KEYS_DIR="+req.KeyDir)

	start := time.Now()
	out, err := cmd.CombinedOutput()
	output := string(out)

	r.logger.Info("upload tool finished",
		"elapsed", time.Since(start),
		"exit_error", err != nil,
	)
	return output, err
}
