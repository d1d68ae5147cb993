// Package config binds environment variables, flag values, and
// credential files into a validated deployment request.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/ahmtydn/publish-store/internal/domain"
)

// Allowed release tracks on the Play Console.
var validTracks = map[string]bool{
	"production": true,
	"beta":       true,
	"alpha":      true,
	"internal":   true,
}

// DeployConfig holds the raw deployment inputs before validation.
// Values come from flags with environment fallbacks; the credential
// file, when given, fills whichever platform section it contains.
type DeployConfig struct {
	Platform       string `yaml:"platform"`
	AppVersion     string `yaml:"app_version"`
	BuildNumber    string `yaml:"build_number"`
	ReleaseNotes   string `yaml:"release_notes"`
	ArtifactPath   string `yaml:"artifact_path"`
	DryRun         bool   `yaml:"dry_run"`
	TimeoutMinutes int    `yaml:"timeout_minutes"`

	Android AndroidConfig `yaml:"android"`
	Apple   AppleConfig   `yaml:"apple"`
}

// AndroidConfig configures a Play Console deployment.
type AndroidConfig struct {
	PackageName        string `yaml:"package_name"`
	Track              string `yaml:"track"`
	ServiceAccountPath string `yaml:"service_account_path"`
}

// AppleConfig configures an App Store Connect deployment.
type AppleConfig struct {
	BundleID       string `yaml:"bundle_id"`
	IssuerID       string `yaml:"issuer_id"`
	KeyID          string `yaml:"key_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
}

// LoadDeployConfig reads deployment settings from PUBLISH_* environment
// variables. Unset or unparseable values keep their defaults; the real
// gate is Request, which validates the merged result.
func LoadDeployConfig() DeployConfig {
	return DeployConfig{
		Platform:       env("PUBLISH_PLATFORM", ""),
		AppVersion:     env("PUBLISH_APP_VERSION", ""),
		BuildNumber:    env("PUBLISH_BUILD_NUMBER", ""),
		ReleaseNotes:   env("PUBLISH_RELEASE_NOTES", ""),
		ArtifactPath:   env("PUBLISH_ARTIFACT_PATH", ""),
		DryRun:         envBool("PUBLISH_DRY_RUN", false),
		TimeoutMinutes: envInt("PUBLISH_TIMEOUT_MINUTES", 30),
		Android: AndroidConfig{
			PackageName:        env("PUBLISH_ANDROID_PACKAGE", ""),
			Track:              env("PUBLISH_ANDROID_TRACK", "internal"),
			ServiceAccountPath: env("PUBLISH_ANDROID_SERVICE_ACCOUNT", ""),
		},
		Apple: AppleConfig{
			BundleID:       env("PUBLISH_APPLE_BUNDLE_ID", ""),
			IssuerID:       env("PUBLISH_APPLE_ISSUER_ID", ""),
			KeyID:          env("PUBLISH_APPLE_KEY_ID", ""),
			PrivateKeyPath: env("PUBLISH_APPLE_PRIVATE_KEY", ""),
		},
	}
}

func env(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func envInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// MergeFile overlays values from a YAML credentials file onto c. Only
// non-zero file values win, so flags and env stay authoritative when
// both are set.
func (c *DeployConfig) MergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read credentials file: %w", err)
	}
	var overlay DeployConfig
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("parse credentials file: %w", err)
	}
	mergeString(&c.Platform, overlay.Platform)
	mergeString(&c.AppVersion, overlay.AppVersion)
	mergeString(&c.BuildNumber, overlay.BuildNumber)
	mergeString(&c.ReleaseNotes, overlay.ReleaseNotes)
	mergeString(&c.ArtifactPath, overlay.ArtifactPath)
	mergeString(&c.Android.PackageName, overlay.Android.PackageName)
	mergeString(&c.Android.Track, overlay.Android.Track)
	mergeString(&c.Android.ServiceAccountPath, overlay.Android.ServiceAccountPath)
	mergeString(&c.Apple.BundleID, overlay.Apple.BundleID)
	mergeString(&c.Apple.IssuerID, overlay.Apple.IssuerID)
	mergeString(&c.Apple.KeyID, overlay.Apple.KeyID)
	mergeString(&c.Apple.PrivateKeyPath, overlay.Apple.PrivateKeyPath)
	return nil
}

func mergeString(dst *string, value string) {
	if *dst == "" && value != "" {
		*dst = value
	}
}

// Request validates c and converts it into an immutable deployment
// request, reading credential material from disk.
func (c DeployConfig) Request() (*domain.DeploymentRequest, error) {
	platform := domain.Platform(strings.ToLower(strings.TrimSpace(c.Platform)))
	if !platform.Valid() {
		return nil, domain.NewValidation(domain.CodeInvalidInput,
			fmt.Sprintf("platform must be %q or %q, got %q", domain.AndroidStore, domain.AppleStore, c.Platform))
	}

	if _, err := semver.StrictNewVersion(c.AppVersion); err != nil {
		return nil, domain.NewValidation(domain.CodeInvalidInput,
			fmt.Sprintf("app version %q is not a valid semantic version: %v", c.AppVersion, err))
	}

	if c.TimeoutMinutes < 1 || c.TimeoutMinutes > 120 {
		return nil, domain.NewValidation(domain.CodeInvalidInput,
			fmt.Sprintf("timeout must be between 1 and 120 minutes, got %d", c.TimeoutMinutes))
	}

	if strings.TrimSpace(c.ArtifactPath) == "" {
		return nil, domain.NewValidation(domain.CodeInvalidInput, "artifact path is required")
	}

	req := &domain.DeploymentRequest{
		Platform:     platform,
		AppVersion:   c.AppVersion,
		BuildNumber:  c.BuildNumber,
		ReleaseNotes: c.ReleaseNotes,
		ArtifactPath: c.ArtifactPath,
		DryRun:       c.DryRun,
		Timeout:      time.Duration(c.TimeoutMinutes) * time.Minute,
	}

	switch platform {
	case domain.AndroidStore:
		creds, err := c.androidCredentials()
		if err != nil {
			return nil, err
		}
		req.Android = creds
	case domain.AppleStore:
		creds, err := c.appleCredentials()
		if err != nil {
			return nil, err
		}
		req.Apple = creds
	}
	return req, nil
}

func (c DeployConfig) androidCredentials() (*domain.AndroidCredentials, error) {
	if c.Android.PackageName == "" {
		return nil, domain.NewValidation(domain.CodeInvalidCredentials, "android package name is required")
	}
	track := strings.ToLower(c.Android.Track)
	if !validTracks[track] {
		return nil, domain.NewValidation(domain.CodeInvalidInput,
			fmt.Sprintf("release track must be one of production, beta, alpha, internal; got %q", c.Android.Track))
	}
	if c.Android.ServiceAccountPath == "" {
		return nil, domain.NewValidation(domain.CodeInvalidCredentials, "android service account path is required")
	}
	payload, err := os.ReadFile(c.Android.ServiceAccountPath)
	if err != nil {
		return nil, domain.NewValidation(domain.CodeInvalidCredentials,
			fmt.Sprintf("read service account file: %v", err))
	}
	return &domain.AndroidCredentials{
		PackageName:        c.Android.PackageName,
		Track:              track,
		ServiceAccountJSON: payload,
	}, nil
}

func (c DeployConfig) appleCredentials() (*domain.AppleCredentials, error) {
	if c.Apple.BundleID == "" || c.Apple.IssuerID == "" || c.Apple.KeyID == "" {
		return nil, domain.NewValidation(domain.CodeInvalidCredentials,
			"apple bundle id, issuer id, and key id are all required")
	}
	if c.Apple.PrivateKeyPath == "" {
		return nil, domain.NewValidation(domain.CodeInvalidCredentials, "apple private key path is required")
	}
	key, err := os.ReadFile(c.Apple.PrivateKeyPath)
	if err != nil {
		return nil, domain.NewValidation(domain.CodeInvalidCredentials,
			fmt.Sprintf("read private key file: %v", err))
	}
	if !strings.Contains(string(key), "-----BEGIN") || !strings.Contains(string(key), "-----END") {
		return nil, domain.NewValidation(domain.CodeInvalidCredentials,
			"apple private key file is not PEM encoded")
	}
	return &domain.AppleCredentials{
		BundleID:   c.Apple.BundleID,
		IssuerID:   c.Apple.IssuerID,
		KeyID:      c.Apple.KeyID,
		PrivateKey: key,
	}, nil
}
