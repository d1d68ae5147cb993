package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ahmtydn/publish-store/internal/appstore"
	"github.com/ahmtydn/publish-store/internal/artifact"
	"github.com/ahmtydn/publish-store/internal/deploy"
	"github.com/ahmtydn/publish-store/internal/domain"
	"github.com/ahmtydn/publish-store/internal/playstore"
	"github.com/ahmtydn/publish-store/pkg/config"
	"github.com/ahmtydn/publish-store/pkg/logger"
)

var (
	cfg             config.DeployConfig
	credentialsFile string
	reportFile      string
	verbose         bool
)

var rootCmd = &cobra.Command{
	Use:           "publish-store",
	Short:         "Deploy mobile app artifacts to Google Play and App Store Connect",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	// .env values become environment defaults; explicit env and flags
	// still win.
	_ = godotenv.Load()
	cfg = config.LoadDeployConfig()

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfg.Platform, "platform", cfg.Platform, "target store: android or ios")
	flags.StringVar(&cfg.AppVersion, "app-version", cfg.AppVersion, "semantic app version, e.g. 1.4.0")
	flags.StringVar(&cfg.BuildNumber, "build-number", cfg.BuildNumber, "optional build number")
	flags.StringVar(&cfg.ReleaseNotes, "release-notes", cfg.ReleaseNotes, "release notes text")
	flags.StringVar(&cfg.ArtifactPath, "artifact", cfg.ArtifactPath, "path to the .aab or .ipa artifact")
	flags.IntVar(&cfg.TimeoutMinutes, "timeout-minutes", cfg.TimeoutMinutes, "global deployment timeout (1-120)")
	flags.StringVar(&cfg.Android.PackageName, "package-name", cfg.Android.PackageName, "android application id")
	flags.StringVar(&cfg.Android.Track, "track", cfg.Android.Track, "release track: production, beta, alpha, internal")
	flags.StringVar(&cfg.Android.ServiceAccountPath, "service-account", cfg.Android.ServiceAccountPath, "path to the Play service account JSON")
	flags.StringVar(&cfg.Apple.BundleID, "bundle-id", cfg.Apple.BundleID, "ios bundle identifier")
	flags.StringVar(&cfg.Apple.IssuerID, "issuer-id", cfg.Apple.IssuerID, "app store connect issuer id")
	flags.StringVar(&cfg.Apple.KeyID, "key-id", cfg.Apple.KeyID, "app store connect key id")
	flags.StringVar(&cfg.Apple.PrivateKeyPath, "private-key", cfg.Apple.PrivateKeyPath, "path to the .p8 api key")
	flags.StringVar(&credentialsFile, "credentials-file", "", "optional YAML file with platform settings")
	flags.BoolVar(&verbose, "verbose", false, "enable debug logging")

	rootCmd.AddCommand(deployCmd, validateCmd)
	deployCmd.Flags().BoolVar(&cfg.DryRun, "dry-run", cfg.DryRun, "validate and check credentials without uploading")
	deployCmd.Flags().StringVar(&reportFile, "report", "", "also write the JSON summary to this file")
}

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Run one deployment attempt and print the JSON summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger()
		req, err := buildRequest()
		if err != nil {
			return err
		}

		factories := map[domain.Platform]deploy.Factory{
			domain.AndroidStore: func(log *slog.Logger) deploy.Deployer { return playstore.New(log) },
			domain.AppleStore:   func(log *slog.Logger) deploy.Deployer { return appstore.New(log) },
		}
		svc := deploy.New(log, factories)

		result, runErr := svc.Run(cmd.Context(), req)
		summary := deploy.Summarize(result)
		data, err := summary.MarshalIndent()
		if err != nil {
			return fmt.Errorf("encode summary: %w", err)
		}
		fmt.Println(string(data))
		if reportFile != "" {
			if err := os.WriteFile(reportFile, data, 0o644); err != nil {
				log.Warn("could not write report file", "path", reportFile, "error", err)
			}
		}
		if runErr != nil {
			return fmt.Errorf("deployment failed: %s", runErr.Error())
		}
		return nil
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Run the pre-flight artifact and input checks only",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger()
		req, err := buildRequest()
		if err != nil {
			return err
		}

		desc, err := artifact.Validate(req.ArtifactPath, req.Platform)
		if err != nil {
			return err
		}
		if warning := artifact.AdvisoryWarning(desc, req.Platform); warning != "" {
			log.Warn(warning)
		}
		log.Info("artifact ok",
			"name", desc.BaseName,
			"size", desc.Size,
			"checksum", desc.Checksum,
		)
		return nil
	},
}

func buildRequest() (*domain.DeploymentRequest, error) {
	if credentialsFile != "" {
		if err := cfg.MergeFile(credentialsFile); err != nil {
			return nil, err
		}
	}
	return cfg.Request()
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return logger.New("publish-store", level)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
