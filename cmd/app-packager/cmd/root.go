package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/app-updater/internal/index"
	"github.com/oshokin/app-updater/internal/service/packager"
	"github.com/oshokin/app-updater/internal/version"
)

var (
	// configPath to the client settings file written next to the release, if any.
	configPath string
	// outputDir receives the manifest and packages.
	outputDir string
	// branch is the release branch to publish to.
	branch string
	// exclude lists path patterns left out of the release.
	exclude []string
	// force replaces an already published version.
	force bool
	// manifestURL is where clients will read the uploaded manifest.
	manifestURL string

	// rootCmd represents the base command for publishing a release.
	rootCmd = &cobra.Command{
		Use:   "app-packager [source-dir] [version]",
		Short: "Package a release tree and record it in the release manifest",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			options := &packager.Options{
				SourceDir:   args[0],
				Version:     args[1],
				OutputDir:   outputDir,
				Branch:      branch,
				Exclude:     exclude,
				Force:       force,
				ConfigPath:  configPath,
				ManifestURL: manifestURL,
			}

			return packager.Run(ctx, options)
		},
	}
)

// Execute runs the app-packager CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	// Setup command flags with consistent naming and descriptions.
	rootCmd.Flags().StringVarP(&outputDir, "output", "o", "releases", "directory receiving the manifest and packages")
	rootCmd.Flags().StringVar(&branch, "branch", index.BranchStable, "release branch to publish to")
	rootCmd.Flags().StringSliceVar(&exclude, "exclude", nil, "path patterns to leave out of the release")
	rootCmd.Flags().BoolVar(&force, "force", false, "replace an already published version")
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "write client settings to this file (requires --manifest-url)")
	rootCmd.Flags().StringVar(&manifestURL, "manifest-url", "", "URL clients will read the uploaded manifest from")
}
