package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/app-updater/internal/config"
	"github.com/oshokin/app-updater/internal/service/updater"
	"github.com/oshokin/app-updater/internal/version"
)

var (
	// configPath to the configuration YAML file.
	configPath string
	// branch overrides the release branch from the configuration.
	branch string
	// repair re-verifies the installed release instead of updating.
	repair bool

	// rootCmd represents the base command for bringing the installation up to date.
	rootCmd = &cobra.Command{
		Use:   "app-updater [target-version]",
		Short: "Update the installation to the latest or the given release",
		Long: "Downloads every release between the installed one and the target, " +
			"verifies it and applies it transactionally. Without a target the latest release of the branch is used.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			options := newOptions()
			if len(args) > 0 {
				options.Target = args[0]
			}

			return updater.Run(ctx, options)
		},
	}

	// statusCmd prints the installed and available releases.
	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show the installed release and pending updates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			return updater.Status(ctx, newOptions(), cmd.OutOrStdout())
		},
	}

	// deactivateCmd reports that the installation is being removed.
	deactivateCmd = &cobra.Command{
		Use:   "deactivate",
		Short: "Report that the installation is being removed",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			return updater.Deactivate(ctx, newOptions())
		},
	}
)

// Execute runs the app-updater CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newOptions() *updater.Options {
	return &updater.Options{
		ConfigPath: configPath,
		Branch:     branch,
		Repair:     repair,
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	// Setup command flags with consistent naming and descriptions.
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultConfigFilename, "path to configuration file")
	rootCmd.PersistentFlags().StringVar(&branch, "branch", "", "release branch to follow (stable, beta, nightly)")
	rootCmd.Flags().BoolVar(&repair, "repair", false, "re-verify the installed release and restore damaged files")

	rootCmd.AddCommand(statusCmd, deactivateCmd)
}
