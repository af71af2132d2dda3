package updater

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/oshokin/app-updater/internal/logger"
)

// Options are inputs accepted by the updater entry points.
type Options struct {
	// ConfigPath is the optional path to settings YAML file.
	ConfigPath string
	// Branch overrides the configured release branch.
	Branch string
	// Target is the version to reach; empty means the latest release.
	Target string
	// Repair re-applies the installed release over drifted files instead of updating.
	Repair bool
}

// Run executes the updater lifecycle and is the public entry point for the CLI.
func Run(ctx context.Context, opts *Options) error {
	// Set context with logger name for tracking.
	ctx = logger.WithName(ctx, "app-updater")

	s, err := openSession(ctx, opts, true)
	if err != nil {
		logger.ErrorKV(ctx, "Updater failed to start", "error", err)
		return err
	}

	defer s.close(ctx)

	if err = s.engine.Recover(ctx); err != nil {
		logger.ErrorKV(ctx, "Updater run failed", "error", err)
		return err
	}

	var result *Result

	if opts.Repair {
		result, err = s.engine.Repair(ctx)
	} else {
		result, err = s.engine.Update(ctx, opts.Target)
	}

	if err != nil {
		logger.ErrorKV(ctx, "Updater run failed", "error", err, "installed", installedOf(result))
		return err
	}

	logger.InfoKV(ctx, "Updater completed", "from", result.From, "to", result.To, "applied", result.Applied)

	return nil
}

// Status prints the installed and latest versions and the pending releases to w.
func Status(ctx context.Context, opts *Options, w io.Writer) error {
	ctx = logger.WithName(ctx, "app-updater")

	s, err := openSession(ctx, opts, false)
	if err != nil {
		return err
	}

	defer s.close(ctx)

	report, err := s.engine.Status(ctx)
	if err != nil {
		return err
	}

	installed := report.Installed
	if installed == "" {
		installed = "none"
	}

	pending := "none"
	if len(report.Pending) > 0 {
		pending = strings.Join(report.Pending, ", ")
	}

	_, err = fmt.Fprintf(w, "install dir: %s\nbranch:      %s\ninstalled:   %s\nlatest:      %s\npending:     %s\n",
		s.root, report.Branch, installed, report.Latest, pending)

	return err
}

// Deactivate reports the removal of the installation to telemetry.
func Deactivate(ctx context.Context, opts *Options) error {
	ctx = logger.WithName(ctx, "app-updater")

	s, err := openSession(ctx, opts, false)
	if err != nil {
		return err
	}

	defer s.close(ctx)

	return s.engine.Deactivate(ctx)
}

func installedOf(result *Result) string {
	if result == nil {
		return ""
	}

	return result.To
}
