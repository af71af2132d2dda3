package updater

import (
	"context"
	"errors"
	"fmt"

	"github.com/oshokin/app-updater/internal/apply"
	"github.com/oshokin/app-updater/internal/domain/release"
	"github.com/oshokin/app-updater/internal/logger"
	"github.com/oshokin/app-updater/internal/progress"
)

// step moves the installation from one release to the next:
// Pending → Fetching → Verifying → Applying → Committed, or Failed.
type step struct {
	// engine owns the collaborators.
	engine *Engine
	// index is the 1-based position of the step in the chain.
	index int
	// total is the length of the chain.
	total int
	// from is the version installed before the step.
	from string
	// source is the catalog of the installation before the step.
	source *release.Catalog
	// target is the release to reach.
	target *release.Descriptor
	// changed is set when the live tree was modified.
	changed bool
	// unfinalized is set when the step committed but its backup area is still in place.
	unfinalized bool
}

// run executes the step, reporting every phase change.
func (s *step) run(ctx context.Context) error {
	ctx = logger.WithKV(ctx, "release", s.target.Version)

	err := s.execute(ctx)
	if err != nil {
		s.publish(release.PhaseFailed, err)
		logger.ErrorKV(ctx, "Release step failed", "class", release.ClassOf(err), "error", err)

		return err
	}

	s.publish(release.PhaseCommitted, nil)

	return nil
}

func (s *step) execute(ctx context.Context) error {
	e := s.engine

	s.publish(release.PhasePending, nil)

	cs, err := release.Diff(s.source, s.target.Catalog)
	if err != nil {
		return err
	}

	logger.InfoKV(ctx, "Changeset computed",
		"added", len(cs.Added), "modified", len(cs.Modified), "removed", len(cs.Removed))

	if cs.IsEmpty() && sameRelease(s.from, s.target.Version) {
		logger.Info(ctx, "Installation matches its catalog")
		return nil
	}

	s.publish(release.PhaseFetching, nil)

	staging, err := e.fetcher.Fetch(ctx, s.target, cs)
	if err != nil {
		return err
	}

	defer func() {
		if removeErr := staging.Remove(); removeErr != nil {
			logger.WarnKV(ctx, "Failed to remove staging area", "path", staging.Dir(), "error", removeErr)
		}
	}()

	s.publish(release.PhaseVerifying, nil)

	if err = e.fetcher.Verify(ctx, staging, s.target.Catalog); err != nil {
		return err
	}

	s.publish(release.PhaseApplying, nil)

	// Once apply starts it runs to commit or rollback, whatever happens to ctx.
	applyCtx := context.WithoutCancel(ctx)

	commit, err := e.applier.Apply(applyCtx, &apply.Request{
		From:      s.from,
		Target:    s.target,
		Changeset: cs,
		Staged:    staging,
	})
	if err != nil {
		return err
	}

	s.changed = !cs.IsEmpty()

	if err = e.store.Set(applyCtx, e.key, s.target.Version); err != nil {
		s.changed = false
		err = fmt.Errorf("record installed version: %w", err)

		if rbErr := commit.Rollback(); rbErr != nil {
			return errors.Join(err, rbErr)
		}

		return err
	}

	if err = commit.Finalize(); err != nil {
		// The release is live and recorded. The backup stays until Recover finalizes it,
		// which the engine does before the next step or the next session does at start.
		s.unfinalized = true

		logger.WarnKV(ctx, "Failed to discard backup area", "error", err)
	}

	return nil
}

func (s *step) publish(phase release.Phase, err error) {
	s.engine.progress.Publish(progress.Event{
		Index:   s.index,
		Total:   s.total,
		Version: s.target.Version,
		Phase:   phase,
		Err:     err,
	})
}

func sameRelease(a, b string) bool {
	if a == b {
		return true
	}

	av, errA := release.ParseVersion(a)
	bv, errB := release.ParseVersion(b)

	return errA == nil && errB == nil && av.Equal(bv)
}
