package updater

import (
	"context"
	"errors"
	"fmt"

	"github.com/oshokin/app-updater/internal/apply"
	"github.com/oshokin/app-updater/internal/catalog"
	"github.com/oshokin/app-updater/internal/domain/release"
	"github.com/oshokin/app-updater/internal/fetch"
	"github.com/oshokin/app-updater/internal/index"
	"github.com/oshokin/app-updater/internal/logger"
	"github.com/oshokin/app-updater/internal/progress"
	"github.com/oshokin/app-updater/internal/repository/state"
	"github.com/oshokin/app-updater/internal/telemetry"
)

// errNothingInstalled is returned by Repair when no version has been recorded.
var errNothingInstalled = errors.New("no installed version recorded")

// IndexSource provides the release snapshot of one session.
type IndexSource interface {
	Fetch(ctx context.Context) (*index.Snapshot, error)
}

// Fetcher stages and verifies release content.
type Fetcher interface {
	Fetch(ctx context.Context, desc *release.Descriptor, cs *release.Changeset) (*fetch.Staging, error)
	Verify(ctx context.Context, staging *fetch.Staging, target *release.Catalog) error
}

// Applier commits staged content to the installation.
type Applier interface {
	Root() string
	Apply(ctx context.Context, req *apply.Request) (*apply.Commit, error)
	Recover(ctx context.Context, installed string) (bool, error)
}

// Publisher receives progress events. *progress.Dispatcher implements it.
type Publisher interface {
	Publish(event progress.Event)
}

// Engine updates one installation.
type Engine struct {
	// source provides the release snapshot.
	source IndexSource
	// fetcher stages release content.
	fetcher Fetcher
	// applier commits staged content.
	applier Applier
	// store persists the installed version.
	store state.Store
	// key is the store record holding the installed version.
	key string
	// progress receives phase changes.
	progress Publisher
	// telemetry receives lifecycle events.
	telemetry telemetry.Sink
	// actor is attached to telemetry events.
	actor *release.Actor
	// branch is attached to telemetry events.
	branch string
	// parallelism bounds hashing of the live tree.
	parallelism int
}

// Option configures an Engine.
type Option func(*Engine)

// WithStateKey overrides the store record holding the installed version.
func WithStateKey(key string) Option {
	return func(e *Engine) {
		if key != "" {
			e.key = key
		}
	}
}

// WithProgress sets the progress publisher.
func WithProgress(p Publisher) Option {
	return func(e *Engine) {
		if p != nil {
			e.progress = p
		}
	}
}

// WithTelemetry sets the telemetry sink.
func WithTelemetry(sink telemetry.Sink) Option {
	return func(e *Engine) {
		if sink != nil {
			e.telemetry = sink
		}
	}
}

// WithActor sets the actor attached to telemetry events.
func WithActor(actor *release.Actor) Option {
	return func(e *Engine) {
		e.actor = actor.Clone()
	}
}

// WithBranch sets the branch attached to telemetry events.
func WithBranch(branch string) Option {
	return func(e *Engine) {
		e.branch = branch
	}
}

// WithParallelism bounds hashing of the live tree.
func WithParallelism(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.parallelism = n
		}
	}
}

// discardProgress drops every event.
type discardProgress struct{}

func (discardProgress) Publish(progress.Event) {}

// NewEngine creates an Engine from its collaborators.
func NewEngine(source IndexSource, fetcher Fetcher, applier Applier, store state.Store, opts ...Option) *Engine {
	e := &Engine{
		source:    source,
		fetcher:   fetcher,
		applier:   applier,
		store:     store,
		key:       state.KeyInstalledVersion,
		progress:  discardProgress{},
		telemetry: telemetry.Noop{},
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Result summarizes one update run.
type Result struct {
	// From is the version installed when the run started; empty on a fresh install.
	From string
	// To is the version installed when the run ended.
	To string
	// Applied lists the committed versions in order.
	Applied []string
	// Pending lists the versions the run did not reach.
	Pending []string
}

// Installed returns the recorded installed version, or an empty string if none.
func (e *Engine) Installed(ctx context.Context) (string, error) {
	installed, err := e.store.Get(ctx, e.key)
	if errors.Is(err, state.ErrNotFound) {
		return "", nil
	}

	if err != nil {
		return "", fmt.Errorf("read installed version: %w", err)
	}

	return installed, nil
}

// Recover finishes or undoes an apply interrupted by a previous crash.
func (e *Engine) Recover(ctx context.Context) error {
	installed, err := e.Installed(ctx)
	if err != nil {
		return err
	}

	found, err := e.applier.Recover(ctx, installed)
	if err != nil {
		return fmt.Errorf("recover interrupted apply: %w", err)
	}

	if found {
		logger.InfoKV(ctx, "Recovered interrupted apply", "installed", installed)
	}

	return nil
}

// Update applies every release after the installed one up to target, in order.
// An empty target means the latest release. A fresh installation receives the
// target release directly. The first failing step stops the chain; the installed
// version then stays at the last committed release. Cancellation of ctx is honored
// between releases only.
func (e *Engine) Update(ctx context.Context, target string) (*Result, error) {
	installed, err := e.Installed(ctx)
	if err != nil {
		return nil, err
	}

	snapshot, err := e.source.Fetch(ctx)
	if err != nil {
		return nil, err
	}

	chain, err := snapshot.Resolve(installed, target)
	if err != nil {
		return nil, err
	}

	if installed == "" && len(chain) > 1 {
		chain = chain[len(chain)-1:]
	}

	result := &Result{From: installed, To: installed}

	if len(chain) == 0 {
		logger.InfoKV(ctx, "Installation is up to date", "version", installed)
		return result, nil
	}

	for _, desc := range chain {
		result.Pending = append(result.Pending, desc.Version)
	}

	logger.InfoKV(ctx, "Update chain resolved", "from", installed, "to", chain[len(chain)-1].Version, "steps", result.Pending)

	source, err := e.sourceCatalog(ctx, snapshot, installed, chain[0])
	if err != nil {
		return result, err
	}

	var unfinalized bool

	for i, desc := range chain {
		if err = ctx.Err(); err != nil {
			logger.WarnKV(ctx, "Update cancelled between releases", "installed", result.To)
			return result, err
		}

		// Apply refuses to start while the previous step's backup area remains.
		if unfinalized {
			if err = e.Recover(ctx); err != nil {
				return result, fmt.Errorf("release %s: %w", desc.Version, err)
			}
		}

		s := &step{
			engine: e,
			index:  i + 1,
			total:  len(chain),
			from:   result.To,
			source: source,
			target: desc,
		}

		if err = s.run(ctx); err != nil {
			return result, fmt.Errorf("release %s: %w", desc.Version, err)
		}

		e.emit(ctx, lifecycleEvent(result.To), desc.Version, result.To)

		result.To = desc.Version
		result.Applied = append(result.Applied, desc.Version)
		result.Pending = result.Pending[1:]
		source = desc.Catalog
		unfinalized = s.unfinalized
	}

	e.emit(ctx, telemetry.NameActivate, result.To, installed)

	logger.InfoKV(ctx, "Update completed", "from", installed, "to", result.To)

	return result, nil
}

// Repair re-applies the installed release over any live file whose content drifted
// from its catalog. Files outside the catalog are left alone.
func (e *Engine) Repair(ctx context.Context) (*Result, error) {
	installed, err := e.Installed(ctx)
	if err != nil {
		return nil, err
	}

	if installed == "" {
		return nil, errNothingInstalled
	}

	snapshot, err := e.source.Fetch(ctx)
	if err != nil {
		return nil, err
	}

	desc, err := snapshot.Lookup(installed)
	if err != nil {
		return nil, err
	}

	live, err := catalog.BuildSubset(ctx, e.applier.Root(), desc.Catalog.Paths(), catalog.WithParallelism(e.parallelism))
	if err != nil {
		return nil, fmt.Errorf("scan installation: %w", err)
	}

	result := &Result{From: installed, To: installed}

	s := &step{
		engine: e,
		index:  1,
		total:  1,
		from:   installed,
		source: live,
		target: desc,
	}

	if err = s.run(ctx); err != nil {
		return result, fmt.Errorf("repair %s: %w", installed, err)
	}

	if s.changed {
		result.Applied = append(result.Applied, installed)
	}

	return result, nil
}

// Status reports the installed and latest versions and the releases an update would apply.
func (e *Engine) Status(ctx context.Context) (*StatusReport, error) {
	installed, err := e.Installed(ctx)
	if err != nil {
		return nil, err
	}

	snapshot, err := e.source.Fetch(ctx)
	if err != nil {
		return nil, err
	}

	report := &StatusReport{
		Branch:    snapshot.Branch(),
		Installed: installed,
	}

	if latest := snapshot.Latest(); latest != nil {
		report.Latest = latest.Version
	}

	chain, err := snapshot.Resolve(installed, "")
	if err != nil && !errors.Is(err, release.ErrNotFound) {
		return nil, err
	}

	if installed == "" && len(chain) > 1 {
		chain = chain[len(chain)-1:]
	}

	for _, desc := range chain {
		report.Pending = append(report.Pending, desc.Version)
	}

	return report, nil
}

// Deactivate reports that the installation is being removed.
func (e *Engine) Deactivate(ctx context.Context) error {
	installed, err := e.Installed(ctx)
	if err != nil {
		return err
	}

	e.emit(ctx, telemetry.NameDeactivate, installed, "")

	return nil
}

// StatusReport is the outcome of Status.
type StatusReport struct {
	// Branch is the followed release branch.
	Branch string
	// Installed is the recorded version; empty when nothing is installed.
	Installed string
	// Latest is the newest release on the branch.
	Latest string
	// Pending lists the releases an update would apply.
	Pending []string
}

// sourceCatalog returns the catalog the first step diffs against. The installed
// release's published catalog is used when the index still lists it; otherwise
// the live files named by the first target are hashed.
func (e *Engine) sourceCatalog(
	ctx context.Context,
	snapshot *index.Snapshot,
	installed string,
	first *release.Descriptor,
) (*release.Catalog, error) {
	if installed != "" {
		desc, err := snapshot.Lookup(installed)
		if err == nil {
			return desc.Catalog, nil
		}

		if !errors.Is(err, release.ErrNotFound) {
			return nil, err
		}

		logger.WarnKV(ctx, "Installed release is no longer published, scanning the installation", "version", installed)
	}

	live, err := catalog.BuildSubset(ctx, e.applier.Root(), first.Catalog.Paths(), catalog.WithParallelism(e.parallelism))
	if err != nil {
		return nil, fmt.Errorf("scan installation: %w", err)
	}

	return live, nil
}

// emit sends a telemetry event; delivery problems never reach the caller.
func (e *Engine) emit(ctx context.Context, name telemetry.Name, version, previous string) {
	event := telemetry.NewEvent(name, version, previous)
	event.Actor = e.actor
	event.Branch = e.branch

	if err := e.telemetry.Emit(ctx, event); err != nil {
		logger.DebugKV(ctx, "Telemetry event not delivered", "event", name, "error", err)
	}
}

func lifecycleEvent(previous string) telemetry.Name {
	if previous == "" {
		return telemetry.NameInstall
	}

	return telemetry.NameUpdate
}
