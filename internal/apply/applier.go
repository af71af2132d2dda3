package apply

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/oshokin/app-updater/internal/domain/release"
	"github.com/oshokin/app-updater/internal/lock"
	"github.com/oshokin/app-updater/internal/logger"
	"github.com/oshokin/app-updater/internal/unlock"
)

// errPendingJournal is returned when a previous apply was never finalized or rolled back.
var errPendingJournal = errors.New("backup area holds an unfinished apply")

// Staged is verified release content waiting to go live.
type Staged interface {
	// Verified reports whether every staged file matched the target catalog.
	Verified() bool
	// Path returns the on-disk location of a staged relative path.
	Path(rel string) string
}

// Request describes one release step to commit.
type Request struct {
	// From is the version installed before the step; empty on a fresh install.
	From string
	// Target is the release being applied.
	Target *release.Descriptor
	// Changeset lists the paths to change.
	Changeset *release.Changeset
	// Staged holds the new content of added and modified paths.
	Staged Staged
}

// ReplaceFunc puts the content of src at dst with the given permissions.
type ReplaceFunc func(src, dst string, mode fs.FileMode) error

// Applier commits release steps to one installation root.
// Apply is not safe for concurrent use; callers hold the session lock.
type Applier struct {
	// root is the installation directory.
	root string
	// backupDir is the backup area of this installation.
	backupDir string
	// unlocker frees files held by running processes.
	unlocker unlock.Unlocker
	// probe reports lock.ErrBusy for files another process holds.
	probe func(path string) error
	// replace moves new content into place.
	replace ReplaceFunc
	// remove deletes a live file.
	remove func(path string) error
	// removeAll drops the backup area once a commit is finalized.
	removeAll func(path string) error
}

// Option configures an Applier.
type Option func(*Applier)

// WithUnlocker sets the capability used for busy files.
func WithUnlocker(u unlock.Unlocker) Option {
	return func(a *Applier) {
		if u != nil {
			a.unlocker = u
		}
	}
}

// WithProbe overrides the busy-file probe.
func WithProbe(probe func(path string) error) Option {
	return func(a *Applier) {
		if probe != nil {
			a.probe = probe
		}
	}
}

// WithReplaceFunc overrides how staged files are moved into place.
func WithReplaceFunc(replace ReplaceFunc) Option {
	return func(a *Applier) {
		if replace != nil {
			a.replace = replace
		}
	}
}

// WithRemoveFunc overrides how removed paths are deleted.
func WithRemoveFunc(remove func(path string) error) Option {
	return func(a *Applier) {
		if remove != nil {
			a.remove = remove
		}
	}
}

// WithRemoveAllFunc overrides how a finalized backup area is dropped.
func WithRemoveAllFunc(removeAll func(path string) error) Option {
	return func(a *Applier) {
		if removeAll != nil {
			a.removeAll = removeAll
		}
	}
}

// New creates an Applier for the installation at root using backupDir as its backup area.
func New(root, backupDir string, opts ...Option) *Applier {
	a := &Applier{
		root:      root,
		backupDir: backupDir,
		unlocker:  unlock.Deny{},
		probe:     lock.Probe,
		replace:   ReplaceFile,
		remove:    os.Remove,
		removeAll: os.RemoveAll,
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// Root returns the installation directory.
func (a *Applier) Root() string {
	return a.root
}

// Apply commits req to the live tree. On success the returned Commit must be
// finalized once the new version is recorded, or rolled back if recording fails.
// On failure the live tree has been restored and the error is a *Failure.
func (a *Applier) Apply(ctx context.Context, req *Request) (*Commit, error) {
	if req.Staged == nil || !req.Staged.Verified() {
		return nil, &Failure{
			Kind: release.ErrVerificationFailed,
			Err:  fmt.Errorf("staging area of %s is not verified", req.Target.Version),
		}
	}

	if pending, err := readJournal(a.backupDir); err != nil || pending != nil {
		if err == nil {
			err = fmt.Errorf("%w: %s", errPendingJournal, pending.ID)
		}

		return nil, &Failure{Kind: release.ErrBackupFailed, Err: err}
	}

	tx := &transaction{applier: a}

	if err := tx.prepare(ctx, req); err != nil {
		tx.discard()

		at, cause := splitPath(err)
		kind := release.ErrBackupFailed

		if errors.Is(cause, release.ErrFileLocked) {
			kind = release.ErrFileLocked
		}

		return nil, &Failure{Kind: kind, Path: at, Err: cause}
	}

	if err := tx.deleteRemoved(req.Changeset.Removed); err != nil {
		return nil, tx.fail(ctx, release.ErrDeleteFailed, err)
	}

	incoming := req.Changeset.Incoming()

	if err := tx.moveIncoming(req.Staged, incoming); err != nil {
		return nil, tx.fail(ctx, release.ErrMoveFailed, err)
	}

	if err := tx.verifyLive(req.Target.Catalog, incoming); err != nil {
		return nil, tx.fail(ctx, release.ErrPostApplyVerificationFailed, err)
	}

	logger.InfoKV(ctx, "Release applied",
		"version", req.Target.Version,
		"added", len(req.Changeset.Added),
		"modified", len(req.Changeset.Modified),
		"removed", len(req.Changeset.Removed))

	return &Commit{tx: tx}, nil
}

// Recover finishes an apply interrupted before its backup area was discarded.
// When installed already equals the journal target and differs from its origin,
// the apply had committed and its backup is dropped; otherwise the live tree is
// restored. It reports whether a journal was found.
func (a *Applier) Recover(ctx context.Context, installed string) (bool, error) {
	j, err := readJournal(a.backupDir)
	if err != nil {
		return false, err
	}

	if j == nil {
		return false, os.RemoveAll(a.backupDir)
	}

	tx := &transaction{applier: a, journal: j}

	if sameVersion(installed, j.Target) && !sameVersion(j.From, j.Target) {
		logger.InfoKV(ctx, "Finalizing an apply that committed before the last shutdown",
			"id", j.ID, "version", j.Target)

		return true, tx.finalize()
	}

	logger.WarnKV(ctx, "Rolling back an apply interrupted by the last shutdown",
		"id", j.ID, "from", j.From, "target", j.Target)

	if rbErr := tx.rollback(); rbErr != nil {
		return true, rbErr
	}

	return true, nil
}

// Commit is an applied release waiting for its version to be recorded.
type Commit struct {
	// tx is the transaction that produced the commit.
	tx *transaction
	// done is set once the commit has been finalized or rolled back.
	done bool
}

// Finalize discards the backup area and prunes directories emptied by removals.
func (c *Commit) Finalize() error {
	if c.done {
		return nil
	}

	c.done = true

	return c.tx.finalize()
}

// Rollback restores the pre-apply tree. It returns a *RollbackError when some paths could not be restored.
func (c *Commit) Rollback() error {
	if c.done {
		return nil
	}

	c.done = true

	return c.tx.rollback()
}

// transaction is the in-flight state of one apply.
type transaction struct {
	// applier owns the transaction.
	applier *Applier
	// journal is the persisted record of the pre-apply state.
	journal *journal
}

// prepare frees busy files, backs up every path the change may touch and writes the journal.
func (tx *transaction) prepare(ctx context.Context, req *Request) error {
	a := tx.applier

	if err := os.RemoveAll(a.backupDir); err != nil {
		return fmt.Errorf("reset backup area: %w", err)
	}

	if err := os.MkdirAll(filepath.Join(a.backupDir, backupFilesDir), dirPermissions); err != nil {
		return fmt.Errorf("create backup area: %w", err)
	}

	cs := req.Changeset
	paths := slices.Sorted(slices.Values(append(cs.Touched(), cs.Added...)))

	if err := tx.acquire(ctx, paths); err != nil {
		return err
	}

	j := &journal{
		ID:        uuid.NewString(),
		From:      req.From,
		Target:    req.Target.Version,
		CreatedAt: time.Now().UTC(),
		Removed:   slices.Clone(cs.Removed),
	}

	for _, rel := range paths {
		entry, err := tx.backup(rel)
		if err != nil {
			return atPath(rel, err)
		}

		j.Entries = append(j.Entries, entry)
	}

	j.Dirs = tx.missingDirs(cs.Incoming())
	j.Scratch = tx.missingScratch(cs.Incoming())

	if err := writeJournal(a.backupDir, j); err != nil {
		return err
	}

	tx.journal = j

	return nil
}

// acquire makes sure no live path is held by another process.
func (tx *transaction) acquire(ctx context.Context, paths []string) error {
	a := tx.applier

	for _, rel := range paths {
		live := a.livePath(rel)

		err := a.probe(live)
		if err == nil {
			continue
		}

		if !errors.Is(err, lock.ErrBusy) {
			return atPath(rel, err)
		}

		logger.InfoKV(ctx, "Requesting exclusive access", "path", rel)

		if err = a.unlocker.RequestUnlock(ctx, live); err != nil {
			return atPath(rel, fmt.Errorf("%w: %w", release.ErrFileLocked, err))
		}

		if err = a.probe(live); err != nil {
			return atPath(rel, fmt.Errorf("%w: %w", release.ErrFileLocked, err))
		}
	}

	return nil
}

// backup copies one live path into the backup area.
func (tx *transaction) backup(rel string) (journalEntry, error) {
	entry := journalEntry{Path: rel}

	info, err := os.Lstat(tx.applier.livePath(rel))
	if errors.Is(err, fs.ErrNotExist) {
		return entry, nil
	}

	if err != nil {
		return entry, err
	}

	if !info.Mode().IsRegular() {
		return entry, fmt.Errorf("%s is not a regular file", rel)
	}

	entry.Existed = true
	entry.Mode = info.Mode().Perm()

	entry.Digest, err = copyFile(tx.applier.livePath(rel), tx.backupPath(rel), entry.Mode)
	if err != nil {
		return entry, err
	}

	return entry, nil
}

// missingDirs lists the parent directories of paths that do not exist yet, parents first.
func (tx *transaction) missingDirs(paths []string) []string {
	seen := make(map[string]struct{})

	var dirs []string

	for _, rel := range paths {
		for dir := path.Dir(rel); dir != "."; dir = path.Dir(dir) {
			if _, ok := seen[dir]; ok {
				continue
			}

			seen[dir] = struct{}{}

			if _, err := os.Lstat(tx.applier.livePath(dir)); errors.Is(err, fs.ErrNotExist) {
				dirs = append(dirs, dir)
			}
		}
	}

	slices.Sort(dirs)

	return dirs
}

// missingScratch lists the go-update siblings of paths that do not exist yet.
func (tx *transaction) missingScratch(paths []string) []string {
	var scratch []string

	for _, rel := range paths {
		for _, sibling := range scratchSiblings(rel) {
			if _, err := os.Lstat(tx.applier.livePath(sibling)); errors.Is(err, fs.ErrNotExist) {
				scratch = append(scratch, sibling)
			}
		}
	}

	return scratch
}

// deleteRemoved deletes every removed path from the live tree.
func (tx *transaction) deleteRemoved(paths []string) error {
	for _, rel := range paths {
		if err := tx.applier.remove(tx.applier.livePath(rel)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return atPath(rel, err)
		}
	}

	return nil
}

// moveIncoming puts every staged path into the live tree.
func (tx *transaction) moveIncoming(staged Staged, paths []string) error {
	for _, rel := range paths {
		src := staged.Path(rel)

		info, err := os.Stat(src)
		if err != nil {
			return atPath(rel, err)
		}

		dst := tx.applier.livePath(rel)

		if err = os.MkdirAll(filepath.Dir(dst), dirPermissions); err != nil {
			return atPath(rel, err)
		}

		if err = tx.applier.replace(src, dst, info.Mode().Perm()); err != nil {
			return atPath(rel, err)
		}
	}

	return nil
}

// verifyLive re-hashes every incoming live path against target.
func (tx *transaction) verifyLive(target *release.Catalog, paths []string) error {
	for _, rel := range paths {
		want, ok := target.Lookup(rel)
		if !ok {
			return atPath(rel, errors.New("path is not in the target catalog"))
		}

		digest, size, err := release.SumFile(tx.applier.livePath(rel))
		if err != nil {
			return atPath(rel, err)
		}

		if digest != want.Digest || size != want.Size {
			return atPath(rel, fmt.Errorf("live digest %s size %d, want %s size %d", digest, size, want.Digest, want.Size))
		}
	}

	return nil
}

// fail rolls back and builds the Failure reported to the caller.
func (tx *transaction) fail(ctx context.Context, kind error, err error) error {
	at, cause := splitPath(err)

	logger.ErrorKV(ctx, "Apply failed, rolling back", "kind", kind, "path", at, "error", cause)

	failure := &Failure{Kind: kind, Path: at, Err: cause}

	if rbErr := tx.rollback(); rbErr != nil {
		logger.ErrorKV(ctx, "Rollback incomplete, manual repair required", "error", rbErr)

		failure.Rollback = rbErr
	}

	return failure
}

// rollback restores every journaled path, collecting failures instead of stopping at the first.
// The backup area is kept when anything could not be restored.
func (tx *transaction) rollback() error {
	a := tx.applier
	j := tx.journal

	var failures []*PathError

	for _, entry := range j.Entries {
		if err := tx.restore(entry); err != nil {
			failures = append(failures, &PathError{Path: entry.Path, Err: err})
		}
	}

	for _, sibling := range j.Scratch {
		if err := os.Remove(a.livePath(sibling)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			failures = append(failures, &PathError{Path: sibling, Err: err})
		}
	}

	// Deepest first so parents are empty by the time they are reached.
	for _, dir := range slices.Backward(j.Dirs) {
		if err := os.Remove(a.livePath(dir)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			failures = append(failures, &PathError{Path: dir, Err: err})
		}
	}

	if len(failures) > 0 {
		return &RollbackError{Failures: failures}
	}

	return os.RemoveAll(a.backupDir)
}

// restore puts one journaled path back into its pre-apply state.
func (tx *transaction) restore(entry journalEntry) error {
	live := tx.applier.livePath(entry.Path)

	if !entry.Existed {
		if err := os.Remove(live); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}

		return nil
	}

	if digest, _, err := release.SumFile(live); err == nil && digest == entry.Digest {
		return nil
	}

	digest, err := copyFile(tx.backupPath(entry.Path), live, entry.Mode)
	if err != nil {
		return err
	}

	if digest != entry.Digest {
		return fmt.Errorf("backup copy has digest %s, want %s", digest, entry.Digest)
	}

	return nil
}

// finalize drops the backup area and prunes directories emptied by removals.
func (tx *transaction) finalize() error {
	a := tx.applier

	for _, sibling := range tx.journal.Scratch {
		_ = os.Remove(a.livePath(sibling))
	}

	for _, rel := range tx.journal.Removed {
		pruneEmptyParents(a.root, a.livePath(rel))
	}

	return a.removeAll(a.backupDir)
}

// discard drops a backup area that was never used.
func (tx *transaction) discard() {
	_ = os.RemoveAll(tx.applier.backupDir)
}

func (tx *transaction) backupPath(rel string) string {
	return filepath.Join(tx.applier.backupDir, backupFilesDir, filepath.FromSlash(rel))
}

func (a *Applier) livePath(rel string) string {
	return filepath.Join(a.root, filepath.FromSlash(rel))
}

// pruneEmptyParents removes empty directories from the parent of live up to, but excluding, root.
func pruneEmptyParents(root, live string) {
	root = filepath.Clean(root)

	for dir := filepath.Dir(live); dir != root && len(dir) > len(root); dir = filepath.Dir(dir) {
		if err := os.Remove(dir); err != nil {
			return
		}
	}
}

func sameVersion(a, b string) bool {
	if a == b {
		return true
	}

	av, errA := release.ParseVersion(a)
	bv, errB := release.ParseVersion(b)

	return errA == nil && errB == nil && av.Equal(bv)
}
