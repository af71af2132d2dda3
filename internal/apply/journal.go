package apply

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oshokin/app-updater/internal/domain/release"
)

const (
	// journalFilename is the journal inside the backup area.
	journalFilename = "journal.yaml"
	// backupFilesDir holds the copied live files inside the backup area.
	backupFilesDir = "files"

	// dirPermissions is applied to directories created by apply.
	dirPermissions = 0o755
	// journalPermissions is applied to the journal file.
	journalPermissions = 0o644
)

// journal records everything needed to undo an apply after a crash.
// It is written before the live tree is changed.
type journal struct {
	// ID identifies the apply in logs.
	ID string `yaml:"id"`
	// From is the version installed when the apply started.
	From string `yaml:"from,omitempty"`
	// Target is the version being applied.
	Target string `yaml:"target"`
	// CreatedAt is when the journal was written.
	CreatedAt time.Time `yaml:"created_at"`
	// Entries lists every live path the apply may change.
	Entries []journalEntry `yaml:"entries"`
	// Dirs lists directories the apply may create, parents first.
	Dirs []string `yaml:"dirs,omitempty"`
	// Scratch lists temporary siblings the file replacement may leave behind.
	Scratch []string `yaml:"scratch,omitempty"`
	// Removed lists the paths deleted by the change, used to prune emptied directories.
	Removed []string `yaml:"removed,omitempty"`
}

// journalEntry is the pre-apply state of one live path.
type journalEntry struct {
	// Path is the relative path.
	Path string `yaml:"path"`
	// Existed reports whether the path was present before the apply.
	Existed bool `yaml:"existed"`
	// Mode holds the permission bits of the original file.
	Mode fs.FileMode `yaml:"mode,omitempty"`
	// Digest is the SHA-256 of the original file.
	Digest release.Digest `yaml:"sha256,omitempty"`
}

// readJournal loads the journal from dir. A missing journal returns nil.
func readJournal(dir string) (*journal, error) {
	data, err := os.ReadFile(filepath.Join(dir, journalFilename))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}

	var j journal
	if err = yaml.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("decode journal: %w", err)
	}

	return &j, nil
}

// writeJournal stores j in dir atomically.
func writeJournal(dir string, j *journal) error {
	data, err := yaml.Marshal(j)
	if err != nil {
		return fmt.Errorf("encode journal: %w", err)
	}

	return writeAtomic(filepath.Join(dir, journalFilename), data, journalPermissions)
}

// writeAtomic writes data to a temporary sibling, syncs it and renames it over path.
func writeAtomic(path string, data []byte, mode fs.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}

	tmpName := tmp.Name()

	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Sync()
	}

	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}

	if err == nil {
		err = os.Chmod(tmpName, mode)
	}

	if err == nil {
		err = os.Rename(tmpName, path)
	}

	if err != nil {
		_ = os.Remove(tmpName)
		return err
	}

	return nil
}

// copyFile copies src to dst through a temporary sibling and returns the digest of the content.
func copyFile(src, dst string, mode fs.FileMode) (release.Digest, error) {
	var digest release.Digest

	in, err := os.Open(filepath.Clean(src))
	if err != nil {
		return digest, err
	}

	defer func() {
		_ = in.Close()
	}()

	if err = os.MkdirAll(filepath.Dir(dst), dirPermissions); err != nil {
		return digest, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return digest, err
	}

	tmpName := tmp.Name()

	digest, _, err = release.SumReader(io.TeeReader(in, tmp))
	if err == nil {
		err = tmp.Sync()
	}

	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}

	if err == nil {
		err = os.Chmod(tmpName, mode)
	}

	if err == nil {
		err = os.Rename(tmpName, dst)
	}

	if err != nil {
		_ = os.Remove(tmpName)
		return digest, err
	}

	return digest, nil
}
