package apply

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	goupdate "github.com/doitdistributed/go-update"
)

// ReplaceFile swaps dst for the content of src using go-update, which writes a
// ".name.new" sibling, moves the current file to ".name.old", renames the new
// file into place and drops the old one. A missing dst is created empty first,
// since the swap needs an existing target.
func ReplaceFile(src, dst string, mode fs.FileMode) error {
	in, err := os.Open(filepath.Clean(src))
	if err != nil {
		return fmt.Errorf("open staged file: %w", err)
	}

	defer func() {
		_ = in.Close()
	}()

	if _, err = os.Lstat(dst); errors.Is(err, fs.ErrNotExist) {
		placeholder, createErr := os.OpenFile(filepath.Clean(dst), os.O_CREATE|os.O_WRONLY|os.O_EXCL, mode)
		if createErr != nil {
			return fmt.Errorf("create target: %w", createErr)
		}

		if err = placeholder.Close(); err != nil {
			return fmt.Errorf("create target: %w", err)
		}
	}

	if err = goupdate.Apply(in, goupdate.Options{TargetPath: dst, TargetMode: mode}); err != nil {
		return fmt.Errorf("replace %s: %w", filepath.Base(dst), err)
	}

	// go-update only hides the old file when it cannot remove it; finalize retries.
	_ = os.Remove(oldSibling(dst))

	return nil
}

// scratchSiblings returns the relative paths go-update may create next to rel.
func scratchSiblings(rel string) []string {
	dir, base := path.Split(rel)

	return []string{dir + "." + base + ".new", dir + "." + base + ".old"}
}

func oldSibling(dst string) string {
	return filepath.Join(filepath.Dir(dst), "."+filepath.Base(dst)+".old")
}
