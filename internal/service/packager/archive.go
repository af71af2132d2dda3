package packager

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/oshokin/app-updater/internal/domain/release"
)

// FixedZipTime ensures byte-for-byte reproducible archives (1980-01-01 UTC).
var FixedZipTime = time.Unix(315532800, 0).UTC()

// writeArchive stores every catalog path of root in a zip at dst.
// Entries are sorted, carry a fixed timestamp and keep their permission bits,
// so the same tree always yields the same bytes.
func writeArchive(ctx context.Context, root string, files *release.Catalog, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), dirPermissions); err != nil {
		return fmt.Errorf("create package directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create package: %w", err)
	}

	tmpName := tmp.Name()

	defer func() {
		_ = os.Remove(tmpName)
	}()

	zw := zip.NewWriter(tmp)

	for _, rel := range files.Paths() {
		if err = ctx.Err(); err != nil {
			break
		}

		if err = addFile(zw, root, rel); err != nil {
			break
		}
	}

	if closeErr := zw.Close(); err == nil {
		err = closeErr
	}

	if syncErr := tmp.Sync(); err == nil {
		err = syncErr
	}

	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		return fmt.Errorf("write package: %w", err)
	}

	if err = os.Chmod(tmpName, filePermissions); err != nil {
		return fmt.Errorf("write package: %w", err)
	}

	if err = os.Rename(tmpName, dst); err != nil {
		return fmt.Errorf("write package: %w", err)
	}

	return nil
}

func addFile(zw *zip.Writer, root, rel string) error {
	src, err := os.Open(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		return err
	}

	defer func() {
		_ = src.Close()
	}()

	info, err := src.Stat()
	if err != nil {
		return err
	}

	h := &zip.FileHeader{Name: rel, Method: zip.Deflate}
	h.SetMode(info.Mode().Perm())
	h.Modified = FixedZipTime

	w, err := zw.CreateHeader(h)
	if err != nil {
		return fmt.Errorf("create %s: %w", rel, err)
	}

	if _, err = io.Copy(w, src); err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}

	return nil
}
