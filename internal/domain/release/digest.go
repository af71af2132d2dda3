package release

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Digest is a SHA-256 content digest.
type Digest [sha256.Size]byte

// errBadDigestLength is returned when a hex digest has the wrong length.
var errBadDigestLength = errors.New("digest must be 64 hex characters")

// ParseDigest decodes a hex-encoded SHA-256 digest.
func ParseDigest(s string) (Digest, error) {
	var d Digest

	if len(s) != hex.EncodedLen(sha256.Size) {
		return d, fmt.Errorf("%q: %w", s, errBadDigestLength)
	}

	if _, err := hex.Decode(d[:], []byte(s)); err != nil {
		return d, fmt.Errorf("decode digest: %w", err)
	}

	return d, nil
}

// SumBytes returns the digest of data.
func SumBytes(data []byte) Digest {
	return sha256.Sum256(data)
}

// SumReader streams r through SHA-256 and returns the digest and the number of bytes read.
func SumReader(r io.Reader) (Digest, int64, error) {
	var d Digest

	hasher := sha256.New()

	n, err := io.Copy(hasher, r)
	if err != nil {
		return d, n, err
	}

	copy(d[:], hasher.Sum(nil))

	return d, n, nil
}

// SumFile returns the digest and size of the file at path.
func SumFile(path string) (Digest, int64, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return Digest{}, 0, err
	}

	defer func() {
		_ = f.Close()
	}()

	return SumReader(f)
}

// String returns the lowercase hex form.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether the digest is unset.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// MarshalText implements encoding.TextMarshaler.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := ParseDigest(string(text))
	if err != nil {
		return err
	}

	*d = parsed

	return nil
}
