package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// dirPermissions is applied to the directory of the state file.
	dirPermissions = 0o755
	// filePermissions is applied to the state file.
	filePermissions = 0o644
)

// FileRepository persists records to a JSON file on disk.
// JSON is produced and consumed via protojson on a structpb.Struct so the
// file stays a plain object of string values.
type FileRepository struct {
	// path is the filesystem location of the JSON state file.
	path string
	// mu protects concurrent access to the state file.
	mu sync.Mutex
}

// NewFileRepository creates a repository that reads/writes JSON at the provided path.
func NewFileRepository(path string) *FileRepository {
	return &FileRepository{
		path: filepath.Clean(path),
	}
}

// Get returns the value stored under key.
func (r *FileRepository) Get(_ context.Context, key string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	records, err := r.load()
	if err != nil {
		return "", err
	}

	value, ok := records.GetFields()[key]
	if !ok {
		return "", ErrNotFound
	}

	return value.GetStringValue(), nil
}

// Set stores value under key, replacing the file atomically.
func (r *FileRepository) Set(_ context.Context, key, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	records, err := r.load()
	if err != nil {
		return err
	}

	records.Fields[key] = structpb.NewStringValue(value)

	marshalOptions := protojson.MarshalOptions{
		Multiline: true,
		Indent:    "  ",
	}

	data, err := marshalOptions.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	if err = r.write(data); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}

	return nil
}

// load reads every record; a missing file yields an empty set.
func (r *FileRepository) load() (*structpb.Struct, error) {
	records := &structpb.Struct{Fields: make(map[string]*structpb.Value)}

	contents, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return records, nil
	}

	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}

	if err = protojson.Unmarshal(contents, records); err != nil {
		return nil, fmt.Errorf("decode state file: %w", err)
	}

	if records.Fields == nil {
		records.Fields = make(map[string]*structpb.Value)
	}

	return records, nil
}

// write replaces the state file through a synced temporary sibling.
func (r *FileRepository) write(data []byte) error {
	dir := filepath.Dir(r.path)

	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(r.path)+".tmp-*")
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
		err = os.Chmod(tmpName, filePermissions)
	}

	if err == nil {
		err = os.Rename(tmpName, r.path)
	}

	if err != nil {
		_ = os.Remove(tmpName)
	}

	return err
}
