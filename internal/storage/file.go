package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/v2ray-connector/internal/types"
)

// FileStore keeps each record as its own JSON file under a base directory.
// Writes go through a temp file plus rename so a crashed save never corrupts
// the previous value.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) writeRecord(name string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	path := filepath.Join(f.dir, name+".json")
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}

	return nil
}

// readRecord loads a record into v; found is false when the record is absent.
func (f *FileStore) readRecord(name string, v interface{}) (bool, error) {
	data, err := os.ReadFile(filepath.Join(f.dir, name+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read file: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("unmarshal JSON: %w", err)
	}
	return true, nil
}

func (f *FileStore) deleteRecord(name string) error {
	err := os.Remove(filepath.Join(f.dir, name+".json"))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove file: %w", err)
	}
	return nil
}

func (f *FileStore) SaveSubscriptionURL(url string) error {
	return f.writeRecord(keySubscriptionURL, url)
}

func (f *FileStore) LoadSubscriptionURL() (string, error) {
	var url string
	if _, err := f.readRecord(keySubscriptionURL, &url); err != nil {
		return "", err
	}
	return url, nil
}

func (f *FileStore) DeleteSubscriptionURL() error {
	return f.deleteRecord(keySubscriptionURL)
}

func (f *FileStore) SaveSelection(result *types.ProbeResult) error {
	return f.writeRecord(keySelection, result)
}

func (f *FileStore) LoadSelection() (*types.ProbeResult, error) {
	var result types.ProbeResult
	found, err := f.readRecord(keySelection, &result)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &result, nil
}

func (f *FileStore) DeleteSelection() error {
	return f.deleteRecord(keySelection)
}

func (f *FileStore) Close() error {
	return nil
}
