package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/v2ray-connector/internal/types"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS records (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// setRecord upserts one key inside a transaction so a failed write leaves the
// previous value in place.
func (s *SQLiteStore) setRecord(key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"INSERT INTO records (key, value, updated_at) VALUES (?, ?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at",
		key, string(data), time.Now()); err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

func (s *SQLiteStore) getRecord(key string, v interface{}) (bool, error) {
	var data string
	err := s.db.QueryRow("SELECT value FROM records WHERE key = ?", key).Scan(&data)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("query record: %w", err)
	}

	if err := json.Unmarshal([]byte(data), v); err != nil {
		return false, fmt.Errorf("unmarshal JSON: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) deleteRecord(key string) error {
	if _, err := s.db.Exec("DELETE FROM records WHERE key = ?", key); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveSubscriptionURL(url string) error {
	return s.setRecord(keySubscriptionURL, url)
}

func (s *SQLiteStore) LoadSubscriptionURL() (string, error) {
	var url string
	if _, err := s.getRecord(keySubscriptionURL, &url); err != nil {
		return "", err
	}
	return url, nil
}

func (s *SQLiteStore) DeleteSubscriptionURL() error {
	return s.deleteRecord(keySubscriptionURL)
}

func (s *SQLiteStore) SaveSelection(result *types.ProbeResult) error {
	return s.setRecord(keySelection, result)
}

func (s *SQLiteStore) LoadSelection() (*types.ProbeResult, error) {
	var result types.ProbeResult
	found, err := s.getRecord(keySelection, &result)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &result, nil
}

func (s *SQLiteStore) DeleteSelection() error {
	return s.deleteRecord(keySelection)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
