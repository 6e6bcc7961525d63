package storage

import (
	"fmt"

	"github.com/v2ray-connector/internal/types"
)

// Store is a durable key->record store surviving process restarts. Two
// records exist, each independently present or absent. Writes are
// all-or-nothing per record: a failed save must leave any previously stored
// value intact. An absent record loads as a zero value with a nil error.
type Store interface {
	SaveSubscriptionURL(url string) error
	LoadSubscriptionURL() (string, error)
	DeleteSubscriptionURL() error

	SaveSelection(result *types.ProbeResult) error
	LoadSelection() (*types.ProbeResult, error)
	DeleteSelection() error

	Close() error
}

// Record keys shared by the sqlite and redis backends.
const (
	keySubscriptionURL = "subscription_url"
	keySelection       = "best_selection"
)

func NewStore(storageType string, path string) (Store, error) {
	switch storageType {
	case "file":
		return NewFileStore(path)
	case "sqlite":
		return NewSQLiteStore(path)
	case "redis":
		return NewRedisStore(path)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", storageType)
	}
}
