package app

import (
	"fmt"
	"strings"
	"time"

	"crosspost/internal/storage"
)

// defaultStoragePath is used when the storage section omits a path.
const defaultStoragePath = "./crosspost.db"

// mapStorageConfig validates and converts the storage section. Posts and
// delivery results are the system of record, so storage cannot be turned
// off: an omitted section falls back to sqlite at defaultStoragePath.
func mapStorageConfig(cfg *Config) (storage.Config, error) {
	driver := ""
	path := ""
	busyRaw := ""
	if cfg != nil && cfg.Storage != nil {
		driver = strings.TrimSpace(cfg.Storage.Driver)
		path = strings.TrimSpace(cfg.Storage.Path)
		busyRaw = cfg.Storage.BusyTimeout
	}
	if driver == "" {
		driver = "sqlite"
	}
	if path == "" {
		path = defaultStoragePath
	}

	dl := strings.ToLower(driver)
	switch dl {
	case "file":
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		busy, err := parseDurationOrDefault("storage.busy_timeout", busyRaw, 1*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: dl, Path: path, BusyTimeout: busy}, nil
	case "none":
		return storage.Config{}, fmt.Errorf("storage.driver=none is not supported: posts must be persisted")
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", driver)
	}
}
