package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/megannissel/invest-routedem-tfa-range/pkg/core"
)

// GetCacheEntry returns the cache entry for a task key, or nil if the task
// has never completed.
func (s *SQLiteStore) GetCacheEntry(key string) (*core.CacheEntry, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not opened")
	}

	var (
		entry       core.CacheEntry
		outputs     string
		completedAt string
	)
	err := s.db.QueryRow(
		`SELECT task_key, stage, input_digest, outputs, completed_at FROM task_cache WHERE task_key = ?`,
		key,
	).Scan(&entry.Key, &entry.Stage, &entry.InputDigest, &outputs, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}

	if err := json.Unmarshal([]byte(outputs), &entry.Outputs); err != nil {
		return nil, fmt.Errorf("corrupt cache entry %s: %w", key, err)
	}
	if entry.CompletedAt, err = parseTime(completedAt); err != nil {
		return nil, err
	}
	return &entry, nil
}

// PutCacheEntry inserts or replaces the cache entry for entry.Key.
func (s *SQLiteStore) PutCacheEntry(entry *core.CacheEntry) error {
	if s.db == nil {
		return fmt.Errorf("database not opened")
	}

	outputs := entry.Outputs
	if outputs == nil {
		outputs = []core.OutputDigest{}
	}
	data, err := json.Marshal(outputs)
	if err != nil {
		return fmt.Errorf("failed to encode outputs: %w", err)
	}

	s.logger.Debug("caching task", slog.String("key", entry.Key), slog.Int("outputs", len(outputs)))

	_, err = s.db.Exec(
		`INSERT INTO task_cache (task_key, stage, input_digest, outputs, completed_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (task_key) DO UPDATE SET
		   stage = excluded.stage,
		   input_digest = excluded.input_digest,
		   outputs = excluded.outputs,
		   completed_at = excluded.completed_at`,
		entry.Key, entry.Stage, entry.InputDigest, string(data), formatTime(entry.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to put cache entry: %w", err)
	}
	return nil
}

// DeleteCacheEntry removes the cache entry for key. Deleting a missing key
// is not an error.
func (s *SQLiteStore) DeleteCacheEntry(key string) error {
	if s.db == nil {
		return fmt.Errorf("database not opened")
	}
	if _, err := s.db.Exec(`DELETE FROM task_cache WHERE task_key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}
