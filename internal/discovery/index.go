package discovery

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// IndexEntry is one session in the catalog index file
type IndexEntry struct {
	Key      string    `toml:"key"`
	Name     string    `toml:"name,omitempty"`
	Origin   string    `toml:"origin"`
	Version  uint32    `toml:"version"`
	File     string    `toml:"file"`
	LastSeen time.Time `toml:"last_seen"`
}

type indexSchema struct {
	Updated  time.Time    `toml:"updated"`
	Sessions []IndexEntry `toml:"session"`
}

// WriteIndex atomically replaces the catalog at path with entries
func WriteIndex(path string, entries []Entry, now time.Time) error {
	file := indexSchema{
		Updated:  now.UTC().Truncate(time.Second),
		Sessions: make([]IndexEntry, 0, len(entries)),
	}
	for _, e := range entries {
		file.Sessions = append(file.Sessions, IndexEntry{
			Key:      e.Key,
			Name:     e.Name,
			Origin:   e.Origin.String(),
			Version:  e.Version,
			File:     e.Path,
			LastSeen: e.LastSeen.UTC().Truncate(time.Second),
		})
	}

	data, err := toml.Marshal(file)
	if err != nil {
		return fmt.Errorf("encode index: %w", err)
	}
	if err := writeAtomic(path, data, sessionFileMode); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	return nil
}

// ReadIndex loads the catalog at path. A missing file yields no entries.
func ReadIndex(path string) ([]IndexEntry, time.Time, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, time.Time{}, nil
		}
		return nil, time.Time{}, fmt.Errorf("read index: %w", err)
	}

	var file indexSchema
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, time.Time{}, fmt.Errorf("parse index %s: %w", path, err)
	}
	return file.Sessions, file.Updated, nil
}
