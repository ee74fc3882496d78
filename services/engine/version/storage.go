// Copyright (C) 2025 Storyloom Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package version

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const recordKeyPrefix = "version:"

// Storage persists snapshot payloads as one JSON file per (project,
// version) under a project directory, plus a Badger index row for fast
// listing. Payload writes go to a temp file first and are renamed into
// place, so a crash never leaves a half-written snapshot visible.
type Storage struct {
	baseDir string
	db      *badger.DB
	logger  *slog.Logger
}

// NewStorage creates snapshot storage rooted at baseDir.
func NewStorage(baseDir string, db *badger.DB, logger *slog.Logger) *Storage {
	if logger == nil {
		logger = slog.Default()
	}
	return &Storage{baseDir: baseDir, db: db, logger: logger}
}

func recordKey(projectID string, v int) []byte {
	return []byte(fmt.Sprintf("%s%s:%06d", recordKeyPrefix, projectID, v))
}

func (s *Storage) snapshotPath(projectID string, v int) string {
	return filepath.Join(s.baseDir, projectID, fmt.Sprintf("v%06d.json", v))
}

// SaveSnapshot writes the payload atomically and upserts the index row.
func (s *Storage) SaveSnapshot(ctx context.Context, snapshot *Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path := s.snapshotPath(snapshot.Project.ID, snapshot.Version)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	payload, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot v%d: %w", snapshot.Version, err)
	}
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, payload, 0o640); err != nil {
		return fmt.Errorf("write snapshot v%d: %w", snapshot.Version, err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("publish snapshot v%d: %w", snapshot.Version, err)
	}

	record := Record{
		ProjectID:   snapshot.Project.ID,
		Version:     snapshot.Version,
		Kind:        snapshot.Kind,
		Name:        snapshot.Name,
		Description: snapshot.Description,
		NodeCount:   snapshot.NodeCount,
		CreatedAt:   snapshot.CreatedAt,
		Path:        path,
		Compressed:  false,
	}
	if err := s.putRecord(&record); err != nil {
		return err
	}
	s.logger.Debug("snapshot saved",
		"project_id", record.ProjectID, "version", record.Version, "kind", record.Kind)
	return nil
}

func (s *Storage) putRecord(record *Record) error {
	row, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal index row v%d: %w", record.Version, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(record.ProjectID, record.Version), row)
	})
	if err != nil {
		return fmt.Errorf("store index row v%d: %w", record.Version, err)
	}
	return nil
}

func (s *Storage) getRecord(projectID string, v int) (*Record, error) {
	var record *Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(projectID, v))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			record = &Record{}
			return json.Unmarshal(val, record)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("load index row v%d: %w", v, err)
	}
	return record, nil
}

// LoadSnapshot reads a snapshot payload, transparently decompressing a
// gzip-compressed one. Unknown versions yield ErrNotFound.
func (s *Storage) LoadSnapshot(ctx context.Context, projectID string, v int) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := s.snapshotPath(projectID, v)
	payload, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		payload, err = readGzip(path + ".gz")
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s v%d", ErrNotFound, projectID, v)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot v%d: %w", v, err)
	}

	snapshot := &Snapshot{}
	if err := json.Unmarshal(payload, snapshot); err != nil {
		return nil, fmt.Errorf("decode snapshot v%d: %w", v, err)
	}
	return snapshot, nil
}

func readGzip(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader, err := gzip.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

// ListSnapshots returns the project's index rows, newest version first.
func (s *Storage) ListSnapshots(ctx context.Context, projectID string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var records []Record
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(recordKeyPrefix + projectID + ":")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var record Record
				if err := json.Unmarshal(val, &record); err != nil {
					return err
				}
				records = append(records, record)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list snapshots %s: %w", projectID, err)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].Version > records[j].Version })
	return records, nil
}

// DeleteSnapshot removes the payload files and the index row.
func (s *Storage) DeleteSnapshot(ctx context.Context, projectID string, v int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path := s.snapshotPath(projectID, v)
	for _, candidate := range []string{path, path + ".gz"} {
		if err := os.Remove(candidate); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove snapshot v%d: %w", v, err)
		}
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(recordKey(projectID, v))
	})
	if err != nil {
		return fmt.Errorf("drop index row v%d: %w", v, err)
	}
	return nil
}

// CompressOldSnapshots gzips payloads older than the cutoff in place,
// returning how many were compressed. The logical version is unchanged.
func (s *Storage) CompressOldSnapshots(ctx context.Context, projectID string, olderThan time.Duration) (int, error) {
	records, err := s.ListSnapshots(ctx, projectID)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().Add(-olderThan)
	compressed := 0
	for i := range records {
		record := records[i]
		if record.Compressed || !record.CreatedAt.Before(cutoff) {
			continue
		}
		if err := compressFile(record.Path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return compressed, fmt.Errorf("compress snapshot v%d: %w", record.Version, err)
		}
		record.Path += ".gz"
		record.Compressed = true
		if err := s.putRecord(&record); err != nil {
			return compressed, err
		}
		compressed++
	}
	return compressed, nil
}

func compressFile(path string) error {
	payload, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	f, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}
	writer := gzip.NewWriter(f)
	if _, err := writer.Write(payload); err != nil {
		_ = f.Close()
		return err
	}
	if err := writer.Close(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}

// UpdateMetadata rewrites a snapshot's name, description, or kind in
// both the payload and the index row. Nil fields are left as they are.
func (s *Storage) UpdateMetadata(ctx context.Context, projectID string, v int, name, description *string, kind *Kind) (*Snapshot, error) {
	snapshot, err := s.LoadSnapshot(ctx, projectID, v)
	if err != nil {
		return nil, err
	}
	if name != nil {
		snapshot.Name = *name
	}
	if description != nil {
		snapshot.Description = *description
	}
	if kind != nil {
		snapshot.Kind = *kind
	}

	record, err := s.getRecord(projectID, v)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, fmt.Errorf("%w: %s v%d", ErrNotFound, projectID, v)
	}

	payload, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot v%d: %w", v, err)
	}
	if record.Compressed {
		if err := writeGzip(record.Path, payload); err != nil {
			return nil, fmt.Errorf("rewrite snapshot v%d: %w", v, err)
		}
	} else {
		tempPath := record.Path + ".tmp"
		if err := os.WriteFile(tempPath, payload, 0o640); err != nil {
			return nil, fmt.Errorf("rewrite snapshot v%d: %w", v, err)
		}
		if err := os.Rename(tempPath, record.Path); err != nil {
			return nil, fmt.Errorf("publish snapshot v%d: %w", v, err)
		}
	}

	record.Name = snapshot.Name
	record.Description = snapshot.Description
	record.Kind = snapshot.Kind
	if err := s.putRecord(record); err != nil {
		return nil, err
	}
	return snapshot, nil
}

func writeGzip(path string, payload []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	writer := gzip.NewWriter(f)
	if _, err := writer.Write(payload); err != nil {
		_ = f.Close()
		return err
	}
	if err := writer.Close(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// DeleteProjectData removes every snapshot and index row of a project.
func (s *Storage) DeleteProjectData(ctx context.Context, projectID string) error {
	records, err := s.ListSnapshots(ctx, projectID)
	if err != nil {
		return err
	}
	for i := range records {
		if err := s.DeleteSnapshot(ctx, projectID, records[i].Version); err != nil {
			return err
		}
	}
	if err := os.RemoveAll(filepath.Join(s.baseDir, projectID)); err != nil {
		return fmt.Errorf("remove snapshot dir %s: %w", projectID, err)
	}
	return nil
}
