// Package deadletter archives packages that were dropped because they could
// never be sent.
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/beacon-sdk/beacon/internal/storage"
	"github.com/beacon-sdk/beacon/pkg/types"
)

// Prefix is the key prefix of archived packages.
const Prefix = "deadletter"

// Archiver stores a dropped package together with the reason.
type Archiver interface {
	Archive(ctx context.Context, pkg *types.ActivityPackage, reason error) error
}

// Entry is the archived form of a dropped package.
type Entry struct {
	Package   *types.ActivityPackage `json:"package"`
	Reason    string                 `json:"reason"`
	DroppedAt time.Time              `json:"dropped_at"`
}

// Store archives entries as JSON objects.
type Store struct {
	storage storage.ObjectStorage
	now     func() time.Time
}

// NewStore creates an archive on top of s.
func NewStore(s storage.ObjectStorage) *Store {
	return &Store{storage: s, now: time.Now}
}

// Key returns the object key of a package dropped at t.
func Key(t time.Time, id string) string {
	t = t.UTC()
	return path.Join(Prefix, t.Format("2006"), t.Format("01"), t.Format("02"), id+".json")
}

// Archive implements Archiver.
func (s *Store) Archive(ctx context.Context, pkg *types.ActivityPackage, reason error) error {
	entry := Entry{
		Package:   pkg,
		DroppedAt: s.now().UTC(),
	}
	if reason != nil {
		entry.Reason = reason.Error()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("deadletter: encode %s: %w", pkg.ID, err)
	}
	if err := s.storage.Put(ctx, Key(entry.DroppedAt, pkg.ID), data); err != nil {
		return fmt.Errorf("deadletter: store %s: %w", pkg.ID, err)
	}
	return nil
}

// List returns the archived entries, oldest day first.
func (s *Store) List(ctx context.Context) ([]*Entry, error) {
	entries, _, err := s.list(ctx)
	return entries, err
}

func (s *Store) list(ctx context.Context) ([]*Entry, []string, error) {
	keys, err := s.storage.List(ctx, Prefix)
	if err != nil {
		return nil, nil, err
	}
	entries := make([]*Entry, 0, len(keys))
	for _, key := range keys {
		data, err := s.storage.Get(ctx, key)
		if err != nil {
			return nil, nil, err
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, nil, fmt.Errorf("deadletter: decode %s: %w", key, err)
		}
		entries = append(entries, &e)
	}
	return entries, keys, nil
}

// Purge deletes the entries dropped before cutoff and returns how many were
// removed.
func (s *Store) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	entries, keys, err := s.list(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for i, e := range entries {
		if !e.DroppedAt.Before(cutoff) {
			continue
		}
		if err := s.storage.Delete(ctx, keys[i]); err != nil {
			return removed, fmt.Errorf("deadletter: delete %s: %w", keys[i], err)
		}
		removed++
	}
	return removed, nil
}

// Nop discards everything.
type Nop struct{}

// Archive implements Archiver.
func (Nop) Archive(context.Context, *types.ActivityPackage, error) error { return nil }
