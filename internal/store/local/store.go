// Package local implements the record store over per-table JSON blobs on disk.
// It mirrors the browser-local storage mode of the storefront: every operation
// reads the whole table, mutates it in memory, and rewrites the blob. Writes
// are O(table size); the demo tables stay small enough for that to hold.
package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/wayfare/wayfare/errs"
	"github.com/wayfare/wayfare/internal/registry"
	"github.com/wayfare/wayfare/internal/store"
)

// tableBlob is the serialized form of one table. Records keep insertion order
// so a round-trip through disk reproduces the exact sequence.
type tableBlob struct {
	NextID  int64          `json:"next_id"`
	Records []store.Record `json:"records"`
}

// Store persists each registry table as <dir>/<table>.json.
type Store struct {
	dir string

	mu     sync.Mutex
	tables map[string]*sync.Mutex
}

// New creates the data directory if necessary and returns a local store.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("local store: data directory required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	return &Store{dir: dir, tables: make(map[string]*sync.Mutex)}, nil
}

// tableLock returns the mutex serialising writers for one table. Concurrent
// mutations of the same blob would otherwise race last-write-wins.
func (s *Store) tableLock(table string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.tables[table]
	if !ok {
		lock = new(sync.Mutex)
		s.tables[table] = lock
	}
	return lock
}

// List returns the table's records in insertion order, never nil.
func (s *Store) List(ctx context.Context, table string) ([]store.Record, error) {
	if err := s.guard(ctx, table); err != nil {
		return nil, err
	}
	lock := s.tableLock(table)
	lock.Lock()
	defer lock.Unlock()

	blob, err := s.read(table)
	if err != nil {
		return nil, err
	}
	records := make([]store.Record, 0, len(blob.Records))
	for _, rec := range blob.Records {
		records = append(records, rec.Clone())
	}
	return records, nil
}

// Get returns the matching record, or (nil, nil) when the id is absent.
func (s *Store) Get(ctx context.Context, table string, id int64) (store.Record, error) {
	if err := s.guard(ctx, table); err != nil {
		return nil, err
	}
	lock := s.tableLock(table)
	lock.Lock()
	defer lock.Unlock()

	blob, err := s.read(table)
	if err != nil {
		return nil, err
	}
	for _, rec := range blob.Records {
		if rec.ID() == id {
			return rec.Clone(), nil
		}
	}
	return nil, nil
}

// Create appends a record with the next identifier and rewrites the blob.
func (s *Store) Create(ctx context.Context, table string, fields map[string]any) (store.Record, error) {
	if err := s.guard(ctx, table); err != nil {
		return nil, err
	}
	lock := s.tableLock(table)
	lock.Lock()
	defer lock.Unlock()

	blob, err := s.read(table)
	if err != nil {
		return nil, err
	}
	record := make(store.Record, len(fields)+1)
	for k, v := range fields {
		record[k] = v
	}
	record[registry.IDField] = blob.NextID
	blob.NextID++
	blob.Records = append(blob.Records, record)
	if err := s.write(table, blob); err != nil {
		return nil, err
	}
	return record.Clone(), nil
}

// Update merges the supplied fields into the matching record and returns the
// post-update state.
func (s *Store) Update(ctx context.Context, table string, id int64, fields map[string]any) (store.Record, error) {
	if err := s.guard(ctx, table); err != nil {
		return nil, err
	}
	lock := s.tableLock(table)
	lock.Lock()
	defer lock.Unlock()

	blob, err := s.read(table)
	if err != nil {
		return nil, err
	}
	for i, rec := range blob.Records {
		if rec.ID() != id {
			continue
		}
		updated := rec.Clone()
		for k, v := range fields {
			updated[k] = v
		}
		updated[registry.IDField] = id
		blob.Records[i] = updated
		if err := s.write(table, blob); err != nil {
			return nil, err
		}
		return updated.Clone(), nil
	}
	return nil, errs.NotFound(table, id)
}

// Delete removes the matching record. Deleting an absent id succeeds.
func (s *Store) Delete(ctx context.Context, table string, id int64) error {
	if err := s.guard(ctx, table); err != nil {
		return err
	}
	lock := s.tableLock(table)
	lock.Lock()
	defer lock.Unlock()

	blob, err := s.read(table)
	if err != nil {
		return err
	}
	kept := blob.Records[:0]
	removed := false
	for _, rec := range blob.Records {
		if rec.ID() == id {
			removed = true
			continue
		}
		kept = append(kept, rec)
	}
	if !removed {
		return nil
	}
	blob.Records = kept
	return s.write(table, blob)
}

// Ping verifies the data directory is still reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	if _, err := os.Stat(s.dir); err != nil {
		return errs.New(errs.KindUnavailable, errs.WithMessage("data directory unreachable"), errs.WithCause(err))
	}
	return nil
}

// Close releases nothing; the local store holds no open handles between
// operations.
func (s *Store) Close() {}

func (s *Store) guard(ctx context.Context, table string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	// The table name becomes a file name; only registry names may reach disk.
	if _, ok := registry.Lookup(table); !ok {
		return errs.UnknownTable(table)
	}
	return nil
}

func ctxErr(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return errs.New(errs.KindUnavailable, errs.WithMessage("operation cancelled"), errs.WithCause(ctx.Err()))
	default:
		return nil
	}
}

func (s *Store) path(table string) string {
	return filepath.Join(s.dir, table+".json")
}

func (s *Store) read(table string) (tableBlob, error) {
	raw, err := os.ReadFile(s.path(table))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return tableBlob{NextID: 1, Records: nil}, nil
		}
		return tableBlob{}, errs.New(errs.KindUnavailable, errs.WithTable(table),
			errs.WithMessage("read table blob"), errs.WithCause(err))
	}
	var blob tableBlob
	if err := json.Unmarshal(raw, &blob); err != nil {
		return tableBlob{}, errs.New(errs.KindInternal, errs.WithTable(table),
			errs.WithMessage("decode table blob"), errs.WithCause(err))
	}
	if blob.NextID < 1 {
		blob.NextID = 1
	}
	return blob, nil
}

// write serialises the blob to a temp file and renames it into place so a
// crashed write never leaves a truncated table behind.
func (s *Store) write(table string, blob tableBlob) error {
	data, err := json.Marshal(blob)
	if err != nil {
		return errs.New(errs.KindInternal, errs.WithTable(table),
			errs.WithMessage("encode table blob"), errs.WithCause(err))
	}
	tmp, err := os.CreateTemp(s.dir, table+"-*.tmp")
	if err != nil {
		return errs.New(errs.KindUnavailable, errs.WithTable(table),
			errs.WithMessage("create temp blob"), errs.WithCause(err))
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return errs.New(errs.KindUnavailable, errs.WithTable(table),
			errs.WithMessage("write temp blob"), errs.WithCause(err))
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return errs.New(errs.KindUnavailable, errs.WithTable(table),
			errs.WithMessage("close temp blob"), errs.WithCause(err))
	}
	if err := os.Rename(tmpName, s.path(table)); err != nil {
		_ = os.Remove(tmpName)
		return errs.New(errs.KindUnavailable, errs.WithTable(table),
			errs.WithMessage("replace table blob"), errs.WithCause(err))
	}
	return nil
}
