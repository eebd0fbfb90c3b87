// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package lookup resolves client identifiers to spreadsheet rows.
//
// The package maintains an in-memory index from normalized identifier to row
// number, rebuilt from the spreadsheet when it goes stale, and a bounded LRU
// cache of fetched rows. Lookups never wait for a rebuild they did not
// trigger: concurrent callers keep reading the previous index until the fresh
// one is swapped in.
package lookup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.astrophena.name/tglookup/internal/api/sheets"
	"go.astrophena.name/tglookup/internal/logger"
	"go.astrophena.name/tglookup/internal/store"
	"go.astrophena.name/tglookup/internal/util/syncx"
)

var (
	// ErrNotFound is returned when no row matches the identifier.
	ErrNotFound = errors.New("client not found")
	// ErrUnavailable is returned when the spreadsheet can't be fetched.
	ErrUnavailable = errors.New("data source unavailable")
)

// Field is a single cell of a looked-up row, labeled with its column header.
type Field struct {
	Name  string
	Value string
}

// Row is a looked-up spreadsheet row with fields in sheet column order.
type Row []Field

// Service looks up client identifiers in a Google Sheets spreadsheet.
//
// Fill in the exported fields before calling any method. Methods are safe for
// concurrent use.
type Service struct {
	Sheets        *sheets.Client // required
	SpreadsheetID string         // required
	TTL           time.Duration  // index staleness bound; 10 minutes if zero
	CacheSize     int            // row cache capacity; 200 if zero
	Snapshots     store.Store    // optional, persists the index across restarts
	Logf          logger.Logf    // defaults to log.Printf

	initOnce sync.Once
	index    syncx.Protected[*Index]
	cache    *rowCache

	// rebuildMu serializes index rebuilds.
	rebuildMu sync.Mutex

	connected atomic.Bool
	clients   atomic.Int64
}

func (s *Service) init() {
	if s.TTL <= 0 {
		s.TTL = 10 * time.Minute
	}
	if s.CacheSize <= 0 {
		s.CacheSize = 200
	}
	if s.Logf == nil {
		s.Logf = log.Printf
	}
	s.cache = newRowCache(s.CacheSize)
}

// Lookup resolves query to a spreadsheet row.
//
// On an exact miss it tries a suffix match (the sheet often stores numbers
// with a country code the user omits), then rebuilds the index once in case
// the row was added after the last build. It returns ErrNotFound when nothing
// matches and ErrUnavailable when the spreadsheet can't be reached.
func (s *Service) Lookup(ctx context.Context, query string) (Row, error) {
	s.initOnce.Do(s.init)

	norm := Normalize(query)
	if norm == "" {
		return nil, ErrNotFound
	}

	idx, err := s.freshIndex(ctx)
	if err != nil {
		return nil, err
	}

	if rowNum, ok := idx.Entries[norm]; ok {
		return s.row(ctx, idx, rowNum)
	}
	if rowNum, ok := idx.suffixMatch(norm); ok {
		return s.row(ctx, idx, rowNum)
	}
	idx, err = s.rebuild(ctx, idx)
	if err != nil {
		return nil, err
	}
	if rowNum, ok := idx.Entries[norm]; ok {
		return s.row(ctx, idx, rowNum)
	}
	return nil, ErrNotFound
}

// freshIndex returns the current index, building it synchronously when there
// is none yet. A stale index triggers a rebuild only when no other caller is
// already running one; everyone else keeps the stale index so lookups don't
// pile up behind the fetch.
func (s *Service) freshIndex(ctx context.Context) (*Index, error) {
	idx := s.loadIndex()
	if idx == nil {
		return s.rebuild(ctx, nil)
	}
	if time.Since(idx.BuiltAt) <= s.TTL {
		return idx, nil
	}
	if !s.rebuildMu.TryLock() {
		return idx, nil
	}
	fresh, err := s.rebuildLocked(ctx, idx)
	s.rebuildMu.Unlock()
	if err != nil {
		// Keep serving the previous index, the next lookup will retry.
		s.Logf("lookup: refreshing index: %v", err)
		return idx, nil
	}
	return fresh, nil
}

func (s *Service) loadIndex() *Index {
	var idx *Index
	s.index.RAccess(func(i *Index) { idx = i })
	return idx
}

// rebuild fetches a fresh index and swaps it in. prev is the index the caller
// observed; when the stored index already differs, another rebuild won the
// race and its result is returned without fetching again.
func (s *Service) rebuild(ctx context.Context, prev *Index) (*Index, error) {
	s.rebuildMu.Lock()
	defer s.rebuildMu.Unlock()
	return s.rebuildLocked(ctx, prev)
}

func (s *Service) rebuildLocked(ctx context.Context, prev *Index) (*Index, error) {
	if cur := s.loadIndex(); cur != nil && cur != prev {
		return cur, nil
	}
	idx, err := s.buildIndex(ctx)
	if err != nil {
		s.connected.Store(false)
		return nil, err
	}
	s.connected.Store(true)
	s.index.Set(idx)
	s.saveSnapshot(ctx, idx)
	return idx, nil
}

func (s *Service) row(ctx context.Context, idx *Index, rowNum int) (Row, error) {
	if row, ok := s.cache.get(rowNum); ok {
		return row, nil
	}
	row, err := s.fetchRow(ctx, idx, rowNum)
	if err != nil {
		return nil, err
	}
	s.cache.put(rowNum, row)
	return row, nil
}

func (s *Service) fetchRow(ctx context.Context, idx *Index, rowNum int) (Row, error) {
	vals, err := s.Sheets.Values(ctx, s.SpreadsheetID, fmt.Sprintf("%s!A%d:D%d", sheetName, rowNum, rowNum))
	if err != nil {
		return nil, fmt.Errorf("%w: fetching row %d: %w", ErrUnavailable, rowNum, err)
	}
	if len(vals) == 0 {
		// The row was deleted since the index was built.
		return nil, ErrNotFound
	}

	headers := idx.Headers
	if len(headers) > maxColumns {
		headers = headers[:maxColumns]
	}
	cells := vals[0]
	row := make(Row, 0, len(headers))
	for i, h := range headers {
		var val string
		if i < len(cells) {
			val = strings.TrimSpace(cells[i])
		}
		row = append(row, Field{Name: strings.TrimSpace(h), Value: val})
	}
	return row, nil
}

// Refresh forces an index rebuild, regardless of staleness.
func (s *Service) Refresh(ctx context.Context) error {
	s.initOnce.Do(s.init)
	_, err := s.rebuild(ctx, s.loadIndex())
	return err
}

// RefreshLoop rebuilds the index periodically until ctx is canceled, keeping
// lookups fast and the connection state current.
func (s *Service) RefreshLoop(ctx context.Context) {
	s.initOnce.Do(s.init)
	ticker := time.NewTicker(max(10*time.Second, s.TTL))
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil {
				s.Logf("lookup: background refresh: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// RestoreSnapshot installs a previously saved index when one exists and is
// younger than the TTL, avoiding the initial spreadsheet fetch after a
// restart. It reports whether a snapshot was restored.
func (s *Service) RestoreSnapshot(ctx context.Context) bool {
	s.initOnce.Do(s.init)
	if s.Snapshots == nil {
		return false
	}
	data, err := s.Snapshots.Get(ctx, s.snapshotKey())
	if err != nil {
		s.Logf("lookup: loading index snapshot: %v", err)
		return false
	}
	if data == nil {
		return false
	}
	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		s.Logf("lookup: corrupted index snapshot: %v", err)
		return false
	}
	if len(idx.Entries) == 0 || time.Since(idx.BuiltAt) > s.TTL {
		return false
	}
	s.index.Set(&idx)
	// The snapshot is younger than the TTL, so the spreadsheet was
	// reachable recently enough to count as connected.
	s.connected.Store(true)
	s.clients.Store(int64(len(idx.Entries)))
	return true
}

func (s *Service) snapshotKey() string { return "index:" + s.SpreadsheetID }

func (s *Service) saveSnapshot(ctx context.Context, idx *Index) {
	if s.Snapshots == nil {
		return
	}
	data, err := json.Marshal(idx)
	if err == nil {
		err = s.Snapshots.Set(ctx, s.snapshotKey(), data)
	}
	if err != nil {
		s.Logf("lookup: saving index snapshot: %v", err)
	}
}

// Connected reports whether the latest spreadsheet fetch succeeded.
func (s *Service) Connected() bool { return s.connected.Load() }

// TotalClients returns the number of data rows counted at the latest rebuild.
func (s *Service) TotalClients() int { return int(s.clients.Load()) }

// IndexSize returns the number of identifiers in the current index.
func (s *Service) IndexSize() int {
	if idx := s.loadIndex(); idx != nil {
		return len(idx.Entries)
	}
	return 0
}

// CacheLen returns the number of rows in the row cache.
func (s *Service) CacheLen() int {
	s.initOnce.Do(s.init)
	return s.cache.len()
}

// Headers returns the spreadsheet column headers from the current index, or
// nil when there is none.
func (s *Service) Headers() []string {
	if idx := s.loadIndex(); idx != nil {
		return idx.Headers
	}
	return nil
}

// LastBuilt returns when the current index was built, or the zero time when
// there is none.
func (s *Service) LastBuilt() time.Time {
	if idx := s.loadIndex(); idx != nil {
		return idx.BuiltAt
	}
	return time.Time{}
}
