package tessera

import "sync"

// ============================================================================
// Entry / Page
// ============================================================================

// Entry is anything a PageStore can hold. Entries are identified and
// de-duplicated by their id.
type Entry interface {
	EntryID() string
}

// Page is an ordered, cursor-delimited slice of a cached sequence.
type Page[T Entry] struct {
	Data []T      `json:"data"`
	Meta PageMeta `json:"meta"`
}

// ============================================================================
// PageStore
// ============================================================================

// PageStore is a goroutine-safe key → page-sequence cache. It owns all page
// data: mutators operate through its API and never hand out aliased slices.
//
// Every mutation is idempotent under at-least-once delivery: inserting an
// entry whose id is already cached is a no-op, and point mutations are keyed
// by entry id.
type PageStore[T Entry] struct {
	mu      sync.RWMutex
	seqs    map[string][]Page[T]
	pending map[string]map[string]bool // key → temp ids awaiting commit
}

// NewPageStore creates an empty store.
func NewPageStore[T Entry]() *PageStore[T] {
	return &PageStore[T]{
		seqs:    make(map[string][]Page[T]),
		pending: make(map[string]map[string]bool),
	}
}

// Pages returns a copy of the cached pages for key, in fetch order
// (oldest page first).
func (s *PageStore[T]) Pages(key string) []Page[T] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyPages(s.seqs[key])
}

// Entries returns all cached entries for key, concatenated across pages.
func (s *PageStore[T]) Entries(key string) []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []T
	for _, p := range s.seqs[key] {
		out = append(out, p.Data...)
	}
	return out
}

// Len returns the total number of cached entries for key.
func (s *PageStore[T]) Len(key string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, p := range s.seqs[key] {
		n += len(p.Data)
	}
	return n
}

// Contains reports whether an entry with the given id is cached under key.
func (s *PageStore[T]) Contains(key, id string) bool {
	_, ok := s.Find(key, id)
	return ok
}

// Find returns the cached entry with the given id, if present.
func (s *PageStore[T]) Find(key, id string) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.seqs[key] {
		for _, e := range p.Data {
			if e.EntryID() == id {
				return e, true
			}
		}
	}
	var zero T
	return zero, false
}

// Replace atomically replaces the entire cached sequence for key.
// Any pending optimistic entries under that key are discarded with it.
func (s *PageStore[T]) Replace(key string, pages []Page[T]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqs[key] = copyPages(pages)
	delete(s.pending, key)
}

// Invalidate drops the cached sequence for key.
func (s *PageStore[T]) Invalidate(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.seqs, key)
	delete(s.pending, key)
}

// Mutate applies fn to every entry across every page of key. fn must be a
// total function: return the entry unchanged when it doesn't apply. Calling
// Mutate on an absent key is a no-op.
func (s *PageStore[T]) Mutate(key string, fn func(T) T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for pi, p := range s.seqs[key] {
		for ei, e := range p.Data {
			s.seqs[key][pi].Data[ei] = fn(e)
		}
	}
}

// PrependOlder inserts an older page at the front of the sequence,
// dropping any entries whose ids are already cached.
func (s *PageStore[T]) PrependOlder(key string, page Page[T]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	page = s.dedupLocked(key, page)
	if len(page.Data) == 0 {
		return
	}
	s.seqs[key] = append([]Page[T]{page}, s.seqs[key]...)
}

// AppendNewer inserts a newer page at the end of the sequence,
// dropping any entries whose ids are already cached.
func (s *PageStore[T]) AppendNewer(key string, page Page[T]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	page = s.dedupLocked(key, page)
	if len(page.Data) == 0 {
		return
	}
	s.seqs[key] = append(s.seqs[key], page)
}

// AppendEntry appends a single entry to the newest page, creating the
// sequence if needed. Returns false (no-op) when the id is already cached,
// or when the last cached page still advertises newer pages beyond it: a
// tail append there would land the entry out of order, so it is left for
// newer-page pagination to bring in at its correct position.
func (s *PageStore[T]) AppendEntry(key string, entry T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.containsLocked(key, entry.EntryID()) {
		return false
	}
	pages := s.seqs[key]
	if len(pages) == 0 {
		s.seqs[key] = []Page[T]{{Data: []T{entry}}}
		return true
	}
	last := len(pages) - 1
	if pages[last].Meta.HasPrev {
		return false
	}
	pages[last].Data = append(pages[last].Data, entry)
	return true
}

// PrependEntry inserts a single entry at the head of the first page,
// creating the sequence if needed. Returns false when the id is already
// cached.
func (s *PageStore[T]) PrependEntry(key string, entry T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.containsLocked(key, entry.EntryID()) {
		return false
	}
	pages := s.seqs[key]
	if len(pages) == 0 {
		s.seqs[key] = []Page[T]{{Data: []T{entry}}}
		return true
	}
	pages[0].Data = append([]T{entry}, pages[0].Data...)
	return true
}

// RemoveEntry removes the entry with the given id from whichever page holds
// it. Returns false when the id is not cached.
func (s *PageStore[T]) RemoveEntry(key, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(key, id)
}

// PromoteEntry moves the entry with the given id to the head of the first
// page. Used for activity reordering (most-recently-active chat first).
func (s *PageStore[T]) PromoteEntry(key, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.takeLocked(key, id)
	if !ok {
		return false
	}
	pages := s.seqs[key]
	if len(pages) == 0 {
		s.seqs[key] = []Page[T]{{Data: []T{entry}}}
		return true
	}
	pages[0].Data = append([]T{entry}, pages[0].Data...)
	return true
}

// ============================================================================
// Optimistic mutation
// ============================================================================

// OptimisticInsert appends an unacknowledged entry under a temporary id.
// The entry stays cached until Commit swaps it for the authoritative server
// entry or Rollback removes it, restoring the pre-insert state exactly.
func (s *PageStore[T]) OptimisticInsert(key string, entry T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.containsLocked(key, entry.EntryID()) {
		return
	}
	pages := s.seqs[key]
	if len(pages) == 0 {
		s.seqs[key] = []Page[T]{{Data: []T{entry}}}
	} else {
		last := len(pages) - 1
		pages[last].Data = append(pages[last].Data, entry)
	}
	if s.pending[key] == nil {
		s.pending[key] = make(map[string]bool)
	}
	s.pending[key][entry.EntryID()] = true
}

// Commit replaces the pending entry tempID with the authoritative entry.
// If an entry with the authoritative id is already cached (the create event
// raced ahead of the ack), the pending placeholder is simply dropped.
func (s *PageStore[T]) Commit(key, tempID string, real T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.pendingLocked(key, tempID) {
		return
	}
	delete(s.pending[key], tempID)
	if s.containsLocked(key, real.EntryID()) {
		s.removeLocked(key, tempID)
		return
	}
	for pi, p := range s.seqs[key] {
		for ei, e := range p.Data {
			if e.EntryID() == tempID {
				s.seqs[key][pi].Data[ei] = real
				return
			}
		}
	}
}

// Rollback removes the pending entry tempID. A rollback for an unknown or
// already-committed temp id is a no-op.
func (s *PageStore[T]) Rollback(key, tempID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.pendingLocked(key, tempID) {
		return
	}
	delete(s.pending[key], tempID)
	s.removeLocked(key, tempID)
}

// PendingCount returns the number of uncommitted optimistic entries for key.
func (s *PageStore[T]) PendingCount(key string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending[key])
}

// ============================================================================
// internal
// ============================================================================

func (s *PageStore[T]) containsLocked(key, id string) bool {
	for _, p := range s.seqs[key] {
		for _, e := range p.Data {
			if e.EntryID() == id {
				return true
			}
		}
	}
	return false
}

func (s *PageStore[T]) pendingLocked(key, id string) bool {
	return s.pending[key] != nil && s.pending[key][id]
}

func (s *PageStore[T]) removeLocked(key, id string) bool {
	_, ok := s.takeLocked(key, id)
	return ok
}

// takeLocked removes and returns the entry with the given id. Pages emptied
// by the removal are dropped from the sequence.
func (s *PageStore[T]) takeLocked(key, id string) (T, bool) {
	for pi, p := range s.seqs[key] {
		for ei, e := range p.Data {
			if e.EntryID() != id {
				continue
			}
			s.seqs[key][pi].Data = append(p.Data[:ei:ei], p.Data[ei+1:]...)
			if len(s.seqs[key][pi].Data) == 0 {
				s.seqs[key] = append(s.seqs[key][:pi:pi], s.seqs[key][pi+1:]...)
			}
			return e, true
		}
	}
	var zero T
	return zero, false
}

func (s *PageStore[T]) dedupLocked(key string, page Page[T]) Page[T] {
	kept := page.Data[:0:0]
	seen := make(map[string]bool, len(page.Data))
	for _, e := range page.Data {
		id := e.EntryID()
		if seen[id] || s.containsLocked(key, id) {
			continue
		}
		seen[id] = true
		kept = append(kept, e)
	}
	page.Data = kept
	return page
}

func copyPages[T Entry](pages []Page[T]) []Page[T] {
	if pages == nil {
		return nil
	}
	out := make([]Page[T], len(pages))
	for i, p := range pages {
		out[i] = Page[T]{Data: append([]T(nil), p.Data...), Meta: p.Meta}
	}
	return out
}
