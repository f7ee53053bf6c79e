package rag

import (
	"slices"
	"sync"
)

// DocLocks serialises writes per document ID. Locks for unrelated documents
// never contend. Entries are reference counted and removed when idle.
type DocLocks struct {
	mu    sync.Mutex
	locks map[string]*docLock
}

type docLock struct {
	mu   sync.Mutex
	refs int
}

// NewDocLocks returns an empty lock table.
func NewDocLocks() *DocLocks {
	return &DocLocks{locks: make(map[string]*docLock)}
}

// Lock acquires the write lock for docID and returns its release function.
func (d *DocLocks) Lock(docID string) (unlock func()) {
	d.mu.Lock()
	l, ok := d.locks[docID]
	if !ok {
		l = &docLock{}
		d.locks[docID] = l
	}
	l.refs++
	d.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		d.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(d.locks, docID)
		}
		d.mu.Unlock()
	}
}

// LockAll acquires the locks for every distinct docID in sorted order, so
// two multi-document upserts cannot deadlock.
func (d *DocLocks) LockAll(docIDs []string) (unlock func()) {
	ids := uniqueSorted(docIDs)
	releases := make([]func(), 0, len(ids))
	for _, id := range ids {
		releases = append(releases, d.Lock(id))
	}
	return func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
}

// DocumentIDs returns the distinct document IDs of records.
func DocumentIDs(records []Record) []string {
	ids := make([]string, 0, 1)
	for _, r := range records {
		ids = append(ids, r.Chunk.DocumentID)
	}
	return uniqueSorted(ids)
}

func uniqueSorted(ids []string) []string {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}
