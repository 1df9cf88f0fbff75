// Package snapshot stores baseline HTML captures on disk under
// baselines/{customer_id}/{site_folder_id}/, with index.json files
// tracking folder ids and per-page counters at each level.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	indexFile       = "index.json"
	lockAcquireTime = 5 * time.Second
)

// customerIndex assigns stable numeric folder ids to site domains.
type customerIndex struct {
	NextID int            `json:"next_id"`
	Sites  map[string]int `json:"sites"`
}

// siteIndex assigns per-page counters and revision counts within one
// site folder.
type siteIndex struct {
	NextPage int                  `json:"next_page"`
	Pages    map[string]pageEntry `json:"pages"`
}

type pageEntry struct {
	Page      int    `json:"page"`
	File      string `json:"file"`
	Revisions int    `json:"revisions"`
}

// Store writes baseline snapshots under root. Writes to one site folder
// are serialized by a file lock plus an in-process mutex.
type Store struct {
	root string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a snapshot store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{
		root:  dir,
		locks: make(map[string]*sync.Mutex),
	}
}

// folderMutex returns the in-process mutex for one site folder.
func (s *Store) folderMutex(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.locks[key]
	if !ok {
		m = &sync.Mutex{}
		s.locks[key] = m
	}
	return m
}

// Save writes one baseline capture and returns the path of the written
// file, relative to the store root. The first capture of a URL becomes
// {custid}{nn}.html; later captures of the same URL become
// {custid}{nn}-{k}.html so earlier revisions stay untouched.
func (s *Store) Save(ctx context.Context, customerID, domain, url, html string) (string, error) {
	custDir := filepath.Join(s.root, customerID)
	if err := os.MkdirAll(custDir, 0o755); err != nil {
		return "", fmt.Errorf("create customer dir: %w", err)
	}

	folderID, err := s.ensureSiteFolder(ctx, custDir, domain)
	if err != nil {
		return "", err
	}

	siteDir := filepath.Join(custDir, fmt.Sprintf("%d", folderID))
	if err := os.MkdirAll(siteDir, 0o755); err != nil {
		return "", fmt.Errorf("create site dir: %w", err)
	}

	m := s.folderMutex(siteDir)
	m.Lock()
	defer m.Unlock()

	lockCtx, cancel := context.WithTimeout(ctx, lockAcquireTime)
	defer cancel()
	lock, err := acquireLock(lockCtx, siteDir)
	if err != nil {
		return "", err
	}
	defer lock.release()

	idx, err := loadSiteIndex(siteDir)
	if err != nil {
		return "", err
	}

	entry, seen := idx.Pages[url]
	var name string
	if !seen {
		page := idx.NextPage
		idx.NextPage++
		name = fmt.Sprintf("%s%02d.html", customerID, page)
		idx.Pages[url] = pageEntry{Page: page, File: name, Revisions: 0}
	} else {
		entry.Revisions++
		name = fmt.Sprintf("%s%02d-%d.html", customerID, entry.Page, entry.Revisions)
		entry.File = name
		idx.Pages[url] = entry
	}

	if err := os.WriteFile(filepath.Join(siteDir, name), []byte(html), 0o644); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	if err := writeIndex(siteDir, idx); err != nil {
		return "", err
	}

	rel, err := filepath.Rel(s.root, filepath.Join(siteDir, name))
	if err != nil {
		return "", err
	}
	return rel, nil
}

// Load reads back a snapshot previously saved, by its store-relative path.
func (s *Store) Load(relPath string) (string, error) {
	b, err := os.ReadFile(filepath.Join(s.root, relPath))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Latest returns the store-relative path of the most recent capture of a
// URL, or "" when the URL was never captured.
func (s *Store) Latest(ctx context.Context, customerID, domain, url string) (string, error) {
	custDir := filepath.Join(s.root, customerID)
	cidx, err := loadCustomerIndex(custDir)
	if err != nil {
		return "", err
	}
	folderID, ok := cidx.Sites[domain]
	if !ok {
		return "", nil
	}

	siteDir := filepath.Join(custDir, fmt.Sprintf("%d", folderID))
	idx, err := loadSiteIndex(siteDir)
	if err != nil {
		return "", err
	}
	entry, ok := idx.Pages[url]
	if !ok {
		return "", nil
	}
	return filepath.Join(customerID, fmt.Sprintf("%d", folderID), entry.File), nil
}

// ensureSiteFolder maps domain to its numeric folder id, assigning the
// next free id on first sight. The customer-level index is lock-protected
// the same way site folders are.
func (s *Store) ensureSiteFolder(ctx context.Context, custDir, domain string) (int, error) {
	m := s.folderMutex(custDir)
	m.Lock()
	defer m.Unlock()

	lockCtx, cancel := context.WithTimeout(ctx, lockAcquireTime)
	defer cancel()
	lock, err := acquireLock(lockCtx, custDir)
	if err != nil {
		return 0, err
	}
	defer lock.release()

	idx, err := loadCustomerIndex(custDir)
	if err != nil {
		return 0, err
	}
	if id, ok := idx.Sites[domain]; ok {
		return id, nil
	}
	id := idx.NextID
	idx.NextID++
	idx.Sites[domain] = id
	if err := writeIndex(custDir, idx); err != nil {
		return 0, err
	}
	return id, nil
}

func loadCustomerIndex(dir string) (*customerIndex, error) {
	idx := &customerIndex{NextID: 1, Sites: make(map[string]int)}
	if err := readIndex(dir, idx); err != nil {
		return nil, err
	}
	if idx.Sites == nil {
		idx.Sites = make(map[string]int)
	}
	if idx.NextID < 1 {
		idx.NextID = 1
	}
	return idx, nil
}

func loadSiteIndex(dir string) (*siteIndex, error) {
	idx := &siteIndex{NextPage: 1, Pages: make(map[string]pageEntry)}
	if err := readIndex(dir, idx); err != nil {
		return nil, err
	}
	if idx.Pages == nil {
		idx.Pages = make(map[string]pageEntry)
	}
	if idx.NextPage < 1 {
		idx.NextPage = 1
	}
	return idx, nil
}

func readIndex(dir string, v any) error {
	b, err := os.ReadFile(filepath.Join(dir, indexFile))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s index: %w", dir, err)
	}
	return json.Unmarshal(b, v)
}

// writeIndex replaces index.json atomically so a crash mid-write never
// corrupts the counters.
func writeIndex(dir string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(dir, indexFile+".tmp")
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	return os.Rename(tmp, filepath.Join(dir, indexFile))
}
