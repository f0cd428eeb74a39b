// Package index keeps the durable record of canonical titles already
// retrieved. Membership is satisfied by either a record in the
// append-only log or a matching output artifact on disk; both checks
// run under one coarse lock so check-then-decide is atomic for all
// workers.
package index

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aluiziolira/go-fetch-books/parser"
)

// recordSeparator splits the canonical title from its timestamp on each
// log line.
const recordSeparator = "::"

const artifactCacheSize = 512

// ErrLocked is returned by Open when another process holds the index.
var ErrLocked = errors.New("index: locked by another run")

// Index is the idempotency store consulted and updated by workers.
type Index interface {
	Contains(canonical string) (bool, error)
	Record(canonical string) error
	Reset() error
}

// FileIndex is a line-per-record file (`canonical::RFC3339`) plus an
// artifact-directory check, guarded by one mutex in-process and an
// advisory file lock across processes.
type FileIndex struct {
	mu sync.Mutex

	path        string
	artifactDir string

	file  *os.File
	known map[string]struct{}

	// artifacts caches positive artifact-scan hits; log membership is
	// already an in-memory map and needs no cache.
	artifacts *lru.Cache[string, struct{}]

	lock *flock.Flock
	now  func() time.Time
}

// Open loads (creating if needed) the index log at path. artifactDir is
// the directory the driven browser downloads into.
func Open(path, artifactDir string) (*FileIndex, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("index: acquire lock: %w", err)
	}
	if !locked {
		return nil, ErrLocked
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("index: open log: %w", err)
	}

	known, err := loadRecords(file)
	if err != nil {
		_ = file.Close()
		_ = lock.Unlock()
		return nil, err
	}

	cache, err := lru.New[string, struct{}](artifactCacheSize)
	if err != nil {
		_ = file.Close()
		_ = lock.Unlock()
		return nil, fmt.Errorf("index: init cache: %w", err)
	}

	return &FileIndex{
		path:        path,
		artifactDir: artifactDir,
		file:        file,
		known:       known,
		artifacts:   cache,
		lock:        lock,
		now:         time.Now,
	}, nil
}

// Contains reports whether canonical is already done: a log record or a
// matching artifact on disk each short-circuit a re-download.
func (ix *FileIndex) Contains(canonical string) (bool, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if _, ok := ix.known[canonical]; ok {
		return true, nil
	}
	if ix.artifacts.Contains(canonical) {
		return true, nil
	}
	return ix.scanArtifactsLocked(canonical)
}

// Record appends a `canonical::timestamp` line durably. Duplicate
// records are harmless; Record never rewrites prior entries.
func (ix *FileIndex) Record(canonical string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	line := canonical + recordSeparator + ix.now().UTC().Format(time.RFC3339) + "\n"
	if _, err := ix.file.WriteString(line); err != nil {
		return fmt.Errorf("index: append record for %q: %w", canonical, err)
	}
	if err := ix.file.Sync(); err != nil {
		return fmt.Errorf("index: sync log: %w", err)
	}

	ix.known[canonical] = struct{}{}
	return nil
}

// Reset truncates the log. Output artifacts are left alone, so the
// artifact-based check still applies afterwards.
func (ix *FileIndex) Reset() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if err := ix.file.Truncate(0); err != nil {
		return fmt.Errorf("index: truncate log: %w", err)
	}
	if _, err := ix.file.Seek(0, 0); err != nil {
		return fmt.Errorf("index: rewind log: %w", err)
	}
	ix.known = make(map[string]struct{})
	return nil
}

// Len reports how many distinct canonical titles the log holds.
func (ix *FileIndex) Len() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.known)
}

// Close releases the file handle and the cross-process lock.
func (ix *FileIndex) Close() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	err := ix.file.Close()
	if unlockErr := ix.lock.Unlock(); err == nil {
		err = unlockErr
	}
	return err
}

func (ix *FileIndex) scanArtifactsLocked(canonical string) (bool, error) {
	entries, err := os.ReadDir(ix.artifactDir)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("index: scan artifacts: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if parser.ArtifactKey(entry.Name()) == canonical {
			ix.artifacts.Add(canonical, struct{}{})
			return true, nil
		}
	}
	return false, nil
}

func loadRecords(file *os.File) (map[string]struct{}, error) {
	known := make(map[string]struct{})

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, recordSeparator, 2)
		if parts[0] == "" {
			continue
		}
		known[parts[0]] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("index: read log: %w", err)
	}
	return known, nil
}

func ensureDir(filename string) error {
	dir := filepath.Dir(filename)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return nil
}
