package media

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	. "github.com/clawdis/clawdis/internal/logging"
)

// Store manages the inbound/outbound media cache directory with a TTL
// sweep for stale files.
type Store struct {
	dir string
	ttl time.Duration

	stop chan struct{}
}

// NewStore creates (and sweeps) a media cache rooted at dir.
func NewStore(dir string, ttl time.Duration) (*Store, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create media dir: %w", err)
	}
	s := &Store{
		dir:  dir,
		ttl:  ttl,
		stop: make(chan struct{}),
	}
	if ttl > 0 {
		go s.sweepLoop()
	}
	return s, nil
}

// BaseDir returns the cache root.
func (s *Store) BaseDir() string { return s.dir }

// Put writes data into a subdirectory of the cache and returns its path.
func (s *Store) Put(subdir, name string, data []byte) (string, error) {
	dir := filepath.Join(s.dir, subdir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("failed to create media subdir: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("failed to write media file: %w", err)
	}
	return path, nil
}

// Resolve turns a cache-relative reference into an absolute path, refusing
// traversal outside the cache.
func (s *Store) Resolve(ref string) (string, error) {
	cleaned := filepath.Clean(ref)
	if filepath.IsAbs(cleaned) {
		return cleaned, nil
	}
	abs := filepath.Join(s.dir, cleaned)
	rel, err := filepath.Rel(s.dir, abs)
	if err != nil || rel == ".." || len(rel) >= 3 && rel[:3] == ".."+string(filepath.Separator) {
		return "", fmt.Errorf("media path escapes cache: %s", ref)
	}
	return abs, nil
}

// Close stops the TTL sweeper.
func (s *Store) Close() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
}

func (s *Store) sweepLoop() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Store) sweep() {
	cutoff := time.Now().Add(-s.ttl)
	removed := 0

	_ = filepath.Walk(s.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err == nil {
				removed++
			}
		}
		return nil
	})

	if removed > 0 {
		L_debug("media: swept stale cache files", "removed", removed)
	}
}
