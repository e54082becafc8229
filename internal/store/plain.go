package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

func init() {
	Register("plain", func() Driver { return &plainStore{} })
}

// plainStore keeps one file per object under obj/. Stale objects are
// quarantined into a per-epoch directory rather than removed, so an
// operator can inspect what a rejoining node carried.
type plainStore struct {
	base string
}

func (s *plainStore) Name() string {
	return "plain"
}

func (s *plainStore) Init(path string) error {
	s.base = path
	if err := os.MkdirAll(s.objDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create object directory: %w", err)
	}
	return nil
}

func (s *plainStore) objDir() string {
	return filepath.Join(s.base, "obj")
}

func (s *plainStore) staleDir(epoch uint32) string {
	return filepath.Join(s.base, ".stale", fmt.Sprintf("%08x", epoch))
}

func (s *plainStore) PurgeStaleObjects(epoch uint32) error {
	dst := s.staleDir(epoch)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return fmt.Errorf("failed to create stale directory: %w", err)
	}

	entries, err := os.ReadDir(s.objDir())
	if err != nil {
		return fmt.Errorf("failed to scan object directory: %w", err)
	}
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		from := filepath.Join(s.objDir(), ent.Name())
		to := filepath.Join(dst, ent.Name())
		if err := os.Rename(from, to); err != nil {
			return fmt.Errorf("failed to quarantine %s: %w", ent.Name(), err)
		}
	}
	return nil
}

func (s *plainStore) ListObjects() ([]uint64, error) {
	entries, err := os.ReadDir(s.objDir())
	if err != nil {
		return nil, fmt.Errorf("failed to scan object directory: %w", err)
	}
	oids := make([]uint64, 0, len(entries))
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		oid, err := strconv.ParseUint(ent.Name(), 16, 64)
		if err != nil {
			continue
		}
		oids = append(oids, oid)
	}
	return oids, nil
}
