// Package epochlog persists the membership committed at every epoch
// transition. Records are immutable once written; recovery and join
// admission rely on reading back the exact membership of any prior
// epoch.
package epochlog

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sbcm-osx/sheepdog/internal/model"
	"go.uber.org/zap"
)

const ctimeFile = "ctime"

// Log is the durable append-only epoch record
type Log struct {
	dir    string
	logger *zap.Logger

	mu     sync.Mutex
	latest uint32
}

// Open opens or creates an epoch log rooted at dir and caches the
// highest committed epoch
func Open(dir string, logger *zap.Logger) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create epoch directory: %w", err)
	}

	l := &Log{dir: dir, logger: logger}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to scan epoch directory: %w", err)
	}
	for _, ent := range entries {
		// epoch records are exactly eight hex digits
		if len(ent.Name()) != 8 {
			continue
		}
		var epoch uint32
		if _, err := fmt.Sscanf(ent.Name(), "%08x", &epoch); err != nil {
			continue
		}
		if epoch > l.latest {
			l.latest = epoch
		}
	}

	logger.Info("Epoch log opened",
		zap.String("dir", dir),
		zap.Uint32("latest_epoch", l.latest))
	return l, nil
}

func (l *Log) path(epoch uint32) string {
	return filepath.Join(l.dir, fmt.Sprintf("%08x", epoch))
}

// Append durably records the sorted membership committed at epoch.
// Appending the same (epoch, nodes) tuple twice is a no-op; appending a
// different membership for an existing epoch is an error.
func (l *Log) Append(epoch uint32, nodes []model.Node) error {
	if epoch == 0 {
		return fmt.Errorf("cannot append epoch 0")
	}

	sorted := model.CopyNodes(nodes)
	model.SortNodes(sorted)
	data := model.MarshalNodes(sorted)

	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, err := os.ReadFile(l.path(epoch)); err == nil {
		if bytes.Equal(existing, data) {
			return nil
		}
		return fmt.Errorf("epoch %d already committed with a different membership", epoch)
	}

	tmp := l.path(epoch) + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create epoch record: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write epoch record: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync epoch record: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close epoch record: %w", err)
	}
	if err := os.Rename(tmp, l.path(epoch)); err != nil {
		return fmt.Errorf("failed to commit epoch record: %w", err)
	}

	if epoch > l.latest {
		l.latest = epoch
	}

	l.logger.Info("Epoch committed",
		zap.Uint32("epoch", epoch),
		zap.Int("nr_nodes", len(sorted)))
	return nil
}

// Read returns the membership committed at epoch, nil if no record
// exists
func (l *Log) Read(epoch uint32) ([]model.Node, error) {
	data, err := os.ReadFile(l.path(epoch))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read epoch %d: %w", epoch, err)
	}
	if len(data)%model.NodeBinarySize != 0 {
		return nil, fmt.Errorf("corrupt epoch record %d: %d bytes", epoch, len(data))
	}
	return model.UnmarshalNodes(data, len(data)/model.NodeBinarySize)
}

// Latest returns the highest committed epoch, 0 if none
func (l *Log) Latest() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.latest
}

// NrNodesAt returns the membership size committed at epoch, 0 if no
// record exists
func (l *Log) NrNodesAt(epoch uint32) int {
	nodes, err := l.Read(epoch)
	if err != nil {
		return 0
	}
	return len(nodes)
}

// Ctime returns the cluster creation time, 0 if the cluster was never
// formatted
func (l *Log) Ctime() (uint64, error) {
	data, err := os.ReadFile(filepath.Join(l.dir, ctimeFile))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read cluster ctime: %w", err)
	}
	if len(data) != 8 {
		return 0, fmt.Errorf("corrupt ctime record: %d bytes", len(data))
	}
	return binary.BigEndian.Uint64(data), nil
}

// SetCtime durably records the cluster creation time at format
func (l *Log) SetCtime(ctime uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], ctime)
	tmp := filepath.Join(l.dir, ctimeFile+".tmp")
	if err := os.WriteFile(tmp, buf[:], 0o644); err != nil {
		return fmt.Errorf("failed to write cluster ctime: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(l.dir, ctimeFile)); err != nil {
		return fmt.Errorf("failed to commit cluster ctime: %w", err)
	}
	return nil
}
