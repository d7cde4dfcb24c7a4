package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// FilePersister stores snapshots on the local filesystem. Writes go
// through a temp file and rename so a crash mid-write never leaves a
// truncated snapshot.
type FilePersister struct {
	path string
	log  *slog.Logger
}

// NewFilePersister creates a file persister, creating the parent
// directory if needed.
func NewFilePersister(path string, log *slog.Logger) (*FilePersister, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	return &FilePersister{path: path, log: log}, nil
}

// Load reads the snapshot; a missing file means no snapshot yet.
func (p *FilePersister) Load(ctx context.Context) ([]byte, error) {
	data, err := os.ReadFile(p.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	return data, nil
}

// Save atomically replaces the snapshot file.
func (p *FilePersister) Save(ctx context.Context, data []byte) error {
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}

	p.log.Debug("Persisted credential store snapshot",
		slog.String("path", p.path),
		slog.Int("size", len(data)))
	return nil
}

// Name identifies the backend in logs.
func (p *FilePersister) Name() string {
	return fmt.Sprintf("file://%s", p.path)
}
