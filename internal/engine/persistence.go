package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/celerix-dev/samsub-registry/pkg/schema"
)

// SnapshotFile is the name of the JSON state file inside the data directory.
const SnapshotFile = "registry.json"

// FileBackend keeps the registry state in a single JSON file.
// Every write rewrites the whole snapshot atomically.
type FileBackend struct {
	DataDir string

	mu     sync.Mutex // Protects the cached snapshot and the file
	loaded bool
	snap   Snapshot
	index  map[string]int
}

// NewFileBackend initializes a file backend rooted at dir.
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &FileBackend{DataDir: dir}, nil
}

func (p *FileBackend) path() string {
	return filepath.Join(p.DataDir, SnapshotFile)
}

// Load reads the snapshot file. A missing file is an empty registry; an
// unreadable one is an error so ownership is never silently reset.
func (p *FileBackend) Load(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureLoaded(); err != nil {
		return Snapshot{}, err
	}
	out := Snapshot{
		OwnerID: p.snap.OwnerID,
		Records: make([]schema.Record, len(p.snap.Records)),
	}
	copy(out.Records, p.snap.Records)
	return out, nil
}

// SaveOwner persists the owner id.
func (p *FileBackend) SaveOwner(ctx context.Context, ownerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureLoaded(); err != nil {
		return err
	}
	if p.snap.OwnerID != "" {
		return schema.ErrAlreadyInitialized
	}
	next := p.snap
	next.OwnerID = ownerID
	if err := p.write(next); err != nil {
		return err
	}
	p.snap = next
	return nil
}

// PutRecord upserts a record in place.
func (p *FileBackend) PutRecord(ctx context.Context, record schema.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureLoaded(); err != nil {
		return err
	}

	records := make([]schema.Record, len(p.snap.Records), len(p.snap.Records)+1)
	copy(records, p.snap.Records)
	pos, exists := p.index[record.SamsubID]
	if exists {
		records[pos] = record
	} else {
		pos = len(records)
		records = append(records, record)
	}

	next := Snapshot{OwnerID: p.snap.OwnerID, Records: records}
	if err := p.write(next); err != nil {
		return err
	}
	p.snap = next
	if !exists {
		p.index[record.SamsubID] = pos
	}
	return nil
}

// ensureLoaded must be called with p.mu held.
func (p *FileBackend) ensureLoaded() error {
	if p.loaded {
		return nil
	}

	var snap Snapshot
	content, err := os.ReadFile(p.path())
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return fmt.Errorf("read %s: %w", SnapshotFile, err)
	default:
		if err := json.Unmarshal(content, &snap); err != nil {
			return fmt.Errorf("unmarshal %s: %w", SnapshotFile, err)
		}
	}

	p.index = make(map[string]int, len(snap.Records))
	deduped := snap.Records[:0]
	for _, rec := range snap.Records {
		if pos, ok := p.index[rec.SamsubID]; ok {
			deduped[pos] = rec
			continue
		}
		p.index[rec.SamsubID] = len(deduped)
		deduped = append(deduped, rec)
	}
	snap.Records = deduped

	p.snap = snap
	p.loaded = true
	return nil
}

// write must be called with p.mu held.
func (p *FileBackend) write(snap Snapshot) error {
	if snap.Records == nil {
		snap.Records = []schema.Record{}
	}
	bytes, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	filePath := p.path()
	tempPath := filePath + ".tmp"
	if err := os.WriteFile(tempPath, bytes, 0644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}

	// Rename is atomic: a crash leaves either the old or the new file.
	if err := os.Rename(tempPath, filePath); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

var _ Backend = (*FileBackend)(nil)
