package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
)

const fileFormatVersion = 1

type fileDocument struct {
	Version int          `json:"version"`
	Prefix  string       `json:"prefix"`
	Counter int          `json:"counter"`
	Records []Record     `json:"records"`
	History []AuditEntry `json:"history"`
}

type FileBackendConfig struct {
	Path string
	// LockTimeout bounds the wait for the sidecar lock. Default 10s.
	LockTimeout time.Duration
	// LockRetry is the polling interval while waiting. Default 50ms.
	LockRetry time.Duration
	Logger    *zerolog.Logger
	Metrics   *Metrics
}

// FileBackend keeps the whole ledger in one JSON file that several processes
// may share. Access is coordinated through an advisory lock on <path>.lock.
// Before writing, Save merges whatever another process wrote since: records
// it does not know are adopted, records it knows are overwritten with the
// in-memory copy. Concurrent edits to the same record are last-writer-wins.
type FileBackend struct {
	cfg     FileBackendConfig
	lock    *flock.Flock
	log     zerolog.Logger
	metrics *Metrics

	mu       sync.Mutex
	lastHash string
}

func NewFileBackend(cfg FileBackendConfig) (*FileBackend, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("file backend: path is required")
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 10 * time.Second
	}
	if cfg.LockRetry <= 0 {
		cfg.LockRetry = 50 * time.Millisecond
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: create data dir: %w", ErrPersist, err)
	}
	b := &FileBackend{
		cfg:     cfg,
		lock:    flock.New(cfg.Path + ".lock"),
		log:     zerolog.Nop(),
		metrics: cfg.Metrics,
	}
	if cfg.Logger != nil {
		b.log = cfg.Logger.With().Str("component", "file_backend").Str("path", cfg.Path).Logger()
	}
	return b, nil
}

func (b *FileBackend) Name() string { return "file" }

func (b *FileBackend) Path() string { return b.cfg.Path }

func (b *FileBackend) acquire(ctx context.Context, exclusive bool) error {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.LockTimeout)
	defer cancel()

	var ok bool
	var err error
	if exclusive {
		ok, err = b.lock.TryLockContext(ctx, b.cfg.LockRetry)
	} else {
		ok, err = b.lock.TryRLockContext(ctx, b.cfg.LockRetry)
	}
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: lock %s: %w", ErrPersist, b.lock.Path(), err)
	}
	if !ok {
		b.metrics.lockTimeout()
		b.log.Warn().Dur("timeout", b.cfg.LockTimeout).Msg("lock not acquired")
		return fmt.Errorf("%w: %s not acquired within %s", ErrLockTimeout, b.lock.Path(), b.cfg.LockTimeout)
	}
	return nil
}

func (b *FileBackend) release() {
	if err := b.lock.Unlock(); err != nil {
		b.log.Error().Err(err).Msg("unlock")
	}
}

func (b *FileBackend) read() (*Snapshot, []byte, error) {
	raw, err := os.ReadFile(b.cfg.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, b.cfg.Path)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read %s: %w", ErrPersist, b.cfg.Path, err)
	}
	var doc fileDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, nil, fmt.Errorf("%w: decode %s: %w", ErrPersist, b.cfg.Path, err)
	}
	if doc.Version > fileFormatVersion {
		return nil, nil, fmt.Errorf("%w: %s has unsupported format version %d", ErrPersist, b.cfg.Path, doc.Version)
	}
	return &Snapshot{
		Prefix:  doc.Prefix,
		Counter: doc.Counter,
		Records: doc.Records,
		History: doc.History,
	}, raw, nil
}

// Save merges snap with the file's current content and writes the result.
// The context only bounds the lock wait; once the lock is held the write
// runs to completion or fails.
func (b *FileBackend) Save(ctx context.Context, snap *Snapshot) (_ *Snapshot, err error) {
	start := time.Now()
	defer func() { b.metrics.save(b.Name(), start, err) }()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.acquire(ctx, true); err != nil {
		return nil, err
	}
	defer b.release()

	disk, raw, err := b.read()
	switch {
	case errors.Is(err, ErrNotFound):
		disk = &Snapshot{Prefix: snap.Prefix}
	case err != nil:
		return nil, err
	}
	if raw != nil && HashContent(raw) != b.lastHash {
		b.log.Debug().Int("records_on_disk", len(disk.Records)).Msg("data file changed since last access; reconciling")
	}

	prefix := snap.Prefix
	if prefix == "" {
		prefix = disk.Prefix
	}
	alloc := NewAllocator(prefix)
	alloc.Observe(append(snap.ids(), disk.ids()...))
	alloc.advanceTo(max(snap.Counter, disk.Counter))

	merged, stats, err := reconcile(snap, disk, alloc.NextID)
	if err != nil {
		return nil, fmt.Errorf("%w: reconcile: %w", ErrPersist, err)
	}
	merged.Prefix = prefix
	merged.Counter = alloc.Counter()
	b.metrics.adopted(stats.adopted)
	b.metrics.reassigned(len(stats.renamed))
	if stats.adopted > 0 || len(stats.renamed) > 0 {
		b.log.Info().Int("adopted", stats.adopted).Int("reassigned", len(stats.renamed)).Msg("merged records written by another process")
	}

	data, err := json.MarshalIndent(fileDocument{
		Version: fileFormatVersion,
		Prefix:  merged.Prefix,
		Counter: merged.Counter,
		Records: merged.Records,
		History: merged.History,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("%w: encode: %w", ErrPersist, err)
	}
	if err := WriteFileAtomic(b.cfg.Path, data, 0o644); err != nil {
		return nil, fmt.Errorf("%w: write %s: %w", ErrPersist, b.cfg.Path, err)
	}
	b.lastHash = HashContent(data)
	b.log.Debug().Int("records", len(merged.Records)).Int("counter", merged.Counter).Msg("saved")
	return merged, nil
}

// Load reads the file under a shared lock.
func (b *FileBackend) Load(ctx context.Context) (_ *Snapshot, err error) {
	defer func() { b.metrics.load(b.Name(), err) }()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.acquire(ctx, false); err != nil {
		return nil, err
	}
	defer b.release()

	snap, raw, err := b.read()
	if err != nil {
		return nil, err
	}
	b.lastHash = HashContent(raw)
	return snap, nil
}

func (b *FileBackend) Close() error {
	return b.lock.Close()
}
