package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Options carries the collaborators that are not part of the YAML config.
// All fields are optional.
type Options struct {
	Logger     *zerolog.Logger
	Registerer prometheus.Registerer
	Clock      func() time.Time
	Rand       func(n int) int
}

// Ledger owns one Store and one Backend and sequences mutations and
// persistence between them.
type Ledger struct {
	cfg     Config
	store   *Store
	backend Backend
	log     zerolog.Logger
	metrics *Metrics
}

// Open builds the backend named by cfg and an empty store. Call Load to read
// persisted state.
func Open(cfg Config, opts Options) (*Ledger, error) {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	cfg = cfg.withDefaults(clock())
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	log := NewLogger(os.Stderr, cfg.Debug)
	if opts.Logger != nil {
		log = *opts.Logger
	}
	metrics := NewMetrics(opts.Registerer)

	l := &Ledger{
		cfg:     cfg,
		log:     log.With().Str("component", "ledger").Str("backend", cfg.Backend).Logger(),
		metrics: metrics,
	}

	var ids IDSource
	switch cfg.Backend {
	case BackendSQLite:
		b, err := NewSQLBackend(SQLBackendConfig{
			Path:    cfg.Database.Path,
			Prefix:  cfg.IDPrefix,
			Logger:  &log,
			Metrics: metrics,
		})
		if err != nil {
			return nil, err
		}
		l.backend = b
		ids = b.IDs()
	default:
		b, err := NewFileBackend(FileBackendConfig{
			Path:        cfg.File.Path,
			LockTimeout: cfg.File.LockTimeout,
			LockRetry:   cfg.File.LockRetry,
			Logger:      &log,
			Metrics:     metrics,
		})
		if err != nil {
			return nil, err
		}
		l.backend = b
		ids = NewAllocator(cfg.IDPrefix)
	}

	l.store = NewStore(StoreConfig{
		IDs:     ids,
		Clock:   clock,
		Rand:    opts.Rand,
		Logger:  &log,
		Metrics: metrics,
	})
	l.debugf("opened backend=%s prefix=%s", cfg.Backend, cfg.IDPrefix)
	return l, nil
}

func (l *Ledger) debugf(format string, args ...any) {
	if l == nil || !l.cfg.Debug {
		return
	}
	l.log.Debug().Msgf(format, args...)
}

func (l *Ledger) Config() Config { return l.cfg }

func (l *Ledger) canonical(f Fields) Fields {
	f.Code = CanonicalCode(f.Code, l.cfg.Codes)
	return f
}

func (l *Ledger) CreateRecord(f Fields, actor string) (string, error) {
	return l.store.Create(l.canonical(f), actor)
}

func (l *Ledger) UpdateRecord(id string, f Fields, actor string) error {
	return l.store.Update(id, l.canonical(f), actor)
}

func (l *Ledger) ToggleFlag(id, actor string) error {
	return l.store.ToggleFlag(id, actor)
}

func (l *Ledger) SoftDelete(id, actor string) error {
	return l.store.SoftDelete(id, actor)
}

func (l *Ledger) Restore(id, actor string) error {
	return l.store.Restore(id, actor)
}

func (l *Ledger) Get(id string) (Record, error) {
	return l.store.Get(id)
}

func (l *Ledger) GetByUID(uid string) (Record, error) {
	return l.store.GetByUID(uid)
}

func (l *Ledger) List(sortField, direction string) []Record {
	return l.store.List(sortField, direction)
}

func (l *Ledger) History(id string) []AuditEntry {
	return l.store.History(id)
}

// Save persists the current store. On success the persisted state, which may
// include records written by other processes, is merged back into memory.
// On failure memory is left as it was.
func (l *Ledger) Save(ctx context.Context) error {
	snap, gen := l.store.SnapshotGen()
	persisted, err := l.backend.Save(ctx, snap)
	if err != nil {
		l.log.Error().Err(err).Msg("save failed")
		return err
	}
	renamed, err := l.store.Adopt(persisted)
	if err != nil {
		return fmt.Errorf("%w: adopt saved state: %w", ErrPersist, err)
	}
	l.store.MarkSaved(gen)
	l.debugf("saved records=%d renamed=%d counter=%d", len(persisted.Records), len(renamed), l.store.Counter())
	return nil
}

// Load replaces memory with the persisted state. A missing data file or an
// empty database is an empty ledger, not an error.
func (l *Ledger) Load(ctx context.Context) error {
	snap, err := l.read(ctx)
	if err != nil {
		return err
	}
	l.store.Import(snap)
	l.debugf("loaded records=%d history=%d counter=%d", len(snap.Records), len(snap.History), l.store.Counter())
	return nil
}

// Refresh reloads the persisted state unless memory holds unsaved
// mutations. It reports whether memory was replaced.
func (l *Ledger) Refresh(ctx context.Context) (bool, error) {
	if l.store.Dirty() {
		return false, nil
	}
	snap, err := l.read(ctx)
	if err != nil {
		return false, err
	}
	ok := l.store.ImportIfClean(snap)
	l.debugf("refresh records=%d applied=%t", len(snap.Records), ok)
	return ok, nil
}

// Dirty reports whether there are mutations Save has not persisted yet.
func (l *Ledger) Dirty() bool { return l.store.Dirty() }

func (l *Ledger) read(ctx context.Context) (*Snapshot, error) {
	snap, err := l.backend.Load(ctx)
	if errors.Is(err, ErrNotFound) {
		l.log.Info().Msg("no saved data; starting empty")
		return &Snapshot{}, nil
	}
	if err != nil {
		l.log.Error().Err(err).Msg("load failed")
		return nil, err
	}
	return snap, nil
}

// Export writes every record as CSV in the requested order.
func (l *Ledger) Export(w io.Writer, sortField, direction string) error {
	recs := l.store.List(sortField, direction)
	l.debugf("export records=%d columns=v%d", len(recs), ExportVersion)
	return WriteCSV(w, recs)
}

// Autosave runs every interval until ctx is done. A tick saves when memory
// holds unsaved mutations and otherwise refreshes from the backend, so edits
// saved by other processes are picked up instead of overwritten. Unsaved
// mutations are saved once more on the way out. Failures are logged and
// retried on the next tick.
func (l *Ledger) Autosave(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = l.cfg.AutosaveInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			if !l.store.Dirty() {
				return nil
			}
			final, cancel := context.WithTimeout(context.Background(), l.cfg.File.LockTimeout)
			defer cancel()
			return l.Save(final)
		case <-t.C:
			var err error
			if l.store.Dirty() {
				err = l.Save(ctx)
			} else {
				_, err = l.Refresh(ctx)
			}
			if err != nil && ctx.Err() == nil {
				l.log.Warn().Err(err).Msg("autosave failed; will retry")
			}
		}
	}
}

func (l *Ledger) Close() error {
	if l == nil || l.backend == nil {
		return nil
	}
	return l.backend.Close()
}
