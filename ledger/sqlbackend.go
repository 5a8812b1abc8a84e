package ledger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

const sqlBatchSize = 200

// callColumns are overwritten when a record is saved again. seq and
// report_id never change once assigned.
var callColumns = []string{
	"uid", "provisional", "opened_at", "created_by", "modified_by",
	"medium", "source", "caller", "location", "code", "description",
	"answered", "answered_at", "answered_by",
	"resolved", "resolved_at", "resolved_by",
	"flagged", "flag_reference", "deleted",
}

// OpenDB opens (creating if needed) the SQLite database at path and migrates
// the calls and call_history tables.
func OpenDB(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// One writer connection; SQLite serializes writers anyway and this
	// avoids SQLITE_BUSY between pooled connections.
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&callRow{}, &historyRow{}); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return db, nil
}

type SQLBackendConfig struct {
	Path    string
	Prefix  string
	Logger  *zerolog.Logger
	Metrics *Metrics
}

// SQLBackend stores records and history in SQLite. Record ids are assigned
// transactionally by the database (see IDs), so no merge pass is needed:
// Save upserts the collection and returns the committed table contents.
type SQLBackend struct {
	db      *gorm.DB
	path    string
	ids     *sqlIDs
	log     zerolog.Logger
	metrics *Metrics
	mu      sync.Mutex
}

func NewSQLBackend(cfg SQLBackendConfig) (*SQLBackend, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("sql backend: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: create data dir: %w", ErrPersist, err)
	}
	db, err := OpenDB(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrPersist, cfg.Path, err)
	}
	b := &SQLBackend{
		db:      db,
		path:    cfg.Path,
		log:     zerolog.Nop(),
		metrics: cfg.Metrics,
	}
	if cfg.Logger != nil {
		b.log = cfg.Logger.With().Str("component", "sql_backend").Str("path", cfg.Path).Logger()
	}
	b.ids = &sqlIDs{db: db, alloc: NewAllocator(cfg.Prefix), log: b.log}
	return b, nil
}

func (b *SQLBackend) Name() string { return "sqlite" }

// IDs returns the transactional id source to hand to the Store.
func (b *SQLBackend) IDs() IDSource { return b.ids }

func (b *SQLBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	err = sqlDB.Close()
	b.db = nil
	return err
}

// Save writes every record and any history entries the database has not
// seen, in one transaction.
func (b *SQLBackend) Save(ctx context.Context, snap *Snapshot) (_ *Snapshot, err error) {
	start := time.Now()
	defer func() { b.metrics.save(b.Name(), start, err) }()

	b.mu.Lock()
	defer b.mu.Unlock()

	var out *Snapshot
	err = b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(snap.Records) > 0 {
			rows := make([]callRow, len(snap.Records))
			for i, r := range snap.Records {
				rows[i] = rowFromRecord(r)
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "report_id"}},
				DoUpdates: clause.AssignmentColumns(callColumns),
			}).CreateInBatches(&rows, sqlBatchSize).Error; err != nil {
				return fmt.Errorf("upsert calls: %w", err)
			}
		}
		if len(snap.History) > 0 {
			rows := make([]historyRow, len(snap.History))
			for i, e := range snap.History {
				rows[i] = rowFromEntry(e)
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "entry_id"}},
				DoNothing: true,
			}).CreateInBatches(&rows, sqlBatchSize).Error; err != nil {
				return fmt.Errorf("append history: %w", err)
			}
		}
		var err error
		out, err = b.loadTx(tx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersist, err)
	}
	out.Prefix = snap.Prefix
	b.log.Debug().Int("records", len(out.Records)).Int("history", len(out.History)).Msg("saved")
	return out, nil
}

// Load returns ErrNotFound when the database holds no saved records and no
// history.
func (b *SQLBackend) Load(ctx context.Context) (_ *Snapshot, err error) {
	defer func() { b.metrics.load(b.Name(), err) }()

	b.mu.Lock()
	defer b.mu.Unlock()

	snap, err := b.loadTx(b.db.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersist, err)
	}
	if len(snap.Records) == 0 && len(snap.History) == 0 {
		return nil, fmt.Errorf("%w: %s has no records", ErrNotFound, b.path)
	}
	snap.Prefix = b.ids.alloc.Prefix()
	return snap, nil
}

func (b *SQLBackend) loadTx(tx *gorm.DB) (*Snapshot, error) {
	var rows []callRow
	if err := tx.Where("provisional = ?", false).Order("seq asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("select calls: %w", err)
	}
	var hist []historyRow
	if err := tx.Order("timestamp asc, id asc").Find(&hist).Error; err != nil {
		return nil, fmt.Errorf("select history: %w", err)
	}
	var maxSeq int
	if err := tx.Model(&callRow{}).Select("COALESCE(MAX(seq), 0)").Scan(&maxSeq).Error; err != nil {
		return nil, fmt.Errorf("max seq: %w", err)
	}

	snap := &Snapshot{
		Counter: maxSeq + 1,
		Records: make([]Record, len(rows)),
		History: make([]AuditEntry, len(hist)),
	}
	for i, r := range rows {
		snap.Records[i] = r.record()
	}
	for i, h := range hist {
		snap.History[i] = h.entry()
	}
	return snap, nil
}

// sqlIDs assigns ids with a two-step transaction: a provisional row is
// inserted to obtain the engine's sequence number, then its report_id is set
// to the formatted id. The row and the id come into existence together, and
// AUTOINCREMENT never hands a sequence number out twice.
type sqlIDs struct {
	db    *gorm.DB
	alloc *Allocator
	log   zerolog.Logger
}

func (s *sqlIDs) NextID() (string, error) {
	var id string
	var seq uint
	err := s.db.Transaction(func(tx *gorm.DB) error {
		row := callRow{Provisional: true, ReportID: fmt.Sprintf("pending-%d", time.Now().UnixNano())}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("insert provisional row: %w", err)
		}
		seq = row.Seq
		id = s.alloc.Format(int(seq))
		if err := tx.Model(&callRow{}).Where("seq = ?", seq).Update("report_id", id).Error; err != nil {
			return fmt.Errorf("assign report id: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrPersist, err)
	}
	s.alloc.advanceTo(int(seq) + 1)
	s.log.Debug().Str("id", id).Uint("seq", seq).Msg("id allocated")
	return id, nil
}

func (s *sqlIDs) Recompute(ids []string) int { return s.alloc.Observe(ids) }

func (s *sqlIDs) Observe(ids []string) int { return s.alloc.Observe(ids) }

func (s *sqlIDs) Counter() int { return s.alloc.Counter() }

func (s *sqlIDs) Prefix() string { return s.alloc.Prefix() }
