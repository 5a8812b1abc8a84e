package ledger

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	flagRefAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	// FlagRefLength is the fixed length of a flag reference: HHMM plus three
	// random characters.
	FlagRefLength = 7
)

type StoreConfig struct {
	// IDs defaults to an Allocator with DefaultPrefix.
	IDs IDSource
	// Clock defaults to time.Now. Stored timestamps are UTC, whole seconds.
	Clock func() time.Time
	// Rand returns a number in [0, n). Defaults to math/rand/v2.
	Rand    func(n int) int
	Logger  *zerolog.Logger
	Metrics *Metrics
}

// Store is the authoritative in-memory record collection. Mutations are
// serialized; reads run concurrently with each other but never with a
// mutation.
type Store struct {
	mu      sync.RWMutex
	records []Record
	index   map[string]int
	history []AuditEntry
	// gen counts mutations; savedGen is the gen last loaded or saved.
	gen      uint64
	savedGen uint64

	ids     IDSource
	clock   func() time.Time
	randn   func(int) int
	log     zerolog.Logger
	metrics *Metrics
}

func NewStore(cfg StoreConfig) *Store {
	s := &Store{
		index:   make(map[string]int),
		ids:     cfg.IDs,
		clock:   cfg.Clock,
		randn:   cfg.Rand,
		log:     zerolog.Nop(),
		metrics: cfg.Metrics,
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	if s.ids == nil {
		s.ids = NewAllocator(DefaultPrefix(s.clock()))
	}
	if s.randn == nil {
		s.randn = rand.Intn
	}
	if cfg.Logger != nil {
		s.log = cfg.Logger.With().Str("component", "store").Logger()
	}
	return s
}

func (s *Store) now() time.Time {
	return s.clock().UTC().Truncate(time.Second)
}

func checkActor(actor string) (string, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return "", ErrInvalidActor
	}
	return actor, nil
}

// lookupLocked returns the position of id. activeOnly treats soft-deleted
// records as absent.
func (s *Store) lookupLocked(id string, activeOnly bool) (int, error) {
	i, ok := s.index[id]
	if !ok || (activeOnly && s.records[i].Deleted) {
		return 0, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	return i, nil
}

func (s *Store) appendLocked(recordID, actor string, action Action, details string, at time.Time) {
	s.gen++
	s.history = append(s.history, AuditEntry{
		ID:        uuid.NewString(),
		RecordID:  recordID,
		Timestamp: at,
		Actor:     actor,
		Action:    action,
		Details:   details,
	})
	s.metrics.mutation(action)
	s.log.Info().Str("id", recordID).Str("actor", actor).Str("action", string(action)).Str("details", details).Msg("audit")
}

// Create appends a new open record and returns its id.
// Answered and Resolved in f are ignored: new calls always start open.
func (s *Store) Create(f Fields, actor string) (string, error) {
	actor, err := checkActor(actor)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.ids.NextID()
	if err != nil {
		return "", err
	}
	if _, dup := s.index[id]; dup {
		return "", fmt.Errorf("%w: id %s already in use", ErrInvalidState, id)
	}

	now := s.now()
	rec := Record{
		ID:          id,
		UID:         uuid.NewString(),
		CreatedAt:   now,
		CreatedBy:   actor,
		Medium:      f.Medium,
		Source:      f.Source,
		Caller:      f.Caller,
		Location:    f.Location,
		Code:        f.Code,
		Description: f.Description,
	}
	s.index[id] = len(s.records)
	s.records = append(s.records, rec)
	s.appendLocked(id, actor, ActionCreated, "", now)
	return id, nil
}

// Update replaces the operator-editable fields of an active record and logs
// what changed. The answered and resolved states follow the transition rules
// in applyResolution.
func (s *Store) Update(id string, f Fields, actor string) error {
	actor, err := checkActor(actor)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	i, err := s.lookupLocked(id, true)
	if err != nil {
		return err
	}
	before := s.records[i]
	after := before.clone()
	after.Medium = f.Medium
	after.Source = f.Source
	after.Caller = f.Caller
	after.Location = f.Location
	after.Code = f.Code
	after.Description = f.Description

	now := s.now()
	if err := applyAnswered(&after, before, f, now); err != nil {
		return err
	}
	lines := Diff(before, after, DefaultTrackedFields)

	newlyResolved, line, err := applyResolution(&after, before, f, now)
	if err != nil {
		return err
	}
	if line != "" {
		lines = append(lines, line)
	}

	after.ModifiedBy = actor
	s.records[i] = after

	if newlyResolved {
		s.appendLocked(id, actor, ActionResolved, "Resolved by: "+after.Resolved.By, now)
	}
	if len(lines) > 0 {
		s.appendLocked(id, actor, ActionModified, joinDetails(lines), now)
	}
	return nil
}

func applyAnswered(after *Record, before Record, f Fields, now time.Time) error {
	by := strings.TrimSpace(f.AnsweredBy)
	switch {
	case f.Answered && by == "":
		return fmt.Errorf("%w: answered_by is required when answered", ErrInvalidState)
	case f.Answered && !before.Answered.Status:
		after.Answered = Resolution{Status: true, At: &now, By: by}
	case f.Answered:
		after.Answered.By = by
	default:
		after.Answered = Resolution{}
	}
	return nil
}

// applyResolution implements, in priority order: a newly resolved record is
// stamped and reported separately; an un-resolved record is cleared; a
// still-resolved record may change resolver. It returns whether the record
// was newly resolved and the diff line to log, if any.
func applyResolution(after *Record, before Record, f Fields, now time.Time) (bool, string, error) {
	by := strings.TrimSpace(f.ResolvedBy)
	if f.Resolved && by == "" {
		return false, "", fmt.Errorf("%w: resolved_by is required when resolved", ErrInvalidState)
	}
	switch {
	case f.Resolved && !before.Resolved.Status:
		after.Resolved = Resolution{Status: true, At: &now, By: by}
		return true, "", nil
	case !f.Resolved && before.Resolved.Status:
		after.Resolved = Resolution{}
		return false, changeLine("Status", "Resolved", "Un-resolved"), nil
	case f.Resolved && by != before.Resolved.By:
		after.Resolved.By = by
		return false, changeLine("ResolvedBy", before.Resolved.By, by), nil
	}
	return false, "", nil
}

// ToggleFlag flips the flag of a record. Setting it generates a new
// reference; clearing it drops the reference. Either way the audit entry
// names the reference that was set or removed.
func (s *Store) ToggleFlag(id, actor string) error {
	actor, err := checkActor(actor)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	i, err := s.lookupLocked(id, false)
	if err != nil {
		return err
	}
	now := s.now()
	rec := &s.records[i]
	action, ref := ActionUnflagged, rec.FlagReference
	rec.Flagged = !rec.Flagged
	rec.FlagReference = ""
	if rec.Flagged {
		action = ActionFlagged
		ref = s.flagReference(s.clock())
		rec.FlagReference = ref
	}
	rec.ModifiedBy = actor
	s.appendLocked(id, actor, action, "Reference: "+ref, now)
	return nil
}

// flagReference uses the wall-clock time of day of the operator's clock.
// It is not checked against existing references.
func (s *Store) flagReference(t time.Time) string {
	var b strings.Builder
	b.Grow(FlagRefLength)
	b.WriteString(t.Format("1504"))
	for b.Len() < FlagRefLength {
		b.WriteByte(flagRefAlphabet[s.randn(len(flagRefAlphabet))])
	}
	return b.String()
}

func (s *Store) SoftDelete(id, actor string) error {
	return s.setDeleted(id, actor, true)
}

func (s *Store) Restore(id, actor string) error {
	return s.setDeleted(id, actor, false)
}

func (s *Store) setDeleted(id, actor string, deleted bool) error {
	actor, err := checkActor(actor)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	i, err := s.lookupLocked(id, false)
	if err != nil {
		return err
	}
	rec := &s.records[i]
	if rec.Deleted == deleted {
		if deleted {
			return fmt.Errorf("%w: %s is already deleted", ErrInvalidState, id)
		}
		return fmt.Errorf("%w: %s is not deleted", ErrInvalidState, id)
	}
	rec.Deleted = deleted
	rec.ModifiedBy = actor
	action := ActionRestored
	if deleted {
		action = ActionDeleted
	}
	s.appendLocked(id, actor, action, "", s.now())
	return nil
}

// Counter returns the sequence number the next created record will get.
func (s *Store) Counter() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ids.Counter()
}

// Snapshot returns a deep copy of the store's state.
func (s *Store) Snapshot() *Snapshot {
	snap, _ := s.SnapshotGen()
	return snap
}

// SnapshotGen is Snapshot plus the mutation generation it reflects. Pass the
// generation to MarkSaved once the snapshot is persisted.
func (s *Store) SnapshotGen() (*Snapshot, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked(), s.gen
}

// Dirty reports whether the store holds mutations that have not been saved
// since the last Import or MarkSaved.
func (s *Store) Dirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gen != s.savedGen
}

// MarkSaved records that every mutation up to gen is persisted. Mutations
// made after that snapshot keep the store dirty.
func (s *Store) MarkSaved(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen > s.savedGen {
		s.savedGen = gen
	}
}

func (s *Store) snapshotLocked() *Snapshot {
	snap := &Snapshot{
		Counter: s.ids.Counter(),
		Records: make([]Record, len(s.records)),
		History: make([]AuditEntry, len(s.history)),
	}
	if a, ok := s.ids.(interface{ Prefix() string }); ok {
		snap.Prefix = a.Prefix()
	}
	for i, r := range s.records {
		snap.Records[i] = r.clone()
	}
	copy(snap.History, s.history)
	return snap
}

func (s *Store) replaceLocked(snap *Snapshot) {
	s.records = make([]Record, len(snap.Records))
	s.index = make(map[string]int, len(snap.Records))
	for i, r := range snap.Records {
		s.records[i] = r.clone()
		s.index[r.ID] = i
	}
	s.history = make([]AuditEntry, len(snap.History))
	copy(s.history, snap.History)
}

// Import replaces the store's content with snap and recomputes the counter
// from its ids. Used after Load. The store is clean afterwards.
func (s *Store) Import(snap *Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.importLocked(snap)
}

// ImportIfClean is Import, unless the store has unsaved mutations, in which
// case nothing changes and it returns false.
func (s *Store) ImportIfClean(snap *Snapshot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != s.savedGen {
		return false
	}
	s.importLocked(snap)
	return true
}

func (s *Store) importLocked(snap *Snapshot) {
	s.replaceLocked(snap)
	s.ids.Recompute(snap.ids())
	s.savedGen = s.gen
}

// Adopt merges a persisted snapshot returned by Backend.Save into the live
// store. Mutations made since the snapshot that was saved are kept. It
// returns the ids that had to change, old to new.
func (s *Store) Adopt(persisted *Snapshot) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	live := s.snapshotLocked()
	s.ids.Observe(append(live.ids(), persisted.ids()...))
	merged, stats, err := reconcile(live, persisted, s.ids.NextID)
	if err != nil {
		return nil, err
	}
	s.replaceLocked(merged)
	s.ids.Observe(merged.ids())
	for old, id := range stats.renamed {
		s.log.Warn().Str("old_id", old).Str("id", id).Msg("record re-keyed after concurrent create")
	}
	return stats.renamed, nil
}
