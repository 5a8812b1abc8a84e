package ledger

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 5, 4, 9, 30, 15, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestStore(t *testing.T) (*Store, *testClock) {
	t.Helper()
	clock := newTestClock()
	s := NewStore(StoreConfig{
		IDs:   NewAllocator("DC26"),
		Clock: clock.Now,
		Rand:  func(int) int { return 0 },
	})
	return s, clock
}

func mustCreate(t *testing.T, s *Store, f Fields) string {
	t.Helper()
	id, err := s.Create(f, "op1")
	require.NoError(t, err)
	return id
}

func TestStore_CreateAssignsIncreasingIDs(t *testing.T) {
	s, _ := newTestStore(t)

	a := mustCreate(t, s, Fields{Caller: "A"})
	b := mustCreate(t, s, Fields{Caller: "B"})
	require.NoError(t, s.SoftDelete(b, "op1"))
	c := mustCreate(t, s, Fields{Caller: "C"})
	require.NoError(t, s.Restore(b, "op1"))
	d := mustCreate(t, s, Fields{Caller: "D"})

	assert.Equal(t, []string{"DC26-0001", "DC26-0002", "DC26-0003", "DC26-0004"}, []string{a, b, c, d})
	assert.Equal(t, 5, s.Counter())
}

func TestStore_CreateStampsRecordAndLogsOnce(t *testing.T) {
	s, clock := newTestStore(t)

	id, err := s.Create(Fields{
		Caller:     "J. Doe",
		Code:       "Red",
		Answered:   true,
		AnsweredBy: "op9",
		Resolved:   true,
		ResolvedBy: "op9",
	}, "  op1 ")
	require.NoError(t, err)

	rec, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), rec.CreatedAt)
	assert.Equal(t, "op1", rec.CreatedBy)
	assert.Empty(t, rec.ModifiedBy)
	assert.NotEmpty(t, rec.UID)
	assert.Equal(t, Resolution{}, rec.Answered)
	assert.Equal(t, Resolution{}, rec.Resolved)

	h := s.History(id)
	require.Len(t, h, 1)
	assert.Equal(t, ActionCreated, h[0].Action)
	assert.Equal(t, "op1", h[0].Actor)
	assert.Empty(t, h[0].Details)
}

func TestStore_BlankActorIsRejected(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Create(Fields{}, "   ")
	assert.ErrorIs(t, err, ErrInvalidActor)
	assert.Empty(t, s.Snapshot().History)

	id := mustCreate(t, s, Fields{})
	assert.ErrorIs(t, s.Update(id, Fields{}, ""), ErrInvalidActor)
	assert.ErrorIs(t, s.ToggleFlag(id, ""), ErrInvalidActor)
	assert.ErrorIs(t, s.SoftDelete(id, ""), ErrInvalidActor)
	assert.Len(t, s.History(id), 1)
}

func TestStore_UpdateMissingRecord(t *testing.T) {
	s, _ := newTestStore(t)
	err := s.Update("DC26-0042", Fields{Code: "Red"}, "op1")
	assert.ErrorIs(t, err, ErrRecordNotFound)
	assert.Empty(t, s.Snapshot().History)

	id := mustCreate(t, s, Fields{})
	require.NoError(t, s.SoftDelete(id, "op1"))
	assert.ErrorIs(t, s.Update(id, Fields{Code: "Red"}, "op1"), ErrRecordNotFound)
	assert.Len(t, s.History(id), 2)
}

func TestStore_UpdateCodeExample(t *testing.T) {
	s, _ := newTestStore(t)
	id := mustCreate(t, s, Fields{Caller: "J. Doe", Code: "Red"})

	require.NoError(t, s.Update(id, Fields{Caller: "J. Doe", Code: "Green"}, "op2"))

	h := s.History(id)
	require.Len(t, h, 2)
	assert.Equal(t, ActionModified, h[0].Action)
	assert.Equal(t, "Code: 'Red' -> 'Green'", h[0].Details)
	assert.Equal(t, "op2", h[0].Actor)

	rec, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "Green", rec.Code)
	assert.Equal(t, "op2", rec.ModifiedBy)
}

func TestStore_UpdateWithoutChangesLogsNothing(t *testing.T) {
	s, _ := newTestStore(t)
	id := mustCreate(t, s, Fields{Caller: "J. Doe", Description: "smoke seen"})
	require.NoError(t, s.Update(id, Fields{Caller: "J. Doe", Description: " smoke seen\n"}, "op2"))
	assert.Len(t, s.History(id), 1)
}

func TestStore_UpdateLogsWhitespaceEdits(t *testing.T) {
	s, _ := newTestStore(t)
	id := mustCreate(t, s, Fields{Caller: "J. Doe", Description: "line one\nline two"})
	require.NoError(t, s.Update(id, Fields{Caller: "J. Doe ", Description: "line one line two"}, "op2"))

	rec, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "J. Doe ", rec.Caller)

	h := s.History(id)
	require.Len(t, h, 2)
	assert.Equal(t, ActionModified, h[0].Action)
	assert.Equal(t, "Caller: 'J. Doe' -> 'J. Doe '; Description was updated.", h[0].Details)
}

func TestStore_ResolveStampsAndLogsSeparately(t *testing.T) {
	s, clock := newTestStore(t)
	id := mustCreate(t, s, Fields{Code: "Red"})
	clock.Advance(time.Minute)

	require.NoError(t, s.Update(id, Fields{Code: "Green", Resolved: true, ResolvedBy: "sup1"}, "op2"))

	rec, err := s.Get(id)
	require.NoError(t, err)
	require.True(t, rec.Resolved.Status)
	require.NotNil(t, rec.Resolved.At)
	assert.Equal(t, clock.Now(), *rec.Resolved.At)
	assert.Equal(t, "sup1", rec.Resolved.By)

	h := s.History(id)
	require.Len(t, h, 3)
	// Same timestamp: newest appended first.
	assert.Equal(t, ActionModified, h[0].Action)
	assert.Equal(t, "Code: 'Red' -> 'Green'", h[0].Details)
	assert.Equal(t, ActionResolved, h[1].Action)
	assert.Equal(t, "Resolved by: sup1", h[1].Details)
	assert.Equal(t, ActionCreated, h[2].Action)
}

func TestStore_ResolveOnlyEmitsOneEntry(t *testing.T) {
	s, _ := newTestStore(t)
	id := mustCreate(t, s, Fields{Code: "Red"})
	require.NoError(t, s.Update(id, Fields{Code: "Red", Resolved: true, ResolvedBy: "sup1"}, "op2"))

	h := s.History(id)
	require.Len(t, h, 2)
	assert.Equal(t, ActionResolved, h[0].Action)
}

func TestStore_ResolveRequiresResolver(t *testing.T) {
	s, _ := newTestStore(t)
	id := mustCreate(t, s, Fields{Code: "Red"})

	err := s.Update(id, Fields{Code: "Green", Resolved: true, ResolvedBy: "  "}, "op2")
	assert.ErrorIs(t, err, ErrInvalidState)

	rec, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "Red", rec.Code)
	assert.False(t, rec.Resolved.Status)
	assert.Len(t, s.History(id), 1)
}

func TestStore_UnresolveClearsAndDiffs(t *testing.T) {
	s, _ := newTestStore(t)
	id := mustCreate(t, s, Fields{Code: "Red"})
	require.NoError(t, s.Update(id, Fields{Code: "Red", Resolved: true, ResolvedBy: "sup1"}, "op2"))

	require.NoError(t, s.Update(id, Fields{Code: "Red"}, "op3"))

	rec, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, Resolution{}, rec.Resolved)

	h := s.History(id)
	require.Len(t, h, 3)
	assert.Equal(t, ActionModified, h[0].Action)
	assert.Equal(t, "Status: 'Resolved' -> 'Un-resolved'", h[0].Details)
	for _, e := range h {
		if e.Action == ActionResolved {
			assert.Equal(t, "op2", e.Actor)
		}
	}
}

func TestStore_ResolverChange(t *testing.T) {
	s, _ := newTestStore(t)
	id := mustCreate(t, s, Fields{})
	require.NoError(t, s.Update(id, Fields{Resolved: true, ResolvedBy: "sup1"}, "op2"))
	require.NoError(t, s.Update(id, Fields{Resolved: true, ResolvedBy: "sup2"}, "op2"))

	h := s.History(id)
	require.Len(t, h, 3)
	assert.Equal(t, "ResolvedBy: 'sup1' -> 'sup2'", h[0].Details)

	rec, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "sup2", rec.Resolved.By)
}

func TestStore_AnsweredTransitions(t *testing.T) {
	s, clock := newTestStore(t)
	id := mustCreate(t, s, Fields{})

	assert.ErrorIs(t, s.Update(id, Fields{Answered: true}, "op1"), ErrInvalidState)

	clock.Advance(30 * time.Second)
	require.NoError(t, s.Update(id, Fields{Answered: true, AnsweredBy: "op1"}, "op1"))
	rec, err := s.Get(id)
	require.NoError(t, err)
	require.NotNil(t, rec.Answered.At)
	assert.Equal(t, clock.Now(), *rec.Answered.At)
	assert.Equal(t, "Answered: 'No' -> 'Yes'; AnsweredBy: '' -> 'op1'", s.History(id)[0].Details)

	require.NoError(t, s.Update(id, Fields{}, "op1"))
	rec, err = s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, Resolution{}, rec.Answered)
}

func TestStore_ToggleFlagTwiceRestoresRecord(t *testing.T) {
	s, _ := newTestStore(t)
	id := mustCreate(t, s, Fields{Caller: "J. Doe"})
	orig, err := s.Get(id)
	require.NoError(t, err)

	require.NoError(t, s.ToggleFlag(id, "op2"))
	flagged, err := s.Get(id)
	require.NoError(t, err)
	assert.True(t, flagged.Flagged)
	assert.Equal(t, "0930AAA", flagged.FlagReference)
	assert.Len(t, flagged.FlagReference, FlagRefLength)

	require.NoError(t, s.ToggleFlag(id, "op2"))
	back, err := s.Get(id)
	require.NoError(t, err)
	back.ModifiedBy = orig.ModifiedBy
	assert.Equal(t, orig, back)

	h := s.History(id)
	require.Len(t, h, 3)
	assert.Equal(t, ActionUnflagged, h[0].Action)
	assert.Equal(t, "Reference: 0930AAA", h[0].Details)
	assert.Equal(t, ActionFlagged, h[1].Action)
	assert.Equal(t, "Reference: 0930AAA", h[1].Details)
}

func TestStore_FlagReferenceUsesRandomSuffix(t *testing.T) {
	clock := newTestClock()
	n := 0
	s := NewStore(StoreConfig{
		IDs:   NewAllocator("DC26"),
		Clock: clock.Now,
		Rand: func(int) int {
			n++
			return 25 + n
		},
	})
	assert.Equal(t, "0930012", s.flagReference(clock.Now()))
}

func TestStore_SoftDeleteAndRestore(t *testing.T) {
	s, _ := newTestStore(t)
	id := mustCreate(t, s, Fields{})

	require.NoError(t, s.SoftDelete(id, "op2"))
	assert.ErrorIs(t, s.SoftDelete(id, "op2"), ErrInvalidState)

	rec, err := s.Get(id)
	require.NoError(t, err)
	assert.True(t, rec.Deleted)
	assert.Len(t, s.List("id", "asc"), 1)

	require.NoError(t, s.Restore(id, "op3"))
	assert.ErrorIs(t, s.Restore(id, "op3"), ErrInvalidState)

	rec, err = s.Get(id)
	require.NoError(t, err)
	assert.False(t, rec.Deleted)
	assert.Equal(t, "op3", rec.ModifiedBy)

	h := s.History(id)
	require.Len(t, h, 3)
	assert.Equal(t, ActionRestored, h[0].Action)
	assert.Equal(t, ActionDeleted, h[1].Action)

	assert.ErrorIs(t, s.SoftDelete("DC26-0099", "op2"), ErrRecordNotFound)
}

func TestStore_ImportRecomputesCounterIncludingDeleted(t *testing.T) {
	s, _ := newTestStore(t)
	mustCreate(t, s, Fields{})
	second := mustCreate(t, s, Fields{})
	mustCreate(t, s, Fields{})
	require.NoError(t, s.SoftDelete(second, "op1"))

	fresh, _ := newTestStore(t)
	fresh.Import(s.Snapshot())
	assert.Equal(t, 4, fresh.Counter())

	id := mustCreate(t, fresh, Fields{})
	assert.Equal(t, "DC26-0004", id)
}

func TestStore_SnapshotIsDeepCopy(t *testing.T) {
	s, _ := newTestStore(t)
	id := mustCreate(t, s, Fields{})
	require.NoError(t, s.Update(id, Fields{Resolved: true, ResolvedBy: "sup1"}, "op1"))

	snap := s.Snapshot()
	*snap.Records[0].Resolved.At = time.Time{}
	snap.Records[0].Caller = "changed"

	rec, err := s.Get(id)
	require.NoError(t, err)
	assert.False(t, rec.Resolved.At.IsZero())
	assert.Empty(t, rec.Caller)
}

func TestStore_ConcurrentCreatesGetUniqueIDs(t *testing.T) {
	s, _ := newTestStore(t)
	const n = 64

	var wg sync.WaitGroup
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := s.Create(Fields{Caller: fmt.Sprintf("caller-%d", i)}, "op1")
			assert.NoError(t, err)
			ids[i] = id
		}()
	}
	wg.Wait()

	seen := make(map[string]bool, n)
	for _, id := range ids {
		assert.False(t, seen[id], id)
		seen[id] = true
	}
	assert.Len(t, s.List("id", "asc"), n)
	assert.Len(t, s.Snapshot().History, n)
	assert.Equal(t, n+1, s.Counter())
}

func TestStore_AdoptKeepsLaterEditsAndRekeysCollisions(t *testing.T) {
	s, _ := newTestStore(t)
	x := mustCreate(t, s, Fields{Caller: "X"})
	saved := s.Snapshot()

	// Another process saved Z under the id this store will hand out next.
	other, _ := newTestStore(t)
	other.Import(saved)
	z := mustCreate(t, other, Fields{Caller: "Z"})
	persisted := other.Snapshot()

	// Meanwhile this store edited X and created Y.
	require.NoError(t, s.Update(x, Fields{Caller: "X2"}, "op1"))
	y := mustCreate(t, s, Fields{Caller: "Y"})
	require.Equal(t, z, y)

	renamed, err := s.Adopt(persisted)
	require.NoError(t, err)
	require.Len(t, renamed, 1)
	newY := renamed[y]
	assert.Equal(t, "DC26-0003", newY)

	recX, err := s.Get(x)
	require.NoError(t, err)
	assert.Equal(t, "X2", recX.Caller)

	recZ, err := s.Get(z)
	require.NoError(t, err)
	assert.Equal(t, "Z", recZ.Caller)

	recY, err := s.Get(newY)
	require.NoError(t, err)
	assert.Equal(t, "Y", recY.Caller)
	require.NotEmpty(t, s.History(newY))
	assert.Equal(t, ActionCreated, s.History(newY)[0].Action)
	assert.Equal(t, 4, s.Counter())
}

func TestStore_DirtyTracksUnsavedMutations(t *testing.T) {
	s, _ := newTestStore(t)
	assert.False(t, s.Dirty())

	id := mustCreate(t, s, Fields{})
	assert.True(t, s.Dirty())

	snap, gen := s.SnapshotGen()
	require.NoError(t, s.ToggleFlag(id, "op1"))
	s.MarkSaved(gen)
	assert.True(t, s.Dirty(), "flag set after the snapshot is still unsaved")
	assert.False(t, s.ImportIfClean(snap))
	rec, err := s.Get(id)
	require.NoError(t, err)
	assert.True(t, rec.Flagged)

	_, gen = s.SnapshotGen()
	s.MarkSaved(gen)
	assert.False(t, s.Dirty())

	s.Import(&Snapshot{})
	assert.False(t, s.Dirty())
	assert.Empty(t, s.List("id", "asc"))
}
