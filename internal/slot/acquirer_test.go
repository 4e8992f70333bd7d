package slot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allaspectsdev/slotcached/internal/fingerprint"
	"github.com/allaspectsdev/slotcached/internal/meta"
)

type fakeBackend struct {
	id    string
	model string

	mu         sync.Mutex
	saves      []string
	restores   []string
	saveErr    error
	restoreErr error
}

func (f *fakeBackend) ID() string      { return f.id }
func (f *fakeBackend) ModelID() string { return f.model }

func (f *fakeBackend) SaveSlot(ctx context.Context, slotID int, basename string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saves = append(f.saves, basename)
	return nil
}

func (f *fakeBackend) RestoreSlot(ctx context.Context, slotID int, basename string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.restoreErr != nil {
		return f.restoreErr
	}
	f.restores = append(f.restores, basename)
	return nil
}

func (f *fakeBackend) savedBasenames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.saves...)
}

type fixture struct {
	table    *Table
	backend  *fakeBackend
	meta     *meta.Store
	acquirer *Acquirer
}

func newFixture(t *testing.T, slots int, pinned ...string) *fixture {
	t.Helper()
	fb := &fakeBackend{id: "b", model: "m"}
	table := NewTable([]BackendSlots{{ID: "b", Slots: slots}})
	ms := newTestMeta(t)
	acq := NewAcquirer(table, map[string]Backend{"b": fb}, ms, pinned, 5*time.Second, zerolog.Nop())
	return &fixture{table: table, backend: fb, meta: ms, acquirer: acq}
}

func fpFor(words string) fingerprint.Fingerprint {
	return fingerprint.New(
		[]fingerprint.Message{{Role: "user", Content: words}}, 4, "m", fingerprint.Roleless{})
}

func TestAcquireSmall_ReleaseMarksCold(t *testing.T) {
	f := newFixture(t, 2)
	f.table.BindHot(ID{"b", 0}, "k", []string{"a"}, 4, false)

	lease, restored, err := f.acquirer.Acquire(context.Background(), fpFor("hi there"), false, Decision{Outcome: OutcomeSmall})
	require.NoError(t, err)
	assert.False(t, restored)
	// Never-used slot 1 is preferred over the hot slot 0.
	assert.Equal(t, ID{"b", 1}, lease.ID)
	assert.Empty(t, f.backend.savedBasenames())

	lease.Release()
	snaps := f.table.Snapshots()
	assert.False(t, snaps[1].Hot)
	assert.False(t, snaps[1].Busy)
}

func TestAcquireColdBig_NoSaveOnEmptySlot(t *testing.T) {
	f := newFixture(t, 1)
	fp := fpFor("a b c d e f g h i j")

	lease, restored, err := f.acquirer.Acquire(context.Background(), fp, true, Decision{Outcome: OutcomeCold})
	require.NoError(t, err)
	assert.False(t, restored)
	assert.Empty(t, f.backend.savedBasenames())
	lease.Release()
}

func TestPostSave_BindsHotAndWritesMeta(t *testing.T) {
	f := newFixture(t, 1)
	fp := fpFor("a b c d e f g h i j")
	lease, _, err := f.acquirer.Acquire(context.Background(), fp, true, Decision{Outcome: OutcomeCold})
	require.NoError(t, err)

	ok := f.acquirer.PostSave(context.Background(), lease.ID, fp, 4)
	require.True(t, ok)
	lease.Release()

	key := fp.KeyFor("m")
	assert.Equal(t, []string{meta.SnapshotBasename(key)}, f.backend.savedBasenames())

	rec := f.meta.Get(key)
	require.NotNil(t, rec)
	assert.Equal(t, fp.BlockHashes, rec.BlockHashes)
	assert.Equal(t, "m", rec.ModelID)

	snap := f.table.Snapshots()[0]
	assert.True(t, snap.Hot)
	assert.Equal(t, key, snap.Key)
	assert.NotZero(t, snap.LastSavedAt)
}

func TestPostSave_FailureLeavesHeatUnchanged(t *testing.T) {
	f := newFixture(t, 1)
	f.backend.saveErr = errors.New("disk full")
	fp := fpFor("a b c d e f g h i j")
	lease, _, err := f.acquirer.Acquire(context.Background(), fp, true, Decision{Outcome: OutcomeCold})
	require.NoError(t, err)

	ok := f.acquirer.PostSave(context.Background(), lease.ID, fp, 4)
	assert.False(t, ok)
	lease.Release()

	snap := f.table.Snapshots()[0]
	assert.False(t, snap.Hot)
	assert.Nil(t, f.meta.Get(fp.KeyFor("m")))
}

func TestEvictionSave_BeforeDisplacingHotSlot(t *testing.T) {
	f := newFixture(t, 1)
	f.table.BindHot(ID{"b", 0}, "oldkey", []string{"x"}, 4, false)
	require.NoError(t, f.meta.Write("oldkey", "t", []string{"x"}, 4, "m"))

	fp := fpFor("a b c d e f g h i j")
	lease, _, err := f.acquirer.Acquire(context.Background(), fp, true, Decision{Outcome: OutcomeCold})
	require.NoError(t, err)
	defer lease.Release()

	// The displaced key was saved and the binding cleared.
	assert.Equal(t, []string{meta.SnapshotBasename("oldkey")}, f.backend.savedBasenames())
	snap := f.table.Snapshots()[0]
	assert.False(t, snap.Hot)
	assert.NotZero(t, snap.LastSavedAt)
}

func TestEvictionSave_FailureStillDisplaces(t *testing.T) {
	f := newFixture(t, 1)
	f.backend.saveErr = errors.New("boom")
	f.table.BindHot(ID{"b", 0}, "oldkey", []string{"x"}, 4, false)

	fp := fpFor("a b c d e f g h i j")
	lease, _, err := f.acquirer.Acquire(context.Background(), fp, true, Decision{Outcome: OutcomeCold})
	require.NoError(t, err)
	defer lease.Release()

	snap := f.table.Snapshots()[0]
	assert.False(t, snap.Hot)
}

func TestRestore_Success(t *testing.T) {
	f := newFixture(t, 1)
	rec := &meta.Record{Key: "diskkey", ModelID: "m", WordsPerBlock: 4, BlockHashes: []string{"a", "b"}}

	fp := fpFor("a b c d e f g h i j")
	lease, restored, err := f.acquirer.Acquire(context.Background(), fp, true, Decision{Outcome: OutcomeRestoreLCP, Restore: rec})
	require.NoError(t, err)
	assert.True(t, restored)
	defer lease.Release()

	f.backend.mu.Lock()
	restores := append([]string(nil), f.backend.restores...)
	f.backend.mu.Unlock()
	assert.Equal(t, []string{meta.SnapshotBasename("diskkey")}, restores)

	snap := f.table.Snapshots()[0]
	assert.True(t, snap.Hot)
	assert.Equal(t, "diskkey", snap.Key)
}

func TestRestore_FailureFallsBackToCold(t *testing.T) {
	f := newFixture(t, 1)
	f.backend.restoreErr = errors.New("snapshot missing")
	rec := &meta.Record{Key: "diskkey", ModelID: "m", WordsPerBlock: 4, BlockHashes: []string{"a", "b"}}

	fp := fpFor("a b c d e f g h i j")
	lease, restored, err := f.acquirer.Acquire(context.Background(), fp, true, Decision{Outcome: OutcomeRestoreLCP, Restore: rec})
	require.NoError(t, err)
	assert.False(t, restored)
	defer lease.Release()

	snap := f.table.Snapshots()[0]
	assert.False(t, snap.Hot)
}

func TestRestore_TargetsServingBackendOnly(t *testing.T) {
	fb1 := &fakeBackend{id: "b1", model: "model-one"}
	fb2 := &fakeBackend{id: "b2", model: "model-two"}
	table := NewTable([]BackendSlots{{ID: "b1", Slots: 1}, {ID: "b2", Slots: 1}})
	ms := newTestMeta(t)
	acq := NewAcquirer(table, map[string]Backend{"b1": fb1, "b2": fb2}, ms, nil, 5*time.Second, zerolog.Nop())

	rec := &meta.Record{Key: "k", ModelID: "model-two", WordsPerBlock: 4, BlockHashes: []string{"a"}}
	fp := fpFor("a b c d e f g h i j")
	lease, restored, err := acq.Acquire(context.Background(), fp, true, Decision{Outcome: OutcomeRestoreLCP, Restore: rec})
	require.NoError(t, err)
	assert.True(t, restored)
	assert.Equal(t, "b2", lease.ID.Backend)
	lease.Release()
}

func TestSelection_RejectedExcludedWhenAlternativeExists(t *testing.T) {
	f := newFixture(t, 2)
	rejected := ID{"b", 0}
	f.table.BindHot(rejected, "k", []string{"a"}, 4, false)
	f.table.Touch(ID{"b", 1})

	fp := fpFor("a b c d e f g h i j")
	lease, _, err := f.acquirer.Acquire(context.Background(), fp, true, Decision{Outcome: OutcomeCold, Rejected: &rejected})
	require.NoError(t, err)
	assert.Equal(t, ID{"b", 1}, lease.ID)
	lease.Release()
}

func TestSelection_RejectionAdvisoryWhenNoAlternative(t *testing.T) {
	f := newFixture(t, 1)
	rejected := ID{"b", 0}
	f.table.BindHot(rejected, "k", []string{"a"}, 4, false)

	fp := fpFor("a b c d e f g h i j")
	lease, _, err := f.acquirer.Acquire(context.Background(), fp, true, Decision{Outcome: OutcomeCold, Rejected: &rejected})
	require.NoError(t, err)
	assert.Equal(t, rejected, lease.ID)
	lease.Release()
}

func TestSelection_PinnedExcludedFromVictimPool(t *testing.T) {
	f := newFixture(t, 2, "pinnedkey")
	pinnedID := ID{"b", 0}
	f.table.BindHot(pinnedID, "pinnedkey", []string{"a"}, 4, true)
	f.table.BindHot(ID{"b", 1}, "other", []string{"b"}, 4, false)
	// The pinned slot is older, which would make it the LRU victim.
	f.table.mu.Lock()
	f.table.slots[pinnedID].lastUsedAt = 10
	f.table.slots[ID{"b", 1}].lastUsedAt = 20
	f.table.mu.Unlock()

	fp := fpFor("a b c d e f g h i j")
	lease, _, err := f.acquirer.Acquire(context.Background(), fp, true, Decision{Outcome: OutcomeCold})
	require.NoError(t, err)
	assert.Equal(t, ID{"b", 1}, lease.ID)
	lease.Release()
}

func TestSelection_LRUIgnoresHeat(t *testing.T) {
	f := newFixture(t, 2)
	// The hot slot is older than the cold one: pure LRU must pick it.
	f.table.BindHot(ID{"b", 0}, "k", []string{"a"}, 4, false)
	f.table.Touch(ID{"b", 1})
	f.table.mu.Lock()
	f.table.slots[ID{"b", 0}].lastUsedAt = 10
	f.table.slots[ID{"b", 1}].lastUsedAt = 20
	f.table.mu.Unlock()

	fp := fpFor("a b c d e f g h i j")
	lease, _, err := f.acquirer.Acquire(context.Background(), fp, true, Decision{Outcome: OutcomeCold})
	require.NoError(t, err)
	assert.Equal(t, ID{"b", 0}, lease.ID)
	// Displacing the hot LRU victim saved its key first.
	assert.Equal(t, []string{meta.SnapshotBasename("k")}, f.backend.savedBasenames())
	lease.Release()
}

func TestSelection_LRUAmongUsedSlots(t *testing.T) {
	f := newFixture(t, 3)
	for i := 0; i < 3; i++ {
		f.table.Touch(ID{"b", i})
	}
	f.table.mu.Lock()
	f.table.slots[ID{"b", 0}].lastUsedAt = 30
	f.table.slots[ID{"b", 1}].lastUsedAt = 10
	f.table.slots[ID{"b", 2}].lastUsedAt = 20
	f.table.mu.Unlock()

	fp := fpFor("a b c d e f g h i j")
	lease, _, err := f.acquirer.Acquire(context.Background(), fp, true, Decision{Outcome: OutcomeCold})
	require.NoError(t, err)
	assert.Equal(t, ID{"b", 1}, lease.ID)
	lease.Release()
}

func TestLock_AtMostOneHolder(t *testing.T) {
	f := newFixture(t, 1)
	fp := fpFor("a b c d e f g h i j")

	lease1, _, err := f.acquirer.Acquire(context.Background(), fp, false, Decision{Outcome: OutcomeSmall})
	require.NoError(t, err)

	acquired := make(chan *Lease, 1)
	go func() {
		lease2, _, err := f.acquirer.Acquire(context.Background(), fp, false, Decision{Outcome: OutcomeSmall})
		if err == nil {
			acquired <- lease2
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire succeeded while slot was held")
	case <-time.After(50 * time.Millisecond):
	}

	lease1.Release()

	select {
	case lease2 := <-acquired:
		lease2.Release()
	case <-time.After(2 * time.Second):
		t.Fatal("second acquire never completed after release")
	}
}

func TestLock_WaitCancelledByContext(t *testing.T) {
	f := newFixture(t, 1)
	fp := fpFor("a b c d e f g h i j")

	lease1, _, err := f.acquirer.Acquire(context.Background(), fp, false, Decision{Outcome: OutcomeSmall})
	require.NoError(t, err)
	defer lease1.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, err = f.acquirer.Acquire(ctx, fp, false, Decision{Outcome: OutcomeSmall})
	assert.Error(t, err)
}

func TestLease_DoubleReleaseIsNoOp(t *testing.T) {
	f := newFixture(t, 1)
	fp := fpFor("hi")
	lease, _, err := f.acquirer.Acquire(context.Background(), fp, false, Decision{Outcome: OutcomeSmall})
	require.NoError(t, err)

	lease.Release()
	lease.Release()

	// The slot must be acquirable exactly once afterwards.
	lease2, _, err := f.acquirer.Acquire(context.Background(), fp, false, Decision{Outcome: OutcomeSmall})
	require.NoError(t, err)
	lease2.Release()
}

func TestConcurrentIdenticalBigRequestsSerialize(t *testing.T) {
	f := newFixture(t, 2)
	fp := fpFor("a b c d e f g h i j")
	dec := Decision{Outcome: OutcomeCold}

	lease1, _, err := f.acquirer.Acquire(context.Background(), fp, true, dec)
	require.NoError(t, err)
	require.True(t, f.acquirer.PostSave(context.Background(), lease1.ID, fp, 4))

	// Second identical request while the first still holds the lock: the
	// matcher sees the hot binding, and acquisition blocks on the same slot.
	m := NewMatcher(f.table, f.meta, fakeResolver{"b": "m"}, zerolog.Nop())
	dec2 := m.Match(fp.BlockHashes, 4, 0.75)
	require.Equal(t, OutcomeActiveExact, dec2.Outcome)
	require.Equal(t, lease1.ID, *dec2.Active)

	done := make(chan ID, 1)
	go func() {
		lease2, _, err := f.acquirer.Acquire(context.Background(), fp, true, dec2)
		if err != nil {
			return
		}
		done <- lease2.ID
		lease2.Release()
	}()

	select {
	case <-done:
		t.Fatal("second request acquired the slot while the first held it")
	case <-time.After(50 * time.Millisecond):
	}

	lease1.Release()
	select {
	case sid := <-done:
		assert.Equal(t, lease1.ID, sid)
	case <-time.After(2 * time.Second):
		t.Fatal("second request never acquired the slot")
	}
}
