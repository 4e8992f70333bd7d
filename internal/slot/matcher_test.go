package slot

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allaspectsdev/slotcached/internal/meta"
	"github.com/allaspectsdev/slotcached/internal/testutil"
)

type fakeResolver map[string]string

func (f fakeResolver) ModelIDs() map[string]string { return f }

func newTestMeta(t *testing.T) *meta.Store {
	t.Helper()
	return testutil.NewTestMetaStore(t)
}

func blocks(names ...string) []string { return names }

func TestMatch_EmptyRequestNeverMatches(t *testing.T) {
	table := NewTable([]BackendSlots{{ID: "b", Slots: 2}})
	table.BindHot(ID{"b", 0}, "k", blocks("a", "b"), 4, false)
	m := NewMatcher(table, newTestMeta(t), fakeResolver{"b": "m"}, zerolog.Nop())

	dec := m.Match(nil, 4, 0.75)
	assert.Equal(t, OutcomeCold, dec.Outcome)
	assert.Nil(t, dec.Active)
	assert.Nil(t, dec.Rejected)
}

func TestMatch_ActiveExact(t *testing.T) {
	table := NewTable([]BackendSlots{{ID: "b", Slots: 2}})
	table.BindHot(ID{"b", 1}, "k", blocks("a", "b", "c"), 4, false)
	m := NewMatcher(table, newTestMeta(t), fakeResolver{"b": "m"}, zerolog.Nop())

	dec := m.Match(blocks("a", "b", "c"), 4, 0.75)
	assert.Equal(t, OutcomeActiveExact, dec.Outcome)
	require.NotNil(t, dec.Active)
	assert.Equal(t, ID{"b", 1}, *dec.Active)
	assert.Equal(t, 3, dec.LCP)
}

func TestMatch_ActiveLCPAccept(t *testing.T) {
	table := NewTable([]BackendSlots{{ID: "b", Slots: 1}})
	table.BindHot(ID{"b", 0}, "k", blocks("a", "b", "c", "d", "e"), 4, false)
	m := NewMatcher(table, newTestMeta(t), fakeResolver{"b": "m"}, zerolog.Nop())

	// lcp=4, min len 5, ratio 0.8.
	dec := m.Match(blocks("a", "b", "c", "d", "x"), 4, 0.75)
	assert.Equal(t, OutcomeActiveLCP, dec.Outcome)
	assert.Equal(t, 4, dec.LCP)
}

func TestMatch_ActiveLCPReject(t *testing.T) {
	table := NewTable([]BackendSlots{{ID: "b", Slots: 2}})
	table.BindHot(ID{"b", 0}, "k", blocks("a", "b", "c", "d", "e"), 4, false)
	m := NewMatcher(table, newTestMeta(t), fakeResolver{"b": "m"}, zerolog.Nop())

	// lcp=1, ratio 0.2 below threshold: rejected slot is surfaced so the
	// acquirer avoids overwriting its cache.
	dec := m.Match(blocks("a", "x", "y", "z", "w"), 4, 0.75)
	assert.Equal(t, OutcomeCold, dec.Outcome)
	require.NotNil(t, dec.Rejected)
	assert.Equal(t, ID{"b", 0}, *dec.Rejected)
}

func TestMatch_ShortCandidateFullyMatched(t *testing.T) {
	table := NewTable([]BackendSlots{{ID: "b", Slots: 1}})
	// Candidate shorter than the request but fully contained in it.
	table.BindHot(ID{"b", 0}, "k", blocks("a", "b", "c"), 4, false)
	m := NewMatcher(table, newTestMeta(t), fakeResolver{"b": "m"}, zerolog.Nop())

	// lcp=3, min(5,3)=3, ratio 1.0.
	dec := m.Match(blocks("a", "b", "c", "d", "e"), 4, 0.75)
	assert.Equal(t, OutcomeActiveLCP, dec.Outcome)
}

func TestMatch_BlockSizeMismatchIgnored(t *testing.T) {
	table := NewTable([]BackendSlots{{ID: "b", Slots: 1}})
	table.BindHot(ID{"b", 0}, "k", blocks("a", "b"), 8, false)
	m := NewMatcher(table, newTestMeta(t), fakeResolver{"b": "m"}, zerolog.Nop())

	dec := m.Match(blocks("a", "b"), 4, 0.75)
	assert.Equal(t, OutcomeCold, dec.Outcome)
}

func TestMatch_TieBreakMostRecentlyUsed(t *testing.T) {
	table := NewTable([]BackendSlots{{ID: "b", Slots: 2}})
	table.BindHot(ID{"b", 0}, "k0", blocks("a", "b"), 4, false)
	table.BindHot(ID{"b", 1}, "k1", blocks("a", "b"), 4, false)
	table.mu.Lock()
	table.slots[ID{"b", 0}].lastUsedAt = 100
	table.slots[ID{"b", 1}].lastUsedAt = 200
	table.mu.Unlock()
	m := NewMatcher(table, newTestMeta(t), fakeResolver{"b": "m"}, zerolog.Nop())

	dec := m.Match(blocks("a", "b"), 4, 0.75)
	require.NotNil(t, dec.Active)
	assert.Equal(t, ID{"b", 1}, *dec.Active)
}

func TestMatch_RestoreAccept(t *testing.T) {
	table := NewTable([]BackendSlots{{ID: "b", Slots: 1}})
	ms := newTestMeta(t)
	require.NoError(t, ms.Write("key1", "text", blocks("a", "b", "c", "d", "e"), 4, "m"))
	m := NewMatcher(table, ms, fakeResolver{"b": "m"}, zerolog.Nop())

	dec := m.Match(blocks("a", "b", "c", "d", "x"), 4, 0.75)
	assert.Equal(t, OutcomeRestoreLCP, dec.Outcome)
	require.NotNil(t, dec.Restore)
	assert.Equal(t, "key1", dec.Restore.Key)
	assert.Equal(t, 4, dec.LCP)
}

func TestMatch_RestoreRejectBelowThreshold(t *testing.T) {
	table := NewTable([]BackendSlots{{ID: "b", Slots: 1}})
	ms := newTestMeta(t)
	require.NoError(t, ms.Write("key1", "text", blocks("a", "b", "c", "d", "e"), 4, "m"))
	m := NewMatcher(table, ms, fakeResolver{"b": "m"}, zerolog.Nop())

	dec := m.Match(blocks("a", "x", "x", "x", "x"), 4, 0.75)
	assert.Equal(t, OutcomeCold, dec.Outcome)
	assert.Nil(t, dec.Restore)
}

func TestMatch_RestoreScopedToServedModels(t *testing.T) {
	table := NewTable([]BackendSlots{{ID: "b", Slots: 1}})
	ms := newTestMeta(t)
	require.NoError(t, ms.Write("key1", "text", blocks("a", "b"), 4, "other-model"))
	m := NewMatcher(table, ms, fakeResolver{"b": "m"}, zerolog.Nop())

	dec := m.Match(blocks("a", "b"), 4, 0.75)
	assert.Equal(t, OutcomeCold, dec.Outcome)
}

func TestMatch_RestoreBlockSizeMismatchIgnored(t *testing.T) {
	table := NewTable([]BackendSlots{{ID: "b", Slots: 1}})
	ms := newTestMeta(t)
	require.NoError(t, ms.Write("key1", "text", blocks("a", "b"), 8, "m"))
	m := NewMatcher(table, ms, fakeResolver{"b": "m"}, zerolog.Nop())

	dec := m.Match(blocks("a", "b"), 4, 0.75)
	assert.Equal(t, OutcomeCold, dec.Outcome)
}

func TestMatch_ActiveBeatsRestore(t *testing.T) {
	table := NewTable([]BackendSlots{{ID: "b", Slots: 1}})
	table.BindHot(ID{"b", 0}, "hotkey", blocks("a", "b", "c"), 4, false)
	ms := newTestMeta(t)
	require.NoError(t, ms.Write("diskkey", "text", blocks("a", "b", "c"), 4, "m"))
	m := NewMatcher(table, ms, fakeResolver{"b": "m"}, zerolog.Nop())

	dec := m.Match(blocks("a", "b", "c"), 4, 0.75)
	assert.Equal(t, OutcomeActiveExact, dec.Outcome)
}

func TestMatch_RejectedThenRestore(t *testing.T) {
	table := NewTable([]BackendSlots{{ID: "b", Slots: 2}})
	table.BindHot(ID{"b", 0}, "hotkey", blocks("a", "q", "q", "q", "q"), 4, false)
	ms := newTestMeta(t)
	require.NoError(t, ms.Write("diskkey", "text", blocks("a", "b", "c", "d", "e"), 4, "m"))
	m := NewMatcher(table, ms, fakeResolver{"b": "m"}, zerolog.Nop())

	dec := m.Match(blocks("a", "b", "c", "d", "x"), 4, 0.75)
	assert.Equal(t, OutcomeRestoreLCP, dec.Outcome)
	require.NotNil(t, dec.Rejected)
	assert.Equal(t, ID{"b", 0}, *dec.Rejected)
}

func TestTouchMonotonic(t *testing.T) {
	table := NewTable([]BackendSlots{{ID: "b", Slots: 1}})
	id := ID{"b", 0}
	table.Touch(id)
	table.mu.Lock()
	first := table.slots[id].lastUsedAt
	table.mu.Unlock()
	assert.InDelta(t, time.Now().Unix(), first, 2)

	table.Touch(id)
	table.mu.Lock()
	second := table.slots[id].lastUsedAt
	table.mu.Unlock()
	assert.GreaterOrEqual(t, second, first)
}
