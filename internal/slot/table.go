package slot

import (
	"fmt"
	"sync"
	"time"
)

// ID names one KV-cache slot: a backend and a local slot index on it. The
// universe of IDs is fixed at startup from configuration.
type ID struct {
	Backend string
	Slot    int
}

func (id ID) String() string {
	return fmt.Sprintf("%s/%d", id.Backend, id.Slot)
}

// state is the proxy-side view of one slot. hot means a known content key's
// KV is resident; a cold slot has no binding. The lock channel (capacity 1)
// grants exclusive use of the slot for the duration of a request.
type state struct {
	hot           bool
	bigKey        string
	blockHashes   []string
	wordsPerBlock int
	lastUsedAt    int64
	lastSavedAt   int64
	pinned        bool
	waiters       int
	lock          chan struct{}
}

func (st *state) tryLock() bool {
	select {
	case st.lock <- struct{}{}:
		return true
	default:
		return false
	}
}

func (st *state) unlock() {
	select {
	case <-st.lock:
	default:
	}
}

// BackendSlots declares one backend's slot count for table construction.
type BackendSlots struct {
	ID    string
	Slots int
}

// Snapshot is a read-only copy of one slot's state for stats and diagnostics.
type Snapshot struct {
	ID          ID
	Hot         bool
	Key         string
	Pinned      bool
	LastUsedAt  int64
	LastSavedAt int64
	Busy        bool
}

// Table tracks every slot in the process. One mutex guards all selection and
// binding mutations; per-slot locks serialize generations. The table exists
// for the process lifetime.
type Table struct {
	mu    sync.Mutex
	slots map[ID]*state
	order []ID
}

// NewTable builds the slot universe from the configured backends.
func NewTable(backends []BackendSlots) *Table {
	t := &Table{slots: make(map[ID]*state)}
	for _, b := range backends {
		for i := 0; i < b.Slots; i++ {
			id := ID{Backend: b.ID, Slot: i}
			t.slots[id] = &state{lock: make(chan struct{}, 1)}
			t.order = append(t.order, id)
		}
	}
	return t
}

// Size returns the total number of slots.
func (t *Table) Size() int {
	return len(t.order)
}

// Touch bumps the slot's last-used timestamp. Timestamps never move backwards.
func (t *Table) Touch(id ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.slots[id]; ok {
		if now := time.Now().Unix(); now > st.lastUsedAt {
			st.lastUsedAt = now
		}
	}
}

// BindHot records that the slot now holds the KV state for key. Called after
// a successful save or restore.
func (t *Table) BindHot(id ID, key string, blockHashes []string, wordsPerBlock int, pinned bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.slots[id]
	if !ok {
		return
	}
	st.hot = true
	st.bigKey = key
	st.blockHashes = blockHashes
	st.wordsPerBlock = wordsPerBlock
	st.pinned = pinned
	if now := time.Now().Unix(); now > st.lastUsedAt {
		st.lastUsedAt = now
	}
}

// MarkCold clears the slot's binding. Used on eviction and after small
// requests, whose generations overwrite the slot with untracked state.
func (t *Table) MarkCold(id ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.slots[id]
	if !ok {
		return
	}
	st.hot = false
	st.bigKey = ""
	st.blockHashes = nil
	st.pinned = false
}

// SetSaved records a successful snapshot save for the slot.
func (t *Table) SetSaved(id ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.slots[id]; ok {
		st.lastSavedAt = time.Now().Unix()
	}
}

// HotCount returns the number of hot slots.
func (t *Table) HotCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, st := range t.slots {
		if st.hot {
			n++
		}
	}
	return n
}

// Snapshots returns a stable-ordered copy of every slot's state.
func (t *Table) Snapshots() []Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Snapshot, 0, len(t.order))
	for _, id := range t.order {
		st := t.slots[id]
		out = append(out, Snapshot{
			ID:          id,
			Hot:         st.hot,
			Key:         st.bigKey,
			Pinned:      st.pinned,
			LastUsedAt:  st.lastUsedAt,
			LastSavedAt: st.lastSavedAt,
			Busy:        len(st.lock) > 0,
		})
	}
	return out
}
