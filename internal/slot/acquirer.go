package slot

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/allaspectsdev/slotcached/internal/fingerprint"
	"github.com/allaspectsdev/slotcached/internal/meta"
)

// Backend is the slice of the backend adapter the acquirer needs: snapshot
// save/restore on a local slot, plus the model identity content keys are
// scoped to.
type Backend interface {
	ID() string
	ModelID() string
	SaveSlot(ctx context.Context, slotID int, basename string) error
	RestoreSlot(ctx context.Context, slotID int, basename string) error
}

// Acquirer turns a match decision into an exclusively held slot. It owns the
// eviction-with-save and restore steps; the caller owns dispatch and the
// post-generation save.
type Acquirer struct {
	table       *Table
	backends    map[string]Backend
	meta        *meta.Store
	pinnedKeys  map[string]bool
	saveTimeout time.Duration
	logger      zerolog.Logger
}

// NewAcquirer wires an Acquirer. pinnedKeys lists content keys whose slots
// are excluded from victim selection.
func NewAcquirer(table *Table, backends map[string]Backend, metaStore *meta.Store, pinnedKeys []string, saveTimeout time.Duration, logger zerolog.Logger) *Acquirer {
	pinned := make(map[string]bool, len(pinnedKeys))
	for _, k := range pinnedKeys {
		pinned[k] = true
	}
	return &Acquirer{
		table:       table,
		backends:    backends,
		meta:        metaStore,
		pinnedKeys:  pinned,
		saveTimeout: saveTimeout,
		logger:      logger.With().Str("component", "acquirer").Logger(),
	}
}

// Pinned reports whether a content key is pinned.
func (a *Acquirer) Pinned(key string) bool {
	return a.pinnedKeys[key]
}

// Lease is an exclusively held slot. Release is idempotent and must be called
// on every exit path.
type Lease struct {
	ID       ID
	small    bool
	acquirer *Acquirer
	released atomic.Bool
}

// Release returns the slot. A small request's slot is marked cold first: its
// KV was overwritten by an untracked generation.
func (l *Lease) Release() {
	if !l.released.CompareAndSwap(false, true) {
		return
	}
	if l.small {
		l.acquirer.table.MarkCold(l.ID)
	}
	l.acquirer.table.slots[l.ID].unlock()
}

// Acquire locks a slot for the request described by fp and dec. For big
// requests it performs the eviction-save and, for restore decisions, the
// snapshot restore. The returned bool reports whether a restore succeeded.
// On error no lock is held.
func (a *Acquirer) Acquire(ctx context.Context, fp fingerprint.Fingerprint, isBig bool, dec Decision) (*Lease, bool, error) {
	if dec.Active != nil && (dec.Outcome == OutcomeActiveExact || dec.Outcome == OutcomeActiveLCP) {
		return a.acquireActive(ctx, fp, dec)
	}
	return a.acquireTarget(ctx, fp, isBig, dec)
}

// acquireActive locks the matched hot slot, waiting if a generation is in
// flight (identical concurrent requests serialize here). An active-lcp bind
// to a new key still triggers the eviction-save of the old one so its
// snapshot reflects the last state generated under it.
func (a *Acquirer) acquireActive(ctx context.Context, fp fingerprint.Fingerprint, dec Decision) (*Lease, bool, error) {
	sid := *dec.Active
	if err := a.lockSlot(ctx, sid); err != nil {
		return nil, false, err
	}
	a.table.Touch(sid)

	if dec.Outcome == OutcomeActiveLCP {
		a.evictionSave(ctx, sid, fp.KeyFor(a.backendModel(sid)), false)
	}
	return &Lease{ID: sid, acquirer: a}, false, nil
}

// acquireTarget selects and locks a slot for cold, restore, and small
// requests, then runs the big-request eviction/restore steps.
func (a *Acquirer) acquireTarget(ctx context.Context, fp fingerprint.Fingerprint, isBig bool, dec Decision) (*Lease, bool, error) {
	// Restore candidates can only land on a backend serving the snapshot's
	// model; snapshots never migrate across backends.
	var allowed map[string]bool
	if dec.Restore != nil {
		allowed = make(map[string]bool)
		for id, b := range a.backends {
			if b.ModelID() == dec.Restore.ModelID {
				allowed[id] = true
			}
		}
	}

	sid, err := a.selectAndLock(ctx, dec.Rejected, allowed)
	if err != nil {
		return nil, false, err
	}
	a.table.Touch(sid)

	if !isBig {
		return &Lease{ID: sid, small: true, acquirer: a}, false, nil
	}

	incomingKey := fp.KeyFor(a.backendModel(sid))
	restored := false

	if dec.Restore != nil {
		a.evictionSave(ctx, sid, dec.Restore.Key, true)
		restored = a.restore(ctx, sid, dec.Restore)
	} else {
		a.evictionSave(ctx, sid, incomingKey, true)
	}

	return &Lease{ID: sid, acquirer: a}, restored, nil
}

// lockSlot acquires one specific slot's lock, honoring ctx. The waiter count
// steers other acquirers away from the slot while someone is queued on it.
func (a *Acquirer) lockSlot(ctx context.Context, sid ID) error {
	a.table.mu.Lock()
	st := a.table.slots[sid]
	if st.tryLock() {
		a.table.mu.Unlock()
		return nil
	}
	st.waiters++
	a.table.mu.Unlock()

	defer func() {
		a.table.mu.Lock()
		st.waiters--
		a.table.mu.Unlock()
	}()

	select {
	case st.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for slot %s: %w", sid, ctx.Err())
	}
}

// selectAndLock picks a target slot and locks it atomically. Preference
// order: a never-used slot, then the least recently used slot regardless of
// heat; the rejected slot and pinned slots are skipped while alternatives
// exist. When every candidate is busy the least-recently-used one is awaited.
func (a *Acquirer) selectAndLock(ctx context.Context, rejected *ID, allowed map[string]bool) (ID, error) {
	a.table.mu.Lock()

	eligible := func(id ID, st *state, honorExclusions bool) bool {
		if allowed != nil && !allowed[id.Backend] {
			return false
		}
		if !honorExclusions {
			return true
		}
		if rejected != nil && id == *rejected {
			return false
		}
		return !st.pinned
	}

	// Round 1: never-used slots, in declaration order.
	for _, id := range a.table.order {
		st := a.table.slots[id]
		if st.lastUsedAt != 0 || !eligible(id, st, true) || st.waiters > 0 {
			continue
		}
		if st.tryLock() {
			a.table.mu.Unlock()
			return id, nil
		}
	}

	// Round 2: smallest last_used_at among free eligible slots. The victim
	// criterion is purely LRU; heat does not tier the candidates.
	var pick *ID
	var pickUsed int64
	for _, id := range a.table.order {
		st := a.table.slots[id]
		if !eligible(id, st, true) || st.waiters > 0 || len(st.lock) > 0 {
			continue
		}
		if pick == nil || st.lastUsedAt < pickUsed {
			idCopy := id
			pick = &idCopy
			pickUsed = st.lastUsedAt
		}
	}
	if pick != nil && a.table.slots[*pick].tryLock() {
		a.table.mu.Unlock()
		return *pick, nil
	}

	// Everything free is excluded or busy: wait on the global LRU. The
	// rejection is advisory at this point, pinned slots stay protected
	// unless nothing else exists at all.
	var victim *ID
	var victimUsed int64
	for _, honorExclusions := range []bool{true, false} {
		for _, id := range a.table.order {
			st := a.table.slots[id]
			if !eligible(id, st, honorExclusions) {
				continue
			}
			if victim == nil || st.lastUsedAt < victimUsed {
				idCopy := id
				victim = &idCopy
				victimUsed = st.lastUsedAt
			}
		}
		if victim != nil {
			break
		}
	}
	a.table.mu.Unlock()

	if victim == nil {
		return ID{}, fmt.Errorf("no slot available for request")
	}
	if err := a.lockSlot(ctx, *victim); err != nil {
		return ID{}, err
	}
	return *victim, nil
}

// evictionSave persists the slot's current key before its contents are
// displaced. Save failure is logged and the binding is overwritten anyway;
// the snapshot on disk just stays one generation stale. displace controls
// whether the in-memory binding is cleared afterwards (a cold/restore bind
// replaces the KV outright; an active-lcp bind extends it in place).
func (a *Acquirer) evictionSave(ctx context.Context, sid ID, incomingKey string, displace bool) {
	a.table.mu.Lock()
	st := a.table.slots[sid]
	currentKey := st.bigKey
	a.table.mu.Unlock()

	if currentKey != "" && currentKey != incomingKey {
		saveCtx, cancel := context.WithTimeout(ctx, a.saveTimeout)
		err := a.backends[sid.Backend].SaveSlot(saveCtx, sid.Slot, meta.SnapshotBasename(currentKey))
		cancel()
		if err != nil {
			a.logger.Warn().Err(err).Stringer("slot", sid).Str("key", shortKey(currentKey)).Msg("eviction save failed")
		} else {
			a.meta.Touch(currentKey)
			a.table.SetSaved(sid)
			a.logger.Info().Stringer("slot", sid).Str("key", shortKey(currentKey)).Msg("evicted slot saved")
		}
	}

	if displace && currentKey != incomingKey {
		a.table.MarkCold(sid)
	}
}

// restore loads a snapshot into the slot. Failure leaves the slot cold and
// the generation starts from scratch.
func (a *Acquirer) restore(ctx context.Context, sid ID, rec *meta.Record) bool {
	err := a.backends[sid.Backend].RestoreSlot(ctx, sid.Slot, meta.SnapshotBasename(rec.Key))
	if err != nil {
		a.logger.Warn().Err(err).Stringer("slot", sid).Str("key", shortKey(rec.Key)).Msg("restore failed; cold start")
		a.table.MarkCold(sid)
		return false
	}
	a.table.BindHot(sid, rec.Key, rec.BlockHashes, rec.WordsPerBlock, a.pinnedKeys[rec.Key])
	a.meta.Touch(rec.Key)
	a.logger.Info().Stringer("slot", sid).Str("key", shortKey(rec.Key)).Msg("slot restored from snapshot")
	return true
}

// backendModel returns the model identity of the slot's backend.
func (a *Acquirer) backendModel(sid ID) string {
	if b, ok := a.backends[sid.Backend]; ok {
		return b.ModelID()
	}
	return ""
}

// PostSave persists the slot's KV under the request's key after a big
// generation and records fresh metadata. On failure the slot's heat is left
// unchanged and the client response is unaffected.
func (a *Acquirer) PostSave(ctx context.Context, sid ID, fp fingerprint.Fingerprint, wordsPerBlock int) bool {
	key := fp.KeyFor(a.backendModel(sid))

	saveCtx, cancel := context.WithTimeout(ctx, a.saveTimeout)
	err := a.backends[sid.Backend].SaveSlot(saveCtx, sid.Slot, meta.SnapshotBasename(key))
	cancel()
	if err != nil {
		a.logger.Warn().Err(err).Stringer("slot", sid).Str("key", shortKey(key)).Msg("post-generation save failed")
		return false
	}

	if err := a.meta.Write(key, fp.PrefixText, fp.BlockHashes, wordsPerBlock, a.backendModel(sid)); err != nil {
		a.logger.Warn().Err(err).Str("key", shortKey(key)).Msg("writing metadata record")
	}
	a.table.BindHot(sid, key, fp.BlockHashes, wordsPerBlock, a.pinnedKeys[key])
	a.table.SetSaved(sid)
	a.logger.Info().Stringer("slot", sid).Str("key", shortKey(key)).Msg("slot saved")
	return true
}
