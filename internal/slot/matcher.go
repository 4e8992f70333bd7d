package slot

import (
	"github.com/rs/zerolog"

	"github.com/allaspectsdev/slotcached/internal/fingerprint"
	"github.com/allaspectsdev/slotcached/internal/meta"
)

// Outcome tags how a request was bound to a slot.
type Outcome string

const (
	// OutcomeActiveExact means a hot slot already holds exactly this prefix.
	OutcomeActiveExact Outcome = "active-exact"
	// OutcomeActiveLCP means a hot slot's prefix overlaps enough to reuse.
	OutcomeActiveLCP Outcome = "active-lcp"
	// OutcomeRestoreLCP means an on-disk snapshot overlaps enough to restore.
	OutcomeRestoreLCP Outcome = "restore-lcp"
	// OutcomeCold means no candidate passed the threshold.
	OutcomeCold Outcome = "cold"
	// OutcomeSmall marks requests below the bigness threshold; they bypass
	// the cache entirely.
	OutcomeSmall Outcome = "cold-small"
)

// Decision is the Matcher's verdict for one request.
type Decision struct {
	Outcome Outcome

	// Active is the hot slot to reuse (active-exact / active-lcp).
	Active *ID

	// Rejected is a hot slot whose overlap was best but below threshold. It
	// must not be chosen as the cold/restore target while alternatives
	// exist, so its still-useful cache is not overwritten.
	Rejected *ID

	// Restore is the metadata record to restore from (restore-lcp).
	Restore *meta.Record

	// LCP and CandidateLen describe the winning comparison, for logging.
	LCP          int
	CandidateLen int
}

// ModelResolver reports each backend's model identity, used to scope restore
// candidates to backends that can actually load them (snapshots are
// backend-local and model-bound).
type ModelResolver interface {
	ModelIDs() map[string]string
}

// Matcher finds the best reuse candidate for a request's block-hash sequence,
// first among active hot slots, then among on-disk metadata, under one
// similarity threshold.
type Matcher struct {
	table  *Table
	meta   *meta.Store
	models ModelResolver
	logger zerolog.Logger
}

// NewMatcher wires a Matcher over the slot table and metadata store.
func NewMatcher(table *Table, metaStore *meta.Store, models ModelResolver, logger zerolog.Logger) *Matcher {
	return &Matcher{
		table:  table,
		meta:   metaStore,
		models: models,
		logger: logger.With().Str("component", "matcher").Logger(),
	}
}

// Match evaluates a request's blocks against active slots and disk metadata.
// Priority: active-exact > active-lcp > restore-lcp > cold. An exact active
// match is accepted unconditionally; partial matches on either side must
// reach ratio = lcp/min(|req|, |candidate|) >= threshold. A request with no
// blocks never matches anything.
func (m *Matcher) Match(blocks []string, wordsPerBlock int, threshold float64) Decision {
	if len(blocks) == 0 {
		return Decision{Outcome: OutcomeCold}
	}

	// The metadata scan happens before the table lock: it does file I/O and
	// staleness is tolerated by design.
	records := m.meta.Scan()
	modelIDs := m.models.ModelIDs()

	m.table.mu.Lock()
	bestID, bestLCP, bestLen := m.bestActiveLocked(blocks, wordsPerBlock)
	m.table.mu.Unlock()

	var rejected *ID
	if bestID != nil {
		if bestLCP == len(blocks) {
			m.logger.Debug().Stringer("slot", bestID).Int("lcp", bestLCP).Msg("active-exact")
			return Decision{Outcome: OutcomeActiveExact, Active: bestID, LCP: bestLCP, CandidateLen: bestLen}
		}
		ratio := fingerprint.SimilarityRatio(bestLCP, len(blocks), bestLen)
		if ratio >= threshold {
			m.logger.Debug().Stringer("slot", bestID).Int("lcp", bestLCP).Float64("ratio", ratio).Msg("active-lcp accepted")
			return Decision{Outcome: OutcomeActiveLCP, Active: bestID, LCP: bestLCP, CandidateLen: bestLen}
		}
		rejected = bestID
		m.logger.Debug().Stringer("slot", bestID).Int("lcp", bestLCP).Float64("ratio", ratio).Float64("threshold", threshold).Msg("active-lcp rejected")
	}

	// Restore candidates: same ratio, same threshold, scoped to records a
	// configured backend can load.
	if rec, lcp := bestRestore(blocks, wordsPerBlock, records, modelIDs); rec != nil {
		ratio := fingerprint.SimilarityRatio(lcp, len(blocks), len(rec.BlockHashes))
		if ratio >= threshold {
			m.logger.Debug().Str("key", shortKey(rec.Key)).Int("lcp", lcp).Float64("ratio", ratio).Msg("restore-lcp accepted")
			return Decision{Outcome: OutcomeRestoreLCP, Rejected: rejected, Restore: rec, LCP: lcp, CandidateLen: len(rec.BlockHashes)}
		}
		m.logger.Debug().Str("key", shortKey(rec.Key)).Int("lcp", lcp).Float64("ratio", ratio).Float64("threshold", threshold).Msg("restore-lcp rejected")
	}

	return Decision{Outcome: OutcomeCold, Rejected: rejected}
}

// bestActiveLocked scans hot slots with a matching block size for the longest
// common prefix. Ties go to the most recently used slot. Caller holds t.mu.
func (m *Matcher) bestActiveLocked(blocks []string, wordsPerBlock int) (*ID, int, int) {
	var bestID *ID
	var bestLCP, bestLen int
	var bestUsed int64

	for _, id := range m.table.order {
		st := m.table.slots[id]
		if !st.hot || st.wordsPerBlock != wordsPerBlock {
			continue
		}
		lcp := fingerprint.LongestCommonPrefix(blocks, st.blockHashes)
		if lcp == 0 {
			continue
		}
		if lcp > bestLCP || (lcp == bestLCP && st.lastUsedAt > bestUsed) {
			idCopy := id
			bestID = &idCopy
			bestLCP = lcp
			bestLen = len(st.blockHashes)
			bestUsed = st.lastUsedAt
		}
	}
	return bestID, bestLCP, bestLen
}

// bestRestore picks the record with the longest common prefix among those
// with a matching block size and a model identity some backend serves.
func bestRestore(blocks []string, wordsPerBlock int, records []*meta.Record, modelIDs map[string]string) (*meta.Record, int) {
	served := make(map[string]bool, len(modelIDs))
	for _, model := range modelIDs {
		served[model] = true
	}

	var best *meta.Record
	var bestLCP int
	for _, rec := range records {
		if rec.WordsPerBlock != wordsPerBlock || !served[rec.ModelID] {
			continue
		}
		lcp := fingerprint.LongestCommonPrefix(blocks, rec.BlockHashes)
		if lcp > bestLCP {
			best = rec
			bestLCP = lcp
		}
	}
	return best, bestLCP
}

func shortKey(key string) string {
	return fingerprint.ShortKey(key)
}
