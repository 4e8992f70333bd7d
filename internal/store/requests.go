package store

import (
	"fmt"
)

// Request is one journal row describing how a proxied request was bound.
type Request struct {
	ID        string
	Timestamp string
	Model     string
	Backend   string
	Slot      int
	Outcome   string
	KeyPrefix string
	Big       bool
	Stream    bool
	Status    int
	LatencyMs int64
}

// InsertRequest writes a journal row. Journal failures never fail the proxied
// request; the caller logs and moves on.
func (s *Store) InsertRequest(r *Request) error {
	_, err := s.writer.Exec(`
		INSERT INTO requests (id, timestamp, model, backend, slot, outcome, key_prefix, big, stream, status, latency_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Timestamp, r.Model, r.Backend, r.Slot, r.Outcome, r.KeyPrefix,
		boolToInt(r.Big), boolToInt(r.Stream), r.Status, r.LatencyMs,
	)
	if err != nil {
		return fmt.Errorf("store: insert request: %w", err)
	}
	return nil
}

// Summary aggregates the journal for the status command and /api/stats.
type Summary struct {
	TotalRequests int64            `json:"total_requests"`
	BigRequests   int64            `json:"big_requests"`
	ByOutcome     map[string]int64 `json:"by_outcome"`
	AvgLatencyMs  float64          `json:"avg_latency_ms"`
}

// Summarize aggregates all journal rows.
func (s *Store) Summarize() (*Summary, error) {
	sum := &Summary{ByOutcome: make(map[string]int64)}

	row := s.reader.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(big), 0), COALESCE(AVG(latency_ms), 0) FROM requests`)
	if err := row.Scan(&sum.TotalRequests, &sum.BigRequests, &sum.AvgLatencyMs); err != nil {
		return nil, fmt.Errorf("store: summarize: %w", err)
	}

	rows, err := s.reader.Query(`SELECT outcome, COUNT(*) FROM requests GROUP BY outcome`)
	if err != nil {
		return nil, fmt.Errorf("store: summarize outcomes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var outcome string
		var n int64
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("store: scanning outcome row: %w", err)
		}
		sum.ByOutcome[outcome] = n
	}
	return sum, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
