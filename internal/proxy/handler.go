package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/allaspectsdev/slotcached/internal/config"
	"github.com/allaspectsdev/slotcached/internal/fingerprint"
	"github.com/allaspectsdev/slotcached/internal/metrics"
	"github.com/allaspectsdev/slotcached/internal/slot"
	"github.com/allaspectsdev/slotcached/internal/store"
)

// maxErrorBodySize caps how much of an upstream error body is propagated.
const maxErrorBodySize = 1 << 20 // 1 MB

// Backend is the slice of the backend adapter the coordinator dispatches to.
type Backend interface {
	ID() string
	ModelID() string
	ChatCompletions(ctx context.Context, body map[string]interface{}, slotID int, cachePrompt, stream bool) (*http.Response, error)
}

// Handler coordinates one chat completion request end to end: fingerprint,
// bigness classification, match, slot acquisition, dispatch, relay, and the
// post-generation save. Every acquired slot is released exactly once on
// every exit path.
type Handler struct {
	backends    map[string]Backend
	matcher     *slot.Matcher
	acquirer    *slot.Acquirer
	table       *slot.Table
	strategy    fingerprint.Strategy
	collector   *metrics.Collector
	journal     *store.Store
	logger      zerolog.Logger
	maxBodySize int64
}

// NewHandler creates the request coordinator. journal may be nil.
func NewHandler(
	backends map[string]Backend,
	matcher *slot.Matcher,
	acquirer *slot.Acquirer,
	table *slot.Table,
	strategy fingerprint.Strategy,
	collector *metrics.Collector,
	journal *store.Store,
	logger zerolog.Logger,
	maxBodySize int64,
) *Handler {
	return &Handler{
		backends:    backends,
		matcher:     matcher,
		acquirer:    acquirer,
		table:       table,
		strategy:    strategy,
		collector:   collector,
		journal:     journal,
		logger:      logger,
		maxBodySize: maxBodySize,
	}
}

// HandleChatCompletions is the POST /v1/chat/completions handler.
func (h *Handler) HandleChatCompletions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	cfg := config.Get()
	requestID := uuid.New().String()

	if h.collector != nil {
		h.collector.IncrementActive()
		defer h.collector.DecrementActive()
	}

	logger := h.logger.With().Str("request_id", requestID).Logger()

	if h.maxBodySize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	}
	rawBody, err := io.ReadAll(r.Body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		logger.Error().Err(err).Msg("failed to read request body")
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	defer r.Body.Close()

	var body map[string]interface{}
	if err := json.Unmarshal(rawBody, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	stream, _ := body["stream"].(bool)
	model, _ := body["model"].(string)
	if model == "" {
		model = cfg.Model.ID
	}

	rc := ResolveRequestConfig(r, cfg)
	messages := parseMessages(body["messages"])
	fp := fingerprint.New(messages, rc.WordsPerBlock, cfg.Model.ID, h.strategy)
	isBig := rc.IsBig(fp)

	logger = logger.With().
		Str("model", model).
		Bool("stream", stream).
		Bool("big", isBig).
		Str("key", fp.ShortKey()).
		Logger()
	logger.Info().
		Int("prefix_chars", fp.CharCount).
		Int("words", fp.WordCount).
		Int("blocks", len(fp.BlockHashes)).
		Int("wpb", rc.WordsPerBlock).
		Str("threshold_mode", rc.ThresholdMode).
		Msg("request received")

	dec := slot.Decision{Outcome: slot.OutcomeSmall}
	if isBig {
		dec = h.matcher.Match(fp.BlockHashes, rc.WordsPerBlock, rc.SimilarityThreshold)
	}

	lease, restored, err := h.acquirer.Acquire(ctx, fp, isBig, dec)
	if err != nil {
		logger.Warn().Err(err).Msg("slot acquisition failed")
		writeJSONError(w, http.StatusServiceUnavailable, "no slot available")
		h.record(requestID, model, slot.ID{Slot: -1}, dec.Outcome, fp, isBig, stream, http.StatusServiceUnavailable, start)
		return
	}
	if isBig && dec.Outcome == slot.OutcomeRestoreLCP && h.collector != nil {
		h.collector.RecordRestore(restored)
	}

	logger = logger.With().Stringer("slot", lease.ID).Str("outcome", string(dec.Outcome)).Logger()
	logger.Info().Int("lcp", dec.LCP).Int("candidate_blocks", dec.CandidateLen).Bool("restored", restored).Msg("slot bound")

	// The finalizer runs on every exit: post-generation save for big
	// requests whose generation actually ran, then the lock release.
	status := 0
	generated := false
	defer func() {
		if isBig && generated {
			// The save still happens after a client disconnect: the KV
			// state is worth keeping even if nobody read the answer.
			ok := h.acquirer.PostSave(context.Background(), lease.ID, fp, rc.WordsPerBlock)
			if h.collector != nil {
				h.collector.RecordSave(ok)
			}
		}
		lease.Release()
		h.record(requestID, model, lease.ID, dec.Outcome, fp, isBig, stream, status, start)
		logger.Info().Int("status", status).Dur("latency", time.Since(start)).Msg("request completed")
	}()

	be := h.backends[lease.ID.Backend]
	resp, err := be.ChatCompletions(ctx, body, lease.ID.Slot, isBig, stream)
	if err != nil {
		logger.Warn().Err(err).Msg("backend unreachable")
		status = http.StatusBadGateway
		writeJSONError(w, status, "backend unavailable")
		return
	}
	defer resp.Body.Close()

	// Backend errors propagate as-is; the generation never ran, so there is
	// nothing to save.
	if resp.StatusCode >= 400 {
		logger.Warn().Int("upstream_status", resp.StatusCode).Msg("backend returned error")
		status = resp.StatusCode
		if ct := resp.Header.Get("Content-Type"); ct != "" {
			w.Header().Set("Content-Type", ct)
		}
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, io.LimitReader(resp.Body, maxErrorBodySize))
		return
	}

	generated = true

	if stream {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(resp.StatusCode)
		status = resp.StatusCode

		relayErr := relayStream(ctx, w, resp.Body, func() { h.table.Touch(lease.ID) })
		if relayErr != nil {
			logger.Debug().Err(relayErr).Msg("stream relay ended early")
		}
		writeDone(w)
		return
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to read backend response")
		status = http.StatusBadGateway
		writeJSONError(w, status, "failed to read backend response")
		return
	}

	if !isJSONResponse(resp, respBody) {
		logger.Warn().Str("content_type", resp.Header.Get("Content-Type")).Msg("backend returned non-JSON response")
		status = http.StatusBadGateway
		writeDiagnostic(w, resp.StatusCode)
		return
	}

	h.table.Touch(lease.ID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	status = resp.StatusCode
	if _, err := w.Write(respBody); err != nil {
		logger.Debug().Err(err).Msg("failed to write response body")
	}
}

// HandleModels serves the OpenAI-compatible model listing. The advertised id
// is the proxy's configured name, independent of what the backends report.
func (h *Handler) HandleModels(w http.ResponseWriter, r *http.Request) {
	cfg := config.Get()
	out := map[string]interface{}{
		"object": "list",
		"data": []map[string]interface{}{
			{
				"id":       cfg.Model.ID,
				"object":   "model",
				"created":  time.Now().Unix(),
				"owned_by": "local",
			},
		},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// HandleHealth returns a simple JSON health check response.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// HandleStats serves the JSON metrics summary plus the slot table state.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	out := map[string]interface{}{}
	if h.collector != nil {
		out["metrics"] = h.collector.Stats()
	}
	if h.journal != nil {
		if sum, err := h.journal.Summarize(); err == nil {
			out["journal"] = sum
		}
	}
	slots := make([]map[string]interface{}, 0, h.table.Size())
	for _, s := range h.table.Snapshots() {
		slots = append(slots, map[string]interface{}{
			"slot":          s.ID.String(),
			"hot":           s.Hot,
			"key":           fingerprint.ShortKey(s.Key),
			"pinned":        s.Pinned,
			"busy":          s.Busy,
			"last_used_at":  s.LastUsedAt,
			"last_saved_at": s.LastSavedAt,
		})
	}
	out["slots"] = slots

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// record writes a journal row; journal failures are logged and ignored.
func (h *Handler) record(requestID, model string, sid slot.ID, outcome slot.Outcome, fp fingerprint.Fingerprint, big, stream bool, status int, start time.Time) {
	if h.collector != nil {
		h.collector.RecordRequest(string(outcome), time.Since(start))
	}
	if h.journal == nil {
		return
	}
	err := h.journal.InsertRequest(&store.Request{
		ID:        requestID,
		Timestamp: start.UTC().Format(time.RFC3339),
		Model:     model,
		Backend:   sid.Backend,
		Slot:      sid.Slot,
		Outcome:   string(outcome),
		KeyPrefix: fp.ShortKey(),
		Big:       big,
		Stream:    stream,
		Status:    status,
		LatencyMs: time.Since(start).Milliseconds(),
	})
	if err != nil {
		h.logger.Warn().Err(err).Msg("journal insert failed")
	}
}

// parseMessages converts the raw messages value into the fingerprinter's
// message shape. Anything malformed is skipped rather than rejected; the
// backend is the authority on request validity.
func parseMessages(raw interface{}) []fingerprint.Message {
	items, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	messages := make([]fingerprint.Message, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		role, _ := m["role"].(string)
		messages = append(messages, fingerprint.Message{Role: role, Content: m["content"]})
	}
	return messages
}

// isJSONResponse checks that a non-streaming backend response is JSON, by
// content type or, failing that, by parsing.
func isJSONResponse(resp *http.Response, body []byte) bool {
	ct := resp.Header.Get("Content-Type")
	if strings.Contains(ct, "application/json") {
		return true
	}
	return json.Valid(body)
}

// writeDiagnostic emits the 502 envelope for non-JSON backend responses.
func writeDiagnostic(w http.ResponseWriter, upstreamStatus int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadGateway)
	resp := map[string]interface{}{
		"error": map[string]interface{}{
			"message":         "backend returned a non-JSON response",
			"type":            "proxy_error",
			"upstream_status": upstreamStatus,
		},
	}
	data, _ := json.Marshal(resp)
	_, _ = w.Write(data)
}

// writeJSONError writes a JSON error response with the given status code and message.
func writeJSONError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	resp := map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    "proxy_error",
		},
	}
	data, _ := json.Marshal(resp)
	_, _ = w.Write(data)
}
