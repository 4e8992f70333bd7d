package proxy

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/allaspectsdev/slotcached/internal/config"
	"github.com/allaspectsdev/slotcached/internal/fingerprint"
)

// RequestConfig carries the per-request cache parameters. It is assembled
// once from headers, query parameters, and configured defaults before
// fingerprinting; nothing downstream consults ambient state.
type RequestConfig struct {
	WordsPerBlock       int
	ThresholdMode       string
	MinPrefixChars      int
	MinPrefixWords      int
	MinPrefixBlocks     int
	SimilarityThreshold float64
}

// ResolveRequestConfig reads the per-request overrides. Header names take
// precedence over query parameters; out-of-range values fall back to the
// configured defaults.
func ResolveRequestConfig(r *http.Request, cfg *config.Config) RequestConfig {
	rc := RequestConfig{
		WordsPerBlock:       cfg.Cache.WordsPerBlock,
		ThresholdMode:       strings.ToLower(cfg.Cache.ThresholdMode),
		MinPrefixChars:      cfg.Cache.MinPrefixChars,
		MinPrefixWords:      cfg.Cache.MinPrefixWords,
		MinPrefixBlocks:     cfg.Cache.MinPrefixBlocks,
		SimilarityThreshold: cfg.Cache.SimilarityThreshold,
	}

	if v, ok := resolveInt(r, "x-block-size", "block_size", 1, 2048); ok {
		rc.WordsPerBlock = v
	}
	if v := resolveString(r, "x-threshold-mode", "threshold_mode"); v != "" {
		mode := strings.ToLower(v)
		switch mode {
		case "chars", "words", "blocks":
			rc.ThresholdMode = mode
		}
	}
	if v, ok := resolveInt(r, "x-min-prefix-chars", "min_prefix_chars", 0, 10_000_000); ok {
		rc.MinPrefixChars = v
	}
	if v, ok := resolveInt(r, "x-min-prefix-words", "min_prefix_words", 0, 10_000_000); ok {
		rc.MinPrefixWords = v
	}
	if v, ok := resolveInt(r, "x-min-prefix-blocks", "min_prefix_blocks", 0, 10_000_000); ok {
		rc.MinPrefixBlocks = v
	}

	return rc
}

// IsBig classifies a fingerprint under the active threshold mode. The
// boundary is strict: a prefix exactly at the threshold is small.
func (rc RequestConfig) IsBig(fp fingerprint.Fingerprint) bool {
	switch rc.ThresholdMode {
	case "words":
		return fp.WordCount > rc.MinPrefixWords
	case "blocks":
		return len(fp.BlockHashes) > rc.MinPrefixBlocks
	default:
		return fp.CharCount > rc.MinPrefixChars
	}
}

// resolveString reads a header, falling back to the query parameter.
func resolveString(r *http.Request, header, query string) string {
	if v := r.Header.Get(header); v != "" {
		return v
	}
	return r.URL.Query().Get(query)
}

// resolveInt reads and range-checks an integer override.
func resolveInt(r *http.Request, header, query string, min, max int) (int, bool) {
	raw := resolveString(r, header, query)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < min || n > max {
		return 0, false
	}
	return n, true
}
