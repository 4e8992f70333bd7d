package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// Message is the minimal shape of an OpenAI chat message the fingerprinter
// cares about. Content is kept as an interface because clients send either a
// plain string or an array of typed parts.
type Message struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

// Fingerprint identifies a request's textual prefix. It is derived once per
// request and never mutated.
type Fingerprint struct {
	PrefixText  string
	BlockHashes []string
	Key         string
	WordCount   int
	CharCount   int
}

var wordRe = regexp.MustCompile(`\w+`)

// Words splits text into maximal runs of word characters, order preserved.
func Words(text string) []string {
	return wordRe.FindAllString(text, -1)
}

// BlockHashes slides a non-overlapping window of wordsPerBlock lowercased
// tokens over the text and hashes each space-joined block with SHA-256. The
// last block may be short; zero-token blocks are never emitted.
func BlockHashes(text string, wordsPerBlock int) []string {
	if wordsPerBlock < 1 {
		wordsPerBlock = 1
	}
	words := Words(strings.ToLower(text))
	if len(words) == 0 {
		return nil
	}
	hashes := make([]string, 0, (len(words)+wordsPerBlock-1)/wordsPerBlock)
	for i := 0; i < len(words); i += wordsPerBlock {
		end := i + wordsPerBlock
		if end > len(words) {
			end = len(words)
		}
		sum := sha256.Sum256([]byte(strings.Join(words[i:end], " ")))
		hashes = append(hashes, hex.EncodeToString(sum[:]))
	}
	return hashes
}

// Key computes the content key for a prefix under a given model identity.
func Key(modelID, prefixText string) string {
	sum := sha256.Sum256([]byte(modelID + "\n" + prefixText))
	return hex.EncodeToString(sum[:])
}

// New computes the full fingerprint of a chat message list. The canonical
// prefix text is produced by the given strategy; an empty message list yields
// an empty prefix, zero blocks, and a key over the model identity alone.
func New(messages []Message, wordsPerBlock int, modelID string, strategy Strategy) Fingerprint {
	prefix := strategy.Canonicalize(messages)
	words := Words(prefix)
	return Fingerprint{
		PrefixText:  prefix,
		BlockHashes: BlockHashes(prefix, wordsPerBlock),
		Key:         Key(modelID, prefix),
		WordCount:   len(words),
		CharCount:   len(prefix),
	}
}

// KeyFor recomputes the content key for another backend's model identity
// without re-deriving the prefix.
func (f Fingerprint) KeyFor(modelID string) string {
	return Key(modelID, f.PrefixText)
}

// ShortKey returns an 8-character key prefix for log fields.
func (f Fingerprint) ShortKey() string {
	return ShortKey(f.Key)
}

// ShortKey truncates a content key for log fields.
func ShortKey(key string) string {
	if len(key) <= 8 {
		return key
	}
	return key[:8]
}

// LongestCommonPrefix returns the number of leading positions at which the
// two hash sequences agree.
func LongestCommonPrefix(a, b []string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// SimilarityRatio computes lcp / min(|a|, |b|), the ratio the acceptance
// threshold is applied to. Two empty sequences have ratio 0.
func SimilarityRatio(lcp, lenA, lenB int) float64 {
	denom := lenA
	if lenB < denom {
		denom = lenB
	}
	if denom < 1 {
		return 0
	}
	return float64(lcp) / float64(denom)
}

// coerceContent turns an OpenAI content value into plain text. String parts of
// a typed parts array are extracted and trimmed; anything else is stringified
// defensively.
func coerceContent(content interface{}) string {
	switch c := content.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(c)
	case []interface{}:
		var parts []string
		for _, p := range c {
			m, ok := p.(map[string]interface{})
			if !ok || m["type"] != "text" {
				continue
			}
			if t, ok := m["text"].(string); ok {
				if t = strings.TrimSpace(t); t != "" {
					parts = append(parts, t)
				}
			}
		}
		return strings.Join(parts, " ")
	default:
		return strings.TrimSpace(fmt.Sprint(c))
	}
}
