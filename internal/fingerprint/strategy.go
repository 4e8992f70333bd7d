package fingerprint

import (
	"fmt"
	"os"
	"strings"
)

// Strategy canonicalizes a chat message list into the prefix text that gets
// hashed. Two schemes coexist because older on-disk metadata was written with
// role markers in the hashed text; both must stay selectable so a deployment
// can keep matching against snapshots it already has.
type Strategy interface {
	Name() string
	Canonicalize(messages []Message) string
}

// ParseStrategy resolves a strategy name from configuration. systemPromptFile
// is only consulted by the role-marked scheme.
func ParseStrategy(name, systemPromptFile string) (Strategy, error) {
	switch strings.ToLower(name) {
	case "", "roleless":
		return Roleless{}, nil
	case "role-marked":
		return RoleMarked{SystemPromptFile: systemPromptFile}, nil
	default:
		return nil, fmt.Errorf("unknown fingerprint strategy %q", name)
	}
}

// Roleless concatenates message contents in order, separated by a blank line.
// Role structure is deliberately discarded: two conversations with identical
// text but different role layouts share a prefix and therefore a KV cache.
type Roleless struct{}

func (Roleless) Name() string { return "roleless" }

func (Roleless) Canonicalize(messages []Message) string {
	if len(messages) == 0 {
		return ""
	}
	parts := make([]string, 0, len(messages))
	for _, m := range messages {
		parts = append(parts, coerceContent(m.Content))
	}
	return strings.Join(parts, "\n\n")
}

// RoleMarked reproduces the legacy canonicalization: a BOS marker, an optional
// system prompt read from a file, role-framed message blocks, and a trailing
// assistant marker. Keys produced under this scheme match metadata written by
// older deployments.
type RoleMarked struct {
	SystemPromptFile string
}

func (RoleMarked) Name() string { return "role-marked" }

func (s RoleMarked) Canonicalize(messages []Message) string {
	var b strings.Builder
	b.WriteString("<|bos|>\n")

	if s.SystemPromptFile != "" {
		if data, err := os.ReadFile(s.SystemPromptFile); err == nil {
			if text := strings.TrimSpace(string(data)); text != "" {
				b.WriteString("<|system|>\n")
				b.WriteString(text)
				b.WriteString("\n")
			}
		}
	}

	for _, m := range messages {
		content := coerceContent(m.Content)
		switch m.Role {
		case "system":
			if content == "" {
				continue
			}
			b.WriteString("<|system|>\n")
		case "assistant":
			b.WriteString("<|assistant|>\n")
		case "user", "":
			b.WriteString("<|user|>\n")
		default:
			fmt.Fprintf(&b, "<|user:%s|>\n", m.Role)
		}
		b.WriteString(content)
		b.WriteString("\n")
	}

	b.WriteString("<|assistant|>\n")
	return b.String()
}
