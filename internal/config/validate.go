package config

import (
	"fmt"
	"strings"
)

// validate checks the Config for invalid or out-of-range values.
// It returns a combined error if any checks fail.
func validate(cfg *Config) error {
	var errs []string

	// Server validation
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be between 1 and 65535, got %d", cfg.Server.Port))
	}
	if !isValidEnum(cfg.Server.LogLevel, ValidLogLevels) {
		errs = append(errs, fmt.Sprintf("server.log_level must be one of %v, got %q", ValidLogLevels, cfg.Server.LogLevel))
	}
	if cfg.Server.DataDir == "" {
		errs = append(errs, "server.data_dir must not be empty")
	}
	if cfg.Server.ReadTimeout < 0 {
		errs = append(errs, fmt.Sprintf("server.read_timeout must be non-negative, got %d", cfg.Server.ReadTimeout))
	}
	if cfg.Server.WriteTimeout < 0 {
		errs = append(errs, fmt.Sprintf("server.write_timeout must be non-negative, got %d", cfg.Server.WriteTimeout))
	}
	if cfg.Server.IdleTimeout < 0 {
		errs = append(errs, fmt.Sprintf("server.idle_timeout must be non-negative, got %d", cfg.Server.IdleTimeout))
	}
	if cfg.Server.MaxBodySize < 0 {
		errs = append(errs, fmt.Sprintf("server.max_body_size must be non-negative, got %d", cfg.Server.MaxBodySize))
	}

	// Model validation
	if cfg.Model.ID == "" {
		errs = append(errs, "model.id must not be empty")
	}

	// Backend validation
	if len(cfg.Backends) == 0 {
		errs = append(errs, "at least one [[backends]] entry is required")
	}
	seen := make(map[string]bool)
	for i, b := range cfg.Backends {
		if b.ID == "" {
			errs = append(errs, fmt.Sprintf("backends[%d].id must not be empty", i))
		}
		if seen[b.ID] {
			errs = append(errs, fmt.Sprintf("backends[%d].id %q is duplicated", i, b.ID))
		}
		seen[b.ID] = true
		if b.URL == "" {
			errs = append(errs, fmt.Sprintf("backends[%d].url must not be empty", i))
		}
		if b.Slots < 1 {
			errs = append(errs, fmt.Sprintf("backends[%d].slots must be at least 1, got %d", i, b.Slots))
		}
		if b.RequestTimeout < 0 {
			errs = append(errs, fmt.Sprintf("backends[%d].request_timeout must be non-negative, got %d", i, b.RequestTimeout))
		}
	}

	// Cache validation
	if cfg.Cache.WordsPerBlock < 1 || cfg.Cache.WordsPerBlock > 2048 {
		errs = append(errs, fmt.Sprintf("cache.words_per_block must be between 1 and 2048, got %d", cfg.Cache.WordsPerBlock))
	}
	if cfg.Cache.SimilarityThreshold <= 0 || cfg.Cache.SimilarityThreshold > 1 {
		errs = append(errs, fmt.Sprintf("cache.similarity_threshold must be in (0, 1], got %g", cfg.Cache.SimilarityThreshold))
	}
	if !isValidEnum(cfg.Cache.ThresholdMode, ValidThresholdModes) {
		errs = append(errs, fmt.Sprintf("cache.threshold_mode must be one of %v, got %q", ValidThresholdModes, cfg.Cache.ThresholdMode))
	}
	if cfg.Cache.MinPrefixChars < 0 {
		errs = append(errs, fmt.Sprintf("cache.min_prefix_chars must be non-negative, got %d", cfg.Cache.MinPrefixChars))
	}
	if cfg.Cache.MinPrefixWords < 0 {
		errs = append(errs, fmt.Sprintf("cache.min_prefix_words must be non-negative, got %d", cfg.Cache.MinPrefixWords))
	}
	if cfg.Cache.MinPrefixBlocks < 0 {
		errs = append(errs, fmt.Sprintf("cache.min_prefix_blocks must be non-negative, got %d", cfg.Cache.MinPrefixBlocks))
	}
	if cfg.Cache.ScanLimit < 1 {
		errs = append(errs, fmt.Sprintf("cache.scan_limit must be at least 1, got %d", cfg.Cache.ScanLimit))
	}
	if !isValidEnum(cfg.Cache.Strategy, ValidStrategies) {
		errs = append(errs, fmt.Sprintf("cache.strategy must be one of %v, got %q", ValidStrategies, cfg.Cache.Strategy))
	}

	// Cleanup validation
	if _, err := cfg.Cleanup.MaxAgeDuration(); err != nil {
		errs = append(errs, fmt.Sprintf("cleanup.max_age: %v", err))
	}
	if _, err := cfg.Cleanup.MaxTotalBytes(); err != nil {
		errs = append(errs, fmt.Sprintf("cleanup.max_total_size: %v", err))
	}

	// Journal validation
	if cfg.Journal.RetentionDays < 1 {
		errs = append(errs, fmt.Sprintf("journal.retention_days must be at least 1, got %d", cfg.Journal.RetentionDays))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// isValidEnum returns true if val is in the allowed list (case-insensitive).
func isValidEnum(val string, allowed []string) bool {
	lower := strings.ToLower(val)
	for _, a := range allowed {
		if strings.ToLower(a) == lower {
			return true
		}
	}
	return false
}
