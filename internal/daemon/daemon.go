package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/allaspectsdev/slotcached/internal/backend"
	"github.com/allaspectsdev/slotcached/internal/config"
	"github.com/allaspectsdev/slotcached/internal/fingerprint"
	"github.com/allaspectsdev/slotcached/internal/meta"
	"github.com/allaspectsdev/slotcached/internal/metrics"
	"github.com/allaspectsdev/slotcached/internal/proxy"
	"github.com/allaspectsdev/slotcached/internal/slot"
	"github.com/allaspectsdev/slotcached/internal/store"
	"github.com/allaspectsdev/slotcached/internal/version"
)

// backendSet adapts the backend client registry to the interfaces the slot
// package and the proxy consume.
type backendSet map[string]*backend.Client

func (s backendSet) ModelIDs() map[string]string {
	out := make(map[string]string, len(s))
	for id, c := range s {
		out[id] = c.ModelID()
	}
	return out
}

func (s backendSet) forAcquirer() map[string]slot.Backend {
	out := make(map[string]slot.Backend, len(s))
	for id, c := range s {
		out[id] = c
	}
	return out
}

func (s backendSet) forProxy() map[string]proxy.Backend {
	out := make(map[string]proxy.Backend, len(s))
	for id, c := range s {
		out[id] = c
	}
	return out
}

// Run is the main daemon orchestrator. It initialises all subsystems, starts
// the proxy server, and blocks until a shutdown signal is received.
func Run(cfg *config.Config, foreground bool) error {
	// 1. Set up zerolog logger.
	dataDir := cfg.Server.DataDir
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}

	zerolog.SetGlobalLevel(parseLogLevel(cfg.Server.LogLevel))

	writers := []io.Writer{}

	// Always log to file.
	logPath := filepath.Join(dataDir, "slotcached.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file %s: %w", logPath, err)
	}
	defer logFile.Close()
	writers = append(writers, logFile)

	// If foreground, also write to stdout with console formatting.
	if foreground {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		})
	}

	multi := zerolog.MultiLevelWriter(writers...)
	log.Logger = zerolog.New(multi).With().Timestamp().Str("service", "slotcached").Logger()

	log.Info().
		Str("version", version.Version).
		Str("data_dir", dataDir).
		Bool("foreground", foreground).
		Msg("slotcached starting")

	// 2. Check if already running.
	if IsRunning(dataDir) {
		return fmt.Errorf("slotcached is already running (PID file exists at %s)", filepath.Join(dataDir, pidFilename))
	}

	// 3. Fingerprint strategy.
	strategy, err := fingerprint.ParseStrategy(cfg.Cache.Strategy, cfg.Cache.SystemPromptFile)
	if err != nil {
		return err
	}

	// 4. Metadata store.
	metaStore, err := meta.NewStore(cfg.Cache.MetaDirPath(dataDir), cfg.Cache.ScanLimit, log.Logger)
	if err != nil {
		return fmt.Errorf("opening metadata store: %w", err)
	}
	log.Info().Str("dir", metaStore.Dir()).Msg("metadata store opened")

	// 5. Request journal.
	var journal *store.Store
	if cfg.Journal.Enabled {
		dbPath := filepath.Join(dataDir, "slotcached.db")
		journal, err = store.Open(dbPath)
		if err != nil {
			return fmt.Errorf("opening journal: %w", err)
		}
		defer journal.Close()
		log.Info().Str("db_path", dbPath).Msg("journal opened")
	}

	// 6. Backend clients, probed concurrently. Unreachable backends are a
	// warning; the configured model id keeps keys stable until they come up.
	backends := make(backendSet, len(cfg.Backends))
	tableSpec := make([]slot.BackendSlots, 0, len(cfg.Backends))
	for _, bc := range cfg.Backends {
		client := backend.NewClient(bc.ID, bc.URL, bc.Slots, bc.RequestTimeoutDuration(), cfg.Model.ID, log.Logger)
		backends[bc.ID] = client
		tableSpec = append(tableSpec, slot.BackendSlots{ID: bc.ID, Slots: bc.Slots})
	}
	probeCtx, probeCancel := context.WithTimeout(context.Background(), 30*time.Second)
	for _, client := range backends {
		go client.Probe(probeCtx)
	}
	defer probeCancel()

	// 7. Slot table, matcher, acquirer.
	table := slot.NewTable(tableSpec)
	matcher := slot.NewMatcher(table, metaStore, backends, log.Logger)
	acquirer := slot.NewAcquirer(table, backends.forAcquirer(), metaStore, cfg.Cache.PinnedKeys, 60*time.Second, log.Logger)
	log.Info().Int("slots", table.Size()).Int("backends", len(backends)).Msg("slot table initialized")

	// 8. Metrics collector.
	collector := metrics.NewCollector()
	collector.SetHotSlotsFunc(table.HotCount)

	// 9. Write PID file.
	if err := WriteProcessInfo(dataDir, cfg.Server.Port); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer func() {
		if err := RemovePID(dataDir); err != nil {
			log.Error().Err(err).Msg("failed to remove PID file")
		}
	}()
	log.Info().Int("pid", os.Getpid()).Msg("PID file written")

	// 10. Start config watcher for hot-reload of log level and thresholds.
	configFile := config.ConfigFilePath()
	var watcher *config.Watcher
	if configFile != "" {
		if _, statErr := os.Stat(configFile); statErr == nil {
			w, watchErr := config.Watch(configFile)
			if watchErr != nil {
				log.Warn().Err(watchErr).Msg("failed to start config watcher; continuing without hot-reload")
			} else {
				watcher = w
				defer watcher.Close()
				watcher.OnChange(func(old, newCfg *config.Config) {
					zerolog.SetGlobalLevel(parseLogLevel(newCfg.Server.LogLevel))
				})
				log.Info().Str("file", configFile).Msg("config watcher started")
			}
		}
	}

	// 11. Background maintenance: journal pruning, and metadata cleanup when
	// the operator configured a schedule.
	pruneCtx, pruneCancel := context.WithCancel(context.Background())
	defer pruneCancel()
	prunerDone := make(chan struct{})
	go func() {
		defer close(prunerDone)
		if journal != nil {
			runPruner(pruneCtx, journal, cfg.Journal.RetentionDays)
		}
	}()

	var cleanupCron *cron.Cron
	if cfg.Cleanup.Schedule != "" {
		cleanupCron = cron.New()
		_, cronErr := cleanupCron.AddFunc(cfg.Cleanup.Schedule, func() {
			RunCleanup(config.Get(), metaStore)
			collector.RecordCleanup()
		})
		if cronErr != nil {
			return fmt.Errorf("parsing cleanup.schedule: %w", cronErr)
		}
		cleanupCron.Start()
		log.Info().Str("schedule", cfg.Cleanup.Schedule).Msg("cleanup scheduler started")
	}

	// 12. Proxy server.
	handler := proxy.NewHandler(
		backends.forProxy(), matcher, acquirer, table, strategy,
		collector, journal, log.Logger, cfg.Server.MaxBodySize,
	)

	addr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.Port)
	server := proxy.NewServer(
		handler, collector, addr,
		time.Duration(cfg.Server.ReadTimeout)*time.Second,
		time.Duration(cfg.Server.WriteTimeout)*time.Second,
		time.Duration(cfg.Server.IdleTimeout)*time.Second,
	)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("proxy server starting")
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("proxy server: %w", err)
		}
	}()

	log.Info().
		Int("port", cfg.Server.Port).
		Str("model", cfg.Model.ID).
		Msg("slotcached is ready")

	if foreground {
		fmt.Printf("\n  slotcached is running!\n")
		fmt.Printf("  Proxy: http://%s\n\n", addr)
	}

	// 13. Wait for shutdown signal or fatal error.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("fatal server error")
		return err
	}

	// 14. Graceful shutdown with 30-second timeout.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	log.Info().Msg("shutting down...")

	if cleanupCron != nil {
		<-cleanupCron.Stop().Done()
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("proxy server shutdown error")
	}

	pruneCancel()
	<-prunerDone

	log.Info().Msg("slotcached stopped")
	return nil
}

// RunCleanup performs one metadata cleanup pass using the configured bounds.
func RunCleanup(cfg *config.Config, metaStore *meta.Store) meta.CleanupStats {
	maxAge, err := cfg.Cleanup.MaxAgeDuration()
	if err != nil {
		log.Warn().Err(err).Msg("invalid cleanup.max_age; skipping age bound")
	}
	maxBytes, err := cfg.Cleanup.MaxTotalBytes()
	if err != nil {
		log.Warn().Err(err).Msg("invalid cleanup.max_total_size; skipping size bound")
	}
	return metaStore.Cleanup(maxAge, maxBytes, cfg.Cache.SnapshotMount)
}

// Stop reads the PID file and sends SIGTERM to the running daemon.
func Stop() error {
	dataDir := config.Get().Server.DataDir

	info, err := ReadProcessInfo(dataDir)
	if err != nil {
		return fmt.Errorf("slotcached does not appear to be running: %w", err)
	}

	if !isProcessAlive(info.PID) {
		// Stale PID file; clean it up.
		if rmErr := RemovePID(dataDir); rmErr != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to remove stale PID file: %v\n", rmErr)
		}
		return fmt.Errorf("slotcached is not running (stale PID file removed)")
	}

	process, err := os.FindProcess(info.PID)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", info.PID, err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("sending SIGTERM to process %d: %w", info.PID, err)
	}

	fmt.Printf("Sent SIGTERM to slotcached (PID %d)\n", info.PID)

	// Wait briefly for the process to exit.
	for i := 0; i < 30; i++ {
		time.Sleep(100 * time.Millisecond)
		if !isProcessAlive(info.PID) {
			return nil
		}
	}

	return nil
}

// Status checks if the daemon is running and prints a summary from the
// stats endpoint.
func Status() error {
	cfg := config.Get()
	dataDir := cfg.Server.DataDir

	if !IsRunning(dataDir) {
		fmt.Println("slotcached is not running")
		return nil
	}

	info, err := ReadProcessInfo(dataDir)
	if err != nil {
		fmt.Println("slotcached is not running")
		return nil
	}
	fmt.Printf("slotcached is running (PID %d)\n", info.PID)

	// Query the port the daemon recorded at startup; the config may have
	// changed since then.
	port := info.Port
	if port == 0 {
		port = cfg.Server.Port
	}
	statsURL := fmt.Sprintf("http://%s:%d/api/stats", cfg.Server.BindAddress, port)
	client := &http.Client{Timeout: 3 * time.Second}

	resp, err := client.Get(statsURL)
	if err != nil {
		fmt.Println("  (stats endpoint unreachable)")
		return nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil
	}

	var stats struct {
		Metrics metrics.Stats  `json:"metrics"`
		Journal *store.Summary `json:"journal"`
	}
	if err := json.Unmarshal(body, &stats); err != nil {
		return nil
	}

	fmt.Printf("\n  Uptime:          %s\n", stats.Metrics.Uptime)
	fmt.Printf("  Active Requests: %d\n", stats.Metrics.ActiveRequests)
	fmt.Printf("  Hot Slots:       %d\n", stats.Metrics.HotSlots)
	fmt.Printf("  Saves:           %d ok / %d failed\n", stats.Metrics.SavesOK, stats.Metrics.SavesFailed)
	fmt.Printf("  Restores:        %d ok / %d failed\n", stats.Metrics.RestoresOK, stats.Metrics.RestoresFailed)
	if stats.Journal != nil {
		fmt.Printf("  Total Requests:  %d (%d big)\n", stats.Journal.TotalRequests, stats.Journal.BigRequests)
		for outcome, n := range stats.Journal.ByOutcome {
			fmt.Printf("    %-14s %d\n", outcome+":", n)
		}
	}

	return nil
}

// runPruner periodically prunes old journal rows.
func runPruner(ctx context.Context, st *store.Store, retentionDays int) {
	if retentionDays <= 0 {
		return
	}

	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						log.Error().Interface("panic", r).Msg("journal pruner: recovered from panic")
					}
				}()
				n, err := st.Prune(retentionDays)
				if err != nil {
					log.Error().Err(err).Msg("journal pruning failed")
				} else if n > 0 {
					log.Info().Int64("rows", n).Int("retention_days", retentionDays).Msg("pruned journal rows")
				}
			}()
		}
	}
}

// parseLogLevel converts a string log level to a zerolog.Level.
func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}
