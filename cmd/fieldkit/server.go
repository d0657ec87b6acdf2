package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/fieldkit/internal/api"
	"github.com/kalambet/fieldkit/internal/cloud"
	"github.com/kalambet/fieldkit/internal/config"
	"github.com/kalambet/fieldkit/internal/connectivity"
	"github.com/kalambet/fieldkit/internal/engine"
	"github.com/kalambet/fieldkit/internal/enrich"
	"github.com/kalambet/fieldkit/internal/llm"
	"github.com/kalambet/fieldkit/internal/media"
	"github.com/kalambet/fieldkit/internal/retrieval"
	"github.com/kalambet/fieldkit/internal/storage"
	"github.com/kalambet/fieldkit/internal/syncqueue"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the fieldkit daemon (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running fieldkit daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show fieldkit system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "fieldkit.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "fieldkit version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.Log.Level)}))
	slog.SetDefault(logger)

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}()

	mediaStore, err := media.New(media.Options{
		Backend: cfg.Media.Backend,
		Dir:     filepath.Join(cfg.Storage.DataDir, "media"),
		Blobs:   store,
		S3:      media.S3Config{Region: cfg.Media.S3Region, Endpoint: cfg.Media.S3Endpoint},
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("opening media store: %w", err)
	}
	if n, err := store.MigrateLegacyMedia(ctx, mediaStore, logger); err != nil {
		slog.Warn("legacy media migration stopped", "migrated", n, "error", err)
	} else if n > 0 {
		slog.Info("migrated legacy media", "records", n)
	}

	monitor := connectivity.NewMonitor(connectivity.MonitorOptions{
		ProbeURL: cfg.Connectivity.ProbeURL,
		Interval: cfg.Connectivity.Interval,
		Logger:   logger,
	})
	// Probe once before the queues start so the first capture sees a real
	// connectivity state.
	monitor.Check(ctx)

	analyzer, err := enrich.NewOpenAIAnalyzer(
		cloud.NewClient(cfg.Enrichment.APIKey, cfg.Enrichment.BaseURL),
		cfg.Enrichment.CaptionModel,
		cfg.Enrichment.TranscribeModel,
	)
	if err != nil {
		return fmt.Errorf("building enrichment analyzer: %w", err)
	}
	// Cancelled on shutdown to stop background drains.
	daemon, stopDaemon := context.WithCancel(ctx)
	defer stopDaemon()

	enrichQueue := enrich.New(store, mediaStore, analyzer, enrich.Options{
		Online:  monitor.Online,
		Context: daemon,
		Logger:  logger,
	})
	if cfg.Enrichment.APIKey == "" {
		slog.Warn("no enrichment API key; captions and transcripts are disabled")
	}

	syncQueue := syncqueue.New(store, mediaStore, syncqueue.Options{
		RequestsPerSecond: cfg.Sync.RequestsPerSecond,
		Online:            monitor.Online,
		Context:           daemon,
		Logger:            logger,
	})
	syncQueue.SetConfig(syncqueue.Config{ServerURL: cfg.Sync.ServerURL, APIKey: cfg.Sync.APIKey})
	if !syncQueue.Configured() {
		slog.Info("sync server not configured; records stay local")
	}

	eng, err := engine.Detect(engine.DetectConfig{OllamaBaseURL: cfg.Generation.OllamaURL})
	if err != nil {
		return fmt.Errorf("detecting inference engine: %w", err)
	}
	local := llm.NewLocalBackend(eng, logger, cfg.Generation.PrimaryModel, cfg.Generation.FallbackModel)
	cloudBackend := llm.NewCloudBackend(llm.CloudOptions{
		APIKey:   cfg.Generation.CloudAPIKey,
		Provider: llm.Provider(cfg.Generation.Provider),
		Online:   monitor.Online,
	})
	strategy := llm.NewStrategy(local, cloudBackend, logger)
	for name, p := range strategy.Backends(ctx) {
		slog.Info("generation backend", "backend", name, "available", p.Available, "reason", p.Reason)
	}

	embedder := retrieval.NewEmbedder(eng, cfg.Generation.EmbedModel)
	indexer := retrieval.NewIndexer(store, embedder, logger)

	runner := connectivity.NewRunner(monitor, connectivity.RunnerOptions{
		Interval: cfg.Connectivity.Interval,
		Logger:   logger,
	},
		connectivity.Target{Name: "enrichment", Process: enrichQueue.ProcessQueue},
		connectivity.Target{Name: "sync", Process: syncQueue.ProcessQueue},
		connectivity.Refresh("generation", func(ctx context.Context) { local.Recheck(ctx) }),
		connectivity.Refresh("retrieval", func(ctx context.Context) {
			if _, err := indexer.Process(ctx); err != nil {
				logger.Debug("indexing records for search", "error", err)
			}
		}),
	)

	if cfg.Server.APIToken == "" {
		slog.Warn("server.api_token is empty; the local API accepts unauthenticated requests")
	}
	handler := api.NewHandler(api.Deps{
		Store:            store,
		Media:            mediaStore,
		Enrich:           enrichQueue,
		Sync:             syncQueue,
		LLM:              strategy,
		History:          retrieval.NewSearcher(store, embedder, logger),
		Refocus:          runner.Refocus,
		Online:           monitor.Online,
		HasEnrichmentKey: cfg.Enrichment.APIKey != "",
		DefaultModel:     llm.ModelOption(cfg.Generation.Preference),
		Token:            cfg.Server.APIToken,
		Logger:           logger,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		monitor.Run(gctx)
		return nil
	})
	g.Go(func() error {
		runner.Run(gctx)
		return nil
	})
	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "fieldkit listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	stopDaemon()
	enrichQueue.Wait()
	syncQueue.Wait()
	return err
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("fieldkit is not running (no PID file): %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("could not find process %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		removePIDFile(pidPath)
		return fmt.Errorf("could not stop fieldkit (PID %d): %w", pid, err)
	}

	printSuccess("Sent stop signal to fieldkit (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	client := &apiClient{
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
		token:      cfg.Server.APIToken,
		httpClient: &http.Client{Timeout: 3 * time.Second},
	}

	running := false
	resp, err := client.get(ctx, "/health")
	switch {
	case err != nil:
		printStatus("Server", "stopped")
	case resp.StatusCode == http.StatusOK:
		resp.Body.Close()
		running = true
		printStatus("Server", "running on port %d", cfg.Server.Port)
	default:
		resp.Body.Close()
		printStatus("Server", "error (HTTP %d)", resp.StatusCode)
	}

	eng := engine.NewOllamaEngine(cfg.Generation.OllamaURL)
	if eng.IsRunning(ctx) {
		printStatus("Ollama", "running at %s", cfg.Generation.OllamaURL)
	} else {
		printStatus("Ollama", "not running")
	}
	printStatus("Models", "%s, fallback %s, embeddings %s", cfg.Generation.PrimaryModel, cfg.Generation.FallbackModel, cfg.Generation.EmbedModel)
	printStatus("Preference", "%s", cfg.Generation.Preference)

	if running {
		var backends map[string]llm.Probe
		if err := client.getJSON(ctx, "/backends", &backends); err == nil {
			for _, name := range []string{"local", "cloud"} {
				p, ok := backends[name]
				if !ok {
					continue
				}
				if p.Available {
					printStatus("Backend "+name, "%s", green("available"))
				} else {
					printStatus("Backend "+name, "%s", yellow(p.Reason))
				}
			}
		}
		var st api.QueueStatus
		if err := client.getJSON(ctx, "/queues/status", &st); err == nil {
			printStatus("Online", "%s", yesNo(st.Online))
			printStatus("Enrichment queue", "%d", st.Enrichment)
			if st.SyncConfigured {
				printStatus("Sync queue", "%d (%d records unsynced)", st.Sync.Queued, st.Sync.Pending)
			} else {
				printStatus("Sync queue", "not configured")
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
