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
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/imagebank/internal/api"
	"github.com/kalambet/imagebank/internal/config"
	"github.com/kalambet/imagebank/internal/imagebank"
	"github.com/kalambet/imagebank/internal/ingest"
	"github.com/kalambet/imagebank/internal/media"
	"github.com/kalambet/imagebank/internal/normalize"
	"github.com/kalambet/imagebank/internal/objstore"
	"github.com/kalambet/imagebank/internal/ollama"
	"github.com/kalambet/imagebank/internal/provider"
	"github.com/kalambet/imagebank/internal/review"
	"github.com/kalambet/imagebank/internal/storage"
)

const (
	jobRetention  = 7 * 24 * time.Hour
	pruneInterval = time.Hour
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the imagebank server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mcpStdio, _ := cmd.Flags().GetBool("mcp")
		return runServer(mcpStdio)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show imagebank system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "also serve MCP over stdin/stdout")
}

func setupLogging(level string) {
	logLevel := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// openObjects returns the object backend selected by cfg.Objects.Backend.
func openObjects(ctx context.Context, cfg config.Config, store *storage.Store) (objstore.Backend, error) {
	switch cfg.Objects.Backend {
	case config.BackendFile:
		return objstore.NewFileBackend(filepath.Join(cfg.Storage.DataDir, "objects")), nil
	case config.BackendSQLite:
		return store, nil
	case config.BackendS3:
		return objstore.NewS3Backend(ctx, objstore.S3Config{
			Bucket:   cfg.Objects.S3Bucket,
			Region:   cfg.Objects.S3Region,
			Endpoint: cfg.Objects.S3Endpoint,
		})
	}
	return nil, fmt.Errorf("unknown object backend %q", cfg.Objects.Backend)
}

// buildRegistry registers every configured provider that has an API key,
// in configuration order. The first one registered is the default.
func buildRegistry(cfg config.Config) (*provider.Registry, string) {
	reg := provider.NewRegistry()
	var first string
	for _, name := range cfg.Media.Providers {
		key := cfg.ProviderKey(name)
		if key == "" {
			slog.Warn("provider has no API key, skipping", "provider", name)
			continue
		}
		switch name {
		case "unsplash":
			reg.Register(provider.NewUnsplash(key))
		case "pexels":
			reg.Register(provider.NewPexels(key))
		case "getty":
			reg.Register(provider.NewGetty(key))
		default:
			slog.Warn("unknown provider in config, skipping", "provider", name)
			continue
		}
		if first == "" {
			first = name
		}
	}
	return reg, first
}

func runServer(mcpStdio bool) error {
	fmt.Fprintf(os.Stderr, "imagebank version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	setupLogging(cfg.Log.Level)
	if cfg.Server.APIToken == "" {
		printWarning("IMAGEBANK_API_TOKEN is not set; authenticated endpoints will reject every request")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ollamaClient := ollama.New(cfg.Ollama.BaseURL)
	if err := ollama.EnsureReady(ctx, ollamaClient, cfg.Ollama.FastModel, cfg.Ollama.VisionModel, cfg.Ollama.EmbedModel, os.Stderr); err != nil {
		return err
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	backend, err := openObjects(ctx, cfg, store)
	if err != nil {
		return fmt.Errorf("opening object storage: %w", err)
	}
	objects := objstore.New(backend, cfg.Objects.Prefix)

	bankCfg := imagebank.Config{
		Dimension: cfg.Bank.Dimension,
		MinScore:  float32(cfg.Bank.MinScore),
	}
	if cfg.Bank.MirrorImages {
		bankCfg.Mirror = imagebank.NewObjectMirror(objects)
	}
	bank := imagebank.New(
		objects,
		imagebank.NewOllamaEmbedder(ollamaClient, cfg.Ollama.EmbedModel),
		imagebank.NewVisionAnalyzer(ollamaClient, cfg.Ollama.VisionModel),
		bankCfg,
	)
	printStep("Loading image bank...")
	if err := bank.Load(ctx); err != nil {
		return fmt.Errorf("loading image bank: %w", err)
	}
	printSuccess("Image bank loaded (%d entries)", bank.Len())

	registry, defaultProvider := buildRegistry(cfg)
	if registry.Len() == 0 {
		printWarning("No image providers configured; only bank results will be served")
	}

	queue := ingest.NewQueue(store, cfg.Sync.Delay)
	mediaCfg := media.Config{
		ConfidentScore:  float32(cfg.Media.ConfidentScore),
		CacheTTL:        cfg.Media.CacheTTL,
		CacheSize:       cfg.Media.CacheSize,
		FallbackQueries: cfg.Media.FallbackQueries,
	}
	if base := cfg.Objects.PublicBaseURL; base != "" {
		mediaCfg.PublicURL = func(name string) string {
			return objects.PublicURL(base, name)
		}
	}
	mediaClient := media.New(registry, bank, normalize.New(ollamaClient, cfg.Ollama.FastModel), queue, mediaCfg)

	deps := api.Deps{
		Media:           mediaClient,
		Bank:            bank,
		Review:          review.NewService(bank, queue),
		DefaultProvider: defaultProvider,
		Token:           cfg.Server.APIToken,
	}

	worker := ingest.NewWorker(store, bank, queue, 500*time.Millisecond)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		worker.Run(ctx)
	}()
	go pruneJobs(ctx, store)

	if mcpStdio {
		stdioSrv := server.NewStdioServer(api.NewMCPServer(deps))
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: api.NewHandler(deps),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "imagebank listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			serveErr = fmt.Errorf("server error: %w", err)
			stop()
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown", "error", err)
	}
	<-workerDone

	// Flush anything stored since the last sync.
	if bank.Dirty() {
		if err := bank.Sync(shutdownCtx); err != nil {
			slog.Error("final bank sync failed", "error", err)
		}
	}
	return serveErr
}

// pruneJobs removes finished jobs older than jobRetention and reports
// archive jobs that ran out of attempts.
func pruneJobs(ctx context.Context, store *storage.Store) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.PruneJobs(time.Now().Add(-jobRetention))
			if err != nil {
				slog.Warn("pruning jobs", "error", err)
				continue
			}
			if n > 0 {
				slog.Debug("pruned jobs", "count", n)
			}
			if c, err := store.CountJobs(ingest.JobBankStore); err == nil && c.Failed > 0 {
				slog.Warn("archive jobs failed permanently", "failed", c.Failed, "pending", c.Pending)
			}
		}
	}
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	httpClient := &http.Client{Timeout: 2 * time.Second}
	client := &apiClient{baseURL: serverURL, token: cfg.Server.APIToken, httpClient: httpClient}

	var health struct {
		Status  string `json:"status"`
		Bank    string `json:"bank"`
		Entries int    `json:"entries"`
	}
	running := false
	if resp, err := client.get(ctx, "/health"); err != nil {
		printStatus("Server", "stopped")
	} else if err := decodeJSON(resp, &health); err != nil {
		printStatus("Server", "error (%v)", err)
	} else {
		running = true
		printStatus("Server", "running on port %d", cfg.Server.Port)
		printStatus("Bank", "%s, %d entries", health.Bank, health.Entries)
	}

	if ollama.New(cfg.Ollama.BaseURL).IsRunning(ctx) {
		printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
	} else {
		printStatus("Ollama", "not running")
	}
	printStatus("Fast model", "%s", cfg.Ollama.FastModel)
	printStatus("Vision model", "%s", cfg.Ollama.VisionModel)
	printStatus("Embed model", "%s", cfg.Ollama.EmbedModel)

	if running && cfg.Server.APIToken != "" {
		resp, err := client.get(ctx, "/bank/stats")
		if err == nil {
			var st imagebank.Stats
			if decodeJSON(resp, &st) == nil {
				printStatus("Pending review", "%d", st.ByStatus[imagebank.StatusPending])
				printStatus("Flagged", "%d", st.ByStatus[imagebank.StatusFlagged])
				printStatus("Unsynced changes", "%t", st.Dirty)
			}
		}
	}

	printStatus("Objects", "%s", cfg.Objects.Backend)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
