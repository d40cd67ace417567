package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/anyan2/IdeaSystemXS/internal/api"
	"github.com/anyan2/IdeaSystemXS/internal/config"
	"github.com/anyan2/IdeaSystemXS/internal/enrich"
	"github.com/anyan2/IdeaSystemXS/internal/ideas"
	"github.com/anyan2/IdeaSystemXS/internal/notify"
	"github.com/anyan2/IdeaSystemXS/internal/ollama"
	"github.com/anyan2/IdeaSystemXS/internal/provider"
	"github.com/anyan2/IdeaSystemXS/internal/queue"
	"github.com/anyan2/IdeaSystemXS/internal/search"
	"github.com/anyan2/IdeaSystemXS/internal/storage"
	"github.com/anyan2/IdeaSystemXS/internal/vectorstore"
)

var serveMCP bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ideas server and enrichment workers (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running ideas server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server, provider and queue status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveMCP, "mcp", false, "also serve MCP over stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "ideas.pid")
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

func logLevel(s string) slog.Level {
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

func openVectors(cfg config.Config) (vectorstore.Store, error) {
	switch cfg.Vector.Backend {
	case "chromem":
		return vectorstore.OpenChromem(cfg.Storage.DataDir, cfg.Vector.Dimension)
	default:
		return vectorstore.OpenSQLite(cfg.Storage.DataDir, cfg.Vector.Dimension)
	}
}

func providerOptions(cfg config.Config) provider.Options {
	return provider.Options{
		Embedder:         cfg.Provider.Embedder,
		Summarizer:       cfg.Provider.Summarizer,
		Dimension:        cfg.Vector.Dimension,
		CacheSize:        cfg.Embed.CacheSize,
		OllamaBaseURL:    cfg.Ollama.BaseURL,
		OllamaEmbedModel: cfg.Ollama.EmbedModel,
		OllamaChatModel:  cfg.Ollama.ChatModel,
		OpenAIBaseURL:    cfg.OpenAI.BaseURL,
		OpenAIAPIKey:     cfg.Provider.OpenAIAPIKey,
		OpenAIEmbedModel: cfg.OpenAI.EmbedModel,
		OpenAIChatModel:  cfg.OpenAI.ChatModel,
		AnthropicAPIKey:  cfg.Provider.AnthropicAPIKey,
		AnthropicModel:   cfg.Anthropic.Model,
	}
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "ideas version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// MCP owns stdout when enabled, so logs always go to stderr.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.Log.Level)})))

	token, err := config.EnsureAPIToken(&cfg)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("ideas is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("ideas is already running on port %d", cfg.Server.Port)
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
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	vectors, err := openVectors(cfg)
	if err != nil {
		return fmt.Errorf("opening vector store: %w", err)
	}
	defer vectors.Close()

	prov, closeProv, err := provider.Build(providerOptions(cfg))
	if err != nil {
		return fmt.Errorf("building provider: %w", err)
	}
	defer closeProv()

	searcher := search.New(vectors, store, prov)
	sched := queue.New(store, prov, queue.Config{
		Concurrency:    cfg.Queue.Concurrency,
		BatchSize:      cfg.Queue.BatchSize,
		PollInterval:   cfg.Queue.PollInterval,
		ProbeInterval:  cfg.Queue.ProbeInterval,
		BackoffBase:    cfg.Queue.BackoffBase,
		BackoffCap:     cfg.Queue.BackoffCap,
		OfflineStrikes: cfg.Queue.OfflineStrikes,
		CallTimeout:    cfg.Queue.CallTimeout,
	})

	// A missing Ollama is not fatal: ideas are still captured and the
	// scheduler resumes once a probe succeeds.
	if cfg.Provider.Embedder == "ollama" || cfg.Provider.Summarizer == "ollama" {
		readyCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
		err := ollama.EnsureReady(readyCtx, ollama.New(cfg.Ollama.BaseURL), cfg.Ollama.ChatModel, cfg.Ollama.EmbedModel, os.Stderr)
		cancel()
		if err != nil {
			printWarning("%v", err)
			sched.MarkProviderDown(err.Error())
		}
	}

	bands, err := enrich.ParseBands(cfg.Relations.Bands)
	if err != nil {
		return fmt.Errorf("parsing relations.bands: %w", err)
	}
	pipe := enrich.NewPipeline(store, vectors, prov, searcher, enrich.RelationConfig{
		Threshold: cfg.Relations.Threshold,
		TopK:      cfg.Relations.TopK,
		Bands:     bands,
	})
	pipe.Register(sched)

	manager := ideas.NewManager(store, vectors, sched)

	hub := notify.NewHub()
	hub.Attach(sched)

	reconciler := enrich.NewReconciler(store, vectors, sched, cfg.Queue.FailedRetention())
	if _, err := reconciler.Run(ctx, true); err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}
	// Workers are joined before the deferred store closes run.
	var workers errgroup.Group
	workers.Go(func() error {
		reconciler.Loop(ctx, cfg.Queue.ReconcileInterval)
		return nil
	})
	workers.Go(func() error {
		sched.Run(ctx)
		return nil
	})
	defer func() {
		stop()
		workers.Wait()
	}()

	appHandler := api.NewAppHandler(api.AppDeps{
		Store:      store,
		Ideas:      manager,
		Search:     searcher,
		Scheduler:  sched,
		Vectors:    vectors,
		Reconciler: reconciler,
		Events:     hub,
		Token:      token,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           appHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if serveMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{Store: store, Ideas: manager, Search: searcher})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "ideas listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("ideas is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop ideas (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to ideas (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c, err := newAPIClient()
	if err != nil {
		printStatus("Server", "unknown (%v)", err)
		return nil
	}
	resp, err := c.get(ctx, "/status")
	if err != nil {
		printStatus("Server", "stopped")
		return nil
	}
	var st api.StatusResponse
	if err := decodeJSON(resp, &st); err != nil {
		return err
	}

	printStatus("Server", "running at %s", c.baseURL)
	printStatus("Provider", "%s", colorize(modeColor(st.Mode), st.Mode))
	printStatus("Ideas", "%d", st.Ideas)
	printStatus("Vectors", "%d", st.Vectors)
	printStatus("Relations", "%d", st.Relations)
	printStatus("Active tasks", "%d", st.ActiveTasks)
	for _, s := range []string{"pending", "processing", "completed", "failed"} {
		printStatus("  "+s, "%d", st.Tasks[s])
	}
	if len(st.TrendingTopics) > 0 {
		words := make([]string, 0, len(st.TrendingTopics))
		for _, k := range st.TrendingTopics {
			words = append(words, k.Keyword)
		}
		printStatus("Trending", "%s", strings.Join(words, ", "))
	}
	return nil
}

func modeColor(mode string) string {
	if mode == queue.ModeOnline.String() {
		return colorGreen
	}
	return colorYellow
}
