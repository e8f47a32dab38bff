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

	"github.com/dustin/go-humanize"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/gemi/internal/api"
	"github.com/kalambet/gemi/internal/catalog"
	"github.com/kalambet/gemi/internal/config"
	"github.com/kalambet/gemi/internal/download"
	"github.com/kalambet/gemi/internal/engine"
	"github.com/kalambet/gemi/internal/metrics"
	"github.com/kalambet/gemi/internal/ollama"
	"github.com/kalambet/gemi/internal/readiness"
	"github.com/kalambet/gemi/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the gemi server (foreground)",
	Long: `Start the gemi server in the foreground.

The server provisions the model in the background: it downloads the bundle if
needed, waits for the inference server to load it, and sends a warm-up
request. The API is available immediately; failures can be inspected with
"gemi status" and fixed with "gemi recover".

With --mcp, an MCP server is also served over stdin/stdout.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(cmd.Context(), withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running gemi server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server, model and download status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "also serve MCP over stdio")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "gemi.pid")
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

func logLevel(name string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// loadManifest picks the bundle manifest: an explicit file, or the built-in
// layout for the configured model.
func loadManifest(cfg config.Config) (*catalog.Manifest, error) {
	if cfg.Download.Manifest != "" {
		m, err := catalog.Load(cfg.Download.Manifest)
		if err != nil {
			return nil, fmt.Errorf("loading manifest: %w", err)
		}
		if m.BaseURL == "" {
			m.BaseURL = cfg.Download.BaseURL
		}
		return m, nil
	}
	m := catalog.Builtin(cfg.Download.BaseURL)
	m.Model = cfg.Inference.Model
	return m, nil
}

// pinManifest fills the built-in manifest with the sizes and digests the host
// publishes. Without them only server-reported sizes are checked.
func pinManifest(ctx context.Context, m *catalog.Manifest, creds *config.Credentials) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	token, _ := creds.Token()
	if err := m.Pin(ctx, nil, token); err != nil {
		slog.Warn("bundle listing unavailable, digests will not be checked", "model", m.Model, "error", err)
		return
	}
	slog.Info("bundle pinned", "model", m.Model, "files", len(m.Files), "size", humanize.Bytes(uint64(m.TotalSize())))
}

func chatDefaults(c config.ChatConfig) ollama.Options {
	return ollama.Options{
		Temperature: ollama.Temperature(c.Temperature),
		MaxTokens:   c.MaxTokens,
		TopK:        c.TopK,
		TopP:        c.TopP,
	}
}

func runServer(parent context.Context, withMCP bool) error {
	fmt.Fprintf(os.Stderr, "gemi version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.Log.Level)})))

	// Ensure API token exists in platform secret store.
	kc := config.NewKeychain()
	apiToken, err := config.GetAPIToken(kc)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	pidPath := pidFilePath(cfg.Storage.DataDir)
	baseURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	if healthy(parent, baseURL) {
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("gemi is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("gemi is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
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

	m := metrics.New()

	manifest, err := loadManifest(cfg)
	if err != nil {
		return err
	}
	creds := config.NewCredentials(cfg, kc)
	if cfg.Download.Manifest == "" {
		pinManifest(ctx, manifest, creds)
	}

	dl, err := download.New(download.Options{
		Manifest:     manifest,
		Dir:          cfg.ModelDir(),
		Transport:    download.NewHTTPTransport(nil, creds),
		Ledger:       store,
		Concurrency:  cfg.Download.Concurrency,
		StallTimeout: cfg.Download.StallTimeout,
		Metrics:      m,
	})
	if err != nil {
		return fmt.Errorf("creating downloader: %w", err)
	}
	defer dl.Close()

	inference := ollama.New(cfg.Inference.BaseURL)
	monitor := readiness.New(inference, readiness.Options{
		TTL:     cfg.Inference.HealthTTL,
		Grace:   cfg.Inference.HealthGrace,
		Metrics: m,
	})

	svc, err := engine.New(engine.Options{
		Inference:    inference,
		Downloader:   dl,
		Monitor:      monitor,
		Credentials:  creds,
		Model:        cfg.Inference.Model,
		ChatDefaults: chatDefaults(cfg.Chat),
		HostURL:      manifest.BaseURL,
		Metrics:      m,
	})
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: api.NewHandler(api.Deps{Engine: svc, Token: apiToken, Metrics: m.Handler()}),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return svc.Run(gctx) })

	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "gemi listening on %s\n", addr)
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

	// Provisioning failures are recorded on the service and left for the
	// user to act on; they do not stop the server.
	g.Go(func() error {
		if err := svc.EnsureReady(gctx, os.Stderr); err != nil && gctx.Err() == nil {
			f := svc.Describe(err)
			printError("%s", f.Message)
			printRemedies(os.Stderr, f.Recovery)
		}
		return nil
	})

	if withMCP {
		stdioSrv := server.NewStdioServer(api.NewMCPServer(svc, version))
		g.Go(func() error {
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
			return nil
		})
		slog.Info("MCP server started (stdio transport)")
	}

	return g.Wait()
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
		printError("gemi is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop gemi (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to gemi (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	printStatus("Model", "%s", cfg.Inference.Model)
	printStatus("Model dir", "%s", cfg.ModelDir())
	printStatus("Inference", "%s", cfg.Inference.BaseURL)

	baseURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	if !healthy(ctx, baseURL) {
		printStatus("Server", "stopped")
		return nil
	}
	printStatus("Server", "running on port %d", cfg.Server.Port)

	client, err := newAPIClient()
	if err != nil {
		return err
	}
	resp, err := client.get(ctx, "/v1/status")
	if err != nil {
		return err
	}
	var st api.StatusResponse
	if err := decodeJSON(resp, &st); err != nil {
		return err
	}
	printModelStatus(st)
	return nil
}

func printModelStatus(st api.StatusResponse) {
	if st.Ready {
		printStatus("Ready", "%s", colorize(colorGreen, "yes"))
	} else {
		printStatus("Ready", "%s", colorize(colorYellow, "no"))
	}

	switch {
	case !st.Health.Healthy && st.Health.ObservedAt == nil:
		printStatus("Health", "inference server not reached yet")
	case st.Health.ModelLoaded:
		printStatus("Health", "model loaded on %s", st.Health.Device)
	case st.Health.Progress > 0:
		printStatus("Health", "loading (%.0f%%)", st.Health.Progress*100)
	default:
		printStatus("Health", "model not loaded")
	}

	switch st.Download.Phase {
	case "downloading":
		printStatus("Download", "%s", formatProgress(st.Download))
	case "failed":
		printStatus("Download", "failed (%s)", st.Download.Kind)
	default:
		printStatus("Download", "%s", strings.ReplaceAll(st.Download.Phase, "_", " "))
	}

	if st.Failure != nil {
		fmt.Fprintln(os.Stderr)
		printError("%s", st.Failure.Message)
		if st.Failure.Detail != "" {
			printStatus("Detail", "%s", st.Failure.Detail)
		}
		printRemedies(os.Stderr, st.Failure.Recovery)
	}
}
