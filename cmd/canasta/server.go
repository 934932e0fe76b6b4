package main

import (
	"context"
	"errors"
	"fmt"
	"net"
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

	"github.com/kalambet/canasta/internal/api"
	"github.com/kalambet/canasta/internal/assistant"
	"github.com/kalambet/canasta/internal/bus"
	"github.com/kalambet/canasta/internal/chat"
	"github.com/kalambet/canasta/internal/config"
	"github.com/kalambet/canasta/internal/eventlog"
	"github.com/kalambet/canasta/internal/ingest"
	"github.com/kalambet/canasta/internal/logx"
	"github.com/kalambet/canasta/internal/pricing"
	"github.com/kalambet/canasta/internal/session"
	"github.com/kalambet/canasta/internal/storage"
	"github.com/kalambet/canasta/internal/supabase"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the canasta server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running canasta server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show canasta system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func init() {
	startCmd.Flags().Bool("mcp", true, "serve the MCP tools on stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "canasta.pid")
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

func serverURL(cfg config.Config) string {
	return fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
}

// pingFunc adapts a plain function to api.Pinger.
type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "canasta version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logx.Init(logx.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})

	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	logx.Info().Msg("API bearer token available")

	// Refuse to start twice on the same port.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(serverURL(cfg) + "/health"); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("canasta is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("canasta is already running on port %d", cfg.Server.Port)
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
			logx.Warn().Err(err).Msg("closing storage")
		}
	}()

	health := []api.Pinger{store}

	var catalog pricing.Catalog = store
	if cfg.Storage.Backend == config.BackendSupabase {
		sb := supabase.NewClient(cfg.Supabase.URL, cfg.Supabase.Key)
		catalog = sb
		health = append(health, sb)
		logx.Info().Str("url", cfg.Supabase.URL).Msg("using supabase catalog")
	} else {
		n, err := store.CountPrices(ctx)
		if err != nil {
			return fmt.Errorf("counting catalog rows: %w", err)
		}
		if n == 0 {
			printWarning("local catalog is empty; import prices with `canasta catalog import <file.csv>`")
		}
		logx.Info().Int("rows", n).Msg("using local catalog")
	}

	sink := eventlog.NewSink(store)
	agentBus := bus.New(bus.WithObserver(sink.Observer()))

	searcher := pricing.NewSearcher(catalog, agentBus,
		pricing.WithMaxAttempts(cfg.Search.MaxAttempts),
		pricing.WithBackoff(cfg.Search.BackoffDuration()),
	)

	eng := assistant.NewOpenAIEngine(cfg.Assistant.APIKey, cfg.Assistant.AssistantID, cfg.Assistant.BaseURL)
	runner := assistant.NewRunner(eng, searcher,
		assistant.WithMaxPolls(cfg.Assistant.MaxPolls),
		assistant.WithPollInterval(cfg.Assistant.PollDuration()),
		assistant.WithPublisher(agentBus),
	)

	chatOpts := []chat.Option{
		chat.WithPublisher(agentBus),
		chat.WithEvents(sink),
	}
	if cfg.Redis.Enabled() {
		rdb, err := cfg.Redis.New(ctx)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		defer rdb.Close()
		chatOpts = append(chatOpts, chat.WithCache(session.NewCache(rdb, cfg.Redis)))
		health = append(health, pingFunc(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}))
		logx.Info().Msg("redis session cache enabled")
	}
	chatSvc := chat.NewService(eng, runner, store, chatOpts...)

	handler := api.NewHandler(api.AppDeps{
		Chat:      chatSvc,
		Pricing:   searcher,
		Catalog:   catalog,
		Store:     store,
		Bus:       agentBus,
		Token:     apiToken,
		Threshold: cfg.Search.Threshold,
		Health:    health,
	})

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	worker := ingest.NewWorker(store, store, 500*time.Millisecond)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return sink.Run(gctx) })
	g.Go(func() error { return worker.Run(gctx) })

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Pricing:   searcher,
			Catalog:   catalog,
			Store:     store,
			Bus:       agentBus,
			Threshold: cfg.Search.Threshold,
		}, version)
		stdioSrv := server.NewStdioServer(mcpSrv)
		g.Go(func() error {
			// A closed stdin ends the MCP session, not the server.
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				logx.Error().Err(err).Msg("MCP stdio server stopped")
			}
			return nil
		})
		logx.Info().Msg("MCP server started (stdio transport)")
	}

	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "canasta listening on %s\n", addr)
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
	if dropped := sink.Dropped(); dropped > 0 {
		logx.Warn().Int64("dropped", dropped).Msg("log entries dropped")
	}
	return err
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
		printError("canasta is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop canasta (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to canasta (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client := &http.Client{Timeout: 2 * time.Second}
	running := false
	resp, err := client.Get(serverURL(cfg) + "/health")
	switch {
	case err != nil:
		printStatus("Server", "stopped")
	case resp.StatusCode == http.StatusOK:
		resp.Body.Close()
		running = true
		printStatus("Server", "running on %s:%d", cfg.Server.Host, cfg.Server.Port)
	default:
		resp.Body.Close()
		printStatus("Server", "degraded (HTTP %d)", resp.StatusCode)
	}

	printStatus("Catalog", "%s", cfg.Storage.Backend)
	if cfg.Storage.Backend == config.BackendSupabase {
		printStatus("Supabase", "%s", cfg.Supabase.URL)
	}
	assistantState := "configured"
	if err := cfg.Validate(); err != nil {
		assistantState = err.Error()
	}
	printStatus("Assistant", "%s", assistantState)
	if cfg.Redis.Enabled() {
		printStatus("Redis", "enabled")
	} else {
		printStatus("Redis", "disabled")
	}

	if running {
		if ac, err := newAPIClient(); err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if resp, err := ac.get(ctx, "/api/agent-messages"); err == nil {
				var msgs []bus.Message
				if decodeJSON(resp, &msgs) == nil {
					printStatus("Agent messages", "%d", len(msgs))
				}
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
