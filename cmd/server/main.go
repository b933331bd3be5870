package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"

	"github.com/lesleslie/crackerjack-mcp/internal/config"
	mcpServer "github.com/lesleslie/crackerjack-mcp/internal/mcp"
	"github.com/lesleslie/crackerjack-mcp/internal/server"
	"github.com/lesleslie/crackerjack-mcp/internal/web"
)

// Version information - set by ldflags during build
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		showVersion = flag.Bool("version", false, "Show version information")
		httpMode    = flag.Bool("http", false, "Serve MCP over HTTP/SSE instead of stdio")
		httpPort    = flag.Int("http-port", 0, "Port for the MCP HTTP transport")
	)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(),
			"Usage: %s [flags] [project_path] [websocket_port]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Printf("Crackerjack MCP Server\n")
		fmt.Printf("  Version:   %s\n", version)
		fmt.Printf("  Build Time: %s\n", buildTime)
		fmt.Printf("  Git Commit: %s\n", gitCommit)
		fmt.Printf("  Go Version: %s\n", runtime.Version())
		return 0
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		return 1
	}

	// Positional arguments: project_path (default ".") and websocket_port.
	args := flag.Args()
	if len(args) > 0 {
		cfg.ProjectPath = args[0]
	}
	if len(args) > 1 {
		port, err := strconv.Atoi(args[1])
		if err != nil || port < 1 || port > 65535 {
			slog.Error("Invalid websocket port", "arg", args[1])
			return 1
		}
		cfg.WebSocketPort = port
	}
	if *httpMode {
		cfg.StdioMode = false
		cfg.HTTPEnabled = true
	}
	if *httpPort > 0 {
		cfg.HTTPPort = *httpPort
	}

	setLogLevel(cfg.LogLevel, cfg.StdioMode)

	slog.Info("Starting Crackerjack MCP Server",
		"version", version,
		"build_time", buildTime,
		"git_commit", gitCommit,
		"project_path", cfg.ProjectPath,
		"stdio_mode", cfg.StdioMode,
	)

	if cfg.PProfEnabled {
		go startPProfServer(cfg.PProfPort)
	}

	serverCtx := server.New(cfg)
	if err := serverCtx.Initialise(context.Background()); err != nil {
		slog.Error("Server initialisation failed", "error", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Web server hosts the progress WebSocket gateway and HTTP surface.
	webServer := web.NewServer(serverCtx, version)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("Web server goroutine panicked", "panic", r)
				cancel()
			}
		}()
		addr := fmt.Sprintf("0.0.0.0:%d", cfg.WebSocketPort)
		slog.Info("Starting web server", "addr", addr)
		if err := webServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("Web server error", "error", err)
			cancel()
		}
	}()

	mcpSrv := mcpServer.NewServer(serverCtx)
	stdioDone := make(chan error, 1)
	if cfg.StdioMode {
		go func() {
			stdioDone <- mcpSrv.ServeStdio(ctx)
		}()
	} else {
		go func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("MCP server goroutine panicked", "panic", r)
					cancel()
				}
			}()
			addr := fmt.Sprintf("0.0.0.0:%d", cfg.HTTPPort)
			slog.Info("Starting MCP server", "addr", addr)
			if err := mcpSrv.Start(addr); err != nil && err != http.ErrServerClosed {
				slog.Error("MCP server error", "error", err)
				cancel()
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)

	select {
	case sig := <-quit:
		slog.Info("Shutdown signal received", "signal", sig.String())
	case err := <-stdioDone:
		if err != nil {
			slog.Error("Stdio transport error", "error", err)
		} else {
			slog.Info("Stdio transport closed")
		}
	case <-ctx.Done():
		slog.Info("Context cancelled")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	slog.Info("Initiating graceful shutdown", "timeout", cfg.ShutdownTimeout)

	if err := webServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("Web server shutdown error", "error", err)
	}
	if err := mcpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("MCP server shutdown error", "error", err)
	}
	serverCtx.Shutdown(shutdownCtx)

	slog.Info("Server stopped gracefully")
	return 0
}

// startPProfServer starts the pprof debugging server
func startPProfServer(port int) {
	addr := fmt.Sprintf("localhost:%d", port)
	slog.Info("Starting pprof server", "addr", addr)

	// pprof endpoints are registered via the _ import
	if err := http.ListenAndServe(addr, nil); err != nil {
		slog.Error("pprof server error", "error", err)
	}
}

func setLogLevel(level string, stdioMode bool) {
	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "info":
		slogLevel = slog.LevelInfo
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	// In stdio mode stdout carries MCP framing; logs go to stderr.
	out := os.Stdout
	if stdioMode {
		out = os.Stderr
	}
	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: slogLevel,
	}))
	slog.SetDefault(logger)
}
