package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"mcp-server-images/internal/config"
	"mcp-server-images/internal/mcp"
	"mcp-server-images/internal/providers"
	"mcp-server-images/internal/providers/bfl"
	"mcp-server-images/internal/providers/stability"
	"mcp-server-images/internal/tools"
	"mcp-server-images/internal/utils"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		// slog is not configured yet.
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	// stdout carries the protocol; all logging goes to stderr.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	clients, err := newClients(cfg, logger)
	if err != nil {
		slog.Error("Failed to create provider clients", "error", err)
		os.Exit(1)
	}
	defer closeClients(clients)

	handler := tools.NewHandler(tools.Options{
		OutputDir:        cfg.OutputDir,
		FilenameTemplate: cfg.FilenameTemplate,
		WriteMetadata:    cfg.WriteMetadata,
		Logger:           logger,
		Renderer:         utils.NewFilenameRenderer(),
	}, clients...)

	slog.Info("Starting MCP image generation server on stdio",
		"providers", handler.Configured(), "output_dir", cfg.OutputDir, "timeout", cfg.Timeout())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := mcp.NewStdioServer(os.Stdin, os.Stdout, logger)
	server.Start(ctx)
	serve(ctx, server, handler)

	if err := server.Close(); err != nil {
		slog.Error("Error closing server", "error", err)
	}
	slog.Info("Server exited")
}

// serve dispatches each request on its own goroutine and returns once input
// has ended (or ctx is cancelled) and every in-flight call has finished.
func serve(ctx context.Context, server *mcp.StdioServer, handler *tools.Handler) {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		var request mcp.JSONRPCRequest
		select {
		case <-ctx.Done():
			slog.Info("Shutdown requested")
			return
		case req, ok := <-server.ReadChannel():
			if !ok {
				return
			}
			request = req
		}

		wg.Add(1)
		go func(request mcp.JSONRPCRequest) {
			defer wg.Done()
			// HandleRequest returns nil for notifications.
			if resp := handler.HandleRequest(ctx, request); resp != nil {
				if !server.Send(*resp) {
					slog.Warn("Dropping response during shutdown", "method", request.Method)
				}
			}
		}(request)
	}
}

// newClients builds a client for every provider that has an API key.
func newClients(cfg *config.Config, logger *slog.Logger) ([]providers.Provider, error) {
	var clients []providers.Provider

	if cfg.StabilityAPIKey != "" {
		c, err := stability.NewClient(cfg.StabilityAPIKey,
			stability.WithBaseURL(cfg.StabilityBaseURL),
			stability.WithTimeout(cfg.Timeout()),
			stability.WithLogger(logger),
		)
		if err != nil {
			return nil, err
		}
		clients = append(clients, c)
	} else {
		slog.Info("Stability AI provider disabled", "reason", config.EnvStabilityAPIKey+" not set")
	}

	if cfg.BFLAPIKey != "" {
		c, err := bfl.NewClient(cfg.BFLAPIKey,
			bfl.WithBaseURL(cfg.BFLBaseURL),
			bfl.WithTimeout(cfg.Timeout()),
			bfl.WithPollInterval(cfg.PollInterval),
			bfl.WithLogger(logger),
		)
		if err != nil {
			closeClients(clients)
			return nil, err
		}
		clients = append(clients, c)
	} else {
		slog.Info("BFL provider disabled", "reason", config.EnvBFLAPIKey+" not set")
	}

	if len(clients) == 0 {
		return nil, errors.New("no provider could be configured")
	}
	return clients, nil
}

func closeClients(clients []providers.Provider) {
	for _, c := range clients {
		if err := c.Close(); err != nil {
			slog.Error("Error closing provider client", "provider", c.Name(), "error", err)
		}
	}
}
