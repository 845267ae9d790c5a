package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	rulecache "github.com/wolfeidau/rule-cache"
	"github.com/wolfeidau/rule-cache/engine"
	"github.com/wolfeidau/rule-cache/mcp"
	"github.com/wolfeidau/rule-cache/server"
)

// ServeCmd runs the HTTP API with the MCP endpoint mounted at /mcp.
type ServeCmd struct {
	Host string `default:"0.0.0.0" env:"API_HOST" help:"Address to listen on."`
	Port int    `default:"8000" env:"API_PORT" help:"Port to listen on."`
}

func (c *ServeCmd) Run(g *Globals, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, g, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	mcpServer := mcp.NewServer(a.engine, mcp.WithLogger(logger), mcp.WithVersion(version))

	srv, err := server.New(server.Config{
		Address: net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Engine:  a.engine,
		Cache:   a.cache,
		Expiry:  a.expiry,
		MCP:     mcpServer.HTTPHandler(),
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("server started",
		"address", srv.Address(),
		"api_url", fmt.Sprintf("http://%s/api/v1", srv.Address()),
		"mcp_url", fmt.Sprintf("http://%s/mcp", srv.Address()),
	)

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// MCPCmd serves the MCP tools to a single client over stdio.
type MCPCmd struct{}

func (c *MCPCmd) Run(g *Globals, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, g, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.expiry != nil {
		if err := a.expiry.Start(ctx); err != nil {
			return fmt.Errorf("starting expiry manager: %w", err)
		}
		defer a.expiry.Stop()
	}

	return mcp.NewServer(a.engine, mcp.WithLogger(logger), mcp.WithVersion(version)).ServeStdio(ctx)
}

// LookupCmd prints the rules that apply to a file.
type LookupCmd struct {
	File        string `arg:"" help:"Path of the file being edited."`
	FileType    string `help:"Language or extension of the file."`
	ProjectType string `help:"Technology of the project. Overrides detection."`
}

func (c *LookupCmd) Run(g *Globals, logger *slog.Logger) error {
	return withApp(g, logger, func(ctx context.Context, a *app) error {
		res, err := a.engine.Lookup(ctx, rulecache.FileContext{
			FilePath:    c.File,
			FileType:    c.FileType,
			ProjectType: c.ProjectType,
		})
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, res)
	})
}

// DeployCmd writes the rules of a project into its namespace directory.
type DeployCmd struct {
	Target     string `default:"." type:"path" help:"Project directory to deploy into."`
	Technology string `help:"Comma separated technologies. Detected from the target when empty."`
}

func (c *DeployCmd) Run(g *Globals, logger *slog.Logger) error {
	target, err := filepath.Abs(c.Target)
	if err != nil {
		return fmt.Errorf("resolving target: %w", err)
	}
	return withApp(g, logger, func(ctx context.Context, a *app) error {
		res, err := a.engine.Deploy(ctx, engine.DeployRequest{TargetDir: target, Technology: c.Technology})
		if err != nil {
			return err
		}
		if res.Report != nil && len(res.Report.Failures) > 0 {
			logger.Warn("deployment incomplete", "failures", len(res.Report.Failures))
		}
		return printJSON(os.Stdout, res)
	})
}

// TechnologiesCmd lists the technologies with rules.
type TechnologiesCmd struct{}

func (c *TechnologiesCmd) Run(g *Globals, logger *slog.Logger) error {
	return withApp(g, logger, func(ctx context.Context, a *app) error {
		techs, issue, err := a.engine.Technologies(ctx)
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, struct {
			Technologies []string `json:"technologies"`
			Stale        bool     `json:"stale,omitempty"`
		}{techs, issue != nil && issue.Stale})
	})
}

// RulesCmd lists the rule files of a technology.
type RulesCmd struct {
	Technology string `arg:"" help:"Technology name or alias."`
}

func (c *RulesCmd) Run(g *Globals, logger *slog.Logger) error {
	return withApp(g, logger, func(ctx context.Context, a *app) error {
		names, issue, err := a.engine.RuleNames(ctx, c.Technology)
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, struct {
			Technology string   `json:"technology"`
			Rules      []string `json:"rules"`
			Stale      bool     `json:"stale,omitempty"`
		}{c.Technology, names, issue != nil && issue.Stale})
	})
}

// withApp runs fn with initialized components, cancelled on SIGINT or SIGTERM.
func withApp(g *Globals, logger *slog.Logger, fn func(context.Context, *app) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, g, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
