// Package mcp exposes the rule engine as Model Context Protocol tools.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	rulecache "github.com/wolfeidau/rule-cache"
	"github.com/wolfeidau/rule-cache/engine"
)

const instructions = "MCP server for coding rule documents. Workflow: 1) Call get_rules_for_file with the path of the file " +
	"being edited and follow the returned rules. 2) Use list_technologies and list_rules to browse. " +
	"3) Use deploy_rules to write the rules of a project into its .cursor-rules directory."

// Server implements the MCP server for the rule engine.
type Server struct {
	engine  *engine.Engine
	server  *mcp.Server
	logger  *slog.Logger
	version string
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithVersion sets the version reported to clients.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// NewServer creates a new MCP server instance.
func NewServer(eng *engine.Engine, opts ...Option) *Server {
	s := &Server{
		engine:  eng,
		logger:  slog.Default(),
		version: "dev",
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "mcp")

	s.server = mcp.NewServer(&mcp.Implementation{
		Name:    "rule-cache",
		Version: s.version,
	}, &mcp.ServerOptions{
		Instructions: instructions,
	})

	s.registerTools()
	return s
}

// registerTools registers all available tools with the MCP server.
func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "get_rules_for_file",
		Description: "Get the coding rules that apply to a file. The technology is detected from the project type, file type or file path.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"file_path": {
					Type:        "string",
					Description: "Path of the file being edited.",
				},
				"file_type": {
					Type:        "string",
					Description: "Optional language or extension of the file, e.g. go or .py.",
				},
				"project_type": {
					Type:        "string",
					Description: "Optional technology of the project. Overrides detection.",
				},
			},
			Required: []string{"file_path"},
		},
	}, s.handleGetRulesForFile)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "deploy_rules",
		Description: "Write the rules for a project into <target_dir>/.cursor-rules. Unchanged files are skipped.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"target_dir": {
					Type:        "string",
					Description: "Absolute path of the project directory.",
				},
				"technology": {
					Type:        "string",
					Description: "Optional comma separated technologies. Detected from the directory when empty.",
				},
			},
			Required: []string{"target_dir"},
		},
	}, s.handleDeployRules)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "list_technologies",
		Description: "List the technologies that have rules.",
		InputSchema: &jsonschema.Schema{
			Type:       "object",
			Properties: map[string]*jsonschema.Schema{},
		},
	}, s.handleListTechnologies)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "list_rules",
		Description: "List the rule files of a technology. You MUST use a name from list_technologies.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"technology": {
					Type:        "string",
					Description: "The technology, e.g. golang or python.",
				},
			},
			Required: []string{"technology"},
		},
	}, s.handleListRules)
}

// handleGetRulesForFile handles the get_rules_for_file tool call.
func (s *Server) handleGetRulesForFile(
	ctx context.Context,
	_ *mcp.ServerSession,
	params *mcp.CallToolParamsFor[GetRulesForFileParams],
) (*mcp.CallToolResultFor[GetRulesForFileResult], error) {
	start := time.Now()
	s.logger.DebugContext(ctx, "handling get_rules_for_file tool call", slog.Any("params", params.Arguments))

	res, err := s.engine.Lookup(ctx, rulecache.FileContext{
		FilePath:    params.Arguments.FilePath,
		FileType:    params.Arguments.FileType,
		ProjectType: params.Arguments.ProjectType,
	})
	if err != nil {
		if inputError(err) {
			return createGetRulesForFileResult(GetRulesForFileResult{Error: err.Error()}), nil
		}
		return nil, fmt.Errorf("resolve rules: %w", err)
	}

	result := GetRulesForFileResult{
		Technologies: res.Technologies,
		Rules:        newRuleViews(res.Rules),
		Issues:       newIssueViews(res.Issues),
		Fallback:     res.Fallback,
		Degraded:     res.Degraded,
	}

	s.logger.DebugContext(ctx, "get_rules_for_file completed",
		slog.Int("rule_count", len(result.Rules)),
		slog.Duration("duration", time.Since(start)),
	)
	return createGetRulesForFileResult(result), nil
}

// handleDeployRules handles the deploy_rules tool call.
func (s *Server) handleDeployRules(
	ctx context.Context,
	_ *mcp.ServerSession,
	params *mcp.CallToolParamsFor[DeployRulesParams],
) (*mcp.CallToolResultFor[DeployRulesResult], error) {
	s.logger.DebugContext(ctx, "handling deploy_rules tool call", slog.Any("params", params.Arguments))

	res, err := s.engine.Deploy(ctx, engine.DeployRequest{
		TargetDir:  params.Arguments.TargetDir,
		Technology: params.Arguments.Technology,
	})
	if err != nil {
		if inputError(err) {
			return createDeployRulesResult(DeployRulesResult{Error: err.Error()}), nil
		}
		return nil, fmt.Errorf("deploy rules: %w", err)
	}
	return createDeployRulesResult(newDeployRulesResult(res)), nil
}

// handleListTechnologies handles the list_technologies tool call.
func (s *Server) handleListTechnologies(
	ctx context.Context,
	_ *mcp.ServerSession,
	_ *mcp.CallToolParamsFor[ListTechnologiesParams],
) (*mcp.CallToolResultFor[ListTechnologiesResult], error) {
	techs, issue, err := s.engine.Technologies(ctx)
	if err != nil {
		return nil, fmt.Errorf("list technologies: %w", err)
	}
	return createListTechnologiesResult(ListTechnologiesResult{
		Technologies: techs,
		Stale:        issue != nil && issue.Stale,
	}), nil
}

// handleListRules handles the list_rules tool call.
func (s *Server) handleListRules(
	ctx context.Context,
	_ *mcp.ServerSession,
	params *mcp.CallToolParamsFor[ListRulesParams],
) (*mcp.CallToolResultFor[ListRulesResult], error) {
	tech := params.Arguments.Technology
	names, issue, err := s.engine.RuleNames(ctx, tech)
	if err != nil {
		if inputError(err) {
			return createListRulesResult(ListRulesResult{Technology: tech, Error: err.Error()}), nil
		}
		return nil, fmt.Errorf("list rules: %w", err)
	}
	return createListRulesResult(ListRulesResult{
		Technology: tech,
		Rules:      names,
		Stale:      issue != nil && issue.Stale,
	}), nil
}

// inputError reports errors the caller can correct by changing arguments.
func inputError(err error) bool {
	return errors.Is(err, engine.ErrInvalidRequest) || errors.Is(err, rulecache.ErrNotFound)
}

// Server returns the underlying MCP server.
func (s *Server) Server() *mcp.Server {
	return s.server
}

// HTTPHandler returns a streamable HTTP handler for mounting on a mux.
func (s *Server) HTTPHandler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.server
	}, nil)
}

// ServeStdio serves a single client over stdin and stdout until ctx ends.
func (s *Server) ServeStdio(ctx context.Context) error {
	s.logger.InfoContext(ctx, "starting MCP server on stdio")

	t := mcp.NewLoggingTransport(mcp.NewStdioTransport(), os.Stderr)
	if err := s.server.Run(ctx, t); err != nil {
		return fmt.Errorf("MCP server failed: %w", err)
	}
	return nil
}
