// Package engine exposes the use cases shared by the HTTP server, the MCP
// tools and the CLI.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	rulecache "github.com/wolfeidau/rule-cache"
	"github.com/wolfeidau/rule-cache/deploy"
	"github.com/wolfeidau/rule-cache/detect"
	"github.com/wolfeidau/rule-cache/resolver"
)

// ErrInvalidRequest is returned for requests missing required fields.
var ErrInvalidRequest = errors.New("invalid request")

// DeployRequest asks for the rules of a project to be written into it.
type DeployRequest struct {
	TargetDir string `json:"target_dir"`
	// Technology is a comma separated list. When empty the technologies are
	// detected from the contents of TargetDir.
	Technology string `json:"technology,omitempty"`
}

// DeployResult is the outcome of a deployment.
type DeployResult struct {
	Technologies []string         `json:"technologies"`
	Fallback     bool             `json:"fallback"`
	Degraded     bool             `json:"degraded"`
	Report       *deploy.Report   `json:"report"`
	Issues       []resolver.Issue `json:"issues,omitempty"`
}

// Engine composes resolution and deployment.
type Engine struct {
	resolver *resolver.Resolver
	deployer *deploy.Engine
	logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// New creates an Engine.
func New(r *resolver.Resolver, d *deploy.Engine, opts ...Option) *Engine {
	e := &Engine{
		resolver: r,
		deployer: d,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "engine")
	return e
}

// Lookup returns the rules that apply to a file.
func (e *Engine) Lookup(ctx context.Context, fc rulecache.FileContext) (*resolver.Result, error) {
	if strings.TrimSpace(fc.FilePath) == "" && fc.FileType == "" && fc.ProjectType == "" {
		return nil, fmt.Errorf("%w: file_path, file_type or project_type is required", ErrInvalidRequest)
	}
	return e.resolver.Resolve(ctx, fc)
}

// Deploy resolves the rules for a project and writes them into it.
func (e *Engine) Deploy(ctx context.Context, req DeployRequest) (*DeployResult, error) {
	if strings.TrimSpace(req.TargetDir) == "" {
		return nil, fmt.Errorf("%w: target_dir is required", ErrInvalidRequest)
	}

	techs := e.requestedTechnologies(req.Technology)
	if len(techs) == 0 {
		detected, err := e.resolver.Detector().DetectDir(ctx, req.TargetDir)
		if err != nil {
			return nil, fmt.Errorf("detecting technologies in %s: %w", req.TargetDir, err)
		}
		techs = detected
	}

	fallback := false
	if len(techs) == 1 && techs[0] == detect.Unknown {
		fallback = true
		techs = e.resolver.Defaults()
	}

	logger := e.logger.With("dir", req.TargetDir, "technologies", techs, "fallback", fallback)
	if len(techs) == 0 {
		logger.Info("nothing to deploy")
		return &DeployResult{
			Technologies: []string{},
			Fallback:     fallback,
			Report:       deploy.NewReport(req.TargetDir),
		}, nil
	}

	res, err := e.resolver.ResolveTechnologies(ctx, techs)
	if err != nil {
		return nil, err
	}

	report, err := e.deployer.Deploy(ctx, deploy.Target{Dir: req.TargetDir, Documents: res.Rules})
	if err != nil {
		return nil, err
	}
	logger.Debug("deployment complete", "documents", len(res.Rules), "issues", len(res.Issues))

	return &DeployResult{
		Technologies: res.Technologies,
		Fallback:     fallback,
		Degraded:     res.Degraded,
		Report:       report,
		Issues:       res.Issues,
	}, nil
}

// Technologies lists the technologies available upstream.
func (e *Engine) Technologies(ctx context.Context) ([]string, *resolver.Issue, error) {
	return e.resolver.Technologies(ctx)
}

// RuleNames lists the rule files of a technology.
func (e *Engine) RuleNames(ctx context.Context, tech string) ([]string, *resolver.Issue, error) {
	return e.resolver.RuleNames(ctx, e.canonical(tech))
}

// Rules returns every document of a technology.
func (e *Engine) Rules(ctx context.Context, tech string) ([]rulecache.RuleDocument, []resolver.Issue, error) {
	return e.resolver.Rules(ctx, e.canonical(tech))
}

// Rule returns one document matched by file name or ID.
func (e *Engine) Rule(ctx context.Context, tech, rule string) (*rulecache.RuleDocument, *resolver.Issue, error) {
	return e.resolver.Rule(ctx, e.canonical(tech), rule)
}

// requestedTechnologies splits a comma separated list, resolving aliases.
// Unrecognised names are kept as given.
func (e *Engine) requestedTechnologies(s string) []string {
	var techs []string
	for part := range strings.SplitSeq(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			techs = append(techs, e.canonical(part))
		}
	}
	slices.Sort(techs)
	return slices.Compact(techs)
}

func (e *Engine) canonical(tech string) string {
	if c, ok := e.resolver.Detector().Canonical(tech); ok {
		return c
	}
	return strings.TrimSpace(tech)
}
