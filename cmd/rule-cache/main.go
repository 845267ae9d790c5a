// Command rule-cache serves, looks up and deploys coding rule documents kept
// in a GitHub repository.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
)

var version = "dev"

const (
	cmdName = "rule-cache"
	cmdDesc = `Caching resolver for coding rule documents.`
)

// Globals are options shared by every command.
type Globals struct {
	Log struct {
		Level  string `default:"info" enum:"debug,info,warn,error" env:"LOG_LEVEL" help:"Log level, one of: debug, info, warn, error."`
		Format string `default:"text" enum:"text,json" env:"LOG_FORMAT" help:"Log format, one of: text, json."`
	} `embed:"" prefix:"log-"`

	Repository      string `env:"GITHUB_REPOSITORY" help:"Rules repository as owner/name."`
	Ref             string `default:"main" env:"GITHUB_REF" help:"Branch, tag or commit to read rules from."`
	RulesRoot       string `default:"rules" env:"RULES_ROOT" help:"Directory holding one sub-directory per technology."`
	GitHubToken     string `env:"GITHUB_TOKEN" name:"github-token" help:"Token for the GitHub API. Anonymous access when empty."`
	GitHubAPIURL    string `default:"https://api.github.com" env:"GITHUB_API_URL" name:"github-api-url" help:"GitHub API endpoint."`
	CredentialsFile string `env:"CREDENTIALS_FILE" type:"existingfile" help:"Credentials template rendered to {\"github\": {...}}."`

	CacheTTL        int           `default:"3600" env:"RULES_CACHE_TTL" help:"Seconds a cached entry stays fresh."`
	CacheDir        string        `default:"./rules" env:"RULES_LOCAL_PATH" help:"Directory of the persistent cache."`
	CachePersist    bool          `default:"true" env:"RULES_CACHE_PERSIST" negatable:"" help:"Persist the cache across restarts."`
	RefreshInterval time.Duration `default:"0s" env:"RULES_REFRESH_INTERVAL" help:"Background refresh period, 0 disables."`
	MaxStale        time.Duration `default:"0s" env:"RULES_MAX_STALE" help:"Purge entries older than this, 0 keeps them."`

	UpstreamTimeout time.Duration `default:"30s" env:"UPSTREAM_TIMEOUT" help:"Timeout of a single upstream request."`
	UpstreamRetries int           `default:"3" env:"UPSTREAM_RETRIES" help:"Retries of transient upstream failures."`
	Concurrency     int           `default:"8" env:"RULES_CONCURRENCY" help:"Parallel upstream fetches per request."`

	DefaultTechnologies []string `env:"RULES_DEFAULT_TECHNOLOGIES" sep:"," help:"Technologies used when none is detected."`
	Namespace           string   `default:".cursor-rules" env:"RULES_NAMESPACE" help:"Directory deployments write into."`

	MetricsPrometheus bool   `env:"METRICS_PROMETHEUS" help:"Serve Prometheus metrics on /metrics."`
	OTLPEndpoint      string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" name:"otlp-endpoint" help:"OTLP gRPC endpoint for metrics."`
}

// CLI is the command line interface.
type CLI struct {
	Globals

	Version kong.VersionFlag `help:"Print the version and exit."`

	Serve        ServeCmd        `cmd:"" help:"Run the HTTP API and MCP endpoint."`
	MCP          MCPCmd          `cmd:"" name:"mcp" help:"Serve MCP tools over stdio."`
	Lookup       LookupCmd       `cmd:"" help:"Print the rules that apply to a file."`
	Deploy       DeployCmd       `cmd:"" help:"Write the rules of a project into it."`
	Technologies TechnologiesCmd `cmd:"" help:"List technologies with rules."`
	Rules        RulesCmd        `cmd:"" help:"List the rules of a technology."`
}

func main() {
	// A missing .env file is not an error.
	_ = godotenv.Load()

	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name(cmdName),
		kong.Description(cmdDesc),
		kong.UsageOnError(),
		kong.Vars{"version": version},
		kong.Bind(&cli.Globals),
	)

	logger, err := newLogger(cli.Log.Level, cli.Log.Format)
	ctx.FatalIfErrorf(err)
	slog.SetDefault(logger)

	if err := ctx.Run(logger); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// newLogger writes to stderr so command output on stdout stays machine readable.
func newLogger(levelName, format string) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(levelName))); err != nil {
		return nil, fmt.Errorf("invalid log level: %s", levelName)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: level, TimeFormat: time.Kitchen})
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}
