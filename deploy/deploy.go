// Package deploy materialises rule documents into a project directory under
// a managed, technology-qualified namespace.
package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"path/filepath"
	"slices"
	"strings"

	rulecache "github.com/wolfeidau/rule-cache"
	"github.com/wolfeidau/rule-cache/backend"
	"github.com/wolfeidau/rule-cache/telemetry"
)

const (
	// DefaultNamespace is the directory, relative to the target, that the
	// engine owns. Nothing outside it is ever written.
	DefaultNamespace = ".cursor-rules"

	// IndexName is the index file kept at the namespace root.
	IndexName = "index.json"
)

// ErrInvalidTarget is returned when a target has no directory.
var ErrInvalidTarget = errors.New("invalid deployment target")

// Target is a directory and the documents to write into it.
type Target struct {
	Dir       string
	Documents []rulecache.RuleDocument
}

// Overwrite records a file whose previous content was replaced.
type Overwrite struct {
	Path           string         `json:"path"`
	PreviousDigest rulecache.Hash `json:"previous_digest"`
	Digest         rulecache.Hash `json:"digest"`
}

// Failure records a document that could not be written.
type Failure struct {
	Path    string `json:"path"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Report lists what happened to every document. Paths are relative to the
// target directory and use forward slashes.
type Report struct {
	Dir         string      `json:"dir"`
	Written     []string    `json:"written"`
	Skipped     []string    `json:"skipped"`
	Overwritten []Overwrite `json:"overwritten"`
	Failures    []Failure   `json:"failures,omitempty"`
	// Index is the status of the namespace index: written, skipped, overwritten or failed.
	Index string `json:"index,omitempty"`
}

// NewReport returns an empty report for dir.
func NewReport(dir string) *Report {
	return &Report{
		Dir:         dir,
		Written:     []string{},
		Skipped:     []string{},
		Overwritten: []Overwrite{},
	}
}

// Engine writes documents into targets. It holds no per-target state and is
// safe for concurrent use on different targets.
type Engine struct {
	namespace string
	logger    *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithNamespace sets the managed directory name.
func WithNamespace(ns string) Option {
	return func(e *Engine) {
		e.namespace = ns
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// NewEngine creates a deployment engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		namespace: DefaultNamespace,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "deploy")
	return e
}

// Namespace returns the managed directory name.
func (e *Engine) Namespace() string {
	return e.namespace
}

// Deploy writes each document to <dir>/<namespace>/<technology>/<name>.
// Documents are attempted independently: a failure is recorded in the
// report and does not stop the others. Byte-identical files are skipped.
func (e *Engine) Deploy(ctx context.Context, target Target) (*Report, error) {
	if strings.TrimSpace(target.Dir) == "" {
		return nil, fmt.Errorf("%w: target directory is required", ErrInvalidTarget)
	}

	report := NewReport(target.Dir)
	logger := e.logger.With("dir", target.Dir)

	fs, err := backend.NewFilesystem(filepath.Join(target.Dir, e.namespace))
	if err != nil {
		for _, doc := range target.Documents {
			report.addFailure(e.relPath(doc.Technology, doc.Name), err)
		}
		report.Index = "failed"
		e.record(ctx, report)
		logger.Warn("deployment target unavailable", "error", err)
		return report, nil
	}
	store := backend.NewInstrumentedBackend(fs, "filesystem")

	for _, doc := range target.Documents {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e.deployDocument(ctx, store, report, doc)
	}

	e.writeIndex(ctx, store, report)
	e.record(ctx, report)

	logger.Info("deployed rules",
		"written", len(report.Written),
		"skipped", len(report.Skipped),
		"overwritten", len(report.Overwritten),
		"failed", len(report.Failures),
	)
	return report, nil
}

func (e *Engine) deployDocument(ctx context.Context, store backend.Backend, report *Report, doc rulecache.RuleDocument) {
	rel := e.relPath(doc.Technology, doc.Name)
	if err := validTechnology(doc.Technology); err != nil {
		report.addFailure(rel, fmt.Errorf("technology: %w", err))
		return
	}
	if err := validSegment(doc.Name); err != nil {
		report.addFailure(rel, fmt.Errorf("rule name: %w", err))
		return
	}

	key := doc.Technology + "/" + doc.Name
	status, previous, err := writeIfChanged(ctx, store, key, doc.Content)
	if err != nil {
		e.logger.Warn("deploying rule failed", "path", rel, "error", err)
		report.addFailure(rel, err)
		return
	}

	switch status {
	case statusWritten:
		report.Written = append(report.Written, rel)
	case statusSkipped:
		report.Skipped = append(report.Skipped, rel)
	case statusOverwritten:
		report.Overwritten = append(report.Overwritten, Overwrite{
			Path:           rel,
			PreviousDigest: previous,
			Digest:         rulecache.HashBytes(doc.Content),
		})
	}
}

// writeIndex rebuilds the namespace index from the files on disk, so entries
// of technologies deployed earlier are kept.
func (e *Engine) writeIndex(ctx context.Context, store backend.Backend, report *Report) {
	keys, err := store.List(ctx, "")
	if err != nil {
		report.addFailure(e.relPath("", IndexName), err)
		report.Index = "failed"
		return
	}

	index := map[string][]string{}
	for _, key := range keys {
		tech, name, ok := strings.Cut(key, "/")
		if !ok || strings.Contains(name, "/") {
			continue
		}
		index[tech] = append(index[tech], name)
	}
	for tech := range index {
		slices.Sort(index[tech])
	}

	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		report.addFailure(e.relPath("", IndexName), err)
		report.Index = "failed"
		return
	}
	data = append(data, '\n')

	status, _, err := writeIfChanged(ctx, store, IndexName, data)
	if err != nil {
		report.addFailure(e.relPath("", IndexName), err)
		report.Index = "failed"
		return
	}
	report.Index = string(status)
}

func (e *Engine) record(ctx context.Context, report *Report) {
	telemetry.RecordDeploy(ctx, string(statusWritten), len(report.Written))
	telemetry.RecordDeploy(ctx, string(statusSkipped), len(report.Skipped))
	telemetry.RecordDeploy(ctx, string(statusOverwritten), len(report.Overwritten))
	telemetry.RecordDeploy(ctx, "failed", len(report.Failures))
}

func (e *Engine) relPath(tech, name string) string {
	return path.Join(e.namespace, tech, name)
}

func (r *Report) addFailure(p string, err error) {
	r.Failures = append(r.Failures, Failure{Path: p, Message: err.Error(), Err: err})
}

type writeStatus string

const (
	statusWritten     writeStatus = "written"
	statusSkipped     writeStatus = "skipped"
	statusOverwritten writeStatus = "overwritten"
)

// writeIfChanged writes content unless the key already holds identical bytes.
func writeIfChanged(ctx context.Context, store backend.Backend, key string, content []byte) (writeStatus, rulecache.Hash, error) {
	existing, err := readAll(ctx, store, key)
	switch {
	case errors.Is(err, backend.ErrNotFound):
		if err := store.Write(ctx, key, bytes.NewReader(content)); err != nil {
			return "", rulecache.Hash{}, err
		}
		return statusWritten, rulecache.Hash{}, nil
	case err != nil:
		return "", rulecache.Hash{}, err
	case bytes.Equal(existing, content):
		return statusSkipped, rulecache.Hash{}, nil
	}

	if err := store.Write(ctx, key, bytes.NewReader(content)); err != nil {
		return "", rulecache.Hash{}, err
	}
	return statusOverwritten, rulecache.HashBytes(existing), nil
}

func readAll(ctx context.Context, store backend.Backend, key string) ([]byte, error) {
	rc, err := store.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}
	return data, nil
}

func validSegment(s string) error {
	if s == "" || s == "." || s == ".." || strings.ContainsAny(s, "/\\\x00") {
		return fmt.Errorf("%w: %q", backend.ErrInvalidKey, s)
	}
	return nil
}

// validTechnology also rejects the index name, which sits beside the
// technology directories.
func validTechnology(s string) error {
	if s == IndexName {
		return fmt.Errorf("%w: %q is reserved", backend.ErrInvalidKey, s)
	}
	return validSegment(s)
}
