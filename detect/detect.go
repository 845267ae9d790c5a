// Package detect maps file context and project directories to technology
// identifiers.
package detect

import (
	"context"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	rulecache "github.com/wolfeidau/rule-cache"
)

// Unknown is returned when no technology can be determined. Callers fall
// back to their configured default technologies.
const Unknown = "unknown"

// Table holds the mappings used for detection.
type Table struct {
	// Aliases maps tags such as "go" or "py" onto canonical technologies.
	Aliases map[string]string
	// Extensions maps lower-case file extensions (with the dot) to technologies.
	Extensions map[string][]string
	// Indicators maps well-known file names to technologies.
	Indicators map[string][]string
	// SkipDirs are directory names never descended into by DetectDir.
	SkipDirs []string
}

// DefaultTable returns the built-in mappings.
func DefaultTable() Table {
	return Table{
		Aliases: map[string]string{
			"go":     "golang",
			"py":     "python",
			"js":     "javascript",
			"node":   "javascript",
			"nodejs": "javascript",
			"ts":     "typescript",
			"rb":     "ruby",
			"rs":     "rust",
			"kt":     "kotlin",
			"cs":     "csharp",
			"c#":     "csharp",
			"c++":    "cpp",
		},
		Extensions: map[string][]string{
			".py":    {"python"},
			".pyi":   {"python"},
			".js":    {"javascript"},
			".jsx":   {"javascript"},
			".mjs":   {"javascript"},
			".cjs":   {"javascript"},
			".ts":    {"typescript"},
			".tsx":   {"typescript"},
			".swift": {"swift"},
			".go":    {"golang"},
			".rb":    {"ruby"},
			".java":  {"java"},
			".kt":    {"kotlin"},
			".kts":   {"kotlin"},
			".cs":    {"csharp"},
			".php":   {"php"},
			".rs":    {"rust"},
			".c":     {"c"},
			".cc":    {"cpp"},
			".cpp":   {"cpp"},
			".cxx":   {"cpp"},
			".hpp":   {"cpp"},
			".h":     {"c", "cpp"},
		},
		Indicators: map[string][]string{
			"package.json":     {"javascript"},
			"tsconfig.json":    {"typescript"},
			"requirements.txt": {"python"},
			"setup.py":         {"python"},
			"pyproject.toml":   {"python"},
			"Cargo.toml":       {"rust"},
			"go.mod":           {"golang"},
			"pom.xml":          {"java"},
			"build.gradle":     {"java"},
			"build.gradle.kts": {"kotlin"},
			"Gemfile":          {"ruby"},
			"composer.json":    {"php"},
			"Package.swift":    {"swift"},
			".swift-version":   {"swift"},
		},
		SkipDirs: []string{".git", ".hg", ".svn", "node_modules", "vendor", ".cursor-rules"},
	}
}

// Detector resolves technologies from a Table. It is safe for concurrent use.
type Detector struct {
	table  Table
	known  map[string]bool
	logger *slog.Logger
}

// Option configures a Detector.
type Option func(*Detector)

// WithTable replaces the default mappings.
func WithTable(t Table) Option {
	return func(d *Detector) {
		d.table = t
	}
}

// WithSkipDirs adds directory names ignored by DetectDir.
func WithSkipDirs(names ...string) Option {
	return func(d *Detector) {
		d.table.SkipDirs = append(slices.Clone(d.table.SkipDirs), names...)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Detector) {
		d.logger = logger
	}
}

// New creates a Detector.
func New(opts ...Option) *Detector {
	d := &Detector{
		table:  DefaultTable(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "detect")

	d.known = make(map[string]bool)
	for _, techs := range d.table.Extensions {
		for _, t := range techs {
			d.known[t] = true
		}
	}
	for _, techs := range d.table.Indicators {
		for _, t := range techs {
			d.known[t] = true
		}
	}
	for _, t := range d.table.Aliases {
		d.known[t] = true
	}
	return d
}

// Known returns the sorted set of technologies the detector can produce.
func (d *Detector) Known() []string {
	return slices.Sorted(maps.Keys(d.known))
}

// Canonical resolves a technology tag through the alias table. It returns
// false when the tag is not a known technology.
func (d *Detector) Canonical(tag string) (string, bool) {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if alias, ok := d.table.Aliases[tag]; ok {
		return alias, true
	}
	if d.known[tag] {
		return tag, true
	}
	return "", false
}

// Detect returns the technologies for a file. Tiers are tried in order:
// project type tag, file type tag, path extension, file name. The first
// tier that matches wins. The result is sorted, never empty, and is
// []string{Unknown} when nothing matched.
func (d *Detector) Detect(fc rulecache.FileContext) []string {
	if fc.ProjectType != "" {
		if tech, ok := d.Canonical(fc.ProjectType); ok {
			return []string{tech}
		}
	}

	if fc.FileType != "" {
		if tech, ok := d.Canonical(fc.FileType); ok {
			return []string{tech}
		}
		ext := "." + strings.TrimPrefix(strings.ToLower(strings.TrimSpace(fc.FileType)), ".")
		if techs := d.table.Extensions[ext]; len(techs) > 0 {
			return sortedUnique(techs)
		}
	}

	base := path.Base(filepath.ToSlash(fc.FilePath))
	if ext := strings.ToLower(path.Ext(base)); ext != "" {
		if techs := d.table.Extensions[ext]; len(techs) > 0 {
			return sortedUnique(techs)
		}
	}

	if techs := d.table.Indicators[base]; len(techs) > 0 {
		return sortedUnique(techs)
	}

	return []string{Unknown}
}

// DetectDir detects the technologies of a project directory. Indicator files
// at the root take precedence; otherwise the most common known extension in
// the tree decides, with ties returned together. The result is sorted and is
// []string{Unknown} when nothing matched, including when dir does not exist.
func (d *Detector) DetectDir(ctx context.Context, dir string) ([]string, error) {
	var byIndicator []string
	for name, techs := range d.table.Indicators {
		if fileExists(filepath.Join(dir, name)) {
			d.logger.Debug("detected technology from indicator", "file", name, "technologies", techs)
			byIndicator = append(byIndicator, techs...)
		}
	}
	if len(byIndicator) > 0 {
		return sortedUnique(byIndicator), nil
	}

	counts := make(map[string]int)
	err := filepath.WalkDir(dir, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			// A missing root is a project not created yet; unreadable
			// subtrees are skipped.
			d.logger.Debug("skipping unreadable path", "path", p, "error", err)
			if entry != nil && entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if entry.IsDir() {
			if p != dir && slices.Contains(d.table.SkipDirs, entry.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if _, ok := d.table.Extensions[ext]; ok {
			counts[ext]++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	best := 0
	for _, n := range counts {
		best = max(best, n)
	}
	if best == 0 {
		return []string{Unknown}, nil
	}

	var techs []string
	for ext, n := range counts {
		if n == best {
			techs = append(techs, d.table.Extensions[ext]...)
		}
	}
	result := sortedUnique(techs)
	d.logger.Debug("detected technology from extensions", "technologies", result, "count", best)
	return result, nil
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}

func sortedUnique(techs []string) []string {
	out := slices.Clone(techs)
	slices.Sort(out)
	return slices.Compact(out)
}
