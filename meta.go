package rulecache

import (
	"bytes"
	"encoding/json"
	"path"
	"strings"

	"gopkg.in/yaml.v3"
)

// Meta is optional descriptive metadata carried inside a rule document.
type Meta struct {
	Description string   `json:"description,omitempty" yaml:"description"`
	Globs       []string `json:"globs,omitempty" yaml:"-"`
	Version     string   `json:"version,omitempty" yaml:"version"`
	AlwaysApply bool     `json:"always_apply,omitempty" yaml:"alwaysApply"`
}

// jsonRule is the layout of JSON rule documents.
type jsonRule struct {
	ID           string   `json:"id"`
	Description  string   `json:"description"`
	FilePatterns []string `json:"file_patterns"`
	Version      string   `json:"version"`
}

// frontMatter is the YAML header of markdown rule documents. Globs may be a
// single comma separated string or a list.
type frontMatter struct {
	Description string    `yaml:"description"`
	Globs       yaml.Node `yaml:"globs"`
	Version     string    `yaml:"version"`
	AlwaysApply bool      `yaml:"alwaysApply"`
}

var frontMatterDelim = []byte("---")

// ParseMeta extracts metadata from rule content based on the file extension.
// Malformed metadata yields an empty Meta rather than an error.
func ParseMeta(name string, content []byte) Meta {
	switch strings.ToLower(path.Ext(name)) {
	case ".json":
		var r jsonRule
		if err := json.Unmarshal(content, &r); err != nil {
			return Meta{}
		}
		return Meta{Description: r.Description, Globs: r.FilePatterns, Version: r.Version}
	case ".md", ".mdc":
		header, ok := splitFrontMatter(content)
		if !ok {
			return Meta{}
		}
		var fm frontMatter
		if err := yaml.Unmarshal(header, &fm); err != nil {
			return Meta{}
		}
		return Meta{
			Description: fm.Description,
			Globs:       decodeGlobs(&fm.Globs),
			Version:     fm.Version,
			AlwaysApply: fm.AlwaysApply,
		}
	default:
		return Meta{}
	}
}

func splitFrontMatter(content []byte) ([]byte, bool) {
	content = bytes.TrimPrefix(content, []byte("\ufeff"))
	if !bytes.HasPrefix(content, frontMatterDelim) {
		return nil, false
	}
	rest := content[len(frontMatterDelim):]
	nl := bytes.IndexByte(rest, '\n')
	if nl < 0 {
		return nil, false
	}
	rest = rest[nl+1:]
	end := bytes.Index(rest, append([]byte("\n"), frontMatterDelim...))
	if end < 0 {
		if bytes.HasPrefix(rest, frontMatterDelim) {
			return nil, true
		}
		return nil, false
	}
	return rest[:end], true
}

func decodeGlobs(n *yaml.Node) []string {
	switch n.Kind {
	case yaml.ScalarNode:
		var globs []string
		for _, g := range strings.Split(n.Value, ",") {
			if g = strings.TrimSpace(g); g != "" {
				globs = append(globs, g)
			}
		}
		return globs
	case yaml.SequenceNode:
		var globs []string
		if err := n.Decode(&globs); err != nil {
			return nil
		}
		return globs
	default:
		return nil
	}
}
