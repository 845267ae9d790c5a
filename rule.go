// Package rulecache resolves editor rule documents for a file or project,
// caches them from a remote repository and deploys them into project trees.
package rulecache

import (
	"path"
	"strings"
	"time"
)

// Technology identifies a language or framework that owns rule documents.
// Technologies are plain string keys resolved through lookup tables.
type Technology = string

// FileContext describes the file or project a caller wants rules for.
type FileContext struct {
	FilePath    string `json:"file_path"`
	FileType    string `json:"file_type,omitempty"`
	ProjectType string `json:"project_type,omitempty"`
}

// RuleDocument is a single rule file for a technology. Documents are replaced
// wholesale on refresh and never mutated after construction.
type RuleDocument struct {
	// ID is the file name without its extension, unique within a technology.
	ID string `json:"id"`

	// Name is the file name in the upstream repository.
	Name string `json:"name"`

	Technology Technology `json:"technology"`

	// SourcePath is the upstream path, {technology}/{name}.
	SourcePath string `json:"source_path"`

	Content   []byte    `json:"-"`
	Digest    Hash      `json:"digest"`
	FetchedAt time.Time `json:"fetched_at"`
	Meta      Meta      `json:"meta"`

	// Stale is set when the document was served from an expired cache entry
	// because a refresh failed.
	Stale bool `json:"stale,omitempty"`
}

// NewRuleDocument builds a document from fetched content.
func NewRuleDocument(tech Technology, name string, content []byte, fetchedAt time.Time) RuleDocument {
	return RuleDocument{
		ID:         RuleID(name),
		Name:       name,
		Technology: tech,
		SourcePath: tech + "/" + name,
		Content:    content,
		Digest:     HashBytes(content),
		FetchedAt:  fetchedAt,
		Meta:       ParseMeta(name, content),
	}
}

// RuleID strips the extension from a rule file name.
func RuleID(name string) string {
	return strings.TrimSuffix(name, path.Ext(name))
}
