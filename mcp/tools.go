package mcp

import (
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	rulecache "github.com/wolfeidau/rule-cache"
	"github.com/wolfeidau/rule-cache/engine"
	"github.com/wolfeidau/rule-cache/resolver"
)

// GetRulesForFileParams defines parameters for the get_rules_for_file tool.
type GetRulesForFileParams struct {
	FilePath    string `json:"file_path"`
	FileType    string `json:"file_type,omitempty"`
	ProjectType string `json:"project_type,omitempty"`
}

// GetRulesForFileResult contains the rules for a file.
type GetRulesForFileResult struct {
	Error        string      `json:"error,omitempty"`
	Message      string      `json:"message"`
	Technologies []string    `json:"technologies,omitempty"`
	Rules        []RuleView  `json:"rules,omitempty"`
	Issues       []IssueView `json:"issues,omitempty"`
	Fallback     bool        `json:"fallback,omitempty"`
	Degraded     bool        `json:"degraded,omitempty"`
}

// DeployRulesParams defines parameters for the deploy_rules tool.
type DeployRulesParams struct {
	TargetDir  string `json:"target_dir"`
	Technology string `json:"technology,omitempty"`
}

// DeployRulesResult summarises a deployment.
type DeployRulesResult struct {
	Error        string          `json:"error,omitempty"`
	Message      string          `json:"message"`
	Technologies []string        `json:"technologies,omitempty"`
	Written      []string        `json:"written,omitempty"`
	Skipped      []string        `json:"skipped,omitempty"`
	Overwritten  []OverwriteView `json:"overwritten,omitempty"`
	Failures     []FailureView   `json:"failures,omitempty"`
	Issues       []IssueView     `json:"issues,omitempty"`
	Fallback     bool            `json:"fallback,omitempty"`
}

// ListTechnologiesParams defines parameters for the list_technologies tool.
type ListTechnologiesParams struct{}

// ListTechnologiesResult lists available technologies.
type ListTechnologiesResult struct {
	Message      string   `json:"message"`
	Technologies []string `json:"technologies,omitempty"`
	Stale        bool     `json:"stale,omitempty"`
}

// ListRulesParams defines parameters for the list_rules tool.
type ListRulesParams struct {
	Technology string `json:"technology"`
}

// ListRulesResult lists the rule files of a technology.
type ListRulesResult struct {
	Error      string   `json:"error,omitempty"`
	Message    string   `json:"message"`
	Technology string   `json:"technology"`
	Rules      []string `json:"rules,omitempty"`
	Stale      bool     `json:"stale,omitempty"`
}

// RuleView is a rule document as returned to MCP clients.
type RuleView struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Technology  string   `json:"technology"`
	Description string   `json:"description,omitempty"`
	Globs       []string `json:"globs,omitempty"`
	Content     string   `json:"content"`
	Digest      string   `json:"digest"`
	FetchedAt   string   `json:"fetched_at"`
	Stale       bool     `json:"stale,omitempty"`
}

// IssueView describes a technology or rule that could not be served fresh.
type IssueView struct {
	Technology string `json:"technology"`
	Rule       string `json:"rule,omitempty"`
	Kind       string `json:"kind"`
	Stale      bool   `json:"stale,omitempty"`
	Message    string `json:"message"`
}

// OverwriteView records a replaced file.
type OverwriteView struct {
	Path           string `json:"path"`
	PreviousDigest string `json:"previous_digest"`
	Digest         string `json:"digest"`
}

// FailureView records a file that could not be written.
type FailureView struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func newRuleViews(docs []rulecache.RuleDocument) []RuleView {
	views := make([]RuleView, 0, len(docs))
	for _, doc := range docs {
		views = append(views, RuleView{
			ID:          doc.ID,
			Name:        doc.Name,
			Technology:  doc.Technology,
			Description: doc.Meta.Description,
			Globs:       doc.Meta.Globs,
			Content:     string(doc.Content),
			Digest:      doc.Digest.String(),
			FetchedAt:   doc.FetchedAt.UTC().Format(time.RFC3339),
			Stale:       doc.Stale,
		})
	}
	return views
}

func newIssueViews(issues []resolver.Issue) []IssueView {
	if len(issues) == 0 {
		return nil
	}
	views := make([]IssueView, 0, len(issues))
	for _, issue := range issues {
		views = append(views, IssueView{
			Technology: issue.Technology,
			Rule:       issue.Rule,
			Kind:       string(issue.Kind),
			Stale:      issue.Stale,
			Message:    issue.Message,
		})
	}
	return views
}

func newDeployRulesResult(res *engine.DeployResult) DeployRulesResult {
	out := DeployRulesResult{
		Technologies: res.Technologies,
		Issues:       newIssueViews(res.Issues),
		Fallback:     res.Fallback,
	}
	if res.Report == nil {
		return out
	}
	out.Written = res.Report.Written
	out.Skipped = res.Report.Skipped
	for _, ow := range res.Report.Overwritten {
		out.Overwritten = append(out.Overwritten, OverwriteView{
			Path:           ow.Path,
			PreviousDigest: ow.PreviousDigest.String(),
			Digest:         ow.Digest.String(),
		})
	}
	for _, f := range res.Report.Failures {
		out.Failures = append(out.Failures, FailureView{Path: f.Path, Message: f.Message})
	}
	return out
}

func createGetRulesForFileResult(result GetRulesForFileResult) *mcp.CallToolResultFor[GetRulesForFileResult] {
	switch {
	case result.Error != "":
		result.Message = "INVALID INPUT ERROR: " + result.Error
	case len(result.Rules) == 0 && result.Fallback:
		result.Message = "No technology detected and no default technologies are configured."
	default:
		result.Message = fmt.Sprintf("Found %d rules for %v.", len(result.Rules), result.Technologies)
	}
	if len(result.Issues) > 0 {
		result.Message += fmt.Sprintf(" %d could not be loaded.", len(result.Issues))
	}
	return &mcp.CallToolResultFor[GetRulesForFileResult]{
		Content:           []mcp.Content{&mcp.TextContent{Text: result.Message}},
		StructuredContent: result,
	}
}

func createDeployRulesResult(result DeployRulesResult) *mcp.CallToolResultFor[DeployRulesResult] {
	if result.Error != "" {
		result.Message = "INVALID INPUT ERROR: " + result.Error
	} else {
		result.Message = fmt.Sprintf("Deployed %v: %d written, %d skipped, %d overwritten, %d failed.",
			result.Technologies, len(result.Written), len(result.Skipped), len(result.Overwritten), len(result.Failures))
	}
	return &mcp.CallToolResultFor[DeployRulesResult]{
		Content:           []mcp.Content{&mcp.TextContent{Text: result.Message}},
		StructuredContent: result,
	}
}

func createListTechnologiesResult(result ListTechnologiesResult) *mcp.CallToolResultFor[ListTechnologiesResult] {
	result.Message = fmt.Sprintf("Found %d technologies.", len(result.Technologies))
	return &mcp.CallToolResultFor[ListTechnologiesResult]{
		Content:           []mcp.Content{&mcp.TextContent{Text: result.Message}},
		StructuredContent: result,
	}
}

func createListRulesResult(result ListRulesResult) *mcp.CallToolResultFor[ListRulesResult] {
	if result.Error != "" {
		result.Message = "INVALID INPUT ERROR: " + result.Error + ". Use a technology from list_technologies."
	} else {
		result.Message = fmt.Sprintf("Found %d rules for %s.", len(result.Rules), result.Technology)
	}
	return &mcp.CallToolResultFor[ListRulesResult]{
		Content:           []mcp.Content{&mcp.TextContent{Text: result.Message}},
		StructuredContent: result,
	}
}
