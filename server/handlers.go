package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	rulecache "github.com/wolfeidau/rule-cache"
	"github.com/wolfeidau/rule-cache/deploy"
	"github.com/wolfeidau/rule-cache/engine"
	"github.com/wolfeidau/rule-cache/resolver"
	"github.com/wolfeidau/rule-cache/telemetry"
)

// maxRequestBody bounds JSON request bodies.
const maxRequestBody = 1 << 20

// ruleView is a rule document with its content inlined.
type ruleView struct {
	rulecache.RuleDocument
	Content string `json:"content"`
}

func newRuleViews(docs []rulecache.RuleDocument) []ruleView {
	views := make([]ruleView, 0, len(docs))
	for _, doc := range docs {
		views = append(views, ruleView{RuleDocument: doc, Content: string(doc.Content)})
	}
	return views
}

type technologiesResponse struct {
	Technologies []string         `json:"technologies"`
	Issues       []resolver.Issue `json:"issues,omitempty"`
}

type rulesResponse struct {
	Technology string           `json:"technology"`
	Rules      []ruleView       `json:"rules"`
	Issues     []resolver.Issue `json:"issues,omitempty"`
}

type ruleResponse struct {
	Rule   ruleView         `json:"rule"`
	Issues []resolver.Issue `json:"issues,omitempty"`
}

type contextRulesResponse struct {
	Technologies []string         `json:"technologies"`
	Rules        []ruleView       `json:"rules"`
	Issues       []resolver.Issue `json:"issues,omitempty"`
	Fallback     bool             `json:"fallback"`
	Degraded     bool             `json:"degraded"`
}

type errorResponse struct {
	Error string              `json:"error"`
	Kind  rulecache.ErrorKind `json:"kind,omitempty"`
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleStats handles cache statistics requests.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.cache.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleTechnologies(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "technologies")

	techs, issue, err := s.engine.Technologies(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, technologiesResponse{Technologies: techs, Issues: issueList(issue)})
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "rules")
	tech := r.PathValue("technology")

	docs, issues, err := s.engine.Rules(r.Context(), tech)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rulesResponse{Technology: tech, Rules: newRuleViews(docs), Issues: issues})
}

func (s *Server) handleRule(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "rule")

	doc, issue, err := s.engine.Rule(r.Context(), r.PathValue("technology"), r.PathValue("rule"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if r.URL.Query().Get("format") == "raw" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("ETag", doc.Digest.ETag())
		if doc.Stale {
			w.Header().Set("Warning", `110 - "Response is Stale"`)
		}
		if r.Header.Get("If-None-Match") == doc.Digest.ETag() {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		_, _ = w.Write(doc.Content)
		return
	}
	writeJSON(w, http.StatusOK, ruleResponse{
		Rule:   ruleView{RuleDocument: *doc, Content: string(doc.Content)},
		Issues: issueList(issue),
	})
}

func (s *Server) handleContextRules(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "context_rules")

	var fc rulecache.FileContext
	if !s.decodeJSON(w, r, &fc) {
		return
	}

	res, err := s.engine.Lookup(r.Context(), fc)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, contextRulesResponse{
		Technologies: res.Technologies,
		Rules:        newRuleViews(res.Rules),
		Issues:       res.Issues,
		Fallback:     res.Fallback,
		Degraded:     res.Degraded,
	})
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "deploy")

	var req engine.DeployRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	res, err := s.engine.Deploy(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

// writeError maps the error taxonomy onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: rulecache.Classify(err)})
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, engine.ErrInvalidRequest), errors.Is(err, deploy.ErrInvalidTarget):
		return http.StatusBadRequest
	case errors.Is(err, rulecache.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, rulecache.ErrFatal):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, rulecache.ErrTransient), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func issueList(issue *resolver.Issue) []resolver.Issue {
	if issue == nil {
		return nil
	}
	return []resolver.Issue{*issue}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
