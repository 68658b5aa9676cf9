package api

import (
	"net/http"
	"strings"

	"github.com/Harvey-AU/seo-pagegen/internal/cache"
	"github.com/Harvey-AU/seo-pagegen/internal/db"
	"github.com/Harvey-AU/seo-pagegen/internal/jobs"
	"github.com/go-chi/chi/v5"
)

// PromptTemplateRequest is the body of POST /v1/prompt-templates
type PromptTemplateRequest struct {
	PageType          string   `json:"page_type"`
	Name              string   `json:"name"`
	Template          string   `json:"template"`
	RequiredVariables []string `json:"required_variables"`
	OptionalVariables []string `json:"optional_variables"`
	WordCount         int      `json:"word_count"`
	Activate          bool     `json:"activate"`
}

// requireAdmin writes a 403 unless the caller has the admin role
func requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	user, ok := currentUser(w, r)
	if !ok {
		return false
	}
	if !user.IsAdmin() {
		Forbidden(w, r, "Prompt templates can only be changed by admins")
		return false
	}
	return true
}

// listPromptTemplates handles GET /v1/prompt-templates
func (h *Handler) listPromptTemplates(w http.ResponseWriter, r *http.Request) {
	pageType := ""
	if raw := r.URL.Query().Get("page_type"); raw != "" {
		pt, err := jobs.ResolvePageType(raw)
		if err != nil {
			HandleDomainError(w, r, err, "")
			return
		}
		pageType = string(pt)
	}

	templates, err := h.Store.ListPromptTemplates(r.Context(), pageType)
	if err != nil {
		DatabaseError(w, r, err)
		return
	}
	WriteSuccess(w, r, map[string]interface{}{"prompt_templates": templates}, "")
}

// createPromptTemplate handles POST /v1/prompt-templates
func (h *Handler) createPromptTemplate(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}

	var req PromptTemplateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	pt, err := jobs.ResolvePageType(req.PageType)
	if err != nil {
		HandleDomainError(w, r, err, "")
		return
	}
	if strings.TrimSpace(req.Template) == "" {
		BadRequest(w, r, "template is required")
		return
	}
	if req.WordCount < 0 {
		BadRequest(w, r, "word_count cannot be negative")
		return
	}

	required := req.RequiredVariables
	if required == nil && req.OptionalVariables == nil {
		// Without declarations every token in the template is required
		required = jobs.TemplateVariables(req.Template)
	}

	t := &db.PromptTemplate{
		PageType:          string(pt),
		Name:              strings.TrimSpace(req.Name),
		Template:          req.Template,
		RequiredVariables: required,
		OptionalVariables: req.OptionalVariables,
		WordCount:         req.WordCount,
	}
	if t.Name == "" {
		t.Name = string(pt)
	}

	if err := h.Store.CreatePromptTemplate(r.Context(), t, req.Activate); err != nil {
		HandleDomainError(w, r, err, "")
		return
	}
	if req.Activate {
		h.invalidate(r, cache.TemplateKey(t.PageType))
	}

	WriteCreated(w, r, t, "Prompt template created successfully")
}

// getPromptTemplate handles GET /v1/prompt-templates/{templateID}
func (h *Handler) getPromptTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := h.Store.GetPromptTemplate(r.Context(), chi.URLParam(r, "templateID"))
	if err != nil {
		HandleDomainError(w, r, err, "Prompt template not found")
		return
	}
	WriteSuccess(w, r, t, "")
}

// activatePromptTemplate handles POST /v1/prompt-templates/{templateID}/activate
func (h *Handler) activatePromptTemplate(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}

	t, err := h.Store.ActivatePromptTemplate(r.Context(), chi.URLParam(r, "templateID"))
	if err != nil {
		HandleDomainError(w, r, err, "Prompt template not found")
		return
	}
	h.invalidate(r, cache.TemplateKey(t.PageType))

	WriteSuccess(w, r, t, "Prompt template activated")
}
