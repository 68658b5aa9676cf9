package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/Harvey-AU/seo-pagegen/internal/cache"
	"github.com/Harvey-AU/seo-pagegen/internal/db"
	"github.com/Harvey-AU/seo-pagegen/internal/util"
)

// BusinessRequest is the body of business create and update
type BusinessRequest struct {
	Name     string `json:"name"`
	Industry string `json:"industry"`
	Phone    string `json:"phone"`
	Email    string `json:"email"`
	Website  string `json:"website"`
	Address  string `json:"address"`
	City     string `json:"city"`
	State    string `json:"state"`
	Zip      string `json:"zip"`
}

func (req *BusinessRequest) apply(b *db.Business) {
	b.Name = strings.TrimSpace(req.Name)
	b.Industry = strings.TrimSpace(req.Industry)
	b.Phone = strings.TrimSpace(req.Phone)
	b.Email = strings.TrimSpace(req.Email)
	b.Website = util.NormaliseWebsite(req.Website)
	b.Address = strings.TrimSpace(req.Address)
	b.City = strings.TrimSpace(req.City)
	b.State = strings.TrimSpace(req.State)
	b.Zip = strings.TrimSpace(req.Zip)
}

// listBusinesses handles GET /v1/businesses
func (h *Handler) listBusinesses(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	limit, offset := util.ParsePagination(r, 10, 100)
	ownerID := user.UserID
	if user.IsAdmin() {
		ownerID = ""
	}

	businesses, total, err := h.Store.ListBusinesses(r.Context(), ownerID, limit, offset)
	if err != nil {
		DatabaseError(w, r, err)
		return
	}

	WriteList(w, r, "businesses", businesses, NewPagination(limit, offset, total))
}

// createBusiness handles POST /v1/businesses
func (h *Handler) createBusiness(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	var req BusinessRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		BadRequest(w, r, "Business name is required")
		return
	}

	b := &db.Business{OwnerID: user.UserID}
	req.apply(b)
	if err := h.Store.CreateBusiness(r.Context(), b); err != nil {
		HandleDomainError(w, r, err, "Business not found")
		return
	}

	logger := loggerWithRequest(r)
	logger.Info().Str("business_id", b.ID).Msg("Business created")
	WriteCreated(w, r, b, "Business created successfully")
}

// getBusiness handles GET /v1/businesses/{businessID}
func (h *Handler) getBusiness(w http.ResponseWriter, r *http.Request) {
	b, ok := h.authorisedBusiness(w, r)
	if !ok {
		return
	}
	WriteSuccess(w, r, b, "")
}

// updateBusiness handles PUT /v1/businesses/{businessID}
func (h *Handler) updateBusiness(w http.ResponseWriter, r *http.Request) {
	b, ok := h.authorisedBusiness(w, r)
	if !ok {
		return
	}

	var req BusinessRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		BadRequest(w, r, "Business name is required")
		return
	}

	req.apply(b)
	if err := h.Store.UpdateBusiness(r.Context(), b); err != nil {
		HandleDomainError(w, r, err, "Business not found")
		return
	}
	h.invalidate(r, cache.BusinessKey(b.ID))

	WriteSuccess(w, r, b, "Business updated successfully")
}

// deleteBusiness handles DELETE /v1/businesses/{businessID}
func (h *Handler) deleteBusiness(w http.ResponseWriter, r *http.Request) {
	b, ok := h.authorisedBusiness(w, r)
	if !ok {
		return
	}

	// Jobs may live in MongoDB, outside the metadata store
	_, total, err := h.Jobs.ListJobs(r.Context(), b.ID, 1, 0)
	if err != nil {
		DatabaseError(w, r, err)
		return
	}
	if total > 0 {
		Conflict(w, r, fmt.Sprintf("Business has %d generation jobs", total))
		return
	}

	if err := h.Store.DeleteBusiness(r.Context(), b.ID); err != nil {
		HandleDomainError(w, r, err, "Business not found")
		return
	}
	h.invalidate(r, cache.BusinessKey(b.ID), cache.QuestionnaireKey(b.ID))

	WriteNoContent(w, r)
}

// QuestionnaireRequest is the body of PUT …/questionnaire
type QuestionnaireRequest struct {
	Data json.RawMessage `json:"data"`
}

// getQuestionnaire handles GET /v1/businesses/{businessID}/questionnaire
func (h *Handler) getQuestionnaire(w http.ResponseWriter, r *http.Request) {
	b, ok := h.authorisedBusiness(w, r)
	if !ok {
		return
	}

	q, err := h.Store.GetQuestionnaire(r.Context(), b.ID)
	if err != nil {
		HandleDomainError(w, r, err, "Questionnaire not found")
		return
	}
	WriteSuccess(w, r, q, "")
}

// saveQuestionnaire handles PUT /v1/businesses/{businessID}/questionnaire
func (h *Handler) saveQuestionnaire(w http.ResponseWriter, r *http.Request) {
	b, ok := h.authorisedBusiness(w, r)
	if !ok {
		return
	}

	var req QuestionnaireRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	data := bytes.TrimSpace(req.Data)
	if len(data) == 0 || data[0] != '{' {
		BadRequest(w, r, "Questionnaire data must be a JSON object")
		return
	}

	q := &db.Questionnaire{BusinessID: b.ID, Data: json.RawMessage(data)}
	if err := h.Store.SaveQuestionnaire(r.Context(), q); err != nil {
		HandleDomainError(w, r, err, "Business not found")
		return
	}
	h.invalidate(r, cache.QuestionnaireKey(b.ID))

	WriteSuccess(w, r, q, "Questionnaire saved successfully")
}
