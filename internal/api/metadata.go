package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/Harvey-AU/seo-pagegen/internal/db"
	"github.com/Harvey-AU/seo-pagegen/internal/util"
	"github.com/Harvey-AU/seo-pagegen/internal/webhooks"
	"github.com/go-chi/chi/v5"
)

// maxBulkKeywords caps one bulk keyword request
const maxBulkKeywords = 500

var (
	keywordLanguages = map[string]bool{"en": true, "es": true}
	searchIntents    = map[string]bool{
		"informational": true,
		"commercial":    true,
		"transactional": true,
		"navigational":  true,
	}
)

// KeywordRequest is one keyword to create
type KeywordRequest struct {
	Keyword      string `json:"keyword"`
	Language     string `json:"language"`
	SearchIntent string `json:"search_intent"`
}

// BulkKeywordsRequest is the body of POST …/keywords/bulk
type BulkKeywordsRequest struct {
	Keywords []KeywordRequest `json:"keywords"`
}

func (req KeywordRequest) toKeyword(businessID string) (*db.Keyword, error) {
	k := &db.Keyword{
		BusinessID:   businessID,
		Keyword:      strings.TrimSpace(req.Keyword),
		Language:     strings.ToLower(strings.TrimSpace(req.Language)),
		SearchIntent: strings.ToLower(strings.TrimSpace(req.SearchIntent)),
	}
	if k.Keyword == "" {
		return nil, fmt.Errorf("keyword is required")
	}
	if util.Slugify(k.Keyword) == "" {
		return nil, fmt.Errorf("keyword %q has no URL-safe characters", k.Keyword)
	}
	if k.Language == "" {
		k.Language = "en"
	}
	if !keywordLanguages[k.Language] {
		return nil, fmt.Errorf("unsupported language %q", k.Language)
	}
	if k.SearchIntent != "" && !searchIntents[k.SearchIntent] {
		return nil, fmt.Errorf("unsupported search intent %q", k.SearchIntent)
	}
	return k, nil
}

// listKeywords handles GET …/keywords
func (h *Handler) listKeywords(w http.ResponseWriter, r *http.Request) {
	b, ok := h.authorisedBusiness(w, r)
	if !ok {
		return
	}

	keywords, err := h.Store.ListKeywords(r.Context(), b.ID)
	if err != nil {
		DatabaseError(w, r, err)
		return
	}
	WriteSuccess(w, r, map[string]interface{}{"keywords": keywords}, "")
}

// createKeyword handles POST …/keywords
func (h *Handler) createKeyword(w http.ResponseWriter, r *http.Request) {
	b, ok := h.authorisedBusiness(w, r)
	if !ok {
		return
	}

	var req KeywordRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	k, err := req.toKeyword(b.ID)
	if err != nil {
		BadRequest(w, r, err.Error())
		return
	}

	if err := h.Store.CreateKeyword(r.Context(), k); err != nil {
		HandleDomainError(w, r, err, "Business not found")
		return
	}
	WriteCreated(w, r, k, "Keyword created successfully")
}

// createKeywordsBulk handles POST …/keywords/bulk. The batch is all or nothing.
func (h *Handler) createKeywordsBulk(w http.ResponseWriter, r *http.Request) {
	b, ok := h.authorisedBusiness(w, r)
	if !ok {
		return
	}

	var req BulkKeywordsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Keywords) == 0 {
		BadRequest(w, r, "At least one keyword is required")
		return
	}
	if len(req.Keywords) > maxBulkKeywords {
		BadRequest(w, r, fmt.Sprintf("At most %d keywords per request", maxBulkKeywords))
		return
	}

	keywords := make([]*db.Keyword, 0, len(req.Keywords))
	seen := make(map[string]bool, len(req.Keywords))
	for i, kr := range req.Keywords {
		k, err := kr.toKeyword(b.ID)
		if err != nil {
			BadRequest(w, r, fmt.Sprintf("keywords[%d]: %v", i, err))
			return
		}
		key := util.Slugify(k.Keyword) + "|" + k.Language
		if seen[key] {
			Conflict(w, r, fmt.Sprintf("keywords[%d]: duplicate of an earlier keyword", i))
			return
		}
		seen[key] = true
		keywords = append(keywords, k)
	}

	if err := h.Store.CreateKeywords(r.Context(), keywords); err != nil {
		HandleDomainError(w, r, err, "Business not found")
		return
	}
	WriteCreated(w, r, map[string]interface{}{"keywords": keywords, "created": len(keywords)}, "Keywords created successfully")
}

// deleteKeyword handles DELETE …/keywords/{keywordID}
func (h *Handler) deleteKeyword(w http.ResponseWriter, r *http.Request) {
	b, ok := h.authorisedBusiness(w, r)
	if !ok {
		return
	}
	if err := h.Store.DeleteKeyword(r.Context(), b.ID, chi.URLParam(r, "keywordID")); err != nil {
		HandleDomainError(w, r, err, "Keyword not found")
		return
	}
	WriteNoContent(w, r)
}

// ServiceAreaRequest is the body of POST …/service-areas
type ServiceAreaRequest struct {
	City  string `json:"city"`
	State string `json:"state"`
}

// listServiceAreas handles GET …/service-areas
func (h *Handler) listServiceAreas(w http.ResponseWriter, r *http.Request) {
	b, ok := h.authorisedBusiness(w, r)
	if !ok {
		return
	}

	areas, err := h.Store.ListServiceAreas(r.Context(), b.ID)
	if err != nil {
		DatabaseError(w, r, err)
		return
	}
	WriteSuccess(w, r, map[string]interface{}{"service_areas": areas}, "")
}

// createServiceArea handles POST …/service-areas
func (h *Handler) createServiceArea(w http.ResponseWriter, r *http.Request) {
	b, ok := h.authorisedBusiness(w, r)
	if !ok {
		return
	}

	var req ServiceAreaRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	area := &db.ServiceArea{
		BusinessID: b.ID,
		City:       strings.TrimSpace(req.City),
		State:      strings.TrimSpace(req.State),
	}
	if area.City == "" || area.State == "" {
		BadRequest(w, r, "City and state are required")
		return
	}

	if err := h.Store.CreateServiceArea(r.Context(), area); err != nil {
		HandleDomainError(w, r, err, "Business not found")
		return
	}
	WriteCreated(w, r, area, "Service area created successfully")
}

// deleteServiceArea handles DELETE …/service-areas/{areaID}
func (h *Handler) deleteServiceArea(w http.ResponseWriter, r *http.Request) {
	b, ok := h.authorisedBusiness(w, r)
	if !ok {
		return
	}
	if err := h.Store.DeleteServiceArea(r.Context(), b.ID, chi.URLParam(r, "areaID")); err != nil {
		HandleDomainError(w, r, err, "Service area not found")
		return
	}
	WriteNoContent(w, r)
}

// LocationRequest is the body of location create and update
type LocationRequest struct {
	Name              string `json:"name"`
	Address           string `json:"address"`
	City              string `json:"city"`
	State             string `json:"state"`
	Zip               string `json:"zip"`
	Phone             string `json:"phone"`
	IsHeadquarters    bool   `json:"is_headquarters"`
	Status            string `json:"status"`
	CreateServiceArea bool   `json:"create_service_area"`
}

func (req *LocationRequest) apply(l *db.Location) error {
	l.Name = strings.TrimSpace(req.Name)
	l.Address = strings.TrimSpace(req.Address)
	l.City = strings.TrimSpace(req.City)
	l.State = strings.TrimSpace(req.State)
	l.Zip = strings.TrimSpace(req.Zip)
	l.Phone = strings.TrimSpace(req.Phone)
	l.IsHeadquarters = req.IsHeadquarters
	l.Status = strings.ToLower(strings.TrimSpace(req.Status))
	if l.Status == "" {
		l.Status = db.LocationStatusActive
	}

	switch {
	case l.Name == "":
		return fmt.Errorf("location name is required")
	case l.City == "" || l.State == "":
		return fmt.Errorf("city and state are required")
	case l.Status != db.LocationStatusActive && l.Status != db.LocationStatusUpcoming:
		return fmt.Errorf("status must be %s or %s", db.LocationStatusActive, db.LocationStatusUpcoming)
	}
	return nil
}

// listLocations handles GET …/locations
func (h *Handler) listLocations(w http.ResponseWriter, r *http.Request) {
	b, ok := h.authorisedBusiness(w, r)
	if !ok {
		return
	}

	locations, err := h.Store.ListLocations(r.Context(), b.ID)
	if err != nil {
		DatabaseError(w, r, err)
		return
	}
	WriteSuccess(w, r, map[string]interface{}{"locations": locations}, "")
}

// createLocation handles POST …/locations
func (h *Handler) createLocation(w http.ResponseWriter, r *http.Request) {
	b, ok := h.authorisedBusiness(w, r)
	if !ok {
		return
	}

	var req LocationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	l := &db.Location{BusinessID: b.ID}
	if err := req.apply(l); err != nil {
		BadRequest(w, r, err.Error())
		return
	}

	area, err := h.Store.CreateLocation(r.Context(), l, req.CreateServiceArea)
	if err != nil {
		HandleDomainError(w, r, err, "Business not found")
		return
	}

	WriteCreated(w, r, map[string]interface{}{
		"location":     l,
		"service_area": area,
	}, "Location created successfully")
}

// updateLocation handles PUT …/locations/{locationID}
func (h *Handler) updateLocation(w http.ResponseWriter, r *http.Request) {
	b, ok := h.authorisedBusiness(w, r)
	if !ok {
		return
	}

	l, err := h.Store.GetLocation(r.Context(), b.ID, chi.URLParam(r, "locationID"))
	if err != nil {
		HandleDomainError(w, r, err, "Location not found")
		return
	}

	var req LocationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.CreateServiceArea {
		BadRequest(w, r, "create_service_area only applies when creating a location")
		return
	}
	if err := req.apply(l); err != nil {
		BadRequest(w, r, err.Error())
		return
	}

	if err := h.Store.UpdateLocation(r.Context(), l); err != nil {
		HandleDomainError(w, r, err, "Location not found")
		return
	}
	WriteSuccess(w, r, l, "Location updated successfully")
}

// deleteLocation handles DELETE …/locations/{locationID}. Linked service
// areas survive with their location cleared.
func (h *Handler) deleteLocation(w http.ResponseWriter, r *http.Request) {
	b, ok := h.authorisedBusiness(w, r)
	if !ok {
		return
	}

	unlinked, err := h.Store.DeleteLocation(r.Context(), b.ID, chi.URLParam(r, "locationID"))
	if err != nil {
		HandleDomainError(w, r, err, "Location not found")
		return
	}
	WriteSuccess(w, r, map[string]interface{}{"unlinked_service_areas": unlinked}, "Location deleted successfully")
}

// WebhookRequest is the body of POST …/webhooks
type WebhookRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret"`
}

// listWebhooks handles GET …/webhooks
func (h *Handler) listWebhooks(w http.ResponseWriter, r *http.Request) {
	b, ok := h.authorisedBusiness(w, r)
	if !ok {
		return
	}

	hooks, err := h.Store.ListWebhooks(r.Context(), b.ID)
	if err != nil {
		DatabaseError(w, r, err)
		return
	}
	WriteSuccess(w, r, map[string]interface{}{"webhooks": hooks}, "")
}

// createWebhook handles POST …/webhooks
func (h *Handler) createWebhook(w http.ResponseWriter, r *http.Request) {
	b, ok := h.authorisedBusiness(w, r)
	if !ok {
		return
	}

	var req WebhookRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := util.ValidateWebhookURL(req.URL); err != nil {
		BadRequest(w, r, err.Error())
		return
	}

	events := req.Events
	if len(events) == 0 {
		events = []string{webhooks.EventJobCompleted, webhooks.EventJobFailed}
	}
	for _, e := range events {
		if !webhooks.ValidEvent(e) {
			BadRequest(w, r, fmt.Sprintf("unsupported event %q", e))
			return
		}
	}

	hook := &db.Webhook{
		BusinessID: b.ID,
		URL:        strings.TrimSpace(req.URL),
		Events:     events,
		Secret:     req.Secret,
	}
	if err := h.Store.CreateWebhook(r.Context(), hook); err != nil {
		HandleDomainError(w, r, err, "Business not found")
		return
	}
	WriteCreated(w, r, hook, "Webhook created successfully")
}

// deleteWebhook handles DELETE …/webhooks/{webhookID}
func (h *Handler) deleteWebhook(w http.ResponseWriter, r *http.Request) {
	b, ok := h.authorisedBusiness(w, r)
	if !ok {
		return
	}
	if err := h.Store.DeleteWebhook(r.Context(), b.ID, chi.URLParam(r, "webhookID")); err != nil {
		HandleDomainError(w, r, err, "Webhook not found")
		return
	}
	WriteNoContent(w, r)
}
