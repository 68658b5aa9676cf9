package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Harvey-AU/seo-pagegen/internal/auth"
	"github.com/Harvey-AU/seo-pagegen/internal/cache"
	"github.com/Harvey-AU/seo-pagegen/internal/db"
	"github.com/Harvey-AU/seo-pagegen/internal/jobs"
	"github.com/Harvey-AU/seo-pagegen/internal/llm"
	"github.com/go-chi/chi/v5"
)

// Version is the current API version (can be set via ldflags at build time)
var Version = "0.1.0"

// maxBodyBytes caps JSON request bodies
const maxBodyBytes = 1 << 20

// Store is the tenant metadata persistence behind the API
type Store interface {
	Ping(ctx context.Context) error

	CreateBusiness(ctx context.Context, b *db.Business) error
	GetBusiness(ctx context.Context, id string) (*db.Business, error)
	ListBusinesses(ctx context.Context, ownerID string, limit, offset int) ([]*db.Business, int, error)
	UpdateBusiness(ctx context.Context, b *db.Business) error
	DeleteBusiness(ctx context.Context, id string) error

	CreateKeyword(ctx context.Context, k *db.Keyword) error
	CreateKeywords(ctx context.Context, keywords []*db.Keyword) error
	ListKeywords(ctx context.Context, businessID string) ([]*db.Keyword, error)
	DeleteKeyword(ctx context.Context, businessID, id string) error

	CreateServiceArea(ctx context.Context, a *db.ServiceArea) error
	ListServiceAreas(ctx context.Context, businessID string) ([]*db.ServiceArea, error)
	DeleteServiceArea(ctx context.Context, businessID, id string) error

	CreateLocation(ctx context.Context, l *db.Location, linkArea bool) (*db.ServiceArea, error)
	GetLocation(ctx context.Context, businessID, id string) (*db.Location, error)
	ListLocations(ctx context.Context, businessID string) ([]*db.Location, error)
	UpdateLocation(ctx context.Context, l *db.Location) error
	DeleteLocation(ctx context.Context, businessID, id string) (int64, error)

	GetQuestionnaire(ctx context.Context, businessID string) (*db.Questionnaire, error)
	SaveQuestionnaire(ctx context.Context, q *db.Questionnaire) error

	CreateWebhook(ctx context.Context, w *db.Webhook) error
	ListWebhooks(ctx context.Context, businessID string) ([]*db.Webhook, error)
	DeleteWebhook(ctx context.Context, businessID, id string) error

	CreatePromptTemplate(ctx context.Context, t *db.PromptTemplate, activate bool) error
	ActivatePromptTemplate(ctx context.Context, id string) (*db.PromptTemplate, error)
	GetPromptTemplate(ctx context.Context, id string) (*db.PromptTemplate, error)
	ListPromptTemplates(ctx context.Context, pageType string) ([]*db.PromptTemplate, error)
}

var _ Store = (*db.DB)(nil)

// PromptBuilder renders the prompt a remote worker needs for a claimed page
type PromptBuilder interface {
	BuildPrompt(ctx context.Context, job *db.GenerationJob, page *db.JobPage) (llm.Prompt, error)
}

// Handler holds dependencies for API handlers
type Handler struct {
	Store       Store
	Jobs        *jobs.JobManager
	Auth        auth.AuthClient
	Prompts     PromptBuilder
	Cache       cache.Cache
	WorkerToken string
	Limiter     *RateLimiter
	// StreamInterval is how often the job stream polls for progress
	StreamInterval time.Duration
}

// NewHandler creates a new API handler with dependencies
func NewHandler(store Store, jm *jobs.JobManager, authClient auth.AuthClient) *Handler {
	return &Handler{
		Store:          store,
		Jobs:           jm,
		Auth:           authClient,
		StreamInterval: time.Second,
	}
}

// Routes builds the router with every endpoint and its middleware
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(RecoverMiddleware)
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware)
	r.Use(SecurityHeadersMiddleware)
	r.Use(CORSMiddleware)
	if h.Limiter != nil {
		r.Use(h.Limiter.Middleware)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		NotFound(w, r, "Route not found")
	})
	r.MethodNotAllowed(MethodNotAllowed)

	r.Get("/health", h.HealthCheck)
	r.Get("/health/db", h.DatabaseHealthCheck)

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(auth.AuthMiddlewareWithClient(h.Auth))

			r.Route("/businesses", func(r chi.Router) {
				r.Get("/", h.listBusinesses)
				r.Post("/", h.createBusiness)
				r.Route("/{businessID}", func(r chi.Router) {
					r.Get("/", h.getBusiness)
					r.Put("/", h.updateBusiness)
					r.Delete("/", h.deleteBusiness)

					r.Get("/keywords", h.listKeywords)
					r.Post("/keywords", h.createKeyword)
					r.Post("/keywords/bulk", h.createKeywordsBulk)
					r.Delete("/keywords/{keywordID}", h.deleteKeyword)

					r.Get("/service-areas", h.listServiceAreas)
					r.Post("/service-areas", h.createServiceArea)
					r.Delete("/service-areas/{areaID}", h.deleteServiceArea)

					r.Get("/locations", h.listLocations)
					r.Post("/locations", h.createLocation)
					r.Put("/locations/{locationID}", h.updateLocation)
					r.Delete("/locations/{locationID}", h.deleteLocation)

					r.Get("/questionnaire", h.getQuestionnaire)
					r.Put("/questionnaire", h.saveQuestionnaire)

					r.Get("/webhooks", h.listWebhooks)
					r.Post("/webhooks", h.createWebhook)
					r.Delete("/webhooks/{webhookID}", h.deleteWebhook)

					r.Get("/jobs", h.listJobs)
					r.Post("/jobs", h.createJob)
				})
			})

			r.Get("/jobs/{jobID}", h.getJob)
			r.Get("/jobs/{jobID}/pages", h.listPages)
			r.Get("/jobs/{jobID}/pages/{pageID}", h.getPage)
			r.Get("/jobs/{jobID}/stream", h.streamJob)
			r.Post("/jobs/{jobID}/republish", h.republishJob)

			r.Route("/prompt-templates", func(r chi.Router) {
				r.Get("/", h.listPromptTemplates)
				r.Post("/", h.createPromptTemplate)
				r.Get("/{templateID}", h.getPromptTemplate)
				r.Post("/{templateID}/activate", h.activatePromptTemplate)
			})
		})

		// Remote workers authenticate with the shared worker token
		r.Group(func(r chi.Router) {
			r.Use(auth.WorkerOrUserMiddleware(h.Auth, h.WorkerToken))
			r.Post("/pages/claim", h.claimPage)
			r.Post("/jobs/{jobID}/claim", h.claimPage)
			r.Post("/jobs/{jobID}/pages/{pageID}/complete", h.completePage)
		})
	})

	return r
}

// HealthCheck handles basic health check requests
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	WriteHealthy(w, r, "seo-pagegen", Version)
}

// DatabaseHealthCheck handles database health check requests
func (h *Handler) DatabaseHealthCheck(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		WriteUnhealthy(w, r, "database", fmt.Errorf("database connection not configured"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.Store.Ping(ctx); err != nil {
		WriteUnhealthy(w, r, "database", err)
		return
	}

	WriteHealthy(w, r, "database", "")
}

// decodeJSON reads a size-limited JSON body, rejecting unknown fields
func decodeJSON(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			BadRequest(w, r, "Request body is required")
		case errors.As(err, &maxErr):
			WriteErrorMessage(w, r, "Request body too large", http.StatusRequestEntityTooLarge, ErrCodeBadRequest)
		default:
			BadRequest(w, r, "Invalid JSON request body: "+err.Error())
		}
		return false
	}
	return true
}

// currentUser returns the authenticated caller or writes a 401
func currentUser(w http.ResponseWriter, r *http.Request) (*auth.UserClaims, bool) {
	user, ok := auth.GetUserFromContext(r.Context())
	if !ok {
		Unauthorised(w, r, "User information not found")
		return nil, false
	}
	return user, true
}

// authorisedBusiness loads the business in the URL and checks the caller
// owns it. Businesses of other tenants are reported as not found.
func (h *Handler) authorisedBusiness(w http.ResponseWriter, r *http.Request) (*db.Business, bool) {
	return h.businessFor(w, r, chi.URLParam(r, "businessID"))
}

func (h *Handler) businessFor(w http.ResponseWriter, r *http.Request, businessID string) (*db.Business, bool) {
	user, ok := currentUser(w, r)
	if !ok {
		return nil, false
	}

	b, err := h.Store.GetBusiness(r.Context(), businessID)
	if err != nil {
		HandleDomainError(w, r, err, "Business not found")
		return nil, false
	}
	if !user.IsAdmin() && b.OwnerID != user.UserID {
		NotFound(w, r, "Business not found")
		return nil, false
	}
	return b, true
}

// authorisedJob loads the job in the URL. Workers may see every job; users
// only the jobs of businesses they own.
func (h *Handler) authorisedJob(w http.ResponseWriter, r *http.Request) (*db.GenerationJob, bool) {
	job, err := h.Jobs.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		HandleDomainError(w, r, err, "Job not found")
		return nil, false
	}
	if auth.IsWorker(r.Context()) {
		return job, true
	}
	if _, ok := h.businessFor(w, r, job.BusinessID); !ok {
		return nil, false
	}
	return job, true
}

// invalidate drops cached generation context. Failures only cost freshness.
func (h *Handler) invalidate(r *http.Request, keys ...string) {
	if h.Cache == nil {
		return
	}
	if err := h.Cache.Delete(r.Context(), keys...); err != nil {
		logger := loggerWithRequest(r)
		logger.Warn().Err(err).Strs("keys", keys).Msg("Failed to invalidate cache")
	}
}
