package api

import (
	"net/http"
	"strings"

	"github.com/Harvey-AU/seo-pagegen/internal/auth"
	"github.com/Harvey-AU/seo-pagegen/internal/db"
	"github.com/Harvey-AU/seo-pagegen/internal/llm"
	"github.com/Harvey-AU/seo-pagegen/internal/util"
	"github.com/go-chi/chi/v5"
)

// CreateJobRequest represents the request body for creating a job
type CreateJobRequest struct {
	PageType string `json:"page_type"`
}

// JobResponse is a job plus its computed progress
type JobResponse struct {
	*db.GenerationJob
	Progress float64 `json:"progress"`
}

func newJobResponse(job *db.GenerationJob) JobResponse {
	return JobResponse{GenerationJob: job, Progress: job.Progress()}
}

// listJobs handles GET /v1/businesses/{businessID}/jobs
func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	b, ok := h.authorisedBusiness(w, r)
	if !ok {
		return
	}

	limit, offset := util.ParsePagination(r, 10, 100)
	jobs, total, err := h.Jobs.ListJobs(r.Context(), b.ID, limit, offset)
	if err != nil {
		DatabaseError(w, r, err)
		return
	}

	out := make([]JobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, newJobResponse(j))
	}
	WriteList(w, r, "jobs", out, NewPagination(limit, offset, total))
}

// createJob handles POST /v1/businesses/{businessID}/jobs
func (h *Handler) createJob(w http.ResponseWriter, r *http.Request) {
	b, ok := h.authorisedBusiness(w, r)
	if !ok {
		return
	}
	user, _ := auth.GetUserFromContext(r.Context())

	var req CreateJobRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.PageType) == "" {
		BadRequest(w, r, "page_type is required")
		return
	}

	job, err := h.Jobs.CreateJob(r.Context(), b.ID, req.PageType, user.UserID)
	if err != nil {
		HandleDomainError(w, r, err, "Business not found")
		return
	}

	logger := loggerWithRequest(r)
	logger.Info().
		Str("job_id", job.ID).
		Str("business_id", b.ID).
		Str("page_type", job.PageType).
		Int("total_pages", job.TotalPages).
		Msg("Generation job created")

	WriteCreated(w, r, newJobResponse(job), "Job created successfully")
}

// getJob handles GET /v1/jobs/{jobID}
func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.authorisedJob(w, r)
	if !ok {
		return
	}
	WriteSuccess(w, r, newJobResponse(job), "")
}

// RepublishResponse reports how many queued pages were sent to the broker again
type RepublishResponse struct {
	JobID string `json:"job_id"`
	Sent  int    `json:"sent"`
}

// republishJob handles POST /v1/jobs/{jobID}/republish. It resends a message
// for every page of the job that is still queued.
func (h *Handler) republishJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.authorisedJob(w, r)
	if !ok {
		return
	}

	sent, err := h.Jobs.RepublishQueued(r.Context(), job.ID)
	if err != nil {
		HandleDomainError(w, r, err, "Job not found")
		return
	}
	WriteSuccess(w, r, RepublishResponse{JobID: job.ID, Sent: sent}, "Queued pages republished")
}

var pageStatuses = map[string]bool{
	db.PageStatusQueued:     true,
	db.PageStatusProcessing: true,
	db.PageStatusCompleted:  true,
	db.PageStatusFailed:     true,
}

// listPages handles GET /v1/jobs/{jobID}/pages
func (h *Handler) listPages(w http.ResponseWriter, r *http.Request) {
	job, ok := h.authorisedJob(w, r)
	if !ok {
		return
	}

	status := r.URL.Query().Get("status")
	if status != "" && !pageStatuses[status] {
		BadRequest(w, r, "Unknown page status filter")
		return
	}

	limit, offset := util.ParsePagination(r, 10, 100)
	pages, total, err := h.Jobs.ListPages(r.Context(), job.ID, status, limit, offset)
	if err != nil {
		DatabaseError(w, r, err)
		return
	}
	WriteList(w, r, "pages", pages, NewPagination(limit, offset, total))
}

// getPage handles GET /v1/jobs/{jobID}/pages/{pageID}
func (h *Handler) getPage(w http.ResponseWriter, r *http.Request) {
	job, ok := h.authorisedJob(w, r)
	if !ok {
		return
	}

	page, err := h.Jobs.GetPage(r.Context(), job.ID, chi.URLParam(r, "pageID"))
	if err != nil {
		HandleDomainError(w, r, err, "Page not found")
		return
	}
	WriteSuccess(w, r, page, "")
}

// ClaimRequest is the body of a claim
type ClaimRequest struct {
	WorkerID string `json:"worker_id"`
}

// ClaimResponse is a claimed page with the prompt to generate it from
type ClaimResponse struct {
	*db.JobPage
	Prompt      *llm.Prompt `json:"prompt,omitempty"`
	PromptError string      `json:"prompt_error,omitempty"`
}

// claimPage handles POST /v1/jobs/{jobID}/claim and POST /v1/pages/claim.
// Claiming across every job is reserved for workers.
func (h *Handler) claimPage(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.WorkerID = strings.TrimSpace(req.WorkerID)
	if req.WorkerID == "" {
		BadRequest(w, r, "worker_id is required")
		return
	}

	jobID := chi.URLParam(r, "jobID")
	var job *db.GenerationJob
	if jobID != "" {
		var ok bool
		if job, ok = h.authorisedJob(w, r); !ok {
			return
		}
	} else if !auth.IsWorker(r.Context()) {
		Forbidden(w, r, "Only workers may claim pages across jobs")
		return
	}

	page, err := h.Jobs.ClaimPage(r.Context(), jobID, req.WorkerID)
	if err != nil {
		HandleDomainError(w, r, err, "Job not found")
		return
	}
	if page == nil {
		WriteNoPagesAvailable(w, r)
		return
	}

	logger := loggerWithRequest(r)
	logger.Info().
		Str("job_id", page.JobID).
		Str("page_id", page.ID).
		Str("worker_id", req.WorkerID).
		Int("attempt", page.Attempts).
		Msg("Page claimed")

	resp := ClaimResponse{JobPage: page}
	if h.Prompts != nil {
		if job == nil {
			if job, err = h.Jobs.GetJob(r.Context(), page.JobID); err != nil {
				DatabaseError(w, r, err)
				return
			}
		}
		prompt, err := h.Prompts.BuildPrompt(r.Context(), job, page)
		if err != nil {
			// The worker reports this back as a failed page
			resp.PromptError = err.Error()
		} else {
			resp.Prompt = &prompt
		}
	}

	WriteSuccess(w, r, resp, "Page claimed")
}

// CompleteRequest is the body a worker posts for a claimed page
type CompleteRequest struct {
	Status    string `json:"status"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	WordCount int    `json:"word_count"`
	Error     string `json:"error"`
}

// CompleteResponse reports the page and job after completion
type CompleteResponse struct {
	Page      *db.JobPage `json:"page"`
	Job       JobResponse `json:"job"`
	Finalized bool        `json:"finalized"`
}

// completePage handles POST /v1/jobs/{jobID}/pages/{pageID}/complete
func (h *Handler) completePage(w http.ResponseWriter, r *http.Request) {
	job, ok := h.authorisedJob(w, r)
	if !ok {
		return
	}

	var req CompleteRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result := db.PageResult{
		JobID:  job.ID,
		PageID: chi.URLParam(r, "pageID"),
		Status: strings.ToLower(strings.TrimSpace(req.Status)),
	}
	switch result.Status {
	case db.PageStatusCompleted:
		if strings.TrimSpace(req.Content) == "" {
			BadRequest(w, r, "content is required for completed pages")
			return
		}
		result.Title = strings.TrimSpace(req.Title)
		result.Content = req.Content
		result.WordCount = req.WordCount
		if result.WordCount <= 0 {
			result.WordCount = len(strings.Fields(req.Content))
		}
	case db.PageStatusFailed:
		result.Error = strings.TrimSpace(req.Error)
		if result.Error == "" {
			result.Error = "worker reported failure"
		}
	default:
		BadRequest(w, r, "status must be completed or failed")
		return
	}

	completion, err := h.Jobs.Complete(r.Context(), result)
	if err != nil {
		HandleDomainError(w, r, err, "Page not found")
		return
	}

	WriteSuccess(w, r, CompleteResponse{
		Page:      completion.Page,
		Job:       newJobResponse(completion.Job),
		Finalized: completion.Finalized,
	}, "Page completed")
}
