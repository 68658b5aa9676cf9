package db

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a row does not exist (or is outside the caller's tenant)
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned on unique violations and guarded deletes
	ErrConflict = errors.New("record conflicts with existing data")
	// ErrPageNotProcessing is returned when completing a page that is not currently claimed
	ErrPageNotProcessing = errors.New("page is not processing")
	// ErrJobFull is returned when a counter update would exceed total_pages
	ErrJobFull = errors.New("job already has every page accounted for")
)

// Job statuses
const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

// Page statuses
const (
	PageStatusQueued     = "queued"
	PageStatusProcessing = "processing"
	PageStatusCompleted  = "completed"
	PageStatusFailed     = "failed"
)

// Location statuses
const (
	LocationStatusActive   = "active"
	LocationStatusUpcoming = "upcoming"
)

// Business is the tenant root
type Business struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Name      string    `json:"name"`
	Industry  string    `json:"industry"`
	Phone     string    `json:"phone"`
	Email     string    `json:"email"`
	Website   string    `json:"website"`
	Address   string    `json:"address"`
	City      string    `json:"city"`
	State     string    `json:"state"`
	Zip       string    `json:"zip"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Keyword is a search phrase targeted by a business
type Keyword struct {
	ID           string    `json:"id"`
	BusinessID   string    `json:"business_id"`
	Keyword      string    `json:"keyword"`
	Slug         string    `json:"slug"`
	Language     string    `json:"language"`
	SearchIntent string    `json:"search_intent,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// ServiceArea is an SEO-only target geography
type ServiceArea struct {
	ID         string    `json:"id"`
	BusinessID string    `json:"business_id"`
	City       string    `json:"city"`
	State      string    `json:"state"`
	Slug       string    `json:"slug"`
	LocationID *string   `json:"location_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// Location is a physical store record
type Location struct {
	ID             string    `json:"id"`
	BusinessID     string    `json:"business_id"`
	Name           string    `json:"name"`
	Address        string    `json:"address"`
	City           string    `json:"city"`
	State          string    `json:"state"`
	Zip            string    `json:"zip"`
	Phone          string    `json:"phone"`
	IsHeadquarters bool      `json:"is_headquarters"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Questionnaire holds free-form onboarding answers for a business
type Questionnaire struct {
	BusinessID string          `json:"business_id"`
	Data       json.RawMessage `json:"data"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// PromptTemplate is one version of the generation prompt for a page type
type PromptTemplate struct {
	ID                string    `json:"id"`
	PageType          string    `json:"page_type"`
	Name              string    `json:"name"`
	Version           int       `json:"version"`
	Template          string    `json:"template"`
	RequiredVariables []string  `json:"required_variables"`
	OptionalVariables []string  `json:"optional_variables"`
	WordCount         int       `json:"word_count"`
	IsActive          bool      `json:"is_active"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// GenerationJob is one fan-out request
type GenerationJob struct {
	ID                string     `json:"id" bson:"_id"`
	BusinessID        string     `json:"business_id" bson:"business_id"`
	PageType          string     `json:"page_type" bson:"page_type"`
	RequestedPageType string     `json:"requested_page_type" bson:"requested_page_type"`
	Status            string     `json:"status" bson:"status"`
	TotalPages        int        `json:"total_pages" bson:"total_pages"`
	CompletedPages    int        `json:"completed_pages" bson:"completed_pages"`
	FailedPages       int        `json:"failed_pages" bson:"failed_pages"`
	WebhookSentAt     *time.Time `json:"webhook_sent_at,omitempty" bson:"webhook_sent_at,omitempty"`
	CreatedBy         string     `json:"created_by" bson:"created_by"`
	CreatedAt         time.Time  `json:"created_at" bson:"created_at"`
	StartedAt         *time.Time `json:"started_at,omitempty" bson:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty" bson:"completed_at,omitempty"`
}

// IsTerminal reports whether the job has reached completed or failed
func (j *GenerationJob) IsTerminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

// Progress returns the finished share of pages as a percentage
func (j *GenerationJob) Progress() float64 {
	if j.TotalPages == 0 {
		return 0
	}
	return float64(j.CompletedPages+j.FailedPages) / float64(j.TotalPages) * 100
}

// JobPage is one keyword-or-service by area-or-location combination
type JobPage struct {
	ID            string     `json:"id" bson:"_id"`
	JobID         string     `json:"job_id" bson:"job_id"`
	BusinessID    string     `json:"business_id" bson:"business_id"`
	Seq           int        `json:"seq" bson:"seq"`
	KeywordID     *string    `json:"keyword_id,omitempty" bson:"keyword_id,omitempty"`
	ServiceAreaID *string    `json:"service_area_id,omitempty" bson:"service_area_id,omitempty"`
	LocationID    *string    `json:"location_id,omitempty" bson:"location_id,omitempty"`
	Keyword       string     `json:"keyword,omitempty" bson:"keyword"`
	ServiceName   string     `json:"service_name,omitempty" bson:"service_name"`
	City          string     `json:"city" bson:"city"`
	State         string     `json:"state" bson:"state"`
	KeywordSlug   string     `json:"keyword_slug" bson:"keyword_slug"`
	LocationSlug  string     `json:"location_slug" bson:"location_slug"`
	PageSlug      string     `json:"page_slug" bson:"page_slug"`
	Language      string     `json:"language" bson:"language"`
	Status        string     `json:"status" bson:"status"`
	Attempts      int        `json:"attempts" bson:"attempts"`
	WorkerID      string     `json:"worker_id,omitempty" bson:"worker_id"`
	ClaimedAt     *time.Time `json:"claimed_at,omitempty" bson:"claimed_at,omitempty"`
	Title         string     `json:"title,omitempty" bson:"title"`
	Content       string     `json:"content,omitempty" bson:"content"`
	WordCount     int        `json:"word_count" bson:"word_count"`
	ErrorMessage  string     `json:"error_message,omitempty" bson:"error_message"`
	CreatedAt     time.Time  `json:"created_at" bson:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty" bson:"completed_at,omitempty"`
}

// IsTerminal reports whether the page has reached completed or failed
func (p *JobPage) IsTerminal() bool {
	return p.Status == PageStatusCompleted || p.Status == PageStatusFailed
}

// Webhook is a registered completion callback
type Webhook struct {
	ID         string    `json:"id"`
	BusinessID string    `json:"business_id"`
	URL        string    `json:"url"`
	Events     []string  `json:"events"`
	Secret     string    `json:"-"`
	IsActive   bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
}

// Subscribes reports whether the webhook wants the given event
func (w *Webhook) Subscribes(event string) bool {
	for _, e := range w.Events {
		if e == event {
			return true
		}
	}
	return false
}

// PageResult is the outcome a worker reports for a claimed page
type PageResult struct {
	JobID     string
	PageID    string
	Status    string // completed or failed
	Title     string
	Content   string
	WordCount int
	Error     string
}

// Completion is returned from CompletePage
type Completion struct {
	Page *JobPage
	Job  *GenerationJob
	// Finalized is true only for the call that moved the job to a terminal status
	Finalized bool
}
