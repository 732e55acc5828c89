package domain

import "time"

type ReportStatus string

const (
	ReportDraft      ReportStatus = "draft"
	ReportPending    ReportStatus = "pending"
	ReportVerified   ReportStatus = "verified"
	ReportInProgress ReportStatus = "in_progress"
	ReportResolved   ReportStatus = "resolved"
	ReportRejected   ReportStatus = "rejected"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Category slugs known to the intake pipeline.
const (
	CategoryInfrastructure = "infrastructure"
	CategoryEnvironment    = "environment"
	CategoryPublicSafety   = "public-safety"
	CategorySocialWelfare  = "social-welfare"
	CategoryOther          = "other"
)

var KnownCategories = []string{
	CategoryInfrastructure,
	CategoryEnvironment,
	CategoryPublicSafety,
	CategorySocialWelfare,
	CategoryOther,
}

type CategoryAssignment struct {
	Slug     string   `json:"slug"`
	Severity Severity `json:"severity"`
}

type Location struct {
	Raw      string   `json:"raw,omitempty"`
	Street   string   `json:"street,omitempty"`
	Village  string   `json:"village,omitempty"`
	District string   `json:"district,omitempty"`
	Regency  string   `json:"regency,omitempty"`
	Province string   `json:"province,omitempty"`
	Lat      *float64 `json:"lat,omitempty"`
	Lon      *float64 `json:"lon,omitempty"`
}

type Report struct {
	ID              string               `json:"id"`
	ReferenceNumber string               `json:"reference_number"`
	ThreadID        string               `json:"thread_id,omitempty"`
	UserID          string               `json:"user_id"`
	OrgID           string               `json:"org_id,omitempty"`
	Title           string               `json:"title"`
	Description     string               `json:"description"`
	Timeline        string               `json:"timeline,omitempty"`
	Impact          string               `json:"impact,omitempty"`
	Status          ReportStatus         `json:"status"`
	Categories      []CategoryAssignment `json:"categories"`
	Location        Location             `json:"location"`
	Attachments     []File               `json:"attachments"`
	ConfidenceScore *float64             `json:"confidence_score,omitempty"`
	IntentAction    string               `json:"intent_action,omitempty"`
	IntentScore     *float64             `json:"intent_confidence,omitempty"`
	CreatedAt       time.Time            `json:"created_at"`
	UpdatedAt       time.Time            `json:"updated_at"`
	VerifiedAt      *time.Time           `json:"verified_at,omitempty"`
	VerifiedBy      string               `json:"verified_by,omitempty"`
	ResolvedAt      *time.Time           `json:"resolved_at,omitempty"`
	ResolvedBy      string               `json:"resolved_by,omitempty"`
}

type JobStatus string

const (
	JobSubmitted  JobStatus = "submitted"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

type ReportJob struct {
	ID              string     `json:"id"`
	ReportID        string     `json:"report_id"`
	ThreadID        string     `json:"thread_id"`
	Status          JobStatus  `json:"status"`
	ConfidenceScore *float64   `json:"confidence_score,omitempty"`
	RetryCount      int        `json:"retry_count"`
	LastAttemptAt   *time.Time `json:"last_attempt_at,omitempty"`
	NextAttemptAt   *time.Time `json:"next_attempt_at,omitempty"`
	ClaimToken      string     `json:"-"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	SubmittedAt     time.Time  `json:"submitted_at"`
	ProcessedAt     *time.Time `json:"processed_at,omitempty"`
}
