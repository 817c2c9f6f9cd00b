// Package domain defines the core entities and ports of the provider
// validation engine. Adapters (HTTP, Postgres, Redis, Kafka) depend on this
// package; it depends on nothing but the standard library.
package domain

import (
	"context"
	"time"
)

// JobStatus enumerates the lifecycle states of a validation job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// JobPriority orders task dequeue across jobs.
type JobPriority string

const (
	PriorityLow    JobPriority = "low"
	PriorityNormal JobPriority = "normal"
	PriorityHigh   JobPriority = "high"
	PriorityUrgent JobPriority = "urgent"
)

// Priorities lists priorities from most to least urgent; reserve order.
var Priorities = []JobPriority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}

// TaskType names a validation source. One queue and one worker pool exist
// per task type.
type TaskType string

const (
	TaskIdentifierCheck    TaskType = "identifier_check"
	TaskAddressValidation  TaskType = "address_validation"
	TaskDocumentProcessing TaskType = "document_processing"
	TaskLicenseVerify      TaskType = "license_verification"
	TaskEnrichmentLookup   TaskType = "enrichment_lookup"
)

// TaskTypes lists all task types in a stable order.
var TaskTypes = []TaskType{
	TaskIdentifierCheck,
	TaskAddressValidation,
	TaskDocumentProcessing,
	TaskLicenseVerify,
	TaskEnrichmentLookup,
}

// SourceWeights is the per-source contribution to weighted field fusion.
// The four primary sources sum to 1.0; document evidence shares the
// hospital/website tier. Fusion normalizes by the sum of contributing
// weights, so absent sources do not skew the result.
var SourceWeights = map[TaskType]float64{
	TaskIdentifierCheck:    0.40,
	TaskAddressValidation:  0.25,
	TaskEnrichmentLookup:   0.20,
	TaskDocumentProcessing: 0.20,
	TaskLicenseVerify:      0.15,
}

// Provider is a submitted record about a healthcare practitioner. The
// ProviderID is opaque to the engine and is the sole identity key within a
// job. All other fields are optional.
type Provider struct {
	ProviderID    string `json:"provider_id"`
	GivenName     string `json:"given_name,omitempty"`
	FamilyName    string `json:"family_name,omitempty"`
	Identifier    string `json:"identifier,omitempty"`
	PhonePrimary  string `json:"phone_primary,omitempty"`
	PhoneAlt      string `json:"phone_alt,omitempty"`
	Email         string `json:"email,omitempty"`
	AddressStreet string `json:"address_street,omitempty"`
	AddressCity   string `json:"address_city,omitempty"`
	AddressState  string `json:"address_state,omitempty"`
	AddressZip    string `json:"address_zip,omitempty"`
	Country       string `json:"country,omitempty"`
	LicenseNumber string `json:"license_number,omitempty"`
	LicenseState  string `json:"license_state,omitempty"`
	DocumentRef   string `json:"document_reference,omitempty"`
}

// HasAddress reports whether the submission carries enough address data to
// be worth a geocode lookup.
func (p Provider) HasAddress() bool {
	return p.AddressStreet != "" || p.AddressZip != ""
}

// ValidationOptions configure a batch.
type ValidationOptions struct {
	EnableIdentifierCheck    bool    `json:"enable_identifier_check"`
	EnableAddressValidation  bool    `json:"enable_address_validation"`
	EnableDocumentProcessing bool    `json:"enable_document_processing"`
	EnableLicenseValidation  bool    `json:"enable_license_validation"`
	EnableEnrichment         bool    `json:"enable_enrichment"`
	ConfidenceThreshold      float64 `json:"confidence_threshold"`
	MaxRetries               int     `json:"max_retries"`
	TimeoutSeconds           int     `json:"timeout_seconds"`
}

// DefaultValidationOptions enables every source with the engine defaults.
func DefaultValidationOptions() ValidationOptions {
	return ValidationOptions{
		EnableIdentifierCheck:    true,
		EnableAddressValidation:  true,
		EnableDocumentProcessing: true,
		EnableLicenseValidation:  true,
		EnableEnrichment:         true,
		ConfidenceThreshold:      0.70,
		MaxRetries:               3,
		TimeoutSeconds:           30,
	}
}

// TaskTypesFor enumerates the task types implied by the options for one
// provider. A source is skipped when the submission lacks the fields the
// source needs: no address means no geocode lookup, no document reference
// means no OCR, and so on.
func (o ValidationOptions) TaskTypesFor(p Provider) []TaskType {
	var out []TaskType
	if o.EnableIdentifierCheck && p.Identifier != "" {
		out = append(out, TaskIdentifierCheck)
	}
	if o.EnableAddressValidation && p.HasAddress() {
		out = append(out, TaskAddressValidation)
	}
	if o.EnableDocumentProcessing && p.DocumentRef != "" {
		out = append(out, TaskDocumentProcessing)
	}
	if o.EnableLicenseValidation && p.LicenseNumber != "" {
		out = append(out, TaskLicenseVerify)
	}
	if o.EnableEnrichment {
		out = append(out, TaskEnrichmentLookup)
	}
	return out
}

// Job is one accepted batch submission.
type Job struct {
	ID             string
	Status         JobStatus
	Priority       JobPriority
	ProviderCount  int
	CompletedCount int
	FailedCount    int
	Progress       float64
	Options        ValidationOptions
	IdempotencyKey string
	Error          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// WorkerTask is one (provider, source) unit of work. The queue owns a task
// exclusively until a worker claims it.
type WorkerTask struct {
	ID             string            `json:"task_id"`
	JobID          string            `json:"job_id"`
	ProviderID     string            `json:"provider_id"`
	Type           TaskType          `json:"task_type"`
	Payload        Provider          `json:"payload"`
	Priority       JobPriority       `json:"priority"`
	Attempt        int               `json:"attempt"`
	MaxRetries     int               `json:"max_retries"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	ScheduledAt    time.Time         `json:"scheduled_at"`
	Meta           map[string]string `json:"meta,omitempty"`
}

// WorkerTaskResult is the evidence produced by one attempt of a task. The
// last successful attempt (or the last failed one if none succeed) is the
// authoritative record for that (job, provider, task_type).
type WorkerTaskResult struct {
	JobID             string
	ProviderID        string
	TaskType          TaskType
	Attempt           int
	Success           bool
	OverallConfidence float64
	NormalizedFields  map[string]string
	FieldConfidence   map[string]float64
	ErrorMessage      string
	SourceMetadata    map[string]string
	Flags             []string
	CreatedAt         time.Time
}

// FieldStatus enumerates per-field verdicts.
type FieldStatus string

const (
	FieldValid   FieldStatus = "valid"
	FieldInvalid FieldStatus = "invalid"
	FieldWarning FieldStatus = "warning"
	FieldUnknown FieldStatus = "unknown"
)

// ValidationResult is one rule firing for one field.
type ValidationResult struct {
	FieldName   string
	Value       string
	Status      FieldStatus
	Confidence  float64
	Source      TaskType
	CriteriaMet []string
	Details     string
	Timestamp   time.Time
}

// FieldSummary is the per-field fusion across evidence and rules.
type FieldSummary struct {
	FieldName           string   `json:"field_name"`
	AgreedValue         string   `json:"agreed_value"`
	Confidence          float64  `json:"confidence"`
	Status              FieldStatus `json:"status"`
	ContributingSources []string `json:"contributing_sources"`
	ValidationCount     int      `json:"validation_count"`
}

// ReportStatus is the overall verdict of a provider report.
type ReportStatus string

const (
	ReportValid   ReportStatus = "valid"
	ReportWarning ReportStatus = "warning"
	ReportInvalid ReportStatus = "invalid"
	ReportPending ReportStatus = "pending"
)

// ProviderReport is the final fused verdict for one provider in one job.
// Once stored it is immutable.
type ProviderReport struct {
	ProviderID          string                  `json:"provider_id"`
	JobID               string                  `json:"job_id"`
	OverallConfidence   float64                 `json:"overall_confidence"`
	ValidationStatus    ReportStatus            `json:"validation_status"`
	FieldSummaries      map[string]FieldSummary `json:"field_summaries"`
	AggregatedFields    map[string]string       `json:"aggregated_fields"`
	Flags               []string                `json:"flags"`
	ValidationTimestamp time.Time               `json:"validation_timestamp"`
	ProcessingTime      time.Duration           `json:"processing_time"`
	Signature           string                  `json:"signature,omitempty"`
}

// IdempotencyRecord binds one logical submission to one job.
type IdempotencyRecord struct {
	Key         string
	JobID       string
	RequestHash string
	CreatedAt   time.Time
	TTL         time.Duration
}

// JobEventType names lifecycle events published to the event stream.
type JobEventType string

const (
	EventJobCreated   JobEventType = "job_created"
	EventJobRunning   JobEventType = "job_running"
	EventJobCompleted JobEventType = "job_completed"
	EventJobFailed    JobEventType = "job_failed"
	EventJobCancelled JobEventType = "job_cancelled"
	EventReportReady  JobEventType = "report_ready"
)

// JobEvent is a lifecycle notification; publishing is fire-and-forget.
type JobEvent struct {
	Type       JobEventType `json:"type"`
	JobID      string       `json:"job_id"`
	ProviderID string       `json:"provider_id,omitempty"`
	At         time.Time    `json:"at"`
}

// Repositories (ports)

type JobRepository interface {
	Create(ctx context.Context, j Job) error
	Get(ctx context.Context, id string) (Job, error)
	// UpdateStatus transitions a job. Implementations must refuse to mutate
	// terminal jobs and return ErrConflict instead.
	UpdateStatus(ctx context.Context, id string, status JobStatus, errMsg *string) error
	UpdateProgress(ctx context.Context, id string, completed, failed int, progress float64) error
}

type ProviderRepository interface {
	SaveAll(ctx context.Context, jobID string, providers []Provider) error
	Get(ctx context.Context, jobID, providerID string) (Provider, error)
	ListIDs(ctx context.Context, jobID string) ([]string, error)
}

type TaskResultRepository interface {
	// Upsert records the authoritative result for (job, provider, task_type).
	Upsert(ctx context.Context, r WorkerTaskResult) error
	ListByProvider(ctx context.Context, jobID, providerID string) ([]WorkerTaskResult, error)
}

type ReportRepository interface {
	// Create stores a terminal report; a second create for the same
	// (job, provider) returns ErrConflict.
	Create(ctx context.Context, r ProviderReport) error
	Get(ctx context.Context, jobID, providerID string) (ProviderReport, error)
}

// IdempotencyStore deduplicates batch submissions. PutIfAbsent is an
// atomic compare-and-set on key.
type IdempotencyStore interface {
	Check(ctx context.Context, key string) (*IdempotencyRecord, error)
	// PutIfAbsent binds key to the record unless a record already exists.
	// It returns the pre-existing record, or nil when the write won.
	PutIfAbsent(ctx context.Context, rec IdempotencyRecord) (*IdempotencyRecord, error)
}

// Queue is the per-source FIFO of worker tasks with at-least-once delivery.
type Queue interface {
	Enqueue(ctx context.Context, t WorkerTask) error
	// Reserve claims a task with a visibility deadline; nil when none ready
	// within timeout.
	Reserve(ctx context.Context, tt TaskType, timeout time.Duration) (*WorkerTask, error)
	Ack(ctx context.Context, tt TaskType, taskID string) error
	// Nack returns the task to the queue after delay. The task body is
	// rewritten, so callers may bump Attempt before nacking.
	Nack(ctx context.Context, t WorkerTask, delay time.Duration) error
	// TombstoneJob marks all of a job's tasks droppable; workers ack them
	// without invoking a connector.
	TombstoneJob(ctx context.Context, jobID string) error
	IsTombstoned(ctx context.Context, jobID string) (bool, error)
	// RequeueExpired returns in-flight tasks whose visibility deadline has
	// passed to the pending queue.
	RequeueExpired(ctx context.Context, tt TaskType) (int, error)
}

// EventPublisher pushes lifecycle events to an external stream.
type EventPublisher interface {
	Publish(ctx context.Context, ev JobEvent) error
	Close() error
}
