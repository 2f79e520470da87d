package models

import (
	"time"
)

// Job is a row in the inference_jobs table — the queue's single source of
// truth. Rows are never deleted; terminal rows stay for audit and for
// duplicate-submission detection.
//
// Ownership rules: the submission API inserts (pending); the claimer moves
// pending/attempt_failed to started; execution strategies report outcomes
// (started to a terminal state or attempt_failed). The row lock is the only
// authority on ownership — assigned_worker/cluster are best-effort display.
type Job struct {
	ID               int64  `db:"id"                json:"-"`
	JobToken         string `db:"job_token"         json:"job_token"`
	IdempotencyToken string `db:"idempotency_token" json:"-"`

	Category  Category  `db:"category"   json:"category"`
	JobType   JobType   `db:"job_type"   json:"job_type"`
	ModelType ModelType `db:"model_type" json:"model_type"`

	Status       JobStatus `db:"status"        json:"status"`
	AttemptCount int       `db:"attempt_count" json:"attempt_count"`
	Priority     int       `db:"priority"      json:"priority"`

	AssignedWorker    *string    `db:"assigned_worker"    json:"assigned_worker,omitempty"`
	AssignedCluster   *string    `db:"assigned_cluster"   json:"assigned_cluster,omitempty"`
	RoutingTag        *string    `db:"routing_tag"        json:"routing_tag,omitempty"`
	IsDebugRequest    bool       `db:"is_debug_request"   json:"is_debug_request"`
	RequiresKeepalive bool       `db:"requires_keepalive" json:"requires_keepalive"`
	RetryAt           *time.Time `db:"retry_at"           json:"-"`

	CreatorUserToken    *string    `db:"creator_user_token"    json:"creator_user_token,omitempty"`
	CreatorVisitorToken *string    `db:"creator_visitor_token" json:"-"`
	CreatorIPAddress    string     `db:"creator_ip_address"    json:"-"`
	Visibility          Visibility `db:"visibility"            json:"visibility"`

	InputReference *string `db:"input_reference" json:"input_reference,omitempty"`
	InferenceArgs  []byte  `db:"inference_args"  json:"-"`

	// Set by the remote strategy's enqueue phase; used by webhook and poller
	// to resolve the third party's job back to ours.
	ProviderJobID *string `db:"provider_job_id" json:"-"`

	ResultEntityType  *string          `db:"result_entity_type"  json:"result_entity_type,omitempty"`
	ResultEntityToken *string          `db:"result_entity_token" json:"result_entity_token,omitempty"`
	FailureCategory   *FailureCategory `db:"failure_category"    json:"failure_category,omitempty"`
	FailureReason     *string          `db:"failure_reason"      json:"-"`

	CreatedAt      time.Time  `db:"created_at"       json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"       json:"updated_at"`
	FirstStartedAt *time.Time `db:"first_started_at" json:"first_started_at,omitempty"`
	CompletedAt    *time.Time `db:"completed_at"     json:"completed_at,omitempty"`
}

// ResultEntity is the polymorphic reference populated only on
// complete_success.
type ResultEntity struct {
	EntityType  string `json:"entity_type"`
	EntityToken string `json:"entity_token"`
}

// JobStatusView is the read-only projection served to polling clients. It is
// built from the Job Store and never writes back.
type JobStatusView struct {
	JobToken string `json:"job_token"`

	Category  Category  `json:"category"`
	JobType   JobType   `json:"job_type"`
	ModelType ModelType `json:"model_type"`

	Status          JobStatus        `json:"status"`
	AttemptCount    int              `json:"attempt_count"`
	FailureCategory *FailureCategory `json:"failure_category,omitempty"`

	// Best-effort display only; the row lock is authoritative for ownership.
	AssignedWorker  *string `json:"assigned_worker,omitempty"`
	AssignedCluster *string `json:"assigned_cluster,omitempty"`

	RequiresKeepalive bool `json:"requires_keepalive"`

	// ExtraStatus is transient progress text workers publish through Redis.
	ExtraStatus        *string `json:"extra_status,omitempty"`
	ProgressPercentage int     `json:"progress_percentage"`

	Result *ResultEntity `json:"result,omitempty"`

	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	FirstStartedAt *time.Time `json:"first_started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}
