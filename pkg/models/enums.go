package models

import "fmt"

// Category is the product family a job belongs to. Stored in the
// `category` column of inference_jobs.
// Values can be added, but existing values must never be renamed without a
// migration strategy.
type Category string

const (
	CategoryTextToSpeech    Category = "text_to_speech"
	CategoryVoiceConversion Category = "voice_conversion"
	CategoryLipsync         Category = "lipsync"
	CategoryImageGeneration Category = "image_generation"
	CategoryVideoRender     Category = "video_render"
)

// JobType selects the concrete execution pipeline for a job.
// Stored in the `job_type` column of inference_jobs.
type JobType string

const (
	JobTypeTacotron2       JobType = "tacotron2"
	JobTypeStyleTTS2       JobType = "styletts2"
	JobTypeRVCv2           JobType = "rvc_v2"
	JobTypeSadTalker       JobType = "sad_talker"
	JobTypeStableDiffusion JobType = "stable_diffusion"
	JobTypeComfyWorkflow   JobType = "comfy_workflow"
	JobTypeSoraImage       JobType = "sora_image"
)

// ModelType describes where the model weights come from.
// Stored in the `model_type` column of inference_jobs.
type ModelType string

const (
	ModelTypeBundled     ModelType = "bundled"
	ModelTypeUserWeights ModelType = "user_weights"
	ModelTypeZeroShot    ModelType = "zero_shot"
)

// JobStatus is the job lifecycle state machine. Terminal states
// (complete_success, complete_failure, dead) never transition again.
type JobStatus string

const (
	JobStatusPending         JobStatus = "pending"
	JobStatusStarted         JobStatus = "started"
	JobStatusAttemptFailed   JobStatus = "attempt_failed"
	JobStatusCompleteSuccess JobStatus = "complete_success"
	JobStatusCompleteFailure JobStatus = "complete_failure"
	JobStatusDead            JobStatus = "dead"
)

// IsTerminal reports whether no further transition is permitted.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleteSuccess, JobStatusCompleteFailure, JobStatusDead:
		return true
	}
	return false
}

// IsClaimable reports whether a worker may take ownership of a job in this state.
func (s JobStatus) IsClaimable() bool {
	return s == JobStatusPending || s == JobStatusAttemptFailed
}

// FailureCategory is the coarse, client-displayable failure reason.
// The frontend maps these to localized error messages; internal diagnostics
// go into failure_reason instead.
type FailureCategory string

const (
	FailureCategoryServerError        FailureCategory = "server_error"
	FailureCategoryBadInput           FailureCategory = "bad_input"
	FailureCategoryModelUnavailable   FailureCategory = "model_unavailable"
	FailureCategoryExecutionTimeout   FailureCategory = "execution_timeout"
	FailureCategoryProviderError      FailureCategory = "provider_error"
	FailureCategoryKeepaliveAbandoned FailureCategory = "keepalive_abandoned"
)

// Visibility controls who may see the finished result. Owned by the
// moderation subsystem; the queue only stores and echoes it.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// allowedJobTypes lists the job types valid within each category.
var allowedJobTypes = map[Category][]JobType{
	CategoryTextToSpeech:    {JobTypeTacotron2, JobTypeStyleTTS2},
	CategoryVoiceConversion: {JobTypeRVCv2},
	CategoryLipsync:         {JobTypeSadTalker},
	CategoryImageGeneration: {JobTypeStableDiffusion, JobTypeSoraImage},
	CategoryVideoRender:     {JobTypeComfyWorkflow},
}

// allowedModelTypes lists the model types valid for each job type.
var allowedModelTypes = map[JobType][]ModelType{
	JobTypeTacotron2:       {ModelTypeUserWeights},
	JobTypeStyleTTS2:       {ModelTypeZeroShot},
	JobTypeRVCv2:           {ModelTypeUserWeights},
	JobTypeSadTalker:       {ModelTypeBundled},
	JobTypeStableDiffusion: {ModelTypeBundled, ModelTypeUserWeights},
	JobTypeSoraImage:       {ModelTypeBundled},
	JobTypeComfyWorkflow:   {ModelTypeBundled},
}

// ValidateCombo checks that the (category, job type, model type) triple is an
// allowed combination. Disallowed combinations are rejected at submission and
// never enter the queue.
func ValidateCombo(category Category, jobType JobType, modelType ModelType) error {
	jobTypes, ok := allowedJobTypes[category]
	if !ok {
		return fmt.Errorf("unknown category %q", category)
	}
	if !containsJobType(jobTypes, jobType) {
		return fmt.Errorf("job type %q is not valid for category %q", jobType, category)
	}
	modelTypes := allowedModelTypes[jobType]
	if !containsModelType(modelTypes, modelType) {
		return fmt.Errorf("model type %q is not valid for job type %q", modelType, jobType)
	}
	return nil
}

// CategoryOf returns the category a job type belongs to.
func CategoryOf(jobType JobType) (Category, bool) {
	for category, jobTypes := range allowedJobTypes {
		if containsJobType(jobTypes, jobType) {
			return category, true
		}
	}
	return "", false
}

// ModelTypesFor lists the model types valid for a job type.
func ModelTypesFor(jobType JobType) []ModelType {
	return allowedModelTypes[jobType]
}

func containsJobType(list []JobType, v JobType) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func containsModelType(list []ModelType, v ModelType) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
