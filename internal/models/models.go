// Package models holds the shared domain types persisted by Store and
// referenced by the Orchestrator, Registry, and API Gateway.
package models

import "time"

// UploadStatus is the lifecycle state of an UploadedModel. Transitions
// mostly move forward: pending -> processing -> {incorporated, failed}.
// processing -> pending is the one backward edge: it requeues an upload
// whose training cycle aborted before publish, so the next cycle retries it.
type UploadStatus string

const (
	UploadPending      UploadStatus = "pending"
	UploadProcessing   UploadStatus = "processing"
	UploadIncorporated UploadStatus = "incorporated"
	UploadFailed       UploadStatus = "failed"
)

// ValidTransition reports whether moving from s to next is allowed.
func (s UploadStatus) ValidTransition(next UploadStatus) bool {
	switch s {
	case UploadPending:
		return next == UploadProcessing
	case UploadProcessing:
		return next == UploadIncorporated || next == UploadFailed || next == UploadPending
	default:
		return false
	}
}

// Interaction is one logged exchange between a user and the on-device
// classifier. Immutable once written; ID is the idempotency key.
type Interaction struct {
	ID              string    `db:"id" json:"id"`
	DeviceID        string    `db:"device_id" json:"deviceId"`
	Timestamp       time.Time `db:"timestamp" json:"timestamp"`
	UserMessage     string    `db:"user_message" json:"userMessage"`
	AIResponse      string    `db:"ai_response" json:"aiResponse"`
	DetectedIntent  string    `db:"detected_intent" json:"detectedIntent"`
	Confidence      float64   `db:"confidence" json:"confidenceScore"`
	AppVersion      string    `db:"app_version" json:"appVersion"`
	ModelVersion    string    `db:"model_version" json:"modelVersion"`
	OSVersion       string    `db:"os_version" json:"osVersion"`
	CreatedAt       time.Time `db:"created_at" json:"createdAt"`
}

// Feedback is the optional zero-or-one user rating attached to an Interaction.
type Feedback struct {
	InteractionID string `db:"interaction_id" json:"interactionId"`
	Rating        int    `db:"rating" json:"rating"`
	Comment       string `db:"comment" json:"comment,omitempty"`
}

// UploadedModel is a locally trained classifier artifact submitted by a device.
type UploadedModel struct {
	ID                   string       `db:"id" json:"id"`
	DeviceID             string       `db:"device_id" json:"deviceId"`
	AppVersion           string       `db:"app_version" json:"appVersion"`
	Description          string       `db:"description" json:"description"`
	BlobRef              string       `db:"blob_ref" json:"-"`
	FileSize             int64        `db:"file_size" json:"fileSize"`
	OriginalFilename     string       `db:"original_filename" json:"originalFilename"`
	UploadDate           time.Time    `db:"upload_date" json:"uploadDate"`
	Status               UploadStatus `db:"status" json:"status"`
	IncorporatedInVersion string      `db:"incorporated_in_version" json:"incorporatedInVersion,omitempty"`
}

// ModelVersion is one published, append-only artifact version.
type ModelVersion struct {
	Version          string    `db:"version" json:"version"`
	BlobRef          string    `db:"blob_ref" json:"-"`
	Accuracy         float64   `db:"accuracy" json:"accuracy"`
	TrainingDataSize int       `db:"training_data_size" json:"trainingDataSize"`
	TrainingDate     time.Time `db:"training_date" json:"trainingDate"`
	CreatedAt        time.Time `db:"created_at" json:"createdAt"`
	ExportError      string    `db:"export_error" json:"exportError,omitempty"`
}

// EnsembleComponent is one fused member of an EnsembleRecord.
type EnsembleComponent struct {
	UploadedModelID string  `json:"uploadedModelId"`
	DeviceID        string  `json:"deviceId"`
	Weight          float64 `json:"weight"`
}

// EnsembleRecord extends a ModelVersion with its fused components. Present
// iff that version is an ensemble rather than a bare base-classifier publish.
type EnsembleRecord struct {
	Version     string              `db:"version" json:"version"`
	Description string              `db:"description" json:"description"`
	Components  []EnsembleComponent `db:"-" json:"components"`
}

// Stats is the aggregate summary returned by GET /api/ai/stats.
type Stats struct {
	TotalInteractions      int            `json:"totalInteractions"`
	UniqueDevices          int            `json:"uniqueDevices"`
	AverageFeedbackRating  float64        `json:"averageFeedbackRating"`
	TopIntents             []IntentCount  `json:"topIntents"`
	LatestModelVersion     string         `json:"latestModelVersion"`
	LastTrainingDate       *time.Time     `json:"lastTrainingDate,omitempty"`
	TotalModels            int            `json:"totalModels"`
	IncorporatedUserModels int            `json:"incorporatedUserModels"`
}

// IntentCount is one entry of the top-intents histogram.
type IntentCount struct {
	Intent string `json:"intent"`
	Count  int    `json:"count"`
}
