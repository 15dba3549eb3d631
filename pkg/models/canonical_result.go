package models

import "time"

// CanonicalResult is the normalized, stable-shaped representation of an
// external analysis result, independent of the external service's raw field
// naming. Every field is always present in its JSON form (explicit zero
// values, never absent keys) so the content hash is stable.
type CanonicalResult struct {
	ExternalJobID  string          `json:"external_job_id"`
	Transcript     string          `json:"transcript"`
	Language       string          `json:"language"`
	DurationSecs   float64         `json:"duration_secs"`
	Confidence     float64         `json:"confidence"`
	Summary        string          `json:"summary"`
	Sentiment      string          `json:"sentiment"`
	Segments       []SpeakerSegment `json:"segments"`
	Objections     []Objection      `json:"objections"`
	PendingActions []PendingAction  `json:"pending_actions"`
}

// SpeakerSegment is one diarized span of the call, ordered by start time.
type SpeakerSegment struct {
	Speaker    string  `json:"speaker"`
	StartSecs  float64 `json:"start_secs"`
	EndSecs    float64 `json:"end_secs"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Objection is one detected objection, ordered by timestamp.
type Objection struct {
	TimestampSecs float64 `json:"timestamp_secs"`
	Category      string  `json:"category"`
	Text          string  `json:"text"`
	Handled       bool    `json:"handled"`
}

// PendingAction is a follow-up the analysis extracted, ordered by due time
// ascending with nulls last, ties broken by priority (high > medium > low).
type PendingAction struct {
	Description string     `json:"description"`
	Priority    string     `json:"priority"`
	DueAt       *time.Time `json:"due_at"`
}

const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)
