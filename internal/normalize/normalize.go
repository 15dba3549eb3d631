// Package normalize maps heterogeneous external response shapes into the one
// canonical internal result structure. Everything here is a pure function:
// the same raw payload always yields byte-identical canonical output, which
// is what keeps the idempotency hash stable.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ottocrm/otto/pkg/models"
)

// flexFloat accepts both JSON numbers and string-encoded floats; historical
// versions of the service emitted either.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" || s == `""` {
		*f = 0
		return nil
	}
	s = strings.Trim(s, `"`)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("not a float: %s", s)
	}
	*f = flexFloat(v)
	return nil
}

// flexTime accepts RFC3339 timestamps and epoch seconds, or null.
type flexTime struct {
	t *time.Time
}

func (f *flexTime) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" || s == `""` {
		return nil
	}
	s = strings.Trim(s, `"`)
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		ts = ts.UTC()
		f.t = &ts
		return nil
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		ts := time.Unix(secs, 0).UTC()
		f.t = &ts
		return nil
	}
	return fmt.Errorf("not a timestamp: %s", s)
}

// Alias fields are tried in the declared priority order; the first non-zero
// one wins. Never discover fields reflectively.
type rawResult struct {
	ExternalJobID string `json:"external_job_id"`
	JobID         string `json:"job_id"`
	TaskID        string `json:"task_id"`

	Transcript     string `json:"transcript"`
	TranscriptText string `json:"transcript_text"`
	Text           string `json:"text"`

	Language string `json:"language"`
	Lang     string `json:"lang"`

	DurationSecs flexFloat `json:"duration_secs"`
	Duration     flexFloat `json:"duration"`

	Confidence      flexFloat `json:"confidence"`
	ConfidenceScore flexFloat `json:"confidence_score"`

	Summary     string `json:"summary"`
	CallSummary string `json:"call_summary"`

	Sentiment        string `json:"sentiment"`
	OverallSentiment string `json:"overall_sentiment"`

	Segments        []rawSegment `json:"segments"`
	SpeakerSegments []rawSegment `json:"speaker_segments"`

	Objections       []rawObjection `json:"objections"`
	ObjectionEntries []rawObjection `json:"objection_entries"`

	PendingActions []rawAction `json:"pending_actions"`
	ActionItems    []rawAction `json:"action_items"`
}

type rawSegment struct {
	Speaker      string    `json:"speaker"`
	SpeakerLabel string    `json:"speaker_label"`
	StartSecs    flexFloat `json:"start_secs"`
	Start        flexFloat `json:"start"`
	EndSecs      flexFloat `json:"end_secs"`
	End          flexFloat `json:"end"`
	Text         string    `json:"text"`
	Confidence   flexFloat `json:"confidence"`
}

type rawObjection struct {
	TimestampSecs flexFloat `json:"timestamp_secs"`
	Timestamp     flexFloat `json:"timestamp"`
	Category      string    `json:"category"`
	Type          string    `json:"type"`
	Text          string    `json:"text"`
	Handled       bool      `json:"handled"`
}

type rawAction struct {
	Description string   `json:"description"`
	Title       string   `json:"title"`
	Priority    string   `json:"priority"`
	DueAt       flexTime `json:"due_at"`
	DueDate     flexTime `json:"due_date"`
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstNonZero(vals ...flexFloat) float64 {
	for _, v := range vals {
		if v != 0 {
			return float64(v)
		}
	}
	return 0
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Result normalizes a raw external result payload into the canonical shape.
// The externalJobID argument is authoritative; any id embedded in the
// payload is ignored for identity purposes.
func Result(externalJobID string, raw json.RawMessage) (*models.CanonicalResult, error) {
	var r rawResult
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("decoding result payload: %w", err)
		}
	}

	out := &models.CanonicalResult{
		ExternalJobID:  externalJobID,
		Transcript:     firstNonEmpty(r.Transcript, r.TranscriptText, r.Text),
		Language:       firstNonEmpty(r.Language, r.Lang),
		DurationSecs:   firstNonZero(r.DurationSecs, r.Duration),
		Confidence:     clamp01(firstNonZero(r.Confidence, r.ConfidenceScore)),
		Summary:        firstNonEmpty(r.Summary, r.CallSummary),
		Sentiment:      firstNonEmpty(r.Sentiment, r.OverallSentiment),
		Segments:       []models.SpeakerSegment{},
		Objections:     []models.Objection{},
		PendingActions: []models.PendingAction{},
	}
	if out.ExternalJobID == "" {
		out.ExternalJobID = firstNonEmpty(r.ExternalJobID, r.JobID, r.TaskID)
	}

	segments := r.Segments
	if len(segments) == 0 {
		segments = r.SpeakerSegments
	}
	for _, s := range segments {
		out.Segments = append(out.Segments, models.SpeakerSegment{
			Speaker:    firstNonEmpty(s.Speaker, s.SpeakerLabel),
			StartSecs:  firstNonZero(s.StartSecs, s.Start),
			EndSecs:    firstNonZero(s.EndSecs, s.End),
			Text:       s.Text,
			Confidence: clamp01(float64(s.Confidence)),
		})
	}
	sort.SliceStable(out.Segments, func(i, j int) bool {
		return out.Segments[i].StartSecs < out.Segments[j].StartSecs
	})

	objections := r.Objections
	if len(objections) == 0 {
		objections = r.ObjectionEntries
	}
	for _, o := range objections {
		out.Objections = append(out.Objections, models.Objection{
			TimestampSecs: firstNonZero(o.TimestampSecs, o.Timestamp),
			Category:      firstNonEmpty(o.Category, o.Type),
			Text:          o.Text,
			Handled:       o.Handled,
		})
	}
	sort.SliceStable(out.Objections, func(i, j int) bool {
		return out.Objections[i].TimestampSecs < out.Objections[j].TimestampSecs
	})

	actions := r.PendingActions
	if len(actions) == 0 {
		actions = r.ActionItems
	}
	for _, a := range actions {
		due := a.DueAt.t
		if due == nil {
			due = a.DueDate.t
		}
		out.PendingActions = append(out.PendingActions, models.PendingAction{
			Description: firstNonEmpty(a.Description, a.Title),
			Priority:    normalizePriority(a.Priority),
			DueAt:       due,
		})
	}
	sortActions(out.PendingActions)

	return out, nil
}

var priorityRank = map[string]int{
	models.PriorityHigh:   0,
	models.PriorityMedium: 1,
	models.PriorityLow:    2,
}

func normalizePriority(p string) string {
	p = strings.ToLower(strings.TrimSpace(p))
	if _, ok := priorityRank[p]; ok {
		return p
	}
	return models.PriorityMedium
}

// sortActions orders by due time ascending with nulls last; ties broken by
// priority, high before low.
func sortActions(actions []models.PendingAction) {
	sort.SliceStable(actions, func(i, j int) bool {
		a, b := actions[i], actions[j]
		switch {
		case a.DueAt == nil && b.DueAt == nil:
			return priorityRank[a.Priority] < priorityRank[b.Priority]
		case a.DueAt == nil:
			return false
		case b.DueAt == nil:
			return true
		case a.DueAt.Equal(*b.DueAt):
			return priorityRank[a.Priority] < priorityRank[b.Priority]
		default:
			return a.DueAt.Before(*b.DueAt)
		}
	})
}

// Hash returns the content hash of a canonical result: SHA-256 over its
// canonical JSON encoding. Struct field order fixes the key order, so equal
// results hash identically.
func Hash(r *models.CanonicalResult) (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal canonical result: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Encode returns the canonical JSON bytes stored as the job's output payload.
func Encode(r *models.CanonicalResult) (json.RawMessage, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal canonical result: %w", err)
	}
	return b, nil
}
