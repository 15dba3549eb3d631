package shunya

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/ottocrm/otto/pkg/models"
)

// Gateway exposes the external service's async operations. Implementations
// propagate retryability via *APIError so the orchestrator's retry loop can
// decide.
type Gateway interface {
	SubmitTranscription(ctx context.Context, tenantID, jobID uuid.UUID, payload json.RawMessage) (*SubmitAccepted, error)
	GetTranscript(ctx context.Context, tenantID uuid.UUID, externalJobID string) (*PollResult, error)
	StartAnalysis(ctx context.Context, tenantID, jobID uuid.UUID, payload json.RawMessage) (*SubmitAccepted, error)
	GetCompleteAnalysis(ctx context.Context, tenantID uuid.UUID, externalJobID string) (*PollResult, error)
	SubmitSegmentation(ctx context.Context, tenantID, jobID uuid.UUID, payload json.RawMessage) (*SubmitAccepted, error)
	GetSegmentation(ctx context.Context, tenantID uuid.UUID, externalJobID string) (*PollResult, error)

	Submit(ctx context.Context, job *models.Job) (*SubmitAccepted, error)
	Poll(ctx context.Context, job *models.Job) (*PollResult, error)
}

// SubmitAccepted is the synchronous acknowledgement of an async submission.
type SubmitAccepted struct {
	ExternalJobID string
	RequestID     string
}

// PollResult is the outcome of a get* operation against an async job.
type PollResult struct {
	Status       string // "pending", "processing", "completed", "failed"
	Raw          json.RawMessage
	ErrorMessage string
}

func (r *PollResult) Done() bool   { return r.Status == "completed" }
func (r *PollResult) Failed() bool { return r.Status == "failed" }

// HTTPGateway implements Gateway over a SignedClient.
type HTTPGateway struct {
	client *SignedClient
}

func NewHTTPGateway(client *SignedClient) *HTTPGateway {
	return &HTTPGateway{client: client}
}

func (g *HTTPGateway) SubmitTranscription(ctx context.Context, tenantID, jobID uuid.UUID, payload json.RawMessage) (*SubmitAccepted, error) {
	return g.submit(ctx, "/v1/transcriptions", tenantID, models.JobTypeTranscription, jobID, payload)
}

func (g *HTTPGateway) GetTranscript(ctx context.Context, tenantID uuid.UUID, externalJobID string) (*PollResult, error) {
	return g.poll(ctx, "/v1/transcriptions/"+url.PathEscape(externalJobID), tenantID)
}

func (g *HTTPGateway) StartAnalysis(ctx context.Context, tenantID, jobID uuid.UUID, payload json.RawMessage) (*SubmitAccepted, error) {
	return g.submit(ctx, "/v1/analyses", tenantID, models.JobTypeFullCallAnalysis, jobID, payload)
}

func (g *HTTPGateway) GetCompleteAnalysis(ctx context.Context, tenantID uuid.UUID, externalJobID string) (*PollResult, error) {
	return g.poll(ctx, "/v1/analyses/"+url.PathEscape(externalJobID)+"/complete", tenantID)
}

func (g *HTTPGateway) SubmitSegmentation(ctx context.Context, tenantID, jobID uuid.UUID, payload json.RawMessage) (*SubmitAccepted, error) {
	return g.submit(ctx, "/v1/segmentations", tenantID, models.JobTypeSegmentation, jobID, payload)
}

func (g *HTTPGateway) GetSegmentation(ctx context.Context, tenantID uuid.UUID, externalJobID string) (*PollResult, error) {
	return g.poll(ctx, "/v1/segmentations/"+url.PathEscape(externalJobID), tenantID)
}

// Submit dispatches to the submit operation matching the job's type.
func (g *HTTPGateway) Submit(ctx context.Context, job *models.Job) (*SubmitAccepted, error) {
	switch job.JobType {
	case models.JobTypeTranscription:
		return g.SubmitTranscription(ctx, job.TenantID, job.ID, job.InputPayload)
	case models.JobTypeFullCallAnalysis:
		return g.StartAnalysis(ctx, job.TenantID, job.ID, job.InputPayload)
	case models.JobTypeSegmentation:
		return g.SubmitSegmentation(ctx, job.TenantID, job.ID, job.InputPayload)
	}
	return nil, fmt.Errorf("unknown job type %q", job.JobType)
}

// Poll dispatches to the get operation matching the job's type.
func (g *HTTPGateway) Poll(ctx context.Context, job *models.Job) (*PollResult, error) {
	if job.ExternalJobID == nil {
		return nil, fmt.Errorf("job %s has no external job id", job.ID)
	}
	switch job.JobType {
	case models.JobTypeTranscription:
		return g.GetTranscript(ctx, job.TenantID, *job.ExternalJobID)
	case models.JobTypeFullCallAnalysis:
		return g.GetCompleteAnalysis(ctx, job.TenantID, *job.ExternalJobID)
	case models.JobTypeSegmentation:
		return g.GetSegmentation(ctx, job.TenantID, *job.ExternalJobID)
	}
	return nil, fmt.Errorf("unknown job type %q", job.JobType)
}

// --- wire shapes ---

// submitResponse tolerates the id field-name variants the service has used.
type submitResponse struct {
	Data *submitBody `json:"data"`
	submitBody
	RequestID string `json:"request_id"`
}

type submitBody struct {
	JobID  string `json:"job_id"`
	TaskID string `json:"task_id"`
	ID     string `json:"id"`
}

func (b *submitBody) externalID() string {
	switch {
	case b.JobID != "":
		return b.JobID
	case b.TaskID != "":
		return b.TaskID
	default:
		return b.ID
	}
}

type pollResponse struct {
	Data *pollBody `json:"data"`
	pollBody
}

type pollBody struct {
	Status string          `json:"status"`
	State  string          `json:"state"`
	Result json.RawMessage `json:"result"`
	Error  *APIError       `json:"error"`
}

func (g *HTTPGateway) submit(ctx context.Context, endpoint string, tenantID uuid.UUID, jobType string, jobID uuid.UUID, payload json.RawMessage) (*SubmitAccepted, error) {
	body, err := g.client.Call(ctx, CallRequest{
		Endpoint: endpoint,
		TenantID: tenantID,
		Method:   http.MethodPost,
		Payload:  payload,
		IdemKey:  IdempotencyKey(tenantID, jobType, jobID),
	})
	if err != nil {
		return nil, err
	}

	var resp submitResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding submit response: %w", err)
	}
	b := resp.submitBody
	if resp.Data != nil {
		b = *resp.Data
	}
	externalID := b.externalID()
	if externalID == "" {
		return nil, fmt.Errorf("submit response missing job id")
	}
	return &SubmitAccepted{ExternalJobID: externalID, RequestID: resp.RequestID}, nil
}

func (g *HTTPGateway) poll(ctx context.Context, endpoint string, tenantID uuid.UUID) (*PollResult, error) {
	body, err := g.client.Call(ctx, CallRequest{
		Endpoint: endpoint,
		TenantID: tenantID,
		Method:   http.MethodGet,
	})
	if err != nil {
		return nil, err
	}

	var resp pollResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding poll response: %w", err)
	}
	b := resp.pollBody
	if resp.Data != nil {
		b = *resp.Data
	}

	status := b.Status
	if status == "" {
		status = b.State
	}
	switch status {
	case "completed", "complete", "succeeded", "done":
		status = "completed"
	case "failed", "error":
		status = "failed"
	case "", "queued", "pending":
		status = "pending"
	default:
		status = "processing"
	}

	result := &PollResult{Status: status, Raw: b.Result}
	if b.Error != nil {
		result.ErrorMessage = b.Error.Message
	}
	return result, nil
}

// Compile-time check that HTTPGateway implements Gateway.
var _ Gateway = (*HTTPGateway)(nil)
