// Package worker implements the Worker Protocol (§4.2): the small
// request/reply capability set a worker process uses to register, claim
// jobs, heartbeat, and report outcomes.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ternarybob/courseforge/internal/models"
	"github.com/ternarybob/courseforge/internal/queue"
	"github.com/ternarybob/courseforge/internal/storage/sqlite"
)

// Client is the capability set a worker uses against the queue: register,
// poll, heartbeat, report_success, report_failure.
type Client interface {
	Register(ctx context.Context, workerType models.JobType, mode models.WorkerExecutionMode, executorID string) (int64, error)
	Poll(ctx context.Context, workerType models.JobType, workerID int64) (*models.Job, error)
	Heartbeat(ctx context.Context, workerID int64) error
	ReportSuccess(ctx context.Context, jobID, workerID int64) error
	ReportFailure(ctx context.Context, jobID, workerID int64, payload models.WorkerErrorPayload) error
}

// DirectClient opens the Job Queue Store directly — used when the worker
// runs on the same host as the scheduler.
type DirectClient struct {
	store *sqlite.QueueStore
	q     *queue.Queue
}

// NewDirectClient builds a Client that talks to the store in-process.
func NewDirectClient(store *sqlite.QueueStore, q *queue.Queue) *DirectClient {
	return &DirectClient{store: store, q: q}
}

func (c *DirectClient) Register(ctx context.Context, workerType models.JobType, mode models.WorkerExecutionMode, executorID string) (int64, error) {
	id, err := c.store.RegisterWorker(ctx, workerType, mode, executorID)
	if err != nil {
		return 0, err
	}
	if err := c.store.MarkWorkerStatus(ctx, id, models.WorkerStatusIdle); err != nil {
		return 0, err
	}
	return id, nil
}

func (c *DirectClient) Poll(ctx context.Context, workerType models.JobType, workerID int64) (*models.Job, error) {
	job, err := c.q.Receive(ctx, workerType, workerID)
	if err != nil {
		return nil, err
	}
	if job != nil {
		_ = c.store.MarkWorkerStatus(ctx, workerID, models.WorkerStatusBusy)
	}
	return job, nil
}

func (c *DirectClient) Heartbeat(ctx context.Context, workerID int64) error {
	return c.store.Heartbeat(ctx, workerID)
}

func (c *DirectClient) ReportSuccess(ctx context.Context, jobID, workerID int64) error {
	if err := c.q.Ack(ctx, jobID, workerID); err != nil {
		return err
	}
	return c.store.MarkWorkerStatus(ctx, workerID, models.WorkerStatusIdle)
}

func (c *DirectClient) ReportFailure(ctx context.Context, jobID, workerID int64, payload models.WorkerErrorPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal worker error payload: %w", err)
	}
	if err := c.q.Nack(ctx, jobID, workerID, data); err != nil {
		return err
	}
	return c.store.MarkWorkerStatus(ctx, workerID, models.WorkerStatusIdle)
}

// ProxiedClient invokes a sidecar over a loopback HTTP endpoint, which in
// turn serializes operations against the Store. This keeps WAL's
// shared-memory index file safe when a worker runs in a container whose
// filesystem view of the database differs from the host's — the one case
// where a direct connection cannot be trusted (§4.2).
type ProxiedClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewProxiedClient builds a Client that talks to a sidecar at baseURL.
func NewProxiedClient(baseURL string) *ProxiedClient {
	return &ProxiedClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *ProxiedClient) Register(ctx context.Context, workerType models.JobType, mode models.WorkerExecutionMode, executorID string) (int64, error) {
	var resp struct {
		WorkerID int64 `json:"worker_id"`
	}
	err := c.postJSON(ctx, "/register", map[string]string{
		"worker_type":    string(workerType),
		"execution_mode": string(mode),
		"executor_id":    executorID,
	}, &resp)
	return resp.WorkerID, err
}

func (c *ProxiedClient) Poll(ctx context.Context, workerType models.JobType, workerID int64) (*models.Job, error) {
	var resp struct {
		Job *models.Job `json:"job"`
	}
	err := c.postJSON(ctx, "/poll", map[string]interface{}{
		"worker_type": string(workerType),
		"worker_id":   workerID,
	}, &resp)
	return resp.Job, err
}

func (c *ProxiedClient) Heartbeat(ctx context.Context, workerID int64) error {
	return c.postJSON(ctx, "/heartbeat", map[string]interface{}{"worker_id": workerID}, nil)
}

func (c *ProxiedClient) ReportSuccess(ctx context.Context, jobID, workerID int64) error {
	return c.postJSON(ctx, "/report-success", map[string]interface{}{"job_id": jobID, "worker_id": workerID}, nil)
}

func (c *ProxiedClient) ReportFailure(ctx context.Context, jobID, workerID int64, payload models.WorkerErrorPayload) error {
	return c.postJSON(ctx, "/report-failure", map[string]interface{}{
		"job_id": jobID, "worker_id": workerID, "payload": payload,
	}, nil)
}

func (c *ProxiedClient) postJSON(ctx context.Context, path string, body interface{}, out interface{}) error {
	// The sidecar implementation is an external collaborator (§1); this
	// client only needs to speak its wire shape, grounded on the same
	// request/reply semantics as DirectClient.
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("proxied worker client request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("proxied worker client request to %s returned status %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
