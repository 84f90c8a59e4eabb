package taskqueue

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/timmy/mailtriage/internal/config"
	"github.com/timmy/mailtriage/internal/logger"
)

// CloudTasksQueue creates HTTP-target tasks through the Cloud Tasks REST API.
type CloudTasksQueue struct {
	client         *resty.Client
	metadata       *resty.Client
	queuePath      string
	targetURL      string
	audience       string
	serviceAccount string
	workerToken    string

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
	staticToken bool

	now       func() time.Time
	newTaskID func() string
}

// NewCloudTasksQueue validates cfg and builds the client. Without a static
// access token, tokens are fetched from the metadata server.
func NewCloudTasksQueue(cfg *config.QueueConfig) (*CloudTasksQueue, error) {
	ct := cfg.CloudTasks
	if ct.QueuePath == "" {
		return nil, fmt.Errorf("%w: CLOUD_TASKS_QUEUE is not set", ErrNotConfigured)
	}
	if cfg.TargetURL() == "" {
		return nil, fmt.Errorf("%w: SERVICE_URL is not set", ErrNotConfigured)
	}

	baseURL := ct.APIBaseURL
	if baseURL == "" {
		baseURL = "https://cloudtasks.googleapis.com/v2"
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("Content-Type", "application/json").
		SetTimeout(30 * time.Second)

	q := &CloudTasksQueue{
		client:         client,
		queuePath:      strings.Trim(ct.QueuePath, "/"),
		targetURL:      cfg.TargetURL(),
		audience:       strings.TrimRight(cfg.ServiceURL, "/"),
		serviceAccount: ct.ServiceAccountEmail,
		workerToken:    cfg.WorkerToken,
		accessToken:    ct.AccessToken,
		staticToken:    ct.AccessToken != "",
		now:            time.Now,
		newTaskID:      uuid.NewString,
	}
	if !q.staticToken {
		q.metadata = resty.New().
			SetBaseURL(strings.TrimRight(ct.MetadataURL, "/")).
			SetHeader("Metadata-Flavor", "Google").
			SetTimeout(5 * time.Second)
	}
	return q, nil
}

type ctHTTPRequest struct {
	URL        string            `json:"url"`
	HTTPMethod string            `json:"httpMethod"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
	OIDCToken  *ctOIDCToken      `json:"oidcToken,omitempty"`
}

type ctOIDCToken struct {
	ServiceAccountEmail string `json:"serviceAccountEmail"`
	Audience            string `json:"audience,omitempty"`
}

type ctTask struct {
	Name         string        `json:"name,omitempty"`
	ScheduleTime string        `json:"scheduleTime,omitempty"`
	HTTPRequest  ctHTTPRequest `json:"httpRequest"`
}

type ctCreateRequest struct {
	Task ctTask `json:"task"`
}

type ctError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// EnqueueChunk creates a task that POSTs {job_id, task_id} to the worker endpoint after delay.
// Parameters:
//   - ctx: request context.
//   - jobID: job to advance.
//   - delay: minimum time before delivery; zero delivers immediately.
// Returns:
//   - string: the generated task id.
//   - error: non-nil if the task could not be created.
func (q *CloudTasksQueue) EnqueueChunk(ctx context.Context, jobID string, delay time.Duration) (string, error) {
	taskID := q.newTaskID()
	payload, err := json.Marshal(Task{JobID: jobID, TaskID: taskID})
	if err != nil {
		return "", fmt.Errorf("failed to encode task: %w", err)
	}

	headers := map[string]string{"Content-Type": "application/json"}
	if q.workerToken != "" {
		headers[HeaderWorkerToken] = q.workerToken
	}
	task := ctTask{
		HTTPRequest: ctHTTPRequest{
			URL:        q.targetURL,
			HTTPMethod: "POST",
			Headers:    headers,
			Body:       base64.StdEncoding.EncodeToString(payload),
		},
	}
	if q.serviceAccount != "" {
		task.HTTPRequest.OIDCToken = &ctOIDCToken{ServiceAccountEmail: q.serviceAccount, Audience: q.audience}
	}
	if delay > 0 {
		task.ScheduleTime = q.now().Add(delay).UTC().Format(time.RFC3339)
	}

	token, err := q.token(ctx)
	if err != nil {
		return "", err
	}

	var created ctTask
	var apiErr ctError
	resp, err := q.client.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(ctCreateRequest{Task: task}).
		SetResult(&created).
		SetError(&apiErr).
		Post("/" + q.queuePath + "/tasks")
	if err != nil {
		return "", fmt.Errorf("failed to call Cloud Tasks: %w", err)
	}
	if resp.IsError() {
		if apiErr.Error.Message != "" {
			return "", fmt.Errorf("Cloud Tasks error: %s: %s", apiErr.Error.Status, apiErr.Error.Message)
		}
		return "", fmt.Errorf("Cloud Tasks error: status %d", resp.StatusCode())
	}

	logger.FromContext(ctx).WithFields(logger.Fields{
		logger.FieldTaskID: taskID,
		"task_name":        created.Name,
		"delay_seconds":    delay.Seconds(),
	}).Infof("Enqueued batch worker task for job %s", jobID)
	return taskID, nil
}

type ctQueue struct {
	Name       string `json:"name"`
	State      string `json:"state"`
	RateLimits struct {
		MaxDispatchesPerSecond  float64 `json:"maxDispatchesPerSecond"`
		MaxConcurrentDispatches int     `json:"maxConcurrentDispatches"`
	} `json:"rateLimits"`
}

// Stats reads the queue's state and rate limits.
func (q *CloudTasksQueue) Stats(ctx context.Context) (*Stats, error) {
	token, err := q.token(ctx)
	if err != nil {
		return nil, err
	}

	var queue ctQueue
	resp, err := q.client.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetResult(&queue).
		Get("/" + q.queuePath)
	if err != nil {
		return nil, fmt.Errorf("failed to call Cloud Tasks: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("Cloud Tasks error: status %d", resp.StatusCode())
	}

	return &Stats{
		Driver:                  "cloudtasks",
		Name:                    queue.Name,
		State:                   queue.State,
		MaxDispatchesPerSecond:  queue.RateLimits.MaxDispatchesPerSecond,
		MaxConcurrentDispatches: queue.RateLimits.MaxConcurrentDispatches,
	}, nil
}

func (q *CloudTasksQueue) Close() error { return nil }

type metadataToken struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// token returns the static token, or a cached metadata-server token refreshed a minute before expiry.
func (q *CloudTasksQueue) token(ctx context.Context) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.staticToken || (q.accessToken != "" && q.now().Before(q.tokenExpiry)) {
		return q.accessToken, nil
	}

	var tok metadataToken
	resp, err := q.metadata.R().
		SetContext(ctx).
		SetResult(&tok).
		Get("/instance/service-accounts/default/token")
	if err != nil {
		return "", fmt.Errorf("failed to fetch access token: %w", err)
	}
	if resp.IsError() || tok.AccessToken == "" {
		return "", fmt.Errorf("failed to fetch access token: status %d", resp.StatusCode())
	}

	q.accessToken = tok.AccessToken
	q.tokenExpiry = q.now().Add(time.Duration(tok.ExpiresIn)*time.Second - time.Minute)
	return q.accessToken, nil
}
