package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// --- Response types (CLI работает только через HTTP и не импортирует internal/api) ---

// StateResponse — состояние run.
type StateResponse struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Name      string         `json:"name"`
	Timestamp string         `json:"timestamp"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// RunResponse — run.
type RunResponse struct {
	ID                string         `json:"id"`
	Kind              string         `json:"kind"`
	Name              string         `json:"name"`
	DeploymentID      string         `json:"deployment_id,omitempty"`
	WorkQueueID       string         `json:"work_queue_id,omitempty"`
	Tags              []string       `json:"tags,omitempty"`
	State             *StateResponse `json:"state,omitempty"`
	RunCount          int            `json:"run_count"`
	ExpectedStartTime string         `json:"expected_start_time,omitempty"`
	CreatedAt         string         `json:"created_at"`
}

// StateType возвращает тип текущего состояния или "-".
func (r RunResponse) StateType() string {
	if r.State == nil {
		return "-"
	}
	return r.State.Type
}

// ResultResponse — результат предложения перехода.
type ResultResponse struct {
	Status            string         `json:"status"`
	State             *StateResponse `json:"state,omitempty"`
	Reason            string         `json:"reason,omitempty"`
	Rule              string         `json:"rule,omitempty"`
	RetryAfterSeconds float64        `json:"retry_after_seconds,omitempty"`
}

// LimitResponse — лимит конкурентности.
type LimitResponse struct {
	ID                 string   `json:"id"`
	Key                string   `json:"key"`
	Limit              int      `json:"limit"`
	ActiveSlots        []string `json:"active_slots"`
	SlotDecayPerSecond float64  `json:"slot_decay_per_second,omitempty"`
	UpdatedAt          string   `json:"updated_at"`
}

// WorkQueueResponse — work queue.
type WorkQueueResponse struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Description      string `json:"description,omitempty"`
	ConcurrencyLimit *int   `json:"concurrency_limit,omitempty"`
	Priority         int    `json:"priority"`
	IsPaused         bool   `json:"is_paused"`
	Status           string `json:"status"`
	LastPolled       string `json:"last_polled,omitempty"`
}

// WorkQueueStatusResponse — статус и здоровье очереди.
type WorkQueueStatusResponse struct {
	Status            string  `json:"status"`
	Healthy           bool    `json:"healthy"`
	LateRunsCount     int     `json:"late_runs_count"`
	LastPolled        string  `json:"last_polled,omitempty"`
	StaleAfterSeconds float64 `json:"stale_after_seconds"`
}

// MaterializeResponse — итог материализации одного расписания.
type MaterializeResponse struct {
	ScheduleID  string   `json:"schedule_id"`
	Occurrences []string `json:"occurrences"`
	RunIDs      []string `json:"run_ids"`
	Created     int      `json:"created"`
	Existing    int      `json:"existing"`
}

// --- Request types ---

// StateRequest — предлагаемое состояние.
type StateRequest struct {
	Type    string `json:"type"`
	Name    string `json:"name,omitempty"`
	Message string `json:"message,omitempty"`
}

// CreateLimitRequest — создание лимита.
type CreateLimitRequest struct {
	Key                string  `json:"key"`
	Limit              int     `json:"limit"`
	SlotDecayPerSecond float64 `json:"slot_decay_per_second,omitempty"`
}

// CreateWorkQueueRequest — создание очереди.
type CreateWorkQueueRequest struct {
	Name             string `json:"name"`
	Description      string `json:"description,omitempty"`
	ConcurrencyLimit *int   `json:"concurrency_limit,omitempty"`
	Priority         int    `json:"priority,omitempty"`
}

// MaterializeRequest — окно материализации.
type MaterializeRequest struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
	Count int        `json:"count,omitempty"`
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// APIError — ошибка, которую вернул API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("API error: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// --- Client ---

// Client — HTTP-клиент Conductor API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент для API.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// --- Runs ---

// GetRun возвращает run.
func (c *Client) GetRun(id string) (*RunResponse, error) {
	var run RunResponse
	err := c.call(http.MethodGet, "/api/v1/runs/"+url.PathEscape(id), nil, &run)
	return &run, err
}

// ListRunStates возвращает историю состояний run.
func (c *Client) ListRunStates(id string) ([]StateResponse, error) {
	var states []StateResponse
	err := c.call(http.MethodGet, "/api/v1/runs/"+url.PathEscape(id)+"/states", nil, &states)
	return states, err
}

// SetRunState предлагает переход состояния.
func (c *Client) SetRunState(id string, state StateRequest) (*ResultResponse, error) {
	body := map[string]any{"state": state, "agent_id": "cli"}
	var res ResultResponse
	err := c.call(http.MethodPost, "/api/v1/runs/"+url.PathEscape(id)+"/set_state", body, &res)
	return &res, err
}

// --- Concurrency limits ---

// CreateLimit создаёт лимит.
func (c *Client) CreateLimit(req CreateLimitRequest) (*LimitResponse, error) {
	var l LimitResponse
	err := c.call(http.MethodPost, "/api/v1/concurrency_limits", req, &l)
	return &l, err
}

// ListLimits возвращает лимиты.
func (c *Client) ListLimits(limit int) ([]LimitResponse, error) {
	path := "/api/v1/concurrency_limits"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var limits []LimitResponse
	err := c.call(http.MethodGet, path, nil, &limits)
	return limits, err
}

// ResetLimit освобождает занятые слоты лимита.
func (c *Client) ResetLimit(key string) (*LimitResponse, error) {
	var l LimitResponse
	err := c.call(http.MethodPost, "/api/v1/concurrency_limits/"+url.PathEscape(key)+"/reset", struct{}{}, &l)
	return &l, err
}

// DeleteLimit удаляет лимит.
func (c *Client) DeleteLimit(key string) error {
	return c.call(http.MethodDelete, "/api/v1/concurrency_limits/"+url.PathEscape(key), nil, nil)
}

// --- Work queues ---

// CreateWorkQueue создаёт очередь.
func (c *Client) CreateWorkQueue(req CreateWorkQueueRequest) (*WorkQueueResponse, error) {
	var q WorkQueueResponse
	err := c.call(http.MethodPost, "/api/v1/work_queues", req, &q)
	return &q, err
}

// GetWorkQueue возвращает очередь по ID или имени.
func (c *Client) GetWorkQueue(idOrName string) (*WorkQueueResponse, error) {
	var q WorkQueueResponse
	path := "/api/v1/work_queues/by_name?name=" + url.QueryEscape(idOrName)
	if _, err := uuid.Parse(idOrName); err == nil {
		path = "/api/v1/work_queues/" + idOrName
	}
	err := c.call(http.MethodGet, path, nil, &q)
	return &q, err
}

// SetWorkQueuePaused ставит очередь на паузу или снимает с неё.
func (c *Client) SetWorkQueuePaused(id string, paused bool) (*WorkQueueResponse, error) {
	var q WorkQueueResponse
	err := c.call(http.MethodPatch, "/api/v1/work_queues/"+url.PathEscape(id), map[string]bool{"is_paused": paused}, &q)
	return &q, err
}

// GetWorkQueueStatus возвращает статус очереди.
func (c *Client) GetWorkQueueStatus(id string) (*WorkQueueStatusResponse, error) {
	var st WorkQueueStatusResponse
	err := c.call(http.MethodGet, "/api/v1/work_queues/"+url.PathEscape(id)+"/status", nil, &st)
	return &st, err
}

// --- Deployments ---

// Materialize создаёт runs по расписаниям deployment.
func (c *Client) Materialize(deploymentID string, req MaterializeRequest) ([]MaterializeResponse, error) {
	var out []MaterializeResponse
	err := c.call(http.MethodPost, "/api/v1/deployments/"+url.PathEscape(deploymentID)+"/materialize", req, &out)
	return out, err
}

// --- HTTP helpers ---

// call выполняет запрос и разбирает поле data ответа в result.
func (c *Client) call(method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var er errorResponse
		if json.NewDecoder(resp.Body).Decode(&er) == nil {
			apiErr.Code = er.Error.Code
			apiErr.Message = er.Error.Message
		}
		return apiErr
	}
	if resp.StatusCode == http.StatusNoContent || result == nil {
		return nil
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return json.Unmarshal(dr.Data, result)
}
