package batchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultOpenAIBaseURL = "https://api.openai.com"

// OpenAIClient はOpenAI Batch APIのステータス照会クライアントです。
type OpenAIClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewOpenAIClient は OpenAIClient を作成します。baseURL が空の場合は本番APIを使用します。
func NewOpenAIClient(baseURL, apiKey string, timeout time.Duration) *OpenAIClient {
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	return &OpenAIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

type openAIBatch struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	RequestCounts struct {
		Completed int `json:"completed"`
		Failed    int `json:"failed"`
		Total     int `json:"total"`
	} `json:"request_counts"`
}

// Poll は GET /v1/batches/{id} でバッチの状態を取得します。
func (c *OpenAIClient) Poll(ctx context.Context, batchID string) (*PollResult, error) {
	if batchID == "" {
		return nil, fmt.Errorf("batchID is required")
	}
	url := fmt.Sprintf("%s/v1/batches/%s", c.baseURL, batchID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		if retryableStatus(resp.StatusCode) {
			return nil, fmt.Errorf("%w: openai returned %d: %s", ErrTransient, resp.StatusCode, body)
		}
		return nil, fmt.Errorf("openai returned %d: %s", resp.StatusCode, body)
	}

	var payload openAIBatch
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to parse openai batch response: %w", err)
	}

	result := &PollResult{
		Detail: payload.Status,
		Counts: RequestCounts{
			Completed: payload.RequestCounts.Completed,
			Failed:    payload.RequestCounts.Failed,
			Total:     payload.RequestCounts.Total,
		},
	}
	switch payload.Status {
	case "completed":
		result.State = StateCompleted
	case "failed", "expired", "cancelled", "cancelling":
		result.State = StateFailed
	default:
		// validating / in_progress / finalizing
		result.State = StatePending
	}
	return result, nil
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}
