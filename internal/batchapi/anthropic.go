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

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"
)

// AnthropicClient はAnthropic Message Batches APIのステータス照会クライアントです。
type AnthropicClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewAnthropicClient は AnthropicClient を作成します。
func NewAnthropicClient(baseURL, apiKey string, timeout time.Duration) *AnthropicClient {
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}
	return &AnthropicClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

type anthropicBatch struct {
	ID               string `json:"id"`
	ProcessingStatus string `json:"processing_status"`
	RequestCounts    struct {
		Processing int `json:"processing"`
		Succeeded  int `json:"succeeded"`
		Errored    int `json:"errored"`
		Canceled   int `json:"canceled"`
		Expired    int `json:"expired"`
	} `json:"request_counts"`
}

// Poll は GET /v1/messages/batches/{id} でバッチの状態を取得します。
func (c *AnthropicClient) Poll(ctx context.Context, batchID string) (*PollResult, error) {
	if batchID == "" {
		return nil, fmt.Errorf("batchID is required")
	}
	url := fmt.Sprintf("%s/v1/messages/batches/%s", c.baseURL, batchID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		if retryableStatus(resp.StatusCode) {
			return nil, fmt.Errorf("%w: anthropic returned %d: %s", ErrTransient, resp.StatusCode, body)
		}
		return nil, fmt.Errorf("anthropic returned %d: %s", resp.StatusCode, body)
	}

	var payload anthropicBatch
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to parse anthropic batch response: %w", err)
	}

	counts := payload.RequestCounts
	total := counts.Processing + counts.Succeeded + counts.Errored + counts.Canceled + counts.Expired
	result := &PollResult{
		Detail: payload.ProcessingStatus,
		Counts: RequestCounts{
			Completed: counts.Succeeded,
			Failed:    counts.Errored + counts.Canceled + counts.Expired,
			Total:     total,
		},
	}
	switch payload.ProcessingStatus {
	case "ended":
		// 1件でも成功があれば結果取得に進む。全滅はバッチ失敗として扱う。
		if counts.Succeeded == 0 && total > 0 {
			result.State = StateFailed
		} else {
			result.State = StateCompleted
		}
	case "canceling":
		result.State = StateFailed
	default:
		// in_progress
		result.State = StatePending
	}
	return result, nil
}
