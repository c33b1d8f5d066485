package batchapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/yourusername/batch-watcher/internal/batch"
)

func TestOpenAIPollCompleted(t *testing.T) {
	var gotPath, gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "batch_123",
			"status": "completed",
			"request_counts": {"completed": 40, "failed": 2, "total": 42}
		}`))
	}))
	defer server.Close()

	client := NewOpenAIClient(server.URL, "sk-test", 5*time.Second)
	result, err := client.Poll(context.Background(), "batch_123")
	if err != nil {
		t.Fatalf("Poll returned error: %v", err)
	}
	if gotPath != "/v1/batches/batch_123" {
		t.Fatalf("unexpected path: %s", gotPath)
	}
	if gotAuth != "Bearer sk-test" {
		t.Fatalf("unexpected auth header: %s", gotAuth)
	}
	if result.State != StateCompleted || result.Detail != "completed" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Counts.Total != 42 || result.Counts.Completed != 40 {
		t.Fatalf("unexpected counts: %+v", result.Counts)
	}
}

func TestOpenAIPollStateMapping(t *testing.T) {
	cases := map[string]State{
		"validating":  StatePending,
		"in_progress": StatePending,
		"finalizing":  StatePending,
		"completed":   StateCompleted,
		"failed":      StateFailed,
		"expired":     StateFailed,
		"cancelled":   StateFailed,
	}
	for apiStatus, want := range cases {
		status := apiStatus
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"id": "b1", "status": "` + status + `"}`))
		}))
		client := NewOpenAIClient(server.URL, "sk-test", time.Second)
		result, err := client.Poll(context.Background(), "b1")
		server.Close()
		if err != nil {
			t.Fatalf("Poll(%s) returned error: %v", apiStatus, err)
		}
		if result.State != want {
			t.Errorf("Poll(%s) = %s, want %s", apiStatus, result.State, want)
		}
	}
}

func TestOpenAIPollServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewOpenAIClient(server.URL, "sk-test", time.Second)
	if _, err := client.Poll(context.Background(), "b1"); !errors.Is(err, ErrTransient) {
		t.Fatalf("err = %v, want ErrTransient", err)
	}
}

func TestOpenAIPollClientErrorIsPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such batch", http.StatusNotFound)
	}))
	defer server.Close()

	client := NewOpenAIClient(server.URL, "sk-test", time.Second)
	_, err := client.Poll(context.Background(), "b1")
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrTransient) {
		t.Fatalf("404 should not be transient: %v", err)
	}
}

func TestOpenAIPollUnreachableIsTransient(t *testing.T) {
	client := NewOpenAIClient("http://127.0.0.1:1", "sk-test", 200*time.Millisecond)
	if _, err := client.Poll(context.Background(), "b1"); !errors.Is(err, ErrTransient) {
		t.Fatalf("err = %v, want ErrTransient", err)
	}
}

func TestAnthropicPoll(t *testing.T) {
	var gotPath, gotKey, gotVersion string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		w.Write([]byte(`{
			"id": "msgbatch_01",
			"processing_status": "ended",
			"request_counts": {"processing": 0, "succeeded": 10, "errored": 1, "canceled": 0, "expired": 0}
		}`))
	}))
	defer server.Close()

	client := NewAnthropicClient(server.URL, "ak-test", 5*time.Second)
	result, err := client.Poll(context.Background(), "msgbatch_01")
	if err != nil {
		t.Fatalf("Poll returned error: %v", err)
	}
	if gotPath != "/v1/messages/batches/msgbatch_01" {
		t.Fatalf("unexpected path: %s", gotPath)
	}
	if gotKey != "ak-test" || gotVersion == "" {
		t.Fatalf("unexpected headers: key=%s version=%s", gotKey, gotVersion)
	}
	if result.State != StateCompleted {
		t.Fatalf("unexpected state: %s", result.State)
	}
	if result.Counts.Total != 11 || result.Counts.Failed != 1 {
		t.Fatalf("unexpected counts: %+v", result.Counts)
	}
}

func TestAnthropicPollAllErroredIsFailed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"id": "msgbatch_02",
			"processing_status": "ended",
			"request_counts": {"processing": 0, "succeeded": 0, "errored": 5, "canceled": 0, "expired": 0}
		}`))
	}))
	defer server.Close()

	client := NewAnthropicClient(server.URL, "ak-test", time.Second)
	result, err := client.Poll(context.Background(), "msgbatch_02")
	if err != nil {
		t.Fatalf("Poll returned error: %v", err)
	}
	if result.State != StateFailed {
		t.Fatalf("unexpected state: %s", result.State)
	}
}

func TestRegistry(t *testing.T) {
	registry := NewRegistry()
	openai := NewOpenAIClient("", "sk", time.Second)
	registry.Register(batch.TypeGPTImages, openai)

	got, err := registry.For(batch.TypeGPTImages)
	if err != nil {
		t.Fatalf("For returned error: %v", err)
	}
	if got != openai {
		t.Fatal("unexpected client")
	}
	if _, err := registry.For(batch.TypeClaudePrompts); err == nil {
		t.Fatal("expected error for unregistered type")
	}
}
