package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lunarc/aika/internal/logger"
	"github.com/lunarc/aika/internal/protocol"
)

// StatusError is returned for non-success HTTP responses
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend returned status %d: %s", e.Code, e.Body)
}

// ParsedTask is the structured result of the task-parsing collaborator
type ParsedTask struct {
	Title    string `json:"title"`
	Category string `json:"category"`
	DueAt    string `json:"due_at,omitempty"`
	Notes    string `json:"notes,omitempty"`
}

// Client talks to the inference/automation backend over plain request/response.
// Every call is slow and fallible; callers bind a context and classify errors
// at the turn boundary.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *logger.Logger
}

// NewClient creates a backend client for the given base URL
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 120 * time.Second},
		log:        logger.Global().WithPrefix("backend"),
	}
}

// Chat issues the synchronous fallback request for one turn. The response is
// shaped like chat_metadata plus the full final text.
func (c *Client) Chat(ctx context.Context, req *protocol.ChatRequest) (*protocol.ChatResponse, error) {
	resp := &protocol.ChatResponse{}
	if err := c.post(ctx, "/api/chat", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ParseTask asks the backend to parse free text into a structured task using
// a fixed vocabulary of categories
func (c *Client) ParseTask(ctx context.Context, text string, categories []string) (*ParsedTask, error) {
	req := struct {
		Text       string   `json:"text"`
		Categories []string `json:"categories"`
	}{Text: text, Categories: categories}

	task := &ParsedTask{}
	if err := c.post(ctx, "/api/tasks/parse", req, task); err != nil {
		return nil, err
	}
	return task, nil
}

// SummarizeTitle asks the backend for a short thread title summarizing the
// given text
func (c *Client) SummarizeTitle(ctx context.Context, text string) (string, error) {
	req := struct {
		Text string `json:"text"`
	}{Text: text}

	var resp struct {
		Title string `json:"title"`
	}
	if err := c.post(ctx, "/api/summarize/title", req, &resp); err != nil {
		return "", err
	}
	if resp.Title == "" {
		return "", fmt.Errorf("backend returned empty title")
	}
	return resp.Title, nil
}

// Speak requests text-to-speech playback of a confirmation message.
// Best effort; failures are logged by callers.
func (c *Client) Speak(ctx context.Context, text string) error {
	req := struct {
		Text string `json:"text"`
	}{Text: text}
	return c.post(ctx, "/api/tts", req, nil)
}

// post issues one JSON request/response round trip
func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.log.Warn("POST %s failed with status %d", path, resp.StatusCode)
		return &StatusError{Code: resp.StatusCode, Body: string(data)}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
