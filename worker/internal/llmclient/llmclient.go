// Package llmclient calls the backend a Job's model routing decision
// selected. Adapted from the teacher's worker/internal/executor backend
// dispatch (callOllama/callVLLM/postJSON) down to the two backends
// models.Decision.Backend actually names.
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Call is one round trip's telemetry, with no prompt or response text
// carried on it — callers persist only this.
type Call struct {
	ModelID          string
	Endpoint         string
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	DurationMS       int64
	Success          bool
	ErrorKind        string
}

// Client calls one of the configured backends, returning the generated
// text separately from the Call telemetry record.
type Client struct {
	OllamaBaseURL string
	VLLMBaseURL   string
}

// Complete dispatches to backend, returning the model's text and a Call
// record describing the round trip (success or failure).
func (c Client) Complete(ctx context.Context, backend, model, prompt string) (string, Call, error) {
	start := time.Now()
	var text string
	var endpoint string
	var err error

	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", "ollama":
		endpoint = strings.TrimRight(c.OllamaBaseURL, "/") + "/api/generate"
		text, err = c.callOllama(ctx, model, prompt)
	case "vllm":
		endpoint = strings.TrimRight(c.VLLMBaseURL, "/") + "/v1/completions"
		text, err = c.callVLLM(ctx, model, prompt)
	default:
		err = fmt.Errorf("unsupported llm backend %q", backend)
	}

	call := Call{
		ModelID:    model,
		Endpoint:   endpoint,
		DurationMS: time.Since(start).Milliseconds(),
		Success:    err == nil,
	}
	if err != nil {
		call.ErrorKind = classifyError(err)
	} else {
		call.PromptTokens = estimateTokens(prompt)
		call.CompletionTokens = estimateTokens(text)
		call.TotalTokens = call.PromptTokens + call.CompletionTokens
	}
	return text, call, err
}

func (c Client) callOllama(ctx context.Context, model, prompt string) (string, error) {
	base := strings.TrimRight(strings.TrimSpace(c.OllamaBaseURL), "/")
	if base == "" {
		return "", errors.New("ORC_OLLAMA_BASE_URL is required for backend=ollama")
	}
	body := map[string]any{
		"model":  firstNonEmpty(model, "llama3-8b-q4"),
		"prompt": prompt,
		"stream": false,
	}
	var out struct {
		Response string `json:"response"`
	}
	if err := postJSON(ctx, base+"/api/generate", body, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.Response) == "" {
		return "", errors.New("ollama returned empty response")
	}
	return strings.TrimSpace(out.Response), nil
}

func (c Client) callVLLM(ctx context.Context, model, prompt string) (string, error) {
	base := strings.TrimRight(strings.TrimSpace(c.VLLMBaseURL), "/")
	if base == "" {
		return "", errors.New("ORC_VLLM_BASE_URL is required for backend=vllm")
	}
	body := map[string]any{
		"model":      firstNonEmpty(model, "llama3-8b-q4"),
		"prompt":     prompt,
		"max_tokens": 512,
	}
	var out struct {
		Choices []struct {
			Text string `json:"text"`
		} `json:"choices"`
	}
	if err := postJSON(ctx, base+"/v1/completions", body, &out); err != nil {
		return "", err
	}
	if len(out.Choices) > 0 {
		if txt := strings.TrimSpace(out.Choices[0].Text); txt != "" {
			return txt, nil
		}
	}
	return "", errors.New("vllm returned empty choices")
}

func postJSON(ctx context.Context, url string, reqBody, out any) error {
	b, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("backend request failed: %s %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func classifyError(err error) string {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	return "internal"
}

// estimateTokens is a whitespace-split approximation; the backends this
// client calls don't all return usage counts, so telemetry is
// best-effort, never exact billing data.
func estimateTokens(s string) int64 {
	return int64(len(strings.Fields(s)))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
