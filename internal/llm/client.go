// Package llm is the narrow LLM-provider collaborator the core consumes
// behind a prompt-in/text-out contract. Providers are plug-in;
// this package ships one concrete implementation — an OpenAI-compatible
// HTTP client — minimal,
// stdlib-only, tiered by environment variable.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/JKR8/querytorque-v8-sub005/internal/config"
	"github.com/JKR8/querytorque-v8-sub005/internal/types"
)

// Client is the interface every layer above depends on. Only Chat is
// required; candidate-generating strategies never reach past this.
type Client interface {
	Chat(ctx context.Context, system, user string) (string, types.TokenUsage, error)
}

// HTTPClient is an OpenAI-compatible LLM client — the default, narrow
// implementation of Client.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	model      string
	label      string
	httpClient *http.Client
	encoding   *tiktoken.Tiktoken // nil if the encoding could not be loaded; estimation then no-ops
}

var _ Client = (*HTTPClient)(nil)

// normalizeBaseURL strips trailing slashes and a trailing "/chat/completions"
// suffix so the path is never doubled when Chat appends it itself.
//
// Expectations:
//   - Strips a trailing "/chat/completions" suffix
//   - Strips a trailing slash without "/chat/completions"
//   - Strips trailing slash AND "/chat/completions" when both are present
//   - Returns the URL unchanged when neither suffix is present
//   - Returns "" for empty input
func normalizeBaseURL(raw string) string {
	s := strings.TrimRight(raw, "/")
	return strings.TrimSuffix(s, "/chat/completions")
}

// NewTier creates an HTTPClient for a named tier (e.g. "ANALYST", "WORKER")
// from config.ResolveLLMTier's tiered environment resolution.
func NewTier(prefix string) *HTTPClient {
	tier := config.ResolveLLMTier(prefix)
	enc, _ := tiktoken.GetEncoding("cl100k_base") // best-effort; nil encoding just disables pre-flight estimation
	return &HTTPClient{
		baseURL:    normalizeBaseURL(tier.BaseURL),
		apiKey:     tier.APIKey,
		model:      tier.Model,
		label:      tier.Label,
		httpClient: &http.Client{Timeout: 180 * time.Second},
		encoding:   enc,
	}
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []chatMsg `json:"messages"`
}

type chatMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage types.TokenUsage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Chat sends a system + user prompt and returns the assistant's text
// response and token usage. When the provider's own usage block is zeroed
// out (some providers omit it), the pre-flight tiktoken estimate of the
// prompt is recorded in TokenUsage.EstimatedPrompt so callers still have a
// number to budget against.
func (c *HTTPClient) Chat(ctx context.Context, system, user string) (string, types.TokenUsage, error) {
	log.Printf("[%s] SYSTEM PROMPT: %d chars; USER PROMPT: %d chars", c.label, len(system), len(user))

	estimated := 0
	if c.encoding != nil {
		estimated = len(c.encoding.Encode(system+"\n"+user, nil, nil))
	}

	payload := chatRequest{
		Model: c.model,
		Messages: []chatMsg{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", types.TokenUsage{}, fmt.Errorf("llm: marshal request: %w", err)
	}

	url := c.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", types.TokenUsage{}, fmt.Errorf("llm: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", types.TokenUsage{}, fmt.Errorf("llm: http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", types.TokenUsage{}, fmt.Errorf("llm: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", types.TokenUsage{}, fmt.Errorf("llm: HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", types.TokenUsage{}, fmt.Errorf("llm: unmarshal response: %w", err)
	}
	if chatResp.Error != nil {
		return "", types.TokenUsage{}, fmt.Errorf("llm: API error: %s", chatResp.Error.Message)
	}
	if len(chatResp.Choices) == 0 {
		return "", types.TokenUsage{}, fmt.Errorf("llm: no choices in response")
	}

	usage := chatResp.Usage
	if usage.TotalTokens == 0 {
		usage.EstimatedPrompt = estimated
	}

	content := chatResp.Choices[0].Message.Content
	log.Printf("[%s] response: %d chars (tokens prompt=%d completion=%d estimated_prompt=%d)",
		c.label, len(content), usage.PromptTokens, usage.CompletionTokens, usage.EstimatedPrompt)
	return content, usage, nil
}

// StripThinkBlocks removes all <think>...</think> blocks from s. Reasoning
// models emit these before or between JSON objects; they are not part of
// structured output and must be stripped before JSON parsing.
//
// Expectations:
//   - Removes a single <think>...</think> block
//   - Removes multiple <think>...</think> blocks
//   - Strips an unclosed <think> block from its start to end of string
//   - Returns s unchanged when no <think> tag is present
func StripThinkBlocks(s string) string {
	for {
		start := strings.Index(s, "<think>")
		if start == -1 {
			break
		}
		end := strings.Index(s[start:], "</think>")
		if end == -1 {
			s = s[:start]
			break
		}
		s = s[:start] + s[start+end+len("</think>"):]
	}
	return strings.TrimSpace(s)
}

// StripFences removes markdown code fences (```json ... ```) and
// <think>...</think> reasoning blocks from an LLM response before JSON
// parsing.
func StripFences(s string) string {
	s = StripThinkBlocks(strings.TrimSpace(s))
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		}
		if i := strings.LastIndex(s, "```"); i != -1 {
			s = s[:i]
		}
	}
	return strings.TrimSpace(s)
}
