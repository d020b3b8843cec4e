// Package llm provides the chat-completion adapters.
// Clean Architecture: Adapters implementing ports.CompletionService.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/0xcro3dile/localchat-go/internal/domain/entities"
	"github.com/0xcro3dile/localchat-go/internal/domain/ports"
)

// DefaultOllamaURL is used when neither the model host nor the config name a server.
const DefaultOllamaURL = "http://localhost:11434"

// OllamaChatAdapter implements ports.CompletionService using Ollama's /api/chat.
type OllamaChatAdapter struct {
	baseURL string
	client  *http.Client
}

// NewOllamaChatAdapter creates a new Ollama chat adapter.
func NewOllamaChatAdapter(baseURL string) *OllamaChatAdapter {
	if baseURL == "" {
		baseURL = DefaultOllamaURL
	}
	return &OllamaChatAdapter{
		baseURL: strings.TrimRight(baseURL, "/"),
		// No overall timeout: streams are bounded by the caller's context.
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   30 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				ResponseHeaderTimeout: 120 * time.Second,
			},
		},
	}
}

type ollamaChatRequest struct {
	Model    string                 `json:"model"`
	Messages []entities.ChatMessage `json:"messages"`
	Stream   bool                   `json:"stream"`
	Options  *ollamaOptions         `json:"options,omitempty"`
}

type ollamaOptions struct {
	NumPredict int `json:"num_predict,omitempty"`
}

// ollamaChatResponse is one NDJSON line. The final line carries the counters.
type ollamaChatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done            bool   `json:"done"`
	Error           string `json:"error"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	TotalDuration   int64  `json:"total_duration"`
	LoadDuration    int64  `json:"load_duration"`
	EvalDuration    int64  `json:"eval_duration"`
}

func (r *ollamaChatResponse) usage() *entities.UsageStats {
	return &entities.UsageStats{
		PromptTokens:     r.PromptEvalCount,
		CompletionTokens: r.EvalCount,
		TotalDurationMS:  time.Duration(r.TotalDuration).Milliseconds(),
		LoadDurationMS:   time.Duration(r.LoadDuration).Milliseconds(),
		EvalDurationMS:   time.Duration(r.EvalDuration).Milliseconds(),
	}
}

func (a *OllamaChatAdapter) post(ctx context.Context, req ports.CompletionRequest, stream bool) (*http.Response, error) {
	body := ollamaChatRequest{
		Model:    req.Model.Name,
		Messages: req.Messages,
		Stream:   stream,
	}
	if req.MaxTokens > 0 {
		body.Options = &ollamaOptions{NumPredict: req.MaxTokens}
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling Ollama: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	return resp, nil
}

// statusError keeps Ollama's own error text so callers can classify it.
func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
		return fmt.Errorf("Ollama returned status %d: %s", resp.StatusCode, payload.Error)
	}
	return fmt.Errorf("Ollama returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
}

// Complete produces a whole response in one call.
func (a *OllamaChatAdapter) Complete(ctx context.Context, req ports.CompletionRequest) (string, error) {
	resp, err := a.post(ctx, req, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var chatResp ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	if chatResp.Error != "" {
		return "", errors.New(chatResp.Error)
	}
	return chatResp.Message.Content, nil
}

// Stream produces a streaming response via Ollama's NDJSON API.
func (a *OllamaChatAdapter) Stream(ctx context.Context, req ports.CompletionRequest) (<-chan ports.StreamToken, error) {
	resp, err := a.post(ctx, req, true)
	if err != nil {
		return nil, err
	}

	ch := make(chan ports.StreamToken, 100)

	go func() {
		defer close(ch)
		defer resp.Body.Close()

		send := func(tok ports.StreamToken) bool {
			select {
			case ch <- tok:
				return true
			case <-ctx.Done():
				return false
			}
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}

			var chunk ollamaChatResponse
			if err := json.Unmarshal(line, &chunk); err != nil {
				continue // Skip malformed lines
			}
			if chunk.Error != "" {
				send(ports.StreamToken{Error: errors.New(chunk.Error)})
				return
			}
			if chunk.Done {
				send(ports.StreamToken{Content: chunk.Message.Content, Done: true, Usage: chunk.usage()})
				return
			}
			if chunk.Message.Content == "" {
				continue
			}
			if !send(ports.StreamToken{Content: chunk.Message.Content}) {
				return
			}
		}

		if err := scanner.Err(); err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			send(ports.StreamToken{Error: err})
		}
	}()

	return ch, nil
}
