package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/charmbracelet/log"

	"github.com/0xcro3dile/localchat-go/internal/domain/entities"
	"github.com/0xcro3dile/localchat-go/internal/domain/ports"
)

func openAIServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)

		if stream, _ := body["stream"].(bool); !stream {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"id":"x","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"Short title"},"finish_reason":"stop"}]}`)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range []string{"Hello", " world"} {
			fmt.Fprintf(w, "data: {\"id\":\"x\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", c)
		}
		fmt.Fprint(w, "data: {\"id\":\"x\",\"object\":\"chat.completion.chunk\",\"choices\":[],\"usage\":{\"prompt_tokens\":7,\"completion_tokens\":2,\"total_tokens\":9}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func TestOpenAI_Stream(t *testing.T) {
	server := openAIServer(t)
	defer server.Close()

	adapter := NewOpenAIAdapter(server.URL+"/v1", "")
	ch, err := adapter.Stream(context.Background(), request("local-model"))
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}

	var content strings.Builder
	var last ports.StreamToken
	for tok := range ch {
		if tok.Error != nil {
			t.Fatalf("unexpected error: %v", tok.Error)
		}
		content.WriteString(tok.Content)
		last = tok
	}
	if content.String() != "Hello world" {
		t.Errorf("unexpected content %q", content.String())
	}
	if !last.Done || last.Usage == nil || last.Usage.PromptTokens != 7 || last.Usage.CompletionTokens != 2 {
		t.Errorf("unexpected final token %+v", last)
	}
}

func TestOpenAI_Complete(t *testing.T) {
	server := openAIServer(t)
	defer server.Close()

	out, err := NewOpenAIAdapter(server.URL+"/v1", "").Complete(context.Background(), request("local-model"))
	if err != nil {
		t.Fatal(err)
	}
	if out != "Short title" {
		t.Errorf("unexpected completion %q", out)
	}
}

func TestRouter_DispatchesByProvider(t *testing.T) {
	var ollamaHits int
	ollama := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ollamaHits++
		json.NewEncoder(w).Encode(map[string]any{"message": map[string]string{"content": "from ollama"}, "done": true})
	}))
	defer ollama.Close()
	openai := openAIServer(t)
	defer openai.Close()

	router := NewRouter(RouterConfig{OllamaURL: ollama.URL}, log.New(io.Discard))
	ctx := context.Background()

	out, err := router.Complete(ctx, request("m1"))
	if err != nil || out != "from ollama" {
		t.Errorf("ollama route failed: %q, %v", out, err)
	}

	req := request("m2")
	req.Model = entities.ModelInfo{Name: "m2", Host: openai.URL + "/v1", Provider: ProviderOpenAI}
	out, err = router.Complete(ctx, req)
	if err != nil || out != "Short title" {
		t.Errorf("openai route failed: %q, %v", out, err)
	}

	router.Complete(ctx, request("m1"))
	if ollamaHits != 2 {
		t.Errorf("expected 2 ollama calls, got %d", ollamaHits)
	}
	if len(router.backends) != 2 {
		t.Errorf("expected 2 cached backends, got %d", len(router.backends))
	}
}
