package usecases

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/0xcro3dile/localchat-go/internal/domain/entities"
	"github.com/0xcro3dile/localchat-go/internal/domain/ports"
)

const (
	titleInputChars = 300
	titleMaxChars   = 50
	titleMinCut     = 20
	titleMaxTokens  = 24
)

const titlePrompt = `Write a short title (at most six words) for a conversation that starts with the exchange below. Reply with the title only, no quotes and no punctuation at the end.`

// TitleGenerator names a conversation from its first exchange.
type TitleGenerator struct {
	llm ports.CompletionService
}

// NewTitleGenerator creates a TitleGenerator.
func NewTitleGenerator(llm ports.CompletionService) *TitleGenerator {
	return &TitleGenerator{llm: llm}
}

// Generate asks the model for a title and sanitizes it. An empty string with
// a nil error means the model produced nothing usable.
func (g *TitleGenerator) Generate(ctx context.Context, model entities.ModelInfo, question, answer string) (string, error) {
	req := ports.CompletionRequest{
		Model: model,
		Messages: []entities.ChatMessage{
			{Role: entities.RoleSystem, Content: titlePrompt},
			{Role: entities.RoleUser, Content: fmt.Sprintf("Question: %s\n\nAnswer: %s",
				truncateRunes(question, titleInputChars), truncateRunes(answer, titleInputChars))},
		},
		MaxTokens: titleMaxTokens,
	}
	raw, err := g.llm.Complete(ctx, req)
	if err != nil {
		return "", fmt.Errorf("generating title: %w", err)
	}
	return SanitizeTitle(raw), nil
}

// SanitizeTitle strips wrapping quotes, a leading "Title:" and trailing
// punctuation, then cuts to 50 characters at the last space at or beyond
// index 20, or hard-cuts when there is none. The cut title is trimmed of
// trailing punctuation again.
func SanitizeTitle(raw string) string {
	s := strings.TrimSpace(raw)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	s = trimQuotes(s)
	if len(s) >= 6 && strings.EqualFold(s[:6], "title:") {
		s = strings.TrimSpace(s[6:])
	}
	s = trimQuotes(s)
	s = trimQuotes(trimTrailingPunct(s))

	r := []rune(s)
	if len(r) > titleMaxChars {
		cut := titleMaxChars
		for i := titleMaxChars; i >= titleMinCut; i-- {
			if unicode.IsSpace(r[i]) {
				cut = i
				break
			}
		}
		// The cut can land after a comma or dash.
		s = trimTrailingPunct(string(r[:cut]))
	}
	return s
}

func trimTrailingPunct(s string) string {
	return strings.TrimRightFunc(s, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	})
}

func trimQuotes(s string) string {
	return strings.TrimSpace(strings.Trim(s, "\"'`“”‘’*"))
}
