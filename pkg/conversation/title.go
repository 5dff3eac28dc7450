package conversation

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/sashabaranov/go-openai"

	"github.com/pario-ai/talkpdf/pkg/models"
	"github.com/pario-ai/talkpdf/pkg/router"
	"github.com/pario-ai/talkpdf/pkg/tokens"
)

const (
	maxTitleLen      = 60
	maxTitleInput    = 2000
	minTitleLen      = 3
	titleMaxTokens   = 50
	titleTemperature = 0.3
)

const titleSystemPrompt = `You are an expert at creating concise, descriptive titles for PDF documents.
Generate a clear, informative title (max 60 characters) that captures the main topic or purpose of the document content.

Rules:
- Keep it under 60 characters
- Make it descriptive and specific
- Avoid generic words like "Document" or "PDF"
- Focus on the main topic or subject matter
- Use title case
- No quotes or special formatting`

var pdfSuffix = regexp.MustCompile(`(?i)\.pdf$`)

// TitleResult is a conversation title and how it was produced.
type TitleResult struct {
	Title     string       `json:"title"`
	Generated bool         `json:"generated"`
	Usage     models.Usage `json:"usage"`
}

// TitleGenerator names conversations from the text of their documents.
type TitleGenerator struct {
	router *router.Router
	model  string
}

// NewTitleGenerator returns a generator that asks model through r.
func NewTitleGenerator(r *router.Router, model string) *TitleGenerator {
	return &TitleGenerator{router: r, model: model}
}

// Generate produces a title for documents with the given extracted text and
// file names. Any model failure falls back to a file-name based title.
func (g *TitleGenerator) Generate(ctx context.Context, textContent, fileNames []string) TitleResult {
	var valid []string
	for _, t := range textContent {
		if t != "" {
			valid = append(valid, t)
		}
	}
	combined := strings.TrimSpace(strings.Join(valid, " "))
	combined = tokens.Truncate(combined, maxTitleInput)
	if combined == "" {
		return TitleResult{Title: FallbackTitle(fileNames)}
	}

	title, usage, err := g.complete(ctx, combined)
	if err != nil {
		log.Warn().Err(err).Msg("title generation failed")
		return TitleResult{Title: FallbackTitle(fileNames), Usage: usage}
	}
	if len(title) < minTitleLen {
		return TitleResult{Title: FallbackTitle(fileNames), Usage: usage}
	}
	return TitleResult{Title: CleanTitle(title), Generated: true, Usage: usage}
}

func (g *TitleGenerator) complete(ctx context.Context, text string) (string, models.Usage, error) {
	routes, err := g.router.Resolve(g.model)
	if err != nil {
		return "", models.Usage{}, err
	}
	route := routes[0]
	resp, err := route.Client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: route.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: titleSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: "Generate a title for this document content:\n\n" + text},
		},
		MaxTokens:   titleMaxTokens,
		Temperature: titleTemperature,
	})
	if err != nil {
		return "", models.Usage{}, err
	}
	usage := models.Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	if len(resp.Choices) == 0 {
		return "", usage, fmt.Errorf("empty title response")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), usage, nil
}

// CleanTitle strips surrounding quotes and a trailing period and caps the
// length at 60 characters.
func CleanTitle(title string) string {
	title = strings.TrimSpace(title)
	title = strings.TrimPrefix(title, `"`)
	title = strings.TrimPrefix(title, `'`)
	title = strings.TrimSuffix(title, `"`)
	title = strings.TrimSuffix(title, `'`)
	title = strings.TrimSuffix(title, ".")
	title = strings.TrimSpace(title)
	if r := []rune(title); len(r) > maxTitleLen {
		title = string(r[:maxTitleLen-3]) + "..."
	}
	return title
}

// FallbackTitle names a conversation after its single file, or counts the
// files when there are several.
func FallbackTitle(fileNames []string) string {
	if len(fileNames) == 1 {
		return pdfSuffix.ReplaceAllString(fileNames[0], "")
	}
	return fmt.Sprintf("%d Documents", len(fileNames))
}
