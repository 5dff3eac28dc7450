package rag

import (
	"fmt"
	"strings"

	"github.com/pario-ai/talkpdf/pkg/models"
)

// SystemPreamble is the fixed system prompt for grounded answers.
const SystemPreamble = `You are TalkPDF, an AI assistant specialized in analyzing and answering questions about PDF documents. You have access to relevant document excerpts and conversation history to provide accurate, contextual responses.

INSTRUCTIONS:
1. Use the provided DOCUMENT CONTEXT to answer questions accurately
2. Consider the CONVERSATION HISTORY for context and continuity
3. If the answer isn't in the documents, clearly state that
4. Quote specific parts of documents when relevant
5. Maintain conversational flow while being precise
6. If documents contradict each other, mention this
7. For calculations or data analysis, show your work

RESPONSE GUIDELINES:
- Be conversational but accurate
- Use markdown formatting for clarity
- Quote document sources when making specific claims
- If information is missing, suggest what additional context might help
- Maintain awareness of the ongoing conversation context`

// DegradedPreamble is used when document search is unavailable.
const DegradedPreamble = `You are TalkPDF, a helpful AI assistant. Document search is temporarily unavailable, so you cannot see the user's documents for this answer. Say so briefly, then answer from general knowledge and the conversation so far. Use markdown formatting for clarity.`

// NoDocumentsNotice replaces the document context when retrieval found
// nothing relevant.
const NoDocumentsNotice = "No relevant documents found in the user's files for this question. Say that the documents do not cover it, then respond from general knowledge."

const (
	noHistory         = "No previous conversation."
	documentSeparator = "\n\n---\n\n"
	closingRequest    = "Please provide a helpful and accurate response based on the document context and conversation history."
)

// Prompt is a system/user prompt pair ready for a chat model.
type Prompt struct {
	System string
	User   string
}

// Assembler builds bounded prompts from retrieved chunks and history.
type Assembler struct {
	// MaxContextChars caps the document context; lower-scored chunks that do
	// not fit are dropped. Zero means unbounded.
	MaxContextChars int
	// HistoryLimit keeps only the most recent messages. Zero means all.
	HistoryLimit int
}

// NewAssembler returns an Assembler with the given bounds.
func NewAssembler(maxContextChars, historyLimit int) *Assembler {
	return &Assembler{MaxContextChars: maxContextChars, HistoryLimit: historyLimit}
}

// Assemble builds the grounded prompt. chunks must be ordered by descending
// score; an empty slice yields an explicit no-documents notice.
func (a *Assembler) Assemble(question string, chunks []models.RetrievedChunk, history []models.Message) Prompt {
	var b strings.Builder
	b.WriteString("DOCUMENT CONTEXT:\n")
	b.WriteString(a.FormatDocuments(chunks))
	b.WriteString("\n\nRECENT CONVERSATION HISTORY:\n")
	b.WriteString(a.FormatHistory(history))
	b.WriteString("\n\nCURRENT QUESTION: ")
	b.WriteString(question)
	b.WriteString("\n\n")
	b.WriteString(closingRequest)
	return Prompt{System: SystemPreamble, User: b.String()}
}

// Degraded builds the general-conversation prompt used when retrieval failed.
func (a *Assembler) Degraded(question string, history []models.Message) Prompt {
	var b strings.Builder
	b.WriteString("RECENT CONVERSATION HISTORY:\n")
	b.WriteString(a.FormatHistory(history))
	b.WriteString("\n\nCURRENT QUESTION: ")
	b.WriteString(question)
	return Prompt{System: DegradedPreamble, User: b.String()}
}

// FormatDocuments renders chunks as numbered, scored excerpts.
func (a *Assembler) FormatDocuments(chunks []models.RetrievedChunk) string {
	if len(chunks) == 0 {
		return NoDocumentsNotice
	}
	docs := make([]string, 0, len(chunks))
	size := 0
	for i, c := range chunks {
		doc := fmt.Sprintf("Document %d (from %s, relevance: %.1f%%):\n%s", i+1, c.FileName, c.Score*100, c.Text)
		add := len(doc)
		if len(docs) > 0 {
			add += len(documentSeparator)
		}
		if a.MaxContextChars > 0 && len(docs) > 0 && size+add > a.MaxContextChars {
			break
		}
		docs = append(docs, doc)
		size += add
	}
	return strings.Join(docs, documentSeparator)
}

// FormatHistory renders messages oldest first as "role: text" lines.
func (a *Assembler) FormatHistory(history []models.Message) string {
	if a.HistoryLimit > 0 && len(history) > a.HistoryLimit {
		history = history[len(history)-a.HistoryLimit:]
	}
	var lines []string
	for _, m := range history {
		for _, part := range m.Parts {
			if t, ok := part.(models.TextPart); ok && t.Text != "" {
				lines = append(lines, fmt.Sprintf("%s: %s", m.Role, t.Text))
			}
		}
	}
	if len(lines) == 0 {
		return noHistory
	}
	return strings.Join(lines, "\n")
}

// String renders the prompt as a single block, system first.
func (p Prompt) String() string {
	return p.System + "\n\n" + p.User
}
