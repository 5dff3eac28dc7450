// Package tokens estimates token counts for prompts and turns.
package tokens

import (
	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog/log"

	"github.com/pario-ai/talkpdf/pkg/models"
)

// Per-message framing overhead charged by chat models.
const (
	messageOverhead = 4
	systemOverhead  = 4
	estimateBuffer  = 100
)

// Counter counts tokens with a BPE encoding, or with a length heuristic when
// no encoding is available.
type Counter struct {
	enc *tiktoken.Tiktoken
}

// NewCounter loads the named BPE encoding (e.g. "cl100k_base"). If it cannot
// be loaded the counter falls back to the heuristic.
func NewCounter(encoding string) *Counter {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		log.Warn().Err(err).Str("encoding", encoding).Msg("tokenizer unavailable, using length heuristic")
		return &Counter{}
	}
	return &Counter{enc: enc}
}

// Heuristic returns a counter that estimates one token per four bytes.
func Heuristic() *Counter {
	return &Counter{}
}

// Count returns the number of tokens in text.
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}
	if c.enc == nil {
		return (len(text) + 3) / 4
	}
	return len(c.enc.Encode(text, nil, nil))
}

// CountMessage counts a message's text and file names plus framing overhead.
func (c *Counter) CountMessage(m models.Message) int {
	n := messageOverhead + c.Count(string(m.Role))
	for _, part := range m.Parts {
		switch p := part.(type) {
		case models.TextPart:
			n += c.Count(p.Text)
		case models.FilePart:
			n += c.Count("File: " + p.Filename)
		}
	}
	return n
}

// EstimateTurn estimates the tokens a chat turn will consume: the system
// prompt and messages as input, plus completionBuffer tokens of output.
func (c *Counter) EstimateTurn(system string, messages []models.Message, completionBuffer int) int {
	input := c.Count(system) + systemOverhead
	for _, m := range messages {
		input += c.CountMessage(m)
	}
	return input + estimateBuffer + completionBuffer
}
