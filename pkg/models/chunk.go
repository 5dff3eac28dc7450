package models

// RetrievedChunk is a document fragment returned by similarity search.
// Score is in [0,1], higher is more similar.
type RetrievedChunk struct {
	Text      string  `json:"text"`
	FileName  string  `json:"fileName"`
	SourceURL string  `json:"sourceUrl,omitempty"`
	Score     float64 `json:"score"`
}
