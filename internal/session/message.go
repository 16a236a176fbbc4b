package session

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleError     Role = "error"
)

// Greeting opens every conversation and is all that is left after a reset.
const Greeting = "Welcome to RAG Chat! Upload documents and ask questions about them."

// Citation points from an answer back to a document chunk.
type Citation struct {
	DocumentName string  `json:"documentName"`
	ChunkIndex   int     `json:"chunkIndex"`
	Similarity   float64 `json:"similarity"`
	Confidence   float64 `json:"confidence"`
	Preview      string  `json:"preview"`
}

// Message is one entry of the conversation log. Messages never change
// once appended.
type Message struct {
	ID         int64      `json:"id"`
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	Sources    []Citation `json:"sources,omitempty"`
	Confidence *float64   `json:"confidence,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

func (m Message) clone() Message {
	if m.Sources != nil {
		m.Sources = append([]Citation(nil), m.Sources...)
	}
	if m.Confidence != nil {
		c := *m.Confidence
		m.Confidence = &c
	}
	return m
}
