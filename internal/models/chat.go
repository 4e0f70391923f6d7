package models

import "time"

// Chat represents a conversation container in the chat system. It provides basic identification and
// labeling capabilities for organizing question threads.
type Chat struct {
	ID    string
	Title string
}

// Message represents an individual entry within a chat: either the user's question or the answer
// streamed back from the analysis service. Content holds the raw markdown text; rendering to HTML
// happens at the presentation boundary.
type Message struct {
	ID        string
	Role      Role
	Content   string
	Timestamp time.Time

	// StreamingState tracks the lifecycle of an assistant message while its answer is still
	// arriving. User messages are always StreamingStateEnded.
	StreamingState string
}

// Role represents the role of a message participant.
type Role string

const (
	// RoleUser represents the user's question.
	RoleUser Role = "user"
	// RoleAssistant represents an answer from the analysis service.
	RoleAssistant Role = "assistant"

	// StreamingStateLoading marks an assistant message whose stream is still open.
	StreamingStateLoading = "loading"
	// StreamingStateEnded marks a message whose content is final.
	StreamingStateEnded = "ended"
)

// Metadata describes the coverage of the analysis service: which companies it has filings for,
// which filing types it indexes, and the time period those filings span. It is fetched once at
// startup and used purely for display; every field may be absent.
type Metadata struct {
	SupportedCompanies []string `json:"supported_companies"`
	FilingTypes        []string `json:"filing_types"`
	TimePeriod         string   `json:"time_period"`
}

// AnalysisError is an error the analysis service reported inside an answer stream, as opposed to a
// transport-level failure. Its message is meant to be shown to the user.
type AnalysisError struct {
	Message string
}

func (e *AnalysisError) Error() string {
	return "analysis service error: " + e.Message
}
