// Package llm provides a uniform call interface over multiple model
// backends with purpose-based routing, retry, and response caching.
package llm

// Purpose identifies why a call is being made. Routing from purpose to a
// configured backend happens once, in the gateway, so no other component
// branches on providers.
type Purpose string

const (
	PurposeSummarize Purpose = "summarize"
	PurposeClassify  Purpose = "classify"
	PurposeExtract   Purpose = "extract"
	PurposeEvaluate  Purpose = "evaluate"
	PurposeCode      Purpose = "code"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"` // "system" or "user"
	Content string `json:"content"`
}

// System returns a system message.
func System(content string) Message { return Message{Role: "system", Content: content} }

// User returns a user message.
func User(content string) Message { return Message{Role: "user", Content: content} }

// Request is a fully resolved provider call.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float32
	MaxTokens   int
}

// Usage reports token consumption of a call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Result is the provider response.
type Result struct {
	Provider string
	Model    string
	Text     string
	Usage    Usage
	Cached   bool
}
