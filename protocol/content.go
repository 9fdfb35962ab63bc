package protocol

import "fmt"

// Content is one item of tool output. Only text content is produced; the
// struct is closed so stray fields from handlers never reach the wire.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// CallToolResult is the result shape of tools/call.
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// NewToolResultText returns a successful tool result with one text item.
func NewToolResultText(text string) *CallToolResult {
	return &CallToolResult{Content: []Content{{Type: "text", Text: text}}}
}

// NewToolResultError returns a failed tool result. The text travels to the
// client; protocol-level problems use Error objects instead.
func NewToolResultError(text string) *CallToolResult {
	return &CallToolResult{
		Content: []Content{{Type: "text", Text: text}},
		IsError: true,
	}
}

// NewToolResultErrorf is NewToolResultError with formatting.
func NewToolResultErrorf(format string, args ...any) *CallToolResult {
	return NewToolResultError(fmt.Sprintf(format, args...))
}

// TextResourceContents is one read resource payload.
type TextResourceContents struct {
	URI      string `json:"uri"`
	MIMEType string `json:"mimeType,omitempty"`
	Text     string `json:"text"`
}

// ReadResourceResult is the result shape of resources/read.
type ReadResourceResult struct {
	Contents []TextResourceContents `json:"contents"`
}

// PromptMessage is one rendered prompt message.
type PromptMessage struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
}

// GetPromptResult is the result shape of prompts/get.
type GetPromptResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}
