// Package ollama translates between the Ollama native wire format and the
// OpenAI-compatible shapes the core gateway speaks, so the same local
// SharedContext backend can serve /api/tags, /api/show and /api/chat
// without knowing anything about Ollama's JSON layout.
package ollama

import (
	"encoding/json"
	"time"

	gateway "github.com/bodhi-local/bodhigate/internal"
)

// ChatRequest is the subset of Ollama's /api/chat request body this gateway
// understands.
type ChatRequest struct {
	Model    string          `json:"model"`
	Messages []ChatMessage   `json:"messages"`
	Stream   *bool           `json:"stream,omitempty"`
	Options  map[string]any  `json:"options,omitempty"`
	Format   json.RawMessage `json:"format,omitempty"`
}

// ChatMessage is an Ollama-format chat message.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse is the Ollama-format /api/chat response.
type ChatResponse struct {
	Model           string      `json:"model"`
	CreatedAt       string      `json:"created_at"`
	Message         ChatMessage `json:"message"`
	Done            bool        `json:"done"`
	DoneReason      string      `json:"done_reason,omitempty"`
	PromptEvalCount int         `json:"prompt_eval_count,omitempty"`
	EvalCount       int         `json:"eval_count,omitempty"`
}

// ToOpenAI converts an Ollama chat request into the gateway's OpenAI-shaped
// ChatRequest. Unsupported Ollama options are ignored rather than rejected,
// mirroring Ollama's own tolerance for unknown option keys.
func ToOpenAI(req *ChatRequest) *gateway.ChatRequest {
	out := &gateway.ChatRequest{
		Model:    req.Model,
		Messages: make([]gateway.Message, len(req.Messages)),
		Stream:   req.Stream != nil && *req.Stream,
	}
	for i, m := range req.Messages {
		content, _ := json.Marshal(m.Content)
		out.Messages[i] = gateway.Message{Role: m.Role, Content: content}
	}
	if req.Options == nil {
		return out
	}
	if v, ok := req.Options["temperature"].(float64); ok {
		out.Temperature = &v
	}
	if v, ok := req.Options["top_p"].(float64); ok {
		out.TopP = &v
	}
	if v, ok := req.Options["num_predict"].(float64); ok {
		n := int(v)
		out.MaxTokens = &n
	}
	if v, ok := req.Options["seed"].(float64); ok {
		n := int(v)
		out.Seed = &n
	}
	return out
}

// FromOpenAI converts a completed OpenAI-shaped ChatResponse into Ollama's
// /api/chat response shape. createdAt is passed in rather than computed
// here, since this package cannot call time.Now (it must stay pure for
// testing).
func FromOpenAI(resp *gateway.ChatResponse, createdAt time.Time) *ChatResponse {
	out := &ChatResponse{
		Model:     resp.Model,
		CreatedAt: createdAt.UTC().Format(time.RFC3339Nano),
		Done:      true,
	}
	if len(resp.Choices) > 0 {
		c := resp.Choices[0]
		var content string
		_ = json.Unmarshal(c.Message.Content, &content)
		out.Message = ChatMessage{Role: c.Message.Role, Content: content}
		out.DoneReason = c.FinishReason
	}
	if resp.Usage != nil {
		out.PromptEvalCount = resp.Usage.PromptTokens
		out.EvalCount = resp.Usage.CompletionTokens
	}
	return out
}

// TagsModel is one entry in an Ollama /api/tags response.
type TagsModel struct {
	Name       string    `json:"name"`
	Model      string    `json:"model"`
	ModifiedAt time.Time `json:"modified_at"`
	Size       int64     `json:"size"`
	Digest     string    `json:"digest"`
}

// TagsResponse is the Ollama /api/tags response envelope.
type TagsResponse struct {
	Models []TagsModel `json:"models"`
}

// BuildTags wraps a flat model-name list into Ollama's /api/tags shape.
// Size and digest are left zero-valued: this gateway does not track file
// size or a content digest per alias, only the HuggingFace repo/filename
// pair the SharedContext resolves at load time.
func BuildTags(names []string, modifiedAt time.Time) *TagsResponse {
	out := &TagsResponse{Models: make([]TagsModel, len(names))}
	for i, n := range names {
		out.Models[i] = TagsModel{Name: n, Model: n, ModifiedAt: modifiedAt}
	}
	return out
}

// ShowResponse is the Ollama /api/show response envelope.
type ShowResponse struct {
	Modelfile  string            `json:"modelfile,omitempty"`
	Parameters string            `json:"parameters,omitempty"`
	Template   string            `json:"template,omitempty"`
	Details    ShowModelDetails  `json:"details"`
	ModelInfo  map[string]string `json:"model_info,omitempty"`
}

// ShowModelDetails is the "details" object in an Ollama /api/show response.
type ShowModelDetails struct {
	Family            string `json:"family"`
	ParameterSize     string `json:"parameter_size,omitempty"`
	QuantizationLevel string `json:"quantization_level,omitempty"`
}

// BuildShow renders a minimal /api/show response for a resolved alias.
// Family is set to "gguf" since every local alias this gateway serves is
// backed by a GGUF file loaded directly into a llama.cpp child process.
func BuildShow(a *gateway.Alias) *ShowResponse {
	return &ShowResponse{
		Details: ShowModelDetails{Family: "gguf"},
		ModelInfo: map[string]string{
			"repo":     a.Repo,
			"filename": a.Filename,
		},
	}
}
