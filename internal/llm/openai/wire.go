// Package openai holds the wire shapes of the OpenAI Chat Completions API.
package openai

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// ChatCompletionsURL is the fixed endpoint every chat request is posted to.
const ChatCompletionsURL = "https://api.openai.com/v1/chat/completions"

// ContentPath locates the generated text inside a chat completion response.
const ContentPath = "choices.0.message.content"

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Field order is fixed by the struct so identical inputs encode to identical bytes.
type chatRequest struct {
	Model       string      `json:"model"`
	Temperature json.Number `json:"temperature"`
	Messages    []message   `json:"messages"`
}

// temperature is written as 0.0 rather than 0.
const temperature json.Number = "0.0"

// BuildPayload encodes a single-turn user request with deterministic sampling.
func BuildPayload(model, prompt string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(chatRequest{
		Model:       model,
		Temperature: temperature,
		Messages:    []message{{Role: "user", Content: prompt}},
	}); err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// ExtractContent reads choices[0].message.content. ok is false when any segment
// of the path is absent or the value is not a string.
func ExtractContent(body []byte) (content string, ok bool) {
	res := gjson.GetBytes(body, ContentPath)
	if res.Type != gjson.String {
		return "", false
	}
	return res.String(), true
}
