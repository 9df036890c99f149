package provider

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"keywarden/internal/dispatch"
	"keywarden/internal/model"
)

// OpenAIClient speaks the OpenAI chat-completions wire format. It also
// serves every vendor exposing an OpenAI-compatible surface (DeepSeek,
// Gemini's compatibility endpoint, self-hosted gateways).
type OpenAIClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewOpenAIClient creates a client with the given default base URL.
// A key's endpoint field overrides the base per call.
func NewOpenAIClient(baseURL string, httpClient *http.Client) *OpenAIClient {
	return &OpenAIClient{baseURL: baseURL, httpClient: httpClient}
}

func (c *OpenAIClient) Call(ctx context.Context, key model.KeyRecord, req dispatch.Request) (*dispatch.Result, error) {
	body := req.Body
	if len(body) == 0 {
		body = []byte(`{}`)
	}
	if req.Model != "" {
		var err error
		if body, err = sjson.SetBytes(body, "model", req.Model); err != nil {
			return nil, &dispatch.CallError{Category: dispatch.CategoryFatal, Message: "malformed payload", Err: err}
		}
	}

	base := strings.TrimRight(c.baseURL, "/")
	if key.Endpoint != "" {
		base = strings.TrimRight(key.Endpoint, "/")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, &dispatch.CallError{Category: dispatch.CategoryFatal, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", key.Secret))

	res, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, transportError(err)
	}
	raw, err := readBody(res)
	if err != nil {
		return nil, transportError(err)
	}
	if res.StatusCode != http.StatusOK {
		return nil, statusError(res.StatusCode, raw)
	}

	result := &dispatch.Result{
		Text:  gjson.GetBytes(raw, "choices.0.message.content").String(),
		Model: gjson.GetBytes(raw, "model").String(),
		Usage: dispatch.TokenUsage{
			PromptTokens:     gjson.GetBytes(raw, "usage.prompt_tokens").Int(),
			CompletionTokens: gjson.GetBytes(raw, "usage.completion_tokens").Int(),
			TotalTokens:      gjson.GetBytes(raw, "usage.total_tokens").Int(),
		},
		Raw: raw,
	}
	if result.Model == "" {
		result.Model = req.Model
	}
	return result, nil
}
