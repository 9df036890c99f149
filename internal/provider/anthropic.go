package provider

import (
	"bytes"
	"context"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"keywarden/internal/dispatch"
	"keywarden/internal/model"
)

const anthropicVersion = "2023-06-01"

// defaultMaxTokens is injected when the payload does not set one; the
// Anthropic messages API rejects requests without it.
const defaultMaxTokens = 1024

// AnthropicClient speaks the Anthropic messages wire format.
type AnthropicClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewAnthropicClient(baseURL string, httpClient *http.Client) *AnthropicClient {
	return &AnthropicClient{baseURL: baseURL, httpClient: httpClient}
}

func (c *AnthropicClient) Call(ctx context.Context, key model.KeyRecord, req dispatch.Request) (*dispatch.Result, error) {
	body := req.Body
	if len(body) == 0 {
		body = []byte(`{}`)
	}
	var err error
	if req.Model != "" {
		if body, err = sjson.SetBytes(body, "model", req.Model); err != nil {
			return nil, &dispatch.CallError{Category: dispatch.CategoryFatal, Message: "malformed payload", Err: err}
		}
	}
	if !gjson.GetBytes(body, "max_tokens").Exists() {
		if body, err = sjson.SetBytes(body, "max_tokens", defaultMaxTokens); err != nil {
			return nil, &dispatch.CallError{Category: dispatch.CategoryFatal, Message: "malformed payload", Err: err}
		}
	}

	base := strings.TrimRight(c.baseURL, "/")
	if key.Endpoint != "" {
		base = strings.TrimRight(key.Endpoint, "/")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, &dispatch.CallError{Category: dispatch.CategoryFatal, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", key.Secret)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

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

	usage := dispatch.TokenUsage{
		PromptTokens:     gjson.GetBytes(raw, "usage.input_tokens").Int(),
		CompletionTokens: gjson.GetBytes(raw, "usage.output_tokens").Int(),
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

	result := &dispatch.Result{
		Text:  gjson.GetBytes(raw, "content.0.text").String(),
		Model: gjson.GetBytes(raw, "model").String(),
		Usage: usage,
		Raw:   raw,
	}
	if result.Model == "" {
		result.Model = req.Model
	}
	return result, nil
}
