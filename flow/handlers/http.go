package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/dshills/stepflow-go/flow"
)

// Error codes produced by the HTTP handler. HTTP_ERROR covers transport
// failures, HTTP_STATUS covers 4xx/5xx responses; both are natural
// retryOn targets.
const (
	CodeHTTPError  = "HTTP_ERROR"
	CodeHTTPStatus = "HTTP_STATUS"
)

// maxResponseBytes bounds the response body so a misbehaving endpoint
// cannot blow the execution context limits.
const maxResponseBytes = 1 << 20

// HTTP performs an HTTP request described by the step input.
//
// Input (map):
//   - url: target URL (required)
//   - method: GET, POST, PUT, PATCH or DELETE (default GET)
//   - headers: map of header values
//   - body: string, or any JSON-serializable value
//
// Config:
//   - allowErrorStatus: when true, 4xx/5xx responses succeed instead of
//     failing with HTTP_STATUS
//
// Output: {statusCode, headers, body} with body decoded from JSON when
// the response says so.
type HTTP struct {
	client *http.Client
}

// NewHTTP creates the handler with the default client; per-step
// deadlines come from the engine's handler timeout via ctx.
func NewHTTP() *HTTP {
	return &HTTP{client: &http.Client{}}
}

// NewHTTPWithClient creates the handler over a custom client.
func NewHTTPWithClient(client *http.Client) *HTTP {
	return &HTTP{client: client}
}

// Type implements flow.Handler.
func (h *HTTP) Type() string { return "http.request" }

// Describe implements flow.Describer.
func (h *HTTP) Describe() flow.Descriptor {
	return flow.Descriptor{
		Type:        "http.request",
		Description: "Performs an HTTP request described by the step input.",
	}
}

// Execute implements flow.Handler.
func (h *HTTP) Execute(ctx context.Context, p flow.Params) flow.Result {
	input, ok := p.Input.(map[string]any)
	if !ok {
		return flow.Failure(flow.CodeInputError, "http.request input must be an object")
	}
	urlStr := configString(input, "url")
	if urlStr == "" {
		return flow.Failure(flow.CodeInputError, "http.request input needs a url")
	}

	method := strings.ToUpper(configString(input, "method"))
	if method == "" {
		method = http.MethodGet
	}
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return flow.Failure(flow.CodeInputError, "unsupported HTTP method: "+method)
	}

	var body io.Reader
	contentType := ""
	switch b := input["body"].(type) {
	case nil:
	case string:
		if b != "" {
			body = bytes.NewBufferString(b)
		}
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return flow.Failure(flow.CodeInputError, "http.request body is not serializable: "+err.Error())
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, body)
	if err != nil {
		return flow.Failure(CodeHTTPError, "failed to create request: "+err.Error())
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if headers, ok := input["headers"].(map[string]any); ok {
		for key, value := range headers {
			if s, ok := value.(string); ok {
				req.Header.Set(key, s)
			}
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return flow.Failure(CodeHTTPError, "request failed: "+err.Error())
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return flow.Failure(CodeHTTPError, "failed to read response body: "+err.Error())
	}

	respHeaders := make(map[string]any, len(resp.Header))
	for key, values := range resp.Header {
		if len(values) == 1 {
			respHeaders[key] = values[0]
		} else {
			respHeaders[key] = values
		}
	}

	var decoded any = string(respBody)
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		var v any
		if err := json.Unmarshal(respBody, &v); err == nil {
			decoded = v
		}
	}

	output := map[string]any{
		"statusCode": resp.StatusCode,
		"headers":    respHeaders,
		"body":       decoded,
	}
	if resp.StatusCode >= 400 && !configBool(p.Step.Config, "allowErrorStatus") {
		return flow.Failure(CodeHTTPStatus,
			fmt.Sprintf("request returned status %d", resp.StatusCode)).
			WithDetails(output)
	}
	return flow.Success(output)
}
