package flow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/FlowPipe/internal/interpolate"
	"github.com/BTreeMap/FlowPipe/internal/models"
)

const (
	// MaxResponseBody caps how much of an http_request response is kept.
	MaxResponseBody = 1 << 20
	// DefaultResponseVariable prefixes the variables written by http_request.
	DefaultResponseVariable = "http_response"
	// BlockedURL is written to <var>_error when the URL fails the outbound check.
	BlockedURL = "blocked_url"
	// maxRedirects matches net/http's default limit.
	maxRedirects = 10
)

// checkRedirect applies the outbound URL check to every redirect hop.
func (e *Executor) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", maxRedirects)
	}
	return e.checkURL(req.URL.String())
}

// httpRequest performs a http_request action and records the outcome as variables:
// <var>_status, <var>_body, <var>_ok and, on failure, <var>_error.
// It reports whether the request completed.
func (e *Executor) httpRequest(ctx context.Context, state *models.ConversationState, a *models.HTTPRequestAction) bool {
	scope := interpolate.Scope{Variables: state.Context.Variables, CollectedInputs: state.Context.CollectedInputs}
	prefix := a.ResponseVariable
	if prefix == "" {
		prefix = DefaultResponseVariable
	}
	fail := func(msg string) bool {
		state.Context.SetVariable(prefix+"_ok", false)
		state.Context.SetVariable(prefix+"_error", msg)
		return false
	}

	url := interpolate.Interpolate(a.URL, scope)
	if err := e.checkURL(url); err != nil {
		slog.Warn("Executor.httpRequest: blocked outbound URL", "conversationID", state.ConversationID, "url", url, "error", err)
		return fail(BlockedURL)
	}

	method := strings.ToUpper(strings.TrimSpace(a.Method))
	if method == "" {
		method = http.MethodGet
	}
	body, contentType, err := encodeBody(interpolate.InterpolateValue(a.Body, scope))
	if err != nil {
		slog.Warn("Executor.httpRequest: body not encodable", "conversationID", state.ConversationID, "error", err)
		return fail(err.Error())
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultHTTPTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fail(err.Error())
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range a.Headers {
		req.Header.Set(k, interpolate.Interpolate(v, scope))
	}

	resp, err := e.http.Do(req)
	if err != nil {
		slog.Warn("Executor.httpRequest: request failed", "conversationID", state.ConversationID, "method", method, "url", url, "error", err)
		return fail(err.Error())
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBody))
	if err != nil {
		slog.Warn("Executor.httpRequest: reading response failed", "conversationID", state.ConversationID, "url", url, "error", err)
		return fail(err.Error())
	}
	if state.Context.Variables != nil {
		delete(state.Context.Variables, prefix+"_error")
	}
	state.Context.SetVariable(prefix+"_status", resp.StatusCode)
	state.Context.SetVariable(prefix+"_body", decodeBody(raw))
	state.Context.SetVariable(prefix+"_ok", resp.StatusCode >= 200 && resp.StatusCode < 300)
	slog.Debug("Executor.httpRequest: completed", "conversationID", state.ConversationID, "method", method, "url", url, "status", resp.StatusCode)
	return true
}

func encodeBody(v any) (io.Reader, string, error) {
	switch b := v.(type) {
	case nil:
		return nil, "", nil
	case string:
		if b == "" {
			return nil, "", nil
		}
		return strings.NewReader(b), "text/plain; charset=utf-8", nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, "", fmt.Errorf("encode body: %w", err)
		}
		return bytes.NewReader(data), "application/json", nil
	}
}

// decodeBody returns the parsed JSON value of raw, or raw as a string.
func decodeBody(raw []byte) any {
	var v any
	if len(bytes.TrimSpace(raw)) > 0 && json.Unmarshal(raw, &v) == nil {
		return v
	}
	return string(raw)
}
