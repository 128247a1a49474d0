// Package tools provides the transports investigation tools run over: a
// JSON-over-HTTP client for downstream analysis services and a SQL tool
// reading the sentinel's own finding history.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/NikhilSetiya/cohort-sentinel/internal/investigation"
	"github.com/NikhilSetiya/cohort-sentinel/internal/querycontext"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/config"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/errors"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/logging"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/tracing"
)

const maxResponseBytes = 1 << 20

// HTTPTool invokes a downstream service with the tool context as JSON (POST)
// or query parameters (GET) and decodes findings from the response
type HTTPTool struct {
	spec   config.ToolSpec
	client *http.Client
	logger *logging.Logger
}

// NewHTTPTool creates a tool from its catalog entry. A nil client gets a
// traced client without its own timeout; calls are bounded by the
// destination's call timeout.
func NewHTTPTool(spec config.ToolSpec, client *http.Client) (*HTTPTool, error) {
	if spec.Name == "" {
		return nil, errors.NewValidationError("tool name is required")
	}
	if _, err := url.ParseRequestURI(spec.URL); err != nil {
		return nil, errors.NewValidationError(fmt.Sprintf("tool %q: invalid url", spec.Name)).WithCause(err)
	}

	spec.Method = strings.ToUpper(spec.Method)
	switch spec.Method {
	case "":
		spec.Method = http.MethodPost
	case http.MethodPost, http.MethodGet:
	default:
		return nil, errors.NewValidationError(fmt.Sprintf("tool %q: unsupported method %s", spec.Name, spec.Method))
	}
	if spec.EntityField == "" {
		spec.EntityField = "entity_id"
	}

	if client == nil {
		client = tracing.InstrumentHTTPClient(&http.Client{}, tracing.Global().Tracer())
	}

	return &HTTPTool{
		spec:   spec,
		client: client,
		logger: logging.GetLogger(),
	}, nil
}

func (t *HTTPTool) Name() string        { return t.spec.Name }
func (t *HTTPTool) Destination() string { return t.spec.Destination }

// params flattens the tool context. The entity is sent under the
// configured field as well as entity_id.
func (t *HTTPTool) params(tc querycontext.ToolContext) map[string]string {
	p := map[string]string{
		"investigation_id": tc.InvestigationID.String(),
		"tool":             tc.Tool,
		"entity_id":        tc.EntityID,
		"entity_type":      tc.EntityType,
		"start_date":       tc.StartDate.UTC().Format(time.RFC3339),
		"end_date":         tc.EndDate.UTC().Format(time.RFC3339),
		"executed_at":      tc.ExecutedAt.UTC().Format(time.RFC3339),
	}
	p[t.spec.EntityField] = tc.EntityID
	return p
}

func (t *HTTPTool) newRequest(ctx context.Context, tc querycontext.ToolContext) (*http.Request, error) {
	params := t.params(tc)

	var req *http.Request
	var err error
	if t.spec.Method == http.MethodGet {
		u, _ := url.Parse(t.spec.URL)
		q := u.Query()
		for k, v := range params {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	} else {
		payload, mErr := json.Marshal(params)
		if mErr != nil {
			return nil, errors.NewPermanentError(t.spec.Name, "failed to encode request").WithCause(mErr)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, t.spec.URL, bytes.NewReader(payload))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	if err != nil {
		return nil, errors.NewPermanentError(t.spec.Name, "failed to create request").WithCause(err)
	}

	req.Header.Set("Accept", "application/json")
	for k, v := range t.spec.Headers {
		req.Header.Set(k, os.ExpandEnv(v))
	}
	if id := logging.GetCorrelationID(ctx); id != "" {
		req.Header.Set("X-Correlation-ID", id)
	}
	return req, nil
}

// Invoke calls the service. 5xx, 408, 429 and network failures are
// transient; every other non-2xx status and malformed bodies are permanent.
func (t *HTTPTool) Invoke(ctx context.Context, tc querycontext.ToolContext) (*investigation.ToolResult, error) {
	req, err := t.newRequest(ctx, tc)
	if err != nil {
		return nil, err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var netErr net.Error
		if stderrors.As(err, &netErr) && netErr.Timeout() {
			return nil, errors.NewTimeoutError(t.spec.Name + " request").WithCause(err)
		}
		return nil, errors.NewTransientError(t.spec.Name, "request failed").WithCause(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, errors.NewTransientError(t.spec.Name, "failed to read response").WithCause(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := fmt.Sprintf("%s returned status %d", t.spec.Name, resp.StatusCode)
		if retryable(resp.StatusCode) {
			return nil, errors.NewTransientError(t.spec.Name, msg).
				WithDetail("status", fmt.Sprint(resp.StatusCode))
		}
		return nil, errors.NewPermanentError(t.spec.Name, msg).
			WithDetail("status", fmt.Sprint(resp.StatusCode))
	}

	result, err := t.decode(body)
	if err != nil {
		return nil, err
	}

	t.logger.Debug("Tool call completed",
		"tool", t.spec.Name,
		"status", resp.StatusCode,
		"findings", len(result.Findings),
	)
	return result, nil
}

func retryable(status int) bool {
	return status >= 500 || status == http.StatusTooManyRequests || status == http.StatusRequestTimeout
}

// decode reads the entity from the configured field and the findings array
func (t *HTTPTool) decode(body []byte) (*investigation.ToolResult, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, errors.NewPermanentError(t.spec.Name, "malformed response").WithCause(err)
	}

	result := &investigation.ToolResult{}
	if v, ok := raw[t.spec.EntityField]; ok {
		if err := json.Unmarshal(v, &result.EntityID); err != nil {
			return nil, errors.NewPermanentError(t.spec.Name, "entity field is not a string").WithCause(err)
		}
	}
	if v, ok := raw["findings"]; ok {
		if err := json.Unmarshal(v, &result.Findings); err != nil {
			return nil, errors.NewPermanentError(t.spec.Name, "malformed findings").WithCause(err)
		}
	}
	return result, nil
}
