package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sendloop/journey/internal/expressions"
	"github.com/sendloop/journey/internal/secrets"
	"github.com/sendloop/journey/pkg/schema"
)

const (
	defaultWebhookTimeout   = 15 * time.Second
	maxWebhookResponseBytes = 1 << 20
)

// CallWebhookAction performs an outbound HTTP call. 5xx and transport errors
// are transient; 4xx responses are permanent.
//
// Params:
//
//	url     required
//	method  optional, defaults to POST
//	headers optional map of string values; ${{secrets.KEY}} references are
//	        resolved through the vault when one is configured
//	body    optional map serialized as the JSON request body
//	extract optional map of variable name -> jq path into the JSON response
type CallWebhookAction struct {
	client *http.Client
	jq     *expressions.GoJQEngine
	vault  secrets.Vault
}

func NewCallWebhookAction(client *http.Client, jq *expressions.GoJQEngine) *CallWebhookAction {
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	return &CallWebhookAction{client: client, jq: jq}
}

// WithVault enables secret-reference resolution in header values.
func (a *CallWebhookAction) WithVault(v secrets.Vault) *CallWebhookAction {
	a.vault = v
	return a
}

func (a *CallWebhookAction) Type() schema.ActionType {
	return schema.ActionCallWebhook
}

func (a *CallWebhookAction) Execute(ctx context.Context, in Input) (*Output, error) {
	url, err := stringParam(in.Params, "url")
	if err != nil {
		return nil, Permanent(err)
	}
	method := strings.ToUpper(optionalStringParam(in.Params, "method", http.MethodPost))

	var body io.Reader
	if raw, ok := in.Params["body"]; ok {
		encoded, err := json.Marshal(raw)
		if err != nil {
			return nil, Permanent(schema.NewError(schema.ErrCodeValidation, "webhook body is not serializable").WithCause(err))
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, Permanent(schema.NewError(schema.ErrCodeValidation, "invalid webhook request").WithCause(err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", in.IdempotencyKey)
	if headers, ok := in.Params["headers"].(map[string]any); ok {
		for k, v := range headers {
			s, ok := v.(string)
			if !ok {
				continue
			}
			resolved, err := secrets.ResolveRefs(ctx, a.vault, s)
			if err != nil {
				return nil, Permanent(schema.NewErrorf(schema.ErrCodeVault, "header %q references an unresolvable secret", k).WithCause(err))
			}
			req.Header.Set(k, resolved)
		}
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, Transient(err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxWebhookResponseBytes))
	if err != nil {
		return nil, Transient(err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, Transient(fmt.Errorf("webhook returned %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return nil, Permanent(fmt.Errorf("webhook returned %d", resp.StatusCode))
	}

	out := &Output{}
	if extract, ok := in.Params["extract"].(map[string]any); ok && len(extract) > 0 {
		vars, err := a.extractVariables(ctx, payload, extract)
		if err != nil {
			return nil, Permanent(err)
		}
		out.Variables = vars
	}
	return out, nil
}

func (a *CallWebhookAction) extractVariables(ctx context.Context, payload []byte, extract map[string]any) (map[string]any, error) {
	var parsed map[string]any
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "webhook response is not a JSON object").WithCause(err)
	}

	vars := make(map[string]any, len(extract))
	for name, pathVal := range extract {
		path, ok := pathVal.(string)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "extract path for %q must be a string", name)
		}
		if !strings.HasPrefix(path, ".") {
			path = "." + path
		}
		value, found, err := a.jq.Lookup(ctx, path, parsed)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "extract path %q failed", path).WithCause(err)
		}
		if found {
			vars[name] = value
		}
	}
	return vars, nil
}
