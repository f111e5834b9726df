// Package httpfetch implements the non-interactive HTTP fetch module.
package httpfetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/loomworks/loom/runtime/module"
)

// ModuleID is the registry identifier.
const ModuleID = "loom.http_fetch"

// DefaultTimeout bounds one fetch when inputs do not set timeout_ms.
const DefaultTimeout = 30 * time.Second

// maxBodyBytes caps response bodies so a module cannot bloat the event log.
const maxBodyBytes = 4 << 20

type (
	// Options configures the httpfetch module.
	Options struct {
		// Client defaults to a plain http.Client.
		Client *http.Client
	}

	// Module is the HTTP fetch module.
	Module struct {
		client *http.Client
	}
)

// New builds the httpfetch module.
func New(opts Options) *Module {
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	return &Module{client: client}
}

// ID implements module.Executable.
func (m *Module) ID() string { return ModuleID }

// InputsSchema implements module.Executable.
func (m *Module) InputsSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"url"},
		"properties": map[string]any{
			"url":        map[string]any{"type": "string", "minLength": 1},
			"method":     map[string]any{"type": "string", "enum": []any{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD"}},
			"headers":    map[string]any{"type": "object"},
			"body":       map[string]any{},
			"timeout_ms": map[string]any{"type": "integer", "minimum": 1},
		},
	}
}

// OutputsSchema implements module.Executable.
func (m *Module) OutputsSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"status"},
		"properties": map[string]any{
			"status": map[string]any{"type": "integer"},
			"body":   map[string]any{"type": "string"},
		},
	}
}

// Execute implements module.Executable.
func (m *Module) Execute(ctx context.Context, inputs map[string]any, mctx *module.Context) (map[string]any, error) {
	url, _ := inputs["url"].(string)
	if url == "" {
		return nil, errors.New("url is required")
	}
	method, _ := inputs["method"].(string)
	if method == "" {
		method = http.MethodGet
	}

	timeout := DefaultTimeout
	if ms, ok := inputs["timeout_ms"].(float64); ok && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if raw, ok := inputs["body"]; ok && raw != nil {
		switch v := raw.(type) {
		case string:
			body = strings.NewReader(v)
		default:
			data, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("encode request body: %w", err)
			}
			body = strings.NewReader(string(data))
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if headers, ok := inputs["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	if mctx.Progress != nil {
		mctx.Progress(fmt.Sprintf("Fetching %s", url))
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	outputs := map[string]any{
		"status": resp.StatusCode,
		"body":   string(data),
	}
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		var decoded any
		if err := json.Unmarshal(data, &decoded); err == nil {
			outputs["json"] = decoded
		}
	}
	return outputs, nil
}
