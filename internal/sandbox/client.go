package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// HTTPClient talks to the sandbox service REST API.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		// Command execution can block for minutes; per-call deadlines come
		// from the request context instead of a global client timeout.
		client: &http.Client{},
	}
}

type createRequest struct {
	TemplateID string `json:"template_id"`
	TimeoutMS  int64  `json:"timeout_ms"`
}

type sandboxInfo struct {
	SandboxID string `json:"sandbox_id"`
}

func (c *HTTPClient) Create(ctx context.Context, templateID string, timeout time.Duration) (Handle, error) {
	var info sandboxInfo
	err := c.do(ctx, http.MethodPost, "/sandboxes", createRequest{
		TemplateID: templateID,
		TimeoutMS:  timeout.Milliseconds(),
	}, &info, timeout)
	if err != nil {
		return nil, fmt.Errorf("sandbox create failed: %w", err)
	}
	if info.SandboxID == "" {
		return nil, fmt.Errorf("sandbox create returned empty id")
	}
	return &httpHandle{client: c, id: info.SandboxID}, nil
}

func (c *HTTPClient) Connect(ctx context.Context, sandboxID string, timeout time.Duration) (Handle, error) {
	err := c.do(ctx, http.MethodPost, "/sandboxes/"+url.PathEscape(sandboxID)+"/connect", createRequest{
		TimeoutMS: timeout.Milliseconds(),
	}, nil, timeout)
	if err != nil {
		return nil, fmt.Errorf("sandbox connect %s failed: %w", sandboxID, err)
	}
	return &httpHandle{client: c, id: sandboxID}, nil
}

// httpHandle implements Handle over the REST API.
type httpHandle struct {
	client *HTTPClient
	id     string
}

func (h *httpHandle) ID() string { return h.id }

func (h *httpHandle) WriteFile(ctx context.Context, path string, data []byte) error {
	u := h.filesURL(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	h.client.setAuth(req)

	res, err := h.client.client.Do(req)
	if err != nil {
		return fmt.Errorf("sandbox write %s: %w", path, err)
	}
	defer res.Body.Close()
	return h.client.checkStatus(res)
}

func (h *httpHandle) ReadFile(ctx context.Context, path string) ([]byte, error) {
	u := h.filesURL(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	h.client.setAuth(req)

	res, err := h.client.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sandbox read %s: %w", path, err)
	}
	defer res.Body.Close()
	if err := h.client.checkStatus(res); err != nil {
		return nil, err
	}
	return io.ReadAll(res.Body)
}

func (h *httpHandle) ListDir(ctx context.Context, path string) ([]Entry, error) {
	var out struct {
		Entries []Entry `json:"entries"`
	}
	p := "/sandboxes/" + url.PathEscape(h.id) + "/files/list?path=" + url.QueryEscape(path)
	if err := h.client.do(ctx, http.MethodGet, p, nil, &out, 0); err != nil {
		return nil, fmt.Errorf("sandbox list %s: %w", path, err)
	}
	return out.Entries, nil
}

type runRequest struct {
	Command   string `json:"command"`
	TimeoutMS int64  `json:"timeout_ms"`
}

func (h *httpHandle) RunCommand(ctx context.Context, command string, timeout time.Duration) (CommandResult, error) {
	var out CommandResult
	p := "/sandboxes/" + url.PathEscape(h.id) + "/commands"
	err := h.client.do(ctx, http.MethodPost, p, runRequest{
		Command:   command,
		TimeoutMS: timeout.Milliseconds(),
	}, &out, timeout)
	if err != nil {
		return CommandResult{}, fmt.Errorf("sandbox command failed: %w", err)
	}
	return out, nil
}

func (h *httpHandle) Kill(ctx context.Context) error {
	p := "/sandboxes/" + url.PathEscape(h.id)
	if err := h.client.do(ctx, http.MethodDelete, p, nil, nil, 30*time.Second); err != nil {
		return fmt.Errorf("sandbox kill %s: %w", h.id, err)
	}
	return nil
}

func (h *httpHandle) filesURL(path string) string {
	return h.client.baseURL + "/sandboxes/" + url.PathEscape(h.id) + "/files?path=" + url.QueryEscape(path)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setAuth(req)

	res, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if err := c.checkStatus(res); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}

func (c *HTTPClient) setAuth(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
}

func (c *HTTPClient) checkStatus(res *http.Response) error {
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(res.Body, 512))
	return fmt.Errorf("sandbox api http %d: %s", res.StatusCode, string(snippet))
}
