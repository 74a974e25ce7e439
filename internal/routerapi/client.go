package routerapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"sdkrouter/internal/model"
	"sdkrouter/internal/server"
)

// Client reads the router's HTTP API.
type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	baseURL = strings.TrimSpace(baseURL)
	baseURL = strings.TrimRight(baseURL, "/")
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Health returns the health document. A degraded router still yields the
// document together with an error.
func (c *Client) Health(ctx context.Context) (server.HealthResponse, error) {
	var response server.HealthResponse
	status, err := c.doJSON(ctx, "/api/v1/health", nil, &response)
	if err != nil {
		return response, err
	}
	if status != http.StatusOK || !strings.EqualFold(strings.TrimSpace(response.Status), "ok") {
		return response, fmt.Errorf("router health is %s", response.Status)
	}
	return response, nil
}

func (c *Client) ListSessions(ctx context.Context, onlineOnly bool) ([]model.SessionSummary, error) {
	query := map[string]string{}
	if onlineOnly {
		query["online"] = "true"
	}
	var response struct {
		Sessions []model.SessionSummary `json:"sessions"`
	}
	if _, err := c.doJSON(ctx, "/api/v1/sessions", query, &response); err != nil {
		return nil, err
	}
	return response.Sessions, nil
}

func (c *Client) GetSession(ctx context.Context, identity model.BotIdentity) (model.SessionDetail, error) {
	var response struct {
		Session model.SessionDetail `json:"session"`
	}
	path := "/api/v1/sessions/" + url.PathEscape(strings.TrimSpace(string(identity)))
	if _, err := c.doJSON(ctx, path, nil, &response); err != nil {
		return model.SessionDetail{}, err
	}
	return response.Session, nil
}

func (c *Client) doJSON(ctx context.Context, path string, query map[string]string, out any) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	parsed, err := url.Parse(c.baseURL + path)
	if err != nil {
		return 0, err
	}
	if len(query) > 0 {
		values := parsed.Query()
		for key, value := range query {
			values.Set(key, value)
		}
		parsed.RawQuery = values.Encode()
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return 0, err
	}
	request.Header.Set("Accept", "application/json")
	response, err := c.client.Do(request)
	if err != nil {
		return 0, err
	}
	defer response.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(response.Body, 16<<20))
	if err != nil {
		return response.StatusCode, err
	}
	// Health answers 503 with a full document when degraded.
	if response.StatusCode == http.StatusServiceUnavailable && path == "/api/v1/health" {
		return response.StatusCode, json.Unmarshal(payload, out)
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return response.StatusCode, decodeRemoteError(response.StatusCode, payload)
	}
	if out == nil {
		return response.StatusCode, nil
	}
	return response.StatusCode, json.Unmarshal(payload, out)
}

func decodeRemoteError(status int, payload []byte) error {
	var wrapper struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(payload, &wrapper); err == nil && strings.TrimSpace(wrapper.Error.Code) != "" {
		return fmt.Errorf("%s (http %d): %s", wrapper.Error.Code, status, strings.TrimSpace(wrapper.Error.Message))
	}
	return fmt.Errorf("http %d: %s", status, strings.TrimSpace(string(payload)))
}
